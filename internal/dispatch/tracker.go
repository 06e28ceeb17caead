package dispatch

import "sync"

// ConnState is the connectivity state derived from the two transport flags.
type ConnState int

const (
	// Disconnected means neither transport is up.
	Disconnected ConnState = iota
	// LocalOnly means only the LAN transport is up.
	LocalOnly
	// CloudOnly means only the cloud socket is up.
	CloudOnly
	// Both means both transports are up.
	Both
)

func (s ConnState) String() string {
	switch s {
	case LocalOnly:
		return "local_only"
	case CloudOnly:
		return "cloud_only"
	case Both:
		return "both"
	default:
		return "disconnected"
	}
}

// Runner is started when the account becomes ready and stopped when it
// stops being ready. *Queue satisfies it.
type Runner interface {
	Start(mode Mode)
	Stop()
}

// Tracker holds the account mode and the LAN and cloud connectivity flags.
//
// Thread Safety: all methods are safe for concurrent use. Transitions are
// serialized so that a flag update and the resulting Start or Stop are
// observed as one step.
type Tracker struct {
	mode Mode

	// transMu serializes transitions including the Runner callback.
	transMu sync.Mutex

	mu     sync.RWMutex
	local  bool
	cloud  bool
	ready  bool
	runner Runner

	logger Logger
}

// NewTracker creates a Tracker with both transports disconnected.
func NewTracker(mode Mode) *Tracker {
	return &Tracker{mode: mode, logger: noopLogger{}}
}

// SetLogger sets the logger for the tracker.
func (t *Tracker) SetLogger(logger Logger) {
	t.mu.Lock()
	t.logger = logger
	t.mu.Unlock()
}

// SetRunner attaches the consumer to start and stop. If the account is
// already ready the runner is started immediately.
func (t *Tracker) SetRunner(r Runner) {
	t.transMu.Lock()
	defer t.transMu.Unlock()

	t.mu.Lock()
	t.runner = r
	isReady := t.ready
	t.mu.Unlock()

	if r != nil && isReady {
		r.Start(t.mode)
	}
}

// Mode returns the configured mode.
func (t *Tracker) Mode() Mode { return t.mode }

// IsConnected records both transport flags at once and starts or stops
// the runner when readiness flips.
func (t *Tracker) IsConnected(local, cloud bool) {
	t.update(func(bool, bool) (bool, bool) { return local, cloud })
}

// SetLocal updates the LAN flag only.
func (t *Tracker) SetLocal(connected bool) {
	t.update(func(_, cloud bool) (bool, bool) { return connected, cloud })
}

// SetCloud updates the cloud flag only.
func (t *Tracker) SetCloud(connected bool) {
	t.update(func(local, _ bool) (bool, bool) { return local, connected })
}

func (t *Tracker) update(fn func(local, cloud bool) (bool, bool)) {
	t.transMu.Lock()
	defer t.transMu.Unlock()

	t.mu.Lock()
	t.local, t.cloud = fn(t.local, t.cloud)
	was := t.ready
	now := ready(t.mode, t.local, t.cloud)
	t.ready = now
	runner, logger := t.runner, t.logger
	local, cloud := t.local, t.cloud
	t.mu.Unlock()

	if was == now {
		return
	}

	logger.Info("account readiness changed",
		"mode", string(t.mode),
		"local", local,
		"cloud", cloud,
		"ready", now,
	)

	if runner == nil {
		return
	}
	if now {
		runner.Start(t.mode)
	} else {
		runner.Stop()
	}
}

// LocalConnected reports the LAN flag.
func (t *Tracker) LocalConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.local
}

// CloudConnected reports the cloud flag.
func (t *Tracker) CloudConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cloud
}

// Ready reports the readiness predicate for the configured mode.
func (t *Tracker) Ready() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ready
}

// State returns the combined connectivity state.
func (t *Tracker) State() ConnState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	switch {
	case t.local && t.cloud:
		return Both
	case t.local:
		return LocalOnly
	case t.cloud:
		return CloudOnly
	default:
		return Disconnected
	}
}
