package reconcile

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-sonoff/internal/device"
	"github.com/nerrad567/gray-logic-sonoff/internal/dispatch"
	"github.com/nerrad567/gray-logic-sonoff/internal/transport/cloud"
)

// Logger defines the logging interface used by the Reconciler.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// AckLog resolves the command behind a cloud acknowledgement.
// *dispatch.SentLog satisfies it.
type AckLog interface {
	Lookup(seq int64) (dispatch.SentEntry, bool)
}

// Sink observes every applied update after the device listener ran.
// Sinks are called synchronously on the delivering goroutine and must
// not block for long.
type Sink interface {
	StateChanged(u FieldUpdate, snap device.Snapshot)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(u FieldUpdate, snap device.Snapshot)

// StateChanged implements Sink.
func (f SinkFunc) StateChanged(u FieldUpdate, snap device.Snapshot) { f(u, snap) }

// Stats counts reconciliation outcomes.
type Stats struct {
	Applied   uint64 `json:"applied"`
	Created   uint64 `json:"created"`
	Discarded uint64 `json:"discarded"`
	Acks      uint64 `json:"acks"`
	Failures  uint64 `json:"failed_acks"`
}

// Reconciler merges inbound reports into the Device States of one account.
//
// The On* hooks may be called concurrently from any transport goroutine.
// They never return an error: malformed input and unknown devices are
// logged and discarded.
type Reconciler struct {
	store  *device.Store
	acks   AckLog
	logger Logger

	sinksMu sync.RWMutex
	sinks   []Sink

	applied, created, discarded, ackCount, ackFailures atomic.Uint64
}

// Options configures a Reconciler.
type Options struct {
	Store *device.Store

	// Acks is optional; without it acknowledgements are only counted.
	Acks AckLog

	Logger Logger
}

// New creates a Reconciler.
func New(opts Options) *Reconciler {
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &Reconciler{
		store:  opts.Store,
		acks:   opts.Acks,
		logger: logger,
	}
}

// AddSink registers an observer of applied updates.
func (r *Reconciler) AddSink(s Sink) {
	r.sinksMu.Lock()
	r.sinks = append(r.sinks, s)
	r.sinksMu.Unlock()
}

// OnLocalPush handles a LAN response body.
func (r *Reconciler) OnLocalPush(deviceID string, body []byte) {
	r.Handle(LocalPush{DeviceID: deviceID, Body: body})
}

// OnCloudPush handles a cloud socket frame.
func (r *Reconciler) OnCloudPush(frame []byte) {
	r.Handle(CloudPush{Frame: frame})
}

// OnCloudPollResult handles a thingList REST response.
func (r *Reconciler) OnCloudPollResult(body []byte) {
	r.Handle(CloudPollBatch{Body: body})
}

// OnServiceResolved handles a discovery event.
func (r *Reconciler) OnServiceResolved(ev ServiceResolved) {
	r.Handle(ev)
}

// Handle normalizes in and applies the resulting updates.
func (r *Reconciler) Handle(in Input) {
	switch v := in.(type) {
	case LocalPush:
		u, err := normalizeLocal(v)
		if err != nil {
			r.discard("local push", v.DeviceID, err)
			return
		}
		r.Apply(u)

	case CloudPush:
		r.handleFrame(v)

	case CloudPollBatch:
		updates, err := normalizePoll(v)
		if err != nil {
			r.discard("cloud poll", "", err)
			return
		}
		for _, u := range updates {
			r.Apply(u)
		}

	case ServiceResolved:
		u, err := normalizeService(v)
		if err != nil {
			r.discard("service", v.DeviceID, err)
			return
		}
		r.Apply(u)
	}
}

func (r *Reconciler) handleFrame(in CloudPush) {
	f, err := cloud.DecodeFrame(in.Frame)
	if err != nil {
		r.discard("cloud push", "", err)
		return
	}

	switch {
	case f.IsStateReport():
		u, err := normalizeCloudReport(f)
		if err != nil {
			r.discard("cloud push", "", err)
			return
		}
		r.Apply(u)
	case f.IsAck():
		r.correlate(f)
	default:
		r.logger.Debug("ignoring cloud frame", "action", f.Action, "device_id", f.DeviceID)
	}
}

// correlate matches an acknowledgement with the command that caused it.
// It only logs; nothing is retried.
func (r *Reconciler) correlate(f cloud.Frame) {
	r.ackCount.Add(1)
	code := *f.Error
	seq := int64(f.Sequence)

	var entry dispatch.SentEntry
	found := false
	if r.acks != nil && seq != 0 {
		entry, found = r.acks.Lookup(seq)
	}

	if code != 0 {
		r.ackFailures.Add(1)
		args := []any{"sequence", seq, "error_code", code}
		if found {
			args = append(args, "device_id", entry.DeviceID, "command", entry.Command)
		}
		r.logger.Warn("cloud command failed", args...)
		return
	}

	if found {
		r.logger.Debug("cloud command acknowledged",
			"sequence", seq,
			"device_id", entry.DeviceID,
			"command", entry.Command,
			"latency", time.Since(entry.SentAt),
		)
		return
	}
	r.logger.Debug("unmatched cloud acknowledgement", "sequence", seq)
}

// Apply merges u into its Device State, then notifies the listener and
// the sinks. It reports whether the update was applied.
func (r *Reconciler) Apply(u FieldUpdate) bool {
	st, ok := r.store.Get(u.DeviceID)
	if !ok {
		if !u.Create {
			r.discard(u.Source, u.DeviceID, ErrUnknownDevice)
			return false
		}
		var created bool
		st, created = r.store.GetOrCreate(u.DeviceID)
		if created {
			r.created.Add(1)
			r.logger.Info("device discovered", "device_id", u.DeviceID, "source", u.Source)
		}
	}

	if u.DeviceKey != "" {
		st.SetDeviceKey(u.DeviceKey)
	}
	if u.Name != "" {
		st.SetName(u.Name)
	}
	if u.UIID != 0 {
		st.SetUIID(u.UIID)
	}
	if u.IPAddress != nil {
		st.SetIPAddress(*u.IPAddress)
	}
	if u.LocalEncrypt != nil {
		st.SetLocalEncrypt(*u.LocalEncrypt)
	}
	if u.CloudOnline != nil {
		st.SetCloudOnline(*u.CloudOnline)
	}
	if u.LocalOnline != nil {
		st.SetLocalOnline(*u.LocalOnline)
	}
	st.Merge(u.Fields)
	r.applied.Add(1)

	if fn, ok := r.store.Listener(u.DeviceID); ok {
		fn(st)
	} else {
		r.logger.Debug("no listener registered", "device_id", u.DeviceID, "source", u.Source)
	}

	r.sinksMu.RLock()
	sinks := r.sinks
	r.sinksMu.RUnlock()
	if len(sinks) > 0 {
		snap := st.Snapshot()
		for _, s := range sinks {
			s.StateChanged(u, snap)
		}
	}
	return true
}

func (r *Reconciler) discard(source, deviceID string, err error) {
	r.discarded.Add(1)
	if errors.Is(err, ErrUnknownDevice) {
		r.logger.Warn("discarding report for unknown device", "source", source, "device_id", deviceID)
		return
	}
	r.logger.Warn("discarding inbound message", "source", source, "device_id", deviceID, "error", err)
}

// Stats returns the reconciliation counters.
func (r *Reconciler) Stats() Stats {
	return Stats{
		Applied:   r.applied.Load(),
		Created:   r.created.Load(),
		Discarded: r.discarded.Load(),
		Acks:      r.ackCount.Load(),
		Failures:  r.ackFailures.Load(),
	}
}
