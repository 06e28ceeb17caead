package account

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/gray-logic-sonoff/internal/command"
	"github.com/nerrad567/gray-logic-sonoff/internal/device"
	"github.com/nerrad567/gray-logic-sonoff/internal/discovery"
	"github.com/nerrad567/gray-logic-sonoff/internal/dispatch"
	"github.com/nerrad567/gray-logic-sonoff/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-sonoff/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-sonoff/internal/reconcile"
	"github.com/nerrad567/gray-logic-sonoff/internal/transport/cloud"
	"github.com/nerrad567/gray-logic-sonoff/internal/transport/lan"
)

// preloadTimeout bounds the startup read of the device cache.
const preloadTimeout = 10 * time.Second

// serviceBrowser is the part of discovery.Browser the account runs.
type serviceBrowser interface {
	Run(ctx context.Context) error
}

// Options configures an Account.
type Options struct {
	Config *config.Config

	// Repository caches device identity across restarts. Optional.
	Repository device.Repository

	// History records the fields of every applied update. Optional.
	History device.HistoryRepository

	Logger *logging.Logger
}

// Status is a point-in-time view of the account for health reporting.
type Status struct {
	Mode           string          `json:"mode"`
	Connection     string          `json:"connection"`
	LocalConnected bool            `json:"local_connected"`
	CloudConnected bool            `json:"cloud_connected"`
	Ready          bool            `json:"ready"`
	Devices        int             `json:"devices"`
	Queue          dispatch.Stats  `json:"queue"`
	Reconciler     reconcile.Stats `json:"reconciler"`
}

// Account owns every per-account object. Create it with New.
//
// Thread Safety: all methods are safe for concurrent use. Stop must not be
// called from a device listener or sink.
type Account struct {
	cfg    *config.Config
	mode   dispatch.Mode
	logger *logging.Logger

	store      *device.Store
	tracker    *dispatch.Tracker
	queue      *dispatch.Queue
	sent       *dispatch.SentLog
	reconciler *reconcile.Reconciler

	lan     *lan.Client
	socket  *cloud.Socket
	rest    *cloud.RESTClient
	browser serviceBrowser

	repo device.Repository

	// staticIPs holds devices with a configured address. They stay
	// LAN-eligible whether or not mDNS announces them.
	staticIPs map[string]bool

	// discoveryDown is set when the mDNS browse could not run.
	discoveryDown atomic.Bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	started bool
}

// New builds an Account from configuration. No network activity happens
// until Start.
func New(opts Options) (*Account, error) {
	if opts.Config == nil {
		return nil, errors.New("account: config is required")
	}
	cfg := opts.Config

	mode, err := dispatch.ParseMode(cfg.Account.Mode)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.With("mode", string(mode))

	a := &Account{
		cfg:    cfg,
		mode:   mode,
		logger: logger.Component("account"),
		store:  device.NewStore(),
		sent:   dispatch.NewSentLog(dispatch.DefaultSentLogSize),
		repo:   opts.Repository,

		staticIPs: make(map[string]bool),
	}
	for _, d := range cfg.Devices {
		if d.IPAddress != "" {
			a.staticIPs[d.ID] = true
		}
	}
	a.store.SetLogger(logger.Component("store"))

	a.reconciler = reconcile.New(reconcile.Options{
		Store:  a.store,
		Acks:   a.sent,
		Logger: logger.Component("reconcile"),
	})
	if opts.Repository != nil || opts.History != nil {
		a.reconciler.AddSink(newPersister(opts.Repository, opts.History, logger.Component("persist")))
	}

	a.tracker = dispatch.NewTracker(mode)
	a.tracker.SetLogger(logger.Component("tracker"))

	a.lan = lan.NewClient(cfg.GetLocalTimeout(), a.reconciler)
	a.lan.SetLogger(logger.Component("lan"))

	a.socket = cloud.NewSocket(cloud.SocketOptions{
		AppID:             cfg.Account.AppID,
		APIKey:            cfg.Account.APIKey,
		AccessToken:       cfg.Account.AccessToken,
		DispatchURL:       cfg.DispatchEndpoint(),
		URL:               cfg.Cloud.WebSocketURL,
		PingInterval:      cfg.GetPingInterval(),
		ReconnectInterval: cfg.GetReconnectInterval(),
		Handler:           a.reconciler,
		OnConnectivity:    a.tracker.SetCloud,
		Logger:            logger.Component("cloud-socket"),
	})

	// The REST client is built in every mode: bulk refreshes always go to
	// the cloud API, even for local accounts.
	a.rest = cloud.NewRESTClient(cloud.RESTOptions{
		BaseURL:     cfg.RESTBaseURL(),
		AppID:       cfg.Account.AppID,
		AccessToken: cfg.Account.AccessToken,
		Timeout:     cfg.GetCloudTimeout(),
		Handler:     a.reconciler,
		Logger:      logger.Component("cloud-rest"),
	})

	if mode != dispatch.ModeCloud && cfg.Local.Discovery.Enabled {
		a.browser = discovery.NewBrowser(discovery.Options{
			Service:        cfg.Local.Discovery.Service,
			Domain:         cfg.Local.Discovery.Domain,
			Interface:      cfg.Local.Discovery.Interface,
			Handler:        a.reconciler,
			OnConnectivity: a.tracker.SetLocal,
			Logger:         logger.Component("discovery"),
		})
	}

	a.queue = dispatch.NewQueue(dispatch.QueueOptions{
		Local:       a.lan,
		CloudSocket: a.socket,
		CloudAPI:    a.rest,
		States:      a.store,
		Conn:        a.tracker,
		APIKey:      cfg.Account.APIKey,
		LocalPort:   cfg.Local.Port,
		Sent:        a.sent,
		Logger:      logger.Component("dispatch"),
	})

	return a, nil
}

// Start loads known devices and launches the transports. It returns once
// the background goroutines are running.
func (a *Account) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return ErrAlreadyStarted
	}

	a.preload(ctx)

	runCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)

	a.tracker.SetRunner(&refreshingRunner{queue: a.queue})

	if a.mode != dispatch.ModeLocal {
		g.Go(func() error { return a.socket.Run(gctx) })
		g.Go(func() error {
			a.pollLoop(gctx)
			return nil
		})
	}

	if a.mode != dispatch.ModeCloud {
		if a.browser != nil {
			g.Go(func() error {
				a.runDiscovery(gctx)
				return nil
			})
		} else {
			// Without discovery the LAN has no connectivity signal; treat it
			// as always reachable and let each request succeed or fail.
			a.tracker.SetLocal(true)
		}
	}

	a.cancel = cancel
	a.group = g
	a.started = true

	a.logger.Info("account started",
		"devices", a.store.Len(),
		"discovery", a.browser != nil,
	)
	return nil
}

// Stop shuts down the transports and the dispatch queue. Pending messages
// are discarded. Stop is idempotent.
func (a *Account) Stop() error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return nil
	}
	cancel, g := a.cancel, a.group
	a.started = false
	a.mu.Unlock()

	cancel()
	err := g.Wait()

	a.tracker.IsConnected(false, false)
	a.queue.Stop()

	a.logger.Info("account stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// preload fills the Store from the device cache and then from config.
// Configured values win over cached ones.
func (a *Account) preload(ctx context.Context) {
	if a.repo != nil {
		loadCtx, cancel := context.WithTimeout(ctx, preloadTimeout)
		snaps, err := a.repo.List(loadCtx)
		cancel()
		if err != nil {
			a.logger.Warn("loading device cache failed", "error", err)
		}
		for _, snap := range snaps {
			if _, err := a.store.Restore(snap); err != nil {
				a.logger.Warn("skipping cached device", "device_id", snap.ID, "error", err)
			}
		}
	}

	for _, d := range a.cfg.Devices {
		_, err := a.store.Register(device.Registration{
			ID:        d.ID,
			DeviceKey: d.DeviceKey,
			UIID:      d.UIID,
			IPAddress: d.IPAddress,
		})
		if err != nil {
			a.logger.Warn("skipping configured device", "device_id", d.ID, "error", err)
		}
	}
}

// pollLoop enqueues a full cloud refresh every poll interval. The first
// refresh is issued by refreshingRunner when the queue starts. A zero
// interval disables periodic polling.
func (a *Account) pollLoop(ctx context.Context) {
	interval := a.cfg.GetPollInterval()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, ok := a.queue.Enqueue(command.NewFetchAll()); !ok {
				a.logger.Debug("skipping poll while disconnected")
			}
		}
	}
}

// runDiscovery keeps LAN dispatch usable when mDNS cannot start, for
// example on hosts without a multicast-capable interface.
func (a *Account) runDiscovery(ctx context.Context) {
	if err := a.browser.Run(ctx); err != nil && ctx.Err() == nil {
		a.logger.Error("discovery stopped, relying on configured addresses", "error", err)
		a.discoveryDown.Store(true)
		a.tracker.SetLocal(true)
	}
}

// QueueMessage hands a prepared message to the dispatch queue. It returns
// the assigned sequence and false when the queue is not running.
func (a *Account) QueueMessage(msg command.Message) (int64, bool) {
	return a.queue.Enqueue(msg)
}

// Submit turns an external command request into a queued message. When
// the request does not say otherwise, LAN delivery is allowed for devices
// with a known address that mDNS still announces.
func (a *Account) Submit(deviceID string, req command.Request) (int64, error) {
	msg := command.Message{
		DeviceID: deviceID,
		Command:  req.Command,
		Params:   req.Params,
	}

	switch req.Command {
	case command.Devices:
		msg.DeviceID = ""
	case command.Device:
		// REST refreshes may create the device.
	default:
		st, ok := a.store.Get(deviceID)
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
		}
		msg.TransportEligible = transportEligible(st, req, a.needsAnnouncement(deviceID))
	}

	if err := msg.Validate(); err != nil {
		return 0, err
	}

	seq, ok := a.queue.Enqueue(msg)
	if !ok {
		return 0, ErrNotReady
	}
	return seq, nil
}

// needsAnnouncement reports whether a device's address only counts while
// mDNS advertises the device. Configured addresses always count, as do all
// addresses when discovery is off or has failed.
func (a *Account) needsAnnouncement(id string) bool {
	return a.browser != nil && !a.discoveryDown.Load() && !a.staticIPs[id]
}

func transportEligible(st *device.State, req command.Request, needsAnnouncement bool) bool {
	if req.Local != nil {
		return *req.Local
	}
	switch req.Command {
	case command.Consumption, command.UIActive:
		return false
	}
	if st.IPAddress() == "" {
		return false
	}
	return !needsAnnouncement || st.LocalOnline()
}

// IsConnected overrides the connectivity flags. Transports normally keep
// them current on their own.
func (a *Account) IsConnected(local, cloud bool) {
	a.tracker.IsConnected(local, cloud)
}

// DeviceState returns the shared State of a device.
func (a *Account) DeviceState(id string) (*device.State, bool) {
	return a.store.Get(id)
}

// DeviceListener returns the listener registered for a device.
func (a *Account) DeviceListener(id string) (device.Listener, bool) {
	return a.store.Listener(id)
}

// AddListener registers fn for a device, replacing any previous listener.
func (a *Account) AddListener(id string, fn device.Listener) {
	a.store.SetListener(id, fn)
}

// RemoveListener unregisters the listener of a device.
func (a *Account) RemoveListener(id string) {
	a.store.RemoveListener(id)
}

// AddSink registers an observer of every applied update.
func (a *Account) AddSink(s reconcile.Sink) {
	a.reconciler.AddSink(s)
}

// Devices returns snapshots of every known device ordered by id.
func (a *Account) Devices() []device.Snapshot {
	states := a.store.List()
	out := make([]device.Snapshot, 0, len(states))
	for _, st := range states {
		out = append(out, st.Snapshot())
	}
	return out
}

// Mode returns the fixed transport mode of the account.
func (a *Account) Mode() dispatch.Mode { return a.mode }

// Status reports connectivity and counters.
func (a *Account) Status() Status {
	return Status{
		Mode:           string(a.mode),
		Connection:     a.tracker.State().String(),
		LocalConnected: a.tracker.LocalConnected(),
		CloudConnected: a.tracker.CloudConnected(),
		Ready:          a.tracker.Ready(),
		Devices:        a.store.Len(),
		Queue:          a.queue.Stats(),
		Reconciler:     a.reconciler.Stats(),
	}
}

// refreshingRunner starts the queue and, for accounts that use the cloud,
// asks for a full device refresh so the Store catches up after every
// reconnect.
type refreshingRunner struct {
	queue *dispatch.Queue
}

func (r *refreshingRunner) Start(mode dispatch.Mode) {
	r.queue.Start(mode)
	if mode != dispatch.ModeLocal {
		r.queue.Enqueue(command.NewFetchAll())
	}
}

func (r *refreshingRunner) Stop() {
	r.queue.Stop()
}
