package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/gray-logic-sonoff/internal/account"
	"github.com/nerrad567/gray-logic-sonoff/internal/audit"
	"github.com/nerrad567/gray-logic-sonoff/internal/bridge"
	"github.com/nerrad567/gray-logic-sonoff/internal/command"
	"github.com/nerrad567/gray-logic-sonoff/internal/device"
	"github.com/nerrad567/gray-logic-sonoff/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-sonoff/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-sonoff/internal/reconcile"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Account is the part of account.Account the server uses.
type Account interface {
	Status() account.Status
	Devices() []device.Snapshot
	DeviceState(id string) (*device.State, bool)
	Submit(deviceID string, req command.Request) (int64, error)
}

// BridgeMetrics reports MQTT bridge counters.
type BridgeMetrics interface {
	Metrics() bridge.Metrics
}

// DBStats reports connection pool statistics. *sql.DB satisfies it.
type DBStats interface {
	Stats() sql.DBStats
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config  config.APIConfig
	Logger  *logging.Logger
	Account Account

	// Optional.
	History  device.HistoryRepository
	Commands audit.Repository
	Bridge   BridgeMetrics
	DB       DBStats

	Version string
}

// Server is the HTTP API server.
//
// It is also a reconcile.Sink; every state change it receives is broadcast
// to WebSocket subscribers.
//
// Thread Safety: All methods are safe for concurrent use.
type Server struct {
	cfg       config.APIConfig
	logger    *logging.Logger
	account   Account
	history   device.HistoryRepository
	commands  audit.Repository
	bridge    BridgeMetrics
	db        DBStats
	version   string
	startTime time.Time

	hub    *Hub
	server *http.Server
	cancel context.CancelFunc
}

// New creates a new API server. The server is not started until Start()
// is called, but it accepts state changes immediately.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Account == nil {
		return nil, fmt.Errorf("account is required")
	}

	return &Server{
		cfg:       deps.Config,
		logger:    deps.Logger,
		account:   deps.Account,
		history:   deps.History,
		commands:  deps.Commands,
		bridge:    deps.Bridge,
		db:        deps.DB,
		version:   deps.Version,
		startTime: time.Now(),
		hub:       NewHub(deps.Logger),
	}, nil
}

// Start launches the HTTP listener in a background goroutine. The server
// runs until Close is called.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	go s.hub.Run(srvCtx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	s.logger.Info("API server starting", "address", s.server.Addr)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server, waiting up to 10 seconds
// for in-flight requests.
func (s *Server) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}

// StateChanged implements reconcile.Sink.
func (s *Server) StateChanged(u reconcile.FieldUpdate, snap device.Snapshot) {
	event := stateEvent{
		Snapshot: snap,
		Source:   u.Source,
		Changed:  u.Fields,
	}
	s.hub.Broadcast(ChannelDeviceState, event)
	s.hub.Broadcast(ChannelDeviceState+"."+snap.ID, event)
}

// stateEvent is the payload of device.state broadcasts.
type stateEvent struct {
	device.Snapshot
	Source  string         `json:"source,omitempty"`
	Changed map[string]any `json:"changed,omitempty"`
}
