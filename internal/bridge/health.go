package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-sonoff/internal/infrastructure/mqtt"
)

const defaultHealthInterval = 30 * time.Second

// HealthPublisher publishes health messages. *mqtt.Client satisfies it.
type HealthPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// HealthReporterConfig configures a HealthReporter.
type HealthReporterConfig struct {
	Publisher HealthPublisher
	Status    StatusSource

	// Interval defaults to 30 seconds.
	Interval time.Duration

	Version string
	QoS     byte
	Logger  Logger
}

// HealthReporter publishes the account connection status, retained, at a
// fixed interval.
type HealthReporter struct {
	cfg       HealthReporterConfig
	startTime time.Time
	logger    Logger

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewHealthReporter creates a reporter. Call Start to begin publishing.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultHealthInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	return &HealthReporter{
		cfg:       cfg,
		startTime: time.Now(),
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// Start publishes once and then every interval until Stop or ctx ends.
func (h *HealthReporter) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.reportLoop(ctx)
}

// Stop ends the loop and publishes a final stopping status.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()
		if err := h.publish(StatusStopping); err != nil {
			h.logger.Debug("publishing stopping status failed", "error", err)
		}
	})
}

// PublishNow publishes the current status immediately.
func (h *HealthReporter) PublishNow() error {
	return h.publish(h.determineStatus())
}

func (h *HealthReporter) reportLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := h.PublishNow(); err != nil {
			h.logger.Debug("publishing health failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
		}
	}
}

// determineStatus is degraded while the account cannot dispatch.
func (h *HealthReporter) determineStatus() string {
	if h.cfg.Status.Status().Ready {
		return StatusHealthy
	}
	return StatusDegraded
}

func (h *HealthReporter) publish(status string) error {
	if !h.cfg.Publisher.IsConnected() {
		return mqtt.ErrNotConnected
	}

	st := h.cfg.Status.Status()
	payload, err := json.Marshal(HealthMessage{
		Status:         status,
		Mode:           st.Mode,
		Connection:     st.Connection,
		LocalConnected: st.LocalConnected,
		CloudConnected: st.CloudConnected,
		Devices:        st.Devices,
		Pending:        st.Queue.Pending,
		Version:        h.cfg.Version,
		UptimeSeconds:  int64(time.Since(h.startTime).Seconds()),
		Timestamp:      time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return h.cfg.Publisher.Publish(mqtt.Topics{}.Connection(), payload, h.cfg.QoS, true)
}
