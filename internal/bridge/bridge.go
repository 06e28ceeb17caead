package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-sonoff/internal/account"
	"github.com/nerrad567/gray-logic-sonoff/internal/command"
	"github.com/nerrad567/gray-logic-sonoff/internal/device"
	"github.com/nerrad567/gray-logic-sonoff/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-sonoff/internal/reconcile"
)

// Logger is satisfied by logging.Logger.
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

// MQTTClient is the subset of *mqtt.Client the bridge uses.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	IsConnected() bool
}

// Commander accepts decoded commands. *account.Account satisfies it.
type Commander interface {
	Submit(deviceID string, req command.Request) (int64, error)
}

// StatusSource reports account connectivity. *account.Account satisfies it.
type StatusSource interface {
	Status() account.Status
}

// Options configures a Bridge.
type Options struct {
	Client    MQTTClient
	Commander Commander

	// Status enables the health reporter when set.
	Status StatusSource

	QoS            byte
	HealthInterval time.Duration
	Version        string
	Logger         Logger
}

// Metrics counts bridge traffic.
type Metrics struct {
	StatesPublished  uint64 `json:"states_published"`
	PublishFailures  uint64 `json:"publish_failures"`
	CommandsAccepted uint64 `json:"commands_accepted"`
	CommandsRejected uint64 `json:"commands_rejected"`
}

// Bridge connects an account to MQTT. It is a reconcile.Sink; register it
// with the account so every applied update is published.
type Bridge struct {
	client    MQTTClient
	commander Commander
	qos       byte
	topics    mqtt.Topics
	health    *HealthReporter
	logger    Logger

	published, failed, accepted, rejected atomic.Uint64

	stopOnce sync.Once
}

// NewBridge creates a Bridge. Call Start to subscribe to commands.
func NewBridge(opts Options) (*Bridge, error) {
	if opts.Client == nil {
		return nil, ErrNoClient
	}
	if opts.Commander == nil {
		return nil, ErrNoCommander
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	b := &Bridge{
		client:    opts.Client,
		commander: opts.Commander,
		qos:       opts.QoS,
		logger:    logger,
	}
	if opts.Status != nil {
		b.health = NewHealthReporter(HealthReporterConfig{
			Publisher: opts.Client,
			Status:    opts.Status,
			Interval:  opts.HealthInterval,
			Version:   opts.Version,
			QoS:       opts.QoS,
			Logger:    logger,
		})
	}
	return b, nil
}

// Start subscribes to the command topics and starts health reporting.
func (b *Bridge) Start(ctx context.Context) error {
	topic := b.topics.AllDeviceCommands()
	if err := b.client.Subscribe(topic, b.qos, b.handleCommand); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.logger.Info("subscribed to commands", "topic", topic)

	if b.health != nil {
		b.health.Start(ctx)
	}
	return nil
}

// Stop ends health reporting and drops the command subscription.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		if b.health != nil {
			b.health.Stop()
		}
		if b.client.IsConnected() {
			if err := b.client.Unsubscribe(b.topics.AllDeviceCommands()); err != nil {
				b.logger.Warn("unsubscribe from commands failed", "error", err)
			}
		}
		b.logger.Info("bridge stopped")
	})
}

// StateChanged publishes the merged state of a device. It implements
// reconcile.Sink.
func (b *Bridge) StateChanged(u reconcile.FieldUpdate, snap device.Snapshot) {
	if !b.client.IsConnected() {
		b.logger.Debug("mqtt disconnected, state not published", "device_id", snap.ID)
		return
	}

	payload, err := json.Marshal(StateMessage{
		Snapshot:  snap,
		Source:    u.Source,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		b.logger.Error("encoding state message failed", "device_id", snap.ID, "error", err)
		return
	}

	if err := b.client.Publish(b.topics.DeviceState(snap.ID), payload, b.qos, true); err != nil {
		b.failed.Add(1)
		b.logger.Warn("publishing state failed", "device_id", snap.ID, "error", err)
		return
	}
	b.published.Add(1)
}

// handleCommand decodes a command message and submits it. The returned
// error is logged by the MQTT client.
func (b *Bridge) handleCommand(topic string, payload []byte) error {
	deviceID, ok := b.topics.DeviceIDFromCommand(topic)
	if !ok {
		b.rejected.Add(1)
		return fmt.Errorf("%w: %s", ErrInvalidTopic, topic)
	}

	req, err := command.DecodeRequest(payload)
	if err != nil {
		b.rejected.Add(1)
		return fmt.Errorf("device %s: %w", deviceID, err)
	}

	seq, err := b.commander.Submit(deviceID, req)
	if err != nil {
		b.rejected.Add(1)
		return fmt.Errorf("device %s: %w", deviceID, err)
	}

	b.accepted.Add(1)
	b.logger.Debug("command queued", "device_id", deviceID, "command", req.Command, "sequence", seq)
	return nil
}

// Metrics returns a snapshot of the traffic counters.
func (b *Bridge) Metrics() Metrics {
	return Metrics{
		StatesPublished:  b.published.Load(),
		PublishFailures:  b.failed.Load(),
		CommandsAccepted: b.accepted.Load(),
		CommandsRejected: b.rejected.Load(),
	}
}
