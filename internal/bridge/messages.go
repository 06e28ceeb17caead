package bridge

import (
	"time"

	"github.com/nerrad567/gray-logic-sonoff/internal/device"
)

// StateMessage is published for every applied update. It carries the
// whole merged state, plus the transport that triggered the publish.
type StateMessage struct {
	device.Snapshot

	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthMessage is published to the connection topic.
type HealthMessage struct {
	Status         string    `json:"status"`
	Mode           string    `json:"mode"`
	Connection     string    `json:"connection"`
	LocalConnected bool      `json:"local_connected"`
	CloudConnected bool      `json:"cloud_connected"`
	Devices        int       `json:"devices"`
	Pending        int       `json:"pending"`
	Version        string    `json:"version,omitempty"`
	UptimeSeconds  int64     `json:"uptime_seconds"`
	Timestamp      time.Time `json:"timestamp"`
}

// Health status values.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
	StatusStopping = "stopping"
)
