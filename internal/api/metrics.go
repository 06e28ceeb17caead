package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/gray-logic-sonoff/internal/bridge"
	"github.com/nerrad567/gray-logic-sonoff/internal/dispatch"
	"github.com/nerrad567/gray-logic-sonoff/internal/reconcile"
)

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string           `json:"timestamp"`
	Version       string           `json:"version"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Runtime       RuntimeMetrics   `json:"runtime"`
	WebSocket     WSMetrics        `json:"websocket"`
	Devices       DeviceMetrics    `json:"devices"`
	Queue         dispatch.Stats   `json:"queue"`
	Reconciler    reconcile.Stats  `json:"reconciler"`
	Bridge        *bridge.Metrics  `json:"bridge,omitempty"`
	Database      *DatabaseMetrics `json:"database,omitempty"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

// DeviceMetrics counts devices by reachability.
type DeviceMetrics struct {
	Total       int `json:"total"`
	CloudOnline int `json:"cloud_online"`
	LocalOnline int `json:"local_online"`
	WithAddress int `json:"with_address"`
}

// DatabaseMetrics contains database connection pool statistics.
type DatabaseMetrics struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	st := s.account.Status()
	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket:  WSMetrics{ConnectedClients: s.hub.ClientCount()},
		Queue:      st.Queue,
		Reconciler: st.Reconciler,
	}

	for _, snap := range s.account.Devices() {
		metrics.Devices.Total++
		if snap.CloudOnline {
			metrics.Devices.CloudOnline++
		}
		if snap.LocalOnline {
			metrics.Devices.LocalOnline++
		}
		if snap.IPAddress != "" {
			metrics.Devices.WithAddress++
		}
	}

	if s.bridge != nil {
		m := s.bridge.Metrics()
		metrics.Bridge = &m
	}

	if s.db != nil {
		dbStats := s.db.Stats()
		metrics.Database = &DatabaseMetrics{
			OpenConnections: dbStats.OpenConnections,
			InUse:           dbStats.InUse,
			Idle:            dbStats.Idle,
			WaitCount:       dbStats.WaitCount,
		}
	}

	writeJSON(w, http.StatusOK, metrics)
}
