// Package telemetry records numeric device readings as time series.
package telemetry

import (
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-sonoff/internal/device"
	"github.com/nerrad567/gray-logic-sonoff/internal/reconcile"
)

// MetricWriter stores points. *influxdb.Client satisfies it.
type MetricWriter interface {
	WriteDeviceMetric(deviceID, field, source string, value float64, at time.Time)
	WriteEnergyMetric(deviceID string, powerWatts, voltage, current float64, at time.Time)
	WriteConnectivity(deviceID string, localOnline, cloudOnline bool, at time.Time)
}

// numericFields are the state fields worth recording. Devices report them
// as numbers or as decimal strings.
var numericFields = []string{
	"power",
	"voltage",
	"current",
	"currentTemperature",
	"currentHumidity",
	"temperature",
	"humidity",
}

// connectivity is the pair of link flags last written for a device.
type connectivity struct {
	local, cloud bool
}

// Recorder is a reconcile.Sink that writes numeric fields and
// connectivity changes of every applied update.
type Recorder struct {
	writer MetricWriter
	now    func() time.Time

	mu   sync.Mutex
	last map[string]connectivity

	points atomic.Uint64
}

// NewRecorder creates a Recorder writing to w.
func NewRecorder(w MetricWriter) *Recorder {
	return &Recorder{writer: w, now: time.Now, last: make(map[string]connectivity)}
}

// StateChanged implements reconcile.Sink. Only fields carried by the
// update are recorded, so unchanged readings are not duplicated.
func (r *Recorder) StateChanged(u reconcile.FieldUpdate, snap device.Snapshot) {
	at := r.now()

	for _, name := range numericFields {
		raw, ok := u.Fields[name]
		if !ok {
			continue
		}
		if v, ok := toFloat(raw); ok {
			r.writer.WriteDeviceMetric(snap.ID, name, u.Source, v, at)
			r.points.Add(1)
		}
	}

	if raw, ok := u.Fields["power"]; ok {
		if power, ok := toFloat(raw); ok {
			voltage, _ := toFloat(snap.Fields["voltage"])
			current, _ := toFloat(snap.Fields["current"])
			r.writer.WriteEnergyMetric(snap.ID, power, voltage, current, at)
			r.points.Add(1)
		}
	}

	if (u.CloudOnline != nil || u.LocalOnline != nil) && r.connectivityChanged(snap) {
		r.writer.WriteConnectivity(snap.ID, snap.LocalOnline, snap.CloudOnline, at)
		r.points.Add(1)
	}
}

// connectivityChanged reports whether snap's link flags differ from the
// ones last written for the device, and remembers them.
func (r *Recorder) connectivityChanged(snap device.Snapshot) bool {
	cur := connectivity{local: snap.LocalOnline, cloud: snap.CloudOnline}

	r.mu.Lock()
	defer r.mu.Unlock()
	prev, seen := r.last[snap.ID]
	if seen && prev == cur {
		return false
	}
	r.last[snap.ID] = cur
	return true
}

// Points returns the number of points handed to the writer.
func (r *Recorder) Points() uint64 {
	return r.points.Load()
}

// toFloat converts a reported reading. NaN and infinities are rejected
// because line protocol cannot carry them.
func toFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
