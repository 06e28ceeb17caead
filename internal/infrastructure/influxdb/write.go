package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementDeviceState  = "device_state"
	MeasurementEnergy       = "energy"
	MeasurementConnectivity = "connectivity"
)

// WriteDeviceMetric records one numeric state field of a device, tagged
// with the transport the report arrived on.
func (c *Client) WriteDeviceMetric(deviceID, field, source string, value float64, at time.Time) {
	c.WritePoint(MeasurementDeviceState,
		map[string]string{"device_id": deviceID, "field": field, "source": source},
		map[string]any{"value": value},
		at,
	)
}

// WriteEnergyMetric records power readings from metering devices. Zero
// voltage and current are omitted.
func (c *Client) WriteEnergyMetric(deviceID string, powerWatts, voltage, current float64, at time.Time) {
	fields := map[string]any{"power_watts": powerWatts}
	if voltage > 0 {
		fields["voltage"] = voltage
	}
	if current > 0 {
		fields["current"] = current
	}
	c.WritePoint(MeasurementEnergy, map[string]string{"device_id": deviceID}, fields, at)
}

// WriteConnectivity records a device's reachability over LAN and cloud.
func (c *Client) WriteConnectivity(deviceID string, localOnline, cloudOnline bool, at time.Time) {
	c.WritePoint(MeasurementConnectivity,
		map[string]string{"device_id": deviceID},
		map[string]any{"local_online": localOnline, "cloud_online": cloudOnline},
		at,
	)
}

// WritePoint writes a point with explicit tags, fields and timestamp.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any, at time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, at))
}
