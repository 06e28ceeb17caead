// Package influxdb writes device telemetry to InfluxDB v2.
//
// Numeric state fields (power, temperature, humidity), energy readings and
// per-device connectivity are recorded as points tagged by device id.
// Writes are batched and never block the caller.
package influxdb
