// Package reconcile merges inbound device reports into Device States.
//
// Four inputs arrive independently and out of order: LAN responses, cloud
// socket frames, cloud REST thing lists and mDNS announcements. Each is
// normalized into a FieldUpdate and merged last-writer-wins per field.
// Only REST results may create a State for a previously unknown device.
//
// After every merge the device listener is called with the whole State,
// followed by the registered sinks (MQTT, telemetry, persistence).
package reconcile
