// Package api implements the HTTP REST API and WebSocket relay for the
// Sonoff engine.
//
// This package provides:
//   - REST endpoints to list devices, read merged state and history
//   - A command endpoint that feeds the account's dispatch queue
//   - The command log, when a repository is configured
//   - WebSocket broadcasts of every applied state change
//   - Middleware stack (request ID, logging, recovery, body limit, scopes)
//
// # Architecture
//
// The server sits in front of an account. Commands posted over HTTP are
// decoded with the command package and submitted to the account, which
// queues them for LAN or cloud delivery. The server is also a
// reconcile.Sink: register it with the account and each state change is
// pushed to subscribed WebSocket clients.
//
// Submission is fire-and-forget. A 202 response means the command was
// queued, not that the device acted on it; watch the WebSocket channel or
// poll the device to see the outcome.
//
// # Channels
//
// WebSocket clients subscribe to "device.state" for every device or to
// "device.state.<deviceid>" for one device.
package api
