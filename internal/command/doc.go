// Package command defines outbound command messages and their typed
// parameter payloads.
//
// A Message names a device, a command and a payload from a closed set
// (switch, multi-switch, roller, consumption request, LED, realtime
// reporting). Bulk pseudo-commands ("devices", "device") carry no payload
// and are always answered by the cloud REST API.
package command
