// Package dispatch routes outbound command messages to a transport.
//
// One Queue and one Tracker exist per account. Device-level callers
// enqueue messages from any goroutine; a single consumer goroutine drains
// the queue, high priority first, and picks a transport per message:
//
//  1. "devices" and "device" always go to the cloud REST API.
//  2. In local mode, messages that are not LAN-eligible are dropped.
//  3. LAN-eligible messages go to the device over HTTP while the LAN is
//     connected (unless the mode is cloud).
//  4. Otherwise they go over the cloud socket while it is connected
//     (unless the mode is local).
//  5. Otherwise they are dropped.
//
// Delivery is fire-and-forget. Every failure is logged and the message
// is discarded; nothing is retried.
//
// The Tracker owns the two connectivity flags. When the account readiness
// predicate flips it starts or stops the Queue, which is the only place
// the consumer loop is toggled besides explicit Start/Stop calls.
package dispatch
