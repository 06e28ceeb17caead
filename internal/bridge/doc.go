// Package bridge exposes an account over MQTT.
//
// Every reconciled Device State is published retained to
// sonoff/state/{device_id}. Commands published to sonoff/command/{device_id}
// are decoded and submitted to the account:
//
//	{"command":"switch","params":{"switch":"on"}}
//	{"command":"setclose","params":{"setclose":40},"local":false}
//
// A health reporter publishes the account connection status to
// sonoff/connection at a fixed interval.
package bridge
