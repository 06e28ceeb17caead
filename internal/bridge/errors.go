package bridge

import "errors"

var (
	// ErrInvalidTopic is returned for command topics without a device id.
	ErrInvalidTopic = errors.New("bridge: invalid command topic")

	// ErrNoClient is returned by NewBridge without an MQTT client.
	ErrNoClient = errors.New("bridge: mqtt client is required")

	// ErrNoCommander is returned by NewBridge without a command target.
	ErrNoCommander = errors.New("bridge: commander is required")
)
