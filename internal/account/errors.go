package account

import "errors"

var (
	// ErrUnknownDevice is returned when a command targets a device with no State.
	ErrUnknownDevice = errors.New("account: unknown device")

	// ErrNotReady is returned when a command is submitted while the
	// account has no usable connection and the queue is stopped.
	ErrNotReady = errors.New("account: not connected")

	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("account: already started")
)
