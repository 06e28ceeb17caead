package reconcile

import "errors"

var (
	// ErrMalformed marks inbound payloads that cannot be parsed.
	ErrMalformed = errors.New("reconcile: malformed input")

	// ErrUnknownDevice marks pushes for device ids with no State.
	ErrUnknownDevice = errors.New("reconcile: unknown device")
)
