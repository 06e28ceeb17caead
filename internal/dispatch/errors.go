package dispatch

import "errors"

// Domain errors for the dispatch package. None of them reach callers of
// Enqueue; they appear in log records for dropped messages.
var (
	// ErrInvalidMode is returned by ParseMode for an unknown mode name.
	ErrInvalidMode = errors.New("dispatch: invalid mode")

	// ErrUnsupportedInMode is logged when local mode receives a command
	// that cannot travel over the LAN.
	ErrUnsupportedInMode = errors.New("dispatch: command not supported in local mode")

	// ErrUnknownDevice is logged when a LAN send targets a device with no state.
	ErrUnknownDevice = errors.New("dispatch: unknown device")

	// ErrNoAddress is logged when a LAN send targets a device with no IP address.
	ErrNoAddress = errors.New("dispatch: device has no ip address")

	// ErrNoConnection is logged when no eligible transport is connected.
	ErrNoConnection = errors.New("dispatch: no connection available")
)
