package cloud

import "errors"

// Domain errors for the cloud transport.
var (
	// ErrNotConnected is returned when a frame is sent while the socket is down.
	ErrNotConnected = errors.New("cloud: socket not connected")

	// ErrHandshake is returned when the server rejects the userOnline frame.
	ErrHandshake = errors.New("cloud: handshake rejected")

	// ErrDispatch is returned when the socket host lookup fails.
	ErrDispatch = errors.New("cloud: dispatch lookup failed")

	// ErrAPI is returned when the REST API answers with a non-zero error code.
	ErrAPI = errors.New("cloud: api error")

	// ErrStatus is returned for non-2xx REST responses.
	ErrStatus = errors.New("cloud: unexpected http status")

	// ErrMalformedFrame is returned for JSON that cannot be decoded.
	ErrMalformedFrame = errors.New("cloud: malformed frame")
)
