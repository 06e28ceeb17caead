package lan

import "errors"

var (
	// ErrMissingKey is returned when encryption is required but the device
	// key is unknown.
	ErrMissingKey = errors.New("lan: missing device key")

	// ErrDecrypt is returned when a device response cannot be decrypted.
	ErrDecrypt = errors.New("lan: decrypt failed")

	// ErrStatus is returned for non-2xx HTTP responses.
	ErrStatus = errors.New("lan: unexpected http status")

	// ErrRejected is returned when the device answers with a non-zero error code.
	ErrRejected = errors.New("lan: device rejected command")
)
