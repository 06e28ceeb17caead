package command

import "errors"

var (
	// ErrInvalidMessage is returned when a message or request is malformed.
	ErrInvalidMessage = errors.New("command: invalid message")

	// ErrUnknownCommand is returned for command names outside the supported set.
	ErrUnknownCommand = errors.New("command: unknown command")

	// ErrInvalidParams is returned when params do not match the command.
	ErrInvalidParams = errors.New("command: invalid params")
)
