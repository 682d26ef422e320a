package server

import "errors"

var (
	// ErrNotWritable is returned by Conn.Send once the socket is closing
	// or closed.
	ErrNotWritable = errors.New("connection not writable")

	// ErrNoHandler is returned by the router when nothing is registered
	// for a message type, or no registered handler accepts the message.
	ErrNoHandler = errors.New("no handler for message type")

	// ErrValidation is returned by the router for messages that fail
	// schema validation. The message is dropped without state changes.
	ErrValidation = errors.New("invalid message")

	// ErrPoolFull is returned when an accept would exceed max_connections.
	ErrPoolFull = errors.New("connection pool full")

	errHeartbeatTimeout = errors.New("heartbeat timeout")
)
