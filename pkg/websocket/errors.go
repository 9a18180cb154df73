package websocket

import "errors"

// Common errors for the websocket package.
var (
	// ErrConnectionClosed indicates the connection is closed.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrNotUpgrade indicates the request is not a WebSocket upgrade request.
	ErrNotUpgrade = errors.New("websocket upgrade required")
	// ErrMessageTooLarge indicates the message exceeds the size limit.
	ErrMessageTooLarge = errors.New("message too large")
)
