package exception

import "errors"

// WS errors
var (
	ErrWebSocketConnectionClose = errors.New("websocket: connection closed")
	ErrWebSocketProtocol        = errors.New("websocket: protocol error")

	// ErrHeartbeatTimeout ends a session whose peer stopped answering heartbeats.
	ErrHeartbeatTimeout = errors.New("websocket: heartbeat timeout")
	// ErrReconnectExhausted is reported once the reconnect policy gives up.
	ErrReconnectExhausted = errors.New("websocket: connection lost, max reconnect attempts reached")
	// ErrUnauthorized is returned when the server rejects the handshake credentials.
	ErrUnauthorized = errors.New("websocket: authentication failed, please log in again")
	// ErrClientClosed is returned by operations on a closed client.
	ErrClientClosed = errors.New("websocket: client closed")
	// ErrMalformedFrame marks an inbound frame that is not a JSON object.
	ErrMalformedFrame = errors.New("websocket: malformed frame")
)
