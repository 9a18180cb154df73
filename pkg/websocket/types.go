package websocket

import "time"

// CloseCode is a WebSocket close status code (RFC 6455) used by the broker.
type CloseCode int

const (
	// CloseNormalClosure indicates a normal closure (1000).
	CloseNormalClosure CloseCode = 1000
	// CloseGoingAway indicates the endpoint is going away (1001).
	CloseGoingAway CloseCode = 1001
	// ClosePolicyViolation indicates a policy violation (1008).
	ClosePolicyViolation CloseCode = 1008
)

// String returns a human-readable description of the close code.
func (c CloseCode) String() string {
	switch c {
	case CloseNormalClosure:
		return "normal closure"
	case CloseGoingAway:
		return "going away"
	case ClosePolicyViolation:
		return "policy violation"
	default:
		return "unknown"
	}
}

// ConnectionInfo is a snapshot of a connection's activity, logged when the
// connection is released.
type ConnectionInfo struct {
	ID               string    `json:"id"`
	RemoteAddr       string    `json:"remoteAddr,omitempty"`
	UserAgent        string    `json:"userAgent,omitempty"`
	ConnectedAt      time.Time `json:"connectedAt"`
	LastMessageAt    time.Time `json:"lastMessageAt,omitempty"`
	MessagesSent     int64     `json:"messagesSent"`
	MessagesReceived int64     `json:"messagesReceived"`
}
