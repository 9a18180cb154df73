package websocket

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	ws "github.com/coder/websocket"
)

// Connection represents an active WebSocket connection.
type Connection struct {
	id            string
	conn          *ws.Conn
	connectedAt   time.Time
	lastMessageAt atomic.Value // time.Time
	messagesSent  atomic.Int64
	messagesRecv  atomic.Int64
	remoteAddr    string
	userAgent     string

	closeMu sync.RWMutex // Coordinates Write/Ping with Close
	closed  atomic.Bool
}

// AcceptOptions configures the upgrade performed by Accept.
type AcceptOptions struct {
	// MaxMessageSize bounds inbound frames. Zero keeps the library default.
	MaxMessageSize int64
	// OriginPatterns lists allowed cross-origin hosts. Empty allows any origin.
	OriginPatterns []string
}

// Accept upgrades the request to a WebSocket connection. On failure the
// HTTP response has already been written.
func Accept(w http.ResponseWriter, r *http.Request, opts AcceptOptions) (*Connection, error) {
	if !IsWebSocketRequest(r) {
		http.Error(w, ErrNotUpgrade.Error(), http.StatusBadRequest)
		return nil, ErrNotUpgrade
	}

	acceptOpts := &ws.AcceptOptions{
		OriginPatterns:  opts.OriginPatterns,
		CompressionMode: ws.CompressionDisabled,
	}
	if len(opts.OriginPatterns) == 0 {
		acceptOpts.InsecureSkipVerify = true
	}

	wsConn, err := ws.Accept(w, r, acceptOpts)
	if err != nil {
		return nil, fmt.Errorf("websocket accept: %w", err)
	}
	if opts.MaxMessageSize > 0 {
		wsConn.SetReadLimit(opts.MaxMessageSize)
	}

	return NewConnection(wsConn, r), nil
}

// NewConnection wraps an accepted websocket.Conn. r may be nil.
func NewConnection(wsConn *ws.Conn, r *http.Request) *Connection {
	c := &Connection{
		id:          GenerateConnectionID(),
		conn:        wsConn,
		connectedAt: time.Now(),
	}
	if r != nil {
		c.remoteAddr = r.RemoteAddr
		c.userAgent = r.UserAgent()
	}
	c.lastMessageAt.Store(c.connectedAt)
	return c
}

// ID returns the unique connection ID.
func (c *Connection) ID() string {
	return c.id
}

// RemoteAddr returns the peer address captured at upgrade time.
func (c *Connection) RemoteAddr() string {
	return c.remoteAddr
}

// Write sends a text message to the client.
func (c *Connection) Write(ctx context.Context, data []byte) error {
	c.closeMu.RLock()
	defer c.closeMu.RUnlock()

	if c.closed.Load() {
		return ErrConnectionClosed
	}
	if err := c.conn.Write(ctx, ws.MessageText, data); err != nil {
		return err
	}

	c.messagesSent.Add(1)
	c.lastMessageAt.Store(time.Now())
	return nil
}

// Read reads the next message from the connection. Text and binary frames
// are both returned as raw bytes.
func (c *Connection) Read(ctx context.Context) ([]byte, error) {
	// Read blocks on I/O, so it does not take closeMu. Close unblocks it.
	if c.closed.Load() {
		return nil, ErrConnectionClosed
	}

	_, data, err := c.conn.Read(ctx)
	if err != nil {
		if ws.CloseStatus(err) == ws.StatusMessageTooBig {
			return nil, fmt.Errorf("%w: %w", ErrMessageTooLarge, err)
		}
		return nil, err
	}

	c.messagesRecv.Add(1)
	c.lastMessageAt.Store(time.Now())
	return data, nil
}

// Close closes the connection with the given close code and reason,
// performing the close handshake.
func (c *Connection) Close(code CloseCode, reason string) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed.Swap(true) {
		return ErrConnectionClosed
	}
	return c.conn.Close(ws.StatusCode(code), reason)
}

// Abort closes the underlying connection immediately without a close
// handshake.
func (c *Connection) Abort() error {
	if c.closed.Swap(true) {
		return ErrConnectionClosed
	}
	return c.conn.CloseNow()
}

// Ping sends a ping frame and waits for the pong.
func (c *Connection) Ping(ctx context.Context) error {
	c.closeMu.RLock()
	defer c.closeMu.RUnlock()

	if c.closed.Load() {
		return ErrConnectionClosed
	}
	return c.conn.Ping(ctx)
}

// Info returns a snapshot of the connection's activity.
func (c *Connection) Info() *ConnectionInfo {
	last, ok := c.lastMessageAt.Load().(time.Time)
	if !ok {
		last = c.connectedAt
	}
	return &ConnectionInfo{
		ID:               c.id,
		RemoteAddr:       c.remoteAddr,
		UserAgent:        c.userAgent,
		ConnectedAt:      c.connectedAt,
		LastMessageAt:    last,
		MessagesSent:     c.messagesSent.Load(),
		MessagesReceived: c.messagesRecv.Load(),
	}
}

// IsWebSocketRequest returns true if the request is a WebSocket upgrade request.
func IsWebSocketRequest(r *http.Request) bool {
	if !strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade") {
		return false
	}
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
