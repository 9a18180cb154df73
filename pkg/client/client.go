// Package client is a small Go client for the pubsubd wire protocol.
//
//	c, err := client.Dial(ctx, "ws://localhost:1234/ws")
//	if err != nil {
//		return err
//	}
//	defer c.Close()
//
//	_ = c.Subscribe(ctx, "news", nil)
//	_ = c.Listen(ctx, client.HandlerFuncs{
//		Message: func(f client.Frame) {
//			if client.IsSuccessfulSubscription(f) {
//				_ = c.Publish(ctx, "news", map[string]any{"hello": "world"})
//				return
//			}
//			fmt.Println(string(f.Raw))
//		},
//	})
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/getmockd/pubsubd/pkg/logging"
)

// Wire keys and actions.
const (
	keyAction  = "client_action"
	keyChannel = "channel"
	keyData    = "data"

	actionSubscribe              = "subscribe"
	actionUnsubscribe            = "unsubscribe"
	actionUnsubscribeAll         = "unsubscribe_all"
	actionPublish                = "publish"
	actionSuccessfulSubscription = "successful_subscription"
)

// Common errors for the client package.
var (
	ErrEmptyChannel = errors.New("channel name is required")
	ErrClosed       = errors.New("client closed")
)

// Frame is a message received from the broker.
type Frame struct {
	Raw []byte
}

// Decode unmarshals the frame into v.
func (f Frame) Decode(v any) error {
	return json.Unmarshal(f.Raw, v)
}

// Object returns the frame as a JSON object, if it is one.
func (f Frame) Object() (map[string]any, bool) {
	var m map[string]any
	if err := json.Unmarshal(f.Raw, &m); err != nil || m == nil {
		return nil, false
	}
	return m, true
}

// IsSuccessfulSubscription reports whether f acknowledges a subscribe.
func IsSuccessfulSubscription(f Frame) bool {
	m, ok := f.Object()
	if !ok {
		return false
	}
	action, _ := m[keyAction].(string)
	return action == actionSuccessfulSubscription
}

// Handler receives broker frames and the close of the connection.
type Handler interface {
	OnMessage(f Frame)
	OnClose(code int, reason string)
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are ignored.
type HandlerFuncs struct {
	Message func(f Frame)
	Close   func(code int, reason string)
}

// OnMessage calls h.Message.
func (h HandlerFuncs) OnMessage(f Frame) {
	if h.Message != nil {
		h.Message(f)
	}
}

// OnClose calls h.Close.
func (h HandlerFuncs) OnClose(code int, reason string) {
	if h.Close != nil {
		h.Close(code, reason)
	}
}

type options struct {
	header           http.Header
	handshakeTimeout time.Duration
	logger           *slog.Logger
}

// Option configures Dial.
type Option func(*options)

// WithHeader adds request headers to the handshake.
func WithHeader(h http.Header) Option {
	return func(o *options) {
		o.header = h
	}
}

// WithHandshakeTimeout bounds the WebSocket handshake.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) {
		o.handshakeTimeout = d
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Client is a connection to a pubsubd broker. Writes are safe for
// concurrent use; Listen must be called from one goroutine.
type Client struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects to the broker WebSocket endpoint at url.
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	o := options{
		handshakeTimeout: 30 * time.Second,
		logger:           logging.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: o.handshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, url, o.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("connection failed: %w (HTTP %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("connection failed: %w", err)
	}

	return &Client{
		conn:   conn,
		logger: o.logger,
		closed: make(chan struct{}),
	}, nil
}

// Subscribe subscribes to channel. Fields of extra are sent along and come
// back in the acknowledgement.
func (c *Client) Subscribe(ctx context.Context, channel string, extra map[string]any) error {
	if channel == "" {
		return ErrEmptyChannel
	}
	msg := maps.Clone(extra)
	if msg == nil {
		msg = make(map[string]any, 2)
	}
	msg[keyAction] = actionSubscribe
	msg[keyChannel] = channel
	return c.sendJSON(ctx, msg)
}

// Unsubscribe leaves channel. The broker closes the connection when no
// subscription remains.
func (c *Client) Unsubscribe(ctx context.Context, channel string) error {
	if channel == "" {
		return ErrEmptyChannel
	}
	return c.sendJSON(ctx, map[string]any{
		keyAction:  actionUnsubscribe,
		keyChannel: channel,
	})
}

// UnsubscribeAll leaves every channel while keeping the connection open.
func (c *Client) UnsubscribeAll(ctx context.Context) error {
	return c.sendJSON(ctx, map[string]any{
		keyAction: actionUnsubscribeAll,
	})
}

// Publish publishes data to channel.
func (c *Client) Publish(ctx context.Context, channel string, data any) error {
	if channel == "" {
		return ErrEmptyChannel
	}
	return c.sendJSON(ctx, map[string]any{
		keyAction:  actionPublish,
		keyChannel: channel,
		keyData:    data,
	})
}

// Send writes a raw text frame.
func (c *Client) Send(ctx context.Context, data []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Time{}
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) sendJSON(ctx context.Context, msg map[string]any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return c.Send(ctx, data)
}

// Listen reads frames and hands them to h until the connection closes or
// ctx is done. A close from the broker is reported through h.OnClose and
// yields a nil error.
func (c *Client) Listen(ctx context.Context, h Handler) error {
	stop := context.AfterFunc(ctx, func() {
		_ = c.Close()
	})
	defer stop()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			switch {
			case errors.As(err, &ce):
				h.OnClose(ce.Code, ce.Text)
				return nil
			case ctx.Err() != nil:
				h.OnClose(websocket.CloseNormalClosure, "")
				return nil
			default:
				select {
				case <-c.closed:
					h.OnClose(websocket.CloseNormalClosure, "")
					return nil
				default:
				}
				h.OnClose(websocket.CloseAbnormalClosure, err.Error())
				return err
			}
		}
		c.logger.Debug("frame received", "size", len(data))
		h.OnMessage(Frame{Raw: data})
	}
}

// Close sends a normal close frame and closes the connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}
