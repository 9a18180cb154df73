package broker

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getmockd/pubsubd/pkg/adapter"
	"github.com/getmockd/pubsubd/pkg/metrics"
	"github.com/getmockd/pubsubd/pkg/registry"
	"github.com/getmockd/pubsubd/pkg/websocket"
)

// Reactor errors.
var (
	ErrReactorClosed = errors.New("reactor is not active")
	ErrSlowConsumer  = errors.New("subscriber outbound queue is full")
)

// Conn is the message-oriented connection a reactor owns.
// *websocket.Connection satisfies it.
type Conn interface {
	ID() string
	RemoteAddr() string
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Close(code websocket.CloseCode, reason string) error
	Abort() error
}

// State is the lifecycle state of a reactor.
type State int32

// Reactor states.
const (
	StateActive State = iota
	StateClosing
	StateTerminated
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Reactor is the protocol state machine of one connection. Inbound frames
// are processed one at a time on the goroutine running Run; outbound frames
// go through a bounded queue drained by a writer goroutine.
type Reactor struct {
	id      string
	conn    Conn
	server  *Server
	reg     *registry.Registry
	adapter adapter.Adapter
	logger  *slog.Logger
	metrics *metrics.Metrics

	writeTimeout      time.Duration
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration

	ctx      context.Context
	cancel   context.CancelFunc
	outbound chan []byte
	state    atomic.Int32
	wg       sync.WaitGroup
	done     chan struct{}
	finished sync.Once

	mu          sync.Mutex
	channels    []string
	closeCode   websocket.CloseCode
	closeReason string
}

var _ registry.Subscriber = (*Reactor)(nil)

func newReactor(ctx context.Context, s *Server, conn Conn) *Reactor {
	ctx, cancel := context.WithCancel(ctx)
	return &Reactor{
		id:                conn.ID(),
		conn:              conn,
		server:            s,
		reg:               s.reg,
		adapter:           s.adapter,
		logger:            s.logger.With("reactor", conn.ID()),
		metrics:           s.metrics,
		writeTimeout:      s.cfg.WriteTimeout,
		heartbeatInterval: s.cfg.HeartbeatInterval,
		heartbeatTimeout:  s.cfg.HeartbeatTimeout,
		ctx:               ctx,
		cancel:            cancel,
		outbound:          make(chan []byte, s.cfg.SendBuffer),
		done:              make(chan struct{}),
		closeCode:         websocket.CloseNormalClosure,
	}
}

// ID returns the connection ID.
func (r *Reactor) ID() string {
	return r.id
}

// RemoteAddr returns the peer address.
func (r *Reactor) RemoteAddr() string {
	return r.conn.RemoteAddr()
}

// State returns the current lifecycle state.
func (r *Reactor) State() State {
	return State(r.state.Load())
}

// Done is closed when Run has returned.
func (r *Reactor) Done() <-chan struct{} {
	return r.done
}

// Channels returns the channels this reactor is subscribed to locally, in
// subscription order.
func (r *Reactor) Channels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.channels)
}

// Send queues data for the connection without blocking. A full queue marks
// the connection as a slow consumer and closes it.
func (r *Reactor) Send(data []byte) error {
	if r.State() != StateActive {
		return ErrReactorClosed
	}
	select {
	case <-r.ctx.Done():
		return ErrReactorClosed
	default:
	}

	select {
	case r.outbound <- data:
		return nil
	default:
		r.logger.Warn("closing slow consumer", "queued", len(r.outbound))
		r.requestClose(websocket.ClosePolicyViolation, "slow consumer")
		r.cancel()
		return ErrSlowConsumer
	}
}

// Run processes inbound frames until the connection closes, then removes
// the reactor from every channel. It blocks.
func (r *Reactor) Run() {
	defer close(r.done)

	r.wg.Add(1)
	go r.writeLoop()
	if r.heartbeatInterval > 0 {
		r.wg.Add(1)
		go r.heartbeatLoop()
	}

	for r.State() == StateActive {
		data, err := r.conn.Read(r.ctx)
		if err != nil {
			r.logger.Debug("connection read ended", "error", err)
			break
		}
		r.HandleInboundFrame(r.ctx, data)
	}
	r.finish()
}

// finish releases the reactor. Unless the reactor was shut down, it first
// removes every registry entry and closes the connection with the pending
// close status.
func (r *Reactor) finish() {
	r.finished.Do(func() {
		graceful := r.State() != StateTerminated
		if graceful {
			r.state.CompareAndSwap(int32(StateActive), int32(StateClosing))
			r.UnsubscribeAll()
		}

		r.cancel()
		r.wg.Wait()

		if graceful {
			r.mu.Lock()
			code, reason := r.closeCode, r.closeReason
			r.mu.Unlock()
			if code == websocket.CloseNormalClosure {
				r.flush()
			}
			if err := r.conn.Close(code, reason); err != nil && !errors.Is(err, websocket.ErrConnectionClosed) {
				r.logger.Debug("connection close", "error", err)
			}
		}

		r.state.Store(int32(StateTerminated))
		r.server.release(r)
	})
}

// requestClose moves an active reactor to Closing. Run stops reading and
// closes the connection with the given status.
func (r *Reactor) requestClose(code websocket.CloseCode, reason string) {
	if !r.state.CompareAndSwap(int32(StateActive), int32(StateClosing)) {
		return
	}
	r.mu.Lock()
	r.closeCode, r.closeReason = code, reason
	r.mu.Unlock()
}

// Shutdown terminates the reactor immediately. Queued frames are dropped and
// registry entries are left for the next delivery attempt to clean up.
func (r *Reactor) Shutdown() {
	if State(r.state.Swap(int32(StateTerminated))) == StateTerminated {
		return
	}
	r.cancel()
	if err := r.conn.Abort(); err != nil && !errors.Is(err, websocket.ErrConnectionClosed) {
		r.logger.Debug("connection abort", "error", err)
	}
}

func (r *Reactor) writeLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case data := <-r.outbound:
			ctx, cancel := context.WithTimeout(r.ctx, r.writeTimeout)
			err := r.conn.Write(ctx, data)
			cancel()
			if err != nil {
				r.logger.Debug("connection write failed", "error", err)
				r.cancel()
				return
			}
		}
	}
}

// flush writes frames still queued after the writer stopped.
func (r *Reactor) flush() {
	ctx := context.WithoutCancel(r.ctx)
	for {
		select {
		case data := <-r.outbound:
			wctx, cancel := context.WithTimeout(ctx, r.writeTimeout)
			err := r.conn.Write(wctx, data)
			cancel()
			if err != nil {
				return
			}
		default:
			return
		}
	}
}

func (r *Reactor) heartbeatLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(r.ctx, r.heartbeatTimeout)
			err := r.conn.Ping(ctx)
			cancel()
			if err != nil {
				r.logger.Debug("heartbeat failed", "error", err)
				r.cancel()
				return
			}
		}
	}
}

// HandleInboundFrame is the protocol entry point for one raw frame.
func (r *Reactor) HandleInboundFrame(ctx context.Context, raw []byte) {
	if r.server.DebugEnabled() {
		r.logger.Debug("inbound frame", "frame", string(raw))
	}
	r.route(ctx, Parse(raw))
}

func (r *Reactor) route(ctx context.Context, p Payload) {
	if !p.IsObject() {
		r.metrics.FramesReceived.WithLabelValues(ActionUnknown.String()).Inc()
		r.HandleUnknownAction(ctx, p)
		return
	}
	r.dispatch(ctx, p)
}

// DelegateAction dispatches a decoded message on its action.
func (r *Reactor) DelegateAction(ctx context.Context, msg Message) {
	r.dispatch(ctx, Payload{Message: msg})
}

func (r *Reactor) dispatch(ctx context.Context, p Payload) {
	msg := p.Message
	action := msg.Action()
	r.metrics.FramesReceived.WithLabelValues(action.String()).Inc()

	switch action {
	case ActionUnsubscribeAll:
		r.UnsubscribeAll()
	case ActionUnsubscribe:
		r.Unsubscribe(msg.Channel())
	case ActionSubscribe:
		if err := r.StartSubscriber(ctx, msg.Channel(), msg); err != nil {
			r.logger.Warn("subscribe", "channel", msg.Channel(), "error", err)
		}
	case ActionPublish:
		data, err := encodeJSON(msg.Data())
		if err != nil {
			r.logger.Warn("encode publish data", "channel", msg.Channel(), "error", err)
			return
		}
		r.PublishEvent(ctx, msg.Channel(), data)
	case ActionSuccessfulSubscription, ActionUnknown:
		r.HandleUnknownAction(ctx, p)
	}
}

func blank(channel string) bool {
	return strings.TrimSpace(channel) == ""
}

// StartSubscriber subscribes the reactor to channel and acknowledges with
// msg, its action replaced by successful_subscription. A blank channel is
// ignored. The acknowledgement is sent even when the relay subscription
// fails; that error is returned.
func (r *Reactor) StartSubscriber(ctx context.Context, channel string, msg Message) error {
	if blank(channel) {
		return nil
	}
	r.AddSubscriberToChannel(channel, msg)
	relayErr := r.adapter.SubscribeRemote(ctx, channel)

	ack := msg.Clone()
	if ack == nil {
		ack = Message{}
	}
	ack[KeyAction] = ActionSuccessfulSubscription.String()
	ack[KeyChannel] = channel

	data, err := encodeJSON(ack)
	if err != nil {
		return errors.Join(relayErr, err)
	}
	return errors.Join(relayErr, r.Send(data))
}

// AddSubscriberToChannel records the reactor under channel in the registry
// and in its local channel list. Repeated calls are idempotent.
func (r *Reactor) AddSubscriberToChannel(channel string, msg Message) {
	r.reg.EnsureChannel(channel)
	if r.reg.Add(channel, registry.Entry{Subscriber: r, Context: msg}) {
		r.metrics.Subscriptions.Inc()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !slices.Contains(r.channels, channel) {
		r.channels = append(r.channels, channel)
	}
}

// Unsubscribe removes channel from the reactor and the registry and returns
// the remaining local channels. When no channel remains the connection is
// closed. A blank channel is ignored and yields nil.
func (r *Reactor) Unsubscribe(channel string) []string {
	if blank(channel) {
		return nil
	}

	r.mu.Lock()
	r.channels = slices.DeleteFunc(r.channels, func(c string) bool { return c == channel })
	remaining := make([]string, len(r.channels))
	copy(remaining, r.channels)
	r.mu.Unlock()

	if r.reg.Remove(channel, r.id) {
		r.metrics.Subscriptions.Dec()
	}
	if len(remaining) == 0 {
		r.requestClose(websocket.CloseNormalClosure, "no remaining subscriptions")
	}
	return remaining
}

// UnsubscribeAll removes the reactor from every channel known to the
// registry and clears its local channel list. The connection stays open.
func (r *Reactor) UnsubscribeAll() {
	for _, channel := range r.reg.KnownChannels() {
		if r.reg.Remove(channel, r.id) {
			r.metrics.Subscriptions.Dec()
		}
	}

	r.mu.Lock()
	r.channels = nil
	r.mu.Unlock()
}

// PublishEvent publishes already-encoded data to channel and returns the
// number of local deliveries. A blank channel is ignored.
func (r *Reactor) PublishEvent(ctx context.Context, channel string, data []byte) int {
	if blank(channel) {
		return 0
	}
	return r.adapter.Publish(ctx, channel, data)
}

// HandleUnknownAction forwards p unchanged to the server dispatch hook.
func (r *Reactor) HandleUnknownAction(ctx context.Context, p Payload) {
	r.server.HandleDispatchedMessage(ctx, r, p)
}
