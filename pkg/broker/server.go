package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/getmockd/pubsubd/pkg/adapter"
	"github.com/getmockd/pubsubd/pkg/logging"
	"github.com/getmockd/pubsubd/pkg/metrics"
	"github.com/getmockd/pubsubd/pkg/registry"
	"github.com/getmockd/pubsubd/pkg/relay"
	"github.com/getmockd/pubsubd/pkg/websocket"
)

// ErrServerClosed is returned when the server has been shut down.
var ErrServerClosed = errors.New("broker server closed")

// healthchecker is implemented by relays that can report reachability.
type healthchecker interface {
	Healthcheck(ctx context.Context) error
}

// Server accepts WebSocket connections and runs one Reactor per connection.
// All reactors share the server's registry and adapter.
type Server struct {
	cfg          Config
	reg          *registry.Registry
	adapter      adapter.Adapter
	relay        relay.Relay
	logger       *slog.Logger
	metrics      *metrics.Metrics
	promRegistry *prometheus.Registry
	dispatch     DispatchHandler
	startedAt    time.Time

	mu         sync.Mutex
	reactors   map[string]*Reactor
	closing    bool
	wg         sync.WaitGroup
	httpServer *http.Server
	shutdown   sync.Once
	shutErr    error
}

// NewServer creates a server. Zero-valued Config fields take their defaults.
func NewServer(cfg Config, opts ...Option) *Server {
	cfg.applyDefaults()
	s := &Server{
		cfg:       cfg,
		reg:       registry.New(),
		logger:    logging.Nop(),
		reactors:  make(map[string]*Reactor),
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.promRegistry == nil {
		s.promRegistry = prometheus.NewRegistry()
	}
	s.metrics = metrics.New(s.promRegistry)

	adapterOpts := []adapter.Option{
		adapter.WithLogger(s.logger),
		adapter.WithMetrics(s.metrics),
	}
	if s.relay != nil {
		s.adapter = adapter.NewRelayed(s.reg, s.relay, adapterOpts...)
	} else {
		s.adapter = adapter.NewLocal(s.reg, adapterOpts...)
	}
	return s
}

// DebugEnabled reports whether inbound frames are logged.
func (s *Server) DebugEnabled() bool {
	return s.cfg.Debug
}

// RelayEnabled reports whether publishes are forwarded to a relay.
func (s *Server) RelayEnabled() bool {
	return s.adapter.Relayed()
}

// Registry returns the channel registry shared by all reactors.
func (s *Server) Registry() *registry.Registry {
	return s.reg
}

// Adapter returns the distribution adapter shared by all reactors.
func (s *Server) Adapter() adapter.Adapter {
	return s.adapter
}

// Metrics returns the server collectors.
func (s *Server) Metrics() *metrics.Metrics {
	return s.metrics
}

// Config returns the effective configuration.
func (s *Server) Config() Config {
	return s.cfg
}

// ServeHTTP upgrades the request and runs a reactor until the connection
// ends.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()
	if closing {
		http.Error(w, ErrServerClosed.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, websocket.AcceptOptions{
		MaxMessageSize: s.cfg.MaxMessageSize,
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	reactor, err := s.Attach(context.WithoutCancel(r.Context()), conn)
	if err != nil {
		_ = conn.Close(websocket.CloseGoingAway, "server shutting down")
		return
	}
	reactor.Run()
}

// Attach creates and tracks a reactor for conn. The caller must call Run on
// the returned reactor.
func (s *Server) Attach(ctx context.Context, conn Conn) (*Reactor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return nil, ErrServerClosed
	}

	r := newReactor(ctx, s, conn)
	s.reactors[r.ID()] = r
	s.wg.Add(1)
	s.metrics.ActiveConnections.Inc()
	s.logger.Debug("connection opened", "reactor", r.ID(), "remote", conn.RemoteAddr())
	return r, nil
}

// release is called once by a reactor when it terminates.
func (s *Server) release(r *Reactor) {
	s.mu.Lock()
	if _, ok := s.reactors[r.ID()]; ok {
		delete(s.reactors, r.ID())
		s.metrics.ActiveConnections.Dec()
		s.wg.Done()
	}
	s.mu.Unlock()

	attrs := []any{"reactor", r.ID()}
	if c, ok := r.conn.(interface{ Info() *websocket.ConnectionInfo }); ok {
		info := c.Info()
		attrs = append(attrs,
			"remote_addr", info.RemoteAddr,
			"user_agent", info.UserAgent,
			"duration", time.Since(info.ConnectedAt).Round(time.Millisecond).String(),
			"messages_sent", info.MessagesSent,
			"messages_received", info.MessagesReceived,
		)
	}
	s.logger.Debug("connection closed", attrs...)
}

// Reactor returns the live reactor with the given ID.
func (s *Server) Reactor(id string) (*Reactor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reactors[id]
	return r, ok
}

// ReactorCount returns the number of live reactors.
func (s *Server) ReactorCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reactors)
}

// HandleDispatchedMessage is invoked for frames the protocol does not
// understand. Without a dispatch handler the frame is logged and dropped.
func (s *Server) HandleDispatchedMessage(ctx context.Context, r *Reactor, p Payload) {
	if s.dispatch != nil {
		s.dispatch(ctx, r, p)
		return
	}
	s.logger.Debug("unhandled message", "reactor", r.ID(), "payload", string(p.Bytes()))
}

// Stats is a point-in-time view of the server.
type Stats struct {
	Status        string `json:"status"`
	Connections   int    `json:"connections"`
	Channels      int    `json:"channels"`
	Subscriptions int    `json:"subscriptions"`
	Relayed       bool   `json:"relayed"`
	Relay         string `json:"relay,omitempty"`
	Uptime        string `json:"uptime"`
}

// Stats returns current counts. When the relay supports health checks its
// reachability is included.
func (s *Server) Stats(ctx context.Context) Stats {
	st := Stats{
		Status:        "ok",
		Connections:   s.ReactorCount(),
		Channels:      s.reg.ChannelCount(),
		Subscriptions: s.reg.SubscriptionCount(),
		Relayed:       s.RelayEnabled(),
		Uptime:        time.Since(s.startedAt).Round(time.Second).String(),
	}
	if hc, ok := s.relay.(healthchecker); ok {
		if err := hc.Healthcheck(ctx); err != nil {
			st.Status = "degraded"
			st.Relay = err.Error()
		} else {
			st.Relay = "ok"
		}
	}
	return st
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.Stats(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if st.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(st)
}

// Handler returns the HTTP handler serving the WebSocket path, /healthz and
// the metrics path.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.Path, s)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.cfg.MetricsPath != "" {
		mux.Handle("GET "+s.cfg.MetricsPath, metrics.Handler(s.promRegistry))
	}
	return mux
}

// ListenAndServe listens on addr and serves until ctx is done, then shuts
// down within the configured timeout. If addr cannot be bound the server is
// shut down immediately, closing its relay.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return multierr.Append(fmt.Errorf("listen %s: %w", addr, err), s.Shutdown(ctx))
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done. The adapter's inbound stream runs
// alongside the HTTP server; either failing stops both.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = httpServer
	s.mu.Unlock()

	s.logger.Info("broker listening",
		"addr", ln.Addr().String(),
		"path", s.cfg.Path,
		"relayed", s.RelayEnabled(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := s.adapter.Run(gctx); err != nil && !errors.Is(err, relay.ErrClosed) {
			return fmt.Errorf("relay: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Shutdown terminates every reactor, stops the HTTP server and closes the
// adapter. It is safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		s.mu.Lock()
		s.closing = true
		reactors := make([]*Reactor, 0, len(s.reactors))
		for _, r := range s.reactors {
			reactors = append(reactors, r)
		}
		httpServer := s.httpServer
		s.mu.Unlock()

		s.logger.Info("broker shutting down", "connections", len(reactors))
		for _, r := range reactors {
			r.Shutdown()
		}

		var err error
		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = multierr.Append(err, fmt.Errorf("waiting for reactors: %w", ctx.Err()))
		}

		if httpServer != nil {
			err = multierr.Append(err, httpServer.Shutdown(ctx))
		}
		err = multierr.Append(err, s.adapter.Close())
		s.shutErr = err
	})
	return s.shutErr
}
