// Package server hosts the HTTP surface: the WebSocket endpoint running
// the pub/sub frame protocol, the REST control plane for topics and
// introspection, and the graceful shutdown controller.
package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/codev-labs/pubsub-ws/internal/auth"
	"github.com/codev-labs/pubsub-ws/internal/config"
	"github.com/codev-labs/pubsub-ws/internal/monitoring"
	"github.com/codev-labs/pubsub-ws/internal/pubsub"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

// Server ties the broker to its HTTP and WebSocket surfaces and owns the
// connection registry used by the shutdown drain.
type Server struct {
	cfg     *config.Config
	logger  zerolog.Logger
	broker  *pubsub.Broker
	keyring *auth.Keyring
	sampler *monitoring.SystemSampler

	httpServer *http.Server
	listener   net.Listener

	sessions   sync.Map // *Session -> struct{}
	sessionSeq atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	drainDone chan struct{}
	startTime time.Time
}

// New wires a server from configuration. Call Start to begin serving.
func New(cfg *config.Config, logger zerolog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	broker := pubsub.New(pubsub.Options{
		QueueSize:             cfg.SubscriberQueueSize,
		DefaultRingSize:       cfg.DefaultRingBufferSize,
		MaxRingSize:           cfg.MaxRingBufferSize,
		SlowConsumerThreshold: cfg.SlowConsumerThreshold,
	}, logger)

	return &Server{
		cfg:       cfg,
		logger:    logger.With().Str("component", "server").Logger(),
		broker:    broker,
		keyring:   auth.NewKeyring(cfg.APIKeys),
		sampler:   monitoring.NewSystemSampler(cfg.MetricsInterval, logger),
		ctx:       ctx,
		cancel:    cancel,
		drainDone: make(chan struct{}),
		startTime: time.Now(),
	}
}

// Broker exposes the underlying broker, mainly for tests.
func (s *Server) Broker() *pubsub.Broker { return s.broker }

// Handler builds the route table. Split out from Start so tests can mount
// it on httptest servers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/ws/", s.handleWebSocket)
	mux.HandleFunc("/topics", s.handleTopics)
	mux.HandleFunc("/topics/", s.handleTopics)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/stats/", s.handleStats)
	mux.HandleFunc("/shutdown", s.handleShutdown)
	mux.HandleFunc("/shutdown/", s.handleShutdown)
	mux.Handle("/metrics", monitoring.MetricsHandler())
	return mux
}

// Start binds the listener and serves until Shutdown. Blocks.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.listener = ln

	s.sampler.Start(s.ctx)

	s.httpServer = &http.Server{
		Handler: s.Handler(),
		// Read/write timeouts are deliberately absent: WebSocket
		// connections are hijacked from this server and manage their own
		// deadlines per frame.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Server listening")
	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Addr returns the bound listen address, valid after Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown runs the graceful drain (if not already begun via the REST
// endpoint), waits for it to finish within ctx, then stops the HTTP
// server and background loops.
func (s *Server) Shutdown(ctx context.Context) error {
	s.BeginShutdown(s.cfg.ShutdownTimeout)

	select {
	case <-s.drainDone:
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown context expired before drain completed")
	}

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Close()
	}
	s.cancel()
	s.sampler.Wait()
	s.wg.Wait()
	s.logger.Info().Msg("Server stopped")
	return err
}

// registerSession admits conn as a live session and starts its goroutines.
func (s *Server) registerSession(conn net.Conn) *Session {
	id := s.sessionSeq.Add(1)
	sess := newSession(id, conn, s.broker, s.newFrameLimiter(), s.logger, func(closed *Session) {
		s.sessions.Delete(closed)
	})
	s.sessions.Store(sess, struct{}{})
	s.broker.SessionOpened()
	monitoring.SessionsTotal.Inc()
	monitoring.SessionsActive.Inc()

	go sess.readLoop()
	go sess.pingLoop()
	return sess
}
