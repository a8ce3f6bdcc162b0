// Copyright 2026 The Multichat Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/htrefil/multichat/lib/clock"
	"github.com/htrefil/multichat/wire"
)

// Default timeouts. Config fields left zero pick these up.
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultPingInterval     = 30 * time.Second
	DefaultPongTimeout      = 5 * time.Second
	DefaultCloseGrace       = 5 * time.Second
)

// Config carries everything a Server needs. ServerName and at least
// one token digest are required; everything else has a default.
type Config struct {
	// ServerName is announced to peers in the HandshakeAck.
	ServerName string

	// TokenDigests are the BLAKE3 digests of authorized access
	// tokens. Raw tokens never reach the server process.
	TokenDigests []wire.TokenDigest

	// Certificates enables TLS on served listeners. Empty means
	// plaintext, which is only appropriate for local development and
	// tests.
	Certificates []tls.Certificate

	// MaxFrameSize caps inbound and outbound frames; zero means
	// wire.DefaultMaxFrameSize.
	MaxFrameSize uint32

	// QueueCapacity bounds each connection's outbound event queue;
	// zero means the package default.
	QueueCapacity int

	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	PongTimeout      time.Duration
	CloseGrace       time.Duration

	// Logger defaults to slog.Default.
	Logger *slog.Logger

	// Clock defaults to the real clock; tests inject a fake to drive
	// ping and grace timing deterministically.
	Clock clock.Clock

	// Registerer receives the server's metrics; nil keeps them in a
	// private registry.
	Registerer prometheus.Registerer
}

// Server accepts connections and runs one session driver per
// connection. All sessions share one Router; a failure in any session
// never affects another.
type Server struct {
	config     Config
	logger     *slog.Logger
	clock      clock.Clock
	metrics    *Metrics
	router     *Router
	handshaker *Handshaker

	wg sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// New validates config, applies defaults, and builds a Server. It
// does not listen; call Serve or ListenAndServe.
func New(config Config) (*Server, error) {
	if config.ServerName == "" {
		return nil, errors.New("config: server name is required")
	}
	if len(config.TokenDigests) == 0 {
		return nil, errors.New("config: at least one access token digest is required")
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if config.PingInterval <= 0 {
		config.PingInterval = DefaultPingInterval
	}
	if config.PongTimeout <= 0 {
		config.PongTimeout = DefaultPongTimeout
	}
	if config.CloseGrace <= 0 {
		config.CloseGrace = DefaultCloseGrace
	}
	if config.MaxFrameSize == 0 {
		config.MaxFrameSize = wire.DefaultMaxFrameSize
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}

	tokens := make(map[wire.TokenDigest]struct{}, len(config.TokenDigests))
	for _, digest := range config.TokenDigests {
		tokens[digest] = struct{}{}
	}

	metrics := NewMetrics(config.Registerer)
	server := &Server{
		config:  config,
		logger:  config.Logger,
		clock:   config.Clock,
		metrics: metrics,
		router:  NewRouter(config.Logger, metrics, config.QueueCapacity),
		handshaker: &Handshaker{
			ServerName:   config.ServerName,
			Tokens:       tokens,
			PingInterval: config.PingInterval,
			PongTimeout:  config.PongTimeout,
		},
		conns: make(map[net.Conn]struct{}),
	}
	return server, nil
}

// Router exposes the server's connection and room state, primarily
// for inspection and tests.
func (s *Server) Router() *Router {
	return s.router
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve accepts connections from listener until ctx is cancelled,
// then shuts down: in-flight sessions announce the shutdown to their
// peers and get the closing grace period to flush before stragglers
// are force-closed. Serve owns the listener and closes it.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	if len(s.config.Certificates) > 0 {
		listener = tls.NewListener(listener, &tls.Config{
			Certificates: s.config.Certificates,
			MinVersion:   tls.VersionTLS12,
		})
		s.logger.Info("serving", "addr", listener.Addr().String(), "tls", true)
	} else {
		s.logger.Warn("serving without TLS", "addr", listener.Addr().String())
	}

	// Cancellation unblocks Accept by closing the listener.
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	var acceptErr error
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			acceptErr = fmt.Errorf("accept: %w", err)
			break
		}

		// The slot is registered as pending before the session runs,
		// so the registry always reflects every accepted socket.
		id := s.router.Register()
		sess := newSession(s, conn, id)
		s.trackConn(conn)
		s.logger.Debug("accepted", "conn", int(id), "remote", conn.RemoteAddr().String())

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrackConn(conn)
			sess.run(ctx)
		}()
	}

	listener.Close()
	s.shutdown()
	return acceptErr
}

// shutdown waits for all sessions to finish their own graceful
// teardown. Sessions that outlive the grace period (including ones
// parked in a handshake read) get their sockets closed from under
// them, which forces exit.
func (s *Server) shutdown() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	// Sessions already apply CloseGrace to their flush; the extra
	// handshake timeout covers connections still mid-handshake, whose
	// drivers only notice the shutdown once the read returns.
	select {
	case <-done:
	case <-s.clock.After(s.config.CloseGrace + s.config.HandshakeTimeout):
		s.mu.Lock()
		stragglers := len(s.conns)
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
		if stragglers > 0 {
			s.logger.Warn("force-closed connections at shutdown", "count", stragglers)
		}
		<-done
	}
	s.logger.Info("shut down", "dropped_frames", s.router.DroppedFrames())
}

func (s *Server) trackConn(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrackConn(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}
