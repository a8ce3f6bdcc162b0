// Copyright 2026 The Multichat Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/htrefil/multichat/lib/clock"
	"github.com/htrefil/multichat/wire"
)

// SessionState is a session driver's position in its lifecycle.
type SessionState int32

const (
	// StateConnecting: socket accepted, driver not yet started.
	StateConnecting SessionState = iota

	// StateHandshaking: waiting for and validating the peer's
	// Handshake frame, bounded by the handshake timeout.
	StateHandshaking

	// StateActive: handshake complete; relaying frames both ways.
	StateActive

	// StateClosing: tearing down — queued outbound frames get a
	// best-effort flush within the closing grace period.
	StateClosing

	// StateClosed: deregistered, socket closed, goroutines drained.
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// CanTransition reports whether a session may move from s to next.
// Closing is reachable from every live state (handshake failure,
// protocol error, peer close, shutdown); Closed only from Closing.
func (s SessionState) CanTransition(next SessionState) bool {
	switch s {
	case StateConnecting:
		return next == StateHandshaking || next == StateClosing
	case StateHandshaking:
		return next == StateActive || next == StateClosing
	case StateActive:
		return next == StateClosing
	case StateClosing:
		return next == StateClosed
	}
	return false
}

// errPeerClosed marks clean teardown initiated by the peer: either an
// orderly socket close or an Error frame announcing its departure.
var errPeerClosed = errors.New("peer closed connection")

// protocolError is a well-formed frame arriving where the protocol
// forbids it. Fatal to the connection, reported with CodeProtocol.
type protocolError struct {
	reason string
}

func (e *protocolError) Error() string {
	return "protocol violation: " + e.reason
}

// session drives one connection: it runs the handshake, then reads
// inbound frames (feeding the router) while a writer goroutine drains
// the connection's outbound queue and a liveness goroutine paces
// pings. All per-connection errors terminate only this session.
type session struct {
	server *Server
	conn   net.Conn
	id     ConnID
	logger *slog.Logger

	codec   wire.Codec
	decoder *wire.Decoder

	state atomic.Int32

	// connection is set once the handshake activates the registry
	// slot; nil before that.
	connection *Connection

	// pongCh carries pong receipts from the reader to the liveness
	// loop. Capacity 1: consecutive unanswered pings never overlap.
	pongCh chan struct{}
}

func newSession(server *Server, conn net.Conn, id ConnID) *session {
	codec := wire.Codec{MaxFrameSize: server.config.MaxFrameSize}
	return &session{
		server:  server,
		conn:    conn,
		id:      id,
		logger:  server.logger.With("conn", int(id), "remote", conn.RemoteAddr().String()),
		codec:   codec,
		decoder: codec.NewDecoder(conn),
		pongCh:  make(chan struct{}, 1),
	}
}

// State returns the session's current lifecycle state.
func (s *session) State() SessionState {
	return SessionState(s.state.Load())
}

// setState transitions the session, logging any transition the
// lifecycle forbids. An illegal transition is a bug in the driver
// itself; it is reported loudly but still applied so teardown always
// makes progress toward Closed.
func (s *session) setState(next SessionState) {
	current := s.State()
	if !current.CanTransition(next) {
		s.logger.Error("illegal session state transition",
			"from", current.String(),
			"to", next.String(),
		)
	}
	s.state.Store(int32(next))
}

// run drives the session to completion. It blocks until the
// connection is closed and deregistered; the caller (the supervisor)
// runs it on a dedicated goroutine per connection.
func (s *session) run(ctx context.Context) {
	s.setState(StateHandshaking)

	if err := s.handshake(); err != nil {
		s.failHandshake(err)
		return
	}

	s.setState(StateActive)
	s.logger.Info("connected",
		"peer", s.connection.peer,
		"version", s.connection.version,
	)

	readDone := make(chan error, 1)
	go func() { readDone <- s.readLoop() }()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop()
	}()

	livenessStop := make(chan struct{})
	livenessFailed := make(chan struct{})
	go s.livenessLoop(livenessStop, livenessFailed)

	// Block until something ends the session, then decide what (if
	// anything) to tell the peer on the way out.
	var closeFrame *wire.Frame
	select {
	case err := <-readDone:
		closeFrame = s.closeFrameFor(err)
	case <-livenessFailed:
		s.logger.Info("disconnecting: pong timeout")
	case <-ctx.Done():
		if frame, err := wire.NewErrorFrame(wire.CodeShuttingDown, "server shutting down"); err == nil {
			closeFrame = &frame
		}
	}

	close(livenessStop)
	s.close(closeFrame, writerDone)

	// The reader unblocks once the socket is closed; drain its result
	// so the goroutine's channel send never dangles.
	select {
	case <-readDone:
	default:
	}
}

// handshake reads and validates the peer's opening frame, activates
// the registry slot, and sends the HandshakeAck. The whole exchange
// is bounded by the handshake timeout.
func (s *session) handshake() error {
	// Kernel I/O deadline: the handshake timeout is the one wait that
	// cannot go through the injected clock, because the read blocks in
	// the kernel before any frame exists.
	deadline := time.Now().Add(s.server.config.HandshakeTimeout)
	if err := s.conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("set handshake deadline: %w", err)
	}

	frame, err := s.decoder.Next()
	if err != nil {
		if wire.IsMalformed(err) {
			return &HandshakeError{Code: wire.CodeMalformed, Reason: err.Error()}
		}
		return fmt.Errorf("read handshake: %w", err)
	}
	if frame.Type != wire.TypeHandshake {
		return &HandshakeError{
			Code:   wire.CodeProtocol,
			Reason: fmt.Sprintf("first frame must be handshake, got %s", frame.Type),
		}
	}

	handshake, err := wire.DecodeHandshake(frame)
	if err != nil {
		return &HandshakeError{Code: wire.CodeMalformed, Reason: err.Error()}
	}

	peer, version, hsErr := s.server.handshaker.Negotiate(handshake)
	if hsErr != nil {
		return hsErr
	}

	connection := s.server.router.Activate(s.id, peer, version)
	if connection == nil {
		return fmt.Errorf("connection %d removed during handshake", s.id)
	}
	connection.touch(s.server.clock.Now())
	s.connection = connection

	ackFrame, err := wire.NewHandshakeAckFrame(s.server.handshaker.Ack(version))
	if err != nil {
		return fmt.Errorf("build handshake ack: %w", err)
	}
	if err := s.codec.WriteFrame(s.conn, ackFrame); err != nil {
		return fmt.Errorf("send handshake ack: %w", err)
	}

	if err := s.conn.SetDeadline(time.Time{}); err != nil {
		return fmt.Errorf("clear handshake deadline: %w", err)
	}

	s.logger = s.logger.With("peer", peer)
	s.server.metrics.handshakesTotal.WithLabelValues("ok").Inc()
	return nil
}

// failHandshake tears down a connection whose handshake did not
// complete: a best-effort Error frame for rejections the peer should
// hear about, then close and deregister. No room or peer state exists
// yet, so deregistration only frees the slot.
func (s *session) failHandshake(err error) {
	s.setState(StateClosing)

	var hsErr *HandshakeError
	if errors.As(err, &hsErr) {
		s.logger.Info("handshake rejected", "code", hsErr.Code.String(), "reason", hsErr.Reason)
		s.server.metrics.handshakesTotal.WithLabelValues(hsErr.Code.String()).Inc()
		if frame, buildErr := wire.NewErrorFrame(hsErr.Code, hsErr.Reason); buildErr == nil {
			// The handshake deadline is still armed, so this write
			// cannot hang on an unresponsive peer.
			_ = s.codec.WriteFrame(s.conn, frame)
		}
	} else {
		s.logger.Info("handshake failed", "error", err)
		s.server.metrics.handshakesTotal.WithLabelValues("error").Inc()
	}

	_ = s.conn.Close()
	s.server.router.Deregister(s.id)
	s.setState(StateClosed)
}

// closeFrameFor picks the Error frame announcing why the server is
// dropping the connection, or nil when the peer already knows (it
// closed first) or can no longer hear us (I/O failure).
func (s *session) closeFrameFor(err error) *wire.Frame {
	switch {
	case err == nil || errors.Is(err, errPeerClosed) || errors.Is(err, io.EOF):
		s.logger.Info("disconnected")
		return nil
	case wire.IsMalformed(err):
		s.logger.Info("disconnecting: malformed frame", "error", err)
		if frame, buildErr := wire.NewErrorFrame(wire.CodeMalformed, err.Error()); buildErr == nil {
			return &frame
		}
		return nil
	default:
		var protoErr *protocolError
		if errors.As(err, &protoErr) {
			s.logger.Info("disconnecting: protocol violation", "error", protoErr)
			if frame, buildErr := wire.NewErrorFrame(wire.CodeProtocol, protoErr.reason); buildErr == nil {
				return &frame
			}
			return nil
		}
		// Socket-level failure; nothing we send would arrive.
		s.logger.Info("disconnected", "error", err)
		return nil
	}
}

// close finishes the session: queue the final frame if any, then
// deregister (which removes room memberships and stops new frames),
// flush the queue best-effort within the closing grace period, and
// close the socket.
func (s *session) close(finalFrame *wire.Frame, writerDone <-chan struct{}) {
	s.setState(StateClosing)

	if finalFrame != nil {
		s.connection.queue.push(*finalFrame)
	}

	// Deregister before the flush: broadcasts running concurrently
	// either enqueued before this (their frames get flushed) or
	// observe the closed queue and skip this connection. The slot is
	// free for reuse immediately — the queue belongs to the
	// connection object, not the slot.
	s.server.router.Deregister(s.id)

	grace := s.server.clock.After(s.server.config.CloseGrace)
	select {
	case <-writerDone:
	case <-grace:
		s.logger.Debug("closing grace expired with frames unflushed",
			"pending", s.connection.queue.len(),
		)
	}

	_ = s.conn.Close()
	<-writerDone

	s.setState(StateClosed)
}

// readLoop decodes inbound frames and dispatches them until the
// connection fails, the peer closes, or a frame is fatal.
func (s *session) readLoop() error {
	for {
		frame, err := s.decoder.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return errPeerClosed
			}
			return err
		}
		s.connection.touch(s.server.clock.Now())
		if err := s.handleFrame(frame); err != nil {
			return err
		}
	}
}

// handleFrame dispatches one inbound frame. Returning a non-nil error
// ends the session; the error's type decides the farewell frame.
func (s *session) handleFrame(frame wire.Frame) error {
	switch frame.Type {
	case wire.TypeJoin:
		join, err := wire.DecodeJoin(frame)
		if err != nil {
			return err
		}
		s.server.router.Join(s.id, join.Room)
		s.logger.Debug("join", "room", join.Room)

	case wire.TypeLeave:
		leave, err := wire.DecodeLeave(frame)
		if err != nil {
			return err
		}
		s.server.router.Leave(s.id, leave.Room)
		s.logger.Debug("leave", "room", leave.Room)

	case wire.TypeEvent:
		event, err := wire.DecodeEvent(frame)
		if err != nil {
			return err
		}
		// Stamp the authenticated peer name so bridges cannot spoof
		// each other; whatever the client put there is discarded.
		event.Sender = s.connection.peer
		outbound, err := wire.NewEventFrame(event)
		if err != nil {
			return fmt.Errorf("re-encode event: %w", err)
		}
		delivered := s.server.router.Broadcast(s.id, event.Room, outbound)
		s.logger.Debug("event", "room", event.Room, "delivered", delivered)

	case wire.TypePing:
		// Pings flow server to client only. Accepting them would let
		// a peer that never reads grow its own outbound queue with
		// Pong replies, which the shedding policy does not bound.
		return &protocolError{reason: "ping frames are sent by the server only"}

	case wire.TypePong:
		select {
		case s.pongCh <- struct{}{}:
		default:
		}

	case wire.TypeError:
		info, err := wire.DecodeError(frame)
		if err != nil {
			return err
		}
		s.logger.Info("peer reported error", "code", info.Code.String(), "message", info.Message)
		return errPeerClosed

	default:
		// Handshake and HandshakeAck are only legal during setup.
		return &protocolError{reason: fmt.Sprintf("unexpected %s frame on active connection", frame.Type)}
	}
	return nil
}

// writeLoop drains the outbound queue onto the socket, preserving
// enqueue order. It exits when the queue is closed and drained, or
// when a write fails (the teardown path closes the socket to force
// exactly that).
func (s *session) writeLoop() {
	queue := s.connection.queue
	for {
		frame, ok := queue.pop()
		if !ok {
			if queue.isClosed() {
				return
			}
			<-queue.ready
			continue
		}
		if err := s.codec.WriteFrame(s.conn, frame); err != nil {
			return
		}
	}
}

// livenessLoop paces pings on idle connections and enforces the pong
// timeout. A connection that answers nothing within the timeout is
// presumed dead and torn down via livenessFailed.
func (s *session) livenessLoop(stop <-chan struct{}, failed chan<- struct{}) {
	ticker := s.server.clock.NewTicker(s.server.config.PingInterval)
	defer ticker.Stop()

	var pongTimer *clock.Timer
	var pongDeadline <-chan time.Time
	stopTimer := func() {
		if pongTimer != nil {
			pongTimer.Stop()
			pongTimer = nil
			pongDeadline = nil
		}
	}

	for {
		select {
		case <-stop:
			stopTimer()
			return

		case <-ticker.C:
			if pongDeadline != nil {
				// Still waiting for the previous pong.
				continue
			}
			if !s.connection.idleSince(s.server.clock.Now(), s.server.config.PingInterval) {
				continue
			}
			s.connection.queue.push(wire.NewPingFrame())
			pongTimer = s.server.clock.NewTimer(s.server.config.PongTimeout)
			pongDeadline = pongTimer.C

		case <-s.pongCh:
			stopTimer()

		case <-pongDeadline:
			// A pong racing the deadline still counts.
			select {
			case <-s.pongCh:
				stopTimer()
				continue
			default:
			}
			close(failed)
			return
		}
	}
}
