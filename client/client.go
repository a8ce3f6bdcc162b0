// Copyright 2026 The Multichat Authors
// SPDX-License-Identifier: Apache-2.0

// Package client connects a bridge to a multichat relay: it dials,
// performs the handshake, answers server pings, and exposes joined
// rooms' events as a channel. Message and Attachment (attachment.go)
// give bridges a shared structure for event bodies.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/htrefil/multichat/wire"
)

const (
	defaultInboundBuffer = 64
	defaultDialTimeout   = 10 * time.Second
)

// Config carries dial-time settings. Identity and Token are required.
type Config struct {
	// Identity is the name this bridge authenticates as; the server
	// stamps it onto every event the bridge sends.
	Identity string

	// Token is the access token proving the identity.
	Token wire.AccessToken

	// TLS configures the transport; nil dials plaintext, which only
	// makes sense against a local development server.
	TLS *tls.Config

	// MaxFrameSize caps frames in both directions; zero means
	// wire.DefaultMaxFrameSize. Must match the server's setting or be
	// smaller.
	MaxFrameSize uint32

	// InboundBuffer is the capacity of the Updates channel. When the
	// consumer falls behind by more than this, the client stops
	// reading the socket and the server's backpressure takes over.
	InboundBuffer int

	// DialTimeout bounds connection establishment and the handshake.
	DialTimeout time.Duration

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Client is a live connection to a relay. Join, Leave, and Send are
// safe for concurrent use; Updates delivers events from all joined
// rooms in server order.
type Client struct {
	conn  net.Conn
	codec wire.Codec
	// decoder is created once at dial time; it may buffer past the
	// handshake ack, so the read loop must reuse it.
	decoder *wire.Decoder
	logger  *slog.Logger

	serverName string
	version    uint32

	// readTimeout is how long the connection may stay silent before
	// the server is presumed dead. The server pings idle connections
	// on the schedule announced in its ack, so silence longer than
	// interval+timeout means the link is gone.
	readTimeout time.Duration

	writeMu sync.Mutex

	updates chan wire.Event

	closeOnce sync.Once
	closed    chan struct{}

	errMu sync.Mutex
	err   error
}

// Dial connects to addr, authenticates, and returns a ready client.
// A server rejection (version mismatch, bad token) is returned as the
// server's own error message.
func Dial(ctx context.Context, addr string, config Config) (*Client, error) {
	if config.Identity == "" {
		return nil, errors.New("config: identity is required")
	}
	if config.InboundBuffer <= 0 {
		config.InboundBuffer = defaultInboundBuffer
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = defaultDialTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	dialer := &net.Dialer{Timeout: config.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if config.TLS != nil {
		tlsConn := tls.Client(conn, config.TLS)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("tls handshake with %s: %w", addr, err)
		}
		conn = tlsConn
	}

	codec := wire.Codec{MaxFrameSize: config.MaxFrameSize}
	c := &Client{
		conn:    conn,
		codec:   codec,
		decoder: codec.NewDecoder(conn),
		logger:  config.Logger.With("server", addr),
		updates: make(chan wire.Event, config.InboundBuffer),
		closed:  make(chan struct{}),
	}

	ack, err := c.handshake(ctx, config)
	if err != nil {
		conn.Close()
		return nil, err
	}

	c.serverName = ack.ServerName
	c.version = ack.Version
	c.readTimeout = time.Duration(ack.PingIntervalMS)*time.Millisecond +
		time.Duration(ack.PongTimeoutMS)*time.Millisecond
	c.logger = c.logger.With("server_name", ack.ServerName)
	c.logger.Info("connected", "version", ack.Version)

	go c.readLoop()
	return c, nil
}

func (c *Client) handshake(ctx context.Context, config Config) (wire.HandshakeAck, error) {
	// The handshake read honors whichever bound is tighter: the dial
	// context's deadline or DialTimeout.
	deadline := time.Now().Add(config.DialTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return wire.HandshakeAck{}, fmt.Errorf("set handshake deadline: %w", err)
	}
	// Cancelling the context mid-handshake expires the deadline so a
	// blocked read returns immediately.
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(time.Unix(0, 0))
	})
	defer stop()

	frame, err := wire.NewHandshakeFrame(wire.Handshake{
		Version:  wire.ProtocolVersion,
		Identity: config.Identity,
		Token:    config.Token[:],
	})
	if err != nil {
		return wire.HandshakeAck{}, fmt.Errorf("build handshake: %w", err)
	}
	if err := c.codec.WriteFrame(c.conn, frame); err != nil {
		return wire.HandshakeAck{}, fmt.Errorf("send handshake: %w", err)
	}

	reply, err := c.decoder.Next()
	if err != nil {
		return wire.HandshakeAck{}, fmt.Errorf("read handshake reply: %w", err)
	}
	switch reply.Type {
	case wire.TypeHandshakeAck:
		ack, err := wire.DecodeHandshakeAck(reply)
		if err != nil {
			return wire.HandshakeAck{}, fmt.Errorf("decode handshake ack: %w", err)
		}
		// stop reports whether the cancellation hook is defused; if it
		// already fired the deadline must stay poisoned.
		if !stop() {
			return wire.HandshakeAck{}, ctx.Err()
		}
		if err := c.conn.SetDeadline(time.Time{}); err != nil {
			return wire.HandshakeAck{}, fmt.Errorf("clear handshake deadline: %w", err)
		}
		return ack, nil
	case wire.TypeError:
		info, err := wire.DecodeError(reply)
		if err != nil {
			return wire.HandshakeAck{}, fmt.Errorf("decode handshake rejection: %w", err)
		}
		return wire.HandshakeAck{}, fmt.Errorf("server rejected handshake: %s: %s", info.Code, info.Message)
	default:
		return wire.HandshakeAck{}, fmt.Errorf("unexpected %s frame in handshake reply", reply.Type)
	}
}

// ServerName is the name the server announced in its ack.
func (c *Client) ServerName() string { return c.serverName }

// Version is the negotiated protocol version.
func (c *Client) Version() uint32 { return c.version }

// Updates delivers events from every joined room, in the order the
// server fanned them out. The channel is closed when the connection
// ends; Err reports why.
func (c *Client) Updates() <-chan wire.Event {
	return c.updates
}

// Err returns the error that ended the connection, or nil after a
// clean Close. Valid once Updates is closed.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Join subscribes to a room. Events sent to it by other bridges start
// arriving on Updates.
func (c *Client) Join(room string) error {
	frame, err := wire.NewJoinFrame(room)
	if err != nil {
		return fmt.Errorf("build join: %w", err)
	}
	return c.write(frame)
}

// Leave unsubscribes from a room.
func (c *Client) Leave(room string) error {
	frame, err := wire.NewLeaveFrame(room)
	if err != nil {
		return fmt.Errorf("build leave: %w", err)
	}
	return c.write(frame)
}

// Send publishes an event body to a room. The body is opaque bytes;
// bridges that want structure use EncodeMessage. The sender name seen
// by recipients is the authenticated identity, regardless of what is
// sent here.
func (c *Client) Send(room string, body []byte) error {
	frame, err := wire.NewEventFrame(wire.Event{Room: room, Body: body})
	if err != nil {
		return fmt.Errorf("build event: %w", err)
	}
	return c.write(frame)
}

func (c *Client) write(frame wire.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.codec.WriteFrame(c.conn, frame); err != nil {
		return fmt.Errorf("write %s frame: %w", frame.Type, err)
	}
	return nil
}

// Close shuts the connection down. Updates is closed shortly after.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return c.conn.Close()
}

// readLoop owns the socket's read side: it answers pings, forwards
// events, and enforces the liveness deadline derived from the
// server's announced ping schedule.
func (c *Client) readLoop() {
	defer close(c.updates)

	for {
		// A healthy but idle connection sees a server ping at least
		// every readTimeout; total silence beyond that is a dead link.
		if c.readTimeout > 0 {
			if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
				c.fail(fmt.Errorf("set read deadline: %w", err))
				return
			}
		}

		frame, err := c.decoder.Next()
		if err != nil {
			switch {
			case c.isClosed():
				c.fail(nil)
			case errors.Is(err, io.EOF):
				c.fail(errors.New("server closed connection"))
			default:
				c.fail(fmt.Errorf("read frame: %w", err))
			}
			return
		}

		switch frame.Type {
		case wire.TypeEvent:
			event, err := wire.DecodeEvent(frame)
			if err != nil {
				c.fail(err)
				return
			}
			select {
			case c.updates <- event:
			case <-c.closed:
				c.fail(nil)
				return
			}

		case wire.TypePing:
			if err := c.write(wire.NewPongFrame()); err != nil {
				c.fail(err)
				return
			}

		case wire.TypePong:
			// We never ping the server; a stray pong is harmless.

		case wire.TypeError:
			info, err := wire.DecodeError(frame)
			if err != nil {
				c.fail(err)
				return
			}
			if info.Code == wire.CodeShuttingDown {
				c.logger.Info("server shutting down", "message", info.Message)
				c.fail(nil)
			} else {
				c.fail(fmt.Errorf("server error: %s: %s", info.Code, info.Message))
			}
			return

		default:
			c.fail(fmt.Errorf("unexpected %s frame from server", frame.Type))
			return
		}
	}
}

// fail records the terminal error (first one wins) and closes the
// socket so in-flight writes abort.
func (c *Client) fail(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()

	if err != nil && !c.isClosed() {
		c.logger.Warn("connection failed", "error", err)
	}
	c.closeOnce.Do(func() { close(c.closed) })
	c.conn.Close()
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
