// Copyright 2026 The Multichat Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/htrefil/multichat/wire"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeServer accepts one relay connection and lets the test script
// the server side of the protocol frame by frame.
type fakeServer struct {
	conn    net.Conn
	codec   wire.Codec
	decoder *wire.Decoder
}

// startFakeServer listens on loopback and returns the dial address
// plus a channel delivering the accepted server-side connection.
func startFakeServer(t *testing.T) (string, <-chan *fakeServer) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	accepted := make(chan *fakeServer, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		codec := wire.Codec{}
		accepted <- &fakeServer{conn: conn, codec: codec, decoder: codec.NewDecoder(conn)}
	}()
	return listener.Addr().String(), accepted
}

func (s *fakeServer) read(t *testing.T) wire.Frame {
	t.Helper()
	s.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	frame, err := s.decoder.Next()
	if err != nil {
		t.Fatalf("fake server read: %v", err)
	}
	return frame
}

func (s *fakeServer) write(t *testing.T, frame wire.Frame) {
	t.Helper()
	s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := s.codec.WriteFrame(s.conn, frame); err != nil {
		t.Fatalf("fake server write: %v", err)
	}
}

// acceptHandshake reads the client's handshake and answers with an
// ack. A zero ping schedule disables the client's read deadline so
// scripted tests are not raced by liveness enforcement.
func (s *fakeServer) acceptHandshake(t *testing.T) wire.Handshake {
	t.Helper()
	frame := s.read(t)
	handshake, err := wire.DecodeHandshake(frame)
	if err != nil {
		t.Fatalf("expected handshake, got %s: %v", frame.Type, err)
	}
	ack, err := wire.NewHandshakeAckFrame(wire.HandshakeAck{
		Version:    wire.ProtocolVersion,
		ServerName: "fake-hub",
	})
	if err != nil {
		t.Fatal(err)
	}
	s.write(t, ack)
	return handshake
}

func mustDial(t *testing.T, addr string, token wire.AccessToken) *Client {
	t.Helper()
	c, err := Dial(context.Background(), addr, Config{
		Identity: "bridge",
		Token:    token,
		Logger:   testLogger(t),
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func newToken(t *testing.T) wire.AccessToken {
	t.Helper()
	token, err := wire.NewToken()
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func TestDialSendsCredentials(t *testing.T) {
	t.Parallel()
	addr, accepted := startFakeServer(t)
	token := newToken(t)

	done := make(chan wire.Handshake, 1)
	go func() {
		server := <-accepted
		done <- server.acceptHandshake(t)
	}()

	c := mustDial(t, addr, token)

	handshake := <-done
	if handshake.Version != wire.ProtocolVersion {
		t.Errorf("Version: got %d, want %d", handshake.Version, wire.ProtocolVersion)
	}
	if handshake.Identity != "bridge" {
		t.Errorf("Identity: got %q", handshake.Identity)
	}
	if !bytes.Equal(handshake.Token, token[:]) {
		t.Error("Token: does not match the configured token")
	}
	if c.ServerName() != "fake-hub" {
		t.Errorf("ServerName: got %q", c.ServerName())
	}
	if c.Version() != wire.ProtocolVersion {
		t.Errorf("Version: got %d", c.Version())
	}
}

func TestDialRequiresIdentity(t *testing.T) {
	t.Parallel()
	if _, err := Dial(context.Background(), "127.0.0.1:1", Config{}); err == nil {
		t.Fatal("Dial with no identity: accepted")
	}
}

func TestDialRejection(t *testing.T) {
	t.Parallel()
	addr, accepted := startFakeServer(t)

	go func() {
		server := <-accepted
		server.read(t) // the handshake
		frame, err := wire.NewErrorFrame(wire.CodeAuthFailed, "unknown access token")
		if err != nil {
			return
		}
		server.write(t, frame)
	}()

	_, err := Dial(context.Background(), addr, Config{
		Identity: "bridge",
		Token:    newToken(t),
		Logger:   testLogger(t),
	})
	if err == nil {
		t.Fatal("Dial: accepted despite rejection")
	}
	if !strings.Contains(err.Error(), "auth-failed") {
		t.Errorf("error %q does not carry the rejection code", err)
	}
}

// A server that accepts the socket but never answers the handshake
// must not pin Dial for the full DialTimeout when the caller's
// context ends first.
func TestDialCancelledDuringHandshake(t *testing.T) {
	t.Parallel()
	addr, accepted := startFakeServer(t)
	go func() {
		<-accepted // hold the connection open, answer nothing
	}()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := Dial(ctx, addr, Config{
		Identity:    "bridge",
		Token:       newToken(t),
		DialTimeout: time.Minute,
		Logger:      testLogger(t),
	})
	if err == nil {
		t.Fatal("Dial: succeeded with no handshake reply")
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("Dial returned after %v, want shortly after cancellation", elapsed)
	}
}

func TestClientJoinSendLeave(t *testing.T) {
	t.Parallel()
	addr, accepted := startFakeServer(t)
	token := newToken(t)

	serverReady := make(chan *fakeServer, 1)
	go func() {
		server := <-accepted
		server.acceptHandshake(t)
		serverReady <- server
	}()

	c := mustDial(t, addr, token)
	server := <-serverReady

	if err := c.Join("lobby"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	frame := server.read(t)
	join, err := wire.DecodeJoin(frame)
	if err != nil || join.Room != "lobby" {
		t.Fatalf("server received %s (%v), want join lobby", frame.Type, err)
	}

	if err := c.Send("lobby", []byte("payload")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	frame = server.read(t)
	event, err := wire.DecodeEvent(frame)
	if err != nil {
		t.Fatalf("server received %s, want event", frame.Type)
	}
	if event.Room != "lobby" || !bytes.Equal(event.Body, []byte("payload")) {
		t.Errorf("event: got %+v", event)
	}
	if event.Sender != "" {
		t.Errorf("client-sent event carries sender %q, want empty", event.Sender)
	}

	if err := c.Leave("lobby"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	frame = server.read(t)
	leave, err := wire.DecodeLeave(frame)
	if err != nil || leave.Room != "lobby" {
		t.Fatalf("server received %s (%v), want leave lobby", frame.Type, err)
	}
}

func TestClientDeliversEventsInOrder(t *testing.T) {
	t.Parallel()
	addr, accepted := startFakeServer(t)

	go func() {
		server := <-accepted
		server.acceptHandshake(t)
		for _, body := range []string{"one", "two", "three"} {
			frame, err := wire.NewEventFrame(wire.Event{Room: "lobby", Sender: "peer", Body: []byte(body)})
			if err != nil {
				return
			}
			server.write(t, frame)
		}
	}()

	c := mustDial(t, addr, newToken(t))
	for _, want := range []string{"one", "two", "three"} {
		select {
		case event := <-c.Updates():
			if string(event.Body) != want {
				t.Errorf("event body: got %q, want %q", event.Body, want)
			}
			if event.Sender != "peer" {
				t.Errorf("event sender: got %q, want peer", event.Sender)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("event %q never arrived", want)
		}
	}
}

func TestClientAnswersPing(t *testing.T) {
	t.Parallel()
	addr, accepted := startFakeServer(t)

	pong := make(chan wire.Frame, 1)
	go func() {
		server := <-accepted
		server.acceptHandshake(t)
		server.write(t, wire.NewPingFrame())
		pong <- server.read(t)
	}()

	mustDial(t, addr, newToken(t))

	select {
	case frame := <-pong:
		if frame.Type != wire.TypePong {
			t.Errorf("reply to ping: got %s, want pong", frame.Type)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("client never answered the ping")
	}
}

func TestClientShutdownAnnouncementIsClean(t *testing.T) {
	t.Parallel()
	addr, accepted := startFakeServer(t)

	go func() {
		server := <-accepted
		server.acceptHandshake(t)
		frame, err := wire.NewErrorFrame(wire.CodeShuttingDown, "maintenance")
		if err != nil {
			return
		}
		server.write(t, frame)
		server.conn.Close()
	}()

	c := mustDial(t, addr, newToken(t))

	select {
	case _, open := <-c.Updates():
		if open {
			t.Error("Updates delivered an event, want close")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Updates never closed")
	}
	if err := c.Err(); err != nil {
		t.Errorf("Err after announced shutdown: %v", err)
	}
}

func TestClientAbruptDisconnectReportsError(t *testing.T) {
	t.Parallel()
	addr, accepted := startFakeServer(t)

	go func() {
		server := <-accepted
		server.acceptHandshake(t)
		server.conn.Close()
	}()

	c := mustDial(t, addr, newToken(t))

	select {
	case _, open := <-c.Updates():
		if open {
			t.Error("Updates delivered an event, want close")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Updates never closed")
	}
	if err := c.Err(); err == nil {
		t.Error("Err after abrupt disconnect: got nil, want an error")
	}
}
