// Copyright 2026 The Multichat Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import "fmt"

// Type identifies the kind of payload a frame carries. Tags are part
// of the wire format; an unknown tag is a malformed frame.
type Type byte

const (
	// TypeHandshake opens a connection. Client to server, exactly once,
	// first frame on the socket. Payload: Handshake.
	TypeHandshake Type = 0x01

	// TypeHandshakeAck accepts a handshake. Server to client, exactly
	// once. Payload: HandshakeAck.
	TypeHandshakeAck Type = 0x02

	// TypeJoin subscribes the connection to a room. Payload: Join.
	TypeJoin Type = 0x03

	// TypeLeave unsubscribes the connection from a room. Payload: Leave.
	TypeLeave Type = 0x04

	// TypeEvent carries a chat event for a room. Client to server to
	// publish, server to client on fan-out. Payload: Event.
	TypeEvent Type = 0x05

	// TypePing probes liveness. No payload.
	TypePing Type = 0x06

	// TypePong answers a ping. No payload.
	TypePong Type = 0x07

	// TypeError reports a fatal per-connection condition before the
	// sender closes the socket. Payload: ErrorInfo.
	TypeError Type = 0x08
)

// Valid reports whether t is a known frame type.
func (t Type) Valid() bool {
	return t >= TypeHandshake && t <= TypeError
}

// Control reports whether frames of this type belong to the control
// plane. Control frames are never dropped under backpressure; only
// Event frames may be shed.
func (t Type) Control() bool {
	return t != TypeEvent
}

func (t Type) String() string {
	switch t {
	case TypeHandshake:
		return "handshake"
	case TypeHandshakeAck:
		return "handshake-ack"
	case TypeJoin:
		return "join"
	case TypeLeave:
		return "leave"
	case TypeEvent:
		return "event"
	case TypePing:
		return "ping"
	case TypePong:
		return "pong"
	case TypeError:
		return "error"
	}
	return fmt.Sprintf("unknown(0x%02x)", byte(t))
}

// Frame is the unit of wire exchange: a type tag plus its payload
// bytes. The payload of typed frames is deterministic CBOR; Ping and
// Pong have empty payloads.
type Frame struct {
	Type    Type
	Payload []byte
}

// Handshake is the client's opening payload: the protocol version it
// speaks, the identity it claims, and its access token.
type Handshake struct {
	Version  uint32 `cbor:"version"`
	Identity string `cbor:"identity"`
	Token    []byte `cbor:"token"`
}

// HandshakeAck is the server's acceptance payload. Version is the
// effective protocol version after negotiation. The ping schedule
// tells the client how often to expect server pings and how quickly
// it must answer, mirroring the server's own liveness settings.
type HandshakeAck struct {
	Version        uint32 `cbor:"version"`
	ServerName     string `cbor:"server_name"`
	PingIntervalMS uint32 `cbor:"ping_interval_ms"`
	PongTimeoutMS  uint32 `cbor:"pong_timeout_ms"`
}

// Join subscribes the connection to a room.
type Join struct {
	Room string `cbor:"room"`
}

// Leave unsubscribes the connection from a room.
type Leave struct {
	Room string `cbor:"room"`
}

// Event is a chat event addressed to a room. Body is opaque to the
// relay: bridges agree on its contents (see the client package's
// Message helpers). The server stamps Sender with the authenticated
// peer name on fan-out, so receiving bridges can trust it.
type Event struct {
	Room   string `cbor:"room"`
	Sender string `cbor:"sender,omitempty"`
	Body   []byte `cbor:"body"`
}

// ErrorCode classifies a fatal per-connection error.
type ErrorCode uint16

const (
	// CodeVersionMismatch: the client's protocol version is below the
	// server's supported minimum.
	CodeVersionMismatch ErrorCode = 1

	// CodeAuthFailed: unknown access token or invalid identity.
	CodeAuthFailed ErrorCode = 2

	// CodeMalformed: the peer sent bytes that do not decode as a frame.
	CodeMalformed ErrorCode = 3

	// CodeProtocol: a well-formed frame arrived in the wrong state,
	// such as a second Handshake on an active connection.
	CodeProtocol ErrorCode = 4

	// CodeShuttingDown: the server is closing all connections.
	CodeShuttingDown ErrorCode = 5
)

func (c ErrorCode) String() string {
	switch c {
	case CodeVersionMismatch:
		return "version-mismatch"
	case CodeAuthFailed:
		return "auth-failed"
	case CodeMalformed:
		return "malformed"
	case CodeProtocol:
		return "protocol-violation"
	case CodeShuttingDown:
		return "shutting-down"
	}
	return fmt.Sprintf("code(%d)", uint16(c))
}

// ErrorInfo is the payload of an Error frame.
type ErrorInfo struct {
	Code    ErrorCode `cbor:"code"`
	Message string    `cbor:"message,omitempty"`
}

// NewHandshakeFrame builds a Handshake frame.
func NewHandshakeFrame(h Handshake) (Frame, error) {
	return newPayloadFrame(TypeHandshake, h)
}

// NewHandshakeAckFrame builds a HandshakeAck frame.
func NewHandshakeAckFrame(a HandshakeAck) (Frame, error) {
	return newPayloadFrame(TypeHandshakeAck, a)
}

// NewJoinFrame builds a Join frame for the given room.
func NewJoinFrame(room string) (Frame, error) {
	return newPayloadFrame(TypeJoin, Join{Room: room})
}

// NewLeaveFrame builds a Leave frame for the given room.
func NewLeaveFrame(room string) (Frame, error) {
	return newPayloadFrame(TypeLeave, Leave{Room: room})
}

// NewEventFrame builds an Event frame.
func NewEventFrame(e Event) (Frame, error) {
	return newPayloadFrame(TypeEvent, e)
}

// NewPingFrame builds a Ping frame.
func NewPingFrame() Frame { return Frame{Type: TypePing} }

// NewPongFrame builds a Pong frame.
func NewPongFrame() Frame { return Frame{Type: TypePong} }

// NewErrorFrame builds an Error frame.
func NewErrorFrame(code ErrorCode, message string) (Frame, error) {
	return newPayloadFrame(TypeError, ErrorInfo{Code: code, Message: message})
}

func newPayloadFrame(frameType Type, payload any) (Frame, error) {
	data, err := marshalPayload(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s payload: %w", frameType, err)
	}
	return Frame{Type: frameType, Payload: data}, nil
}

// DecodeHandshake parses a Handshake frame's payload.
func DecodeHandshake(f Frame) (Handshake, error) {
	var h Handshake
	err := decodePayload(f, TypeHandshake, &h)
	return h, err
}

// DecodeHandshakeAck parses a HandshakeAck frame's payload.
func DecodeHandshakeAck(f Frame) (HandshakeAck, error) {
	var a HandshakeAck
	err := decodePayload(f, TypeHandshakeAck, &a)
	return a, err
}

// DecodeJoin parses a Join frame's payload.
func DecodeJoin(f Frame) (Join, error) {
	var j Join
	err := decodePayload(f, TypeJoin, &j)
	return j, err
}

// DecodeLeave parses a Leave frame's payload.
func DecodeLeave(f Frame) (Leave, error) {
	var l Leave
	err := decodePayload(f, TypeLeave, &l)
	return l, err
}

// DecodeEvent parses an Event frame's payload.
func DecodeEvent(f Frame) (Event, error) {
	var e Event
	err := decodePayload(f, TypeEvent, &e)
	return e, err
}

// DecodeError parses an Error frame's payload.
func DecodeError(f Frame) (ErrorInfo, error) {
	var info ErrorInfo
	err := decodePayload(f, TypeError, &info)
	return info, err
}

func decodePayload(f Frame, want Type, v any) error {
	if f.Type != want {
		return &MalformedError{Reason: fmt.Sprintf("expected %s frame, got %s", want, f.Type)}
	}
	if err := unmarshalPayload(f.Payload, v); err != nil {
		return &MalformedError{Reason: fmt.Sprintf("decode %s payload: %v", want, err)}
	}
	return nil
}
