// Copyright 2026 The Multichat Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()
	codec := Codec{}

	frames := []Frame{
		mustFrame(t)(NewHandshakeFrame(Handshake{Version: 1, Identity: "irc-bridge", Token: bytes.Repeat([]byte{0xab}, TokenLength)})),
		mustFrame(t)(NewHandshakeAckFrame(HandshakeAck{Version: 1, ServerName: "hub", PingIntervalMS: 30000, PongTimeoutMS: 5000})),
		mustFrame(t)(NewJoinFrame("lobby")),
		mustFrame(t)(NewJoinFrame("")),
		mustFrame(t)(NewLeaveFrame("lobby")),
		mustFrame(t)(NewEventFrame(Event{Room: "lobby", Body: []byte("hello")})),
		mustFrame(t)(NewEventFrame(Event{Room: "lobby", Sender: "irc-bridge", Body: nil})),
		NewPingFrame(),
		NewPongFrame(),
		mustFrame(t)(NewErrorFrame(CodeShuttingDown, "going away")),
	}

	for _, frame := range frames {
		encoded, err := codec.Encode(frame)
		if err != nil {
			t.Fatalf("Encode(%s): %v", frame.Type, err)
		}
		decoded, consumed, err := codec.Decode(encoded)
		if err != nil {
			t.Fatalf("Decode(%s): %v", frame.Type, err)
		}
		if consumed != len(encoded) {
			t.Errorf("Decode(%s): consumed %d, want %d", frame.Type, consumed, len(encoded))
		}
		if decoded.Type != frame.Type {
			t.Errorf("Decode(%s): got type %s", frame.Type, decoded.Type)
		}
		if !bytes.Equal(decoded.Payload, frame.Payload) {
			t.Errorf("Decode(%s): payload mismatch", frame.Type)
		}
	}
}

func TestDecodeConsumesOneFrame(t *testing.T) {
	t.Parallel()
	codec := Codec{}

	first, err := codec.Encode(mustFrame(t)(NewJoinFrame("a")))
	if err != nil {
		t.Fatal(err)
	}
	second, err := codec.Encode(NewPingFrame())
	if err != nil {
		t.Fatal(err)
	}
	buf := append(append([]byte{}, first...), second...)

	frame, consumed, err := codec.Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if frame.Type != TypeJoin {
		t.Errorf("first frame: got %s, want join", frame.Type)
	}
	if consumed != len(first) {
		t.Errorf("consumed %d, want %d", consumed, len(first))
	}

	frame, consumed, err = codec.Decode(buf[consumed:])
	if err != nil {
		t.Fatalf("Decode second: %v", err)
	}
	if frame.Type != TypePing {
		t.Errorf("second frame: got %s, want ping", frame.Type)
	}
	if consumed != len(second) {
		t.Errorf("second consumed %d, want %d", consumed, len(second))
	}
}

func TestDecodeShortBuffer(t *testing.T) {
	t.Parallel()
	codec := Codec{}

	encoded, err := codec.Encode(mustFrame(t)(NewEventFrame(Event{Room: "r", Body: []byte("payload")})))
	if err != nil {
		t.Fatal(err)
	}

	// Every strict prefix of a frame is incomplete, never malformed.
	for n := 0; n < len(encoded); n++ {
		_, consumed, err := codec.Decode(encoded[:n])
		if !errors.Is(err, ErrShortBuffer) {
			t.Fatalf("Decode(%d of %d bytes): got %v, want ErrShortBuffer", n, len(encoded), err)
		}
		if consumed != 0 {
			t.Fatalf("Decode(%d bytes): consumed %d, want 0", n, consumed)
		}
	}
}

func TestDecodeMalformed(t *testing.T) {
	t.Parallel()
	codec := Codec{MaxFrameSize: 1024}

	tests := []struct {
		name string
		buf  []byte
	}{
		{"zero length prefix", []byte{0, 0, 0, 0}},
		{"oversized length prefix", []byte{0xff, 0xff, 0xff, 0xff}},
		{"length just over limit", []byte{0, 0, 4, 1}},
		{"unknown type tag", []byte{0, 0, 0, 1, 0x7f}},
		{"type tag zero", []byte{0, 0, 0, 1, 0x00}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, _, err := codec.Decode(tt.buf)
			if !IsMalformed(err) {
				t.Errorf("Decode: got %v, want MalformedError", err)
			}
		})
	}
}

func TestEncodeRejectsOversizedFrame(t *testing.T) {
	t.Parallel()
	codec := Codec{MaxFrameSize: 16}

	_, err := codec.Encode(Frame{Type: TypeEvent, Payload: make([]byte, 16)})
	if err == nil {
		t.Fatal("Encode: oversized frame accepted")
	}

	// 15-byte payload plus the type tag is exactly the limit.
	if _, err := codec.Encode(Frame{Type: TypeEvent, Payload: make([]byte, 15)}); err != nil {
		t.Fatalf("Encode at limit: %v", err)
	}
}

func TestEncodeRejectsInvalidType(t *testing.T) {
	t.Parallel()
	codec := Codec{}

	_, err := codec.Encode(Frame{Type: Type(0x99)})
	if !IsMalformed(err) {
		t.Errorf("Encode: got %v, want MalformedError", err)
	}
}

func TestEncodeMaxPayload(t *testing.T) {
	t.Parallel()
	codec := Codec{}

	payload := make([]byte, DefaultMaxFrameSize-1)
	for i := range payload {
		payload[i] = byte(i)
	}
	encoded, err := codec.Encode(Frame{Type: TypeEvent, Payload: payload})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, _, err := codec.Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(decoded.Payload, payload) {
		t.Error("max-size payload mismatch after round trip")
	}
}

// oneByteReader delivers the stream a single byte per Read, the worst
// possible fragmentation.
type oneByteReader struct {
	data []byte
}

func (r *oneByteReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	p[0] = r.data[0]
	r.data = r.data[1:]
	return 1, nil
}

func TestDecoderFragmentationIndependence(t *testing.T) {
	t.Parallel()
	codec := Codec{}

	want := []Frame{
		mustFrame(t)(NewJoinFrame("lobby")),
		mustFrame(t)(NewEventFrame(Event{Room: "lobby", Sender: "a", Body: []byte("hi")})),
		NewPingFrame(),
		mustFrame(t)(NewLeaveFrame("lobby")),
	}
	var stream []byte
	for _, frame := range want {
		encoded, err := codec.Encode(frame)
		if err != nil {
			t.Fatal(err)
		}
		stream = append(stream, encoded...)
	}

	readers := map[string]io.Reader{
		"single read":   bytes.NewReader(stream),
		"byte at a time": &oneByteReader{data: stream},
	}
	for name, reader := range readers {
		decoder := codec.NewDecoder(reader)
		for i, wantFrame := range want {
			frame, err := decoder.Next()
			if err != nil {
				t.Fatalf("%s: Next() frame %d: %v", name, i, err)
			}
			if frame.Type != wantFrame.Type || !bytes.Equal(frame.Payload, wantFrame.Payload) {
				t.Errorf("%s: frame %d differs from frame boundaries of the unfragmented stream", name, i)
			}
		}
		if _, err := decoder.Next(); !errors.Is(err, io.EOF) {
			t.Errorf("%s: Next() after stream end: got %v, want io.EOF", name, err)
		}
	}
}

func TestDecoderUnexpectedEOF(t *testing.T) {
	t.Parallel()
	codec := Codec{}

	encoded, err := codec.Encode(mustFrame(t)(NewJoinFrame("lobby")))
	if err != nil {
		t.Fatal(err)
	}
	decoder := codec.NewDecoder(bytes.NewReader(encoded[:len(encoded)-1]))

	if _, err := decoder.Next(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("Next() on truncated stream: got %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestDecoderGrowsPastInitialBuffer(t *testing.T) {
	t.Parallel()
	codec := Codec{}

	// Larger than the decoder's initial 4 KiB buffer.
	payload := bytes.Repeat([]byte{0x5a}, 20*1024)
	encoded, err := codec.Encode(Frame{Type: TypeEvent, Payload: payload})
	if err != nil {
		t.Fatal(err)
	}

	decoder := codec.NewDecoder(bytes.NewReader(encoded))
	frame, err := decoder.Next()
	if err != nil {
		t.Fatalf("Next(): %v", err)
	}
	if !bytes.Equal(frame.Payload, payload) {
		t.Error("large payload mismatch")
	}
}

func TestDecoderStopsAtMalformedFrame(t *testing.T) {
	t.Parallel()
	codec := Codec{}

	encoded, err := codec.Encode(NewPingFrame())
	if err != nil {
		t.Fatal(err)
	}
	stream := append(encoded, 0, 0, 0, 0) // zero-length frame follows

	decoder := codec.NewDecoder(bytes.NewReader(stream))
	if frame, err := decoder.Next(); err != nil || frame.Type != TypePing {
		t.Fatalf("Next(): got (%v, %v), want ping frame", frame.Type, err)
	}
	if _, err := decoder.Next(); !IsMalformed(err) {
		t.Errorf("Next(): got %v, want MalformedError", err)
	}
}

func mustFrame(t *testing.T) func(Frame, error) Frame {
	return func(frame Frame, err error) Frame {
		t.Helper()
		if err != nil {
			t.Fatalf("building frame: %v", err)
		}
		return frame
	}
}
