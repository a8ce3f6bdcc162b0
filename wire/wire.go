// Copyright 2026 The Multichat Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// prefixLength is the size of the length prefix: a big-endian uint32
// counting the type tag byte plus the payload.
const prefixLength = 4

// minFrameLength is the smallest legal value of the length prefix: a
// frame always carries at least its type tag.
const minFrameLength = 1

// DefaultMaxFrameSize bounds the length prefix to 64 KiB. Chat events
// including compressed attachments fit comfortably; anything larger
// is either a bug or an attempt to exhaust server memory.
const DefaultMaxFrameSize = 64 * 1024

// ErrShortBuffer is returned by Decode when the buffer does not yet
// hold a complete frame. The caller should read more bytes and retry;
// nothing has been consumed.
var ErrShortBuffer = errors.New("wire: incomplete frame")

// MalformedError reports bytes that can never decode to a frame:
// an unknown type tag, a zero or oversized length prefix, or a typed
// payload that fails CBOR decoding. It is unrecoverable for the
// connection that produced it.
type MalformedError struct {
	Reason string
}

func (e *MalformedError) Error() string {
	return "wire: malformed frame: " + e.Reason
}

// IsMalformed reports whether err is (or wraps) a MalformedError.
func IsMalformed(err error) bool {
	var malformed *MalformedError
	return errors.As(err, &malformed)
}

// Codec encodes and decodes frames. The zero value uses
// DefaultMaxFrameSize; both directions enforce the same bound, so a
// frame one side refuses to emit is a frame the other side refuses to
// accept.
type Codec struct {
	// MaxFrameSize is the largest accepted value of the length prefix
	// (type tag + payload bytes). Zero means DefaultMaxFrameSize.
	MaxFrameSize uint32
}

func (c Codec) maxFrameSize() uint32 {
	if c.MaxFrameSize == 0 {
		return DefaultMaxFrameSize
	}
	return c.MaxFrameSize
}

// Encode serializes a frame as [length][type][payload]. It fails if
// the frame exceeds the codec's size bound or carries an invalid type.
func (c Codec) Encode(frame Frame) ([]byte, error) {
	if !frame.Type.Valid() {
		return nil, &MalformedError{Reason: fmt.Sprintf("invalid frame type 0x%02x", byte(frame.Type))}
	}
	frameLength := uint64(minFrameLength + len(frame.Payload))
	if frameLength > uint64(c.maxFrameSize()) {
		return nil, fmt.Errorf("wire: frame of %d bytes exceeds limit of %d", frameLength, c.maxFrameSize())
	}

	buf := make([]byte, prefixLength+frameLength)
	binary.BigEndian.PutUint32(buf[:prefixLength], uint32(frameLength))
	buf[prefixLength] = byte(frame.Type)
	copy(buf[prefixLength+1:], frame.Payload)
	return buf, nil
}

// Decode parses one frame from the front of buf. It returns the frame
// and the number of bytes consumed. If buf does not yet hold a whole
// frame, it returns ErrShortBuffer with zero consumed; the caller
// appends more bytes and calls again — already-buffered bytes are
// never re-parsed into a different result. A *MalformedError is
// unrecoverable for the stream.
func (c Codec) Decode(buf []byte) (Frame, int, error) {
	if len(buf) < prefixLength {
		return Frame{}, 0, ErrShortBuffer
	}
	frameLength := binary.BigEndian.Uint32(buf[:prefixLength])
	if frameLength < minFrameLength {
		return Frame{}, 0, &MalformedError{Reason: "zero-length frame"}
	}
	if frameLength > c.maxFrameSize() {
		return Frame{}, 0, &MalformedError{Reason: fmt.Sprintf("frame of %d bytes exceeds limit of %d", frameLength, c.maxFrameSize())}
	}
	total := prefixLength + int(frameLength)
	if len(buf) < total {
		return Frame{}, 0, ErrShortBuffer
	}

	frameType := Type(buf[prefixLength])
	if !frameType.Valid() {
		return Frame{}, 0, &MalformedError{Reason: fmt.Sprintf("unknown frame type 0x%02x", buf[prefixLength])}
	}

	var payload []byte
	if frameLength > minFrameLength {
		payload = make([]byte, frameLength-minFrameLength)
		copy(payload, buf[prefixLength+1:total])
	}
	return Frame{Type: frameType, Payload: payload}, total, nil
}

// WriteFrame encodes frame and writes it to w in a single Write call,
// so concurrent writers interleave at frame granularity when w
// serializes writes.
func (c Codec) WriteFrame(w io.Writer, frame Frame) error {
	buf, err := c.Encode(frame)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Decoder reads frames from a byte stream, resuming across partial
// reads without re-parsing consumed bytes. It is not safe for
// concurrent use; each connection has exactly one reader.
type Decoder struct {
	codec  Codec
	reader io.Reader
	buf    []byte
	start  int
	end    int
}

// NewDecoder returns a Decoder reading frames from r with codec c.
func (c Codec) NewDecoder(r io.Reader) *Decoder {
	return &Decoder{
		codec:  c,
		reader: r,
		buf:    make([]byte, 4096),
	}
}

// Next reads and returns the next frame. It blocks until a complete
// frame is available, the stream ends (io.EOF, or io.ErrUnexpectedEOF
// mid-frame), or the stream turns out to be malformed.
func (d *Decoder) Next() (Frame, error) {
	for {
		frame, consumed, err := d.codec.Decode(d.buf[d.start:d.end])
		if err == nil {
			d.start += consumed
			return frame, nil
		}
		if !errors.Is(err, ErrShortBuffer) {
			return Frame{}, err
		}

		if err := d.fill(); err != nil {
			if errors.Is(err, io.EOF) && d.start != d.end {
				// The stream ended inside a frame.
				return Frame{}, io.ErrUnexpectedEOF
			}
			return Frame{}, err
		}
	}
}

// fill reads more bytes from the underlying stream, compacting or
// growing the buffer as needed.
func (d *Decoder) fill() error {
	if d.start > 0 {
		copy(d.buf, d.buf[d.start:d.end])
		d.end -= d.start
		d.start = 0
	}
	if d.end == len(d.buf) {
		grown := make([]byte, 2*len(d.buf))
		copy(grown, d.buf[:d.end])
		d.buf = grown
	}

	n, err := d.reader.Read(d.buf[d.end:])
	d.end += n
	if n > 0 {
		// Bytes arrived; let the caller retry the decode even if the
		// read also returned an error.
		return nil
	}
	return err
}
