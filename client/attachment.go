// Copyright 2026 The Multichat Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"fmt"
	"unicode/utf8"

	"github.com/klauspost/compress/zstd"

	"github.com/htrefil/multichat/wire"
)

// compressThreshold is the attachment size below which compression is
// not attempted; small payloads rarely shrink and always cost a copy.
const compressThreshold = 512

// Message is the structure bridges agree on for event bodies: text
// plus optional attachments. The relay never inspects it.
type Message struct {
	Text        string       `cbor:"text"`
	Attachments []Attachment `cbor:"attachments,omitempty"`
}

// Attachment is a named binary blob riding along with a message.
// Data is zstd-compressed when Compressed is set; use Payload to get
// the original bytes either way.
type Attachment struct {
	Name        string `cbor:"name"`
	ContentType string `cbor:"content_type"`
	Compressed  bool   `cbor:"compressed"`
	Data        []byte `cbor:"data"`
}

// Stateless zstd coders shared by all attachments. EncodeAll and
// DecodeAll on nil-stream coders are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("client: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("client: zstd decoder initialization failed: " + err.Error())
	}
}

// NewAttachment builds an attachment from raw bytes, compressing them
// when that actually saves space.
func NewAttachment(name, contentType string, data []byte) Attachment {
	a := Attachment{
		Name:        name,
		ContentType: contentType,
		Data:        data,
	}
	if len(data) < compressThreshold {
		return a
	}
	compressed := zstdEncoder.EncodeAll(data, make([]byte, 0, len(data)))
	if len(compressed) >= len(data) {
		return a
	}
	a.Compressed = true
	a.Data = compressed
	return a
}

// Payload returns the attachment's original bytes, decompressing if
// needed.
func (a Attachment) Payload() ([]byte, error) {
	if !a.Compressed {
		return a.Data, nil
	}
	data, err := zstdDecoder.DecodeAll(a.Data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress attachment %q: %w", a.Name, err)
	}
	return data, nil
}

// EncodeMessage serializes a message into an event body.
func EncodeMessage(m Message) ([]byte, error) {
	if !utf8.ValidString(m.Text) {
		return nil, fmt.Errorf("message text is not valid UTF-8")
	}
	body, err := wire.MarshalBody(m)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return body, nil
}

// DecodeMessage parses an event body produced by EncodeMessage.
func DecodeMessage(body []byte) (Message, error) {
	var m Message
	if err := wire.UnmarshalBody(body, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return m, nil
}
