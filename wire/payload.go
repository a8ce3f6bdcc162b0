// Copyright 2026 The Multichat Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"github.com/fxamacker/cbor/v2"
)

// encMode is the CBOR encoder configured with Core Deterministic
// Encoding (RFC 8949 §4.2): sorted map keys, smallest integer
// encoding, no indefinite-length items. Same logical payload always
// produces identical bytes, which keeps frame sizes predictable and
// makes wire captures diffable.
var encMode cbor.EncMode

// decMode is the CBOR decoder configured to accept standard CBOR.
// Unknown fields are silently ignored so older servers tolerate
// payloads from newer clients within the same protocol version.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Reject absurdly nested payloads early; no protocol payload
		// nests deeper than a struct containing byte strings.
		MaxNestedLevels: 16,
	}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
}

// marshalPayload encodes a typed payload to deterministic CBOR.
func marshalPayload(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// MarshalBody encodes v with the same deterministic CBOR encoding the
// protocol payloads use. Event bodies are opaque to the relay;
// clients that structure them (see the client package's Message) use
// this so both sides of a room agree on the encoding.
func MarshalBody(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// UnmarshalBody decodes an event body produced by MarshalBody.
func UnmarshalBody(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// unmarshalPayload decodes CBOR payload bytes into v. A decoding
// failure means the peer framed a valid length and type tag around a
// garbage body; callers treat it as a malformed frame.
func unmarshalPayload(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
