// Copyright 2026 The Multichat Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the Multichat protocol: the framed binary wire
// format exchanged between bridges and the relay server, the typed
// payloads carried by each frame, protocol version negotiation, and
// access tokens.
//
// Every frame is transmitted as a 4-byte big-endian length prefix
// followed by a 1-byte type tag and a type-specific payload. Typed
// payloads are encoded as deterministic CBOR; Ping and Pong carry no
// payload. The codec is a pure transform: it never touches sockets and
// has no side effects, so the same bytes always decode to the same
// frame regardless of how reads were fragmented.
//
// The package is organized as:
//
//   - frame.go: frame type tags, the Frame envelope, typed payloads
//   - wire.go: length-prefixed encoding, resumable decoding
//   - payload.go: deterministic CBOR marshaling for typed payloads
//   - version.go: protocol version window and negotiation
//   - token.go: access tokens and their BLAKE3 digests
package wire
