// Copyright 2026 The Multichat Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"fmt"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/htrefil/multichat/wire"
)

// maxIdentityLength bounds the peer name declared in a handshake.
// Peer names end up in logs and in every relayed event's sender
// field; nobody needs a kilobyte of name.
const maxIdentityLength = 128

// HandshakeError is a handshake rejection: the Error frame the peer
// receives, plus an operator-facing reason for the log.
type HandshakeError struct {
	Code   wire.ErrorCode
	Reason string
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake rejected (%s): %s", e.Code, e.Reason)
}

// Handshaker validates handshake frames: protocol version within the
// supported window (negotiating newer peers down), identity
// well-formed, access token known. It holds no connection state and
// is shared by every session.
type Handshaker struct {
	// ServerName is reported to clients in the HandshakeAck.
	ServerName string

	// Tokens is the set of authorized access-token digests. An empty
	// set rejects every handshake.
	Tokens map[wire.TokenDigest]struct{}

	// PingInterval and PongTimeout are the liveness schedule announced
	// in the HandshakeAck so clients mirror the server's expectations.
	PingInterval time.Duration
	PongTimeout  time.Duration
}

// Negotiate validates a handshake and returns the peer name and the
// effective protocol version. On rejection it returns a
// *HandshakeError carrying the code to send before closing; no
// connection state may be kept for a rejected peer.
func (h *Handshaker) Negotiate(hs wire.Handshake) (peer string, version uint32, err *HandshakeError) {
	version, ok := wire.NegotiateVersion(hs.Version)
	if !ok {
		return "", 0, &HandshakeError{
			Code:   wire.CodeVersionMismatch,
			Reason: fmt.Sprintf("peer version %d below supported minimum %d", hs.Version, wire.ProtocolVersionMin),
		}
	}

	if reason := validIdentity(hs.Identity); reason != "" {
		return "", 0, &HandshakeError{Code: wire.CodeAuthFailed, Reason: reason}
	}

	digest := wire.DigestTokenBytes(hs.Token)
	if !h.tokenAuthorized(digest) {
		return "", 0, &HandshakeError{
			Code:   wire.CodeAuthFailed,
			Reason: fmt.Sprintf("unknown access token (fingerprint %s)", digest.Fingerprint()),
		}
	}

	return hs.Identity, version, nil
}

// Ack builds the HandshakeAck for a connection accepted at the given
// effective version.
func (h *Handshaker) Ack(version uint32) wire.HandshakeAck {
	return wire.HandshakeAck{
		Version:        version,
		ServerName:     h.ServerName,
		PingIntervalMS: uint32(h.PingInterval / time.Millisecond),
		PongTimeoutMS:  uint32(h.PongTimeout / time.Millisecond),
	}
}

// tokenAuthorized checks the digest against every configured digest
// in constant time per comparison, so the lookup does not reveal how
// close a guessed token came.
func (h *Handshaker) tokenAuthorized(digest wire.TokenDigest) bool {
	authorized := false
	for candidate := range h.Tokens {
		if candidate.Equal(digest) {
			authorized = true
		}
	}
	return authorized
}

// validIdentity returns a rejection reason, or "" if the identity is
// acceptable: non-empty, bounded, valid UTF-8, no control characters.
func validIdentity(identity string) string {
	if identity == "" {
		return "empty identity"
	}
	if len(identity) > maxIdentityLength {
		return fmt.Sprintf("identity of %d bytes exceeds limit of %d", len(identity), maxIdentityLength)
	}
	if !utf8.ValidString(identity) {
		return "identity is not valid UTF-8"
	}
	for _, r := range identity {
		if unicode.IsControl(r) {
			return "identity contains control characters"
		}
	}
	return ""
}
