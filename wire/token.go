// Copyright 2026 The Multichat Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
)

// TokenLength is the size of an access token in bytes. Tokens are
// 256-bit random values, written as 64 hexadecimal characters.
const TokenLength = 32

// ErrInvalidToken is returned when parsing a string that is not a
// well-formed access token or token digest.
var ErrInvalidToken = errors.New("wire: invalid access token")

// AccessToken authenticates a bridge to the server. It is a shared
// secret: the server's configuration holds only BLAKE3 digests of
// authorized tokens, never the tokens themselves.
type AccessToken [TokenLength]byte

// NewToken generates a fresh random access token.
func NewToken() (AccessToken, error) {
	var token AccessToken
	if _, err := rand.Read(token[:]); err != nil {
		return AccessToken{}, fmt.Errorf("generate access token: %w", err)
	}
	return token, nil
}

// ParseToken parses the 64-character hexadecimal form of a token.
func ParseToken(s string) (AccessToken, error) {
	var token AccessToken
	if len(s) != 2*TokenLength {
		return AccessToken{}, ErrInvalidToken
	}
	if _, err := hex.Decode(token[:], []byte(s)); err != nil {
		return AccessToken{}, ErrInvalidToken
	}
	return token, nil
}

// String returns the hexadecimal form of the token. This is the
// secret itself; it belongs in bridge configuration, never in logs.
func (t AccessToken) String() string {
	return hex.EncodeToString(t[:])
}

// Digest returns the BLAKE3 digest of the token. Digests are what the
// server stores and compares, so a leaked server configuration does
// not leak credentials.
func (t AccessToken) Digest() TokenDigest {
	return TokenDigest(blake3.Sum256(t[:]))
}

// TokenDigest is the BLAKE3 digest of an access token.
type TokenDigest [32]byte

// ParseTokenDigest parses the 64-character hexadecimal form of a
// token digest, as stored in server configuration.
func ParseTokenDigest(s string) (TokenDigest, error) {
	var digest TokenDigest
	if len(s) != 2*len(digest) {
		return TokenDigest{}, ErrInvalidToken
	}
	if _, err := hex.Decode(digest[:], []byte(s)); err != nil {
		return TokenDigest{}, ErrInvalidToken
	}
	return digest, nil
}

// String returns the hexadecimal form of the digest.
func (d TokenDigest) String() string {
	return hex.EncodeToString(d[:])
}

// Equal compares two digests in constant time.
func (d TokenDigest) Equal(other TokenDigest) bool {
	return subtle.ConstantTimeCompare(d[:], other[:]) == 1
}

// Fingerprint returns the first eight hexadecimal characters of the
// digest, enough to tell tokens apart in logs without disclosing
// anything useful to an attacker.
func (d TokenDigest) Fingerprint() string {
	return hex.EncodeToString(d[:4])
}

// DigestTokenBytes digests raw token bytes received in a handshake.
// The length is not checked here: digesting a wrong-length credential
// simply yields a digest that matches nothing.
func DigestTokenBytes(token []byte) TokenDigest {
	return TokenDigest(blake3.Sum256(token))
}
