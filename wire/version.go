// Copyright 2026 The Multichat Authors
// SPDX-License-Identifier: Apache-2.0

package wire

// ProtocolVersion is the newest protocol revision this build speaks.
const ProtocolVersion uint32 = 1

// ProtocolVersionMin is the oldest revision this build still accepts.
// The window is currently a single version; it widens when a revision
// ships that older bridges must be able to keep talking through.
const ProtocolVersionMin uint32 = 1

// NegotiateVersion picks the effective protocol version for a
// connection whose peer declared peerVersion: the newer party talks
// down to the older one. It reports false when the peer is older than
// the supported minimum, in which case the connection must be refused
// with CodeVersionMismatch.
func NegotiateVersion(peerVersion uint32) (uint32, bool) {
	if peerVersion < ProtocolVersionMin {
		return 0, false
	}
	if peerVersion > ProtocolVersion {
		return ProtocolVersion, true
	}
	return peerVersion, true
}
