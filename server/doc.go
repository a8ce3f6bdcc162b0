// Copyright 2026 The Multichat Authors
// SPDX-License-Identifier: Apache-2.0

// Package server implements the Multichat relay: the hub that accepts
// TLS connections from chat-platform bridges, authenticates them, and
// fans chat events out to every other bridge subscribed to the same
// room.
//
// The engine is organized around the connection data flow:
//
//   - connection.go: per-connection state and activity tracking
//   - registry.go: reusable-slot table of live connections
//   - rooms.go: room membership bookkeeping
//   - queue.go: bounded per-connection outbound queue with event shedding
//   - router.go: serialized fan-out across registry and room table
//   - handshake.go: version negotiation and access-token validation
//   - session.go: per-connection state machine and I/O loops
//   - server.go: accept loop and orderly shutdown
//   - metrics.go: Prometheus instrumentation
//
// One goroutine set per connection drives the session; the registry
// and room table are shared and guarded by a single short-held lock
// that is never held across socket I/O, so one slow peer cannot stall
// registry operations for the rest of the hub. A slow consumer is
// handled by shedding its oldest queued Event frames; control frames
// (Join/Leave/Ping/Pong/Error) are never dropped.
package server
