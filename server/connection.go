// Copyright 2026 The Multichat Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"sync/atomic"
	"time"
)

// ConnID identifies a live connection slot in the registry. IDs are
// dense small integers and are reused once a connection is removed,
// so an ID is only meaningful while the connection it named is open.
type ConnID int

// Connection is the per-connection state owned by the registry. The
// session driver for a connection holds its ID and reaches state
// through the router; other connections only ever touch the outbound
// queue, and only through the router's synchronized fan-out.
//
// The peer, version, and rooms fields are guarded by the router's
// lock. lastActivity is atomic because the session's reader updates
// it on every inbound frame without taking the router lock.
type Connection struct {
	id      ConnID
	peer    string
	version uint32
	// pending is true between registry insertion at accept time and
	// handshake completion. A pending connection belongs to no rooms
	// and is skipped by shutdown notification.
	pending bool
	rooms   map[string]struct{}
	queue   *sendQueue

	lastActivity atomic.Int64
}

func newConnection(queueCapacity int, onDrop func()) *Connection {
	return &Connection{
		pending: true,
		rooms:   make(map[string]struct{}),
		queue:   newSendQueue(queueCapacity, onDrop),
	}
}

// ID returns the connection's registry slot ID.
func (c *Connection) ID() ConnID { return c.id }

// Peer returns the authenticated peer name, or "" while the handshake
// is still pending.
func (c *Connection) Peer() string { return c.peer }

// Version returns the negotiated protocol version.
func (c *Connection) Version() uint32 { return c.version }

// DroppedFrames returns how many Event frames have been shed from this
// connection's outbound queue under backpressure.
func (c *Connection) DroppedFrames() uint64 { return c.queue.droppedCount() }

// touch records inbound activity, deferring the next idle ping.
func (c *Connection) touch(now time.Time) {
	c.lastActivity.Store(now.UnixNano())
}

// idleSince reports whether the connection has seen no inbound frame
// for at least the given duration.
func (c *Connection) idleSince(now time.Time, d time.Duration) bool {
	return now.UnixNano()-c.lastActivity.Load() >= int64(d)
}
