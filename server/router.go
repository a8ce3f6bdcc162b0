// Copyright 2026 The Multichat Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/htrefil/multichat/wire"
)

// Router owns the shared connection state: the registry and the room
// table live behind its single lock, so registration, membership
// changes, fan-out, and removal all serialize. Critical sections are
// short and purely in-memory — enqueueing onto a recipient is a
// non-blocking mailbox push, never a socket write — so the lock is
// never held across I/O.
//
// Holding both structures under one lock is what makes the invariants
// cheap: a connection's subscribed set and the room table's member
// sets change in the same critical section, and a broadcast either
// runs entirely before a removal or entirely after it, so a freed
// slot can never be enqueued onto.
type Router struct {
	logger   *slog.Logger
	metrics  *Metrics
	capacity int

	// dropped accumulates the drop counts of deregistered
	// connections, so the lifetime total survives slot reuse.
	dropped atomic.Uint64

	// mu guards registry and rooms together.
	mu       sync.Mutex
	registry Registry
	rooms    *RoomTable
}

// NewRouter returns a router with empty registry and room table.
// queueCapacity bounds each connection's outbound Event queue; zero
// means the default.
func NewRouter(logger *slog.Logger, metrics *Metrics, queueCapacity int) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Router{
		logger:   logger,
		metrics:  metrics,
		capacity: queueCapacity,
		rooms:    NewRoomTable(),
	}
}

// Register inserts a new pending connection and returns its ID. The
// connection joins no rooms and receives no broadcasts until Activate.
func (r *Router) Register() ConnID {
	conn := newConnection(r.capacity, r.metrics.framesDroppedTotal.Inc)

	r.mu.Lock()
	id := r.registry.Insert(conn)
	r.mu.Unlock()

	r.metrics.connectionsActive.Inc()
	return id
}

// Activate records a completed handshake: the authenticated peer name
// and the negotiated protocol version. Returns the connection, or nil
// if it was already removed.
func (r *Router) Activate(id ConnID, peer string, version uint32) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn := r.registry.Get(id)
	if conn == nil {
		return nil
	}
	conn.peer = peer
	conn.version = version
	conn.pending = false
	return conn
}

// Deregister removes the connection: it leaves every room it belonged
// to and its slot is freed, atomically with respect to broadcasts. The
// outbound queue is closed so late producers no-op; frames already
// queued remain poppable for the closing flush. Deregister is
// idempotent.
func (r *Router) Deregister(id ConnID) {
	r.mu.Lock()
	conn := r.registry.Remove(id)
	if conn != nil {
		for room := range conn.rooms {
			r.rooms.Leave(room, id)
		}
		conn.rooms = make(map[string]struct{})
	}
	rooms := r.roomCountLocked()
	r.mu.Unlock()

	if conn != nil {
		conn.queue.close()
		r.dropped.Add(conn.queue.droppedCount())
		r.metrics.connectionsActive.Dec()
		r.metrics.roomsActive.Set(float64(rooms))
	}
}

// DroppedFrames returns the lifetime count of frames shed by
// backpressure across all connections, including removed ones.
func (r *Router) DroppedFrames() uint64 {
	total := r.dropped.Load()
	r.mu.Lock()
	for _, conn := range r.registry.All() {
		total += conn.queue.droppedCount()
	}
	r.mu.Unlock()
	return total
}

// Join subscribes the connection to a room. Idempotent; joining a
// removed connection is a no-op returning false.
func (r *Router) Join(id ConnID, room string) bool {
	r.mu.Lock()
	conn := r.registry.Get(id)
	if conn == nil {
		r.mu.Unlock()
		return false
	}
	r.rooms.Join(room, id)
	conn.rooms[room] = struct{}{}
	rooms := r.roomCountLocked()
	r.mu.Unlock()

	r.metrics.roomsActive.Set(float64(rooms))
	return true
}

// Leave unsubscribes the connection from a room. Idempotent.
func (r *Router) Leave(id ConnID, room string) bool {
	r.mu.Lock()
	conn := r.registry.Get(id)
	if conn == nil {
		r.mu.Unlock()
		return false
	}
	r.rooms.Leave(room, id)
	delete(conn.rooms, room)
	rooms := r.roomCountLocked()
	r.mu.Unlock()

	r.metrics.roomsActive.Set(float64(rooms))
	return true
}

// Broadcast enqueues frame onto every current member of room except
// the originator, exactly once each. A room with no members drops the
// frame silently: rooms are not pre-provisioned and chat events are
// not guaranteed delivery. Returns how many recipients accepted the
// frame.
//
// Membership is read and all enqueues happen inside one critical
// section, so a concurrent join, leave, or disconnect affects only
// subsequent broadcasts, never this one.
func (r *Router) Broadcast(origin ConnID, room string, frame wire.Frame) int {
	delivered := 0

	r.mu.Lock()
	for id := range r.rooms.Members(room) {
		if id == origin {
			continue
		}
		conn := r.registry.Get(id)
		if conn == nil {
			// Members always hold registry slots; the two structures
			// change under the same lock. A dangling member is state
			// corruption worth shouting about, but one broken entry
			// must not take down every other connection.
			r.logger.Error("room member missing from registry",
				"room", room, "conn", int(id))
			continue
		}
		if conn.queue.push(frame) {
			delivered++
		}
	}
	r.mu.Unlock()

	r.metrics.broadcastsTotal.Inc()
	r.metrics.framesDeliveredTotal.Add(float64(delivered))
	return delivered
}

// Connection returns the connection with the given ID, or nil.
func (r *Router) Connection(id ConnID) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registry.Get(id)
}

// Connections returns a snapshot of all registered connections.
func (r *Router) Connections() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registry.All()
}

// RoomsOf returns the rooms the connection is subscribed to.
func (r *Router) RoomsOf(id ConnID) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn := r.registry.Get(id)
	if conn == nil {
		return nil
	}
	rooms := make([]string, 0, len(conn.rooms))
	for room := range conn.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

// ConnectionCount returns the number of registered connections.
func (r *Router) ConnectionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registry.Len()
}

// RoomCount returns the number of rooms with members.
func (r *Router) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.roomCountLocked()
}

func (r *Router) roomCountLocked() int {
	return r.rooms.Len()
}

// checkConsistency verifies the bidirectional membership invariant:
// a connection's subscribed set and the room table's member sets must
// mirror each other exactly. Violations indicate a bug in the router
// itself; tests call this after every mutation.
func (r *Router) checkConsistency() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for room, members := range r.rooms.rooms {
		for id := range members {
			conn := r.registry.Get(id)
			if conn == nil {
				return fmt.Errorf("room %q lists removed connection %d", room, id)
			}
			if _, ok := conn.rooms[room]; !ok {
				return fmt.Errorf("room %q lists connection %d which is not subscribed to it", room, id)
			}
		}
	}
	for _, conn := range r.registry.All() {
		for room := range conn.rooms {
			members := r.rooms.Members(room)
			if _, ok := members[conn.id]; !ok {
				return fmt.Errorf("connection %d subscribed to room %q which does not list it", conn.id, room)
			}
		}
	}
	return nil
}
