// Copyright 2026 The Multichat Authors
// SPDX-License-Identifier: Apache-2.0

package server

// Registry is a dense, reusable-slot table mapping ConnIDs to live
// connections. Insert reuses the most recently freed slot when one is
// available and grows the arena otherwise, so the table stays compact
// under connection churn instead of accumulating dead map entries.
//
// Registry is a plain data structure with no locking of its own: the
// Router serializes every access under its single lock, which is also
// what makes removal atomic with respect to in-flight broadcasts — a
// broadcast that started before a removal finishes before the slot
// can be freed, let alone reused.
type Registry struct {
	slots []*Connection
	free  []int
	count int
}

// Insert stores conn in a free slot (or a new one) and returns its ID.
// The ID is also stamped on the connection.
func (r *Registry) Insert(conn *Connection) ConnID {
	var index int
	if n := len(r.free); n > 0 {
		index = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		index = len(r.slots)
		r.slots = append(r.slots, nil)
	}
	r.slots[index] = conn
	conn.id = ConnID(index)
	r.count++
	return conn.id
}

// Get returns the connection in the given slot, or nil if the slot is
// free or the ID out of range.
func (r *Registry) Get(id ConnID) *Connection {
	if id < 0 || int(id) >= len(r.slots) {
		return nil
	}
	return r.slots[id]
}

// Remove frees the slot for reuse and returns the connection that
// occupied it, or nil if the slot was already free. Room-membership
// cleanup is the Router's job; Remove only manages the arena.
func (r *Registry) Remove(id ConnID) *Connection {
	conn := r.Get(id)
	if conn == nil {
		return nil
	}
	r.slots[id] = nil
	r.free = append(r.free, int(id))
	r.count--
	return conn
}

// Len returns the number of occupied slots.
func (r *Registry) Len() int { return r.count }

// All returns the currently occupied connections in slot order.
func (r *Registry) All() []*Connection {
	conns := make([]*Connection, 0, r.count)
	for _, conn := range r.slots {
		if conn != nil {
			conns = append(conns, conn)
		}
	}
	return conns
}
