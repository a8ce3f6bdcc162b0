// Copyright 2026 The Multichat Authors
// SPDX-License-Identifier: Apache-2.0

package server

// RoomTable maps room identifiers to the set of subscribed connection
// IDs. Rooms exist exactly while they have members: the first Join
// creates a room, the last Leave deletes it. Like Registry, the table
// has no locking of its own — the Router serializes access and keeps
// the table consistent with each connection's own subscribed set.
type RoomTable struct {
	rooms map[string]map[ConnID]struct{}
}

// NewRoomTable returns an empty room table.
func NewRoomTable() *RoomTable {
	return &RoomTable{rooms: make(map[string]map[ConnID]struct{})}
}

// Join adds id to the room's member set, creating the room if needed.
// Returns false if id was already a member (the join is idempotent).
func (t *RoomTable) Join(room string, id ConnID) bool {
	members, ok := t.rooms[room]
	if !ok {
		members = make(map[ConnID]struct{})
		t.rooms[room] = members
	}
	if _, ok := members[id]; ok {
		return false
	}
	members[id] = struct{}{}
	return true
}

// Leave removes id from the room's member set, deleting the room when
// it empties. Returns false if id was not a member.
func (t *RoomTable) Leave(room string, id ConnID) bool {
	members, ok := t.rooms[room]
	if !ok {
		return false
	}
	if _, ok := members[id]; !ok {
		return false
	}
	delete(members, id)
	if len(members) == 0 {
		delete(t.rooms, room)
	}
	return true
}

// Members returns the room's member set, or nil if the room has none.
// The returned map is the table's own storage; callers iterate it
// under the Router's lock and never retain it.
func (t *RoomTable) Members(room string) map[ConnID]struct{} {
	return t.rooms[room]
}

// Len returns the number of rooms with at least one member.
func (t *RoomTable) Len() int { return len(t.rooms) }
