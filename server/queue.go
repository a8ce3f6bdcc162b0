// Copyright 2026 The Multichat Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"sync"
	"sync/atomic"

	"github.com/htrefil/multichat/wire"
)

// defaultQueueCapacity bounds the number of Event frames queued for a
// single connection. Matches the original deployment's update buffer.
const defaultQueueCapacity = 256

// sendQueue is a connection's outbound mailbox. Producers (the router
// fanning out broadcasts, the session answering pings) push frames;
// the connection's writer goroutine pops and writes them, preserving
// push order.
//
// The capacity bounds queued Event frames only. When a push would
// exceed it, the oldest queued Event frame is shed and counted —
// chat events tolerate gaps, so a slow consumer costs itself history
// instead of stalling the hub or exhausting memory. Control frames
// are never shed: liveness correctness depends on them, and only the
// server originates them (the handshake ack, at most one outstanding
// liveness ping, the closing error frame), so a peer cannot inflate
// their count. The session driver rejects inbound Pings for exactly
// that reason.
type sendQueue struct {
	mu       sync.Mutex
	frames   []wire.Frame
	events   int
	capacity int
	closed   bool

	dropped atomic.Uint64
	// onDrop, when set, is called once per shed frame. The router uses
	// it to feed the server-wide drop counter.
	onDrop func()

	// ready has capacity 1 and carries "the queue may have frames";
	// the writer drains until pop reports empty.
	ready chan struct{}
}

func newSendQueue(capacity int, onDrop func()) *sendQueue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &sendQueue{
		capacity: capacity,
		onDrop:   onDrop,
		ready:    make(chan struct{}, 1),
	}
}

// push appends a frame, applying the shedding policy. It reports
// whether the frame was accepted; pushing to a closed queue is a
// no-op returning false. push never blocks.
func (q *sendQueue) push(frame wire.Frame) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}

	if !frame.Type.Control() && q.events >= q.capacity {
		q.shedOldestEventLocked()
	}
	q.frames = append(q.frames, frame)
	if !frame.Type.Control() {
		q.events++
	}
	q.mu.Unlock()

	q.signal()
	return true
}

// shedOldestEventLocked removes the oldest queued Event frame and
// counts the drop. The caller guarantees at least one is queued.
func (q *sendQueue) shedOldestEventLocked() {
	for i, frame := range q.frames {
		if !frame.Type.Control() {
			q.frames = append(q.frames[:i], q.frames[i+1:]...)
			q.events--
			q.dropped.Add(1)
			if q.onDrop != nil {
				q.onDrop()
			}
			return
		}
	}
}

// pop removes and returns the oldest frame. Returns false when the
// queue is empty; after close, pop keeps returning queued frames
// until the queue drains, so closing means "no new frames", not
// "discard pending ones".
func (q *sendQueue) pop() (wire.Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.frames) == 0 {
		return wire.Frame{}, false
	}
	frame := q.frames[0]
	q.frames = q.frames[1:]
	if len(q.frames) == 0 {
		q.frames = nil
	}
	if !frame.Type.Control() {
		q.events--
	}
	return frame, true
}

// close stops accepting new frames and wakes the writer so it can
// drain the remainder and exit. Safe to call more than once.
func (q *sendQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

// isClosed reports whether close has been called.
func (q *sendQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// len returns the number of queued frames.
func (q *sendQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// droppedCount returns the number of Event frames shed so far.
func (q *sendQueue) droppedCount() uint64 {
	return q.dropped.Load()
}

func (q *sendQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
