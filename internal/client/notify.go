package client

import (
	"sync"

	"github.com/manpreetbhatti/lattice/coderoom/internal/protocol"
)

// NotificationQueue holds the author's pending join requests in arrival order.
// A (username, email) key appears at most once.
type NotificationQueue struct {
	mu       sync.Mutex
	entries  []protocol.JoinRequest
	onChange func([]protocol.JoinRequest)
}

func NewNotificationQueue() *NotificationQueue {
	return &NotificationQueue{}
}

// OnChange registers a hook called with a copy of the queue after each mutation
func (q *NotificationQueue) OnChange(fn func([]protocol.JoinRequest)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onChange = fn
}

// Push appends a request. It returns false if the key is already queued.
func (q *NotificationQueue) Push(req protocol.JoinRequest) bool {
	q.mu.Lock()
	for _, e := range q.entries {
		if e.Key() == req.Key() {
			q.mu.Unlock()
			return false
		}
	}
	q.entries = append(q.entries, req)
	list, hook := q.snapshotLocked(), q.onChange
	q.mu.Unlock()

	if hook != nil {
		hook(list)
	}
	return true
}

// Remove drops every entry with the key and reports whether any existed
func (q *NotificationQueue) Remove(key protocol.ParticipantKey) bool {
	q.mu.Lock()
	kept := q.entries[:0]
	removed := false
	for _, e := range q.entries {
		if e.Key() == key {
			removed = true
			continue
		}
		kept = append(kept, e)
	}
	q.entries = kept
	if !removed {
		q.mu.Unlock()
		return false
	}
	list, hook := q.snapshotLocked(), q.onChange
	q.mu.Unlock()

	if hook != nil {
		hook(list)
	}
	return true
}

func (q *NotificationQueue) Contains(key protocol.ParticipantKey) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.Key() == key {
			return true
		}
	}
	return false
}

func (q *NotificationQueue) List() []protocol.JoinRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

func (q *NotificationQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *NotificationQueue) snapshotLocked() []protocol.JoinRequest {
	out := make([]protocol.JoinRequest, len(q.entries))
	copy(out, q.entries)
	return out
}
