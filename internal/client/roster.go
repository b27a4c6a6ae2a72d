package client

import (
	"sync"

	"github.com/manpreetbhatti/lattice/coderoom/internal/protocol"
)

// Roster mirrors the room's participant list from presence events
type Roster struct {
	mu           sync.Mutex
	participants []protocol.Participant
	onChange     func([]protocol.Participant)
}

func NewRoster() *Roster {
	return &Roster{}
}

func (r *Roster) bind(b *binding) {
	b.on(protocol.KindCurrentParticipants, func(ev protocol.Event) {
		r.Replace(ev.(protocol.CurrentParticipants).Participants)
	})
	b.on(protocol.KindUserJoined, func(ev protocol.Event) {
		r.Add(ev.(protocol.UserJoined).Participant)
	})
	b.on(protocol.KindUserLeft, func(ev protocol.Event) {
		r.RemoveUsername(ev.(protocol.UserLeft).Username)
	})
	b.on(protocol.KindUserRemoved, func(ev protocol.Event) {
		r.RemoveUsername(ev.(protocol.UserRemoved).Username)
	})
}

func (r *Roster) OnChange(fn func([]protocol.Participant)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

// Replace swaps in a full snapshot, dropping repeated keys
func (r *Roster) Replace(list []protocol.Participant) {
	r.mu.Lock()
	r.participants = r.participants[:0]
	for _, p := range list {
		if !r.containsLocked(p.Key()) {
			r.participants = append(r.participants, p)
		}
	}
	r.notifyLocked()
}

// Add appends a participant unless the key is already present
func (r *Roster) Add(p protocol.Participant) bool {
	r.mu.Lock()
	if r.containsLocked(p.Key()) {
		r.mu.Unlock()
		return false
	}
	r.participants = append(r.participants, p)
	r.notifyLocked()
	return true
}

// RemoveUsername drops every participant with the username
func (r *Roster) RemoveUsername(username string) bool {
	r.mu.Lock()
	kept := r.participants[:0]
	for _, p := range r.participants {
		if p.Username != username {
			kept = append(kept, p)
		}
	}
	removed := len(kept) != len(r.participants)
	r.participants = kept
	if !removed {
		r.mu.Unlock()
		return false
	}
	r.notifyLocked()
	return true
}

func (r *Roster) Contains(key protocol.ParticipantKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.containsLocked(key)
}

func (r *Roster) Participants() []protocol.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Roster) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.participants)
}

func (r *Roster) containsLocked(key protocol.ParticipantKey) bool {
	for _, p := range r.participants {
		if p.Key() == key {
			return true
		}
	}
	return false
}

func (r *Roster) snapshotLocked() []protocol.Participant {
	out := make([]protocol.Participant, len(r.participants))
	copy(out, r.participants)
	return out
}

// notifyLocked releases the lock before calling the hook
func (r *Roster) notifyLocked() {
	list, hook := r.snapshotLocked(), r.onChange
	r.mu.Unlock()
	if hook != nil {
		hook(list)
	}
}
