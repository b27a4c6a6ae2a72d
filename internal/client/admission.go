package client

import (
	"strings"
	"sync"

	"github.com/manpreetbhatti/lattice/coderoom/internal/protocol"
)

// BlockResult reports the outcome of a block request
type BlockResult struct {
	Email          string
	AlreadyBlocked bool
}

// Admission drives the author's moderation actions against the room
type Admission struct {
	ch     Channel
	roomID string
	queue  *NotificationQueue

	mu      sync.Mutex
	onBlock func(BlockResult)
}

func NewAdmission(ch Channel, roomID string, queue *NotificationQueue) *Admission {
	return &Admission{
		ch:     ch,
		roomID: roomID,
		queue:  queue,
	}
}

func (a *Admission) bind(b *binding) {
	b.on(protocol.KindJoinRequest, func(ev protocol.Event) {
		a.queue.Push(ev.(protocol.JoinRequest))
	})
	b.on(protocol.KindJoinRequestCancelled, func(ev protocol.Event) {
		e := ev.(protocol.JoinRequestCancelled)
		a.queue.Remove(protocol.ParticipantKey{Username: e.Username, Email: e.Email})
	})
	b.on(protocol.KindUserBlocked, func(ev protocol.Event) {
		a.blockResult(BlockResult{Email: ev.(protocol.UserBlocked).Email})
	})
	b.on(protocol.KindUserAlreadyBlocked, func(ev protocol.Event) {
		a.blockResult(BlockResult{Email: ev.(protocol.UserAlreadyBlocked).Email, AlreadyBlocked: true})
	})
}

// OnBlockResult registers a hook for userBlocked and userAlreadyBlocked
func (a *Admission) OnBlockResult(fn func(BlockResult)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onBlock = fn
}

func (a *Admission) blockResult(res BlockResult) {
	a.mu.Lock()
	hook := a.onBlock
	a.mu.Unlock()
	if hook != nil {
		hook(res)
	}
}

func (a *Admission) Queue() *NotificationQueue {
	return a.queue
}

// Approve admits a queued requester. A request no longer queued is a no-op,
// and the request stays queued when the intent cannot be sent.
func (a *Admission) Approve(req protocol.JoinRequest) error {
	if !a.queue.Contains(req.Key()) {
		return nil
	}
	err := a.ch.Emit(protocol.ApproveJoinRequest{
		RoomID:   a.roomID,
		Username: req.Username,
		Email:    req.Email,
	})
	if err != nil {
		return err
	}
	a.queue.Remove(req.Key())
	return nil
}

// Reject turns a queued requester away. A request no longer queued is a no-op.
func (a *Admission) Reject(req protocol.JoinRequest) error {
	if !a.queue.Contains(req.Key()) {
		return nil
	}
	err := a.ch.Emit(protocol.RejectJoinRequest{
		RoomID:   a.roomID,
		Username: req.Username,
		Email:    req.Email,
	})
	if err != nil {
		return err
	}
	a.queue.Remove(req.Key())
	return nil
}

// Remove evicts every member with the username
func (a *Admission) Remove(username string) error {
	return a.ch.Emit(protocol.RemoveParticipant{RoomID: a.roomID, Username: username})
}

func (a *Admission) Block(email string) error {
	return a.ch.Emit(protocol.BlockUser{RoomID: a.roomID, Email: strings.TrimSpace(email)})
}

// RemoveAndBlock evicts a member and keeps their email out of the room
func (a *Admission) RemoveAndBlock(username, email string) error {
	if err := a.Remove(username); err != nil {
		return err
	}
	return a.Block(email)
}
