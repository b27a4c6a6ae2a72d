package ws

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/manpreetbhatti/lattice/coderoom/internal/apperr"
	"github.com/manpreetbhatti/lattice/coderoom/internal/db"
	"github.com/manpreetbhatti/lattice/coderoom/internal/events"
	"github.com/manpreetbhatti/lattice/coderoom/internal/protocol"
	"github.com/manpreetbhatti/lattice/coderoom/internal/room"
)

const (
	inboxSize      = 256
	publishTimeout = 2 * time.Second
)

type opKind int

const (
	opEvent opKind = iota
	opDisconnect
	opClose
	opInfo
)

type op struct {
	kind   opKind
	client *Client
	event  protocol.Event
	reason string
	reply  chan room.Info
}

// roomActor serializes every mutation of one room on its own goroutine
type roomActor struct {
	id     string
	hub    *Hub
	room   *room.Room
	inbox  chan op
	done   chan struct{}
	conns  map[string]*Client
	logger *zap.Logger

	closed      atomic.Bool
	memberCount atomic.Int32
}

func newRoomActor(h *Hub, id string) *roomActor {
	return &roomActor{
		id:     id,
		hub:    h,
		inbox:  make(chan op, inboxSize),
		done:   make(chan struct{}),
		conns:  make(map[string]*Client),
		logger: h.logger.With(zap.String("room_id", id)),
	}
}

func (a *roomActor) isClosed() bool { return a.closed.Load() }

func (a *roomActor) members() int { return int(a.memberCount.Load()) }

func (a *roomActor) enqueue(o op) bool {
	select {
	case a.inbox <- o:
		return true
	case <-a.done:
		return false
	}
}

func (a *roomActor) submit(c *Client, ev protocol.Event) {
	if !a.enqueue(op{kind: opEvent, client: c, event: ev}) {
		c.deliverError(apperr.RoomNotFound(a.id))
	}
}

func (a *roomActor) disconnect(c *Client) {
	a.enqueue(op{kind: opDisconnect, client: c})
}

func (a *roomActor) close(reason string) {
	a.enqueue(op{kind: opClose, reason: reason})
}

func (a *roomActor) info(ctx context.Context) (room.Info, error) {
	reply := make(chan room.Info, 1)
	if !a.enqueue(op{kind: opInfo, reply: reply}) {
		return room.Info{}, apperr.RoomNotFound(a.id)
	}
	select {
	case info := <-reply:
		return info, nil
	case <-a.done:
		return room.Info{}, apperr.RoomNotFound(a.id)
	case <-ctx.Done():
		return room.Info{}, ctx.Err()
	}
}

func (a *roomActor) run() {
	a.room = room.New(a.id, room.WithBlocked(a.loadBlocked()))

	defer func() {
		a.closed.Store(true)
		close(a.done)
		select {
		case a.hub.finished <- a:
		case <-a.hub.stop:
		}
	}()

	for {
		select {
		case <-a.hub.stop:
			a.apply(a.room.Close("server shutting down"))
			return

		case o := <-a.inbox:
			a.handle(o)
			a.memberCount.Store(int32(a.room.MemberCount()))

			// A room ends with its author. A creating join refused by the
			// block list also leaves it without one.
			if a.room.Closed() || !a.room.HasAuthor() {
				if !a.room.Closed() {
					a.apply(a.room.Close("no author"))
				}
				return
			}
		}
	}
}

func (a *roomActor) loadBlocked() []string {
	if a.hub.store == nil {
		return nil
	}
	entries, err := a.hub.store.ListBlocked(a.id)
	if err != nil {
		a.logger.Error("Failed to load block list", zap.Error(err))
		return nil
	}
	emails := make([]string, len(entries))
	for i, e := range entries {
		emails[i] = e.Email
	}
	return emails
}

func (a *roomActor) handle(o op) {
	switch o.kind {
	case opInfo:
		o.reply <- a.room.Info()

	case opClose:
		a.apply(a.room.Close(o.reason))

	case opDisconnect:
		a.apply(a.room.Disconnect(o.client.id))
		delete(a.conns, o.client.id)

	case opEvent:
		out, err := a.dispatch(o.client, o.event)
		if err != nil {
			a.logger.Debug("Intent refused",
				zap.String("client_id", o.client.id),
				zap.String("event", o.event.Kind().String()),
				zap.Error(err),
			)
			o.client.deliverError(err)
		}
		a.apply(out)
	}
}

func (a *roomActor) dispatch(c *Client, ev protocol.Event) (room.Outbox, error) {
	switch e := ev.(type) {
	case protocol.JoinRoom:
		a.conns[c.id] = c
		return a.room.Join(c.id, e)
	case protocol.CheckBlockedStatus:
		a.conns[c.id] = c
		return a.room.BlockedStatus(c.id, e), nil
	case protocol.ApproveJoinRequest:
		return a.room.Approve(c.id, e)
	case protocol.RejectJoinRequest:
		return a.room.Reject(c.id, e)
	case protocol.RemoveParticipant:
		return a.room.Remove(c.id, e)
	case protocol.BlockUser:
		return a.room.Block(c.id, e)
	case protocol.LeaveRoom:
		return a.room.Leave(c.id), nil
	case protocol.SendMessage:
		return a.room.SendMessage(c.id, e)
	case protocol.CodeChange:
		return a.room.CodeChange(c.id, e)
	case protocol.SetChatPermission:
		return a.room.SetChatPermission(c.id, e)
	default:
		return room.Outbox{}, apperr.InvalidArgument("unsupported intent: " + ev.Kind().String())
	}
}

// apply delivers an outbox, then persists and publishes its facts
func (a *roomActor) apply(out room.Outbox) {
	// Flag before delivering so nobody told roomClosed can still find the room
	if a.room.Closed() {
		a.closed.Store(true)
	}
	for _, d := range out.Deliveries {
		if c, ok := a.conns[d.To]; ok {
			c.deliver(d.Event)
		}
	}
	for _, f := range out.Facts {
		a.persist(f)
		a.publish(f)
	}
	a.prune()
}

// prune forgets connections the room no longer knows about
func (a *roomActor) prune() {
	live := make(map[string]struct{}, len(a.conns))
	for _, id := range a.room.Connections() {
		live[id] = struct{}{}
	}
	for id := range a.conns {
		if _, ok := live[id]; !ok {
			delete(a.conns, id)
		}
	}
}

func (a *roomActor) persist(f room.Fact) {
	store := a.hub.store
	if store == nil {
		return
	}

	var err error
	switch f.Kind {
	case room.FactAuthorAssigned:
		err = store.CreateRoom(a.id, f.Participant.Username, f.Participant.Email)
	case room.FactBlocked:
		_, err = store.BlockEmail(a.id, f.Email)
	case room.FactMessageAppended:
		err = store.SaveMessage(db.Message{
			ID:      f.Message.ID,
			RoomID:  a.id,
			Sender:  f.Message.Sender,
			Content: f.Message.Message,
			SentAt:  f.Message.Timestamp,
		})
	case room.FactDocumentChanged:
		err = store.SaveSnapshot(db.Snapshot{
			RoomID:    a.id,
			Content:   f.Document.Content,
			Language:  f.Document.Language,
			UpdatedBy: f.Document.UpdatedBy,
		})
	case room.FactClosed:
		err = store.CloseRoom(a.id)
	}

	if err != nil {
		a.logger.Error("Failed to persist room fact", zap.Stringer("fact", f.Kind), zap.Error(err))
	}
}

func (a *roomActor) publish(f room.Fact) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	ev := events.Event{RoomID: a.id, Type: f.Kind.String(), At: time.Now().UTC(), Data: factData(f)}
	if err := a.hub.publisher.Publish(ctx, ev); err != nil {
		a.logger.Warn("Failed to publish room fact", zap.Stringer("fact", f.Kind), zap.Error(err))
	}
}

func factData(f room.Fact) any {
	switch f.Kind {
	case room.FactAuthorAssigned, room.FactAdmitted:
		return f.Participant
	case room.FactDeparted:
		return map[string]string{"username": f.Participant.Username, "email": f.Participant.Email, "reason": f.Reason}
	case room.FactBlocked:
		return map[string]string{"email": f.Email}
	case room.FactMessageAppended:
		return f.Message
	case room.FactDocumentChanged:
		return map[string]string{"updated_by": f.Document.UpdatedBy, "language": f.Document.Language}
	case room.FactChatPermission:
		return map[string]bool{"allowed": f.Allowed}
	case room.FactClosed:
		return map[string]string{"reason": f.Reason}
	default:
		return nil
	}
}
