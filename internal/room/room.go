package room

import (
	"time"

	"github.com/google/uuid"

	"github.com/manpreetbhatti/lattice/coderoom/internal/apperr"
	"github.com/manpreetbhatti/lattice/coderoom/internal/protocol"
)

// The shared document of a room. Last writer wins.
type Document struct {
	Content   string
	Language  string
	UpdatedBy string
}

type member struct {
	connID string
	protocol.Participant
}

type request struct {
	connID string
	protocol.Participant
}

// Room is the authoritative state of one collaboration session.
//
// A Room is not safe for concurrent use. The hub gives every room its own
// actor goroutine and only that goroutine touches the Room. Every operation
// returns an Outbox describing the events to deliver and the facts to
// persist; the Room itself performs no I/O.
type Room struct {
	ID string

	author     protocol.Participant
	authorConn string

	members     []member
	pending     []request
	blocked     map[string]struct{}
	doc         Document
	seen        map[string]struct{}
	chatAllowed bool
	closed      bool

	now   func() time.Time
	newID func() string
}

type Option func(*Room)

// WithBlocked preloads the durable block list
func WithBlocked(emails []string) Option {
	return func(r *Room) {
		for _, e := range emails {
			r.blocked[protocol.NormalizeEmail(e)] = struct{}{}
		}
	}
}

// WithClock overrides the time source used for messages without a timestamp
func WithClock(now func() time.Time) Option {
	return func(r *Room) { r.now = now }
}

// WithIDs overrides the generator used for messages without an id
func WithIDs(newID func() string) Option {
	return func(r *Room) { r.newID = newID }
}

// Creates an empty room with no author yet
func New(id string, opts ...Option) *Room {
	r := &Room{
		ID:          id,
		blocked:     make(map[string]struct{}),
		seen:        make(map[string]struct{}),
		chatAllowed: true,
		now:         time.Now,
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Join admits an author, queues a join request, or refuses the attempt.
func (r *Room) Join(connID string, in protocol.JoinRoom) (Outbox, error) {
	var out Outbox

	if r.closed {
		out.send(connID, protocol.RoomStatus{RoomExists: false})
		return out, nil
	}
	if r.memberIndex(connID) >= 0 || r.pendingIndexByConn(connID) >= 0 {
		return out, nil
	}

	p := protocol.Participant{Username: in.Username, Email: in.Email}

	if r.isBlocked(p.Email) {
		out.send(connID, protocol.JoinBlockedUserError{RoomID: r.ID})
		return out, nil
	}

	if p.Email != "" && r.emailInUse(p.Email) {
		out.send(connID, protocol.EmailInUse{IsAlreadyInUse: true})
	}

	if in.IsAuthor && r.authorConn == "" && r.author.Username == "" {
		r.author = p
		r.authorConn = connID
		r.members = append(r.members, member{connID: connID, Participant: p})

		out.send(connID, protocol.CurrentParticipants{Participants: r.participants()})
		r.broadcast(&out, protocol.UserJoined{Participant: p})
		out.record(Fact{Kind: FactAuthorAssigned, Participant: p})
		return out, nil
	}

	if r.authorConn == "" {
		out.send(connID, protocol.RoomStatus{RoomExists: false})
		return out, nil
	}

	if idx := r.pendingIndex(p.Key()); idx >= 0 {
		// Newest connection wins; the author already has this request queued.
		if prev := r.pending[idx].connID; prev != connID {
			out.send(prev, protocol.JoinRequestRejected{RoomID: r.ID})
		}
		r.pending[idx].connID = connID
		return out, nil
	}

	r.pending = append(r.pending, request{connID: connID, Participant: p})
	out.send(r.authorConn, protocol.JoinRequest{Username: p.Username, Email: p.Email})
	return out, nil
}

// Approve promotes a pending request to a participant. Unknown requests are a no-op.
func (r *Room) Approve(connID string, in protocol.ApproveJoinRequest) (Outbox, error) {
	var out Outbox
	if err := r.requireAuthor(connID, "approve join request"); err != nil {
		return out, err
	}

	idx := r.pendingIndex(protocol.ParticipantKey{Username: in.Username, Email: in.Email})
	if idx < 0 {
		return out, nil
	}
	req := r.pending[idx]
	r.pending = append(r.pending[:idx], r.pending[idx+1:]...)

	// An older connection under the same key is displaced by the approved one.
	for _, m := range r.dropMemberByKey(req.Key()) {
		out.send(m.connID, protocol.YouWereRemoved{RoomID: r.ID})
		r.broadcast(&out, protocol.UserLeft{Participant: m.Participant})
		out.record(Fact{Kind: FactDeparted, Participant: m.Participant, Reason: "replaced"})
	}
	r.members = append(r.members, member{connID: req.connID, Participant: req.Participant})

	out.send(req.connID, protocol.JoinRequestApproved{RoomID: r.ID})
	out.send(req.connID, protocol.CurrentParticipants{Participants: r.participants()})
	if r.doc.Content != "" {
		out.send(req.connID, protocol.CodeUpdate{Content: r.doc.Content})
	}
	if !r.chatAllowed {
		out.send(req.connID, protocol.ChatPermission{Allowed: false})
	}
	r.broadcast(&out, protocol.UserJoined{Participant: req.Participant})
	out.record(Fact{Kind: FactAdmitted, Participant: req.Participant})
	return out, nil
}

// Reject discards a pending request. Unknown requests are a no-op.
func (r *Room) Reject(connID string, in protocol.RejectJoinRequest) (Outbox, error) {
	var out Outbox
	if err := r.requireAuthor(connID, "reject join request"); err != nil {
		return out, err
	}

	idx := r.pendingIndex(protocol.ParticipantKey{Username: in.Username, Email: in.Email})
	if idx < 0 {
		return out, nil
	}
	req := r.pending[idx]
	r.pending = append(r.pending[:idx], r.pending[idx+1:]...)

	out.send(req.connID, protocol.JoinRequestRejected{RoomID: r.ID})
	return out, nil
}

// Remove evicts every participant with the given username.
func (r *Room) Remove(connID string, in protocol.RemoveParticipant) (Outbox, error) {
	var out Outbox
	if err := r.requireAuthor(connID, "remove participant"); err != nil {
		return out, err
	}
	if in.Username == r.author.Username {
		return out, apperr.InvalidArgument("the host cannot remove themselves")
	}

	var removed []member
	kept := r.members[:0]
	for _, m := range r.members {
		if m.Username == in.Username && m.connID != r.authorConn {
			removed = append(removed, m)
			continue
		}
		kept = append(kept, m)
	}
	r.members = kept

	for _, m := range removed {
		out.send(m.connID, protocol.YouWereRemoved{RoomID: r.ID})
	}
	for _, m := range removed {
		r.broadcast(&out, protocol.UserRemoved{Participant: m.Participant})
		out.record(Fact{Kind: FactDeparted, Participant: m.Participant, Reason: "removed"})
	}
	return out, nil
}

// Block adds an email to the room's block list. Participants are not evicted.
func (r *Room) Block(connID string, in protocol.BlockUser) (Outbox, error) {
	var out Outbox
	if err := r.requireAuthor(connID, "block user"); err != nil {
		return out, err
	}

	email := protocol.NormalizeEmail(in.Email)
	if email == "" {
		return out, apperr.InvalidArgument("email is required")
	}
	if r.isBlocked(email) {
		out.send(connID, protocol.UserAlreadyBlocked{Email: in.Email})
		return out, nil
	}

	r.blocked[email] = struct{}{}
	out.send(connID, protocol.UserBlocked{Email: in.Email})
	out.record(Fact{Kind: FactBlocked, Email: email})

	kept := r.pending[:0]
	for _, req := range r.pending {
		if protocol.NormalizeEmail(req.Email) == email {
			out.send(req.connID, protocol.JoinRequestRejected{RoomID: r.ID})
			out.send(r.authorConn, protocol.JoinRequestCancelled{Username: req.Username, Email: req.Email})
			continue
		}
		kept = append(kept, req)
	}
	r.pending = kept
	return out, nil
}

// BlockedStatus answers whether an email may attempt to join
func (r *Room) BlockedStatus(connID string, in protocol.CheckBlockedStatus) Outbox {
	var out Outbox
	out.send(connID, protocol.BlockedStatus{IsBlocked: r.isBlocked(in.Email)})
	return out
}

// Leave handles an explicit leave intent.
func (r *Room) Leave(connID string) Outbox {
	return r.depart(connID, "left")
}

// Disconnect handles a dropped connection the same way as a leave.
func (r *Room) Disconnect(connID string) Outbox {
	return r.depart(connID, "disconnected")
}

func (r *Room) depart(connID, reason string) Outbox {
	var out Outbox
	if r.closed {
		return out
	}

	if connID == r.authorConn {
		return r.shutdown("author "+reason, false)
	}

	if idx := r.memberIndex(connID); idx >= 0 {
		m := r.members[idx]
		// The leaver is told too, so a lingering client can navigate away.
		r.broadcast(&out, protocol.UserLeft{Participant: m.Participant})
		r.members = append(r.members[:idx], r.members[idx+1:]...)
		out.record(Fact{Kind: FactDeparted, Participant: m.Participant, Reason: reason})
		return out
	}

	if idx := r.pendingIndexByConn(connID); idx >= 0 {
		req := r.pending[idx]
		r.pending = append(r.pending[:idx], r.pending[idx+1:]...)
		out.send(r.authorConn, protocol.JoinRequestCancelled{Username: req.Username, Email: req.Email})
	}
	return out
}

// Close ends the room for everyone, the author included.
func (r *Room) Close(reason string) Outbox {
	if r.closed {
		return Outbox{}
	}
	return r.shutdown(reason, true)
}

func (r *Room) shutdown(reason string, notifyAuthor bool) Outbox {
	var out Outbox
	for _, m := range r.members {
		if m.connID == r.authorConn && !notifyAuthor {
			continue
		}
		out.send(m.connID, protocol.RoomClosed{RoomID: r.ID})
	}
	for _, req := range r.pending {
		out.send(req.connID, protocol.RoomClosed{RoomID: r.ID})
	}

	r.members = nil
	r.pending = nil
	r.authorConn = ""
	r.closed = true
	out.record(Fact{Kind: FactClosed, Reason: reason})
	return out
}

// SendMessage appends to the chat log and fans the message out to every member.
func (r *Room) SendMessage(connID string, in protocol.SendMessage) (Outbox, error) {
	var out Outbox
	idx := r.memberIndex(connID)
	if idx < 0 {
		return out, apperr.NotAMember(r.ID)
	}
	if !r.chatAllowed && connID != r.authorConn {
		return out, apperr.ChatDisabled(r.ID)
	}

	id := in.ID
	if id == "" {
		id = r.newID()
	}
	if _, dup := r.seen[id]; dup {
		return out, nil
	}
	r.seen[id] = struct{}{}

	ts := in.Timestamp
	if ts.IsZero() {
		ts = r.now()
	}

	msg := protocol.NewMessage{
		ID:        id,
		Sender:    r.members[idx].Username,
		Message:   in.Message,
		Timestamp: ts.UTC(),
	}
	r.broadcast(&out, msg)
	out.record(Fact{Kind: FactMessageAppended, Message: msg})
	return out, nil
}

// CodeChange replaces the document and echoes it to every member, sender included.
func (r *Room) CodeChange(connID string, in protocol.CodeChange) (Outbox, error) {
	var out Outbox
	idx := r.memberIndex(connID)
	if idx < 0 {
		return out, apperr.NotAMember(r.ID)
	}

	sender := r.members[idx].Username
	r.doc.Content = in.Content
	r.doc.UpdatedBy = sender
	if in.Language != "" {
		r.doc.Language = in.Language
	}

	r.broadcast(&out, protocol.CodeUpdate{Content: in.Content, Sender: sender})
	out.record(Fact{Kind: FactDocumentChanged, Document: r.doc})
	return out, nil
}

// SetChatPermission toggles whether non-authors may send messages.
func (r *Room) SetChatPermission(connID string, in protocol.SetChatPermission) (Outbox, error) {
	var out Outbox
	if err := r.requireAuthor(connID, "change chat permission"); err != nil {
		return out, err
	}
	if r.chatAllowed == in.Allowed {
		return out, nil
	}

	r.chatAllowed = in.Allowed
	r.broadcast(&out, protocol.ChatPermission{Allowed: in.Allowed})
	out.record(Fact{Kind: FactChatPermission, Allowed: in.Allowed})
	return out, nil
}

// Read-only view of a room for the API
type Info struct {
	ID           string
	Author       protocol.Participant
	Participants []protocol.Participant
	Pending      []protocol.JoinRequest
	BlockedCount int
	ChatAllowed  bool
	Document     Document
	Closed       bool
}

func (r *Room) Info() Info {
	pending := make([]protocol.JoinRequest, len(r.pending))
	for i, req := range r.pending {
		pending[i] = protocol.JoinRequest{Username: req.Username, Email: req.Email}
	}
	return Info{
		ID:           r.ID,
		Author:       r.author,
		Participants: r.participants(),
		Pending:      pending,
		BlockedCount: len(r.blocked),
		ChatAllowed:  r.chatAllowed,
		Document:     r.doc,
		Closed:       r.closed,
	}
}

// HasAuthor reports whether an author holds the room
func (r *Room) HasAuthor() bool {
	return r.authorConn != ""
}

// Closed reports whether the room has ended
func (r *Room) Closed() bool {
	return r.closed
}

// Connections returns every connection that currently belongs to the room
func (r *Room) Connections() []string {
	conns := make([]string, 0, len(r.members)+len(r.pending))
	for _, m := range r.members {
		conns = append(conns, m.connID)
	}
	for _, req := range r.pending {
		conns = append(conns, req.connID)
	}
	return conns
}

// MemberCount returns the number of admitted participants, author included
func (r *Room) MemberCount() int {
	return len(r.members)
}

func (r *Room) requireAuthor(connID, action string) error {
	if r.closed || connID == "" || connID != r.authorConn {
		return apperr.PermissionDenied(action)
	}
	return nil
}

func (r *Room) broadcast(out *Outbox, ev protocol.Event) {
	for _, m := range r.members {
		out.send(m.connID, ev)
	}
}

func (r *Room) participants() []protocol.Participant {
	list := make([]protocol.Participant, len(r.members))
	for i, m := range r.members {
		list[i] = m.Participant
	}
	return list
}

func (r *Room) isBlocked(email string) bool {
	email = protocol.NormalizeEmail(email)
	if email == "" {
		return false
	}
	_, ok := r.blocked[email]
	return ok
}

func (r *Room) emailInUse(email string) bool {
	email = protocol.NormalizeEmail(email)
	for _, m := range r.members {
		if protocol.NormalizeEmail(m.Email) == email {
			return true
		}
	}
	return false
}

func (r *Room) memberIndex(connID string) int {
	for i, m := range r.members {
		if m.connID == connID {
			return i
		}
	}
	return -1
}

func (r *Room) dropMemberByKey(key protocol.ParticipantKey) []member {
	var dropped []member
	kept := r.members[:0]
	for _, m := range r.members {
		if m.Key() == key && m.connID != r.authorConn {
			dropped = append(dropped, m)
			continue
		}
		kept = append(kept, m)
	}
	r.members = kept
	return dropped
}

func (r *Room) pendingIndex(key protocol.ParticipantKey) int {
	for i, req := range r.pending {
		if req.Key() == key {
			return i
		}
	}
	return -1
}

func (r *Room) pendingIndexByConn(connID string) int {
	for i, req := range r.pending {
		if req.connID == connID {
			return i
		}
	}
	return -1
}
