package protocol

import "time"

// Event is implemented by every payload that can travel over a room channel.
type Event interface {
	Kind() Kind
}

// A member of a room, keyed by (username, email)
type Participant struct {
	Username string `json:"username" validate:"required,max=64"`
	Email    string `json:"email" validate:"omitempty,email,max=254"`
}

// Key is the roster and queue identity of a participant
func (p Participant) Key() ParticipantKey {
	return ParticipantKey{Username: p.Username, Email: p.Email}
}

type ParticipantKey struct {
	Username string
	Email    string
}

// Intents

type RoomExists struct {
	RoomID string `json:"roomId" validate:"required,max=128"`
}

type JoinRoom struct {
	RoomID   string `json:"roomId" validate:"required,max=128"`
	Username string `json:"username" validate:"required,max=64"`
	IsAuthor bool   `json:"isAuthor"`
	Email    string `json:"email" validate:"omitempty,email,max=254"`
}

type CheckBlockedStatus struct {
	RoomID string `json:"roomId" validate:"required,max=128"`
	Email  string `json:"email" validate:"omitempty,email,max=254"`
}

type ApproveJoinRequest struct {
	RoomID   string `json:"roomId" validate:"required,max=128"`
	Username string `json:"username" validate:"required,max=64"`
	Email    string `json:"email" validate:"omitempty,email,max=254"`
}

type RejectJoinRequest struct {
	RoomID   string `json:"roomId" validate:"required,max=128"`
	Username string `json:"username" validate:"required,max=64"`
	Email    string `json:"email" validate:"omitempty,email,max=254"`
}

type RemoveParticipant struct {
	RoomID   string `json:"roomId" validate:"required,max=128"`
	Username string `json:"username" validate:"required,max=64"`
}

type BlockUser struct {
	RoomID string `json:"roomId" validate:"required,max=128"`
	Email  string `json:"email" validate:"required,email,max=254"`
}

type LeaveRoom struct {
	RoomID   string `json:"roomId" validate:"required,max=128"`
	Username string `json:"username" validate:"max=64"`
}

type SendMessage struct {
	RoomID    string    `json:"roomId" validate:"required,max=128"`
	ID        string    `json:"id" validate:"max=64"`
	Message   string    `json:"message" validate:"required,max=4096"`
	Sender    string    `json:"sender" validate:"max=64"`
	Timestamp time.Time `json:"timestamp"`
}

type CodeChange struct {
	RoomID   string `json:"roomId" validate:"required,max=128"`
	Content  string `json:"content" validate:"max=1048576"`
	Username string `json:"username" validate:"max=64"`
	Language string `json:"language,omitempty" validate:"omitempty,oneof=javascript cpp python"`
}

type SetChatPermission struct {
	RoomID  string `json:"roomId" validate:"required,max=128"`
	Allowed bool   `json:"allowed"`
}

// Notifications

type RoomStatus struct {
	RoomExists bool `json:"roomExists"`
}

type BlockedStatus struct {
	IsBlocked bool `json:"isBlocked"`
}

type JoinBlockedUserError struct {
	RoomID string `json:"roomId,omitempty"`
}

type CurrentParticipants struct {
	Participants []Participant `json:"participants"`
}

type JoinRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

// Key is the queue identity of the request
func (r JoinRequest) Key() ParticipantKey {
	return ParticipantKey{Username: r.Username, Email: r.Email}
}

type JoinRequestApproved struct {
	RoomID string `json:"roomId"`
}

type JoinRequestRejected struct {
	RoomID string `json:"roomId"`
}

// Sent to the author when a pending request is withdrawn by disconnect or block
type JoinRequestCancelled struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

type UserJoined struct {
	Participant
}

type UserLeft struct {
	Participant
}

type UserRemoved struct {
	Participant
}

type YouWereRemoved struct {
	RoomID string `json:"roomId,omitempty"`
}

type RoomClosed struct {
	RoomID string `json:"roomId,omitempty"`
}

type NewMessage struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type CodeUpdate struct {
	Content string `json:"content"`
	Sender  string `json:"sender"`
}

type UserBlocked struct {
	Email string `json:"email"`
}

type UserAlreadyBlocked struct {
	Email string `json:"email"`
}

type EmailInUse struct {
	IsAlreadyInUse bool `json:"isAlreadyInUse"`
}

type ChatPermission struct {
	Allowed bool `json:"allowed"`
}

// Refusal of an intent, delivered only to the sender
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Local transport events

type Connect struct{}

type ConnectError struct {
	Err string `json:"error"`
}

type Disconnect struct {
	Reason string `json:"reason"`
}

type ReconnectAttempt struct {
	Attempt int `json:"attempt"`
}

func (RoomExists) Kind() Kind           { return KindRoomExists }
func (JoinRoom) Kind() Kind             { return KindJoinRoom }
func (CheckBlockedStatus) Kind() Kind   { return KindCheckBlockedStatus }
func (ApproveJoinRequest) Kind() Kind   { return KindApproveJoinRequest }
func (RejectJoinRequest) Kind() Kind    { return KindRejectJoinRequest }
func (RemoveParticipant) Kind() Kind    { return KindRemoveParticipant }
func (BlockUser) Kind() Kind            { return KindBlockUser }
func (LeaveRoom) Kind() Kind            { return KindLeaveRoom }
func (SendMessage) Kind() Kind          { return KindSendMessage }
func (CodeChange) Kind() Kind           { return KindCodeChange }
func (SetChatPermission) Kind() Kind    { return KindSetChatPermission }
func (RoomStatus) Kind() Kind           { return KindRoomStatus }
func (BlockedStatus) Kind() Kind        { return KindBlockedStatus }
func (JoinBlockedUserError) Kind() Kind { return KindJoinBlockedUserError }
func (CurrentParticipants) Kind() Kind  { return KindCurrentParticipants }
func (JoinRequest) Kind() Kind          { return KindJoinRequest }
func (JoinRequestApproved) Kind() Kind  { return KindJoinRequestApproved }
func (JoinRequestRejected) Kind() Kind  { return KindJoinRequestRejected }
func (JoinRequestCancelled) Kind() Kind { return KindJoinRequestCancelled }
func (UserJoined) Kind() Kind           { return KindUserJoined }
func (UserLeft) Kind() Kind             { return KindUserLeft }
func (UserRemoved) Kind() Kind          { return KindUserRemoved }
func (YouWereRemoved) Kind() Kind       { return KindYouWereRemoved }
func (RoomClosed) Kind() Kind           { return KindRoomClosed }
func (NewMessage) Kind() Kind           { return KindNewMessage }
func (CodeUpdate) Kind() Kind           { return KindCodeUpdate }
func (UserBlocked) Kind() Kind          { return KindUserBlocked }
func (UserAlreadyBlocked) Kind() Kind   { return KindUserAlreadyBlocked }
func (EmailInUse) Kind() Kind           { return KindEmailInUse }
func (ChatPermission) Kind() Kind       { return KindChatPermission }
func (Error) Kind() Kind                { return KindError }
func (Connect) Kind() Kind              { return KindConnect }
func (ConnectError) Kind() Kind         { return KindConnectError }
func (Disconnect) Kind() Kind           { return KindDisconnect }
func (ReconnectAttempt) Kind() Kind     { return KindReconnectAttempt }

// RoomOf returns the room an intent is addressed to
func RoomOf(ev Event) (string, bool) {
	switch e := ev.(type) {
	case RoomExists:
		return e.RoomID, true
	case JoinRoom:
		return e.RoomID, true
	case CheckBlockedStatus:
		return e.RoomID, true
	case ApproveJoinRequest:
		return e.RoomID, true
	case RejectJoinRequest:
		return e.RoomID, true
	case RemoveParticipant:
		return e.RoomID, true
	case BlockUser:
		return e.RoomID, true
	case LeaveRoom:
		return e.RoomID, true
	case SendMessage:
		return e.RoomID, true
	case CodeChange:
		return e.RoomID, true
	case SetChatPermission:
		return e.RoomID, true
	default:
		return "", false
	}
}
