package protocol

// Identifies the type of a room event
type Kind uint8

const (
	KindUnknown Kind = iota

	// Client -> server intents
	KindRoomExists
	KindJoinRoom
	KindCheckBlockedStatus
	KindApproveJoinRequest
	KindRejectJoinRequest
	KindRemoveParticipant
	KindBlockUser
	KindLeaveRoom
	KindSendMessage
	KindCodeChange
	KindSetChatPermission

	// Server -> client notifications
	KindRoomStatus
	KindBlockedStatus
	KindJoinBlockedUserError
	KindCurrentParticipants
	KindJoinRequest
	KindJoinRequestApproved
	KindJoinRequestRejected
	KindJoinRequestCancelled
	KindUserJoined
	KindUserLeft
	KindUserRemoved
	KindYouWereRemoved
	KindRoomClosed
	KindNewMessage
	KindCodeUpdate
	KindUserBlocked
	KindUserAlreadyBlocked
	KindEmailInUse
	KindChatPermission
	KindError

	// Raised locally by the transport, never sent on the wire
	KindConnect
	KindConnectError
	KindDisconnect
	KindReconnectAttempt

	kindCount
)

var kindNames = [kindCount]string{
	KindUnknown:              "unknown",
	KindRoomExists:           "RoomExists",
	KindJoinRoom:             "joinRoom",
	KindCheckBlockedStatus:   "checkBlockedStatus",
	KindApproveJoinRequest:   "approveJoinRequest",
	KindRejectJoinRequest:    "rejectJoinRequest",
	KindRemoveParticipant:    "removeParticipant",
	KindBlockUser:            "blockUser",
	KindLeaveRoom:            "leaveRoom",
	KindSendMessage:          "sendMessage",
	KindCodeChange:           "codeChange",
	KindSetChatPermission:    "setChatPermission",
	KindRoomStatus:           "roomStatus",
	KindBlockedStatus:        "blockedStatus",
	KindJoinBlockedUserError: "joinBlockedUserError",
	KindCurrentParticipants:  "currentParticipants",
	KindJoinRequest:          "joinRequest",
	KindJoinRequestApproved:  "joinRequestApproved",
	KindJoinRequestRejected:  "joinRequestRejected",
	KindJoinRequestCancelled: "joinRequestCancelled",
	KindUserJoined:           "userJoined",
	KindUserLeft:             "userLeft",
	KindUserRemoved:          "userRemoved",
	KindYouWereRemoved:       "youWereRemoved",
	KindRoomClosed:           "roomClosed",
	KindNewMessage:           "newMessage",
	KindCodeUpdate:           "codeUpdate",
	KindUserBlocked:          "userBlocked",
	KindUserAlreadyBlocked:   "userAlreadyBlocked",
	KindEmailInUse:           "emailInUse",
	KindChatPermission:       "chatPermission",
	KindError:                "error",
	KindConnect:              "connect",
	KindConnectError:         "connectError",
	KindDisconnect:           "disconnect",
	KindReconnectAttempt:     "reconnectAttempt",
}

var kindsByName = func() map[string]Kind {
	m := make(map[string]Kind, kindCount)
	for k := Kind(1); k < kindCount; k++ {
		m[kindNames[k]] = k
	}
	return m
}()

// String returns the wire name of the event
func (k Kind) String() string {
	if k >= kindCount {
		return kindNames[KindUnknown]
	}
	return kindNames[k]
}

// ParseKind looks up an event by its wire name
func ParseKind(name string) (Kind, bool) {
	k, ok := kindsByName[name]
	return k, ok
}

// Intent reports whether clients may send this event to the server
func (k Kind) Intent() bool {
	return k >= KindRoomExists && k <= KindSetChatPermission
}

// Notification reports whether the server may send this event to clients
func (k Kind) Notification() bool {
	return k >= KindRoomStatus && k <= KindError
}

// Local reports whether the event is produced by the transport itself
func (k Kind) Local() bool {
	return k >= KindConnect && k < kindCount
}

// Kinds returns every defined kind except KindUnknown, in declaration order.
func Kinds() []Kind {
	kinds := make([]Kind, 0, kindCount-1)
	for k := Kind(1); k < kindCount; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}
