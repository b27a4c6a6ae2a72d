package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	ErrEmptyFrame   = errors.New("empty frame")
	ErrUnknownEvent = errors.New("unknown event")
	ErrLocalEvent   = errors.New("local event on the wire")
)

// The JSON frame exchanged over the websocket
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type decodeFunc func(json.RawMessage) (Event, error)

func decodeAs[T Event](data json.RawMessage) (Event, error) {
	var v T
	if len(data) == 0 || string(data) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// One decoder per wire kind. Local kinds are deliberately absent.
var decoders = map[Kind]decodeFunc{
	KindRoomExists:           decodeAs[RoomExists],
	KindJoinRoom:             decodeAs[JoinRoom],
	KindCheckBlockedStatus:   decodeAs[CheckBlockedStatus],
	KindApproveJoinRequest:   decodeAs[ApproveJoinRequest],
	KindRejectJoinRequest:    decodeAs[RejectJoinRequest],
	KindRemoveParticipant:    decodeAs[RemoveParticipant],
	KindBlockUser:            decodeAs[BlockUser],
	KindLeaveRoom:            decodeAs[LeaveRoom],
	KindSendMessage:          decodeAs[SendMessage],
	KindCodeChange:           decodeAs[CodeChange],
	KindSetChatPermission:    decodeAs[SetChatPermission],
	KindRoomStatus:           decodeAs[RoomStatus],
	KindBlockedStatus:        decodeAs[BlockedStatus],
	KindJoinBlockedUserError: decodeAs[JoinBlockedUserError],
	KindCurrentParticipants:  decodeAs[CurrentParticipants],
	KindJoinRequest:          decodeAs[JoinRequest],
	KindJoinRequestApproved:  decodeAs[JoinRequestApproved],
	KindJoinRequestRejected:  decodeAs[JoinRequestRejected],
	KindJoinRequestCancelled: decodeAs[JoinRequestCancelled],
	KindUserJoined:           decodeAs[UserJoined],
	KindUserLeft:             decodeAs[UserLeft],
	KindUserRemoved:          decodeAs[UserRemoved],
	KindYouWereRemoved:       decodeAs[YouWereRemoved],
	KindRoomClosed:           decodeAs[RoomClosed],
	KindNewMessage:           decodeAs[NewMessage],
	KindCodeUpdate:           decodeAs[CodeUpdate],
	KindUserBlocked:          decodeAs[UserBlocked],
	KindUserAlreadyBlocked:   decodeAs[UserAlreadyBlocked],
	KindEmailInUse:           decodeAs[EmailInUse],
	KindChatPermission:       decodeAs[ChatPermission],
	KindError:                decodeAs[Error],
}

// Encode wraps an event in an envelope and marshals it
func Encode(ev Event) ([]byte, error) {
	if ev == nil {
		return nil, fmt.Errorf("encode: nil event")
	}
	kind := ev.Kind()
	if kind.Local() {
		return nil, fmt.Errorf("encode %s: %w", kind, ErrLocalEvent)
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", kind, err)
	}
	return json.Marshal(Envelope{Event: kind.String(), Data: data})
}

// Decode parses a frame into its concrete event type
func Decode(frame []byte) (Event, error) {
	if len(frame) == 0 {
		return nil, ErrEmptyFrame
	}

	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	kind, ok := ParseKind(env.Event)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	decode, ok := decoders[kind]
	if !ok {
		return nil, fmt.Errorf("%s: %w", kind, ErrLocalEvent)
	}

	ev, err := decode(env.Data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	return ev, nil
}

var validate = validator.New()

// Validate checks the struct constraints of an event payload
func Validate(ev Event) error {
	if err := validate.Struct(ev); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("invalid %s: %s", ev.Kind(), strings.Join(fields, ", "))
		}
		return err
	}
	return nil
}

// NormalizeEmail returns the block-list form of an address
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
