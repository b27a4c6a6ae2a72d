package protocol

import (
	"errors"
	"strings"
	"testing"
)

func TestEveryWireKindHasDecoder(t *testing.T) {
	for _, k := range Kinds() {
		_, ok := decoders[k]
		if k.Local() && ok {
			t.Errorf("Local kind %s should not have a decoder", k)
		}
		if !k.Local() && !ok {
			t.Errorf("Wire kind %s has no decoder", k)
		}
	}
}

func TestKindNamesRoundTrip(t *testing.T) {
	for _, k := range Kinds() {
		parsed, ok := ParseKind(k.String())
		if !ok {
			t.Errorf("Expected %q to parse", k.String())
			continue
		}
		if parsed != k {
			t.Errorf("Expected %s, got %s", k, parsed)
		}
	}

	if _, ok := ParseKind("nope"); ok {
		t.Error("Unknown name should not parse")
	}
	if Kind(250).String() != "unknown" {
		t.Errorf("Expected out-of-range kind to print as unknown, got %s", Kind(250))
	}
}

func TestKindDirections(t *testing.T) {
	tests := []struct {
		kind         Kind
		intent       bool
		notification bool
		local        bool
	}{
		{KindJoinRoom, true, false, false},
		{KindSetChatPermission, true, false, false},
		{KindRoomStatus, false, true, false},
		{KindError, false, true, false},
		{KindDisconnect, false, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			if tt.kind.Intent() != tt.intent {
				t.Errorf("Intent: expected %v", tt.intent)
			}
			if tt.kind.Notification() != tt.notification {
				t.Errorf("Notification: expected %v", tt.notification)
			}
			if tt.kind.Local() != tt.local {
				t.Errorf("Local: expected %v", tt.local)
			}
		})
	}
}

func TestDecodeJoinRoom(t *testing.T) {
	frame := []byte(`{"event":"joinRoom","data":{"roomId":"R1","username":"bob","isAuthor":false,"email":"bob@x.com"}}`)

	ev, err := Decode(frame)
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}

	join, ok := ev.(JoinRoom)
	if !ok {
		t.Fatalf("Expected JoinRoom, got %T", ev)
	}
	if join.RoomID != "R1" || join.Username != "bob" || join.Email != "bob@x.com" || join.IsAuthor {
		t.Errorf("Unexpected payload: %+v", join)
	}
}

func TestUserJoinedIsFlatParticipant(t *testing.T) {
	frame, err := Encode(UserJoined{Participant{Username: "bob", Email: "bob@x.com"}})
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}
	if !strings.Contains(string(frame), `"data":{"username":"bob","email":"bob@x.com"}`) {
		t.Errorf("Expected flat participant payload, got %s", frame)
	}
}

func TestDecodeEventWithoutData(t *testing.T) {
	ev, err := Decode([]byte(`{"event":"roomClosed"}`))
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if _, ok := ev.(RoomClosed); !ok {
		t.Errorf("Expected RoomClosed, got %T", ev)
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  error
	}{
		{"empty frame", "", ErrEmptyFrame},
		{"unknown event", `{"event":"explode"}`, ErrUnknownEvent},
		{"local event", `{"event":"disconnect","data":{"reason":"x"}}`, ErrLocalEvent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.frame))
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}

	if _, err := Decode([]byte(`{"event":"joinRoom","data":"nope"}`)); err == nil {
		t.Error("Malformed payload should fail")
	}
}

func TestEncodeRejectsLocalEvents(t *testing.T) {
	if _, err := Encode(Disconnect{Reason: "io"}); !errors.Is(err, ErrLocalEvent) {
		t.Errorf("Expected ErrLocalEvent, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		event   Event
		wantErr bool
	}{
		{"valid join", JoinRoom{RoomID: "R1", Username: "bob", Email: "bob@x.com"}, false},
		{"join without email", JoinRoom{RoomID: "R1", Username: "guest"}, false},
		{"join without username", JoinRoom{RoomID: "R1"}, true},
		{"join with bad email", JoinRoom{RoomID: "R1", Username: "bob", Email: "not-an-email"}, true},
		{"block needs email", BlockUser{RoomID: "R1"}, true},
		{"empty message", SendMessage{RoomID: "R1", Sender: "bob"}, true},
		{"empty code is fine", CodeChange{RoomID: "R1", Username: "bob"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.event)
			if (err != nil) != tt.wantErr {
				t.Errorf("Expected error=%v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestNormalizeEmail(t *testing.T) {
	if got := NormalizeEmail("  Bob@X.com "); got != "bob@x.com" {
		t.Errorf("Expected 'bob@x.com', got '%s'", got)
	}
}

func TestRoomOf(t *testing.T) {
	for _, k := range Kinds() {
		if !k.Intent() {
			continue
		}
		ev, err := Decode([]byte(`{"event":"` + k.String() + `","data":{"roomId":"R9"}}`))
		if err != nil {
			t.Fatalf("Failed to decode %s: %v", k, err)
		}
		id, ok := RoomOf(ev)
		if !ok || id != "R9" {
			t.Errorf("Expected %s to address room R9, got '%s' (%v)", k, id, ok)
		}
	}

	if _, ok := RoomOf(RoomClosed{RoomID: "R1"}); ok {
		t.Error("Notifications are not addressed to a room")
	}
}
