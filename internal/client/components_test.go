package client

import (
	"errors"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/manpreetbhatti/lattice/coderoom/internal/apperr"
	"github.com/manpreetbhatti/lattice/coderoom/internal/protocol"
)

func TestNotificationQueue(t *testing.T) {
	q := NewNotificationQueue()
	var changes int
	q.OnChange(func([]protocol.JoinRequest) { changes++ })

	bob := protocol.JoinRequest{Username: "bob", Email: "bob@x.com"}
	carol := protocol.JoinRequest{Username: "carol", Email: "carol@x.com"}

	if !q.Push(bob) {
		t.Error("Expected first push to succeed")
	}
	if q.Push(bob) {
		t.Error("Expected duplicate push to be refused")
	}
	q.Push(carol)

	list := q.List()
	if len(list) != 2 || list[0] != bob || list[1] != carol {
		t.Errorf("Expected [bob carol], got %v", list)
	}

	if !q.Remove(bob.Key()) {
		t.Error("Expected bob to be removed")
	}
	if q.Remove(bob.Key()) {
		t.Error("Expected second removal to report nothing removed")
	}
	if q.Contains(bob.Key()) || q.Len() != 1 {
		t.Errorf("Expected only carol queued, got %v", q.List())
	}
	if changes != 3 {
		t.Errorf("Expected 3 change notifications, got %d", changes)
	}
}

func TestRosterMirror(t *testing.T) {
	ch := newFakeChannel()
	r := NewRoster()
	r.bind(newBinding(ch))

	alice := protocol.Participant{Username: "alice", Email: "alice@x.com"}
	bob := protocol.Participant{Username: "bob", Email: "bob@x.com"}

	ch.fire(protocol.CurrentParticipants{Participants: []protocol.Participant{alice, alice}})
	if r.Len() != 1 {
		t.Errorf("Expected snapshot to be deduplicated, got %v", r.Participants())
	}

	ch.fire(protocol.UserJoined{Participant: bob})
	ch.fire(protocol.UserJoined{Participant: bob})
	if r.Len() != 2 {
		t.Errorf("Expected 2 participants, got %v", r.Participants())
	}

	// Same username under another email is a distinct key
	bobPhone := protocol.Participant{Username: "bob", Email: "bob@phone.com"}
	ch.fire(protocol.UserJoined{Participant: bobPhone})
	if r.Len() != 3 {
		t.Errorf("Expected 3 participants, got %v", r.Participants())
	}

	// Leave filters by username
	ch.fire(protocol.UserLeft{Participant: bob})
	if r.Contains(bob.Key()) || r.Contains(bobPhone.Key()) {
		t.Errorf("Expected every bob to be gone, got %v", r.Participants())
	}

	ch.fire(protocol.UserJoined{Participant: bob})
	ch.fire(protocol.UserRemoved{Participant: bob})
	if r.Len() != 1 || !r.Contains(alice.Key()) {
		t.Errorf("Expected only alice, got %v", r.Participants())
	}

	ch.fire(protocol.CurrentParticipants{Participants: []protocol.Participant{bob}})
	if r.Len() != 1 || !r.Contains(bob.Key()) {
		t.Errorf("Expected snapshot to replace the mirror, got %v", r.Participants())
	}
}

func newTestCodeSync(ch Channel) *CodeSync {
	return NewCodeSync(ch, "R1", "alice", 20*time.Millisecond, nil)
}

func TestCodeSyncDebouncesEdits(t *testing.T) {
	ch := newFakeChannel()
	c := newTestCodeSync(ch)
	defer c.Close()

	c.Edit("a")
	c.Edit("ab")

	ch.waitSent(t, 1)
	time.Sleep(50 * time.Millisecond)
	sent := ch.sent()

	if len(sent) != 1 {
		t.Fatalf("Expected 1 broadcast, got %d", len(sent))
	}
	change, ok := sent[0].(protocol.CodeChange)
	if !ok {
		t.Fatalf("Expected codeChange, got %T", sent[0])
	}
	if change.Content != "ab" || change.RoomID != "R1" || change.Username != "alice" {
		t.Errorf("Expected ab from alice in R1, got %+v", change)
	}
	if change.Language != LanguageJavaScript {
		t.Errorf("Expected javascript tag, got %q", change.Language)
	}
}

func TestCodeSyncRemoteUpdates(t *testing.T) {
	ch := newFakeChannel()
	c := newTestCodeSync(ch)
	defer c.Close()
	c.bind(newBinding(ch))

	var remote []string
	c.OnRemoteUpdate(func(content string) { remote = append(remote, content) })

	// Own echo is ignored
	ch.fire(protocol.CodeUpdate{Content: "mine", Sender: "alice"})
	if c.Content() != "" {
		t.Errorf("Expected echo to be ignored, got %q", c.Content())
	}

	ch.fire(protocol.CodeUpdate{Content: "S1", Sender: "bob"})
	ch.fire(protocol.CodeUpdate{Content: "S2", Sender: "carol"})
	if c.Content() != "S2" {
		t.Errorf("Expected last writer to win, got %q", c.Content())
	}

	// Identical content is not a change
	ch.fire(protocol.CodeUpdate{Content: "S2", Sender: "bob"})
	if len(remote) != 2 {
		t.Errorf("Expected 2 editor updates, got %v", remote)
	}

	time.Sleep(50 * time.Millisecond)
	if n := len(ch.sent()); n != 0 {
		t.Errorf("Expected remote content never to be re-broadcast, got %d intents", n)
	}

	if !c.Undo() || c.Content() != "S1" {
		t.Errorf("Expected undo to S1, got %q", c.Content())
	}
}

func TestCodeSyncRemoteCancelsPendingEdit(t *testing.T) {
	ch := newFakeChannel()
	c := newTestCodeSync(ch)
	defer c.Close()
	c.bind(newBinding(ch))

	c.Edit("local")
	ch.fire(protocol.CodeUpdate{Content: "remote", Sender: "bob"})

	time.Sleep(60 * time.Millisecond)
	if n := len(ch.sent()); n != 0 {
		t.Errorf("Expected pending edit to be dropped, got %d intents", n)
	}
	if c.Content() != "remote" {
		t.Errorf("Expected remote content, got %q", c.Content())
	}
}

func TestCodeSyncHistory(t *testing.T) {
	ch := newFakeChannel()
	c := newTestCodeSync(ch)
	defer c.Close()

	if c.Undo() {
		t.Error("Expected nothing to undo")
	}

	c.Edit("one")
	c.Edit("two")
	c.Edit("three")

	c.Undo()
	c.Undo()
	if c.Content() != "one" {
		t.Errorf("Expected one after two undos, got %q", c.Content())
	}
	if !c.Redo() || c.Content() != "two" {
		t.Errorf("Expected redo to two, got %q", c.Content())
	}

	// A new edit truncates the redo tail
	c.Edit("four")
	if c.CanRedo() {
		t.Error("Expected redo history to be truncated")
	}

	sent := ch.waitSent(t, 1)
	if last := sent[len(sent)-1].(protocol.CodeChange); last.Content != "four" {
		t.Errorf("Expected four to be broadcast, got %q", last.Content)
	}

	c.Reset()
	if c.Content() != "" || c.CanUndo() || c.CanRedo() {
		t.Errorf("Expected empty document and history after reset, got %q", c.Content())
	}
	waitFor(t, func() bool {
		sent := ch.sent()
		last := sent[len(sent)-1].(protocol.CodeChange)
		return last.Content == ""
	})
}

func TestCodeSyncLoad(t *testing.T) {
	tests := []struct {
		name     string
		language string
		download string
	}{
		{"main.py", LanguagePython, "python.py"},
		{"main.cpp", LanguageCpp, "cpp.cpp"},
		{"main.C", LanguageCpp, "cpp.cpp"},
		{"index.js", LanguageJavaScript, "javascript.js"},
		{"README", LanguageJavaScript, "javascript.js"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := newFakeChannel()
			c := newTestCodeSync(ch)
			defer c.Close()

			if err := c.Load(tt.name, strings.NewReader("print(1)")); err != nil {
				t.Fatalf("Failed to load: %v", err)
			}
			if c.Language() != tt.language {
				t.Errorf("Expected %s, got %s", tt.language, c.Language())
			}
			if c.DownloadName() != tt.download {
				t.Errorf("Expected %s, got %s", tt.download, c.DownloadName())
			}
			change := ch.waitSent(t, 1)[0].(protocol.CodeChange)
			if change.Content != "print(1)" || change.Language != tt.language {
				t.Errorf("Expected loaded file to be broadcast, got %+v", change)
			}
		})
	}
}

func TestCodeSyncLoadReadError(t *testing.T) {
	ch := newFakeChannel()
	c := newTestCodeSync(ch)
	defer c.Close()

	c.Edit("keep")
	err := c.Load("broken.py", iotest.ErrReader(errors.New("disk gone")))
	if err == nil {
		t.Fatal("Expected read error")
	}
	if c.Content() != "keep" || c.Language() != LanguageJavaScript {
		t.Errorf("Expected state untouched, got %q in %s", c.Content(), c.Language())
	}
}

func TestCodeSyncSetLanguage(t *testing.T) {
	c := newTestCodeSync(newFakeChannel())
	defer c.Close()

	if err := c.SetLanguage(LanguageCpp); err != nil {
		t.Fatalf("Failed to set language: %v", err)
	}
	if err := c.SetLanguage("cobol"); !errors.Is(err, apperr.ErrInvalidArgument) {
		t.Errorf("Expected INVALID_ARGUMENT, got %v", err)
	}
	if c.Language() != LanguageCpp {
		t.Errorf("Expected cpp, got %s", c.Language())
	}
}

func TestCodeSyncCloseStopsBroadcast(t *testing.T) {
	ch := newFakeChannel()
	c := newTestCodeSync(ch)

	c.Edit("never sent")
	c.Close()
	c.Edit("ignored")

	time.Sleep(50 * time.Millisecond)
	if n := len(ch.sent()); n != 0 {
		t.Errorf("Expected no broadcast after close, got %d", n)
	}
}

func TestChatSendAndReceive(t *testing.T) {
	ch := newFakeChannel()
	c := NewChat(ch, "R1", "bob", false)
	c.bind(newBinding(ch))

	if _, err := c.Send("   "); !errors.Is(err, apperr.ErrInvalidArgument) {
		t.Errorf("Expected INVALID_ARGUMENT for empty text, got %v", err)
	}

	id, err := c.Send("hello")
	if err != nil {
		t.Fatalf("Failed to send: %v", err)
	}
	msg := ch.sent()[0].(protocol.SendMessage)
	if msg.ID != id || msg.Message != "hello" || msg.Sender != "bob" || msg.RoomID != "R1" {
		t.Errorf("Expected sendMessage hello from bob, got %+v", msg)
	}
	if msg.Timestamp.IsZero() {
		t.Error("Expected a timestamp")
	}

	// Sent messages only show up once the room echoes them
	if len(c.Messages()) != 0 {
		t.Error("Expected empty log before echo")
	}

	echo := protocol.NewMessage{ID: id, Sender: "bob", Message: "hello", Timestamp: msg.Timestamp}
	ch.fire(echo)
	ch.fire(echo)
	if len(c.Messages()) != 1 {
		t.Errorf("Expected duplicate id to be dropped, got %d messages", len(c.Messages()))
	}
}

func TestChatPermissionGate(t *testing.T) {
	ch := newFakeChannel()
	participant := NewChat(ch, "R1", "bob", false)
	participant.bind(newBinding(ch))

	if err := participant.SetPermission(false); !errors.Is(err, apperr.ErrPermissionDenied) {
		t.Errorf("Expected PERMISSION_DENIED, got %v", err)
	}

	ch.fire(protocol.ChatPermission{Allowed: false})
	if participant.Allowed() {
		t.Error("Expected chat to be disabled")
	}
	if _, err := participant.Send("hi"); !errors.Is(err, apperr.ErrChatDisabled) {
		t.Errorf("Expected CHAT_DISABLED, got %v", err)
	}

	author := NewChat(ch, "R1", "alice", true)
	author.bind(newBinding(ch))
	ch.fire(protocol.ChatPermission{Allowed: false})
	if _, err := author.Send("still here"); err != nil {
		t.Errorf("Expected author to send while disabled, got %v", err)
	}
	if err := author.SetPermission(true); err != nil {
		t.Fatalf("Failed to set permission: %v", err)
	}

	sent := ch.sent()
	perm, ok := sent[len(sent)-1].(protocol.SetChatPermission)
	if !ok || !perm.Allowed {
		t.Errorf("Expected setChatPermission allowed, got %#v", sent[len(sent)-1])
	}
}

func TestChatPins(t *testing.T) {
	ch := newFakeChannel()
	c := NewChat(ch, "R1", "bob", false)
	c.bind(newBinding(ch))

	for _, id := range []string{"m1", "m2", "m3"} {
		ch.fire(protocol.NewMessage{ID: id, Sender: "alice", Message: id})
	}

	if err := c.Pin("missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Expected NOT_FOUND for unknown id, got %v", err)
	}

	c.Pin("m3")
	c.Pin("m1")
	pinned := c.Pinned()
	if len(pinned) != 2 || pinned[0].ID != "m1" || pinned[1].ID != "m3" {
		t.Errorf("Expected [m1 m3] in log order, got %v", pinned)
	}

	c.Unpin("m1")
	if c.IsPinned("m1") || !c.IsPinned("m3") {
		t.Error("Expected only m3 pinned")
	}
}

func TestAdmissionActions(t *testing.T) {
	ch := newFakeChannel()
	a := NewAdmission(ch, "R1", NewNotificationQueue())
	a.bind(newBinding(ch))

	var results []BlockResult
	a.OnBlockResult(func(res BlockResult) { results = append(results, res) })

	bob := protocol.JoinRequest{Username: "bob", Email: "bob@x.com"}
	ch.fire(bob)
	ch.fire(bob)
	if a.Queue().Len() != 1 {
		t.Fatalf("Expected 1 queued request, got %d", a.Queue().Len())
	}

	if err := a.Approve(bob); err != nil {
		t.Fatalf("Failed to approve: %v", err)
	}
	a.Approve(bob)
	a.Reject(bob)

	sent := ch.sent()
	if len(sent) != 1 {
		t.Fatalf("Expected approve to be sent once, got %d intents", len(sent))
	}
	if ap := sent[0].(protocol.ApproveJoinRequest); ap.Username != "bob" || ap.Email != "bob@x.com" || ap.RoomID != "R1" {
		t.Errorf("Expected approve for bob in R1, got %+v", ap)
	}

	if err := a.RemoveAndBlock("bob", " bob@x.com "); err != nil {
		t.Fatalf("Failed to remove and block: %v", err)
	}
	sent = ch.sent()
	if rm := sent[1].(protocol.RemoveParticipant); rm.Username != "bob" {
		t.Errorf("Expected removeParticipant bob, got %+v", rm)
	}
	if bl := sent[2].(protocol.BlockUser); bl.Email != "bob@x.com" {
		t.Errorf("Expected blockUser bob@x.com, got %+v", bl)
	}

	ch.fire(protocol.UserBlocked{Email: "bob@x.com"})
	ch.fire(protocol.UserAlreadyBlocked{Email: "bob@x.com"})
	if len(results) != 2 || results[0].AlreadyBlocked || !results[1].AlreadyBlocked {
		t.Errorf("Expected blocked then already-blocked, got %v", results)
	}
}

func TestAdmissionWithdrawnRequest(t *testing.T) {
	ch := newFakeChannel()
	a := NewAdmission(ch, "R1", NewNotificationQueue())
	a.bind(newBinding(ch))

	ch.fire(protocol.JoinRequest{Username: "bob", Email: "bob@x.com"})
	ch.fire(protocol.JoinRequest{Username: "carol", Email: "carol@x.com"})
	ch.fire(protocol.JoinRequestCancelled{Username: "bob", Email: "bob@x.com"})

	list := a.Queue().List()
	if len(list) != 1 || list[0].Username != "carol" {
		t.Errorf("Expected only carol queued, got %v", list)
	}

	// Rejecting a withdrawn request sends nothing
	a.Reject(protocol.JoinRequest{Username: "bob", Email: "bob@x.com"})
	if n := len(ch.sent()); n != 0 {
		t.Errorf("Expected no intents, got %d", n)
	}
}

func TestAdmissionKeepsRequestWhenSendFails(t *testing.T) {
	ch := newFakeChannel()
	a := NewAdmission(ch, "R1", NewNotificationQueue())
	a.bind(newBinding(ch))

	bob := protocol.JoinRequest{Username: "bob", Email: "bob@x.com"}
	ch.fire(bob)

	ch.err = ErrNotConnected
	if err := a.Approve(bob); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected from approve, got %v", err)
	}
	if err := a.Reject(bob); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected from reject, got %v", err)
	}
	if !a.Queue().Contains(bob.Key()) {
		t.Fatal("Expected request to stay queued after a failed send")
	}

	ch.err = nil
	if err := a.Approve(bob); err != nil {
		t.Fatalf("Failed to approve: %v", err)
	}
	if a.Queue().Len() != 0 {
		t.Errorf("Expected queue to be empty after approve, got %d", a.Queue().Len())
	}
}

func TestBindingRelease(t *testing.T) {
	ch := newFakeChannel()
	b := newBinding(ch)
	NewRoster().bind(b)
	NewChat(ch, "R1", "bob", false).bind(b)

	if ch.handlerCount() == 0 {
		t.Fatal("Expected handlers to be registered")
	}
	b.release()
	if n := ch.handlerCount(); n != 0 {
		t.Errorf("Expected every handler released, got %d", n)
	}
}

func TestNewRoomID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewRoomID()
		if len(id) != 21 {
			t.Errorf("Expected 21 chars, got %d (%q)", len(id), id)
		}
		if strings.ContainsAny(id, "+/=") {
			t.Errorf("Expected URL-safe id, got %q", id)
		}
		if seen[id] {
			t.Errorf("Expected unique ids, got %q twice", id)
		}
		seen[id] = true
	}
}
