package client

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/manpreetbhatti/lattice/coderoom/internal/apperr"
	"github.com/manpreetbhatti/lattice/coderoom/internal/protocol"
)

// Chat keeps the room's message log, the chat permission and the local pins
type Chat struct {
	ch       Channel
	roomID   string
	username string
	isAuthor bool
	now      func() time.Time

	mu           sync.Mutex
	allowed      bool
	messages     []protocol.NewMessage
	seen         map[string]struct{}
	pinned       map[string]struct{}
	onMessage    func(protocol.NewMessage)
	onPermission func(bool)
}

func NewChat(ch Channel, roomID, username string, isAuthor bool) *Chat {
	return &Chat{
		ch:       ch,
		roomID:   roomID,
		username: username,
		isAuthor: isAuthor,
		now:      time.Now,
		allowed:  true,
		seen:     make(map[string]struct{}),
		pinned:   make(map[string]struct{}),
	}
}

func (c *Chat) bind(b *binding) {
	b.on(protocol.KindNewMessage, func(ev protocol.Event) {
		c.Receive(ev.(protocol.NewMessage))
	})
	b.on(protocol.KindChatPermission, func(ev protocol.Event) {
		c.setAllowed(ev.(protocol.ChatPermission).Allowed)
	})
}

func (c *Chat) OnMessage(fn func(protocol.NewMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

func (c *Chat) OnPermission(fn func(allowed bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPermission = fn
}

// Send emits a message and returns its id. It shows up in the log when the
// room echoes it back.
func (c *Chat) Send(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", apperr.InvalidArgument("message is empty")
	}

	c.mu.Lock()
	allowed := c.allowed
	c.mu.Unlock()
	if !allowed && !c.isAuthor {
		return "", apperr.ChatDisabled(c.roomID)
	}

	id := uuid.NewString()
	err := c.ch.Emit(protocol.SendMessage{
		RoomID:    c.roomID,
		ID:        id,
		Message:   text,
		Sender:    c.username,
		Timestamp: c.now().UTC(),
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Receive appends a message to the log. A repeated id is dropped.
func (c *Chat) Receive(msg protocol.NewMessage) bool {
	c.mu.Lock()
	if _, ok := c.seen[msg.ID]; ok {
		c.mu.Unlock()
		return false
	}
	c.seen[msg.ID] = struct{}{}
	c.messages = append(c.messages, msg)
	hook := c.onMessage
	c.mu.Unlock()

	if hook != nil {
		hook(msg)
	}
	return true
}

// SetPermission turns participant chat on or off for the whole room
func (c *Chat) SetPermission(allowed bool) error {
	if !c.isAuthor {
		return apperr.PermissionDenied("set chat permission")
	}
	return c.ch.Emit(protocol.SetChatPermission{RoomID: c.roomID, Allowed: allowed})
}

func (c *Chat) setAllowed(allowed bool) {
	c.mu.Lock()
	c.allowed = allowed
	hook := c.onPermission
	c.mu.Unlock()

	if hook != nil {
		hook(allowed)
	}
}

func (c *Chat) Allowed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allowed
}

// Pin marks a received message. Unknown ids are refused.
func (c *Chat) Pin(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seen[id]; !ok {
		return apperr.NotFound("message")
	}
	c.pinned[id] = struct{}{}
	return nil
}

func (c *Chat) Unpin(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pinned, id)
}

func (c *Chat) IsPinned(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pinned[id]
	return ok
}

// Pinned returns the pinned messages in log order
func (c *Chat) Pinned() []protocol.NewMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.NewMessage
	for _, m := range c.messages {
		if _, ok := c.pinned[m.ID]; ok {
			out = append(out, m)
		}
	}
	return out
}

func (c *Chat) Messages() []protocol.NewMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.NewMessage, len(c.messages))
	copy(out, c.messages)
	return out
}
