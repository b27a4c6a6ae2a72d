package client

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/manpreetbhatti/lattice/coderoom/internal/protocol"
)

// fakeChannel records emitted intents and lets a test fire notifications directly
type fakeChannel struct {
	mu       sync.Mutex
	emitted  []protocol.Event
	handlers map[protocol.Kind][]handlerEntry
	nextID   uint64
	err      error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[protocol.Kind][]handlerEntry)}
}

func (f *fakeChannel) Emit(ev protocol.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.emitted = append(f.emitted, ev)
	return nil
}

func (f *fakeChannel) On(kind protocol.Kind, fn Handler) Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.handlers[kind] = append(f.handlers[kind], handlerEntry{id: f.nextID, fn: fn})
	return Subscription{kind: kind, id: f.nextID}
}

func (f *fakeChannel) Off(sub Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.handlers[sub.kind]
	for i, h := range list {
		if h.id == sub.id {
			f.handlers[sub.kind] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

func (f *fakeChannel) fire(ev protocol.Event) {
	f.mu.Lock()
	list := append([]handlerEntry(nil), f.handlers[ev.Kind()]...)
	f.mu.Unlock()
	for _, h := range list {
		h.fn(ev)
	}
}

func (f *fakeChannel) handlerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, list := range f.handlers {
		n += len(list)
	}
	return n
}

func (f *fakeChannel) sent() []protocol.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Event(nil), f.emitted...)
}

// waitSent blocks until at least n intents were emitted
func (f *fakeChannel) waitSent(t *testing.T, n int) []protocol.Event {
	t.Helper()
	waitFor(t, func() bool { return len(f.sent()) >= n })
	return f.sent()
}

var errConnClosed = errors.New("fake connection closed")

// fakeConn is an in-memory Conn. The test plays the server through in and out.
type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case frame := <-c.in:
		return websocket.TextMessage, frame, nil
	case <-c.closed:
		return 0, nil, errConnClosed
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	if messageType != websocket.TextMessage {
		return nil
	}
	c.out <- data
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// push delivers a notification to the socket as if the server sent it
func (c *fakeConn) push(t *testing.T, ev protocol.Event) {
	t.Helper()
	frame, err := protocol.Encode(ev)
	if err != nil {
		t.Fatalf("Failed to encode %s: %v", ev.Kind(), err)
	}
	c.in <- frame
}

// next returns the next intent the socket wrote
func (c *fakeConn) next(t *testing.T) protocol.Event {
	t.Helper()
	select {
	case frame := <-c.out:
		ev, err := protocol.Decode(frame)
		if err != nil {
			t.Fatalf("Failed to decode written frame: %v", err)
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for a written frame")
		return nil
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Condition not met before timeout")
}
