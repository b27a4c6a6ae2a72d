package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/lattice/coderoom/internal/protocol"
)

const (
	DefaultDialTimeout = 10 * time.Second
	dispatchQueueSize  = 1024
)

var (
	ErrNotConnected = errors.New("socket not connected")
	ErrClosed       = errors.New("socket closed")
)

// Conn is one open transport connection. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// DialFunc opens a connection to the given URL
type DialFunc func(ctx context.Context, rawURL string) (Conn, error)

// WebsocketDialer returns a DialFunc backed by gorilla/websocket
func WebsocketDialer(handshakeTimeout time.Duration) DialFunc {
	d := &websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	return func(ctx context.Context, rawURL string) (Conn, error) {
		conn, _, err := d.DialContext(ctx, rawURL, nil)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

type SocketOptions struct {
	// Base websocket URL, e.g. ws://localhost:8080/ws
	URL      string
	Username string
	Email    string
	IsAuthor bool

	DialTimeout time.Duration
	Dial        DialFunc
	// NewBackOff builds the retry schedule for one reconnection cycle
	NewBackOff func() backoff.BackOff
	Logger     *zap.Logger
}

// Handler receives one event on the socket's dispatch goroutine
type Handler func(protocol.Event)

// Subscription identifies a registered handler for Off
type Subscription struct {
	kind protocol.Kind
	id   uint64
}

type handlerEntry struct {
	id   uint64
	fn   Handler
	once bool
}

// Socket is a reconnecting event channel to the coordinator. Each session
// owns its own Socket; there is no shared instance.
type Socket struct {
	opts   SocketOptions
	logger *zap.Logger

	mu        sync.Mutex
	conn      Conn
	connected chan struct{}
	running   bool
	closed    bool
	cancel    context.CancelFunc
	handlers  map[protocol.Kind][]handlerEntry
	nextID    uint64

	writeMu sync.Mutex
	queue   chan protocol.Event
	stop    chan struct{}
}

func NewSocket(opts SocketOptions) *Socket {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.Dial == nil {
		opts.Dial = WebsocketDialer(opts.DialTimeout)
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = defaultBackOff
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	s := &Socket{
		opts:      opts,
		logger:    opts.Logger.With(zap.String("username", opts.Username)),
		connected: make(chan struct{}),
		handlers:  make(map[protocol.Kind][]handlerEntry),
		queue:     make(chan protocol.Event, dispatchQueueSize),
		stop:      make(chan struct{}),
	}
	go s.dispatchLoop()
	return s
}

// Retries forever; only Disconnect or the context stops it
func defaultBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0
	return bo
}

// URL returns the dial URL with the identity query parameters
func (s *Socket) URL() (string, error) {
	u, err := url.Parse(s.opts.URL)
	if err != nil {
		return "", fmt.Errorf("parse socket url: %w", err)
	}
	q := u.Query()
	q.Set("username", s.opts.Username)
	q.Set("email", s.opts.Email)
	q.Set("isAuthor", strconv.FormatBool(s.opts.IsAuthor))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect starts the connection loop. It is a no-op while the loop is running.
func (s *Socket) Connect(ctx context.Context) error {
	rawURL, err := s.URL()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.running {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	go s.run(ctx, rawURL)
	return nil
}

func (s *Socket) run(ctx context.Context, rawURL string) {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	for reconnect := false; ; reconnect = true {
		conn, err := s.dial(ctx, rawURL, reconnect)
		if err != nil {
			return
		}

		if !s.setConn(conn) {
			conn.Close()
			return
		}
		s.dispatch(protocol.Connect{})

		reason := s.readLoop(conn)
		s.clearConn(conn)
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		s.logger.Info("Socket disconnected", zap.String("reason", reason))
		s.dispatch(protocol.Disconnect{Reason: reason})
	}
}

// dial retries until a connection opens or ctx ends. Every attempt after a
// drop or a failure is announced as a reconnectAttempt.
func (s *Socket) dial(ctx context.Context, rawURL string, reconnect bool) (Conn, error) {
	var conn Conn
	attempt := 0
	if reconnect {
		attempt = 1
	}

	op := func() error {
		if attempt > 0 {
			s.dispatch(protocol.ReconnectAttempt{Attempt: attempt})
		}
		attempt++

		dialCtx, cancel := context.WithTimeout(ctx, s.opts.DialTimeout)
		defer cancel()

		c, err := s.opts.Dial(dialCtx, rawURL)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			s.logger.Debug("Connect failed", zap.Int("attempt", attempt), zap.Error(err))
			s.dispatch(protocol.ConnectError{Err: err.Error()})
			return err
		}
		conn = c
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(s.opts.NewBackOff(), ctx)); err != nil {
		return nil, err
	}
	return conn, nil
}

func (s *Socket) readLoop(conn Conn) string {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return closeErr.Text
			}
			return "transport close"
		}

		ev, err := protocol.Decode(frame)
		if err != nil {
			s.logger.Warn("Dropping undecodable frame", zap.Error(err))
			continue
		}
		s.dispatch(ev)
	}
}

// setConn installs conn unless Disconnect already ran
func (s *Socket) setConn(conn Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conn = conn
	close(s.connected)
	return true
}

func (s *Socket) clearConn(conn Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == conn {
		s.conn = nil
		s.connected = make(chan struct{})
	}
}

// Connected reports whether a connection is currently open
func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// WaitConnected blocks until a connection is open or ctx ends
func (s *Socket) WaitConnected(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	ch := s.connected
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-s.stop:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Emit sends an intent. Without a live connection it logs and returns ErrNotConnected.
func (s *Socket) Emit(ev protocol.Event) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		s.logger.Warn("Emit without connection", zap.String("event", ev.Kind().String()))
		return ErrNotConnected
	}

	frame, err := protocol.Encode(ev)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("emit %s: %w", ev.Kind(), err)
	}
	return nil
}

func (s *Socket) On(kind protocol.Kind, fn Handler) Subscription {
	return s.add(kind, fn, false)
}

// Once registers a handler that is removed after its first call
func (s *Socket) Once(kind protocol.Kind, fn Handler) Subscription {
	return s.add(kind, fn, true)
}

func (s *Socket) add(kind protocol.Kind, fn Handler, once bool) Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	if !s.closed {
		s.handlers[kind] = append(s.handlers[kind], handlerEntry{id: s.nextID, fn: fn, once: once})
	}
	return Subscription{kind: kind, id: s.nextID}
}

func (s *Socket) Off(sub Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(sub.kind, sub.id)
}

func (s *Socket) OffAll(kind protocol.Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, kind)
}

func (s *Socket) removeLocked(kind protocol.Kind, id uint64) bool {
	list := s.handlers[kind]
	for i, h := range list {
		if h.id == id {
			s.handlers[kind] = append(list[:i:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// Disconnect closes the connection for good and drops every handler
func (s *Socket) Disconnect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	cancel := s.cancel
	s.handlers = make(map[protocol.Kind][]handlerEntry)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		s.writeMu.Lock()
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		conn.Close()
	}
	close(s.stop)
}

func (s *Socket) dispatch(ev protocol.Event) {
	select {
	case s.queue <- ev:
	case <-s.stop:
	}
}

// All handlers run here, one event at a time, in registration order
func (s *Socket) dispatchLoop() {
	for {
		select {
		case <-s.stop:
			return
		case ev := <-s.queue:
			for _, fn := range s.take(ev.Kind()) {
				fn(ev)
			}
		}
	}
}

// take snapshots the handlers for a kind and unregisters the Once ones
func (s *Socket) take(kind protocol.Kind) []Handler {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.handlers[kind]
	fns := make([]Handler, 0, len(list))
	for _, h := range list {
		fns = append(fns, h.fn)
	}

	kept := list[:0:0]
	for _, h := range list {
		if !h.once {
			kept = append(kept, h)
		}
	}
	s.handlers[kind] = kept
	return fns
}
