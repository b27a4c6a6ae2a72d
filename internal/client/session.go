package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/lattice/coderoom/internal/apperr"
	"github.com/manpreetbhatti/lattice/coderoom/internal/protocol"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingAdmission
	StateActive
	StateLeaving
	StateRemoved
	StateRoomClosed
)

var stateNames = map[State]string{
	StateDisconnected:      "disconnected",
	StateConnecting:        "connecting",
	StateAwaitingAdmission: "awaiting_admission",
	StateActive:            "active",
	StateLeaving:           "leaving",
	StateRemoved:           "removed",
	StateRoomClosed:        "room_closed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	ErrAlreadyStarted = errors.New("session already started")
	ErrConnectionLost = errors.New("connection lost")
)

type Config struct {
	URL      string `validate:"required,url"`
	RoomID   string `validate:"required,max=128"`
	Username string `validate:"required,max=64"`
	Email    string `validate:"omitempty,email"`
	IsAuthor bool

	Debounce    time.Duration
	DialTimeout time.Duration
	Dial        DialFunc
	NewBackOff  func() backoff.BackOff
	Logger      *zap.Logger
}

var validate = validator.New()

// Session is one membership in one room. It owns its socket and the room
// components, and tears all of them down when the membership ends.
type Session struct {
	cfg    Config
	socket *Socket
	logger *zap.Logger

	roster    *Roster
	code      *CodeSync
	chat      *Chat
	admission *Admission

	mu         sync.Mutex
	state      State
	err        error
	started    bool
	finished   bool
	done       chan struct{}
	binding    *binding
	onState    func(from, to State)
	onNavigate func(reason string)
	onError    func(protocol.Error)
}

func NewSession(cfg Config) (*Session, error) {
	if err := validate.Struct(cfg); err != nil {
		return nil, apperr.InvalidArgument(err.Error())
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	logger := cfg.Logger.With(zap.String("room_id", cfg.RoomID), zap.String("username", cfg.Username))

	socket := NewSocket(SocketOptions{
		URL:         cfg.URL,
		Username:    cfg.Username,
		Email:       cfg.Email,
		IsAuthor:    cfg.IsAuthor,
		DialTimeout: cfg.DialTimeout,
		Dial:        cfg.Dial,
		NewBackOff:  cfg.NewBackOff,
		Logger:      cfg.Logger,
	})

	s := &Session{
		cfg:       cfg,
		socket:    socket,
		logger:    logger,
		roster:    NewRoster(),
		code:      NewCodeSync(socket, cfg.RoomID, cfg.Username, cfg.Debounce, logger),
		chat:      NewChat(socket, cfg.RoomID, cfg.Username, cfg.IsAuthor),
		admission: NewAdmission(socket, cfg.RoomID, NewNotificationQueue()),
		state:     StateDisconnected,
		done:      make(chan struct{}),
	}
	return s, nil
}

func (s *Session) RoomID() string            { return s.cfg.RoomID }
func (s *Session) Username() string          { return s.cfg.Username }
func (s *Session) IsAuthor() bool            { return s.cfg.IsAuthor }
func (s *Session) Roster() *Roster           { return s.roster }
func (s *Session) Code() *CodeSync           { return s.code }
func (s *Session) Chat() *Chat               { return s.chat }
func (s *Session) Admission() *Admission     { return s.admission }
func (s *Session) Queue() *NotificationQueue { return s.admission.Queue() }

// Socket exposes the transport for transport-level hooks such as reconnectAttempt
func (s *Session) Socket() *Socket { return s.socket }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err reports why the session ended, nil for a clean exit
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed once the session reaches a terminal state
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) OnStateChange(fn func(from, to State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onState = fn
}

// OnNavigateAway is called when the room tells this user to leave
func (s *Session) OnNavigateAway(fn func(reason string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onNavigate = fn
}

// OnError receives intents the room refused
func (s *Session) OnError(fn func(protocol.Error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = fn
}

// Join opens the socket and asks to enter the room
func (s *Session) Join(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true

	b := newBinding(s.socket)
	s.bindLifecycle(b)
	s.roster.bind(b)
	s.code.bind(b)
	s.chat.bind(b)
	s.admission.bind(b)
	s.binding = b
	s.mu.Unlock()

	s.transition(StateConnecting)
	if err := s.socket.Connect(ctx); err != nil {
		s.teardown(StateDisconnected, err, "")
		return err
	}
	return nil
}

func (s *Session) bindLifecycle(b *binding) {
	b.on(protocol.KindConnect, func(protocol.Event) { s.handleConnect() })
	b.on(protocol.KindDisconnect, func(ev protocol.Event) {
		s.logger.Info("Session lost its connection", zap.String("reason", ev.(protocol.Disconnect).Reason))
		s.teardown(StateDisconnected, ErrConnectionLost, "disconnected")
	})
	b.on(protocol.KindJoinRequestApproved, func(ev protocol.Event) {
		if ev.(protocol.JoinRequestApproved).RoomID == s.cfg.RoomID && s.State() == StateAwaitingAdmission {
			s.transition(StateActive)
		}
	})
	b.on(protocol.KindJoinRequestRejected, func(protocol.Event) {
		if s.State() == StateAwaitingAdmission {
			s.teardown(StateDisconnected, apperr.JoinRejected(s.cfg.RoomID), "rejected")
		}
	})
	b.on(protocol.KindRoomStatus, func(ev protocol.Event) {
		if !ev.(protocol.RoomStatus).RoomExists && s.State() == StateAwaitingAdmission {
			s.teardown(StateDisconnected, apperr.RoomNotFound(s.cfg.RoomID), "room not found")
		}
	})
	b.on(protocol.KindJoinBlockedUserError, func(protocol.Event) {
		s.teardown(StateDisconnected, apperr.JoinBlocked(s.cfg.RoomID), "blocked")
	})
	b.on(protocol.KindYouWereRemoved, func(protocol.Event) {
		s.teardown(StateRemoved, nil, "removed")
	})
	b.on(protocol.KindRoomClosed, func(protocol.Event) {
		s.teardown(StateRoomClosed, nil, "room closed")
	})
	b.on(protocol.KindUserLeft, func(ev protocol.Event) {
		if ev.(protocol.UserLeft).Username == s.cfg.Username {
			s.teardown(StateLeaving, nil, "left")
		}
	})
	b.on(protocol.KindUserRemoved, func(ev protocol.Event) {
		if ev.(protocol.UserRemoved).Username == s.cfg.Username {
			s.teardown(StateRemoved, nil, "removed")
		}
	})
	b.on(protocol.KindError, func(ev protocol.Event) {
		e := ev.(protocol.Error)
		s.logger.Warn("Room refused intent", zap.String("code", e.Code), zap.String("message", e.Message))
		s.mu.Lock()
		hook := s.onError
		s.mu.Unlock()
		if hook != nil {
			hook(e)
		}
	})
}

func (s *Session) handleConnect() {
	if s.State() != StateConnecting {
		return
	}

	err := s.socket.Emit(protocol.JoinRoom{
		RoomID:   s.cfg.RoomID,
		Username: s.cfg.Username,
		IsAuthor: s.cfg.IsAuthor,
		Email:    s.cfg.Email,
	})
	if err != nil {
		s.logger.Warn("Failed to send join", zap.Error(err))
		return
	}

	if s.cfg.IsAuthor {
		s.transition(StateActive)
	} else {
		s.transition(StateAwaitingAdmission)
	}
}

// Leave exits an active room. The leave intent is not acknowledged.
func (s *Session) Leave() {
	if s.State() != StateActive {
		return
	}
	if err := s.socket.Emit(protocol.LeaveRoom{RoomID: s.cfg.RoomID, Username: s.cfg.Username}); err != nil {
		s.logger.Debug("Leave not delivered", zap.Error(err))
	}
	s.teardown(StateLeaving, nil, "")
}

// Cancel abandons a join that has not been admitted yet
func (s *Session) Cancel() {
	switch s.State() {
	case StateConnecting, StateAwaitingAdmission:
		s.teardown(StateDisconnected, nil, "")
	}
}

// Close ends the session from any state
func (s *Session) Close() {
	s.teardown(StateDisconnected, nil, "")
}

func (s *Session) transition(to State) {
	s.mu.Lock()
	if s.finished || s.state == to {
		s.mu.Unlock()
		return
	}
	from := s.state
	s.state = to
	hook := s.onState
	s.mu.Unlock()

	s.logger.Debug("Session state", zap.Stringer("from", from), zap.Stringer("to", to))
	if hook != nil {
		hook(from, to)
	}
}

// teardown moves to a terminal state once. Later calls are ignored.
func (s *Session) teardown(to State, err error, navigate string) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	from := s.state
	s.state = to
	s.err = err
	b := s.binding
	s.binding = nil
	stateHook, navHook := s.onState, s.onNavigate
	s.mu.Unlock()

	if b != nil {
		b.release()
	}
	s.code.Close()
	s.socket.Disconnect()
	close(s.done)

	if stateHook != nil && from != to {
		stateHook(from, to)
	}
	if navHook != nil && navigate != "" {
		navHook(navigate)
	}
}

// Probe asks a connected socket whether a room exists and whether the email
// is blocked there
func Probe(ctx context.Context, socket *Socket, roomID, email string) (exists, blocked bool, err error) {
	if err := socket.WaitConnected(ctx); err != nil {
		return false, false, err
	}

	statusCh := make(chan bool, 1)
	sub := socket.Once(protocol.KindRoomStatus, func(ev protocol.Event) {
		statusCh <- ev.(protocol.RoomStatus).RoomExists
	})
	if err := socket.Emit(protocol.RoomExists{RoomID: roomID}); err != nil {
		socket.Off(sub)
		return false, false, err
	}
	select {
	case exists = <-statusCh:
	case <-ctx.Done():
		socket.Off(sub)
		return false, false, ctx.Err()
	}
	if !exists {
		return false, false, nil
	}

	blockedCh := make(chan bool, 1)
	sub = socket.Once(protocol.KindBlockedStatus, func(ev protocol.Event) {
		blockedCh <- ev.(protocol.BlockedStatus).IsBlocked
	})
	if err := socket.Emit(protocol.CheckBlockedStatus{RoomID: roomID, Email: email}); err != nil {
		socket.Off(sub)
		return true, false, err
	}
	select {
	case blocked = <-blockedCh:
		return true, blocked, nil
	case <-ctx.Done():
		socket.Off(sub)
		return true, false, ctx.Err()
	}
}
