package ws

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/manpreetbhatti/lattice/coderoom/internal/apperr"
	"github.com/manpreetbhatti/lattice/coderoom/internal/db"
	"github.com/manpreetbhatti/lattice/coderoom/internal/events"
	"github.com/manpreetbhatti/lattice/coderoom/internal/protocol"
	"github.com/manpreetbhatti/lattice/coderoom/internal/ratelimit"
	"github.com/manpreetbhatti/lattice/coderoom/internal/room"
)

const (
	defaultEventsPerSecond = 100
	defaultEventBurst      = 200
)

// Store is the persistence the hub and its room actors need
type Store interface {
	CreateRoom(id, author, authorEmail string) error
	CloseRoom(id string) error
	BlockEmail(roomID, email string) (bool, error)
	IsBlocked(roomID, email string) (bool, error)
	ListBlocked(roomID string) ([]db.BlockedEmail, error)
	SaveMessage(m db.Message) error
	SaveSnapshot(s db.Snapshot) error
}

// Hub owns every connection and one actor per live room
type Hub struct {
	// Live rooms by id
	rooms map[string]*roomActor

	// Connected clients
	clients map[*Client]struct{}

	// Decoded intents from clients
	inbound chan *Inbound

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Actors that have stopped
	finished chan *roomActor

	store     Store
	publisher events.Publisher
	logger    *zap.Logger

	eventsPerSecond float64
	eventBurst      int
	connectLimiters *ratelimit.ClientLimiters
	allowedOrigins  []string

	stop     chan struct{}
	stopOnce sync.Once
	actors   sync.WaitGroup

	mu sync.RWMutex
}

// Inbound is one decoded intent and the connection it came from
type Inbound struct {
	Client *Client
	Event  protocol.Event
}

type Option func(*Hub)

func WithPublisher(p events.Publisher) Option {
	return func(h *Hub) {
		if p != nil {
			h.publisher = p
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithEventRate limits how many intents a single connection may send
func WithEventRate(perSecond float64, burst int) Option {
	return func(h *Hub) {
		h.eventsPerSecond = perSecond
		h.eventBurst = burst
	}
}

// WithConnectLimiters throttles websocket upgrades per remote address
func WithConnectLimiters(cl *ratelimit.ClientLimiters) Option {
	return func(h *Hub) { h.connectLimiters = cl }
}

// WithAllowedOrigins restricts the Origin header accepted on upgrade. Empty allows all.
func WithAllowedOrigins(origins []string) Option {
	return func(h *Hub) { h.allowedOrigins = origins }
}

// NewHub creates a hub. A nil store disables persistence.
func NewHub(store Store, opts ...Option) *Hub {
	h := &Hub{
		rooms:           make(map[string]*roomActor),
		clients:         make(map[*Client]struct{}),
		inbound:         make(chan *Inbound, 256),
		register:        make(chan *Client),
		unregister:      make(chan *Client),
		finished:        make(chan *roomActor),
		store:           store,
		publisher:       events.NopPublisher{},
		logger:          zap.NewNop(),
		eventsPerSecond: defaultEventsPerSecond,
		eventBurst:      defaultEventBurst,
		stop:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) Run() {
	for {
		select {
		case <-h.stop:
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()

			h.logger.Debug("Client connected",
				zap.String("client_id", client.id),
				zap.String("username", client.identity.Username),
				zap.Int("total", total),
			)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.close()
			}
			actor := h.rooms[client.roomID]
			h.mu.Unlock()

			if actor != nil {
				actor.disconnect(client)
			}
			h.logger.Debug("Client disconnected", zap.String("client_id", client.id))

		case in := <-h.inbound:
			h.route(in)

		case actor := <-h.finished:
			h.mu.Lock()
			if h.rooms[actor.id] == actor {
				delete(h.rooms, actor.id)
			}
			remaining := len(h.rooms)
			h.mu.Unlock()

			h.logger.Info("Room closed", zap.String("room_id", actor.id), zap.Int("active_rooms", remaining))
		}
	}
}

// Stop ends the run loop and closes every live room
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.stop)
	})
	h.actors.Wait()
}

func (h *Hub) route(in *Inbound) {
	client := in.Client
	roomID, ok := protocol.RoomOf(in.Event)
	if !ok {
		client.deliverError(apperr.InvalidArgument("not an intent: " + in.Event.Kind().String()))
		return
	}

	switch ev := in.Event.(type) {
	case protocol.RoomExists:
		client.deliver(protocol.RoomStatus{RoomExists: h.liveRoom(roomID) != nil})
		return

	case protocol.CheckBlockedStatus:
		if actor := h.liveRoom(roomID); actor != nil {
			actor.submit(client, ev)
			return
		}
		client.deliver(protocol.BlockedStatus{IsBlocked: h.storedBlock(roomID, ev.Email)})
		return

	case protocol.JoinRoom:
		h.join(client, ev)
		return
	}

	actor := h.liveRoom(roomID)
	if actor == nil || client.roomID != roomID {
		client.deliverError(apperr.RoomNotFound(roomID))
		return
	}
	actor.submit(client, in.Event)

	if _, leaving := in.Event.(protocol.LeaveRoom); leaving {
		client.roomID = ""
	}
}

func (h *Hub) join(client *Client, ev protocol.JoinRoom) {
	// One room per connection; joining elsewhere abandons the previous one
	if client.roomID != "" && client.roomID != ev.RoomID {
		if prev := h.liveRoom(client.roomID); prev != nil {
			prev.disconnect(client)
		}
	}

	actor := h.liveRoom(ev.RoomID)
	if actor == nil {
		if !ev.IsAuthor {
			client.roomID = ""
			client.deliver(protocol.RoomStatus{RoomExists: false})
			return
		}
		actor = h.startRoom(ev.RoomID)
	}

	client.roomID = ev.RoomID
	actor.submit(client, ev)
}

// liveRoom returns the actor for a room that has not closed yet
func (h *Hub) liveRoom(id string) *roomActor {
	h.mu.RLock()
	defer h.mu.RUnlock()

	actor := h.rooms[id]
	if actor == nil || actor.isClosed() {
		return nil
	}
	return actor
}

func (h *Hub) startRoom(id string) *roomActor {
	actor := newRoomActor(h, id)

	h.mu.Lock()
	h.rooms[id] = actor
	total := len(h.rooms)
	h.mu.Unlock()

	h.actors.Add(1)
	go func() {
		defer h.actors.Done()
		actor.run()
	}()

	h.logger.Info("Room created", zap.String("room_id", id), zap.Int("active_rooms", total))
	return actor
}

func (h *Hub) storedBlock(roomID, email string) bool {
	if h.store == nil || email == "" {
		return false
	}
	blocked, err := h.store.IsBlocked(roomID, protocol.NormalizeEmail(email))
	if err != nil {
		h.logger.Error("Failed to check block list", zap.String("room_id", roomID), zap.Error(err))
		return false
	}
	return blocked
}

// CloseRoom ends a live room for everyone in it
func (h *Hub) CloseRoom(id, reason string) error {
	actor := h.liveRoom(id)
	if actor == nil {
		return apperr.RoomNotFound(id)
	}
	actor.close(reason)
	return nil
}

// RoomInfo asks a live room's actor for a snapshot of its state
func (h *Hub) RoomInfo(ctx context.Context, id string) (room.Info, error) {
	actor := h.liveRoom(id)
	if actor == nil {
		return room.Info{}, apperr.RoomNotFound(id)
	}
	return actor.info(ctx)
}

// RoomSummary is the live view of one room for stats
type RoomSummary struct {
	ID      string `json:"id"`
	Members int    `json:"members"`
}

func (h *Hub) GetRoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) GetActiveRooms() []RoomSummary {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rooms := make([]RoomSummary, 0, len(h.rooms))
	for id, actor := range h.rooms {
		rooms = append(rooms, RoomSummary{ID: id, Members: actor.members()})
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })
	return rooms
}

// MemberCount returns the live member count of a room, or 0 when it is not live
func (h *Hub) MemberCount(id string) int {
	if actor := h.liveRoom(id); actor != nil {
		return actor.members()
	}
	return 0
}
