package ws

import (
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/lattice/coderoom/internal/apperr"
	"github.com/manpreetbhatti/lattice/coderoom/internal/protocol"
	"github.com/manpreetbhatti/lattice/coderoom/internal/ratelimit"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 2 * 1024 * 1024
	sendBuffer     = 512
)

// Identity is what a connection declared about itself at upgrade time
type Identity struct {
	Username string
	Email    string
	IsAuthor bool
}

type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	id          string
	identity    Identity
	rateLimiter *ratelimit.Limiter
	logger      *zap.Logger

	// Owned by the hub goroutine
	roomID string

	mu     sync.Mutex
	closed bool
}

func (h *Hub) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(h.allowedOrigins, r.Header.Get("Origin"))
		},
	}
}

func originAllowed(allowed []string, origin string) bool {
	if len(allowed) == 0 || origin == "" {
		return true
	}
	for _, o := range allowed {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ServeWs upgrades GET /ws?username=&email=&isAuthor= and starts the pumps
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	if hub.connectLimiters != nil && !hub.connectLimiters.Allow(remoteHost(r)) {
		hub.logger.Warn("Connection rate limit exceeded", zap.String("addr", remoteHost(r)))
		http.Error(w, apperr.RateLimited().Message, http.StatusTooManyRequests)
		return
	}

	q := r.URL.Query()
	isAuthor, _ := strconv.ParseBool(q.Get("isAuthor"))
	identity := Identity{
		Username: q.Get("username"),
		Email:    q.Get("email"),
		IsAuthor: isAuthor,
	}

	conn, err := hub.upgrader().Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Warn("Upgrade error", zap.Error(err))
		return
	}

	id := uuid.NewString()
	client := &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		id:          id,
		identity:    identity,
		rateLimiter: ratelimit.NewLimiter(hub.eventsPerSecond, hub.eventBurst),
		logger:      hub.logger.With(zap.String("client_id", id), zap.String("username", identity.Username)),
	}

	select {
	case hub.register <- client:
	case <-hub.stop:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stop:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket error", zap.Error(err))
			}
			return
		}

		verdict := c.rateLimiter.Check()
		if !verdict.Allowed {
			if verdict.Warn {
				c.logger.Warn("Rate limit exceeded", zap.Int("violations", verdict.Violations))
				c.deliverError(apperr.RateLimited())
			}
			if verdict.Disconnect {
				c.logger.Warn("Disconnecting client for excessive rate limit violations")
				return
			}
			continue
		}

		ev, err := c.decode(frame)
		if err != nil {
			c.logger.Debug("Invalid frame", zap.Error(err))
			c.deliverError(err)
			continue
		}

		select {
		case c.hub.inbound <- &Inbound{Client: c, Event: ev}:
		case <-c.hub.stop:
			return
		}
	}
}

// decode parses, fills identity defaults and validates one frame
func (c *Client) decode(frame []byte) (protocol.Event, error) {
	ev, err := protocol.Decode(frame)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownEvent) || errors.Is(err, protocol.ErrLocalEvent) {
			return nil, apperr.InvalidArgument(err.Error())
		}
		return nil, apperr.InvalidPayload(err)
	}
	if !ev.Kind().Intent() {
		return nil, apperr.InvalidArgument("not an intent: " + ev.Kind().String())
	}

	if join, ok := ev.(protocol.JoinRoom); ok {
		if join.Username == "" {
			join.Username = c.identity.Username
		}
		if join.Email == "" {
			join.Email = c.identity.Email
		}
		join.IsAuthor = join.IsAuthor || c.identity.IsAuthor
		ev = join
	}

	if err := protocol.Validate(ev); err != nil {
		return nil, apperr.InvalidArgument(err.Error())
	}
	return ev, nil
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// deliver encodes an event and queues it without blocking. A full queue
// means the client cannot keep up and the connection is dropped.
func (c *Client) deliver(ev protocol.Event) {
	frame, err := protocol.Encode(ev)
	if err != nil {
		c.logger.Error("Failed to encode event", zap.String("event", ev.Kind().String()), zap.Error(err))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- frame:
	default:
		c.logger.Warn("Send buffer full, dropping client")
		c.closed = true
		close(c.send)
	}
}

func (c *Client) deliverError(err error) {
	var appErr *apperr.AppError
	if !errors.As(err, &appErr) {
		appErr = apperr.Internal(err)
	}
	c.deliver(protocol.Error{Code: string(appErr.Code), Message: appErr.Message})
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}
