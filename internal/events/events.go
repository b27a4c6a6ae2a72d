package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const channelPrefix = "coderoom:room:"

// Event is one room fact as seen by external consumers
type Event struct {
	RoomID string    `json:"room_id"`
	Type   string    `json:"type"`
	At     time.Time `json:"at"`
	Data   any       `json:"data,omitempty"`
}

// Publisher fans room facts out to whoever listens outside the process
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Channel returns the pub/sub channel for a room
func Channel(roomID string) string {
	return channelPrefix + roomID
}

func encode(ev Event) ([]byte, error) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	return json.Marshal(ev)
}

type RedisPublisher struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisPublisher connects to Redis and verifies the connection with a ping
func NewRedisPublisher(ctx context.Context, opts *redis.Options, logger *zap.Logger) (*RedisPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}

	logger.Info("Connected to Redis", zap.String("addr", opts.Addr))
	return &RedisPublisher{client: client, logger: logger}, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	payload, err := encode(ev)
	if err != nil {
		return fmt.Errorf("encode %s: %w", ev.Type, err)
	}
	if err := p.client.Publish(ctx, Channel(ev.RoomID), payload).Err(); err != nil {
		p.logger.Warn("Failed to publish room event",
			zap.String("room_id", ev.RoomID),
			zap.String("event", ev.Type),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// NopPublisher drops every event. Used when no Redis address is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }
