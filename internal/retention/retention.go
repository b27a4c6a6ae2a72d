package retention

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/manpreetbhatti/lattice/coderoom/internal/db"
)

// Zero KeepMessages or ClosedRoomTTL turns that kind of pruning off
type Config struct {
	Interval      time.Duration
	KeepMessages  int
	ClosedRoomTTL time.Duration
}

// DefaultInterval is used when Config.Interval is not set
const DefaultInterval = 10 * time.Minute

// Store is the slice of the database the pruner needs
type Store interface {
	RoomsWithMessagesOver(limit int) ([]string, error)
	PruneMessages(roomID string, keepCount int) (int64, error)
	DeleteClosedRoomsBefore(cutoff time.Time) (int64, error)
}

var _ Store = (*db.Database)(nil)

// Result summarizes one pruning pass
type Result struct {
	RoomsTrimmed    int
	MessagesDeleted int64
	RoomsDeleted    int64
}

type Service struct {
	store  Store
	config Config
	logger *zap.Logger
	now    func() time.Time
	stop   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func New(store Store, config Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	return &Service{
		store:  store,
		config: config,
		logger: logger,
		now:    time.Now,
		stop:   make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Info("Retention service started",
		zap.Duration("interval", s.config.Interval),
		zap.Int("keep_messages", s.config.KeepMessages),
		zap.Duration("closed_room_ttl", s.config.ClosedRoomTTL),
	)
}

func (s *Service) Stop() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
	s.logger.Info("Retention service stopped")
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.pass()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.pass()
		}
	}
}

func (s *Service) pass() {
	res, err := s.PruneNow()
	if err != nil {
		s.logger.Error("Retention pass failed", zap.Error(err))
	}
	if res.MessagesDeleted > 0 || res.RoomsDeleted > 0 {
		s.logger.Info("Retention pass",
			zap.Int("rooms_trimmed", res.RoomsTrimmed),
			zap.Int64("messages_deleted", res.MessagesDeleted),
			zap.Int64("rooms_deleted", res.RoomsDeleted),
		)
	}
}

// PruneNow trims every oversized message log and drops expired closed rooms.
// A failure on one room does not stop the others.
func (s *Service) PruneNow() (Result, error) {
	var res Result
	var firstErr error

	if s.config.KeepMessages > 0 {
		rooms, err := s.store.RoomsWithMessagesOver(s.config.KeepMessages)
		if err != nil {
			return res, fmt.Errorf("list oversized logs: %w", err)
		}
		for _, roomID := range rooms {
			n, err := s.store.PruneMessages(roomID, s.config.KeepMessages)
			if err != nil {
				s.logger.Warn("Failed to trim message log", zap.String("room_id", roomID), zap.Error(err))
				if firstErr == nil {
					firstErr = fmt.Errorf("trim %s: %w", roomID, err)
				}
				continue
			}
			res.RoomsTrimmed++
			res.MessagesDeleted += n
		}
	}

	if s.config.ClosedRoomTTL > 0 {
		n, err := s.store.DeleteClosedRoomsBefore(s.now().Add(-s.config.ClosedRoomTTL))
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("delete closed rooms: %w", err)
			}
		} else {
			res.RoomsDeleted = n
		}
	}

	return res, firstErr
}
