package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/lattice/coderoom/internal/api"
	"github.com/manpreetbhatti/lattice/coderoom/internal/config"
	"github.com/manpreetbhatti/lattice/coderoom/internal/db"
	"github.com/manpreetbhatti/lattice/coderoom/internal/events"
	"github.com/manpreetbhatti/lattice/coderoom/internal/ratelimit"
	"github.com/manpreetbhatti/lattice/coderoom/internal/retention"
	"github.com/manpreetbhatti/lattice/coderoom/internal/ws"
)

const redisConnectTimeout = 5 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Server error", zap.Error(err))
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.IsDevelopment() {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(cfg *config.Config, logger *zap.Logger) error {
	database, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer database.Close()

	publisher, err := newPublisher(cfg, logger)
	if err != nil {
		return err
	}
	defer publisher.Close()

	connectLimiters := ratelimit.NewClientLimiters(ratelimit.PerMinute(cfg.ConnectsPerMinute), cfg.ConnectsPerMinute)
	defer connectLimiters.Stop()

	hub := ws.NewHub(database,
		ws.WithLogger(logger),
		ws.WithPublisher(publisher),
		ws.WithEventRate(cfg.EventsPerSecond, cfg.EventBurst),
		ws.WithConnectLimiters(connectLimiters),
		ws.WithAllowedOrigins(cfg.Origins()),
	)
	go hub.Run()
	defer hub.Stop()

	pruner := retention.New(database, retention.Config{
		Interval:      cfg.RetentionInterval,
		KeepMessages:  cfg.RetentionKeepMessages,
		ClosedRoomTTL: cfg.RetentionClosedRoomTTL,
	}, logger)
	pruner.Start()
	defer pruner.Stop()

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           api.New(hub, database, logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Coderoom server starting",
			zap.String("addr", cfg.Addr()),
			zap.String("db_path", cfg.DBPath),
			zap.String("environment", cfg.Environment),
			zap.Bool("event_feed", cfg.RedisAddr != ""),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Shutting down server...", zap.String("signal", sig.String()))
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("listen: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("Graceful shutdown incomplete", zap.Error(err))
	}
	return nil
}

// newPublisher connects the room event feed, or returns a no-op one when Redis is not configured
func newPublisher(cfg *config.Config, logger *zap.Logger) (events.Publisher, error) {
	if cfg.RedisAddr == "" {
		return events.NopPublisher{}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisConnectTimeout)
	defer cancel()

	publisher, err := events.NewRedisPublisher(ctx, &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("connect event feed: %w", err)
	}
	return publisher, nil
}
