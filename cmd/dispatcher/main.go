package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"bookingcoord/internal/api"
	"bookingcoord/internal/backend"
	"bookingcoord/internal/config"
	"bookingcoord/internal/dispatch"
	"bookingcoord/internal/domain"
	"bookingcoord/internal/logging"
	"bookingcoord/internal/metrics"
	"bookingcoord/internal/realtime"
	"bookingcoord/internal/repository"
	"bookingcoord/internal/service"
	"bookingcoord/internal/worker"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	if cfg.Monitoring.PrometheusEnabled {
		metrics.Register()
	}

	redisClient := initRedis(cfg, &logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	client := backend.NewClient(cfg.Backend, &logger)
	if redisClient != nil && cfg.Backend.SlotCacheTTL > 0 {
		client.UseRedisCache(redisClient, cfg.Backend.SlotCacheTTL)
	}

	manager := realtime.NewManager(realtime.NewWebsocketTransport(), realtime.Options{
		ReconnectBase: cfg.Realtime.ReconnectBase,
		ReconnectMax:  cfg.Realtime.ReconnectMax,
		Logger:        &logger,
	})
	registry := realtime.NewRegistry(manager, &logger)
	defer registry.Close()

	board := dispatch.NewBoard(dispatch.Deps{
		Events:  manager,
		Rooms:   registry,
		Conn:    manager,
		Backend: client,
	}, cfg.Dispatch, cfg.Retry.Actions, &logger)
	board.Start()
	defer board.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	var outbox domain.Outbox
	if cfg.Realtime.Outbox.Enabled {
		w := worker.NewOutboxWorker(manager, manager, redisClient, cfg.Realtime.Outbox, &logger)
		outbox = w
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Start(ctx)
		}()
	}

	drafts := service.NewDraftSessions(service.OrchestratorDeps{
		Backend:   client,
		Publisher: manager,
		Assistant: client,
		Outbox:    outbox,
		Store:     initDraftStore(cfg, redisClient, &logger),
	}, service.OrchestratorOptions{
		SlotPolicy:   cfg.Retry.Slots.Policy(),
		SubmitPolicy: cfg.Retry.Submit.Policy(),
		ActionPolicy: cfg.Retry.Actions.Policy(),
		DraftTTL:     cfg.Drafts.TTL,
		Logger:       &logger,
	})
	defer drafts.Close()

	manager.Connect(realtime.Credentials{
		URL:    cfg.Realtime.URL,
		Origin: cfg.Realtime.Origin,
		Token:  cfg.Realtime.Token,
	})
	defer manager.Disconnect()

	var httpServer *api.HTTPServer
	if cfg.API.Enabled {
		httpServer = api.NewHTTPServer(cfg.API, board, manager, drafts, &logger)
		go func() {
			if err := httpServer.Start(); err != nil {
				logger.Error().Err(err).Msg("http server stopped")
			}
		}()
	}

	logger.Info().Str("realtime_url", cfg.Realtime.URL).Bool("api", cfg.API.Enabled).Msg("dispatcher started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if httpServer != nil {
		_ = httpServer.Shutdown(shutdownCtx)
	}
	wg.Wait()

	logger.Info().Msg("dispatcher stopped")
	return nil
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("init logger: %w", err)
	}
	logger := baseLogger.With().Str("component", "dispatcher-main").Logger()

	return cfg, logger, closer, nil
}

func initRedis(cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	redisClient := repository.NewRedisClient(cfg.Redis)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = redisClient.Close()
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return redisClient
}

// initDraftStore keeps drafts in Redis with an in-memory fallback, or only in
// memory when Redis is not configured.
func initDraftStore(cfg *config.Config, redisClient *redis.Client, logger *zerolog.Logger) domain.DraftStore {
	memory := repository.NewMemoryDraftStore()
	if redisClient == nil {
		logger.Warn().Msg("redis unavailable, drafts are kept in memory only")
		return memory
	}
	return repository.NewFailoverDraftStore(
		repository.NewRedisDraftStore(redisClient, cfg.Drafts.KeyPrefix),
		memory,
		logger,
	)
}
