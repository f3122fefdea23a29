//go:build wireinject

package main

import (
	"context"

	"github.com/google/wire"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"tutor-server/services/voice-api/internal/config"
	"tutor-server/services/voice-api/internal/domain/chunk"
	"tutor-server/services/voice-api/internal/domain/resilience"
	"tutor-server/services/voice-api/internal/domain/respond"
	"tutor-server/services/voice-api/internal/domain/session"
	"tutor-server/services/voice-api/internal/domain/transcribe"
	"tutor-server/services/voice-api/internal/infrastructure/database"
	"tutor-server/services/voice-api/internal/infrastructure/eventbus"
	"tutor-server/services/voice-api/internal/infrastructure/logger"
	"tutor-server/services/voice-api/internal/infrastructure/queue"
	"tutor-server/services/voice-api/internal/infrastructure/sessionstore"
	"tutor-server/services/voice-api/internal/infrastructure/storage"
	"tutor-server/services/voice-api/internal/interfaces/gateway"
	"tutor-server/services/voice-api/internal/interfaces/httpserver"
	"tutor-server/services/voice-api/internal/worker"
)

// BuildApplication demonstrates how to assemble the voice service with Wire.
func BuildApplication(ctx context.Context) (*Application, error) {
	wire.Build(
		config.Load,
		logger.New,
		newStorageBackend,
		chunk.NewStore,
		newGormDB,
		newRegistry,
		newJobQueue,
		newBus,
		newBreakerConfig,
		newSTTChain,
		wire.Bind(new(worker.Transcriber), new(*transcribe.Chain)),
		newResponder,
		wire.Bind(new(respond.Responder), new(*respond.OpenAIResponder)),
		newProcessor,
		newPool,
		newGateway,
		newHTTPServer,
		NewApplication,
	)
	return nil, nil
}

func newStorageBackend(ctx context.Context, cfg *config.Config, log zerolog.Logger) (storage.ObjectStorage, error) {
	if cfg.StorageBackend == "s3" {
		return storage.NewS3Storage(ctx, cfg, log)
	}
	return storage.NewLocalStorage(cfg.LocalStorageDir, log)
}

// newGormDB returns nil when no database is configured; the registry and
// queue providers fall back to their in-memory implementations.
func newGormDB(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*gorm.DB, error) {
	if cfg.DatabaseURL == "" {
		return nil, nil
	}
	db, err := database.Connect(database.Config{
		DSN:             cfg.DatabaseURL,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		MaxOpenConns:    cfg.DBMaxOpenConns,
		ConnMaxLifetime: cfg.DBConnLifetime,
		LogLevel:        gormlogger.Warn,
	})
	if err != nil {
		return nil, err
	}
	if err := database.AutoMigrate(ctx, db, log); err != nil {
		return nil, err
	}
	return db, nil
}

func newRegistry(db *gorm.DB, log zerolog.Logger) session.Registry {
	if db == nil {
		return sessionstore.NewMemoryRegistry(log)
	}
	return sessionstore.NewGormRegistry(db, log)
}

func newJobQueue(db *gorm.DB, log zerolog.Logger) queue.JobQueue {
	if db == nil {
		return queue.NewMemoryQueue(log)
	}
	return queue.NewPostgresQueue(db, log)
}

func newBus(ctx context.Context, cfg *config.Config, log zerolog.Logger) (eventbus.Bus, error) {
	if cfg.RedisURL == "" {
		return eventbus.NewMemoryBus(log), nil
	}
	return eventbus.NewRedisBus(ctx, cfg.RedisURL, log)
}

func newBreakerConfig(cfg *config.Config) resilience.BreakerConfig {
	return resilience.BreakerConfig{
		CallTimeout:      cfg.ProviderTimeout,
		FailureThreshold: cfg.BreakerFailureThreshold,
		Window:           cfg.BreakerWindow,
		ResetTimeout:     cfg.BreakerResetTimeout,
	}
}

func newSTTChain(cfg *config.Config, breakerCfg resilience.BreakerConfig, log zerolog.Logger) *transcribe.Chain {
	var providers []transcribe.Provider
	if cfg.OpenAIAPIKey != "" {
		providers = append(providers, transcribe.NewWhisperProvider(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.WhisperModel, log))
	}
	if cfg.ASRFallbackURL != "" {
		providers = append(providers, transcribe.NewHTTPASRProvider(cfg.ASRFallbackURL, cfg.ASRFallbackKey, cfg.ProviderTimeout, log))
	}
	return transcribe.NewChain(breakerCfg, log, providers...)
}

func newResponder(cfg *config.Config, breakerCfg resilience.BreakerConfig, log zerolog.Logger) *respond.OpenAIResponder {
	return respond.NewOpenAIResponder(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.ChatModel, breakerCfg, log)
}

func newProcessor(
	cfg *config.Config,
	chunks *chunk.Store,
	stt worker.Transcriber,
	responder respond.Responder,
	registry session.Registry,
	jobQueue queue.JobQueue,
	bus eventbus.Bus,
	log zerolog.Logger,
) *worker.Processor {
	return worker.NewProcessor(chunks, stt, responder, registry, jobQueue, bus,
		resilience.DefaultRetryPolicy(), cfg.JobMaxAttempts, log)
}

func newPool(cfg *config.Config, jobQueue queue.JobQueue, processor *worker.Processor, log zerolog.Logger) *worker.Pool {
	return worker.NewPool(jobQueue, processor, worker.PoolConfig{
		WorkerCount:  cfg.WorkerCount,
		JobTimeout:   cfg.JobTimeout,
		PollInterval: cfg.JobPollInterval,
	}, log)
}

func newGateway(
	cfg *config.Config,
	registry session.Registry,
	chunks *chunk.Store,
	jobQueue queue.JobQueue,
	bus eventbus.Bus,
	log zerolog.Logger,
) *gateway.Gateway {
	return gateway.New(registry, chunks, jobQueue, bus, cfg.ChunkSizeBytes, log)
}

func newHTTPServer(
	cfg *config.Config,
	log zerolog.Logger,
	gw *gateway.Gateway,
	registry session.Registry,
	chunks *chunk.Store,
	bus eventbus.Bus,
	pool *worker.Pool,
	sttChain *transcribe.Chain,
	responder *respond.OpenAIResponder,
) *httpserver.HttpServer {
	return httpserver.New(cfg, log, httpserver.Deps{
		Gateway:  gw,
		Registry: registry,
		Chunks:   chunks,
		Bus:      bus,
		Queue:    jobQueue,
		Pool:     pool,
		Breakers: func() []resilience.Snapshot {
			return append(sttChain.Breakers(), responder.BreakerSnapshot())
		},
	})
}
