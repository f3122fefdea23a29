package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
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
	"tutor-server/services/voice-api/internal/infrastructure/observability"
	"tutor-server/services/voice-api/internal/infrastructure/queue"
	"tutor-server/services/voice-api/internal/infrastructure/sessionstore"
	"tutor-server/services/voice-api/internal/infrastructure/storage"
	"tutor-server/services/voice-api/internal/interfaces/gateway"
	"tutor-server/services/voice-api/internal/interfaces/httpserver"
	"tutor-server/services/voice-api/internal/worker"
)

// Application bundles the long-running parts of the voice service.
type Application struct {
	httpServer *httpserver.HttpServer
	gateway    *gateway.Gateway
	log        zerolog.Logger
}

func NewApplication(httpServer *httpserver.HttpServer, gw *gateway.Gateway, log zerolog.Logger) *Application {
	return &Application{
		httpServer: httpServer,
		gateway:    gw,
		log:        log,
	}
}

// Start serves until ctx is cancelled, then drains: the gateway refuses new
// sessions while in-flight jobs and open connections finish.
func (a *Application) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		a.gateway.StartDraining()
	}()
	err := a.httpServer.Run(ctx)
	a.gateway.Wait()
	return err
}

func main() {
	loadEnvFiles()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := logger.New(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observability.Setup(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("initialize observability")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown telemetry")
		}
	}()

	// Chunk storage backend.
	var backend storage.ObjectStorage
	switch cfg.StorageBackend {
	case "s3":
		s3Store, err := storage.NewS3Storage(ctx, cfg, log)
		if err != nil {
			log.Fatal().Err(err).Msg("initialize s3 storage")
		}
		backend = s3Store
	default:
		localStore, err := storage.NewLocalStorage(cfg.LocalStorageDir, log)
		if err != nil {
			log.Fatal().Err(err).Msg("initialize local storage")
		}
		backend = localStore
	}
	chunks := chunk.NewStore(backend, log)

	// Session registry and job queue: database-backed when a DSN is set,
	// otherwise in-memory for single-node deployments.
	var (
		registry session.Registry
		jobQueue queue.JobQueue
	)
	if cfg.DatabaseURL != "" {
		db, err := database.Connect(database.Config{
			DSN:             cfg.DatabaseURL,
			MaxIdleConns:    cfg.DBMaxIdleConns,
			MaxOpenConns:    cfg.DBMaxOpenConns,
			ConnMaxLifetime: cfg.DBConnLifetime,
			LogLevel:        gormlogger.Warn,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("connect database")
		}
		if err := database.AutoMigrate(ctx, db, log); err != nil {
			log.Fatal().Err(err).Msg("migrate database")
		}
		registry = sessionstore.NewGormRegistry(db, log)
		jobQueue = queue.NewPostgresQueue(db, log)
	} else {
		log.Warn().Msg("no database configured, sessions and jobs are in-memory")
		registry = sessionstore.NewMemoryRegistry(log)
		jobQueue = queue.NewMemoryQueue(log)
	}

	// Event bus: redis pub/sub when configured, else in-process.
	var bus eventbus.Bus
	if cfg.RedisURL != "" {
		redisBus, err := eventbus.NewRedisBus(ctx, cfg.RedisURL, log)
		if err != nil {
			log.Fatal().Err(err).Msg("connect redis bus")
		}
		defer redisBus.Close()
		bus = redisBus
	} else {
		log.Warn().Msg("no redis configured, events are delivered in-process only")
		bus = eventbus.NewMemoryBus(log)
	}

	breakerCfg := resilience.BreakerConfig{
		CallTimeout:      cfg.ProviderTimeout,
		FailureThreshold: cfg.BreakerFailureThreshold,
		Window:           cfg.BreakerWindow,
		ResetTimeout:     cfg.BreakerResetTimeout,
	}

	var providers []transcribe.Provider
	if cfg.OpenAIAPIKey != "" {
		providers = append(providers, transcribe.NewWhisperProvider(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.WhisperModel, log))
	}
	if cfg.ASRFallbackURL != "" {
		providers = append(providers, transcribe.NewHTTPASRProvider(cfg.ASRFallbackURL, cfg.ASRFallbackKey, cfg.ProviderTimeout, log))
	}
	if len(providers) == 0 {
		log.Warn().Msg("no speech providers configured, sessions will degrade to browser STT")
	}
	sttChain := transcribe.NewChain(breakerCfg, log, providers...)
	responder := respond.NewOpenAIResponder(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.ChatModel, breakerCfg, log)

	processor := worker.NewProcessor(
		chunks,
		sttChain,
		responder,
		registry,
		jobQueue,
		bus,
		resilience.DefaultRetryPolicy(),
		cfg.JobMaxAttempts,
		log,
	)
	pool := worker.NewPool(jobQueue, processor, worker.PoolConfig{
		WorkerCount:  cfg.WorkerCount,
		JobTimeout:   cfg.JobTimeout,
		PollInterval: cfg.JobPollInterval,
	}, log)
	if err := pool.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start worker pool")
	}
	defer pool.Stop()

	reaper := sessionstore.NewReaper(registry, cfg.SessionIdleTTL, cfg.ReaperInterval,
		func(expireCtx context.Context, s *session.Session) {
			if _, err := jobQueue.AbandonBySession(expireCtx, s.ID); err != nil {
				log.Error().Err(err).Str("session_id", s.ID).Msg("failed to abandon jobs of expired session")
			}
			_ = eventbus.PublishJSON(expireCtx, bus, eventbus.TypeEnded, s.ID, "", eventbus.EndedPayload{
				DurationMs:      s.Duration().Milliseconds(),
				MessageCount:    s.Metrics.MessageCount,
				TotalDurationMs: s.Metrics.TotalDurationMs,
				AvgLatencyMs:    s.Metrics.AvgLatencyMs,
			})
		}, log)
	reaper.Start(ctx)
	defer reaper.Stop()

	gw := gateway.New(registry, chunks, jobQueue, bus, cfg.ChunkSizeBytes, log)

	httpServer := httpserver.New(cfg, log, httpserver.Deps{
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

	app := NewApplication(httpServer, gw, log)
	if err := app.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("application stopped with error")
	}

	log.Info().Msg("application exited cleanly")
}

func loadEnvFiles() {
	paths := []string{".env", "../.env"}
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Overload(path); err != nil {
				fmt.Fprintf(os.Stderr, "warning: failed to load %s: %v\n", path, err)
			}
		}
	}
}
