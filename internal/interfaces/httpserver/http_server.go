package httpserver

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"tutor-server/services/voice-api/internal/config"
	"tutor-server/services/voice-api/internal/domain/chunk"
	"tutor-server/services/voice-api/internal/domain/resilience"
	"tutor-server/services/voice-api/internal/domain/session"
	"tutor-server/services/voice-api/internal/infrastructure/eventbus"
	"tutor-server/services/voice-api/internal/interfaces/gateway"
	"tutor-server/services/voice-api/internal/worker"
)

// QueueProbe is the slice of the job queue the readiness check needs. Depth
// hits the jobs table, so on the durable queue it doubles as a database
// reachability check.
type QueueProbe interface {
	Depth(ctx context.Context) (int64, error)
}

// Deps are the collaborators the HTTP surface exposes.
type Deps struct {
	Gateway  *gateway.Gateway
	Registry session.Registry
	Chunks   *chunk.Store
	Bus      eventbus.Bus
	Queue    QueueProbe
	Pool     *worker.Pool
	Breakers func() []resilience.Snapshot
}

// HttpServer wraps the gin engine with graceful shutdown helpers.
type HttpServer struct {
	cfg    *config.Config
	engine *gin.Engine
	log    zerolog.Logger
	deps   Deps
}

// New constructs the HTTP server with default middleware and routes.
func New(cfg *config.Config, log zerolog.Logger, deps Deps) *HttpServer {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(gin.Logger())

	s := &HttpServer{
		cfg:    cfg,
		engine: engine,
		log:    log.With().Str("component", "http-server").Logger(),
		deps:   deps,
	}
	s.registerRoutes()
	return s
}

// Handler exposes the routed engine.
func (s *HttpServer) Handler() http.Handler {
	return s.engine
}

// Run starts the HTTP listener and handles graceful shutdown via context cancellation.
func (s *HttpServer) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:    s.cfg.Addr(),
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.Addr()).Msg("HTTP server listening")
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("HTTP server error")
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		s.log.Info().Msg("Context cancelled, shutting down HTTP server")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func (s *HttpServer) registerRoutes() {
	s.engine.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"service": s.cfg.ServiceName,
			"status":  "ok",
		})
	})

	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	s.engine.GET("/readyz", s.handleReadyz)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.engine.Group("/v1/voice")
	v1.GET("/ws", s.deps.Gateway.HandleWS)
	v1.GET("/stats", s.handleStats)
}

// handleReadyz checks the dependencies that job delivery needs. A node that
// cannot reach storage, the bus or the job queue must drop out of the load
// balancer.
func (s *HttpServer) handleReadyz(c *gin.Context) {
	ctx := c.Request.Context()
	checks := gin.H{}
	ready := true

	if err := s.deps.Chunks.Health(ctx); err != nil {
		checks["storage"] = err.Error()
		ready = false
	} else {
		checks["storage"] = "ok"
	}
	if err := s.deps.Bus.Health(ctx); err != nil {
		checks["bus"] = err.Error()
		ready = false
	} else {
		checks["bus"] = "ok"
	}
	if _, err := s.deps.Queue.Depth(ctx); err != nil {
		checks["queue"] = err.Error()
		ready = false
	} else {
		checks["queue"] = "ok"
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"ready": ready, "checks": checks})
}

func (s *HttpServer) handleStats(c *gin.Context) {
	ctx := c.Request.Context()

	sessions, err := s.deps.Registry.List(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	byStatus := map[string]int{}
	for _, sess := range sessions {
		byStatus[sess.Status.String()]++
	}

	depth := int64(-1)
	if s.deps.Pool != nil {
		if d, err := s.deps.Pool.QueueDepth(ctx); err == nil {
			depth = d
		}
	}

	var breakers []resilience.Snapshot
	if s.deps.Breakers != nil {
		breakers = s.deps.Breakers()
	}

	c.JSON(http.StatusOK, gin.H{
		"active_connections": s.deps.Gateway.ActiveConnections(),
		"sessions_by_status": byStatus,
		"queue_depth":        depth,
		"breakers":           breakers,
	})
}
