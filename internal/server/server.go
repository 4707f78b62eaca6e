// Package server exposes flows over HTTP: the prediction endpoint, the SSE
// and websocket streams that mirror a run, health and metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"agentflow/internal/app"
	"agentflow/internal/logging"
	"agentflow/internal/observability"
	"agentflow/internal/stream"
)

// Predictor runs a flow. *app.Service implements it.
type Predictor interface {
	Predict(ctx context.Context, flowID string, req app.PredictionRequest) (*app.PredictionResponse, error)
}

// Config configures the HTTP server.
type Config struct {
	Addr           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	AllowedOrigins []string
	Debug          bool
}

// Deps are the services behind the routes. Broadcaster and Metrics are
// optional.
type Deps struct {
	Predictor   Predictor
	Broadcaster *stream.Broadcaster
	Metrics     *observability.MetricsCollector
	Logger      logging.Logger
}

// Server is the agentflow HTTP API.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	deps       Deps
	sse        *stream.SSEHandler
	ws         *stream.WebSocketHandler
	logger     logging.Logger
	startTime  time.Time
}

// New builds the router.
func New(cfg Config, deps Deps) *Server {
	logger := deps.Logger
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("server")
	}
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger(logger))
	engine.Use(cors.New(corsConfig(cfg.AllowedOrigins)))

	s := &Server{
		engine:    engine,
		deps:      deps,
		logger:    logger,
		startTime: time.Now(),
	}
	if deps.Broadcaster != nil {
		s.sse = stream.NewSSEHandler(deps.Broadcaster, logger)
		s.ws = stream.NewWebSocketHandler(deps.Broadcaster, cfg.AllowedOrigins, logger)
	}
	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      engine,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	s.setupRoutes()
	return s
}

func corsConfig(origins []string) cors.Config {
	c := cors.DefaultConfig()
	if len(origins) == 0 || containsWildcard(origins) {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = origins
	}
	c.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	c.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Requested-With"}
	c.AllowWebSockets = true
	return c
}

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	}

	api := s.engine.Group("/api/v1")
	api.POST("/prediction/:flowId", requireJSON(), s.handlePrediction)
	api.GET("/stream/:chatId", s.handleSSE)
	api.GET("/ws/:chatId", s.handleWebSocket)
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("Starting agentflow API on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Stopping agentflow API")
	return s.httpServer.Shutdown(ctx)
}
