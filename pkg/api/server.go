// Package api is the HTTP front door: public task queries, API-key-guarded
// submission endpoints, and master-token-guarded administration.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/IvanSolovey/transcription-api/pkg/auth"
	"github.com/IvanSolovey/transcription-api/pkg/intake"
	"github.com/IvanSolovey/transcription-api/pkg/log"
	"github.com/IvanSolovey/transcription-api/pkg/metrics"
	"github.com/IvanSolovey/transcription-api/pkg/models"
	"github.com/IvanSolovey/transcription-api/pkg/queue"
	"github.com/IvanSolovey/transcription-api/pkg/storage"
)

// Config configures a Server
type Config struct {
	Version          string
	Workers          int
	DefaultLanguage  string
	DefaultModelSize string
	Device           string
}

// Server serves the HTTP API
type Server struct {
	engine *gin.Engine
	srv    *http.Server

	store  storage.Store
	keys   *auth.Manager
	models *models.Manager
	queue  *queue.Queue
	intake *intake.Service

	version          string
	workers          int
	defaultLanguage  string
	defaultModelSize string
	device           string
	logger           zerolog.Logger
}

// NewServer creates the HTTP server and registers all routes
func NewServer(store storage.Store, keys *auth.Manager, mm *models.Manager, q *queue.Queue, in *intake.Service, cfg Config) *Server {
	if cfg.Device == "" {
		cfg.Device = "cpu"
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestMetrics())
	engine.Use(cors.New(cors.Config{
		AllowAllOrigins:  true,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
	}))

	s := &Server{
		engine:           engine,
		store:            store,
		keys:             keys,
		models:           mm,
		queue:            q,
		intake:           in,
		version:          cfg.Version,
		workers:          cfg.Workers,
		defaultLanguage:  cfg.DefaultLanguage,
		defaultModelSize: cfg.DefaultModelSize,
		device:           cfg.Device,
		logger:           log.WithComponent("api"),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	// Public
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/api", s.handleAPIInfo)
	s.engine.GET("/metrics", gin.WrapH(metrics.Handler()))
	s.engine.GET("/task/:id", s.handleGetTask)
	s.engine.GET("/tasks", s.handleListTasks)

	// API key required
	keyed := s.engine.Group("/", s.requireAPIKey())
	keyed.POST("/transcribe", s.handleTranscribe)
	keyed.POST("/transcribe-with-diarization", s.handleTranscribeSync)
	keyed.GET("/my-tasks", s.handleMyTasks)
	keyed.DELETE("/task/:id", s.handleCancelTask)

	// Master token required
	admin := s.engine.Group("/admin", s.requireMasterToken())
	admin.POST("/generate-key", s.handleGenerateKey)
	admin.POST("/delete-key", s.handleDeleteKey)
	admin.GET("/list-keys", s.handleListKeys)
	admin.POST("/toggle-key-status", s.handleToggleKeyStatus)
	admin.POST("/update-key-notes", s.handleUpdateKeyNotes)
	admin.GET("/key-details/:key", s.handleKeyDetails)
	admin.GET("/model-status", s.handleModelStatus)
	admin.POST("/unload-model", s.handleUnloadModel)
	admin.POST("/switch-model/:size", s.handleSwitchModel)

	// Browser-only variant: master token via query parameter
	s.engine.GET("/admin", s.requireMasterTokenQuery(), s.handleListKeys)
}

// Handler exposes the router for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until Stop is called or the listener fails. Uploads and
// synchronous transcriptions are long-lived, so only header reads are
// bounded.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("HTTP server listening")

	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the server down gracefully
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
