package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/replico/internal/autosync"
	"github.com/ternarybob/replico/internal/common"
	"github.com/ternarybob/replico/internal/interfaces"
	syncengine "github.com/ternarybob/replico/internal/sync"
)

// Server exposes the operator API: instance and configuration listings,
// job inspection, manual sync triggers and the job log stream.
type Server struct {
	config       *common.Config
	storage      interfaces.Storage
	orchestrator *syncengine.Orchestrator
	scheduler    *autosync.Scheduler
	logger       arbor.ILogger

	router *http.ServeMux
	server *http.Server

	// Cancellation handles for syncs started through the API
	mu      sync.Mutex
	running map[string]context.CancelFunc

	startedAt time.Time
}

// New creates the HTTP server and its routes
func New(config *common.Config, storage interfaces.Storage, orchestrator *syncengine.Orchestrator, scheduler *autosync.Scheduler, logger arbor.ILogger) *Server {
	s := &Server{
		config:       config,
		storage:      storage,
		orchestrator: orchestrator,
		scheduler:    scheduler,
		logger:       logger,
		running:      make(map[string]context.CancelFunc),
		startedAt:    time.Now(),
	}

	s.router = s.setupRoutes()

	addr := fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.withLogging(s.router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)

	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/instances", s.handleInstances)
	mux.HandleFunc("/api/configs", s.handleConfigs)
	mux.HandleFunc("/api/configs/", s.handleConfigRoutes) // POST /{id}/sync
	mux.HandleFunc("/api/jobs", s.handleJobs)
	mux.HandleFunc("/api/jobs/", s.handleJobRoutes) // GET /{id}, POST /{id}/cancel

	// WebSocket route
	mux.HandleFunc("/ws/jobs/", s.handleJobLogStream) // GET /{id}/logs

	return mux
}

// withLogging logs every request at debug level
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("Request handled")
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info().
		Str("address", s.server.Addr).
		Msg("HTTP server starting")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server and cancels API-started syncs
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server...")

	s.mu.Lock()
	for _, cancel := range s.running {
		cancel()
	}
	s.mu.Unlock()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info().Msg("HTTP server stopped")
	return nil
}

// trackJob registers a cancellation handle while a sync runs
func (s *Server) trackJob(jobID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[jobID] = cancel
}

// untrackJob drops the handle once the sync finished
func (s *Server) untrackJob(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, jobID)
}

// cancelJob fires the handle if the job was started through the API
func (s *Server) cancelJob(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancel, ok := s.running[jobID]
	if ok {
		cancel()
	}
	return ok
}
