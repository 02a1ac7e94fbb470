// Package dashboard serves a read-only JSON status API over the accounts
// being mirrored.
package dashboard

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/eddiefleurent/spread_mirror/internal/metrics"
	"github.com/eddiefleurent/spread_mirror/internal/reconcile"
	"github.com/eddiefleurent/spread_mirror/internal/storage"
	"github.com/eddiefleurent/spread_mirror/internal/trading"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
)

// Status is the live account view. *trading.Trader satisfies it.
type Status interface {
	Details(ctx context.Context) (trading.DetailsReport, error)
	PnL(ctx context.Context) (trading.PnLReport, error)
}

// History is the execution journal. *storage.Journal satisfies it.
type History interface {
	RecentRuns(ctx context.Context, limit int) ([]storage.RunRecord, error)
	RunChunks(ctx context.Context, runID string) ([]storage.ChunkRecord, error)
}

// Server is the dashboard HTTP server.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	status    Status
	history   History
	logger    *logrus.Logger
	addr      string
	authToken string
	origins   []string
}

// Config configures the dashboard.
type Config struct {
	ListenAddr     string
	AuthToken      string
	AllowedOrigins []string
}

// NewServer creates the dashboard. history may be nil when the journal is
// disabled.
func NewServer(cfg Config, status Status, history History, logger *logrus.Logger) *Server {
	if status == nil {
		panic("dashboard.NewServer: status must not be nil")
	}
	if logger == nil {
		logger = logrus.New()
	}
	s := &Server{
		router:    chi.NewRouter(),
		status:    status,
		history:   history,
		logger:    logger,
		addr:      cfg.ListenAddr,
		authToken: cfg.AuthToken,
		origins:   cfg.AllowedOrigins,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/positions", s.handleGetPositions)
	s.router.Get("/api/pnl", s.handleGetPnL)
	s.router.Get("/api/runs", s.handleGetRuns)
	s.router.Get("/api/runs/{id}", s.handleGetRun)
	s.router.Handle("/metrics", metrics.Handler())
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
			respondError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Handler returns the routed handler wrapped with CORS.
func (s *Server) Handler() http.Handler {
	origins := s.origins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-Auth-Token"},
	})
	return c.Handler(s.router)
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("Starting dashboard server on %s", s.addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	report, err := s.status.Details(r.Context())
	if errors.Is(err, reconcile.ErrAmbiguousPosition) {
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.logger.WithError(err).Error("Failed to reconcile positions")
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, report)
}

func (s *Server) handleGetPnL(w http.ResponseWriter, r *http.Request) {
	report, err := s.status.PnL(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("Failed to read pnl")
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, report)
}

func (s *Server) handleGetRuns(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		respondError(w, http.StatusNotFound, "journal disabled")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			respondError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	runs, err := s.history.RecentRuns(r.Context(), limit)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list runs")
		respondError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	respondJSON(w, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		respondError(w, http.StatusNotFound, "journal disabled")
		return
	}
	id := chi.URLParam(r, "id")

	chunks, err := s.history.RunChunks(r.Context(), id)
	if err != nil {
		s.logger.WithError(err).WithField("run_id", id).Error("Failed to load run")
		respondError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	if len(chunks) == 0 {
		respondError(w, http.StatusNotFound, "run not found")
		return
	}
	respondJSON(w, chunks)
}

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
