package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"document-rag-server/internal/config"
	"document-rag-server/internal/models"
	"document-rag-server/internal/observability"
	"document-rag-server/internal/rag"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 10 * time.Second

// Pipeline is the part of the retrieval pipeline exposed over HTTP.
type Pipeline interface {
	Ingest(ctx context.Context, req rag.IngestRequest) (models.Document, error)
	Query(ctx context.Context, q models.Query) (models.Answer, error)
	ListDocuments(ctx context.Context, owner string) ([]models.Document, error)
	Stats(ctx context.Context) (map[string]int, error)
}

type Server struct {
	pipeline   Pipeline
	cfg        config.ServerConfig
	httpServer *http.Server
}

func New(pipeline Pipeline, cfg config.ServerConfig) *Server {
	s := &Server{pipeline: pipeline, cfg: cfg}
	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler returns the routes wrapped in access logging, CORS and metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("POST /query", s.handleQuery)
	mux.HandleFunc("GET /documents", s.handleDocuments)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	// metrics must wrap the mux directly to see the matched pattern
	var h http.Handler = observability.MetricsMiddleware(mux)
	h = cors.New(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(h)
	h = recoverer(h)
	h = hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Request")
	})(h)
	h = hlog.RequestIDHandler("req_id", "Request-Id")(h)
	return hlog.NewHandler(log.Logger)(h)
}

// ListenAndServe serves until SIGINT/SIGTERM or ctx is done, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.cfg.Addr).Strs("allowed_origins", s.cfg.AllowedOrigins).Msg("Server starting")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				zerolog.Ctx(r.Context()).Error().Interface("panic", rec).Msg("Handler panicked")
				writeJSON(w, http.StatusInternalServerError, errorResponse{Error: errorBody{
					Kind:    "internal_error",
					Message: "internal server error",
				}})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
