package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"tempo/internal/config"
	"tempo/internal/metrics"
	"tempo/internal/models"
	"tempo/internal/queue"
	"tempo/internal/service"
	"tempo/internal/settings"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const requestIDHeader = "X-Request-ID"

// SyncAPI is the part of the sync service exposed over HTTP.
type SyncAPI interface {
	GetStorageStats(ctx context.Context) (models.StorageStats, error)
	ForceSyncNow(ctx context.Context) (*service.SyncReport, error)
	GetSyncConfig(ctx context.Context) (models.SyncConfig, error)
	UpdateSyncConfig(ctx context.Context, patch models.SyncConfigPatch) (models.SyncConfig, error)
	AddToSyncQueue(ctx context.Context, kind models.ActionKind, entityType models.EntityType, payload json.RawMessage) (*models.OfflineAction, error)
	IsOnline() bool
}

// HTTPServer exposes the sync operations as a small JSON API.
type HTTPServer struct {
	cfg    config.APIConfig
	sync   SyncAPI
	server *http.Server
	auth   *HTTPAuth
	log    zerolog.Logger
}

func NewHTTPServer(cfg config.APIConfig, svc SyncAPI, logger *zerolog.Logger) *HTTPServer {
	mux := http.NewServeMux()
	srv := &HTTPServer{cfg: cfg, sync: svc}
	srv.auth = NewHTTPAuth(cfg)
	if logger != nil {
		srv.log = logger.With().Str("component", "http").Logger()
	} else {
		srv.log = zerolog.Nop()
	}

	srv.handle(mux, "/healthz", srv.handleHealth)
	srv.handle(mux, "/api/v1/sync/stats", srv.handleStats)
	srv.handle(mux, "/api/v1/sync/force", srv.handleForce)
	srv.handle(mux, "/api/v1/sync/config", srv.handleConfig)
	srv.handle(mux, "/api/v1/sync/queue", srv.handleQueue)
	srv.handle(mux, "/api/v1/connectivity", srv.handleConnectivity)
	mux.Handle("/metrics", promhttp.Handler())

	handler := srv.loggingMiddleware(srv.auth.Wrap(mux))

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      2 * time.Minute,
	}

	return srv
}

func (s *HTTPServer) handle(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		metrics.IncHTTP(pattern)
		fn(w, r)
	})
}

// Handler returns the fully wrapped handler.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.log.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	stats, err := s.sync.GetStorageStats(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *HTTPServer) handleForce(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	report, err := s.sync.ForceSyncNow(r.Context())
	if err != nil {
		if report == nil {
			s.fail(w, r, err)
			return
		}
		s.log.Error().Err(err).Str("request_id", requestID(r)).Msg("forced sync failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":  err.Error(),
			"report": report,
		})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		cfg, err := s.sync.GetSyncConfig(r.Context())
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, cfg)
	case http.MethodPatch:
		var patch models.SyncConfigPatch
		decoder := json.NewDecoder(r.Body)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&patch); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}

		cfg, err := s.sync.UpdateSyncConfig(r.Context(), patch)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, cfg)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

type enqueueRequest struct {
	Kind       models.ActionKind `json:"kind"`
	EntityType models.EntityType `json:"entity_type"`
	Payload    json.RawMessage   `json:"payload"`
}

func (s *HTTPServer) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body enqueueRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	action, err := s.sync.AddToSyncQueue(r.Context(), body.Kind, body.EntityType, body.Payload)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, action)
}

func (s *HTTPServer) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"online": s.sync.IsOnline()})
}

// fail maps service errors onto HTTP status codes.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, queue.ErrInvalidAction),
		errors.Is(err, settings.ErrInvalidConfig),
		errors.Is(err, service.ErrEmptyCalendarID):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, queue.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		s.log.Error().Err(err).Str("path", r.URL.Path).Str("request_id", requestID(r)).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func requestID(r *http.Request) string {
	return r.Header.Get(requestIDHeader)
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(requestIDHeader, id)
		}
		w.Header().Set(requestIDHeader, id)

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("dur", time.Since(start)).
			Str("request_id", id).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
