// Package api serves the read-only stats and query surface plus the
// websocket stream. Dashboards consume this; the pipeline never depends on
// it.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/sentinelops/aegis/internal/response"
	"github.com/sentinelops/aegis/internal/store"
	"github.com/sentinelops/aegis/internal/websocket"
)

// Server exposes the HTTP surface.
type Server struct {
	store    *store.Store
	hub      *websocket.Hub
	response *response.Engine
	http     *http.Server
}

// NewServer builds the router. The response engine is optional; without it
// the revert endpoint returns 503.
func NewServer(addr string, st *store.Store, hub *websocket.Hub, resp *response.Engine) *Server {
	s := &Server{store: st, hub: hub, response: resp}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", hub.HandleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Get("/alerts", s.handleListAlerts)
		r.Get("/investigations", s.handleListInvestigations)
		r.Get("/actions", s.handleListActions)
		r.Post("/actions/{id}/revert", s.handleRevert)
	})

	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	log.Info().Str("addr", s.http.Addr).Msg("API server listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Response encode failed")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func pagination(r *http.Request) (limit, offset int) {
	limit = 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

// listResponse is the common page envelope.
type listResponse struct {
	Total  int64 `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
	Items  any   `json:"items"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	items, err := s.store.ListAlerts(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	total, err := s.store.CountAlerts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Total: total, Limit: limit, Offset: offset, Items: items})
}

func (s *Server) handleListInvestigations(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	items, err := s.store.ListInvestigations(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	total, err := s.store.CountInvestigations(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Total: total, Limit: limit, Offset: offset, Items: items})
}

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	items, err := s.store.ListActions(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	total, err := s.store.CountActions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Total: total, Limit: limit, Offset: offset, Items: items})
}

func (s *Server) handleRevert(w http.ResponseWriter, r *http.Request) {
	if s.response == nil {
		writeError(w, http.StatusServiceUnavailable, "response engine not running")
		return
	}
	record, err := s.response.Revert(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, record)
}
