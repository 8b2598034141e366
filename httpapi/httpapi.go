// Package httpapi exposes the admin API of the daemon over HTTP: observed
// pages, tracked media, rate/seek/loop actions, settings, and remembered
// speeds. All responses are JSON. The MCP surface in the controller covers
// the same operations for agents; this one is for curl and dashboards.
package httpapi

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/playpace/playpace/actionlog"
	"github.com/playpace/playpace/controller"
	"github.com/playpace/playpace/mediawatch"
	"github.com/playpace/playpace/shield"
)

// Config assembles a Server.
type Config struct {
	Controller *controller.Controller
	// DB backs the shield rate limiter. Usually the settings database.
	DB     *sql.DB
	Logger *slog.Logger
	// User and PasswordHash protect everything under /v1 with HTTP basic
	// auth. A nil hash disables auth; only do that on loopback.
	User         string
	PasswordHash []byte
}

// Server is the admin API. Build the handler with Router.
type Server struct {
	ctrl    *controller.Controller
	logger  *slog.Logger
	limiter *shield.RateLimiter
	cfg     Config
}

// New creates a Server. Call Router for the http.Handler and StartReloader
// on the rate limiter returned by Limiter if rules should refresh live.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		ctrl:   cfg.Controller,
		logger: cfg.Logger,
		cfg:    cfg,
	}
}

// Limiter returns the shield rate limiter, available after Router.
func (s *Server) Limiter() *shield.RateLimiter { return s.limiter }

// Router builds the chi router with the full middleware stack.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	if s.cfg.DB != nil {
		stack, rl := shield.DefaultStack(s.cfg.DB)
		s.limiter = rl
		for _, mw := range stack {
			r.Use(mw)
		}
	} else {
		r.Use(shield.HeadToGet)
		r.Use(shield.SecurityHeaders(shield.DefaultHeaders()))
		r.Use(shield.MaxJSONBody(1 << 20))
		r.Use(shield.RequestID)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Get("/pages", s.handlePages)
		r.Get("/pages/{id}/media", s.handleMedia)
		r.Delete("/pages/{id}", s.handleDropPage)

		r.Post("/media/{id}/rate", s.handleSetRate)
		r.Post("/media/{id}/seek", s.handleSeek)
		r.Post("/media/{id}/loop", s.handleSetLoop)
		r.Delete("/media/{id}/loop", s.handleClearLoop)

		r.Get("/settings", s.handleGetSettings)
		r.Put("/settings", s.handlePatchSettings)

		r.Get("/sites", s.handleSiteSpeeds)
		r.Get("/actions", s.handleActions)
	})

	return r
}

func (s *Server) handlePages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Pages())
}

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	media, err := s.ctrl.Media(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, media)
}

func (s *Server) handleDropPage(w http.ResponseWriter, r *http.Request) {
	s.ctrl.DropPage(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetRate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Rate float64 `json:"rate"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	applied, err := s.ctrl.SetRate(r.Context(), chi.URLParam(r, "id"), req.Rate)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"handle_id":    chi.URLParam(r, "id"),
		"applied_rate": applied,
	})
}

func (s *Server) handleSeek(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Delta float64 `json:"delta"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	if err := s.ctrl.SeekBy(r.Context(), chi.URLParam(r, "id"), req.Delta); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSetLoop(w http.ResponseWriter, r *http.Request) {
	var req struct {
		A float64 `json:"a"`
		B float64 `json:"b"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.A < 0 || req.B <= req.A {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "loop range requires 0 <= a < b"})
		return
	}

	if err := s.ctrl.SetLoopRange(r.Context(), chi.URLParam(r, "id"), req.A, req.B); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "looping", "a": req.A, "b": req.B})
}

func (s *Server) handleClearLoop(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.ClearLoopOn(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Settings())
}

func (s *Server) handlePatchSettings(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	updated, err := s.ctrl.PatchSettings(r.Context(), body)
	if err != nil {
		// Decode failures and keymap conflicts are both caller errors.
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleSiteSpeeds(w http.ResponseWriter, r *http.Request) {
	speeds, err := s.ctrl.SiteSpeeds(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, speeds)
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	f := &actionlog.Filter{
		Action:   r.URL.Query().Get("action"),
		PageHost: r.URL.Query().Get("host"),
		Limit:    queryInt(r, "limit", 100),
	}
	entries, err := s.ctrl.Actions(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []*actionlog.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors to status codes: unknown handles and pages
// are 404, invalid input is 400, a detached element is 409 (the registry
// will catch up on the next batch), everything else 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, controller.ErrUnknownHandle),
		errors.Is(err, mediawatch.ErrNoSuchPage):
		status = http.StatusNotFound
	case errors.Is(err, controller.ErrInvalidRate):
		status = http.StatusBadRequest
	case errors.Is(err, mediawatch.ErrElementDetached):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		shield.GetLogger(r.Context()).Error("httpapi: request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
