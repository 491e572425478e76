// Package server is the HTTP surface of the runtime.
//
// Routes:
//
//	POST /games/{id}/move    run one turn
//	GET  /games              list registered games
//	GET  /games/{id}         one game's summary
//	POST /games/{id}/reload  re-read a game's source (dev mode only)
//	POST /move               legacy turn endpoint, game id in the body
//	GET  /healthz, /readyz   liveness and readiness probes
//	GET  /metrics            Prometheus exposition
//
// Error responses are {"code","message"} JSON bodies. Runtime error codes map
// to status codes: unknown game is 404, admission rejection is 429, malformed
// requests are 400, everything else is 500.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/wittgen/lgdl/internal/engine"
	"github.com/wittgen/lgdl/internal/health"
	"github.com/wittgen/lgdl/internal/observe"
	"github.com/wittgen/lgdl/internal/registry"
	"github.com/wittgen/lgdl/pkg/lgerr"
)

// maxBodyBytes bounds a turn request body.
const maxBodyBytes = 64 << 10

// Server routes HTTP requests into the turn engine and registry.
type Server struct {
	engine   *engine.Engine
	registry *registry.Registry
	health   *health.Handler
	metrics  http.Handler
	obs      *observe.Metrics
	devMode  bool
}

// Option configures a [Server].
type Option func(*Server)

// WithHealth installs the health handler behind /healthz and /readyz.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler installs the /metrics exposition handler.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithObservability wraps all routes in the request-duration middleware.
func WithObservability(m *observe.Metrics) Option {
	return func(s *Server) { s.obs = m }
}

// WithDevMode enables the reload endpoint.
func WithDevMode(enabled bool) Option {
	return func(s *Server) { s.devMode = enabled }
}

// New creates a Server.
func New(eng *engine.Engine, reg *registry.Registry, opts ...Option) *Server {
	s := &Server{engine: eng, registry: reg}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /games/{id}/move", s.handleMove)
	mux.HandleFunc("GET /games", s.handleListGames)
	mux.HandleFunc("GET /games/{id}", s.handleGetGame)
	mux.HandleFunc("POST /games/{id}/reload", s.handleReload)
	mux.HandleFunc("POST /move", s.handleLegacyMove)

	if s.health != nil {
		s.health.Register(mux)
	}
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	var h http.Handler = mux
	if s.obs != nil {
		h = observe.Middleware(s.obs)(h)
	}
	return h
}

// ─── turn endpoints ─────────────────────────────────────────────────────────

// moveRequest is the turn request body. GameID is only read on the legacy
// endpoint; the path value wins elsewhere.
type moveRequest struct {
	GameID         string `json:"game_id,omitempty"`
	ConversationID string `json:"conversation_id"`
	Input          string `json:"input"`
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	s.processMove(w, r, r.PathValue("id"))
}

// handleLegacyMove serves the pre-namespacing turn route. Kept for old
// clients; new integrations should use /games/{id}/move.
func (s *Server) handleLegacyMove(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Deprecation", "true")
	w.Header().Set("Link", `</games/{id}/move>; rel="successor-version"`)
	s.processMove(w, r, "")
}

func (s *Server) processMove(w http.ResponseWriter, r *http.Request, gameID string) {
	req, err := decodeMove(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "E000", err.Error())
		return
	}
	if gameID == "" {
		gameID = req.GameID
	}
	if gameID == "" || req.ConversationID == "" || strings.TrimSpace(req.Input) == "" {
		writeError(w, http.StatusBadRequest, "E000",
			"game id, conversation_id, and input are all required")
		return
	}

	res, err := s.engine.Process(r.Context(), engine.Request{
		GameID:         gameID,
		ConversationID: req.ConversationID,
		Input:          req.Input,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func decodeMove(r *http.Request) (*moveRequest, error) {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()

	var req moveRequest
	if err := dec.Decode(&req); err != nil {
		return nil, errors.New("malformed request body: " + err.Error())
	}
	return &req, nil
}

// ─── registry endpoints ─────────────────────────────────────────────────────

// gameSummary is the read-model for /games/{id}.
type gameSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
	Moves       int    `json:"moves"`
	FileHash    string `json:"file_hash"`
}

func (s *Server) handleListGames(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"games": s.registry.IDs()})
}

func (s *Server) handleGetGame(w http.ResponseWriter, r *http.Request) {
	entry, err := s.registry.Get(r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gameSummary{
		ID:          entry.Game.ID,
		Name:        entry.Game.Name,
		Version:     entry.Game.Version,
		Description: entry.Game.Description,
		Moves:       len(entry.Game.Moves),
		FileHash:    entry.FileHash,
	})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if !s.devMode {
		writeError(w, http.StatusForbidden, "E000", "reload is only available in dev mode")
		return
	}
	id := r.PathValue("id")
	entry, swapped, err := s.registry.Reload(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	slog.Info("reload requested", "game", id, "swapped", swapped)
	writeJSON(w, http.StatusOK, map[string]any{
		"game":     id,
		"reloaded": swapped,
		"hash":     entry.FileHash,
	})
}

// ─── response helpers ───────────────────────────────────────────────────────

// errorBody is the wire form of every error response.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeEngineError maps a runtime error to its HTTP status. Client-class
// statuses carry the coded message; a 500 gets a sanitized body and the full
// error goes to the log only, since internal failures can quote store DSNs
// or transport addresses.
func writeEngineError(w http.ResponseWriter, err error) {
	code := lgerr.CodeOf(err)
	switch code {
	case lgerr.CodeUnknownGame:
		writeError(w, http.StatusNotFound, string(code), err.Error())
		return
	case lgerr.CodeAdmissionRejected:
		writeError(w, http.StatusTooManyRequests, string(code), err.Error())
		return
	}

	slog.Error("request failed", "code", code, "err", err)
	msg := "internal error"
	if coded, ok := lgerr.FromError(err); ok {
		msg = coded.Sanitized()
	}
	writeError(w, http.StatusInternalServerError, string(code), msg)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	if code == "" {
		code = "E000"
	}
	writeJSON(w, status, errorBody{Code: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encode failed", "err", err)
	}
}
