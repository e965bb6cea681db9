// Package httpapi is the operator control surface: switch connection
// control, task routing and floor accepts, extension state and the operator
// WebSocket.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sweeney/asterisk-callcenter/internal/observability"
	"github.com/sweeney/asterisk-callcenter/internal/routing"
	"github.com/sweeney/asterisk-callcenter/internal/store"
	"github.com/sweeney/asterisk-callcenter/internal/supervisor"
)

// Switch is the connection control the surface exposes.
type Switch interface {
	Status() supervisor.Status
	ForceReconnect(ctx context.Context) error
	Disconnect()
}

type Server struct {
	sw      Switch
	routing *routing.Coordinator
	store   store.Store
	ws      http.Handler
	metrics *observability.Metrics
	logger  *slog.Logger
	mode    string
}

// Options configures a Server. WS may be nil, in which case /v1/ws is not
// served.
type Options struct {
	WS        http.Handler
	Metrics   *observability.Metrics
	Logger    *slog.Logger
	StoreMode string
}

func New(sw Switch, rc *routing.Coordinator, st store.Store, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.StoreMode == "" {
		opts.StoreMode = "memory"
	}
	return &Server{
		sw:      sw,
		routing: rc,
		store:   st,
		ws:      opts.WS,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		mode:    opts.StoreMode,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})

	r.Get("/v1/switch/status", s.handleSwitchStatus)
	r.Post("/v1/switch/reconnect", s.handleSwitchReconnect)
	r.Post("/v1/switch/disconnect", s.handleSwitchDisconnect)

	r.Get("/v1/tasks/{id}", s.handleGetTask)
	r.Post("/v1/tasks/{id}/route", s.handleRouteTask)
	r.Post("/v1/tasks/{id}/accept", s.handleAcceptTask)
	r.Post("/v1/tasks/{id}/reject", s.handleRejectTask)
	r.Post("/v1/tasks/{id}/hangup", s.handleHangupTask)

	r.Get("/v1/extensions", s.handleListExtensions)
	r.Post("/v1/extensions/{number}/state", s.handleExtensionState)
	r.Post("/v1/calls/originate", s.handleOriginate)
	r.Get("/v1/queues/{id}/status", s.handleQueueStatus)

	if s.ws != nil {
		r.Get("/v1/ws", s.ws.ServeHTTP)
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"switch_connected": s.sw.Status().Connected,
		"store_mode":       s.mode,
	})
}

func (s *Server) handleSwitchStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.sw.Status())
}

func (s *Server) handleSwitchReconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.sw.ForceReconnect(r.Context()); err != nil {
		s.logger.Warn("forced reconnect failed", "err", err)
		respondError(w, http.StatusServiceUnavailable, "switch_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, s.sw.Status())
}

func (s *Server) handleSwitchDisconnect(w http.ResponseWriter, _ *http.Request) {
	s.sw.Disconnect()
	respondJSON(w, http.StatusOK, s.sw.Status())
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	t, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			err = routing.ErrTaskNotFound
		}
		s.respondRoutingError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) handleRouteTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	var req routing.RouteRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	t, err := s.routing.Route(r.Context(), id, req)
	if err != nil {
		s.respondRoutingError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

type extensionRequest struct {
	Extension string `json:"extension"`
}

func (s *Server) handleAcceptTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	var req extensionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	t, err := s.routing.Accept(r.Context(), id, strings.TrimSpace(req.Extension))
	if err != nil {
		s.respondRoutingError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) handleRejectTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	var req extensionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := s.routing.Reject(r.Context(), id, strings.TrimSpace(req.Extension)); err != nil {
		s.respondRoutingError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"task_id": id, "status": "rejected"})
}

func (s *Server) handleHangupTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	t, err := s.routing.Hangup(r.Context(), id)
	if err != nil {
		s.respondRoutingError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

func (s *Server) handleListExtensions(w http.ResponseWriter, r *http.Request) {
	enabledOnly := r.URL.Query().Get("enabled") == "true"
	exts, err := s.store.ListExtensions(r.Context(), enabledOnly)
	if err != nil {
		s.respondRoutingError(w, err)
		return
	}
	if exts == nil {
		exts = []store.Extension{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"extensions": exts})
}

type extensionStateRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleExtensionState(w http.ResponseWriter, r *http.Request) {
	number := strings.TrimSpace(chi.URLParam(r, "number"))
	if number == "" {
		respondError(w, http.StatusBadRequest, "invalid_extension", "missing extension number")
		return
	}
	var req extensionStateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Enabled == nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "enabled is required")
		return
	}
	e, err := s.routing.SetExtensionState(r.Context(), number, *req.Enabled)
	if err != nil {
		s.respondRoutingError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, e)
}

type originateRequest struct {
	routing.OriginateRequest
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

func (s *Server) handleOriginate(w http.ResponseWriter, r *http.Request) {
	var req originateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.TimeoutSeconds > 0 {
		req.Timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	if err := s.routing.Originate(r.Context(), req.OriginateRequest); err != nil {
		s.respondRoutingError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "originating", "from": req.From, "to": req.To})
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.routing.QueueStatus(r.Context(), strings.TrimSpace(chi.URLParam(r, "id")))
	if err != nil {
		s.respondRoutingError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func taskID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return "", false
	}
	return id, true
}

// respondRoutingError maps coordinator and supervisor errors onto statuses.
// ErrNotConnected is checked before ErrSwitchCommandFailed because a command
// refused for lack of a session carries both.
func (s *Server) respondRoutingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, routing.ErrTaskNotFound):
		respondError(w, http.StatusNotFound, "task_not_found", err.Error())
	case errors.Is(err, routing.ErrExtensionNotFound):
		respondError(w, http.StatusNotFound, "extension_not_found", err.Error())
	case errors.Is(err, routing.ErrMissingTarget):
		respondError(w, http.StatusBadRequest, "missing_target", err.Error())
	case errors.Is(err, routing.ErrChannelNotEstablished):
		respondError(w, http.StatusBadRequest, "channel_not_established", err.Error())
	case errors.Is(err, routing.ErrInvalidRouteType):
		respondError(w, http.StatusBadRequest, "invalid_route_type", err.Error())
	case errors.Is(err, routing.ErrAlreadyClaimed):
		respondError(w, http.StatusConflict, "already_claimed", err.Error())
	case errors.Is(err, routing.ErrNotRoutable):
		respondError(w, http.StatusConflict, "not_routable", err.Error())
	case errors.Is(err, supervisor.ErrNotConnected):
		respondError(w, http.StatusServiceUnavailable, "switch_not_connected", err.Error())
	case errors.Is(err, routing.ErrSwitchCommandFailed):
		respondError(w, http.StatusBadGateway, "switch_command_failed", err.Error())
	default:
		s.logger.Error("request failed", "err", err)
		respondError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
