// Package api is the HTTP surface of the gateway: open sessions, send
// turns, list sessions and stream status events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/user/llmgate/internal/events"
	"github.com/user/llmgate/internal/gateway"
	"github.com/user/llmgate/internal/runtime"
	"github.com/user/llmgate/internal/types"
	"github.com/user/llmgate/pkg/llm"
)

// Gateway is the part of the supervisor the API drives.
type Gateway interface {
	Open(ctx context.Context, key types.SessionKey, binding types.Binding) (types.SessionID, error)
	SendAndWait(ctx context.Context, id types.SessionID, text string) (events.Event, error)
	State(id types.SessionID) runtime.State
}

// Server is the HTTP handler for the API endpoints.
type Server struct {
	gateway     Gateway
	sessions    types.SessionStore
	transcripts types.TranscriptStore
	bus         *events.Bus
	binding     types.Binding
	mux         *http.ServeMux
}

// NewServer creates a Server. binding fills the fields a create request
// leaves empty. transcripts may be nil.
func NewServer(gw Gateway, sessions types.SessionStore, transcripts types.TranscriptStore, bus *events.Bus, binding types.Binding) *Server {
	s := &Server{
		gateway:     gw,
		sessions:    sessions,
		transcripts: transcripts,
		bus:         bus,
		binding:     binding,
		mux:         http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /v1/sessions", s.handleOpen)
	s.mux.HandleFunc("GET /v1/sessions", s.handleList)
	s.mux.HandleFunc("POST /v1/sessions/{id}/messages", s.handleSend)
	s.mux.HandleFunc("GET /v1/sessions/{id}/events", s.handleEvents)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusOf maps gateway and core errors onto HTTP statuses.
func statusOf(err error) int {
	switch {
	case errors.Is(err, llm.ErrDuplicateTurn):
		return http.StatusConflict
	case errors.Is(err, types.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, llm.ErrInvalidProvider):
		return http.StatusBadRequest
	case errors.Is(err, runtime.ErrWorkerStopped), errors.Is(err, gateway.ErrNotStarted), errors.Is(err, gateway.ErrSessionClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// openRequest is the JSON body for POST /v1/sessions. Every field is
// optional.
type openRequest struct {
	SessionKey  string `json:"session_key"`
	Vendor      string `json:"vendor"`
	AuthMode    string `json:"auth_mode"`
	AuthSession string `json:"auth_session"`
	Model       string `json:"model"`
}

type openResponse struct {
	SessionID types.SessionID `json:"session_id"`
	Binding   types.Binding   `json:"binding"`
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}

	binding, err := s.bindingFor(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	key := types.SessionKey(req.SessionKey)
	if key == "" {
		key = types.NewSessionKey("api", string(types.NewSessionID()))
	}
	id, err := s.gateway.Open(r.Context(), key, binding)
	if err != nil {
		slog.Error("open session failed", "session_key", string(key), "error", err)
		writeError(w, statusOf(err), err.Error())
		return
	}

	if sess, err := s.sessions.Get(r.Context(), id); err == nil {
		binding = sess.Binding
	}
	writeJSON(w, http.StatusCreated, openResponse{SessionID: id, Binding: binding})
}

func (s *Server) bindingFor(req openRequest) (types.Binding, error) {
	b := s.binding
	if req.Vendor != "" {
		v, err := llm.ParseVendor(req.Vendor)
		if err != nil {
			return b, err
		}
		if v != b.Vendor {
			b = types.Binding{Vendor: v, AuthSession: b.AuthSession}
		}
	}
	if req.AuthMode != "" {
		m, err := llm.ParseAuthMode(req.AuthMode)
		if err != nil {
			return b, err
		}
		b.AuthMode = m
	}
	if req.AuthSession != "" {
		b.AuthSession = req.AuthSession
	}
	if req.Model != "" {
		b.Model = req.Model
	}
	if b.Vendor == "" {
		return b, errors.New("vendor is required")
	}
	return b, nil
}

// sendRequest is the JSON body for POST /v1/sessions/{id}/messages.
type sendRequest struct {
	Text string `json:"text"`
}

type sendResponse struct {
	TurnID     types.TurnID `json:"turn_id"`
	Message    *llm.Message `json:"message"`
	Degraded   bool         `json:"degraded,omitempty"`
	ErrorClass llm.Class    `json:"error_class,omitempty"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	id := types.SessionID(r.PathValue("id"))

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	ev, err := s.gateway.SendAndWait(r.Context(), id, req.Text)
	if err != nil {
		status := statusOf(err)
		if status >= http.StatusInternalServerError {
			slog.Error("send failed", "session_id", string(id), "error", err)
		}
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, sendResponse{
		TurnID:     ev.TurnID,
		Message:    ev.Message,
		Degraded:   ev.Degraded,
		ErrorClass: ev.ErrorClass,
	})
}

type sessionResponse struct {
	SessionID    string        `json:"session_id"`
	SessionKey   string        `json:"session_key"`
	Binding      types.Binding `json:"binding"`
	State        runtime.State `json:"state"`
	Turns        int64         `json:"turns"`
	MessageCount int64         `json:"message_count"`
	CreatedAt    string        `json:"created_at"`
	UpdatedAt    string        `json:"updated_at"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessions, err := s.sessions.List(ctx)
	if err != nil {
		slog.Error("list sessions failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	result := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		var count int64
		if s.transcripts != nil {
			count, err = s.transcripts.Count(ctx, sess.SessionID)
			if err != nil {
				slog.Warn("count messages failed", "session_id", string(sess.SessionID), "error", err)
			}
		}
		result = append(result, sessionResponse{
			SessionID:    string(sess.SessionID),
			SessionKey:   string(sess.SessionKey),
			Binding:      sess.Binding,
			State:        s.gateway.State(sess.SessionID),
			Turns:        sess.Turns,
			MessageCount: count,
			CreatedAt:    sess.CreatedAt.Format(time.RFC3339),
			UpdatedAt:    sess.UpdatedAt.Format(time.RFC3339),
		})
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt > result[j].UpdatedAt
	})

	writeJSON(w, http.StatusOK, result)
}
