// Package control exposes the bus over HTTP so scripts and other front-ends
// can drive a running session.
package control

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/user/clawterm/internal/bus"
	"github.com/user/clawterm/internal/runtime"
	"github.com/user/clawterm/internal/types"
)

// TurnSource reports the running turn.
type TurnSource interface {
	Active() (runtime.TurnInfo, bool)
}

// Server is a lightweight HTTP handler for the control endpoints.
type Server struct {
	bus       *bus.Bus
	turns     TurnSource
	sessionID types.SessionID
	journal   types.Journal
	artifacts types.ArtifactStore
	mux       *http.ServeMux
}

// NewServer creates a control Server. journal and artifacts may be nil.
func NewServer(b *bus.Bus, turns TurnSource, sessionID types.SessionID, journal types.Journal, artifacts types.ArtifactStore) *Server {
	s := &Server{
		bus:       b,
		turns:     turns,
		sessionID: sessionID,
		journal:   journal,
		artifacts: artifacts,
		mux:       http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /status", s.handleStatus)
	s.mux.HandleFunc("POST /input", s.handleInput)
	s.mux.HandleFunc("POST /cancel", s.handleCancel)
	s.mux.HandleFunc("POST /confirm", s.handleConfirm)
	s.mux.HandleFunc("POST /clear", s.handleClear)
	s.mux.HandleFunc("GET /api/journal", s.handleJournal)
	s.mux.HandleFunc("GET /api/artifacts/{id}", s.handleArtifact)
	s.mux.Handle("GET /metrics", promhttp.Handler())
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write control response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// accept sends ev and answers 202, or 503 when the bus is closed.
func (s *Server) accept(w http.ResponseWriter, r *http.Request, ev bus.Event) {
	if err := s.bus.Send(r.Context(), ev); err != nil {
		slog.Warn("control event rejected", "kind", ev.Kind(), "error", err)
		writeError(w, http.StatusServiceUnavailable, "runtime unavailable")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type channelStatus struct {
	Channel   string `json:"channel"`
	Sent      uint64 `json:"sent"`
	Delivered uint64 `json:"delivered"`
	Depth     int    `json:"depth"`
}

type turnStatus struct {
	TurnID    types.TurnID `json:"turn_id"`
	Status    string       `json:"status"`
	Iteration int          `json:"iteration"`
	Calls     int          `json:"calls"`
	StartedAt string       `json:"started_at"`
}

type statusResponse struct {
	SessionID types.SessionID `json:"session_id"`
	Turn      *turnStatus     `json:"turn,omitempty"`
	Channels  []channelStatus `json:"channels"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{SessionID: s.sessionID}
	if s.turns != nil {
		if info, ok := s.turns.Active(); ok {
			resp.Turn = &turnStatus{
				TurnID:    info.ID,
				Status:    string(info.Status),
				Iteration: info.Iteration,
				Calls:     info.Calls,
				StartedAt: info.Started.Format(time.RFC3339),
			}
		}
	}
	for _, st := range s.bus.Stats() {
		resp.Channels = append(resp.Channels, channelStatus{
			Channel:   st.Channel.String(),
			Sent:      st.Sent,
			Delivered: st.Delivered,
			Depth:     st.Depth,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// inputRequest is the JSON body for POST /input.
type inputRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	var req inputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if s.turns != nil {
		if _, busy := s.turns.Active(); busy {
			writeError(w, http.StatusConflict, runtime.ErrTurnInProgress.Error())
			return
		}
	}
	s.accept(w, r, bus.UserInput{Text: req.Text})
}

// cancelRequest is the optional JSON body for POST /cancel.
type cancelRequest struct {
	TurnID types.TurnID `json:"turn_id"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	s.accept(w, r, bus.Cancel{TurnID: req.TurnID})
}

// confirmRequest is the JSON body for POST /confirm.
type confirmRequest struct {
	RequestID types.RequestID `json:"request_id"`
	Approved  bool            `json:"approved"`
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.RequestID == "" {
		writeError(w, http.StatusBadRequest, "request_id is required")
		return
	}
	s.accept(w, r, bus.ConfirmToolExecution{RequestID: req.RequestID, Approved: req.Approved})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	s.accept(w, r, bus.ClearConversation{})
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, "journal not enabled")
		return
	}

	limit := 200
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}

	entries, err := s.journal.Tail(r.Context(), s.sessionID, limit)
	if err != nil {
		slog.Error("tail journal failed", "session_id", s.sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if entries == nil {
		entries = []*types.JournalEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

type artifactResponse struct {
	Meta *types.ArtifactMeta `json:"meta"`
	Data json.RawMessage     `json:"data,omitempty"`
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	if s.artifacts == nil {
		writeError(w, http.StatusServiceUnavailable, "artifacts not enabled")
		return
	}
	id := types.ArtifactID(r.PathValue("id"))
	meta, err := s.artifacts.GetMeta(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "artifact not found")
		return
	}
	resp := artifactResponse{Meta: meta}
	if q := r.URL.Query().Get("q"); q != "" {
		excerpt, err := s.artifacts.Excerpt(r.Context(), id, q, 2000)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		resp.Data, _ = json.Marshal(excerpt)
	} else {
		data, err := s.artifacts.Get(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		resp.Data = data
	}
	writeJSON(w, http.StatusOK, resp)
}
