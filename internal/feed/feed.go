// Package feed exposes the engine's state over HTTP: a JSON snapshot
// endpoint for one-shot reads and a websocket stream that sends the snapshot
// followed by live registry events.
package feed

import (
	"encoding/json"
	"net/http"
	"time"

	"conductor/internal/errs"
	"conductor/internal/logging"
	"conductor/internal/orchestrator"
	"conductor/internal/session"
)

// Snapshot is a consistent copy of the registry at one point in time.
type Snapshot struct {
	Projects   []session.Project `json:"projects"`
	Sessions   []session.Session `json:"sessions"`
	ServerTime time.Time         `json:"server_time"`
}

// Handler serves the read-side API.
type Handler struct {
	Engine *orchestrator.Orchestrator
	Logger *logging.Logger
}

// Router returns the handler's routes on a fresh mux.
func (h *Handler) Router() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/snapshot", h.handleSnapshot)
	mux.HandleFunc("GET /api/sessions/{id}/content", h.handleContent)
	mux.HandleFunc("GET /api/sessions/{id}/diff", h.handleDiff)
	mux.HandleFunc("/ws/events", h.handleEvents)
	return mux
}

func (h *Handler) snapshot() Snapshot {
	return Snapshot{
		Projects:   h.Engine.ListProjects(),
		Sessions:   h.Engine.ListSessions(),
		ServerTime: time.Now().UTC(),
	}
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.snapshot())
}

type contentResponse struct {
	ID         session.ID `json:"id"`
	Text       string     `json:"text"`
	Lines      int        `json:"lines"`
	Generation uint64     `json:"generation"`
	CapturedAt time.Time  `json:"captured_at"`
}

func (h *Handler) handleContent(w http.ResponseWriter, r *http.Request) {
	id := session.ID(r.PathValue("id"))
	capture, err := h.Engine.GetContent(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, contentResponse{
		ID:         id,
		Text:       capture.Text,
		Lines:      capture.Lines,
		Generation: capture.Generation,
		CapturedAt: capture.CapturedAt,
	})
}

func (h *Handler) handleDiff(w http.ResponseWriter, r *http.Request) {
	id := session.ID(r.PathValue("id"))
	model, err := h.Engine.GetDiff(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errs.KindOf(err) {
	case errs.KindNotFound:
		status = http.StatusNotFound
	case errs.KindConflict:
		status = http.StatusConflict
	case errs.KindTimeout:
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
