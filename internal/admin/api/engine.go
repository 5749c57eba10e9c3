package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/goodtune/ktime/internal/engine"
	"github.com/goodtune/ktime/internal/policy"
)

// Engine is the part of the scheduling loop the API controls.
type Engine interface {
	Status() *engine.Status
	Category(id string) (*policy.CategoryHandling, bool)
	SetSlowLoop(slow bool)
	SlowLoop() bool
	SetPaused(paused bool)
	Paused() bool
}

// EngineHandler handles engine status and runtime flag requests.
type EngineHandler struct {
	engine Engine
	logger zerolog.Logger
}

// NewEngineHandler creates a new engine handler.
func NewEngineHandler(e Engine, logger zerolog.Logger) *EngineHandler {
	return &EngineHandler{
		engine: e,
		logger: logger.With().Str("handler", "engine").Logger(),
	}
}

// GetStatus returns the summary of the latest tick.
func (h *EngineHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status := h.engine.Status()
	if status == nil {
		writeError(w, http.StatusServiceUnavailable, "Engine has not ticked yet")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// GetCategory returns the latest verdict of one category.
func (h *EngineHandler) GetCategory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	verdict, ok := h.engine.Category(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Category not found")
		return
	}
	writeJSON(w, http.StatusOK, verdict)
}

// SetSlow selects the long loop interval.
func (h *EngineHandler) SetSlow(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeFlag(w, r)
	if !ok {
		return
	}
	h.engine.SetSlowLoop(req.Enabled)
	h.logger.Info().Bool("enabled", req.Enabled).Msg("Slow loop changed")
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": h.engine.SlowLoop()})
}

// SetPause pauses the foreground app logic.
func (h *EngineHandler) SetPause(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeFlag(w, r)
	if !ok {
		return
	}
	h.engine.SetPaused(req.Enabled)
	h.logger.Info().Bool("enabled", req.Enabled).Msg("Foreground logic pause changed")
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": h.engine.Paused()})
}

func decodeFlag(w http.ResponseWriter, r *http.Request) (FlagRequest, bool) {
	var req FlagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return req, false
	}
	return req, true
}
