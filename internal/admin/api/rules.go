package api

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/ktime/internal/rules"
)

// ReloadFunc re-imports the rules document.
type ReloadFunc func(ctx context.Context) (rules.Result, error)

// RulesHandler handles rules requests.
type RulesHandler struct {
	reload ReloadFunc
	logger zerolog.Logger
}

// NewRulesHandler creates a new rules handler.
func NewRulesHandler(reload ReloadFunc, logger zerolog.Logger) *RulesHandler {
	return &RulesHandler{
		reload: reload,
		logger: logger.With().Str("handler", "rules").Logger(),
	}
}

// Reload re-imports the rules document and the app policies.
func (h *RulesHandler) Reload(w http.ResponseWriter, r *http.Request) {
	h.logger.Info().Msg("Manual rules reload requested")

	res, err := h.reload(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to reload rules")
		writeError(w, http.StatusUnprocessableEntity, "Failed to reload rules: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":            "Rules reloaded successfully",
		"users":              res.Users,
		"categories":         res.Categories,
		"rules":              res.Rules,
		"deleted_categories": res.DeletedCategories,
		"deleted_rules":      res.DeletedRules,
		"timestamp":          time.Now(),
	})
}
