package handler

import (
	"context"
	"net/http"

	"github.com/alanyoungcy/daotreasury/internal/domain"
)

// StatusSources supplies the aggregates rendered by the status endpoint.
type StatusSources struct {
	Vault      interface{ GetVaultStats(context.Context) domain.VaultStats }
	Splitter   interface{ GetStats(context.Context) domain.SplitterStats }
	Governance interface {
		GetGovernanceStats(context.Context) domain.GovernanceStats
	}
	Fallback interface{ GetStats(context.Context) domain.FallbackStats }
}

// StatusHandler serves the combined treasury overview.
type StatusHandler struct {
	mode string
	src  StatusSources
}

// NewStatusHandler creates a StatusHandler for the given run mode.
func NewStatusHandler(mode string, src StatusSources) *StatusHandler {
	return &StatusHandler{mode: mode, src: src}
}

// GetStatus responds with every subsystem's stats.
// GET /v1/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	fb := h.src.Fallback.GetStats(ctx)
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":          h.mode,
		"paused":        fb.Paused,
		"system_status": fb.SystemStatus,
		"vault":         h.src.Vault.GetVaultStats(ctx),
		"splitter":      h.src.Splitter.GetStats(ctx),
		"governance":    h.src.Governance.GetGovernanceStats(ctx),
		"fallback":      fb,
	})
}
