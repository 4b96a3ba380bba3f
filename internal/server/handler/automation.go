package handler

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/looplabs/loopkeeper/internal/domain"
	"github.com/looplabs/loopkeeper/internal/engine"
)

// AutomationService defines the controller-facing methods the automation
// handler needs.
type AutomationService interface {
	Evaluate(ctx context.Context, user common.Address) (domain.Decision, engine.StepResult, error)
	Snapshot(ctx context.Context, user common.Address) (domain.Snapshot, error)
	Pause()
	Resume()
	Paused() bool
	FeeReserve() *big.Int
}

// SweepRunner runs one sweep over every active position on demand.
type SweepRunner interface {
	SweepOnce(ctx context.Context) (domain.BatchReport, error)
}

// AutomationHandler serves the keeper control endpoints.
type AutomationHandler struct {
	automation AutomationService
	sweeper    SweepRunner // optional
	logger     *slog.Logger
}

// NewAutomationHandler creates an AutomationHandler. sweeper may be nil when
// the process runs without the background sweep.
func NewAutomationHandler(automation AutomationService, sweeper SweepRunner, logger *slog.Logger) *AutomationHandler {
	return &AutomationHandler{
		automation: automation,
		sweeper:    sweeper,
		logger:     logHandler(logger, "automation"),
	}
}

// stepResultResponse is the JSON shape of one executed step.
type stepResultResponse struct {
	Decision   string `json:"decision"`
	Committed  bool   `json:"committed"`
	SkipReason string `json:"skip_reason,omitempty"`
	Position   any    `json:"position"`
}

// GetState reports the pause switch and the remaining fee reserve.
// GET /api/automation
func (h *AutomationHandler) GetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"paused":      h.automation.Paused(),
		"fee_reserve": bigStr(h.automation.FeeReserve()),
	})
}

// Pause stops controller-driven execution process-wide.
// POST /api/automation/pause
func (h *AutomationHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.automation.Pause()
	h.logger.WarnContext(r.Context(), "automation paused via api")
	writeJSON(w, http.StatusOK, map[string]any{"paused": true})
}

// Resume re-enables controller-driven execution.
// POST /api/automation/resume
func (h *AutomationHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.automation.Resume()
	h.logger.InfoContext(r.Context(), "automation resumed via api")
	writeJSON(w, http.StatusOK, map[string]any{"paused": false})
}

// Evaluate runs one decide-and-execute cycle for a user.
// POST /api/automation/evaluate/{user}
func (h *AutomationHandler) Evaluate(w http.ResponseWriter, r *http.Request) {
	user, err := pathAddress(r, "user")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	decision, result, err := h.automation.Evaluate(r.Context(), user)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNoPosition):
			writeError(w, http.StatusNotFound, "no position for "+user.Hex())
		case errors.Is(err, domain.ErrLockHeld):
			writeError(w, http.StatusConflict, "position is busy, retry shortly")
		default:
			h.logger.ErrorContext(r.Context(), "evaluate failed",
				slog.String("user", user.Hex()),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "evaluate failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, stepResultResponse{
		Decision:   string(decision),
		Committed:  result.Committed,
		SkipReason: result.SkipReason,
		Position:   toPositionResponse(result.Position),
	})
}

// Sweep triggers one immediate sweep of every active position.
// POST /api/automation/sweep
func (h *AutomationHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	if h.sweeper == nil {
		writeError(w, http.StatusNotImplemented, "sweeper not running in this mode")
		return
	}
	report, err := h.sweeper.SweepOnce(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "manual sweep failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "sweep failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}
