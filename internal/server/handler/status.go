package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/looplabs/loopkeeper/internal/domain"
)

// StatusHandler reports run mode, operator identity, and chain head for the
// dashboard.
type StatusHandler struct {
	mode       string
	operator   common.Address
	chain      domain.ChainReader
	automation AutomationService
	logger     *slog.Logger
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(mode string, operator common.Address, chain domain.ChainReader, automation AutomationService, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		mode:       mode,
		operator:   operator,
		chain:      chain,
		automation: automation,
		logger:     logHandler(logger, "status"),
	}
}

// GetStatus responds with the keeper's run mode, operator address, current
// block height, and pause state.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var height uint64
	if h.chain != nil {
		n, err := h.chain.BlockHeight(ctx)
		if err != nil {
			h.logger.WarnContext(ctx, "status block height read failed", slog.String("error", err.Error()))
		} else {
			height = n
		}
	}

	out := map[string]any{
		"mode":         h.mode,
		"operator":     h.operator.Hex(),
		"block_height": height,
		"paused":       false,
	}
	if h.automation != nil {
		out["paused"] = h.automation.Paused()
		out["fee_reserve"] = bigStr(h.automation.FeeReserve())
	}

	writeJSON(w, http.StatusOK, out)
}
