package handler

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/looplabs/loopkeeper/internal/domain"
	"github.com/looplabs/loopkeeper/internal/service"
)

// PositionService defines the lifecycle methods the position handler needs.
type PositionService interface {
	Open(ctx context.Context, p service.OpenParams) (domain.Position, error)
	AutoOnboard(ctx context.Context, user, collateralAsset, borrowAsset common.Address, amount *big.Int, path []common.Address) (domain.Position, error)
	Get(ctx context.Context, user common.Address) (domain.Position, error)
	ListActive(ctx context.Context, limit int) ([]domain.Position, error)
	SetTriggers(ctx context.Context, user common.Address, nonce uint64, takeProfit, stopLoss *big.Int) (domain.Position, error)
	RequestUnwind(ctx context.Context, user common.Address, nonce uint64) (domain.Position, error)
	EmergencyExit(ctx context.Context, user common.Address, nonce uint64) (domain.Position, error)
	Finalize(ctx context.Context, user common.Address) error
}

// PositionHandler serves the position lifecycle endpoints.
type PositionHandler struct {
	positions PositionService
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(positions PositionService, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		logger:    logHandler(logger, "position"),
	}
}

// positionResponse is the JSON shape of a position. Big integers travel as
// decimal strings.
type positionResponse struct {
	User            string   `json:"user"`
	CollateralAsset string   `json:"collateral_asset"`
	BorrowAsset     string   `json:"borrow_asset"`
	Conversion      string   `json:"conversion"`
	SwapPath        []string `json:"swap_path,omitempty"`

	InitialCollateral string `json:"initial_collateral"`
	TargetLeverage    string `json:"target_leverage"`
	CurrentLeverage   string `json:"current_leverage"`
	MaxIterations     int    `json:"max_iterations"`
	CurrentIteration  int    `json:"current_iteration"`

	MinHealthFactor      string `json:"min_health_factor"`
	SlippageToleranceBps int64  `json:"slippage_tolerance_bps"`

	State            string `json:"state"`
	LastUpdateHeight uint64 `json:"last_update_height"`

	UseFlashExecution bool   `json:"use_flash_execution"`
	MaxFeeSpend       string `json:"max_fee_spend"`
	FeeSpentSoFar     string `json:"fee_spent_so_far"`
	MinStepInterval   uint64 `json:"min_step_interval"`
	ExecutionNonce    uint64 `json:"execution_nonce"`

	TakeProfitPrice string `json:"take_profit_price"`
	StopLossPrice   string `json:"stop_loss_price"`

	OpenedAt  string `json:"opened_at"`
	UpdatedAt string `json:"updated_at"`
}

func toPositionResponse(pos domain.Position) positionResponse {
	resp := positionResponse{
		User:                 pos.User.Hex(),
		CollateralAsset:      pos.CollateralAsset.Hex(),
		BorrowAsset:          pos.BorrowAsset.Hex(),
		Conversion:           string(pos.Conversion),
		InitialCollateral:    bigStr(pos.InitialCollateral),
		TargetLeverage:       bigStr(pos.TargetLeverage),
		CurrentLeverage:      bigStr(pos.CurrentLeverage),
		MaxIterations:        pos.MaxIterations,
		CurrentIteration:     pos.CurrentIteration,
		MinHealthFactor:      bigStr(pos.MinHealthFactor),
		SlippageToleranceBps: pos.SlippageToleranceBps,
		State:                string(pos.State),
		LastUpdateHeight:     pos.LastUpdateHeight,
		UseFlashExecution:    pos.UseFlashExecution,
		MaxFeeSpend:          bigStr(pos.MaxFeeSpend),
		FeeSpentSoFar:        bigStr(pos.FeeSpentSoFar),
		MinStepInterval:      pos.MinStepInterval,
		ExecutionNonce:       pos.ExecutionNonce,
		TakeProfitPrice:      bigStr(pos.TakeProfitPrice),
		StopLossPrice:        bigStr(pos.StopLossPrice),
		OpenedAt:             pos.OpenedAt.UTC().Format(time.RFC3339),
		UpdatedAt:            pos.UpdatedAt.UTC().Format(time.RFC3339),
	}
	for _, hop := range pos.SwapPath {
		resp.SwapPath = append(resp.SwapPath, hop.Hex())
	}
	return resp
}

// openRequest is the body of POST /api/positions.
type openRequest struct {
	User            string   `json:"user"`
	CollateralAsset string   `json:"collateral_asset"`
	BorrowAsset     string   `json:"borrow_asset"`
	SwapPath        []string `json:"swap_path"`

	InitialCollateral string `json:"initial_collateral"`
	TargetLeverage    string `json:"target_leverage"`

	MinHealthFactor      string `json:"min_health_factor"`
	SlippageToleranceBps int64  `json:"slippage_tolerance_bps"`
	MaxIterations        int    `json:"max_iterations"`

	UseFlashExecution bool   `json:"use_flash_execution"`
	MaxFeeSpend       string `json:"max_fee_spend"`
	MinStepInterval   uint64 `json:"min_step_interval"`
	ExecutionNonce    uint64 `json:"execution_nonce"`

	TakeProfitPrice string `json:"take_profit_price"`
	StopLossPrice   string `json:"stop_loss_price"`
}

func (req openRequest) toParams() (service.OpenParams, error) {
	var p service.OpenParams
	for _, addr := range []struct {
		raw string
		dst *common.Address
	}{
		{req.User, &p.User},
		{req.CollateralAsset, &p.CollateralAsset},
		{req.BorrowAsset, &p.BorrowAsset},
	} {
		if !common.IsHexAddress(addr.raw) {
			return p, errors.New("invalid address " + addr.raw)
		}
		*addr.dst = common.HexToAddress(addr.raw)
	}
	for _, hop := range req.SwapPath {
		if !common.IsHexAddress(hop) {
			return p, errors.New("invalid swap path address " + hop)
		}
		p.SwapPath = append(p.SwapPath, common.HexToAddress(hop))
	}

	var err error
	if p.InitialCollateral, err = parseWAD(req.InitialCollateral); err != nil {
		return p, err
	}
	if p.TargetLeverage, err = parseWAD(req.TargetLeverage); err != nil {
		return p, err
	}
	if p.MinHealthFactor, err = parseWAD(req.MinHealthFactor); err != nil {
		return p, err
	}
	if p.MaxFeeSpend, err = parseWAD(req.MaxFeeSpend); err != nil {
		return p, err
	}
	if p.TakeProfitPrice, err = parseWAD(req.TakeProfitPrice); err != nil {
		return p, err
	}
	if p.StopLossPrice, err = parseWAD(req.StopLossPrice); err != nil {
		return p, err
	}

	p.SlippageToleranceBps = req.SlippageToleranceBps
	p.MaxIterations = req.MaxIterations
	p.UseFlashExecution = req.UseFlashExecution
	p.MinStepInterval = req.MinStepInterval
	p.ExecutionNonce = req.ExecutionNonce
	return p, nil
}

// onboardRequest is the body of POST /api/positions/onboard.
type onboardRequest struct {
	User            string   `json:"user"`
	CollateralAsset string   `json:"collateral_asset"`
	BorrowAsset     string   `json:"borrow_asset"`
	Amount          string   `json:"amount"`
	SwapPath        []string `json:"swap_path"`
}

// nonceRequest is the body of nonce-gated position operations.
type nonceRequest struct {
	Nonce uint64 `json:"nonce"`
}

// triggersRequest is the body of PUT /api/positions/{user}/triggers.
type triggersRequest struct {
	Nonce           uint64 `json:"nonce"`
	TakeProfitPrice string `json:"take_profit_price"`
	StopLossPrice   string `json:"stop_loss_price"`
}

// ListPositions returns every non-idle position.
// GET /api/positions
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	positions, err := h.positions.ListActive(r.Context(), opts.Limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list positions failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}
	out := make([]positionResponse, 0, len(positions))
	for _, pos := range positions {
		out = append(out, toPositionResponse(pos))
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": out})
}

// GetPosition returns one user's position.
// GET /api/positions/{user}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	user, err := pathAddress(r, "user")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	pos, err := h.positions.Get(r.Context(), user)
	if err != nil {
		h.respondError(w, r, user, err, "get position")
		return
	}
	writeJSON(w, http.StatusOK, toPositionResponse(pos))
}

// OpenPosition opens a new leveraged position.
// POST /api/positions
func (h *PositionHandler) OpenPosition(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	params, err := req.toParams()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	pos, err := h.positions.Open(r.Context(), params)
	if err != nil {
		h.respondError(w, r, params.User, err, "open position")
		return
	}
	writeJSON(w, http.StatusCreated, toPositionResponse(pos))
}

// Onboard opens a conservative position from a standing authorization: only
// the parties, the deposit, and an optional swap path; the engine's default
// onboarding target supplies the rest.
// POST /api/positions/onboard
func (h *PositionHandler) Onboard(w http.ResponseWriter, r *http.Request) {
	var req onboardRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var user, collateral, borrow common.Address
	for _, addr := range []struct {
		raw string
		dst *common.Address
	}{
		{req.User, &user},
		{req.CollateralAsset, &collateral},
		{req.BorrowAsset, &borrow},
	} {
		if !common.IsHexAddress(addr.raw) {
			writeError(w, http.StatusBadRequest, "invalid address "+addr.raw)
			return
		}
		*addr.dst = common.HexToAddress(addr.raw)
	}
	amount, err := parseWAD(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var path []common.Address
	for _, hop := range req.SwapPath {
		if !common.IsHexAddress(hop) {
			writeError(w, http.StatusBadRequest, "invalid swap path address "+hop)
			return
		}
		path = append(path, common.HexToAddress(hop))
	}
	pos, err := h.positions.AutoOnboard(r.Context(), user, collateral, borrow, amount, path)
	if err != nil {
		h.respondError(w, r, user, err, "onboard position")
		return
	}
	writeJSON(w, http.StatusCreated, toPositionResponse(pos))
}

// SetTriggers updates the take-profit and stop-loss prices.
// PUT /api/positions/{user}/triggers
func (h *PositionHandler) SetTriggers(w http.ResponseWriter, r *http.Request) {
	user, err := pathAddress(r, "user")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req triggersRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	takeProfit, err := parseWAD(req.TakeProfitPrice)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	stopLoss, err := parseWAD(req.StopLossPrice)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	pos, err := h.positions.SetTriggers(r.Context(), user, req.Nonce, takeProfit, stopLoss)
	if err != nil {
		h.respondError(w, r, user, err, "set triggers")
		return
	}
	writeJSON(w, http.StatusOK, toPositionResponse(pos))
}

// RequestUnwind starts a cooperative deleveraging.
// POST /api/positions/{user}/unwind
func (h *PositionHandler) RequestUnwind(w http.ResponseWriter, r *http.Request) {
	h.nonceGated(w, r, "request unwind", h.positions.RequestUnwind)
}

// EmergencyExit forces the position into emergency deleveraging.
// POST /api/positions/{user}/emergency
func (h *PositionHandler) EmergencyExit(w http.ResponseWriter, r *http.Request) {
	h.nonceGated(w, r, "emergency exit", h.positions.EmergencyExit)
}

// FinalizePosition retires a settled position and revokes approvals.
// POST /api/positions/{user}/finalize
func (h *PositionHandler) FinalizePosition(w http.ResponseWriter, r *http.Request) {
	user, err := pathAddress(r, "user")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.positions.Finalize(r.Context(), user); err != nil {
		h.respondError(w, r, user, err, "finalize position")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "finalized", "user": user.Hex()})
}

func (h *PositionHandler) nonceGated(
	w http.ResponseWriter,
	r *http.Request,
	op string,
	fn func(ctx context.Context, user common.Address, nonce uint64) (domain.Position, error),
) {
	user, err := pathAddress(r, "user")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req nonceRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	pos, err := fn(r.Context(), user, req.Nonce)
	if err != nil {
		h.respondError(w, r, user, err, op)
		return
	}
	writeJSON(w, http.StatusOK, toPositionResponse(pos))
}

// respondError maps domain errors to HTTP statuses and logs everything else.
func (h *PositionHandler) respondError(w http.ResponseWriter, r *http.Request, user common.Address, err error, op string) {
	switch {
	case errors.Is(err, domain.ErrNoPosition):
		writeError(w, http.StatusNotFound, "no position for "+user.Hex())
	case errors.Is(err, domain.ErrPositionExists):
		writeError(w, http.StatusConflict, "position already exists for "+user.Hex())
	case errors.Is(err, domain.ErrAuthorizationMismatch):
		writeError(w, http.StatusForbidden, "execution nonce mismatch")
	case errors.Is(err, domain.ErrInvalidLeverage), errors.Is(err, domain.ErrInvalidTransition):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrLockHeld):
		writeError(w, http.StatusConflict, "position is busy, retry shortly")
	default:
		h.logger.ErrorContext(r.Context(), op+" failed",
			slog.String("user", user.Hex()),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, op+" failed")
	}
}
