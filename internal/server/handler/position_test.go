package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/looplabs/loopkeeper/internal/domain"
	"github.com/looplabs/loopkeeper/internal/service"
)

// fakePositions records the last onboarding call and returns canned results.
type fakePositions struct {
	onboardUser   common.Address
	onboardAmount *big.Int
	onboardPath   []common.Address
	onboardErr    error
	result        domain.Position
}

func (f *fakePositions) Open(_ context.Context, p service.OpenParams) (domain.Position, error) {
	return f.result, nil
}

func (f *fakePositions) AutoOnboard(_ context.Context, user, _, _ common.Address, amount *big.Int, path []common.Address) (domain.Position, error) {
	f.onboardUser = user
	f.onboardAmount = amount
	f.onboardPath = path
	if f.onboardErr != nil {
		return domain.Position{}, f.onboardErr
	}
	return f.result, nil
}

func (f *fakePositions) Get(_ context.Context, _ common.Address) (domain.Position, error) {
	return f.result, nil
}

func (f *fakePositions) ListActive(_ context.Context, _ int) ([]domain.Position, error) {
	return nil, nil
}

func (f *fakePositions) SetTriggers(_ context.Context, _ common.Address, _ uint64, _, _ *big.Int) (domain.Position, error) {
	return f.result, nil
}

func (f *fakePositions) RequestUnwind(_ context.Context, _ common.Address, _ uint64) (domain.Position, error) {
	return f.result, nil
}

func (f *fakePositions) EmergencyExit(_ context.Context, _ common.Address, _ uint64) (domain.Position, error) {
	return f.result, nil
}

func (f *fakePositions) Finalize(_ context.Context, _ common.Address) error { return nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOnboardOpensConservativePosition(t *testing.T) {
	user := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	asset := common.HexToAddress("0x1111111111111111111111111111111111111111")
	fake := &fakePositions{result: domain.Position{
		User:            user,
		CollateralAsset: asset,
		BorrowAsset:     asset,
		TargetLeverage:  big.NewInt(1_500_000_000_000_000_000),
		State:           domain.StateLooping,
	}}
	h := NewPositionHandler(fake, discardLogger())

	body := `{"user":"` + user.Hex() + `","collateral_asset":"` + asset.Hex() +
		`","borrow_asset":"` + asset.Hex() + `","amount":"2000000000000000000"}`
	req := httptest.NewRequest(http.MethodPost, "/api/positions/onboard", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Onboard(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, user, fake.onboardUser)
	assert.Equal(t, "2000000000000000000", fake.onboardAmount.String())

	var resp positionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, user.Hex(), resp.User)
	assert.Equal(t, "1500000000000000000", resp.TargetLeverage)
	assert.Equal(t, string(domain.StateLooping), resp.State)
}

func TestOnboardRejectsBadInput(t *testing.T) {
	h := NewPositionHandler(&fakePositions{}, discardLogger())

	for name, body := range map[string]string{
		"bad address": `{"user":"not-an-address","collateral_asset":"0x1111111111111111111111111111111111111111","borrow_asset":"0x1111111111111111111111111111111111111111","amount":"1"}`,
		"bad amount":  `{"user":"0x00000000000000000000000000000000000000aa","collateral_asset":"0x1111111111111111111111111111111111111111","borrow_asset":"0x1111111111111111111111111111111111111111","amount":"-5"}`,
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/positions/onboard", strings.NewReader(body))
			rec := httptest.NewRecorder()
			h.Onboard(rec, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestOnboardMapsExistingPosition(t *testing.T) {
	fake := &fakePositions{onboardErr: domain.ErrPositionExists}
	h := NewPositionHandler(fake, discardLogger())

	body := `{"user":"0x00000000000000000000000000000000000000aa","collateral_asset":"0x1111111111111111111111111111111111111111","borrow_asset":"0x1111111111111111111111111111111111111111","amount":"1000000000000000000"}`
	req := httptest.NewRequest(http.MethodPost, "/api/positions/onboard", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Onboard(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}
