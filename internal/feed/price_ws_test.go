package feed

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ethAddr = common.HexToAddress("0x00000000000000000000000000000000000000e1")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func wadRat(num, den int64) *big.Int {
	wad := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	out := new(big.Int).Mul(big.NewInt(num), wad)
	return out.Div(out, big.NewInt(den))
}

func TestParseWADPrices(t *testing.T) {
	cases := []struct {
		in   string
		want *big.Int
	}{
		{"1", wadRat(1, 1)},
		{"2450.75", wadRat(980300, 400)},
		{"0.000001", wadRat(1, 1_000_000)},
	}
	for _, tc := range cases {
		got, err := parseWAD(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, 0, tc.want.Cmp(got), "parseWAD(%q) = %s, want %s", tc.in, got, tc.want)
	}

	for _, bad := range []string{"", "0", "-3", "n/a"} {
		_, err := parseWAD(bad)
		assert.Error(t, err, bad)
	}
}

func collectTicks(t *testing.T) (*WSPriceFeed, *[]PriceUpdate) {
	t.Helper()
	var got []PriceUpdate
	f := NewWSPriceFeed("ws://unused", map[string]common.Address{"ETHUSD": ethAddr},
		func(ctx context.Context, u PriceUpdate) { got = append(got, u) },
		testLogger(),
	)
	return f, &got
}

func TestHandleMessageDispatchesTick(t *testing.T) {
	f, got := collectTicks(t)

	f.handleMessage(context.Background(), []byte(`{"type":"tick","symbol":"ethusd","price":"2000.5","ts":1700000000000}`))

	require.Len(t, *got, 1)
	u := (*got)[0]
	assert.Equal(t, ethAddr, u.Asset)
	assert.Equal(t, 0, wadRat(40010, 20).Cmp(u.Price))
	assert.Equal(t, time.UnixMilli(1700000000000), u.At)
}

func TestHandleMessageDropsUnknownSymbol(t *testing.T) {
	f, got := collectTicks(t)

	f.handleMessage(context.Background(), []byte(`{"type":"tick","symbol":"BTCUSD","price":"60000"}`))

	assert.Empty(t, *got)
}

func TestHandleMessageDropsMalformed(t *testing.T) {
	f, got := collectTicks(t)

	f.handleMessage(context.Background(), []byte(`not json`))
	f.handleMessage(context.Background(), []byte(`{"type":"tick","symbol":"ETHUSD","price":"-1"}`))
	f.handleMessage(context.Background(), []byte(`{"type":"heartbeat"}`))

	assert.Empty(t, *got)
}

func TestHandleMessageDefaultsTimestamp(t *testing.T) {
	f, got := collectTicks(t)

	before := time.Now()
	f.handleMessage(context.Background(), []byte(`{"symbol":"ETHUSD","price":"1"}`))
	require.Len(t, *got, 1)
	assert.False(t, (*got)[0].At.Before(before))
}
