// Package feed streams external market prices into the keeper. The websocket
// feed supplements the on-chain oracle: trigger checks read the freshest of
// the two, and the sweep never blocks on a feed outage.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// PriceUpdate is one tick from the feed, already scaled to WAD.
type PriceUpdate struct {
	Asset common.Address
	Price *big.Int
	At    time.Time
}

// PriceHandler is called for every parsed tick.
type PriceHandler func(ctx context.Context, update PriceUpdate)

// tickMessage is the wire shape of a feed tick.
type tickMessage struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
	TsMs   int64  `json:"ts"`
}

// subscribeCommand asks the feed for ticks on the given symbols.
type subscribeCommand struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols"`
}

// WSPriceFeed connects to a price websocket, subscribes to the configured
// symbols, and invokes the handler for each tick. It reconnects with
// exponential backoff on disconnect.
type WSPriceFeed struct {
	wsURL   string
	symbols map[string]common.Address // feed symbol -> asset address
	onTick  PriceHandler
	logger  *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewWSPriceFeed creates a feed mapping feed symbols to asset addresses.
func NewWSPriceFeed(wsURL string, symbols map[string]common.Address, onTick PriceHandler, logger *slog.Logger) *WSPriceFeed {
	return &WSPriceFeed{
		wsURL:   wsURL,
		symbols: symbols,
		onTick:  onTick,
		logger:  logger.With(slog.String("component", "price_ws_feed")),
		done:    make(chan struct{}),
	}
}

// Run connects, subscribes, and dispatches ticks until ctx is cancelled.
func (f *WSPriceFeed) Run(ctx context.Context) error {
	if len(f.symbols) == 0 {
		f.logger.Info("no symbols configured, price feed idle")
		return nil
	}
	delay := reconnectDelay
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		default:
		}

		err := f.runConnection(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logger.Warn("price feed disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// Close stops the feed.
func (f *WSPriceFeed) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}

func (f *WSPriceFeed) runConnection(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.wsURL, nil)
	if err != nil {
		return fmt.Errorf("feed: connect %s: %w", f.wsURL, err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	syms := make([]string, 0, len(f.symbols))
	for s := range f.symbols {
		syms = append(syms, s)
	}
	cmd := subscribeCommand{Type: "subscribe", Symbols: syms}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("feed: marshal subscribe: %w", err)
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("feed: subscribe: %w", err)
	}
	f.logger.Info("price feed subscribed", slog.Int("symbols", len(syms)))

	stop := make(chan struct{})
	defer close(stop)
	go f.pingLoop(conn, stop)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		default:
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("feed: read: %w", err)
		}
		f.handleMessage(ctx, message)
	}
}

func (f *WSPriceFeed) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-f.done:
			return
		case <-stop:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (f *WSPriceFeed) handleMessage(ctx context.Context, raw []byte) {
	var tick tickMessage
	if err := json.Unmarshal(raw, &tick); err != nil {
		return // drop unparseable messages
	}
	if tick.Type != "" && tick.Type != "tick" {
		return
	}
	asset, ok := f.symbols[strings.ToUpper(strings.TrimSpace(tick.Symbol))]
	if !ok {
		return
	}
	price, err := parseWAD(tick.Price)
	if err != nil {
		f.logger.Debug("price feed dropped malformed tick",
			slog.String("symbol", tick.Symbol),
			slog.String("price", tick.Price),
		)
		return
	}
	at := time.Now()
	if tick.TsMs > 0 {
		at = time.UnixMilli(tick.TsMs)
	}
	if f.onTick != nil {
		f.onTick(ctx, PriceUpdate{Asset: asset, Price: price, At: at})
	}
}

// parseWAD converts a decimal price string to a WAD-scaled integer.
func parseWAD(s string) (*big.Int, error) {
	r, ok := new(big.Rat).SetString(strings.TrimSpace(s))
	if !ok || r.Sign() <= 0 {
		return nil, fmt.Errorf("feed: bad price %q", s)
	}
	wad := new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
	r.Mul(r, wad)
	return new(big.Int).Quo(r.Num(), r.Denom()), nil
}
