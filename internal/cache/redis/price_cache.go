package redis

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/looplabs/loopkeeper/internal/domain"
)

// PriceCache implements domain.PriceCache using Redis hashes. Each asset's
// price is a hash at "price:{asset}" with fields "price" (decimal WAD text)
// and "ts" (Unix nanoseconds).
type PriceCache struct {
	rdb *redis.Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.Underlying()}
}

func priceKey(asset common.Address) string {
	return "price:" + asset.Hex()
}

// SetPrice stores the latest WAD price for an asset, stamped now.
func (pc *PriceCache) SetPrice(ctx context.Context, asset common.Address, price *big.Int) error {
	if price == nil || price.Sign() <= 0 {
		return fmt.Errorf("redis: set price %s: non-positive price", asset.Hex())
	}
	fields := map[string]interface{}{
		"price": price.String(),
		"ts":    strconv.FormatInt(time.Now().UnixNano(), 10),
	}
	if err := pc.rdb.HSet(ctx, priceKey(asset), fields).Err(); err != nil {
		return fmt.Errorf("redis: set price %s: %w", asset.Hex(), err)
	}
	return nil
}

// GetPrice retrieves the latest price and its timestamp for an asset. It
// returns domain.ErrStalePrice when no price has been cached.
func (pc *PriceCache) GetPrice(ctx context.Context, asset common.Address) (*big.Int, time.Time, error) {
	vals, err := pc.rdb.HGetAll(ctx, priceKey(asset)).Result()
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("redis: get price %s: %w", asset.Hex(), err)
	}
	if len(vals) == 0 {
		return nil, time.Time{}, domain.ErrStalePrice
	}

	priceStr, ok := vals["price"]
	if !ok {
		return nil, time.Time{}, domain.ErrStalePrice
	}
	price, ok := new(big.Int).SetString(priceStr, 10)
	if !ok {
		return nil, time.Time{}, fmt.Errorf("redis: parse price %s: malformed %q", asset.Hex(), priceStr)
	}

	tsStr, ok := vals["ts"]
	if !ok {
		return nil, time.Time{}, domain.ErrStalePrice
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("redis: parse ts %s: %w", asset.Hex(), err)
	}
	return price, time.Unix(0, tsNano), nil
}

var _ domain.PriceCache = (*PriceCache)(nil)
