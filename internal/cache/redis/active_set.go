package redis

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/looplabs/loopkeeper/internal/domain"
)

// activeSetKey is the Redis SET of users with a live position. The health
// sweeper walks it instead of scanning the position table.
const activeSetKey = "positions:active"

// ActiveSet implements domain.ActiveSet on a Redis SET.
type ActiveSet struct {
	rdb *redis.Client
}

// NewActiveSet creates an ActiveSet backed by the given Client.
func NewActiveSet(c *Client) *ActiveSet {
	return &ActiveSet{rdb: c.Underlying()}
}

// Add registers user in the active set.
func (a *ActiveSet) Add(ctx context.Context, user common.Address) error {
	if err := a.rdb.SAdd(ctx, activeSetKey, user.Hex()).Err(); err != nil {
		return fmt.Errorf("redis: active set add %s: %w", user.Hex(), err)
	}
	return nil
}

// Remove drops user from the active set.
func (a *ActiveSet) Remove(ctx context.Context, user common.Address) error {
	if err := a.rdb.SRem(ctx, activeSetKey, user.Hex()).Err(); err != nil {
		return fmt.Errorf("redis: active set remove %s: %w", user.Hex(), err)
	}
	return nil
}

// Members returns every user in the active set.
func (a *ActiveSet) Members(ctx context.Context) ([]common.Address, error) {
	vals, err := a.rdb.SMembers(ctx, activeSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: active set members: %w", err)
	}
	out := make([]common.Address, 0, len(vals))
	for _, v := range vals {
		out = append(out, common.HexToAddress(v))
	}
	return out, nil
}

var _ domain.ActiveSet = (*ActiveSet)(nil)
