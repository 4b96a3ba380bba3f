package domain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore is the authoritative persistence for positions, one record
// per user. Create fails with ErrPositionExists when a record is present;
// Get and Update fail with ErrNoPosition when it is not.
type PositionStore interface {
	Create(ctx context.Context, pos Position) error
	Update(ctx context.Context, pos Position) error
	Get(ctx context.Context, user common.Address) (Position, error)
	Delete(ctx context.Context, user common.Address) error
	ListActive(ctx context.Context, limit int) ([]Position, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log. Failed controller-initiated
// steps land here so automation health can be monitored.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ActiveSet tracks which users currently have a live position, for the
// periodic health sweep.
type ActiveSet interface {
	Add(ctx context.Context, user common.Address) error
	Remove(ctx context.Context, user common.Address) error
	Members(ctx context.Context) ([]common.Address, error)
}

// PriceCache caches oracle/feed prices per asset with a freshness timestamp.
type PriceCache interface {
	SetPrice(ctx context.Context, asset common.Address, price *big.Int) error
	GetPrice(ctx context.Context, asset common.Address) (*big.Int, time.Time, error)
}

// LockManager hands out cross-process per-user locks. Acquire returns
// ErrLockHeld when another party holds the lock.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// RateLimiter bounds request rates per key over a sliding window.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// EventBus publishes engine events (steps, emergencies, finalizations) for
// downstream consumers.
type EventBus interface {
	Publish(ctx context.Context, stream string, payload []byte) error
}

// BlobWriter stores archived history objects.
type BlobWriter interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
}
