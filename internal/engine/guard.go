package engine

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/looplabs/loopkeeper/internal/domain"
)

// Guard rejects re-entrant step execution for a user while one is in flight.
// It is the in-process complement to the redis LockManager: even with redis
// unavailable, two goroutines in this process can never mutate the same
// position concurrently.
type Guard struct {
	mu       sync.Mutex
	inflight map[common.Address]struct{}
}

// NewGuard creates an empty Guard.
func NewGuard() *Guard {
	return &Guard{inflight: make(map[common.Address]struct{})}
}

// Acquire marks user as in flight and returns a release function. It returns
// domain.ErrLockHeld when a step for the same user is already running.
// The release function is safe to call more than once.
func (g *Guard) Acquire(user common.Address) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, held := g.inflight[user]; held {
		return nil, domain.ErrLockHeld
	}
	g.inflight[user] = struct{}{}

	released := false
	release := func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if released {
			return
		}
		released = true
		delete(g.inflight, user)
	}
	return release, nil
}
