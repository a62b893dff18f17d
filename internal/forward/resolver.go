package forward

import (
	"context"
	"sync"
	"time"

	"relaybot/internal/session"
	"relaybot/pkg/logx"
)

// Resolver memoizes destination lookups per (user, destination).
//
// A hit returns the cached handle with no external call. A miss performs one
// resolution attempt against the user's session; failure leaves the entry
// absent so a later call retries. Entries live for the process lifetime and
// are cleared wholesale when the owning user's session ends.
type Resolver struct {
	mu    sync.Mutex
	cache map[int64]map[int64]session.Recipient

	attempts int
	delay    time.Duration
	log      logx.Logger
}

func NewResolver(attempts int, delay time.Duration, log logx.Logger) *Resolver {
	if attempts <= 0 {
		attempts = 3
	}
	if delay <= 0 {
		delay = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resolver{
		cache:    map[int64]map[int64]session.Recipient{},
		attempts: attempts,
		delay:    delay,
		log:      log,
	}
}

// Resolve returns the sendable handle for (user, target), resolving on
// demand if not already cached.
func (r *Resolver) Resolve(ctx context.Context, c session.Client, userID, target int64) (session.Recipient, error) {
	r.mu.Lock()
	if byTarget := r.cache[userID]; byTarget != nil {
		if h, ok := byTarget[target]; ok {
			r.mu.Unlock()
			return h, nil
		}
	}
	r.mu.Unlock()

	h, err := c.Resolve(ctx, target)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	byTarget := r.cache[userID]
	if byTarget == nil {
		byTarget = map[int64]session.Recipient{}
		r.cache[userID] = byTarget
	}
	byTarget[target] = h
	r.mu.Unlock()
	return h, nil
}

// Cached reports whether (user, target) is already resolved.
func (r *Resolver) Cached(userID, target int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	byTarget := r.cache[userID]
	if byTarget == nil {
		return false
	}
	_, ok := byTarget[target]
	return ok
}

// PreResolve warms the cache for a set of destinations: each destination is
// attempted up to the configured number of times with a fixed delay between
// attempts. Attempts are independent per destination; failures are logged
// and never escalate. Intended to run on a supervised goroutine.
func (r *Resolver) PreResolve(ctx context.Context, c session.Client, userID int64, targets []int64) {
	for _, target := range targets {
		for attempt := 1; attempt <= r.attempts; attempt++ {
			if ctx.Err() != nil {
				return
			}
			if _, err := r.Resolve(ctx, c, userID, target); err == nil {
				r.log.Debug("target resolved",
					logx.Int64("user", userID), logx.Int64("target", target), logx.Int("attempt", attempt))
				break
			} else {
				r.log.Debug("target resolution failed",
					logx.Int64("user", userID), logx.Int64("target", target),
					logx.Int("attempt", attempt), logx.Err(err))
			}
			if attempt == r.attempts {
				r.log.Warn("target left unresolved",
					logx.Int64("user", userID), logx.Int64("target", target), logx.Int("attempts", r.attempts))
				break
			}
			t := time.NewTimer(r.delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
	}
}

// DropUser clears every cached handle of one user.
func (r *Resolver) DropUser(userID int64) {
	r.mu.Lock()
	delete(r.cache, userID)
	r.mu.Unlock()
}
