package forward

import (
	"context"
	"sync"
	"time"

	"relaybot/internal/session"
	"relaybot/pkg/logx"
)

type registered struct {
	client session.Client
	detach func()
}

// Registry tracks live per-user clients and their attached listeners.
// Registration is idempotent per user id.
type Registry struct {
	mu  sync.Mutex
	m   map[int64]registered
	log logx.Logger
}

func NewRegistry(log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{m: make(map[int64]registered), log: log}
}

// EnsureRegistered attaches h to the client and records it under its user id.
// A second call for the same user is a no-op returning the already registered
// client; the caller's fresh client should be closed by the caller.
func (r *Registry) EnsureRegistered(c session.Client, h session.Handler) (session.Client, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.m[c.UserID()]; ok {
		return prev.client, false, nil
	}
	detach, err := c.Listen(h)
	if err != nil {
		return nil, false, err
	}
	r.m[c.UserID()] = registered{client: c, detach: detach}
	r.log.Debug("client registered", logx.Int64("user", c.UserID()))
	return c, true, nil
}

// Get returns the live client for userID, if any.
func (r *Registry) Get(userID int64) (session.Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.m[userID]
	if !ok {
		return nil, false
	}
	return reg.client, true
}

// Users returns the ids of all registered users.
func (r *Registry) Users() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int64, 0, len(r.m))
	for id := range r.m {
		out = append(out, id)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.m)
}

// Deregister detaches the listener and closes the client. It reports whether
// the user was registered.
func (r *Registry) Deregister(ctx context.Context, userID int64) bool {
	r.mu.Lock()
	reg, ok := r.m[userID]
	if ok {
		delete(r.m, userID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	reg.detach()
	if err := reg.client.Close(ctx); err != nil {
		r.log.Warn("client close failed", logx.Int64("user", userID), logx.Err(err))
	}
	return true
}

// CloseAll detaches and closes every registered client with a per-client
// deadline. Used during shutdown after the workers have stopped.
func (r *Registry) CloseAll(ctx context.Context, perClient time.Duration) {
	r.mu.Lock()
	all := make([]registered, 0, len(r.m))
	for _, reg := range r.m {
		all = append(all, reg)
	}
	r.m = make(map[int64]registered)
	r.mu.Unlock()

	for _, reg := range all {
		reg.detach()
		cctx, cancel := context.WithTimeout(ctx, perClient)
		if err := reg.client.Close(cctx); err != nil {
			r.log.Warn("client close failed", logx.Int64("user", reg.client.UserID()), logx.Err(err))
		}
		cancel()
	}
}
