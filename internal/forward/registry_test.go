package forward

import (
	"context"
	"testing"
	"time"

	"relaybot/internal/session"
	"relaybot/pkg/logx"
)

func TestRegistryIdempotentRegister(t *testing.T) {
	t.Parallel()
	r := NewRegistry(logx.Nop())
	first := newFakeClient(1)
	second := newFakeClient(1)
	h := func(session.Event) {}

	live, fresh, err := r.EnsureRegistered(first, h)
	if err != nil || !fresh || live != session.Client(first) {
		t.Fatalf("first register = (%v, %v, %v)", live, fresh, err)
	}
	live, fresh, err = r.EnsureRegistered(second, h)
	if err != nil || fresh {
		t.Fatalf("second register = (fresh=%v, err=%v), want existing entry", fresh, err)
	}
	if live != session.Client(first) {
		t.Fatal("second register returned the loser client")
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
}

func TestRegistryDeregister(t *testing.T) {
	t.Parallel()
	r := NewRegistry(logx.Nop())
	c := newFakeClient(1)
	if _, _, err := r.EnsureRegistered(c, func(session.Event) {}); err != nil {
		t.Fatalf("register: %v", err)
	}

	if !r.Deregister(context.Background(), 1) {
		t.Fatal("Deregister reported missing user")
	}
	c.mu.Lock()
	closed, handler := c.closed, c.handler
	c.mu.Unlock()
	if !closed || handler != nil {
		t.Fatalf("closed=%v handler attached=%v after deregister", closed, handler != nil)
	}
	if r.Deregister(context.Background(), 1) {
		t.Fatal("second Deregister should report false")
	}
}

func TestRegistryCloseAll(t *testing.T) {
	t.Parallel()
	r := NewRegistry(logx.Nop())
	clients := []*fakeClient{newFakeClient(1), newFakeClient(2), newFakeClient(3)}
	for _, c := range clients {
		if _, _, err := r.EnsureRegistered(c, func(session.Event) {}); err != nil {
			t.Fatalf("register %d: %v", c.userID, err)
		}
	}

	r.CloseAll(context.Background(), time.Second)

	if r.Len() != 0 {
		t.Fatalf("Len = %d after CloseAll", r.Len())
	}
	for _, c := range clients {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if !closed {
			t.Fatalf("client %d not closed", c.userID)
		}
	}
}
