package forward

import (
	"context"
	"errors"
	"testing"
	"time"

	"relaybot/pkg/logx"
)

func TestResolverMemoizes(t *testing.T) {
	t.Parallel()
	r := NewResolver(3, time.Millisecond, logx.Nop())
	c := newFakeClient(1)

	for i := 0; i < 5; i++ {
		got, err := r.Resolve(context.Background(), c, 1, 200)
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if got.(int64) != 200 {
			t.Fatalf("Resolve = %v, want 200", got)
		}
	}
	if n := c.resolveCount(200); n != 1 {
		t.Fatalf("client Resolve called %d times, want 1", n)
	}
	if !r.Cached(1, 200) {
		t.Fatal("Cached(1, 200) = false after success")
	}
}

func TestResolverDoesNotCacheFailures(t *testing.T) {
	t.Parallel()
	r := NewResolver(3, time.Millisecond, logx.Nop())
	c := newFakeClient(1)
	c.failNext[300] = []error{errors.New("no such chat")}

	if _, err := r.Resolve(context.Background(), c, 1, 300); err == nil {
		t.Fatal("expected error for unresolvable target")
	}
	if r.Cached(1, 300) {
		t.Fatal("failure must not be cached")
	}

	// The next attempt hits the client again and succeeds.
	got, err := r.Resolve(context.Background(), c, 1, 300)
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if got.(int64) != 300 {
		t.Fatalf("Resolve = %v, want 300", got)
	}
	if n := c.resolveCount(300); n != 2 {
		t.Fatalf("client Resolve called %d times, want 2", n)
	}
}

func TestPreResolveRetries(t *testing.T) {
	t.Parallel()
	r := NewResolver(3, time.Millisecond, logx.Nop())
	c := newFakeClient(1)
	c.failNext[400] = []error{errors.New("later"), errors.New("later")}

	r.PreResolve(context.Background(), c, 1, []int64{400})

	if n := c.resolveCount(400); n != 3 {
		t.Fatalf("client Resolve called %d times, want 3", n)
	}
	if !r.Cached(1, 400) {
		t.Fatal("target should be cached after third attempt succeeded")
	}
}

func TestPreResolveGivesUpQuietly(t *testing.T) {
	t.Parallel()
	r := NewResolver(2, time.Millisecond, logx.Nop())
	c := newFakeClient(1)
	c.failNext[500] = []error{errors.New("a"), errors.New("b"), errors.New("c")}

	r.PreResolve(context.Background(), c, 1, []int64{500, 600})

	if n := c.resolveCount(500); n != 2 {
		t.Fatalf("client Resolve called %d times for 500, want 2", n)
	}
	if r.Cached(1, 500) {
		t.Fatal("unresolved target must not be cached")
	}
	// The neighbouring target still resolves on its own schedule.
	if !r.Cached(1, 600) {
		t.Fatal("independent target should have resolved")
	}
}

func TestPreResolveHonorsContext(t *testing.T) {
	t.Parallel()
	r := NewResolver(5, time.Hour, logx.Nop())
	c := newFakeClient(1)
	c.failNext[700] = []error{errors.New("x"), errors.New("x"), errors.New("x"), errors.New("x"), errors.New("x")}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan struct{})
	go func() {
		r.PreResolve(ctx, c, 1, []int64{700})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("PreResolve did not return on cancelled context")
	}
}

func TestResolverDropUser(t *testing.T) {
	t.Parallel()
	r := NewResolver(1, time.Millisecond, logx.Nop())
	c := newFakeClient(1)
	if _, err := r.Resolve(context.Background(), c, 1, 200); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	r.DropUser(1)
	if r.Cached(1, 200) {
		t.Fatal("DropUser left entries behind")
	}
}
