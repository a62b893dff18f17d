package forward

import (
	"context"
	"errors"
	"testing"
	"time"

	"relaybot/internal/session"
	"relaybot/pkg/logx"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func newServiceFixture(t *testing.T) (*Service, *fakeProvider, *fakeStore, context.CancelFunc) {
	t.Helper()
	provider := newFakeProvider()
	store := newFakeStore()
	svc := NewService(provider, store, Options{
		Workers:      2,
		QueueSize:    32,
		ResolveDelay: time.Millisecond,
		RestoreBatch: 2,
	}, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	svc.Start(ctx)
	t.Cleanup(func() {
		cancel()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		_ = svc.Stop(stopCtx)
	})
	return svc, provider, store, cancel
}

func TestServiceEndToEnd(t *testing.T) {
	t.Parallel()
	svc, provider, store, _ := newServiceFixture(t)
	client := provider.add(newFakeClient(1))

	if err := svc.Login(context.Background(), 1, "alice", "tok"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := svc.AddTask(context.Background(), Task{
		UserID: 1, Label: "news", Sources: []int64{100}, Targets: []int64{200},
	}); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if _, err := svc.Toggle(1, "news", FieldRemovedNumeric); err != nil {
		t.Fatalf("Toggle: %v", err)
	}

	client.deliver(session.Event{ChatID: 100, Text: "code 1234", At: time.Now()})

	waitFor(t, 2*time.Second, func() bool { return len(client.sentTexts()) == 1 })
	if got := client.sentTexts()[0]; got.Target != 200 || got.Text != "1234" {
		t.Fatalf("sent = %+v, want (200, 1234)", got)
	}

	if _, ok := store.settingsFor(1, "news"); !ok {
		t.Fatal("task settings never persisted")
	}
}

func TestServiceFloodWaitReenqueues(t *testing.T) {
	t.Parallel()
	svc, provider, _, _ := newServiceFixture(t)
	client := provider.add(newFakeClient(1))
	client.sendErrs = []error{&session.FloodWaitError{Seconds: 0}}

	if err := svc.Login(context.Background(), 1, "alice", "tok"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := svc.AddTask(context.Background(), Task{
		UserID: 1, Label: "a", Sources: []int64{100}, Targets: []int64{200},
	}); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if _, err := svc.Toggle(1, "a", FieldRawText); err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	if _, err := svc.Toggle(1, "a", FieldForwardTag); err != nil {
		t.Fatalf("Toggle: %v", err)
	}

	start := time.Now()
	client.deliver(session.Event{ChatID: 100, Text: "hello", At: time.Now()})

	// First attempt hits flood wait (0s -> 1s pause), then the job is
	// re-enqueued and delivered.
	waitFor(t, 5*time.Second, func() bool { return len(client.sentTexts()) == 1 })
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Fatalf("delivery after %v, want at least the 1s flood pause", elapsed)
	}
	if got := client.sentTexts()[0]; got.Text != "hello" {
		t.Fatalf("sent %+v after flood wait", got)
	}
}

func TestServiceAddTaskRequiresLogin(t *testing.T) {
	t.Parallel()
	svc, _, _, _ := newServiceFixture(t)
	err := svc.AddTask(context.Background(), Task{UserID: 9, Label: "x", Sources: []int64{1}, Targets: []int64{2}})
	if !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("err = %v, want ErrNotRegistered", err)
	}
}

func TestServiceDuplicateLabel(t *testing.T) {
	t.Parallel()
	svc, provider, _, _ := newServiceFixture(t)
	provider.add(newFakeClient(1))
	if err := svc.Login(context.Background(), 1, "a", "tok"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	task := Task{UserID: 1, Label: "dup", Sources: []int64{1}, Targets: []int64{2}}
	if err := svc.AddTask(context.Background(), task); err != nil {
		t.Fatalf("first AddTask: %v", err)
	}
	if err := svc.AddTask(context.Background(), task); !errors.Is(err, ErrTaskExists) {
		t.Fatalf("err = %v, want ErrTaskExists", err)
	}
}

func TestServiceDeleteTask(t *testing.T) {
	t.Parallel()
	svc, provider, store, _ := newServiceFixture(t)
	provider.add(newFakeClient(1))
	if err := svc.Login(context.Background(), 1, "a", "tok"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := svc.AddTask(context.Background(), Task{UserID: 1, Label: "x", Sources: []int64{1}, Targets: []int64{2}}); err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	if err := svc.DeleteTask(context.Background(), 1, "x"); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if err := svc.DeleteTask(context.Background(), 1, "x"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("second delete err = %v, want ErrTaskNotFound", err)
	}
	store.mu.Lock()
	_, still := store.tasks[key(1, "x")]
	store.mu.Unlock()
	if still {
		t.Fatal("task row survived deletion")
	}
}

func TestServiceLogout(t *testing.T) {
	t.Parallel()
	svc, provider, store, _ := newServiceFixture(t)
	client := provider.add(newFakeClient(1))
	if err := svc.Login(context.Background(), 1, "a", "tok"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := svc.Logout(context.Background(), 1); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	client.mu.Lock()
	closed, handler := client.closed, client.handler
	client.mu.Unlock()
	if !closed || handler != nil {
		t.Fatalf("client closed=%v handler=%v after logout", closed, handler != nil)
	}
	if err := svc.Logout(context.Background(), 1); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("second logout err = %v, want ErrNotRegistered", err)
	}

	store.mu.Lock()
	u := store.users[1]
	store.mu.Unlock()
	if u.LoggedIn {
		t.Fatal("user still marked logged in")
	}
}

func TestServiceRestore(t *testing.T) {
	t.Parallel()
	provider := newFakeProvider()
	store := newFakeStore()

	// Persisted state from a previous run: one logged-in user, one active
	// task with raw_text enabled.
	st := DefaultSettings()
	st.Filters.RawText = true
	task := Task{UserID: 1, Label: "old", Sources: []int64{100}, Targets: []int64{200, 300}, Active: true}
	if err := store.SaveTask(context.Background(), task, st); err != nil {
		t.Fatalf("seed task: %v", err)
	}
	if err := store.UpsertUser(context.Background(), UserRecord{UserID: 1, Name: "a", Credential: "tok", LoggedIn: true}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	client := provider.add(newFakeClient(1))

	svc := NewService(provider, store, Options{
		Workers: 2, QueueSize: 32, ResolveDelay: time.Millisecond, RestoreBatch: 2,
	}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		_ = svc.Stop(stopCtx)
	}()

	if err := svc.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !svc.LoggedIn(1) {
		t.Fatal("user not re-registered after restore")
	}

	// Settings and tasks are live again: a matching event fans out.
	client.deliver(session.Event{ChatID: 100, Text: "back", At: time.Now()})
	waitFor(t, 2*time.Second, func() bool { return len(client.sentTexts()) == 2 })
}

func TestServiceToggleUnknownTask(t *testing.T) {
	t.Parallel()
	svc, _, _, _ := newServiceFixture(t)
	if _, err := svc.Toggle(1, "nope", FieldControl); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("err = %v, want ErrTaskNotFound", err)
	}
}
