package core

import (
	"context"
	"reflect"
	"strings"
	"sync"
	"testing"

	"relaybot/internal/config"
	kit "relaybot/internal/transport"
	"relaybot/pkg/logx"
)

// fakeAdapter records outbound control-bot traffic.
type fakeAdapter struct {
	mu    sync.Mutex
	sent  []string
	chats []int64
}

func (f *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error                         { return nil }

func (f *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	f.chats = append(f.chats, to.ChatID)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeAdapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	return nil
}

func (f *fakeAdapter) AnswerCallback(ctx context.Context, callbackID string, text string) error {
	return nil
}

func (f *fakeAdapter) lastSent() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1]
}

func newTestManager(t *testing.T) (*CommandManager, *fakeAdapter) {
	t.Helper()
	ad := &fakeAdapter{}
	m := NewCommandManager(logx.Nop(), ad, config.NewManager("unused"),
		[]int64{1}, []int64{2})
	return m, ad
}

func msgUpdate(fromID int64, text string) kit.Update {
	return kit.Update{
		Kind: kit.UpdateMessage,
		Message: &kit.Message{
			ID: 1, ChatID: fromID, FromID: fromID, Text: text,
		},
	}
}

// runJobs drains and executes the queued handler jobs synchronously.
func runJobs(m *CommandManager) {
	for {
		select {
		case job := <-m.jobs:
			job()
		default:
			return
		}
	}
}

func TestRouteMessageDispatch(t *testing.T) {
	t.Parallel()
	m, ad := newTestManager(t)
	var gotArgs []string
	m.Register([]Command{{
		Name: "hello", Description: "test",
		Handle: func(ctx context.Context, req *Request) error {
			gotArgs = req.Args
			return req.Reply(ctx, "hi "+req.Command)
		},
	}}, nil)

	m.routeMessage(context.Background(), msgUpdate(2, "/hello@SomeBot a b"))
	runJobs(m)

	if !reflect.DeepEqual(gotArgs, []string{"a", "b"}) {
		t.Fatalf("args = %v", gotArgs)
	}
	if got := ad.lastSent(); got != "hi hello" {
		t.Fatalf("reply = %q", got)
	}
}

func TestRouteMessageAccessControl(t *testing.T) {
	t.Parallel()
	m, ad := newTestManager(t)
	m.Register([]Command{
		{Name: "open", Handle: func(ctx context.Context, req *Request) error { return req.Reply(ctx, "ok") }},
		{Name: "admin", Access: AccessOwnerOnly,
			Handle: func(ctx context.Context, req *Request) error { return req.Reply(ctx, "secret") }},
	}, nil)

	// Allowed user may not run owner commands.
	m.routeMessage(context.Background(), msgUpdate(2, "/admin"))
	runJobs(m)
	if got := ad.lastSent(); got != "unauthorized" {
		t.Fatalf("allowed user on owner cmd got %q", got)
	}

	// Owner may.
	m.routeMessage(context.Background(), msgUpdate(1, "/admin"))
	runJobs(m)
	if got := ad.lastSent(); got != "secret" {
		t.Fatalf("owner on owner cmd got %q", got)
	}

	// Strangers are ignored entirely, even for known commands.
	before := len(ad.sent)
	m.routeMessage(context.Background(), msgUpdate(99, "/open"))
	runJobs(m)
	if got := ad.lastSent(); len(ad.sent) != before+1 || got != "unauthorized" {
		t.Fatalf("stranger on open cmd got %q (%d messages)", got, len(ad.sent))
	}
}

func TestRouteMessageUnknownCommand(t *testing.T) {
	t.Parallel()
	m, ad := newTestManager(t)
	m.Register([]Command{{Name: "x", Handle: func(ctx context.Context, req *Request) error { return nil }}}, nil)

	// Unknown command from an allowed user gets a hint.
	m.routeMessage(context.Background(), msgUpdate(2, "/nope"))
	if got := ad.lastSent(); !strings.Contains(got, "unknown command") {
		t.Fatalf("got %q", got)
	}

	// Unknown command from a stranger is dropped silently.
	before := len(ad.sent)
	m.routeMessage(context.Background(), msgUpdate(99, "/nope"))
	if len(ad.sent) != before {
		t.Fatal("stranger probe should get no reply")
	}

	// Plain text is never routed.
	m.routeMessage(context.Background(), msgUpdate(2, "just chatting"))
	if len(ad.sent) != before {
		t.Fatal("non-command text should be ignored")
	}
}

func TestRouteCallback(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)
	var gotPayload string
	m.Register(nil, []CallbackRoute{{
		Action: "confirm",
		Handle: func(ctx context.Context, req *Request, payload string) error {
			gotPayload = payload
			return nil
		},
	}})

	m.routeCallback(context.Background(), kit.Update{
		Kind:     kit.UpdateCallback,
		Callback: &kit.Callback{ID: "cb1", FromID: 2, ChatID: 2, Data: "confirm:task-7"},
	})
	runJobs(m)

	if gotPayload != "task-7" {
		t.Fatalf("payload = %q, want task-7", gotPayload)
	}
}

func TestHelpTextHidesOwnerCommands(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t)
	m.Register([]Command{
		{Name: "everyone", Description: "visible", Handle: func(context.Context, *Request) error { return nil }},
		{Name: "ownerish", Description: "hidden", Access: AccessOwnerOnly,
			Handle: func(context.Context, *Request) error { return nil }},
	}, nil)

	help := m.HelpText(2)
	if !strings.Contains(help, "/everyone") || strings.Contains(help, "/ownerish") {
		t.Fatalf("allowed-user help = %q", help)
	}
	help = m.HelpText(1)
	if !strings.Contains(help, "/ownerish") {
		t.Fatalf("owner help = %q", help)
	}
}

func TestParseChatIDs(t *testing.T) {
	t.Parallel()
	got, err := parseChatIDs("300, 100,200,100")
	if err != nil {
		t.Fatalf("parseChatIDs: %v", err)
	}
	if !reflect.DeepEqual(got, []int64{100, 200, 300}) {
		t.Fatalf("got %v", got)
	}

	if _, err := parseChatIDs("1,abc"); err == nil {
		t.Fatal("want error for non-numeric id")
	}
	if _, err := parseChatIDs(" , "); err == nil {
		t.Fatal("want error for empty list")
	}
}

func TestLabelPattern(t *testing.T) {
	t.Parallel()
	valid := []string{"a", "news-1", "My_Task", strings.Repeat("x", 32)}
	invalid := []string{"", "has space", "emoji✨", strings.Repeat("x", 33), "semi;colon"}
	for _, s := range valid {
		if !labelRe.MatchString(s) {
			t.Fatalf("%q should be a valid label", s)
		}
	}
	for _, s := range invalid {
		if labelRe.MatchString(s) {
			t.Fatalf("%q should be rejected", s)
		}
	}
}
