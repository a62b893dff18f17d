package forward

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"relaybot/internal/session"
)

// fakeStore records persistence calls and can inject failures.
type fakeStore struct {
	mu       sync.Mutex
	users    map[int64]UserRecord
	tasks    map[string]Task
	settings map[string]Settings

	failSettings bool
	upserts      int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:    map[int64]UserRecord{},
		tasks:    map[string]Task{},
		settings: map[string]Settings{},
	}
}

func key(userID int64, label string) string { return fmt.Sprintf("%d/%s", userID, label) }

func (f *fakeStore) UpsertUser(ctx context.Context, u UserRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[u.UserID] = u
	return nil
}

func (f *fakeStore) SetLoggedOut(ctx context.Context, userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.users[userID]
	u.UserID = userID
	u.LoggedIn = false
	f.users[userID] = u
	return nil
}

func (f *fakeStore) SaveTask(ctx context.Context, t Task, s Settings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[key(t.UserID, t.Label)] = t
	f.settings[key(t.UserID, t.Label)] = s
	return nil
}

func (f *fakeStore) DeleteTask(ctx context.Context, userID int64, label string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key(userID, label)
	_, ok := f.tasks[k]
	delete(f.tasks, k)
	delete(f.settings, k)
	return ok, nil
}

func (f *fakeStore) UpsertSettings(ctx context.Context, userID int64, label string, s Settings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	if f.failSettings {
		return errors.New("disk on fire")
	}
	f.settings[key(userID, label)] = s
	return nil
}

func (f *fakeStore) ActiveTasks(ctx context.Context) ([]TaskWithSettings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []TaskWithSettings
	for k, t := range f.tasks {
		if !t.Active {
			continue
		}
		st, ok := f.settings[k]
		if !ok {
			st = DefaultSettings()
		}
		out = append(out, TaskWithSettings{Task: t, Settings: st})
	}
	return out, nil
}

func (f *fakeStore) LoggedInUsers(ctx context.Context) ([]UserRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []UserRecord
	for _, u := range f.users {
		if u.LoggedIn {
			out = append(out, u)
		}
	}
	return out, nil
}

func (f *fakeStore) settingsFor(userID int64, label string) (Settings, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.settings[key(userID, label)]
	return s, ok
}

type sentText struct {
	Target int64
	Text   string
}

type sentRelay struct {
	Target int64
	Ref    session.MessageRef
}

// fakeClient implements session.Client in-memory. Per-target errors can be
// queued to exercise retry paths.
type fakeClient struct {
	userID int64

	mu       sync.Mutex
	resolves map[int64]int     // target -> Resolve call count
	failNext map[int64][]error // target -> queued Resolve errors
	sendErrs []error           // queued SendText errors, consumed in order
	texts    []sentText
	relays   []sentRelay
	handler  session.Handler
	closed   bool
	dialogs  []session.Dialog
}

func newFakeClient(userID int64) *fakeClient {
	return &fakeClient{
		userID:   userID,
		resolves: map[int64]int{},
		failNext: map[int64][]error{},
	}
}

func (c *fakeClient) UserID() int64 { return c.userID }

func (c *fakeClient) Resolve(ctx context.Context, chatID int64) (session.Recipient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolves[chatID]++
	if errs := c.failNext[chatID]; len(errs) > 0 {
		err := errs[0]
		c.failNext[chatID] = errs[1:]
		return nil, err
	}
	return chatID, nil
}

func (c *fakeClient) SendText(ctx context.Context, to session.Recipient, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sendErrs) > 0 {
		err := c.sendErrs[0]
		c.sendErrs = c.sendErrs[1:]
		if err != nil {
			return err
		}
	}
	c.texts = append(c.texts, sentText{Target: to.(int64), Text: text})
	return nil
}

func (c *fakeClient) Forward(ctx context.Context, chatID int64, ref session.MessageRef) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.relays = append(c.relays, sentRelay{Target: chatID, Ref: ref})
	return nil
}

func (c *fakeClient) Dialogs(ctx context.Context) ([]session.Dialog, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]session.Dialog(nil), c.dialogs...), nil
}

func (c *fakeClient) Listen(h session.Handler) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
	return func() {
		c.mu.Lock()
		c.handler = nil
		c.mu.Unlock()
	}, nil
}

func (c *fakeClient) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeClient) deliver(ev session.Event) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (c *fakeClient) sentTexts() []sentText {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentText(nil), c.texts...)
}

func (c *fakeClient) sentRelays() []sentRelay {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentRelay(nil), c.relays...)
}

func (c *fakeClient) resolveCount(target int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolves[target]
}

// fakeProvider hands out pre-built clients by user id.
type fakeProvider struct {
	mu      sync.Mutex
	clients map[int64]*fakeClient
	errs    map[int64]error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{clients: map[int64]*fakeClient{}, errs: map[int64]error{}}
}

func (p *fakeProvider) add(c *fakeClient) *fakeClient {
	p.mu.Lock()
	p.clients[c.userID] = c
	p.mu.Unlock()
	return c
}

func (p *fakeProvider) Connect(ctx context.Context, userID int64, credential string) (session.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.errs[userID]; err != nil {
		return nil, err
	}
	if c, ok := p.clients[userID]; ok {
		return c, nil
	}
	c := newFakeClient(userID)
	p.clients[userID] = c
	return c, nil
}

// syncRunner makes settings persistence synchronous for deterministic tests.
func syncRunner(name string, fn func(ctx context.Context)) { fn(context.Background()) }
