package forward

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"relaybot/internal/runtime/supervisor"
	"relaybot/internal/session"
	"relaybot/pkg/logx"
)

// Options tunes the forwarding service. Zero values fall back to the
// documented defaults.
type Options struct {
	Workers         int           // send workers, default 15
	QueueSize       int           // bounded queue capacity, default 10000
	ResolveAttempts int           // pre-resolution attempts, default 3
	ResolveDelay    time.Duration // pause between attempts, default 30s
	RestoreBatch    int           // sessions restored concurrently, default 5
	RatePerSec      float64       // outbound sends per second, 0 disables
}

func (o *Options) applyDefaults() {
	if o.Workers <= 0 {
		o.Workers = 15
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 10000
	}
	if o.ResolveAttempts <= 0 {
		o.ResolveAttempts = 3
	}
	if o.ResolveDelay <= 0 {
		o.ResolveDelay = 30 * time.Second
	}
	if o.RestoreBatch <= 0 {
		o.RestoreBatch = 5
	}
}

// Service owns the whole forwarding pipeline: session registry, task and
// settings state, classifier, queue and the send-worker pool.
type Service struct {
	opts     Options
	provider session.Provider
	store    Store

	tasks      *TaskSet
	settings   *SettingsStore
	queue      *Queue
	resolver   *Resolver
	registry   *Registry
	classifier *Classifier

	sup *supervisor.Supervisor
	log logx.Logger

	startOnce sync.Once
}

func NewService(provider session.Provider, store Store, opts Options, log logx.Logger) *Service {
	opts.applyDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}

	s := &Service{
		opts:     opts,
		provider: provider,
		store:    store,
		tasks:    NewTaskSet(),
		settings: NewSettingsStore(store, log.With(logx.String("part", "settings"))),
		queue:    NewQueue(opts.QueueSize, log.With(logx.String("part", "queue"))),
		resolver: NewResolver(opts.ResolveAttempts, opts.ResolveDelay, log.With(logx.String("part", "resolver"))),
		registry: NewRegistry(log.With(logx.String("part", "registry"))),
		log:      log,
	}
	s.classifier = NewClassifier(s.tasks, s.settings, s.queue, log.With(logx.String("part", "classifier")))
	return s
}

// Start spins up the worker pool. Safe to call once; the service runs until
// Stop.
func (s *Service) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
		s.settings.SetAsyncRunner(func(name string, fn func(ctx context.Context)) {
			s.sup.Go0(name, fn)
		})

		var limiter *rate.Limiter
		if s.opts.RatePerSec > 0 {
			limiter = rate.NewLimiter(rate.Limit(s.opts.RatePerSec), s.opts.Workers)
		}
		for i := 0; i < s.opts.Workers; i++ {
			w := &sender{
				queue:    s.queue,
				resolver: s.resolver,
				limiter:  limiter,
				log:      s.log.With(logx.Int("worker", i)),
			}
			s.sup.Go(fmt.Sprintf("send-worker-%d", i), w.run)
		}
		s.log.Info("forwarding service started",
			logx.Int("workers", s.opts.Workers), logx.Int("queue", s.queue.Cap()))
	})
}

// Stop halts the workers and closes all live clients. Queued jobs that no
// worker picked up before the deadline are discarded.
func (s *Service) Stop(ctx context.Context) error {
	var err error
	if s.sup != nil {
		err = s.sup.Stop(ctx)
	}
	s.registry.CloseAll(ctx, 5*time.Second)
	return err
}

func (s *Service) handlerFor(userID int64) session.Handler {
	return func(ev session.Event) {
		c, ok := s.registry.Get(userID)
		if !ok {
			return
		}
		s.classifier.HandleEvent(userID, c, ev)
	}
}

// Login connects a user session from credential material, registers its
// listener and persists the user record. Calling it for an already registered
// user is a no-op.
func (s *Service) Login(ctx context.Context, userID int64, name, credential string) error {
	if _, ok := s.registry.Get(userID); ok {
		return nil
	}
	c, err := s.provider.Connect(ctx, userID, credential)
	if err != nil {
		return fmt.Errorf("connect user %d: %w", userID, err)
	}
	live, fresh, err := s.registry.EnsureRegistered(c, s.handlerFor(userID))
	if err != nil {
		_ = c.Close(ctx)
		return fmt.Errorf("register user %d: %w", userID, err)
	}
	if !fresh {
		// Lost the race against a concurrent login; keep the winner.
		_ = c.Close(ctx)
		return nil
	}

	if err := s.store.UpsertUser(ctx, UserRecord{
		UserID:     userID,
		Name:       name,
		Credential: credential,
		LoggedIn:   true,
	}); err != nil {
		s.log.Warn("user persist failed", logx.Int64("user", userID), logx.Err(err))
	}

	s.preResolveAsync(live, userID)
	return nil
}

// Logout tears down the user's session. Tasks and settings stay in place so a
// later login resumes forwarding.
func (s *Service) Logout(ctx context.Context, userID int64) error {
	if !s.registry.Deregister(ctx, userID) {
		return ErrNotRegistered
	}
	s.resolver.DropUser(userID)
	if err := s.store.SetLoggedOut(ctx, userID); err != nil {
		s.log.Warn("logout persist failed", logx.Int64("user", userID), logx.Err(err))
	}
	return nil
}

// AddTask registers a new forwarding rule for a logged-in user and kicks off
// background resolution of its targets.
func (s *Service) AddTask(ctx context.Context, t Task) error {
	c, ok := s.registry.Get(t.UserID)
	if !ok {
		return ErrNotRegistered
	}
	t.Active = true
	if err := s.tasks.Add(t); err != nil {
		return err
	}
	st := s.settings.GetOrCreate(t.UserID, t.Label)
	if err := s.store.SaveTask(ctx, t, st); err != nil {
		s.log.Warn("task persist failed",
			logx.Int64("user", t.UserID), logx.String("label", t.Label), logx.Err(err))
	}
	s.preResolveAsync(c, t.UserID)
	return nil
}

// DeleteTask removes the rule and its settings.
func (s *Service) DeleteTask(ctx context.Context, userID int64, label string) error {
	if !s.tasks.Remove(userID, label) {
		return ErrTaskNotFound
	}
	s.settings.Drop(userID, label)
	if _, err := s.store.DeleteTask(ctx, userID, label); err != nil {
		s.log.Warn("task delete persist failed",
			logx.Int64("user", userID), logx.String("label", label), logx.Err(err))
	}
	return nil
}

// Toggle flips one boolean settings field of an existing task and returns the
// new value.
func (s *Service) Toggle(userID int64, label, field string) (bool, error) {
	if _, ok := s.tasks.Get(userID, label); !ok {
		return false, ErrTaskNotFound
	}
	return s.settings.Toggle(userID, label, field)
}

// SetPrefixSuffix updates the decoration strings of an existing task. Nil
// pointers leave the corresponding string untouched.
func (s *Service) SetPrefixSuffix(userID int64, label string, prefix, suffix *string) (Settings, error) {
	if _, ok := s.tasks.Get(userID, label); !ok {
		return Settings{}, ErrTaskNotFound
	}
	return s.settings.SetPrefixSuffix(userID, label, prefix, suffix), nil
}

// TasksOf lists the user's rules with their current settings.
func (s *Service) TasksOf(userID int64) []TaskWithSettings {
	tasks := s.tasks.User(userID)
	out := make([]TaskWithSettings, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, TaskWithSettings{Task: t, Settings: s.settings.GetOrCreate(t.UserID, t.Label)})
	}
	return out
}

// Dialogs enumerates the conversations of the user's live session.
func (s *Service) Dialogs(ctx context.Context, userID int64) ([]session.Dialog, error) {
	c, ok := s.registry.Get(userID)
	if !ok {
		return nil, ErrNotRegistered
	}
	return c.Dialogs(ctx)
}

// LoggedIn reports whether the user has a live session.
func (s *Service) LoggedIn(userID int64) bool {
	_, ok := s.registry.Get(userID)
	return ok
}

// QueueStats reports current depth, capacity and total overflow drops.
func (s *Service) QueueStats() (depth, capacity int, dropped uint64) {
	return s.queue.Len(), s.queue.Cap(), s.queue.Dropped()
}

// SettingsSnapshot exposes a deep copy of all in-memory settings for the
// persistence reconciler.
func (s *Service) SettingsSnapshot() map[int64]map[string]Settings {
	return s.settings.Snapshot()
}

// PersistSettings writes one settings row through the store. Used by the
// reconciler to repair rows lost to earlier best-effort write failures.
func (s *Service) PersistSettings(ctx context.Context, userID int64, label string, st Settings) error {
	return s.store.UpsertSettings(ctx, userID, label, st)
}

// Restore rebuilds the runtime from persisted state after a restart: bulk
// loads tasks and settings, then reconnects logged-in users in small batches
// so startup does not stampede the platform.
func (s *Service) Restore(ctx context.Context) error {
	rows, err := s.store.ActiveTasks(ctx)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	byUser := make(map[int64][]Task)
	for _, row := range rows {
		byUser[row.Task.UserID] = append(byUser[row.Task.UserID], row.Task)
		s.settings.Put(row.Task.UserID, row.Task.Label, row.Settings)
	}
	s.tasks.Replace(byUser)

	users, err := s.store.LoggedInUsers(ctx)
	if err != nil {
		return fmt.Errorf("load users: %w", err)
	}

	var restored atomic.Int64
	for start := 0; start < len(users); start += s.opts.RestoreBatch {
		end := start + s.opts.RestoreBatch
		if end > len(users) {
			end = len(users)
		}
		var wg sync.WaitGroup
		for _, u := range users[start:end] {
			wg.Add(1)
			go func(u UserRecord) {
				defer wg.Done()
				if err := s.restoreUser(ctx, u); err != nil {
					s.log.Warn("session restore failed", logx.Int64("user", u.UserID), logx.Err(err))
					return
				}
				restored.Add(1)
			}(u)
		}
		wg.Wait()
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	s.log.Info("restore complete",
		logx.Int("tasks", len(rows)), logx.Int("users", len(users)), logx.Int64("restored", restored.Load()))
	return nil
}

func (s *Service) restoreUser(ctx context.Context, u UserRecord) error {
	c, err := s.provider.Connect(ctx, u.UserID, u.Credential)
	if err != nil {
		return err
	}
	live, fresh, err := s.registry.EnsureRegistered(c, s.handlerFor(u.UserID))
	if err != nil {
		_ = c.Close(ctx)
		return err
	}
	if !fresh {
		_ = c.Close(ctx)
		return nil
	}
	s.preResolveAsync(live, u.UserID)
	return nil
}

// preResolveAsync warms the destination cache for all the user's targets off
// the caller's path.
func (s *Service) preResolveAsync(c session.Client, userID int64) {
	targets := s.tasks.Targets(userID)
	if len(targets) == 0 {
		return
	}
	run := func(ctx context.Context) {
		s.resolver.PreResolve(ctx, c, userID, targets)
	}
	if s.sup != nil {
		s.sup.Go0(fmt.Sprintf("preresolve-%d", userID), run)
		return
	}
	go run(context.Background())
}
