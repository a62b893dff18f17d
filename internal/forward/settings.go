package forward

import (
	"context"
	"sync"
	"time"

	"relaybot/pkg/logx"
)

// SettingsStore holds the authoritative in-memory copy of every task's
// settings, keyed by (user, label). Entries are default-initialized lazily,
// so settings always exist before any toggle or filter evaluation.
//
// Mutations schedule an asynchronous best-effort persistence write; a failed
// write is logged and never reverts the in-memory change.
type SettingsStore struct {
	mu sync.Mutex
	m  map[int64]map[string]*Settings

	store Store
	log   logx.Logger

	// runAsync hosts persistence writes. The service wires this to its
	// supervisor so shutdown can account for in-flight writes.
	runAsync func(name string, fn func(ctx context.Context))
}

func NewSettingsStore(store Store, log logx.Logger) *SettingsStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &SettingsStore{
		m:     map[int64]map[string]*Settings{},
		store: store,
		log:   log,
	}
	s.runAsync = func(name string, fn func(ctx context.Context)) {
		go fn(context.Background())
	}
	return s
}

// SetAsyncRunner replaces the goroutine host used for persistence writes.
func (s *SettingsStore) SetAsyncRunner(run func(name string, fn func(ctx context.Context))) {
	if run != nil {
		s.runAsync = run
	}
}

// GetOrCreate returns a copy of the settings for (user, label),
// default-initializing them if absent.
func (s *SettingsStore) GetOrCreate(userID int64, label string) Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.getOrCreateLocked(userID, label)
}

func (s *SettingsStore) getOrCreateLocked(userID int64, label string) *Settings {
	byLabel := s.m[userID]
	if byLabel == nil {
		byLabel = map[string]*Settings{}
		s.m[userID] = byLabel
	}
	st := byLabel[label]
	if st == nil {
		def := DefaultSettings()
		st = &def
		byLabel[label] = st
	}
	return st
}

// Put replaces the settings for (user, label) in memory only.
// Used by restart recovery when loading persisted settings.
func (s *SettingsStore) Put(userID int64, label string, st Settings) {
	s.mu.Lock()
	byLabel := s.m[userID]
	if byLabel == nil {
		byLabel = map[string]*Settings{}
		s.m[userID] = byLabel
	}
	byLabel[label] = &st
	s.mu.Unlock()
}

// Toggle flips one boolean field, schedules persistence and returns the new
// value. Unknown fields return ErrUnknownField.
func (s *SettingsStore) Toggle(userID int64, label, field string) (bool, error) {
	s.mu.Lock()
	st := s.getOrCreateLocked(userID, label)

	var target *bool
	switch field {
	case FieldOutgoing:
		target = &st.Outgoing
	case FieldForwardTag:
		target = &st.ForwardTag
	case FieldControl:
		target = &st.Control
	case FieldRawText:
		target = &st.Filters.RawText
	case FieldNumbersOnly:
		target = &st.Filters.NumbersOnly
	case FieldAlphabetsOnly:
		target = &st.Filters.AlphabetsOnly
	case FieldRemovedAlphabetic:
		target = &st.Filters.RemovedAlphabetic
	case FieldRemovedNumeric:
		target = &st.Filters.RemovedNumeric
	case FieldAddPrefixSuffix:
		target = &st.Filters.AddPrefixSuffix
	default:
		s.mu.Unlock()
		return false, ErrUnknownField
	}

	*target = !*target
	val := *target
	snapshot := *st
	s.mu.Unlock()

	s.persist(userID, label, snapshot)
	return val, nil
}

// SetPrefixSuffix updates the prefix and/or suffix (nil leaves a side as-is)
// and schedules persistence.
func (s *SettingsStore) SetPrefixSuffix(userID int64, label string, prefix, suffix *string) Settings {
	s.mu.Lock()
	st := s.getOrCreateLocked(userID, label)
	if prefix != nil {
		st.Prefix = *prefix
	}
	if suffix != nil {
		st.Suffix = *suffix
	}
	snapshot := *st
	s.mu.Unlock()

	s.persist(userID, label, snapshot)
	return snapshot
}

// Drop removes one label's settings from memory.
func (s *SettingsStore) Drop(userID int64, label string) {
	s.mu.Lock()
	if byLabel := s.m[userID]; byLabel != nil {
		delete(byLabel, label)
	}
	s.mu.Unlock()
}

// DropUser removes all of a user's settings from memory.
func (s *SettingsStore) DropUser(userID int64) {
	s.mu.Lock()
	delete(s.m, userID)
	s.mu.Unlock()
}

// Snapshot returns a deep copy of every entry, for reconciliation.
func (s *SettingsStore) Snapshot() map[int64]map[string]Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]map[string]Settings, len(s.m))
	for uid, byLabel := range s.m {
		cp := make(map[string]Settings, len(byLabel))
		for label, st := range byLabel {
			cp[label] = *st
		}
		out[uid] = cp
	}
	return out
}

func (s *SettingsStore) persist(userID int64, label string, st Settings) {
	if s.store == nil {
		return
	}
	s.runAsync("settings.persist", func(ctx context.Context) {
		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := s.store.UpsertSettings(wctx, userID, label, st); err != nil {
			s.log.Warn("settings persist failed",
				logx.Int64("user", userID), logx.String("label", label), logx.Err(err))
		}
	})
}
