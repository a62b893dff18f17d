package forward

import "sync"

// TaskSet is the in-memory view of every user's forwarding tasks.
// Labels are unique per user.
type TaskSet struct {
	mu sync.RWMutex
	m  map[int64][]Task
}

func NewTaskSet() *TaskSet {
	return &TaskSet{m: map[int64][]Task{}}
}

// Add inserts a task; ErrTaskExists if the label is taken for this user.
func (ts *TaskSet) Add(t Task) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, have := range ts.m[t.UserID] {
		if have.Label == t.Label {
			return ErrTaskExists
		}
	}
	ts.m[t.UserID] = append(ts.m[t.UserID], t)
	return nil
}

// Remove deletes a task by exact label; reports whether it existed.
func (ts *TaskSet) Remove(userID int64, label string) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	tasks := ts.m[userID]
	for i, t := range tasks {
		if t.Label == label {
			ts.m[userID] = append(tasks[:i], tasks[i+1:]...)
			return true
		}
	}
	return false
}

// User returns a copy of one user's tasks.
func (ts *TaskSet) User(userID int64) []Task {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return append([]Task(nil), ts.m[userID]...)
}

// Get looks up one task by label.
func (ts *TaskSet) Get(userID int64, label string) (Task, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	for _, t := range ts.m[userID] {
		if t.Label == label {
			return t, true
		}
	}
	return Task{}, false
}

// Targets returns the deduplicated set of destination ids across one user's
// tasks, for background pre-resolution.
func (ts *TaskSet) Targets(userID int64) []int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	seen := map[int64]struct{}{}
	var out []int64
	for _, t := range ts.m[userID] {
		for _, id := range t.Targets {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// Replace swaps in a full task list (restart recovery).
func (ts *TaskSet) Replace(m map[int64][]Task) {
	ts.mu.Lock()
	ts.m = make(map[int64][]Task, len(m))
	for uid, tasks := range m {
		ts.m[uid] = append([]Task(nil), tasks...)
	}
	ts.mu.Unlock()
}

// DropUser removes all tasks of one user from memory.
func (ts *TaskSet) DropUser(userID int64) {
	ts.mu.Lock()
	delete(ts.m, userID)
	ts.mu.Unlock()
}
