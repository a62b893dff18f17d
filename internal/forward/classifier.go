package forward

import (
	"fmt"
	"strings"

	"relaybot/internal/session"
	"relaybot/pkg/logx"
)

// Classifier matches inbound events against the owning user's tasks and
// enqueues the resulting jobs. It runs inline on the inbound-event callback,
// so it never blocks: all external work is delegated to the queue/workers.
type Classifier struct {
	tasks    *TaskSet
	settings *SettingsStore
	queue    *Queue
	log      logx.Logger
}

func NewClassifier(tasks *TaskSet, settings *SettingsStore, queue *Queue, log logx.Logger) *Classifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Classifier{tasks: tasks, settings: settings, queue: queue, log: log}
}

// HandleEvent classifies one inbound event for one user. A failure while
// processing one task must not prevent evaluation of the remaining tasks.
func (c *Classifier) HandleEvent(userID int64, client session.Client, ev session.Event) {
	text := strings.TrimSpace(ev.Text)
	if text == "" {
		return
	}

	for _, task := range c.tasks.User(userID) {
		if !task.Active || !task.HasSource(ev.ChatID) {
			continue
		}
		if err := c.classifyTask(task, client, ev, text); err != nil {
			c.log.Error("task classification failed",
				logx.Int64("user", userID), logx.String("label", task.Label), logx.Err(err))
		}
	}
}

func (c *Classifier) classifyTask(task Task, client session.Client, ev session.Event, text string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	st := c.settings.GetOrCreate(task.UserID, task.Label)

	if !st.Control {
		return nil
	}
	if ev.Outgoing && !st.Outgoing {
		return nil
	}

	lines := ApplyFilters(text, st)
	if len(lines) == 0 {
		return nil
	}

	// Relay-original fires only when the output is provably the unmodified
	// message (raw_text, single line) and the fan-out is a single target;
	// with several targets the event degrades to per-target text jobs so
	// every target receives a copy.
	if st.ForwardTag && st.Filters.RawText && len(lines) == 1 && len(task.Targets) == 1 {
		ref := ev.Ref
		c.queue.TryEnqueue(Job{
			UserID: task.UserID,
			Client: client,
			Target: task.Targets[0],
			Relay:  &ref,
		})
		return nil
	}

	for _, target := range task.Targets {
		for _, line := range lines {
			c.queue.TryEnqueue(Job{
				UserID: task.UserID,
				Client: client,
				Target: target,
				Text:   line,
			})
		}
	}
	return nil
}
