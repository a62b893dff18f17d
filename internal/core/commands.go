package core

import (
	"context"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"relaybot/internal/config"
	kit "relaybot/internal/transport"
	"relaybot/pkg/logx"
)

// CommandManager routes control-bot updates to registered handlers through a
// bounded worker pool, so a slow handler never stalls the dispatch loop.
type CommandManager struct {
	mu       sync.RWMutex
	commands map[string]Command       // name or alias -> command
	names    []string                 // registration order, for /help and the menu
	cbs      map[string]CallbackRoute // action -> route
	owners   []int64
	allowed  []int64

	log     logx.Logger
	adapter kit.Adapter
	cfgm    *config.Manager

	jobs chan func()
}

func NewCommandManager(log logx.Logger, adapter kit.Adapter, cfgm *config.Manager, owners, allowed []int64) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &CommandManager{
		commands: map[string]Command{},
		cbs:      map[string]CallbackRoute{},
		owners:   append([]int64(nil), owners...),
		allowed:  append([]int64(nil), allowed...),
		log:      log,
		adapter:  adapter,
		cfgm:     cfgm,
		jobs:     make(chan func(), 256),
	}
}

// SetAccessLists swaps both id lists. Safe during config hot-reload.
func (m *CommandManager) SetAccessLists(owners, allowed []int64) {
	ownCopy := append([]int64(nil), owners...)
	allowCopy := append([]int64(nil), allowed...)
	m.mu.Lock()
	m.owners = ownCopy
	m.allowed = allowCopy
	m.mu.Unlock()
}

func (m *CommandManager) Register(cmds []Command, cbs []CallbackRoute) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range cmds {
		name := strings.TrimSpace(c.Name)
		if name == "" || c.Handle == nil {
			continue
		}
		if _, dup := m.commands[name]; !dup {
			m.names = append(m.names, name)
		}
		m.commands[name] = c
		for _, a := range c.Aliases {
			a = strings.TrimSpace(a)
			if a != "" {
				m.commands[a] = c
			}
		}
	}
	for _, r := range cbs {
		if r.Action == "" || r.Handle == nil {
			continue
		}
		m.cbs[r.Action] = r
	}
}

// MenuCommands returns the registered commands for the platform menu.
func (m *CommandManager) MenuCommands() []kit.BotCommand {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]kit.BotCommand, 0, len(m.names))
	for _, name := range m.names {
		c := m.commands[name]
		out = append(out, kit.BotCommand{Command: name, Description: c.Description})
	}
	return out
}

// HelpText renders the command list for users with the given id.
func (m *CommandManager) HelpText(fromID int64) string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := append([]string(nil), m.names...)
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("commands:\n")
	for _, name := range names {
		c := m.commands[name]
		if c.Access == AccessOwnerOnly && !contains(m.owners, fromID) {
			continue
		}
		b.WriteString("/")
		b.WriteString(name)
		if c.Usage != "" {
			b.WriteString(" ")
			b.WriteString(strings.TrimSpace(strings.TrimPrefix(c.Usage, "/"+name)))
		}
		if c.Description != "" {
			b.WriteString(" - ")
			b.WriteString(c.Description)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}
	m.log.Info("command dispatcher started", logx.Int("workers", workers))

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					m.log.Error("panic in command worker",
						logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-m.jobs:
					if !ok {
						return
					}
					job()
				}
			}
		}()
	}
	defer func() {
		wg.Wait()
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			switch up.Kind {
			case kit.UpdateMessage:
				m.routeMessage(ctx, up)
			case kit.UpdateCallback:
				m.routeCallback(ctx, up)
			}
		}
	}
}

func (m *CommandManager) routeMessage(root context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	parts := strings.Fields(text)
	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	args := parts[1:]

	m.mu.RLock()
	cmd, ok := m.commands[word]
	m.mu.RUnlock()
	if !ok {
		// Silently ignore strangers poking at an unknown command.
		if m.isAllowed(msg.FromID) {
			_ = m.reply(root, msg.ChatID, "unknown command, try /help")
		}
		return
	}
	if !m.authorized(cmd.Access, msg.FromID) {
		_ = m.reply(root, msg.ChatID, "unauthorized")
		return
	}

	req := &Request{
		Update:  up,
		Chat:    kit.ChatTarget{ChatID: msg.ChatID},
		FromID:  msg.FromID,
		Command: cmd.Name,
		Args:    args,
		ReqID:   newReqID(),
		Adapter: m.adapter,
		Config:  m.cfgm.Get(),
	}
	req.Log = m.log.With(
		logx.String("rid", req.ReqID), logx.Int64("from", msg.FromID), logx.String("cmd", cmd.Name))

	m.enqueue(root, req, cmd.Handle)
}

func (m *CommandManager) routeCallback(root context.Context, up kit.Update) {
	cb := up.Callback
	if cb == nil {
		return
	}
	action, payload, _ := strings.Cut(cb.Data, ":")

	m.mu.RLock()
	route, ok := m.cbs[action]
	m.mu.RUnlock()
	if !ok {
		_ = m.adapter.AnswerCallback(root, cb.ID, "")
		return
	}
	if !m.authorized(route.Access, cb.FromID) {
		_ = m.adapter.AnswerCallback(root, cb.ID, "unauthorized")
		return
	}

	req := &Request{
		Update:  up,
		Chat:    kit.ChatTarget{ChatID: cb.ChatID},
		FromID:  cb.FromID,
		Command: "cb:" + action,
		Payload: payload,
		ReqID:   newReqID(),
		Adapter: m.adapter,
		Config:  m.cfgm.Get(),
	}
	req.Log = m.log.With(
		logx.String("rid", req.ReqID), logx.Int64("from", cb.FromID), logx.String("cmd", req.Command))

	h := func(ctx context.Context, r *Request) error { return route.Handle(ctx, r, payload) }
	m.enqueue(root, req, func(ctx context.Context, r *Request) error {
		err := h(ctx, r)
		_ = m.adapter.AnswerCallback(ctx, cb.ID, "")
		return err
	})
}

func (m *CommandManager) enqueue(root context.Context, req *Request, h HandlerFunc) {
	final := Chain(h,
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWTimeout(30*time.Second),
	)
	select {
	case m.jobs <- func() { _ = final(root, req) }:
	default:
		_ = m.reply(root, req.Chat.ChatID, "busy, try again")
	}
}

func (m *CommandManager) authorized(a Access, fromID int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch a {
	case AccessOwnerOnly:
		return contains(m.owners, fromID)
	default:
		return contains(m.owners, fromID) || contains(m.allowed, fromID)
	}
}

func (m *CommandManager) isAllowed(fromID int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return contains(m.owners, fromID) || contains(m.allowed, fromID)
}

func (m *CommandManager) reply(ctx context.Context, chatID int64, text string) error {
	_, err := m.adapter.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text, nil)
	return err
}

func contains(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
