package core

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"

	"relaybot/internal/forward"
	kit "relaybot/internal/transport"
	"relaybot/pkg/logx"
)

var labelRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,32}$`)

// Handlers binds the control commands to the forwarding service.
type Handlers struct {
	svc *forward.Service
	cm  *CommandManager
	log logx.Logger
}

func NewHandlers(svc *forward.Service, cm *CommandManager, log logx.Logger) *Handlers {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Handlers{svc: svc, cm: cm, log: log}
}

// Commands returns the full command and callback registry.
func (h *Handlers) Commands() ([]Command, []CallbackRoute) {
	cmds := []Command{
		{Name: "start", Description: "greet and show status", Handle: h.start},
		{Name: "help", Aliases: []string{"h"}, Description: "show this help", Handle: h.help},
		{Name: "login", Description: "attach your session", Usage: "/login <token>", Handle: h.login},
		{Name: "logout", Description: "detach your session", Handle: h.logout},
		{Name: "forwadd", Description: "add a forwarding task",
			Usage: "/forwadd <label> <src1,src2,..> <dst1,dst2,..>", Handle: h.taskAdd},
		{Name: "fordel", Description: "remove a forwarding task", Usage: "/fordel <label>", Handle: h.taskDelete},
		{Name: "fortasks", Description: "list your tasks", Handle: h.taskList},
		{Name: "toggle", Description: "flip a task setting",
			Usage: "/toggle <label> <field>", Handle: h.toggle},
		{Name: "prefix", Description: "set the line prefix", Usage: "/prefix <label> [text]", Handle: h.setPrefix},
		{Name: "suffix", Description: "set the line suffix", Usage: "/suffix <label> [text]", Handle: h.setSuffix},
		{Name: "chats", Description: "list chats your session can reach", Handle: h.chats},
		{Name: "stats", Description: "queue statistics", Access: AccessOwnerOnly, Handle: h.stats},
	}
	cbs := []CallbackRoute{
		{Action: "fordel", Handle: h.taskDeleteConfirm},
	}
	return cmds, cbs
}

func (h *Handlers) start(ctx context.Context, req *Request) error {
	state := "no active session, use /login"
	if h.svc.LoggedIn(req.FromID) {
		state = "session active"
	}
	return req.Reply(ctx, "message forwarding relay.\n"+state+"\nsee /help for commands")
}

func (h *Handlers) help(ctx context.Context, req *Request) error {
	return req.Reply(ctx, h.cm.HelpText(req.FromID))
}

func (h *Handlers) login(ctx context.Context, req *Request) error {
	if req.Update.Message != nil && req.Update.Message.IsGroup {
		return req.Reply(ctx, "login only works in a private chat")
	}
	if len(req.Args) != 1 {
		return req.Reply(ctx, "usage: /login <token>")
	}
	name := ""
	if req.Update.Message != nil {
		name = req.Update.Message.FromUsername
	}
	if err := h.svc.Login(ctx, req.FromID, name, req.Args[0]); err != nil {
		req.Log.Warn("login failed", logx.Err(err))
		return req.Reply(ctx, "login failed, check the token")
	}
	return req.Reply(ctx, "logged in, forwarding is live")
}

func (h *Handlers) logout(ctx context.Context, req *Request) error {
	err := h.svc.Logout(ctx, req.FromID)
	if errors.Is(err, forward.ErrNotRegistered) {
		return req.Reply(ctx, "no active session")
	}
	if err != nil {
		return err
	}
	return req.Reply(ctx, "logged out; tasks are kept and resume on next login")
}

func (h *Handlers) taskAdd(ctx context.Context, req *Request) error {
	if len(req.Args) != 3 {
		return req.Reply(ctx, "usage: /forwadd <label> <src1,src2,..> <dst1,dst2,..>")
	}
	label := req.Args[0]
	if !labelRe.MatchString(label) {
		return req.Reply(ctx, "label must be 1-32 chars of [A-Za-z0-9_-]")
	}
	sources, err := parseChatIDs(req.Args[1])
	if err != nil {
		return req.Reply(ctx, "bad source list: "+err.Error())
	}
	targets, err := parseChatIDs(req.Args[2])
	if err != nil {
		return req.Reply(ctx, "bad target list: "+err.Error())
	}

	err = h.svc.AddTask(ctx, forward.Task{
		UserID:  req.FromID,
		Label:   label,
		Sources: sources,
		Targets: targets,
	})
	switch {
	case errors.Is(err, forward.ErrNotRegistered):
		return req.Reply(ctx, "log in first with /login")
	case errors.Is(err, forward.ErrTaskExists):
		return req.Reply(ctx, "a task named "+label+" already exists")
	case err != nil:
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("task %s added: %d source(s) -> %d target(s)",
		label, len(sources), len(targets)))
}

func (h *Handlers) taskDelete(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		return req.Reply(ctx, "usage: /fordel <label>")
	}
	label := req.Args[0]
	if _, ok := taskOf(h.svc, req.FromID, label); !ok {
		return req.Reply(ctx, "no task named "+label)
	}

	markup := &tele.ReplyMarkup{
		InlineKeyboard: [][]tele.InlineButton{{
			{Text: "delete " + label, Data: "fordel:" + label},
		}},
	}
	_, err := req.Adapter.SendText(ctx, req.Chat,
		"delete task "+label+"? this cannot be undone",
		&kit.SendOptions{ReplyMarkup: markup})
	return err
}

func (h *Handlers) taskDeleteConfirm(ctx context.Context, req *Request, payload string) error {
	label := strings.TrimSpace(payload)
	err := h.svc.DeleteTask(ctx, req.FromID, label)
	if errors.Is(err, forward.ErrTaskNotFound) {
		return req.Reply(ctx, "no task named "+label)
	}
	if err != nil {
		return err
	}
	return req.Reply(ctx, "task "+label+" deleted")
}

func (h *Handlers) taskList(ctx context.Context, req *Request) error {
	rows := h.svc.TasksOf(req.FromID)
	if len(rows) == 0 {
		return req.Reply(ctx, "no tasks yet, add one with /forwadd")
	}
	var b strings.Builder
	for _, row := range rows {
		fmt.Fprintf(&b, "%s: %s -> %s\n", row.Task.Label,
			joinIDs(row.Task.Sources), joinIDs(row.Task.Targets))
		b.WriteString("  " + describeSettings(row.Settings) + "\n")
	}
	return req.Reply(ctx, strings.TrimRight(b.String(), "\n"))
}

func (h *Handlers) toggle(ctx context.Context, req *Request) error {
	if len(req.Args) != 2 {
		return req.Reply(ctx, "usage: /toggle <label> <field>\nfields: "+strings.Join(toggleFields, ", "))
	}
	label, field := req.Args[0], strings.ToLower(req.Args[1])
	val, err := h.svc.Toggle(req.FromID, label, field)
	switch {
	case errors.Is(err, forward.ErrTaskNotFound):
		return req.Reply(ctx, "no task named "+label)
	case errors.Is(err, forward.ErrUnknownField):
		return req.Reply(ctx, "unknown field, one of: "+strings.Join(toggleFields, ", "))
	case err != nil:
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("%s.%s = %v", label, field, val))
}

func (h *Handlers) setPrefix(ctx context.Context, req *Request) error {
	return h.setDecoration(ctx, req, true)
}

func (h *Handlers) setSuffix(ctx context.Context, req *Request) error {
	return h.setDecoration(ctx, req, false)
}

func (h *Handlers) setDecoration(ctx context.Context, req *Request, isPrefix bool) error {
	name := "suffix"
	if isPrefix {
		name = "prefix"
	}
	if len(req.Args) < 1 {
		return req.Reply(ctx, "usage: /"+name+" <label> [text]\nomit text to clear")
	}
	label := req.Args[0]
	value := strings.Join(req.Args[1:], " ")

	var prefix, suffix *string
	if isPrefix {
		prefix = &value
	} else {
		suffix = &value
	}
	st, err := h.svc.SetPrefixSuffix(req.FromID, label, prefix, suffix)
	if errors.Is(err, forward.ErrTaskNotFound) {
		return req.Reply(ctx, "no task named "+label)
	}
	if err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("%s: prefix=%q suffix=%q", label, st.Prefix, st.Suffix))
}

func (h *Handlers) chats(ctx context.Context, req *Request) error {
	dialogs, err := h.svc.Dialogs(ctx, req.FromID)
	if errors.Is(err, forward.ErrNotRegistered) {
		return req.Reply(ctx, "log in first with /login")
	}
	if err != nil {
		return err
	}
	if len(dialogs) == 0 {
		return req.Reply(ctx, "no chats seen yet; they appear as your session receives messages")
	}
	var b strings.Builder
	for _, d := range dialogs {
		title := d.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Fprintf(&b, "%d  %s  [%s]\n", d.ChatID, title, d.Kind)
	}
	return req.Reply(ctx, strings.TrimRight(b.String(), "\n"))
}

func (h *Handlers) stats(ctx context.Context, req *Request) error {
	depth, capacity, dropped := h.svc.QueueStats()
	return req.Reply(ctx, fmt.Sprintf("queue %d/%d, dropped %d", depth, capacity, dropped))
}

var toggleFields = []string{
	forward.FieldOutgoing, forward.FieldForwardTag, forward.FieldControl,
	forward.FieldRawText, forward.FieldNumbersOnly, forward.FieldAlphabetsOnly,
	forward.FieldRemovedAlphabetic, forward.FieldRemovedNumeric, forward.FieldAddPrefixSuffix,
}

func taskOf(svc *forward.Service, userID int64, label string) (forward.TaskWithSettings, bool) {
	for _, row := range svc.TasksOf(userID) {
		if row.Task.Label == label {
			return row, true
		}
	}
	return forward.TaskWithSettings{}, false
}

func parseChatIDs(s string) ([]int64, error) {
	parts := strings.Split(s, ",")
	seen := make(map[int64]bool, len(parts))
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a chat id", p)
		}
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("empty list")
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

func describeSettings(s forward.Settings) string {
	var on []string
	flag := func(name string, v bool) {
		if v {
			on = append(on, name)
		}
	}
	flag(forward.FieldOutgoing, s.Outgoing)
	flag(forward.FieldForwardTag, s.ForwardTag)
	flag(forward.FieldControl, s.Control)
	flag(forward.FieldRawText, s.Filters.RawText)
	flag(forward.FieldNumbersOnly, s.Filters.NumbersOnly)
	flag(forward.FieldAlphabetsOnly, s.Filters.AlphabetsOnly)
	flag(forward.FieldRemovedAlphabetic, s.Filters.RemovedAlphabetic)
	flag(forward.FieldRemovedNumeric, s.Filters.RemovedNumeric)
	flag(forward.FieldAddPrefixSuffix, s.Filters.AddPrefixSuffix)
	out := "on: " + strings.Join(on, ",")
	if s.Prefix != "" || s.Suffix != "" {
		out += fmt.Sprintf(" prefix=%q suffix=%q", s.Prefix, s.Suffix)
	}
	return out
}
