// Package telegram implements session.Provider on top of the Telegram Bot
// API via telebot. Each user's stored credential is a bot token; every
// connected user gets their own long-polling telebot instance.
package telegram

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"relaybot/internal/session"
	"relaybot/pkg/logx"
)

type Config struct {
	// PollTimeout for each per-user long poller.
	PollTimeout time.Duration
}

type Provider struct {
	cfg Config
	log logx.Logger
}

func NewProvider(cfg Config, log logx.Logger) *Provider {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	return &Provider{cfg: cfg, log: log}
}

func (p *Provider) Connect(ctx context.Context, userID int64, credential string) (session.Client, error) {
	token := strings.TrimSpace(credential)
	if token == "" {
		return nil, errors.New("empty session credential")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  token,
		Poller: &tele.LongPoller{Timeout: p.cfg.PollTimeout},
	})
	if err != nil {
		return nil, err
	}

	c := &client{
		userID: userID,
		bot:    b,
		log:    p.log.With(logx.Int64("user", userID)),
		seen:   map[int64]session.Dialog{},
	}
	c.registerHandlers()

	// telebot's Start() blocks until Stop(); host it here so the client is
	// live as soon as Connect returns.
	go b.Start()

	return c, nil
}

type client struct {
	userID int64
	bot    *tele.Bot
	log    logx.Logger

	mu      sync.Mutex
	handler session.Handler
	closed  bool

	// seen accumulates chats observed on the update stream. The Bot API has
	// no dialog enumeration, so this is the best available answer to Dialogs.
	seenMu sync.Mutex
	seen   map[int64]session.Dialog
}

func (c *client) UserID() int64 { return c.userID }

func (c *client) registerHandlers() {
	onMessage := func(tc tele.Context) error {
		m := tc.Message()
		if m == nil || m.Chat == nil {
			return nil
		}
		c.noteChat(m.Chat)

		text := m.Text
		if text == "" {
			text = m.Caption
		}

		ev := session.Event{
			ChatID:   m.Chat.ID,
			Text:     text,
			Outgoing: m.Sender != nil && c.bot.Me != nil && m.Sender.ID == c.bot.Me.ID,
			At:       m.Time(),
			Ref: session.MessageRef{
				ChatID:    m.Chat.ID,
				MessageID: m.ID,
			},
		}

		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()
		if h != nil {
			h(ev)
		}
		return nil
	}

	c.bot.Handle(tele.OnText, onMessage)
	c.bot.Handle(tele.OnMedia, onMessage)
	c.bot.Handle(tele.OnChannelPost, onMessage)
}

func (c *client) noteChat(ch *tele.Chat) {
	if ch == nil {
		return
	}
	title := ch.Title
	if title == "" {
		title = strings.TrimSpace(ch.FirstName + " " + ch.LastName)
	}
	c.seenMu.Lock()
	c.seen[ch.ID] = session.Dialog{ChatID: ch.ID, Title: title, Kind: string(ch.Type)}
	c.seenMu.Unlock()
}

func (c *client) Listen(h session.Handler) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("session closed")
	}
	c.handler = h
	return func() {
		c.mu.Lock()
		c.handler = nil
		c.mu.Unlock()
	}, nil
}

func (c *client) Resolve(ctx context.Context, chatID int64) (session.Recipient, error) {
	// ChatByID round-trips to the API, so a success proves the destination is
	// reachable for this token before anything is queued at it.
	ch, err := c.bot.ChatByID(chatID)
	if err != nil {
		return nil, mapFlood(err)
	}
	return ch, nil
}

func (c *client) SendText(ctx context.Context, to session.Recipient, text string) error {
	r, ok := to.(tele.Recipient)
	if !ok {
		return errors.New("recipient is not a telegram handle")
	}
	_, err := c.bot.Send(r, text)
	return mapFlood(err)
}

func (c *client) Forward(ctx context.Context, chatID int64, ref session.MessageRef) error {
	msg := tele.StoredMessage{
		MessageID: strconv.Itoa(ref.MessageID),
		ChatID:    ref.ChatID,
	}
	_, err := c.bot.Forward(tele.ChatID(chatID), msg)
	return mapFlood(err)
}

func (c *client) Dialogs(ctx context.Context) ([]session.Dialog, error) {
	c.seenMu.Lock()
	out := make([]session.Dialog, 0, len(c.seen))
	for _, d := range c.seen {
		out = append(out, d)
	}
	c.seenMu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out, nil
}

func (c *client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.handler = nil
	c.mu.Unlock()

	// Stop is expected to be fast, but never let a stuck long-poll stall
	// batched teardown.
	done := make(chan struct{})
	go func() {
		c.bot.Stop()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// mapFlood converts telebot's flood error into the session-level signal the
// worker pool understands.
func mapFlood(err error) error {
	if err == nil {
		return nil
	}
	var fe tele.FloodError
	if errors.As(err, &fe) {
		return &session.FloodWaitError{Seconds: fe.RetryAfter}
	}
	return err
}
