// Package session defines the contract between the forwarding core and the
// platform clients that deliver inbound messages and perform sends.
//
// The core never talks to Telegram directly; it sees Client values produced
// by a Provider from stored credentials. This keeps the pipeline testable
// and isolates platform quirks (flood control, resolution) in one place.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Event is one inbound message observed by a user's client.
type Event struct {
	ChatID   int64
	Text     string
	Outgoing bool
	At       time.Time

	// Ref identifies the original message so it can be relayed with native
	// forwarded-from attribution.
	Ref MessageRef
}

// MessageRef is a stable reference to a platform message.
type MessageRef struct {
	ChatID    int64
	MessageID int
}

// Recipient is an opaque sendable handle produced by Client.Resolve.
// Its concrete type is owned by the client implementation.
type Recipient any

// Dialog describes one conversation the client knows about.
type Dialog struct {
	ChatID int64
	Title  string
	Kind   string // "private", "group", "channel", ...
}

// Handler consumes inbound events. It must return promptly; anything slow
// belongs on the forwarding work queue.
type Handler func(ev Event)

// Client is a live per-user sending session.
type Client interface {
	UserID() int64

	// Resolve translates a destination chat id into a sendable handle.
	Resolve(ctx context.Context, chatID int64) (Recipient, error)

	// SendText delivers freshly composed text to a resolved destination.
	SendText(ctx context.Context, to Recipient, text string) error

	// Forward relays the original message object to a destination.
	Forward(ctx context.Context, chatID int64, ref MessageRef) error

	// Dialogs enumerates conversations known to this client.
	Dialogs(ctx context.Context) ([]Dialog, error)

	// Listen attaches the inbound handler. The returned detach func removes it.
	Listen(h Handler) (detach func(), err error)

	Close(ctx context.Context) error
}

// Provider builds clients from stored credential material.
type Provider interface {
	Connect(ctx context.Context, userID int64, credential string) (Client, error)
}

// FloodWaitError is the platform backpressure signal: the caller must pause
// sending for at least Seconds before retrying.
type FloodWaitError struct {
	Seconds int
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("flood wait: retry after %ds", e.Seconds)
}

// AsFloodWait extracts the wait-seconds hint from err, if it carries one.
func AsFloodWait(err error) (int, bool) {
	var fw *FloodWaitError
	if errors.As(err, &fw) {
		return fw.Seconds, true
	}
	return 0, false
}
