package core

import (
	"context"

	"relaybot/internal/config"
	kit "relaybot/internal/transport"
	"relaybot/pkg/logx"
)

type Access int

const (
	// AccessAllowed admits users on the allow-list (owners included).
	AccessAllowed Access = iota
	// AccessOwnerOnly admits only configured owners.
	AccessOwnerOnly
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Handle      HandlerFunc
}

// CallbackRoute handles inline button presses. Data wire format is
// "action:payload".
type CallbackRoute struct {
	Action string
	Access Access
	Handle func(ctx context.Context, req *Request, payload string) error
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
	Payload string
	ReqID   string

	Adapter kit.Adapter
	Config  *config.Config
	Log     logx.Logger
}

// Reply sends plain text back to the originating chat.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}
