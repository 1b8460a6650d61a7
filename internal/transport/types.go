// Package transport defines the chat-side contract between the orchestrator
// and a messaging platform adapter.
package transport

import (
	"context"
	"time"
)

type UpdateKind string

const UpdateMessage UpdateKind = "message"

type Update struct {
	Kind    UpdateKind
	Message *Message
}

// Message is one inbound chat message, already stripped of platform types.
type Message struct {
	ID           int
	ChatID       int64
	ChatTitle    string
	ThreadID     int // forum topic thread id (0 if none)
	FromID       int64
	FromName     string
	FromUsername string
	Text         string
	Time         time.Time
	IsGroup      bool
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Adapter delivers inbound updates to out and sends replies. Agent output is
// plain text; markup and callbacks stay inside the adapter.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// BotCommand is one entry of the platform's command menu.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters whose platform shows a
// command menu (Telegram setMyCommands).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
