package transport

import (
	"context"
	"errors"
)

// ErrRecipientGone marks a delivery failure that can never succeed again
// without the recipient re-registering (blocked the bot, deleted the account,
// deleted the chat). Adapters wrap their platform-specific errors with it;
// callers classify via errors.Is.
var ErrRecipientGone = errors.New("recipient permanently unreachable")

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
	UpdateContact UpdateKind = "contact"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
	Contact *Contact
}

type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
}

// Contact is a shared phone contact (registration flow).
type Contact struct {
	ChatID       int64
	FromID       int64
	FromUsername string
	PhoneNumber  string
}

type ChatTarget struct {
	ChatID int64
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	// ReplyMarkupAdapter is adapter-specific markup (Telegram: *telebot.ReplyMarkup).
	ReplyMarkupAdapter any
	RemoveKeyboard     bool
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendDocument(ctx context.Context, to ChatTarget, path, caption string) error
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus (e.g. Telegram /menu list).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
