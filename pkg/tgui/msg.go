package tgui

import (
	"context"
	"fmt"
	"html"
	"strings"

	tele "gopkg.in/telebot.v4"

	kit "kursbot/internal/transport"
)

// Message is a rendered UI payload: text plus send options.
type Message struct {
	Text string
	Opt  *kit.SendOptions
}

// Send sends the Message via the provided adapter.
func (m Message) Send(ctx context.Context, ad kit.Adapter, to kit.ChatTarget) (kit.MessageRef, error) {
	if m.Opt == nil {
		m.Opt = &kit.SendOptions{}
	}
	return ad.SendText(ctx, to, m.Text, m.Opt)
}

// Builder assembles an HTML message line by line.
// Default: ParseMode=HTML, DisablePreview=true.
type Builder struct {
	rm     *tele.ReplyMarkup
	remove bool
	lines  []string
}

func New() *Builder {
	return &Builder{}
}

// Keyboard attaches a reply keyboard.
func (b *Builder) Keyboard(r *Reply) *Builder {
	if r != nil {
		b.rm = r.Markup()
	}
	return b
}

// RemoveKeyboard hides any previously shown reply keyboard.
func (b *Builder) RemoveKeyboard() *Builder {
	b.remove = true
	return b
}

// Title adds a bold title line.
func (b *Builder) Title(title string) *Builder {
	t := strings.TrimSpace(title)
	if t == "" {
		return b
	}
	b.lines = append(b.lines, "<b>"+html.EscapeString(t)+"</b>")
	return b
}

// Line adds an escaped text line.
func (b *Builder) Line(s string) *Builder {
	b.lines = append(b.lines, html.EscapeString(s))
	return b
}

// Linef adds a formatted escaped line.
func (b *Builder) Linef(format string, args ...any) *Builder {
	return b.Line(fmt.Sprintf(format, args...))
}

// KV adds a "key: value" line with the key in bold.
func (b *Builder) KV(key, value string) *Builder {
	b.lines = append(b.lines, "<b>"+html.EscapeString(key)+":</b> "+html.EscapeString(value))
	return b
}

// Blank adds an empty line.
func (b *Builder) Blank() *Builder {
	b.lines = append(b.lines, "")
	return b
}

// Build renders the message.
func (b *Builder) Build() Message {
	opt := &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}
	if b.rm != nil {
		opt.ReplyMarkupAdapter = b.rm
	}
	if b.remove {
		opt.RemoveKeyboard = true
	}
	return Message{Text: strings.Join(b.lines, "\n"), Opt: opt}
}
