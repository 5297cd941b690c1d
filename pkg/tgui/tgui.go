// Package tgui holds small Telegram UI helpers: reply-keyboard builders and
// a message builder so handlers don't repeat ParseMode/markup boilerplate.
package tgui

import (
	tele "gopkg.in/telebot.v4"
)

// Reply is a builder for reply keyboards (the buttons shown instead of the
// user's normal keyboard). Markup() returns the *tele.ReplyMarkup to pass
// through SendOptions.ReplyMarkupAdapter.
type Reply struct {
	rm   *tele.ReplyMarkup
	rows []tele.Row
}

func NewReply() *Reply {
	return &Reply{rm: &tele.ReplyMarkup{ResizeKeyboard: true}}
}

// OneTime hides the keyboard after one use.
func (r *Reply) OneTime() *Reply {
	r.rm.OneTimeKeyboard = true
	return r
}

// Row appends a row of plain text buttons.
func (r *Reply) Row(texts ...string) *Reply {
	btns := make([]tele.Btn, 0, len(texts))
	for _, t := range texts {
		if t == "" {
			continue
		}
		btns = append(btns, tele.Btn{Text: t})
	}
	if len(btns) == 0 {
		return r
	}
	r.rows = append(r.rows, r.rm.Row(btns...))
	r.rm.Reply(r.rows...)
	return r
}

// ContactRow appends a row with a single contact-request button.
func (r *Reply) ContactRow(text string) *Reply {
	btn := r.rm.Contact(text)
	r.rows = append(r.rows, r.rm.Row(btn))
	r.rm.Reply(r.rows...)
	return r
}

// Grid lays out texts in rows of the given width.
func (r *Reply) Grid(width int, texts ...string) *Reply {
	if width < 1 {
		width = 1
	}
	for i := 0; i < len(texts); i += width {
		end := i + width
		if end > len(texts) {
			end = len(texts)
		}
		r.Row(texts[i:end]...)
	}
	return r
}

// Markup returns the underlying reply markup.
func (r *Reply) Markup() *tele.ReplyMarkup { return r.rm }
