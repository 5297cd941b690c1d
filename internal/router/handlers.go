package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"kursbot/internal/broadcast"
	"kursbot/internal/store"
	"kursbot/internal/transport"
	"kursbot/pkg/logx"
	"kursbot/pkg/tgui"
)

func removeKeyboard() *transport.SendOptions {
	return &transport.SendOptions{RemoveKeyboard: true}
}

func (r *Router) handleStart(ctx context.Context, req *request) error {
	kb := tgui.NewReply()
	lower := make([]string, 0, len(r.feeds))
	for _, f := range r.feeds {
		lower = append(lower, "/"+strings.ToLower(f))
	}
	kb.Grid(2, lower...)
	kb.Row("/subscribe", "/unsubscribe")
	kb.Row("/mysettings", "/help")

	msg := tgui.New().
		Title("Currency rates bot").
		Blank().
		Line("Ask for a rate any time or subscribe to a daily update.").
		Line("Use the keyboard below or type /help for the full list.").
		Keyboard(kb).
		Build()
	_, err := msg.Send(ctx, r.adapter, req.chat)
	return err
}

func (r *Router) handleHelp(ctx context.Context, req *request) error {
	b := tgui.New().Title("Commands")
	for _, name := range r.order {
		c := r.commands[name]
		if c.adminOnly && req.fromID != r.cfg.AdminChatID {
			continue
		}
		b.KV("/"+c.name, c.description)
	}
	msg := b.Build()
	_, err := msg.Send(ctx, r.adapter, req.chat)
	return err
}

func (r *Router) handleRate(ctx context.Context, req *request, feed string) error {
	rate, err := r.quotes.Get(ctx, feed)
	if err != nil {
		req.log.Warn("quote fetch failed", logx.String("feed", feed), logx.Err(err))
		_, sendErr := r.adapter.SendText(ctx, req.chat,
			fmt.Sprintf("%s rate is unavailable right now, try again later.", feed), nil)
		return sendErr
	}
	text := fmt.Sprintf("1 %s = %.2f %s", feed, rate, r.quotes.Target())
	_, err = r.adapter.SendText(ctx, req.chat, text, nil)
	return err
}

func (r *Router) handleSubscribe(ctx context.Context, req *request) error {
	if len(req.args) > 0 {
		return r.doSubscribe(ctx, req, req.args[0])
	}
	r.pending.Set(req.fromID, pendingSubscribe, time.Now())
	return r.sendFeedPicker(ctx, req.chat, "Which currency do you want daily updates for?", false)
}

func (r *Router) doSubscribe(ctx context.Context, req *request, raw string) error {
	feed, ok := r.validFeed(raw)
	if !ok {
		return r.replyUnknownFeed(ctx, req.chat, feed)
	}
	added, err := r.store.Subscribe(ctx, req.fromID, req.username, feed)
	if err != nil {
		return fmt.Errorf("subscribe %d to %s: %w", req.fromID, feed, err)
	}
	text := fmt.Sprintf("Subscribed to %s. You will get the rate every day.", feed)
	if !added {
		text = fmt.Sprintf("You are already subscribed to %s.", feed)
	}
	req.log.Info("subscription updated", logx.String("feed", feed), logx.Bool("added", added))
	_, err = r.adapter.SendText(ctx, req.chat, text, removeKeyboard())
	return err
}

func (r *Router) handleUnsubscribe(ctx context.Context, req *request) error {
	if len(req.args) > 0 {
		return r.doUnsubscribe(ctx, req, req.args[0])
	}
	sub, err := r.store.Get(ctx, req.fromID)
	if err != nil {
		return fmt.Errorf("load subscription %d: %w", req.fromID, err)
	}
	if sub == nil || !sub.Active {
		_, err = r.adapter.SendText(ctx, req.chat, "You have no active subscription.", nil)
		return err
	}
	r.pending.Set(req.fromID, pendingUnsubscribe, time.Now())
	kb := tgui.NewReply().OneTime().Grid(2, append(append([]string(nil), sub.Feeds...), allFeedsChoice)...)
	msg := tgui.New().Line("Which currency do you want to stop receiving?").Keyboard(kb).Build()
	_, err = msg.Send(ctx, r.adapter, req.chat)
	return err
}

func (r *Router) doUnsubscribe(ctx context.Context, req *request, raw string) error {
	if strings.EqualFold(strings.TrimSpace(raw), allFeedsChoice) {
		was, err := r.store.Deactivate(ctx, req.fromID)
		if err != nil {
			return fmt.Errorf("deactivate %d: %w", req.fromID, err)
		}
		text := "You have no active subscription."
		if was {
			text = "All subscriptions removed, daily updates are off."
		}
		req.log.Info("subscription deactivated", logx.Bool("was_active", was))
		_, err = r.adapter.SendText(ctx, req.chat, text, removeKeyboard())
		return err
	}
	feed, ok := r.validFeed(raw)
	if !ok {
		return r.replyUnknownFeed(ctx, req.chat, feed)
	}
	removed, deactivated, err := r.store.Unsubscribe(ctx, req.fromID, feed)
	if err != nil {
		return fmt.Errorf("unsubscribe %d from %s: %w", req.fromID, feed, err)
	}
	var text string
	switch {
	case removed && deactivated:
		text = fmt.Sprintf("Unsubscribed from %s. That was your last currency, daily updates are off.", feed)
	case removed:
		text = fmt.Sprintf("Unsubscribed from %s.", feed)
	default:
		text = fmt.Sprintf("You are not subscribed to %s.", feed)
	}
	req.log.Info("unsubscribe handled", logx.String("feed", feed), logx.Bool("removed", removed))
	_, err = r.adapter.SendText(ctx, req.chat, text, removeKeyboard())
	return err
}

func (r *Router) handleMySettings(ctx context.Context, req *request) error {
	sub, err := r.store.Get(ctx, req.fromID)
	if err != nil {
		return fmt.Errorf("load subscription %d: %w", req.fromID, err)
	}
	if sub == nil || !sub.Active {
		_, err = r.adapter.SendText(ctx, req.chat,
			"You are not subscribed. Use /subscribe to get daily rates.", nil)
		return err
	}
	msg := tgui.New().
		Title("Your subscription").
		KV("Currencies", strings.Join(sub.Feeds, ", ")).
		KV("Daily update", sub.PrimaryFeed()).
		KV("Since", sub.SubscribedAt.Format("2006-01-02")).
		Build()
	_, err = msg.Send(ctx, r.adapter, req.chat)
	return err
}

func (r *Router) handleAdmin(ctx context.Context, req *request) error {
	verified, err := r.store.ContactExists(ctx, req.fromID)
	if err != nil {
		return fmt.Errorf("contact lookup %d: %w", req.fromID, err)
	}
	if !verified {
		kb := tgui.NewReply().OneTime().ContactRow("Share my contact")
		msg := tgui.New().
			Line("Share your contact once to unlock the admin panel.").
			Keyboard(kb).
			Build()
		_, err = msg.Send(ctx, r.adapter, req.chat)
		return err
	}

	b := tgui.New().Title("Admin panel").
		KV("/export", "subscribers CSV").
		KV("/subscribers", "subscriber listing").
		KV("/sendnow", "run the daily broadcast now")
	if r.nextRun != nil {
		if next := r.nextRun(); !next.IsZero() {
			b.Blank().KV("Next broadcast", next.Format("2006-01-02 15:04 MST"))
		}
	}
	msg := b.Build()
	_, err = msg.Send(ctx, r.adapter, req.chat)
	return err
}

// requireVerifiedAdmin enforces the second admin factor: a registered contact.
func (r *Router) requireVerifiedAdmin(ctx context.Context, req *request) (bool, error) {
	verified, err := r.store.ContactExists(ctx, req.fromID)
	if err != nil {
		return false, fmt.Errorf("contact lookup %d: %w", req.fromID, err)
	}
	if !verified {
		_, err = r.adapter.SendText(ctx, req.chat,
			"Confirm your identity first: run /admin and share your contact.", nil)
		return false, err
	}
	return true, nil
}

func (r *Router) handleSubscribers(ctx context.Context, req *request) error {
	ok, err := r.requireVerifiedAdmin(ctx, req)
	if err != nil || !ok {
		return err
	}
	if len(req.args) > 0 {
		arg := strings.ToUpper(strings.TrimSpace(req.args[0]))
		if arg == allFeedsChoice {
			return r.doSubscribers(ctx, req, "")
		}
		feed, valid := r.validFeed(arg)
		if !valid {
			return r.replyUnknownFeed(ctx, req.chat, feed)
		}
		return r.doSubscribers(ctx, req, feed)
	}
	r.pending.Set(req.fromID, pendingAudit, time.Now())
	return r.sendFeedPicker(ctx, req.chat, "List subscribers for which currency?", true)
}

// doSubscribers lists every subscriber holding feed, one line per user with
// all their currencies and status. An empty feed lists everyone, inactive
// records included.
func (r *Router) doSubscribers(ctx context.Context, req *request, feed string) error {
	subs, err := r.store.ListByFeed(ctx, feed)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}
	scope := feed
	if scope == "" {
		scope = "all"
	}
	if len(subs) == 0 {
		_, err = r.adapter.SendText(ctx, req.chat, "No subscribers found.", removeKeyboard())
		return err
	}
	b := tgui.New().Title(fmt.Sprintf("Subscribers (%s): %d", scope, len(subs))).RemoveKeyboard()
	for _, s := range subs {
		name := s.Username
		if name == "" {
			name = "-"
		}
		status := "active"
		if !s.Active {
			status = "inactive"
		}
		b.KV(strconv.FormatInt(s.UserID, 10),
			fmt.Sprintf("@%s, %s, %s", name, strings.Join(s.Feeds, " "), status))
	}
	r.audit(ctx, req, "subscribers", scope, fmt.Sprintf("rows=%d", len(subs)))
	msg := b.Build()
	_, err = msg.Send(ctx, r.adapter, req.chat)
	return err
}

func (r *Router) handleSendNow(ctx context.Context, req *request) error {
	ok, err := r.requireVerifiedAdmin(ctx, req)
	if err != nil || !ok {
		return err
	}
	stats, err := r.engine.RunOnce(ctx)
	if errors.Is(err, broadcast.ErrRunInProgress) {
		_, err = r.adapter.SendText(ctx, req.chat, "A broadcast run is already in progress.", nil)
		return err
	}
	if err != nil {
		return fmt.Errorf("manual broadcast: %w", err)
	}
	r.audit(ctx, req, "sendnow", "", stats.String())
	_, err = r.adapter.SendText(ctx, req.chat, "Broadcast finished: "+stats.String(), nil)
	return err
}

func (r *Router) handleContact(ctx context.Context, chat transport.ChatTarget, c store.Contact) error {
	added, err := r.store.RegisterContact(ctx, c)
	if err != nil {
		return fmt.Errorf("register contact %d: %w", c.UserID, err)
	}
	if added {
		_, err = r.adapter.SendText(ctx, chat, "Contact registered, thank you.", removeKeyboard())
		return err
	}
	_, err = r.adapter.SendText(ctx, chat, "This phone number is already registered.", removeKeyboard())
	if err != nil {
		return err
	}
	// Duplicate phone numbers are a signal the admin wants to see.
	if r.cfg.AdminChatID != 0 && c.UserID != r.cfg.AdminChatID {
		text := fmt.Sprintf("Duplicate phone number from user %d (@%s).", c.UserID, c.Username)
		if _, e := r.adapter.SendText(ctx, transport.ChatTarget{ChatID: r.cfg.AdminChatID}, text, nil); e != nil {
			r.log.Warn("admin notify failed", logx.Err(e))
		}
	}
	return nil
}

func (r *Router) handlePendingReply(ctx context.Context, req *request, kind pendingKind, text string) error {
	switch kind {
	case pendingSubscribe:
		return r.doSubscribe(ctx, req, text)
	case pendingUnsubscribe:
		return r.doUnsubscribe(ctx, req, text)
	case pendingExport:
		if req.fromID != r.cfg.AdminChatID {
			return nil
		}
		feed := strings.ToUpper(strings.TrimSpace(text))
		if feed == allFeedsChoice {
			return r.doExport(ctx, req, "")
		}
		if f, ok := r.validFeed(feed); ok {
			return r.doExport(ctx, req, f)
		}
		return r.replyUnknownFeed(ctx, req.chat, feed)
	case pendingAudit:
		if req.fromID != r.cfg.AdminChatID {
			return nil
		}
		feed := strings.ToUpper(strings.TrimSpace(text))
		if feed == allFeedsChoice {
			return r.doSubscribers(ctx, req, "")
		}
		if f, ok := r.validFeed(feed); ok {
			return r.doSubscribers(ctx, req, f)
		}
		return r.replyUnknownFeed(ctx, req.chat, feed)
	default:
		return nil
	}
}

func (r *Router) sendFeedPicker(ctx context.Context, chat transport.ChatTarget, prompt string, withAll bool) error {
	choices := append([]string(nil), r.feeds...)
	if withAll {
		choices = append(choices, allFeedsChoice)
	}
	kb := tgui.NewReply().OneTime().Grid(2, choices...)
	msg := tgui.New().Line(prompt).Keyboard(kb).Build()
	_, err := msg.Send(ctx, r.adapter, chat)
	return err
}

func (r *Router) replyUnknownFeed(ctx context.Context, chat transport.ChatTarget, feed string) error {
	_, err := r.adapter.SendText(ctx, chat,
		fmt.Sprintf("Unknown currency %q. Available: %s.", feed, strings.Join(r.feeds, ", ")), nil)
	return err
}

// audit records an admin action; failures are logged, never user-visible.
func (r *Router) audit(ctx context.Context, req *request, action, target, detail string) {
	e := store.AuditEntry{
		At:      time.Now().UTC(),
		ActorID: req.fromID,
		Action:  action,
		Target:  target,
		Detail:  detail,
	}
	if err := r.store.AppendAudit(ctx, e); err != nil {
		req.log.Warn("audit append failed", logx.String("action", action), logx.Err(err))
	}
}
