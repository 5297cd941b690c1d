package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"kursbot/internal/broadcast"
	"kursbot/internal/ratelimit"
	"kursbot/internal/store"
	"kursbot/internal/transport"
	"kursbot/pkg/logx"
)

type Config struct {
	// AdminChatID is the only user allowed to run admin commands.
	AdminChatID int64
	// Feeds is the subscribable currency allowlist, e.g. ["USD", "EUR"].
	Feeds []string
	// PendingTTL is how long an armed keyboard prompt stays valid, default 2m.
	PendingTTL time.Duration
	// Workers caps concurrent handlers, default NumCPU (min 2).
	Workers int
	// QueueSize bounds the handler job queue, default 256.
	QueueSize int
}

// SubscriptionStore is the slice of the store the router needs.
type SubscriptionStore interface {
	Subscribe(ctx context.Context, userID int64, username, feed string) (bool, error)
	Unsubscribe(ctx context.Context, userID int64, feed string) (removed, deactivated bool, err error)
	Deactivate(ctx context.Context, userID int64) (bool, error)
	Get(ctx context.Context, userID int64) (*store.Subscription, error)
	ListByFeed(ctx context.Context, feed string) ([]store.Subscription, error)
	RegisterContact(ctx context.Context, c store.Contact) (bool, error)
	ContactExists(ctx context.Context, userID int64) (bool, error)
	AppendAudit(ctx context.Context, e store.AuditEntry) error
}

// Admitter decides whether a user's request is accepted right now.
type Admitter interface {
	Decide(identity int64, now time.Time) ratelimit.Decision
}

type QuoteSource interface {
	Get(ctx context.Context, symbol string) (float64, error)
	Target() string
}

// Broadcaster triggers an immediate broadcast run (/sendnow).
type Broadcaster interface {
	RunOnce(ctx context.Context) (broadcast.RunStats, error)
}

type Deps struct {
	Adapter transport.Adapter
	Store   SubscriptionStore
	Quotes  QuoteSource
	Limiter Admitter
	Engine  Broadcaster
	// NextRun reports the next scheduled broadcast time for the admin panel.
	// May be nil.
	NextRun func() time.Time
}

type command struct {
	name        string
	description string
	adminOnly   bool
	handle      func(ctx context.Context, req *request) error
}

type request struct {
	chat     transport.ChatTarget
	fromID   int64
	username string
	args     []string
	log      logx.Logger
}

type Router struct {
	cfg     Config
	adapter transport.Adapter
	store   SubscriptionStore
	quotes  QuoteSource
	limiter Admitter
	engine  Broadcaster
	nextRun func() time.Time
	log     logx.Logger

	feeds    []string // uppercased allowlist
	commands map[string]command
	order    []string // stable listing order for /help and the menu
	pending  *pendingTable
	jobs     chan func()
}

func New(cfg Config, deps Deps, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	feeds := make([]string, 0, len(cfg.Feeds))
	for _, f := range cfg.Feeds {
		f = strings.ToUpper(strings.TrimSpace(f))
		if f != "" {
			feeds = append(feeds, f)
		}
	}

	r := &Router{
		cfg:      cfg,
		adapter:  deps.Adapter,
		store:    deps.Store,
		quotes:   deps.Quotes,
		limiter:  deps.Limiter,
		engine:   deps.Engine,
		nextRun:  deps.NextRun,
		log:      log,
		feeds:    feeds,
		commands: map[string]command{},
		pending:  newPendingTable(cfg.PendingTTL),
		jobs:     make(chan func(), cfg.QueueSize),
	}
	r.register()
	return r
}

func (r *Router) register() {
	add := func(c command) {
		r.commands[c.name] = c
		r.order = append(r.order, c.name)
	}
	add(command{name: "start", description: "greeting and command keyboard", handle: r.handleStart})
	add(command{name: "help", description: "show available commands", handle: r.handleHelp})
	for _, f := range r.feeds {
		feed := f
		add(command{
			name:        strings.ToLower(feed),
			description: feed + " rate right now",
			handle: func(ctx context.Context, req *request) error {
				return r.handleRate(ctx, req, feed)
			},
		})
	}
	add(command{name: "subscribe", description: "subscribe to daily rates", handle: r.handleSubscribe})
	add(command{name: "unsubscribe", description: "unsubscribe from daily rates", handle: r.handleUnsubscribe})
	add(command{name: "mysettings", description: "show your subscription", handle: r.handleMySettings})
	add(command{name: "admin", description: "admin panel", adminOnly: true, handle: r.handleAdmin})
	add(command{name: "export", description: "export subscribers as CSV", adminOnly: true, handle: r.handleExport})
	add(command{name: "subscribers", description: "list subscribers per currency", adminOnly: true, handle: r.handleSubscribers})
	add(command{name: "sendnow", description: "trigger the daily broadcast now", adminOnly: true, handle: r.handleSendNow})
}

// Commands returns the user-facing menu entries (admin commands excluded).
func (r *Router) Commands() []transport.BotCommand {
	out := make([]transport.BotCommand, 0, len(r.order))
	for _, name := range r.order {
		c := r.commands[name]
		if c.adminOnly {
			continue
		}
		out = append(out, transport.BotCommand{Command: "/" + c.name, Description: c.description})
	}
	return out
}

// Run consumes updates until ctx is cancelled or the channel closes.
// Handlers execute on a bounded worker pool.
func (r *Router) Run(ctx context.Context, updates <-chan transport.Update) error {
	workers := r.cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers < 2 {
		workers = 2
	}
	r.log.Info("router started", logx.Int("workers", workers), logx.Int("queue_cap", cap(r.jobs)))

	done := make(chan struct{})
	for i := 0; i < workers; i++ {
		go r.worker(ctx, i, done)
	}
	defer func() {
		close(r.jobs)
		for i := 0; i < workers; i++ {
			<-done
		}
		r.log.Info("router stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.routeUpdate(ctx, up)
		}
	}
}

func (r *Router) worker(ctx context.Context, idx int, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-r.jobs:
			if !ok {
				return
			}
			r.runJob(idx, job)
		}
	}
}

// runJob isolates a single handler invocation so a panic costs one job, not
// the worker.
func (r *Router) runJob(idx int, job func()) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("panic in router worker",
				logx.Int("worker", idx), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
		}
	}()
	if job != nil {
		job()
	}
}

func (r *Router) routeUpdate(ctx context.Context, up transport.Update) {
	switch up.Kind {
	case transport.UpdateMessage:
		r.routeMessage(ctx, up.Message)
	case transport.UpdateContact:
		r.routeContact(ctx, up.Contact)
	}
}

func (r *Router) routeMessage(ctx context.Context, msg *transport.Message) {
	if msg == nil {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	chat := transport.ChatTarget{ChatID: msg.ChatID}

	if !strings.HasPrefix(text, "/") {
		// Plain text only matters as a reply to an armed prompt.
		kind := r.pending.Take(msg.FromID, time.Now())
		if kind == pendingNone {
			return
		}
		if !r.admit(ctx, msg.FromID, chat) {
			// Keep the prompt armed so the user can answer it after the
			// rate-limit window opens up again.
			r.pending.Set(msg.FromID, kind, time.Now())
			return
		}
		req := r.newRequest(msg, nil)
		req.log = req.log.With(logx.String("pending", kind.String()))
		r.enqueue(ctx, chat, func(jobCtx context.Context) error {
			return r.handlePendingReply(jobCtx, req, kind, text)
		}, req)
		return
	}

	parts := strings.Fields(text)
	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	word = strings.ToLower(word)

	// A fresh command supersedes whatever prompt was armed.
	r.pending.Clear(msg.FromID)

	cmd, ok := r.commands[word]
	if !ok {
		_, _ = r.adapter.SendText(ctx, chat, "Unknown command. Try /help.", nil)
		return
	}
	if !r.admit(ctx, msg.FromID, chat) {
		return
	}
	if cmd.adminOnly && msg.FromID != r.cfg.AdminChatID {
		_, _ = r.adapter.SendText(ctx, chat, "This command is for the administrator.", nil)
		return
	}

	req := r.newRequest(msg, parts[1:])
	req.log = req.log.With(logx.String("cmd", cmd.name))
	r.enqueue(ctx, chat, func(jobCtx context.Context) error {
		return cmd.handle(jobCtx, req)
	}, req)
}

func (r *Router) newRequest(msg *transport.Message, args []string) *request {
	return &request{
		chat:     transport.ChatTarget{ChatID: msg.ChatID},
		fromID:   msg.FromID,
		username: msg.FromUsername,
		args:     args,
		log:      r.log.With(logx.Int64("from_id", msg.FromID)),
	}
}

// admit runs the rate-limit check and sends the retry hint on denial.
func (r *Router) admit(ctx context.Context, identity int64, chat transport.ChatTarget) bool {
	d := r.limiter.Decide(identity, time.Now())
	if d.Allowed {
		return true
	}
	m, s := d.RetryHint()
	r.log.Debug("request denied by rate limit",
		logx.Int64("from_id", identity), logx.Duration("retry_after", d.RetryAfter))
	_, _ = r.adapter.SendText(ctx, chat,
		"Too many requests. Try again in "+retryPhrase(m, s)+".", nil)
	return false
}

func retryPhrase(minutes, seconds int) string {
	switch {
	case minutes <= 0:
		return plural(seconds, "second")
	case seconds == 0:
		return plural(minutes, "minute")
	default:
		return plural(minutes, "minute") + " " + plural(seconds, "second")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return strconv.Itoa(n) + " " + unit + "s"
}

func (r *Router) enqueue(ctx context.Context, chat transport.ChatTarget, job func(context.Context) error, req *request) {
	wrapped := func() {
		if err := job(ctx); err != nil {
			req.log.Error("handler failed", logx.Err(err))
			_, _ = r.adapter.SendText(ctx, chat, "Something went wrong. Try again later.", nil)
		}
	}
	select {
	case r.jobs <- wrapped:
	default:
		_, _ = r.adapter.SendText(ctx, chat, "Busy, try again.", nil)
	}
}

func (r *Router) routeContact(ctx context.Context, c *transport.Contact) {
	if c == nil {
		return
	}
	chat := transport.ChatTarget{ChatID: c.ChatID}
	if !r.admit(ctx, c.FromID, chat) {
		return
	}
	contact := store.Contact{UserID: c.FromID, Username: c.FromUsername, PhoneNumber: c.PhoneNumber}
	log := r.log.With(logx.Int64("from_id", c.FromID))
	r.enqueue(ctx, chat, func(jobCtx context.Context) error {
		return r.handleContact(jobCtx, chat, contact)
	}, &request{chat: chat, fromID: c.FromID, log: log})
}

// validFeed normalizes a user-entered currency and checks the allowlist.
func (r *Router) validFeed(raw string) (string, bool) {
	f := strings.ToUpper(strings.TrimSpace(raw))
	for _, known := range r.feeds {
		if known == f {
			return f, true
		}
	}
	return f, false
}
