package router

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"kursbot/internal/broadcast"
	"kursbot/internal/ratelimit"
	"kursbot/internal/store"
	"kursbot/internal/transport"
	"kursbot/pkg/logx"
)

type sentMsg struct {
	chat transport.ChatTarget
	text string
	opt  *transport.SendOptions
}

type sentDoc struct {
	chat    transport.ChatTarget
	path    string
	caption string
	content string
}

type fakeAdapter struct {
	msgs chan sentMsg
	docs chan sentDoc
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{msgs: make(chan sentMsg, 16), docs: make(chan sentDoc, 4)}
}

func (a *fakeAdapter) Start(ctx context.Context, out chan<- transport.Update) error { return nil }
func (a *fakeAdapter) Stop(ctx context.Context) error                               { return nil }

func (a *fakeAdapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	a.msgs <- sentMsg{chat: to, text: text, opt: opt}
	return transport.MessageRef{ChatID: to.ChatID}, nil
}

func (a *fakeAdapter) SendDocument(ctx context.Context, to transport.ChatTarget, path, caption string) error {
	// Capture content before the router deletes the temp file.
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	a.docs <- sentDoc{chat: to, path: path, caption: caption, content: string(b)}
	return nil
}

func (a *fakeAdapter) next(t *testing.T) sentMsg {
	t.Helper()
	select {
	case m := <-a.msgs:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no message sent")
		return sentMsg{}
	}
}

func (a *fakeAdapter) expectSilence(t *testing.T) {
	t.Helper()
	select {
	case m := <-a.msgs:
		t.Fatalf("unexpected message: %q", m.text)
	case <-time.After(100 * time.Millisecond):
	}
}

type fakeRouterStore struct {
	mu       sync.Mutex
	subs     map[int64]*store.Subscription
	contacts map[int64]store.Contact
	phones   map[string]int64
	audit    []store.AuditEntry
}

func newFakeRouterStore() *fakeRouterStore {
	return &fakeRouterStore{
		subs:     map[int64]*store.Subscription{},
		contacts: map[int64]store.Contact{},
		phones:   map[string]int64{},
	}
}

func (s *fakeRouterStore) Subscribe(ctx context.Context, userID int64, username, feed string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := s.subs[userID]
	if sub == nil {
		sub = &store.Subscription{UserID: userID, Username: username, SubscribedAt: time.Now()}
		s.subs[userID] = sub
	}
	for _, f := range sub.Feeds {
		if f == feed {
			sub.Active = true
			return false, nil
		}
	}
	sub.Feeds = append(sub.Feeds, feed)
	sub.Active = true
	return true, nil
}

func (s *fakeRouterStore) Unsubscribe(ctx context.Context, userID int64, feed string) (bool, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := s.subs[userID]
	if sub == nil {
		return false, false, nil
	}
	for i, f := range sub.Feeds {
		if f == feed {
			sub.Feeds = append(sub.Feeds[:i], sub.Feeds[i+1:]...)
			if len(sub.Feeds) == 0 {
				sub.Active = false
				return true, true, nil
			}
			return true, false, nil
		}
	}
	return false, false, nil
}

func (s *fakeRouterStore) Deactivate(ctx context.Context, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := s.subs[userID]
	if sub == nil || !sub.Active {
		return false, nil
	}
	sub.Feeds = nil
	sub.Active = false
	return true, nil
}

func (s *fakeRouterStore) Get(ctx context.Context, userID int64) (*store.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := s.subs[userID]
	if sub == nil {
		return nil, nil
	}
	cp := *sub
	cp.Feeds = append([]string(nil), sub.Feeds...)
	return &cp, nil
}

// ListByFeed mirrors the sqlite store: inactive records are included, an
// empty feed matches everyone.
func (s *fakeRouterStore) ListByFeed(ctx context.Context, feed string) ([]store.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Subscription
	for _, sub := range s.subs {
		if feed != "" {
			found := false
			for _, f := range sub.Feeds {
				if f == feed {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		cp := *sub
		cp.Feeds = append([]string(nil), sub.Feeds...)
		out = append(out, cp)
	}
	return out, nil
}

func (s *fakeRouterStore) RegisterContact(ctx context.Context, c store.Contact) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.phones[c.PhoneNumber]; dup {
		return false, nil
	}
	s.phones[c.PhoneNumber] = c.UserID
	s.contacts[c.UserID] = c
	return true, nil
}

func (s *fakeRouterStore) ContactExists(ctx context.Context, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.contacts[userID]
	return ok, nil
}

func (s *fakeRouterStore) AppendAudit(ctx context.Context, e store.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, e)
	return nil
}

type fakeAdmitter struct {
	mu     sync.Mutex
	deny   bool
	retry  time.Duration
	checks int
}

func (f *fakeAdmitter) Decide(identity int64, now time.Time) ratelimit.Decision {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	if f.deny {
		return ratelimit.Decision{Allowed: false, RetryAfter: f.retry}
	}
	return ratelimit.Decision{Allowed: true}
}

type fakeQuoteSource struct {
	rates   map[string]float64
	err     error
	panicOn map[string]bool
}

func (f *fakeQuoteSource) Get(ctx context.Context, symbol string) (float64, error) {
	if f.panicOn[symbol] {
		panic("quote source blew up")
	}
	if f.err != nil {
		return 0, f.err
	}
	r, ok := f.rates[symbol]
	if !ok {
		return 0, fmt.Errorf("no rate for %s", symbol)
	}
	return r, nil
}

func (f *fakeQuoteSource) Target() string { return "RUB" }

type fakeEngine struct {
	stats broadcast.RunStats
	err   error
	runs  int
}

func (f *fakeEngine) RunOnce(ctx context.Context) (broadcast.RunStats, error) {
	f.runs++
	return f.stats, f.err
}

type testEnv struct {
	router  *Router
	adapter *fakeAdapter
	store   *fakeRouterStore
	limiter *fakeAdmitter
	quotes  *fakeQuoteSource
	engine  *fakeEngine
	updates chan transport.Update
	cancel  context.CancelFunc
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	if len(cfg.Feeds) == 0 {
		cfg.Feeds = []string{"USD", "EUR"}
	}
	env := &testEnv{
		adapter: newFakeAdapter(),
		store:   newFakeRouterStore(),
		limiter: &fakeAdmitter{},
		quotes:  &fakeQuoteSource{rates: map[string]float64{"USD": 90.12, "EUR": 99.50}},
		engine:  &fakeEngine{},
		updates: make(chan transport.Update, 16),
	}
	env.router = New(cfg, Deps{
		Adapter: env.adapter,
		Store:   env.store,
		Quotes:  env.quotes,
		Limiter: env.limiter,
		Engine:  env.engine,
	}, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	env.cancel = cancel
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = env.router.Run(ctx, env.updates)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("router did not stop")
		}
	})
	return env
}

func (e *testEnv) message(fromID, chatID int64, text string) {
	e.updates <- transport.Update{
		Kind: transport.UpdateMessage,
		Message: &transport.Message{
			ChatID:       chatID,
			FromID:       fromID,
			FromUsername: "tester",
			Text:         text,
		},
	}
}

func (e *testEnv) contact(fromID, chatID int64, phone string) {
	e.updates <- transport.Update{
		Kind: transport.UpdateContact,
		Contact: &transport.Contact{
			ChatID:       chatID,
			FromID:       fromID,
			FromUsername: "tester",
			PhoneNumber:  phone,
		},
	}
}

func TestRateCommand(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})
	env.message(7, 7, "/usd")
	got := env.adapter.next(t)
	if got.text != "1 USD = 90.12 RUB" {
		t.Fatalf("text = %q", got.text)
	}
}

func TestCommandWithBotSuffix(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})
	env.message(7, 7, "/eur@kursbot")
	if got := env.adapter.next(t); got.text != "1 EUR = 99.50 RUB" {
		t.Fatalf("text = %q", got.text)
	}
}

func TestUnknownCommand(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})
	env.message(7, 7, "/frobnicate")
	if got := env.adapter.next(t); !strings.Contains(got.text, "Unknown command") {
		t.Fatalf("text = %q", got.text)
	}
}

func TestAdmissionDenied(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})
	env.limiter.deny = true
	env.limiter.retry = 125 * time.Second

	env.message(7, 7, "/usd")
	got := env.adapter.next(t)
	if !strings.Contains(got.text, "2 minutes 5 seconds") {
		t.Fatalf("retry hint missing: %q", got.text)
	}
	env.adapter.expectSilence(t)
}

func TestAdminOnlyRejected(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{AdminChatID: 1})
	env.message(7, 7, "/sendnow")
	if got := env.adapter.next(t); !strings.Contains(got.text, "administrator") {
		t.Fatalf("text = %q", got.text)
	}
	if env.engine.runs != 0 {
		t.Fatal("engine ran for non-admin")
	}
}

func TestSubscribePickerFlow(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})

	env.message(7, 7, "/subscribe")
	if got := env.adapter.next(t); !strings.Contains(got.text, "Which currency") {
		t.Fatalf("picker prompt missing: %q", got.text)
	}

	env.message(7, 7, "USD")
	if got := env.adapter.next(t); !strings.Contains(got.text, "Subscribed to USD") {
		t.Fatalf("text = %q", got.text)
	}

	sub, _ := env.store.Get(context.Background(), 7)
	if sub == nil || !sub.Active || sub.PrimaryFeed() != "USD" {
		t.Fatalf("subscription not stored: %+v", sub)
	}

	// The pending action was consumed; stray text does nothing.
	env.message(7, 7, "EUR")
	env.adapter.expectSilence(t)
}

func TestPendingConsumedByInvalidChoice(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})

	env.message(7, 7, "/subscribe")
	env.adapter.next(t) // picker

	env.message(7, 7, "DOGE")
	if got := env.adapter.next(t); !strings.Contains(got.text, "Unknown currency") {
		t.Fatalf("text = %q", got.text)
	}

	// Consumed even though the choice was invalid.
	env.message(7, 7, "USD")
	env.adapter.expectSilence(t)
}

func TestNewCommandCancelsPending(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})

	env.message(7, 7, "/subscribe")
	env.adapter.next(t) // picker
	env.message(7, 7, "/help")
	env.adapter.next(t) // help text

	env.message(7, 7, "USD")
	env.adapter.expectSilence(t)
}

func TestUnsubscribeLastFeedDeactivates(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})
	if _, err := env.store.Subscribe(context.Background(), 7, "tester", "USD"); err != nil {
		t.Fatal(err)
	}

	env.message(7, 7, "/unsubscribe USD")
	if got := env.adapter.next(t); !strings.Contains(got.text, "daily updates are off") {
		t.Fatalf("text = %q", got.text)
	}
	sub, _ := env.store.Get(context.Background(), 7)
	if sub == nil || sub.Active {
		t.Fatalf("subscription should be inactive: %+v", sub)
	}
}

func TestUnsubscribeAllDeactivates(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	if _, err := env.store.Subscribe(ctx, 7, "tester", "USD"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.store.Subscribe(ctx, 7, "tester", "EUR"); err != nil {
		t.Fatal(err)
	}

	env.message(7, 7, "/unsubscribe ALL")
	if got := env.adapter.next(t); !strings.Contains(got.text, "All subscriptions removed") {
		t.Fatalf("text = %q", got.text)
	}
	sub, _ := env.store.Get(ctx, 7)
	if sub == nil || sub.Active || len(sub.Feeds) != 0 {
		t.Fatalf("subscription not deactivated: %+v", sub)
	}
}

func TestContactDuplicateNotifiesAdmin(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{AdminChatID: 1})

	env.contact(7, 7, "+700")
	if got := env.adapter.next(t); !strings.Contains(got.text, "registered, thank you") {
		t.Fatalf("text = %q", got.text)
	}

	env.contact(8, 8, "+700")
	first := env.adapter.next(t)
	if !strings.Contains(first.text, "already registered") {
		t.Fatalf("text = %q", first.text)
	}
	notice := env.adapter.next(t)
	if notice.chat.ChatID != 1 || !strings.Contains(notice.text, "Duplicate phone") {
		t.Fatalf("admin notice = %+v", notice)
	}
}

func TestSendNowReportsOverlap(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{AdminChatID: 1})
	if _, err := env.store.RegisterContact(context.Background(), store.Contact{UserID: 1, PhoneNumber: "+1"}); err != nil {
		t.Fatal(err)
	}
	env.engine.err = broadcast.ErrRunInProgress

	env.message(1, 1, "/sendnow")
	if got := env.adapter.next(t); !strings.Contains(got.text, "already in progress") {
		t.Fatalf("text = %q", got.text)
	}
}

func TestSendNowRunsAndAudits(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{AdminChatID: 1})
	if _, err := env.store.RegisterContact(context.Background(), store.Contact{UserID: 1, PhoneNumber: "+1"}); err != nil {
		t.Fatal(err)
	}

	env.message(1, 1, "/sendnow")
	if got := env.adapter.next(t); !strings.Contains(got.text, "Broadcast finished") {
		t.Fatalf("text = %q", got.text)
	}
	if env.engine.runs != 1 {
		t.Fatalf("runs = %d", env.engine.runs)
	}
	env.store.mu.Lock()
	defer env.store.mu.Unlock()
	if len(env.store.audit) != 1 || env.store.audit[0].Action != "sendnow" {
		t.Fatalf("audit = %+v", env.store.audit)
	}
}

func TestSubscribersPickerFlow(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{AdminChatID: 1})
	ctx := context.Background()
	if _, err := env.store.RegisterContact(ctx, store.Contact{UserID: 1, PhoneNumber: "+1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.store.Subscribe(ctx, 7, "alice", "USD"); err != nil {
		t.Fatal(err)
	}
	// USD is bob's second currency; the listing must still include him.
	if _, err := env.store.Subscribe(ctx, 8, "bob", "EUR"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.store.Subscribe(ctx, 8, "bob", "USD"); err != nil {
		t.Fatal(err)
	}

	env.message(1, 1, "/subscribers")
	if got := env.adapter.next(t); !strings.Contains(got.text, "List subscribers for which currency") {
		t.Fatalf("picker prompt = %q", got.text)
	}

	env.message(1, 1, "USD")
	got := env.adapter.next(t)
	if !strings.Contains(got.text, "Subscribers (USD): 2") {
		t.Fatalf("header missing: %q", got.text)
	}
	for _, want := range []string{"alice", "bob", "EUR USD", "active"} {
		if !strings.Contains(got.text, want) {
			t.Fatalf("listing %q missing %q", got.text, want)
		}
	}

	env.store.mu.Lock()
	defer env.store.mu.Unlock()
	if len(env.store.audit) != 1 || env.store.audit[0].Action != "subscribers" || env.store.audit[0].Target != "USD" {
		t.Fatalf("audit = %+v", env.store.audit)
	}
}

func TestSubscribersAllIncludesInactive(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{AdminChatID: 1})
	ctx := context.Background()
	if _, err := env.store.RegisterContact(ctx, store.Contact{UserID: 1, PhoneNumber: "+1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.store.Subscribe(ctx, 7, "alice", "USD"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.store.Subscribe(ctx, 9, "carol", "EUR"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.store.Deactivate(ctx, 9); err != nil {
		t.Fatal(err)
	}

	env.message(1, 1, "/subscribers ALL")
	got := env.adapter.next(t)
	if !strings.Contains(got.text, "Subscribers (all): 2") {
		t.Fatalf("header missing: %q", got.text)
	}
	if !strings.Contains(got.text, "inactive") {
		t.Fatalf("inactive record missing: %q", got.text)
	}
}

func TestWorkerSurvivesHandlerPanic(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{Workers: 2})
	env.quotes.panicOn = map[string]bool{"USD": true}

	env.message(7, 7, "/usd")
	env.message(8, 8, "/usd")
	env.adapter.expectSilence(t)

	// Both panics recovered; the pool still serves the next command.
	env.message(9, 9, "/eur")
	if got := env.adapter.next(t); got.text != "1 EUR = 99.50 RUB" {
		t.Fatalf("text = %q", got.text)
	}
}

func TestAdminRequiresContact(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{AdminChatID: 1})

	env.message(1, 1, "/sendnow")
	if got := env.adapter.next(t); !strings.Contains(got.text, "share your contact") {
		t.Fatalf("text = %q", got.text)
	}
	if env.engine.runs != 0 {
		t.Fatal("engine ran without contact verification")
	}
}

func TestHandlerErrorReported(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{AdminChatID: 1})
	if _, err := env.store.RegisterContact(context.Background(), store.Contact{UserID: 1, PhoneNumber: "+1"}); err != nil {
		t.Fatal(err)
	}
	env.engine.err = errors.New("kaput")

	env.message(1, 1, "/sendnow")
	if got := env.adapter.next(t); !strings.Contains(got.text, "Something went wrong") {
		t.Fatalf("text = %q", got.text)
	}
}

func TestCommandsMenuExcludesAdmin(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{AdminChatID: 1})
	for _, c := range env.router.Commands() {
		switch c.Command {
		case "/export", "/subscribers", "/sendnow", "/admin":
			t.Fatalf("admin command %s leaked into the menu", c.Command)
		}
	}
}

func TestRetryPhrase(t *testing.T) {
	t.Parallel()
	cases := []struct {
		m, s int
		want string
	}{
		{0, 1, "1 second"},
		{0, 42, "42 seconds"},
		{1, 0, "1 minute"},
		{2, 5, "2 minutes 5 seconds"},
	}
	for _, c := range cases {
		if got := retryPhrase(c.m, c.s); got != c.want {
			t.Errorf("retryPhrase(%d, %d) = %q, want %q", c.m, c.s, got, c.want)
		}
	}
}
