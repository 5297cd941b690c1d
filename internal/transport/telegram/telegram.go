package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"kursbot/internal/transport"
	"kursbot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	out     atomic.Value // stores (chan<- transport.Update)
	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// droppedUpdates counts updates dropped because the consumer was slower
	// than the poll loop. Logged periodically to avoid per-update log spam.
	droppedUpdates uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, bot: b}
	// Ensure atomic.Value is initialized with a stable dynamic type.
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) registerHandlers() {
	// Handlers forward to the CURRENT output channel. Start() may swap it.
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil {
			return nil
		}
		a.sendUpdate(transport.Update{
			Kind: transport.UpdateMessage,
			Message: &transport.Message{
				ID:           m.ID,
				ChatID:       m.Chat.ID,
				FromID:       m.Sender.ID,
				FromUsername: m.Sender.Username,
				Text:         m.Text,
			},
		})
		return nil
	})

	a.bot.Handle(tele.OnContact, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil || m.Contact == nil {
			return nil
		}
		a.sendUpdate(transport.Update{
			Kind: transport.UpdateContact,
			Contact: &transport.Contact{
				ChatID:       m.Chat.ID,
				FromID:       m.Sender.ID,
				FromUsername: m.Sender.Username,
				PhoneNumber:  m.Contact.PhoneNumber,
			},
		})
		return nil
	})
}

func (a *Adapter) sendUpdate(up transport.Update) {
	v := a.out.Load()
	out, _ := v.(chan<- transport.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&a.droppedUpdates, 1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.runMu.Unlock()

	// Periodic summary for dropped updates (avoid noisy per-update logs).
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
					a.log.Warn("incoming updates dropped (channel full)", logx.Int64("count", int64(n)), logx.Int("chan_cap", cap(out)))
				}
				return
			case <-ticker.C:
				if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
					a.log.Warn("incoming updates dropped (channel full)", logx.Int64("count", int64(n)), logx.Int("chan_cap", cap(out)))
				}
			}
		}
	}()

	// Stop telebot when the adapter context is cancelled.
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		<-runCtx.Done()
		if a.bot != nil {
			a.bot.Stop()
		}
	}()

	// Telebot's Start() blocks until Stop() is called.
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.log.Info("polling started")
		if a.bot != nil {
			a.bot.Start()
		}
		a.log.Info("polling stopped")
	}()

	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	cancel := a.cancel
	a.cancel = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	if cancel != nil {
		cancel()
	}

	// Grace window: keep shutdown snappy even if getUpdates long-poll is still waiting.
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		rem := time.Until(dl)
		if rem > 0 && rem < grace {
			grace = rem
		}
	}
	t := time.NewTimer(grace)
	defer t.Stop()

	select {
	case <-done:
	case <-t.C:
		a.log.Warn("telegram stop timed out")
	case <-ctx.Done():
	}
	return nil
}

func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	if ctx != nil {
		select {
		case <-ctx.Done():
			return transport.MessageRef{}, ctx.Err()
		default:
		}
	}

	sendOpt := &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
	}
	if opt.ReplyMarkupAdapter != nil {
		if rm, ok := opt.ReplyMarkupAdapter.(*tele.ReplyMarkup); ok {
			sendOpt.ReplyMarkup = rm
		}
	}
	if opt.RemoveKeyboard {
		sendOpt.ReplyMarkup = &tele.ReplyMarkup{RemoveKeyboard: true}
	}

	msg, err := a.bot.Send(&tele.Chat{ID: to.ChatID}, text, sendOpt)
	if err != nil {
		return transport.MessageRef{}, classifySendError(err)
	}
	return transport.MessageRef{ChatID: to.ChatID, MessageID: msg.ID}, nil
}

func (a *Adapter) SendDocument(ctx context.Context, to transport.ChatTarget, path, caption string) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	doc := &tele.Document{File: tele.FromDisk(path), Caption: caption}
	_, err := a.bot.Send(&tele.Chat{ID: to.ChatID}, doc)
	if err != nil {
		return classifySendError(err)
	}
	return nil
}

// UpdateMenuCommands updates Telegram's global /menu command list.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []transport.BotCommand) error {
	tc := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		tc = append(tc, tele.Command{Text: c.Command, Description: d})
	}
	return a.bot.SetCommands(tc)
}

// classifySendError wraps permanently-dead recipients with transport.ErrRecipientGone
// so callers can prune them. Everything else stays as-is (transient).
func classifySendError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, tele.ErrBlockedByUser) ||
		errors.Is(err, tele.ErrUserIsDeactivated) ||
		errors.Is(err, tele.ErrChatNotFound) ||
		errors.Is(err, tele.ErrNotStartedByUser) {
		return errors.Join(transport.ErrRecipientGone, err)
	}
	// API variants not covered by telebot's error table.
	s := err.Error()
	if strings.Contains(s, "bot was blocked by the user") ||
		strings.Contains(s, "user is deactivated") {
		return errors.Join(transport.ErrRecipientGone, err)
	}
	return err
}
