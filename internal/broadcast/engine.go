package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"kursbot/internal/store"
	"kursbot/internal/transport"
	"kursbot/pkg/logx"
)

type Config struct {
	// RatePerSec paces outgoing sends (Telegram throttles bulk senders).
	RatePerSec int
}

// RecipientStore is the subscription slice of the sqlite store the engine needs.
type RecipientStore interface {
	ListActive(ctx context.Context) ([]store.Subscription, error)
	Remove(ctx context.Context, userID int64) error
}

// QuoteSource resolves one feed symbol to a conversion rate.
type QuoteSource interface {
	Get(ctx context.Context, symbol string) (float64, error)
	Target() string
}

// Sender is the delivery slice of the transport adapter.
type Sender interface {
	SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error)
}

// RunStats aggregates one run's outcome for logging and the admin trigger reply.
type RunStats struct {
	Subscriptions   int
	Sent            int
	SkippedQuote    int
	Pruned          int
	PruneFailed     int
	TransientFailed int
	Started         time.Time
	Duration        time.Duration
}

func (s RunStats) String() string {
	return fmt.Sprintf("subs=%d sent=%d skipped_quote=%d pruned=%d prune_failed=%d transient_failed=%d took=%s",
		s.Subscriptions, s.Sent, s.SkippedQuote, s.Pruned, s.PruneFailed, s.TransientFailed, s.Duration.Round(time.Millisecond))
}

// ErrRunInProgress is returned when a run is requested while another one is
// still in flight (late cron fire, impatient admin). The new run is skipped,
// never queued.
var ErrRunInProgress = errors.New("broadcast run already in progress")

type Engine struct {
	store   RecipientStore
	quotes  QuoteSource
	sender  Sender
	log     logx.Logger
	limiter *rate.Limiter

	// runMu serializes runs; TryLock turns an overlapping request into
	// ErrRunInProgress instead of a queue.
	runMu sync.Mutex
}

func New(cfg Config, st RecipientStore, qs QuoteSource, sender Sender, log logx.Logger) *Engine {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 10
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		store:   st,
		quotes:  qs,
		sender:  sender,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}
}

// quoteResult is a per-run cache slot. Failures are cached too, so the quote
// source is queried at most once per distinct feed per run.
type quoteResult struct {
	rate float64
	err  error
}

// RunOnce executes one full broadcast run. At most one run is active at a
// time; an overlapping call returns ErrRunInProgress immediately.
//
// A store load failure aborts the run before any subscriber is touched; the
// error is returned and the next scheduled firing starts clean. Failures
// inside the per-subscriber loop are converted into stats, never propagated.
func (e *Engine) RunOnce(ctx context.Context) (RunStats, error) {
	if !e.runMu.TryLock() {
		return RunStats{}, ErrRunInProgress
	}
	defer e.runMu.Unlock()

	stats := RunStats{Started: time.Now()}

	subs, err := e.store.ListActive(ctx)
	if err != nil {
		e.log.Error("subscription load failed; run aborted", logx.Err(err))
		return stats, fmt.Errorf("load active subscriptions: %w", err)
	}
	stats.Subscriptions = len(subs)
	e.log.Info("broadcast run started", logx.Int("subscriptions", len(subs)))

	cache := make(map[string]quoteResult)

	for _, sub := range subs {
		if ctx.Err() != nil {
			stats.Duration = time.Since(stats.Started)
			return stats, ctx.Err()
		}

		// Each subscriber currently receives exactly one message per run,
		// for the first feed they subscribed to.
		feed := sub.PrimaryFeed()
		if feed == "" {
			continue
		}

		q, ok := cache[feed]
		if !ok {
			q.rate, q.err = e.quotes.Get(ctx, feed)
			cache[feed] = q
		}
		if q.err != nil {
			stats.SkippedQuote++
			e.log.Warn("quote unavailable; subscriber skipped",
				logx.String("feed", feed), logx.Int64("user_id", sub.UserID), logx.Err(q.err))
			continue
		}

		if err := e.limiter.Wait(ctx); err != nil {
			stats.Duration = time.Since(stats.Started)
			return stats, err
		}

		text := fmt.Sprintf("%s rate for today:\n1 %s = %.2f %s", feed, feed, q.rate, e.quotes.Target())
		_, err := e.sender.SendText(ctx, transport.ChatTarget{ChatID: sub.UserID}, text, nil)
		switch {
		case err == nil:
			stats.Sent++
		case errors.Is(err, transport.ErrRecipientGone):
			// Pruned counts removals that actually happened; a failed delete
			// leaves the subscriber in the next run's listing.
			if rmErr := e.store.Remove(ctx, sub.UserID); rmErr != nil {
				stats.PruneFailed++
				e.log.Error("unreachable subscriber not removed",
					logx.Int64("user_id", sub.UserID), logx.Err(rmErr))
			} else {
				stats.Pruned++
				e.log.Info("unreachable subscriber removed", logx.Int64("user_id", sub.UserID))
			}
		default:
			stats.TransientFailed++
			e.log.Warn("send failed; subscriber kept for next run",
				logx.Int64("user_id", sub.UserID), logx.Err(err))
		}
	}

	stats.Duration = time.Since(stats.Started)
	if stats.TransientFailed > 0 || stats.SkippedQuote > 0 || stats.PruneFailed > 0 {
		e.log.Warn("broadcast run finished with failures", logx.String("stats", stats.String()))
	} else {
		e.log.Info("broadcast run finished", logx.String("stats", stats.String()))
	}
	return stats, nil
}
