// Package ratelimit admits or denies per-user commands using a sliding window
// of accepted request timestamps.
//
// The limiter is purely in-memory and intentionally ephemeral: state does not
// survive a restart. Denied requests do not consume a slot.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"kursbot/pkg/logx"
)

type Config struct {
	// Limit is the max number of accepted requests per identity per window.
	Limit int
	// Period is the sliding window length.
	Period time.Duration
	// SweepEvery controls how often idle identities are evicted. 0 disables
	// the background janitor (Sweep can still be called directly).
	SweepEvery time.Duration
}

// Decision is the outcome of a single admission check.
//
// When Allowed is false, RetryAfter holds how long the caller must wait before
// a request can be accepted again, floored to whole seconds and always > 0.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// RetryHint decomposes RetryAfter into whole minutes and leftover seconds
// for user-facing "try again in M minutes S seconds" messages.
func (d Decision) RetryHint() (minutes, seconds int) {
	total := int(d.RetryAfter / time.Second)
	return total / 60, total % 60
}

func (d Decision) String() string {
	if d.Allowed {
		return "allowed"
	}
	m, s := d.RetryHint()
	return fmt.Sprintf("denied, retry in %d minutes %d seconds", m, s)
}

// window holds the accepted timestamps for one identity, oldest first.
// Each window carries its own mutex so unrelated identities never serialize
// against each other; the Limiter map mutex is held only for lookup/insert.
type window struct {
	mu    sync.Mutex
	times []time.Time
	// gone is set by Sweep after the window was removed from the map.
	// A Decide that raced the sweep must re-fetch instead of recording
	// an acceptance nobody will ever see again.
	gone bool
}

type Limiter struct {
	sweep time.Duration
	log   logx.Logger

	// mu guards the identity map and the live limit/period settings.
	mu      sync.Mutex
	limit   int
	period  time.Duration
	windows map[int64]*window

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, log logx.Logger) *Limiter {
	if cfg.Limit <= 0 {
		cfg.Limit = 100
	}
	if cfg.Period <= 0 {
		cfg.Period = 5 * time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Limiter{
		limit:   cfg.Limit,
		period:  cfg.Period,
		sweep:   cfg.SweepEvery,
		log:     log,
		windows: map[int64]*window{},
	}
}

// Decide reports whether a request from identity at time now is admitted.
//
// The check is prune-then-check: timestamps that aged out of the window are
// dropped before the count is compared against the limit, so a call is never
// denied on the strength of an already-expired acceptance.
func (l *Limiter) Decide(identity int64, now time.Time) Decision {
	for {
		l.mu.Lock()
		limit, period := l.limit, l.period
		w := l.windows[identity]
		if w == nil {
			w = &window{}
			l.windows[identity] = w
		}
		l.mu.Unlock()

		w.mu.Lock()
		if w.gone {
			// Lost a race with Sweep; the map no longer holds this window.
			w.mu.Unlock()
			continue
		}
		d := decideLocked(w, now, limit, period)
		w.mu.Unlock()
		return d
	}
}

// decideLocked runs the prune-and-decide cycle. Call with w.mu held.
func decideLocked(w *window, now time.Time, limit int, period time.Duration) Decision {
	cutoff := now.Add(-period)
	// Drop entries with now-t >= period. Keeping the comparison strict on the
	// survivor side guarantees RetryAfter > 0 for every denial.
	i := 0
	for i < len(w.times) && !w.times[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.times = append(w.times[:0], w.times[i:]...)
	}

	if len(w.times) < limit {
		w.times = append(w.times, now)
		return Decision{Allowed: true}
	}

	retry := w.times[0].Add(period).Sub(now)
	// Floor to whole seconds for display; never report zero for a denial.
	retry = retry.Truncate(time.Second)
	if retry <= 0 {
		retry = time.Second
	}
	return Decision{Allowed: false, RetryAfter: retry}
}

// Sweep evicts identities whose window is empty after pruning at time now.
// It bounds the memory of the identity map: users who stop sending requests
// disappear one period after their last accepted request.
func (l *Limiter) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := now.Add(-l.period)

	evicted := 0
	for id, w := range l.windows {
		w.mu.Lock()
		i := 0
		for i < len(w.times) && !w.times[i].After(cutoff) {
			i++
		}
		if i > 0 {
			w.times = append(w.times[:0], w.times[i:]...)
		}
		if len(w.times) == 0 {
			w.gone = true
			delete(l.windows, id)
			evicted++
		}
		w.mu.Unlock()
	}
	return evicted
}

// Apply replaces the admission limit and window length at runtime, using the
// same defaults as New for non-positive values. Recorded timestamps are kept;
// the new settings take effect on the next Decide. SweepEvery is fixed at
// construction and ignored here.
func (l *Limiter) Apply(cfg Config) {
	limit := cfg.Limit
	if limit <= 0 {
		limit = 100
	}
	period := cfg.Period
	if period <= 0 {
		period = 5 * time.Minute
	}

	l.mu.Lock()
	changed := limit != l.limit || period != l.period
	l.limit = limit
	l.period = period
	l.mu.Unlock()

	if changed {
		l.log.Info("admission limits updated", logx.Int("limit", limit), logx.Duration("period", period))
	}
}

// Size returns the number of tracked identities.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Start launches the background janitor. No-op if SweepEvery is 0.
func (l *Limiter) Start(ctx context.Context) {
	if l.sweep <= 0 {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.sweep)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if n := l.Sweep(time.Now()); n > 0 {
					l.log.Debug("idle identities evicted", logx.Int("count", n), logx.Int("remaining", l.Size()))
				}
			}
		}
	}()
	l.mu.Lock()
	limit, period := l.limit, l.period
	l.mu.Unlock()
	l.log.Info("limiter started", logx.Int("limit", limit), logx.Duration("period", period), logx.Duration("sweep_every", l.sweep))
}

func (l *Limiter) Stop() {
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	l.wg.Wait()
}
