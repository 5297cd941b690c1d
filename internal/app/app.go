// Package app wires the bot together: config, logging, storage, the quote
// client, the rate limiter, the broadcast engine, the scheduler, and the
// command router.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"kursbot/internal/broadcast"
	"kursbot/internal/config"
	"kursbot/internal/quotes"
	"kursbot/internal/ratelimit"
	"kursbot/internal/router"
	"kursbot/internal/runtime/supervisor"
	"kursbot/internal/schedule"
	"kursbot/internal/store"
	"kursbot/internal/transport"
	"kursbot/internal/transport/telegram"
	"kursbot/pkg/logx"
)

// dailyJobName identifies the broadcast job inside the scheduler.
const dailyJobName = "daily-rates"

type App struct {
	cfgPath string
	cfgm    *config.Manager

	log  logx.Logger
	logs *logx.Service

	store   *store.Store
	adapter *telegram.Adapter
	quotes  *quotes.Client
	limiter *ratelimit.Limiter
	engine  *broadcast.Engine
	sched   *schedule.Service
	router  *router.Router

	sup     *supervisor.Supervisor
	updates chan transport.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	st, err := openStore(cfg, logSvc.Logger())
	if err != nil {
		logSvc.Close()
		return nil, err
	}

	a, err := build(cfgPath, cfgm, cfg, logSvc, log, st)
	if err != nil {
		_ = st.Close()
		logSvc.Close()
		return nil, err
	}
	return a, nil
}

func openStore(cfg *config.Config, log logx.Logger) (*store.Store, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	path := cfg.Storage.Path
	if path == "" {
		path = "./data/kursbot.db"
	}
	return store.Open(store.Config{Path: path, BusyTimeout: busy}, log.With(logx.String("comp", "store")))
}

func build(cfgPath string, cfgm *config.Manager, cfg *config.Config, logSvc *logx.Service, log logx.Logger, st *store.Store) (*App, error) {
	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, logSvc.Logger().With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	quoteTimeout, err := config.ParseDurationField("quotes.timeout", cfg.Quotes.Timeout)
	if err != nil {
		return nil, err
	}
	qc, err := quotes.New(quotes.Config{
		BaseURL:   cfg.Quotes.BaseURL,
		AccessKey: cfg.Quotes.AccessKey,
		Target:    cfg.Quotes.Target,
		Timeout:   quoteTimeout,
	}, logSvc.Logger().With(logx.String("comp", "quotes")))
	if err != nil {
		return nil, err
	}

	period, err := config.ParseDurationOrDefault("rate_limit.period", cfg.RateLimit.Period, 5*time.Minute)
	if err != nil {
		return nil, err
	}
	sweep, err := config.ParseDurationOrDefault("rate_limit.sweep_every", cfg.RateLimit.SweepEvery, 10*time.Minute)
	if err != nil {
		return nil, err
	}
	limiter := ratelimit.New(ratelimit.Config{
		Limit:      cfg.RateLimit.Limit,
		Period:     period,
		SweepEvery: sweep,
	}, logSvc.Logger().With(logx.String("comp", "ratelimit")))

	engine := broadcast.New(broadcast.Config{RatePerSec: cfg.Broadcast.RatePerSec},
		st, qc, adapter, logSvc.Logger().With(logx.String("comp", "broadcast")))

	sched := schedule.New(schedule.Config{Timezone: cfg.Broadcast.Timezone},
		logSvc.Logger().With(logx.String("comp", "schedule")))

	rt := router.New(router.Config{
		AdminChatID: cfg.Telegram.AdminChatID,
		Feeds:       cfg.Broadcast.FeedList(),
	}, router.Deps{
		Adapter: adapter,
		Store:   st,
		Quotes:  qc,
		Limiter: limiter,
		Engine:  engine,
		NextRun: func() time.Time { return sched.Next(dailyJobName) },
	}, logSvc.Logger().With(logx.String("comp", "router")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		store:   st,
		adapter: adapter,
		quotes:  qc,
		limiter: limiter,
		engine:  engine,
		sched:   sched,
		router:  rt,
		updates: make(chan transport.Update, 256),
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true))

	cfg := a.cfgm.Get()
	at := cfg.Broadcast.At
	if at == "" {
		at = "10:00"
	}
	if err := a.sched.AddDaily(dailyJobName, at, a.runBroadcast); err != nil {
		return fmt.Errorf("schedule daily broadcast: %w", err)
	}

	a.limiter.Start(a.sup.Context())
	a.sched.Start(a.sup.Context())

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	if err := a.adapter.UpdateMenuCommands(a.sup.Context(), a.router.Commands()); err != nil {
		a.log.Warn("command menu update failed", logx.Err(err))
	}

	a.sup.Go("router.run", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})

	// Hot reload: logging and admission limits apply live, the rest needs a
	// restart.
	sub := a.cfgm.Subscribe(4)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyReload(newCfg)
			}
		}
	})
	a.sup.GoRestart("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.String("broadcast_at", at),
		logx.String("timezone", cfg.Broadcast.Timezone),
		logx.Time("next_broadcast", a.sched.Next(dailyJobName)))
	return nil
}

func (a *App) applyReload(cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	period, err := config.ParseDurationOrDefault("rate_limit.period", cfg.RateLimit.Period, 5*time.Minute)
	if err != nil {
		a.log.Warn("admission limit reload skipped", logx.Err(err))
	} else {
		a.limiter.Apply(ratelimit.Config{Limit: cfg.RateLimit.Limit, Period: period})
	}
	a.log.Info("config reloaded", logx.String("log_level", cfg.Logging.Level))
}

// runBroadcast is the scheduled job body. An overlapping fire is a skip, not
// an error: the engine refuses to queue a second run.
func (a *App) runBroadcast(ctx context.Context) error {
	stats, err := a.engine.RunOnce(ctx)
	if errors.Is(err, broadcast.ErrRunInProgress) {
		a.log.Warn("daily broadcast fire skipped, previous run still in flight")
		return nil
	}
	if err != nil {
		return err
	}
	a.log.Info("daily broadcast finished", logx.String("stats", stats.String()))
	return nil
}

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	if err := a.adapter.Stop(ctx); err != nil {
		a.log.Warn("adapter stop failed", logx.Err(err))
	}
	a.sched.Stop(ctx)
	a.limiter.Stop()

	if err := a.sup.Wait(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		a.log.Warn("background goroutines", logx.Err(err))
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("store close failed", logx.Err(err))
	}
	a.log.Info("stopped")
	a.logs.Close()
	return nil
}
