package schedule

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"kursbot/pkg/logx"
)

type Config struct {
	// Timezone is an IANA TZ name, e.g. "Europe/Moscow". Empty means Local.
	Timezone string
}

type jobDef struct {
	name    string
	spec    string
	run     func(ctx context.Context) error
	entryID cron.EntryID
}

type Service struct {
	log    logx.Logger
	parser cron.Parser

	mu   sync.Mutex
	cfg  Config
	loc  *time.Location
	c    *cron.Cron
	defs []jobDef

	runCtx context.Context
	cancel context.CancelFunc
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// AddDaily registers job to run every day at "HH:MM" service-timezone time.
// Registering the same name again replaces the previous definition.
// Safe to call before or after Start.
func (s *Service) AddDaily(name, atHHMM string, job func(ctx context.Context) error) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("name required")
	}
	h, m, err := parseHHMM(atHHMM)
	if err != nil {
		return err
	}
	spec := fmt.Sprintf("%d %d * * *", m, h)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	s.defs = append(s.defs, jobDef{name: name, spec: spec, run: job})
	if s.c != nil {
		if err := s.registerLocked(&s.defs[len(s.defs)-1]); err != nil {
			return err
		}
	}
	s.log.Info("daily job registered", logx.String("name", name), logx.String("at", atHHMM), logx.String("spec", spec))
	return nil
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.runCtx, s.cancel = context.WithCancel(ctx)

	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))

	for i := range s.defs {
		if err := s.registerLocked(&s.defs[i]); err != nil {
			s.log.Error("job register failed", logx.String("name", s.defs[i].name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", loc.String()), logx.Int("jobs", len(s.defs)))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out; jobs continue in background")
	}
}

// Next returns the next firing time for a registered job name, zero when
// unknown or not started. Used by status commands.
func (s *Service) Next(name string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return time.Time{}
	}
	for _, d := range s.defs {
		if d.name == name && d.entryID != 0 {
			return s.c.Entry(d.entryID).Next
		}
	}
	return time.Time{}
}

// registerLocked attaches the definition to the running cron. Call with s.mu held.
func (s *Service) registerLocked(d *jobDef) error {
	runCtx := s.runCtx
	run := d.run
	name := d.name
	eid, err := s.c.AddFunc(d.spec, func() {
		start := time.Now()
		err := run(runCtx)
		switch {
		case err == nil:
			s.log.Info("job completed", logx.String("job", name), logx.Duration("dur", time.Since(start)))
		case errors.Is(err, context.Canceled):
			s.log.Debug("job cancelled", logx.String("job", name))
		default:
			// Includes "still running" skips; the run itself reported its outcome.
			s.log.Warn("job did not complete", logx.String("job", name), logx.Err(err), logx.Duration("dur", time.Since(start)))
		}
	})
	if err != nil {
		return err
	}
	d.entryID = eid
	return nil
}

func (s *Service) removeLocked(name string) {
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func parseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
