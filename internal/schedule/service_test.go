package schedule

import (
	"context"
	"testing"
	"time"

	"kursbot/pkg/logx"
)

func TestParseHHMM(t *testing.T) {
	t.Parallel()
	h, m, err := parseHHMM("10:00")
	if err != nil {
		t.Fatalf("parseHHMM: %v", err)
	}
	if h != 10 || m != 0 {
		t.Fatalf("unexpected result: %d:%d", h, m)
	}

	for _, bad := range []string{"24:00", "10:60", "10", "aa:bb", ""} {
		if _, _, err := parseHHMM(bad); err == nil {
			t.Fatalf("parseHHMM(%q): expected error", bad)
		}
	}
}

func TestAddDailyValidation(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	noop := func(ctx context.Context) error { return nil }

	if err := s.AddDaily("", "10:00", noop); err == nil {
		t.Fatal("expected error for empty name")
	}
	if err := s.AddDaily("daily-rates", "25:00", noop); err == nil {
		t.Fatal("expected error for invalid time")
	}
	if err := s.AddDaily("daily-rates", "10:00", noop); err != nil {
		t.Fatalf("AddDaily: %v", err)
	}
}

func TestAddDailyUpsertAndNext(t *testing.T) {
	t.Parallel()
	s := New(Config{Timezone: "UTC"}, logx.Nop())
	noop := func(ctx context.Context) error { return nil }

	if err := s.AddDaily("daily-rates", "10:00", noop); err != nil {
		t.Fatalf("AddDaily: %v", err)
	}
	// Replacing keeps a single definition.
	if err := s.AddDaily("daily-rates", "11:30", noop); err != nil {
		t.Fatalf("AddDaily replace: %v", err)
	}
	if len(s.defs) != 1 {
		t.Fatalf("defs = %d, want 1", len(s.defs))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	next := s.Next("daily-rates")
	if next.IsZero() {
		t.Fatal("Next returned zero time for registered job")
	}
	if next.In(time.UTC).Hour() != 11 || next.In(time.UTC).Minute() != 30 {
		t.Fatalf("next fire = %v, want 11:30 UTC", next)
	}
	if got := s.Next("unknown"); !got.IsZero() {
		t.Fatalf("Next(unknown) = %v, want zero", got)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	ctx := context.Background()
	s.Start(ctx)
	s.Start(ctx) // second start is a no-op
	s.Stop(ctx)
	s.Stop(ctx) // second stop is a no-op
}
