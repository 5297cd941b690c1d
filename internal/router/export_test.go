package router

import (
	"context"
	"strings"
	"testing"
	"time"

	"kursbot/internal/store"
)

func TestRenderSubscribersCSV(t *testing.T) {
	t.Parallel()
	subs := []store.Subscription{
		{
			UserID:       7,
			Username:     "alice",
			Feeds:        []string{"USD", "EUR"},
			Active:       true,
			SubscribedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		},
	}
	csv := renderSubscribersCSV(subs)
	lines := strings.Split(strings.TrimSpace(csv), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2:\n%s", len(lines), csv)
	}
	if !strings.Contains(lines[0], "user_id") {
		t.Fatalf("header missing: %q", lines[0])
	}
	row := lines[1]
	for _, want := range []string{"7", "alice", "USD|EUR", "2026-03-01T10:00:00Z"} {
		if !strings.Contains(row, want) {
			t.Fatalf("row %q missing %q", row, want)
		}
	}
}

func TestExportSendsDocumentAndCleansUp(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{AdminChatID: 1})
	ctx := context.Background()
	if _, err := env.store.RegisterContact(ctx, store.Contact{UserID: 1, PhoneNumber: "+1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.store.Subscribe(ctx, 7, "alice", "USD"); err != nil {
		t.Fatal(err)
	}

	env.message(1, 1, "/export USD")
	select {
	case doc := <-env.adapter.docs:
		if !strings.Contains(doc.caption, "Subscribers (USD): 1") {
			t.Fatalf("caption = %q", doc.caption)
		}
		if !strings.Contains(doc.content, "alice") {
			t.Fatalf("csv content missing row:\n%s", doc.content)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no document sent")
	}

	env.store.mu.Lock()
	defer env.store.mu.Unlock()
	if len(env.store.audit) != 1 || env.store.audit[0].Action != "export" {
		t.Fatalf("audit = %+v", env.store.audit)
	}
}

func TestExportNothingToExport(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{AdminChatID: 1})
	if _, err := env.store.RegisterContact(context.Background(), store.Contact{UserID: 1, PhoneNumber: "+1"}); err != nil {
		t.Fatal(err)
	}

	env.message(1, 1, "/export ALL")
	if got := env.adapter.next(t); !strings.Contains(got.text, "Nothing to export") {
		t.Fatalf("text = %q", got.text)
	}
}

func TestExportPickerIncludesAll(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, Config{AdminChatID: 1})
	ctx := context.Background()
	if _, err := env.store.RegisterContact(ctx, store.Contact{UserID: 1, PhoneNumber: "+1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.store.Subscribe(ctx, 7, "alice", "EUR"); err != nil {
		t.Fatal(err)
	}

	env.message(1, 1, "/export")
	if got := env.adapter.next(t); !strings.Contains(got.text, "Export which currency") {
		t.Fatalf("picker prompt = %q", got.text)
	}

	env.message(1, 1, "ALL")
	select {
	case doc := <-env.adapter.docs:
		if !strings.Contains(doc.caption, "(all)") {
			t.Fatalf("caption = %q", doc.caption)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no document sent")
	}
}
