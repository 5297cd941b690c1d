package router

import (
	"testing"
	"time"
)

func TestPendingTakeConsumesOnce(t *testing.T) {
	t.Parallel()
	p := newPendingTable(time.Minute)
	now := time.Unix(1000, 0)

	p.Set(7, pendingSubscribe, now)
	if got := p.Take(7, now.Add(time.Second)); got != pendingSubscribe {
		t.Fatalf("Take = %v", got)
	}
	if got := p.Take(7, now.Add(2*time.Second)); got != pendingNone {
		t.Fatalf("second Take = %v, want none", got)
	}
}

func TestPendingExpires(t *testing.T) {
	t.Parallel()
	p := newPendingTable(time.Minute)
	now := time.Unix(1000, 0)

	p.Set(7, pendingExport, now)
	if got := p.Take(7, now.Add(time.Minute+time.Second)); got != pendingNone {
		t.Fatalf("expired Take = %v, want none", got)
	}
}

func TestPendingSetReplaces(t *testing.T) {
	t.Parallel()
	p := newPendingTable(time.Minute)
	now := time.Unix(1000, 0)

	p.Set(7, pendingSubscribe, now)
	p.Set(7, pendingUnsubscribe, now)
	if got := p.Take(7, now); got != pendingUnsubscribe {
		t.Fatalf("Take = %v, want unsubscribe", got)
	}
}

func TestPendingClear(t *testing.T) {
	t.Parallel()
	p := newPendingTable(time.Minute)
	now := time.Unix(1000, 0)

	p.Set(7, pendingSubscribe, now)
	p.Clear(7)
	if got := p.Take(7, now); got != pendingNone {
		t.Fatalf("Take after Clear = %v, want none", got)
	}
}
