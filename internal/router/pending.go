package router

import (
	"sync"
	"time"
)

type pendingKind int

const (
	pendingNone pendingKind = iota
	pendingSubscribe
	pendingUnsubscribe
	pendingExport
	pendingAudit
)

func (k pendingKind) String() string {
	switch k {
	case pendingSubscribe:
		return "subscribe"
	case pendingUnsubscribe:
		return "unsubscribe"
	case pendingExport:
		return "export"
	case pendingAudit:
		return "subscribers"
	default:
		return "none"
	}
}

type pendingAction struct {
	kind    pendingKind
	expires time.Time
}

// pendingTable tracks at most one armed action per user.
type pendingTable struct {
	mu  sync.Mutex
	ttl time.Duration
	m   map[int64]pendingAction
}

func newPendingTable(ttl time.Duration) *pendingTable {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &pendingTable{ttl: ttl, m: map[int64]pendingAction{}}
}

// Set arms an action, replacing any previous one for the user.
func (t *pendingTable) Set(userID int64, kind pendingKind, now time.Time) {
	t.mu.Lock()
	t.m[userID] = pendingAction{kind: kind, expires: now.Add(t.ttl)}
	t.mu.Unlock()
}

// Take consumes and returns the armed action, or pendingNone when nothing is
// armed or the action has expired. A taken action is never returned twice.
func (t *pendingTable) Take(userID int64, now time.Time) pendingKind {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.m[userID]
	if !ok {
		return pendingNone
	}
	delete(t.m, userID)
	if now.After(a.expires) {
		return pendingNone
	}
	return a.kind
}

// Clear drops any armed action without consuming it.
func (t *pendingTable) Clear(userID int64) {
	t.mu.Lock()
	delete(t.m, userID)
	t.mu.Unlock()
}
