// Package store persists subscriptions, registered contacts, and the admin
// audit trail in a local SQLite database.
package store

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("store closed")

type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means driver default
}

// Subscription is one user's daily-broadcast subscription.
//
// Feeds keeps insertion order: the first element is the user's primary feed,
// the one the daily broadcast delivers. Active is false exactly when Feeds is
// empty; such rows are kept (so re-subscribing restores the account) but never
// broadcast to.
type Subscription struct {
	UserID       int64
	Username     string
	Feeds        []string
	Active       bool
	SubscribedAt time.Time
}

// PrimaryFeed returns the first stored feed, or "" for an inactive record.
func (s Subscription) PrimaryFeed() string {
	if len(s.Feeds) == 0 {
		return ""
	}
	return s.Feeds[0]
}

// Contact is a registered user (shared their phone number via the bot).
type Contact struct {
	UserID      int64
	Username    string
	PhoneNumber string
}

// AuditEntry records an admin action. Keep it compact and schema-stable.
type AuditEntry struct {
	At      time.Time
	ActorID int64
	Action  string
	Target  string
	Detail  string
}
