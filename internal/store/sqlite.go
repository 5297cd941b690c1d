package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"kursbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type Store struct {
	db  *sql.DB
	log logx.Logger
}

func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if log.IsZero() {
		log = logx.Nop()
	}
	st := &Store{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- Subscriptions ----

// Subscribe adds feed to the user's subscription, creating the record if
// needed. It reports whether the feed was newly added; an already-subscribed
// feed leaves the record untouched. The read-append-write runs in one
// transaction so concurrent calls for the same user cannot drop a feed.
func (s *Store) Subscribe(ctx context.Context, userID int64, username, feed string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	sub, err := getSubscription(ctx, tx, userID)
	if err != nil {
		return false, err
	}

	now := time.Now().UTC()
	if sub == nil {
		feeds, err := json.Marshal([]string{feed})
		if err != nil {
			return false, err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO subscriptions(user_id, username, currencies, is_active, subscribed_at)
			 VALUES(?,?,?,1,?)`,
			userID, nullStr(username), string(feeds), now.Format(time.RFC3339),
		); err != nil {
			return false, err
		}
		return true, tx.Commit()
	}

	for _, f := range sub.Feeds {
		if f == feed {
			return false, nil
		}
	}
	feeds, err := json.Marshal(append(sub.Feeds, feed))
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE subscriptions SET currencies = ?, is_active = 1, subscribed_at = ?, username = ? WHERE user_id = ?`,
		string(feeds), now.Format(time.RFC3339), nullStr(username), userID,
	); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// Unsubscribe removes feed from the user's subscription. removed reports
// whether the feed was present; deactivated reports whether the removal
// emptied the feed list (the record is kept but flagged inactive).
func (s *Store) Unsubscribe(ctx context.Context, userID int64, feed string) (removed, deactivated bool, err error) {
	if s == nil || s.db == nil {
		return false, false, ErrClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, false, err
	}
	defer func() { _ = tx.Rollback() }()

	sub, err := getSubscription(ctx, tx, userID)
	if err != nil {
		return false, false, err
	}
	if sub == nil {
		return false, false, nil
	}

	kept := make([]string, 0, len(sub.Feeds))
	for _, f := range sub.Feeds {
		if f == feed {
			removed = true
			continue
		}
		kept = append(kept, f)
	}
	if !removed {
		return false, false, nil
	}

	feeds, err := json.Marshal(kept)
	if err != nil {
		return false, false, err
	}
	active := 1
	if len(kept) == 0 {
		active = 0
		deactivated = true
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE subscriptions SET currencies = ?, is_active = ? WHERE user_id = ?`,
		string(feeds), active, userID,
	); err != nil {
		return false, false, err
	}
	return removed, deactivated, tx.Commit()
}

// Deactivate clears all feeds and flags the record inactive ("cancel all").
func (s *Store) Deactivate(ctx context.Context, userID int64) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrClosed
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET currencies = '[]', is_active = 0 WHERE user_id = ? AND is_active = 1`,
		userID,
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Get returns the user's subscription, or nil when none exists.
func (s *Store) Get(ctx context.Context, userID int64) (*Subscription, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	return getSubscription(ctx, s.db, userID)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getSubscription(ctx context.Context, q querier, userID int64) (*Subscription, error) {
	row := q.QueryRowContext(ctx,
		`SELECT user_id, username, currencies, is_active, subscribed_at FROM subscriptions WHERE user_id = ?`,
		userID,
	)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// ListActive returns all subscriptions eligible for the daily broadcast.
func (s *Store) ListActive(ctx context.Context) ([]Subscription, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	return s.list(ctx,
		`SELECT user_id, username, currencies, is_active, subscribed_at FROM subscriptions WHERE is_active = 1 ORDER BY user_id`)
}

// ListByFeed returns every subscription (active or not) holding feed.
// An empty feed returns all subscriptions; used by the export and audit paths.
func (s *Store) ListByFeed(ctx context.Context, feed string) ([]Subscription, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	subs, err := s.list(ctx,
		`SELECT user_id, username, currencies, is_active, subscribed_at FROM subscriptions ORDER BY user_id`)
	if err != nil || feed == "" {
		return subs, err
	}
	out := subs[:0]
	for _, sub := range subs {
		for _, f := range sub.Feeds {
			if f == feed {
				out = append(out, sub)
				break
			}
		}
	}
	return out, nil
}

// Remove deletes the subscription record entirely. Used when the transport
// reports the recipient permanently unreachable.
func (s *Store) Remove(ctx context.Context, userID int64) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE user_id = ?`, userID)
	return err
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row scanner) (Subscription, error) {
	var (
		sub      Subscription
		username sql.NullString
		feeds    string
		active   int
		at       string
	)
	if err := row.Scan(&sub.UserID, &username, &feeds, &active, &at); err != nil {
		return Subscription{}, err
	}
	sub.Username = username.String
	sub.Active = active != 0
	if err := json.Unmarshal([]byte(feeds), &sub.Feeds); err != nil {
		return Subscription{}, fmt.Errorf("subscription %d: bad currencies payload: %w", sub.UserID, err)
	}
	if ts, err := time.Parse(time.RFC3339, at); err == nil {
		sub.SubscribedAt = ts
	}
	return sub, nil
}

// ---- Contacts ----

// RegisterContact stores a shared contact. It reports false when the phone
// number is already registered (by any user).
func (s *Store) RegisterContact(ctx context.Context, c Contact) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrClosed
	}
	var existing int64
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id FROM contacts WHERE phone_number = ?`, c.PhoneNumber).Scan(&existing)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO contacts(user_id, username, phone_number) VALUES(?,?,?)`,
		c.UserID, nullStr(c.Username), c.PhoneNumber,
	)
	return err == nil, err
}

func (s *Store) ContactExists(ctx context.Context, userID int64) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrClosed
	}
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM contacts WHERE user_id = ?`, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ---- Audit ----

func (s *Store) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor_id, action, target, detail) VALUES(?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.ActorID, e.Action, nullStr(e.Target), nullStr(e.Detail),
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
