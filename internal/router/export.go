package router

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"kursbot/internal/store"
	"kursbot/pkg/logx"
)

// allFeedsChoice is the keyboard button that targets every feed at once
// (export everything, unsubscribe from everything).
const allFeedsChoice = "ALL"

func (r *Router) handleExport(ctx context.Context, req *request) error {
	ok, err := r.requireVerifiedAdmin(ctx, req)
	if err != nil || !ok {
		return err
	}
	if len(req.args) > 0 {
		arg := strings.ToUpper(strings.TrimSpace(req.args[0]))
		if arg == allFeedsChoice {
			return r.doExport(ctx, req, "")
		}
		feed, valid := r.validFeed(arg)
		if !valid {
			return r.replyUnknownFeed(ctx, req.chat, feed)
		}
		return r.doExport(ctx, req, feed)
	}
	r.pending.Set(req.fromID, pendingExport, time.Now())
	return r.sendFeedPicker(ctx, req.chat, "Export which currency?", true)
}

// doExport writes the subscriber list to a temp CSV file, sends it as a
// document, and removes the file. An empty feed exports everyone.
func (r *Router) doExport(ctx context.Context, req *request, feed string) error {
	subs, err := r.store.ListByFeed(ctx, feed)
	if err != nil {
		return fmt.Errorf("list subscriptions for export: %w", err)
	}
	if len(subs) == 0 {
		_, err = r.adapter.SendText(ctx, req.chat, "Nothing to export.", removeKeyboard())
		return err
	}

	f, err := os.CreateTemp("", "subscribers-*.csv")
	if err != nil {
		return fmt.Errorf("create export file: %w", err)
	}
	path := f.Name()
	defer func() {
		if rmErr := os.Remove(path); rmErr != nil {
			req.log.Warn("export file cleanup failed", logx.String("path", path), logx.Err(rmErr))
		}
	}()

	if _, err := f.WriteString(renderSubscribersCSV(subs)); err != nil {
		_ = f.Close()
		return fmt.Errorf("write export file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close export file: %w", err)
	}

	scope := feed
	if scope == "" {
		scope = "all"
	}
	caption := fmt.Sprintf("Subscribers (%s): %d", scope, len(subs))
	if err := r.adapter.SendDocument(ctx, req.chat, path, caption); err != nil {
		return fmt.Errorf("send export document: %w", err)
	}
	r.audit(ctx, req, "export", scope, fmt.Sprintf("rows=%d", len(subs)))
	req.log.Info("export sent", logx.String("scope", scope), logx.Int("rows", len(subs)))
	return nil
}

func renderSubscribersCSV(subs []store.Subscription) string {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"user_id", "username", "currencies", "active", "subscribed_at"})
	for _, s := range subs {
		t.AppendRow(table.Row{
			s.UserID,
			s.Username,
			strings.Join(s.Feeds, "|"),
			s.Active,
			s.SubscribedAt.UTC().Format(time.RFC3339),
		})
	}
	return t.RenderCSV() + "\n"
}
