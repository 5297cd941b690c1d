// Package schedule fires registered jobs at a fixed local wall-clock time
// once per day, in a configurable IANA timezone.
//
// Firings missed while the process was down are not backfilled; cron simply
// computes the next occurrence from "now". Jobs that report they are still
// busy (broadcast.ErrRunInProgress and friends) are logged as skipped, never
// queued.
package schedule
