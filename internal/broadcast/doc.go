// Package broadcast runs the daily rate fan-out to subscribers.
//
// # Run model
//
// One run loads every active subscription, resolves one quote per distinct
// feed (cached for the run, failures included), and sends one message per
// subscriber. A subscriber's delivery failure never aborts the run for the
// others.
//
// # Delivery semantics
//
// Best-effort, at-most-daily. Transient send failures are counted and the
// recipient is simply retried on the next scheduled run. Recipients the
// transport reports as permanently unreachable are deleted from the store so
// later runs stop paying for them.
//
// Runs are not replayed: if the process restarts mid-run, the remainder of
// that run is abandoned until the next scheduled firing.
package broadcast
