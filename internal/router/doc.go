// Package router consumes transport updates and dispatches bot commands.
//
// # Admission
//
// Every actionable update (a command, a reply to a pending prompt, a shared
// contact) passes through the per-user rate limiter first. Denied users get a
// "try again in M minutes S seconds" reply and the handler never runs.
//
// # Pending actions
//
// Commands like /subscribe without an argument show a keyboard and arm a
// pending action for that user. The next plain-text message consumes the
// pending action exactly once; an unconsumed action expires after a TTL. Any
// new command cancels whatever was pending.
package router
