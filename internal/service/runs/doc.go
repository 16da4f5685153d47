// Package runs is the control plane that moves agent runs through their
// lifecycle.
//
// States:
//   - pending -> queued | running
//   - queued -> running | cancelled
//   - running -> succeeded | failed | cancelled
//
// Submission, promotion, cancellation and completion are serialised by the
// service mutex. Completion always transitions the finishing run before its
// capacity token is released, and the released token is handed straight to
// the oldest queued run, so a slot never sits idle while work waits.
//
// Units run under a service-owned context, never the request context. A unit
// that ignores cancellation for longer than the cancel grace period is
// abandoned: its run fails with cancellation_timeout and its slot is freed.
package runs
