// Package admission enforces the global cap on concurrently executing runs.
//
// A Controller owns N capacity slots and a FIFO Queue of runs waiting for
// one. Acquire never blocks: it either hands out a Token or queues the run.
// Release hands the freed slot straight to the oldest queued run, so a slot
// is never idle while the queue is non-empty. Both properties are checked
// after every mutation and reported as domain.ErrInvariantViolation.
package admission
