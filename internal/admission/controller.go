package admission

import (
	"errors"
	"sync"

	"github.com/animus-labs/agent-gateway/internal/domain"
)

// Unbounded disables the queue depth limit.
const Unbounded = -1

// Token is one held capacity slot. A token is released exactly once; the
// slot it occupied passes to a successor token when work is waiting.
type Token struct {
	slot     int
	runID    string
	released bool
}

// RunID is the run holding the slot.
func (t *Token) RunID() string { return t.runID }

// Slot is the index of the held slot, stable across hand-offs.
func (t *Token) Slot() int { return t.slot }

// Config sizes the controller.
type Config struct {
	// Capacity is the number of runs allowed to execute at once.
	Capacity int
	// MaxQueueDepth bounds the waiting line; negative means unbounded and
	// zero disables queueing.
	MaxQueueDepth int
}

// Stats is a point-in-time view of slot and queue usage.
type Stats struct {
	Capacity      int `json:"max_concurrent"`
	Active        int `json:"active"`
	Available     int `json:"available"`
	Queued        int `json:"queued"`
	MaxQueueDepth int `json:"max_queue_depth"`
}

// Controller hands out a fixed number of slots and queues runs FIFO when
// none is free. It is safe for concurrent use.
type Controller struct {
	mu            sync.Mutex
	capacity      int
	maxQueueDepth int
	slots         []*Token
	held          int
	queue         *Queue
}

// NewController validates cfg and returns an idle controller.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Capacity <= 0 {
		return nil, errors.New("capacity must be > 0")
	}
	if cfg.MaxQueueDepth < 0 {
		cfg.MaxQueueDepth = Unbounded
	}
	return &Controller{
		capacity:      cfg.Capacity,
		maxQueueDepth: cfg.MaxQueueDepth,
		slots:         make([]*Token, cfg.Capacity),
		queue:         NewQueue(),
	}, nil
}

// Acquire admits runID when a slot is free and returns its token. When every
// slot is held the run is queued and Acquire returns (nil, nil). A full queue
// yields domain.ErrCapacityExceeded.
func (c *Controller) Acquire(runID string) (*Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkLocked(); err != nil {
		return nil, err
	}
	if c.held < c.capacity {
		return c.grantLocked(runID)
	}
	if c.maxQueueDepth != Unbounded && c.queue.Len() >= c.maxQueueDepth {
		return nil, domain.ErrCapacityExceeded
	}
	if _, err := c.queue.Enqueue(runID); err != nil {
		return nil, domain.InvariantError("%v", err)
	}
	return nil, nil
}

func (c *Controller) grantLocked(runID string) (*Token, error) {
	for i, held := range c.slots {
		if held != nil {
			continue
		}
		tok := &Token{slot: i, runID: runID}
		c.slots[i] = tok
		c.held++
		return tok, c.checkLocked()
	}
	return nil, domain.InvariantError("held=%d below capacity=%d but no free slot", c.held, c.capacity)
}

// Release gives up tok. If a run is waiting, the oldest one takes over the
// same slot before it is considered free and its token is returned.
// Releasing a token twice is an invariant violation.
func (c *Controller) Release(tok *Token) (*Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if tok == nil {
		return nil, domain.InvariantError("release of nil token")
	}
	if tok.released {
		return nil, domain.InvariantError("token for run %s released twice", tok.runID)
	}
	if tok.slot < 0 || tok.slot >= len(c.slots) || c.slots[tok.slot] != tok {
		return nil, domain.InvariantError("token for run %s does not hold slot %d", tok.runID, tok.slot)
	}
	tok.released = true

	if entry, ok := c.queue.Dequeue(); ok {
		next := &Token{slot: tok.slot, runID: entry.RunID}
		c.slots[tok.slot] = next
		return next, c.checkLocked()
	}
	c.slots[tok.slot] = nil
	c.held--
	return nil, c.checkLocked()
}

// Remove withdraws a queued run. False means the run was not waiting, which
// callers must treat as "possibly admitted already".
func (c *Controller) Remove(runID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.Remove(runID)
}

// Position reports where runID stands in the waiting line.
func (c *Controller) Position(runID string) (int, bool) {
	return c.queue.Position(runID)
}

// DrainQueue removes every waiting run, used when shutting down.
func (c *Controller) DrainQueue() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.Drain()
}

// Stats returns current usage.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Capacity:      c.capacity,
		Active:        c.held,
		Available:     c.capacity - c.held,
		Queued:        c.queue.Len(),
		MaxQueueDepth: c.maxQueueDepth,
	}
}

// Check verifies the accounting invariants without mutating anything.
func (c *Controller) Check() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkLocked()
}

func (c *Controller) checkLocked() error {
	count := 0
	for _, tok := range c.slots {
		if tok != nil {
			count++
		}
	}
	if count != c.held {
		return domain.InvariantError("held=%d but %d slots occupied", c.held, count)
	}
	if c.held > c.capacity {
		return domain.InvariantError("held=%d exceeds capacity=%d", c.held, c.capacity)
	}
	if queued := c.queue.Len(); queued > 0 && c.held < c.capacity {
		return domain.InvariantError("%d runs queued while %d slots idle", queued, c.capacity-c.held)
	}
	return nil
}
