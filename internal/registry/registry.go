// Package registry keeps every run the gateway knows about, in memory, for
// status queries. Reads return deep copies taken under the lock, so a
// snapshot is never torn by a concurrent transition.
package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/agent-gateway/internal/domain"
)

type Options struct {
	// Retention is how long terminal runs stay queryable. Zero keeps them
	// until the process exits.
	Retention time.Duration
	Now       func() time.Time
	NewID     func() string
	Logger    *slog.Logger
}

type Filter struct {
	State   domain.RunState
	AgentID string
	Limit   int
}

type entry struct {
	run  domain.Run
	seq  uint64
	done chan struct{}
	subs map[uint64]chan Event
}

type Registry struct {
	mu        sync.RWMutex
	runs      map[string]*entry
	seq       uint64
	subSeq    uint64
	retention time.Duration
	now       func() time.Time
	newID     func() string
	logger    *slog.Logger
}

func New(opts Options) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Registry{
		runs:      make(map[string]*entry),
		retention: opts.Retention,
		now:       opts.Now,
		newID:     opts.NewID,
		logger:    opts.Logger,
	}
}

// Create inserts a new run in the pending state under a fresh identifier.
// streamMode names the output kinds a streaming client asked for.
func (r *Registry) Create(agentID string, input, config json.RawMessage, streamMode ...string) (domain.Run, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return domain.Run{}, domain.ErrInvalidInput
	}
	if input == nil {
		input = json.RawMessage(`{}`)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.newID()
	for attempts := 0; ; attempts++ {
		if _, exists := r.runs[id]; !exists {
			break
		}
		if attempts >= 3 {
			return domain.Run{}, domain.InvariantError("could not allocate unique run id")
		}
		id = r.newID()
	}

	r.seq++
	e := &entry{
		run: domain.Run{
			ID:          id,
			AgentID:     agentID,
			Input:       input,
			Config:      config,
			StreamMode:  streamMode,
			State:       domain.RunStatePending,
			SubmittedAt: r.now().UTC(),
		},
		seq:  r.seq,
		done: make(chan struct{}),
		subs: make(map[uint64]chan Event),
	}
	e.run = e.run.Clone()
	r.runs[id] = e
	return e.run.Clone(), nil
}

func (r *Registry) Get(id string) (domain.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.runs[id]
	if !ok {
		return domain.Run{}, domain.ErrNotFound
	}
	return e.run.Clone(), nil
}

// Outcome describes the state a run moves to and, for terminal states, what
// it produced.
type Outcome struct {
	State  domain.RunState
	Result json.RawMessage
	// ResultRef names an offloaded result; only valid with succeeded.
	ResultRef string
	Error     *domain.RunError
}

// Transition moves a run to next, enforcing the forward-only state machine
// and the result/error exclusivity rule.
func (r *Registry) Transition(id string, next domain.RunState, result json.RawMessage, runErr *domain.RunError) (domain.Run, error) {
	return r.Apply(id, Outcome{State: next, Result: result, Error: runErr})
}

// Apply is Transition with the full outcome, so subscribers and waiters
// observe the result reference together with the terminal state.
func (r *Registry) Apply(id string, out Outcome) (domain.Run, error) {
	next := out.State
	if err := domain.ValidateOutcome(next, out.Result, out.Error); err != nil {
		return domain.Run{}, err
	}
	if out.ResultRef != "" && next != domain.RunStateSucceeded {
		return domain.Run{}, domain.InvariantError("run %s: result ref on %s run", id, next)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.runs[id]
	if !ok {
		return domain.Run{}, domain.ErrNotFound
	}
	current := e.run.State
	if !domain.CanTransitionRunState(current, next) {
		return domain.Run{}, domain.InvariantError("run %s: illegal transition %s -> %s", id, current, next)
	}

	now := r.now().UTC()
	e.run.State = next
	switch {
	case next == domain.RunStateRunning:
		e.run.StartedAt = &now
	case next.IsTerminal():
		e.run.CompletedAt = &now
		e.run.Result = out.Result
		e.run.ResultRef = out.ResultRef
		e.run.Error = out.Error
		e.run = e.run.Clone()
	}

	snapshot := e.run.Clone()
	for _, ch := range e.subs {
		// Output events never take the reserved slots, so this never blocks.
		select {
		case ch <- transitionEvent(snapshot):
		default:
			r.logger.Warn("dropped run event", "run_id", id, "state", next)
		}
	}
	if next.IsTerminal() {
		close(e.done)
		for key, ch := range e.subs {
			close(ch)
			delete(e.subs, key)
		}
	}
	return snapshot, nil
}

// Discard removes a run that never left pending, e.g. one rejected at
// admission.
func (r *Registry) Discard(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.runs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if e.run.State != domain.RunStatePending {
		return domain.InvariantError("run %s: discard of %s run", id, e.run.State)
	}
	for key, ch := range e.subs {
		close(ch)
		delete(e.subs, key)
	}
	delete(r.runs, id)
	return nil
}

// List returns matching runs, newest submission first.
func (r *Registry) List(filter Filter) []domain.Run {
	r.mu.RLock()
	matched := make([]*entry, 0, len(r.runs))
	for _, e := range r.runs {
		if filter.State != "" && e.run.State != filter.State {
			continue
		}
		if filter.AgentID != "" && e.run.AgentID != filter.AgentID {
			continue
		}
		matched = append(matched, e)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].seq > matched[j].seq })
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	out := make([]domain.Run, 0, len(matched))
	for _, e := range matched {
		out = append(out, e.run.Clone())
	}
	r.mu.RUnlock()
	return out
}

// Counts tallies runs per state.
func (r *Registry) Counts() map[domain.RunState]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[domain.RunState]int)
	for _, e := range r.runs {
		out[e.run.State]++
	}
	return out
}

// Wait blocks until the run is terminal or ctx ends. On ctx expiry it
// returns the latest snapshot together with ctx.Err().
func (r *Registry) Wait(ctx context.Context, id string) (domain.Run, error) {
	r.mu.RLock()
	e, ok := r.runs[id]
	if !ok {
		r.mu.RUnlock()
		return domain.Run{}, domain.ErrNotFound
	}
	done := e.done
	r.mu.RUnlock()

	select {
	case <-done:
	case <-ctx.Done():
	}

	run, err := r.Get(id)
	if err != nil {
		return domain.Run{}, err
	}
	if run.State.IsTerminal() {
		return run, nil
	}
	return run, ctx.Err()
}

// Subscribe returns the current snapshot and a channel that receives an
// event after every later transition and for every output the running unit
// emits. The channel is closed once the run is terminal; call cancel to stop
// early.
func (r *Registry) Subscribe(id string) (domain.Run, <-chan Event, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.runs[id]
	if !ok {
		return domain.Run{}, nil, nil, domain.ErrNotFound
	}
	ch := make(chan Event, subscriberBuffer)
	if e.run.State.IsTerminal() {
		close(ch)
		return e.run.Clone(), ch, func() {}, nil
	}

	r.subSeq++
	key := r.subSeq
	e.subs[key] = ch
	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if sub, ok := e.subs[key]; ok {
			close(sub)
			delete(e.subs, key)
		}
	}
	return e.run.Clone(), ch, cancel, nil
}

// Purge drops terminal runs whose retention window has elapsed.
func (r *Registry) Purge(now time.Time) int {
	if r.retention <= 0 {
		return 0
	}
	cutoff := now.Add(-r.retention)

	r.mu.Lock()
	defer r.mu.Unlock()

	purged := 0
	for id, e := range r.runs {
		if !e.run.State.IsTerminal() || e.run.CompletedAt == nil {
			continue
		}
		if e.run.CompletedAt.Before(cutoff) {
			delete(r.runs, id)
			purged++
		}
	}
	return purged
}

// Sweep runs Purge every interval until ctx ends.
func (r *Registry) Sweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 || r.retention <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Purge(r.now()); n > 0 {
				r.logger.Info("purged expired runs", "count", n, "retention", r.retention.String())
			}
		}
	}
}
