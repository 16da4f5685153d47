package automation

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/animus-labs/agent-gateway/internal/domain"
	"github.com/animus-labs/agent-gateway/internal/service/runs"
)

// historyLimit is how many run ids are remembered per automation.
const historyLimit = 50

const storeTimeout = 5 * time.Second

// Submitter is the slice of the run service the scheduler needs.
type Submitter interface {
	Submit(req runs.SubmitRequest) (domain.Run, error)
	AgentIDs() []string
}

// FireRecorder counts trigger outcomes.
type FireRecorder interface {
	AutomationFired(outcome string)
}

type Options struct {
	Store     Store
	Submitter Submitter
	Logger    *slog.Logger
	Metrics   FireRecorder
	Location  *time.Location
	Now       func() time.Time
	NewID     func() string
}

type Scheduler struct {
	store   Store
	submit  Submitter
	logger  *slog.Logger
	metrics FireRecorder
	now     func() time.Time
	newID   func() string
	cron    *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID
	history map[string][]string
}

func NewScheduler(opts Options) (*Scheduler, error) {
	if opts.Store == nil || opts.Submitter == nil {
		return nil, errors.New("store and submitter are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	logger := cronLogger{logger: opts.Logger.With("component", "automation")}
	return &Scheduler{
		store:   opts.Store,
		submit:  opts.Submitter,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		now:     opts.Now,
		newID:   opts.NewID,
		cron: cron.New(
			cron.WithLocation(opts.Location),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger)),
		),
		entries: make(map[string]cron.EntryID),
		history: make(map[string][]string),
	}, nil
}

// Start schedules every stored, unpaused automation and starts the clock.
func (s *Scheduler) Start(ctx context.Context) error {
	items, err := s.store.List(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	for _, a := range items {
		if a.Paused {
			continue
		}
		if err := s.scheduleLocked(a); err != nil {
			s.logger.Warn("skip unschedulable automation", "automation_id", a.ID, "error", err)
		}
	}
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("automation scheduler started", "automations", len(items))
	return nil
}

// Stop halts the clock and waits for firings in progress.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

func (s *Scheduler) Create(ctx context.Context, a Automation) (Automation, error) {
	if err := a.Normalize(); err != nil {
		return Automation{}, err
	}
	if !s.knownAgent(a.AgentID) {
		return Automation{}, domain.ErrAgentNotFound
	}
	a.ID = s.newID()
	a.CreatedAt = s.now().UTC()
	a.NextRunAt = nil
	if _, err := Schedule(a); err != nil {
		return Automation{}, err
	}
	if err := s.store.Create(ctx, a); err != nil {
		return Automation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !a.Paused {
		if err := s.scheduleLocked(a); err != nil {
			return Automation{}, err
		}
	}
	s.logger.Info("automation created", "automation_id", a.ID, "agent_id", a.AgentID, "frequency", a.Frequency)
	return s.viewLocked(a), nil
}

func (s *Scheduler) knownAgent(id string) bool {
	for _, known := range s.submit.AgentIDs() {
		if known == id {
			return true
		}
	}
	return false
}

func (s *Scheduler) Get(ctx context.Context, id string) (Automation, error) {
	a, err := s.store.Get(ctx, strings.TrimSpace(id))
	if err != nil {
		return Automation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked(a), nil
}

func (s *Scheduler) List(ctx context.Context) ([]Automation, error) {
	items, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range items {
		items[i] = s.viewLocked(items[i])
	}
	return items, nil
}

func (s *Scheduler) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unscheduleLocked(id)
	delete(s.history, id)
	s.logger.Info("automation deleted", "automation_id", id)
	return nil
}

func (s *Scheduler) Pause(ctx context.Context, id string) (Automation, error) {
	if err := s.store.SetPaused(ctx, id, true); err != nil {
		return Automation{}, err
	}
	s.mu.Lock()
	s.unscheduleLocked(id)
	s.mu.Unlock()
	s.logger.Info("automation paused", "automation_id", id)
	return s.Get(ctx, id)
}

func (s *Scheduler) Resume(ctx context.Context, id string) (Automation, error) {
	if err := s.store.SetPaused(ctx, id, false); err != nil {
		return Automation{}, err
	}
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return Automation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.scheduleLocked(a); err != nil {
		return Automation{}, err
	}
	s.logger.Info("automation resumed", "automation_id", id)
	return s.viewLocked(a), nil
}

// Runs lists the ids of runs this automation submitted, newest first.
func (s *Scheduler) Runs(ctx context.Context, id string) ([]string, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	hist := s.history[id]
	out := make([]string, len(hist))
	for i, runID := range hist {
		out[len(hist)-1-i] = runID
	}
	return out, nil
}

// Fire submits one run for the automation now. The cron clock calls it; it
// is exported for manual triggering.
func (s *Scheduler) Fire(id string) (domain.Run, error) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return domain.Run{}, err
	}

	run, err := s.submit.Submit(runs.SubmitRequest{AgentID: a.AgentID, Input: a.Input, Config: a.Config})
	if err != nil {
		outcome := "error"
		switch {
		case errors.Is(err, domain.ErrCapacityExceeded):
			outcome = "capacity_exceeded"
		case errors.Is(err, domain.ErrShuttingDown):
			outcome = "shutting_down"
		}
		s.record(outcome)
		s.logger.Warn("automation firing rejected", "automation_id", id, "reason", outcome, "error", err)
		return domain.Run{}, err
	}

	s.mu.Lock()
	hist := append(s.history[id], run.ID)
	if len(hist) > historyLimit {
		hist = hist[len(hist)-historyLimit:]
	}
	s.history[id] = hist
	s.mu.Unlock()

	s.record(string(run.State))
	s.logger.Info("automation fired", "automation_id", id, "run_id", run.ID, "state", run.State)
	return run, nil
}

func (s *Scheduler) record(outcome string) {
	if s.metrics != nil {
		s.metrics.AutomationFired(outcome)
	}
}

func (s *Scheduler) scheduleLocked(a Automation) error {
	if _, ok := s.entries[a.ID]; ok {
		return nil
	}
	sched, err := Schedule(a)
	if err != nil {
		return err
	}
	id := a.ID
	entry := s.cron.Schedule(sched, cron.FuncJob(func() {
		_, _ = s.Fire(id)
	}))
	s.entries[id] = entry
	return nil
}

func (s *Scheduler) unscheduleLocked(id string) {
	if entry, ok := s.entries[id]; ok {
		s.cron.Remove(entry)
		delete(s.entries, id)
	}
}

// viewLocked fills NextRunAt for scheduled automations.
func (s *Scheduler) viewLocked(a Automation) Automation {
	a.NextRunAt = nil
	if _, ok := s.entries[a.ID]; !ok {
		return a
	}
	sched, err := Schedule(a)
	if err != nil {
		return a
	}
	if next := sched.Next(s.now()); !next.IsZero() {
		next = next.UTC()
		a.NextRunAt = &next
	}
	return a
}

// cronLogger routes cron's logging through slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append([]any{"error", err}, keysAndValues...)...)
}
