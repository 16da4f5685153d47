package runs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/animus-labs/agent-gateway/internal/admission"
	"github.com/animus-labs/agent-gateway/internal/domain"
	"github.com/animus-labs/agent-gateway/internal/execution"
	"github.com/animus-labs/agent-gateway/internal/registry"
)

const (
	DefaultCancelGrace       = 5 * time.Second
	DefaultResultInlineLimit = 1 << 20

	offloadTimeout = 30 * time.Second
)

type Options struct {
	Registry  *registry.Registry
	Admission *admission.Controller
	Catalog   *execution.Catalog
	Logger    *slog.Logger
	Metrics   Metrics
	Results   ResultStore

	// CancelGrace is how long a cancelled unit may keep running before its
	// slot is reclaimed.
	CancelGrace time.Duration
	// ResultInlineLimit is the largest result kept in the registry when a
	// result store is configured.
	ResultInlineLimit int
	Now               func() time.Time
}

// SubmitRequest is a validated-on-entry submission.
type SubmitRequest struct {
	AgentID string
	Input   json.RawMessage
	Config  json.RawMessage
	// StreamMode names the output kinds a streaming caller wants. Empty
	// means the unit default.
	StreamMode []string
}

// Snapshot is a run plus its live queue position.
type Snapshot struct {
	domain.Run
	QueuePosition *int `json:"queue_position,omitempty"`
}

type Stats struct {
	admission.Stats
	Runs map[domain.RunState]int `json:"runs"`
}

// handle is the service-side state of a run that holds a capacity token.
type handle struct {
	runID           string
	agent           execution.Agent
	token           *admission.Token
	ctx             context.Context
	cancel          context.CancelFunc
	startedAt       time.Time
	cancelRequested bool
	finished        bool
}

type outcome struct {
	result json.RawMessage
	err    error
}

type Service struct {
	registry  *registry.Registry
	admission *admission.Controller
	catalog   *execution.Catalog
	logger    *slog.Logger
	metrics   Metrics
	results   ResultStore

	cancelGrace time.Duration
	inlineLimit int
	now         func() time.Time

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu       sync.Mutex
	active   map[string]*handle
	draining bool
	wg       sync.WaitGroup
}

func New(opts Options) (*Service, error) {
	if opts.Registry == nil || opts.Admission == nil || opts.Catalog == nil {
		return nil, errors.New("registry, admission and catalog are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	if opts.CancelGrace <= 0 {
		opts.CancelGrace = DefaultCancelGrace
	}
	if opts.ResultInlineLimit <= 0 {
		opts.ResultInlineLimit = DefaultResultInlineLimit
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Service{
		registry:    opts.Registry,
		admission:   opts.Admission,
		catalog:     opts.Catalog,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		results:     opts.Results,
		cancelGrace: opts.CancelGrace,
		inlineLimit: opts.ResultInlineLimit,
		now:         opts.Now,
		baseCtx:     baseCtx,
		baseCancel:  baseCancel,
		active:      make(map[string]*handle),
	}, nil
}

// Submit registers a run and either starts it, queues it, or rejects it.
// It never waits for the unit.
func (s *Service) Submit(req SubmitRequest) (domain.Run, error) {
	return s.submit(req, nil)
}

// SubmitAndSubscribe submits like Submit but opens the subscription before
// the run can start, so a streaming caller sees every transition and every
// piece of output. The returned run is the pending snapshot.
func (s *Service) SubmitAndSubscribe(req SubmitRequest) (domain.Run, <-chan registry.Event, func(), error) {
	var (
		current domain.Run
		events  <-chan registry.Event
		cancel  func()
		subErr  error
	)
	_, err := s.submit(req, func(id string) {
		current, events, cancel, subErr = s.registry.Subscribe(id)
	})
	if err == nil {
		err = subErr
	}
	if err != nil {
		if cancel != nil {
			cancel()
		}
		return domain.Run{}, nil, nil, err
	}
	return current, events, cancel, nil
}

func (s *Service) submit(req SubmitRequest, created func(id string)) (domain.Run, error) {
	agentID := strings.TrimSpace(req.AgentID)
	if agentID == "" {
		return domain.Run{}, fmt.Errorf("%w: agent_id is required", domain.ErrInvalidInput)
	}
	if _, ok := s.catalog.Lookup(agentID); !ok {
		return domain.Run{}, fmt.Errorf("%w: %s", domain.ErrAgentNotFound, agentID)
	}
	if len(req.Input) > 0 && !json.Valid(req.Input) {
		return domain.Run{}, fmt.Errorf("%w: input is not valid json", domain.ErrInvalidInput)
	}
	if len(req.Config) > 0 {
		trimmed := bytes.TrimSpace(req.Config)
		if !json.Valid(trimmed) || (trimmed[0] != '{' && !bytes.Equal(trimmed, []byte("null"))) {
			return domain.Run{}, fmt.Errorf("%w: config must be a json object", domain.ErrInvalidInput)
		}
		if bytes.Equal(trimmed, []byte("null")) {
			req.Config = nil
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.draining {
		s.metrics.RunRejected(agentID, "shutting_down")
		return domain.Run{}, domain.ErrShuttingDown
	}

	run, err := s.registry.Create(agentID, req.Input, req.Config, req.StreamMode...)
	if err != nil {
		return domain.Run{}, err
	}
	if created != nil {
		created(run.ID)
	}

	tok, err := s.admission.Acquire(run.ID)
	if err != nil {
		if discardErr := s.registry.Discard(run.ID); discardErr != nil {
			s.logger.Error("discard rejected run", "run_id", run.ID, "error", discardErr)
		}
		if errors.Is(err, domain.ErrCapacityExceeded) {
			s.metrics.RunRejected(agentID, "capacity_exceeded")
			return domain.Run{}, err
		}
		s.logger.Error("admission invariant violated", "run_id", run.ID, "error", err)
		return domain.Run{}, err
	}

	if tok == nil {
		queued, err := s.registry.Transition(run.ID, domain.RunStateQueued, nil, nil)
		if err != nil {
			s.logger.Error("queue transition failed", "run_id", run.ID, "error", err)
			s.admission.Remove(run.ID)
			return domain.Run{}, err
		}
		s.metrics.RunSubmitted(agentID, domain.RunStateQueued)
		s.logger.Info("run queued", "run_id", run.ID, "agent_id", agentID)
		return queued, nil
	}

	s.metrics.RunSubmitted(agentID, domain.RunStateRunning)
	started, ok := s.startLocked(tok)
	if !ok {
		return s.registry.Get(run.ID)
	}
	return started, nil
}

// startLocked moves the token's run to running and launches its unit. On
// failure the token is released so the slot keeps working.
func (s *Service) startLocked(tok *admission.Token) (domain.Run, bool) {
	runID := tok.RunID()
	current, err := s.registry.Get(runID)
	if err != nil {
		s.logger.Error("admitted run missing from registry", "run_id", runID, "error", err)
		s.releaseLocked(tok)
		return domain.Run{}, false
	}
	agent, ok := s.catalog.Lookup(current.AgentID)
	if !ok {
		s.logger.Error("admitted run has unknown agent", "run_id", runID, "agent_id", current.AgentID)
		s.failUnstartedLocked(runID, tok, "agent not available")
		return domain.Run{}, false
	}

	run, err := s.registry.Transition(runID, domain.RunStateRunning, nil, nil)
	if err != nil {
		s.logger.Error("start transition failed", "run_id", runID, "error", err)
		s.releaseLocked(tok)
		return domain.Run{}, false
	}

	var ctx context.Context
	var cancel context.CancelFunc
	if agent.Timeout > 0 {
		ctx, cancel = context.WithTimeout(s.baseCtx, agent.Timeout)
	} else {
		ctx, cancel = context.WithCancel(s.baseCtx)
	}
	h := &handle{
		runID:     runID,
		agent:     agent,
		token:     tok,
		ctx:       ctx,
		cancel:    cancel,
		startedAt: s.now(),
	}
	s.active[runID] = h
	s.metrics.RunStarted(agent.ID, h.startedAt.Sub(current.SubmittedAt))
	s.logger.Info("run started", "run_id", runID, "agent_id", agent.ID, "slot", tok.Slot())

	in := execution.Input{
		RunID:      runID,
		AgentID:    agent.ID,
		Payload:    current.Input,
		Config:     current.Config,
		StreamMode: current.StreamMode,
		Emit: func(event string, data json.RawMessage) {
			s.registry.Emit(runID, event, data)
		},
	}
	s.wg.Add(1)
	go s.supervise(h, in)
	return run, true
}

func (s *Service) failUnstartedLocked(runID string, tok *admission.Token, msg string) {
	if _, err := s.registry.Transition(runID, domain.RunStateRunning, nil, nil); err == nil {
		runErr := &domain.RunError{Code: domain.ErrorCodeExecution, Message: msg}
		if _, err := s.registry.Transition(runID, domain.RunStateFailed, nil, runErr); err != nil {
			s.logger.Error("fail transition failed", "run_id", runID, "error", err)
		}
	}
	s.releaseLocked(tok)
}

// releaseLocked returns tok and starts whichever run inherits the slot.
func (s *Service) releaseLocked(tok *admission.Token) {
	next, err := s.admission.Release(tok)
	if err != nil {
		s.logger.Error("admission invariant violated", "run_id", tok.RunID(), "error", err)
		return
	}
	if next != nil {
		s.startLocked(next)
	}
}

func (s *Service) supervise(h *handle, in execution.Input) {
	defer s.wg.Done()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if v := recover(); v != nil {
				done <- outcome{err: fmt.Errorf("unit panicked: %v", v)}
			}
		}()
		result, err := h.agent.Unit.Execute(h.ctx, in)
		done <- outcome{result: result, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-h.ctx.Done():
		grace := time.NewTimer(s.cancelGrace)
		select {
		case out = <-done:
			grace.Stop()
		case <-grace.C:
			s.forceRelease(h)
			return
		}
	}
	s.complete(h, out)
}

func (s *Service) complete(h *handle, out outcome) {
	s.mu.Lock()
	cancelled := h.cancelRequested
	s.mu.Unlock()

	result := registry.Outcome{State: domain.RunStateSucceeded}
	switch {
	case cancelled:
		result.State = domain.RunStateCancelled
	case out.err != nil:
		result.State = domain.RunStateFailed
		result.Error = s.classify(h, out.err)
	default:
		result.Result = out.result
		if len(bytes.TrimSpace(result.Result)) == 0 {
			result.Result = json.RawMessage(`null`)
		}
		if !json.Valid(result.Result) {
			result = registry.Outcome{
				State: domain.RunStateFailed,
				Error: &domain.RunError{Code: domain.ErrorCodeExecution, Message: "unit returned invalid json"},
			}
			break
		}
		if err := s.offload(h.runID, &result); err != nil {
			s.logger.Error("result offload failed", "run_id", h.runID, "error", err)
			result = registry.Outcome{
				State: domain.RunStateFailed,
				Error: &domain.RunError{Code: domain.ErrorCodeExecution, Message: "store result: " + err.Error()},
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if h.finished {
		return
	}
	if h.cancelRequested && result.State != domain.RunStateCancelled {
		result = registry.Outcome{State: domain.RunStateCancelled}
	}
	s.finishLocked(h, result)
}

func (s *Service) classify(h *handle, err error) *domain.RunError {
	if errors.Is(h.ctx.Err(), context.DeadlineExceeded) {
		return &domain.RunError{
			Code:    domain.ErrorCodeExecutionTimeout,
			Message: fmt.Sprintf("agent %s exceeded its %s timeout", h.agent.ID, h.agent.Timeout),
		}
	}
	var runErr *domain.RunError
	if errors.As(err, &runErr) && runErr.Code != "" {
		return &domain.RunError{Code: runErr.Code, Message: runErr.Message}
	}
	return &domain.RunError{Code: domain.ErrorCodeExecution, Message: err.Error()}
}

func (s *Service) offload(runID string, out *registry.Outcome) error {
	if s.results == nil || len(out.Result) <= s.inlineLimit {
		return nil
	}
	ctx, cancel := context.WithTimeout(s.baseCtx, offloadTimeout)
	defer cancel()
	ref, err := s.results.PutResult(ctx, runID, out.Result)
	if err != nil {
		return err
	}
	doc, err := json.Marshal(ref)
	if err != nil {
		return err
	}
	s.logger.Info("result offloaded", "run_id", runID, "key", ref.Key, "size_bytes", ref.SizeBytes)
	out.Result = doc
	out.ResultRef = ref.Key
	return nil
}

// forceRelease abandons a unit that ignored cancellation.
func (s *Service) forceRelease(h *handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h.finished {
		return
	}
	reason := "cancellation"
	if !h.cancelRequested && errors.Is(h.ctx.Err(), context.DeadlineExceeded) {
		reason = "timeout"
	}
	s.logger.Warn("unit ignored cancellation; releasing slot while it may still run",
		"run_id", h.runID,
		"agent_id", h.agent.ID,
		"reason", reason,
		"grace", s.cancelGrace.String(),
	)
	s.metrics.ForcedRelease(h.agent.ID)
	s.finishLocked(h, registry.Outcome{
		State: domain.RunStateFailed,
		Error: &domain.RunError{
			Code:    domain.ErrorCodeCancellationTimeout,
			Message: fmt.Sprintf("unit did not stop within %s after %s", s.cancelGrace, reason),
		},
	})
}

// finishLocked records the terminal state, then releases the token.
func (s *Service) finishLocked(h *handle, out registry.Outcome) {
	h.finished = true
	h.cancel()
	delete(s.active, h.runID)

	run, err := s.registry.Apply(h.runID, out)
	if err != nil {
		s.logger.Error("terminal transition failed", "run_id", h.runID, "state", out.State, "error", err)
	} else {
		attrs := []any{"run_id", run.ID, "agent_id", run.AgentID, "state", run.State}
		if run.Error != nil {
			attrs = append(attrs, "error_code", run.Error.Code)
		}
		s.logger.Info("run finished", attrs...)
	}
	s.metrics.RunFinished(h.agent.ID, out.State, s.now().Sub(h.startedAt))
	s.releaseLocked(h.token)
}

// Cancel requests cancellation. Queued runs are cancelled immediately,
// running runs are signalled and settle asynchronously, and terminal runs
// are returned unchanged.
func (s *Service) Cancel(id string) (domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.registry.Get(id)
	if err != nil {
		return domain.Run{}, err
	}
	switch run.State {
	case domain.RunStateQueued:
		if !s.admission.Remove(id) {
			return domain.Run{}, domain.InvariantError("run %s: queued but not in admission queue", id)
		}
		run, err = s.registry.Transition(id, domain.RunStateCancelled, nil, nil)
		if err != nil {
			s.logger.Error("cancel transition failed", "run_id", id, "error", err)
			return domain.Run{}, err
		}
		s.metrics.RunFinished(run.AgentID, domain.RunStateCancelled, 0)
		s.logger.Info("queued run cancelled", "run_id", id)
		return run, nil
	case domain.RunStateRunning:
		h, ok := s.active[id]
		if ok && !h.cancelRequested {
			h.cancelRequested = true
			h.cancel()
			s.logger.Info("cancellation requested", "run_id", id)
		}
		return run, nil
	default:
		return run, nil
	}
}

func (s *Service) Get(id string) (Snapshot, error) {
	run, err := s.registry.Get(id)
	if err != nil {
		return Snapshot{}, err
	}
	return s.snapshot(run), nil
}

func (s *Service) snapshot(run domain.Run) Snapshot {
	snap := Snapshot{Run: run}
	if run.State == domain.RunStateQueued {
		// Reported positions start at 1 for the head of the line.
		if pos, ok := s.admission.Position(run.ID); ok {
			pos++
			snap.QueuePosition = &pos
		}
	}
	return snap
}

// Wait blocks until the run is terminal, ctx ends, or timeout elapses. A
// timeout is not an error: the latest snapshot is returned with timedOut set.
func (s *Service) Wait(ctx context.Context, id string, timeout time.Duration) (Snapshot, bool, error) {
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	run, err := s.registry.Wait(waitCtx, id)
	switch {
	case err == nil:
		return s.snapshot(run), false, nil
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		return s.snapshot(run), true, nil
	default:
		return Snapshot{}, false, err
	}
}

// Subscribe streams state transitions and unit output until the run is
// terminal.
func (s *Service) Subscribe(id string) (domain.Run, <-chan registry.Event, func(), error) {
	return s.registry.Subscribe(id)
}

func (s *Service) List(filter registry.Filter) []domain.Run {
	return s.registry.List(filter)
}

// Stats is taken under the service lock so admission and registry counts
// agree with each other.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Stats: s.admission.Stats(), Runs: s.registry.Counts()}
}

func (s *Service) Agents() []execution.AgentInfo {
	return s.catalog.Describe()
}

func (s *Service) AgentIDs() []string {
	return s.catalog.IDs()
}

// Draining reports whether Shutdown has begun.
func (s *Service) Draining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draining
}

// OpenResult returns the run's result body, reading it back from the result
// store when it was offloaded.
func (s *Service) OpenResult(ctx context.Context, id string) (io.ReadCloser, error) {
	run, err := s.registry.Get(id)
	if err != nil {
		return nil, err
	}
	if run.State != domain.RunStateSucceeded {
		return nil, fmt.Errorf("%w: run %s is %s", domain.ErrNotFound, id, run.State)
	}
	if run.ResultRef == "" {
		return io.NopCloser(bytes.NewReader(run.Result)), nil
	}
	if s.results == nil {
		return nil, domain.InvariantError("run %s: offloaded result without a result store", id)
	}
	return s.results.OpenResult(ctx, run.ResultRef)
}

// Shutdown stops admission, cancels queued runs and waits for running ones.
// When ctx ends first, the remaining units are cancelled and given the
// cancel grace period before Shutdown gives up.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	for _, entry := range s.admission.DrainQueue() {
		run, err := s.registry.Transition(entry.RunID, domain.RunStateCancelled, nil, nil)
		if err != nil {
			s.logger.Error("cancel queued run on shutdown", "run_id", entry.RunID, "error", err)
			continue
		}
		s.metrics.RunFinished(run.AgentID, domain.RunStateCancelled, 0)
		s.logger.Info("queued run cancelled on shutdown", "run_id", entry.RunID)
	}
	inflight := len(s.active)
	s.mu.Unlock()

	if inflight > 0 {
		s.logger.Info("waiting for running runs", "count", inflight)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.baseCancel()
		return nil
	case <-ctx.Done():
	}

	s.mu.Lock()
	for _, h := range s.active {
		h.cancelRequested = true
	}
	s.mu.Unlock()
	s.baseCancel()

	timer := time.NewTimer(s.cancelGrace + time.Second)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
	}
	return fmt.Errorf("drain: %w", ctx.Err())
}
