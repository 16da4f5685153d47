package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// RunState is the lifecycle state of a single agent run.
type RunState string

const (
	RunStatePending   RunState = "pending"
	RunStateQueued    RunState = "queued"
	RunStateRunning   RunState = "running"
	RunStateSucceeded RunState = "succeeded"
	RunStateFailed    RunState = "failed"
	RunStateCancelled RunState = "cancelled"
)

// Run error codes recorded on failed runs.
const (
	ErrorCodeExecution           = "execution_error"
	ErrorCodeExecutionTimeout    = "execution_timeout"
	ErrorCodeCancellationTimeout = "cancellation_timeout"
)

// RunError is the terminal error detail of a failed run.
type RunError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RunError) Error() string {
	if e == nil {
		return ""
	}
	return e.Code + ": " + e.Message
}

// Run is one invocation of an agent, tracked from submission to a terminal
// state. Values handed out by the registry are copies.
type Run struct {
	ID          string          `json:"run_id"`
	AgentID     string          `json:"agent_id"`
	Input       json.RawMessage `json:"input"`
	Config      json.RawMessage `json:"config,omitempty"`
	StreamMode  []string        `json:"stream_mode,omitempty"`
	State       RunState        `json:"state"`
	SubmittedAt time.Time       `json:"submitted_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	ResultRef   string          `json:"result_ref,omitempty"`
	Error       *RunError       `json:"error,omitempty"`
}

// Clone returns a deep copy so callers can never alias registry storage.
func (r Run) Clone() Run {
	out := r
	out.Input = cloneRaw(r.Input)
	out.Config = cloneRaw(r.Config)
	out.Result = cloneRaw(r.Result)
	if r.StreamMode != nil {
		out.StreamMode = append([]string(nil), r.StreamMode...)
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		out.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	if r.Error != nil {
		e := *r.Error
		out.Error = &e
	}
	return out
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}

// IsTerminal reports whether no further transitions are possible.
func (s RunState) IsTerminal() bool {
	switch s {
	case RunStateSucceeded, RunStateFailed, RunStateCancelled:
		return true
	default:
		return false
	}
}

func (s RunState) Valid() bool {
	_, ok := runTransitions[s]
	return ok
}

// ParseRunState maps a user supplied state name to a RunState.
func ParseRunState(value string) (RunState, bool) {
	state := RunState(strings.ToLower(strings.TrimSpace(value)))
	if !state.Valid() {
		return "", false
	}
	return state, true
}

var runTransitions = map[RunState][]RunState{
	RunStatePending:   {RunStateQueued, RunStateRunning},
	RunStateQueued:    {RunStateRunning, RunStateCancelled},
	RunStateRunning:   {RunStateSucceeded, RunStateFailed, RunStateCancelled},
	RunStateSucceeded: nil,
	RunStateFailed:    nil,
	RunStateCancelled: nil,
}

// CanTransitionRunState enforces forward-only state progression.
func CanTransitionRunState(current, next RunState) bool {
	for _, allowed := range runTransitions[current] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ValidateOutcome checks the result/error exclusivity rule for a state.
func ValidateOutcome(state RunState, result json.RawMessage, runErr *RunError) error {
	switch state {
	case RunStateSucceeded:
		if result == nil || runErr != nil {
			return InvariantError("state %s requires a result and no error", state)
		}
	case RunStateFailed:
		if runErr == nil || result != nil {
			return InvariantError("state %s requires an error and no result", state)
		}
	default:
		if result != nil || runErr != nil {
			return InvariantError("state %s carries neither result nor error", state)
		}
	}
	return nil
}
