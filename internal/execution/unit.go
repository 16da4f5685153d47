// Package execution defines the contract between the gateway and the agents
// it runs. An agent is an opaque Unit: it receives the run input and returns
// a JSON result or an error. Units must watch ctx and return promptly once it
// is cancelled; the gateway only waits a bounded grace period after that.
package execution

import (
	"context"
	"encoding/json"
	"time"
)

// Output kinds a unit may emit while it runs.
const (
	StreamCustom   = "custom"
	StreamValues   = "values"
	StreamMessages = "messages"
)

// DefaultStreamMode applies when a submission names no stream mode.
var DefaultStreamMode = []string{StreamCustom, StreamValues}

// EmitFunc publishes one intermediate output of a run to its stream
// subscribers. data must be JSON.
type EmitFunc func(event string, data json.RawMessage)

// Input is everything a unit learns about the run it executes.
type Input struct {
	RunID      string          `json:"run_id"`
	AgentID    string          `json:"agent_id"`
	Payload    json.RawMessage `json:"input"`
	Config     json.RawMessage `json:"config,omitempty"`
	StreamMode []string        `json:"stream_mode,omitempty"`
	Emit       EmitFunc        `json:"-"`
}

// Modes returns the requested output kinds, or DefaultStreamMode.
func (in Input) Modes() []string {
	if len(in.StreamMode) == 0 {
		return DefaultStreamMode
	}
	return in.StreamMode
}

// Wants reports whether output of the given kind was requested.
func (in Input) Wants(mode string) bool {
	for _, m := range in.Modes() {
		if m == mode {
			return true
		}
	}
	return false
}

// Send emits output when the run has an emitter. Units call it freely.
func (in Input) Send(event string, data json.RawMessage) {
	if in.Emit != nil {
		in.Emit(event, data)
	}
}

type Unit interface {
	Execute(ctx context.Context, in Input) (json.RawMessage, error)
}

// UnitFunc adapts a plain function to Unit.
type UnitFunc func(ctx context.Context, in Input) (json.RawMessage, error)

func (f UnitFunc) Execute(ctx context.Context, in Input) (json.RawMessage, error) {
	return f(ctx, in)
}

// Agent binds a catalog identifier to a unit.
type Agent struct {
	ID          string
	Kind        string
	Description string
	// Timeout bounds one execution; zero means no limit.
	Timeout time.Duration
	Unit    Unit
}
