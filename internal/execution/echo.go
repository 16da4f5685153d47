package execution

import (
	"context"
	"encoding/json"
	"time"
)

const KindEcho = "echo"

// EchoUnit waits Delay and returns the run input. It is the default agent
// and a convenient check of admission behaviour. It emits a progress event
// and its result as stream output.
type EchoUnit struct {
	Delay time.Duration
}

func (u *EchoUnit) Execute(ctx context.Context, in Input) (json.RawMessage, error) {
	if u.Delay > 0 {
		timer := time.NewTimer(u.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	result, err := json.Marshal(map[string]any{
		"run_id":   in.RunID,
		"agent_id": in.AgentID,
		"input":    in.Payload,
	})
	if err != nil {
		return nil, err
	}
	if in.Wants(StreamCustom) {
		in.Send(StreamCustom, json.RawMessage(`{"type":"progress","data":{"step":"echo"}}`))
	}
	if in.Wants(StreamValues) {
		in.Send(StreamValues, result)
	}
	return result, nil
}
