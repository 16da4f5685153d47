package runs

import (
	"context"
	"io"
	"time"

	"github.com/animus-labs/agent-gateway/internal/domain"
)

// Metrics receives lifecycle observations. Implementations must be safe for
// concurrent use and must not block.
type Metrics interface {
	RunSubmitted(agentID string, state domain.RunState)
	RunRejected(agentID, reason string)
	RunStarted(agentID string, queued time.Duration)
	RunFinished(agentID string, state domain.RunState, elapsed time.Duration)
	ForcedRelease(agentID string)
}

// ResultStore holds results too large to keep inline.
type ResultStore interface {
	PutResult(ctx context.Context, runID string, body []byte) (Ref, error)
	OpenResult(ctx context.Context, key string) (io.ReadCloser, error)
}

// Ref describes an offloaded result. It is what a run's result field holds
// once the payload has been moved out.
type Ref struct {
	Key       string `json:"$ref"`
	SizeBytes int64  `json:"size_bytes"`
	SHA256    string `json:"sha256"`
}

type nopMetrics struct{}

func (nopMetrics) RunSubmitted(string, domain.RunState)              {}
func (nopMetrics) RunRejected(string, string)                        {}
func (nopMetrics) RunStarted(string, time.Duration)                  {}
func (nopMetrics) RunFinished(string, domain.RunState, time.Duration) {}
func (nopMetrics) ForcedRelease(string)                              {}
