package registry

import (
	"encoding/json"
	"strings"

	"github.com/animus-labs/agent-gateway/internal/domain"
)

const (
	subscriberBuffer = 256
	// reservedSlots keeps room for the transitions a run can still make
	// (queued, running, terminal) however much output is pending.
	reservedSlots = 4
)

// Event is one item on a subscription. Transitions carry Run; output emitted
// by a running unit carries Name and Data.
type Event struct {
	Run  *domain.Run
	Name string
	Data json.RawMessage
}

// IsTransition reports whether the event is a state change.
func (ev Event) IsTransition() bool { return ev.Run != nil }

func transitionEvent(run domain.Run) Event {
	snap := run.Clone()
	return Event{Run: &snap, Name: string(snap.State)}
}

// Emit fans unit output out to the run's subscribers. Output for runs that
// are not running is discarded, as is output a slow subscriber has no room
// for. It reports whether at least one subscriber received the event.
func (r *Registry) Emit(id, name string, data json.RawMessage) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	if len(data) == 0 || !json.Valid(data) {
		data = json.RawMessage(`null`)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.runs[id]
	if !ok || e.run.State != domain.RunStateRunning {
		return false
	}
	delivered := false
	for _, ch := range e.subs {
		if len(ch) >= cap(ch)-reservedSlots {
			r.logger.Warn("dropped run output", "run_id", id, "event", name)
			continue
		}
		ch <- Event{Name: name, Data: append(json.RawMessage(nil), data...)}
		delivered = true
	}
	return delivered
}
