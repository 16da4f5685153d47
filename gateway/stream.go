package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/animus-labs/agent-gateway/internal/domain"
	"github.com/animus-labs/agent-gateway/internal/registry"
)

type streamErrorEvent struct {
	Message string `json:"message"`
}

type streamEndEvent struct {
	RunID string          `json:"run_id"`
	State domain.RunState `json:"state"`
}

func writeSSE(w http.ResponseWriter, event string, id string, payload any) error {
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err
		}
	}
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", blob); err != nil {
		return err
	}
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}

func (api *gatewayAPI) handleSubmitAndStream(w http.ResponseWriter, r *http.Request) {
	req, ok := api.decodeSubmission(w, r)
	if !ok {
		return
	}
	if _, ok := w.(http.Flusher); !ok {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error", "streaming not supported")
		return
	}
	current, events, cancel, err := api.runs.SubmitAndSubscribe(req)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	defer cancel()
	api.writeStream(w, r, current, events)
}

func (api *gatewayAPI) handleStreamRun(w http.ResponseWriter, r *http.Request) {
	api.streamRun(w, r, strings.TrimSpace(r.PathValue("run_id")))
}

func (api *gatewayAPI) streamRun(w http.ResponseWriter, r *http.Request, runID string) {
	if _, ok := w.(http.Flusher); !ok {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error", "streaming not supported")
		return
	}
	current, events, cancel, err := api.runs.Subscribe(runID)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	defer cancel()
	api.writeStream(w, r, current, events)
}

// writeStream emits one event per state the run passes through, named after
// the state, interleaved with whatever output the unit emits while running.
// A failed run adds an "error" event, and a final "end" event follows once
// the run is terminal.
func (api *gatewayAPI) writeStream(w http.ResponseWriter, r *http.Request, current domain.Run, events <-chan registry.Event) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return
	}
	runID := current.ID

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	seq := 0
	nextID := func() string {
		seq++
		return fmt.Sprintf("%s-%d", runID, seq)
	}
	emitState := func(run domain.Run) error {
		if err := writeSSE(w, string(run.State), nextID(), run); err != nil {
			return err
		}
		if run.State == domain.RunStateFailed && run.Error != nil {
			return writeSSE(w, "error", nextID(), streamErrorEvent{Message: run.Error.Message})
		}
		return nil
	}
	last := current
	if err := emitState(current); err != nil {
		return
	}

	heartbeat := time.NewTicker(api.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			_, _ = fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				_ = writeSSE(w, "end", "", streamEndEvent{RunID: runID, State: last.State})
				return
			}
			if !ev.IsTransition() {
				if err := writeSSE(w, ev.Name, nextID(), ev.Data); err != nil {
					return
				}
				continue
			}
			last = *ev.Run
			if err := emitState(last); err != nil {
				return
			}
		}
	}
}
