package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/animus-labs/agent-gateway/internal/automation"
	"github.com/animus-labs/agent-gateway/internal/domain"
	"github.com/animus-labs/agent-gateway/internal/platform/requestid"
	"github.com/animus-labs/agent-gateway/internal/registry"
	"github.com/animus-labs/agent-gateway/internal/service/runs"
)

type gatewayAPI struct {
	logger      *slog.Logger
	runs        *runs.Service
	automations *automation.Scheduler
	maxWait     time.Duration
	heartbeat   time.Duration
}

func newGatewayAPI(logger *slog.Logger, svc *runs.Service, sched *automation.Scheduler, maxWait time.Duration) *gatewayAPI {
	return &gatewayAPI{
		logger:      logger,
		runs:        svc,
		automations: sched,
		maxWait:     maxWait,
		heartbeat:   15 * time.Second,
	}
}

func (api *gatewayAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", api.handleHealth)
	mux.HandleFunc("GET /agents", api.handleListAgents)

	mux.HandleFunc("POST /runs", api.handleSubmitRun)
	mux.HandleFunc("GET /runs", api.handleListRuns)
	mux.HandleFunc("POST /runs/wait", api.handleSubmitAndWait)
	mux.HandleFunc("POST /runs/stream", api.handleSubmitAndStream)
	mux.HandleFunc("GET /runs/{run_id}", api.handleGetRun)
	mux.HandleFunc("DELETE /runs/{run_id}", api.handleCancelRun)
	mux.HandleFunc("POST /runs/{run_id}/cancel", api.handleCancelRun)
	mux.HandleFunc("GET /runs/{run_id}/stream", api.handleStreamRun)
	mux.HandleFunc("GET /runs/{run_id}/result", api.handleGetResult)

	if api.automations != nil {
		api.registerAutomations(mux)
	}
}

type submitRunRequest struct {
	AgentID     string          `json:"agent_id,omitempty"`
	AssistantID string          `json:"assistant_id,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
	Config      json.RawMessage `json:"config,omitempty"`
	// StreamMode is a single mode or a list of modes.
	StreamMode json.RawMessage `json:"stream_mode,omitempty"`
}

type submitRunResponse struct {
	RunID         string          `json:"run_id"`
	AgentID       string          `json:"agent_id"`
	State         domain.RunState `json:"state"`
	QueuePosition *int            `json:"queue_position,omitempty"`
}

type runResponse struct {
	runs.Snapshot
	WaitTimedOut bool `json:"wait_timed_out,omitempty"`
}

func (api *gatewayAPI) decodeSubmission(w http.ResponseWriter, r *http.Request) (runs.SubmitRequest, bool) {
	var req submitRunRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_input", "request body: "+err.Error())
		return runs.SubmitRequest{}, false
	}
	agentID := strings.TrimSpace(req.AgentID)
	if agentID == "" {
		agentID = strings.TrimSpace(req.AssistantID)
	}
	if agentID == "" {
		api.writeError(w, r, http.StatusBadRequest, "invalid_input", "agent_id is required")
		return runs.SubmitRequest{}, false
	}
	input := req.Input
	if isJSONNull(input) {
		input = nil
	}
	if input != nil && !isJSONObject(input) {
		api.writeError(w, r, http.StatusBadRequest, "invalid_input", "input must be a JSON object")
		return runs.SubmitRequest{}, false
	}
	modes, err := parseStreamMode(req.StreamMode)
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
		return runs.SubmitRequest{}, false
	}
	return runs.SubmitRequest{AgentID: agentID, Input: input, Config: req.Config, StreamMode: modes}, true
}

// parseStreamMode accepts "values" or ["custom","values"]. Absent or null
// leaves the unit default in place.
func parseStreamMode(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || isJSONNull(raw) {
		return nil, nil
	}
	var modes []string
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		modes = []string{single}
	} else if err := json.Unmarshal(raw, &modes); err != nil {
		return nil, errors.New("stream_mode must be a string or a list of strings")
	}
	out := make([]string, 0, len(modes))
	for _, mode := range modes {
		mode = strings.TrimSpace(mode)
		if mode == "" {
			return nil, errors.New("stream_mode entries must be non-empty")
		}
		if !slices.Contains(out, mode) {
			out = append(out, mode)
		}
	}
	return out, nil
}

func (api *gatewayAPI) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	req, ok := api.decodeSubmission(w, r)
	if !ok {
		return
	}
	run, err := api.runs.Submit(req)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}

	resp := submitRunResponse{RunID: run.ID, AgentID: run.AgentID, State: run.State}
	if run.State == domain.RunStateQueued {
		if snap, err := api.runs.Get(run.ID); err == nil {
			resp.QueuePosition = snap.QueuePosition
		}
	}
	w.Header().Set("Location", "/runs/"+run.ID)
	api.writeJSON(w, http.StatusAccepted, resp)
}

func (api *gatewayAPI) handleSubmitAndWait(w http.ResponseWriter, r *http.Request) {
	timeout, ok := api.waitParam(w, r, api.maxWait)
	if !ok {
		return
	}
	if timeout <= 0 {
		timeout = api.maxWait
	}
	req, ok := api.decodeSubmission(w, r)
	if !ok {
		return
	}
	run, err := api.runs.Submit(req)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.waitAndWrite(w, r, run.ID, timeout)
}

func (api *gatewayAPI) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	timeout, ok := api.waitParam(w, r, 0)
	if !ok {
		return
	}
	if timeout > 0 {
		api.waitAndWrite(w, r, runID, timeout)
		return
	}
	snap, err := api.runs.Get(runID)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, runResponse{Snapshot: snap})
}

// waitParam reads ?wait=<ms>, capped at maxWait.
func (api *gatewayAPI) waitParam(w http.ResponseWriter, r *http.Request, def time.Duration) (time.Duration, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("wait"))
	if raw == "" {
		return def, true
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms < 0 {
		api.writeError(w, r, http.StatusBadRequest, "invalid_input", "wait must be a non-negative number of milliseconds")
		return 0, false
	}
	if ms > int64(api.maxWait/time.Millisecond) {
		return api.maxWait, true
	}
	return time.Duration(ms) * time.Millisecond, true
}

func (api *gatewayAPI) waitAndWrite(w http.ResponseWriter, r *http.Request, runID string, timeout time.Duration) {
	snap, timedOut, err := api.runs.Wait(r.Context(), runID, timeout)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, runResponse{Snapshot: snap, WaitTimedOut: timedOut})
}

func (api *gatewayAPI) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	run, err := api.runs.Cancel(runID)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	status := http.StatusOK
	if !run.State.IsTerminal() {
		status = http.StatusAccepted
	}
	api.writeJSON(w, status, run)
}

func (api *gatewayAPI) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := registry.Filter{
		AgentID: strings.TrimSpace(q.Get("agent_id")),
		Limit:   clampInt(parseIntQuery(r, "limit", 100), 1, 1000),
	}
	if raw := strings.TrimSpace(q.Get("state")); raw != "" {
		state, ok := domain.ParseRunState(raw)
		if !ok {
			api.writeError(w, r, http.StatusBadRequest, "invalid_input", "unknown state "+raw)
			return
		}
		filter.State = state
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"runs": api.runs.List(filter)})
}

func (api *gatewayAPI) handleGetResult(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	body, err := api.runs.OpenResult(r.Context(), runID)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="`+runID+`.json"`)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		api.logger.Warn("result download interrupted", "run_id", runID, "error", err)
	}
}

func (api *gatewayAPI) handleListAgents(w http.ResponseWriter, r *http.Request) {
	api.writeJSON(w, http.StatusOK, map[string]any{"agents": api.runs.Agents()})
}

func (api *gatewayAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if api.runs.Draining() {
		status = "draining"
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"status":           status,
		"concurrency":      api.runs.Stats(),
		"available_agents": api.runs.AgentIDs(),
	})
}

func (api *gatewayAPI) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		api.writeError(w, r, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, domain.ErrAgentNotFound):
		api.writeError(w, r, http.StatusNotFound, "agent_not_found", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		api.writeError(w, r, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrCapacityExceeded):
		w.Header().Set("Retry-After", "1")
		api.writeError(w, r, http.StatusTooManyRequests, "capacity_exceeded", err.Error())
	case errors.Is(err, domain.ErrShuttingDown):
		api.writeError(w, r, http.StatusServiceUnavailable, "shutting_down", err.Error())
	default:
		id, _ := requestid.FromContext(r.Context())
		api.logger.Error("request failed", "request_id", id, "path", r.URL.Path, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

func (api *gatewayAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *gatewayAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"message":    message,
		"request_id": r.Header.Get(requestid.Header),
	})
}

func isJSONObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed)
}

func isJSONNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func parseIntQuery(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
