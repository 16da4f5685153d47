package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/animus-labs/agent-gateway/internal/admission"
	"github.com/animus-labs/agent-gateway/internal/automation"
	"github.com/animus-labs/agent-gateway/internal/domain"
	"github.com/animus-labs/agent-gateway/internal/execution"
	"github.com/animus-labs/agent-gateway/internal/registry"
	"github.com/animus-labs/agent-gateway/internal/service/runs"
)

// blockingUnit runs until release is closed or its context ends.
type blockingUnit struct {
	release chan struct{}
}

func (u *blockingUnit) Execute(ctx context.Context, in execution.Input) (json.RawMessage, error) {
	select {
	case <-u.release:
		return json.RawMessage(`{"done":true}`), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type testGateway struct {
	mux   *http.ServeMux
	svc   *runs.Service
	block *blockingUnit
}

func newTestGateway(t *testing.T, capacity, depth int, extra ...execution.Agent) *testGateway {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	block := &blockingUnit{release: make(chan struct{})}

	catalog, err := execution.NewCatalog(append([]execution.Agent{
		{ID: "echo", Kind: execution.KindEcho, Unit: &execution.EchoUnit{}},
		{ID: "slow", Kind: "test", Unit: block},
	}, extra...)...)
	if err != nil {
		t.Fatalf("NewCatalog() err=%v", err)
	}
	controller, err := admission.NewController(admission.Config{Capacity: capacity, MaxQueueDepth: depth})
	if err != nil {
		t.Fatalf("NewController() err=%v", err)
	}
	svc, err := runs.New(runs.Options{
		Registry:    registry.New(registry.Options{Logger: logger}),
		Admission:   controller,
		Catalog:     catalog,
		Logger:      logger,
		CancelGrace: time.Second,
	})
	if err != nil {
		t.Fatalf("runs.New() err=%v", err)
	}
	sched, err := automation.NewScheduler(automation.Options{
		Store:     automation.NewMemoryStore(),
		Submitter: svc,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("NewScheduler() err=%v", err)
	}

	api := newGatewayAPI(logger, svc, sched, 5*time.Second)
	api.heartbeat = 50 * time.Millisecond
	mux := http.NewServeMux()
	api.register(mux)

	t.Cleanup(func() {
		select {
		case <-block.release:
		default:
			close(block.release)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return &testGateway{mux: mux, svc: svc, block: block}
}

func (g *testGateway) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	g.mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return out
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (g *testGateway) submit(t *testing.T, agentID string) submitRunResponse {
	t.Helper()
	rec := g.do(t, http.MethodPost, "/runs", `{"agent_id":"`+agentID+`","input":{"q":"hi"}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("POST /runs status=%d body=%s", rec.Code, rec.Body.String())
	}
	return decodeBody[submitRunResponse](t, rec)
}

func TestSubmitRun_Accepted(t *testing.T) {
	g := newTestGateway(t, 1, -1)

	rec := g.do(t, http.MethodPost, "/runs", `{"assistant_id":"echo","input":{"q":"hi"}}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[submitRunResponse](t, rec)
	if resp.RunID == "" || resp.AgentID != "echo" {
		t.Fatalf("resp=%+v", resp)
	}
	if resp.State != domain.RunStateRunning {
		t.Fatalf("state=%s, want running", resp.State)
	}
	if got := rec.Header().Get("Location"); got != "/runs/"+resp.RunID {
		t.Fatalf("Location=%q", got)
	}
}

func TestSubmitRun_QueuedReportsPosition(t *testing.T) {
	g := newTestGateway(t, 1, -1)
	g.submit(t, "slow")

	resp := g.submit(t, "slow")
	if resp.State != domain.RunStateQueued {
		t.Fatalf("state=%s, want queued", resp.State)
	}
	if resp.QueuePosition == nil || *resp.QueuePosition != 1 {
		t.Fatalf("queue_position=%v, want 1", resp.QueuePosition)
	}
}

func TestSubmitRun_InvalidInput(t *testing.T) {
	g := newTestGateway(t, 1, -1)

	cases := []struct {
		name string
		body string
	}{
		{name: "not json", body: `not json`},
		{name: "missing agent", body: `{"input":{}}`},
		{name: "array input", body: `{"agent_id":"echo","input":[1,2]}`},
		{name: "unknown field", body: `{"agent_id":"echo","extra":1}`},
		{name: "config not object", body: `{"agent_id":"echo","config":"x"}`},
		{name: "stream_mode number", body: `{"agent_id":"echo","stream_mode":3}`},
		{name: "stream_mode empty entry", body: `{"agent_id":"echo","stream_mode":["values",""]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := g.do(t, http.MethodPost, "/runs", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
			}
			if got := decodeBody[errorBody](t, rec).Error; got != "invalid_input" {
				t.Fatalf("error=%q", got)
			}
		})
	}
}

func TestSubmitRun_UnknownAgent(t *testing.T) {
	g := newTestGateway(t, 1, -1)

	rec := g.do(t, http.MethodPost, "/runs", `{"agent_id":"nope"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if got := decodeBody[errorBody](t, rec).Error; got != "agent_not_found" {
		t.Fatalf("error=%q", got)
	}
}

func TestSubmitRun_CapacityExceeded(t *testing.T) {
	g := newTestGateway(t, 1, 0)
	g.submit(t, "slow")

	rec := g.do(t, http.MethodPost, "/runs", `{"agent_id":"slow"}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After")
	}
	if got := decodeBody[errorBody](t, rec).Error; got != "capacity_exceeded" {
		t.Fatalf("error=%q", got)
	}
}

func TestGetRun_WaitsForCompletion(t *testing.T) {
	g := newTestGateway(t, 1, -1)
	resp := g.submit(t, "echo")

	rec := g.do(t, http.MethodGet, "/runs/"+resp.RunID+"?wait=3000", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	run := decodeBody[runResponse](t, rec)
	if run.State != domain.RunStateSucceeded || run.WaitTimedOut {
		t.Fatalf("run=%+v", run)
	}
	var result struct {
		Input map[string]string `json:"input"`
	}
	if err := json.Unmarshal(run.Result, &result); err != nil {
		t.Fatalf("result %s: %v", run.Result, err)
	}
	if result.Input["q"] != "hi" {
		t.Fatalf("result=%s", run.Result)
	}
}

func TestGetRun_WaitTimesOut(t *testing.T) {
	g := newTestGateway(t, 1, -1)
	resp := g.submit(t, "slow")

	rec := g.do(t, http.MethodGet, "/runs/"+resp.RunID+"?wait=50", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	run := decodeBody[runResponse](t, rec)
	if !run.WaitTimedOut || run.State != domain.RunStateRunning {
		t.Fatalf("run state=%s timed_out=%v", run.State, run.WaitTimedOut)
	}

	if rec := g.do(t, http.MethodGet, "/runs/"+resp.RunID+"?wait=-1", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("negative wait status=%d", rec.Code)
	}
	if rec := g.do(t, http.MethodGet, "/runs/missing", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing run status=%d", rec.Code)
	}
}

func TestSubmitAndWait(t *testing.T) {
	g := newTestGateway(t, 1, -1)

	rec := g.do(t, http.MethodPost, "/runs/wait", `{"agent_id":"echo","input":{"q":"hi"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if run := decodeBody[runResponse](t, rec); run.State != domain.RunStateSucceeded {
		t.Fatalf("state=%s", run.State)
	}
}

func TestCancelRun(t *testing.T) {
	g := newTestGateway(t, 1, -1)
	running := g.submit(t, "slow")
	queued := g.submit(t, "slow")

	rec := g.do(t, http.MethodPost, "/runs/"+queued.RunID+"/cancel", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel queued status=%d body=%s", rec.Code, rec.Body.String())
	}
	if run := decodeBody[domain.Run](t, rec); run.State != domain.RunStateCancelled {
		t.Fatalf("queued run state=%s", run.State)
	}

	rec = g.do(t, http.MethodDelete, "/runs/"+running.RunID, "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("cancel running status=%d body=%s", rec.Code, rec.Body.String())
	}
	rec = g.do(t, http.MethodGet, "/runs/"+running.RunID+"?wait=3000", "")
	if run := decodeBody[runResponse](t, rec); run.State != domain.RunStateCancelled {
		t.Fatalf("running run state=%s", run.State)
	}

	rec = g.do(t, http.MethodPost, "/runs/"+running.RunID+"/cancel", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("repeat cancel status=%d", rec.Code)
	}
	if rec := g.do(t, http.MethodPost, "/runs/missing/cancel", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("cancel missing status=%d", rec.Code)
	}
}

func TestListRuns(t *testing.T) {
	g := newTestGateway(t, 2, -1)
	first := g.submit(t, "echo")
	second := g.submit(t, "echo")
	g.submit(t, "slow")
	for _, id := range []string{first.RunID, second.RunID} {
		g.do(t, http.MethodGet, "/runs/"+id+"?wait=3000", "")
	}

	rec := g.do(t, http.MethodGet, "/runs?agent_id=echo&state=succeeded", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	body := decodeBody[struct {
		Runs []domain.Run `json:"runs"`
	}](t, rec)
	if len(body.Runs) != 2 {
		t.Fatalf("runs=%d, want 2", len(body.Runs))
	}
	if body.Runs[0].ID != second.RunID {
		t.Fatalf("first listed=%s, want newest %s", body.Runs[0].ID, second.RunID)
	}

	if rec := g.do(t, http.MethodGet, "/runs?state=bogus", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad state status=%d", rec.Code)
	}
}

func TestGetResult(t *testing.T) {
	g := newTestGateway(t, 1, -1)
	done := g.submit(t, "echo")
	g.do(t, http.MethodGet, "/runs/"+done.RunID+"?wait=3000", "")

	rec := g.do(t, http.MethodGet, "/runs/"+done.RunID+"/result", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if !json.Valid(rec.Body.Bytes()) || !strings.Contains(rec.Body.String(), done.RunID) {
		t.Fatalf("body=%s", rec.Body.String())
	}

	pending := g.submit(t, "slow")
	if rec := g.do(t, http.MethodGet, "/runs/"+pending.RunID+"/result", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("running result status=%d", rec.Code)
	}
}

func TestHealthAndAgents(t *testing.T) {
	g := newTestGateway(t, 3, -1)

	rec := g.do(t, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	health := decodeBody[struct {
		Status          string   `json:"status"`
		AvailableAgents []string `json:"available_agents"`
		Concurrency     struct {
			MaxConcurrent int `json:"max_concurrent"`
			Available     int `json:"available"`
		} `json:"concurrency"`
	}](t, rec)
	if health.Status != "healthy" {
		t.Fatalf("status=%q", health.Status)
	}
	if health.Concurrency.MaxConcurrent != 3 || health.Concurrency.Available != 3 {
		t.Fatalf("concurrency=%+v", health.Concurrency)
	}
	if strings.Join(health.AvailableAgents, ",") != "echo,slow" {
		t.Fatalf("agents=%v", health.AvailableAgents)
	}

	rec = g.do(t, http.MethodGet, "/agents", "")
	agents := decodeBody[struct {
		Agents []execution.AgentInfo `json:"agents"`
	}](t, rec)
	if len(agents.Agents) != 2 || agents.Agents[0].ID != "echo" {
		t.Fatalf("agents=%+v", agents.Agents)
	}
}

func TestHealth_Draining(t *testing.T) {
	g := newTestGateway(t, 1, -1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := g.svc.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() err=%v", err)
	}

	rec := g.do(t, http.MethodGet, "/health", "")
	if !strings.Contains(rec.Body.String(), `"draining"`) {
		t.Fatalf("body=%s", rec.Body.String())
	}
	rec = g.do(t, http.MethodPost, "/runs", `{"agent_id":"echo"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("submit while draining status=%d", rec.Code)
	}
}

func TestStreamRun_EmitsStatesAndEnd(t *testing.T) {
	g := newTestGateway(t, 1, -1)

	rec := g.do(t, http.MethodPost, "/runs/stream", `{"agent_id":"echo","input":{"q":"hi"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type=%q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "event: succeeded\n") {
		t.Fatalf("missing succeeded event:\n%s", body)
	}
	if !strings.HasSuffix(strings.TrimSpace(body), `"state":"succeeded"}`) || !strings.Contains(body, "event: end\n") {
		t.Fatalf("stream did not end with end event:\n%s", body)
	}
}

// eventNames lists the SSE event names in body order.
func eventNames(body string) []string {
	var names []string
	for _, line := range strings.Split(body, "\n") {
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			names = append(names, name)
		}
	}
	return names
}

func TestStreamRun_AcceptsStreamMode(t *testing.T) {
	g := newTestGateway(t, 1, -1)

	rec := g.do(t, http.MethodPost, "/runs/stream", `{"assistant_id":"echo","input":{},"stream_mode":["custom","values"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	got := strings.Join(eventNames(rec.Body.String()), ",")
	if got != "pending,running,custom,values,succeeded,end" {
		t.Fatalf("events=%s\n%s", got, rec.Body.String())
	}

	rec = g.do(t, http.MethodPost, "/runs/stream", `{"agent_id":"echo","input":{},"stream_mode":"values"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("single mode status=%d body=%s", rec.Code, rec.Body.String())
	}
	if got := strings.Join(eventNames(rec.Body.String()), ","); got != "pending,running,values,succeeded,end" {
		t.Fatalf("single mode events=%s", got)
	}

	rec = g.do(t, http.MethodPost, "/runs", `{"agent_id":"echo","stream_mode":["values"]}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("POST /runs with stream_mode status=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestStreamRun_RelaysUnitOutput(t *testing.T) {
	chatty := execution.UnitFunc(func(ctx context.Context, in execution.Input) (json.RawMessage, error) {
		in.Send(execution.StreamCustom, json.RawMessage(`{"step":1}`))
		in.Send(execution.StreamCustom, json.RawMessage(`{"step":2}`))
		return json.RawMessage(`{"done":true}`), nil
	})
	g := newTestGateway(t, 1, -1, execution.Agent{ID: "chatty", Kind: "test", Unit: chatty})

	rec := g.do(t, http.MethodPost, "/runs/stream", `{"agent_id":"chatty","input":{}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if got := strings.Join(eventNames(body), ","); got != "pending,running,custom,custom,succeeded,end" {
		t.Fatalf("events=%s\n%s", got, body)
	}
	first := strings.Index(body, `data: {"step":1}`)
	second := strings.Index(body, `data: {"step":2}`)
	if first < 0 || second < first {
		t.Fatalf("output out of order:\n%s", body)
	}
}

func TestStreamRun_FailedRunEmitsError(t *testing.T) {
	broken := execution.UnitFunc(func(ctx context.Context, in execution.Input) (json.RawMessage, error) {
		return nil, errors.New("tool crashed")
	})
	g := newTestGateway(t, 1, -1, execution.Agent{ID: "broken", Kind: "test", Unit: broken})

	rec := g.do(t, http.MethodPost, "/runs/stream", `{"agent_id":"broken","input":{}}`)
	body := rec.Body.String()
	if got := strings.Join(eventNames(body), ","); got != "pending,running,failed,error,end" {
		t.Fatalf("events=%s\n%s", got, body)
	}
	if !strings.Contains(body, "event: error\n") || !strings.Contains(body, `data: {"message":"tool crashed"}`) {
		t.Fatalf("missing error event:\n%s", body)
	}
}

func TestStreamRun_TerminalRun(t *testing.T) {
	g := newTestGateway(t, 1, -1)
	resp := g.submit(t, "echo")
	g.do(t, http.MethodGet, "/runs/"+resp.RunID+"?wait=3000", "")

	rec := g.do(t, http.MethodGet, "/runs/"+resp.RunID+"/stream", "")
	body := rec.Body.String()
	if strings.Count(body, "event: ") != 2 || !strings.Contains(body, "event: end\n") {
		t.Fatalf("body:\n%s", body)
	}

	if rec := g.do(t, http.MethodGet, "/runs/missing/stream", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing run status=%d", rec.Code)
	}
}

func TestAutomationsLifecycle(t *testing.T) {
	g := newTestGateway(t, 1, -1)

	rec := g.do(t, http.MethodPost, "/automations", `{"agent_id":"echo","input":{"q":"daily"},"frequency":"daily","time_of_day":"10:30"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status=%d body=%s", rec.Code, rec.Body.String())
	}
	created := decodeBody[automation.Automation](t, rec)
	if created.ID == "" || created.NextRunAt == nil || created.TimeOfDay != "10:30" {
		t.Fatalf("created=%+v", created)
	}
	if got := rec.Header().Get("Location"); got != "/automations/"+created.ID {
		t.Fatalf("Location=%q", got)
	}

	rec = g.do(t, http.MethodGet, "/automations", "")
	list := decodeBody[struct {
		Automations []automation.Automation `json:"automations"`
	}](t, rec)
	if len(list.Automations) != 1 {
		t.Fatalf("automations=%d", len(list.Automations))
	}

	rec = g.do(t, http.MethodPost, "/automations/"+created.ID+"/pause", "")
	if paused := decodeBody[automation.Automation](t, rec); !paused.Paused || paused.NextRunAt != nil {
		t.Fatalf("paused=%+v", paused)
	}
	rec = g.do(t, http.MethodPost, "/automations/"+created.ID+"/resume", "")
	if resumed := decodeBody[automation.Automation](t, rec); resumed.Paused || resumed.NextRunAt == nil {
		t.Fatalf("resumed=%+v", resumed)
	}

	rec = g.do(t, http.MethodGet, "/automations/"+created.ID+"/runs", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"run_ids":[]`) {
		t.Fatalf("runs status=%d body=%s", rec.Code, rec.Body.String())
	}

	if rec := g.do(t, http.MethodDelete, "/automations/"+created.ID, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete status=%d", rec.Code)
	}
	if rec := g.do(t, http.MethodGet, "/automations/"+created.ID, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("get deleted status=%d", rec.Code)
	}
}

func TestCreateAutomation_Rejects(t *testing.T) {
	g := newTestGateway(t, 1, -1)

	if rec := g.do(t, http.MethodPost, "/automations", `{"agent_id":"echo","frequency":"hourly"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad frequency status=%d", rec.Code)
	}
	if rec := g.do(t, http.MethodPost, "/automations", `{"agent_id":"echo","frequency":"daily","input":"x"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("string input status=%d", rec.Code)
	}
	if rec := g.do(t, http.MethodPost, "/automations", `{"agent_id":"ghost","frequency":"daily"}`); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown agent status=%d", rec.Code)
	}
}
