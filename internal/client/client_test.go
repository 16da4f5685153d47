package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/animus-labs/agent-gateway/internal/domain"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL+"/", srv.Client())
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	return c
}

func TestNew_ValidatesURL(t *testing.T) {
	for _, raw := range []string{"ftp://x", "localhost:8000", "http://"} {
		if _, err := New(raw, nil); err == nil {
			t.Fatalf("New(%q) expected error", raw)
		}
	}
	c, err := New("", nil)
	if err != nil || c.baseURL != DefaultBaseURL {
		t.Fatalf("New(\"\")=%v err=%v", c, err)
	}
}

func TestSubmit(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/runs" {
			t.Errorf("request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-Request-Id") == "" {
			t.Errorf("missing request id")
		}
		var req SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.AgentID != "echo" || string(req.Input) != `{"q":1}` {
			t.Errorf("req=%+v", req)
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, `{"run_id":"r1","agent_id":"echo","state":"queued","queue_position":2}`)
	})

	resp, err := c.Submit(context.Background(), SubmitRequest{AgentID: "echo", Input: json.RawMessage(`{"q":1}`)})
	if err != nil {
		t.Fatalf("Submit() err=%v", err)
	}
	if resp.RunID != "r1" || resp.State != domain.RunStateQueued || resp.QueuePosition == nil || *resp.QueuePosition != 2 {
		t.Fatalf("resp=%+v", resp)
	}
}

func TestGet_SendsWait(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/runs/r1" || r.URL.Query().Get("wait") != "1500" {
			t.Errorf("request %s?%s", r.URL.Path, r.URL.RawQuery)
		}
		_, _ = io.WriteString(w, `{"run_id":"r1","state":"running","wait_timed_out":true}`)
	})

	run, err := c.Get(context.Background(), "r1", 1500*time.Millisecond)
	if err != nil {
		t.Fatalf("Get() err=%v", err)
	}
	if run.ID != "r1" || run.State != domain.RunStateRunning || !run.WaitTimedOut {
		t.Fatalf("run=%+v", run)
	}
}

func TestList_Query(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != "failed" || q.Get("agent_id") != "echo" || q.Get("limit") != "5" {
			t.Errorf("query=%s", r.URL.RawQuery)
		}
		_, _ = io.WriteString(w, `{"runs":[{"run_id":"a","state":"failed"},{"run_id":"b","state":"failed"}]}`)
	})

	items, err := c.List(context.Background(), ListOptions{State: domain.RunStateFailed, AgentID: "echo", Limit: 5})
	if err != nil {
		t.Fatalf("List() err=%v", err)
	}
	if len(items) != 2 || items[0].ID != "a" {
		t.Fatalf("items=%+v", items)
	}
}

func TestAPIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = io.WriteString(w, `{"error":"capacity_exceeded","message":"queue full","request_id":"req-1"}`)
	})

	_, err := c.Submit(context.Background(), SubmitRequest{AgentID: "echo"})
	if !IsCode(err, "capacity_exceeded") {
		t.Fatalf("err=%v, want capacity_exceeded", err)
	}
	apiErr := err.(*APIError)
	if apiErr.Status != http.StatusTooManyRequests || apiErr.RequestID != "req-1" {
		t.Fatalf("apiErr=%+v", apiErr)
	}
}

func TestAPIError_NonJSONBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	})

	_, err := c.Health(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadGateway || apiErr.Message != "upstream down" {
		t.Fatalf("err=%v", err)
	}
}

func TestCancelAndAgents(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/runs/r1/cancel":
			w.WriteHeader(http.StatusAccepted)
			_, _ = io.WriteString(w, `{"run_id":"r1","state":"running"}`)
		case r.Method == http.MethodGet && r.URL.Path == "/agents":
			_, _ = io.WriteString(w, `{"agents":[{"id":"echo","kind":"echo"}]}`)
		default:
			http.NotFound(w, r)
		}
	})

	run, err := c.Cancel(context.Background(), "r1")
	if err != nil || run.State != domain.RunStateRunning {
		t.Fatalf("Cancel()=%+v err=%v", run, err)
	}
	agents, err := c.Agents(context.Background())
	if err != nil || len(agents) != 1 || agents[0].ID != "echo" {
		t.Fatalf("Agents()=%+v err=%v", agents, err)
	}
}
