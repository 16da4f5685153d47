// Package client is a small HTTP client for the agent gateway API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/animus-labs/agent-gateway/internal/domain"
	"github.com/animus-labs/agent-gateway/internal/execution"
	"github.com/animus-labs/agent-gateway/internal/platform/requestid"
)

const DefaultBaseURL = "http://localhost:8000"

// maxBody bounds how much of any response is read.
const maxBody = 8 << 20

type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a client for baseURL. A nil httpClient gets a default with no
// overall timeout, since waits are bounded server side.
func New(baseURL string, httpClient *http.Client) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid server url: %q", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{baseURL: baseURL, http: httpClient}, nil
}

// APIError is a non-2xx answer from the gateway.
type APIError struct {
	Status    int    `json:"-"`
	Code      string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway: status=%d %s", e.Status, e.Code)
	}
	return fmt.Sprintf("gateway: status=%d %s: %s", e.Status, e.Code, e.Message)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

type SubmitRequest struct {
	AgentID    string          `json:"agent_id"`
	Input      json.RawMessage `json:"input,omitempty"`
	Config     json.RawMessage `json:"config,omitempty"`
	StreamMode []string        `json:"stream_mode,omitempty"`
}

type SubmitResponse struct {
	RunID         string          `json:"run_id"`
	AgentID       string          `json:"agent_id"`
	State         domain.RunState `json:"state"`
	QueuePosition *int            `json:"queue_position,omitempty"`
}

// Run is a run snapshot as the gateway reports it.
type Run struct {
	domain.Run
	QueuePosition *int `json:"queue_position,omitempty"`
	WaitTimedOut  bool `json:"wait_timed_out,omitempty"`
}

type ListOptions struct {
	State   domain.RunState
	AgentID string
	Limit   int
}

type Health struct {
	Status          string         `json:"status"`
	Concurrency     map[string]any `json:"concurrency"`
	AvailableAgents []string       `json:"available_agents"`
}

func (c *Client) Submit(ctx context.Context, req SubmitRequest) (SubmitResponse, error) {
	var out SubmitResponse
	err := c.doJSON(ctx, http.MethodPost, "/runs", nil, req, &out)
	return out, err
}

// Get fetches a run. A positive wait long-polls until the run is terminal or
// the wait elapses, in which case the returned run has WaitTimedOut set.
func (c *Client) Get(ctx context.Context, runID string, wait time.Duration) (Run, error) {
	q := url.Values{}
	if wait > 0 {
		q.Set("wait", strconv.FormatInt(wait.Milliseconds(), 10))
	}
	var out Run
	err := c.doJSON(ctx, http.MethodGet, "/runs/"+url.PathEscape(runID), q, nil, &out)
	return out, err
}

func (c *Client) Cancel(ctx context.Context, runID string) (domain.Run, error) {
	var out domain.Run
	err := c.doJSON(ctx, http.MethodPost, "/runs/"+url.PathEscape(runID)+"/cancel", nil, nil, &out)
	return out, err
}

func (c *Client) List(ctx context.Context, opts ListOptions) ([]domain.Run, error) {
	q := url.Values{}
	if opts.State != "" {
		q.Set("state", string(opts.State))
	}
	if opts.AgentID != "" {
		q.Set("agent_id", opts.AgentID)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	var out struct {
		Runs []domain.Run `json:"runs"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/runs", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Runs, nil
}

func (c *Client) Agents(ctx context.Context) ([]execution.AgentInfo, error) {
	var out struct {
		Agents []execution.AgentInfo `json:"agents"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/agents", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	var out Health
	err := c.doJSON(ctx, http.MethodGet, "/health", nil, nil, &out)
	return out, err
}

func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, in any, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(requestid.Header, requestid.NewOrFallback("agentctl"))

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		if jsonErr := json.Unmarshal(raw, apiErr); jsonErr != nil || apiErr.Code == "" {
			apiErr.Code = http.StatusText(resp.StatusCode)
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
