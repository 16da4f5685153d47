package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const KindHTTP = "http"

// HTTPUnit forwards a run to an upstream agent server. The request body
// mirrors the gateway's own submission shape so a framework dev server can
// sit behind it unchanged. An upstream answering with an event stream has
// its events relayed as run output; the last "values" event is the result.
type HTTPUnit struct {
	URL         string
	AssistantID string
	Headers     map[string]string
	Client      *http.Client
	// MaxResponseBytes caps the upstream body read into memory.
	MaxResponseBytes int64
}

func NewHTTPUnit(rawURL, assistantID string, headers map[string]string) (*HTTPUnit, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("url must be http or https: %q", rawURL)
	}
	return &HTTPUnit{
		URL:              u.String(),
		AssistantID:      assistantID,
		Headers:          headers,
		Client:           &http.Client{Transport: newTransport()},
		MaxResponseBytes: 64 << 20,
	}, nil
}

type upstreamRequest struct {
	AssistantID string          `json:"assistant_id"`
	RunID       string          `json:"run_id"`
	Input       json.RawMessage `json:"input"`
	Config      json.RawMessage `json:"config,omitempty"`
	StreamMode  []string        `json:"stream_mode,omitempty"`
}

func (u *HTTPUnit) Execute(ctx context.Context, in Input) (json.RawMessage, error) {
	assistant := u.AssistantID
	if assistant == "" {
		assistant = in.AgentID
	}
	payload := in.Payload
	if payload == nil {
		payload = json.RawMessage(`{}`)
	}
	body, err := json.Marshal(upstreamRequest{
		AssistantID: assistant,
		RunID:       in.RunID,
		Input:       payload,
		Config:      in.Config,
		StreamMode:  in.StreamMode,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range u.Headers {
		req.Header.Set(k, v)
	}

	resp, err := u.Client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	limit := u.MaxResponseBytes
	if limit <= 0 {
		limit = 64 << 20
	}
	if isEventStream(resp.Header.Get("Content-Type")) && resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return relayEvents(ctx, resp.Body, limit, in)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}
	if int64(len(raw)) > limit {
		return nil, fmt.Errorf("upstream response exceeds %d bytes", limit)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("upstream status %d: %s", resp.StatusCode, tail(string(raw), 512))
	}

	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return json.RawMessage(`null`), nil
	}
	if !json.Valid(raw) {
		return nil, errors.New("upstream returned invalid JSON")
	}
	return json.RawMessage(raw), nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
