package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/tombee/stagehand/internal/shell"
)

// DispatchRequest describes one dispatch step.
type DispatchRequest struct {
	// Repository is the target in owner/name form
	Repository string

	// EventType is the dispatched event type
	EventType string

	// Payload is sent as client_payload
	Payload map[string]string

	// Env is the step environment in KEY=VALUE form (used by hook dispatchers)
	Env []string

	// Dir is the workspace
	Dir string
}

// Dispatcher triggers an event in another repository.
type Dispatcher interface {
	Dispatch(ctx context.Context, req DispatchRequest) error
}

// HTTPDispatcher calls the repository dispatch REST endpoint.
type HTTPDispatcher struct {
	baseURL     string
	token       string
	client      *http.Client
	rateLimiter *rate.Limiter
}

// NewHTTPDispatcher creates a dispatcher for the API at baseURL. Requests
// are limited to perSecond with a burst of one. A nil client means a plain
// client with a 30s timeout.
func NewHTTPDispatcher(baseURL, token string, perSecond float64, client *http.Client) *HTTPDispatcher {
	if perSecond <= 0 {
		perSecond = 1
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPDispatcher{
		baseURL:     strings.TrimRight(baseURL, "/"),
		token:       token,
		client:      client,
		rateLimiter: rate.NewLimiter(rate.Limit(perSecond), 1),
	}
}

type dispatchBody struct {
	EventType     string            `json:"event_type"`
	ClientPayload map[string]string `json:"client_payload,omitempty"`
}

// Dispatch implements Dispatcher.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, req DispatchRequest) error {
	if d.token == "" {
		return fmt.Errorf("dispatch to %s: no API token available", req.Repository)
	}
	if err := d.rateLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("dispatch rate limit: %w", err)
	}

	body, err := json.Marshal(dispatchBody{EventType: req.EventType, ClientPayload: req.Payload})
	if err != nil {
		return fmt.Errorf("failed to encode dispatch body: %w", err)
	}

	url := fmt.Sprintf("%s/repos/%s/dispatches", d.baseURL, req.Repository)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create dispatch request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/vnd.github+json")
	httpReq.Header.Set("Authorization", "Bearer "+d.token)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("dispatch to %s: %w", req.Repository, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("dispatch to %s: HTTP %d: %s", req.Repository, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// HookDispatcher dispatches by running a command with DISPATCH_REPOSITORY,
// DISPATCH_EVENT_TYPE and DISPATCH_PAYLOAD (JSON) in its environment.
type HookDispatcher struct {
	Command  string
	Shell    string
	Executor shell.Executor
}

// Dispatch implements Dispatcher.
func (d *HookDispatcher) Dispatch(ctx context.Context, req DispatchRequest) error {
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode dispatch payload: %w", err)
	}
	env := append(append([]string{}, req.Env...),
		"DISPATCH_REPOSITORY="+req.Repository,
		"DISPATCH_EVENT_TYPE="+req.EventType,
		"DISPATCH_PAYLOAD="+string(payload),
	)
	res, err := d.Executor.Execute(ctx, shell.Command{
		Name:   "dispatch",
		Script: d.Command,
		Shell:  d.Shell,
		Dir:    req.Dir,
		Env:    env,
	})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("dispatch command exited with code %d: %s", res.ExitCode, strings.TrimSpace(res.Output))
	}
	return nil
}
