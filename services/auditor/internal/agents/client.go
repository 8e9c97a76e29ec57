// Package agents talks to the conversational agent runtime: thread, message
// and run primitives plus the blocking verification gate built on them.
package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type Thread struct {
	ID string `json:"id"`
}

// Run statuses mirror the runtime's lifecycle; terminal ones end the poll
// loop.
const (
	RunCompleted      = "completed"
	RunFailed         = "failed"
	RunCancelled      = "cancelled"
	RunRequiresAction = "requires_action"
)

type Run struct {
	ID        string         `json:"id"`
	Status    string         `json:"status"`
	LastError map[string]any `json:"last_error"`
}

// Message keeps role and content loosely typed: runtime versions disagree on
// their wire shapes and the reply adapter normalizes them.
type Message struct {
	Role    any `json:"role"`
	Content any `json:"content"`
}

type messageList struct {
	Data []Message `json:"data"`
}

type runStepList struct {
	Data []map[string]any `json:"data"`
}

func (c *Client) CreateThread(ctx context.Context) (string, error) {
	th, err := postJSON[Thread](ctx, c, "/threads", map[string]any{})
	if err != nil {
		return "", err
	}
	if th.ID == "" {
		return "", fmt.Errorf("thread creation returned no thread id")
	}
	return th.ID, nil
}

func (c *Client) CreateMessage(ctx context.Context, threadID, role, content string) error {
	_, err := postJSON[map[string]any](ctx, c,
		"/threads/"+url.PathEscape(threadID)+"/messages",
		map[string]any{"role": role, "content": content})
	return err
}

func (c *Client) CreateRun(ctx context.Context, threadID, agentID string) (string, error) {
	run, err := postJSON[Run](ctx, c,
		"/threads/"+url.PathEscape(threadID)+"/runs",
		map[string]any{"agent_id": agentID})
	if err != nil {
		return "", err
	}
	if run.ID == "" {
		return "", fmt.Errorf("run creation returned no run id")
	}
	return run.ID, nil
}

func (c *Client) GetRun(ctx context.Context, threadID, runID string) (*Run, error) {
	return getJSON[Run](ctx, c,
		"/threads/"+url.PathEscape(threadID)+"/runs/"+url.PathEscape(runID), nil)
}

func (c *Client) ListMessages(ctx context.Context, threadID string, limit int) ([]Message, error) {
	q := url.Values{}
	q.Set("order", "desc")
	q.Set("limit", fmt.Sprint(limit))
	list, err := getJSON[messageList](ctx, c, "/threads/"+url.PathEscape(threadID)+"/messages", q)
	if err != nil {
		return nil, err
	}
	return list.Data, nil
}

func (c *Client) ListRunSteps(ctx context.Context, threadID, runID string) ([]map[string]any, error) {
	list, err := getJSON[runStepList](ctx, c,
		"/threads/"+url.PathEscape(threadID)+"/runs/"+url.PathEscape(runID)+"/steps", nil)
	if err != nil {
		return nil, err
	}
	return list.Data, nil
}

func postJSON[T any](ctx context.Context, c *Client, path string, in any) (*T, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return doJSON[T](c, req)
}

func getJSON[T any](ctx context.Context, c *Client, path string, q url.Values) (*T, error) {
	u := c.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	return doJSON[T](c, req)
}

func doJSON[T any](c *Client, req *http.Request) (*T, error) {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var errBody map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return nil, fmt.Errorf("agent runtime http %d: %v", resp.StatusCode, errBody)
	}
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}
