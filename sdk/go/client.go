package fspecsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
)

// Client is a minimal fspec HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v0",
		BearerToken: token,
		Timeout:     30 * time.Second,
	}
}

// StateEntry is one entry of a work unit's state history.
type StateEntry struct {
	State                     string `json:"state"`
	Timestamp                 string `json:"timestamp"`
	Reason                    string `json:"reason,omitempty"`
	SkippedTemporalValidation bool   `json:"skippedTemporalValidation,omitempty"`
}

// VirtualHook is a hook bound to a single work unit.
type VirtualHook struct {
	Name     string `json:"name"`
	Event    string `json:"event"`
	Command  string `json:"command"`
	Blocking bool   `json:"blocking"`
	Timeout  int    `json:"timeout,omitempty"`
}

// WorkUnit represents the API work unit model (partial).
type WorkUnit struct {
	ID           string        `json:"id"`
	Type         string        `json:"type"`
	Title        string        `json:"title"`
	Status       string        `json:"status"`
	Epic         string        `json:"epic,omitempty"`
	Tags         []string      `json:"tags,omitempty"`
	StateHistory []StateEntry  `json:"stateHistory"`
	VirtualHooks []VirtualHook `json:"virtualHooks,omitempty"`
}

// HookFailure names the hook that failed and what it printed.
type HookFailure struct {
	Name     string `json:"name"`
	Event    string `json:"event"`
	ExitCode int    `json:"exitCode"`
	TimedOut bool   `json:"timedOut,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

// Checkpoint is a named snapshot of the working tree.
type Checkpoint struct {
	Name       string `json:"name"`
	Message    string `json:"message"`
	CreatedAt  string `json:"createdAt"`
	WorkUnitID string `json:"workUnitId,omitempty"`
	Kind       string `json:"kind,omitempty"`
}

// TransitionResult is the outcome of a status change.
type TransitionResult struct {
	Success             bool          `json:"success"`
	WorkUnitID          string        `json:"workUnitId"`
	PreviousStatus      string        `json:"previousStatus"`
	NewStatus           string        `json:"newStatus"`
	Checkpoint          *Checkpoint   `json:"checkpoint,omitempty"`
	Reminder            string        `json:"reminder,omitempty"`
	Warnings            []string      `json:"warnings,omitempty"`
	NonBlockingFailures []HookFailure `json:"nonBlockingFailures,omitempty"`
	PostHookFailure     *HookFailure  `json:"postHookFailure,omitempty"`
}

// TransitionOptions mirror the CLI flags of `fspec transition`.
type TransitionOptions struct {
	SkipTemporalValidation bool
	Revert                 bool
	Reason                 string
}

// CheckpointCounts are totals across all work units.
type CheckpointCounts struct {
	Manual  int    `json:"manual"`
	Auto    int    `json:"auto"`
	Display string `json:"display"`
}

// Event represents a journal entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	WorkUnitID string         `json:"work_unit_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code is the machine-readable error code when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateWorkUnit creates a work unit in backlog.
func (c *Client) CreateWorkUnit(ctx context.Context, prefix, title, unitType string) (WorkUnit, error) {
	body := map[string]any{
		"prefix": prefix,
		"title":  title,
	}
	if unitType != "" {
		body["type"] = unitType
	}
	var resp WorkUnit
	err := c.do(ctx, http.MethodPost, "work-units", body, &resp)
	return resp, err
}

// WorkUnit fetches one unit.
func (c *Client) WorkUnit(ctx context.Context, id string) (WorkUnit, error) {
	var resp WorkUnit
	err := c.do(ctx, http.MethodGet, "work-units/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// WorkUnits lists units, optionally filtered by status.
func (c *Client) WorkUnits(ctx context.Context, status string) ([]WorkUnit, error) {
	endpoint := "work-units"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []WorkUnit
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Transition moves a unit to another status. A post-hook failure is reported in the result, not as an error.
func (c *Client) Transition(ctx context.Context, id, to string, opts TransitionOptions) (TransitionResult, error) {
	body := map[string]any{
		"to":                     to,
		"skipTemporalValidation": opts.SkipTemporalValidation,
		"revert":                 opts.Revert,
	}
	if opts.Reason != "" {
		body["reason"] = opts.Reason
	}
	var resp TransitionResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("work-units/%s/transitions", url.PathEscape(id)), body, &resp)
	return resp, err
}

// AddVirtualHook attaches a hook to a unit.
func (c *Client) AddVirtualHook(ctx context.Context, id string, hook VirtualHook) (VirtualHook, error) {
	var resp VirtualHook
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("work-units/%s/virtual-hooks", url.PathEscape(id)), hook, &resp)
	return resp, err
}

// ClearVirtualHooks removes every virtual hook and returns how many were removed.
func (c *Client) ClearVirtualHooks(ctx context.Context, id string) (int, error) {
	var resp struct {
		Removed int `json:"removed"`
	}
	err := c.do(ctx, http.MethodDelete, fmt.Sprintf("work-units/%s/virtual-hooks", url.PathEscape(id)), nil, &resp)
	return resp.Removed, err
}

// Checkpoints lists a unit's checkpoints.
func (c *Client) Checkpoints(ctx context.Context, id string) ([]Checkpoint, error) {
	var resp struct {
		Checkpoints []Checkpoint `json:"checkpoints"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("work-units/%s/checkpoints", url.PathEscape(id)), nil, &resp)
	return resp.Checkpoints, err
}

// CreateCheckpoint takes a manual checkpoint.
func (c *Client) CreateCheckpoint(ctx context.Context, id, name, message string) (Checkpoint, error) {
	body := map[string]any{"name": name, "message": message}
	var resp Checkpoint
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("work-units/%s/checkpoints", url.PathEscape(id)), body, &resp)
	return resp, err
}

// RestoreCheckpoint writes a checkpoint's files back into the working tree and returns the restored paths.
func (c *Client) RestoreCheckpoint(ctx context.Context, id, name string) ([]string, error) {
	var resp struct {
		Files []string `json:"files"`
	}
	endpoint := fmt.Sprintf("work-units/%s/checkpoints/%s/restore", url.PathEscape(id), url.PathEscape(name))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp.Files, err
}

// CheckpointCounts returns manual and automatic totals.
func (c *Client) CheckpointCounts(ctx context.Context) (CheckpointCounts, error) {
	var resp CheckpointCounts
	err := c.do(ctx, http.MethodGet, "checkpoint-counts", nil, &resp)
	return resp, err
}

// WatchCheckpointCounts streams counts from the server, calling fn for each update,
// until ctx is done or the server closes the stream.
func (c *Client) WatchCheckpointCounts(ctx context.Context, fn func(CheckpointCounts)) error {
	target := "ws" + strings.TrimPrefix(c.base(), "http") + "/checkpoint-counts/stream"
	header := http.Header{}
	if c.BearerToken != "" {
		header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	opts := &websocket.DialOptions{HTTPHeader: header}
	if c.HTTPClient != nil {
		// the stream is long-lived; ctx bounds it instead of the client timeout
		hc := *c.HTTPClient
		hc.Timeout = 0
		opts.HTTPClient = &hc
	}
	conn, resp, err := websocket.Dial(ctx, target, opts)
	if err != nil {
		if resp != nil && resp.StatusCode >= 300 {
			return &APIError{StatusCode: resp.StatusCode, Message: err.Error()}
		}
		return err
	}
	defer conn.CloseNow()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || ctx.Err() != nil {
				return nil
			}
			return err
		}
		var counts CheckpointCounts
		if err := json.Unmarshal(data, &counts); err != nil {
			return fmt.Errorf("decode counts: %w", err)
		}
		fn(counts)
	}
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.Trim(c.BasePath, "/")
}
