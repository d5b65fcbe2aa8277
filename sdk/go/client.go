package onboardgatesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Client is a minimal onboarding gate HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	OrgID       string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration

	mu       sync.Mutex
	lastGate *GateState
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// GateState is the published gate verdict.
type GateState struct {
	Complete  bool   `json:"complete"`
	NextStep  string `json:"nextStep,omitempty"`
	ETag      string `json:"etag"`
	UpdatedAt int64  `json:"updatedAt"`
}

// Explanation shows how the flow was walked.
type Explanation struct {
	Complete bool     `json:"complete"`
	NextStep string   `json:"nextStep,omitempty"`
	Missing  string   `json:"missing,omitempty"`
	Path     []string `json:"path"`
	ETag     string   `json:"etag"`
}

type Requirement struct {
	Key      string `json:"key"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
}

type Step struct {
	ID           string        `json:"id"`
	Title        string        `json:"title"`
	Actor        string        `json:"actor"`
	Requirements []Requirement `json:"requirements"`
	Next         string        `json:"next,omitempty"`
	Branch       bool          `json:"branch,omitempty"`
}

type Snapshot struct {
	UserID    string         `json:"user_id"`
	OrgID     string         `json:"org_id"`
	Doc       map[string]any `json:"doc"`
	CreatedAt string         `json:"created_at,omitempty"`
	UpdatedAt string         `json:"updated_at,omitempty"`
}

type Me struct {
	UserID     string    `json:"user_id"`
	OrgID      string    `json:"org_id"`
	Roles      []string  `json:"roles"`
	Source     string    `json:"source"`
	Onboarding GateState `json:"onboarding"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	OrgID      string `json:"org_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	Key       string `json:"key"`
	Name      string `json:"name,omitempty"`
	OrgID     string `json:"org_id,omitempty"`
	CreatedAt string `json:"created_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Gate returns the caller's gate state. The last state is remembered and sent
// back as If-None-Match, so an unchanged verdict costs a 304 and no body.
func (c *Client) Gate(ctx context.Context) (GateState, error) {
	c.mu.Lock()
	last := c.lastGate
	c.mu.Unlock()

	header := http.Header{}
	if last != nil && last.ETag != "" {
		header.Set("If-None-Match", `"`+last.ETag+`"`)
	}
	var resp GateState
	status, err := c.doWithHeaders(ctx, http.MethodGet, "onboarding/gate", header, nil, &resp)
	if err != nil {
		return GateState{}, err
	}
	if status == http.StatusNotModified && last != nil {
		return *last, nil
	}
	c.mu.Lock()
	c.lastGate = &resp
	c.mu.Unlock()
	return resp, nil
}

// Explain returns the flow walk behind the gate verdict.
func (c *Client) Explain(ctx context.Context) (Explanation, error) {
	var resp Explanation
	err := c.do(ctx, http.MethodGet, "onboarding/gate/explain", nil, &resp)
	return resp, err
}

// Flow lists the onboarding steps.
func (c *Client) Flow(ctx context.Context) ([]Step, error) {
	var resp []Step
	err := c.do(ctx, http.MethodGet, "onboarding/flow", nil, &resp)
	return resp, err
}

// Me returns the authenticated principal and its onboarding state.
func (c *Client) Me(ctx context.Context) (Me, error) {
	var resp Me
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

// Snapshot returns the caller's facts.
func (c *Client) Snapshot(ctx context.Context) (Snapshot, error) {
	var resp Snapshot
	err := c.do(ctx, http.MethodGet, "onboarding/snapshot", nil, &resp)
	return resp, err
}

// SetFacts sets facts by dotted path, e.g. {"user.verified": true}.
func (c *Client) SetFacts(ctx context.Context, fields map[string]any) (Snapshot, error) {
	var resp Snapshot
	err := c.do(ctx, http.MethodPatch, "onboarding/snapshot", map[string]any{"fields": fields}, &resp)
	return resp, err
}

// ReplaceSnapshot overwrites the caller's facts with doc.
func (c *Client) ReplaceSnapshot(ctx context.Context, doc map[string]any) (Snapshot, error) {
	var resp Snapshot
	err := c.do(ctx, http.MethodPut, "onboarding/snapshot", map[string]any{"doc": doc}, &resp)
	return resp, err
}

// Events returns recent events for the caller.
func (c *Client) Events(ctx context.Context, evtType string, limit int) ([]Event, error) {
	q := url.Values{}
	if evtType != "" {
		q.Set("type", evtType)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	endpoint := "onboarding/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CreateAPIKey issues a key for the caller. The plaintext is only returned here.
func (c *Client) CreateAPIKey(ctx context.Context, name string) (APIKey, error) {
	var resp APIKey
	err := c.do(ctx, http.MethodPost, "auth/api-keys", map[string]any{"name": name}, &resp)
	return resp, err
}

// RevokeAPIKey deletes one of the caller's keys.
func (c *Client) RevokeAPIKey(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "auth/api-keys/"+url.PathEscape(id), nil, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	_, err := c.doWithHeaders(ctx, method, endpoint, nil, body, out)
	return err
}

func (c *Client) doWithHeaders(ctx context.Context, method, endpoint string, header http.Header, body any, out any) (int, error) {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(endpoint), &buf)
	if err != nil {
		return 0, err
	}
	for k, vals := range header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	if c.OrgID != "" {
		req.Header.Set("X-Org-Id", c.OrgID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotModified {
		return resp.StatusCode, nil
	}
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return resp.StatusCode, json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode, nil
}

func (c *Client) url(endpoint string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base + "/" + strings.TrimLeft(endpoint, "/")
}
