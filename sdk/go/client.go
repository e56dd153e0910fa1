package tracelinesdk

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
)

// Client is a minimal Traceline HTTP API client for producers.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

type sessionHintKey struct{}

// WithSessionHint returns a context carrying a session attribution hint.
// Producers thread it through their call stack explicitly; PutEvent picks it
// up when the event itself names no session.
func WithSessionHint(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionHintKey{}, sessionID)
}

// SessionHint returns the hint carried by ctx, if any.
func SessionHint(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(sessionHintKey{}).(string)
	return s, ok && s != ""
}

// Event represents the API event model.
type Event struct {
	ID              string         `json:"id"`
	SessionID       string         `json:"session_id"`
	ParentID        *string        `json:"parent_id,omitempty"`
	PendingParentID *string        `json:"pending_parent_id,omitempty"`
	Kind            string         `json:"kind"`
	Context         map[string]any `json:"context,omitempty"`
	Status          string         `json:"status"`
	StartedAt       string         `json:"started_at"`
	EndedAt         *string        `json:"ended_at,omitempty"`
	DurationSecs    *float64       `json:"duration_secs,omitempty"`
	NeedsSession    bool           `json:"needs_session,omitempty"`
	Counters        Counters       `json:"counters"`
}

// Counters are the rolled-up subtree aggregates on an event.
type Counters struct {
	DescendantCount   int     `json:"descendant_count"`
	TotalDurationSecs float64 `json:"total_duration_secs"`
	SuccessCount      int     `json:"success_count"`
	ErrorCount        int     `json:"error_count"`
}

// Session represents the API session model.
type Session struct {
	ID           string `json:"id"`
	Agent        string `json:"agent,omitempty"`
	Status       string `json:"status"`
	CreatedAt    string `json:"created_at"`
	LastActiveAt string `json:"last_active_at"`
}

// Correlation maps an externally issued id to an event id.
type Correlation struct {
	ExternalID string `json:"external_id"`
	EventID    string `json:"event_id"`
	CreatedAt  string `json:"created_at"`
}

// TreeNode is an event with its resolved children.
type TreeNode struct {
	Event    Event       `json:"event"`
	Children []*TreeNode `json:"children,omitempty"`
}

// Snapshot is a full session tree tagged with the revision it reflects.
type Snapshot struct {
	SessionID string      `json:"session_id"`
	Revision  int64       `json:"revision"`
	Roots     []*TreeNode `json:"roots"`
}

// PutRequest is the ingestion payload. All fields but Kind are optional;
// resubmitting the same ID merges more advanced fields into the stored event.
type PutRequest struct {
	ID           string         `json:"id,omitempty"`
	SessionID    string         `json:"session_id,omitempty"`
	SessionHint  string         `json:"session_hint,omitempty"`
	ParentID     string         `json:"parent_id,omitempty"`
	Kind         string         `json:"kind"`
	Context      map[string]any `json:"context,omitempty"`
	Status       string         `json:"status,omitempty"`
	StartedAt    string         `json:"started_at,omitempty"`
	EndedAt      string         `json:"ended_at,omitempty"`
	DurationSecs *float64       `json:"duration_secs,omitempty"`
	Agent        string         `json:"agent,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PutEvent submits one event. If the request names no session and ctx carries
// a hint from WithSessionHint, the hint rides along.
func (c *Client) PutEvent(ctx context.Context, req PutRequest) (Event, error) {
	if req.SessionID == "" && req.SessionHint == "" {
		if hint, ok := SessionHint(ctx); ok {
			req.SessionHint = hint
		}
	}
	var resp Event
	err := c.do(ctx, http.MethodPost, "v0/events", req, &resp)
	return resp, err
}

// GetEvent fetches one event.
func (c *Client) GetEvent(ctx context.Context, id string) (Event, error) {
	var resp Event
	err := c.do(ctx, http.MethodGet, "v0/events/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Children lists the direct children of an event.
func (c *Client) Children(ctx context.Context, id string) ([]Event, error) {
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/events/%s/children", url.PathEscape(id)), nil, &resp)
	return resp.Items, err
}

// Descendants lists the full subtree below an event, parent before child.
func (c *Client) Descendants(ctx context.Context, id string) ([]Event, error) {
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/events/%s/descendants", url.PathEscape(id)), nil, &resp)
	return resp.Items, err
}

// Sessions lists sessions, optionally filtered by status.
func (c *Client) Sessions(ctx context.Context, status string) ([]Session, error) {
	endpoint := "v0/sessions"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp struct {
		Items []Session `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// EndSession marks a session ended.
func (c *Client) EndSession(ctx context.Context, id string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/sessions/%s/end", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// AdoptOrphans re-attributes unattributed root events to the session and
// returns how many moved.
func (c *Client) AdoptOrphans(ctx context.Context, id string) (int, error) {
	var resp struct {
		Adopted int `json:"adopted"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/sessions/%s/adopt-orphans", url.PathEscape(id)), nil, &resp)
	return resp.Adopted, err
}

// Tree fetches the current tree snapshot for a session.
func (c *Client) Tree(ctx context.Context, sessionID string) (Snapshot, error) {
	var resp Snapshot
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/sessions/%s/tree", url.PathEscape(sessionID)), nil, &resp)
	return resp, err
}

// RecordCorrelation records an externally issued id for an event.
func (c *Client) RecordCorrelation(ctx context.Context, externalID, eventID string) (Correlation, error) {
	body := map[string]any{
		"external_id": externalID,
		"event_id":    eventID,
	}
	var resp Correlation
	err := c.do(ctx, http.MethodPost, "v0/correlations", body, &resp)
	return resp, err
}

// LookupByExternal resolves an external id to its event.
func (c *Client) LookupByExternal(ctx context.Context, externalID string) (Correlation, error) {
	var resp Correlation
	err := c.do(ctx, http.MethodGet, "v0/correlations/external/"+url.PathEscape(externalID), nil, &resp)
	return resp, err
}

// LookupByEvent resolves an event id to its external id.
func (c *Client) LookupByEvent(ctx context.Context, eventID string) (Correlation, error) {
	var resp Correlation
	err := c.do(ctx, http.MethodGet, "v0/correlations/event/"+url.PathEscape(eventID), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
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
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
