package routelinesdk

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

// Client is a minimal Routeline HTTP API client for agent runtimes.
type Client struct {
	BaseURL     string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no bearer token is set. The server only
	// honours it with --allow-actor-header.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base path,
// e.g. http://127.0.0.1:8080/v0.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Intent is what an agent declares before acting.
type Intent struct {
	AgentID          string         `json:"agent_id"`
	AgentName        string         `json:"agent_name,omitempty"`
	Type             string         `json:"type"`
	Description      string         `json:"description,omitempty"`
	Target           string         `json:"target"`
	AffectedServices []string       `json:"affected_services,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// Action is the routed intent (partial).
type Action struct {
	ID               string   `json:"id"`
	AgentID          string   `json:"agent_id"`
	Type             string   `json:"type"`
	Target           string   `json:"target"`
	AffectedServices []string `json:"affected_services"`
	Routing          string   `json:"routing"`
	RuleID           *string  `json:"rule_id,omitempty"`
	Status           string   `json:"status"`
	StartedAt        string   `json:"started_at"`
	DurationMs       *int64   `json:"duration_ms,omitempty"`
	IncidentID       *string  `json:"incident_id,omitempty"`
	Stale            bool     `json:"stale"`
}

// MayProceed reports whether the agent can start executing without approval.
func (a Action) MayProceed() bool {
	return a.Routing == "auto_execute" || a.Routing == "monitored_execute"
}

// Incident represents an incident (partial).
type Incident struct {
	ID               string   `json:"id"`
	Title            string   `json:"title"`
	Severity         string   `json:"severity"`
	Status           string   `json:"status"`
	StartTime        string   `json:"start_time"`
	AffectedServices []string `json:"affected_services"`
	Responders       []string `json:"responders"`
	TTI              *int64   `json:"tti"`
	MTTR             *int64   `json:"mttr"`
}

// Event represents an audit log entry.
type Event struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedActions wraps action listings with cursors.
type PaginatedActions struct {
	Items      []Action `json:"items"`
	NextCursor string   `json:"next_cursor"`
}

// PaginatedEvents wraps event listings with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// SubmitAction declares an intent and returns the routing outcome.
func (c *Client) SubmitAction(ctx context.Context, intent Intent) (Action, error) {
	var resp Action
	err := c.do(ctx, http.MethodPost, "actions", intent, &resp)
	return resp, err
}

// GetAction fetches an action by id.
func (c *Client) GetAction(ctx context.Context, id string) (Action, error) {
	var resp Action
	err := c.do(ctx, http.MethodGet, "actions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ReportStatus reports an execution status. durationMs may be nil.
func (c *Client) ReportStatus(ctx context.Context, id, status string, durationMs *int64) (Action, error) {
	body := map[string]any{"status": status}
	if durationMs != nil {
		body["duration_ms"] = *durationMs
	}
	var resp Action
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("actions/%s/status", url.PathEscape(id)), body, &resp)
	return resp, err
}

// Approve approves a pending gated or blocked action.
func (c *Client) Approve(ctx context.Context, id string) (Action, error) {
	var resp Action
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("actions/%s/approve", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// Reject rejects a pending action.
func (c *Client) Reject(ctx context.Context, id, reason string) (Action, error) {
	var resp Action
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("actions/%s/reject", url.PathEscape(id)), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// ActionsPage returns a page of actions, newest first.
func (c *Client) ActionsPage(ctx context.Context, routing, status string, limit int, cursor string) (PaginatedActions, error) {
	q := url.Values{}
	if routing != "" {
		q.Set("routing", routing)
	}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedActions
	err := c.do(ctx, http.MethodGet, withQuery("actions", q), nil, &resp)
	return resp, err
}

// WaitForDecision polls a gated or blocked action until it leaves pending or ctx ends.
func (c *Client) WaitForDecision(ctx context.Context, id string, every time.Duration) (Action, error) {
	if every <= 0 {
		every = 2 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		a, err := c.GetAction(ctx, id)
		if err != nil {
			return a, err
		}
		if a.Status != "pending" {
			return a, nil
		}
		select {
		case <-ctx.Done():
			return a, ctx.Err()
		case <-ticker.C:
		}
	}
}

// OpenIncident opens an incident, optionally linked to the action that caused it.
func (c *Client) OpenIncident(ctx context.Context, title, severity, rootCauseActionID string, services []string) (Incident, error) {
	body := map[string]any{
		"title":             title,
		"severity":          severity,
		"affected_services": services,
	}
	if rootCauseActionID != "" {
		body["root_cause_action_id"] = rootCauseActionID
	}
	var resp Incident
	err := c.do(ctx, http.MethodPost, "incidents", body, &resp)
	return resp, err
}

// AppendIncidentEvent adds a timeline event to an incident.
func (c *Client) AppendIncidentEvent(ctx context.Context, id, eventType, description string) (Incident, error) {
	body := map[string]any{
		"type":        eventType,
		"description": description,
	}
	var resp Incident
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("incidents/%s/events", url.PathEscape(id)), body, &resp)
	return resp, err
}

// EventsPage returns a paginated audit event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
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
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}
