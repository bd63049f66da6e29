package diwansdk

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

// Client is a minimal Diwan HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
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

// Case represents the API case model (partial).
type Case struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Status      string         `json:"status"`
	Title       string         `json:"title"`
	Question    *string        `json:"question,omitempty"`
	Answer      *string        `json:"answer,omitempty"`
	AnsweredBy  *string        `json:"answered_by,omitempty"`
	Parties     map[string]any `json:"parties,omitempty"`
	CreatedBy   string         `json:"created_by"`
	AssignedTo  *string        `json:"assigned_to,omitempty"`
	Outcome     *string        `json:"outcome,omitempty"`
	ShaykhNotes *string        `json:"shaykh_notes,omitempty"`
	CreatedAt   string         `json:"created_at"`
	UpdatedAt   string         `json:"updated_at"`
}

// Meeting represents a scheduled session on a case.
type Meeting struct {
	ID       string  `json:"id"`
	CaseID   string  `json:"case_id"`
	Date     string  `json:"date"`
	Time     *string `json:"time,omitempty"`
	Location *string `json:"location,omitempty"`
	Notes    *string `json:"notes,omitempty"`
	Status   string  `json:"status"`
}

// Meetings splits sessions around today.
type Meetings struct {
	Upcoming []Meeting `json:"upcoming"`
	Past     []Meeting `json:"past"`
}

// Feedback represents one entry in a case discussion thread.
type Feedback struct {
	ID         string `json:"id"`
	CaseID     string `json:"case_id"`
	AuthorID   string `json:"author_id"`
	AuthorRole string `json:"author_role"`
	Comment    string `json:"comment"`
	Date       string `json:"date"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    *string        `json:"actor_id,omitempty"`
	Payload    map[string]any `json:"payload"`
}

// Identity is the resolved principal for the current credentials.
type Identity struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role"`
	Source  string `json:"source"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedCases wraps list responses with cursors.
type PaginatedCases struct {
	Items      []Case `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// CreateCase opens a new case.
func (c *Client) CreateCase(ctx context.Context, caseType, title, question string, parties map[string]any) (Case, error) {
	body := map[string]any{
		"type":  caseType,
		"title": title,
	}
	if question != "" {
		body["question"] = question
	}
	if parties != nil {
		body["parties"] = parties
	}
	var resp Case
	err := c.do(ctx, http.MethodPost, "v1/cases", body, &resp)
	return resp, err
}

// GetCase fetches a case by id.
func (c *Client) GetCase(ctx context.Context, id string) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v1/cases/%s", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// ListCases returns a page of cases matching the filters. Empty filter
// values are omitted.
func (c *Client) ListCases(ctx context.Context, caseType, status string, limit int, cursor string) (PaginatedCases, error) {
	q := url.Values{}
	if caseType != "" {
		q.Set("type", caseType)
	}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v1/cases"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedCases
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Act applies a lifecycle action to a case. The body carries the
// action's parameters, e.g. {"assigned_to": "..."} for assign.
func (c *Client) Act(ctx context.Context, caseID, action string, body map[string]any) (Case, error) {
	if body == nil {
		body = map[string]any{}
	}
	var resp Case
	endpoint := fmt.Sprintf("v1/cases/%s/actions/%s", url.PathEscape(caseID), url.PathEscape(action))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// AllowedActions lists the actions the caller may attempt on a case.
func (c *Client) AllowedActions(ctx context.Context, caseID string) ([]string, error) {
	var resp struct {
		Actions []string `json:"actions"`
	}
	endpoint := fmt.Sprintf("v1/cases/%s/allowed-actions", url.PathEscape(caseID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Actions, err
}

// Meetings returns a case's meetings split into upcoming and past.
func (c *Client) Meetings(ctx context.Context, caseID string) (Meetings, error) {
	var resp Meetings
	endpoint := fmt.Sprintf("v1/cases/%s/meetings", url.PathEscape(caseID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Feedback returns a case's feedback thread in insertion order.
func (c *Client) Feedback(ctx context.Context, caseID string) ([]Feedback, error) {
	var resp []Feedback
	endpoint := fmt.Sprintf("v1/cases/%s/feedback", url.PathEscape(caseID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent audit events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v1/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Me returns the identity behind the configured credentials.
func (c *Client) Me(ctx context.Context) (Identity, error) {
	var resp Identity
	err := c.do(ctx, http.MethodGet, "v1/me", nil, &resp)
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
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
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
