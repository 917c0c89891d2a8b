package intakelinesdk

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

// Client is a minimal Intakeline HTTP API client.
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

// Request represents the API request model (partial).
type Request struct {
	ID            string `json:"id"`
	RequestNumber string `json:"request_number"`
	Title         string `json:"title"`
	Type          string `json:"type"`
	Priority      string `json:"priority"`
	Stage         string `json:"stage"`
	StoryPoints   *int   `json:"story_points,omitempty"`
	IsConverted   bool   `json:"is_converted"`
	IsCancelled   bool   `json:"is_cancelled"`
}

// ConvertResult names the entity a conversion produced.
type ConvertResult struct {
	Request      Request `json:"request"`
	Destination  string  `json:"destination"`
	EntityID     string  `json:"entity_id"`
	EntityNumber string  `json:"entity_number"`
}

// BulkResult reports per-request outcomes of a bulk call.
type BulkResult struct {
	Succeeded []string `json:"succeeded"`
	Failed    []struct {
		ID     string `json:"id"`
		Reason string `json:"reason"`
	} `json:"failed"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedRequests wraps list responses with cursors.
type PaginatedRequests struct {
	Items      []Request `json:"items"`
	NextCursor string    `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateRequest submits a new intake request.
func (c *Client) CreateRequest(ctx context.Context, title, reqType, priority string) (Request, error) {
	body := map[string]any{"title": title}
	if reqType != "" {
		body["type"] = reqType
	}
	if priority != "" {
		body["priority"] = priority
	}
	var resp Request
	err := c.do(ctx, http.MethodPost, "requests", body, &resp)
	return resp, err
}

// Requests lists requests, optionally filtered by stage.
func (c *Client) Requests(ctx context.Context, stage string, limit int) ([]Request, error) {
	endpoint := "requests"
	params := url.Values{}
	if stage != "" {
		params.Set("stage", stage)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp PaginatedRequests
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Transition moves a request to another stage.
func (c *Client) Transition(ctx context.Context, id, to, reason string) (Request, error) {
	body := map[string]any{"to": to}
	if reason != "" {
		body["reason"] = reason
	}
	var resp Request
	err := c.do(ctx, http.MethodPost, c.requestPath(id, "transition"), body, &resp)
	return resp, err
}

// Estimate submits an estimate for a request in the estimation stage.
func (c *Client) Estimate(ctx context.Context, id string, points int, confidence string) (Request, error) {
	body := map[string]any{"story_points": points}
	if confidence != "" {
		body["confidence"] = confidence
	}
	var resp Request
	err := c.do(ctx, http.MethodPost, c.requestPath(id, "estimate"), body, &resp)
	return resp, err
}

// Cancel marks a request cancelled.
func (c *Client) Cancel(ctx context.Context, id, reason string) (Request, error) {
	body := map[string]any{}
	if reason != "" {
		body["reason"] = reason
	}
	var resp Request
	err := c.do(ctx, http.MethodPost, c.requestPath(id, "cancel"), body, &resp)
	return resp, err
}

// Convert turns a ready request into a project or ticket. destination may
// be empty to let the server route.
func (c *Client) Convert(ctx context.Context, id, destination string) (ConvertResult, error) {
	body := map[string]any{}
	if destination != "" {
		body["destination"] = destination
	}
	var resp ConvertResult
	err := c.do(ctx, http.MethodPost, c.requestPath(id, "convert"), body, &resp)
	return resp, err
}

// BulkTransition moves many requests at once.
func (c *Client) BulkTransition(ctx context.Context, ids []string, to string) (BulkResult, error) {
	var resp BulkResult
	err := c.do(ctx, http.MethodPost, "requests/bulk/transition", map[string]any{"ids": ids, "to": to}, &resp)
	return resp, err
}

// Events returns the newest activity events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
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

func (c *Client) requestPath(id, action string) string {
	return fmt.Sprintf("requests/%s/%s", url.PathEscape(id), action)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
