// Package client talks to a running garage console.
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
	"strings"
	"time"

	"nhooyr.io/websocket"

	"garagectl/internal/domain"
)

// Client is a minimal console API client.
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

// Event is one bus event as the console reports it.
type Event struct {
	Kind     string `json:"kind"`
	Lane     string `json:"lane,omitempty"`
	TicketID string `json:"ticket_id,omitempty"`
	Value    int64  `json:"value,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Time     string `json:"time,omitempty"`
}

// JournalPage wraps journal listings with a cursor.
type JournalPage struct {
	Items      []domain.JournalEntry `json:"items"`
	NextCursor string                `json:"next_cursor"`
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
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 from the console.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

func (c *Client) Status(ctx context.Context) (domain.Status, error) {
	var resp domain.Status
	err := c.do(ctx, http.MethodGet, "v0/status", nil, &resp)
	return resp, err
}

// Tickets lists tickets, optionally narrowed by state and lane.
func (c *Client) Tickets(ctx context.Context, state, lane string, limit int) ([]domain.Ticket, error) {
	q := url.Values{}
	if state != "" {
		q.Set("state", state)
	}
	if lane != "" {
		q.Set("lane", lane)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var resp struct {
		Items []domain.Ticket `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("v0/tickets", q), nil, &resp)
	return resp.Items, err
}

func (c *Client) Ticket(ctx context.Context, id string) (domain.Ticket, error) {
	var resp domain.Ticket
	err := c.do(ctx, http.MethodGet, "v0/tickets/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) Pay(ctx context.Context, id string) (domain.Ticket, error) {
	var resp domain.Ticket
	err := c.do(ctx, http.MethodPost, "v0/tickets/"+url.PathEscape(id)+"/pay", nil, &resp)
	return resp, err
}

func (c *Client) SetCapacity(ctx context.Context, max int) (domain.Capacity, error) {
	var resp domain.Capacity
	err := c.do(ctx, http.MethodPut, "v0/capacity", map[string]any{"max": max}, &resp)
	return resp, err
}

// PublishEvent injects an event on a lane.
func (c *Client) PublishEvent(ctx context.Context, lane string, ev Event) (Event, error) {
	body := map[string]any{"kind": ev.Kind}
	if ev.TicketID != "" {
		body["ticket_id"] = ev.TicketID
	}
	if ev.Value != 0 {
		body["value"] = ev.Value
	}
	if ev.Reason != "" {
		body["reason"] = ev.Reason
	}
	var resp Event
	err := c.do(ctx, http.MethodPost, lanePath(lane, "events"), body, &resp)
	return resp, err
}

// InsertTicket presents a ticket at an exit lane.
func (c *Client) InsertTicket(ctx context.Context, lane, ticketID string) (Event, error) {
	var resp Event
	err := c.do(ctx, http.MethodPost, lanePath(lane, "tickets"), map[string]any{"ticket_id": ticketID}, &resp)
	return resp, err
}

// ResetLane clears a faulted gate.
func (c *Client) ResetLane(ctx context.Context, lane string) (Event, error) {
	var resp Event
	err := c.do(ctx, http.MethodPost, lanePath(lane, "reset"), nil, &resp)
	return resp, err
}

// Inputs samples a lane's input pins.
func (c *Client) Inputs(ctx context.Context, lane string) (domain.LaneInputs, error) {
	var resp domain.LaneInputs
	err := c.do(ctx, http.MethodGet, lanePath(lane, "inputs"), nil, &resp)
	return resp, err
}

// Journal returns journaled events newest first.
func (c *Client) Journal(ctx context.Context, lane, kind string, limit int, cursor string) (JournalPage, error) {
	q := url.Values{}
	if lane != "" {
		q.Set("lane", lane)
	}
	if kind != "" {
		q.Set("kind", kind)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp JournalPage
	err := c.do(ctx, http.MethodGet, withQuery("v0/events", q), nil, &resp)
	return resp, err
}

// Stream calls fn for every live event until ctx ends, fn fails, or the
// server closes the stream.
func (c *Client) Stream(ctx context.Context, kinds []string, lane string, fn func(Event) error) error {
	u, err := url.Parse(c.base() + "/v0/events/stream")
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	q := url.Values{}
	for _, k := range kinds {
		q.Add("kind", k)
	}
	if lane != "" {
		q.Set("lane", lane)
	}
	u.RawQuery = q.Encode()
	opts := &websocket.DialOptions{}
	if c.BearerToken != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + c.BearerToken}}
	}
	conn, _, err := websocket.Dial(ctx, u.String(), opts)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "client done")
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || ctx.Err() != nil {
				return nil
			}
			return err
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
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
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func lanePath(lane, p string) string {
	return fmt.Sprintf("v0/lanes/%s/%s", url.PathEscape(lane), p)
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
