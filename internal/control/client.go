package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/drewfead/triage/internal/bridge"
	"github.com/drewfead/triage/internal/session"
)

// APIError is a non-2xx response from the daemon.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("daemon returned %d: %s", e.Status, e.Message)
}

// Client talks to the triage daemon over HTTP.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for addr, either host:port or a full URL.
func NewClient(addr string) *Client {
	base := strings.TrimRight(addr, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{base: base, http: &http.Client{}}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

// Submit starts an investigation and calls fn for each event until the run's
// terminal event. It returns the new session id.
func (c *Client) Submit(ctx context.Context, input, scenario string, fn func(bridge.Event) error) (string, error) {
	body, err := json.Marshal(CreateSessionRequest{Input: input, Scenario: scenario})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/sessions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to connect to daemon: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", decodeError(resp)
	}

	id := resp.Header.Get(SessionIDHeader)
	return id, ReadEvents(resp.Body, fn)
}

// List returns in-memory session summaries.
func (c *Client) List(ctx context.Context, scenario string) ([]session.Summary, error) {
	q := url.Values{}
	if scenario != "" {
		q.Set("scenario", scenario)
	}
	var out SessionList
	if err := c.get(ctx, "/api/sessions", q, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// History returns in-memory and stored session summaries.
func (c *Client) History(ctx context.Context, scenario string, limit int) ([]session.Summary, error) {
	q := url.Values{}
	if scenario != "" {
		q.Set("scenario", scenario)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out SessionList
	if err := c.get(ctx, "/api/sessions/history", q, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// Get returns one full session.
func (c *Client) Get(ctx context.Context, id string) (*SessionResponse, error) {
	var out SessionResponse
	if err := c.get(ctx, "/api/sessions/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Cancel requests cancellation of an active session.
func (c *Client) Cancel(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/api/sessions/"+url.PathEscape(id)+"/cancel", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to daemon: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return decodeError(resp)
	}
	return nil
}

// Health returns the daemon health report.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.get(ctx, "/healthz", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to daemon: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var er ErrorResponse
	if err := json.Unmarshal(b, &er); err != nil || er.Error == "" {
		er.Error = strings.TrimSpace(string(b))
	}
	return &APIError{Status: resp.StatusCode, Message: er.Error}
}
