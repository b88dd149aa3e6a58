// Package remote talks to the remote event document store. [Client] speaks
// the eventsd HTTP and WebSocket API; [Memory] is an in-process collection
// with the same semantics. Unary calls are retried with bounded exponential
// backoff.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sofiatracker/syncengine/internal/model"
)

// ErrNotFound is returned when the requested document does not exist.
var ErrNotFound = errors.New("remote event not found")

// availableTimeout bounds the connectivity probe.
const availableTimeout = 3 * time.Second

// StatusError is a non-2xx response from the document store.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote returned status %d", e.Code)
	}
	return fmt.Sprintf("remote returned status %d: %s", e.Code, e.Message)
}

// Temporary reports whether repeating the request may succeed.
func (e *StatusError) Temporary() bool {
	switch {
	case e.Code == http.StatusRequestTimeout, e.Code == http.StatusTooManyRequests:
		return true
	case e.Code >= 400 && e.Code < 500:
		return false
	}
	return true
}

// Client is an HTTP client for the eventsd document store.
type Client struct {
	baseURL  *url.URL
	token    string
	hc       *http.Client
	logger   *slog.Logger
	maxTries uint
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

// WithMaxTries overrides the number of attempts per unary call.
func WithMaxTries(n uint) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxTries = n
		}
	}
}

// NewClient creates a Client for the store at rawURL. token, when non-empty,
// is sent as a bearer token on every request.
func NewClient(rawURL, token string, logger *slog.Logger, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(rawURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse remote url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("remote url %q: scheme must be http or https", rawURL)
	}
	c := &Client{
		baseURL:  u,
		token:    token,
		hc:       &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
		maxTries: defaultMaxTries,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Ping checks that the store is reachable and accepts the token.
func (c *Client) Ping(ctx context.Context) error {
	_, err := retry(ctx, c.maxTries, func() (struct{}, error) {
		return struct{}{}, c.do(ctx, http.MethodGet, "/healthz", nil, nil, nil)
	})
	if err != nil {
		return fmt.Errorf("ping remote: %w", err)
	}
	return nil
}

// Available makes a single, short connectivity probe. It never retries.
func (c *Client) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, availableTimeout)
	defer cancel()
	if err := c.do(ctx, http.MethodGet, "/healthz", nil, nil, nil); err != nil {
		c.logger.Debug("remote unavailable", "error", err)
		return false
	}
	return true
}

// Get fetches one document by ID, soft-deleted documents included.
func (c *Client) Get(ctx context.Context, id string) (*model.RemoteEvent, error) {
	ev, err := retry(ctx, c.maxTries, func() (*model.RemoteEvent, error) {
		var out model.RemoteEvent
		if err := c.do(ctx, http.MethodGet, eventPath(id), nil, nil, &out); err != nil {
			return nil, err
		}
		return &out, nil
	})
	if err != nil {
		return nil, fmt.Errorf("get remote event %q: %w", id, err)
	}
	return ev, nil
}

// Save upserts ev and returns the stored document. A document without an
// ID gets a fresh UUID here, so every attempt is an idempotent PUT and a
// retry after a lost response cannot create a second document. The server
// stamps LastModified on every write.
func (c *Client) Save(ctx context.Context, ev *model.RemoteEvent) (*model.RemoteEvent, error) {
	if ev.ID == "" {
		ev = ev.Clone()
		ev.ID = uuid.NewString()
	}
	path := eventPath(ev.ID)
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode remote event: %w", err)
	}

	saved, err := retry(ctx, c.maxTries, func() (*model.RemoteEvent, error) {
		var out model.RemoteEvent
		if err := c.do(ctx, http.MethodPut, path, nil, body, &out); err != nil {
			return nil, err
		}
		return &out, nil
	})
	if err != nil {
		return nil, fmt.Errorf("save remote event (local %d): %w", ev.LocalID, err)
	}
	return saved, nil
}

// Delete hard-deletes a document. The sync path never calls this; it uses
// soft deletes so other replicas can observe the removal.
func (c *Client) Delete(ctx context.Context, id string) error {
	_, err := retry(ctx, c.maxTries, func() (struct{}, error) {
		return struct{}{}, c.do(ctx, http.MethodDelete, eventPath(id), nil, nil, nil)
	})
	if err != nil {
		return fmt.Errorf("delete remote event %q: %w", id, err)
	}
	return nil
}

// ModifiedAfter returns every document whose LastModified is strictly
// greater than ms, soft-deleted documents included.
func (c *Client) ModifiedAfter(ctx context.Context, ms int64) ([]*model.RemoteEvent, error) {
	q := url.Values{"modifiedAfter": {strconv.FormatInt(ms, 10)}}
	events, err := c.list(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query remote events modified after %d: %w", ms, err)
	}
	return events, nil
}

// All returns the whole collection.
func (c *Client) All(ctx context.Context) ([]*model.RemoteEvent, error) {
	events, err := c.list(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("list remote events: %w", err)
	}
	return events, nil
}

func (c *Client) list(ctx context.Context, q url.Values) ([]*model.RemoteEvent, error) {
	return retry(ctx, c.maxTries, func() ([]*model.RemoteEvent, error) {
		var out []*model.RemoteEvent
		if err := c.do(ctx, http.MethodGet, "/v1/events", q, nil, &out); err != nil {
			return nil, err
		}
		return out, nil
	})
}

// do performs one request. body is re-read on every call so that retries
// send the same payload. out, when non-nil, receives the decoded response.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, body []byte, out any) error {
	u := c.baseURL.JoinPath(path)
	if q != nil {
		u.RawQuery = q.Encode()
	}

	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), r)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode >= 300 {
		var msg struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&msg)
		return &StatusError{Code: resp.StatusCode, Message: msg.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func eventPath(id string) string {
	return "/v1/events/" + url.PathEscape(id)
}
