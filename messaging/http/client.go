// Package http implements a messaging sender that requests sends from an HTTP service.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/micromdm/nanoflow/log/logkeys"
	"github.com/micromdm/nanoflow/messaging"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

var ErrEmptyURL = errors.New("empty send URL")

// Doer executes HTTP requests.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Client requests sends by POSTing JSON to a messaging service.
type Client struct {
	url    string
	user   string
	key    string
	doer   Doer
	logger log.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBasicAuth sets the HTTP basic auth credentials.
func WithBasicAuth(user, key string) Option {
	return func(c *Client) {
		c.user = user
		c.key = key
	}
}

// WithDoer uses doer to execute requests instead of the default HTTP client.
func WithDoer(doer Doer) Option {
	return func(c *Client) {
		c.doer = doer
	}
}

// WithLogger sets the client logger.
func WithLogger(logger log.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a new client sending to url.
func New(url string, opts ...Option) (*Client, error) {
	if url == "" {
		return nil, ErrEmptyURL
	}
	c := &Client{
		url:    url,
		doer:   http.DefaultClient,
		logger: log.NopLogger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type sendRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	ContactID      string `json:"contact_id"`
	Template       string `json:"template"`
}

// RequestSend implements the messaging sender interface.
// A 409 Conflict means the key was already accepted and is not an error.
func (c *Client) RequestSend(ctx context.Context, idempotencyKey, contactID, template string) error {
	body, err := json.Marshal(&sendRequest{
		IdempotencyKey: idempotencyKey,
		ContactID:      contactID,
		Template:       template,
	})
	if err != nil {
		return fmt.Errorf("marshal send request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	if c.user != "" || c.key != "" {
		req.SetBasicAuth(c.user, c.key)
	}

	resp, err := c.doer.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	// drain so the connection is reused
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	logger := ctxlog.Logger(ctx, c.logger).With(
		logkeys.ContactID, contactID,
		"idempotency_key", idempotencyKey,
		"http_status", resp.StatusCode,
	)
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		logger.Debug(logkeys.Message, "send accepted")
		return nil
	case resp.StatusCode == http.StatusConflict:
		logger.Debug(logkeys.Message, "send already accepted")
		return nil
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s: %s", messaging.ErrRejected, resp.Status, bytes.TrimSpace(respBody))
	}
	return fmt.Errorf("send request: unexpected status: %s", resp.Status)
}
