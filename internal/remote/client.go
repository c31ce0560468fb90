// Package remote talks to the HTTP/JSON backend that mirrors a user's
// sessions:
//
//	GET    {base}/users/{uid}/sessions
//	PUT    {base}/users/{uid}/sessions/{id}
//	DELETE {base}/users/{uid}/sessions/{id}
//
// Network errors, 429 and 5xx responses are retried with exponential
// backoff. Other 4xx responses fail immediately.
package remote

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

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Floewmp/RopeAcess-Portfolio/internal/session"
)

const (
	tracerName  = "github.com/Floewmp/RopeAcess-Portfolio/internal/remote"
	maxBodySize = 16 << 20
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.URL, e.Code, e.Body)
}

type Options struct {
	BaseURL string
	Token   string // sent as a bearer token when set
	Client  *http.Client

	MaxTries        uint
	InitialInterval time.Duration
}

type Client struct {
	baseURL         string
	token           string
	client          *http.Client
	maxTries        uint
	initialInterval time.Duration
	tracer          trace.Tracer
}

var _ session.Remote = (*Client)(nil)

func New(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("remote base URL is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid remote base URL: %w", err)
	}
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.MaxTries == 0 {
		opts.MaxTries = 3
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 500 * time.Millisecond
	}
	return &Client{
		baseURL:         base,
		token:           opts.Token,
		client:          opts.Client,
		maxTries:        opts.MaxTries,
		initialInterval: opts.InitialInterval,
		tracer:          otel.Tracer(tracerName),
	}, nil
}

func sessionsPath(userID string) string {
	return "/users/" + url.PathEscape(userID) + "/sessions"
}

func (c *Client) List(ctx context.Context, userID string) ([]session.Record, error) {
	data, err := c.do(ctx, "remote.List", http.MethodGet, sessionsPath(userID), nil)
	if err != nil {
		return nil, err
	}
	var records []session.Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to decode remote sessions: %w", err)
	}
	return records, nil
}

func (c *Client) Put(ctx context.Context, userID string, record session.Record) error {
	body, err := json.Marshal(record)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, "remote.Put", http.MethodPut, sessionsPath(userID)+"/"+url.PathEscape(record.ID), body)
	return err
}

// Delete removes a session. A session the backend does not know is already
// deleted.
func (c *Client) Delete(ctx context.Context, userID, id string) error {
	_, err := c.do(ctx, "remote.Delete", http.MethodDelete, sessionsPath(userID)+"/"+url.PathEscape(id), nil)
	return err
}

func (c *Client) do(ctx context.Context, spanName, method, path string, body []byte) ([]byte, error) {
	target := c.baseURL + path

	ctx, span := c.tracer.Start(ctx, spanName, trace.WithAttributes(
		attribute.String("http.request.method", method),
		attribute.String("url.path", path),
	))
	defer span.End()

	attempts := 0
	operation := func() ([]byte, error) {
		attempts++

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reader)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return data, nil
		case method == http.MethodDelete && resp.StatusCode == http.StatusNotFound:
			return nil, nil
		}

		statusErr := &StatusError{
			Method: method,
			URL:    target,
			Code:   resp.StatusCode,
			Body:   strings.TrimSpace(string(data)),
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, statusErr
		}
		return nil, backoff.Permanent(statusErr)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialInterval

	data, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.maxTries),
	)
	span.SetAttributes(attribute.Int("retry.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return data, nil
}
