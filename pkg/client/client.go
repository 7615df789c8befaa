// Package client talks to replikv front ends over HTTP. It implements api.KV
// so callers can swap an in-process coordinator for a remote cluster.
package client

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
	"strings"
	"sync/atomic"
	"time"

	"github.com/shrtyk/replikv/api"
	"github.com/shrtyk/replikv/internal/retry"
	"github.com/shrtyk/replikv/pkg/logger"
)

var _ api.KV = (*Client)(nil)

// ErrBadRequest is returned when the front end rejects a malformed request.
var ErrBadRequest = errors.New("client: bad request")

// Client is safe for concurrent use. Retryable failures (unavailable,
// timeout, transport errors) move on to the next endpoint.
type Client struct {
	endpoints []string
	next      atomic.Uint64
	http      *http.Client
	logger    *slog.Logger
	retryOpts []retry.Option
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithRetry overrides the retry policy. Retryability is always decided by
// api.IsRetryable.
func WithRetry(opts ...retry.Option) Option {
	return func(c *Client) { c.retryOpts = append(c.retryOpts, opts...) }
}

func New(endpoints []string, opts ...Option) (*Client, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("client: no endpoints")
	}
	for _, e := range endpoints {
		if _, err := url.Parse(e); err != nil {
			return nil, fmt.Errorf("client: bad endpoint %q: %w", e, err)
		}
	}
	c := &Client{
		endpoints: endpoints,
		http:      &http.Client{Timeout: 10 * time.Second},
		logger:    logger.NewDiscardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type entry struct {
	Key        string `json:"key"`
	Value      uint64 `json:"value"`
	DecidedIdx uint64 `json:"decided_idx"`
}

func (c *Client) Write(ctx context.Context, kv api.KeyValue) (uint64, error) {
	var out entry
	err := c.do(ctx, http.MethodPost, "/key-value", map[string]any{"key": kv.Key, "value": kv.Value}, &out)
	return out.DecidedIdx, err
}

func (c *Client) CAS(ctx context.Context, key string, oldValue, newValue uint64) (uint64, error) {
	var out entry
	body := map[string]any{"key": key, "old_value": oldValue, "new_value": newValue}
	err := c.do(ctx, http.MethodPost, "/key-value/cas", body, &out)
	return out.DecidedIdx, err
}

func (c *Client) Get(ctx context.Context, key string) (uint64, uint64, error) {
	var out entry
	err := c.do(ctx, http.MethodGet, "/key-value/"+url.PathEscape(key), nil, &out)
	return out.Value, out.DecidedIdx, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return err
		}
	}

	opts := append([]retry.Option{retry.WithRetryIf(api.IsRetryable)}, c.retryOpts...)
	return retry.Do(ctx, func(ctx context.Context) error {
		endpoint := c.endpoints[c.next.Load()%uint64(len(c.endpoints))]
		err := c.roundTrip(ctx, endpoint, method, path, payload, out)
		if api.IsRetryable(err) {
			c.logger.Warn(
				"request failed, rotating endpoint",
				slog.String("endpoint", endpoint),
				logger.ErrAttr(err),
			)
			c.next.Add(1)
		}
		return err
	}, opts...)
}

func (c *Client) roundTrip(ctx context.Context, endpoint, method, path string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", api.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 300 {
		return json.NewDecoder(resp.Body).Decode(out)
	}

	var e struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(resp.Body)
	if json.Unmarshal(raw, &e) != nil || e.Error == "" {
		e.Error = string(bytes.TrimSpace(raw))
	}
	return fmt.Errorf("%w: %s", statusError(resp.StatusCode, e.Error), e.Error)
}

// statusError maps a front end status code back to the error taxonomy. A 400
// is a conflict only when the message says so; anything else is a request
// the server refused to parse.
func statusError(code int, msg string) error {
	switch code {
	case http.StatusNotFound:
		return api.ErrNotFound
	case http.StatusBadRequest:
		if strings.HasPrefix(msg, api.ErrConflict.Error()) {
			return api.ErrConflict
		}
		return ErrBadRequest
	case http.StatusServiceUnavailable, http.StatusBadGateway:
		return api.ErrUnavailable
	case http.StatusGatewayTimeout:
		return api.ErrTimeout
	default:
		return fmt.Errorf("unexpected status %d", code)
	}
}
