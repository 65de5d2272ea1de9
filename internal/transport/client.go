package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const userAgent = "FleetPulse-Collector/1.0"

// ErrRateLimited marks a request that exhausted its retries on HTTP 429.
var ErrRateLimited = errors.New("rate limited by vendor")

// StatusError is the non-2xx result of a request, carrying the status code
// and response body so adapters can build a useful failure message.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// Response wraps a 2xx reply.
type Response struct {
	StatusCode int
	Body       []byte
	ElapsedMs  int
}

func (r *Response) JSON(v interface{}) error {
	return json.Unmarshal(r.Body, v)
}

func (r *Response) Text() string {
	return string(r.Body)
}

// Client is the retrying HTTP transport shared by every vendor adapter.
// Adapters supply endpoint paths and headers; resilience semantics live here
// so each vendor gets identical behavior.
type Client struct {
	http        *http.Client
	maxRetries  int
	backoffBase time.Duration
	limiter     *rate.Limiter
	logger      *zap.Logger

	// onAuthError is invoked once when a request comes back 401; it should
	// drop cached credentials and re-authenticate.
	onAuthError func(ctx context.Context) error

	// authHeaders is re-evaluated on every attempt, so a token refreshed by
	// onAuthError is what the replay actually sends.
	authHeaders func() map[string]string
}

type Options struct {
	Timeout        time.Duration
	MaxRetries     int
	BackoffBase    time.Duration
	RequestsPerSec float64
	OnAuthError    func(ctx context.Context) error
	AuthHeaders    func() map[string]string
}

func NewClient(opts Options, logger *zap.Logger) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.BackoffBase == 0 {
		opts.BackoffBase = time.Second
	}
	if opts.RequestsPerSec == 0 {
		opts.RequestsPerSec = 5
	}

	return &Client{
		http: &http.Client{
			Timeout: opts.Timeout,
		},
		maxRetries:  opts.MaxRetries,
		backoffBase: opts.BackoffBase,
		limiter:     rate.NewLimiter(rate.Limit(opts.RequestsPerSec), 1),
		logger:      logger,
		onAuthError: opts.OnAuthError,
		authHeaders: opts.AuthHeaders,
	}
}

func (c *Client) Get(ctx context.Context, url string, headers map[string]string) (*Response, error) {
	return c.Do(ctx, http.MethodGet, url, nil, headers)
}

func (c *Client) Post(ctx context.Context, url string, body interface{}, headers map[string]string) (*Response, error) {
	return c.Do(ctx, http.MethodPost, url, body, headers)
}

// Do performs the request with retries. 401 triggers the auth-error hook once
// and replays the request without burning a retry slot; 429 and transport
// errors back off exponentially and do consume one.
func (c *Client) Do(ctx context.Context, method, url string, body interface{}, headers map[string]string) (*Response, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	var lastErr error
	reauthed := false

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		resp, err := c.doOnce(ctx, method, url, payload, headers)
		if err == nil {
			return resp, nil
		}

		var statusErr *StatusError
		switch {
		case errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusUnauthorized:
			if c.onAuthError != nil && !reauthed {
				reauthed = true
				if hookErr := c.onAuthError(ctx); hookErr != nil {
					return nil, fmt.Errorf("re-authentication failed: %w", hookErr)
				}
				// Replay without consuming a retry slot.
				attempt--
				continue
			}
			return nil, err

		case errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusTooManyRequests:
			lastErr = fmt.Errorf("%w: %s", ErrRateLimited, statusErr.Body)
			if sleepErr := c.sleep(ctx, attempt); sleepErr != nil {
				return nil, sleepErr
			}

		case errors.As(err, &statusErr):
			// Other non-2xx codes are not retried; the vendor answered.
			return nil, err

		default:
			// Transport-level failure: timeout, reset, DNS.
			lastErr = err
			c.logger.Debug("request failed, retrying",
				zap.String("url", url),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			if sleepErr := c.sleep(ctx, attempt); sleepErr != nil {
				return nil, sleepErr
			}
		}
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", c.maxRetries, lastErr)
}

func (c *Client) doOnce(ctx context.Context, method, url string, payload []byte, headers map[string]string) (*Response, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if c.authHeaders != nil {
		for k, v := range c.authHeaders() {
			req.Header.Set(k, v)
		}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Body:       body,
		ElapsedMs:  int(time.Since(start).Milliseconds()),
	}, nil
}

// sleep blocks for backoffBase * 2^attempt, honoring cancellation.
func (c *Client) sleep(ctx context.Context, attempt int) error {
	d := c.backoffBase * time.Duration(1<<uint(attempt))

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
