package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultRetryBackoff = 2 * time.Second

var errTooLarge = errors.New("response too large")

// Client performs paced, retried GET requests against institutional sites.
type Client struct {
	http      *http.Client
	userAgent string
	maxBytes  int64
	backoff   time.Duration
}

func NewClient(userAgent string, maxBytes int64) *Client {
	return &Client{
		http:      &http.Client{},
		userAgent: userAgent,
		maxBytes:  maxBytes,
		backoff:   defaultRetryBackoff,
	}
}

type statusError struct {
	code int
}

func (e *statusError) Error() string { return fmt.Sprintf("unexpected status %d", e.code) }

func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, errTooLarge)
}

// Get fetches url honoring the request's pacing, timeout and retry budget.
// Retries back off linearly: attempt n waits n times the base backoff.
func (c *Client) Get(ctx context.Context, url string, req Request) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= req.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * c.backoff):
			}
		}
		if req.Limiter != nil {
			if err := req.Limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		body, err := c.getOnce(ctx, url, req.Timeout)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if ctx.Err() != nil || !retryable(err) {
			break
		}
	}
	return nil, lastErr
}

func (c *Client) getOnce(ctx context.Context, url string, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("User-Agent", c.userAgent)
	httpReq.Header.Set("Accept-Language", "it-IT,it;q=0.9,en;q=0.5")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &statusError{code: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > c.maxBytes {
		return nil, fmt.Errorf("%w: over %d bytes", errTooLarge, c.maxBytes)
	}
	return body, nil
}
