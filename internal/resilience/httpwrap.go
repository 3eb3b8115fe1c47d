package resilience

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// maxRetryAfter caps how long a 429 Retry-After hint may hold a caller.
const maxRetryAfter = 5 * time.Second

// HTTPClient wraps an http.Client with per-attempt timeouts, retries and an
// optional circuit breaker. Transport errors, 5xx and 429 responses are
// retried up to MaxAttempts; any other response is returned as-is. Only
// transport errors and 5xx count as breaker failures.
type HTTPClient struct {
	Client      *http.Client
	Breaker     *Breaker
	Target      string
	Logger      zerolog.Logger
	BaseBackoff time.Duration
	MaxAttempts int
	Jitter      float64
	Timeout     time.Duration
}

// StatusError reports a retryable response that exhausted the retry budget.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return "upstream responded " + e.Status
}

// Do sends req, buffering its body so every attempt can resend it. When the
// breaker refuses the call ErrOpenCircuit is returned.
func (cl HTTPClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if cl.Client == nil {
		return nil, errors.New("resilience: http client not configured")
	}
	attempts := max(cl.MaxAttempts, 1)
	body, err := bufferBody(req)
	if err != nil {
		return nil, fmt.Errorf("resilience: buffer request body: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if cl.Breaker != nil && !cl.Breaker.Allow(ctx) {
			return nil, ErrOpenCircuit
		}
		resp, err := cl.attempt(ctx, req, body)
		wait, retry := cl.classify(ctx, resp, err, attempt)
		if !retry {
			return resp, err
		}
		lastErr = err
		if resp != nil {
			lastErr = &StatusError{Code: resp.StatusCode, Status: resp.Status}
			drain(resp)
		}
		if attempt == attempts {
			break
		}
		cl.Logger.Debug().
			Str("target", cl.Target).
			Int("attempt", attempt).
			Dur("wait", wait).
			Err(lastErr).
			Msg("retrying outbound request")
		if err := sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// classify reports the breaker outcome and decides whether to retry and after
// how long.
func (cl HTTPClient) classify(ctx context.Context, resp *http.Response, err error, attempt int) (time.Duration, bool) {
	backoff := Backoff(cl.BaseBackoff, attempt, cl.Jitter)
	switch {
	case err != nil:
		cl.report(ctx, false)
		return backoff, ctx.Err() == nil
	case resp.StatusCode >= 500:
		cl.report(ctx, false)
		return backoff, true
	case resp.StatusCode == http.StatusTooManyRequests:
		cl.report(ctx, true)
		if hint, ok := retryAfter(resp.Header.Get("Retry-After")); ok {
			return hint, true
		}
		return backoff, true
	default:
		cl.report(ctx, true)
		return 0, false
	}
}

func (cl HTTPClient) report(ctx context.Context, success bool) {
	if cl.Breaker != nil {
		cl.Breaker.Report(ctx, success)
	}
}

func (cl HTTPClient) attempt(ctx context.Context, req *http.Request, body []byte) (*http.Response, error) {
	timeout := cl.Timeout
	if timeout <= 0 {
		timeout = cl.Client.Timeout
	}
	var callCtx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		callCtx, cancel = context.WithCancel(ctx)
	}
	out := req.Clone(callCtx)
	if body != nil {
		out.Body = io.NopCloser(bytes.NewReader(body))
		out.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(body)), nil }
		out.ContentLength = int64(len(body))
	}
	resp, err := cl.Client.Do(out)
	if err != nil {
		cancel()
		return nil, err
	}
	// The deadline must outlive Do so callers can still read the body.
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func bufferBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	src := req.Body
	if req.GetBody != nil {
		fresh, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		src = fresh
	}
	defer func() { _ = src.Close() }()
	return io.ReadAll(src)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retryAfter parses a delay-seconds Retry-After value.
func retryAfter(value string) (time.Duration, bool) {
	secs, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || secs < 0 {
		return 0, false
	}
	return min(time.Duration(secs)*time.Second, maxRetryAfter), true
}

// NewOutboundClient returns an http.Client whose transport emits client spans.
func NewOutboundClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport.(*http.Transport).Clone()),
	}
}
