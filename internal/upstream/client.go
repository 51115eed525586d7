package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/esdrasrenan/projeto-xml/types"
)

// retryableStatus is the set of HTTP statuses that are retried under
// the bounded backoff policy, in addition to transport-level errors.
var retryableStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// Client is a rate-limited, retry-bounded HTTP client for the fiscal
// document provider's REST API. A single Client instance is shared
// across a cycle; construct it once with New.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
}

// New builds a Client. The rate limiter allows one request every 2.0s
// with a burst of 1, matching the ~30 req/min ceiling.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("upstream: api key is required")
	}
	dialer := &net.Dialer{Timeout: cfg.connectTimeoutOrDefault()}
	transport := &http.Transport{DialContext: dialer.DialContext}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Transport: transport},
		limiter: rate.NewLimiter(rate.Every(rateInterval), 1),
	}, nil
}

// statusEnvelope is the shape a JSON object body takes when upstream
// reports an error instead of data: a non-empty Status list.
type statusEnvelope struct {
	Status []string `json:"Status"`
}

// doWithRetry enforces the rate limit, then runs fn (one HTTP
// round-trip attempt) under a bounded exponential backoff, retrying
// on transport errors and the retryable status set. fn must return a
// *retryableHTTPError to signal a retryable HTTP failure; any other
// non-nil error aborts immediately.
func (c *Client) doWithRetry(ctx context.Context, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrTimeout, err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = backoffBase
	bo.Multiplier = 2
	bounded := backoff.WithMaxRetries(bo, maxRetries)

	var result []byte
	op := func() error {
		data, err := fn(ctx)
		if err == nil {
			result = data
			return nil
		}
		var rerr *retryableHTTPError
		if asRetryable(err, &rerr) {
			return err // retried
		}
		return backoff.Permanent(err)
	}

	if err := backoff.Retry(op, backoff.WithContext(bounded, ctx)); err != nil {
		var rerr *retryableHTTPError
		if asRetryable(err, &rerr) {
			return nil, fmt.Errorf("%w: %v", types.ErrNetworkFailure, err)
		}
		return nil, err
	}
	return result, nil
}

// retryableHTTPError marks a failure as eligible for the bounded
// backoff loop: either a transport-level error or a retryable HTTP
// status.
type retryableHTTPError struct {
	err error
}

func (e *retryableHTTPError) Error() string { return e.err.Error() }
func (e *retryableHTTPError) Unwrap() error { return e.err }

func asRetryable(err error, target **retryableHTTPError) bool {
	for err != nil {
		if r, ok := err.(*retryableHTTPError); ok {
			*target = r
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// rawRequest performs a single POST to endpoint with payload as the
// JSON body, api_key passed as a query parameter, and returns the raw
// response body. HTTP statuses in retryableStatus are wrapped as
// *retryableHTTPError; everything else is returned as-is (including
// non-retryable 4xx statuses, surfaced via httpStatusError).
func (c *Client) rawRequest(ctx context.Context, method, endpoint string, payload any, extraQuery url.Values) ([]byte, int, error) {
	u, err := url.Parse(c.cfg.baseURL() + endpoint)
	if err != nil {
		return nil, 0, fmt.Errorf("upstream: bad endpoint %q: %w", endpoint, err)
	}
	q := u.Query()
	q.Set("api_key", c.cfg.APIKey)
	for k, vs := range extraQuery {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, fmt.Errorf("upstream: marshal payload: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, 0, fmt.Errorf("upstream: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req)
}

// rawRequestRawBody POSTs to endpoint with body as a bare string
// (used by /BaixarXml, whose body is the document key itself rather
// than a JSON envelope) and extraQuery merged alongside api_key.
func (c *Client) rawRequestRawBody(ctx context.Context, endpoint, body string, extraQuery url.Values) ([]byte, int, error) {
	u, err := url.Parse(c.cfg.baseURL() + endpoint)
	if err != nil {
		return nil, 0, fmt.Errorf("upstream: bad endpoint %q: %w", endpoint, err)
	}
	q := u.Query()
	q.Set("api_key", c.cfg.APIKey)
	for k, vs := range extraQuery {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader([]byte(body)))
	if err != nil {
		return nil, 0, fmt.Errorf("upstream: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.send(req)
}

func (c *Client) send(req *http.Request) ([]byte, int, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, &retryableHTTPError{err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, &retryableHTTPError{err: fmt.Errorf("read body: %w", err)}
	}

	if retryableStatus[resp.StatusCode] {
		return data, resp.StatusCode, &retryableHTTPError{err: &httpStatusError{status: resp.StatusCode, body: data}}
	}
	if resp.StatusCode >= 400 {
		return data, resp.StatusCode, &httpStatusError{status: resp.StatusCode, body: data}
	}
	return data, resp.StatusCode, nil
}

// httpStatusError is a non-retryable (or exhausted-retry) HTTP
// failure, carrying the status code so callers like GetOne can
// special-case 400.
type httpStatusError struct {
	status int
	body   []byte
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("upstream: http %d: %s", e.status, truncate(e.body, 200))
}

func truncate(b []byte, n int) string {
	s := string(b)
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

// unquoteIfJSONString unwraps an HTTP-200 body that is itself a
// JSON-encoded string (e.g. `"Eventos não encontrados!"`) down to its
// literal text. Bodies that are not a JSON string (objects, arrays)
// are returned unchanged.
func unquoteIfJSONString(raw []byte) ([]byte, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return raw, false
	}
	return []byte(s), true
}

// surfaceStatusError inspects a JSON object body for a non-empty
// "Status" list and, if present, returns it wrapped as apiError.
func surfaceStatusError(raw []byte) error {
	var env statusEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil // not an object body; nothing to surface
	}
	if len(env.Status) > 0 {
		return fmt.Errorf("%w: %v", types.ErrAPIError, env.Status)
	}
	return nil
}

// withAbsoluteDeadline runs fn on a worker goroutine against an
// un-cancelled background context, racing it against a wall-clock
// timer on the caller's side. If the timer fires first, the caller
// returns a timeout error immediately and abandons the goroutine,
// which is left to finish in the background and whose result is
// discarded — it cannot be cancelled, since fn typically wraps a
// network call whose underlying socket read is already in flight, and
// reusing the caller's context to cancel it would make a cancelled
// call indistinguishable from one that legitimately took too long.
func withAbsoluteDeadline[T any](parent context.Context, absolute time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	type outcome struct {
		val T
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		val, err := fn(context.Background())
		done <- outcome{val: val, err: err}
	}()

	timer := time.NewTimer(absolute)
	defer timer.Stop()

	select {
	case o := <-done:
		return o.val, o.err
	case <-timer.C:
		return zero, fmt.Errorf("%w: exceeded absolute deadline of %s", types.ErrTimeout, absolute)
	case <-parent.Done():
		return zero, fmt.Errorf("%w: %v", types.ErrTimeout, parent.Err())
	}
}
