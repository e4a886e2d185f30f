// Package upstream posts form requests to the provider's token endpoint
// with bounded retries. Fetch never returns a Go error: every failure is
// folded into an OAuth error payload the bridge can normalize.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alexjbarnes/oauthclientbridge/internal/metrics"
	"github.com/alexjbarnes/oauthclientbridge/internal/oauth"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/tidwall/gjson"
)

const (
	// maxRedirects is the maximum number of HTTP redirects to follow.
	maxRedirects = 10

	// maxResponseBytes caps response body reads so a misbehaving
	// provider cannot consume unbounded memory.
	maxResponseBytes = 1024 * 1024

	defaultResult = "An unknown error occurred talking to provider."
)

// Config controls retries and timeouts.
type Config struct {
	// TotalTimeout bounds the whole fetch including sleeps.
	TotalTimeout time.Duration
	// AttemptTimeout bounds a single attempt.
	AttemptTimeout time.Duration
	// MinAttemptTimeout is the floor applied when the remaining budget
	// is smaller than AttemptTimeout.
	MinAttemptTimeout time.Duration
	// Retries is the maximum number of attempts.
	Retries int
	// BackoffFactor scales (2^i - 1) before attempt i.
	BackoffFactor time.Duration
	// RetryStatus lists statuses that may be retried when the body
	// carries an error.
	RetryStatus []int
	// UnavailableStatus lists statuses reported as temporarily_unavailable
	// when the body is not JSON.
	UnavailableStatus []int
	UserAgent         string
}

// Request is one logical token endpoint call.
type Request struct {
	// Endpoint names the call in metrics and logs, e.g. "token".
	Endpoint     string
	URI          string
	ClientID     string
	ClientSecret string
	Form         url.Values
}

// Client performs upstream fetches. It is safe for concurrent use.
type Client struct {
	httpClient        *http.Client
	cfg               Config
	retryStatus       map[int]bool
	unavailableStatus map[int]bool
	normalizer        *oauth.Normalizer
	metrics           *metrics.Metrics
	logger            *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so Basic credentials never reach a
// third party.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates a Client. If httpClient is nil a pooled client from
// go-cleanhttp is used. Timeouts come from the request context, so the
// client itself has none.
func NewClient(cfg Config, httpClient *http.Client, normalizer *oauth.Normalizer, m *metrics.Metrics, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = cleanhttp.DefaultPooledClient()
		httpClient.CheckRedirect = sameHostRedirectPolicy
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		httpClient:        httpClient,
		cfg:               cfg,
		retryStatus:       statusSet(cfg.RetryStatus),
		unavailableStatus: statusSet(cfg.UnavailableStatus),
		normalizer:        normalizer,
		metrics:           m,
		logger:            logger,
		now:               time.Now,
		sleep:             sleepContext,
	}
}

func statusSet(codes []int) map[int]bool {
	set := make(map[int]bool, len(codes))
	for _, c := range codes {
		set[c] = true
	}

	return set
}

// attemptResult is the outcome of one POST. status is zero when no
// response was received.
type attemptResult struct {
	payload    oauth.Payload
	status     int
	retryAfter time.Duration
}

// Fetch posts r.Form to r.URI with Basic auth and returns the decoded
// body. The same encoded body is replayed on every attempt.
func (c *Client) Fetch(ctx context.Context, r Request) oauth.Payload {
	body := r.Form.Encode()
	deadline := c.now().Add(c.cfg.TotalTimeout)
	result := oauth.ErrorPayload(oauth.ServerError, defaultResult)

	var retryAfter time.Duration

	for i := 0; i < c.cfg.Retries; i++ {
		if ctx.Err() != nil {
			break
		}

		wait := max(retryAfter, c.backoff(i))
		remaining := deadline.Sub(c.now())

		if wait > remaining {
			c.logger.Debug("upstream retry aborted, no budget remaining",
				slog.String("endpoint", r.Endpoint),
				slog.Int("attempt", i+1),
				slog.Duration("wait", wait),
				slog.Duration("remaining", remaining),
			)

			break
		}

		if wait > 0 {
			c.logger.Debug("upstream retry sleeping",
				slog.String("endpoint", r.Endpoint),
				slog.Int("attempt", i+1),
				slog.Duration("wait", wait),
			)

			if err := c.sleep(ctx, wait); err != nil {
				break
			}

			remaining = deadline.Sub(c.now())
		}

		res := c.attempt(ctx, r, body, i, c.attemptTimeout(remaining))
		result, retryAfter = res.payload, res.retryAfter

		if res.status == 0 {
			continue
		}

		if !c.retryStatus[res.status] || !result.IsError() {
			break
		}

		c.logger.Debug("upstream attempt retryable",
			slog.String("endpoint", r.Endpoint),
			slog.Int("attempt", i+1),
			slog.Int("status", res.status),
			slog.Duration("retry_after", retryAfter),
		)
	}

	return result
}

// backoff is (2^i - 1) * BackoffFactor.
func (c *Client) backoff(i int) time.Duration {
	return time.Duration(float64(int64(1)<<i-1) * float64(c.cfg.BackoffFactor))
}

// attemptTimeout is the remaining budget clamped to
// [MinAttemptTimeout, AttemptTimeout].
func (c *Client) attemptTimeout(remaining time.Duration) time.Duration {
	return max(c.cfg.MinAttemptTimeout, min(c.cfg.AttemptTimeout, remaining))
}

func (c *Client) attempt(ctx context.Context, r Request, body string, i int, timeout time.Duration) attemptResult {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var connected atomic.Bool

	actx = httptrace.WithClientTrace(actx, &httptrace.ClientTrace{
		GotConn: func(httptrace.GotConnInfo) { connected.Store(true) },
	})

	req, err := http.NewRequestWithContext(actx, http.MethodPost, r.URI, strings.NewReader(body))
	if err != nil {
		return c.failed(r, i, 0, fmt.Errorf("creating request: %w", err), false)
	}

	req.SetBasicAuth(r.ClientID, r.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	start := c.now()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.failed(r, i, c.now().Sub(start), err, connected.Load())
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return c.failed(r, i, c.now().Sub(start), fmt.Errorf("reading response: %w", err), true)
	}

	elapsed := c.now().Sub(start)
	payload := c.decode(r, resp, data)

	errLabel := ""
	if payload.IsError() {
		errLabel = c.normalizer.Rename(payload.ErrorCode())
		if !oauth.Known(errLabel) {
			errLabel = "invalid_error"
		}
	}

	c.metrics.ObserveClient(metrics.ClientAttempt{
		Endpoint: r.Endpoint,
		Status:   metrics.Status(resp.StatusCode),
		Attempt:  i,
		Elapsed:  elapsed,
		Size:     len(data),
		Error:    errLabel,
	})

	return attemptResult{
		payload:    payload,
		status:     resp.StatusCode,
		retryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), c.now()),
	}
}

// failed handles an attempt that produced no usable response. Idle pooled
// connections are dropped so the next attempt dials fresh, which helps
// when a load balancer has pinned us to a dead backend.
func (c *Client) failed(r Request, i int, elapsed time.Duration, err error, connected bool) attemptResult {
	c.httpClient.CloseIdleConnections()

	label, description := classifyNetworkError(err, connected)

	c.logger.Warn("upstream request failed",
		slog.String("endpoint", r.Endpoint),
		slog.String("uri", r.URI),
		slog.Int("attempt", i+1),
		slog.String("class", label),
		slog.String("error", err.Error()),
	)

	c.metrics.ObserveClient(metrics.ClientAttempt{
		Endpoint: r.Endpoint,
		Status:   label,
		Attempt:  i,
		Elapsed:  elapsed,
		Size:     -1,
	})

	return attemptResult{payload: oauth.ErrorPayload(oauth.ServerError, description)}
}

// decode parses a JSON object body. Anything else is replaced with a
// synthesized error so raw provider text never reaches the caller.
func (c *Client) decode(r Request, resp *http.Response, data []byte) oauth.Payload {
	if len(data) <= maxResponseBytes && gjson.ValidBytes(data) && gjson.ParseBytes(data).IsObject() {
		if p, err := oauth.ParsePayload(data); err == nil {
			return p
		}
	}

	c.logger.Warn("upstream returned non-JSON body",
		slog.String("endpoint", r.Endpoint),
		slog.String("uri", r.URI),
		slog.Int("status", resp.StatusCode),
		slog.String("content_type", resp.Header.Get("Content-Type")),
		slog.String("body", sanitizeResponseBody(data)),
	)

	if c.unavailableStatus[resp.StatusCode] {
		return oauth.ErrorPayload(oauth.TemporarilyUnavailable, "Provider is unavailable.")
	}

	return oauth.ErrorPayload(oauth.ServerError, fmt.Sprintf("Unhandled provider error (HTTP %d).", resp.StatusCode))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
