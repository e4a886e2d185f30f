package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alexjbarnes/oauthclientbridge/internal/metrics"
	"github.com/alexjbarnes/oauthclientbridge/internal/oauth"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		TotalTimeout:      20 * time.Second,
		AttemptTimeout:    5 * time.Second,
		MinAttemptTimeout: time.Second,
		Retries:           3,
		BackoffFactor:     100 * time.Millisecond,
		RetryStatus:       []int{429, 500, 502, 503, 504},
		UnavailableStatus: []int{502, 503, 504},
		UserAgent:         "oauth-client-bridge/test",
	}
}

// fakeClock advances only when the client sleeps.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	f.sleeps = append(f.sleeps, d)
	return nil
}

func newTestClient(cfg Config, httpClient *http.Client, m *metrics.Metrics) (*Client, *fakeClock) {
	c := NewClient(cfg, httpClient, oauth.NewNormalizer(map[string]string{"errorTransient": oauth.TemporarilyUnavailable}), m, nil)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c.now = clock.Now
	c.sleep = clock.Sleep
	return c, clock
}

func tokenRequest(uri string) Request {
	return Request{
		Endpoint:     "token",
		URI:          uri,
		ClientID:     "upstream-id",
		ClientSecret: "upstream-secret",
		Form:         url.Values{"grant_type": {"authorization_code"}, "code": {"abc"}},
	}
}

// scripted serves responses in order, repeating the last one.
func scripted(t *testing.T, responses ...func(w http.ResponseWriter)) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(hits.Add(1)) - 1
		if n >= len(responses) {
			n = len(responses) - 1
		}
		responses[n](w)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func jsonResponse(status int, body string, headers ...string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		for i := 0; i+1 < len(headers); i += 2 {
			w.Header().Set(headers[i], headers[i+1])
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}
}

func textResponse(status int, body string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}
}

// --- Request shape ---

func TestFetch_SendsBasicAuthAndForm(t *testing.T) {
	var got *http.Request
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		jsonResponse(200, `{"access_token":"1234567890","token_type":"Bearer"}`)(w)
	}))
	defer srv.Close()

	c, clock := newTestClient(testConfig(), nil, nil)
	result := c.Fetch(context.Background(), tokenRequest(srv.URL))

	assert.Equal(t, oauth.Payload{"access_token": "1234567890", "token_type": "Bearer"}, result)
	require.NotNil(t, got)
	assert.Equal(t, http.MethodPost, got.Method)
	user, pass, ok := got.BasicAuth()
	assert.True(t, ok)
	assert.Equal(t, "upstream-id", user)
	assert.Equal(t, "upstream-secret", pass)
	assert.Equal(t, "application/x-www-form-urlencoded", got.Header.Get("Content-Type"))
	assert.Equal(t, "oauth-client-bridge/test", got.Header.Get("User-Agent"))
	assert.Equal(t, "code=abc&grant_type=authorization_code", gotBody)
	assert.Empty(t, clock.sleeps)
}

// --- Retry policy ---

func TestFetch_RetriesRetryableErrorsUpToLimit(t *testing.T) {
	srv, hits := scripted(t, jsonResponse(503, `{"error":"temporarily_unavailable"}`))

	c, clock := newTestClient(testConfig(), nil, nil)
	result := c.Fetch(context.Background(), tokenRequest(srv.URL))

	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, oauth.TemporarilyUnavailable, result.ErrorCode())
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 300 * time.Millisecond}, clock.sleeps)
}

func TestFetch_RetryThenSuccess(t *testing.T) {
	srv, hits := scripted(t,
		jsonResponse(500, `{"error":"server_error"}`),
		jsonResponse(200, `{"access_token":"a","token_type":"Bearer"}`),
	)

	c, _ := newTestClient(testConfig(), nil, nil)
	result := c.Fetch(context.Background(), tokenRequest(srv.URL))

	assert.Equal(t, int32(2), hits.Load())
	assert.True(t, result.Valid())
}

func TestFetch_RetryableStatusWithoutErrorIsTerminal(t *testing.T) {
	srv, hits := scripted(t, jsonResponse(503, `{"access_token":"a","token_type":"Bearer"}`))

	c, _ := newTestClient(testConfig(), nil, nil)
	result := c.Fetch(context.Background(), tokenRequest(srv.URL))

	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, "a", result.String("access_token"))
}

func TestFetch_NonRetryableStatusIsTerminal(t *testing.T) {
	srv, hits := scripted(t, jsonResponse(400, `{"error":"invalid_grant","error_description":"nope"}`))

	c, _ := newTestClient(testConfig(), nil, nil)
	result := c.Fetch(context.Background(), tokenRequest(srv.URL))

	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, "invalid_grant", result.ErrorCode())
	assert.Equal(t, "nope", result.String("error_description"))
}

func TestFetch_RetryAfterOverridesSmallerBackoff(t *testing.T) {
	srv, _ := scripted(t,
		jsonResponse(429, `{"error":"temporarily_unavailable"}`, "Retry-After", "2"),
		jsonResponse(200, `{"access_token":"a","token_type":"Bearer"}`),
	)

	c, clock := newTestClient(testConfig(), nil, nil)
	result := c.Fetch(context.Background(), tokenRequest(srv.URL))

	assert.True(t, result.Valid())
	assert.Equal(t, []time.Duration{2 * time.Second}, clock.sleeps)
}

func TestFetch_AbortsWhenWaitExceedsBudget(t *testing.T) {
	srv, hits := scripted(t, jsonResponse(429, `{"error":"temporarily_unavailable"}`, "Retry-After", "120"))

	c, clock := newTestClient(testConfig(), nil, nil)
	result := c.Fetch(context.Background(), tokenRequest(srv.URL))

	assert.Equal(t, int32(1), hits.Load())
	assert.Empty(t, clock.sleeps, "must not oversleep the budget")
	assert.Equal(t, oauth.TemporarilyUnavailable, result.ErrorCode())
}

func TestFetch_RetryBoundWithRealClock(t *testing.T) {
	srv, hits := scripted(t, jsonResponse(503, `{"error":"temporarily_unavailable"}`))

	cfg := testConfig()
	cfg.TotalTimeout = 200 * time.Millisecond
	cfg.AttemptTimeout = 100 * time.Millisecond
	cfg.MinAttemptTimeout = 10 * time.Millisecond
	cfg.BackoffFactor = 50 * time.Millisecond
	cfg.Retries = 10

	c := NewClient(cfg, nil, nil, nil, nil)

	start := time.Now()
	result := c.Fetch(context.Background(), tokenRequest(srv.URL))
	elapsed := time.Since(start)

	assert.Equal(t, oauth.TemporarilyUnavailable, result.ErrorCode())
	assert.LessOrEqual(t, int(hits.Load()), 10)
	assert.Less(t, elapsed, cfg.TotalTimeout+cfg.AttemptTimeout)
}

func TestFetch_ZeroRetriesReturnsDefault(t *testing.T) {
	cfg := testConfig()
	cfg.Retries = 0

	c, _ := newTestClient(cfg, nil, nil)
	result := c.Fetch(context.Background(), tokenRequest("http://127.0.0.1:1"))

	assert.Equal(t, oauth.ErrorPayload(oauth.ServerError, defaultResult), result)
}

// --- Decoding ---

func TestFetch_NonJSONBodies(t *testing.T) {
	cfg := testConfig()
	cfg.Retries = 1

	cases := []struct {
		name   string
		status int
		code   string
		desc   string
	}{
		{"bad gateway", 502, oauth.TemporarilyUnavailable, "Provider is unavailable."},
		{"internal", 500, oauth.ServerError, "Unhandled provider error (HTTP 500)."},
		{"ok but html", 200, oauth.ServerError, "Unhandled provider error (HTTP 200)."},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, _ := scripted(t, textResponse(tc.status, "<html>secret internal hostname</html>"))

			c, _ := newTestClient(cfg, nil, nil)
			result := c.Fetch(context.Background(), tokenRequest(srv.URL))

			assert.Equal(t, oauth.ErrorPayload(tc.code, tc.desc), result)
		})
	}
}

func TestFetch_JSONArrayIsNotAPayload(t *testing.T) {
	cfg := testConfig()
	cfg.Retries = 1
	srv, _ := scripted(t, jsonResponse(200, `["access_token"]`))

	c, _ := newTestClient(cfg, nil, nil)
	result := c.Fetch(context.Background(), tokenRequest(srv.URL))

	assert.Equal(t, oauth.ServerError, result.ErrorCode())
}

// --- Network failures ---

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestFetch_NetworkErrorsAreRetriedAndHidden(t *testing.T) {
	var calls atomic.Int32
	httpClient := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		calls.Add(1)
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connect: connection refused 10.0.0.7:443")}
	})}

	m := metrics.New()
	c, _ := newTestClient(testConfig(), httpClient, m)
	result := c.Fetch(context.Background(), tokenRequest("https://provider.example/token"))

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, oauth.ErrorPayload(oauth.ServerError, descConnection), result)
	assert.NotContains(t, fmt.Sprint(result), "10.0.0.7")

	count, err := testutil.GatherAndCount(m.Registry(), "oauth_client_latency_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestFetch_ReadTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Retries = 1
	cfg.AttemptTimeout = 50 * time.Millisecond
	cfg.MinAttemptTimeout = 10 * time.Millisecond

	c, _ := newTestClient(cfg, nil, nil)
	result := c.Fetch(context.Background(), tokenRequest(srv.URL))

	assert.Equal(t, oauth.ErrorPayload(oauth.ServerError, descTimeout), result)
}

func TestFetch_CancelledContextStops(t *testing.T) {
	srv, hits := scripted(t, jsonResponse(503, `{"error":"temporarily_unavailable"}`))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c, _ := newTestClient(testConfig(), nil, nil)
	result := c.Fetch(ctx, tokenRequest(srv.URL))

	assert.Zero(t, hits.Load())
	assert.Equal(t, oauth.ServerError, result.ErrorCode())
}

// --- Metrics ---

func TestFetch_ErrorLabels(t *testing.T) {
	cfg := testConfig()
	cfg.Retries = 1

	m := metrics.New()
	srv, _ := scripted(t, jsonResponse(400, `{"error":"errorTransient"}`))
	c, _ := newTestClient(cfg, nil, m)
	c.Fetch(context.Background(), tokenRequest(srv.URL))

	srv2, _ := scripted(t, jsonResponse(400, `{"error":"made_up"}`))
	c2, _ := newTestClient(cfg, nil, m)
	c2.Fetch(context.Background(), tokenRequest(srv2.URL))

	series, err := testutil.GatherAndCount(m.Registry(), "oauth_client_error_total")
	require.NoError(t, err)
	assert.Equal(t, 2, series)
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(`
# HELP oauth_client_error_total OAuth errors from upstream provider.
# TYPE oauth_client_error_total counter
oauth_client_error_total{endpoint="token",error="invalid_error",method="POST",status="http_bad_request"} 1
oauth_client_error_total{endpoint="token",error="temporarily_unavailable",method="POST",status="http_bad_request"} 1
`), "oauth_client_error_total"))
}
