package e2e_test

import (
	"encoding/json"
	"html"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/oauthclientbridge/internal/bridge"
	"github.com/alexjbarnes/oauthclientbridge/internal/metrics"
	"github.com/alexjbarnes/oauthclientbridge/internal/oauth"
	"github.com/alexjbarnes/oauthclientbridge/internal/ratelimit"
	"github.com/alexjbarnes/oauthclientbridge/internal/render"
	"github.com/alexjbarnes/oauthclientbridge/internal/server"
	"github.com/alexjbarnes/oauthclientbridge/internal/session"
	"github.com/alexjbarnes/oauthclientbridge/internal/state"
	"github.com/alexjbarnes/oauthclientbridge/internal/upstream"
	"github.com/stretchr/testify/require"
)

const (
	upstreamClientID = "e2e-upstream-client"
	upstreamSecret   = "e2e-upstream-secret"
	authCode         = "e2e-authorization-code"
)

// provider is a fake upstream authorization server token endpoint.
type provider struct {
	mu        sync.Mutex
	grant     map[string]any
	refreshed int
	revoked   bool
	requests  []url.Values
}

func (p *provider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")

	user, pass, ok := r.BasicAuth()
	if !ok || user != upstreamClientID || pass != upstreamSecret {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid_client"})

		return
	}

	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	p.requests = append(p.requests, r.PostForm)

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		if r.PostForm.Get("code") != authCode {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})

			return
		}

		json.NewEncoder(w).Encode(p.grant)
	case "refresh_token":
		if p.revoked {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{
				"error":             "invalid_grant",
				"error_description": "Refresh token revoked.",
			})

			return
		}

		p.refreshed++
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "refreshed-" + strings.Repeat("x", p.refreshed),
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	default:
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "unsupported_grant_type"})
	}
}

func (p *provider) setRevoked() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.revoked = true
}

func (p *provider) refreshCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.refreshed
}

// harness holds the full e2e stack: the bridge mux served over HTTP in
// front of a fake provider, backed by a bbolt file.
type harness struct {
	URL      string
	Provider *provider
	Store    state.Store
	Client   *http.Client
}

// newHarness wires storage, sessions, limiter, upstream client and the
// mux exactly the way serve does. grant is the provider's answer to the
// authorization_code exchange.
func newHarness(t *testing.T, grant map[string]any) *harness {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	m := metrics.New()

	p := &provider{grant: grant}
	upstreamSrv := httptest.NewServer(p)
	t.Cleanup(upstreamSrv.Close)

	store, err := state.Open(t.Context(), state.Options{
		Driver:  state.DriverBolt,
		DSN:     filepath.Join(t.TempDir(), "oauth.db"),
		Timeout: time.Second,
		Metrics: m,
		Logger:  logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Init(t.Context()))

	sessions := session.NewMemoryStore(time.Minute)
	t.Cleanup(func() { sessions.Close() })

	// The redirect URI must match the bridge's own address, so read the
	// listener before building the mux.
	ts := httptest.NewUnstartedServer(nil)
	serverURL := "http://" + ts.Listener.Addr().String()

	normalizer := oauth.NewNormalizer(nil)

	b := bridge.New(bridge.Config{
		ClientID:         upstreamClientID,
		ClientSecret:     upstreamSecret,
		AuthorizationURI: upstreamSrv.URL + "/authorize",
		TokenURI:         upstreamSrv.URL + "/token",
		RedirectURI:      serverURL + "/callback",
		Scopes:           []string{"read"},
	}, bridge.Deps{
		Store: store,
		Limiter: ratelimit.New(store, ratelimit.Config{
			Enabled:    true,
			RefillRate: 100,
			Capacity:   1000,
			MaxHits:    1500,
		}),
		Sessions: sessions,
		Fetcher: upstream.NewClient(upstream.Config{
			TotalTimeout:      5 * time.Second,
			AttemptTimeout:    2 * time.Second,
			MinAttemptTimeout: 100 * time.Millisecond,
			Retries:           1,
			BackoffFactor:     10 * time.Millisecond,
			RetryStatus:       []int{500, 502, 503, 504},
			UnavailableStatus: []int{502, 503, 504},
			UserAgent:         "oauth-client-bridge/e2e",
		}, upstreamSrv.Client(), normalizer, m, logger),
		Normalizer: normalizer,
		Logger:     logger,
	})

	ts.Config.Handler = server.NewMux(server.MuxConfig{
		Flows:    b,
		Renderer: render.Default(),
		Metrics:  m,
		Logger:   logger,
		Cookie:   server.CookieConfig{Name: "oauth_session", MaxAge: time.Minute},
	})
	ts.Start()
	t.Cleanup(ts.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	client := ts.Client()
	client.Jar = jar
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	return &harness{
		URL:      serverURL,
		Provider: p,
		Store:    store,
		Client:   client,
	}
}

var (
	clientIDPattern     = regexp.MustCompile(`name="client_id" value="([^"]+)"`)
	clientSecretPattern = regexp.MustCompile(`name="client_secret" value="([^"]+)"`)
)

// mint runs authorize and callback and returns the credentials shown on
// the callback page.
func (h *harness) mint(t *testing.T) (clientID, clientSecret string) {
	t.Helper()

	resp, err := h.Client.Get(h.URL + "/?state=e2e-state")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "code", location.Query().Get("response_type"))
	require.Equal(t, upstreamClientID, location.Query().Get("client_id"))

	nonce := location.Query().Get("state")
	require.NotEmpty(t, nonce)

	callback := h.URL + "/callback?" + url.Values{
		"code":  {authCode},
		"state": {nonce},
	}.Encode()

	resp, err = h.Client.Get(callback)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	id := clientIDPattern.FindSubmatch(body)
	secret := clientSecretPattern.FindSubmatch(body)
	require.NotNil(t, id, "client_id not found in callback page")
	require.NotNil(t, secret, "client_secret not found in callback page")

	return html.UnescapeString(string(id[1])), html.UnescapeString(string(secret[1]))
}

// token calls the client_credentials endpoint with Basic auth and
// returns the status and decoded JSON body.
func (h *harness) token(t *testing.T, clientID, clientSecret string) (int, map[string]any) {
	t.Helper()

	form := url.Values{"grant_type": {"client_credentials"}}

	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, h.URL+"/token", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(clientID, clientSecret)

	resp, err := h.Client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	return resp.StatusCode, body
}

func (h *harness) revoke(t *testing.T, clientID string) int {
	t.Helper()

	resp, err := h.Client.PostForm(h.URL+"/revoke", url.Values{"client_id": {clientID}})
	require.NoError(t, err)
	resp.Body.Close()

	return resp.StatusCode
}
