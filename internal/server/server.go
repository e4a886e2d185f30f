// Package server is the HTTP boundary of the bridge: it parses requests,
// calls the protocol flows and turns their results into redirects,
// JSON token responses or rendered callback pages.
package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alexjbarnes/oauthclientbridge/internal/bridge"
	"github.com/alexjbarnes/oauthclientbridge/internal/metrics"
	"github.com/alexjbarnes/oauthclientbridge/internal/oauth"
	"github.com/alexjbarnes/oauthclientbridge/internal/render"
)

const (
	// maxRequestBody caps form bodies on the token and revoke endpoints.
	maxRequestBody = 64 * 1024

	endpointAuthorize = "authorize"
	endpointCallback  = "callback"
	endpointToken     = "token"
	endpointRevoke    = "revoke"
	endpointMetrics   = "metrics"
)

// Flows is the protocol surface the handlers call. *bridge.Bridge
// implements it.
type Flows interface {
	Authorize(ctx context.Context, req bridge.AuthorizeRequest) (string, error)
	Callback(ctx context.Context, req bridge.CallbackRequest) (bridge.Minted, error)
	Token(ctx context.Context, req bridge.TokenRequest) (oauth.Payload, error)
	Revoke(ctx context.Context, req bridge.RevokeRequest) error
}

// CookieConfig controls the session cookie set by authorize.
type CookieConfig struct {
	Name   string
	Secure bool
	MaxAge time.Duration
}

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Flows    Flows
	Renderer render.Renderer
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Cookie   CookieConfig
}

type handlers struct {
	flows    Flows
	renderer render.Renderer
	metrics  *metrics.Metrics
	logger   *slog.Logger
	cookie   CookieConfig
}

// NewMux builds the handler for the authorize, callback, token, revoke
// and metrics endpoints. Every response is marked uncacheable.
func NewMux(cfg MuxConfig) http.Handler {
	h := &handlers{
		flows:    cfg.Flows,
		renderer: cfg.Renderer,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		cookie:   cfg.Cookie,
	}

	if h.logger == nil {
		h.logger = slog.Default()
	}

	if h.renderer == nil {
		h.renderer = render.Default()
	}

	if h.cookie.Name == "" {
		h.cookie.Name = "oauth_session"
	}

	mux := http.NewServeMux()
	mux.Handle("GET /{$}", h.route(endpointAuthorize, h.handleAuthorize))
	mux.Handle("GET /callback", h.route(endpointCallback, h.handleCallback))
	mux.Handle("POST /token", h.route(endpointToken, h.handleToken))
	mux.Handle("POST /revoke", h.route(endpointRevoke, h.handleRevoke))
	mux.Handle("GET /metrics", h.route(endpointMetrics, cfg.Metrics.Handler().ServeHTTP))

	return noCache(mux)
}

// remoteIP extracts the IP address from r.RemoteAddr, stripping the
// port. Falls back to the raw value if parsing fails.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}
