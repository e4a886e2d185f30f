// Package bridge implements the authorize, callback, token and revoke
// flows that turn one upstream Authorization Code grant into a
// downstream Client Credentials pair.
//
// Operations return *oauth.Error for protocol failures. Any other error
// is unexpected and the HTTP layer answers it with a 500 server_error.
package bridge

//go:generate mockgen -destination=mock_credentials_test.go -package=bridge github.com/alexjbarnes/oauthclientbridge/internal/state Credentials

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/alexjbarnes/oauthclientbridge/internal/crypto"
	apperrors "github.com/alexjbarnes/oauthclientbridge/internal/errors"
	"github.com/alexjbarnes/oauthclientbridge/internal/oauth"
	"github.com/alexjbarnes/oauthclientbridge/internal/ratelimit"
	"github.com/alexjbarnes/oauthclientbridge/internal/session"
	"github.com/alexjbarnes/oauthclientbridge/internal/state"
	"github.com/alexjbarnes/oauthclientbridge/internal/upstream"
	"golang.org/x/oauth2"
)

const (
	grantAuthorizationCode = "authorization_code"
	grantClientCredentials = "client_credentials"
	grantRefreshToken      = "refresh_token"

	endpointToken   = "token"
	endpointRefresh = "refresh"
)

// Fetcher performs one logical upstream token endpoint call. Failures
// come back as error payloads, never as Go errors.
type Fetcher interface {
	Fetch(ctx context.Context, r upstream.Request) oauth.Payload
}

// Config is the upstream client registration and flow settings.
type Config struct {
	ClientID         string
	ClientSecret     string
	AuthorizationURI string
	TokenURI         string
	// RefreshURI defaults to TokenURI.
	RefreshURI  string
	RedirectURI string
	Scopes      []string
	// RefreshGrantType defaults to "refresh_token".
	RefreshGrantType string
	// ErrorLogLevels overrides the level callback errors are logged at,
	// keyed by error code. Unlisted codes log at error.
	ErrorLogLevels map[string]slog.Level
}

// Deps are the collaborators a Bridge calls into.
type Deps struct {
	Store      state.Credentials
	Limiter    *ratelimit.Limiter
	Sessions   session.Store
	Fetcher    Fetcher
	Normalizer *oauth.Normalizer
	Logger     *slog.Logger
}

// Bridge runs the protocol flows. It is safe for concurrent use.
type Bridge struct {
	cfg        Config
	authorize  oauth2.Config
	store      state.Credentials
	limiter    *ratelimit.Limiter
	sessions   session.Store
	fetcher    Fetcher
	normalizer *oauth.Normalizer
	logger     *slog.Logger

	newKey   func() (string, error)
	newNonce func() (string, error)
}

// New returns a Bridge. A nil Limiter disables rate limiting.
func New(cfg Config, d Deps) *Bridge {
	if cfg.RefreshURI == "" {
		cfg.RefreshURI = cfg.TokenURI
	}

	if cfg.RefreshGrantType == "" {
		cfg.RefreshGrantType = grantRefreshToken
	}

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Bridge{
		cfg: cfg,
		authorize: oauth2.Config{
			ClientID:    cfg.ClientID,
			RedirectURL: cfg.RedirectURI,
			Scopes:      cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthorizationURI,
				TokenURL: cfg.TokenURI,
			},
		},
		store:      d.Store,
		limiter:    d.Limiter,
		sessions:   d.Sessions,
		fetcher:    d.Fetcher,
		normalizer: d.Normalizer,
		logger:     logger,
		newKey:     crypto.GenerateKey,
		newNonce:   session.NewID,
	}
}

// --- Authorize ---

// AuthorizeRequest is a parsed GET /.
type AuthorizeRequest struct {
	RemoteAddr string
	// SessionID is the cookie value the nonce is saved under.
	SessionID string
	// RedirectURI, when set, must equal the registered redirect URI.
	RedirectURI string
	// Scope replaces the configured scopes when set.
	Scope string
	// State is the caller's opaque value, echoed back on callback.
	State string
}

// Authorize saves a fresh nonce for the session and returns the
// upstream authorization URL to redirect to.
func (b *Bridge) Authorize(ctx context.Context, req AuthorizeRequest) (string, error) {
	if err := b.limit(ctx, req.RemoteAddr); err != nil {
		return "", err
	}

	if req.RedirectURI != "" && req.RedirectURI != b.cfg.RedirectURI {
		return "", oauth.NewError(oauth.InvalidRequest, "redirect_uri does not match the registered redirect URI.")
	}

	if req.SessionID == "" {
		return "", errors.New("authorize: missing session id")
	}

	nonce, err := b.newNonce()
	if err != nil {
		return "", err
	}

	sess := session.Session{Nonce: nonce, ClientState: req.State}
	if err := b.sessions.Save(ctx, req.SessionID, sess); err != nil {
		return "", fmt.Errorf("saving session: %w", err)
	}

	var opts []oauth2.AuthCodeOption
	if req.Scope != "" {
		opts = append(opts, oauth2.SetAuthURLParam(oauth.FieldScope, req.Scope))
	}

	return b.authorize.AuthCodeURL(nonce, opts...), nil
}

// --- Callback ---

// CallbackRequest is a parsed GET /callback.
type CallbackRequest struct {
	RemoteAddr string
	SessionID  string
	Query      url.Values
}

// Minted is a freshly issued downstream credential pair.
type Minted struct {
	ClientID     string
	ClientSecret string
	// State is the caller's opaque value from authorize.
	State string
}

// Callback validates the provider redirect, trades the code for a grant
// and stores it under a new credential pair. The session is consumed
// before anything else is checked, so a callback can only be used once.
func (b *Bridge) Callback(ctx context.Context, req CallbackRequest) (Minted, error) {
	var (
		sess session.Session
		ok   bool
	)

	if req.SessionID != "" {
		var err error

		sess, ok, err = b.sessions.Pop(ctx, req.SessionID)
		if err != nil {
			return Minted{}, fmt.Errorf("loading session: %w", err)
		}
	}

	// Checked after the pop so a throttled callback still burns the nonce.
	if err := b.limit(ctx, req.RemoteAddr); err != nil {
		var oerr *oauth.Error
		if errors.As(err, &oerr) {
			oerr.State = sess.ClientState
		}

		return Minted{}, err
	}

	fail := func(code, desc string) error {
		return &oauth.Error{Code: code, Description: desc, State: sess.ClientState}
	}

	q := req.Query
	if code, desc := b.checkCallback(q, sess, ok); code != "" {
		b.logCallback(ctx, req.RemoteAddr, code, desc, q)
		return Minted{}, fail(code, desc)
	}

	result := b.fetcher.Fetch(ctx, upstream.Request{
		Endpoint:     endpointToken,
		URI:          b.cfg.TokenURI,
		ClientID:     b.cfg.ClientID,
		ClientSecret: b.cfg.ClientSecret,
		Form: url.Values{
			"grant_type":   {grantAuthorizationCode},
			"redirect_uri": {b.cfg.RedirectURI},
			"code":         {q.Get("code")},
		},
	})

	var code, desc string

	switch {
	case result.IsError():
		code = b.normalizer.Normalize(result.ErrorCode(), oauth.TokenErrors)
		desc = oauth.Describe(code, "")
	case !result.Valid():
		code = oauth.InvalidResponse
		desc = "Invalid response from provider."
	}

	if code != "" {
		b.logger.WarnContext(ctx, "retrieving token failed",
			slog.String("error", code),
			slog.String("upstream_error", result.ErrorCode()),
			slog.String("upstream_description", result.String(oauth.FieldErrorDescription)),
		)

		return Minted{}, fail(code, desc)
	}

	secret, err := b.newKey()
	if err != nil {
		return Minted{}, err
	}

	token, err := crypto.Encode(secret, result.ScrubIfRefreshable())
	if err != nil {
		return Minted{}, err
	}

	clientID, err := b.store.Insert(context.WithoutCancel(ctx), token)
	if errors.Is(err, apperrors.ErrIntegrity) {
		b.logger.WarnContext(ctx, "could not get unique client id")
		return Minted{}, fail(oauth.IntegrityError, "Database integrity error.")
	}

	if err != nil {
		return Minted{}, fmt.Errorf("storing grant: %w", err)
	}

	b.logger.InfoContext(ctx, "issued client credentials",
		slog.String("client_id", clientID),
		slog.Bool("refreshable", result.Refreshable()),
	)

	return Minted{ClientID: clientID, ClientSecret: secret, State: sess.ClientState}, nil
}

// checkCallback applies the callback checks in order and returns the
// first failure, or an empty code.
func (b *Bridge) checkCallback(q url.Values, sess session.Session, ok bool) (code, desc string) {
	switch {
	case len(q) == 0:
		return oauth.InvalidRequest, "No arguments provided, request is invalid."
	case !ok:
		return oauth.InvalidState, "Client state is not set, this page was probably refreshed."
	case subtle.ConstantTimeCompare([]byte(sess.Nonce), []byte(q.Get("state"))) != 1:
		return oauth.InvalidState, "Client state does not match callback state."
	case q.Has("error"):
		code = b.normalizer.Normalize(q.Get("error"), oauth.AuthorizationErrors)
		return code, oauth.Describe(code, "")
	case q.Get("code") == "":
		return oauth.InvalidRequest, "Authorization code missing from provider callback."
	}

	return "", ""
}

func (b *Bridge) logCallback(ctx context.Context, remote, code, desc string, q url.Values) {
	level, ok := b.cfg.ErrorLogLevels[code]
	if !ok {
		level = slog.LevelError
	}

	attrs := []slog.Attr{
		slog.String("error", code),
		slog.String("description", desc),
		slog.String("remote_addr", remote),
	}
	if code == oauth.InvalidScope {
		attrs = append(attrs, slog.String("scope", q.Get("scope")))
	}

	b.logger.LogAttrs(ctx, level, "callback failed", attrs...)
}

// --- Token ---

// TokenRequest is a parsed POST /token.
type TokenRequest struct {
	RemoteAddr string
	Form       url.Values
	// Authorization is the raw Authorization header.
	Authorization string
}

// Token authenticates a bridged credential pair and returns a live
// grant, refreshing it upstream when the stored grant is refreshable.
func (b *Bridge) Token(ctx context.Context, req TokenRequest) (oauth.Payload, error) {
	if err := b.limit(ctx, req.RemoteAddr); err != nil {
		return nil, err
	}

	clientID, clientSecret, err := authenticate(req)
	if err != nil {
		return nil, err
	}

	if err := b.limit(ctx, clientID); err != nil {
		return nil, err
	}

	token, err := b.store.Lookup(ctx, clientID)
	if errors.Is(err, apperrors.ErrClientNotFound) {
		return nil, errClientNotKnown()
	}

	if err != nil {
		return nil, fmt.Errorf("looking up client: %w", err)
	}

	if token == state.Revoked {
		return nil, oauth.NewError(oauth.InvalidGrant, "Grant has been revoked.")
	}

	var stored oauth.Payload
	if err := crypto.Decode(clientSecret, token, &stored); err != nil || stored == nil {
		// Same answer as an unknown id so valid ids are not revealed.
		return nil, errClientNotKnown()
	}

	if !stored.Refreshable() {
		return stored, nil
	}

	return b.refresh(ctx, clientID, clientSecret, stored)
}

func (b *Bridge) refresh(ctx context.Context, clientID, clientSecret string, stored oauth.Payload) (oauth.Payload, error) {
	result := b.fetcher.Fetch(ctx, upstream.Request{
		Endpoint:     endpointRefresh,
		URI:          b.cfg.RefreshURI,
		ClientID:     b.cfg.ClientID,
		ClientSecret: b.cfg.ClientSecret,
		Form: url.Values{
			"grant_type":    {b.cfg.RefreshGrantType},
			"refresh_token": {stored.String(oauth.FieldRefreshToken)},
		},
	})

	if result.IsError() {
		code := b.normalizer.Normalize(result.ErrorCode(), oauth.TokenErrors)
		attrs := []slog.Attr{
			slog.String("client_id", clientID),
			slog.String("error", code),
			slog.String("upstream_error", result.ErrorCode()),
			slog.String("upstream_description", result.String(oauth.FieldErrorDescription)),
		}

		switch code {
		case oauth.InvalidGrant:
			b.revoke(ctx, clientID)
		case oauth.TemporarilyUnavailable:
			b.logger.LogAttrs(ctx, slog.LevelWarn, "token refresh failed", attrs...)
		default:
			b.logger.LogAttrs(ctx, slog.LevelError, "token refresh failed", attrs...)
		}

		// Client Credentials token errors share the Authorization Code
		// vocabulary (RFC 6749 Section 5.2), so the upstream error is
		// passed through.
		return nil, &oauth.Error{
			Code:        code,
			Description: result.String(oauth.FieldErrorDescription),
			URI:         result.String(oauth.FieldErrorURI),
		}
	}

	if !result.Valid() {
		return nil, oauth.NewError(oauth.InvalidRequest, "Invalid response from provider.")
	}

	keep, response := oauth.Merge(stored, result)
	if keep.Equal(stored) {
		return response, nil
	}

	token, err := crypto.Encode(clientSecret, keep)
	if err != nil {
		return nil, err
	}

	rows, err := b.store.Update(context.WithoutCancel(ctx), clientID, token)

	switch {
	case err != nil:
		b.logger.ErrorContext(ctx, "storing rotated refresh token failed",
			slog.String("client_id", clientID),
			slog.String("error", err.Error()),
		)
	case rows == 0:
		b.logger.WarnContext(ctx, "client removed during refresh", slog.String("client_id", clientID))
	default:
		b.logger.InfoContext(ctx, "updated stored grant", slog.String("client_id", clientID))
	}

	return response, nil
}

// authenticate extracts the client credentials following RFC 6749
// Section 2.3.1: HTTP Basic or form fields, never both.
func authenticate(req TokenRequest) (clientID, clientSecret string, err error) {
	form := req.Form

	if form.Get("grant_type") != grantClientCredentials {
		return "", "", oauth.NewError(oauth.UnsupportedGrantType, `Only "client_credentials" is supported.`)
	}

	if form.Get(oauth.FieldScope) != "" {
		return "", "", oauth.NewError(oauth.InvalidScope, "Setting scope is not supported.")
	}

	basicID, basicSecret, hasBasic, supported := parseAuthorization(req.Authorization)
	if !supported {
		return "", "", oauth.NewError(oauth.InvalidClient, "Only Basic Auth is supported.")
	}

	clientID = form.Get("client_id")
	clientSecret = form.Get("client_secret")

	if hasBasic {
		if clientID != "" || clientSecret != "" {
			return "", "", oauth.NewError(oauth.InvalidRequest, "More than one mechanism for authenticating set.")
		}

		clientID, clientSecret = basicID, basicSecret
	}

	if clientID == "" || clientSecret == "" {
		return "", "", oauth.NewError(oauth.InvalidClient, "Both client_id and client_secret must be set.")
	}

	if clientID == clientSecret {
		return "", "", oauth.NewError(oauth.InvalidClient, "client_id and client_secret set to same value.")
	}

	return clientID, clientSecret, nil
}

// parseAuthorization splits an Authorization header. A header with a
// scheme other than Basic is unsupported. A Basic header that does not
// decode is treated as absent.
func parseAuthorization(header string) (user, pass string, ok, supported bool) {
	if header == "" {
		return "", "", false, true
	}

	scheme, _, _ := strings.Cut(header, " ")
	if !strings.EqualFold(scheme, "basic") {
		return "", "", false, false
	}

	user, pass, ok = basicAuth(header)

	return user, pass, ok, true
}

func basicAuth(header string) (user, pass string, ok bool) {
	r := &http.Request{Header: http.Header{"Authorization": {header}}}
	return r.BasicAuth()
}

func errClientNotKnown() *oauth.Error {
	return oauth.NewError(oauth.InvalidClient, "Client not known.")
}

// --- Revoke ---

// RevokeRequest is a parsed POST /revoke.
type RevokeRequest struct {
	RemoteAddr string
	ClientID   string
}

// Revoke marks a credential revoked. It only fails when rate limited,
// so the result never reveals whether the id exists.
func (b *Bridge) Revoke(ctx context.Context, req RevokeRequest) error {
	if err := b.limit(ctx, req.RemoteAddr); err != nil {
		var oerr *oauth.Error
		if errors.As(err, &oerr) {
			return err
		}

		b.logger.ErrorContext(ctx, "rate limit check failed", slog.String("error", err.Error()))
	}

	if req.ClientID == "" {
		return nil
	}

	b.revoke(ctx, req.ClientID)

	return nil
}

func (b *Bridge) revoke(ctx context.Context, clientID string) {
	rows, err := b.store.Update(context.WithoutCancel(ctx), clientID, state.Revoked)

	switch {
	case err != nil:
		b.logger.ErrorContext(ctx, "revoking grant failed",
			slog.String("client_id", clientID),
			slog.String("error", err.Error()),
		)
	case rows == 0:
		b.logger.InfoContext(ctx, "revoke for unknown client", slog.String("client_id", clientID))
	default:
		b.logger.WarnContext(ctx, "revoked", slog.String("client_id", clientID))
	}
}

// --- Rate limiting ---

// limit records a hit for each key and fails on the first one that is
// over capacity.
func (b *Bridge) limit(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		wait, err := b.limiter.Check(context.WithoutCancel(ctx), key)
		if err != nil {
			return err
		}

		if wait > 0 {
			b.logger.WarnContext(ctx, "rate limited",
				slog.String("key", ratelimit.Key(key)),
				slog.Duration("wait", wait),
			)

			return oauth.RateLimited(wait)
		}
	}

	return nil
}
