package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alexjbarnes/oauthclientbridge/internal/oauth"
	"github.com/alexjbarnes/oauthclientbridge/internal/render"
)

// basicChallenge is sent with every invalid_client response
// (RFC 6749 Section 5.2).
const basicChallenge = `Basic realm="oauth-client-bridge"`

// classify turns a flow error into the OAuth error shown to the caller
// and its HTTP status. Errors that are not *oauth.Error are logged and
// answered with a generic server_error.
func (h *handlers) classify(r *http.Request, endpoint string, err error) (*oauth.Error, int) {
	var oerr *oauth.Error
	if !errors.As(err, &oerr) {
		h.logger.ErrorContext(r.Context(), "request failed",
			slog.String("endpoint", endpoint),
			slog.String("error", err.Error()),
		)

		return oauth.NewError(oauth.ServerError, ""), http.StatusInternalServerError
	}

	switch {
	case oerr.Code == oauth.InvalidClient:
		return oerr, http.StatusUnauthorized
	case oerr.RetryAfter > 0:
		return oerr, http.StatusTooManyRequests
	case oerr.Code == oauth.IntegrityError:
		return oerr, http.StatusInternalServerError
	default:
		return oerr, http.StatusBadRequest
	}
}

// setErrorHeaders adds the authentication challenge or retry hint.
func setErrorHeaders(w http.ResponseWriter, status int, oerr *oauth.Error) {
	switch status {
	case http.StatusUnauthorized:
		w.Header().Set("WWW-Authenticate", basicChallenge)
	case http.StatusTooManyRequests:
		w.Header().Set("Retry-After", strconv.Itoa(int(oerr.RetryAfter.Seconds())+1))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeTokenError answers a token endpoint failure with the RFC 6749
// Section 5.2 JSON body.
func (h *handlers) writeTokenError(w http.ResponseWriter, r *http.Request, endpoint string, err error) {
	oerr, status := h.classify(r, endpoint, err)
	setErrorHeaders(w, status, oerr)
	h.writeJSONError(w, r, endpoint, status, oerr)
}

func (h *handlers) writeJSONError(w http.ResponseWriter, r *http.Request, endpoint string, status int, oerr *oauth.Error) {
	h.metrics.CountServerError(r.Method, endpoint, status, oerr.Code)

	body := map[string]string{oauth.FieldError: oerr.Code}
	if desc := oerr.Describe(); desc != "" {
		body[oauth.FieldErrorDescription] = desc
	}

	if oerr.URI != "" {
		body[oauth.FieldErrorURI] = oerr.URI
	}

	writeJSON(w, status, body)
}

// writePageError renders a flow failure on the callback page.
func (h *handlers) writePageError(w http.ResponseWriter, r *http.Request, endpoint string, err error) {
	oerr, status := h.classify(r, endpoint, err)
	setErrorHeaders(w, status, oerr)
	h.metrics.CountServerError(r.Method, endpoint, status, oerr.Code)

	h.writePage(w, r, endpoint, status, map[string]string{
		render.VarError:       oerr.Code,
		render.VarDescription: oerr.Describe(),
		render.VarState:       oerr.State,
	})
}

func (h *handlers) writePage(w http.ResponseWriter, r *http.Request, endpoint string, status int, vars map[string]string) {
	body, err := h.renderer.Render(vars)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "rendering page failed",
			slog.String("endpoint", endpoint),
			slog.String("error", err.Error()),
		)
		h.metrics.CountServerError(r.Method, endpoint, http.StatusInternalServerError, oauth.ServerError)
		http.Error(w, oauth.ServerError, http.StatusInternalServerError)

		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "frame-ancestors 'none'")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
