package server

import (
	"net/http"

	"github.com/alexjbarnes/oauthclientbridge/internal/bridge"
	"github.com/alexjbarnes/oauthclientbridge/internal/oauth"
	"github.com/alexjbarnes/oauthclientbridge/internal/render"
	"github.com/alexjbarnes/oauthclientbridge/internal/session"
)

const revokedDescription = "Revoked access to client."

func (h *handlers) sessionCookie(value string) *http.Cookie {
	return &http.Cookie{
		Name:     h.cookie.Name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(h.cookie.MaxAge.Seconds()),
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// handleAuthorize starts a session and redirects to the provider.
func (h *handlers) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	id, err := session.NewID()
	if err != nil {
		h.writePageError(w, r, endpointAuthorize, err)
		return
	}

	q := r.URL.Query()

	location, err := h.flows.Authorize(r.Context(), bridge.AuthorizeRequest{
		RemoteAddr:  remoteIP(r),
		SessionID:   id,
		RedirectURI: q.Get("redirect_uri"),
		Scope:       q.Get("scope"),
		State:       q.Get("state"),
	})
	if err != nil {
		h.writePageError(w, r, endpointAuthorize, err)
		return
	}

	http.SetCookie(w, h.sessionCookie(id))
	http.Redirect(w, r, location, http.StatusFound)
}

// handleCallback consumes the session cookie and shows the minted
// credentials.
func (h *handlers) handleCallback(w http.ResponseWriter, r *http.Request) {
	var sessionID string
	if c, err := r.Cookie(h.cookie.Name); err == nil {
		sessionID = c.Value
	}

	// The session can only be used once, drop the cookie either way.
	expired := h.sessionCookie("")
	expired.MaxAge = -1
	http.SetCookie(w, expired)

	minted, err := h.flows.Callback(r.Context(), bridge.CallbackRequest{
		RemoteAddr: remoteIP(r),
		SessionID:  sessionID,
		Query:      r.URL.Query(),
	})
	if err != nil {
		h.writePageError(w, r, endpointCallback, err)
		return
	}

	h.writePage(w, r, endpointCallback, http.StatusOK, map[string]string{
		render.VarClientID:     minted.ClientID,
		render.VarClientSecret: minted.ClientSecret,
		render.VarState:        minted.State,
	})
}

// handleToken is the Client Credentials token endpoint (RFC 6749
// Section 4.4). Only the form body is read, never the query string.
func (h *handlers) handleToken(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	if err := r.ParseForm(); err != nil {
		h.writeTokenError(w, r, endpointToken, oauth.NewError(oauth.InvalidRequest, "Invalid form data."))
		return
	}

	payload, err := h.flows.Token(r.Context(), bridge.TokenRequest{
		RemoteAddr:    remoteIP(r),
		Form:          r.PostForm,
		Authorization: r.Header.Get("Authorization"),
	})
	if err != nil {
		h.writeTokenError(w, r, endpointToken, err)
		return
	}

	writeJSON(w, http.StatusOK, payload)
}

// handleRevoke always confirms, whether or not the client existed.
func (h *handlers) handleRevoke(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	_ = r.ParseForm()

	err := h.flows.Revoke(r.Context(), bridge.RevokeRequest{
		RemoteAddr: remoteIP(r),
		ClientID:   r.PostForm.Get("client_id"),
	})
	if err != nil {
		h.writePageError(w, r, endpointRevoke, err)
		return
	}

	h.writePage(w, r, endpointRevoke, http.StatusOK, map[string]string{
		render.VarDescription: revokedDescription,
	})
}
