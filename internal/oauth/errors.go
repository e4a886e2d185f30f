// Package oauth holds the OAuth 2.0 error taxonomy and grant payload
// helpers shared by the bridge, the upstream client and the HTTP layer.
package oauth

import (
	"fmt"
	"time"
)

// Error codes from RFC 6749 Sections 4.1.2.1 and 5.2.
const (
	InvalidRequest          = "invalid_request"
	InvalidClient           = "invalid_client"
	InvalidGrant            = "invalid_grant"
	UnauthorizedClient      = "unauthorized_client"
	AccessDenied            = "access_denied"
	UnsupportedResponseType = "unsupported_response_type"
	UnsupportedGrantType    = "unsupported_grant_type"
	InvalidScope            = "invalid_scope"
	ServerError             = "server_error"
	TemporarilyUnavailable  = "temporarily_unavailable"
)

// Bridge specific codes. These never come from upstream.
const (
	InvalidState    = "invalid_state"
	InvalidResponse = "invalid_response"
	IntegrityError  = "integrity_error"
)

// descriptions are the fixed RFC 6749 texts used when no override is given.
var descriptions = map[string]string{
	InvalidRequest: "The request is missing a required parameter, includes an invalid " +
		"parameter value, includes a parameter more than once, or is otherwise malformed.",
	InvalidClient: "Client authentication failed (e.g., unknown client, no client " +
		"authentication included, or unsupported authentication method).",
	InvalidGrant:       "The provided authorization grant or refresh token is invalid, expired or revoked.",
	UnauthorizedClient: "The client is not authorized to perform this action.",
	AccessDenied:       "The resource owner or authorization server denied the request.",
	UnsupportedResponseType: "The authorization server does not support obtaining an " +
		"authorization code using this method.",
	UnsupportedGrantType: "The authorization grant type is not supported by the authorization server.",
	InvalidScope:         "The requested scope is invalid, unknown, or malformed.",
	ServerError: "The server encountered an unexpected condition that prevented it from " +
		"fulfilling the request.",
	TemporarilyUnavailable: "The server is currently unable to handle the request due to a " +
		"temporary overloading or maintenance of the server.",
}

// Known reports whether code is one of the canonical RFC 6749 codes.
func Known(code string) bool {
	_, ok := descriptions[code]
	return ok
}

// Describe returns override when set, otherwise the fixed description
// for code. Unknown codes without an override yield "".
func Describe(code, override string) string {
	if override != "" {
		return override
	}

	return descriptions[code]
}

// Error is a protocol error returned by the bridge operations. The HTTP
// layer turns it into a JSON body or a rendered callback page.
type Error struct {
	Code        string
	Description string
	URI         string

	// State is the caller's opaque state echoed back on callback errors.
	State string

	// RetryAfter is set when the request was rate limited.
	RetryAfter time.Duration
}

// NewError builds an Error with an optional description override.
func NewError(code, description string) *Error {
	return &Error{Code: code, Description: description}
}

func (e *Error) Error() string {
	if desc := e.Describe(); desc != "" {
		return fmt.Sprintf("%s: %s", e.Code, desc)
	}

	return e.Code
}

// Describe returns the description override or the fixed text.
func (e *Error) Describe() string {
	return Describe(e.Code, e.Description)
}

// RateLimited builds the error returned when a bucket trips.
func RateLimited(wait time.Duration) *Error {
	return &Error{
		Code:        InvalidRequest,
		Description: "Too many requests.",
		RetryAfter:  wait,
	}
}
