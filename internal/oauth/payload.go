package oauth

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"reflect"
)

// Grant payload field names (RFC 6749 Section 5.1).
const (
	FieldAccessToken      = "access_token"
	FieldTokenType        = "token_type"
	FieldExpiresIn        = "expires_in"
	FieldRefreshToken     = "refresh_token"
	FieldScope            = "scope"
	FieldError            = "error"
	FieldErrorDescription = "error_description"
	FieldErrorURI         = "error_uri"
)

// scrubbed are removed from a refreshable grant before it is stored.
var scrubbed = []string{FieldAccessToken, FieldTokenType, FieldExpiresIn}

// Payload is a decoded upstream token endpoint response. Provider
// specific fields are kept as is; numbers decode as json.Number so they
// round trip exactly.
type Payload map[string]any

// ParsePayload decodes a JSON object. Anything other than an object is
// an error.
func ParsePayload(data []byte) (Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var p Payload
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}

	if p == nil {
		return nil, fmt.Errorf("decoding payload: not a JSON object")
	}

	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decoding payload: trailing data after object")
	}

	return p, nil
}

// ErrorPayload builds the {error, error_description} shape used for
// synthesized upstream failures.
func ErrorPayload(code, description string) Payload {
	return Payload{FieldError: code, FieldErrorDescription: description}
}

// Has reports whether key is present, even with a null value.
func (p Payload) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// String returns key as a string. Non-string values are formatted,
// a missing or null key yields "".
func (p Payload) String(key string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return ""
	}

	if s, ok := v.(string); ok {
		return s
	}

	return fmt.Sprint(v)
}

// ErrorCode returns the raw "error" field, or "" when the payload is
// not an error response.
func (p Payload) ErrorCode() string {
	return p.String(FieldError)
}

// IsError reports whether the payload carries an "error" field.
func (p Payload) IsError() bool {
	return p.Has(FieldError)
}

// Valid reports whether the payload looks like a successful access
// token response: non-empty access_token and token_type.
func (p Payload) Valid() bool {
	return p.String(FieldAccessToken) != "" && p.String(FieldTokenType) != ""
}

// Refreshable reports whether the payload carries a refresh_token.
func (p Payload) Refreshable() bool {
	return p.Has(FieldRefreshToken)
}

// Clone returns a shallow copy.
func (p Payload) Clone() Payload {
	return maps.Clone(p)
}

// Scrub returns a copy without the short-lived access token fields.
func (p Payload) Scrub() Payload {
	out := p.Clone()
	for _, k := range scrubbed {
		delete(out, k)
	}

	return out
}

// ScrubIfRefreshable scrubs only payloads that carry a refresh_token.
// A non-refreshable grant is stored as is and served back verbatim.
func (p Payload) ScrubIfRefreshable() Payload {
	if p.Refreshable() {
		return p.Scrub()
	}

	return p.Clone()
}

// Equal compares two payloads by value.
func (p Payload) Equal(other Payload) bool {
	return reflect.DeepEqual(map[string]any(p), map[string]any(other))
}

// Merge applies a successful refresh response to the stored grant.
// It returns the grant to store and the payload to hand to the caller.
//
// The stored copy keeps everything except the access token fields and
// takes the new refresh_token if the provider rotated it. The response
// loses refresh_token and inherits the stored scope when the provider
// left it out.
func Merge(stored, refreshed Payload) (keep, response Payload) {
	response = refreshed.Clone()
	if !response.Has(FieldScope) && stored.Has(FieldScope) {
		response[FieldScope] = stored[FieldScope]
	}

	keep = stored.Scrub()
	if response.Has(FieldRefreshToken) {
		keep[FieldRefreshToken] = response[FieldRefreshToken]
		delete(response, FieldRefreshToken)
	}

	return keep, response
}
