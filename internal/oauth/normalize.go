package oauth

// Set is a set of error codes accepted on a given flow.
type Set map[string]struct{}

func newSet(codes ...string) Set {
	s := make(Set, len(codes))
	for _, c := range codes {
		s[c] = struct{}{}
	}

	return s
}

// Has reports whether code is in the set.
func (s Set) Has(code string) bool {
	_, ok := s[code]
	return ok
}

// AuthorizationErrors are the codes an authorization endpoint may
// return (RFC 6749 Section 4.1.2.1).
var AuthorizationErrors = newSet(
	InvalidRequest,
	UnauthorizedClient,
	AccessDenied,
	UnsupportedResponseType,
	InvalidScope,
	ServerError,
	TemporarilyUnavailable,
)

// TokenErrors are the codes a token endpoint may return (RFC 6749
// Section 5.2). server_error and temporarily_unavailable are not listed
// there but providers send them anyway.
var TokenErrors = newSet(
	InvalidRequest,
	InvalidClient,
	InvalidGrant,
	UnauthorizedClient,
	UnsupportedGrantType,
	InvalidScope,
	ServerError,
	TemporarilyUnavailable,
)

// Normalizer maps provider error tokens to canonical codes.
type Normalizer struct {
	renames map[string]string
}

// NewNormalizer returns a Normalizer applying renames before the set
// membership check. A nil map is fine.
func NewNormalizer(renames map[string]string) *Normalizer {
	copied := make(map[string]string, len(renames))
	for k, v := range renames {
		copied[k] = v
	}

	return &Normalizer{renames: copied}
}

// Rename applies only the rename table.
func (n *Normalizer) Rename(raw string) string {
	if n == nil {
		return raw
	}

	if renamed, ok := n.renames[raw]; ok {
		return renamed
	}

	return raw
}

// Normalize renames raw and returns it if allowed contains it, otherwise
// server_error.
func (n *Normalizer) Normalize(raw string, allowed Set) string {
	code := n.Rename(raw)
	if !allowed.Has(code) {
		return ServerError
	}

	return code
}
