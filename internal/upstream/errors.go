package upstream

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Network failure classes used as metric status labels.
const (
	classConnectTimeout = "connection_timeout"
	classReadTimeout    = "read_timeout"
	classTLS            = "ssl_error"
	classProxy          = "proxy_error"
	classConnection     = "connection_error"
	classUnknown        = "unknown_error"
)

// Fixed descriptions handed to callers. Underlying error text can reveal
// internal network layout, so it only goes to logs.
const (
	descTimeout    = "Request timed out while connecting to provider."
	descConnection = "An error occurred while connecting to the provider."
	descUnknown    = "An unknown error occurred while talking to provider."
)

// classifyNetworkError maps a transport error to a class and a caller
// safe description. connected reports whether a connection was obtained
// before the failure, which separates connect from read timeouts.
func classifyNetworkError(err error, connected bool) (string, string) {
	if isTimeout(err) {
		if connected {
			return classReadTimeout, descTimeout
		}

		return classConnectTimeout, descTimeout
	}

	if isTLSError(err) {
		return classTLS, descConnection
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Op == "proxyconnect" {
			return classProxy, descConnection
		}

		return classConnection, descConnection
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return classConnection, descConnection
	}

	return classUnknown, descUnknown
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error

	return errors.As(err, &netErr) && netErr.Timeout()
}

func isTLSError(err error) bool {
	var (
		recordErr   tls.RecordHeaderError
		verifyErr   *tls.CertificateVerificationError
		alertErr    tls.AlertError
		unknownAuth x509.UnknownAuthorityError
		hostErr     x509.HostnameError
		invalidErr  x509.CertificateInvalidError
	)

	return errors.As(err, &recordErr) ||
		errors.As(err, &verifyErr) ||
		errors.As(err, &alertErr) ||
		errors.As(err, &unknownAuth) ||
		errors.As(err, &hostErr) ||
		errors.As(err, &invalidErr)
}

// parseRetryAfter reads a Retry-After header given as delay seconds or
// an HTTP date (RFC 9110 Section 10.2.3). Garbage and past dates yield 0.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}

	if secs, err := strconv.Atoi(value); err == nil {
		return max(0, time.Duration(secs)*time.Second)
	}

	t, err := http.ParseTime(value)
	if err != nil {
		return 0
	}

	return max(0, t.Sub(now).Truncate(time.Second))
}

// sanitizeResponseBody truncates and sanitizes a response body for
// logging. Limits to 256 bytes and replaces non-printable characters to
// prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}
