package server

import (
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/alexjbarnes/oauthclientbridge/internal/oauth"
)

// noCache turns off caching since responses may carry credentials.
// Handlers that want caching set their own Cache-Control.
func noCache(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Pragma", "no-cache")
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the status and body size for request stats.
type statusRecorder struct {
	http.ResponseWriter
	status int
	size   int
	wrote  bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wrote {
		s.status = code
		s.wrote = true
	}

	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if !s.wrote {
		s.status = http.StatusOK
		s.wrote = true
	}

	n, err := s.ResponseWriter.Write(b)
	s.size += n

	return n, err
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// route wraps a handler with latency and size stats labelled by
// endpoint, and recovers panics into a 500 server_error.
func (h *handlers) route(endpoint string, fn http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		defer func() {
			if p := recover(); p != nil {
				if p == http.ErrAbortHandler {
					panic(p)
				}

				h.logger.Error("panic serving request",
					slog.String("endpoint", endpoint),
					slog.Any("panic", p),
					slog.String("stack", string(debug.Stack())),
				)

				if !rec.wrote {
					h.writeJSONError(rec, r, endpoint, http.StatusInternalServerError, oauth.NewError(oauth.ServerError, ""))
				}
			}

			h.metrics.ObserveServer(r.Method, endpoint, rec.status, time.Since(start), rec.size)
		}()

		fn(rec, r)
	})
}
