// Package httplog wraps handlers with request logging, request IDs and
// per-route Prometheus metrics.
package httplog

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"visitstats/internal/metrics"
)

const RequestIDHeader = "X-Request-ID"

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// route returns the mux pattern that served r. ServeMux sets it on the
// request in place, so it is available once the handler returns.
func route(r *http.Request) string {
	if r.Pattern == "" {
		return "unmatched"
	}
	return r.Pattern
}

// Wrap returns an http.Handler that logs each request with method, path,
// status code, and duration, and records it under its route pattern. A
// client-supplied X-Request-ID is echoed back; otherwise one is generated.
// Extra slog attributes are prepended to every log line.
func Wrap(h http.Handler, attrs ...slog.Attr) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)

		rec := &statusRecorder{ResponseWriter: w, status: 200}
		start := time.Now()
		h.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		metrics.ObserveRequest(route(r), rec.status, elapsed)

		args := make([]any, 0, len(attrs)+5)
		for _, a := range attrs {
			args = append(args, a)
		}
		args = append(args, "id", id, "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", elapsed)
		if rec.status >= 500 {
			slog.Warn("request", args...)
			return
		}
		slog.Info("request", args...)
	})
}
