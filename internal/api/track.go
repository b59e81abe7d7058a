package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"visitstats/internal/analytics"
)

// Tracking records page views for the admin panel's main pages in the
// background. The wrapped request is never delayed or failed by it.
type Tracking struct {
	recorder   *analytics.Recorder
	trustProxy bool
	timeout    time.Duration
	wg         sync.WaitGroup
}

func NewTracking(recorder *analytics.Recorder, trustProxy bool) *Tracking {
	return &Tracking{recorder: recorder, trustProxy: trustProxy, timeout: 10 * time.Second}
}

// trackedPage maps a request path to the page it is recorded as. Only the
// panel's entry points count; every /admin/* route collapses to /admin.
func trackedPage(p string) (string, bool) {
	switch {
	case strings.HasPrefix(p, "/api/"), strings.HasPrefix(p, "/uploads/"), strings.Contains(p, "."):
		return "", false
	case p == "/", p == "/login", p == "/color-card":
		return p, true
	case p == "/admin", strings.HasPrefix(p, "/admin/"):
		return "/admin", true
	}
	return "", false
}

// Wrap records a visit for each tracked GET before handing the request on.
func (t *Tracking) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if page, ok := trackedPage(r.URL.Path); ok && r.Method == http.MethodGet {
			hit := analytics.Hit{
				IP:        clientIP(r, t.trustProxy),
				UserAgent: r.UserAgent(),
				Page:      page,
				Referrer:  optional(r.Referer()),
			}
			ctx := context.WithoutCancel(r.Context())
			t.wg.Add(1)
			go func() {
				defer t.wg.Done()
				ctx, cancel := context.WithTimeout(ctx, t.timeout)
				defer cancel()
				if res := t.recorder.Record(ctx, hit); res.Failed() {
					slog.Debug("page view not recorded", "page", hit.Page, "err", res.Err)
				}
			}()
		}
		next.ServeHTTP(w, r)
	})
}

// Wait blocks until every in-flight recording has finished. Call it after
// the HTTP server has shut down and before closing the database.
func (t *Tracking) Wait() {
	t.wg.Wait()
}
