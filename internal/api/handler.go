// Package api exposes visit recording, presence and statistics over HTTP.
// Every route lives under /visits and answers with a {success, ...} JSON
// envelope.
package api

import (
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"visitstats/internal/analytics"
	"visitstats/internal/metrics"
	"visitstats/internal/presence"
	"visitstats/internal/serve"
)

// Options tunes the HTTP layer.
type Options struct {
	// TrustProxy attributes hits to X-Forwarded-For / X-Real-IP.
	TrustProxy bool
	// ExportEvery and ExportBurst throttle /visits/export across all
	// clients. Zero selects one export per 10s with a burst of 3.
	ExportEvery time.Duration
	ExportBurst int
}

// --- shared deps ---

type handlerDeps struct {
	store      *analytics.Store
	recorder   *analytics.Recorder
	aggregator *analytics.Aggregator
	tracker    *presence.Tracker
	trustProxy bool
}

// Handlers groups all /visits handlers.
type Handlers struct {
	Record      *RecordHandler
	Heartbeat   *HeartbeatHandler
	Offline     *OfflineHandler
	Cleanup     *CleanupHandler
	Online      *OnlineHandler
	Trends      *TrendsHandler
	Pages       *PagesHandler
	Overview    *OverviewHandler
	Popular     *PopularHandler
	Referrers   *ReferrersHandler
	Hourly      *HourlyHandler
	Details     *DetailsHandler
	Export      *ExportHandler
	IPFrequency *IPFrequencyHandler
	Realtime    *RealtimeHandler
	Dashboard   *DashboardHandler
	Health      *HealthHandler
}

func NewHandlers(store *analytics.Store, recorder *analytics.Recorder, aggregator *analytics.Aggregator, tracker *presence.Tracker, opts Options) *Handlers {
	if opts.ExportEvery <= 0 {
		opts.ExportEvery = 10 * time.Second
	}
	if opts.ExportBurst <= 0 {
		opts.ExportBurst = 3
	}
	d := handlerDeps{
		store:      store,
		recorder:   recorder,
		aggregator: aggregator,
		tracker:    tracker,
		trustProxy: opts.TrustProxy,
	}
	return &Handlers{
		Record:    &RecordHandler{d},
		Heartbeat: &HeartbeatHandler{d},
		Offline:   &OfflineHandler{d},
		Cleanup:   &CleanupHandler{d},
		Online:    &OnlineHandler{d},
		Trends:    &TrendsHandler{d},
		Pages:     &PagesHandler{d},
		Overview:  &OverviewHandler{d},
		Popular:   &PopularHandler{d},
		Referrers: &ReferrersHandler{d},
		Hourly:    &HourlyHandler{d},
		Details:   &DetailsHandler{d},
		Export: &ExportHandler{
			handlerDeps: d,
			limiter:     rate.NewLimiter(rate.Every(opts.ExportEvery), opts.ExportBurst),
			retryAfter:  opts.ExportEvery,
		},
		IPFrequency: &IPFrequencyHandler{d},
		Realtime:    &RealtimeHandler{d},
		Dashboard:   &DashboardHandler{d},
		Health:      NewHealthHandler(store),
	}
}

// RegisterRoutes mounts the API, health check and metrics on mux. Read
// endpoints are compressed.
func RegisterRoutes(mux *http.ServeMux, h *Handlers) {
	mux.Handle("POST /visits/record", h.Record)
	mux.Handle("POST /visits/heartbeat", h.Heartbeat)
	mux.Handle("POST /visits/offline", h.Offline)
	mux.Handle("POST /visits/cleanup", h.Cleanup)

	mux.Handle("GET /visits/online", h.Online)
	mux.Handle("GET /visits/trends", serve.Compress(h.Trends))
	mux.Handle("GET /visits/pages", serve.Compress(h.Pages))
	mux.Handle("GET /visits/overview", h.Overview)
	mux.Handle("GET /visits/popular", serve.Compress(h.Popular))
	mux.Handle("GET /visits/referrers", serve.Compress(h.Referrers))
	mux.Handle("GET /visits/hourly", serve.Compress(h.Hourly))
	mux.Handle("GET /visits/details", serve.Compress(h.Details))
	mux.Handle("GET /visits/export", serve.Compress(h.Export))
	mux.Handle("GET /visits/ip/{ip}/frequency", h.IPFrequency)
	mux.Handle("GET /visits/realtime", serve.Compress(h.Realtime))
	mux.Handle("GET /visits/dashboard", serve.Compress(h.Dashboard))

	mux.Handle("GET /healthz", h.Health)
	mux.Handle("GET /metrics", metrics.Handler())
}
