package api

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"visitstats/internal/analytics"
	"visitstats/internal/validate"
)

// visitFilter reads the ipAddress, startDate and endDate query parameters.
// A plain endDate includes that whole day.
func (d *handlerDeps) visitFilter(r *http.Request) (analytics.VisitFilter, error) {
	loc := d.store.Location()
	start, err := queryDate(r, "startDate", loc, false)
	if err != nil {
		return analytics.VisitFilter{}, err
	}
	end, err := queryDate(r, "endDate", loc, true)
	if err != nil {
		return analytics.VisitFilter{}, err
	}
	return analytics.VisitFilter{IP: r.URL.Query().Get("ipAddress"), Start: start, End: end}, nil
}

// --- GET /visits/details ---

type DetailsHandler struct{ handlerDeps }

func (h *DetailsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f, err := h.visitFilter(r)
	if err != nil {
		writeError(w, "visit details", err)
		return
	}
	page, err := queryInt(r, "page", 1)
	if err != nil {
		writeError(w, "visit details", err)
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, "visit details", err)
		return
	}
	p, err := h.aggregator.Details(r.Context(), f, page, limit)
	if err != nil {
		writeError(w, "visit details", err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: p.Visits, Meta: p.Meta})
}

// --- GET /visits/export ---

type exportQuery struct {
	Format string `json:"format" validate:"oneof=json csv"`
}

// ExportHandler dumps raw visits as JSON or CSV. Exports scan up to 10000
// rows, so they share one token bucket across all clients.
type ExportHandler struct {
	handlerDeps
	limiter    *rate.Limiter
	retryAfter time.Duration
}

func (h *ExportHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := exportQuery{Format: r.URL.Query().Get("format")}
	if q.Format == "" {
		q.Format = "json"
	}
	if err := validate.Struct(&q); err != nil {
		writeError(w, "export", err)
		return
	}
	f, err := h.visitFilter(r)
	if err != nil {
		writeError(w, "export", err)
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, "export", err)
		return
	}

	if !h.limiter.Allow() {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(h.retryAfter.Seconds()))))
		writeJSON(w, http.StatusTooManyRequests, envelope{Message: "too many exports, try again later"})
		return
	}

	visits, err := h.aggregator.Export(r.Context(), f, limit)
	if err != nil {
		writeError(w, "export", err)
		return
	}

	if q.Format == "csv" {
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="visits.csv"`)
		if err := analytics.WriteCSV(w, visits); err != nil {
			slog.Warn("writing csv export", "err", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, envelope{
		Success: true,
		Data:    visits,
		Meta:    map[string]any{"count": len(visits), "format": q.Format},
	})
}
