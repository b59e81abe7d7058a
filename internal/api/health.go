package api

import (
	"context"
	"net/http"
	"time"

	"visitstats/internal/analytics"
)

// --- GET /healthz ---

// HealthHandler reports whether the database answers. It is unauthenticated.
type HealthHandler struct {
	store *analytics.Store
}

func NewHealthHandler(store *analytics.Store) *HealthHandler {
	return &HealthHandler{store: store}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type checkResult struct {
		Database string `json:"database"`
	}

	status := "ok"
	checks := checkResult{Database: "ok"}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		checks.Database = "error"
		status = "degraded"
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status": status,
		"checks": checks,
	})
}
