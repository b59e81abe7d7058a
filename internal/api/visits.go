package api

import (
	"fmt"
	"net/http"

	"visitstats/internal/analytics"
	"visitstats/internal/validate"
)

type recordRequest struct {
	Page      string  `json:"page"`
	SessionID string  `json:"sessionId" validate:"max=128"`
	Referrer  *string `json:"referrer"`
}

type sessionRequest struct {
	SessionID string `json:"sessionId" validate:"required,max=128"`
}

type cleanupRequest struct {
	DaysToKeep int `json:"daysToKeep" validate:"min=1,max=365"`
}

// --- POST /visits/record ---

// RecordHandler records a page view. Recording is best effort: skipped and
// failed recordings still answer 200 so the page never breaks.
type RecordHandler struct{ handlerDeps }

func (h *RecordHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req recordRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, "record visit", err)
		return
	}
	if err := validate.Struct(&req); err != nil {
		writeError(w, "record visit", err)
		return
	}
	if req.Referrer == nil {
		req.Referrer = optional(r.Referer())
	}

	res := h.recorder.Record(r.Context(), analytics.Hit{
		IP:        clientIP(r, h.trustProxy),
		SessionID: req.SessionID,
		UserAgent: r.UserAgent(),
		Page:      req.Page,
		Referrer:  req.Referrer,
	})
	switch {
	case res.Failed():
		writeJSON(w, http.StatusOK, envelope{Message: "visit not recorded", Error: res.Err.Error()})
	case res.Skipped == analytics.SkipDuplicate:
		writeJSON(w, http.StatusOK, envelope{Success: true, Message: "visit skipped: seen recently", Duplicate: true})
	case res.Skipped == analytics.SkipRateLimited:
		writeJSON(w, http.StatusOK, envelope{Success: true, Message: "visit skipped: rate limited", RateLimited: true})
	default:
		writeJSON(w, http.StatusOK, envelope{Success: true, Message: "visit recorded", Data: res.Visit})
	}
}

// --- POST /visits/heartbeat ---

// HeartbeatHandler keeps a session online. Like recording, a failed write
// answers 200 with success false.
type HeartbeatHandler struct{ handlerDeps }

func (h *HeartbeatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, "heartbeat", err)
		return
	}
	if err := validate.Struct(&req); err != nil {
		writeError(w, "heartbeat", err)
		return
	}
	if err := h.tracker.Heartbeat(r.Context(), req.SessionID, clientIP(r, h.trustProxy), r.UserAgent()); err != nil {
		writeSoftError(w, "heartbeat", err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "heartbeat received"})
}

// --- POST /visits/offline ---

// OfflineHandler removes a session on page unload. Clients send it with
// navigator.sendBeacon and ignore the answer; expiry covers lost beacons.
type OfflineHandler struct{ handlerDeps }

func (h *OfflineHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, "offline", err)
		return
	}
	if err := validate.Struct(&req); err != nil {
		writeError(w, "offline", err)
		return
	}
	if err := h.tracker.Remove(r.Context(), req.SessionID); err != nil {
		writeSoftError(w, "offline", err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "session closed"})
}

// --- POST /visits/cleanup ---

type CleanupHandler struct{ handlerDeps }

func (h *CleanupHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req := cleanupRequest{DaysToKeep: 30}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, "cleanup", err)
		return
	}
	if err := validate.Struct(&req); err != nil {
		writeError(w, "cleanup", err)
		return
	}
	n, err := h.store.CleanupOldVisits(r.Context(), req.DaysToKeep)
	if err != nil {
		writeError(w, "cleanup", err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{
		Success: true,
		Message: fmt.Sprintf("removed %d visits older than %d days", n, req.DaysToKeep),
		Data:    map[string]int64{"deletedCount": n},
	})
}
