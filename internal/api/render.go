package api

import (
	"bytes"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"visitstats/internal/validate"
)

// maxBodyBytes bounds request bodies. Tracking payloads are tiny.
const maxBodyBytes = 16 << 10

// envelope is the JSON shape of every /visits response.
type envelope struct {
	Success     bool   `json:"success"`
	Message     string `json:"message,omitempty"`
	Data        any    `json:"data,omitempty"`
	Meta        any    `json:"meta,omitempty"`
	Duplicate   bool   `json:"duplicate,omitempty"`
	RateLimited bool   `json:"rateLimited,omitempty"`
	Error       string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		slog.Error("encoding response", "err", err)
		http.Error(w, "encoding response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func writeData(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

// writeError answers validation errors with 400 and logs anything else as
// a failed query with 500.
func writeError(w http.ResponseWriter, query string, err error) {
	if validate.Is(err) {
		writeJSON(w, http.StatusBadRequest, envelope{Message: err.Error()})
		return
	}
	slog.Error("analytics query failed", "query", query, "err", err)
	writeJSON(w, http.StatusInternalServerError, envelope{Message: query + " failed"})
}

// writeSoftError answers a failed presence or recording write with 200 and
// success false. Validation errors still get 400.
func writeSoftError(w http.ResponseWriter, action string, err error) {
	if validate.Is(err) {
		writeJSON(w, http.StatusBadRequest, envelope{Message: err.Error()})
		return
	}
	slog.Error("write failed", "action", action, "err", err)
	writeJSON(w, http.StatusOK, envelope{Message: action + " failed", Error: err.Error()})
}

// decodeBody reads a JSON body into dst. An empty body leaves dst untouched.
// The Content-Type is not checked: navigator.sendBeacon posts JSON strings
// as text/plain.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return validate.Errorf("body", "unreadable or larger than %d bytes", maxBodyBytes)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return validate.Errorf("body", "invalid JSON")
	}
	return nil
}

// queryInt parses an integer query parameter, returning def when absent.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, validate.Errorf(name, "must be an integer")
	}
	return n, nil
}

// queryDate parses a date query parameter as YYYY-MM-DD in loc or as an
// RFC 3339 timestamp. With endOfDay a plain date covers the whole day.
func queryDate(r *http.Request, name string, loc *time.Location, endOfDay bool) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.ParseInLocation(time.DateOnly, raw, loc); err == nil {
		if endOfDay {
			t = t.AddDate(0, 0, 1).Add(-time.Millisecond)
		}
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Time{}, validate.Errorf(name, "must be YYYY-MM-DD or an RFC 3339 timestamp")
}

// clientIP returns the address a hit is attributed to. Forwarding headers
// are only honoured behind a trusted proxy.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
