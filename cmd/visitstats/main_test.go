package main

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"visitstats/internal/analytics"
	"visitstats/internal/api"
	"visitstats/internal/presence"
	"visitstats/internal/ratelimit"
)

func TestIsLocalDSN(t *testing.T) {
	tests := map[string]bool{
		"./data/visits.db":                true,
		"/var/lib/visitstats/visits.db":   true,
		"libsql://stats.example.turso.io": false,
		"wss://stats.example.com":         false,
		"file:visits.db?mode=memory":      false,
		":memory:":                        false,
	}
	for dsn, want := range tests {
		if got := isLocalDSN(dsn); got != want {
			t.Errorf("isLocalDSN(%q) = %v, want %v", dsn, got, want)
		}
	}
}

func setupMux(t *testing.T, staticDir string) (*http.ServeMux, *api.Tracking, *analytics.Store) {
	t.Helper()
	db, err := analytics.OpenDB(filepath.Join(t.TempDir(), "visits.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	store, err := analytics.NewStore(db, analytics.Options{})
	if err != nil {
		t.Fatal(err)
	}
	tracker, err := presence.New(db, presence.Options{})
	if err != nil {
		t.Fatal(err)
	}
	recorder := analytics.NewRecorder(store, ratelimit.New(ratelimit.Options{}), analytics.RecorderConfig{})
	h := api.NewHandlers(store, recorder, analytics.NewAggregator(store, tracker), tracker, api.Options{})
	tracking := api.NewTracking(recorder, false)

	mux := http.NewServeMux()
	if err := registerRoutes(mux, h, tracking, staticDir); err != nil {
		t.Fatal(err)
	}
	return mux, tracking, store
}

func TestRegisterRoutes_APIOnly(t *testing.T) {
	mux, _, _ := setupMux(t, "")

	for target, want := range map[string]int{
		"/visits/online": http.StatusOK,
		"/healthz":       http.StatusOK,
		"/docs/api":      http.StatusOK,
		"/":              http.StatusNotFound,
	} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("GET", target, nil))
		if rec.Code != want {
			t.Errorf("GET %s = %d, want %d", target, rec.Code, want)
		}
	}
}

func TestRegisterRoutes_StaticTracked(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html></html>"), 0644)

	mux, tracking, store := setupMux(t, dir)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/admin/settings", nil)
	req.RemoteAddr = "198.51.100.7:4000"
	mux.ServeHTTP(rec, req)
	tracking.Wait()

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want SPA fallback", rec.Code)
	}
	var n int
	if err := store.DB().QueryRow(`SELECT COUNT(*) FROM visits WHERE page = '/admin'`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("visits = %d, want 1", n)
	}
}

func TestRegisterRoutes_MissingStaticDir(t *testing.T) {
	mux := http.NewServeMux()
	err := registerRoutes(mux, &api.Handlers{}, nil, filepath.Join(t.TempDir(), "missing"))
	if err == nil {
		t.Error("expected error for missing static dir")
	}
}
