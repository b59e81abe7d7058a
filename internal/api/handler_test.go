package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"visitstats/internal/analytics"
	"visitstats/internal/presence"
	"visitstats/internal/ratelimit"
)

// testNow is a Tuesday afternoon in UTC.
var testNow = time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return testNow }

type testEnv struct {
	mux      *http.ServeMux
	store    *analytics.Store
	recorder *analytics.Recorder
}

func setupAPI(t *testing.T, opts Options) *testEnv {
	t.Helper()
	db, err := analytics.OpenDB(filepath.Join(t.TempDir(), "visits.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	store, err := analytics.NewStore(db, analytics.Options{Now: fixedNow})
	if err != nil {
		t.Fatal(err)
	}
	tracker, err := presence.New(db, presence.Options{Now: fixedNow})
	if err != nil {
		t.Fatal(err)
	}
	recorder := analytics.NewRecorder(store, ratelimit.New(ratelimit.Options{Now: fixedNow}), analytics.RecorderConfig{})
	aggregator := analytics.NewAggregator(store, tracker)

	mux := http.NewServeMux()
	RegisterRoutes(mux, NewHandlers(store, recorder, aggregator, tracker, opts))
	return &testEnv{mux: mux, store: store, recorder: recorder}
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) get(t *testing.T, target string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, httptest.NewRequest("GET", target, nil))
}

func (e *testEnv) post(t *testing.T, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return e.do(t, req)
}

func (e *testEnv) insert(t *testing.T, ip, page string, at time.Time) {
	t.Helper()
	if err := e.store.InsertVisit(context.Background(), &analytics.Visit{IPAddress: ip, Page: page, VisitTime: at}); err != nil {
		t.Fatal(err)
	}
}

func (e *testEnv) count(t *testing.T) int {
	t.Helper()
	var n int
	if err := e.store.DB().QueryRow(`SELECT COUNT(*) FROM visits`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n
}

type response struct {
	Success     bool            `json:"success"`
	Message     string          `json:"message"`
	Data        json.RawMessage `json:"data"`
	Meta        json.RawMessage `json:"meta"`
	Duplicate   bool            `json:"duplicate"`
	RateLimited bool            `json:"rateLimited"`
	Error       string          `json:"error"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decoding %q: %v", rec.Body.String(), err)
	}
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) response {
	t.Helper()
	var resp response
	decode(t, rec, &resp)
	return resp
}

// --- record ---

func TestRecord_RecordsThenDuplicate(t *testing.T) {
	e := setupAPI(t, Options{})

	rec := e.post(t, "/visits/record", `{"page":"/admin/"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	resp := decodeResponse(t, rec)
	if !resp.Success {
		t.Fatalf("success = false: %s", rec.Body.String())
	}
	var v analytics.Visit
	if err := json.Unmarshal(resp.Data, &v); err != nil {
		t.Fatal(err)
	}
	if v.Page != "/admin" || v.IPAddress != "192.0.2.1" {
		t.Errorf("visit = %+v", v)
	}

	resp = decodeResponse(t, e.post(t, "/visits/record", `{"page":"/login"}`))
	if !resp.Success || !resp.Duplicate {
		t.Errorf("second record = %+v, want duplicate", resp)
	}
	if n := e.count(t); n != 1 {
		t.Errorf("visits = %d, want 1", n)
	}
}

func TestRecord_RefererHeaderFallback(t *testing.T) {
	e := setupAPI(t, Options{})
	req := httptest.NewRequest("POST", "/visits/record", strings.NewReader(`{}`))
	req.Header.Set("Referer", "https://ref.example/")
	resp := decodeResponse(t, e.do(t, req))

	var v analytics.Visit
	if err := json.Unmarshal(resp.Data, &v); err != nil {
		t.Fatal(err)
	}
	if v.Referrer == nil || *v.Referrer != "https://ref.example/" {
		t.Errorf("referrer = %v", v.Referrer)
	}
	if v.Page != "/" {
		t.Errorf("page = %q, want /", v.Page)
	}
}

func TestRecord_SoftFailureWithoutAddress(t *testing.T) {
	e := setupAPI(t, Options{})
	req := httptest.NewRequest("POST", "/visits/record", strings.NewReader(`{"page":"/"}`))
	req.RemoteAddr = ""
	rec := e.do(t, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	resp := decodeResponse(t, rec)
	if resp.Success {
		t.Error("success = true, want false")
	}
	if !strings.Contains(resp.Error, "ipAddress") {
		t.Errorf("error = %q", resp.Error)
	}
}

func TestRecord_LongFieldsTruncated(t *testing.T) {
	e := setupAPI(t, Options{})
	body := `{"page":"/` + strings.Repeat("p", 3000) + `","referrer":"https://example.com/` + strings.Repeat("r", 3000) + `"}`
	rec := e.post(t, "/visits/record", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if resp := decodeResponse(t, rec); !resp.Success {
		t.Fatalf("success = false: %+v", resp)
	}

	var pageLen, refLen int
	if err := e.store.DB().QueryRow(`SELECT length(page), length(referrer) FROM visits`).Scan(&pageLen, &refLen); err != nil {
		t.Fatal(err)
	}
	if pageLen != 200 || refLen != 500 {
		t.Errorf("stored lengths = %d, %d, want 200, 500", pageLen, refLen)
	}
}

func TestRecord_InvalidJSON(t *testing.T) {
	e := setupAPI(t, Options{})
	if rec := e.post(t, "/visits/record", `{"page":`); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestRecord_ProxyHeaders(t *testing.T) {
	for _, trust := range []bool{false, true} {
		e := setupAPI(t, Options{TrustProxy: trust})
		req := httptest.NewRequest("POST", "/visits/record", strings.NewReader(`{}`))
		req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
		resp := decodeResponse(t, e.do(t, req))

		var v analytics.Visit
		if err := json.Unmarshal(resp.Data, &v); err != nil {
			t.Fatal(err)
		}
		want := "192.0.2.1"
		if trust {
			want = "203.0.113.7"
		}
		if v.IPAddress != want {
			t.Errorf("trust=%v: ip = %q, want %q", trust, v.IPAddress, want)
		}
	}
}

// --- presence ---

func TestHeartbeatOnlineOffline(t *testing.T) {
	e := setupAPI(t, Options{})

	beacon := httptest.NewRequest("POST", "/visits/heartbeat", strings.NewReader(`{"sessionId":"s1"}`))
	beacon.Header.Set("Content-Type", "text/plain;charset=UTF-8")
	if rec := e.do(t, beacon); rec.Code != http.StatusOK {
		t.Fatalf("heartbeat status = %d, body = %s", rec.Code, rec.Body.String())
	}

	online := func() int64 {
		var data struct {
			OnlineCount int64 `json:"onlineCount"`
		}
		resp := decodeResponse(t, e.get(t, "/visits/online"))
		if err := json.Unmarshal(resp.Data, &data); err != nil {
			t.Fatal(err)
		}
		return data.OnlineCount
	}
	if n := online(); n != 1 {
		t.Errorf("online = %d, want 1", n)
	}

	if rec := e.post(t, "/visits/offline", `{"sessionId":"s1"}`); rec.Code != http.StatusOK {
		t.Fatalf("offline status = %d", rec.Code)
	}
	if n := online(); n != 0 {
		t.Errorf("online after offline = %d, want 0", n)
	}
}

func TestHeartbeat_MissingSession(t *testing.T) {
	e := setupAPI(t, Options{})
	rec := e.post(t, "/visits/heartbeat", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if resp := decodeResponse(t, rec); !strings.Contains(resp.Message, "sessionId") {
		t.Errorf("message = %q", resp.Message)
	}
}

func TestHeartbeat_StoreFailureIsSoft(t *testing.T) {
	e := setupAPI(t, Options{})
	if _, err := e.store.DB().Exec(`DROP TABLE online_sessions`); err != nil {
		t.Fatal(err)
	}

	for _, target := range []string{"/visits/heartbeat", "/visits/offline"} {
		rec := e.post(t, target, `{"sessionId":"s1"}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status = %d, want 200", target, rec.Code)
		}
		resp := decodeResponse(t, rec)
		if resp.Success {
			t.Errorf("%s: success = true, want false", target)
		}
		if !strings.HasSuffix(resp.Message, "failed") || resp.Error == "" {
			t.Errorf("%s: message = %q, error = %q", target, resp.Message, resp.Error)
		}
	}
}

// --- stats ---

func TestTrends(t *testing.T) {
	e := setupAPI(t, Options{})
	e.insert(t, "10.0.0.1", "/", testNow)

	resp := decodeResponse(t, e.get(t, "/visits/trends"))
	var days []analytics.DayCount
	if err := json.Unmarshal(resp.Data, &days); err != nil {
		t.Fatal(err)
	}
	if len(days) != 7 {
		t.Fatalf("len = %d, want 7", len(days))
	}
	if last := days[6]; last.Date != "2026-03-10" || last.Visits != 1 {
		t.Errorf("today = %+v", last)
	}

	for _, q := range []string{"days=0", "days=366", "days=week"} {
		if rec := e.get(t, "/visits/trends?"+q); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, rec.Code)
		}
	}
}

func TestStatsEndpoints(t *testing.T) {
	e := setupAPI(t, Options{})
	e.insert(t, "10.0.0.1", "/", testNow.Add(-time.Hour))
	e.insert(t, "10.0.0.2", "/admin", testNow.Add(-2*time.Hour))

	for _, path := range []string{
		"/visits/pages?limit=5",
		"/visits/overview",
		"/visits/popular",
		"/visits/referrers",
		"/visits/hourly",
		"/visits/realtime",
		"/visits/dashboard?period=14",
	} {
		rec := e.get(t, path)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d, body = %s", path, rec.Code, rec.Body.String())
			continue
		}
		if resp := decodeResponse(t, rec); !resp.Success || len(resp.Data) == 0 {
			t.Errorf("%s: response = %s", path, rec.Body.String())
		}
	}

	var hours []analytics.HourCount
	resp := decodeResponse(t, e.get(t, "/visits/hourly"))
	if err := json.Unmarshal(resp.Data, &hours); err != nil {
		t.Fatal(err)
	}
	if len(hours) != 24 {
		t.Errorf("hourly buckets = %d, want 24", len(hours))
	}

	var dash analytics.Dashboard
	resp = decodeResponse(t, e.get(t, "/visits/dashboard?period=90"))
	if err := json.Unmarshal(resp.Data, &dash); err != nil {
		t.Fatal(err)
	}
	if dash.Period != 30 || len(dash.Trends) != 30 {
		t.Errorf("period = %d, trends = %d, want 30", dash.Period, len(dash.Trends))
	}
}

func TestIPFrequency(t *testing.T) {
	e := setupAPI(t, Options{})
	e.insert(t, "10.0.0.1", "/", testNow.Add(-time.Hour))
	e.insert(t, "10.0.0.1", "/admin", testNow.Add(-3*time.Hour))
	e.insert(t, "10.0.0.1", "/", testNow.Add(-48*time.Hour))

	var data struct {
		IPAddress string `json:"ipAddress"`
		Frequency int64  `json:"frequency"`
		Hours     int    `json:"hours"`
	}
	resp := decodeResponse(t, e.get(t, "/visits/ip/10.0.0.1/frequency"))
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.Frequency != 2 || data.Hours != 24 || data.IPAddress != "10.0.0.1" {
		t.Errorf("data = %+v", data)
	}

	if rec := e.get(t, "/visits/ip/10.0.0.1/frequency?hours=169"); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

// --- details & export ---

func TestDetails(t *testing.T) {
	e := setupAPI(t, Options{})
	for i := range 3 {
		e.insert(t, "10.0.0.1", "/", testNow.Add(-time.Duration(i)*time.Hour))
	}

	rec := e.get(t, "/visits/details?limit=2")
	resp := decodeResponse(t, rec)
	var visits []analytics.Visit
	if err := json.Unmarshal(resp.Data, &visits); err != nil {
		t.Fatal(err)
	}
	var meta analytics.PageMeta
	if err := json.Unmarshal(resp.Meta, &meta); err != nil {
		t.Fatal(err)
	}
	if len(visits) != 2 || meta.Total != 3 || meta.TotalPages != 2 {
		t.Errorf("visits = %d, meta = %+v", len(visits), meta)
	}

	resp = decodeResponse(t, e.get(t, "/visits/details?startDate=2026-03-10&endDate=2026-03-10"))
	visits = nil
	json.Unmarshal(resp.Data, &visits)
	if len(visits) != 3 {
		t.Errorf("same-day range = %d visits, want 3", len(visits))
	}

	for _, q := range []string{
		"startDate=2026-03-11&endDate=2026-03-10",
		"startDate=yesterday",
		"page=x",
		"page=9223372036854775807",
	} {
		if rec := e.get(t, "/visits/details?"+q); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, rec.Code)
		}
	}
}

func TestExport_CSV(t *testing.T) {
	e := setupAPI(t, Options{})
	e.insert(t, "10.0.0.1", "/", testNow)

	rec := e.get(t, "/visits/export?format=csv")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("content-type = %q", ct)
	}
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	if len(lines) != 2 || lines[0] != "ID,IP,User Agent,Page,Referrer,Visit Time" {
		t.Errorf("csv = %q", rec.Body.String())
	}
}

func TestExport_JSON(t *testing.T) {
	e := setupAPI(t, Options{})
	e.insert(t, "10.0.0.1", "/", testNow)
	resp := decodeResponse(t, e.get(t, "/visits/export"))
	var visits []analytics.Visit
	if err := json.Unmarshal(resp.Data, &visits); err != nil {
		t.Fatal(err)
	}
	if !resp.Success || len(visits) != 1 {
		t.Errorf("response = %+v", resp)
	}
}

func TestExport_BadFormat(t *testing.T) {
	e := setupAPI(t, Options{})
	if rec := e.get(t, "/visits/export?format=xml"); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestExport_Throttled(t *testing.T) {
	e := setupAPI(t, Options{ExportEvery: time.Hour, ExportBurst: 1})
	if rec := e.get(t, "/visits/export"); rec.Code != http.StatusOK {
		t.Fatalf("first export status = %d", rec.Code)
	}
	rec := e.get(t, "/visits/export")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second export status = %d, want 429", rec.Code)
	}
	if ra := rec.Header().Get("Retry-After"); ra != "3600" {
		t.Errorf("retry-after = %q, want 3600", ra)
	}
}

// --- cleanup & health ---

func TestCleanup(t *testing.T) {
	e := setupAPI(t, Options{})
	e.insert(t, "10.0.0.1", "/", testNow.AddDate(0, 0, -40))
	e.insert(t, "10.0.0.2", "/", testNow.AddDate(0, 0, -1))

	resp := decodeResponse(t, e.post(t, "/visits/cleanup", ``))
	var data struct {
		DeletedCount int64 `json:"deletedCount"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.DeletedCount != 1 || e.count(t) != 1 {
		t.Errorf("deleted = %d, remaining = %d", data.DeletedCount, e.count(t))
	}

	for _, body := range []string{`{"daysToKeep":0}`, `{"daysToKeep":366}`} {
		if rec := e.post(t, "/visits/cleanup", body); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", body, rec.Code)
		}
	}
}

func TestHealth(t *testing.T) {
	e := setupAPI(t, Options{})
	if rec := e.get(t, "/healthz"); rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}

	e.store.DB().Close()
	rec := e.get(t, "/healthz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var body struct {
		Status string `json:"status"`
	}
	decode(t, rec, &body)
	if body.Status != "degraded" {
		t.Errorf("status = %q", body.Status)
	}
}

func TestMetricsRoute(t *testing.T) {
	e := setupAPI(t, Options{})
	e.post(t, "/visits/record", `{}`)
	rec := e.get(t, "/metrics")
	if !strings.Contains(rec.Body.String(), "visitstats_visits_total") {
		t.Error("metrics output missing visitstats_visits_total")
	}
}
