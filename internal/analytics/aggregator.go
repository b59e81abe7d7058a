package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"visitstats/internal/validate"
)

// Counting convention used by every query below: visits count all rows with
// a visit time, unique visitors count distinct valid addresses only.

// excludedPrefixes are API and internal routes left out of page statistics.
var excludedPrefixes = []string{
	"/api/", "/stats/", "/online", "/record", "/trends", "/overview", "/pages",
	"/contacts", "/config", "/announcements", "/tutorials", "/tags/", "/filters", "/user/",
}

const (
	defaultTopLimit = 10
	maxPageStats    = 50
	maxTopN         = 20
	trailingWindow  = 30 * 24 * time.Hour
	hourlyWindow    = 7 * 24 * time.Hour
)

type DayCount struct {
	Date           string `json:"date"`
	Visits         int64  `json:"visits"`
	UniqueVisitors int64  `json:"unique_visitors"`
}

type PageCount struct {
	Page           string `json:"page"`
	Visits         int64  `json:"visits"`
	UniqueVisitors int64  `json:"unique_visitors"`
}

type PopularPage struct {
	Page           string    `json:"page"`
	Visits         int64     `json:"visits"`
	UniqueVisitors int64     `json:"unique_visitors"`
	LastVisit      time.Time `json:"last_visit"`
}

type ReferrerCount struct {
	Source         string `json:"source"`
	Visits         int64  `json:"visits"`
	UniqueVisitors int64  `json:"unique_visitors"`
}

type HourCount struct {
	Hour   int   `json:"hour"`
	Visits int64 `json:"visits"`
}

// Totals is a visit count with an optional unique-visitor count.
type Totals struct {
	Visits         int64  `json:"visits"`
	UniqueVisitors *int64 `json:"uniqueVisitors,omitempty"`
}

type Growth struct {
	Today float64 `json:"today"`
}

type Overview struct {
	Total  Totals `json:"total"`
	Today  Totals `json:"today"`
	Week   Totals `json:"week"`
	Month  Totals `json:"month"`
	Growth Growth `json:"growth"`
}

// OnlineCounter reports the number of currently online sessions.
type OnlineCounter interface {
	OnlineCount(ctx context.Context) (int64, error)
}

// Aggregator computes read-side statistics over the visits table.
type Aggregator struct {
	store  *Store
	online OnlineCounter
}

// NewAggregator returns an Aggregator. online may be nil, in which case
// Realtime reports zero online sessions.
func NewAggregator(store *Store, online OnlineCounter) *Aggregator {
	return &Aggregator{store: store, online: online}
}

func clampLimit(limit, hi int) int {
	if limit <= 0 {
		return defaultTopLimit
	}
	if limit > hi {
		return hi
	}
	return limit
}

// Trends returns one entry per calendar day for the trailing days (1-365),
// oldest first, with empty days zero-filled.
func (a *Aggregator) Trends(ctx context.Context, days int) ([]DayCount, error) {
	if err := validate.IntRange("days", days, 1, 365); err != nil {
		return nil, err
	}
	ctx, cancel := a.store.bound(ctx)
	defer cancel()

	first := a.store.startOfDay(a.store.now())
	spans := make([]span, days)
	for i := range spans {
		lo := first.AddDate(0, 0, i)
		spans[i] = span{label: lo.Format("2006-01-02"), lo: lo, hi: lo.AddDate(0, 0, 1)}
	}
	counts, err := a.countSpans(ctx, spans)
	if err != nil {
		return nil, fmt.Errorf("visit trends: %w", err)
	}
	sparse := make([]DayCount, 0, len(counts))
	for label, c := range counts {
		sparse = append(sparse, DayCount{Date: label, Visits: c.visits, UniqueVisitors: c.unique})
	}
	return fillDays(sparse, first, days), nil
}

// fillDays expands sparse results into exactly n consecutive days starting
// at first.
func fillDays(sparse []DayCount, first time.Time, n int) []DayCount {
	lookup := make(map[string]DayCount, len(sparse))
	for _, d := range sparse {
		lookup[d.Date] = d
	}
	out := make([]DayCount, n)
	for i := range out {
		key := first.AddDate(0, 0, i).Format("2006-01-02")
		d := lookup[key]
		d.Date = key
		out[i] = d
	}
	return out
}

// span is a labelled [lo, hi) interval of local time. Calendar days and
// hours are cut in Go so that rows on either side of a DST change land in
// the bucket their own offset puts them in.
type span struct {
	label  string
	lo, hi time.Time
}

type spanCount struct {
	visits, unique int64
}

// countSpans counts visits per span label. Spans sharing a label are summed
// into one group; labels without visits are absent from the result.
func (a *Aggregator) countSpans(ctx context.Context, spans []span) (map[string]spanCount, error) {
	out := make(map[string]spanCount)
	if len(spans) == 0 {
		return out, nil
	}
	var (
		values strings.Builder
		args   = make([]any, 0, 3*len(spans))
	)
	for i, sp := range spans {
		if i > 0 {
			values.WriteString(", ")
		}
		values.WriteString("(?, ?, ?)")
		args = append(args, sp.label, formatTime(sp.lo), formatTime(sp.hi))
	}
	rows, err := a.store.db.QueryContext(ctx,
		`WITH spans(label, lo, hi) AS (VALUES `+values.String()+`)
		SELECT spans.label, COUNT(*), `+uniqueSQL+`
		FROM spans JOIN visits ON visit_time >= spans.lo AND visit_time < spans.hi
		GROUP BY spans.label`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			label string
			c     spanCount
		)
		if err := rows.Scan(&label, &c.visits, &c.unique); err != nil {
			return nil, err
		}
		out[label] = c
	}
	return out, rows.Err()
}

// PageStats returns per-page counts excluding API and internal routes,
// busiest first. limit is capped at 50.
func (a *Aggregator) PageStats(ctx context.Context, limit int) ([]PageCount, error) {
	limit = clampLimit(limit, maxPageStats)
	ctx, cancel := a.store.bound(ctx)
	defer cancel()

	clauses := make([]string, len(excludedPrefixes))
	args := make([]any, 0, len(excludedPrefixes)+1)
	for i, p := range excludedPrefixes {
		clauses[i] = "page LIKE ?"
		args = append(args, p+"%")
	}
	args = append(args, limit)
	rows, err := a.store.db.QueryContext(ctx,
		`SELECT page, COUNT(*) AS c, `+uniqueSQL+`
		FROM visits WHERE visit_time IS NOT NULL AND NOT (`+strings.Join(clauses, " OR ")+`)
		GROUP BY page ORDER BY c DESC, page LIMIT ?`, args...,
	)
	if err != nil {
		return nil, fmt.Errorf("page stats: %w", err)
	}
	defer rows.Close()
	var out []PageCount
	for rows.Next() {
		var p PageCount
		if err := rows.Scan(&p.Page, &p.Visits, &p.UniqueVisitors); err != nil {
			return nil, fmt.Errorf("page stats: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Overview returns total, today, week and month counts plus day-over-day
// growth. Inconsistent rows are repaired first; a failed repair is logged
// and does not fail the overview.
func (a *Aggregator) Overview(ctx context.Context) (*Overview, error) {
	if _, err := a.store.CheckConsistency(ctx); err != nil {
		slog.Warn("consistency check before overview failed", "err", err)
	}

	ctx, cancel := a.store.bound(ctx)
	defer cancel()

	now := a.store.now()
	today := a.store.startOfDay(now)
	yesterday := today.AddDate(0, 0, -1)
	lt := now.In(a.store.loc)
	month := time.Date(lt.Year(), lt.Month(), 1, 0, 0, 0, 0, a.store.loc)
	week := now.Add(-7 * 24 * time.Hour)

	var (
		o                            Overview
		totalUnique, todayUnique     int64
		todayVisits, yesterdayVisits int64
	)
	err := a.store.db.QueryRowContext(ctx,
		`SELECT
			COUNT(*),
			`+uniqueSQL+`,
			COUNT(CASE WHEN visit_time >= ? THEN 1 END),
			COUNT(DISTINCT CASE WHEN visit_time >= ? AND `+validIPSQL+` THEN ip_address END),
			COUNT(CASE WHEN visit_time >= ? AND visit_time < ? THEN 1 END),
			COUNT(CASE WHEN visit_time >= ? THEN 1 END),
			COUNT(CASE WHEN visit_time >= ? THEN 1 END)
		FROM visits WHERE visit_time IS NOT NULL`,
		formatTime(today), formatTime(today),
		formatTime(yesterday), formatTime(today),
		formatTime(week), formatTime(month),
	).Scan(
		&o.Total.Visits, &totalUnique,
		&todayVisits, &todayUnique,
		&yesterdayVisits,
		&o.Week.Visits, &o.Month.Visits,
	)
	if err != nil {
		return nil, fmt.Errorf("overview: %w", err)
	}
	o.Total.UniqueVisitors = &totalUnique
	o.Today.Visits = todayVisits
	o.Today.UniqueVisitors = &todayUnique
	o.Growth.Today = growthPercent(todayVisits, yesterdayVisits)
	return &o, nil
}

// growthPercent is the day-over-day change rounded to one decimal, 0 when
// there is no baseline.
func growthPercent(today, yesterday int64) float64 {
	if yesterday == 0 {
		return 0
	}
	g := float64(today-yesterday) / float64(yesterday) * 100
	return math.Round(g*10) / 10
}

// PopularPages returns the busiest pages over the trailing 30 days. limit is
// capped at 20.
func (a *Aggregator) PopularPages(ctx context.Context, limit int) ([]PopularPage, error) {
	limit = clampLimit(limit, maxTopN)
	ctx, cancel := a.store.bound(ctx)
	defer cancel()

	since := a.store.now().Add(-trailingWindow)
	rows, err := a.store.db.QueryContext(ctx,
		`SELECT page, COUNT(*) AS c, `+uniqueSQL+`, MAX(visit_time)
		FROM visits WHERE visit_time >= ?
		GROUP BY page ORDER BY c DESC, page LIMIT ?`,
		formatTime(since), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("popular pages: %w", err)
	}
	defer rows.Close()
	var out []PopularPage
	for rows.Next() {
		var (
			p    PopularPage
			last string
		)
		if err := rows.Scan(&p.Page, &p.Visits, &p.UniqueVisitors, &last); err != nil {
			return nil, fmt.Errorf("popular pages: %w", err)
		}
		if p.LastVisit, err = parseTime(last); err != nil {
			return nil, fmt.Errorf("popular pages: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Referrers groups the trailing 30 days by referrer. Visits without one are
// reported under the "direct" source. limit is capped at 20.
func (a *Aggregator) Referrers(ctx context.Context, limit int) ([]ReferrerCount, error) {
	limit = clampLimit(limit, maxTopN)
	ctx, cancel := a.store.bound(ctx)
	defer cancel()

	since := a.store.now().Add(-trailingWindow)
	rows, err := a.store.db.QueryContext(ctx,
		`SELECT COALESCE(NULLIF(referrer, ''), 'direct') AS source, COUNT(*) AS c, `+uniqueSQL+`
		FROM visits WHERE visit_time >= ?
		GROUP BY source ORDER BY c DESC, source LIMIT ?`,
		formatTime(since), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("referrer stats: %w", err)
	}
	defer rows.Close()
	var out []ReferrerCount
	for rows.Next() {
		var r ReferrerCount
		if err := rows.Scan(&r.Source, &r.Visits, &r.UniqueVisitors); err != nil {
			return nil, fmt.Errorf("referrer stats: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Hourly returns all 24 hour-of-day buckets over the trailing 7 days.
func (a *Aggregator) Hourly(ctx context.Context) ([]HourCount, error) {
	ctx, cancel := a.store.bound(ctx)
	defer cancel()

	now := a.store.now()
	since := now.Add(-hourlyWindow)
	lt := since.In(a.store.loc)
	var spans []span
	for lo := time.Date(lt.Year(), lt.Month(), lt.Day(), lt.Hour(), 0, 0, 0, a.store.loc); !lo.After(now); lo = lo.Add(time.Hour) {
		sp := span{label: strconv.Itoa(lo.In(a.store.loc).Hour()), lo: lo, hi: lo.Add(time.Hour)}
		if sp.lo.Before(since) {
			sp.lo = since
		}
		spans = append(spans, sp)
	}
	counts, err := a.countSpans(ctx, spans)
	if err != nil {
		return nil, fmt.Errorf("hourly distribution: %w", err)
	}
	out := make([]HourCount, 24)
	for i := range out {
		out[i] = HourCount{Hour: i, Visits: counts[strconv.Itoa(i)].visits}
	}
	return out, nil
}

// Realtime is the live snapshot shown on the admin dashboard header.
type Realtime struct {
	OnlineCount         int64         `json:"onlineCount"`
	TodayVisits         int64         `json:"todayVisits"`
	TodayUniqueVisitors int64         `json:"todayUniqueVisitors"`
	PopularPages        []PopularPage `json:"popularPages"`
	Timestamp           time.Time     `json:"timestamp"`
}

func (a *Aggregator) Realtime(ctx context.Context) (*Realtime, error) {
	rt := &Realtime{Timestamp: a.store.now().UTC()}
	if a.online != nil {
		n, err := a.online.OnlineCount(ctx)
		if err != nil {
			return nil, err
		}
		rt.OnlineCount = n
	}
	today, err := a.Trends(ctx, 1)
	if err != nil {
		return nil, err
	}
	rt.TodayVisits = today[0].Visits
	rt.TodayUniqueVisitors = today[0].UniqueVisitors
	if rt.PopularPages, err = a.PopularPages(ctx, 5); err != nil {
		return nil, err
	}
	return rt, nil
}

// Dashboard bundles every aggregate the admin dashboard renders.
type Dashboard struct {
	Overview  *Overview       `json:"overview"`
	Trends    []DayCount      `json:"trends"`
	Pages     []PageCount     `json:"pages"`
	Referrers []ReferrerCount `json:"referrers"`
	Hourly    []HourCount     `json:"hourly"`
	Period    int             `json:"period"`
}

// Dashboard computes the combined view for the trailing period days. The
// period defaults to 7 and is capped at 30.
func (a *Aggregator) Dashboard(ctx context.Context, period int) (*Dashboard, error) {
	if period <= 0 {
		period = 7
	}
	if period > 30 {
		period = 30
	}
	d := &Dashboard{Period: period}
	var err error
	if d.Overview, err = a.Overview(ctx); err != nil {
		return nil, err
	}
	if d.Trends, err = a.Trends(ctx, period); err != nil {
		return nil, err
	}
	if d.Pages, err = a.PageStats(ctx, defaultTopLimit); err != nil {
		return nil, err
	}
	if d.Referrers, err = a.Referrers(ctx, defaultTopLimit); err != nil {
		return nil, err
	}
	if d.Hourly, err = a.Hourly(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

// scanVisit reads a visits row whose nullable columns may be empty.
func scanVisit(rows *sql.Rows) (Visit, error) {
	var (
		v                       Visit
		ip, sid, ref, visitTime sql.NullString
	)
	if err := rows.Scan(&v.ID, &ip, &sid, &v.UserAgent, &v.Page, &ref, &visitTime); err != nil {
		return v, err
	}
	v.IPAddress = ip.String
	if sid.Valid {
		v.SessionID = &sid.String
	}
	if ref.Valid {
		v.Referrer = &ref.String
	}
	if visitTime.Valid {
		if t, err := parseTime(visitTime.String); err == nil {
			v.VisitTime = t
		}
	}
	return v, nil
}
