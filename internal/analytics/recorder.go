package analytics

import (
	"context"
	"hash/maphash"
	"log/slog"
	"sync"
	"time"

	"visitstats/internal/metrics"
	"visitstats/internal/sanitize"
	"visitstats/internal/validate"
)

// Hit is an incoming page load as seen by the transport layer.
type Hit struct {
	IP        string
	SessionID string
	UserAgent string
	Page      string
	Referrer  *string
}

// SkipReason explains why a hit was accepted without a write.
type SkipReason string

const (
	SkipNone        SkipReason = ""
	SkipDuplicate   SkipReason = "duplicate"
	SkipRateLimited SkipReason = "rate_limited"
)

// Result is the outcome of Record. Exactly one of Visit, Skipped or Err is
// set.
type Result struct {
	Visit   *Visit
	Skipped SkipReason
	Err     error
}

func (r Result) Recorded() bool { return r.Visit != nil }
func (r Result) Failed() bool   { return r.Err != nil }

// Limiter gates hits per (identifier, page).
type Limiter interface {
	Allow(identifier, page string) bool
}

// RecorderConfig holds the dedup policy.
type RecorderConfig struct {
	DedupWindow time.Duration
	// DedupPerPage scopes the recent-visit check to the same page. When
	// false any page from the same visitor counts as a duplicate.
	DedupPerPage bool
}

// visitorStripes is the number of locks hits are spread over by visitor.
const visitorStripes = 64

// Recorder turns hits into stored visits. Recording is best effort: every
// failure is reported through Result and never panics.
type Recorder struct {
	store   *Store
	limiter Limiter
	cfg     RecorderConfig

	// Hits from one visitor hold the same stripe from the recent-visit check
	// through the insert, so concurrent duplicates cannot both be written.
	seed    maphash.Seed
	stripes [visitorStripes]sync.Mutex
}

func NewRecorder(store *Store, limiter Limiter, cfg RecorderConfig) *Recorder {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 2 * time.Minute
	}
	return &Recorder{store: store, limiter: limiter, cfg: cfg, seed: maphash.MakeSeed()}
}

func (r *Recorder) stripe(visitor string) *sync.Mutex {
	return &r.stripes[maphash.String(r.seed, visitor)%visitorStripes]
}

// Record sanitizes h, applies the dedup and rate-limit gates and inserts a
// visit stamped with the current time.
func (r *Recorder) Record(ctx context.Context, h Hit) Result {
	res := r.record(ctx, h)
	switch {
	case res.Failed():
		metrics.CountVisit("failed")
	case res.Skipped != SkipNone:
		metrics.CountVisit(string(res.Skipped))
	default:
		metrics.CountVisit("recorded")
	}
	return res
}

func (r *Recorder) record(ctx context.Context, h Hit) Result {
	if h.IP == "" {
		return Result{Err: validate.Errorf("ipAddress", "is required")}
	}

	v := &Visit{
		IPAddress: sanitize.IP(h.IP),
		UserAgent: sanitize.UserAgent(h.UserAgent),
		Page:      sanitize.Page(h.Page),
		Referrer:  sanitize.Referrer(h.Referrer),
	}
	if h.SessionID != "" {
		sid := h.SessionID
		v.SessionID = &sid
	}

	var scope string
	if r.cfg.DedupPerPage {
		scope = v.Page
	}
	visitor := h.SessionID
	if visitor == "" {
		visitor = v.IPAddress
	}
	mu := r.stripe(visitor)
	mu.Lock()
	defer mu.Unlock()

	recent, err := r.store.HasRecentVisit(ctx, v.IPAddress, h.SessionID, scope, r.cfg.DedupWindow)
	if err != nil {
		slog.Warn("recent visit check failed", "err", err)
	}
	if recent {
		return Result{Skipped: SkipDuplicate}
	}

	identifier := h.SessionID
	if identifier == "" {
		identifier = v.IPAddress + "|" + v.UserAgent
	}
	if !r.limiter.Allow(identifier, v.Page) {
		return Result{Skipped: SkipRateLimited}
	}

	v.VisitTime = r.store.Now()
	if err := r.store.InsertVisit(ctx, v); err != nil {
		slog.Error("recording visit failed", "page", v.Page, "err", err)
		return Result{Err: err}
	}
	return Result{Visit: v}
}
