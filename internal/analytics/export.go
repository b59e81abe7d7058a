package analytics

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"visitstats/internal/validate"
)

const (
	defaultDetailsLimit = 50
	maxDetailsLimit     = 200
	maxDetailsPage      = 1_000_000
	defaultExportLimit  = 1000
	maxExportLimit      = 10000
)

// VisitFilter narrows raw visit listings. Zero fields do not filter.
type VisitFilter struct {
	IP    string
	Start time.Time
	End   time.Time
}

func (f VisitFilter) where() (string, []any, error) {
	if !f.Start.IsZero() && !f.End.IsZero() && f.Start.After(f.End) {
		return "", nil, validate.Errorf("startDate", "must not be after endDate")
	}
	clause := ` WHERE 1=1`
	var args []any
	if f.IP != "" {
		clause += ` AND ip_address = ?`
		args = append(args, f.IP)
	}
	if !f.Start.IsZero() {
		clause += ` AND visit_time >= ?`
		args = append(args, formatTime(f.Start))
	}
	if !f.End.IsZero() {
		clause += ` AND visit_time <= ?`
		args = append(args, formatTime(f.End))
	}
	return clause, args, nil
}

// PageMeta describes one page of a paginated listing.
type PageMeta struct {
	Total      int64 `json:"total"`
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	TotalPages int64 `json:"totalPages"`
}

type DetailsPage struct {
	Visits []Visit  `json:"data"`
	Meta   PageMeta `json:"meta"`
}

// Details lists raw visits newest first. page starts at 1 and may not exceed
// one million; limit defaults to 50 and is capped at 200.
func (a *Aggregator) Details(ctx context.Context, f VisitFilter, page, limit int) (*DetailsPage, error) {
	if page < 1 {
		page = 1
	}
	if err := validate.IntRange("page", page, 1, maxDetailsPage); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultDetailsLimit
	}
	if limit > maxDetailsLimit {
		limit = maxDetailsLimit
	}
	where, args, err := f.where()
	if err != nil {
		return nil, err
	}

	ctx, cancel := a.store.bound(ctx)
	defer cancel()

	var total int64
	if err := a.store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM visits`+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("visit details: %w", err)
	}
	visits, err := a.listVisits(ctx, where, args, limit, (page-1)*limit)
	if err != nil {
		return nil, fmt.Errorf("visit details: %w", err)
	}
	return &DetailsPage{
		Visits: visits,
		Meta: PageMeta{
			Total:      total,
			Page:       page,
			Limit:      limit,
			TotalPages: (total + int64(limit) - 1) / int64(limit),
		},
	}, nil
}

// Export returns up to limit visits newest first for download. limit
// defaults to 1000 and is capped at 10000.
func (a *Aggregator) Export(ctx context.Context, f VisitFilter, limit int) ([]Visit, error) {
	if limit <= 0 {
		limit = defaultExportLimit
	}
	if limit > maxExportLimit {
		limit = maxExportLimit
	}
	where, args, err := f.where()
	if err != nil {
		return nil, err
	}
	ctx, cancel := a.store.bound(ctx)
	defer cancel()
	visits, err := a.listVisits(ctx, where, args, limit, 0)
	if err != nil {
		return nil, fmt.Errorf("export visits: %w", err)
	}
	return visits, nil
}

func (a *Aggregator) listVisits(ctx context.Context, where string, args []any, limit, offset int) ([]Visit, error) {
	args = append(append([]any{}, args...), limit, offset)
	rows, err := a.store.db.QueryContext(ctx,
		`SELECT id, ip_address, session_id, user_agent, page, referrer, visit_time FROM visits`+where+`
		ORDER BY visit_time DESC, id DESC LIMIT ? OFFSET ?`, args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Visit{}
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// WriteCSV writes visits with a header row. Fields containing commas,
// quotes or newlines are quoted with doubled inner quotes.
func WriteCSV(w io.Writer, visits []Visit) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"ID", "IP", "User Agent", "Page", "Referrer", "Visit Time"}); err != nil {
		return err
	}
	for _, v := range visits {
		var ref, ts string
		if v.Referrer != nil {
			ref = *v.Referrer
		}
		if !v.VisitTime.IsZero() {
			ts = v.VisitTime.UTC().Format(time.RFC3339)
		}
		if err := cw.Write([]string{strconv.FormatInt(v.ID, 10), v.IPAddress, v.UserAgent, v.Page, ref, ts}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
