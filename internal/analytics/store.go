package analytics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"

	"visitstats/internal/sanitize"
	"visitstats/internal/sqlmigrate"
	"visitstats/internal/validate"
)

// timeLayout is fixed-width UTC so lexical order matches time order and
// SQLite's date functions can parse stored values.
const timeLayout = "2006-01-02T15:04:05.000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

// validIPSQL matches rows that may contribute to unique-visitor counts.
const validIPSQL = `ip_address IS NOT NULL AND ip_address != '' AND ip_address != '` + sanitize.UnknownIP + `'`

// uniqueSQL counts distinct valid addresses.
const uniqueSQL = `COUNT(DISTINCT CASE WHEN ` + validIPSQL + ` THEN ip_address END)`

// Visit is one stored page load.
type Visit struct {
	ID        int64     `json:"id"`
	IPAddress string    `json:"ip_address"`
	SessionID *string   `json:"session_id"`
	UserAgent string    `json:"user_agent"`
	Page      string    `json:"page"`
	Referrer  *string   `json:"referrer"`
	VisitTime time.Time `json:"visit_time"`
}

// Options tunes a Store. Zero values select UTC, time.Now and a 5s timeout.
type Options struct {
	Location     *time.Location
	Now          func() time.Time
	QueryTimeout time.Duration
}

// Store owns the visits table and the primitive queries on it.
type Store struct {
	db      *sql.DB
	loc     *time.Location
	now     func() time.Time
	timeout time.Duration
}

// DriverFor picks the database/sql driver and connection string for dsn.
// Remote libSQL URLs go through the libsql client; anything else is treated
// as a local SQLite file and opened in WAL mode with a busy timeout.
func DriverFor(dsn string) (driver, conn string) {
	if strings.HasPrefix(dsn, "libsql://") || strings.HasPrefix(dsn, "wss://") {
		return "libsql", dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return "sqlite", dsn + sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
}

// OpenDB opens dsn and verifies the connection.
func OpenDB(dsn string) (*sql.DB, error) {
	driver, conn := DriverFor(dsn)
	db, err := sql.Open(driver, conn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to %s database: %w", driver, err)
	}
	return db, nil
}

// NewStore migrates the visits schema on db and returns a Store using it.
// The caller keeps ownership of db.
func NewStore(db *sql.DB, opts Options) (*Store, error) {
	if err := sqlmigrate.Apply(db, "visits", migrations); err != nil {
		return nil, err
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 5 * time.Second
	}
	return &Store{db: db, loc: opts.Location, now: opts.Now, timeout: opts.QueryTimeout}, nil
}

var migrations = []sqlmigrate.Migration{
	func(tx *sql.Tx) error {
		// ip_address and visit_time stay nullable so rows imported from
		// older deployments can be found and repaired by CheckConsistency.
		_, err := tx.Exec(`
			CREATE TABLE IF NOT EXISTS visits (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				ip_address TEXT,
				session_id TEXT,
				user_agent TEXT NOT NULL DEFAULT '',
				page       TEXT NOT NULL DEFAULT '/',
				referrer   TEXT,
				visit_time TEXT
			);
			CREATE INDEX IF NOT EXISTS idx_visits_time ON visits(visit_time);
			CREATE INDEX IF NOT EXISTS idx_visits_ip_time ON visits(ip_address, visit_time);
			CREATE INDEX IF NOT EXISTS idx_visits_session_time ON visits(session_id, visit_time);
			CREATE INDEX IF NOT EXISTS idx_visits_page ON visits(page);
		`)
		return err
	},
}

// DB returns the underlying database connection for shared use.
func (s *Store) DB() *sql.DB { return s.db }

// Ping checks whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Now returns the store's clock reading.
func (s *Store) Now() time.Time { return s.now() }

// Location is the zone used for calendar-day and hour-of-day grouping.
func (s *Store) Location() *time.Location { return s.loc }

func (s *Store) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// startOfDay returns local midnight of the day containing t.
func (s *Store) startOfDay(t time.Time) time.Time {
	lt := t.In(s.loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, s.loc)
}

// InsertVisit stores v and sets its ID.
func (s *Store) InsertVisit(ctx context.Context, v *Visit) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO visits (ip_address, session_id, user_agent, page, referrer, visit_time) VALUES (?, ?, ?, ?, ?, ?)`,
		v.IPAddress, v.SessionID, v.UserAgent, v.Page, v.Referrer, formatTime(v.VisitTime),
	)
	if err != nil {
		return fmt.Errorf("inserting visit: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("inserting visit: %w", err)
	}
	v.ID = id
	return nil
}

// HasRecentVisit reports whether a visit exists from the same visitor within
// the trailing window. The session id identifies the visitor when present,
// otherwise the address does. An empty page matches any page.
func (s *Store) HasRecentVisit(ctx context.Context, ip, sessionID, page string, window time.Duration) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	q := `SELECT 1 FROM visits WHERE visit_time >= ?`
	args := []any{formatTime(s.now().Add(-window))}
	if sessionID != "" {
		q += ` AND session_id = ?`
		args = append(args, sessionID)
	} else {
		q += ` AND ip_address = ?`
		args = append(args, ip)
	}
	if page != "" {
		q += ` AND page = ?`
		args = append(args, page)
	}
	q += ` LIMIT 1`

	var one int
	err := s.db.QueryRowContext(ctx, q, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking recent visit: %w", err)
	}
	return true, nil
}

// CleanupOldVisits deletes visits older than daysToKeep days (1-365) and
// returns the number removed.
func (s *Store) CleanupOldVisits(ctx context.Context, daysToKeep int) (int64, error) {
	if err := validate.IntRange("daysToKeep", daysToKeep, 1, 365); err != nil {
		return 0, err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	cutoff := s.now().Add(-time.Duration(daysToKeep) * 24 * time.Hour)
	res, err := s.db.ExecContext(ctx, `DELETE FROM visits WHERE visit_time < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("deleting old visits: %w", err)
	}
	return res.RowsAffected()
}

// CheckConsistency deletes rows missing a visit time or a usable address
// and returns how many were removed.
func (s *Store) CheckConsistency(ctx context.Context) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `DELETE FROM visits WHERE visit_time IS NULL OR NOT (`+validIPSQL+`)`)
	if err != nil {
		return 0, fmt.Errorf("consistency check: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("consistency check: %w", err)
	}
	if n > 0 {
		slog.Info("removed inconsistent visit rows", "count", n)
	}
	return n, nil
}

// IPFrequency counts visits from ip in the trailing hours (1-168).
func (s *Store) IPFrequency(ctx context.Context, ip string, hours int) (int64, error) {
	if ip == "" {
		return 0, validate.Errorf("ip", "is required")
	}
	if err := validate.IntRange("hours", hours, 1, 168); err != nil {
		return 0, err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	since := s.now().Add(-time.Duration(hours) * time.Hour)
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM visits WHERE ip_address = ? AND visit_time >= ?`,
		ip, formatTime(since),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting ip visits: %w", err)
	}
	return n, nil
}
