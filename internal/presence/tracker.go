// Package presence tracks which visitor sessions are currently online based
// on periodic heartbeats. A session is online while its last heartbeat is
// within the online window and is expired once it falls outside the longer
// expiry window.
package presence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"visitstats/internal/metrics"
	"visitstats/internal/sanitize"
	"visitstats/internal/sqlmigrate"
	"visitstats/internal/validate"
)

const (
	DefaultOnlineWindow = 60 * time.Second
	DefaultExpiryWindow = 120 * time.Second
)

const timeLayout = "2006-01-02T15:04:05.000Z"

var ErrSessionNotFound = errors.New("session not found")

// Session is one row of the online_sessions table.
type Session struct {
	ID            string    `json:"session_id"`
	IPAddress     string    `json:"ip_address"`
	UserAgent     string    `json:"user_agent"`
	FirstSeen     time.Time `json:"first_seen"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

type Options struct {
	OnlineWindow time.Duration
	ExpiryWindow time.Duration
	QueryTimeout time.Duration
	Now          func() time.Time
}

type Tracker struct {
	db      *sql.DB
	online  time.Duration
	expiry  time.Duration
	timeout time.Duration
	now     func() time.Time
}

var migrations = []sqlmigrate.Migration{
	func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			CREATE TABLE IF NOT EXISTS online_sessions (
				session_id     TEXT PRIMARY KEY,
				ip_address     TEXT NOT NULL DEFAULT '',
				user_agent     TEXT NOT NULL DEFAULT '',
				first_seen     TEXT NOT NULL,
				last_heartbeat TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_online_sessions_heartbeat ON online_sessions(last_heartbeat);
		`)
		return err
	},
}

// New migrates the online_sessions table on db and returns a Tracker. The
// expiry window must be longer than the online window.
func New(db *sql.DB, opts Options) (*Tracker, error) {
	if opts.OnlineWindow <= 0 {
		opts.OnlineWindow = DefaultOnlineWindow
	}
	if opts.ExpiryWindow <= 0 {
		opts.ExpiryWindow = DefaultExpiryWindow
	}
	if opts.ExpiryWindow <= opts.OnlineWindow {
		return nil, fmt.Errorf("presence: expiry window %v must exceed online window %v", opts.ExpiryWindow, opts.OnlineWindow)
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if err := sqlmigrate.Apply(db, "presence", migrations); err != nil {
		return nil, err
	}
	return &Tracker{
		db:      db,
		online:  opts.OnlineWindow,
		expiry:  opts.ExpiryWindow,
		timeout: opts.QueryTimeout,
		now:     opts.Now,
	}, nil
}

func (t *Tracker) stamp(d time.Duration) string {
	return t.now().Add(-d).UTC().Format(timeLayout)
}

// Heartbeat marks sessionID as seen now, creating the session on first
// sight. Address and user agent are overwritten with the latest values.
func (t *Tracker) Heartbeat(ctx context.Context, sessionID, ip, userAgent string) error {
	if sessionID == "" {
		return validate.Errorf("sessionId", "is required")
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	now := t.stamp(0)
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO online_sessions (session_id, ip_address, user_agent, first_seen, last_heartbeat)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			last_heartbeat = excluded.last_heartbeat,
			ip_address = excluded.ip_address,
			user_agent = excluded.user_agent`,
		sessionID, sanitize.IP(ip), sanitize.UserAgent(userAgent), now, now,
	)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	metrics.CountHeartbeat()
	return nil
}

// Remove deletes the session. Removing an absent session is not an error.
func (t *Tracker) Remove(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return validate.Errorf("sessionId", "is required")
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	if _, err := t.db.ExecContext(ctx, `DELETE FROM online_sessions WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("removing session: %w", err)
	}
	return nil
}

// OnlineCount returns the number of sessions whose last heartbeat falls
// within the online window.
func (t *Tracker) OnlineCount(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	var n int64
	err := t.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM online_sessions WHERE last_heartbeat >= ?`, t.stamp(t.online),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting online sessions: %w", err)
	}
	metrics.SetOnlineSessions(n)
	return n, nil
}

// ExpireStale deletes sessions silent for longer than the expiry window and
// returns how many were removed.
func (t *Tracker) ExpireStale(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	res, err := t.db.ExecContext(ctx, `DELETE FROM online_sessions WHERE last_heartbeat < ?`, t.stamp(t.expiry))
	if err != nil {
		return 0, fmt.Errorf("expiring sessions: %w", err)
	}
	return res.RowsAffected()
}

// Get returns the stored session or ErrSessionNotFound.
func (t *Tracker) Get(ctx context.Context, sessionID string) (*Session, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	var (
		s               Session
		first, lastBeat string
	)
	err := t.db.QueryRowContext(ctx,
		`SELECT session_id, ip_address, user_agent, first_seen, last_heartbeat FROM online_sessions WHERE session_id = ?`,
		sessionID,
	).Scan(&s.ID, &s.IPAddress, &s.UserAgent, &first, &lastBeat)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading session: %w", err)
	}
	if s.FirstSeen, err = time.Parse(timeLayout, first); err != nil {
		return nil, fmt.Errorf("reading session: %w", err)
	}
	if s.LastHeartbeat, err = time.Parse(timeLayout, lastBeat); err != nil {
		return nil, fmt.Errorf("reading session: %w", err)
	}
	return &s, nil
}
