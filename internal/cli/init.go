package cli

import (
	"flag"
	"fmt"
	"os"
)

const configTemplate = `# visitstats server configuration
# Place this file at visitstats.toml next to the visitstats binary (or pass -config).
# All fields show their default values. Uncomment to override.
# Every key can also be set through a VISITSTATS_* environment variable
# (for example VISITSTATS_DSN); values in this file take precedence.

[server]
# Address the stats API listens on.
# listen_addr = ":8080"

# Log level: debug, info, warn, error.
# log_level = "warn"

# Trust X-Forwarded-For / X-Real-IP for the visitor address.
# Enable only behind a reverse proxy that sets these headers.
# trust_proxy = false

# IANA zone used for daily and hourly buckets ("Local" uses the host zone).
# time_zone = "Local"

# Address for plain-HTTP health checks (e.g. "127.0.0.1:8081"). Empty disables.
# health_addr = ""

# Directory holding the admin panel build. Page loads under "/" are
# recorded as visits. Empty serves the API only.
# static_dir = ""

[store]
# SQLite file path, or a libsql:// URL for a remote database.
# dsn = "./data/visits.db"

# Upper bound for a single analytics query.
# query_timeout = "5s"

[tracking]
# Repeat visits from the same address inside this window are not counted.
# dedup_window = "2m"

# Count the same address once per page instead of once per window.
# dedup_per_page = false

# A session is online while its last heartbeat is younger than this.
# online_window = "1m"

# Sessions without a heartbeat for this long are deleted.
# session_expiry = "2m"

# Recording requests allowed per address per rate_limit_window.
# rate_limit_max = 10
# rate_limit_window = "1m"

[retention]
# Visits older than this many days are removed by the daily sweep (1-365).
# days_to_keep = 30

# How often each background sweep runs.
# visit_interval = "24h"
# session_interval = "1m"
# ratelimit_interval = "1h"
`

// Init is the entrypoint for `visitstats init`.
func Init(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	output := fs.String("o", "visitstats.toml", "file to write")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: visitstats init [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Generate an annotated visitstats.toml template.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		fs.PrintDefaults()
	}
	fs.Parse(args)

	filename := *output

	if _, err := os.Stat(filename); err == nil {
		return fmt.Errorf("%s already exists", filename)
	}

	if err := os.WriteFile(filename, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", filename, err)
	}

	fmt.Fprintf(os.Stderr, "Wrote %s\n", filename)
	return nil
}
