package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig    `toml:"server"`
	Store     StoreConfig     `toml:"store"`
	Tracking  TrackingConfig  `toml:"tracking"`
	Retention RetentionConfig `toml:"retention"`
}

type ServerConfig struct {
	ListenAddr string `toml:"listen_addr"`
	LogLevel   string `toml:"log_level"`
	TrustProxy bool   `toml:"trust_proxy"`
	TimeZone   string `toml:"time_zone"`
	HealthAddr string `toml:"health_addr"`
	// StaticDir holds the admin panel build. Empty serves the API only.
	StaticDir string `toml:"static_dir"`
}

type StoreConfig struct {
	DSN          string        `toml:"dsn"`
	QueryTimeout time.Duration `toml:"query_timeout"`
}

type TrackingConfig struct {
	DedupWindow     time.Duration `toml:"dedup_window"`
	DedupPerPage    bool          `toml:"dedup_per_page"`
	OnlineWindow    time.Duration `toml:"online_window"`
	SessionExpiry   time.Duration `toml:"session_expiry"`
	RateLimitMax    int           `toml:"rate_limit_max"`
	RateLimitWindow time.Duration `toml:"rate_limit_window"`
}

type RetentionConfig struct {
	DaysToKeep        int           `toml:"days_to_keep"`
	VisitInterval     time.Duration `toml:"visit_interval"`
	SessionInterval   time.Duration `toml:"session_interval"`
	RateLimitInterval time.Duration `toml:"ratelimit_interval"`
}

// LoadEnvFile loads KEY=value pairs from path into the environment without
// overriding variables that are already set. An empty path is a no-op.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading env file: %w", err)
	}
	return nil
}

func Load(path string) (*Config, error) {
	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Warn about unknown keys (likely typos).
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		slog.Warn("unknown keys in config file (check for typos)", "keys", strings.Join(keys, ", "))
	}

	// All fields follow TOML > env var > default precedence.
	strDefault(&cfg.Server.ListenAddr, "VISITSTATS_LISTEN_ADDR", ":8080")
	strDefault(&cfg.Server.LogLevel, "VISITSTATS_LOG_LEVEL", "warn")
	strDefault(&cfg.Server.TimeZone, "VISITSTATS_TIME_ZONE", "Local")
	strDefault(&cfg.Server.HealthAddr, "VISITSTATS_HEALTH_ADDR", "")
	strDefault(&cfg.Server.StaticDir, "VISITSTATS_STATIC_DIR", "")
	strDefault(&cfg.Store.DSN, "VISITSTATS_DSN", "./data/visits.db")
	boolDefault(md, &cfg.Server.TrustProxy, "VISITSTATS_TRUST_PROXY", false, "server", "trust_proxy")
	boolDefault(md, &cfg.Tracking.DedupPerPage, "VISITSTATS_DEDUP_PER_PAGE", false, "tracking", "dedup_per_page")

	ints := []struct {
		dst  *int
		env  string
		def  int
		path []string
	}{
		{&cfg.Tracking.RateLimitMax, "VISITSTATS_RATE_LIMIT_MAX", 10, []string{"tracking", "rate_limit_max"}},
		{&cfg.Retention.DaysToKeep, "VISITSTATS_DAYS_TO_KEEP", 30, []string{"retention", "days_to_keep"}},
	}
	for _, f := range ints {
		if err := intDefault(md, f.dst, f.env, f.def, f.path...); err != nil {
			return nil, err
		}
	}

	durations := []struct {
		dst  *time.Duration
		env  string
		def  time.Duration
		path []string
	}{
		{&cfg.Store.QueryTimeout, "VISITSTATS_QUERY_TIMEOUT", 5 * time.Second, []string{"store", "query_timeout"}},
		{&cfg.Tracking.DedupWindow, "VISITSTATS_DEDUP_WINDOW", 2 * time.Minute, []string{"tracking", "dedup_window"}},
		{&cfg.Tracking.OnlineWindow, "VISITSTATS_ONLINE_WINDOW", time.Minute, []string{"tracking", "online_window"}},
		{&cfg.Tracking.SessionExpiry, "VISITSTATS_SESSION_EXPIRY", 2 * time.Minute, []string{"tracking", "session_expiry"}},
		{&cfg.Tracking.RateLimitWindow, "VISITSTATS_RATE_LIMIT_WINDOW", time.Minute, []string{"tracking", "rate_limit_window"}},
		{&cfg.Retention.VisitInterval, "VISITSTATS_VISIT_INTERVAL", 24 * time.Hour, []string{"retention", "visit_interval"}},
		{&cfg.Retention.SessionInterval, "VISITSTATS_SESSION_INTERVAL", time.Minute, []string{"retention", "session_interval"}},
		{&cfg.Retention.RateLimitInterval, "VISITSTATS_RATELIMIT_INTERVAL", time.Hour, []string{"retention", "ratelimit_interval"}},
	}
	for _, f := range durations {
		if err := durationDefault(md, f.dst, f.env, f.def, f.path...); err != nil {
			return nil, err
		}
		if *f.dst <= 0 {
			return nil, fmt.Errorf("%s must be positive, got %s", strings.Join(f.path, "."), *f.dst)
		}
	}

	if cfg.Tracking.RateLimitMax < 1 {
		return nil, fmt.Errorf("rate_limit_max must be at least 1, got %d", cfg.Tracking.RateLimitMax)
	}
	if cfg.Retention.DaysToKeep < 1 || cfg.Retention.DaysToKeep > 365 {
		return nil, fmt.Errorf("days_to_keep must be between 1 and 365, got %d", cfg.Retention.DaysToKeep)
	}
	if cfg.Tracking.SessionExpiry <= cfg.Tracking.OnlineWindow {
		return nil, fmt.Errorf("session_expiry (%s) must exceed online_window (%s)", cfg.Tracking.SessionExpiry, cfg.Tracking.OnlineWindow)
	}
	if _, err := cfg.Location(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Location resolves server.time_zone, which buckets daily and hourly stats.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Server.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("time_zone %q: %w", c.Server.TimeZone, err)
	}
	return loc, nil
}

// strDefault fills *dst from envKey if *dst is empty (not set in TOML),
// then falls back to def.
func strDefault(dst *string, envKey, def string) {
	if *dst == "" {
		*dst = os.Getenv(envKey)
	}
	if *dst == "" {
		*dst = def
	}
}

// intDefault fills *dst from envKey if the TOML key was not defined,
// then falls back to def.
func intDefault(md toml.MetaData, dst *int, envKey string, def int, tomlPath ...string) error {
	if md.IsDefined(tomlPath...) {
		return nil
	}
	if v := os.Getenv(envKey); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envKey, err)
		}
		*dst = n
		return nil
	}
	*dst = def
	return nil
}

// durationDefault is intDefault for Go duration strings such as "90s".
func durationDefault(md toml.MetaData, dst *time.Duration, envKey string, def time.Duration, tomlPath ...string) error {
	if md.IsDefined(tomlPath...) {
		return nil
	}
	if v := os.Getenv(envKey); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envKey, err)
		}
		*dst = d
		return nil
	}
	*dst = def
	return nil
}

// boolDefault fills *dst from envKey if the TOML key was not defined,
// then falls back to def. Accepts "true" and "1" as truthy values.
func boolDefault(md toml.MetaData, dst *bool, envKey string, def bool, tomlPath ...string) {
	if md.IsDefined(tomlPath...) {
		return
	}
	if v := os.Getenv(envKey); v != "" {
		*dst = v == "true" || v == "1"
		return
	}
	*dst = def
}
