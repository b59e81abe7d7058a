package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"visitstats/config"
	"visitstats/internal/analytics"
	"visitstats/internal/api"
	"visitstats/internal/cli"
	"visitstats/internal/docs"
	"visitstats/internal/httplog"
	"visitstats/internal/presence"
	"visitstats/internal/ratelimit"
	"visitstats/internal/retention"
	"visitstats/internal/serve"
)

var version = "dev"

func main() {
	// Subcommand dispatch must happen before flag.Parse().
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "cleanup":
			if err := cli.Cleanup(os.Args[2:]); err != nil {
				log.Fatal(err)
			}
			return
		case "init":
			if err := cli.Init(os.Args[2:]); err != nil {
				log.Fatal(err)
			}
			return
		case "version":
			fmt.Println(version)
			return
		}
	}

	configPath := flag.String("config", "visitstats.toml", "path to config file")
	envFile := flag.String("env-file", "", "load VISITSTATS_* variables from this dotenv file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := config.LoadEnvFile(*envFile); err != nil {
		log.Fatal(err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	var logLevel slog.Level
	if err := logLevel.UnmarshalText([]byte(cfg.Server.LogLevel)); err != nil {
		log.Fatalf("invalid log level %q: %v", cfg.Server.LogLevel, err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	loc, err := cfg.Location()
	if err != nil {
		log.Fatal(err)
	}

	if isLocalDSN(cfg.Store.DSN) {
		if err := os.MkdirAll(filepath.Dir(cfg.Store.DSN), 0755); err != nil {
			log.Fatalf("creating data dir: %v", err)
		}
	}
	db, err := analytics.OpenDB(cfg.Store.DSN)
	if err != nil {
		log.Fatalf("opening database: %v", err)
	}
	defer db.Close() //nolint:errcheck // best-effort cleanup on shutdown

	store, err := analytics.NewStore(db, analytics.Options{
		Location:     loc,
		QueryTimeout: cfg.Store.QueryTimeout,
	})
	if err != nil {
		log.Fatalf("migrating visits: %v", err) //nolint:gocritic // exitAfterDefer is intentional, process is dying
	}
	if _, err := store.CheckConsistency(context.Background()); err != nil {
		slog.Warn("startup consistency check", "err", err)
	}

	tracker, err := presence.New(db, presence.Options{
		OnlineWindow: cfg.Tracking.OnlineWindow,
		ExpiryWindow: cfg.Tracking.SessionExpiry,
		QueryTimeout: cfg.Store.QueryTimeout,
	})
	if err != nil {
		log.Fatalf("migrating presence: %v", err)
	}

	limiter := ratelimit.New(ratelimit.Options{
		MaxRequests: cfg.Tracking.RateLimitMax,
		Window:      cfg.Tracking.RateLimitWindow,
	})
	recorder := analytics.NewRecorder(store, limiter, analytics.RecorderConfig{
		DedupWindow:  cfg.Tracking.DedupWindow,
		DedupPerPage: cfg.Tracking.DedupPerPage,
	})
	aggregator := analytics.NewAggregator(store, tracker)

	h := api.NewHandlers(store, recorder, aggregator, tracker, api.Options{TrustProxy: cfg.Server.TrustProxy})
	tracking := api.NewTracking(recorder, cfg.Server.TrustProxy)

	mux := http.NewServeMux()
	if err := registerRoutes(mux, h, tracking, cfg.Server.StaticDir); err != nil {
		log.Fatalf("registering routes: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	sweeper := retention.NewSweeper(slog.Default(),
		retention.VisitRetention(store, cfg.Retention.DaysToKeep, cfg.Retention.VisitInterval),
		retention.SessionExpiry(tracker, cfg.Retention.SessionInterval),
		retention.RateLimitGC(limiter, cfg.Retention.RateLimitInterval),
	)
	sweeper.Start(ctx)

	listenErr := make(chan error, 2)

	// Local health check listener (plain HTTP, no request logging).
	if addr := cfg.Server.HealthAddr; addr != "" {
		healthMux := http.NewServeMux()
		healthMux.Handle("GET /healthz", h.Health)
		go func() {
			slog.Info("health check listening", "addr", addr)
			if err := http.ListenAndServe(addr, healthMux); err != nil {
				listenErr <- fmt.Errorf("health listener: %w", err)
			}
		}()
	}

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           httplog.Wrap(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := httpSrv.ListenAndServe(); err != http.ErrServerClosed {
			listenErr <- fmt.Errorf("serve: %w", err)
		}
	}()

	slog.Info("visitstats listening", "addr", cfg.Server.ListenAddr, "time_zone", loc.String(), "version", version)
	select {
	case <-ctx.Done():
	case err := <-listenErr:
		slog.Error("listener failed", "err", err)
	}
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	tracking.Wait()
	if err := sweeper.Stop(); err != nil {
		slog.Error("stopping sweeper", "err", err)
	}
}

func registerRoutes(mux *http.ServeMux, h *api.Handlers, tracking *api.Tracking, staticDir string) error {
	api.RegisterRoutes(mux, h)
	mux.Handle("GET /docs/{page...}", serve.Compress(&docs.Handler{}))
	if staticDir == "" {
		return nil
	}
	static, err := serve.NewStatic(staticDir)
	if err != nil {
		return err
	}
	// Page loads of the admin panel are recorded as visits.
	mux.Handle("/", tracking.Wrap(static))
	return nil
}

// isLocalDSN reports whether dsn names a SQLite file on disk.
func isLocalDSN(dsn string) bool {
	if strings.HasPrefix(dsn, "libsql://") || strings.HasPrefix(dsn, "wss://") || strings.HasPrefix(dsn, "file:") {
		return false
	}
	return !strings.HasPrefix(dsn, ":memory:")
}
