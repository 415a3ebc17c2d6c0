// Command forminator runs the form-submission admission service: the
// POST surface that validates, CAPTCHA-verifies, risk-scores, and persists
// submissions, plus the key-gated analytics read API.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/erfianugrah/forminator-sub000/pkg/admission"
	"github.com/erfianugrah/forminator-sub000/pkg/alert"
	"github.com/erfianugrah/forminator-sub000/pkg/analytics"
	"github.com/erfianugrah/forminator-sub000/pkg/api"
	"github.com/erfianugrah/forminator-sub000/pkg/blacklist"
	"github.com/erfianugrah/forminator-sub000/pkg/config"
	"github.com/erfianugrah/forminator-sub000/pkg/emailrisk"
	"github.com/erfianugrah/forminator-sub000/pkg/observability"
	"github.com/erfianugrah/forminator-sub000/pkg/ratelimit"
	"github.com/erfianugrah/forminator-sub000/pkg/retention"
	"github.com/erfianugrah/forminator-sub000/pkg/risk"
	"github.com/erfianugrah/forminator-sub000/pkg/signals"
	"github.com/erfianugrah/forminator-sub000/pkg/store"
	"github.com/erfianugrah/forminator-sub000/pkg/turnstile"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches the subcommands. It is the entrypoint for tests.
func Run(args []string, stdout, stderr io.Writer) int {
	cmd := "server"
	if len(args) > 1 {
		cmd = args[1]
	}

	switch cmd {
	case "server", "serve":
		return runServer(stderr)
	case "migrate":
		return runMigrate(stdout, stderr)
	case "health":
		return runHealth(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", cmd)
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: forminator [command]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  server   Run the HTTP service (default)")
	fmt.Fprintln(w, "  migrate  Apply the database schema and exit")
	fmt.Fprintln(w, "  health   Probe a running instance")
	fmt.Fprintln(w, "  help     Show this message")
}

func newLogger(w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

func loadConfig(stderr io.Writer) (*config.Config, error) {
	// Missing .env is fine; the environment may be set by the runtime.
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return nil, err
	}
	return cfg, nil
}

func runMigrate(stdout, stderr io.Writer) int {
	cfg, err := loadConfig(stderr)
	if err != nil {
		return 1
	}
	db, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		fmt.Fprintf(stderr, "open database: %v\n", err)
		return 1
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.Migrate(ctx); err != nil {
		fmt.Fprintf(stderr, "migrate: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "schema up to date (%s)\n", cfg.Database.Driver)
	return 0
}

func runHealth(stdout, stderr io.Writer) int {
	cfg, err := loadConfig(stderr)
	if err != nil {
		return 1
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://localhost:" + cfg.Server.Port + "/api/health")
	if err != nil {
		fmt.Fprintf(stderr, "health: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "health: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(stdout, "ok")
	return 0
}

func runServer(stderr io.Writer) int {
	logger := newLogger(stderr)

	cfg, err := loadConfig(stderr)
	if err != nil {
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		logger.Error("open database", "error", err)
		return 1
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		logger.Error("migrate", "error", err)
		return 1
	}

	submissions := store.NewSubmissionStore(db)
	validations := store.NewValidationStore(db)
	blacklistStore := store.NewBlacklistStore(db)

	var notifier alert.Notifier = alert.Nop{}
	if cfg.Alerting.SlackWebhookURL != "" {
		notifier = alert.NewSlack(cfg.Alerting.SlackWebhookURL, logger)
	}

	verifier := turnstile.NewClient(cfg.Turnstile.SecretKey, logger,
		turnstile.WithURL(cfg.Turnstile.SiteverifyURL),
		turnstile.WithHTTPClient(&http.Client{
			Timeout: time.Duration(cfg.Turnstile.TimeoutSeconds) * time.Second,
		}),
		turnstile.WithConfigAlerter(alert.ConfigAlerter{Notifier: notifier}),
	)

	classifier, err := newClassifier(ctx, cfg.EmailRisk, logger)
	if err != nil {
		logger.Error("email classifier", "error", err)
		return 1
	}

	collector := signals.NewCollector(submissions, validations, blacklistStore, classifier, logger)
	scorer, err := risk.NewScorer(cfg.Risk, cfg.Detection, logger)
	if err != nil {
		logger.Error("risk scorer", "error", err)
		return 1
	}
	blacklistSvc := blacklist.New(blacklistStore, cfg.Timeouts.Schedule, cfg.Timeouts.Maximum, logger)

	controller := admission.NewController(verifier, submissions, validations,
		blacklistSvc, collector, scorer, cfg.Risk.BlockThreshold, logger)

	bypassKey := ""
	if cfg.AllowTestingBypass {
		bypassKey = cfg.TestingBypassKey
	}
	submitHandler := http.Handler(admission.NewHandler(controller, bypassKey, logger))

	limiter, limiterClose := newLimiter(cfg.RateLimit, logger)
	if limiter != nil {
		submitHandler = ratelimit.Middleware(limiter, logger)(submitHandler)
	}
	if limiterClose != nil {
		defer limiterClose()
	}

	archiver, err := newArchiver(ctx, cfg.Archive)
	if err != nil {
		logger.Error("archive backend", "error", err)
		return 1
	}
	analyticsSvc := analytics.NewService(db)
	analyticsMux := http.NewServeMux()
	analytics.NewHandler(analyticsSvc, archiver, logger).Register(analyticsMux)
	keyGate := api.APIKeyMiddleware(api.NewKeyChecker(cfg.Analytics.APIKey, cfg.Analytics.APIKeyHash))

	mux := http.NewServeMux()
	mux.Handle("POST /api/submissions", submitHandler)
	mux.Handle("/api/analytics/", keyGate(analyticsMux))
	mux.HandleFunc("GET /api/health", api.HandleHealth)
	mux.HandleFunc("GET /api/geo", api.HandleGeo)

	provider, err := observability.New(ctx, observability.Config{
		Enabled:      cfg.Observability.Enabled,
		ServiceName:  cfg.Observability.ServiceName,
		OTLPEndpoint: cfg.Observability.OTLPEndpoint,
		SampleRate:   cfg.Observability.SampleRate,
		Insecure:     cfg.Observability.Insecure,
	}, logger)
	if err != nil {
		logger.Error("observability", "error", err)
		return 1
	}

	handler := api.RequestIDMiddleware(mux)
	handler = api.CORSMiddleware(cfg.Server.CORSOrigins)(handler)
	handler = provider.HTTPMiddleware(handler)

	if cfg.Retention.Enabled {
		sweeper := retention.New(validations, blacklistStore,
			cfg.Retention.ValidationDays, cfg.Retention.BlacklistDays, logger)
		if err := sweeper.Start(cfg.Retention.Schedule); err != nil {
			logger.Error("retention", "error", err)
			return 1
		}
		defer sweeper.Stop()
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "port", cfg.Server.Port, "driver", cfg.Database.Driver)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server", "error", err)
			return 1
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", "error", err)
		}
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Error("observability shutdown", "error", err)
		}
	}
	return 0
}

func newClassifier(ctx context.Context, cfg config.EmailRiskConfig, logger *slog.Logger) (emailrisk.Classifier, error) {
	switch cfg.Mode {
	case "http":
		timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
		return emailrisk.NewHTTPClassifier(cfg.URL, timeout, logger), nil
	case "wasm":
		return emailrisk.NewWasmClassifier(ctx, cfg.WasmPath, logger)
	case "off", "":
		return emailrisk.Disabled{}, nil
	default:
		return nil, fmt.Errorf("unknown email risk mode %q", cfg.Mode)
	}
}

func newLimiter(cfg config.RateLimitConfig, logger *slog.Logger) (ratelimit.Limiter, func()) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.RedisAddr != "" {
		rl := ratelimit.NewRedisLimiter(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RPM, cfg.Burst)
		return rl, func() { _ = rl.Close() }
	}
	logger.Info("rate limit using in-process buckets; configure redis for multi-instance deployments")
	return ratelimit.NewLocalLimiter(cfg.RPM, cfg.Burst), nil
}

func newArchiver(ctx context.Context, cfg config.ArchiveConfig) (*analytics.Archiver, error) {
	switch cfg.Backend {
	case "s3":
		s, err := analytics.NewS3Store(ctx, cfg.Region)
		if err != nil {
			return nil, err
		}
		return analytics.NewArchiver(s, cfg.Bucket, cfg.Prefix), nil
	case "gcs":
		g, err := analytics.NewGCSStore(ctx)
		if err != nil {
			return nil, err
		}
		return analytics.NewArchiver(g, cfg.Bucket, cfg.Prefix), nil
	case "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.Backend)
	}
}
