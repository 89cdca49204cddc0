package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/docket/pkg/api"
	"github.com/Mindburn-Labs/docket/pkg/blob"
	"github.com/Mindburn-Labs/docket/pkg/caselock"
	"github.com/Mindburn-Labs/docket/pkg/classifier"
	"github.com/Mindburn-Labs/docket/pkg/config"
	"github.com/Mindburn-Labs/docket/pkg/decision"
	"github.com/Mindburn-Labs/docket/pkg/dispatch"
	"github.com/Mindburn-Labs/docket/pkg/executor"
	"github.com/Mindburn-Labs/docket/pkg/inbound"
	"github.com/Mindburn-Labs/docket/pkg/lifecycle"
	"github.com/Mindburn-Labs/docket/pkg/mailer"
	"github.com/Mindburn-Labs/docket/pkg/notify"
	"github.com/Mindburn-Labs/docket/pkg/observability"
	"github.com/Mindburn-Labs/docket/pkg/planner"
	"github.com/Mindburn-Labs/docket/pkg/policy"
	"github.com/Mindburn-Labs/docket/pkg/portal"
	"github.com/Mindburn-Labs/docket/pkg/reaper"
	"github.com/Mindburn-Labs/docket/pkg/store"
	"github.com/Mindburn-Labs/docket/pkg/waitpoint"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const defaultAnthropicModel = "claude-sonnet-4-5"

//nolint:gocyclo // linear wiring, one concern per block
func runServe(stdout, stderr io.Writer) int {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 2
	}
	setupLogger(cfg.LogLevel)
	logger := slog.Default().With("component", "main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		logger.Error("database", "error", err)
		return 1
	}
	defer db.Close()

	st := store.New(db)
	if err := st.Init(ctx); err != nil {
		logger.Error("init store", "error", err)
		return 1
	}
	locks := caselock.NewManager(db)
	if err := locks.Init(ctx); err != nil {
		logger.Error("init locks", "error", err)
		return 1
	}
	wp := waitpoint.NewManager(db)
	if err := wp.Init(ctx); err != nil {
		logger.Error("init waitpoints", "error", err)
		return 1
	}

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "docket",
		ServiceVersion: version,
		Environment:    environment(cfg),
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Insecure:       true,
	})
	if err != nil {
		logger.Error("init observability", "error", err)
		return 1
	}

	// The hub always exists; with Redis configured the engine publishes
	// through it so events reach every node, and the relay feeds the
	// local hub for SSE.
	hub := notify.NewHub(64)
	var notifier notify.Notifier = hub
	if cfg.RedisAddr != "" {
		r, stopRedis, rerr := notify.NewRedis(ctx, cfg.RedisAddr, hub)
		if rerr != nil {
			logger.Error("connect redis", "addr", cfg.RedisAddr, "error", rerr)
			return 1
		}
		defer stopRedis()
		notifier = r
	}

	profile := policy.Default()
	if cfg.PolicyPath != "" {
		profile, err = policy.LoadFile(cfg.PolicyPath)
		if err != nil {
			logger.Error("load policy profile", "path", cfg.PolicyPath, "error", err)
			return 2
		}
	}

	var cls classifier.Classifier = classifier.Static{}
	var drafter classifier.Drafter = classifier.Static{}
	if cfg.AnthropicAPIKey != "" {
		model := cfg.AnthropicModel
		if model == "" {
			model = defaultAnthropicModel
		}
		a, aerr := classifier.NewAnthropicFromAPIKey(cfg.AnthropicAPIKey, classifier.AnthropicOptions{Model: model})
		if aerr != nil {
			logger.Error("init classifier", "error", aerr)
			return 2
		}
		cls, drafter = a, a
	} else {
		logger.Warn("ANTHROPIC_API_KEY not set, using static classification rules")
	}

	var sender mailer.Sender = devSender{logger: slog.Default().With("component", "mailer")}
	if cfg.MailAPIURL != "" {
		sender = mailer.NewHTTPSender(cfg.MailAPIURL, cfg.MailAPIKey, cfg.MailFrom)
	} else {
		logger.Warn("MAIL_API_URL not set, outbound mail is logged, not delivered")
	}

	blobs, err := blob.Open(ctx, cfg.BlobConfig())
	if err != nil {
		logger.Error("open blob store", "error", err)
		return 1
	}

	lc := lifecycle.NewEngine(st, locks)
	d := dispatch.New(st,
		dispatch.WithWorkers(cfg.Workers),
		dispatch.WithKeyTTL(cfg.DispatchKeyTTL),
		dispatch.WithObserver(obs))

	dec, err := decision.NewDecisioner(st, wp, d, lc, notifier, profile)
	if err != nil {
		logger.Error("init decisioner", "error", err)
		return 2
	}
	pl := planner.New(st, drafter, profile)
	ex := executor.New(st, lc, d, sender, blobs, notifier).WithDrafter(drafter)
	pipe := inbound.New(st, locks, cls, pl, dec, lc, d, wp, notifier, profile,
		inbound.WithDebounce(cfg.DebounceWindow))
	resolver := decision.NewResolver(st, wp, d, lc, sender, blobs, notifier)
	portalWorker := portal.NewWorker(st, lc, portal.NewHTTPRunner(cfg.PortalAPIURL, cfg.PortalAPIKey), notifier)

	pipe.Register()
	d.Register(dispatch.TaskExecuteProposal, ex.Handler())
	d.Register(dispatch.TaskSummarizeOutcome, ex.SummarizeHandler())
	portalWorker.Register(d)
	d.Start(ctx)

	recovered, err := d.Recover(ctx)
	if err != nil {
		logger.Error("recover queued runs", "error", err)
		return 1
	}
	if recovered > 0 {
		logger.Info("recovered queued runs", "count", recovered)
	}

	rp := reaper.New(st, locks, wp, d, lc, notifier,
		reaper.Config{Interval: cfg.ReaperInterval}).WithTracker(obs)

	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set, API requests will be rejected")
	}
	srv := api.NewServer(st, resolver, pipe, hub,
		api.NewTokenVerifier([]byte(cfg.JWTSecret)),
		api.WithCORSOrigins(cfg.CORSOrigins))
	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("docket ready",
		"port", cfg.Port,
		"mode", environment(cfg),
		"workers", cfg.Workers)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if serr := httpSrv.ListenAndServe(); !errors.Is(serr, http.ErrServerClosed) {
			return serr
		}
		return nil
	})
	g.Go(func() error {
		if rerr := rp.Run(gctx); !errors.Is(rerr, context.Canceled) {
			return rerr
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = httpSrv.Shutdown(sctx)
		_ = d.Stop(sctx)
		_ = obs.Shutdown(sctx)
		return nil
	})
	if err := g.Wait(); err != nil {
		logger.Error("shutdown", "error", err)
		return 1
	}
	logger.Info("docket stopped")
	return 0
}

func environment(cfg *config.Config) string {
	if cfg.Lite() {
		return "lite"
	}
	return "serve"
}

func setupLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

// openDatabase connects to Postgres, or in lite mode opens the embedded
// sqlite file.
func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	if cfg.Lite() {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		db, err := sql.Open("sqlite",
			"file:"+cfg.SQLitePath()+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
		if err != nil {
			return nil, err
		}
		// The sqlite driver serializes anyway; one connection avoids
		// SQLITE_BUSY churn under the worker pool.
		db.SetMaxOpenConns(1)
		return db, db.PingContext(ctx)
	}
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// devSender logs outbound mail instead of delivering it. Lite-mode
// default so the engine is runnable with zero credentials.
type devSender struct {
	logger *slog.Logger
}

func (s devSender) Send(_ context.Context, email mailer.Email, idempotencyKey string) (*mailer.Receipt, error) {
	s.logger.Info("outbound email (not delivered)",
		"to", email.To, "subject", email.Subject, "idempotency_key", idempotencyKey)
	return &mailer.Receipt{ProviderMessageID: "dev-" + idempotencyKey}, nil
}
