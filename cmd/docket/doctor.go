package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/docket/pkg/blob"
	"github.com/Mindburn-Labs/docket/pkg/caselock"
	"github.com/Mindburn-Labs/docket/pkg/config"
	"github.com/Mindburn-Labs/docket/pkg/store"
	"github.com/Mindburn-Labs/docket/pkg/waitpoint"
)

// runDoctor checks configuration and database reachability without
// starting the engine.
func runDoctor(stdout, stderr io.Writer) int {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "FAIL config: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, "ok   config")

	if cfg.Lite() {
		fmt.Fprintf(stdout, "ok   database: lite mode (%s)\n", cfg.SQLitePath())
	} else {
		fmt.Fprintln(stdout, "ok   database: postgres configured")
	}

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "FAIL database: %v\n", err)
		return 1
	}
	defer db.Close()
	fmt.Fprintln(stdout, "ok   database: reachable")

	if err := store.New(db).Init(ctx); err != nil {
		fmt.Fprintf(stderr, "FAIL schema: %v\n", err)
		return 1
	}
	if err := caselock.NewManager(db).Init(ctx); err != nil {
		fmt.Fprintf(stderr, "FAIL schema (locks): %v\n", err)
		return 1
	}
	if err := waitpoint.NewManager(db).Init(ctx); err != nil {
		fmt.Fprintf(stderr, "FAIL schema (waitpoints): %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, "ok   schema")

	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rc.Ping(ctx).Err(); err != nil {
			fmt.Fprintf(stderr, "FAIL redis: %v\n", err)
			return 1
		}
		_ = rc.Close()
		fmt.Fprintln(stdout, "ok   redis: reachable")
	}

	if _, err := blob.Open(ctx, cfg.BlobConfig()); err != nil {
		fmt.Fprintf(stderr, "FAIL blob store (%s): %v\n", cfg.BlobBackend, err)
		return 1
	}
	fmt.Fprintf(stdout, "ok   blob store: %s\n", backendName(cfg))

	warn := func(cond bool, msg string) {
		if cond {
			fmt.Fprintf(stdout, "warn %s\n", msg)
		}
	}
	warn(cfg.JWTSecret == "", "JWT_SECRET not set: API requests will be rejected")
	warn(cfg.AnthropicAPIKey == "", "ANTHROPIC_API_KEY not set: static classification rules")
	warn(cfg.MailAPIURL == "", "MAIL_API_URL not set: outbound mail is logged only")
	warn(cfg.PortalAPIURL == "", "PORTAL_API_URL not set: portal submissions will fail")

	fmt.Fprintln(stdout, "doctor: all checks passed")
	return 0
}

func backendName(cfg *config.Config) string {
	if cfg.BlobBackend == "" {
		return "file"
	}
	return cfg.BlobBackend
}
