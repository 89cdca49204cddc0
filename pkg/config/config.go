// Package config reads the process configuration from the environment.
// Every knob has a default that works for local development: no env at
// all gives a sqlite-backed single-node engine with the static
// classifier and file attachments under ./data.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/docket/pkg/blob"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// DatabaseURL selects Postgres. Empty means lite mode: sqlite in
	// DataDir.
	DatabaseURL string
	DataDir     string

	// Workers bounds concurrent dispatcher runs.
	Workers int

	// RedisAddr enables cross-node event fan-out. Empty keeps events
	// in-process.
	RedisAddr string

	// AnthropicAPIKey enables the LLM classifier; empty falls back to
	// the deterministic static rules.
	AnthropicAPIKey string
	AnthropicModel  string

	MailAPIURL string
	MailAPIKey string
	MailFrom   string

	PortalAPIURL string
	PortalAPIKey string

	BlobBackend string
	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3Prefix    string
	GCSBucket   string
	GCSPrefix   string

	// JWTSecret signs and verifies API bearer tokens. Empty fails the
	// API closed.
	JWTSecret   string
	CORSOrigins []string

	// PolicyPath points at an autonomy profile YAML. Empty uses the
	// built-in defaults.
	PolicyPath string

	// OTLPEndpoint enables trace and metric export over OTLP gRPC.
	OTLPEndpoint string

	ReaperInterval  time.Duration
	DebounceWindow  time.Duration
	// DispatchKeyTTL is the dedupe window for task idempotency keys.
	DispatchKeyTTL  time.Duration
	ShutdownTimeout time.Duration
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:     getenv("PORT", "8080"),
		LogLevel: getenv("LOG_LEVEL", "info"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		DataDir:     getenv("DATA_DIR", "data"),
		Workers:     getenvInt("WORKERS", 4),
		RedisAddr:   os.Getenv("REDIS_ADDR"),

		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		AnthropicModel:  os.Getenv("ANTHROPIC_MODEL"),

		MailAPIURL: os.Getenv("MAIL_API_URL"),
		MailAPIKey: os.Getenv("MAIL_API_KEY"),
		MailFrom:   getenv("MAIL_FROM", "requests@docket.local"),

		PortalAPIURL: os.Getenv("PORTAL_API_URL"),
		PortalAPIKey: os.Getenv("PORTAL_API_KEY"),

		BlobBackend: os.Getenv("BLOB_BACKEND"),
		S3Bucket:    os.Getenv("S3_BUCKET"),
		S3Region:    os.Getenv("S3_REGION"),
		S3Endpoint:  os.Getenv("S3_ENDPOINT"),
		S3Prefix:    os.Getenv("S3_PREFIX"),
		GCSBucket:   os.Getenv("GCS_BUCKET"),
		GCSPrefix:   os.Getenv("GCS_PREFIX"),

		JWTSecret:   os.Getenv("JWT_SECRET"),
		CORSOrigins: splitList(os.Getenv("CORS_ORIGINS")),
		PolicyPath:  os.Getenv("POLICY_PROFILE"),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),

		ReaperInterval:  getenvDur("REAPER_INTERVAL", time.Minute),
		DebounceWindow:  getenvDur("INBOUND_DEBOUNCE", 15*time.Second),
		DispatchKeyTTL:  getenvDur("DISPATCH_KEY_TTL", time.Hour),
		ShutdownTimeout: getenvDur("SHUTDOWN_TIMEOUT", 20*time.Second),
	}
}

// Lite reports whether the process runs on embedded sqlite.
func (c *Config) Lite() bool { return c.DatabaseURL == "" }

// SQLitePath is the lite-mode database file.
func (c *Config) SQLitePath() string {
	return filepath.Join(c.DataDir, "docket.db")
}

// BlobConfig maps the env settings onto the blob factory.
func (c *Config) BlobConfig() blob.Config {
	return blob.Config{
		Backend:    c.BlobBackend,
		DataDir:    c.DataDir,
		S3Bucket:   c.S3Bucket,
		S3Region:   c.S3Region,
		S3Endpoint: c.S3Endpoint,
		S3Prefix:   c.S3Prefix,
		GCSBucket:  c.GCSBucket,
		GCSPrefix:  c.GCSPrefix,
	}
}

// Validate rejects combinations that cannot boot.
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("config: WORKERS must be at least 1, got %d", c.Workers)
	}
	switch c.BlobBackend {
	case "", blob.BackendFile:
	case blob.BackendS3:
		if c.S3Bucket == "" {
			return fmt.Errorf("config: BLOB_BACKEND=s3 requires S3_BUCKET")
		}
	case blob.BackendGCS:
		if c.GCSBucket == "" {
			return fmt.Errorf("config: BLOB_BACKEND=gcs requires GCS_BUCKET")
		}
	default:
		return fmt.Errorf("config: unknown BLOB_BACKEND %q", c.BlobBackend)
	}
	if c.ReaperInterval < time.Second {
		return fmt.Errorf("config: REAPER_INTERVAL below 1s would busy-sweep the database")
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvDur(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
