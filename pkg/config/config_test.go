package config_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/docket/pkg/config"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"PORT", "LOG_LEVEL", "DATABASE_URL", "DATA_DIR", "WORKERS",
		"JWT_SECRET", "CORS_ORIGINS", "BLOB_BACKEND", "REAPER_INTERVAL",
	} {
		t.Setenv(key, "")
	}

	cfg := config.Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.Lite())
	assert.Equal(t, filepath.Join("data", "docket.db"), cfg.SQLitePath())
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, time.Minute, cfg.ReaperInterval)
	assert.Equal(t, time.Hour, cfg.DispatchKeyTTL)
	assert.Nil(t, cfg.CORSOrigins)
	require.NoError(t, cfg.Validate())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DATABASE_URL", "postgres://docket:5432/docket")
	t.Setenv("WORKERS", "8")
	t.Setenv("CORS_ORIGINS", "https://app.example.com, https://staging.example.com")
	t.Setenv("REAPER_INTERVAL", "30s")
	t.Setenv("INBOUND_DEBOUNCE", "5s")
	t.Setenv("DISPATCH_KEY_TTL", "10m")

	cfg := config.Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.False(t, cfg.Lite())
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, []string{"https://app.example.com", "https://staging.example.com"}, cfg.CORSOrigins)
	assert.Equal(t, 30*time.Second, cfg.ReaperInterval)
	assert.Equal(t, 5*time.Second, cfg.DebounceWindow)
	assert.Equal(t, 10*time.Minute, cfg.DispatchKeyTTL)
}

func TestMalformedNumbersFallBack(t *testing.T) {
	t.Setenv("WORKERS", "a lot")
	t.Setenv("REAPER_INTERVAL", "soonish")

	cfg := config.Load()

	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, time.Minute, cfg.ReaperInterval)
}

func TestValidateRejectsBadCombos(t *testing.T) {
	t.Setenv("BLOB_BACKEND", "s3")
	t.Setenv("S3_BUCKET", "")
	cfg := config.Load()
	assert.Error(t, cfg.Validate())

	t.Setenv("S3_BUCKET", "docket-attachments")
	cfg = config.Load()
	assert.NoError(t, cfg.Validate())

	t.Setenv("BLOB_BACKEND", "tape-robot")
	cfg = config.Load()
	assert.Error(t, cfg.Validate())
}

func TestBlobConfigMapsThrough(t *testing.T) {
	t.Setenv("BLOB_BACKEND", "s3")
	t.Setenv("S3_BUCKET", "docket-attachments")
	t.Setenv("S3_REGION", "us-west-2")
	t.Setenv("S3_PREFIX", "prod")

	bc := config.Load().BlobConfig()

	assert.Equal(t, "s3", bc.Backend)
	assert.Equal(t, "docket-attachments", bc.S3Bucket)
	assert.Equal(t, "us-west-2", bc.S3Region)
	assert.Equal(t, "prod", bc.S3Prefix)
}
