package blob

import (
	"context"
	"fmt"
	"path/filepath"
)

// Backend names accepted by Open.
const (
	BackendFile = "file"
	BackendS3   = "s3"
	BackendGCS  = "gcs"
)

// Config selects and configures a backend.
type Config struct {
	Backend string
	// DataDir roots the file backend.
	DataDir string
	// S3 settings.
	S3Bucket   string
	S3Region   string
	S3Endpoint string
	S3Prefix   string
	// GCS settings.
	GCSBucket string
	GCSPrefix string
}

// Open builds the configured backend. An empty backend means file.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", BackendFile:
		dir := cfg.DataDir
		if dir == "" {
			dir = "data"
		}
		return NewFileStore(filepath.Join(dir, "attachments"))
	case BackendS3:
		return NewS3Store(ctx, S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   cfg.S3Prefix,
		})
	case BackendGCS:
		return newGCSFromConfig(ctx, cfg.GCSBucket, cfg.GCSPrefix)
	default:
		return nil, fmt.Errorf("blob: unsupported backend %q", cfg.Backend)
	}
}
