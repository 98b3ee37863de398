package storage

import (
	"fmt"

	"github.com/rowjay/lbdump/internal/config"
)

// New returns the backend selected by cfg.Backend.
func New(cfg config.StorageConfig) (Storage, error) {
	switch cfg.Backend {
	case "local", "":
		if cfg.Local.Path == "" {
			return nil, fmt.Errorf("storage.local.path is required")
		}
		return NewLocal(cfg.Local.Path), nil
	case "s3":
		if cfg.S3.Endpoint == "" || cfg.S3.Bucket == "" {
			return nil, fmt.Errorf("s3 endpoint and bucket are required")
		}
		return NewS3(cfg.S3)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Backend)
	}
}
