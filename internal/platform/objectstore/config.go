package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/runqueue/internal/platform/env"
)

// Config describes the bucket that archives completion results. Archiving is
// optional; Enabled=false leaves results inline in the run row only.
type Config struct {
	Enabled       bool
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Region        string
	UseSSL        bool
	BucketResults string
}

func ConfigFromEnv() (Config, error) {
	enabled, err := env.Bool("RUNQUEUE_MINIO_ENABLED", false)
	if err != nil {
		return Config{}, err
	}
	useSSL, err := env.Bool("RUNQUEUE_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Enabled:       enabled,
		Endpoint:      env.String("RUNQUEUE_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey:     env.String("RUNQUEUE_MINIO_ACCESS_KEY", "runqueue"),
		SecretKey:     env.String("RUNQUEUE_MINIO_SECRET_KEY", "runqueueminio"),
		Region:        env.String("RUNQUEUE_MINIO_REGION", "us-east-1"),
		UseSSL:        useSSL,
		BucketResults: env.String("RUNQUEUE_MINIO_BUCKET_RESULTS", "run-results"),
	}
	if !cfg.Enabled {
		return cfg, nil
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.BucketResults) == "" {
		return errors.New("results bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
