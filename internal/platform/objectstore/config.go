package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/storyreel-labs/storyreel-go/internal/platform/env"
)

// Config points at the MinIO deployment backing both stores: the sources
// bucket holds uploaded texts and reference images, the renders bucket holds
// generated candidates and confirmed artifacts.
type Config struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Region        string
	UseSSL        bool
	BucketSources string
	BucketRenders string
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("STORYREEL_MINIO_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:      env.String("STORYREEL_MINIO_ENDPOINT", "localhost:9000"),
		AccessKey:     env.String("STORYREEL_MINIO_ACCESS_KEY", "storyreel"),
		SecretKey:     env.String("STORYREEL_MINIO_SECRET_KEY", "storyreelminio"),
		Region:        env.String("STORYREEL_MINIO_REGION", "us-east-1"),
		UseSSL:        useSSL,
		BucketSources: env.String("STORYREEL_MINIO_BUCKET_SOURCES", "sources"),
		BucketRenders: env.String("STORYREEL_MINIO_BUCKET_RENDERS", "renders"),
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
	if strings.TrimSpace(c.BucketSources) == "" {
		return errors.New("sources bucket is required")
	}
	if strings.TrimSpace(c.BucketRenders) == "" {
		return errors.New("renders bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
