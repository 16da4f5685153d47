package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/agent-gateway/internal/platform/env"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string
}

// ConfigFromEnv reads RESULT_STORE_*. The store is optional: enabled is
// false when RESULT_STORE_ENDPOINT is unset.
func ConfigFromEnv() (cfg Config, enabled bool, err error) {
	endpoint := env.String("RESULT_STORE_ENDPOINT", "")
	if endpoint == "" {
		return Config{}, false, nil
	}
	useSSL, err := env.Bool("RESULT_STORE_USE_SSL", false)
	if err != nil {
		return Config{}, false, err
	}
	cfg = Config{
		Endpoint:  endpoint,
		AccessKey: env.String("RESULT_STORE_ACCESS_KEY", ""),
		SecretKey: env.String("RESULT_STORE_SECRET_KEY", ""),
		Region:    env.String("RESULT_STORE_REGION", "us-east-1"),
		UseSSL:    useSSL,
		Bucket:    env.String("RESULT_STORE_BUCKET", "agent-results"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, false, err
	}
	return cfg, true, nil
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
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
