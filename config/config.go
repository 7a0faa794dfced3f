// Package config loads the server configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	HTTPAddr       string
	DatabaseURL    string
	RedisAddr      string
	BlobDir        string
	PublicURL      string
	OriginPatterns []string

	PageSize      int
	PageIncrement int

	ProfileCacheCapacity    int
	ProfileCacheTTL         time.Duration
	ProfileCacheNegativeTTL time.Duration
	PresenceTTL             time.Duration
}

// New loads .env, if present, and reads the configuration from environment
// variables.
func New() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		HTTPAddr:       getenv("HTTP_ADDR", ":8080"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		BlobDir:        getenv("BLOB_DIR", "./data/blobs"),
		PublicURL:      getenv("PUBLIC_URL", "http://localhost:8080"),
		OriginPatterns: splitList(os.Getenv("ORIGIN_PATTERNS")),
	}

	var errs []error
	cfg.PageSize = getInt("CHAT_PAGE_SIZE", 25, &errs)
	cfg.PageIncrement = getInt("CHAT_PAGE_INCREMENT", 25, &errs)
	cfg.ProfileCacheCapacity = getInt("PROFILE_CACHE_CAPACITY", 300, &errs)
	cfg.ProfileCacheTTL = getDuration("PROFILE_CACHE_TTL", 10*time.Minute, &errs)
	cfg.ProfileCacheNegativeTTL = getDuration("PROFILE_CACHE_NEGATIVE_TTL", time.Minute, &errs)
	cfg.PresenceTTL = getDuration("PRESENCE_TTL", 30*time.Second, &errs)
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the external stores are configured.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" || c.RedisAddr == "" {
		return errors.New("required environment variables DATABASE_URL or REDIS_ADDR are not set")
	}
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int, errs *[]error) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		*errs = append(*errs, fmt.Errorf("%s must be a positive integer, got %q", key, v))
		return def
	}
	return n
}

func getDuration(key string, def time.Duration, errs *[]error) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		*errs = append(*errs, fmt.Errorf("%s must be a positive duration, got %q", key, v))
		return def
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
