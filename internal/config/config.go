package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds the allocator service configuration, loaded from environment
// variables.
type Config struct {
	Addr        string
	DatabaseURL string

	// AuthSecret signs and verifies bearer tokens for mutating routes.
	// Empty disables auth (local development).
	AuthSecret string

	// RefreshScores recomputes entry scores from the active criteria before
	// each run orders the waitlist.
	RefreshScores bool

	KafkaBrokers []string
	KafkaTopic   string

	ArchiveBucket string
	ArchivePrefix string
}

const (
	defaultAddr     = ":8060"
	defaultRunTopic = "allocator.runs"
)

func Load() (Config, error) {
	cfg := Config{
		Addr:          getEnv("ALLOCATOR_ADDR", defaultAddr),
		DatabaseURL:   firstNonEmpty(os.Getenv("ALLOCATOR_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		AuthSecret:    os.Getenv("ALLOCATOR_AUTH_SECRET"),
		RefreshScores: getBool("ALLOCATOR_REFRESH_SCORES", true),
		KafkaBrokers:  parseCSV(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:    getEnv("KAFKA_RUN_TOPIC", defaultRunTopic),
		ArchiveBucket: os.Getenv("ARCHIVE_BUCKET"),
		ArchivePrefix: os.Getenv("ARCHIVE_PREFIX"),
	}
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL or ALLOCATOR_DATABASE_URL required")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
