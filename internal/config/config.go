package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"peerlink/native/internal/domain"
)

const defaultRequestTimeout = 15 * time.Second

// Config holds the application configuration.
type Config struct {
	APIURL         string
	Token          string
	Room           string
	Mode           domain.Direction
	RequestTimeout time.Duration
	MetricsAddr    string
}

// Load reads configuration from a .env file (if present) and environment variables.
// Environment variables take precedence over .env values.
func Load() (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	cfg := &Config{
		APIURL:         os.Getenv("PEERLINK_API_URL"),
		Token:          os.Getenv("PEERLINK_TOKEN"),
		Room:           os.Getenv("PEERLINK_ROOM"),
		Mode:           domain.DirectionReceive,
		RequestTimeout: defaultRequestTimeout,
		MetricsAddr:    os.Getenv("PEERLINK_METRICS_ADDR"),
	}

	for name, v := range map[string]string{
		"PEERLINK_API_URL": cfg.APIURL,
		"PEERLINK_TOKEN":   cfg.Token,
		"PEERLINK_ROOM":    cfg.Room,
	} {
		if v == "" {
			return nil, fmt.Errorf("%s environment variable is required", name)
		}
	}

	if mode := os.Getenv("PEERLINK_MODE"); mode != "" {
		switch domain.Direction(mode) {
		case domain.DirectionSend, domain.DirectionReceive:
			cfg.Mode = domain.Direction(mode)
		default:
			return nil, fmt.Errorf("PEERLINK_MODE must be %q or %q, got %q", domain.DirectionSend, domain.DirectionReceive, mode)
		}
	}

	if raw := os.Getenv("PEERLINK_REQUEST_TIMEOUT"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("PEERLINK_REQUEST_TIMEOUT: %w", err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("PEERLINK_REQUEST_TIMEOUT must be positive, got %s", d)
		}
		cfg.RequestTimeout = d
	}

	return cfg, nil
}
