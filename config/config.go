package config

import (
	"fmt"
	"os"
	"time"
)

// Config aggregates everything the service reads from the environment.
type Config struct {
	DatabaseURL      string
	HTTPPort         int
	JWTSecret        string
	LedgerGatewayURL string
	// BootstrapOwner seeds the owner role the first time the service starts
	// against an empty role_config table.
	BootstrapOwner string
	// MutualAgreement requires both buyer and seller to agree before an
	// escrow advances to Agreed. When false either party advances it alone.
	MutualAgreement bool
	ShutdownTimeout time.Duration
	OutboxInterval  time.Duration
}

// Load reads configuration from the environment, applying defaults where a
// value is optional.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		HTTPPort:         envOrInt("HTTP_PORT", 8080),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		LedgerGatewayURL: envOr("LEDGER_GATEWAY_URL", ""),
		BootstrapOwner:   os.Getenv("BOOTSTRAP_OWNER"),
		MutualAgreement:  envOrBool("ESCROW_MUTUAL_AGREEMENT", false),
		ShutdownTimeout:  time.Duration(envOrInt("SHUTDOWN_TIMEOUT_SECONDS", 15)) * time.Second,
		OutboxInterval:   time.Duration(envOrInt("OUTBOX_INTERVAL_MS", 500)) * time.Millisecond,
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("config: DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("config: JWT_SECRET is required")
	}
	if cfg.BootstrapOwner == "" {
		return nil, fmt.Errorf("config: BOOTSTRAP_OWNER is required")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrBool(key string, fallback bool) bool {
	switch os.Getenv(key) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	}
	return fallback
}
