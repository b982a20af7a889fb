package httpapi

import (
	"fmt"
	"strings"
	"time"
)

const (
	defaultListenAddr    = ":8080"
	defaultAllowedOrigin = "http://localhost:3000"
	defaultIssuer        = "creditsd"
)

// Config aggregates runtime settings for the HTTP API.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
	SigningKey     string
	Issuer         string
	AdminRole      string
}

// Validate fills defaults and rejects unusable configurations.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.Issuer = defaultIfEmpty(cfg.Issuer, defaultIssuer)
	cfg.AdminRole = defaultIfEmpty(cfg.AdminRole, "admin")
	if len(cfg.SigningKey) == 0 {
		return fmt.Errorf("jwt signing key is required")
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}

const corsMaxAge = 12 * time.Hour
