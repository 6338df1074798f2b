package demoapi

import (
	"fmt"
	"strings"
	"time"
)

const (
	defaultListenAddr     = ":9090"
	defaultLedgerAddr     = "localhost:7000"
	defaultAllowedOrigin  = "http://localhost:8000"
	defaultLedgerTimeout  = 3 * time.Second
	defaultChatTimeout    = 90 * time.Second
	defaultSessionIssuer  = "creditengine"
	defaultSessionCookie  = "app_session"
	defaultStripeCurrency = "usd"
	defaultHistoryLimit   = 50
	maxWebhookBytes       = 1 << 16
)

// Config aggregates runtime settings for the demo API.
type Config struct {
	ListenAddr     string
	LedgerAddress  string
	LedgerInsecure bool
	LedgerTimeout  time.Duration
	ChatTimeout    time.Duration
	AllowedOrigins []string

	// SessionSigningKey enables HS256 session checks when set.
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string

	// StripeWebhookSecret enables POST /api/webhooks/stripe when set.
	StripeWebhookSecret string
	StripeCurrency      string
}

// Validate ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	cfg.LedgerAddress = defaultIfEmpty(cfg.LedgerAddress, defaultLedgerAddr)
	if cfg.LedgerTimeout <= 0 {
		cfg.LedgerTimeout = defaultLedgerTimeout
	}
	if cfg.ChatTimeout <= 0 {
		cfg.ChatTimeout = defaultChatTimeout
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	cfg.StripeCurrency = strings.ToLower(defaultIfEmpty(cfg.StripeCurrency, defaultStripeCurrency))
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return fmt.Errorf("listen addr is required")
	}
	if strings.TrimSpace(cfg.LedgerAddress) == "" {
		return fmt.Errorf("ledger address is required")
	}
	if cfg.SessionSigningKey != "" && len(cfg.SessionSigningKey) < 16 {
		return fmt.Errorf("jwt signing key must be at least 16 bytes")
	}
	return nil
}

// SessionsEnabled reports whether requests must carry a signed session.
func (cfg Config) SessionsEnabled() bool {
	return cfg.SessionSigningKey != ""
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
