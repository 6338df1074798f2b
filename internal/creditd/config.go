// Package creditd wires the credit engine daemon.
package creditd

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/creditengine/pkg/pricing"
)

const (
	ProviderEcho   = "echo"
	ProviderOpenAI = "openai"

	LedgerStoreGORM = "gorm"
	LedgerStorePGX  = "pgx"

	defaultDatabaseURL         = "sqlite:///tmp/creditengine.db"
	defaultGRPCListenAddr      = ":7000"
	defaultModel               = "gpt-4o-mini"
	defaultMaxCompletionTokens = 1024
	defaultBufferPercent       = 20
	defaultProviderBaseURL     = "https://api.openai.com"
	defaultProviderTimeout     = 60 * time.Second
	defaultCacheTTL            = 24 * time.Hour
	defaultKafkaTopic          = "credit.usage"
	defaultReservationTTL      = 15 * time.Minute
	defaultSweepInterval       = time.Minute
)

// RateOverride prices one model in cents per million tokens.
type RateOverride struct {
	InputPerMillion  string `mapstructure:"input_per_million"`
	OutputPerMillion string `mapstructure:"output_per_million"`
}

// Config aggregates runtime settings for creditd.
type Config struct {
	DatabaseURL string
	ListenAddr  string
	// LedgerStore selects the ledger persistence; pgx requires a postgres DatabaseURL.
	LedgerStore string

	DefaultModel        string
	MaxCompletionTokens int64
	BufferPercent       int64
	RateOverrides       map[string]RateOverride

	Provider        string
	ProviderBaseURL string
	ProviderAPIKey  string
	ProviderTimeout time.Duration

	RedisURL string
	CacheTTL time.Duration

	KafkaBrokers []string
	KafkaTopic   string

	ReservationTTL time.Duration
	// SweepInterval of zero disables the stale reservation sweeper.
	SweepInterval time.Duration
}

// Validate applies defaults and rejects unusable settings.
func (cfg *Config) Validate() error {
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultGRPCListenAddr)
	cfg.DefaultModel = defaultIfEmpty(cfg.DefaultModel, defaultModel)
	if cfg.MaxCompletionTokens <= 0 {
		cfg.MaxCompletionTokens = defaultMaxCompletionTokens
	}
	if cfg.BufferPercent < 0 {
		cfg.BufferPercent = defaultBufferPercent
	}
	cfg.LedgerStore = strings.ToLower(defaultIfEmpty(cfg.LedgerStore, LedgerStoreGORM))
	cfg.Provider = strings.ToLower(defaultIfEmpty(cfg.Provider, ProviderEcho))
	cfg.ProviderBaseURL = defaultIfEmpty(cfg.ProviderBaseURL, defaultProviderBaseURL)
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = defaultProviderTimeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	cfg.KafkaTopic = defaultIfEmpty(cfg.KafkaTopic, defaultKafkaTopic)
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = defaultReservationTTL
	}
	if cfg.SweepInterval < 0 {
		cfg.SweepInterval = defaultSweepInterval
	}

	switch cfg.LedgerStore {
	case LedgerStoreGORM:
	case LedgerStorePGX:
		target, err := resolveDriver(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		if target.driver != driverPostgres {
			return fmt.Errorf("ledger store %s requires a postgres database url", LedgerStorePGX)
		}
	default:
		return fmt.Errorf("unsupported ledger store %q", cfg.LedgerStore)
	}

	switch cfg.Provider {
	case ProviderEcho:
	case ProviderOpenAI:
		if strings.TrimSpace(cfg.ProviderAPIKey) == "" {
			return fmt.Errorf("provider api key is required for %s", ProviderOpenAI)
		}
	default:
		return fmt.Errorf("unsupported provider %q", cfg.Provider)
	}
	if _, err := cfg.RateTable(); err != nil {
		return err
	}
	return nil
}

// RateTable returns the built-in rates with the configured overrides applied.
func (cfg *Config) RateTable() (*pricing.RateTable, error) {
	table := pricing.DefaultRateTable()
	for model, override := range cfg.RateOverrides {
		rate, err := pricing.NewRate(override.InputPerMillion, override.OutputPerMillion)
		if err != nil {
			return nil, fmt.Errorf("pricing for %s: %w", model, err)
		}
		table = table.With(model, rate)
	}
	return table, nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}

// ParseList splits a comma-delimited value into trimmed, non-empty parts.
func ParseList(raw string) []string {
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
