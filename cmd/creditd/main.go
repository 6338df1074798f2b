package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MarkoPoloResearchLab/creditengine/internal/creditd"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	flagConfigFile          = "config"
	flagDatabaseURL         = "database-url"
	flagListenAddr          = "listen-addr"
	flagLedgerStore         = "ledger-store"
	flagDefaultModel        = "default-model"
	flagMaxCompletionTokens = "max-completion-tokens"
	flagBufferPercent       = "buffer-percent"
	flagProvider            = "provider"
	flagProviderBaseURL     = "provider-base-url"
	flagProviderAPIKey      = "provider-api-key"
	flagProviderTimeout     = "provider-timeout"
	flagRedisURL            = "redis-url"
	flagCacheTTL            = "cache-ttl"
	flagKafkaBrokers        = "kafka-brokers"
	flagKafkaTopic          = "kafka-topic"
	flagReservationTTL      = "reservation-ttl"
	flagSweepInterval       = "sweep-interval"

	configKeyRateOverrides = "pricing.models"
	envPrefix              = "CREDITD"
)

func main() {
	_ = godotenv.Load()
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := creditd.Config{}
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Credit ledger and usage settlement gRPC server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, &cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			logger, err := zap.NewProduction()
			if err != nil {
				return fmt.Errorf("logger init: %w", err)
			}
			defer func() { _ = logger.Sync() }()
			return creditd.Run(ctx, cfg, logger)
		},
	}

	cmd.Flags().String(flagConfigFile, "", "optional config file (yaml, json or toml) carrying pricing.models overrides")
	cmd.Flags().String(flagDatabaseURL, "", "postgres://, mysql://, sqlite:// URL or a sqlite file path")
	cmd.Flags().String(flagListenAddr, "", "gRPC listen address")
	cmd.Flags().String(flagLedgerStore, "", "ledger persistence: gorm (default) or pgx (postgres only)")
	cmd.Flags().String(flagDefaultModel, "", "model used when a chat request names none")
	cmd.Flags().Int64(flagMaxCompletionTokens, 0, "completion token ceiling used for reservations")
	cmd.Flags().Int64(flagBufferPercent, -1, "reservation buffer percent (negative selects the default)")
	cmd.Flags().String(flagProvider, "", "AI provider: echo or openai")
	cmd.Flags().String(flagProviderBaseURL, "", "OpenAI-compatible base URL")
	cmd.Flags().String(flagProviderAPIKey, "", "provider API key")
	cmd.Flags().Duration(flagProviderTimeout, 0, "provider request timeout")
	cmd.Flags().String(flagRedisURL, "", "redis URL for the chat replay cache (optional)")
	cmd.Flags().Duration(flagCacheTTL, 0, "replay cache TTL")
	cmd.Flags().String(flagKafkaBrokers, "", "comma-separated kafka brokers for usage events (optional)")
	cmd.Flags().String(flagKafkaTopic, "", "kafka topic for usage events")
	cmd.Flags().Duration(flagReservationTTL, 0, "age after which unsettled reservations are refunded")
	cmd.Flags().Duration(flagSweepInterval, -1, "stale reservation sweep interval (0 disables)")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *creditd.Config) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if err := v.BindEnv(flagDatabaseURL, "DATABASE_URL", envPrefix+"_DATABASE_URL"); err != nil {
		return err
	}
	if err := v.BindEnv(flagListenAddr, "GRPC_LISTEN_ADDR", envPrefix+"_LISTEN_ADDR"); err != nil {
		return err
	}
	for _, flagName := range []string{
		flagConfigFile, flagDatabaseURL, flagListenAddr, flagLedgerStore, flagDefaultModel, flagMaxCompletionTokens, flagBufferPercent,
		flagProvider, flagProviderBaseURL, flagProviderAPIKey, flagProviderTimeout, flagRedisURL, flagCacheTTL,
		flagKafkaBrokers, flagKafkaTopic, flagReservationTTL, flagSweepInterval,
	} {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	if configFile := strings.TrimSpace(v.GetString(flagConfigFile)); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	cfg.ListenAddr = strings.TrimSpace(v.GetString(flagListenAddr))
	cfg.LedgerStore = strings.TrimSpace(v.GetString(flagLedgerStore))
	cfg.DefaultModel = strings.TrimSpace(v.GetString(flagDefaultModel))
	cfg.MaxCompletionTokens = v.GetInt64(flagMaxCompletionTokens)
	cfg.BufferPercent = v.GetInt64(flagBufferPercent)
	cfg.Provider = strings.TrimSpace(v.GetString(flagProvider))
	cfg.ProviderBaseURL = strings.TrimSpace(v.GetString(flagProviderBaseURL))
	cfg.ProviderAPIKey = v.GetString(flagProviderAPIKey)
	cfg.ProviderTimeout = v.GetDuration(flagProviderTimeout)
	cfg.RedisURL = strings.TrimSpace(v.GetString(flagRedisURL))
	cfg.CacheTTL = v.GetDuration(flagCacheTTL)
	cfg.KafkaBrokers = creditd.ParseList(v.GetString(flagKafkaBrokers))
	cfg.KafkaTopic = strings.TrimSpace(v.GetString(flagKafkaTopic))
	cfg.ReservationTTL = v.GetDuration(flagReservationTTL)
	cfg.SweepInterval = v.GetDuration(flagSweepInterval)

	overrides := map[string]creditd.RateOverride{}
	if err := v.UnmarshalKey(configKeyRateOverrides, &overrides); err != nil {
		return fmt.Errorf("decode %s: %w", configKeyRateOverrides, err)
	}
	cfg.RateOverrides = overrides

	return cfg.Validate()
}
