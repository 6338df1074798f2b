package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MarkoPoloResearchLab/creditengine/internal/demoapi"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	flagListenAddr          = "listen-addr"
	flagLedgerAddr          = "ledger-addr"
	flagLedgerInsecure      = "ledger-insecure"
	flagLedgerTimeout       = "ledger-timeout"
	flagChatTimeout         = "chat-timeout"
	flagAllowedOrigins      = "allowed-origins"
	flagJWTSigningKey       = "jwt-signing-key"
	flagJWTIssuer           = "jwt-issuer"
	flagJWTCookieName       = "jwt-cookie-name"
	flagStripeWebhookSecret = "stripe-webhook-secret"
	flagStripeCurrency      = "stripe-currency"
	envPrefix               = "DEMOAPI"
)

func main() {
	_ = godotenv.Load()
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "demoapi: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := demoapi.Config{}
	cmd := &cobra.Command{
		Use:           "demoapi",
		Short:         "HTTP façade for the credit engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, &cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return demoapi.Run(ctx, cfg)
		},
	}

	cmd.Flags().String(flagListenAddr, "", "HTTP listen address")
	cmd.Flags().String(flagLedgerAddr, "", "creditd gRPC address")
	cmd.Flags().Bool(flagLedgerInsecure, false, "connect to creditd without TLS")
	cmd.Flags().Duration(flagLedgerTimeout, 0, "ledger RPC timeout (e.g. 3s)")
	cmd.Flags().Duration(flagChatTimeout, 0, "chat RPC timeout (e.g. 90s)")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	cmd.Flags().String(flagJWTSigningKey, "", "HS256 session signing key; sessions are not checked when empty")
	cmd.Flags().String(flagJWTIssuer, "", "expected session issuer")
	cmd.Flags().String(flagJWTCookieName, "", "session cookie name")
	cmd.Flags().String(flagStripeWebhookSecret, "", "Stripe webhook signing secret; the webhook route is disabled when empty")
	cmd.Flags().String(flagStripeCurrency, "", "currency accepted for Stripe top-ups")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *demoapi.Config) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, flagName := range []string{
		flagListenAddr, flagLedgerAddr, flagLedgerInsecure, flagLedgerTimeout, flagChatTimeout, flagAllowedOrigins,
		flagJWTSigningKey, flagJWTIssuer, flagJWTCookieName, flagStripeWebhookSecret, flagStripeCurrency,
	} {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}
	if err := v.BindEnv(flagStripeWebhookSecret, "STRIPE_WEBHOOK_SECRET"); err != nil {
		return err
	}

	cfg.ListenAddr = strings.TrimSpace(v.GetString(flagListenAddr))
	cfg.LedgerAddress = strings.TrimSpace(v.GetString(flagLedgerAddr))
	cfg.LedgerInsecure = v.GetBool(flagLedgerInsecure)
	cfg.LedgerTimeout = v.GetDuration(flagLedgerTimeout)
	cfg.ChatTimeout = v.GetDuration(flagChatTimeout)
	cfg.AllowedOrigins = demoapi.ParseAllowedOrigins(v.GetString(flagAllowedOrigins))
	cfg.SessionSigningKey = v.GetString(flagJWTSigningKey)
	cfg.SessionIssuer = strings.TrimSpace(v.GetString(flagJWTIssuer))
	cfg.SessionCookieName = strings.TrimSpace(v.GetString(flagJWTCookieName))
	cfg.StripeWebhookSecret = strings.TrimSpace(v.GetString(flagStripeWebhookSecret))
	cfg.StripeCurrency = strings.TrimSpace(v.GetString(flagStripeCurrency))

	return cfg.Validate()
}
