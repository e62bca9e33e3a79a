package cmd

import (
	"fmt"
	"io"
	"strings"

	"fitbot/pkg/config"

	"github.com/spf13/cobra"
)

const redacted = "********"

var showEnvReference bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	Long:  "Prints the configuration the gateway would start with, secrets redacted, or the environment variable reference with --env.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args

		if showEnvReference {
			text, err := config.Description()
			if err != nil {
				return fmt.Errorf("describe config: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), text)
			return err
		}

		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		return printConfig(cmd.OutOrStdout(), cfg)
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.Flags().BoolVar(&showEnvReference, "env", false, "print the environment variable reference")
}

func printConfig(w io.Writer, cfg *config.Config) error {
	rows := [][2]string{
		{"APP_ENV", cfg.App.Environment},
		{"listen", cfg.ListenAddr()},
		{"APP_URL", cfg.App.URL},
		{"SECRET_KEY", redact(cfg.App.SecretKey)},
		{"TWILIO_ACCOUNT_SID", cfg.Twilio.AccountSID},
		{"TWILIO_AUTH_TOKEN", redact(cfg.Twilio.AuthToken)},
		{"TWILIO_WHATSAPP_NUMBER", cfg.Twilio.WhatsAppNumber},
		{"ANTHROPIC_API_KEY", redact(cfg.AI.AnthropicAPIKey)},
		{"TELEGRAM_BOT_TOKEN", redact(cfg.Telegram.Token)},
		{"DATABASE_URL", cfg.Database.URL},
		{"IDEMPOTENCY_BACKEND", cfg.Idempotency.Backend},
		{"IDEMPOTENCY_TTL", cfg.Idempotency.TTL.String()},
		{"DISPATCH_CAPACITY", fmt.Sprint(cfg.Dispatch.Capacity)},
		{"DISPATCH_WORKERS", fmt.Sprint(cfg.Dispatch.Workers)},
		{"DISPATCH_DURABILITY", cfg.Dispatch.Durability},
		{"ACK_TIMEOUT", cfg.Webhook.AckTimeout.String()},
		{"LOG_LEVEL", cfg.Logging.Level},
	}

	for _, row := range rows {
		if _, err := fmt.Fprintf(w, "%-24s %s\n", row[0], row[1]); err != nil {
			return err
		}
	}

	if missing := cfg.Missing(); len(missing) > 0 {
		if _, err := fmt.Fprintf(w, "\nmissing: %s\n", strings.Join(missing, ", ")); err != nil {
			return err
		}
	}

	return nil
}

func redact(value string) string {
	if value == "" {
		return ""
	}
	if value == config.DefaultSecretKey {
		return value + " (default)"
	}
	return redacted
}
