package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"fitbot/pkg/config"
	"fitbot/pkg/gateway"
	"fitbot/pkg/logger"

	"github.com/spf13/cobra"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the webhook gateway",
	Long:  "Serves /health, /, /readyz, /metrics and POST /webhook/{provider} until interrupted, then drains gracefully.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args

		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		appLogger, err := logger.New(cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		slog.SetDefault(appLogger)
		log := slog.Default().With("component", "cmd.gateway")

		warnMissingConfig(log, cfg)

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, err := gateway.NewService(runCtx, cfg, appLogger)
		if err != nil {
			log.Error("Failed to initialize gateway service", "error", err)
			return err
		}

		if err := svc.Run(runCtx); err != nil {
			log.Error("Gateway runtime failed", "error", err)
			return err
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
}

// warnMissingConfig logs absent secrets. The gateway still starts: webhooks
// are acknowledged and deduplicated, replies degrade to log output.
func warnMissingConfig(log *slog.Logger, cfg *config.Config) {
	for _, name := range cfg.Missing() {
		log.Warn("Missing configuration value, starting degraded", "env", name)
	}
	if !cfg.Debug() && cfg.App.SecretKey == config.DefaultSecretKey {
		log.Warn("SECRET_KEY is the development default in production")
	}
}
