package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/platform/config"
	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/platform/logger"
)

var (
	cfg *config.Config
	log *logger.Logger
)

var rootCmd = &cobra.Command{
	Use:   "spend-controls",
	Short: "Threshold escalation and payment compliance service",
	Long: "Validates expenses against spending thresholds, routes over-threshold requests through " +
		"multi-party approval, enforces salary deductions and gates payouts behind a compliance checklist.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		log = logger.New(logger.Config{
			Level:       cfg.Log.Level,
			Environment: cfg.Service.Environment,
			ServiceName: cfg.Service.Name,
			Version:     cfg.Service.Version,
		})
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
