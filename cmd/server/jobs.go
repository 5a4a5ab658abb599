package main

import (
	"encoding/json"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/repository"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire overdue escalations and retry queued enforcement once",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer a.close()

		res, err := a.sweeper.SweepOnce(ctx)
		if err != nil {
			return eris.Wrap(err, "sweep")
		}
		return printJSON(cmd, res)
	},
}

var autolockActor string

var autolockCmd = &cobra.Command{
	Use:   "autolock",
	Short: "Lock every ready compliance record whose checks are complete",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer a.close()

		res, err := a.svc.Compliance.AutoLock(ctx, autolockActor)
		if err != nil {
			return eris.Wrap(err, "autolock")
		}
		return printJSON(cmd, res)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the Postgres schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		db, err := openDatabase(ctx, cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := repository.Migrate(ctx, db); err != nil {
			return err
		}
		log.Info().Str("database", cfg.Database.Database).Msg("Schema applied")
		return nil
	},
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	autolockCmd.Flags().StringVar(&autolockActor, "actor", "system", "actor recorded in the audit trail")
	rootCmd.AddCommand(sweepCmd, autolockCmd, migrateCmd)
}
