package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/digkill/ImageForge/internal/config"
	"github.com/digkill/ImageForge/internal/database"
	"github.com/digkill/ImageForge/internal/repository"
	"github.com/digkill/ImageForge/internal/service"
	"github.com/digkill/ImageForge/pkg/logger"
)

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(reconcileCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		logr := logger.New(cfg.LogLevel)

		ctx, stop := signalContext(cmd)
		defer stop()

		db, err := database.Open(ctx, cfg.DBDriver, cfg.DBDSN)
		if err != nil {
			return fmt.Errorf("database connect: %w", err)
		}
		defer db.Close()

		if err := database.Migrate(ctx, db); err != nil {
			return fmt.Errorf("database migrate: %w", err)
		}
		logr.Info("schema applied", "driver", cfg.DBDriver)
		return nil
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Compare balance snapshots with the ledger",
	Long: `reconcile sums every account's ledger entries and compares them with the
stored balances. Drifts are printed as JSON and the command exits non-zero.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		logr := logger.New(cfg.LogLevel)

		ctx, stop := signalContext(cmd)
		defer stop()

		db, err := database.Open(ctx, cfg.DBDriver, cfg.DBDSN)
		if err != nil {
			return fmt.Errorf("database connect: %w", err)
		}
		defer db.Close()

		prices, err := newPriceProvider(cfg, db, logr)
		if err != nil {
			return err
		}
		ledger := service.NewLedgerService(db, repository.NewAccountRepository(db), repository.NewLedgerRepository(db), prices, service.LedgerConfig{
			RegistrationBonus: cfg.RegistrationBonus,
			DailyReward:       cfg.DailyReward,
		}, logr)

		drifts, err := ledger.Reconcile(ctx)
		if err != nil {
			return fmt.Errorf("reconcile: %w", err)
		}
		if len(drifts) == 0 {
			logr.Info("ledger consistent")
			return nil
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(drifts); err != nil {
			return fmt.Errorf("encode drifts: %w", err)
		}
		return fmt.Errorf("%d accounts drifted from the ledger", len(drifts))
	},
}
