package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/jmehdipour/sms-broadcast/internal/app"
	"github.com/jmehdipour/sms-broadcast/internal/db"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the relational schema (and the ClickHouse table when configured)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := app.Load(cfgPath)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()

		sqlDB, err := db.Open(cfg.Store.Driver, cfg.Store.DSN, db.PoolOpts{PingTimeout: cfg.Store.PingTimeout})
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer sqlDB.Close()
		if err := db.Migrate(ctx, sqlDB); err != nil {
			return fmt.Errorf("migrate %s: %w", sqlDB.DriverName(), err)
		}
		log.Info("store schema ready")

		if cfg.ClickHouse.DSN != "" {
			ch, err := db.NewClickHouseConnection(cfg.ClickHouse.DSN, db.PoolOpts{PingTimeout: cfg.ClickHouse.PingTimeout})
			if err != nil {
				return fmt.Errorf("clickhouse connect: %w", err)
			}
			defer ch.Close()
			if err := db.MigrateClickHouse(ctx, ch); err != nil {
				return fmt.Errorf("migrate clickhouse: %w", err)
			}
			log.Info("clickhouse schema ready")
		}

		fmt.Println(">> Migration complete")
		return nil
	},
}
