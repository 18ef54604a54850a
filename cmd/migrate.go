package cmd

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/vibast-solutions/ms-go-mpesa/app/repository"
	"github.com/vibast-solutions/ms-go-mpesa/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the store tables for the configured SQL driver",
	Run: func(_ *cobra.Command, _ []string) {
		cfg := mustLoadConfig()
		if cfg.Store.Driver == config.StoreDriverMemory {
			logrus.Info("STORE_DRIVER=memory, nothing to migrate")
			return
		}

		ctx := context.Background()
		db, err := openDatabase(ctx, cfg.Store)
		if err != nil {
			logrus.WithError(err).Fatal("Failed to open database")
		}
		defer db.Close()

		if err := repository.Migrate(ctx, db, cfg.Store.Driver); err != nil {
			logrus.WithError(err).Fatal("Migration failed")
		}
		logrus.WithField("driver", cfg.Store.Driver).Info("Schema is up to date")
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
