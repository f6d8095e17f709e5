package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.bookline.dev/keeper/cmd/providers"
	"go.bookline.dev/keeper/pkg/bookings"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var adminCmd = cobra.Command{
	Use:   "admin",
	Short: "Administrative utilities",
}

var adminCreateTableCmd = cobra.Command{
	Use:   "create-table",
	Short: "Create the bookings table",
	Args:  cobra.NoArgs,
	Run: providers.NewCmd(func(
		log *zap.Logger,
		lc fx.Lifecycle,
		shutdowner fx.Shutdowner,
		store *bookings.Store,
	) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				if err := store.CreateTable(ctx); err != nil {
					return err
				}
				log.Info("Created bookings table",
					zap.String("table", store.TableName))
				return shutdowner.Shutdown()
			},
		})
	}),
}

func init() {
	adminCmd.AddCommand(&adminCreateTableCmd)
	rootCmd.AddCommand(&adminCmd)
}
