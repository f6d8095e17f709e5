package main

import (
	"context"
	"net/http"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.bookline.dev/keeper/cmd/providers"
	"go.bookline.dev/keeper/pkg/bookings"
	"go.bookline.dev/keeper/pkg/failtrack"
	"go.bookline.dev/keeper/pkg/jobs"
	"go.bookline.dev/keeper/pkg/runner"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var maintenanceCmd = cobra.Command{
	Use:   "maintenance",
	Short: "Run the recurring maintenance jobs",
	Long: "Runs retention cleanup, inactivity and stall detection," +
		" auto-escalation, follow-up dispatch and missed-reply recovery.\n" +
		"Safe to run on every instance of the fleet: distributed leases make" +
		" sure each job executes on one instance at a time.",
	Args: cobra.NoArgs,
	Run: providers.NewCmd(func(
		log *zap.Logger,
		lc fx.Lifecycle,
		lock *providers.LeaseLock,
		store *bookings.Store,
		health *runner.Health,
		_ *http.Server,
	) {
		track, err := failtrack.New(log, viper.GetInt(providers.ConfFailtrackCapacity))
		if err != nil {
			log.Fatal("Failed to build failure tracker", zap.Error(err))
		}
		svc := &jobs.Service{
			Log:    log,
			Store:  store,
			Config: providers.ViperConfig{},
			Mail: &jobs.RetryingSender{
				Next:       &jobs.LogSender{Log: log},
				MaxElapsed: viper.GetDuration(providers.ConfSenderMaxElapsed),
			},
			Notify: &jobs.LogNotifier{Log: log},
			Track:  track,
			Opts:   providers.JobOptionsFromEnv(),
		}
		run := &runner.Runner{
			Log:    log,
			Lock:   lock.Lock,
			Health: health,
			Owner:  lock.Owner,
		}
		svc.RegisterAll(run)
		lc.Append(fx.Hook{
			OnStart: func(_ context.Context) error {
				run.Start()
				return nil
			},
			OnStop: func(_ context.Context) error {
				run.Stop()
				return nil
			},
		})
	}),
}

func init() {
	rootCmd.AddCommand(&maintenanceCmd)
}
