// Package providers holds fx constructors for the shared components of the
// keeper commands.
package providers

import (
	"context"

	"github.com/spf13/cobra"
	"go.bookline.dev/keeper/pkg/appctx"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Log is the global logger.
var Log *zap.Logger

// Providers holds constructors for shared components.
var Providers = []interface{}{
	// health.go
	NewHealth,
	NewMetricsServer,
	// mysql.go
	NewMySQL,
	NewBookingStore,
	// providers.go
	NewContext,
	// redis.go
	NewRedis,
	NewLeaseLock,
}

// NewCmd builds a cobra run function that starts an fx app around invoke.
func NewCmd(invoke interface{}) func(cmd *cobra.Command, args []string) {
	return func(cmd *cobra.Command, args []string) {
		app := fx.New(
			fx.Provide(Providers...),
			fx.Supply(cmd),
			fx.Supply(Log),
			fx.Logger(zap.NewStdLog(Log)),
			fx.Invoke(invoke),
		)
		app.Run()
	}
}

// NewContext returns a context closed on shutdown, whether it comes from a
// termination signal or the fx lifecycle stopping.
func NewContext(lc fx.Lifecycle) context.Context {
	ctx, cancel := context.WithCancel(appctx.Context())
	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error {
			cancel()
			return nil
		},
	})
	return ctx
}
