package providers

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	"go.bookline.dev/keeper/pkg/runner"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Observability config keys.
const (
	ConfMetricsAddr = "metrics.addr"
)

func init() {
	viper.SetDefault(ConfMetricsAddr, ":9090")
}

// NewHealth builds the per-job health registry.
func NewHealth() *runner.Health {
	return runner.NewHealth()
}

// NewMetricsServer serves Prometheus metrics and the job health accessor.
func NewMetricsServer(log *zap.Logger, lc fx.Lifecycle, health *runner.Health) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", health)
	server := &http.Server{
		Addr:    viper.GetString(ConfMetricsAddr),
		Handler: mux,
	}
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			log.Info("Starting metrics server", zap.String("addr", server.Addr))
			go func() {
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Error("Metrics server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return server.Shutdown(ctx)
		},
	})
	return server
}
