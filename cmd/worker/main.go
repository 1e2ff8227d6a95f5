package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"redis-await-queue/internal/config"
	"redis-await-queue/internal/handlers"
	"redis-await-queue/internal/metrics"
	"redis-await-queue/internal/queue"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:          "worker",
		Short:        "Consume jobs from the queue",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	return cmd
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := cfg.Logger(os.Stdout)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var m queue.Metrics
	var metricsSrv *http.Server
	if cfg.MetricsEnabled {
		c := metrics.NewCollector(prometheus.NewRegistry())
		m = c
		metricsSrv = serveMetrics(cfg.MetricsPort, c.Handler(), logger)
	}

	q, err := queue.New(cfg.QueueOptions(cfg.IdleTimeout, logger, m))
	if err != nil {
		return err
	}

	mux := handlers.NewMux(logger)
	handlers.Register(mux)
	if err := q.Process(mux.Process); err != nil {
		return err
	}

	logger.Info("Worker running. Press Ctrl+C to exit.", "queue", cfg.Queue)
	<-ctx.Done()

	logger.Info("shutting down")
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return q.Close()
}

func serveMetrics(port string, h http.Handler, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{Addr: ":" + port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", fmt.Errorf("listen %s: %w", srv.Addr, err))
		}
	}()
	return srv
}
