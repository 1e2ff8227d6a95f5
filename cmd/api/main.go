package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"redis-await-queue/internal/api"
	"redis-await-queue/internal/config"
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
	root := &cobra.Command{
		Use:          "api",
		Short:        "Serve the HTTP job API",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	root.AddCommand(newEnqueueCmd(&configPath))
	return root
}

func serve(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := cfg.Logger(os.Stdout)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var m queue.Metrics
	var metricsHandler http.Handler
	if cfg.MetricsEnabled {
		c := metrics.NewCollector(prometheus.NewRegistry())
		m, metricsHandler = c, c.Handler()
	}

	// the API host only produces; its connections idle out on the longer window
	q, err := queue.New(cfg.QueueOptions(cfg.StoreIdleTimeout, logger, m))
	if err != nil {
		return err
	}
	defer q.Close()

	r := api.NewRouter(api.Options{
		Queue:       q,
		APIKey:      cfg.APIKey,
		WaitTimeout: cfg.WaitTimeout,
		Metrics:     metricsHandler,
		Logger:      logger,
	})
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", "addr", srv.Addr, "queue", cfg.Queue)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newEnqueueCmd(configPath *string) *cobra.Command {
	var (
		payload     string
		wait        bool
		maxAttempts int
		backoff     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue one job and optionally wait for its result",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			q, err := queue.New(cfg.QueueOptions(0, cfg.Logger(os.Stderr), nil))
			if err != nil {
				return err
			}
			defer q.Close()

			var opts []queue.JobOption
			if cmd.Flags().Changed("max-attempts") {
				opts = append(opts, queue.WithMaxAttempts(maxAttempts))
			}
			if cmd.Flags().Changed("backoff") {
				opts = append(opts, queue.WithBackoff(backoff))
			}
			f, err := q.Enqueue(cmd.Context(), json.RawMessage(payload), opts...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), f.JobID())
			if !wait {
				return nil
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.WaitTimeout)
			defer cancel()
			result, err := f.Wait(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(result))
			return nil
		},
	}
	cmd.Flags().StringVarP(&payload, "payload", "p", "{}", "job payload as JSON")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait for the job to finish")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 3, "attempt budget for this job")
	cmd.Flags().DurationVar(&backoff, "backoff", 5*time.Second, "delay between attempts")
	return cmd
}
