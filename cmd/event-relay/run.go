package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/devblac/event-relay/internal/config"
	"github.com/devblac/event-relay/internal/health"
	"github.com/devblac/event-relay/internal/logging"
	"github.com/devblac/event-relay/internal/metrics"
	"github.com/devblac/event-relay/internal/subscription"
	"github.com/spf13/cobra"
)

var (
	flagDryRun  bool
	flagHealth  string
	flagMetrics string
)

func init() {
	runCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "Log payloads instead of sending them to the broadcaster")
	runCmd.Flags().StringVar(&flagHealth, "health", "", "Health check HTTP address (e.g., :8080)")
	runCmd.Flags().StringVar(&flagMetrics, "metrics", "", "Metrics HTTP address (e.g., :9090)")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Sync, confirm and broadcast contract events until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		logLevel := os.Getenv("LOG_LEVEL")
		if logLevel == "" {
			logLevel = "info"
		}
		log := logging.NewWithLevel(logLevel)
		ctx := cmd.Context()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		var mtr *metrics.Metrics
		if flagMetrics != "" {
			mtr = metrics.Init()
			log.Info("metrics enabled", "addr", flagMetrics)
		}

		r, err := newRelay(cfg, log, mtr, flagDryRun)
		if err != nil {
			return err
		}
		defer r.shutdown(log)

		if flagHealth != "" {
			rpcChecker := health.NewRPCChecker(r.networks)
			healthSrv := health.Serve(flagHealth, health.Checker{
				DBPing:  r.store.Ping,
				RPCPing: rpcChecker.Ping,
				State:   func() string { return r.manager.State().String() },
				Ready:   subscription.StateSubscribed.String(),
			})
			log.Info("health check enabled", "addr", flagHealth)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = health.Shutdown(shutdownCtx, healthSrv)
			}()
		}

		if flagMetrics != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			srv := &http.Server{Addr: flagMetrics, Handler: mux, ReadHeaderTimeout: 3 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Error("metrics server error", "error", err)
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
		}

		filters, err := r.filters(ctx, cfg)
		if err != nil {
			return err
		}
		if err := r.manager.Initialize(ctx, filters); err != nil {
			return err
		}
		log.Info("relay running", "nodes", len(r.networks), "filters", len(filters), "dry_run", flagDryRun)

		<-ctx.Done()
		log.Info("shutting down")
		return nil
	},
}
