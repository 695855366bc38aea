package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Mrpongalfer/omnimesh-sub003/internal/config"
	"github.com/Mrpongalfer/omnimesh-sub003/internal/control"
	"github.com/Mrpongalfer/omnimesh-sub003/internal/httpapi"
)

// newUpCmd registers the configured process fleet and default job set,
// then blocks until SIGINT/SIGTERM or a control-socket shutdown command.
//
// Startup sequence:
//  1. Load and validate config.
//  2. Build logger.
//  3. Create state-dir subtrees (pids/, logs/, audit/).
//  4. Build the wired core (audit, supervisor, scheduler, evaluator,
//     improvement, probe, dispatcher, metrics, alerting).
//  5. Register config-declared processes and start them.
//  6. Start the scheduler's dispatch loop.
//  7. Start the Prometheus metrics server.
//  8. Start the control socket; optionally the read-only HTTP mirror.
//  9. Start the config watcher (file-change or SIGHUP triggers a reload).
// 10. Block on SIGINT/SIGTERM/control-socket shutdown.
//
// Shutdown sequence: stop every managed process in reverse registration
// order, cancel the root context, wait for in-flight jobs, close the audit
// index and writer, flush the logger, exit 0.
func newUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "register the configured process fleet and start enforcing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				fmt.Fprintf(os.Stderr, "umcc: config error: %v\n", err)
				os.Exit(1)
			}

			log, atomicLevel, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
			if err != nil {
				fmt.Fprintf(os.Stderr, "umcc: logger init failed: %v\n", err)
				os.Exit(1)
			}
			defer log.Sync() //nolint:errcheck

			log.Info("umcc starting",
				zap.String("version", config.Version),
				zap.String("node_id", cfg.NodeID),
				zap.String("config", flagConfigPath),
				zap.String("state_dir", cfg.StateDir.Path),
			)

			for _, sub := range []string{"pids", "logs", "audit"} {
				if err := os.MkdirAll(filepath.Join(cfg.StateDir.Path, sub), 0o750); err != nil {
					return fmt.Errorf("umcc up: create state subdir %q: %w", sub, err)
				}
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			c, err := buildCore(ctx, cfg, log, atomicLevel, cancel)
			if err != nil {
				return fmt.Errorf("umcc up: %w", err)
			}
			defer c.close()

			for _, snap := range c.sup.StatusAll() {
				if err := c.sup.Start(ctx, snap.Name); err != nil {
					log.Error("umcc up: failed to start process", zap.String("process", snap.Name), zap.Error(err))
				}
			}
			log.Info("process fleet started", zap.Int("count", len(cfg.Processes)))

			go c.sched.Run(ctx)
			log.Info("scheduler dispatch loop started", zap.Int("jobs", len(defaultJobs)))

			go func() {
				if err := c.metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
					log.Error("metrics server error", zap.Error(err))
				}
			}()
			log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

			srv := control.NewServer(cfg.Control.SocketPath, c, log, cfg.Control.MaxConnections, cancel)
			go func() {
				if err := srv.ListenAndServe(ctx); err != nil {
					log.Error("control socket error", zap.Error(err))
				}
			}()
			log.Info("control socket listening", zap.String("path", cfg.Control.SocketPath))

			if cfg.HTTPAPI.Enabled {
				router := httpapi.NewRouter(c, log, cfg.HTTPAPI.AllowedOrigins)
				go func() {
					if err := httpapi.Serve(ctx, cfg.HTTPAPI.ListenAddr, router); err != nil {
						log.Error("http api server error", zap.Error(err))
					}
				}()
				log.Info("http api mirror started", zap.String("addr", cfg.HTTPAPI.ListenAddr))
			}

			go func() {
				if err := config.Watch(ctx, flagConfigPath, log, c.applyConfigReload); err != nil {
					log.Error("config watcher exited", zap.Error(err))
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			select {
			case sig := <-sigCh:
				log.Info("shutdown signal received", zap.String("signal", sig.String()))
			case <-ctx.Done():
				log.Info("shutdown requested via control socket")
			}

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			if err := c.sup.Shutdown(shutdownCtx); err != nil {
				log.Warn("shutdown: some processes did not stop cleanly", zap.Error(err))
			}
			cancel()
			c.sched.Wait()

			log.Info("umcc shutdown complete")
			return nil
		},
	}
}
