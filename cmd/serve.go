package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newServeCmd creates the serve command, which runs the HTTP API and the
// background scan machinery until interrupted.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		Long: `Serves the scan management API and keeps background scanning healthy:
a periodic health check re-dispatches stalled runs, and the maintenance
schedule (when enabled) starts recurring status scans.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if a.Maintenance != nil {
				a.Maintenance.Start(ctx)
			}

			healthEvery := time.Duration(a.Config.Scan.HealthCheckSeconds) * time.Second
			if healthEvery > 0 {
				go func() {
					ticker := time.NewTicker(healthEvery)
					defer ticker.Stop()
					for {
						select {
						case <-ctx.Done():
							return
						case <-ticker.C:
							if err := a.Orchestrator.HealthCheck(ctx); err != nil {
								a.Logger.Warn("scan health check failed", zap.Error(err))
							}
						}
					}
				}()
			}

			srv := &http.Server{
				Addr:              fmt.Sprintf(":%d", a.Config.Server.Port),
				Handler:           a.Server.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			serveErr := make(chan error, 1)
			go func() {
				a.Logger.Info("http server listening", zap.String("addr", srv.Addr))
				serveErr <- srv.ListenAndServe()
			}()

			select {
			case err := <-serveErr:
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			a.Logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown http server: %w", err)
			}
			return nil
		},
	}
}
