package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/refscout/refscout/internal/refs"
)

// newScanCmd creates the scan command, which starts a single run and waits
// for it to finish.
func newScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan [type]",
		Short: "Run one scan to completion",
		Long: `Starts a scan of the given type (full-scan, check-status, or
maintenance-check-status; defaults to full-scan) and blocks until the run
finishes, printing progress along the way.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}

			scanType := refs.ScanFull
			if len(args) > 0 {
				scanType = refs.ScanType(args[0])
			}

			ctx := cmd.Context()
			progress, err := a.Orchestrator.Start(ctx, scanType, "cli")
			if err != nil {
				return fmt.Errorf("start scan: %w", err)
			}
			a.Logger.Info("scan started",
				zap.String("type", string(scanType)),
				zap.Int("total", progress.Total))

			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
				}

				state, err := a.Orchestrator.State(ctx)
				if err != nil {
					return fmt.Errorf("read scan state: %w", err)
				}
				if state.EndDate != nil || state.CancelledBy != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "scan %s finished: %d/%d items\n",
						state.Type, state.Progress, state.ProgressTotal)
					return nil
				}
				a.Logger.Info("scan progress",
					zap.Int("processed", state.Progress),
					zap.Int("total", state.ProgressTotal),
					zap.String("currently", state.Currently))
			}
		},
	}
}
