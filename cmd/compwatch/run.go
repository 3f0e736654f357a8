package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Fetch every configured target once and record changes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		svc, err := openService(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		if n, err := svc.PruneMetrics(ctx); err != nil {
			slog.Warn("compwatch: prune metrics", "error", err)
		} else if n > 0 {
			slog.Info("compwatch: pruned metrics", "rows", n)
		}

		sum, err := svc.Run(ctx)
		if sum != nil {
			if perr := printJSON(sum); perr != nil {
				return perr
			}
		}
		if err != nil {
			return fmt.Errorf("run: %w", err)
		}
		if sum.SchemaIssues > 0 {
			return errors.New("run finished with schema issues; see 'compwatch schema verify'")
		}
		return nil
	},
}

var enrichCmd = &cobra.Command{
	Use:   "enrich CHANGE_ID",
	Short: "Retry enrichment for a stored change",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		svc, err := openService(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		out, err := svc.EnrichChange(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(out)
	},
}

func init() {
	rootCmd.AddCommand(runCmd, enrichCmd)
}
