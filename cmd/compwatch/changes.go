package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/compwatch/intel"
)

var (
	changesFilter intel.Filter
	changesSince  time.Duration
	changesJSON   bool
	runsLimit     int
)

var changesCmd = &cobra.Command{
	Use:   "changes [CHANGE_ID]",
	Short: "List detected changes, or show one in full",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svc, err := openService(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		if len(args) == 1 {
			d, err := svc.GetChange(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(d)
		}

		f := changesFilter
		if changesSince > 0 {
			f.Since = time.Now().Add(-changesSince).UnixMilli()
		}
		items, err := svc.ListChanges(ctx, f)
		if err != nil {
			return err
		}
		if changesJSON {
			return printJSON(items)
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "DETECTED\tSCORE\tCATEGORY\tCOMPANY\tURL\tSUMMARY")
		for _, p := range items {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n",
				time.UnixMilli(p.DetectedAt).Format(time.DateTime), p.Score, p.Category,
				p.CompanyName, p.URL, p.DiffSummary)
		}
		return tw.Flush()
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent pipeline runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svc, err := openService(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		runs, err := svc.ListRuns(ctx, runsLimit)
		if err != nil {
			return err
		}
		return printJSON(runs)
	},
}

func init() {
	f := changesCmd.Flags()
	f.StringVar(&changesFilter.TargetID, "target", "", "only this target id")
	f.StringVar(&changesFilter.Company, "company", "", "only this company")
	f.StringVar(&changesFilter.Category, "category", "", "only this category")
	f.IntVar(&changesFilter.MinScore, "min-score", 0, "minimum relevance score")
	f.IntVar(&changesFilter.Limit, "limit", 50, "maximum rows")
	f.DurationVar(&changesSince, "since", 0, "only changes detected within this duration")
	f.BoolVar(&changesJSON, "json", false, "print JSON")

	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "maximum runs")

	rootCmd.AddCommand(changesCmd, runsCmd)
}
