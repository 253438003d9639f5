package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/cuemby/stackdeploy/pkg/storage"
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history [RUN_ID]",
	Short: "List recorded deployment runs, or show one in full",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		store, err := storage.NewBoltStore(cfg.History.Path)
		if err != nil {
			return err
		}
		defer store.Close()

		if len(args) == 1 {
			run, err := store.GetRun(args[0])
			if err != nil {
				return err
			}
			return printYAML(cmd, run)
		}

		runs, err := store.ListRuns(limit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No deployments recorded")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "RUN ID\tSTARTED\tDURATION\tSTATUS\tTARGET\tFAILED")
		for _, r := range runs {
			failed := 0
			if r.Health != nil {
				failed = len(r.Health.Failed)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
				r.RunID,
				r.StartedAt.Local().Format(time.DateTime),
				r.FinishedAt.Sub(r.StartedAt).Round(time.Second),
				r.Status,
				shortRev(r.TargetRevision),
				failed,
			)
		}
		return w.Flush()
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printYAML(cmd, cfg)
	},
}

func init() {
	historyCmd.Flags().Int("limit", 20, "number of runs to list (0 for all)")
}

func shortRev(rev string) string {
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}
