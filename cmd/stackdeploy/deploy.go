package main

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/cuemby/stackdeploy/pkg/deploy"
	"github.com/cuemby/stackdeploy/pkg/events"
	"github.com/cuemby/stackdeploy/pkg/report"
	"github.com/cuemby/stackdeploy/pkg/types"
	"github.com/spf13/cobra"
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Deploy a revision of the stack repository",
	Long: `Deploy checks out the target revision on the remote host and deploys
every requested stack in parallel.

Stacks removed since the previous revision are torn down first. If any stack
fails to deploy or is unhealthy afterwards, the fleet is rolled back to the
previous revision.

Exit status is 0 on success, 2 when the deployment was rolled back, 3 when a
critical stack could not be rolled back and 1 for any other failure.`,
	Example: `  # Deploy main, rolling back to the last recorded success on failure
  stackdeploy deploy --target origin/main

  # Explicit revisions and stacks, with deletions reported by the CI job
  stackdeploy deploy --previous 4f1c2e9 --target 9ab03d1 \
    --stacks web,api,db --deleted-files @deleted.txt --critical db`,
	RunE: func(cmd *cobra.Command, args []string) error {
		previous, _ := cmd.Flags().GetString("previous")
		target, _ := cmd.Flags().GetString("target")
		stacksFlag, _ := cmd.Flags().GetString("stacks")
		deletedFlag, _ := cmd.Flags().GetString("deleted-files")
		critical, _ := cmd.Flags().GetStringSlice("critical")

		stacks, err := readList(stacksFlag)
		if err != nil {
			return err
		}
		deleted, err := readList(deletedFlag)
		if err != nil {
			return err
		}

		e, err := newEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		broker, wait := watchEvents(cmd)
		ctrl, err := e.controller(broker)
		if err != nil {
			wait()
			return err
		}

		summary, runErr := ctrl.Run(cmd.Context(), deploy.Request{
			Previous:          previous,
			Target:            target,
			Stacks:            stacks,
			ObservedDeletions: deleted,
			Critical:          critical,
		})
		wait()

		if err := writeReport(cmd, summary); err != nil {
			return err
		}
		return runErr
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Roll stacks back to an earlier revision",
	Long: `Rollback checks out an earlier revision and redeploys its stacks.

Without --to, the target of the last successful deployment in the run
history is used. Without --stacks, every stack in that revision is rolled
back.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		to, _ := cmd.Flags().GetString("to")
		stacksFlag, _ := cmd.Flags().GetString("stacks")
		critical, _ := cmd.Flags().GetStringSlice("critical")

		stacks, err := readList(stacksFlag)
		if err != nil {
			return err
		}

		e, err := newEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		broker, wait := watchEvents(cmd)
		ctrl, err := e.controller(broker)
		if err != nil {
			wait()
			return err
		}

		summary, runErr := ctrl.Rollback(cmd.Context(), deploy.RollbackRequest{
			To:       to,
			Stacks:   stacks,
			Critical: critical,
		})
		wait()

		if err := writeReport(cmd, summary); err != nil {
			return err
		}
		return runErr
	},
}

func init() {
	deployCmd.Flags().String("previous", "", "currently deployed revision (\"unknown\" for a first deployment; default: last successful run)")
	deployCmd.Flags().String("target", "", "revision to deploy")
	deployCmd.Flags().String("stacks", "", "stacks to deploy, comma separated, @file or - for stdin (default: every stack in the target)")
	deployCmd.Flags().String("deleted-files", "", "deleted file paths observed by the caller, comma separated, @file or -")
	deployCmd.MarkFlagRequired("target")

	rollbackCmd.Flags().String("to", "", "revision to restore (default: last successful run)")
	rollbackCmd.Flags().String("stacks", "", "stacks to roll back, comma separated, @file or -")

	for _, c := range []*cobra.Command{deployCmd, rollbackCmd} {
		c.Flags().StringSlice("critical", nil, "additional critical stacks")
		c.Flags().String("report-format", "json", "report format (json, yaml, github)")
		c.Flags().String("report-file", "", "write the report to this file instead of stdout (appends for github)")
		c.Flags().Bool("quiet", false, "do not print progress")
	}
}

// watchEvents prints progress to stderr until the returned wait func is called
func watchEvents(cmd *cobra.Command) (*events.Broker, func()) {
	broker := events.NewBroker()
	quiet, _ := cmd.Flags().GetBool("quiet")

	var wg sync.WaitGroup
	if !quiet {
		sub := broker.Subscribe()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for e := range sub {
				printEvent(cmd.ErrOrStderr(), e)
			}
		}()
	}
	broker.Start()

	return broker, func() {
		broker.Stop()
		wg.Wait()
	}
}

func printEvent(w io.Writer, e *events.Event) {
	switch e.Type {
	case events.EventPhaseEntered:
		fmt.Fprintf(w, "→ %s\n", e.Message)
	case events.EventStackCleaned:
		fmt.Fprintf(w, "  ✓ %s removed\n", e.Stack)
	case events.EventStackSucceeded:
		fmt.Fprintf(w, "  ✓ %s %s\n", e.Stack, e.Message)
	case events.EventStackFailed:
		fmt.Fprintf(w, "  ✗ %s %s (exit %s)\n", e.Stack, e.Message, e.Metadata["exit_code"])
	case events.EventHealthVerdict:
		mark := "✓"
		switch types.Classification(e.Message) {
		case types.ClassificationDegraded:
			mark = "!"
		case types.ClassificationFailed:
			mark = "✗"
		case types.ClassificationSkipped:
			mark = "-"
		}
		line := fmt.Sprintf("  %s %s %s", mark, e.Stack, e.Message)
		if reason := e.Metadata["reason"]; reason != "" {
			line += ": " + reason
		}
		fmt.Fprintln(w, line)
	case events.EventDeploymentFinished:
		fmt.Fprintf(w, "Deployment finished: %s\n", e.Message)
	}
}

func writeReport(cmd *cobra.Command, summary *types.Summary) error {
	formatName, _ := cmd.Flags().GetString("report-format")
	path, _ := cmd.Flags().GetString("report-file")

	format, err := report.ParseFormat(formatName)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if path != "" {
		flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
		if format == report.FormatGitHub {
			flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
		}
		f, err := os.OpenFile(path, flags, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open report file: %w", err)
		}
		defer f.Close()
		w = f
	}
	return report.Write(w, summary, format)
}
