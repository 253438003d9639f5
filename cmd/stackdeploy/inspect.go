package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/stackdeploy/pkg/detect"
	"github.com/cuemby/stackdeploy/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Show which stacks were removed, added or kept between two revisions",
	Long: `Detect runs change detection without deploying anything.

With --cleanup, removed stacks are also torn down, stopping at the first
failure.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		previous, _ := cmd.Flags().GetString("previous")
		target, _ := cmd.Flags().GetString("target")
		stacksFlag, _ := cmd.Flags().GetString("stacks")
		deletedFlag, _ := cmd.Flags().GetString("deleted-files")
		withCleanup, _ := cmd.Flags().GetBool("cleanup")

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

		ctx := cmd.Context()
		if err := e.repo.Fetch(ctx); err != nil {
			return err
		}
		targetRev, err := e.repo.Resolve(ctx, target)
		if err != nil {
			return err
		}
		if previous == "" {
			previous = types.UnknownRevision
		}
		if previous != types.UnknownRevision {
			if previous, err = e.repo.Resolve(ctx, previous); err != nil {
				return err
			}
		}
		if len(stacks) == 0 {
			if stacks, err = detect.TreeStacks(ctx, e.repo, targetRev, cfg.Deploy.DefinitionFile); err != nil {
				return err
			}
		}

		req := detect.Request{
			Previous:          previous,
			Target:            targetRev,
			Requested:         stacks,
			ObservedDeletions: deleted,
		}
		var result types.DetectionResult
		if withCleanup {
			result, err = e.detector.Detect(ctx, req)
		} else {
			result, err = e.detector.Reconcile(ctx, req)
		}
		if err != nil && !errors.Is(err, detect.ErrCleanup) {
			return err
		}
		if perr := printYAML(cmd, result); perr != nil {
			return perr
		}
		return err
	},
}

var healthCmd = &cobra.Command{
	Use:   "health [STACK...]",
	Short: "Classify the health of deployed stacks",
	Long: `Health runs one classification pass over the given stacks, or over
every stack directory on the host when none are given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		critical, _ := cmd.Flags().GetStringSlice("critical")

		e, err := newEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		stacks := args
		if len(stacks) == 0 {
			if stacks, err = deployedStacks(cmd.Context(), e); err != nil {
				return err
			}
		}

		crit := types.NewSet(cfg.Deploy.Critical...)
		crit.Add(critical...)
		summary := e.classifier.Classify(cmd.Context(), stacks, crit.Sorted())
		if err := printYAML(cmd, summary); err != nil {
			return err
		}
		if !summary.AllPassing() {
			return fmt.Errorf("%d stack(s) failed health check", len(summary.Failed))
		}
		return nil
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup STACK...",
	Short: "Tear down stacks on the host",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		for _, stack := range args {
			if err := e.cleaner.Cleanup(cmd.Context(), stack); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ %s cleaned up\n", stack)
		}
		return nil
	},
}

func init() {
	detectCmd.Flags().String("previous", types.UnknownRevision, "previously deployed revision")
	detectCmd.Flags().String("target", "HEAD", "target revision")
	detectCmd.Flags().String("stacks", "", "requested stacks, comma separated, @file or - (default: every stack in the target)")
	detectCmd.Flags().String("deleted-files", "", "deleted file paths observed by the caller")
	detectCmd.Flags().Bool("cleanup", false, "tear down removed stacks")

	healthCmd.Flags().StringSlice("critical", nil, "additional critical stacks")
}

// deployedStacks lists stack directories on the host that hold a compose file
func deployedStacks(ctx context.Context, e *env) ([]string, error) {
	dirs, err := e.files.ListDirs(ctx, cfg.Remote.StacksDir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, d := range dirs {
		if !types.ValidName(d) {
			continue
		}
		ok, err := e.files.Exists(ctx, cfg.Remote.StacksDir+"/"+d+"/"+cfg.Deploy.DefinitionFile)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func printYAML(cmd *cobra.Command, value any) error {
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(value); err != nil {
		return err
	}
	return enc.Close()
}
