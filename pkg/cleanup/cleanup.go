// Package cleanup tears down stacks that were removed from the repository.
package cleanup

import (
	"context"
	"fmt"
	"strings"

	"github.com/cuemby/stackdeploy/pkg/compose"
	"github.com/cuemby/stackdeploy/pkg/log"
	"github.com/cuemby/stackdeploy/pkg/metrics"
	"github.com/cuemby/stackdeploy/pkg/remote"
	"github.com/cuemby/stackdeploy/pkg/types"
	"github.com/rs/zerolog"
)

// Config controls teardown behaviour
type Config struct {
	StacksDir      string
	DefinitionFile string
	RemoveVolumes  bool
	Timeouts       remote.Timeouts
}

// Cleaner tears down one removed stack at a time
type Cleaner struct {
	runner remote.Runner
	files  remote.Files
	cfg    Config
	logger zerolog.Logger
}

// NewCleaner creates a cleaner. runner should already retry connection failures.
func NewCleaner(runner remote.Runner, files remote.Files, cfg Config) *Cleaner {
	return &Cleaner{
		runner: runner,
		files:  files,
		cfg:    cfg,
		logger: log.WithComponent("cleanup"),
	}
}

// Cleanup stops and removes every resource the stack owns. A stack whose
// directory or compose file is already gone counts as cleaned.
func (c *Cleaner) Cleanup(ctx context.Context, stack string) error {
	if !types.ValidName(stack) {
		return fmt.Errorf("refusing to clean up invalid stack name %q", stack)
	}
	p := compose.NewProject(c.cfg.StacksDir, stack, c.cfg.DefinitionFile)
	logger := c.logger.With().Str("stack", stack).Logger()

	exists, err := c.files.Exists(ctx, p.Dir)
	if err != nil {
		return fmt.Errorf("checking stack directory %s: %w", p.Dir, err)
	}
	if !exists {
		logger.Info().Str("dir", p.Dir).Msg("stack directory already gone, nothing to clean up")
		return nil
	}

	exists, err = c.files.Exists(ctx, p.DefinitionPath())
	if err != nil {
		return fmt.Errorf("checking compose file %s: %w", p.DefinitionPath(), err)
	}
	if !exists {
		logger.Info().Str("file", p.DefinitionPath()).Msg("compose file already gone, nothing to clean up")
		return nil
	}

	logger.Info().Bool("remove_volumes", c.cfg.RemoveVolumes).Msg("tearing down removed stack")
	res, err := c.runner.Run(ctx, p.Down(c.cfg.Timeouts.Cleanup, c.cfg.RemoveVolumes))
	if err != nil {
		return fmt.Errorf("tearing down %s: %w", stack, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("tearing down %s: exit status %d: %s", stack, res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	metrics.StacksCleanedTotal.Inc()
	logger.Info().Msg("stack torn down")
	return nil
}
