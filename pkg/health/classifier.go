package health

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cuemby/stackdeploy/pkg/compose"
	"github.com/cuemby/stackdeploy/pkg/log"
	"github.com/cuemby/stackdeploy/pkg/metrics"
	"github.com/cuemby/stackdeploy/pkg/remote"
	"github.com/cuemby/stackdeploy/pkg/types"
	"github.com/rs/zerolog"
)

var allClassifications = []string{
	string(types.ClassificationHealthy),
	string(types.ClassificationDegraded),
	string(types.ClassificationFailed),
	string(types.ClassificationSkipped),
}

// Config locates stacks and bounds each query
type Config struct {
	StacksDir      string
	DefinitionFile string
	Timeout        time.Duration
}

// Classifier queries the remote compose runtime and classifies stacks
type Classifier struct {
	runner remote.Runner
	cfg    Config
	logger zerolog.Logger
}

// NewClassifier creates a classifier
func NewClassifier(runner remote.Runner, cfg Config) *Classifier {
	return &Classifier{
		runner: runner,
		cfg:    cfg,
		logger: log.WithComponent("health"),
	}
}

func (c *Classifier) project(stack string) compose.Project {
	return compose.NewProject(c.cfg.StacksDir, stack, c.cfg.DefinitionFile)
}

func (c *Classifier) containers(ctx context.Context, stack string) ([]compose.Container, error) {
	res, err := c.runner.Run(ctx, c.project(stack).PS(c.cfg.Timeout))
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("compose ps exited with status %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return compose.ParseContainers(res.Stdout)
}

func (c *Classifier) declared(ctx context.Context, stack string) (int, error) {
	res, err := c.runner.Run(ctx, c.project(stack).Services(c.cfg.Timeout))
	if err != nil {
		return 0, err
	}
	if res.ExitCode != 0 {
		return 0, fmt.Errorf("compose config exited with status %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return len(remote.SplitLines(res.Stdout)), nil
}

// Inspect tallies and classifies one stack. A stack that cannot be queried
// is failed.
func (c *Classifier) Inspect(ctx context.Context, stack string) types.HealthVerdict {
	total, err := c.declared(ctx, stack)
	if err != nil {
		return types.HealthVerdict{Stack: stack, Classification: types.ClassificationFailed, Reason: err.Error()}
	}
	containers, err := c.containers(ctx, stack)
	if err != nil {
		return types.HealthVerdict{Stack: stack, Classification: types.ClassificationFailed, Total: total, Reason: err.Error()}
	}
	return verdict(stack, Tally(total, containers))
}

// Classify evaluates stacks one by one in the given order. A failed critical
// stack stops evaluation and the remaining stacks are reported as skipped.
// Container counts always cover every stack.
func (c *Classifier) Classify(ctx context.Context, stacks []string, critical []string) *types.FleetSummary {
	crit := types.NewSet(critical...)
	summary := &types.FleetSummary{
		Healthy:  []string{},
		Degraded: []string{},
		Failed:   []string{},
	}

	for i, stack := range stacks {
		v := c.Inspect(ctx, stack)
		summary.Verdicts = append(summary.Verdicts, v)
		metrics.SetStackHealth(stack, string(v.Classification), allClassifications)

		event := c.logger.Info()
		if v.Classification != types.ClassificationHealthy {
			event = c.logger.Warn()
		}
		event.Str("stack", stack).
			Str("classification", string(v.Classification)).
			Int("total", v.Total).
			Int("healthy", v.RunningHealthy+v.RunningNoHealthCheck).
			Str("reason", v.Reason).
			Msg("stack classified")

		switch v.Classification {
		case types.ClassificationHealthy:
			summary.Healthy = append(summary.Healthy, stack)
		case types.ClassificationDegraded:
			summary.Degraded = append(summary.Degraded, stack)
		default:
			summary.Failed = append(summary.Failed, stack)
		}

		if !crit.Has(stack) || v.Classification == types.ClassificationHealthy {
			continue
		}
		summary.CriticalFlagged = append(summary.CriticalFlagged, stack)
		if v.Classification == types.ClassificationFailed {
			summary.CriticalFailureTriggered = true
			for _, rest := range stacks[i+1:] {
				summary.Skipped = append(summary.Skipped, rest)
				summary.Verdicts = append(summary.Verdicts, types.HealthVerdict{
					Stack:          rest,
					Classification: types.ClassificationSkipped,
					Reason:         fmt.Sprintf("critical stack %s failed", stack),
				})
				metrics.SetStackHealth(rest, string(types.ClassificationSkipped), allClassifications)
			}
			c.logger.Error().
				Str("stack", stack).
				Strs("skipped", summary.Skipped).
				Msg("critical stack failed, skipping remaining stacks")
			break
		}
	}

	summary.TotalContainers, summary.RunningContainers = c.CountContainers(ctx, stacks)
	summary.SuccessRate = SuccessRate(summary.RunningContainers, summary.TotalContainers)
	return summary
}

// CountContainers counts all and running containers across stacks without
// classifying them. Stacks that cannot be queried are left out.
func (c *Classifier) CountContainers(ctx context.Context, stacks []string) (total, running int) {
	for _, stack := range stacks {
		containers, err := c.containers(ctx, stack)
		if err != nil {
			c.logger.Warn().Err(err).Str("stack", stack).Msg("failed to count containers")
			continue
		}
		total += len(containers)
		for _, ctr := range containers {
			if strings.EqualFold(ctr.State, "running") {
				running++
			}
		}
	}
	metrics.Containers.WithLabelValues("total").Set(float64(total))
	metrics.Containers.WithLabelValues("running").Set(float64(running))
	return total, running
}

// SuccessRate is running as a whole percentage of total, 0 when total is 0
func SuccessRate(running, total int) int {
	if total == 0 {
		return 0
	}
	return running * 100 / total
}
