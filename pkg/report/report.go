// Package report renders a run summary as the outputs consumed by the
// surrounding CI pipeline.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/cuemby/stackdeploy/pkg/types"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Format selects the output encoding
type Format string

const (
	FormatJSON   Format = "json"
	FormatYAML   Format = "yaml"
	FormatGitHub Format = "github" // key=value lines for $GITHUB_OUTPUT
)

// ParseFormat validates a format name
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatJSON, FormatYAML, FormatGitHub:
		return f, nil
	}
	return "", fmt.Errorf("unknown report format %q (want json, yaml or github)", s)
}

// Outputs is the flat set of values the pipeline reads
type Outputs struct {
	RunID              string                 `json:"run_id" yaml:"run_id"`
	DeploymentStatus   types.DeploymentStatus `json:"deployment_status" yaml:"deployment_status"`
	ManualIntervention bool                   `json:"manual_intervention" yaml:"manual_intervention"`
	PreviousRevision   string                 `json:"previous_revision" yaml:"previous_revision"`
	TargetRevision     string                 `json:"target_revision" yaml:"target_revision"`

	RemovedStacks  []string `json:"removed_stacks" yaml:"removed_stacks"`
	NewStacks      []string `json:"new_stacks" yaml:"new_stacks"`
	ExistingStacks []string `json:"existing_stacks" yaml:"existing_stacks"`

	HealthyStacks  []string `json:"healthy_stacks" yaml:"healthy_stacks"`
	DegradedStacks []string `json:"degraded_stacks" yaml:"degraded_stacks"`
	FailedStacks   []string `json:"failed_stacks" yaml:"failed_stacks"`
	SkippedStacks  []string `json:"skipped_stacks,omitempty" yaml:"skipped_stacks,omitempty"`

	TotalContainers   int `json:"total_containers" yaml:"total_containers"`
	RunningContainers int `json:"running_containers" yaml:"running_containers"`
	SuccessRate       int `json:"success_rate" yaml:"success_rate"`

	DiscoveredRollbackStacks []string `json:"discovered_rollback_stacks" yaml:"discovered_rollback_stacks"`

	Error string `json:"error,omitempty" yaml:"error,omitempty"`

	// Summary carries the full run detail for json and yaml output
	Summary *types.Summary `json:"summary,omitempty" yaml:"summary,omitempty"`
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// FromSummary flattens a run summary
func FromSummary(s *types.Summary) *Outputs {
	o := &Outputs{
		RunID:                    s.RunID,
		DeploymentStatus:         s.Status,
		ManualIntervention:       s.ManualIntervention,
		PreviousRevision:         s.PreviousRevision,
		TargetRevision:           s.TargetRevision,
		RemovedStacks:            orEmpty(s.Detection.Removed),
		NewStacks:                orEmpty(s.Detection.New),
		ExistingStacks:           orEmpty(s.Detection.Existing),
		HealthyStacks:            []string{},
		DegradedStacks:           []string{},
		FailedStacks:             []string{},
		DiscoveredRollbackStacks: orEmpty(s.DiscoveredRollbackStacks),
		Error:                    s.Error,
		Summary:                  s,
	}
	if h := s.Health; h != nil {
		o.HealthyStacks = orEmpty(h.Healthy)
		o.DegradedStacks = orEmpty(h.Degraded)
		o.FailedStacks = orEmpty(h.Failed)
		o.SkippedStacks = h.Skipped
		o.TotalContainers = h.TotalContainers
		o.RunningContainers = h.RunningContainers
		o.SuccessRate = h.SuccessRate
	}
	return o
}

// Write renders the summary to w
func Write(w io.Writer, s *types.Summary, format Format) error {
	o := FromSummary(s)
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(o)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(o); err != nil {
			return err
		}
		return enc.Close()
	case FormatGitHub:
		return writeGitHub(w, o)
	}
	return fmt.Errorf("unknown report format %q", format)
}

func writeGitHub(w io.Writer, o *Outputs) error {
	pairs := []struct{ key, value string }{
		{"run_id", o.RunID},
		{"deployment_status", string(o.DeploymentStatus)},
		{"manual_intervention", strconv.FormatBool(o.ManualIntervention)},
		{"previous_revision", o.PreviousRevision},
		{"target_revision", o.TargetRevision},
		{"removed_stacks", strings.Join(o.RemovedStacks, ",")},
		{"new_stacks", strings.Join(o.NewStacks, ",")},
		{"existing_stacks", strings.Join(o.ExistingStacks, ",")},
		{"healthy_stacks", strings.Join(o.HealthyStacks, ",")},
		{"degraded_stacks", strings.Join(o.DegradedStacks, ",")},
		{"failed_stacks", strings.Join(o.FailedStacks, ",")},
		{"skipped_stacks", strings.Join(o.SkippedStacks, ",")},
		{"total_containers", strconv.Itoa(o.TotalContainers)},
		{"running_containers", strconv.Itoa(o.RunningContainers)},
		{"success_rate", strconv.Itoa(o.SuccessRate)},
		{"discovered_rollback_stacks", strings.Join(o.DiscoveredRollbackStacks, ",")},
		{"error", o.Error},
	}
	for _, p := range pairs {
		if err := writeOutput(w, p.key, p.value); err != nil {
			return err
		}
	}
	if o.Summary == nil || len(o.Summary.FailureLogs) == 0 {
		return nil
	}

	keys := make([]string, 0, len(o.Summary.FailureLogs))
	for k := range o.Summary.FailureLogs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "=== %s ===\n%s\n", k, strings.TrimRight(o.Summary.FailureLogs[k], "\n"))
	}
	return writeOutput(w, "failure_logs", b.String())
}

// writeOutput writes key=value, or a heredoc block for multi-line values
func writeOutput(w io.Writer, key, value string) error {
	if !strings.ContainsAny(value, "\r\n") {
		_, err := fmt.Fprintf(w, "%s=%s\n", key, value)
		return err
	}
	delim := "EOF_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	_, err := fmt.Fprintf(w, "%s<<%s\n%s\n%s\n", key, delim, strings.TrimRight(value, "\n"), delim)
	return err
}
