package types

import (
	"fmt"
	"regexp"
	"sort"
	"time"
)

// UnknownRevision marks a first-ever deployment where nothing is deployed yet
const UnknownRevision = "unknown"

var stackNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidName reports whether name is a legal stack identifier
func ValidName(name string) bool {
	return stackNamePattern.MatchString(name)
}

// Stack is one independently deployable compose project on the remote host
type Stack struct {
	Name           string
	DefinitionPath string // Path of the compose file on the remote host
	Critical       bool
}

// NewStacks builds a stack list from names, preserving order and rejecting
// duplicates or names outside [a-zA-Z0-9_-].
func NewStacks(names []string, critical []string) ([]Stack, error) {
	crit := NewSet(critical...)
	seen := make(map[string]bool, len(names))
	stacks := make([]Stack, 0, len(names))
	for _, name := range names {
		if !ValidName(name) {
			return nil, fmt.Errorf("invalid stack name %q", name)
		}
		if seen[name] {
			return nil, fmt.Errorf("duplicate stack name %q", name)
		}
		seen[name] = true
		stacks = append(stacks, Stack{Name: name, Critical: crit.Has(name)})
	}
	return stacks, nil
}

// StackNames returns the names of stacks in order
func StackNames(stacks []Stack) []string {
	names := make([]string, len(stacks))
	for i, s := range stacks {
		names[i] = s.Name
	}
	return names
}

// Set is a string set used for stack name bookkeeping
type Set map[string]struct{}

// NewSet creates a set from the given items
func NewSet(items ...string) Set {
	s := make(Set, len(items))
	for _, item := range items {
		s[item] = struct{}{}
	}
	return s
}

// Add inserts items into the set
func (s Set) Add(items ...string) {
	for _, item := range items {
		s[item] = struct{}{}
	}
}

// Has reports membership
func (s Set) Has(item string) bool {
	_, ok := s[item]
	return ok
}

// Sorted returns the members in lexical order
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for item := range s {
		out = append(out, item)
	}
	sort.Strings(out)
	return out
}

// DetectionResult is the reconciled outcome of change detection
type DetectionResult struct {
	Removed  []string `json:"removed" yaml:"removed"`
	New      []string `json:"new" yaml:"new"`
	Existing []string `json:"existing" yaml:"existing"`
}

// Operation is the action a parallel run performs on each stack
type Operation string

const (
	OperationDeploy   Operation = "deploy"
	OperationRollback Operation = "rollback"
)

// OperationOutcome is the result of one stack's deploy or rollback
type OperationOutcome struct {
	Stack     string    `json:"stack"`
	Operation Operation `json:"operation"`
	ExitCode  int       `json:"exit_code"`
	LogLines  []string  `json:"log_lines,omitempty"`

	// ResultMissing is set when the worker never wrote its exit code.
	// Such an outcome always counts as failed.
	ResultMissing bool `json:"result_missing,omitempty"`
}

// Succeeded reports whether the stack operation completed with exit code 0
func (o OperationOutcome) Succeeded() bool {
	return !o.ResultMissing && o.ExitCode == 0
}

// Classification is the per-stack health verdict
type Classification string

const (
	ClassificationHealthy  Classification = "healthy"
	ClassificationDegraded Classification = "degraded"
	ClassificationFailed   Classification = "failed"
	ClassificationSkipped  Classification = "skipped" // Not evaluated after a critical failure
)

// HealthVerdict holds container tallies and the resulting classification for a stack
type HealthVerdict struct {
	Stack                string         `json:"stack" yaml:"stack"`
	Classification       Classification `json:"classification" yaml:"classification"`
	Total                int            `json:"total" yaml:"total"`
	RunningHealthy       int            `json:"running_healthy" yaml:"running_healthy"`
	RunningStarting      int            `json:"running_starting" yaml:"running_starting"`
	RunningUnhealthy     int            `json:"running_unhealthy" yaml:"running_unhealthy"`
	RunningNoHealthCheck int            `json:"running_no_healthcheck" yaml:"running_no_healthcheck"`
	Exited               int            `json:"exited" yaml:"exited"`
	Restarting           int            `json:"restarting" yaml:"restarting"`
	Reason               string         `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// FleetSummary aggregates health verdicts for one classification pass
type FleetSummary struct {
	Healthy                  []string        `json:"healthy" yaml:"healthy"`
	Degraded                 []string        `json:"degraded" yaml:"degraded"`
	Failed                   []string        `json:"failed" yaml:"failed"`
	Skipped                  []string        `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	CriticalFlagged          []string        `json:"critical_flagged,omitempty" yaml:"critical_flagged,omitempty"`
	TotalContainers          int             `json:"total_containers" yaml:"total_containers"`
	RunningContainers        int             `json:"running_containers" yaml:"running_containers"`
	SuccessRate              int             `json:"success_rate" yaml:"success_rate"`
	CriticalFailureTriggered bool            `json:"critical_failure_triggered" yaml:"critical_failure_triggered"`
	Verdicts                 []HealthVerdict `json:"verdicts,omitempty" yaml:"verdicts,omitempty"`
}

// AllPassing reports whether no stack failed and no critical failure fired
func (f *FleetSummary) AllPassing() bool {
	return len(f.Failed) == 0 && !f.CriticalFailureTriggered
}

// DeploymentStatus is the terminal status reported to the pipeline
type DeploymentStatus string

const (
	StatusSuccess          DeploymentStatus = "success"
	StatusFailedValidation DeploymentStatus = "failed_validation"
	StatusFailed           DeploymentStatus = "failed"
	StatusRolledBack       DeploymentStatus = "rolled_back"
	StatusCriticalFailure  DeploymentStatus = "critical_failure"
)

// State is a DeploymentController state
type State string

const (
	StateDetecting      State = "detecting"
	StateCleaning       State = "cleaning"
	StateValidating     State = "validating"
	StateDeploying      State = "deploying"
	StateHealthChecking State = "health_checking"
	StateSucceeded      State = "succeeded"
	StateRollingBack    State = "rolling_back"
	StateRolledBack     State = "rolled_back"
	StateFailed         State = "failed"
)

// Terminal reports whether no further transitions leave the state
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateRolledBack || s == StateFailed
}

// Transition records one state change
type Transition struct {
	From State     `json:"from" yaml:"from"`
	To   State     `json:"to" yaml:"to"`
	At   time.Time `json:"at" yaml:"at"`
}

// Summary is the structured result of one invocation
type Summary struct {
	RunID              string           `json:"run_id" yaml:"run_id"`
	PreviousRevision   string           `json:"previous_revision" yaml:"previous_revision"`
	TargetRevision     string           `json:"target_revision" yaml:"target_revision"`
	Status             DeploymentStatus `json:"status" yaml:"status"`
	State              State            `json:"state" yaml:"state"`
	Error              string           `json:"error,omitempty" yaml:"error,omitempty"`
	ManualIntervention bool             `json:"manual_intervention" yaml:"manual_intervention"`

	Detection DetectionResult `json:"detection" yaml:"detection"`

	DeploySucceeded []string      `json:"deploy_succeeded,omitempty" yaml:"deploy_succeeded,omitempty"`
	DeployFailed    []string      `json:"deploy_failed,omitempty" yaml:"deploy_failed,omitempty"`
	Health          *FleetSummary `json:"health,omitempty" yaml:"health,omitempty"`

	DiscoveredRollbackStacks []string      `json:"discovered_rollback_stacks,omitempty" yaml:"discovered_rollback_stacks,omitempty"`
	RollbackFailed           []string      `json:"rollback_failed,omitempty" yaml:"rollback_failed,omitempty"`
	RollbackHealth           *FleetSummary `json:"rollback_health,omitempty" yaml:"rollback_health,omitempty"`

	// FailureLogs maps "<operation>/<stack>" to the captured log of each failed stack
	FailureLogs map[string]string `json:"failure_logs,omitempty" yaml:"failure_logs,omitempty"`

	Transitions []Transition `json:"transitions" yaml:"transitions"`
	StartedAt   time.Time    `json:"started_at" yaml:"started_at"`
	FinishedAt  time.Time    `json:"finished_at" yaml:"finished_at"`
}
