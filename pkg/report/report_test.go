package report

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/cuemby/stackdeploy/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func sampleSummary() *types.Summary {
	return &types.Summary{
		RunID:            "run-1",
		PreviousRevision: "1111",
		TargetRevision:   "2222",
		Status:           types.StatusRolledBack,
		State:            types.StateRolledBack,
		Error:            "deployment rolled back: stacks failed health check: [web]",
		Detection: types.DetectionResult{
			Removed:  []string{"old"},
			New:      []string{"worker"},
			Existing: []string{"api", "web"},
		},
		Health: &types.FleetSummary{
			Healthy:           []string{"api", "worker"},
			Degraded:          []string{},
			Failed:            []string{"web"},
			TotalContainers:   6,
			RunningContainers: 5,
			SuccessRate:       83,
		},
		DiscoveredRollbackStacks: []string{"api", "web"},
		FailureLogs: map[string]string{
			"deploy/web": "pulling\ncontainer web-app-1 is unhealthy\n",
		},
	}
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("GitHub")
	require.NoError(t, err)
	assert.Equal(t, FormatGitHub, f)

	_, err = ParseFormat("xml")
	assert.Error(t, err)
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, sampleSummary(), FormatJSON))

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "rolled_back", got["deployment_status"])
	assert.Equal(t, []any{"old"}, got["removed_stacks"])
	assert.Equal(t, float64(83), got["success_rate"])
	assert.Contains(t, got, "summary")
}

func TestWriteYAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, sampleSummary(), FormatYAML))

	var got Outputs
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, types.StatusRolledBack, got.DeploymentStatus)
	assert.Equal(t, []string{"web"}, got.FailedStacks)
	assert.Equal(t, []string{"api", "web"}, got.DiscoveredRollbackStacks)
}

func TestWriteGitHub(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, sampleSummary(), FormatGitHub))
	out := buf.String()

	assert.Contains(t, out, "deployment_status=rolled_back\n")
	assert.Contains(t, out, "removed_stacks=old\n")
	assert.Contains(t, out, "existing_stacks=api,web\n")
	assert.Contains(t, out, "success_rate=83\n")
	assert.Contains(t, out, "degraded_stacks=\n")

	i := strings.Index(out, "failure_logs<<")
	require.GreaterOrEqual(t, i, 0)
	block := out[i:]
	delim := strings.TrimPrefix(strings.SplitN(block, "\n", 2)[0], "failure_logs<<")
	assert.Contains(t, block, "=== deploy/web ===\npulling\ncontainer web-app-1 is unhealthy\n"+delim+"\n")
}

func TestFromSummaryWithoutHealth(t *testing.T) {
	o := FromSummary(&types.Summary{Status: types.StatusFailedValidation})
	assert.Equal(t, []string{}, o.HealthyStacks)
	assert.Equal(t, []string{}, o.RemovedStacks)
	assert.Zero(t, o.SuccessRate)
}
