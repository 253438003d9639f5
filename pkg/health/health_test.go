package health

import (
	"testing"

	"github.com/cuemby/stackdeploy/pkg/compose"
	"github.com/cuemby/stackdeploy/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		counts Counts
		want   types.Classification
	}{
		{
			name:   "all healthy",
			counts: Counts{Total: 3, RunningHealthy: 3},
			want:   types.ClassificationHealthy,
		},
		{
			name:   "healthy without healthchecks",
			counts: Counts{Total: 3, RunningHealthy: 1, RunningNoHealthCheck: 2},
			want:   types.ClassificationHealthy,
		},
		{
			name:   "fewer running than declared",
			counts: Counts{Total: 3, RunningHealthy: 2},
			want:   types.ClassificationDegraded,
		},
		{
			name:   "unhealthy always fails",
			counts: Counts{Total: 1, RunningHealthy: 0, RunningUnhealthy: 1},
			want:   types.ClassificationFailed,
		},
		{
			name:   "unhealthy beats otherwise healthy stack",
			counts: Counts{Total: 5, RunningHealthy: 4, RunningUnhealthy: 1},
			want:   types.ClassificationFailed,
		},
		{
			name:   "still starting",
			counts: Counts{Total: 2, RunningHealthy: 1, RunningStarting: 1},
			want:   types.ClassificationFailed,
		},
		{
			name:   "exited container",
			counts: Counts{Total: 2, RunningHealthy: 1, Exited: 1},
			want:   types.ClassificationFailed,
		},
		{
			name:   "restarting container",
			counts: Counts{Total: 2, RunningNoHealthCheck: 1, Restarting: 1},
			want:   types.ClassificationFailed,
		},
		{
			name:   "nothing running",
			counts: Counts{Total: 2},
			want:   types.ClassificationFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.counts))
		})
	}
}

func TestTally(t *testing.T) {
	containers := []compose.Container{
		{Name: "a", State: "running", Health: "healthy"},
		{Name: "b", State: "running", Health: "starting"},
		{Name: "c", State: "running", Health: "unhealthy"},
		{Name: "d", State: "running", Health: ""},
		{Name: "e", State: "exited"},
		{Name: "f", State: "restarting"},
		{Name: "g", State: "created"},
	}

	c := Tally(5, containers)
	assert.Equal(t, Counts{
		Total:                7,
		RunningHealthy:       1,
		RunningStarting:      1,
		RunningUnhealthy:     1,
		RunningNoHealthCheck: 1,
		Exited:               2,
		Restarting:           1,
	}, c)
	assert.Equal(t, 4, c.Running())
}

func TestTallyKeepsDeclaredTotal(t *testing.T) {
	c := Tally(3, []compose.Container{{State: "running", Health: "healthy"}})
	assert.Equal(t, 3, c.Total)
	assert.Equal(t, types.ClassificationDegraded, Classify(c))
}

func TestVerdictReason(t *testing.T) {
	v := verdict("web", Counts{Total: 3, RunningHealthy: 2})
	assert.Equal(t, "web", v.Stack)
	assert.Equal(t, types.ClassificationDegraded, v.Classification)
	assert.Equal(t, "2 of 3 container(s) running", v.Reason)

	v = verdict("web", Counts{Total: 1, RunningHealthy: 1})
	assert.Empty(t, v.Reason)
}

func TestSuccessRate(t *testing.T) {
	assert.Equal(t, 0, SuccessRate(0, 0))
	assert.Equal(t, 100, SuccessRate(4, 4))
	assert.Equal(t, 66, SuccessRate(2, 3))
}
