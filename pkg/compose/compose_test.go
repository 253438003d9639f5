package compose

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProject(t *testing.T) {
	p := NewProject("/srv/stacks", "web", "")
	assert.Equal(t, "/srv/stacks/web", p.Dir)
	assert.Equal(t, DefaultDefinitionFile, p.File)
	assert.Equal(t, "/srv/stacks/web/docker-compose.yml", p.DefinitionPath())

	p = NewProject("/srv/stacks/", "api", "compose.yaml")
	assert.Equal(t, "/srv/stacks/api/compose.yaml", p.DefinitionPath())
}

func TestCommands(t *testing.T) {
	p := NewProject("/srv/stacks", "web", "")

	tests := []struct {
		name    string
		cmdName string
		got     []string
		want    []string
	}{
		{"pull", "compose pull", p.Pull(time.Minute).Args, []string{"pull", "--quiet"}},
		{"up", "compose up", p.Up(time.Minute).Args, []string{"up", "--detach", "--wait", "--remove-orphans"}},
		{"down", "compose down", p.Down(time.Minute, false).Args, []string{"down", "--remove-orphans"}},
		{"down volumes", "compose down", p.Down(time.Minute, true).Args, []string{"down", "--remove-orphans", "--volumes"}},
		{"validate", "compose config", p.Validate(time.Minute).Args, []string{"config", "--quiet"}},
		{"services", "compose services", p.Services(time.Minute).Args, []string{"config", "--services"}},
		{"ps", "compose ps", p.PS(time.Minute).Args, []string{"ps", "--all", "--format", "json"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.GreaterOrEqual(t, len(tt.got), 3)
			assert.Equal(t, []string{"/srv/stacks/web", "docker-compose.yml", "web"}, tt.got[:3])
			assert.Equal(t, tt.want, tt.got[3:])
		})
	}

	assert.Equal(t, time.Minute, p.Up(time.Minute).Timeout)
	assert.Equal(t, "compose up", p.Up(0).Name)
}

func TestParseContainersNDJSON(t *testing.T) {
	out := `{"Name":"web-app-1","Service":"app","State":"running","Health":"healthy"}
{"Name":"web-worker-1","Service":"worker","State":"running","Health":""}

{"Name":"web-migrate-1","Service":"migrate","State":"exited","Health":""}
`
	got, err := ParseContainers(out)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, Container{Name: "web-app-1", Service: "app", State: "running", Health: "healthy"}, got[0])
	assert.Equal(t, "exited", got[2].State)
}

func TestParseContainersArray(t *testing.T) {
	out := `[{"Name":"a","Service":"a","State":"restarting","Health":""},{"Name":"b","Service":"b","State":"running","Health":"starting"}]`
	got, err := ParseContainers(out)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "restarting", got[0].State)
	assert.Equal(t, "starting", got[1].Health)
}

func TestParseContainersEmptyAndInvalid(t *testing.T) {
	got, err := ParseContainers("  \n")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = ParseContainers("not json")
	assert.Error(t, err)

	_, err = ParseContainers("[{broken")
	assert.Error(t, err)
}
