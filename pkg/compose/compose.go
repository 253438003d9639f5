// Package compose builds the Docker Compose commands stackdeploy runs on the
// remote host and parses their output.
package compose

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/cuemby/stackdeploy/pkg/remote"
)

// DefaultDefinitionFile is the conventional compose file name in each stack directory
const DefaultDefinitionFile = "docker-compose.yml"

// Project is one stack's compose project on the remote host
type Project struct {
	Name string // Stack name, also used as the compose project name
	Dir  string // Stack directory
	File string // Compose file name inside Dir
}

// NewProject builds the project for stack under stacksDir
func NewProject(stacksDir, stack, file string) Project {
	if file == "" {
		file = DefaultDefinitionFile
	}
	return Project{Name: stack, Dir: path.Join(stacksDir, stack), File: file}
}

// DefinitionPath returns the full path of the compose file
func (p Project) DefinitionPath() string {
	return path.Join(p.Dir, p.File)
}

// composeScript runs docker compose for the project dir/file given as $1 $2
// with project name $3 and the remaining args.
const composeScript = `dir="$1"; file="$2"; project="$3"; shift 3
cd "$dir" || { echo "stack directory $dir not found" >&2; exit 2; }
exec docker compose --project-name "$project" --file "$file" "$@"
`

func (p Project) command(name string, timeout time.Duration, args ...string) remote.Command {
	return remote.Command{
		Name:    name,
		Script:  composeScript,
		Args:    append([]string{p.Dir, p.File, p.Name}, args...),
		Timeout: timeout,
	}
}

// Pull pulls every image the project references
func (p Project) Pull(timeout time.Duration) remote.Command {
	return p.command("compose pull", timeout, "pull", "--quiet")
}

// Up starts the project detached and blocks until services are running and
// healthy, so health classification can run as a single pass afterwards.
func (p Project) Up(timeout time.Duration) remote.Command {
	return p.command("compose up", timeout, "up", "--detach", "--wait", "--remove-orphans")
}

// Down stops and removes everything the project owns
func (p Project) Down(timeout time.Duration, removeVolumes bool) remote.Command {
	args := []string{"down", "--remove-orphans"}
	if removeVolumes {
		args = append(args, "--volumes")
	}
	return p.command("compose down", timeout, args...)
}

// Validate checks syntax and variable interpolation without starting anything
func (p Project) Validate(timeout time.Duration) remote.Command {
	return p.command("compose config", timeout, "config", "--quiet")
}

// Services lists the declared service names
func (p Project) Services(timeout time.Duration) remote.Command {
	return p.command("compose services", timeout, "config", "--services")
}

// PS lists every container of the project, running or not, as JSON
func (p Project) PS(timeout time.Duration) remote.Command {
	return p.command("compose ps", timeout, "ps", "--all", "--format", "json")
}

// Container is one entry of `docker compose ps --format json`
type Container struct {
	Name    string `json:"Name"`
	Service string `json:"Service"`
	State   string `json:"State"`
	Health  string `json:"Health"`
}

// ParseContainers accepts both output shapes compose v2 has used: a single
// JSON array, or one JSON object per line.
func ParseContainers(out string) ([]Container, error) {
	trimmed := strings.TrimSpace(out)
	if trimmed == "" {
		return []Container{}, nil
	}

	if strings.HasPrefix(trimmed, "[") {
		var containers []Container
		if err := json.Unmarshal([]byte(trimmed), &containers); err != nil {
			return nil, fmt.Errorf("failed to parse container list: %w", err)
		}
		return containers, nil
	}

	var containers []Container
	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var c Container
		if err := json.Unmarshal([]byte(line), &c); err != nil {
			return nil, fmt.Errorf("failed to parse container line %q: %w", line, err)
		}
		containers = append(containers, c)
	}
	return containers, nil
}
