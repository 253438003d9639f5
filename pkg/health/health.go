package health

import (
	"fmt"
	"strings"

	"github.com/cuemby/stackdeploy/pkg/compose"
	"github.com/cuemby/stackdeploy/pkg/types"
)

// Counts is the container tally for one stack
type Counts struct {
	Total                int // Declared services, or containers if there are more
	RunningHealthy       int
	RunningStarting      int
	RunningUnhealthy     int
	RunningNoHealthCheck int
	Exited               int
	Restarting           int
}

// Tally buckets containers by run state and health indicator. Containers
// that are neither running nor restarting (created, paused, dead) count as
// exited.
func Tally(declared int, containers []compose.Container) Counts {
	c := Counts{Total: declared}
	if len(containers) > c.Total {
		// Scaled services run more than one container each
		c.Total = len(containers)
	}
	for _, ctr := range containers {
		switch strings.ToLower(ctr.State) {
		case "running":
			switch strings.ToLower(ctr.Health) {
			case "healthy":
				c.RunningHealthy++
			case "starting":
				c.RunningStarting++
			case "unhealthy":
				c.RunningUnhealthy++
			default:
				c.RunningNoHealthCheck++
			}
		case "restarting":
			c.Restarting++
		default:
			c.Exited++
		}
	}
	return c
}

// Running returns the number of running containers regardless of health
func (c Counts) Running() int {
	return c.RunningHealthy + c.RunningStarting + c.RunningUnhealthy + c.RunningNoHealthCheck
}

// Classify turns a tally into a verdict. Any unhealthy container fails the
// stack outright. A stack whose present containers are all stable but fewer
// than declared is degraded. Anything still starting, exited or restarting
// fails.
func Classify(c Counts) types.Classification {
	if c.RunningUnhealthy > 0 {
		return types.ClassificationFailed
	}

	healthyTotal := c.RunningHealthy + c.RunningNoHealthCheck
	settled := c.RunningStarting == 0 && c.Exited == 0 && c.Restarting == 0

	switch {
	case healthyTotal == c.Total && settled:
		return types.ClassificationHealthy
	case healthyTotal > 0 && healthyTotal == c.Running() && settled:
		return types.ClassificationDegraded
	case c.RunningStarting > 0:
		return types.ClassificationFailed
	default:
		return types.ClassificationFailed
	}
}

// reason describes why a stack got its classification
func reason(c Counts, class types.Classification) string {
	switch {
	case c.RunningUnhealthy > 0:
		return fmt.Sprintf("%d container(s) unhealthy", c.RunningUnhealthy)
	case class == types.ClassificationHealthy:
		return ""
	case class == types.ClassificationDegraded:
		return fmt.Sprintf("%d of %d container(s) running", c.Running(), c.Total)
	case c.RunningStarting > 0:
		return fmt.Sprintf("%d container(s) still starting", c.RunningStarting)
	case c.Restarting > 0:
		return fmt.Sprintf("%d container(s) restarting", c.Restarting)
	case c.Exited > 0:
		return fmt.Sprintf("%d container(s) exited", c.Exited)
	default:
		return "no running containers"
	}
}

func verdict(stack string, c Counts) types.HealthVerdict {
	class := Classify(c)
	return types.HealthVerdict{
		Stack:                stack,
		Classification:       class,
		Total:                c.Total,
		RunningHealthy:       c.RunningHealthy,
		RunningStarting:      c.RunningStarting,
		RunningUnhealthy:     c.RunningUnhealthy,
		RunningNoHealthCheck: c.RunningNoHealthCheck,
		Exited:               c.Exited,
		Restarting:           c.Restarting,
		Reason:               reason(c, class),
	}
}
