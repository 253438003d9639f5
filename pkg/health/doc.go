/*
Package health classifies deployed stacks from their container states.

Classification is a single read-only pass. It assumes the deploy step
already waited for readiness with `docker compose up --wait`, so anything
still starting at this point is treated as a failure.

# Classification

Each stack's containers are tallied from `docker compose ps --all` against
the number of services declared by `docker compose config --services`:

	running + healthy        ┐
	running + no healthcheck ┴─ healthy total
	running + starting
	running + unhealthy      ── any → Failed
	restarting
	exited (also created, paused, dead)

The verdict is:

	Healthy   healthy total == total, nothing starting/exited/restarting
	Degraded  fewer containers than declared, all of them healthy
	Failed    everything else

# Critical stacks

Stacks are evaluated in the order given. When a critical stack fails, the
pass stops and every stack after it is reported as skipped, so a rollback
can start as early as possible. Container totals and the success rate are
counted over every stack regardless.

# Usage

	c := health.NewClassifier(runner, health.Config{
		StacksDir: "/srv/stacks",
		Timeout:   30 * time.Second,
	})
	summary := c.Classify(ctx, []string{"db", "api", "web"}, []string{"db"})
	if !summary.AllPassing() {
		// roll back
	}
*/
package health
