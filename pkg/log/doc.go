/*
Package log provides structured logging for stackdeploy using zerolog.

A single package-level Logger is configured once by Init from the CLI and
shared by every component. Components derive child loggers that carry the
fields an operator filters on when a deployment goes wrong.

# Child loggers

	log.WithComponent("executor")     component=executor
	log.WithRunID(runID)              run_id=3f6c...
	log.WithStack(l, "web", "deploy") stack=web operation=deploy

WithStack takes a parent logger so that stack lines keep the component and
run fields of the caller.

# Output

Console output is the default and is meant for CI job logs:

	2026-10-15T10:30:00Z INF stack deployed component=executor stack=web operation=deploy

With JSON output every line is one object, suitable for log shippers:

	{"level":"info","component":"executor","stack":"web","operation":"deploy","time":"2026-10-15T10:30:00Z","message":"stack deployed"}

Levels are debug, info, warn and error. Unknown level names fall back to
info.
*/
package log
