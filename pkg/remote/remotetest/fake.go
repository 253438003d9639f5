// Package remotetest provides scripted in-memory Runner and Files fakes
package remotetest

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/cuemby/stackdeploy/pkg/remote"
)

// Handler answers a command. Returning a nil Result means "not handled".
type Handler func(cmd remote.Command) (*remote.Result, error)

// Runner is a fake remote.Runner that dispatches commands to handlers keyed
// by command name and records every call.
type Runner struct {
	mu       sync.Mutex
	handlers map[string]Handler
	calls    []remote.Command

	// Default answers commands without a handler; nil means exit 0
	Default Handler
}

// NewRunner creates an empty fake runner
func NewRunner() *Runner {
	return &Runner{handlers: make(map[string]Handler)}
}

// Handle registers h for commands whose Name equals name
func (r *Runner) Handle(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Reply registers a fixed result for commands named name
func (r *Runner) Reply(name string, stdout string, exitCode int) {
	r.Handle(name, func(remote.Command) (*remote.Result, error) {
		return &remote.Result{Stdout: stdout, ExitCode: exitCode}, nil
	})
}

// Run implements remote.Runner
func (r *Runner) Run(ctx context.Context, cmd remote.Command) (*remote.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, cmd)
	h := r.handlers[cmd.Name]
	if h == nil {
		h = r.Default
	}
	r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return &remote.Result{ExitCode: remote.ExitConnection}, err
	}

	var res *remote.Result
	var err error
	if h != nil {
		res, err = h(cmd)
	}
	if res == nil && err == nil {
		res = &remote.Result{}
	}
	if res != nil {
		if cmd.Stdout != nil && res.Stdout != "" {
			_, _ = io.WriteString(cmd.Stdout, res.Stdout)
		}
		if cmd.Stderr != nil && res.Stderr != "" {
			_, _ = io.WriteString(cmd.Stderr, res.Stderr)
		}
	}
	return res, err
}

// Calls returns a copy of every command run so far
func (r *Runner) Calls() []remote.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]remote.Command, len(r.calls))
	copy(out, r.calls)
	return out
}

// CallsNamed returns the commands run with the given name
func (r *Runner) CallsNamed(name string) []remote.Command {
	var out []remote.Command
	for _, c := range r.Calls() {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// CallsWithPrefix returns commands whose name starts with prefix
func (r *Runner) CallsWithPrefix(prefix string) []remote.Command {
	var out []remote.Command
	for _, c := range r.Calls() {
		if strings.HasPrefix(c.Name, prefix) {
			out = append(out, c)
		}
	}
	return out
}

// Files is an in-memory remote.Files
type Files struct {
	mu    sync.Mutex
	paths map[string]bool
	dirs  map[string]bool

	// Err, when set, is returned by every call
	Err error
}

// NewFiles creates an empty filesystem
func NewFiles() *Files {
	return &Files{paths: make(map[string]bool), dirs: make(map[string]bool)}
}

// AddFile records a file and its parent directories
func (f *Files) AddFile(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths[path] = true
	for dir := parent(path); dir != "" && dir != "/"; dir = parent(dir) {
		f.dirs[dir] = true
		f.paths[dir] = true
	}
}

// AddDir records a directory and its parents
func (f *Files) AddDir(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for dir := path; dir != "" && dir != "/"; dir = parent(dir) {
		f.dirs[dir] = true
		f.paths[dir] = true
	}
}

// Remove deletes path and everything below it
func (f *Files) Remove(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for p := range f.paths {
		if p == path || strings.HasPrefix(p, path+"/") {
			delete(f.paths, p)
			delete(f.dirs, p)
		}
	}
}

// Exists implements remote.Files
func (f *Files) Exists(_ context.Context, path string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return false, f.Err
	}
	return f.paths[path], nil
}

// ListDirs implements remote.Files
func (f *Files) ListDirs(_ context.Context, dir string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	if !f.dirs[dir] {
		return nil, fmt.Errorf("listing %s: directory not accessible", dir)
	}
	var out []string
	for d := range f.dirs {
		if parent(d) == dir {
			out = append(out, d[len(dir)+1:])
		}
	}
	sort.Strings(out)
	return out, nil
}

func parent(path string) string {
	i := strings.LastIndex(path, "/")
	if i <= 0 {
		return ""
	}
	return path[:i]
}
