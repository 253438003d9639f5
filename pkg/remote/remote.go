// Package remote executes shell scripts on the deployment host.
//
// Every command is a script body plus positional arguments. Runners report a
// remote non-zero exit as a Result, and reserve errors for the cases where the
// script could not run to completion: transport failures (ExitConnection) and
// step timeouts (ExitTimeout).
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/stackdeploy/pkg/retry"
)

const (
	// ExitConnection is reported when the host could not be reached or the
	// session dropped before the script exited.
	ExitConnection = retry.ExitConnection

	// ExitTimeout is reported when a command exceeded its timeout
	ExitTimeout = 124
)

var (
	// ErrConnection wraps transport-level failures
	ErrConnection = errors.New("remote connection failed")

	// ErrTimeout wraps commands killed for exceeding their timeout
	ErrTimeout = errors.New("remote command timed out")
)

// Command is one script to run on the remote host
type Command struct {
	// Name describes the command in logs. The script body is never logged.
	Name    string
	Script  string
	Args    []string
	Env     map[string]string
	Timeout time.Duration

	// Stdin is streamed to the script after its body. A reader is consumed
	// by the first attempt, so such commands are never retried.
	Stdin io.Reader

	// Optional live sinks; output is captured in Result as well
	Stdout io.Writer
	Stderr io.Writer
}

// String renders the command for logs with environment values redacted
func (c Command) String() string {
	var b strings.Builder
	b.WriteString(c.Name)
	if len(c.Args) > 0 {
		b.WriteString(" ")
		b.WriteString(strings.Join(c.Args, " "))
	}
	if len(c.Env) > 0 {
		keys := make([]string, 0, len(c.Env))
		for k := range c.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" [env ")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(" ")
			}
			b.WriteString(k)
			b.WriteString("=***")
		}
		b.WriteString("]")
	}
	return b.String()
}

// Result is the outcome of a command that ran on the host
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes commands on the remote host
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// Timeouts bounds each class of remote step
type Timeouts struct {
	Connect  time.Duration `mapstructure:"connect" yaml:"connect"`
	Fetch    time.Duration `mapstructure:"fetch" yaml:"fetch"`
	Checkout time.Duration `mapstructure:"checkout" yaml:"checkout"`
	Validate time.Duration `mapstructure:"validate" yaml:"validate"`
	Pull     time.Duration `mapstructure:"pull" yaml:"pull"`
	Up       time.Duration `mapstructure:"up" yaml:"up"`
	Cleanup  time.Duration `mapstructure:"cleanup" yaml:"cleanup"`
	Health   time.Duration `mapstructure:"health" yaml:"health"`
}

// DefaultTimeouts returns conservative per-step timeouts
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Connect:  30 * time.Second,
		Fetch:    2 * time.Minute,
		Checkout: time.Minute,
		Validate: time.Minute,
		Pull:     10 * time.Minute,
		Up:       5 * time.Minute,
		Cleanup:  5 * time.Minute,
		Health:   time.Minute,
	}
}

// Context carries everything needed to reach the host and run commands there.
// Secrets hold resolved credential values; they are exported into each
// script's environment and never rendered in logs.
type Context struct {
	Host                  string
	Port                  int
	User                  string
	KeyPath               string
	Password              string
	KnownHostsPath        string
	InsecureIgnoreHostKey bool

	// StacksDir is the checked-out repository root holding one directory per stack
	StacksDir string

	Timeouts Timeouts
	Secrets  map[string]string
}

// Address returns host:port, defaulting to port 22
func (c *Context) Address() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s:%d", c.Host, port)
}

// Validate checks the fields needed to dial
func (c *Context) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("remote host is required")
	}
	if c.User == "" {
		return fmt.Errorf("remote user is required")
	}
	if c.StacksDir == "" {
		return fmt.Errorf("remote stacks directory is required")
	}
	if c.KeyPath == "" && c.Password == "" {
		return fmt.Errorf("either a key path or a password is required")
	}
	return nil
}

// quote single-quotes s for POSIX shells
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// renderScript prefixes the script body with exports for env and secrets.
// Command env wins over secrets with the same key.
func renderScript(cmd Command, secrets map[string]string) string {
	merged := make(map[string]string, len(secrets)+len(cmd.Env))
	for k, v := range secrets {
		merged[k] = v
	}
	for k, v := range cmd.Env {
		merged[k] = v
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "export %s=%s\n", k, quote(merged[k]))
	}
	// With caller data following the body, bash must parse the whole script
	// as one group before running it, and must never read the data as code.
	if cmd.Stdin != nil {
		b.WriteString("{\n")
	}
	b.WriteString(cmd.Script)
	if !strings.HasSuffix(cmd.Script, "\n") {
		b.WriteString("\n")
	}
	if cmd.Stdin != nil {
		b.WriteString("}; exit $?\n")
	}
	return b.String()
}

// shellInvocation is the remote command line: bash reads the script from
// stdin and receives the positional args.
func shellInvocation(args []string) string {
	parts := []string{"bash", "-s", "--"}
	for _, a := range args {
		parts = append(parts, quote(a))
	}
	return strings.Join(parts, " ")
}
