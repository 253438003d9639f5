package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cuemby/stackdeploy/pkg/log"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHRunner runs commands over a single shared SSH connection. Each command
// gets its own session, so concurrent Run calls are safe.
type SSHRunner struct {
	rc     *Context
	logger zerolog.Logger

	mu     sync.Mutex
	client *ssh.Client
}

// NewSSHRunner creates a runner for the host described by rc. The connection
// is established lazily on the first command.
func NewSSHRunner(rc *Context) *SSHRunner {
	return &SSHRunner{
		rc:     rc,
		logger: log.WithComponent("ssh").With().Str("host", rc.Address()).Logger(),
	}
}

// Client returns the live SSH client, dialing if needed
func (s *SSHRunner) Client() (*ssh.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return s.client, nil
	}

	cfg, err := s.clientConfig()
	if err != nil {
		return nil, err
	}

	client, err := ssh.Dial("tcp", s.rc.Address(), cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrConnection, s.rc.Address(), err)
	}
	s.logger.Debug().Str("user", s.rc.User).Msg("connected")
	s.client = client
	return client, nil
}

// reset drops a broken connection so the next command redials
func (s *SSHRunner) reset(broken *ssh.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == broken && s.client != nil {
		_ = s.client.Close()
		s.client = nil
	}
}

// Close closes the underlying connection
func (s *SSHRunner) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

func (s *SSHRunner) clientConfig() (*ssh.ClientConfig, error) {
	var auth ssh.AuthMethod
	if s.rc.KeyPath != "" {
		key, err := os.ReadFile(expandHome(s.rc.KeyPath))
		if err != nil {
			return nil, fmt.Errorf("failed to read SSH key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to parse SSH key: %w", err)
		}
		auth = ssh.PublicKeys(signer)
	} else {
		auth = ssh.Password(s.rc.Password)
	}

	var hostKey ssh.HostKeyCallback
	switch {
	case s.rc.InsecureIgnoreHostKey:
		s.logger.Warn().Msg("host key verification disabled")
		hostKey = ssh.InsecureIgnoreHostKey()
	default:
		path := s.rc.KnownHostsPath
		if path == "" {
			path = "~/.ssh/known_hosts"
		}
		cb, err := knownhosts.New(expandHome(path))
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
		hostKey = cb
	}

	return &ssh.ClientConfig{
		User:            s.rc.User,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: hostKey,
		Timeout:         s.rc.Timeouts.Connect,
	}, nil
}

// Run executes cmd in a fresh session. The script and exported secrets are
// written to the session's stdin, followed by cmd.Stdin if set; only the bash
// invocation with positional args appears on the remote command line.
func (s *SSHRunner) Run(ctx context.Context, cmd Command) (*Result, error) {
	client, err := s.Client()
	if err != nil {
		return &Result{ExitCode: ExitConnection, Stderr: err.Error()}, err
	}

	session, err := client.NewSession()
	if err != nil {
		s.reset(client)
		err = fmt.Errorf("%w: open session: %v", ErrConnection, err)
		return &Result{ExitCode: ExitConnection, Stderr: err.Error()}, err
	}
	defer func() { _ = session.Close() }()

	var stdout, stderr bytes.Buffer
	var stdin io.Reader = strings.NewReader(renderScript(cmd, s.rc.Secrets))
	if cmd.Stdin != nil {
		stdin = io.MultiReader(stdin, cmd.Stdin)
	}
	session.Stdin = stdin
	session.Stdout = teeTo(&stdout, cmd.Stdout)
	session.Stderr = teeTo(&stderr, cmd.Stderr)

	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	s.logger.Debug().Str("command", cmd.String()).Msg("running")

	done := make(chan error, 1)
	go func() { done <- session.Run(shellInvocation(cmd.Args)) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		<-done
		res := &Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: ExitTimeout}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return res, fmt.Errorf("%w: %s after %v", ErrTimeout, cmd.Name, cmd.Timeout)
		}
		return res, ctx.Err()
	case err := <-done:
		res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
		if err == nil {
			return res, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		s.reset(client)
		res.ExitCode = ExitConnection
		return res, fmt.Errorf("%w: %s: %v", ErrConnection, cmd.Name, err)
	}
}

func teeTo(buf *bytes.Buffer, sink io.Writer) io.Writer {
	if sink == nil {
		return buf
	}
	return io.MultiWriter(buf, sink)
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
}
