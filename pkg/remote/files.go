package remote

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/cuemby/stackdeploy/pkg/retry"
	"github.com/pkg/sftp"
)

// Files answers existence questions about the remote filesystem
type Files interface {
	// Exists reports whether path exists (file or directory)
	Exists(ctx context.Context, path string) (bool, error)

	// ListDirs returns the names of the immediate subdirectories of dir, sorted
	ListDirs(ctx context.Context, dir string) ([]string, error)
}

// ShellFiles implements Files with small shell scripts run through a Runner
type ShellFiles struct {
	runner Runner
}

// NewShellFiles creates a shell-backed Files
func NewShellFiles(runner Runner) *ShellFiles {
	return &ShellFiles{runner: runner}
}

const existsScript = `if [ -e "$1" ]; then exit 0; fi
exit 1
`

const listDirsScript = `cd "$1" 2>/dev/null || exit 3
for d in */; do
  [ -d "$d" ] && printf '%s\n' "${d%/}"
done
exit 0
`

// Exists implements Files
func (f *ShellFiles) Exists(ctx context.Context, path string) (bool, error) {
	res, err := f.runner.Run(ctx, Command{Name: "test -e", Script: existsScript, Args: []string{path}})
	if err != nil {
		return false, err
	}
	switch res.ExitCode {
	case 0:
		return true, nil
	case 1:
		return false, nil
	default:
		return false, fmt.Errorf("checking %s: exit status %d: %s", path, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
}

// ListDirs implements Files
func (f *ShellFiles) ListDirs(ctx context.Context, dir string) ([]string, error) {
	res, err := f.runner.Run(ctx, Command{Name: "list dirs", Script: listDirsScript, Args: []string{dir}})
	if err != nil {
		return nil, err
	}
	if res.ExitCode == 3 {
		return nil, fmt.Errorf("listing %s: directory not accessible", dir)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("listing %s: exit status %d: %s", dir, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	dirs := SplitLines(res.Stdout)
	sort.Strings(dirs)
	return dirs, nil
}

// SFTPFiles implements Files with an SFTP subsystem session on the SSH
// connection. Transport errors are retried with the executor.
type SFTPFiles struct {
	ssh  *SSHRunner
	exec *retry.Executor

	mu     sync.Mutex
	client *sftp.Client
}

// NewSFTPFiles creates an SFTP-backed Files sharing runner's connection
func NewSFTPFiles(runner *SSHRunner, exec *retry.Executor) *SFTPFiles {
	return &SFTPFiles{ssh: runner, exec: exec.WithPolicy(retry.ConnectionOnly)}
}

func (f *SFTPFiles) sftpClient() (*sftp.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.client != nil {
		return f.client, nil
	}
	conn, err := f.ssh.Client()
	if err != nil {
		return nil, err
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create SFTP client: %v", ErrConnection, err)
	}
	f.client = client
	return client, nil
}

func (f *SFTPFiles) drop(c *sftp.Client) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.client == c && c != nil {
		_ = c.Close()
		f.client = nil
	}
}

// Close closes the SFTP session
func (f *SFTPFiles) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.client == nil {
		return nil
	}
	err := f.client.Close()
	f.client = nil
	return err
}

// Exists implements Files
func (f *SFTPFiles) Exists(ctx context.Context, path string) (bool, error) {
	var exists bool
	_, err := f.exec.Do(ctx, "sftp stat", func(ctx context.Context, attempt int) (int, error) {
		client, err := f.sftpClient()
		if err != nil {
			return ExitConnection, err
		}
		_, err = client.Stat(path)
		switch {
		case err == nil:
			exists = true
			return 0, nil
		case errors.Is(err, os.ErrNotExist):
			exists = false
			return 0, nil
		default:
			f.drop(client)
			return ExitConnection, err
		}
	})
	return exists, err
}

// ListDirs implements Files
func (f *SFTPFiles) ListDirs(ctx context.Context, dir string) ([]string, error) {
	var dirs []string
	_, err := f.exec.Do(ctx, "sftp readdir", func(ctx context.Context, attempt int) (int, error) {
		client, err := f.sftpClient()
		if err != nil {
			return ExitConnection, err
		}
		entries, err := client.ReadDir(dir)
		if errors.Is(err, os.ErrNotExist) {
			return 1, fmt.Errorf("listing %s: %w", dir, err)
		}
		if err != nil {
			f.drop(client)
			return ExitConnection, err
		}
		dirs = dirs[:0]
		for _, e := range entries {
			if e.IsDir() {
				dirs = append(dirs, e.Name())
			}
		}
		return 0, nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(dirs)
	return dirs, nil
}

// SplitLines splits command output into trimmed, non-empty lines
func SplitLines(s string) []string {
	out := []string{}
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
