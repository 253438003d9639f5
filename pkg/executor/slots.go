package executor

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/cuemby/stackdeploy/pkg/types"
)

// Slots stores the log and exit code of each stack operation. Keys are
// namespaced by operation and stack so concurrent workers never share one.
type Slots interface {
	// OpenLog returns the log sink for one stack operation
	OpenLog(op types.Operation, stack string) (io.WriteCloser, error)

	// SetResult records the final exit code
	SetResult(op types.Operation, stack string, exitCode int) error

	// Result returns the recorded exit code; ok is false when none was written
	Result(op types.Operation, stack string) (exitCode int, ok bool, err error)

	// Log returns everything written to the stack's log sink
	Log(op types.Operation, stack string) (string, error)
}

func slotKey(op types.Operation, stack string) string {
	return string(op) + "-" + stack
}

// MemorySlots keeps logs and results in memory
type MemorySlots struct {
	mu      sync.Mutex
	logs    map[string]*lockedBuffer
	results map[string]int
}

// NewMemorySlots creates empty in-memory slots
func NewMemorySlots() *MemorySlots {
	return &MemorySlots{
		logs:    make(map[string]*lockedBuffer),
		results: make(map[string]int),
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Close() error { return nil }

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// OpenLog implements Slots. Any previous log and result for the slot are
// discarded.
func (m *MemorySlots) OpenLog(op types.Operation, stack string) (io.WriteCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := slotKey(op, stack)
	b := &lockedBuffer{}
	m.logs[key] = b
	delete(m.results, key)
	return b, nil
}

// SetResult implements Slots
func (m *MemorySlots) SetResult(op types.Operation, stack string, exitCode int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[slotKey(op, stack)] = exitCode
	return nil
}

// Result implements Slots
func (m *MemorySlots) Result(op types.Operation, stack string) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	code, ok := m.results[slotKey(op, stack)]
	return code, ok, nil
}

// Log implements Slots
func (m *MemorySlots) Log(op types.Operation, stack string) (string, error) {
	m.mu.Lock()
	b, ok := m.logs[slotKey(op, stack)]
	m.mu.Unlock()
	if !ok {
		return "", nil
	}
	return b.String(), nil
}

// DirSlots writes <dir>/<op>-<stack>.log and <dir>/<op>-<stack>.exit so the
// files can be kept as CI artifacts.
type DirSlots struct {
	dir string
}

// NewDirSlots creates the directory if needed
func NewDirSlots(dir string) (*DirSlots, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	return &DirSlots{dir: dir}, nil
}

func (d *DirSlots) path(op types.Operation, stack, ext string) string {
	return filepath.Join(d.dir, slotKey(op, stack)+ext)
}

// OpenLog implements Slots. Any previous log and result for the slot are
// discarded.
func (d *DirSlots) OpenLog(op types.Operation, stack string) (io.WriteCloser, error) {
	if err := os.Remove(d.path(op, stack, ".exit")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to clear result slot: %w", err)
	}
	f, err := os.Create(d.path(op, stack, ".log"))
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}
	return f, nil
}

// SetResult implements Slots
func (d *DirSlots) SetResult(op types.Operation, stack string, exitCode int) error {
	return os.WriteFile(d.path(op, stack, ".exit"), []byte(strconv.Itoa(exitCode)+"\n"), 0o644)
}

// Result implements Slots
func (d *DirSlots) Result(op types.Operation, stack string) (int, bool, error) {
	data, err := os.ReadFile(d.path(op, stack, ".exit"))
	if errors.Is(err, os.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	code, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false, fmt.Errorf("corrupt result slot %s: %w", d.path(op, stack, ".exit"), err)
	}
	return code, true, nil
}

// Log implements Slots
func (d *DirSlots) Log(op types.Operation, stack string) (string, error) {
	data, err := os.ReadFile(d.path(op, stack, ".log"))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	return string(data), err
}
