// Package storage keeps the history of deployment runs in a BoltDB file so
// later invocations can find the last known-good revision.
package storage

import (
	"errors"

	"github.com/cuemby/stackdeploy/pkg/types"
)

// ErrNotFound is returned when a run does not exist
var ErrNotFound = errors.New("run not found")

// Store persists deployment run summaries
type Store interface {
	SaveRun(run *types.Summary) error
	GetRun(id string) (*types.Summary, error)

	// ListRuns returns up to limit runs, newest first; limit <= 0 means all
	ListRuns(limit int) ([]*types.Summary, error)

	// LastSuccessful returns the newest run that ended with status success
	LastSuccessful() (*types.Summary, error)

	Close() error
}
