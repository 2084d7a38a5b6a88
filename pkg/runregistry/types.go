// Package runregistry persists migration run records on disk so operators
// can inspect past and in-flight migrations.
package runregistry

import (
	"time"

	"github.com/3leaps/gonube/pkg/cloud"
)

// State is the lifecycle state of a migration run. Values are persisted in
// run.json.
type State string

const (
	StateRunning   State = "running"
	StateSuccess   State = "success"
	StatePartial   State = "partial"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
	// StateUnknown marks a run whose process exited without finishing it.
	StateUnknown State = "unknown"
)

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s != StateRunning
}

// Record is the persistent record written to run.json. New fields must be
// additive.
type Record struct {
	RunID        string `json:"run_id"`
	Name         string `json:"name,omitempty"`
	ProviderID   int64  `json:"provider_id"`
	State        State  `json:"state"`
	ManifestPath string `json:"manifest_path,omitempty"`
	LocalPath    string `json:"local_path"`
	RemotePath   string `json:"remote_path,omitempty"`
	DryRun       bool   `json:"dry_run,omitempty"`
	PID          int    `json:"pid,omitempty"`
	Error        string `json:"error,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	Report *cloud.MigrationReport `json:"report,omitempty"`
}

// StateFor derives the final state of a run from its outcome.
func StateFor(report *cloud.MigrationReport, err error, cancelled bool) State {
	switch {
	case cancelled:
		return StateCancelled
	case err != nil && report == nil:
		return StateFailed
	case report == nil:
		return StateFailed
	case report.FilesFailed == 0 && err == nil:
		return StateSuccess
	case report.FilesSucceeded == 0 && report.FilesTotal > 0:
		return StateFailed
	default:
		return StatePartial
	}
}
