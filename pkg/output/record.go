// Package output writes newline-delimited JSON records for CLI commands.
//
// Every line is an envelope carrying a typed payload, so a stream mixing
// per-file events and a final summary can be parsed line by line.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record types. The suffix is the payload schema version.
const (
	TypeEntry    = "gonube.entry.v1"
	TypeTransfer = "gonube.transfer.v1"
	TypeError    = "gonube.error.v1"
	TypeSummary  = "gonube.summary.v1"
)

// Record is the envelope of one output line.
type Record struct {
	Type       string          `json:"type"`
	TS         time.Time       `json:"ts"`
	RunID      string          `json:"run_id,omitempty"`
	ProviderID int64           `json:"provider_id"`
	Data       json.RawMessage `json:"data"`
}

// EntryRecord is one listing entry.
type EntryRecord struct {
	Path         string    `json:"path"`
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
	IsDirectory  bool      `json:"is_directory"`
}

// TransferRecord is one completed file transfer.
type TransferRecord struct {
	LocalPath  string `json:"local_path"`
	RemotePath string `json:"remote_path"`
	Bytes      int64  `json:"bytes"`
}

// ErrorRecord is one failed file or operation.
type ErrorRecord struct {
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	LocalPath  string `json:"local_path,omitempty"`
	RemotePath string `json:"remote_path,omitempty"`
}

// SummaryRecord closes a run.
type SummaryRecord struct {
	FilesTotal     int     `json:"files_total"`
	FilesSucceeded int     `json:"files_succeeded"`
	FilesFailed    int     `json:"files_failed"`
	FilesSkipped   int     `json:"files_skipped"`
	BytesUploaded  int64   `json:"bytes_uploaded"`
	DurationMs     int64   `json:"duration_ms"`
	DryRun         bool    `json:"dry_run"`
	Throughput     float64 `json:"bytes_per_second"`
}

// ErrWriterClosed is returned for writes after Close.
var ErrWriterClosed = errors.New("output writer closed")

// WriteError wraps a marshal or write failure.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string {
	return "output " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
