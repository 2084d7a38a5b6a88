package runregistry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/gonube/pkg/cloud"
)

// ErrNotFound is returned when no record exists for a run id.
var ErrNotFound = errors.New("run not found")

const recordFile = "run.json"

// Store persists Records under a root directory:
//
//	<root>/<run_id>/run.json
type Store struct {
	root   string
	logger *zap.Logger
	now    func() time.Time
	alive  func(pid int) bool
}

// NewStore returns a store rooted at root. A nil logger is replaced with a
// no-op logger.
func NewStore(root string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		root:   strings.TrimSpace(root),
		logger: logger,
		now:    time.Now,
		alive:  isProcessAlive,
	}
}

func (s *Store) RootDir() string { return s.root }

func (s *Store) RunDir(runID string) string { return filepath.Join(s.root, runID) }

func (s *Store) RecordPath(runID string) string {
	return filepath.Join(s.RunDir(runID), recordFile)
}

func (s *Store) ensureRoot() error {
	if s.root == "" {
		return fmt.Errorf("run registry root dir is empty")
	}
	return os.MkdirAll(s.root, 0o755)
}

func validRunID(runID string) error {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return fmt.Errorf("run_id is required")
	}
	if strings.ContainsAny(runID, `/\`) || runID == "." || runID == ".." {
		return fmt.Errorf("invalid run_id %q", runID)
	}
	return nil
}

// Start records a new running run owned by this process.
func (s *Store) Start(rec *Record) error {
	if rec == nil {
		return fmt.Errorf("run record is nil")
	}
	now := s.now().UTC()
	rec.State = StateRunning
	rec.PID = os.Getpid()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.StartedAt = &now
	return s.Write(rec)
}

// Finish stores the outcome of rec.
func (s *Store) Finish(rec *Record, state State, report *cloud.MigrationReport, runErr error) error {
	now := s.now().UTC()
	rec.State = state
	rec.EndedAt = &now
	rec.Report = report
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	return s.Write(rec)
}

// Write persists rec atomically by renaming a temp file over run.json.
func (s *Store) Write(rec *Record) error {
	if rec == nil {
		return fmt.Errorf("run record is nil")
	}
	if err := validRunID(rec.RunID); err != nil {
		return err
	}
	if err := s.ensureRoot(); err != nil {
		return err
	}

	dir := s.RunDir(rec.RunID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create run dir: %w", err)
	}

	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run record: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(dir, recordFile+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp run file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp run file: %w", err)
	}
	if err := os.Rename(tmpName, s.RecordPath(rec.RunID)); err != nil {
		return fmt.Errorf("rename run file: %w", err)
	}
	return nil
}

// Get loads the record for runID. A run still marked running whose process
// is gone is rewritten as StateUnknown.
func (s *Store) Get(runID string) (*Record, error) {
	if err := validRunID(runID); err != nil {
		return nil, err
	}
	runID = strings.TrimSpace(runID)
	b, err := os.ReadFile(s.RecordPath(runID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		return nil, err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil, fmt.Errorf("%s for run %s is empty", recordFile, runID)
	}

	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("parse %s: %w", recordFile, err)
	}

	if rec.State == StateRunning && rec.PID > 0 && !s.alive(rec.PID) {
		rec.State = StateUnknown
		now := s.now().UTC()
		rec.EndedAt = &now
		if err := s.Write(&rec); err != nil {
			s.logger.Warn("failed to mark orphaned run", zap.String("run_id", runID), zap.Error(err))
		}
	}
	return &rec, nil
}

// List returns every readable record, newest first. Unreadable entries are
// skipped.
func (s *Store) List() ([]Record, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []Record{}, nil
		}
		return nil, fmt.Errorf("read runs root: %w", err)
	}

	out := make([]Record, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		r, err := s.Get(entry.Name())
		if err != nil {
			s.logger.Debug("skipping run", zap.String("run_id", entry.Name()), zap.Error(err))
			continue
		}
		out = append(out, *r)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return sortTime(out[i]).After(sortTime(out[j]))
	})
	return out, nil
}

func sortTime(r Record) time.Time {
	if r.StartedAt != nil {
		return r.StartedAt.UTC()
	}
	return r.CreatedAt.UTC()
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 checks existence without delivering anything.
	return p.Signal(syscall.Signal(0)) == nil
}
