package cloud

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/gonube/pkg/match"
	"github.com/3leaps/gonube/pkg/provider"
)

// DefaultMigrateConcurrency is the number of upload workers when
// MigrateOptions.Concurrency is not set.
const DefaultMigrateConcurrency = 4

// MigrateOptions tune MigrateDirectory. The zero value uploads every
// non-hidden regular file with DefaultMigrateConcurrency workers.
type MigrateOptions struct {
	// RunID identifies the run in logs and the report. A UUID is generated
	// when empty.
	RunID string

	Concurrency int

	// Includes and Excludes are doublestar patterns matched against the
	// slash-separated path relative to the local root.
	Includes      []string
	Excludes      []string
	IncludeHidden bool

	// MinSize and MaxSize bound file sizes (e.g. "1KiB", "100MB").
	MinSize string
	MaxSize string

	// RateLimit caps uploads started per second. Zero means unlimited.
	RateLimit float64

	// DryRun walks and counts without creating a client or uploading.
	DryRun bool

	// OnProgress is called after each file finishes. Calls are serialized.
	OnProgress func(Progress)
}

// Progress describes one finished file.
type Progress struct {
	Done       int
	Total      int
	LocalPath  string
	RemotePath string
	Bytes      int64
	Err        error
}

// FileError records one failed file.
type FileError struct {
	LocalPath  string        `json:"local_path"`
	RemotePath string        `json:"remote_path"`
	Kind       provider.Kind `json:"kind"`
	Message    string        `json:"message"`
}

// MigrationReport is the aggregate outcome of MigrateDirectory.
//
// Outside a dry run FilesTotal is FilesSucceeded + FilesFailed. Filtered
// files are counted only in FilesSkipped.
type MigrationReport struct {
	RunID          string        `json:"run_id"`
	ProviderID     int64         `json:"provider_id"`
	LocalPath      string        `json:"local_path"`
	RemotePath     string        `json:"remote_path"`
	DryRun         bool          `json:"dry_run"`
	FilesTotal     int           `json:"files_total"`
	FilesSucceeded int           `json:"files_succeeded"`
	FilesFailed    int           `json:"files_failed"`
	FilesSkipped   int           `json:"files_skipped"`
	BytesUploaded  int64         `json:"bytes_uploaded"`
	Errors         []FileError   `json:"errors"`
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
}

type migrateItem struct {
	localPath  string
	remotePath string
	// walkErr is set for entries that could not be read during the walk.
	walkErr error
}

// MigrateDirectory uploads every file under localPath to remotePath on
// provider id, preserving relative structure.
//
// Per-file failures are collected in the report and do not stop the run.
// Only an unknown provider, an unresolvable adapter, an invalid option, a
// missing or unreadable root, or a client that cannot be created fail the
// whole call. If ctx is cancelled the partial report is returned with
// ctx.Err().
func (s *Service) MigrateDirectory(ctx context.Context, id int64, localPath, remotePath string, opts MigrateOptions) (*MigrationReport, error) {
	started := s.now()

	p, a, err := s.resolve(ctx, id)
	if err != nil {
		return nil, err
	}

	matcher, err := match.New(match.Config{
		Includes:      opts.Includes,
		Excludes:      opts.Excludes,
		IncludeHidden: opts.IncludeHidden,
		MinSize:       opts.MinSize,
		MaxSize:       opts.MaxSize,
	})
	if err != nil {
		return nil, &provider.ValidationError{Field: "options", Message: err.Error()}
	}
	if opts.RateLimit < 0 {
		return nil, &provider.ValidationError{Field: "rate_limit", Message: "must not be negative"}
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultMigrateConcurrency
	}

	root := filepath.Clean(localPath)
	items, skipped, err := collect(root, remotePath, matcher)
	if err != nil {
		return nil, err
	}

	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	report := &MigrationReport{
		RunID:        runID,
		ProviderID:   p.ID,
		LocalPath:    root,
		RemotePath:   remotePath,
		DryRun:       opts.DryRun,
		FilesTotal:   len(items),
		FilesSkipped: skipped,
		Errors:       []FileError{},
		StartedAt:    started.UTC(),
	}
	log := s.logger.With(s.fields(p, "migrate", zap.String("run_id", report.RunID), zap.String("local_path", root))...)
	log.Info("migration started", zap.Int("files", len(items)), zap.Int("skipped", skipped), zap.Bool("dry_run", opts.DryRun))

	if opts.DryRun {
		report.Duration = s.now().Sub(started)
		return report, nil
	}

	c, err := a.CreateClient(ctx, p.Credentials, p.Configuration)
	if err != nil {
		return nil, err
	}
	sess := &Session{Provider: p, Adapter: a, Client: c}
	defer s.closeSession(sess)

	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), 1)
	}

	var (
		mu        sync.Mutex
		done      int
		succeeded atomic.Int64
		bytes     atomic.Int64
	)
	finish := func(it migrateItem, n int64, err error) {
		mu.Lock()
		defer mu.Unlock()
		done++
		if err != nil {
			report.Errors = append(report.Errors, FileError{
				LocalPath:  it.localPath,
				RemotePath: it.remotePath,
				Kind:       provider.KindOf(err),
				Message:    err.Error(),
			})
		}
		if opts.OnProgress != nil {
			opts.OnProgress(Progress{
				Done:       done,
				Total:      len(items),
				LocalPath:  it.localPath,
				RemotePath: it.remotePath,
				Bytes:      n,
				Err:        err,
			})
		}
	}

	workCh := make(chan migrateItem)
	var wg sync.WaitGroup
	for i := 0; i < opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for it := range workCh {
				n, err := s.migrateOne(ctx, a, c, limiter, it)
				if err != nil {
					log.Debug("file failed", zap.String("remote_path", it.remotePath), zap.Error(err))
				} else {
					succeeded.Add(1)
					bytes.Add(n)
				}
				finish(it, n, err)
			}
		}()
	}

feed:
	for _, it := range items {
		select {
		case workCh <- it:
		case <-ctx.Done():
			break feed
		}
	}
	close(workCh)
	wg.Wait()

	report.FilesSucceeded = int(succeeded.Load())
	report.BytesUploaded = bytes.Load()
	report.FilesFailed = len(report.Errors)
	sort.Slice(report.Errors, func(i, j int) bool {
		return report.Errors[i].LocalPath < report.Errors[j].LocalPath
	})
	report.Duration = s.now().Sub(started)

	if err := ctx.Err(); err != nil {
		// Files never dispatched count as failed so the totals still add up.
		pending := report.FilesTotal - report.FilesSucceeded - report.FilesFailed
		report.FilesFailed += pending
		log.Warn("migration cancelled", zap.Int("not_started", pending))
		return report, err
	}

	log.Info("migration finished",
		zap.Int("succeeded", report.FilesSucceeded),
		zap.Int("failed", report.FilesFailed),
		zap.Int64("bytes", report.BytesUploaded),
		zap.Duration("duration", report.Duration),
	)
	return report, nil
}

func (s *Service) migrateOne(ctx context.Context, a provider.Adapter, c provider.Client, limiter *rate.Limiter, it migrateItem) (int64, error) {
	if it.walkErr != nil {
		return 0, it.walkErr
	}
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return 0, err
		}
	}
	res, err := a.Upload(ctx, c, it.localPath, it.remotePath)
	if err != nil {
		return 0, err
	}
	return res.BytesWritten, nil
}

// collect walks root and returns the files to upload in lexical order and
// the number of entries filtered out. Unreadable entries below the root are
// returned as items carrying their walk error.
func collect(root, remoteBase string, m *match.Matcher) ([]migrateItem, int, error) {
	fi, err := os.Stat(root)
	if err != nil {
		kind := provider.ErrRead
		if errors.Is(err, fs.ErrNotExist) {
			kind = provider.ErrNotFound
		}
		return nil, 0, fmt.Errorf("migrate source %s: %w: %w", root, kind, err)
	}
	if !fi.IsDir() {
		return nil, 0, &provider.ValidationError{Field: "local_path", Message: fmt.Sprintf("%s is not a directory", root)}
	}

	var (
		items   []migrateItem
		skipped int
	)
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if p == root {
			return walkErr
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		remote := joinRemote(remoteBase, rel)

		if walkErr != nil {
			items = append(items, migrateItem{
				localPath:  p,
				remotePath: remote,
				walkErr:    fmt.Errorf("%w: %w", provider.ErrRead, walkErr),
			})
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			return nil
		}

		info, err := os.Stat(p)
		if err != nil || !info.Mode().IsRegular() {
			// Dangling links, sockets and devices.
			skipped++
			return nil
		}
		if !m.MatchFile(rel, info.Size()) {
			skipped++
			return nil
		}
		items = append(items, migrateItem{localPath: p, remotePath: remote})
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("migrate source %s: %w: %w", root, provider.ErrRead, err)
	}
	return items, skipped, nil
}

func joinRemote(base, rel string) string {
	base = strings.ReplaceAll(base, "\\", "/")
	if base == "" || base == "/" || base == "." {
		return rel
	}
	return path.Join(base, rel)
}
