package match

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Matcher decides which files of a local source tree take part in a
// migration.
//
// Paths are slash-separated and relative to the source root:
//   - Include patterns: the path must match at least one ("**" when none are given)
//   - Exclude patterns: the path must not match any
//   - Size bounds: MinSize <= size <= MaxSize when set
//
// A pattern ending in "/" matches the whole directory below it.
//
// The Matcher is safe for concurrent use after creation.
type Matcher struct {
	includes      []string
	excludes      []string
	includeHidden bool
	minSize       int64
	maxSize       int64
}

// Config configures a Matcher.
type Config struct {
	// Includes are glob patterns that paths must match (at least one).
	// Empty means every path is included.
	Includes []string

	// Excludes are glob patterns that paths must not match (any).
	Excludes []string

	// IncludeHidden controls whether hidden files are matched.
	// Hidden files have path segments starting with '.'.
	// Default: false (hidden files are excluded).
	IncludeHidden bool

	// MinSize and MaxSize are human-readable sizes ("10KB", "1GiB").
	// Empty means unbounded.
	MinSize string
	MaxSize string
}

// Errors returned by Matcher operations.
var (
	// ErrInvalidPattern is returned when a pattern cannot be compiled.
	ErrInvalidPattern = errors.New("invalid glob pattern")
)

// PatternError wraps pattern-related errors with context.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return "pattern " + e.Pattern + ": " + e.Err.Error()
}

func (e *PatternError) Unwrap() error {
	return e.Err
}

// New creates a new Matcher from the given configuration.
//
// Patterns are normalized to handle Windows-style backslash separators
// while preserving escape sequences for literal glob metacharacters.
func New(cfg Config) (*Matcher, error) {
	includes, err := compile(cfg.Includes)
	if err != nil {
		return nil, err
	}
	if len(includes) == 0 {
		includes = []string{"**"}
	}
	excludes, err := compile(cfg.Excludes)
	if err != nil {
		return nil, err
	}

	m := &Matcher{includes: includes, excludes: excludes, includeHidden: cfg.IncludeHidden, maxSize: -1}
	if s := strings.TrimSpace(cfg.MinSize); s != "" {
		if m.minSize, err = ParseSize(s); err != nil {
			return nil, fmt.Errorf("min size: %w", err)
		}
	}
	if s := strings.TrimSpace(cfg.MaxSize); s != "" {
		if m.maxSize, err = ParseSize(s); err != nil {
			return nil, fmt.Errorf("max size: %w", err)
		}
		if m.maxSize < m.minSize {
			return nil, fmt.Errorf("%w: max size below min size", ErrInvalidSize)
		}
	}
	return m, nil
}

func compile(raw []string) ([]string, error) {
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		normalized := NormalizePattern(r)
		if normalized == "" {
			continue
		}
		// "tmp/" selects the directory and everything below it.
		if strings.HasSuffix(normalized, "/") {
			normalized += "**"
		}
		if !doublestar.ValidatePattern(normalized) {
			return nil, &PatternError{Pattern: r, Err: ErrInvalidPattern}
		}
		out = append(out, normalized)
	}
	return out, nil
}

// Match returns true if the relative path matches the include/exclude
// patterns and is not hidden (unless IncludeHidden is set).
func (m *Matcher) Match(relPath string) bool {
	if !m.includeHidden && IsHidden(relPath) {
		return false
	}

	matched := false
	for _, inc := range m.includes {
		if matchPattern(inc, relPath) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}

	for _, exc := range m.excludes {
		if matchPattern(exc, relPath) {
			return false
		}
	}
	return true
}

// MatchFile applies the path patterns and the size bounds.
func (m *Matcher) MatchFile(relPath string, size int64) bool {
	if size < m.minSize {
		return false
	}
	if m.maxSize >= 0 && size > m.maxSize {
		return false
	}
	return m.Match(relPath)
}

// IncludePatterns returns the normalized include patterns.
func (m *Matcher) IncludePatterns() []string {
	return append([]string(nil), m.includes...)
}

// ExcludePatterns returns the normalized exclude patterns.
func (m *Matcher) ExcludePatterns() []string {
	return append([]string(nil), m.excludes...)
}

func matchPattern(pattern, key string) bool {
	matched, err := doublestar.Match(pattern, key)
	if err != nil {
		return false
	}
	return matched
}
