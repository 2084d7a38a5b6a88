package match

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		cfg         Config
		wantErr     error
		wantErrType interface{}
	}{
		{
			name: "no patterns includes everything",
			cfg:  Config{},
		},
		{
			name: "valid with excludes",
			cfg:  Config{Includes: []string{"data/**"}, Excludes: []string{"**/_temporary/**"}},
		},
		{
			name:        "invalid include pattern",
			cfg:         Config{Includes: []string{"[invalid"}},
			wantErrType: &PatternError{},
		},
		{
			name:        "invalid exclude pattern",
			cfg:         Config{Excludes: []string{"[invalid"}},
			wantErrType: &PatternError{},
		},
		{
			name:    "invalid min size",
			cfg:     Config{MinSize: "lots"},
			wantErr: ErrInvalidSize,
		},
		{
			name:    "max below min",
			cfg:     Config{MinSize: "1MB", MaxSize: "1KB"},
			wantErr: ErrInvalidSize,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := New(tt.cfg)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr))
				assert.Nil(t, m)
			} else if tt.wantErrType != nil {
				require.Error(t, err)
				assert.IsType(t, tt.wantErrType, err)
				assert.Nil(t, m)
			} else {
				require.NoError(t, err)
				assert.NotNil(t, m)
			}
		})
	}
}

func TestMatcher_Match(t *testing.T) {
	// Paths as collected from a migration source tree.
	tree := []string{
		"exports/2026/q1.csv",
		"exports/2026/q1.csv.tmp",
		"exports/_temporary/part-0",
		"logs/app.log",
		"README.md",
		".env",
		"exports/.cache/index",
	}

	tests := []struct {
		name     string
		cfg      Config
		expected []string
	}{
		{
			name:     "defaults skip hidden entries",
			cfg:      Config{},
			expected: []string{"exports/2026/q1.csv", "exports/2026/q1.csv.tmp", "exports/_temporary/part-0", "logs/app.log", "README.md"},
		},
		{
			name:     "include hidden",
			cfg:      Config{Includes: []string{"exports/**"}, IncludeHidden: true},
			expected: []string{"exports/2026/q1.csv", "exports/2026/q1.csv.tmp", "exports/_temporary/part-0", "exports/.cache/index"},
		},
		{
			name:     "csv only",
			cfg:      Config{Includes: []string{"**/*.csv"}},
			expected: []string{"exports/2026/q1.csv"},
		},
		{
			name:     "directory excludes with trailing slash",
			cfg:      Config{Excludes: []string{"exports/_temporary/", "logs/"}},
			expected: []string{"exports/2026/q1.csv", "exports/2026/q1.csv.tmp", "README.md"},
		},
		{
			name:     "exclude wins over include",
			cfg:      Config{Includes: []string{"exports/**"}, Excludes: []string{"**/*.tmp", "**/_temporary/**"}},
			expected: []string{"exports/2026/q1.csv"},
		},
		{
			name:     "multiple includes",
			cfg:      Config{Includes: []string{"*.md", "logs/*.log"}},
			expected: []string{"logs/app.log", "README.md"},
		},
		{
			name:     "dot-slash and windows separators",
			cfg:      Config{Includes: []string{"./exports\\2026\\q1.csv"}},
			expected: []string{"exports/2026/q1.csv"},
		},
		{
			name:     "blank patterns ignored",
			cfg:      Config{Includes: []string{" ", ""}},
			expected: []string{"exports/2026/q1.csv", "exports/2026/q1.csv.tmp", "exports/_temporary/part-0", "logs/app.log", "README.md"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := New(tt.cfg)
			require.NoError(t, err)
			var got []string
			for _, p := range tree {
				if m.Match(p) {
					got = append(got, p)
				}
			}
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestMatcher_MatchFile(t *testing.T) {
	m, err := New(Config{Includes: []string{"**/*.csv"}, MinSize: "10", MaxSize: "1KiB"})
	require.NoError(t, err)

	assert.True(t, m.MatchFile("a.csv", 10))
	assert.True(t, m.MatchFile("a.csv", 1024))
	assert.False(t, m.MatchFile("a.csv", 9))
	assert.False(t, m.MatchFile("a.csv", 1025))
	assert.False(t, m.MatchFile("a.txt", 100))

	unbounded, err := New(Config{})
	require.NoError(t, err)
	assert.True(t, unbounded.MatchFile("big.iso", 5*GiB))
	assert.True(t, unbounded.MatchFile("empty", 0))
}

func TestMatcher_Patterns(t *testing.T) {
	m, err := New(Config{Includes: []string{"data\\2026/**"}, Excludes: []string{"**/*.tmp", "/scratch/"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"data/2026/**"}, m.IncludePatterns())
	assert.Equal(t, []string{"**/*.tmp", "scratch/**"}, m.ExcludePatterns())

	m, err = New(Config{})
	require.NoError(t, err)
	assert.Equal(t, []string{"**"}, m.IncludePatterns())
	assert.Empty(t, m.ExcludePatterns())
}

func TestPatternError(t *testing.T) {
	err := &PatternError{Pattern: "[bad", Err: ErrInvalidPattern}
	assert.Equal(t, "pattern [bad: invalid glob pattern", err.Error())
	assert.True(t, errors.Is(err, ErrInvalidPattern))
}
