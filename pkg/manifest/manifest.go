// Package manifest loads migration manifests.
//
// A migration manifest is a YAML or JSON file describing one directory
// migration so it can be versioned and rerun:
//
//	version: "1.0"
//	name: nightly-exports
//	provider_id: 3
//	source: /var/exports
//	destination: archive/2026
//	match:
//	  includes:
//	    - "**/*.csv"
//	  excludes:
//	    - "tmp/**"
//	  size:
//	    min: 1KiB
//	migrate:
//	  concurrency: 8
//	  rate_limit: 20
//
// Unknown fields are rejected.
package manifest

import (
	"github.com/3leaps/gonube/pkg/cloud"
)

// CurrentVersion is the only manifest version understood.
const CurrentVersion = "1.0"

// Manifest is a validated migration manifest.
type Manifest struct {
	Version     string        `json:"version" yaml:"version"`
	Name        string        `json:"name,omitempty" yaml:"name,omitempty"`
	ProviderID  int64         `json:"provider_id" yaml:"provider_id"`
	Source      string        `json:"source" yaml:"source"`
	Destination string        `json:"destination,omitempty" yaml:"destination,omitempty"`
	Match       MatchConfig   `json:"match,omitempty" yaml:"match,omitempty"`
	Migrate     MigrateConfig `json:"migrate,omitempty" yaml:"migrate,omitempty"`
}

// MatchConfig selects the files to upload.
type MatchConfig struct {
	Includes      []string    `json:"includes,omitempty" yaml:"includes,omitempty"`
	Excludes      []string    `json:"excludes,omitempty" yaml:"excludes,omitempty"`
	IncludeHidden bool        `json:"include_hidden,omitempty" yaml:"include_hidden,omitempty"`
	Size          *SizeFilter `json:"size,omitempty" yaml:"size,omitempty"`
}

// SizeFilter bounds file sizes. Values accept "1024", "1KB" or "1KiB".
type SizeFilter struct {
	Min string `json:"min,omitempty" yaml:"min,omitempty"`
	Max string `json:"max,omitempty" yaml:"max,omitempty"`
}

// MigrateConfig tunes the run. Zero values fall back to the caller's
// defaults.
type MigrateConfig struct {
	Concurrency int     `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
	RateLimit   float64 `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
	DryRun      bool    `json:"dry_run,omitempty" yaml:"dry_run,omitempty"`
}

// ApplyDefaults fills optional fields.
func (m *Manifest) ApplyDefaults() {
	if m.Version == "" {
		m.Version = CurrentVersion
	}
	if m.Name == "" {
		m.Name = "migration"
	}
}

// Options converts the manifest into facade options.
func (m *Manifest) Options() cloud.MigrateOptions {
	opts := cloud.MigrateOptions{
		Concurrency:   m.Migrate.Concurrency,
		Includes:      m.Match.Includes,
		Excludes:      m.Match.Excludes,
		IncludeHidden: m.Match.IncludeHidden,
		RateLimit:     m.Migrate.RateLimit,
		DryRun:        m.Migrate.DryRun,
	}
	if m.Match.Size != nil {
		opts.MinSize = m.Match.Size.Min
		opts.MaxSize = m.Match.Size.Max
	}
	return opts
}
