// Package registry resolves a provider type to its storage adapter.
//
// The table of loaders is fixed when the Registry is built. Each adapter is
// constructed on the first Resolve for its type and cached for the life of
// the Registry, so backends that are never used never initialise their SDK.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/3leaps/gonube/pkg/provider"
	"github.com/3leaps/gonube/pkg/provider/azure"
	"github.com/3leaps/gonube/pkg/provider/gcs"
	"github.com/3leaps/gonube/pkg/provider/s3"
	"github.com/3leaps/gonube/pkg/provider/sftp"
)

// Loader constructs the adapter for one provider type.
type Loader func(logger *zap.Logger) (provider.Adapter, error)

// Registry maps provider types to lazily loaded adapters.
//
// The entry table is read-only after New; each entry guards its own load,
// so a slow first load never blocks resolution of other types.
type Registry struct {
	logger  *zap.Logger
	entries map[provider.Type]*entry
}

type entry struct {
	once    sync.Once
	load    Loader
	adapter provider.Adapter
	err     error
	loaded  atomic.Bool
}

// New builds a registry from an explicit loader table. Keys that are not
// supported provider types are rejected.
func New(logger *zap.Logger, loaders map[provider.Type]Loader) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	entries := make(map[provider.Type]*entry, len(loaders))
	for t, l := range loaders {
		if !t.Valid() {
			return nil, fmt.Errorf("%w: %q", provider.ErrUnsupportedProviderType, t)
		}
		if l == nil {
			return nil, fmt.Errorf("registry: nil loader for %s", t)
		}
		entries[t] = &entry{load: l}
	}
	return &Registry{logger: logger, entries: entries}, nil
}

// Default returns a registry wired to the built-in adapters for every
// supported type. minio shares the s3 adapter implementation.
func Default(logger *zap.Logger) *Registry {
	r, err := New(logger, DefaultLoaders())
	if err != nil {
		// DefaultLoaders only uses supported types.
		panic(err)
	}
	return r
}

// DefaultLoaders returns the built-in loader table.
func DefaultLoaders() map[provider.Type]Loader {
	return map[provider.Type]Loader{
		provider.TypeS3: func(l *zap.Logger) (provider.Adapter, error) {
			return s3.NewAdapter(provider.TypeS3, l)
		},
		provider.TypeMinIO: func(l *zap.Logger) (provider.Adapter, error) {
			return s3.NewAdapter(provider.TypeMinIO, l)
		},
		provider.TypeAzure: func(l *zap.Logger) (provider.Adapter, error) {
			return azure.NewAdapter(l), nil
		},
		provider.TypeGCP: func(l *zap.Logger) (provider.Adapter, error) {
			return gcs.NewAdapter(l), nil
		},
		provider.TypeSFTP: func(l *zap.Logger) (provider.Adapter, error) {
			return sftp.NewAdapter(l), nil
		},
	}
}

// Resolve returns the adapter for t, loading it on first use.
//
// Concurrent first calls for the same type run the loader exactly once.
// Unknown types and failed loads are reported as
// provider.ErrUnsupportedProviderType; a failed load is not retried.
func (r *Registry) Resolve(t provider.Type) (provider.Adapter, error) {
	e, ok := r.entries[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", provider.ErrUnsupportedProviderType, t)
	}

	e.once.Do(func() {
		a, err := e.load(r.logger.With(zap.String("provider_type", t.String())))
		switch {
		case err != nil:
			e.err = err
		case a == nil:
			e.err = fmt.Errorf("loader returned no adapter")
		case a.Type() != t:
			e.err = fmt.Errorf("loader returned %s adapter", a.Type())
		default:
			e.adapter = a
		}
		if e.err != nil {
			r.logger.Error("adapter load failed", zap.String("provider_type", t.String()), zap.Error(e.err))
			return
		}
		e.loaded.Store(true)
		r.logger.Debug("adapter loaded", zap.String("provider_type", t.String()))
	})

	if e.err != nil {
		return nil, fmt.Errorf("%w: %s: %v", provider.ErrUnsupportedProviderType, t, e.err)
	}
	return e.adapter, nil
}

// Types returns the registered provider types in sorted order.
func (r *Registry) Types() []provider.Type {
	out := make([]provider.Type, 0, len(r.entries))
	for t := range r.entries {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Loaded returns the types whose adapter has been loaded successfully.
func (r *Registry) Loaded() []provider.Type {
	var out []provider.Type
	for _, t := range r.Types() {
		if r.entries[t].loaded.Load() {
			out = append(out, t)
		}
	}
	return out
}
