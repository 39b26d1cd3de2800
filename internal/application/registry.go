// Package application contains the application services.
package application

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/jobrunner/tessera/internal/domain"
	"github.com/jobrunner/tessera/internal/ports/output"
)

// CoverageRegistry holds the committed configuration of every coverage.
// Only indexing and harvesting replace entries, after their catalog
// transaction has committed.
type CoverageRegistry struct {
	mu        sync.RWMutex
	coverages map[string]domain.CoverageConfiguration
	store     output.ConfigurationStore
	catalog   output.GranuleCatalog
	metrics   output.MetricsCollector
	logger    *slog.Logger
}

// NewCoverageRegistry creates an empty registry.
func NewCoverageRegistry(
	store output.ConfigurationStore,
	catalog output.GranuleCatalog,
	metrics output.MetricsCollector,
	logger *slog.Logger,
) *CoverageRegistry {
	return &CoverageRegistry{
		coverages: make(map[string]domain.CoverageConfiguration),
		store:     store,
		catalog:   catalog,
		metrics:   metrics,
		logger:    logger,
	}
}

// LoadAll reads the persisted configurations of the coverages found in the
// root summary, the properties files or the catalog.
func (r *CoverageRegistry) LoadAll(ctx context.Context) error {
	r.logger.Info("loading coverage configurations")

	names, err := r.store.List()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		if names, err = r.catalog.TypeNames(ctx); err != nil {
			return err
		}
	}

	loaded := make(map[string]domain.CoverageConfiguration, len(names))
	for _, name := range names {
		cfg, err := r.store.Load(name)
		if err != nil {
			if errors.Is(err, domain.ErrUnknownCoverage) {
				r.logger.Warn("coverage has no persisted configuration", "coverage", name)
				continue
			}
			return err
		}
		loaded[name] = cfg
	}

	r.mu.Lock()
	r.coverages = loaded
	r.mu.Unlock()

	for name := range loaded {
		r.refreshSize(ctx, name)
	}
	r.logger.Info("coverage configurations loaded", "coverages", len(loaded))
	return nil
}

// Get returns the configuration of a coverage.
func (r *CoverageRegistry) Get(name string) (domain.CoverageConfiguration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.coverages[name]
	return cfg, ok
}

// Names returns the sorted coverage names.
func (r *CoverageRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.coverages))
	for name := range r.coverages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of coverages.
func (r *CoverageRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.coverages)
}

// Put replaces configurations after a commit.
func (r *CoverageRegistry) Put(ctx context.Context, cfgs ...domain.CoverageConfiguration) {
	r.mu.Lock()
	for _, cfg := range cfgs {
		r.coverages[cfg.Name] = cfg
	}
	r.mu.Unlock()

	for _, cfg := range cfgs {
		r.refreshSize(ctx, cfg.Name)
	}
}

// Remove forgets a coverage and deletes its persisted configuration.
func (r *CoverageRegistry) Remove(name string) error {
	r.mu.Lock()
	delete(r.coverages, name)
	r.mu.Unlock()

	r.metrics.SetCatalogSize(name, 0)
	return r.store.Remove(name)
}

// refreshSize updates the catalog size gauge of a coverage.
func (r *CoverageRegistry) refreshSize(ctx context.Context, name string) {
	n, err := r.catalog.Count(ctx, output.Query{Coverage: name})
	if err != nil {
		r.logger.Debug("failed to count granules", "coverage", name, "error", err)
		return
	}
	r.metrics.SetCatalogSize(name, n)
}
