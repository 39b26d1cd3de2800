package application

import (
	"context"
	"sync/atomic"

	"github.com/jobrunner/tessera/internal/ports/input"
	"github.com/jobrunner/tessera/internal/ports/output"
)

// HealthService provides health check functionality.
type HealthService struct {
	registry *CoverageRegistry
	catalog  output.GranuleCatalog
	indexer  *Indexer
	ready    atomic.Bool
}

var _ input.HealthChecker = (*HealthService)(nil)

// NewHealthService creates a new health service. indexer may be nil.
func NewHealthService(registry *CoverageRegistry, catalog output.GranuleCatalog, indexer *Indexer) *HealthService {
	return &HealthService{
		registry: registry,
		catalog:  catalog,
		indexer:  indexer,
	}
}

// MarkReady is called once the coverage configurations are loaded.
func (s *HealthService) MarkReady() {
	s.ready.Store(true)
}

// IsHealthy returns true while the catalog answers queries.
func (s *HealthService) IsHealthy(ctx context.Context) bool {
	_, err := s.catalog.TypeNames(ctx)
	return err == nil
}

// IsReady returns true if the service is ready to accept requests.
func (s *HealthService) IsReady(ctx context.Context) bool {
	return s.ready.Load() && s.IsHealthy(ctx)
}

// GetHealthDetails returns detailed health information.
func (s *HealthService) GetHealthDetails(ctx context.Context) input.HealthDetails {
	components := map[string]string{
		"catalog": "ok",
		"indexer": "idle",
	}

	names, err := s.catalog.TypeNames(ctx)
	if err != nil {
		components["catalog"] = err.Error()
	}

	var granules int64
	for _, name := range names {
		n, err := s.catalog.Count(ctx, output.Query{Coverage: name})
		if err != nil {
			components["catalog"] = err.Error()
			break
		}
		granules += n
	}

	indexing := s.indexer != nil && s.indexer.Running()
	if indexing {
		components["indexer"] = string(s.indexer.State())
	}

	return input.HealthDetails{
		Healthy:    err == nil,
		Ready:      s.ready.Load() && err == nil,
		Coverages:  s.registry.Count(),
		Granules:   granules,
		Indexing:   indexing,
		Components: components,
	}
}
