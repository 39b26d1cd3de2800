// Package input defines the primary/driving ports of the application.
package input

import (
	"context"

	"github.com/jobrunner/tessera/internal/domain"
	"github.com/jobrunner/tessera/internal/filter"
)

// IndexService builds or extends the catalog from a directory tree.
type IndexService interface {
	// Run walks req.Root and commits all accepted granules atomically.
	Run(ctx context.Context, req domain.IndexRequest) (domain.RunReport, error)

	// Stop asks a running walk to roll back at the next file boundary.
	Stop()

	// State returns the state of the current or last run.
	State() domain.RunState
}

// HarvestService ingests single files or directories into an existing catalog.
type HarvestService interface {
	// Harvest ingests path, each file in its own transaction.
	Harvest(ctx context.Context, path, coverage string) ([]domain.HarvestOutcome, error)

	// RemoveLocation deletes the granules of a removed source file.
	RemoveLocation(ctx context.Context, path string) (int64, error)
}

// MosaicReader resolves read requests against the catalog.
type MosaicReader interface {
	// Read resolves the granules for a request. A nil result without error
	// means no granule intersects the request.
	Read(ctx context.Context, req domain.ReadRequest) (*domain.MosaicResult, error)

	// Coverages returns the coverage names of the mosaic.
	Coverages(ctx context.Context) ([]string, error)

	// Configuration returns the resolved configuration of a coverage.
	Configuration(ctx context.Context, coverage string) (domain.CoverageConfiguration, error)

	// Schema returns the granule schema of a coverage.
	Schema(ctx context.Context, coverage string) (domain.Schema, error)

	// Bounds returns the union of the footprints of a coverage.
	Bounds(ctx context.Context, coverage string) (domain.Envelope, error)

	// Granules pages through the granules of a coverage and returns the total count.
	Granules(ctx context.Context, coverage string, f filter.Expr, offset, limit int) ([]domain.GranuleRecord, int64, error)

	// DomainValues pages through the values of one dimension.
	DomainValues(ctx context.Context, coverage, dimension string, f filter.Expr, offset, limit int) ([]domain.DomainValue, error)
}

// HealthChecker defines the primary port for health checks.
type HealthChecker interface {
	// IsHealthy returns true if the service is healthy.
	IsHealthy(ctx context.Context) bool

	// IsReady returns true if the service is ready to accept requests.
	IsReady(ctx context.Context) bool

	// GetHealthDetails returns detailed health information.
	GetHealthDetails(ctx context.Context) HealthDetails
}

// HealthDetails contains detailed health information.
type HealthDetails struct {
	Healthy    bool              // Overall health status
	Ready      bool              // Ready to accept requests
	Coverages  int               // Number of coverages in the catalog
	Granules   int64             // Number of indexed granules
	Indexing   bool              // An indexing run is in progress
	Components map[string]string // Component statuses
}
