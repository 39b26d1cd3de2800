package output

import (
	"context"

	"github.com/jobrunner/tessera/internal/domain"
	"github.com/jobrunner/tessera/internal/filter"
)

// Unlimited disables paging limits.
const Unlimited = -1

// SortField orders query results by an attribute.
type SortField struct {
	Attribute  string
	Descending bool
}

// Query selects granules of one coverage.
type Query struct {
	Coverage string
	Filter   filter.Expr // nil selects all granules
	Offset   int
	Limit    int // negative means unbounded
	SortBy   []SortField
}

// AggregateFunc is an aggregate computed by the catalog.
type AggregateFunc string

// Aggregates.
const (
	AggMin           AggregateFunc = "min"
	AggMax           AggregateFunc = "max"
	AggCountDistinct AggregateFunc = "count_distinct"
)

// GranuleCatalog is the transactional granule store. Readers only see
// committed rows.
type GranuleCatalog interface {
	// GetType returns the schema of a coverage.
	GetType(ctx context.Context, coverage string) (domain.Schema, error)

	// TypeNames returns the sorted coverage names.
	TypeNames(ctx context.Context) ([]string, error)

	// CreateType registers a coverage in its own transaction.
	CreateType(ctx context.Context, schema domain.Schema) error

	// Begin starts the single write transaction of the catalog. It blocks
	// while another write transaction is open.
	Begin(ctx context.Context) (CatalogTx, error)

	// GetGranules returns the granules matching q.
	GetGranules(ctx context.Context, q Query) ([]domain.GranuleRecord, error)

	// Count returns the number of granules matching q, ignoring paging.
	Count(ctx context.Context, q Query) (int64, error)

	// Distinct returns the distinct tuples of attrs among the granules
	// matching f, in ascending order.
	Distinct(ctx context.Context, coverage string, attrs []string, f filter.Expr, offset, limit int) ([][]any, error)

	// Aggregate computes fn over attr. Min and Max of an empty coverage are nil.
	Aggregate(ctx context.Context, coverage, attr string, fn AggregateFunc) (any, error)

	// ComputeBounds returns the union of the footprints of a coverage.
	ComputeBounds(ctx context.Context, coverage string) (domain.Envelope, error)

	// Revision returns a counter bumped by every commit touching the coverage.
	Revision(ctx context.Context, coverage string) (int64, error)

	// RemoveCoverage drops a coverage with all its granules.
	RemoveCoverage(ctx context.Context, coverage string) error

	// Dispose releases the catalog. Later calls fail with ErrCatalogDisposed.
	Dispose() error
}

// CatalogTx is an open write transaction. Nothing is visible to readers
// before Commit.
type CatalogTx interface {
	// CreateType registers a coverage within the transaction.
	CreateType(ctx context.Context, schema domain.Schema) error

	// GetType sees coverages created by this transaction.
	GetType(ctx context.Context, coverage string) (domain.Schema, error)

	// AddGranules inserts records in batches and returns how many were written.
	AddGranules(ctx context.Context, coverage string, records []domain.GranuleRecord) (int, error)

	// RemoveGranules deletes the granules matching f.
	RemoveGranules(ctx context.Context, coverage string, f filter.Expr) (int64, error)

	// RemoveCoverage drops a coverage within the transaction.
	RemoveCoverage(ctx context.Context, coverage string) error

	// Commit makes all changes visible.
	Commit() error

	// OnCommit registers fn to run after a successful Commit and before the
	// next transaction can begin. Rolled back transactions never run it.
	OnCommit(fn func())

	// Rollback discards all changes. It is safe to call after Commit.
	Rollback() error
}
