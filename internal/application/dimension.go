package application

import (
	"context"

	"github.com/jobrunner/tessera/internal/domain"
	"github.com/jobrunner/tessera/internal/filter"
	"github.com/jobrunner/tessera/internal/ports/output"
)

// DimensionDomain answers domain queries for one dimension of a coverage.
// Filters may only reference the dimension's own attributes.
type DimensionDomain struct {
	descriptor domain.DimensionDescriptor
	coverage   string
	catalog    output.GranuleCatalog
}

// NewDimensionDomain binds a descriptor to a coverage of the catalog.
func NewDimensionDomain(catalog output.GranuleCatalog, coverage string, d domain.DimensionDescriptor) *DimensionDomain {
	return &DimensionDomain{descriptor: d, coverage: coverage, catalog: catalog}
}

// Descriptor returns the dimension descriptor.
func (d *DimensionDomain) Descriptor() domain.DimensionDescriptor {
	return d.descriptor
}

// GetDomain returns the distinct values (point) or start/end pairs (range)
// matching f in ascending order. offset must not be negative; a negative
// limit means unbounded.
func (d *DimensionDomain) GetDomain(ctx context.Context, f filter.Expr, offset, limit int) ([]domain.DomainValue, error) {
	if offset < 0 {
		return nil, &domain.ValidationError{Field: "offset", Value: offset, Constraint: ">=0", Message: "offset must not be negative"}
	}
	if err := filter.Restrict(f, d.descriptor.Name(), d.descriptor.Attributes()...); err != nil {
		return nil, err
	}
	if limit < 0 {
		limit = output.Unlimited
	}

	rows, err := d.catalog.Distinct(ctx, d.coverage, d.descriptor.Attributes(), f, offset, limit)
	if err != nil {
		return nil, err
	}

	values := make([]domain.DomainValue, len(rows))
	for i, row := range rows {
		values[i].Start = row[0]
		if d.descriptor.IsRange() && len(row) > 1 {
			values[i].End = row[1]
		}
	}
	return values, nil
}

// Minimum returns the smallest value of the dimension, nil when empty.
func (d *DimensionDomain) Minimum(ctx context.Context) (any, error) {
	return d.catalog.Aggregate(ctx, d.coverage, d.descriptor.StartAttribute(), output.AggMin)
}

// Maximum returns the largest value of the dimension, the largest end for
// range dimensions. It is nil when the domain is empty.
func (d *DimensionDomain) Maximum(ctx context.Context) (any, error) {
	attr := d.descriptor.StartAttribute()
	if d.descriptor.IsRange() {
		attr = d.descriptor.EndAttribute()
	}
	return d.catalog.Aggregate(ctx, d.coverage, attr, output.AggMax)
}

// Size returns the number of distinct domain elements.
func (d *DimensionDomain) Size(ctx context.Context) (int64, error) {
	if !d.descriptor.IsRange() {
		v, err := d.catalog.Aggregate(ctx, d.coverage, d.descriptor.StartAttribute(), output.AggCountDistinct)
		if err != nil {
			return 0, err
		}
		return toInt64(v), nil
	}

	rows, err := d.catalog.Distinct(ctx, d.coverage, d.descriptor.Attributes(), nil, 0, output.Unlimited)
	if err != nil {
		return 0, err
	}
	return int64(len(rows)), nil
}

func toInt64(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case int:
		return int64(x)
	case float64:
		return int64(x)
	}
	return 0
}
