package application

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/jobrunner/tessera/internal/domain"
	"github.com/jobrunner/tessera/internal/filter"
)

// elevations indexes granules with elevations 10..50 and a custom band attribute.
func elevations(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t)
	writeGranule(t, f.root, "a", tile(0, 0, 10, 10,
		`{elevation: 30, custom: {band: red}}`,
		`{elevation: 10, custom: {band: red}}`,
	))
	writeGranule(t, f.root, "b", tile(10, 0, 20, 10,
		`{elevation: 50, custom: {band: nir}}`,
		`{elevation: 20, custom: {band: nir}}`,
		`{elevation: 40, custom: {band: red}}`,
		`{elevation: 10, custom: {band: nir}}`,
	))
	f.run(t, f.indexer(t, nil))
	return f
}

func starts(values []domain.DomainValue) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v.Start
	}
	return out
}

func TestDimensionDomainPagination(t *testing.T) {
	f := elevations(t)
	d := NewDimensionDomain(f.catalog, "rain", mustDimension(t, f, "rain", "elevation"))
	ctx := context.Background()

	tests := []struct {
		name          string
		offset, limit int
		want          []any
	}{
		{"all", 0, -1, []any{10.0, 20.0, 30.0, 40.0, 50.0}},
		{"first page", 0, 2, []any{10.0, 20.0}},
		{"second page", 2, 2, []any{30.0, 40.0}},
		{"last page", 4, 2, []any{50.0}},
		{"past the end", 5, 2, []any{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			values, err := d.GetDomain(ctx, nil, tt.offset, tt.limit)
			if err != nil {
				t.Fatalf("GetDomain() error = %v", err)
			}
			if got := starts(values); !slices.Equal(got, tt.want) {
				t.Errorf("GetDomain(%d, %d) = %v, want %v", tt.offset, tt.limit, got, tt.want)
			}
		})
	}

	// Pages concatenate to the unpaged domain.
	var paged []any
	for off := 0; ; off += 2 {
		page, err := d.GetDomain(ctx, nil, off, 2)
		if err != nil {
			t.Fatal(err)
		}
		if len(page) == 0 {
			break
		}
		paged = append(paged, starts(page)...)
	}
	if !slices.Equal(paged, tests[0].want) {
		t.Errorf("paged domain = %v", paged)
	}
}

func TestDimensionDomainFilterIsolation(t *testing.T) {
	f := elevations(t)
	d := NewDimensionDomain(f.catalog, "rain", mustDimension(t, f, "rain", "elevation"))
	ctx := context.Background()

	values, err := d.GetDomain(ctx, filter.Range("elevation", 15.0, 45.0), 0, -1)
	if err != nil {
		t.Fatalf("GetDomain() error = %v", err)
	}
	if got := starts(values); !slices.Equal(got, []any{20.0, 30.0, 40.0}) {
		t.Errorf("filtered domain = %v", got)
	}

	tests := []struct {
		name string
		f    filter.Expr
	}{
		{"other attribute", filter.Eq("band", "red")},
		{"mixed", filter.All(filter.Ge("elevation", 10.0), filter.Eq("band", "red"))},
		{"footprint", filter.BBox(domain.NewEnvelope(0, 0, 5, 5, domain.CRSWGS84).Bound)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.GetDomain(ctx, tt.f, 0, -1)
			var ferr *domain.FilterError
			if !errors.As(err, &ferr) || !errors.Is(err, domain.ErrInvalidFilterAttribute) {
				t.Errorf("GetDomain() error = %v, want FilterError", err)
			}
		})
	}

	if _, err := d.GetDomain(ctx, nil, -1, 2); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("negative offset error = %v", err)
	}
}

func TestDimensionDomainAggregates(t *testing.T) {
	f := elevations(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		dim      string
		min, max any
		size     int64
	}{
		{"elevation", "elevation", 10.0, 50.0, 5},
		{"custom", "band", "nir", "red", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDimensionDomain(f.catalog, "rain", mustDimension(t, f, "rain", tt.dim))
			lo, err := d.Minimum(ctx)
			if err != nil || lo != tt.min {
				t.Errorf("Minimum() = %v, %v, want %v", lo, err, tt.min)
			}
			hi, err := d.Maximum(ctx)
			if err != nil || hi != tt.max {
				t.Errorf("Maximum() = %v, %v, want %v", hi, err, tt.max)
			}
			n, err := d.Size(ctx)
			if err != nil || n != tt.size {
				t.Errorf("Size() = %d, %v, want %d", n, err, tt.size)
			}
		})
	}
}

func TestDimensionDomainRange(t *testing.T) {
	f := newFixture(t)
	writeGranule(t, f.root, "a", tile(0, 0, 10, 10,
		`{elevation: 0, elevation_end: 10}`,
		`{elevation: 10, elevation_end: 20}`,
	))
	writeGranule(t, f.root, "b", tile(10, 0, 20, 10,
		`{elevation: 0, elevation_end: 10}`,
	))
	f.run(t, f.indexer(t, nil))

	d := NewDimensionDomain(f.catalog, "rain", mustDimension(t, f, "rain", "elevation"))
	if !d.Descriptor().IsRange() {
		t.Fatalf("elevation is not a range dimension: %+v", d.Descriptor())
	}
	ctx := context.Background()

	values, err := d.GetDomain(ctx, nil, 0, -1)
	if err != nil {
		t.Fatal(err)
	}
	want := []domain.DomainValue{{Start: 0.0, End: 10.0}, {Start: 10.0, End: 20.0}}
	if !slices.Equal(values, want) {
		t.Errorf("GetDomain() = %v, want %v", values, want)
	}

	// The end attribute belongs to the dimension.
	if _, err := d.GetDomain(ctx, filter.Ge("elevation_end", 15.0), 0, -1); err != nil {
		t.Errorf("filter on end attribute error = %v", err)
	}

	if hi, err := d.Maximum(ctx); err != nil || hi != 20.0 {
		t.Errorf("Maximum() = %v, %v", hi, err)
	}
	if n, err := d.Size(ctx); err != nil || n != 2 {
		t.Errorf("Size() = %d, %v", n, err)
	}
}
