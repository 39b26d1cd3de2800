package application

import (
	"context"
	"errors"
	"image/color"
	"slices"
	"testing"
	"time"

	"github.com/jobrunner/tessera/internal/domain"
	"github.com/jobrunner/tessera/internal/filter"
	"github.com/jobrunner/tessera/internal/ports/output"
)

func filledTile(minX, minY, maxX, maxY float64, fill string) granuleSpec {
	g := tile(minX, minY, maxX, maxY)
	g.fill = fill
	return g
}

// quadrants indexes four 10x10 tiles covering [0,0,20,20].
func quadrants(t *testing.T, f *fixture) {
	t.Helper()
	writeGranule(t, f.root, "a", filledTile(0, 10, 10, 20, "#ff0000"))
	writeGranule(t, f.root, "b", filledTile(10, 10, 20, 20, "#00ff00"))
	writeGranule(t, f.root, "c", filledTile(0, 0, 10, 10, "#0000ff"))
	writeGranule(t, f.root, "d", filledTile(10, 0, 20, 10, "#ffffff"))
	f.run(t, f.indexer(t, nil))
}

func TestMosaicReadOrdersGranulesByLocation(t *testing.T) {
	f := newFixture(t)
	quadrants(t, f)
	r := f.reader(nil, ReadSettings{})
	ctx := context.Background()

	req := domain.ReadRequest{Coverage: "rain", Width: 20, Height: 20}
	first, err := r.Read(ctx, req)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	want := []string{"a.granule.yaml", "b.granule.yaml", "c.granule.yaml", "d.granule.yaml"}
	if got := first.Locations(); !slices.Equal(got, want) {
		t.Errorf("locations = %v, want %v", got, want)
	}
	if first.Envelope.Width() != 20 || first.Envelope.Height() != 20 {
		t.Errorf("envelope = %s, want the coverage bounds", first.Envelope)
	}

	second, err := r.Read(ctx, req)
	if err != nil {
		t.Fatalf("second Read() error = %v", err)
	}
	if !slices.Equal(first.Locations(), second.Locations()) || first.Revision != second.Revision {
		t.Errorf("repeated read differs: %v/%d vs %v/%d", first.Locations(), first.Revision, second.Locations(), second.Revision)
	}

	for _, g := range first.Granules {
		if g.Level != 0 || g.Resolution != (domain.Level{1, 1}) {
			t.Errorf("%s: level %d resolution %v", g.Record.Location, g.Level, g.Resolution)
		}
		if g.Region.Width() != 10 || g.Region.Height() != 10 {
			t.Errorf("%s: region = %s", g.Record.Location, g.Region)
		}
	}
}

func TestMosaicReadSubset(t *testing.T) {
	f := newFixture(t)
	quadrants(t, f)
	r := f.reader(nil, ReadSettings{})

	res, err := r.Read(context.Background(), domain.ReadRequest{
		Coverage: "rain",
		Envelope: domain.NewEnvelope(1, 11, 9, 19, domain.CRSWGS84),
	})
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got := res.Locations(); !slices.Equal(got, []string{"a.granule.yaml"}) {
		t.Errorf("locations = %v", got)
	}
	if res.Granules[0].Region.Bound != domain.NewEnvelope(1, 11, 9, 19, domain.CRSWGS84).Bound {
		t.Errorf("region = %s", res.Granules[0].Region)
	}
}

func TestMosaicReadEmptyResult(t *testing.T) {
	f := newFixture(t)
	quadrants(t, f)
	r := f.reader(nil, ReadSettings{})

	res, err := r.Read(context.Background(), domain.ReadRequest{
		Coverage: "rain",
		Envelope: domain.NewEnvelope(100, 50, 110, 60, domain.CRSWGS84),
	})
	if err != nil || res != nil {
		t.Errorf("Read() = %v, %v, want nil, nil", res, err)
	}
	if f.metrics.reads["empty"] != 1 {
		t.Errorf("read metrics = %v", f.metrics.reads)
	}
}

func TestMosaicReadCRSMismatch(t *testing.T) {
	f := newFixture(t)
	quadrants(t, f)
	r := f.reader(nil, ReadSettings{})

	_, err := r.Read(context.Background(), domain.ReadRequest{
		Coverage: "rain",
		Envelope: domain.NewEnvelope(0, 0, 1000, 1000, domain.CRSWebMercator),
	})
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("Read() error = %v, want ValidationError", err)
	}
}

func TestMosaicReadTooManyGranules(t *testing.T) {
	f := newFixture(t)
	quadrants(t, f)
	r := f.reader(nil, ReadSettings{MaxGranules: 3})

	res, err := r.Read(context.Background(), domain.ReadRequest{Coverage: "rain", Width: 20, Height: 20, Assemble: true})
	if !errors.Is(err, domain.ErrTooManyGranules) {
		t.Fatalf("Read() error = %v, want ErrTooManyGranules", err)
	}
	if res != nil {
		t.Errorf("Read() returned %v alongside the error", res)
	}
	var tm *domain.TooManyGranulesError
	if !errors.As(err, &tm) || tm.Count != 4 || tm.Max != 3 {
		t.Errorf("error = %#v", err)
	}
	if f.metrics.reads["too_many"] != 1 {
		t.Errorf("read metrics = %v", f.metrics.reads)
	}

	// A smaller area stays within the limit.
	res, err = r.Read(context.Background(), domain.ReadRequest{
		Coverage: "rain",
		Envelope: domain.NewEnvelope(1, 1, 9, 19, domain.CRSWGS84),
	})
	if err != nil || len(res.Granules) != 2 {
		t.Errorf("Read() = %v, %v", res, err)
	}
}

// concurrentHarvest returns a reader whose first granule fetch is preceded
// by the harvest of tile e.
func concurrentHarvest(t *testing.T, f *fixture, cache output.QueryCache, read ReadSettings) *MosaicReader {
	t.Helper()
	path := writeGranule(t, f.root, "e", filledTile(5, 5, 15, 15, "#000000"))
	h := f.harvester(t)
	cat := &committingCatalog{GranuleCatalog: f.catalog, commit: func() {
		if _, err := h.Harvest(context.Background(), path, domain.Unspecified); err != nil {
			t.Errorf("Harvest() error = %v", err)
		}
	}}
	return NewMosaicReader(cat, f.formats, f.registry, cache, f.metrics, f.settings, read, testLogger())
}

func TestMosaicReadLimitHoldsDuringHarvest(t *testing.T) {
	f := newFixture(t)
	quadrants(t, f)
	r := concurrentHarvest(t, f, nil, ReadSettings{MaxGranules: 4})

	res, err := r.Read(context.Background(), domain.ReadRequest{Coverage: "rain"})
	if !errors.Is(err, domain.ErrTooManyGranules) {
		t.Fatalf("Read() = %v, %v, want ErrTooManyGranules", res.Locations(), err)
	}
	var tm *domain.TooManyGranulesError
	if !errors.As(err, &tm) || tm.Count != 5 || tm.Max != 4 {
		t.Errorf("error = %#v", err)
	}
}

func TestMosaicReadSkipsCacheWhenRevisionMoves(t *testing.T) {
	f := newFixture(t)
	f.settings.Caching = true
	quadrants(t, f)
	cache := newMapCache()
	r := concurrentHarvest(t, f, cache, ReadSettings{CacheTTL: time.Minute})
	req := domain.ReadRequest{Coverage: "rain"}

	first, err := r.Read(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Granules) != 5 || cache.sets != 0 {
		t.Fatalf("first read granules = %d, cache sets = %d", len(first.Granules), cache.sets)
	}

	second, err := r.Read(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if second.Cached || len(second.Granules) != 5 || cache.sets != 1 {
		t.Errorf("second read cached = %v, granules = %d, sets = %d", second.Cached, len(second.Granules), cache.sets)
	}
}

func TestMosaicReadAssemblesImage(t *testing.T) {
	f := newFixture(t)
	quadrants(t, f)
	r := f.reader(nil, ReadSettings{})

	res, err := r.Read(context.Background(), domain.ReadRequest{Coverage: "rain", Width: 20, Height: 20, Assemble: true})
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if res.Image == nil {
		t.Fatal("no image assembled")
	}
	if b := res.Image.Bounds(); b.Dx() != 20 || b.Dy() != 20 {
		t.Fatalf("image bounds = %v", b)
	}

	tests := []struct {
		name string
		x, y int
		want color.RGBA
	}{
		{"north west", 5, 5, color.RGBA{R: 0xff, A: 0xff}},
		{"north east", 15, 5, color.RGBA{G: 0xff, A: 0xff}},
		{"south west", 5, 15, color.RGBA{B: 0xff, A: 0xff}},
		{"south east", 15, 15, color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := color.RGBAModel.Convert(res.Image.At(tt.x, tt.y)).(color.RGBA)
			if got != tt.want {
				t.Errorf("pixel (%d,%d) = %v, want %v", tt.x, tt.y, got, tt.want)
			}
		})
	}
}

func TestMosaicReadWithoutAssembly(t *testing.T) {
	f := newFixture(t)
	quadrants(t, f)

	res, err := f.reader(nil, ReadSettings{}).Read(context.Background(), domain.ReadRequest{Coverage: "rain", Width: 20, Height: 20})
	if err != nil {
		t.Fatal(err)
	}
	if res.Image != nil {
		t.Error("image assembled although not requested")
	}
}

func TestMosaicReadDimensions(t *testing.T) {
	f := newFixture(t)
	writeGranule(t, f.root, "a", tile(0, 0, 10, 10, `{elevation: 10}`, `{elevation: 20}`))
	writeGranule(t, f.root, "b", tile(10, 0, 20, 10, `{elevation: 20}`, `{elevation: 30}`))
	f.run(t, f.indexer(t, nil))
	r := f.reader(nil, ReadSettings{})

	tests := []struct {
		name   string
		dims   map[string]domain.DimensionConstraint
		filter string
		want   int
	}{
		{"unconstrained", nil, "", 4},
		{"point", map[string]domain.DimensionConstraint{"elevation": domain.PointConstraint(20.0)}, "", 2},
		{"range", map[string]domain.DimensionConstraint{"elevation": domain.RangeConstraint(25.0, 40.0)}, "", 1},
		{"no match", map[string]domain.DimensionConstraint{"elevation": domain.PointConstraint(15.0)}, "", 0},
		{"extra filter", nil, "elevation < 20", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Read(context.Background(), domain.ReadRequest{Coverage: "rain", Dimensions: tt.dims, Filter: tt.filter})
			if err != nil {
				t.Fatalf("Read() error = %v", err)
			}
			got := 0
			if res != nil {
				got = len(res.Granules)
			}
			if got != tt.want {
				t.Errorf("granules = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestMosaicReadRangeDimension(t *testing.T) {
	f := newFixture(t)
	writeGranule(t, f.root, "a", tile(0, 0, 10, 10,
		`{time: "2024-01-01T00:00:00Z", time_end: "2024-01-10T00:00:00Z"}`,
		`{time: "2024-01-10T00:00:00Z", time_end: "2024-01-20T00:00:00Z"}`,
	))
	f.run(t, f.indexer(t, nil))
	r := f.reader(nil, ReadSettings{})

	day := func(d int) time.Time { return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC) }
	tests := []struct {
		name string
		c    domain.DimensionConstraint
		want int
	}{
		{"inside first", domain.PointConstraint(day(5)), 1},
		{"shared boundary", domain.PointConstraint(day(10)), 2},
		{"overlapping range", domain.RangeConstraint(day(15), day(25)), 1},
		{"after the end", domain.RangeConstraint(day(21), day(25)), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Read(context.Background(), domain.ReadRequest{
				Coverage:   "rain",
				Dimensions: map[string]domain.DimensionConstraint{"time": tt.c},
			})
			if err != nil {
				t.Fatalf("Read() error = %v", err)
			}
			got := 0
			if res != nil {
				got = len(res.Granules)
			}
			if got != tt.want {
				t.Errorf("granules = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestMosaicReadDefaultDimensionValues(t *testing.T) {
	f := newFixture(t)
	writeGranule(t, f.root, "a", tile(0, 0, 10, 10, `{elevation: 10}`, `{elevation: 20}`))
	f.run(t, f.indexer(t, nil))

	res, err := f.reader(nil, ReadSettings{DefaultDimensionValues: true}).
		Read(context.Background(), domain.ReadRequest{Coverage: "rain"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Granules) != 1 {
		t.Fatalf("granules = %d, want the lowest elevation only", len(res.Granules))
	}
	if v, _ := res.Granules[0].Record.Attribute("elevation"); v != 10.0 {
		t.Errorf("elevation = %v, want 10", v)
	}
}

func TestMosaicReadUnknownDimension(t *testing.T) {
	f := newFixture(t)
	quadrants(t, f)

	_, err := f.reader(nil, ReadSettings{}).Read(context.Background(), domain.ReadRequest{
		Coverage:   "rain",
		Dimensions: map[string]domain.DimensionConstraint{"depth": domain.PointConstraint(1.0)},
	})
	var ferr *domain.FilterError
	if !errors.As(err, &ferr) || !errors.Is(err, domain.ErrInvalidFilterAttribute) {
		t.Errorf("Read() error = %v, want FilterError", err)
	}
}

func TestMosaicCoverageSelection(t *testing.T) {
	single := newFixture(t)
	quadrants(t, single)

	multi := newFixture(t)
	g := tile(0, 0, 10, 10)
	g.coverages = []string{"temp", "wind"}
	writeGranule(t, multi.root, "a", g)
	multi.run(t, multi.indexer(t, nil))

	empty := newFixture(t)

	tests := []struct {
		name     string
		f        *fixture
		coverage string
		want     string
		err      error
	}{
		{"sole coverage", single, domain.Unspecified, "rain", nil},
		{"named coverage", multi, "wind", "wind", nil},
		{"ambiguous", multi, domain.Unspecified, "", domain.ErrAmbiguousCoverage},
		{"unknown", multi, "snow", "", domain.ErrUnknownCoverage},
		{"empty mosaic", empty, domain.Unspecified, "", domain.ErrUnknownCoverage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := tt.f.reader(nil, ReadSettings{}).Read(context.Background(), domain.ReadRequest{Coverage: tt.coverage})
			if tt.err != nil {
				if !errors.Is(err, tt.err) {
					t.Errorf("Read() error = %v, want %v", err, tt.err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Read() error = %v", err)
			}
			if res.Coverage != tt.want {
				t.Errorf("coverage = %q, want %q", res.Coverage, tt.want)
			}
		})
	}
}

func TestMosaicReaderDisposed(t *testing.T) {
	f := newFixture(t)
	quadrants(t, f)
	r := f.reader(nil, ReadSettings{})
	r.Dispose()

	if _, err := r.Read(context.Background(), domain.ReadRequest{}); !errors.Is(err, domain.ErrReaderDisposed) {
		t.Errorf("Read() error = %v, want ErrReaderDisposed", err)
	}
	if _, err := r.Coverages(context.Background()); !errors.Is(err, domain.ErrReaderDisposed) {
		t.Errorf("Coverages() error = %v, want ErrReaderDisposed", err)
	}
	// The catalog stays usable for other readers.
	if got := countGranules(t, f, "rain"); got != 4 {
		t.Errorf("catalog holds %d granules after Dispose", got)
	}
}

func TestMosaicReadUsesQueryCache(t *testing.T) {
	f := newFixture(t)
	f.settings.Caching = true
	writeGranule(t, f.root, "a", tile(0, 0, 10, 10, `{elevation: 10}`))
	writeGranule(t, f.root, "b", tile(10, 0, 20, 10, `{elevation: 20}`))
	f.run(t, f.indexer(t, nil))

	cache := newMapCache()
	r := f.reader(cache, ReadSettings{CacheTTL: time.Minute})
	req := domain.ReadRequest{Coverage: "rain"}

	first, err := r.Read(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if first.Cached || cache.sets != 1 {
		t.Fatalf("first read cached = %v, sets = %d", first.Cached, cache.sets)
	}

	second, err := r.Read(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if !second.Cached || cache.hits != 1 {
		t.Fatalf("second read cached = %v, hits = %d", second.Cached, cache.hits)
	}
	if !slices.Equal(first.Locations(), second.Locations()) {
		t.Errorf("cached locations = %v, want %v", second.Locations(), first.Locations())
	}
	if v, _ := second.Granules[1].Record.Attribute("elevation"); v != 20.0 {
		t.Errorf("cached elevation = %#v, want 20.0", v)
	}
	if second.Granules[0].Record.Bound() != first.Granules[0].Record.Bound() {
		t.Errorf("cached footprint = %v", second.Granules[0].Record.Bound())
	}

	// A new commit bumps the revision and misses the cache.
	writeGranule(t, f.root, "c", tile(20, 0, 30, 10, `{elevation: 30}`))
	f.run(t, f.indexer(t, nil))
	third, err := r.Read(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if third.Cached || len(third.Granules) != 3 {
		t.Errorf("read after reindex cached = %v, granules = %d", third.Cached, len(third.Granules))
	}
}

func TestMosaicReadFallsBackWithoutConfiguration(t *testing.T) {
	f := newFixture(t)
	quadrants(t, f)
	if err := f.registry.Remove("rain"); err != nil {
		t.Fatal(err)
	}

	// The catalog still names the coverage, so reads use a heterogeneous
	// configuration and the levels of each granule.
	res, err := f.reader(nil, ReadSettings{}).Read(context.Background(), domain.ReadRequest{Coverage: "rain", Width: 20, Height: 20})
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(res.Granules) != 4 || res.Granules[0].Resolution != (domain.Level{1, 1}) {
		t.Errorf("granules = %+v", res.Granules)
	}
}

func TestMosaicGranules(t *testing.T) {
	f := newFixture(t)
	quadrants(t, f)
	r := f.reader(nil, ReadSettings{})
	ctx := context.Background()

	records, total, err := r.Granules(ctx, "rain", nil, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if total != 4 || len(records) != 2 {
		t.Errorf("Granules() = %d records of %d", len(records), total)
	}

	south := filter.BBox(domain.NewEnvelope(1, 1, 19, 9, domain.CRSWGS84).Bound)
	records, total, err = r.Granules(ctx, "rain", south, 0, -1)
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || len(records) != 2 {
		t.Errorf("filtered Granules() = %d records of %d", len(records), total)
	}

	if _, _, err := r.Granules(ctx, "rain", nil, -1, 1); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("negative offset error = %v", err)
	}
}

func TestMosaicDomainValues(t *testing.T) {
	f := newFixture(t)
	writeGranule(t, f.root, "a", tile(0, 0, 10, 10, `{elevation: 30}`, `{elevation: 10}`))
	writeGranule(t, f.root, "b", tile(10, 0, 20, 10, `{elevation: 20}`, `{elevation: 10}`))
	f.run(t, f.indexer(t, nil))
	r := f.reader(nil, ReadSettings{})
	ctx := context.Background()

	values, err := r.DomainValues(ctx, domain.Unspecified, "elevation", nil, 0, -1)
	if err != nil {
		t.Fatal(err)
	}
	var got []any
	for _, v := range values {
		got = append(got, v.Start)
	}
	if !slices.Equal(got, []any{10.0, 20.0, 30.0}) {
		t.Errorf("domain = %v", got)
	}

	if _, err := r.DomainValues(ctx, "rain", "time", nil, 0, -1); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown dimension error = %v, want ErrNotFound", err)
	}
}

func TestMosaicBoundsAndConfiguration(t *testing.T) {
	f := newFixture(t)
	quadrants(t, f)
	r := f.reader(nil, ReadSettings{})
	ctx := context.Background()

	env, err := r.Bounds(ctx, "rain")
	if err != nil {
		t.Fatal(err)
	}
	if env.Bound != domain.NewEnvelope(0, 0, 20, 20, domain.CRS{}).Bound || !env.CRS.Equal(domain.CRSWGS84) {
		t.Errorf("Bounds() = %s", env)
	}

	cfg, err := r.Configuration(ctx, domain.Unspecified)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Name != "rain" || cfg.Heterogeneous || !cfg.CRS.Equal(domain.CRSWGS84) {
		t.Errorf("Configuration() = %+v", cfg)
	}
}
