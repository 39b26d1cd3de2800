package application

import (
	"context"
	"crypto/md5" //#nosec G501 -- cache key only
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"slices"
	"sync/atomic"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	xdraw "golang.org/x/image/draw"

	"github.com/jobrunner/tessera/internal/domain"
	"github.com/jobrunner/tessera/internal/filter"
	"github.com/jobrunner/tessera/internal/ports/input"
	"github.com/jobrunner/tessera/internal/ports/output"
)

// MosaicReader answers read requests from the catalog. It never writes.
type MosaicReader struct {
	catalog  output.GranuleCatalog
	formats  output.FormatRegistry
	registry *CoverageRegistry
	cache    output.QueryCache
	metrics  output.MetricsCollector
	settings MosaicSettings
	limits   ReadSettings
	logger   *slog.Logger
	disposed atomic.Bool
}

var _ input.MosaicReader = (*MosaicReader)(nil)

// NewMosaicReader creates a reader. A nil cache disables query caching.
func NewMosaicReader(
	catalog output.GranuleCatalog,
	formats output.FormatRegistry,
	registry *CoverageRegistry,
	cache output.QueryCache,
	metrics output.MetricsCollector,
	settings MosaicSettings,
	read ReadSettings,
	logger *slog.Logger,
) *MosaicReader {
	if cache == nil {
		cache = output.NoOpCache{}
	}
	return &MosaicReader{
		catalog:  catalog,
		formats:  formats,
		registry: registry,
		cache:    cache,
		metrics:  metrics,
		settings: settings,
		limits:   read,
		logger:   logger,
	}
}

// Dispose marks the reader unusable. The catalog is left open.
func (m *MosaicReader) Dispose() {
	m.disposed.Store(true)
}

// Read implements input.MosaicReader.
func (m *MosaicReader) Read(ctx context.Context, req domain.ReadRequest) (*domain.MosaicResult, error) {
	if m.disposed.Load() {
		return nil, domain.ErrReaderDisposed
	}
	start := time.Now()

	coverage, err := m.resolveCoverage(ctx, req.Coverage)
	if err != nil {
		m.metrics.IncReadRequests(req.Coverage, "error")
		return nil, err
	}

	res, err := m.readCoverage(ctx, coverage, req)
	outcome := "ok"
	switch {
	case errors.Is(err, domain.ErrTooManyGranules):
		outcome = "too_many"
	case err != nil:
		outcome = "error"
	case res == nil:
		outcome = "empty"
	default:
		m.metrics.ObserveGranulesResolved(coverage, len(res.Granules))
	}
	m.metrics.IncReadRequests(coverage, outcome)
	m.metrics.ObserveReadDuration(coverage, time.Since(start))

	if err != nil {
		m.logger.Debug("read failed", "coverage", coverage, "error", err)
	}
	return res, err
}

func (m *MosaicReader) readCoverage(ctx context.Context, coverage string, req domain.ReadRequest) (*domain.MosaicResult, error) {
	schema, err := m.catalog.GetType(ctx, coverage)
	if err != nil {
		return nil, err
	}
	cfg := m.configuration(coverage, schema)

	env, err := m.queryEnvelope(ctx, coverage, cfg, req.Envelope)
	if err != nil {
		return nil, err
	}
	if env.IsEmpty() {
		return nil, nil
	}

	expr, err := m.buildFilter(ctx, coverage, schema, env, req)
	if err != nil {
		return nil, err
	}

	rev, err := m.catalog.Revision(ctx, coverage)
	if err != nil {
		return nil, err
	}

	records, cached, err := m.resolve(ctx, coverage, schema, cfg, rev, expr)
	if err != nil || len(records) == 0 {
		return nil, err
	}

	result := &domain.MosaicResult{
		Coverage:    coverage,
		Envelope:    env,
		Revision:    rev,
		ExpandToRGB: cfg.ExpandToRGB,
		Cached:      cached,
		Granules:    make([]domain.ResolvedGranule, 0, len(records)),
	}

	requested := domain.ReadRequest{Envelope: env, Width: req.Width, Height: req.Height}.Resolution()
	for _, rec := range records {
		result.Granules = append(result.Granules, m.plan(rec, cfg, env, requested))
	}

	if req.Assemble && req.Width > 0 && req.Height > 0 {
		img, err := m.assemble(ctx, cfg, result, req.Width, req.Height)
		if err != nil {
			return nil, err
		}
		result.Image = img
	}
	return result, nil
}

// configuration returns the committed configuration, or a heterogeneous
// fallback for coverages that have granules but no properties.
func (m *MosaicReader) configuration(coverage string, schema domain.Schema) domain.CoverageConfiguration {
	if cfg, ok := m.registry.Get(coverage); ok {
		return cfg
	}
	return domain.CoverageConfiguration{
		Name:              coverage,
		Heterogeneous:     true,
		LocationAttribute: schema.Location(),
		SuggestedReader:   m.settings.SuggestedReader,
		ImposedBBox:       m.settings.ImposedBBox,
		Caching:           m.settings.Caching,
		Dimensions:        schema.Dimensions,
	}
}

// queryEnvelope clips the requested area to the imposed bounding box. An
// empty request means the whole coverage.
func (m *MosaicReader) queryEnvelope(ctx context.Context, coverage string, cfg domain.CoverageConfiguration, requested domain.Envelope) (domain.Envelope, error) {
	env := requested
	if env.IsEmpty() {
		bounds, err := m.catalog.ComputeBounds(ctx, coverage)
		if err != nil {
			if errors.Is(err, domain.ErrEmptyCatalog) {
				return domain.Envelope{}, nil
			}
			return domain.Envelope{}, err
		}
		env = bounds
	} else if !env.CRS.IsZero() && !cfg.CRS.IsZero() && !env.CRS.Equal(cfg.CRS) {
		return domain.Envelope{}, &domain.ValidationError{
			Field:      "envelope",
			Value:      env.CRS.String(),
			Constraint: cfg.CRS.String(),
			Message:    "request CRS differs from the coverage CRS",
		}
	}
	env.CRS = cfg.CRS

	if !cfg.ImposedBBox.IsEmpty() {
		env = env.Intersection(cfg.ImposedBBox)
	}
	return env, nil
}

// buildFilter combines the area, the dimension constraints and the extra
// predicate of a request.
func (m *MosaicReader) buildFilter(ctx context.Context, coverage string, schema domain.Schema, env domain.Envelope, req domain.ReadRequest) (filter.Expr, error) {
	parts := []filter.Expr{filter.BBox(env.Bound)}

	names := make([]string, 0, len(req.Dimensions))
	for name := range req.Dimensions {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		d, ok := schema.Dimension(name)
		if !ok {
			return nil, &domain.FilterError{Attribute: name, Owner: coverage, Err: domain.ErrInvalidFilterAttribute}
		}
		parts = append(parts, dimensionFilter(d, req.Dimensions[name]))
	}

	if m.limits.DefaultDimensionValues {
		for _, d := range schema.Dimensions {
			if _, ok := req.Dimensions[d.Name()]; ok {
				continue
			}
			c, ok, err := m.defaultConstraint(ctx, coverage, d)
			if err != nil {
				return nil, err
			}
			if ok {
				parts = append(parts, dimensionFilter(d, c))
			}
		}
	}

	extra, err := filter.Parse(req.Filter)
	if err != nil {
		return nil, err
	}
	parts = append(parts, extra)
	return filter.All(parts...), nil
}

// defaultConstraint picks the latest time or the lowest elevation.
func (m *MosaicReader) defaultConstraint(ctx context.Context, coverage string, d domain.DimensionDescriptor) (domain.DimensionConstraint, bool, error) {
	var fn output.AggregateFunc
	switch d.Name() {
	case attrTime:
		fn = output.AggMax
	case attrElevation:
		fn = output.AggMin
	default:
		return domain.DimensionConstraint{}, false, nil
	}
	v, err := m.catalog.Aggregate(ctx, coverage, d.StartAttribute(), fn)
	if err != nil || v == nil {
		return domain.DimensionConstraint{}, false, err
	}
	return domain.PointConstraint(v), true, nil
}

// dimensionFilter matches point dimensions by value and range dimensions
// by interval overlap.
func dimensionFilter(d domain.DimensionDescriptor, c domain.DimensionConstraint) filter.Expr {
	lo, hi := c.Bounds()
	if !d.IsRange() {
		if c.IsRange {
			return filter.Range(d.StartAttribute(), lo, hi)
		}
		return filter.Eq(d.StartAttribute(), c.Value)
	}
	return filter.All(
		filter.Le(d.StartAttribute(), hi),
		filter.Ge(d.EndAttribute(), lo),
	)
}

// resolve returns the granules matching expr, ordered by location, from the
// query cache when possible.
func (m *MosaicReader) resolve(ctx context.Context, coverage string, schema domain.Schema, cfg domain.CoverageConfiguration, rev int64, expr filter.Expr) ([]domain.GranuleRecord, bool, error) {
	key := cacheKey(coverage, rev, expr)

	if cfg.Caching {
		data, ok, err := m.cache.Get(ctx, key)
		switch {
		case err != nil:
			m.logger.Debug("query cache unavailable", "coverage", coverage, "error", err)
		case ok:
			records, err := decodeGranules(data, coverage, schema)
			if err == nil {
				if err := m.checkLimit(coverage, int64(len(records))); err != nil {
					return nil, false, err
				}
				return records, true, nil
			}
			m.logger.Debug("discarding cached granules", "coverage", coverage, "error", err)
		}
	}

	q := output.Query{
		Coverage: coverage,
		Filter:   expr,
		Limit:    output.Unlimited,
		SortBy:   []output.SortField{{Attribute: schema.Location()}},
	}
	if m.limits.MaxGranules > 0 {
		q.Limit = m.limits.MaxGranules + 1
	}

	// The ceiling is checked on the fetched list itself, so a commit landing
	// mid-read cannot slip extra granules past it.
	records, err := m.catalog.GetGranules(ctx, q)
	if err != nil {
		return nil, false, err
	}
	if err := m.checkLimit(coverage, int64(len(records))); err != nil {
		q.Limit = output.Unlimited
		if count, cerr := m.catalog.Count(ctx, q); cerr == nil && count > int64(len(records)) {
			err = m.checkLimit(coverage, count)
		}
		return nil, false, err
	}
	if len(records) == 0 {
		return nil, false, nil
	}

	if cfg.Caching {
		m.cacheGranules(ctx, coverage, rev, key, records)
	}
	return records, false, nil
}

// cacheGranules stores records under key unless a commit moved the
// coverage past rev while they were fetched.
func (m *MosaicReader) cacheGranules(ctx context.Context, coverage string, rev int64, key string, records []domain.GranuleRecord) {
	now, err := m.catalog.Revision(ctx, coverage)
	if err != nil || now != rev {
		m.logger.Debug("not caching granules of a moving coverage", "coverage", coverage, "revision", rev)
		return
	}
	data, err := encodeGranules(records)
	if err == nil {
		err = m.cache.Set(ctx, key, data, m.limits.CacheTTL)
	}
	if err != nil {
		m.logger.Debug("failed to cache granules", "coverage", coverage, "error", err)
	}
}

func (m *MosaicReader) checkLimit(coverage string, count int64) error {
	if m.limits.MaxGranules > 0 && count > int64(m.limits.MaxGranules) {
		return &domain.TooManyGranulesError{Coverage: coverage, Count: count, Max: m.limits.MaxGranules}
	}
	return nil
}

// plan selects the resolution level of one granule. Heterogeneous
// coverages read the levels from the granule itself.
func (m *MosaicReader) plan(rec domain.GranuleRecord, cfg domain.CoverageConfiguration, env domain.Envelope, requested domain.Level) domain.ResolvedGranule {
	levels := cfg.Levels
	if cfg.Heterogeneous || len(levels) == 0 {
		if own, err := m.granuleLevels(rec, cfg); err == nil && len(own) > 0 {
			levels = own
		} else if err != nil {
			m.logger.Warn("failed to read granule levels", "location", rec.Location, "error", err)
		}
	}

	genv := domain.EnvelopeFromBound(rec.Bound(), cfg.CRS)
	g := domain.ResolvedGranule{
		Record: rec,
		Region: genv.Intersection(env),
	}
	if len(levels) > 0 {
		g.Level = domain.SelectLevel(levels, requested)
		g.Resolution = levels[g.Level]
		g.Transform = domain.NewGeoTransform(genv, g.Resolution[0], g.Resolution[1])
	}
	return g
}

func (m *MosaicReader) granuleLevels(rec domain.GranuleRecord, cfg domain.CoverageConfiguration) ([]domain.Level, error) {
	rd, err := m.formats.Open(m.settings.resolve(rec.Location), cfg.SuggestedReader)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rd.Close() }()

	info, err := rd.Info(granuleCoverage(rd, cfg.Name))
	if err != nil {
		return nil, err
	}
	return info.Levels, nil
}

// assemble draws every granule region onto one canvas in location order.
func (m *MosaicReader) assemble(ctx context.Context, cfg domain.CoverageConfiguration, res *domain.MosaicResult, width, height int) (image.Image, error) {
	canvas := image.NewRGBA(image.Rect(0, 0, width, height))
	for _, g := range res.Granules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rect := pixelRect(res.Envelope, g.Region, canvas.Bounds())
		if rect.Empty() {
			continue
		}
		img, err := m.readRegion(ctx, cfg, g, rect.Dx(), rect.Dy())
		if err != nil {
			return nil, &domain.GranuleError{Path: g.Record.Location, Reason: reasonUnreadable, Err: err}
		}
		xdraw.NearestNeighbor.Scale(canvas, rect, img, img.Bounds(), xdraw.Over, nil)
	}
	return canvas, nil
}

func (m *MosaicReader) readRegion(ctx context.Context, cfg domain.CoverageConfiguration, g domain.ResolvedGranule, width, height int) (image.Image, error) {
	rd, err := m.formats.Open(m.settings.resolve(g.Record.Location), cfg.SuggestedReader)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rd.Close() }()

	return rd.Read(ctx, granuleCoverage(rd, cfg.Name), output.Region{
		Envelope: g.Region,
		Level:    g.Level,
		Width:    width,
		Height:   height,
	})
}

// granuleCoverage maps a mosaic coverage to the coverage name inside a file.
// Single-coverage files are indexed under the mosaic name.
func granuleCoverage(rd output.RasterReader, coverage string) string {
	names := rd.CoverageNames()
	if len(names) == 1 {
		return names[0]
	}
	return coverage
}

// pixelRect maps a world region to canvas pixels; row 0 is the top edge.
func pixelRect(env, region domain.Envelope, bounds image.Rectangle) image.Rectangle {
	if region.IsEmpty() || env.Width() == 0 || env.Height() == 0 {
		return image.Rectangle{}
	}
	w, h := float64(bounds.Dx()), float64(bounds.Dy())
	x0 := int(math.Round((region.MinX() - env.MinX()) / env.Width() * w))
	x1 := int(math.Round((region.MaxX() - env.MinX()) / env.Width() * w))
	y0 := int(math.Round((env.MaxY() - region.MaxY()) / env.Height() * h))
	y1 := int(math.Round((env.MaxY() - region.MinY()) / env.Height() * h))
	return image.Rect(x0, y0, x1, y1).Intersect(bounds)
}

// Coverages implements input.MosaicReader.
func (m *MosaicReader) Coverages(ctx context.Context) ([]string, error) {
	if m.disposed.Load() {
		return nil, domain.ErrReaderDisposed
	}
	if names := m.registry.Names(); len(names) > 0 {
		return names, nil
	}
	return m.catalog.TypeNames(ctx)
}

func (m *MosaicReader) resolveCoverage(ctx context.Context, name string) (string, error) {
	names, err := m.Coverages(ctx)
	if err != nil {
		return "", err
	}
	if name == domain.Unspecified {
		switch len(names) {
		case 0:
			return "", &domain.CatalogError{Op: "read", Err: domain.ErrUnknownCoverage}
		case 1:
			return names[0], nil
		default:
			return "", domain.ErrAmbiguousCoverage
		}
	}
	if slices.Contains(names, name) {
		return name, nil
	}
	if _, err := m.catalog.GetType(ctx, name); err != nil {
		return "", err
	}
	return name, nil
}

// Configuration implements input.MosaicReader.
func (m *MosaicReader) Configuration(ctx context.Context, coverage string) (domain.CoverageConfiguration, error) {
	name, err := m.resolveCoverage(ctx, coverage)
	if err != nil {
		return domain.CoverageConfiguration{}, err
	}
	cfg, ok := m.registry.Get(name)
	if !ok {
		return domain.CoverageConfiguration{}, &domain.CatalogError{Coverage: name, Op: "configuration", Err: domain.ErrUnknownCoverage}
	}
	return cfg, nil
}

// Schema implements input.MosaicReader.
func (m *MosaicReader) Schema(ctx context.Context, coverage string) (domain.Schema, error) {
	name, err := m.resolveCoverage(ctx, coverage)
	if err != nil {
		return domain.Schema{}, err
	}
	return m.catalog.GetType(ctx, name)
}

// Bounds implements input.MosaicReader.
func (m *MosaicReader) Bounds(ctx context.Context, coverage string) (domain.Envelope, error) {
	name, err := m.resolveCoverage(ctx, coverage)
	if err != nil {
		return domain.Envelope{}, err
	}
	env, err := m.catalog.ComputeBounds(ctx, name)
	if err != nil {
		return domain.Envelope{}, err
	}
	if cfg, ok := m.registry.Get(name); ok {
		env.CRS = cfg.CRS
	}
	return env, nil
}

// Granules implements input.MosaicReader.
func (m *MosaicReader) Granules(ctx context.Context, coverage string, f filter.Expr, offset, limit int) ([]domain.GranuleRecord, int64, error) {
	if offset < 0 {
		return nil, 0, &domain.ValidationError{Field: "offset", Value: offset, Constraint: ">=0", Message: "offset must not be negative"}
	}
	name, err := m.resolveCoverage(ctx, coverage)
	if err != nil {
		return nil, 0, err
	}
	if limit < 0 {
		limit = output.Unlimited
	}

	q := output.Query{Coverage: name, Filter: f, Offset: offset, Limit: limit}
	total, err := m.catalog.Count(ctx, q)
	if err != nil {
		return nil, 0, err
	}
	records, err := m.catalog.GetGranules(ctx, q)
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// DomainValues implements input.MosaicReader.
func (m *MosaicReader) DomainValues(ctx context.Context, coverage, dimension string, f filter.Expr, offset, limit int) ([]domain.DomainValue, error) {
	name, err := m.resolveCoverage(ctx, coverage)
	if err != nil {
		return nil, err
	}
	schema, err := m.catalog.GetType(ctx, name)
	if err != nil {
		return nil, err
	}
	d, ok := schema.Dimension(dimension)
	if !ok {
		return nil, &domain.CatalogError{Coverage: name, Op: "domain", Err: fmt.Errorf("dimension %q: %w", dimension, domain.ErrNotFound)}
	}
	return NewDimensionDomain(m.catalog, name, d).GetDomain(ctx, f, offset, limit)
}

// cacheKey identifies a granule list by coverage revision and filter.
func cacheKey(coverage string, rev int64, expr filter.Expr) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s|%d|%s", coverage, rev, filter.Format(expr)))) //#nosec G401 -- cache key only
	return "tessera:" + coverage + ":" + hex.EncodeToString(sum[:])
}

type cachedGranule struct {
	ID         int64          `json:"id"`
	Location   string         `json:"location"`
	Footprint  []byte         `json:"footprint"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

func encodeGranules(records []domain.GranuleRecord) ([]byte, error) {
	out := make([]cachedGranule, len(records))
	for i, r := range records {
		fp, err := wkb.Marshal(r.Footprint)
		if err != nil {
			return nil, err
		}
		out[i] = cachedGranule{ID: r.ID, Location: r.Location, Footprint: fp, Attributes: r.Attributes}
	}
	return json.Marshal(out)
}

// decodeGranules restores cached records, converting attributes back to
// their schema types.
func decodeGranules(data []byte, coverage string, schema domain.Schema) ([]domain.GranuleRecord, error) {
	var in []cachedGranule
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, err
	}
	out := make([]domain.GranuleRecord, len(in))
	for i, c := range in {
		g, err := wkb.Unmarshal(c.Footprint)
		if err != nil {
			return nil, err
		}
		poly, ok := g.(orb.Polygon)
		if !ok {
			return nil, fmt.Errorf("cached footprint is %s, not a polygon", g.GeoJSONType())
		}
		attrs := make(map[string]any, len(c.Attributes))
		for k, v := range c.Attributes {
			a, ok := schema.Attribute(k)
			if !ok {
				return nil, fmt.Errorf("cached attribute %q not in schema", k)
			}
			nv, err := domain.NormalizeValue(a.Type, v)
			if err != nil {
				return nil, err
			}
			attrs[k] = nv
		}
		out[i] = domain.GranuleRecord{ID: c.ID, Coverage: coverage, Location: c.Location, Footprint: poly, Attributes: attrs}
	}
	return out, nil
}
