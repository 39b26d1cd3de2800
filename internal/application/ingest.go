package application

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jobrunner/tessera/internal/domain"
	"github.com/jobrunner/tessera/internal/filter"
	"github.com/jobrunner/tessera/internal/ports/output"
)

// extracted is the metadata of one coverage found in a file.
type extracted struct {
	name   string
	info   output.CoverageInfo
	slices []output.Slice
}

// prefetched is a file opened and read ahead of the sequential checks.
type prefetched struct {
	path      string
	reader    output.RasterReader
	coverages []extracted
	err       error
}

func (p prefetched) close(logger *slog.Logger) {
	if p.reader == nil {
		return
	}
	if err := p.reader.Close(); err != nil {
		logger.Warn("failed to close reader", "path", p.path, "error", err)
	}
}

// fileResult is the outcome of ingesting one file.
type fileResult struct {
	status    domain.HarvestStatus
	reason    string
	err       error
	coverages []string
	granules  int
	inserted  map[string]int
}

func (r fileResult) outcome(path string) domain.HarvestOutcome {
	return domain.HarvestOutcome{
		Path:      path,
		Status:    r.status,
		Reason:    r.reason,
		Err:       r.err,
		Coverages: r.coverages,
		Granules:  r.granules,
	}
}

func skipped(err error) fileResult {
	reason := reasonUnreadable
	var ge *domain.GranuleError
	if errors.As(err, &ge) && ge.Reason != "" {
		reason = ge.Reason
	}
	return fileResult{status: domain.HarvestSkipped, reason: reason, err: err}
}

func failed(err error) fileResult {
	return fileResult{status: domain.HarvestFailed, reason: "error", err: err}
}

// txCoverages tracks the coverages touched by one catalog transaction.
// Nothing in it is published before the transaction commits.
type txCoverages struct {
	tx      output.CatalogTx
	configs map[string]domain.CoverageConfiguration
	schemas map[string]domain.Schema
	touched []string
}

func newTxCoverages(tx output.CatalogTx) *txCoverages {
	return &txCoverages{
		tx:      tx,
		configs: make(map[string]domain.CoverageConfiguration),
		schemas: make(map[string]domain.Schema),
	}
}

// touchedConfigs returns the configurations of the touched coverages in
// first-touch order.
func (t *txCoverages) touchedConfigs() []domain.CoverageConfiguration {
	out := make([]domain.CoverageConfiguration, len(t.touched))
	for i, name := range t.touched {
		out[i] = t.configs[name]
	}
	return out
}

func (t *txCoverages) touch(name string, cfg domain.CoverageConfiguration, schema domain.Schema) {
	if _, ok := t.configs[name]; !ok {
		t.touched = append(t.touched, name)
	}
	t.configs[name] = cfg
	t.schemas[name] = schema
}

// ingester turns opened files into catalog rows. It is shared by the
// indexer and the harvester.
type ingester struct {
	formats    output.FormatRegistry
	registry   *CoverageRegistry
	settings   MosaicSettings
	collectors []PropertyCollector
	logger     *slog.Logger
}

// candidate reports whether a walked file should be opened.
func (g *ingester) candidate(path string) bool {
	return !g.formats.IsSidecar(path) && g.settings.acceptsExtension(path)
}

// open opens a file and extracts the metadata of every coverage in it.
func (g *ingester) open(path string) prefetched {
	p := prefetched{path: path}

	rd, err := g.formats.Open(path, g.settings.SuggestedReader)
	if err != nil {
		if !errors.Is(err, domain.ErrUnsupportedFormat) {
			var ge *domain.GranuleError
			if !errors.As(err, &ge) {
				err = &domain.GranuleError{Path: path, Reason: reasonUnreadable, Err: err}
			}
		}
		p.err = err
		return p
	}
	p.reader = rd

	for _, name := range rd.CoverageNames() {
		info, err := rd.Info(name)
		if err != nil {
			p.err = err
			return p
		}
		slices, err := rd.Slices(name)
		if err != nil {
			p.err = err
			return p
		}
		if len(slices) == 0 {
			slices = []output.Slice{{}}
		}
		p.coverages = append(p.coverages, extracted{name: name, info: info, slices: slices})
	}
	return p
}

// plan is the accepted part of one coverage of a file.
type plan struct {
	name    string
	cfg     domain.CoverageConfiguration
	schema  domain.Schema
	create  bool
	replace bool
	records []domain.GranuleRecord
}

// ingest checks an opened file against the coverages of the transaction
// and inserts its granules. Per-file problems are reported in the result;
// a returned error is fatal for the transaction.
func (g *ingester) ingest(ctx context.Context, tc *txCoverages, p prefetched, target string, setState func(domain.RunState)) (fileResult, error) {
	if p.err != nil {
		var ge *domain.GranuleError
		if errors.Is(p.err, domain.ErrUnsupportedFormat) || errors.As(p.err, &ge) {
			return skipped(p.err), nil
		}
		return failed(p.err), nil
	}
	if len(p.coverages) == 0 {
		return skipped(&domain.GranuleError{Path: p.path, Reason: "no coverages", Err: domain.ErrInvalidInput}), nil
	}

	setState(domain.StateExtracting)
	collected, err := g.collect(p.path)
	if err != nil {
		return failed(err), nil
	}

	setState(domain.StateCompatibilityCheck)
	plans := make([]plan, 0, len(p.coverages))
	for _, ec := range p.coverages {
		name := ec.name
		if len(p.coverages) == 1 {
			name = target
		}
		if !domain.ValidIdentifier(name) {
			name = coverageIdentifier(name)
		}

		pl, err := g.check(ctx, tc, p.path, name, ec, collected)
		if err != nil {
			var ge *domain.GranuleError
			if errors.As(err, &ge) {
				return skipped(err), nil
			}
			return fileResult{}, err
		}
		plans = append(plans, pl)
	}

	setState(domain.StateCommittingRow)
	result := fileResult{status: domain.HarvestIngested, inserted: make(map[string]int, len(plans))}
	for _, pl := range plans {
		if pl.create {
			if err := tc.tx.CreateType(ctx, pl.schema); err != nil {
				return fileResult{}, err
			}
		}
		if pl.replace {
			loc := g.settings.location(p.path)
			if _, err := tc.tx.RemoveGranules(ctx, pl.name, filter.Eq(pl.schema.Location(), loc)); err != nil {
				return fileResult{}, err
			}
		}
		n, err := tc.tx.AddGranules(ctx, pl.name, pl.records)
		if err != nil {
			return fileResult{}, err
		}
		tc.touch(pl.name, pl.cfg, pl.schema)
		result.coverages = append(result.coverages, pl.name)
		result.granules += n
		result.inserted[pl.name] += n
	}
	return result, nil
}

// check runs the compatibility checks of one coverage of a file and builds
// its records. It does not modify tc.
func (g *ingester) check(ctx context.Context, tc *txCoverages, path, name string, ec extracted, collected map[string]any) (plan, error) {
	if err := ec.info.CRS.ValidateFootprint(ec.info.Envelope); err != nil {
		return plan{}, &domain.GranuleError{Path: path, Reason: reasonFootprint, Err: err}
	}

	attrs := make([]map[string]any, len(ec.slices))
	for i, s := range ec.slices {
		a := sliceAttributes(s)
		for k, v := range collected {
			if _, ok := a[k]; !ok {
				a[k] = v
			}
		}
		attrs[i] = a
	}

	pl := plan{name: name}

	cfg, known := tc.configs[name]
	if !known {
		cfg, known = g.registry.Get(name)
	}

	schema, ok := tc.schemas[name]
	if !ok {
		existing, err := tc.tx.GetType(ctx, name)
		switch {
		case err == nil:
			schema = existing
			pl.replace = true
		case errors.Is(err, domain.ErrUnknownCoverage):
			derived, derr := deriveSchema(name, g.settings.LocationAttribute, attrs, g.collectors)
			if derr != nil {
				return plan{}, &domain.GranuleError{Path: path, Reason: reasonAttributeMismatch, Err: derr}
			}
			schema = derived
			pl.create = true
		default:
			return plan{}, err
		}
	} else {
		pl.replace = true
	}

	if known {
		next, err := checkCompatibility(cfg, path, ec.info)
		if err != nil {
			return plan{}, err
		}
		pl.cfg = next
	} else {
		seeded, err := seedConfiguration(name, ec.info, schema.Dimensions, g.settings)
		if err != nil {
			return plan{}, &domain.GranuleError{Path: path, Reason: reasonUnreadable, Err: err}
		}
		pl.cfg = seeded
	}
	pl.schema = schema

	loc := g.settings.location(path)
	footprint := ec.info.Envelope.Polygon()
	for _, a := range attrs {
		norm, err := normalizeRecord(schema, path, a)
		if err != nil {
			return plan{}, err
		}
		pl.records = append(pl.records, domain.GranuleRecord{
			Coverage:   name,
			Location:   loc,
			Footprint:  footprint,
			Attributes: norm,
		})
	}
	return pl, nil
}

// collect runs the property collectors on the file name.
func (g *ingester) collect(path string) (map[string]any, error) {
	out := make(map[string]any, len(g.collectors))
	for _, c := range g.collectors {
		v, ok, err := c.Collect(path)
		if err != nil {
			return nil, &domain.GranuleError{Path: path, Reason: "collector", Err: err}
		}
		if ok {
			out[c.Attribute()] = v
		}
	}
	return out, nil
}
