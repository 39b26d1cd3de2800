package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/jobrunner/tessera/internal/domain"
	"github.com/jobrunner/tessera/internal/filter"
	"github.com/jobrunner/tessera/internal/ports/input"
	"github.com/jobrunner/tessera/internal/ports/output"
)

// Harvester ingests files into an existing catalog, one transaction per file.
type Harvester struct {
	ingester
	catalog output.GranuleCatalog
	layout  output.ConfigurationStore
	metrics output.MetricsCollector
}

var _ input.HarvestService = (*Harvester)(nil)

// NewHarvester creates a harvester.
func NewHarvester(
	catalog output.GranuleCatalog,
	formats output.FormatRegistry,
	layout output.ConfigurationStore,
	registry *CoverageRegistry,
	metrics output.MetricsCollector,
	settings MosaicSettings,
	logger *slog.Logger,
) (*Harvester, error) {
	collectors, err := NewPropertyCollectors(settings.Collectors)
	if err != nil {
		return nil, err
	}
	return &Harvester{
		ingester: ingester{
			formats:    formats,
			registry:   registry,
			settings:   settings,
			collectors: collectors,
			logger:     logger,
		},
		catalog: catalog,
		layout:  layout,
		metrics: metrics,
	}, nil
}

// Harvest implements input.HarvestService. Per-file problems are reported
// in the outcomes; only catalog failures are returned as errors, together
// with the outcomes of the files handled before.
func (h *Harvester) Harvest(ctx context.Context, path, coverage string) ([]domain.HarvestOutcome, error) {
	info, err := os.Stat(path)
	if err != nil {
		return []domain.HarvestOutcome{{
			Path:   path,
			Status: domain.HarvestSkipped,
			Reason: reasonUnreadable,
			Err:    err,
		}}, nil
	}

	target := coverage
	if target == "" {
		target = h.settings.defaultCoverage()
	}
	if !domain.ValidIdentifier(target) {
		return nil, &domain.ValidationError{Field: "coverage", Value: coverage, Constraint: "identifier", Message: "invalid coverage name"}
	}

	files := []string{path}
	if info.IsDir() {
		ff, err := filter.CompileFileFilter(h.settings.Filter)
		if err != nil {
			return nil, &domain.ConfigError{Field: "mosaic.filter", Message: err.Error()}
		}
		if files, err = walkCandidates(path, h.settings.Recursive, ff, h.candidate); err != nil {
			return nil, err
		}
	} else if !h.candidate(path) {
		return []domain.HarvestOutcome{{
			Path:   path,
			Status: domain.HarvestSkipped,
			Reason: reasonFiltered,
		}}, nil
	}

	outcomes := make([]domain.HarvestOutcome, 0, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		outcome, err := h.harvestFile(ctx, f, target)
		if err != nil {
			h.logger.Error("harvest aborted", "path", f, "error", err)
			return outcomes, err
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

// harvestFile ingests one file in its own transaction.
func (h *Harvester) harvestFile(ctx context.Context, path, target string) (domain.HarvestOutcome, error) {
	p := h.open(path)
	defer p.close(h.logger)

	tx, err := h.catalog.Begin(ctx)
	if err != nil {
		return domain.HarvestOutcome{}, err
	}
	tc := newTxCoverages(tx)

	res, err := h.ingest(ctx, tc, p, target, func(domain.RunState) {})
	if err != nil {
		_ = tx.Rollback()
		return domain.HarvestOutcome{}, err
	}
	if res.status != domain.HarvestIngested {
		_ = tx.Rollback()
		h.metrics.IncFiles(string(res.status))
		h.logger.Warn("file not harvested", "path", path, "status", res.status, "reason", res.reason, "error", res.err)
		return res.outcome(path), nil
	}

	configs := tc.touchedConfigs()
	staged, err := h.layout.Stage(configs)
	if err != nil {
		_ = tx.Rollback()
		return domain.HarvestOutcome{}, fmt.Errorf("staging coverage properties: %w", err)
	}
	tx.OnCommit(func() {
		if err := staged.Commit(); err != nil {
			h.logger.Error("failed to write coverage properties", "path", path, "error", err)
		}
		h.registry.Put(ctx, configs...)
	})
	if err := tx.Commit(); err != nil {
		_ = staged.Discard()
		return domain.HarvestOutcome{}, err
	}

	h.metrics.IncFiles(string(domain.HarvestIngested))
	for c, n := range res.inserted {
		h.metrics.AddGranulesInserted(c, n)
	}
	h.logger.Info("file harvested", "path", path, "coverages", res.coverages, "granules", res.granules)
	return res.outcome(path), nil
}

// RemoveLocation implements input.HarvestService. It deletes the granules
// of path from every coverage in one transaction.
func (h *Harvester) RemoveLocation(ctx context.Context, path string) (int64, error) {
	loc := h.settings.location(path)

	names, err := h.catalog.TypeNames(ctx)
	if err != nil {
		return 0, err
	}
	if len(names) == 0 {
		return 0, nil
	}

	tx, err := h.catalog.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var total int64
	var touched []string
	for _, name := range names {
		schema, err := tx.GetType(ctx, name)
		if err != nil {
			if errors.Is(err, domain.ErrUnknownCoverage) {
				continue
			}
			return 0, err
		}
		n, err := tx.RemoveGranules(ctx, name, filter.Eq(schema.Location(), loc))
		if err != nil {
			return 0, err
		}
		if n > 0 {
			touched = append(touched, name)
		}
		total += n
	}

	tx.OnCommit(func() {
		for _, name := range touched {
			if cfg, ok := h.registry.Get(name); ok {
				h.registry.Put(ctx, cfg)
			}
		}
	})
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	h.logger.Info("granules removed", "location", loc, "granules", total)
	return total, nil
}
