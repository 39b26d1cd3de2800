package application

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jobrunner/tessera/internal/domain"
	"github.com/jobrunner/tessera/internal/filter"
	"github.com/jobrunner/tessera/internal/ports/input"
	"github.com/jobrunner/tessera/internal/ports/output"
)

// ErrIndexingRunning is returned when a run is requested while another is active.
var ErrIndexingRunning = fmt.Errorf("indexing run in progress: %w", domain.ErrConflict)

// Indexer walks a directory tree and commits every accepted granule in a
// single catalog transaction.
type Indexer struct {
	ingester
	catalog output.GranuleCatalog
	layout  output.ConfigurationStore
	events  *EventDispatcher
	metrics output.MetricsCollector

	running sync.Mutex
	stop    atomic.Bool
	state   atomic.Value // domain.RunState
}

var _ input.IndexService = (*Indexer)(nil)

// NewIndexer creates an indexer.
func NewIndexer(
	catalog output.GranuleCatalog,
	formats output.FormatRegistry,
	layout output.ConfigurationStore,
	registry *CoverageRegistry,
	events *EventDispatcher,
	metrics output.MetricsCollector,
	settings MosaicSettings,
	logger *slog.Logger,
) (*Indexer, error) {
	collectors, err := NewPropertyCollectors(settings.Collectors)
	if err != nil {
		return nil, err
	}
	ix := &Indexer{
		ingester: ingester{
			formats:    formats,
			registry:   registry,
			settings:   settings,
			collectors: collectors,
			logger:     logger,
		},
		catalog: catalog,
		layout:  layout,
		events:  events,
		metrics: metrics,
	}
	ix.state.Store(domain.StateInit)
	return ix, nil
}

// State implements input.IndexService.
func (ix *Indexer) State() domain.RunState {
	return ix.state.Load().(domain.RunState)
}

// Running reports whether a run is in progress.
func (ix *Indexer) Running() bool {
	switch ix.State() {
	case domain.StateInit, domain.StateCommitted, domain.StateRolledBack:
		return false
	}
	return true
}

// Stop implements input.IndexService. The run rolls back at the next file
// boundary; the file being processed is finished first.
func (ix *Indexer) Stop() {
	ix.stop.Store(true)
}

func (ix *Indexer) setState(s domain.RunState) {
	ix.state.Store(s)
}

func (ix *Indexer) cancelled(ctx context.Context) bool {
	return ix.stop.Load() || ctx.Err() != nil
}

// Run implements input.IndexService.
func (ix *Indexer) Run(ctx context.Context, req domain.IndexRequest) (domain.RunReport, error) {
	if !ix.running.TryLock() {
		return domain.RunReport{}, ErrIndexingRunning
	}
	defer ix.running.Unlock()
	ix.stop.Store(false)

	start := time.Now()
	report := domain.RunReport{RunID: uuid.NewString()}
	logger := ix.logger.With("run_id", report.RunID)

	ix.setState(domain.StateInit)
	ix.emit(report.RunID, domain.EventStarted, req.Root, "", 0, nil)
	logger.Info("indexing started", "root", req.Root, "recursive", req.Recursive)

	finish := func(state domain.RunState, kind domain.EventKind, outcome string, err error) (domain.RunReport, error) {
		ix.setState(state)
		report.State = state
		report.Duration = time.Since(start)
		ix.metrics.IncIndexRuns(outcome)
		ix.metrics.ObserveRunDuration(report.Duration)
		ix.emit(report.RunID, kind, req.Root, "", 100, err)
		return report, err
	}

	ix.setState(domain.StateScanning)
	files, err := ix.scan(req)
	if err != nil {
		logger.Error("indexing failed", "error", err)
		return finish(domain.StateRolledBack, domain.EventFailed, "failed", err)
	}
	report.Files = len(files)

	target := req.Coverage
	if target == "" {
		target = ix.settings.defaultCoverage()
	}

	tx, err := ix.catalog.Begin(ctx)
	if err != nil {
		logger.Error("indexing failed", "error", err)
		return finish(domain.StateRolledBack, domain.EventFailed, "failed", err)
	}
	tc := newTxCoverages(tx)

	rollback := func(kind domain.EventKind, outcome string, cause error) (domain.RunReport, error) {
		if err := tx.Rollback(); err != nil {
			logger.Error("rollback failed", "error", err)
		}
		report.Ingested, report.Granules, report.Coverages = 0, 0, nil
		if kind == domain.EventCancelled {
			logger.Info("indexing cancelled, catalog unchanged")
		} else {
			logger.Error("indexing failed, catalog unchanged", "error", cause)
		}
		return finish(domain.StateRolledBack, kind, outcome, cause)
	}

	cancelled, err := ix.walk(ctx, tc, files, target, &report, logger)
	switch {
	case err != nil:
		return rollback(domain.EventFailed, "failed", err)
	case cancelled:
		return rollback(domain.EventCancelled, "rolled_back", domain.ErrIndexingCancelled)
	}

	ix.setState(domain.StateFinalizing)
	configs := tc.touchedConfigs()
	var staged output.StagedWrite
	if len(configs) > 0 {
		if staged, err = ix.layout.Stage(configs); err != nil {
			return rollback(domain.EventFailed, "failed", err)
		}
	}

	tx.OnCommit(func() {
		if staged != nil {
			if err := staged.Commit(); err != nil {
				logger.Error("failed to write coverage properties", "error", err)
			}
		}
		ix.registry.Put(ctx, configs...)
	})
	if err := tx.Commit(); err != nil {
		if staged != nil {
			_ = staged.Discard()
		}
		return rollback(domain.EventFailed, "failed", err)
	}

	for _, cfg := range configs {
		report.Coverages = append(report.Coverages, cfg.Name)
	}
	logger.Info("indexing committed",
		"files", report.Files,
		"ingested", report.Ingested,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"granules", report.Granules,
	)
	return finish(domain.StateCommitted, domain.EventCompleted, "committed", nil)
}

// walk processes files in order. Files are opened ahead by a bounded pool;
// checks and inserts happen here, one file at a time.
func (ix *Indexer) walk(ctx context.Context, tc *txCoverages, files []string, target string, report *domain.RunReport, logger *slog.Logger) (bool, error) {
	if len(files) == 0 {
		return ix.cancelled(ctx), nil
	}

	workers := ix.settings.workers()
	pctx, cancel := context.WithCancel(ctx)

	results := make([]chan prefetched, len(files))
	for i := range results {
		results[i] = make(chan prefetched, 1)
	}
	window := make(chan struct{}, 2*workers)

	var g errgroup.Group
	g.SetLimit(workers)
	producerDone := make(chan struct{})
	go func() {
		defer close(producerDone)
		for i, path := range files {
			select {
			case window <- struct{}{}:
			case <-pctx.Done():
				return
			}
			g.Go(func() error {
				results[i] <- ix.open(path)
				return nil
			})
		}
	}()

	defer func() {
		cancel()
		<-producerDone
		_ = g.Wait()
		for _, ch := range results {
			select {
			case p := <-ch:
				p.close(logger)
			default:
			}
		}
	}()

	for i, path := range files {
		if ix.cancelled(ctx) {
			return true, nil
		}

		ix.setState(domain.StateOpening)
		var p prefetched
		select {
		case p = <-results[i]:
		case <-ctx.Done():
			return true, nil
		}

		res, err := func() (fileResult, error) {
			defer p.close(logger)
			defer func() { <-window }()
			return ix.ingest(ctx, tc, p, target, ix.setState)
		}()
		if err != nil {
			return false, err
		}

		percent := float64(i+1) / float64(len(files)) * 100
		ix.record(report, path, res, percent, logger)
	}
	return ix.cancelled(ctx), nil
}

// record counts a file result and emits its event.
func (ix *Indexer) record(report *domain.RunReport, path string, res fileResult, percent float64, logger *slog.Logger) {
	coverage := ""
	if len(res.coverages) > 0 {
		coverage = res.coverages[0]
	}

	switch res.status {
	case domain.HarvestIngested:
		report.Ingested++
		report.Granules += res.granules
		ix.metrics.IncFiles("ingested")
		for c, n := range res.inserted {
			ix.metrics.AddGranulesInserted(c, n)
		}
		logger.Debug("file ingested", "path", path, "coverage", coverage, "granules", res.granules)
		ix.emit(report.RunID, domain.EventFileIngested, path, coverage, percent, nil)
	case domain.HarvestSkipped:
		report.Skipped++
		ix.metrics.IncFiles("skipped")
		logger.Warn("file skipped", "path", path, "reason", res.reason, "error", res.err)
		ix.emit(report.RunID, domain.EventFileSkipped, path, coverage, percent, res.err)
	default:
		report.Failed++
		ix.metrics.IncFiles("failed")
		logger.Warn("file failed", "path", path, "error", res.err)
		ix.emit(report.RunID, domain.EventFileFailed, path, coverage, percent, res.err)
	}
}

// scan lists the candidate files under the request root in lexical order.
func (ix *Indexer) scan(req domain.IndexRequest) ([]string, error) {
	info, err := os.Stat(req.Root)
	if err != nil {
		return nil, fmt.Errorf("indexing root: %w", err)
	}
	if !info.IsDir() {
		return nil, &domain.ValidationError{Field: "root", Value: req.Root, Constraint: "directory", Message: "indexing root is not a directory"}
	}

	pattern := req.Filter
	if pattern == "" {
		pattern = ix.settings.Filter
	}
	ff, err := filter.CompileFileFilter(pattern)
	if err != nil {
		return nil, &domain.ValidationError{Field: "filter", Value: pattern, Constraint: "file filter", Message: err.Error()}
	}

	return walkCandidates(req.Root, req.Recursive, ff, ix.candidate)
}

// walkCandidates lists files below root accepted by both ff and accept.
func walkCandidates(root string, recursive bool, ff *filter.FileFilter, accept func(string) bool) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && (!recursive || isHidden(d.Name())) {
				return filepath.SkipDir
			}
			return nil
		}
		if isHidden(d.Name()) || !accept(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		ok, err := ff.Match(path, info)
		if err != nil {
			return err
		}
		if ok {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", root, err)
	}
	return files, nil
}

func isHidden(name string) bool {
	return len(name) > 1 && name[0] == '.'
}

func (ix *Indexer) emit(runID string, kind domain.EventKind, path, coverage string, percent float64, err error) {
	if ix.events == nil {
		return
	}
	msg := string(kind)
	if err != nil && !errors.Is(err, domain.ErrIndexingCancelled) {
		msg = err.Error()
	}
	ix.events.Dispatch(domain.ProcessEvent{
		RunID:    runID,
		Kind:     kind,
		Path:     path,
		Coverage: coverage,
		Message:  msg,
		Percent:  percent,
		Err:      err,
		Time:     time.Now(),
	})
}
