package application

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/jobrunner/tessera/internal/domain"
	"github.com/jobrunner/tessera/internal/ports/output"
)

func queryAll(coverage string) output.Query {
	return output.Query{Coverage: coverage, Limit: output.Unlimited}
}

func TestHarvestFiles(t *testing.T) {
	f := newFixture(t)
	a := writeGranule(t, f.root, "a", tile(0, 0, 10, 10))
	b := writeGranule(t, f.root, "b", tile(10, 0, 20, 10))
	bad := writeGranule(t, f.root, "c", granuleSpec{crs: "EPSG:3857", env: [4]float64{0, 0, 100, 100}})
	txt := filepath.Join(f.root, "readme.txt")
	if err := os.WriteFile(txt, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	h := f.harvester(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		path     string
		coverage string
		status   domain.HarvestStatus
		reason   string
		total    int64
	}{
		{"first file creates the coverage", a, "", domain.HarvestIngested, "", 1},
		{"second file joins", b, "", domain.HarvestIngested, "", 2},
		{"reharvest replaces", a, "", domain.HarvestIngested, "", 2},
		{"incompatible file skipped", bad, "", domain.HarvestSkipped, reasonCRSMismatch, 2},
		{"unsupported file skipped", txt, "", domain.HarvestSkipped, "no format accepts the file", 2},
		{"missing file skipped", filepath.Join(f.root, "gone.granule.yaml"), "", domain.HarvestSkipped, reasonUnreadable, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcomes, err := h.Harvest(ctx, tt.path, tt.coverage)
			if err != nil {
				t.Fatalf("Harvest() error = %v", err)
			}
			if len(outcomes) != 1 {
				t.Fatalf("outcomes = %v", outcomes)
			}
			o := outcomes[0]
			if o.Status != tt.status || o.Reason != tt.reason {
				t.Errorf("outcome = %s/%s, want %s/%s (%v)", o.Status, o.Reason, tt.status, tt.reason, o.Err)
			}
			if got := countGranules(t, f, "rain"); got != tt.total {
				t.Errorf("catalog holds %d granules, want %d", got, tt.total)
			}
		})
	}

	if _, err := f.layout.Load("rain"); err != nil {
		t.Errorf("properties not persisted: %v", err)
	}
}

func TestHarvestDirectoryIntoTargetCoverage(t *testing.T) {
	f := newFixture(t)
	dir := filepath.Join(f.root, "2024")
	writeGranule(t, dir, "a", tile(0, 0, 10, 10))
	writeGranule(t, dir, "b", tile(10, 0, 20, 10))

	outcomes, err := f.harvester(t).Harvest(context.Background(), dir, "snow")
	if err != nil {
		t.Fatalf("Harvest() error = %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("outcomes = %v", outcomes)
	}
	for _, o := range outcomes {
		if o.Status != domain.HarvestIngested || len(o.Coverages) != 1 || o.Coverages[0] != "snow" {
			t.Errorf("outcome = %+v", o)
		}
	}
	if got := countGranules(t, f, "snow"); got != 2 {
		t.Errorf("catalog holds %d granules, want 2", got)
	}

	records, err := f.catalog.GetGranules(context.Background(), queryAll("snow"))
	if err != nil {
		t.Fatal(err)
	}
	if records[0].Location != "2024/a.granule.yaml" {
		t.Errorf("location = %q, want root relative", records[0].Location)
	}
}

func TestHarvestPublishesConfigurationWithCommit(t *testing.T) {
	f := newFixture(t)
	a := writeGranule(t, f.root, "a", tile(0, 0, 10, 10))
	fine := tile(10, 0, 20, 10)
	fine.levels = [][2]float64{{0.5, 0.5}}
	b := writeGranule(t, f.root, "b", fine)
	c := writeGranule(t, f.root, "c", tile(20, 0, 30, 10))

	cat := &afterCommitCatalog{GranuleCatalog: f.catalog}
	h, err := NewHarvester(cat, f.formats, f.layout, f.registry, f.metrics, f.settings, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if _, err := h.Harvest(ctx, a, ""); err != nil {
		t.Fatal(err)
	}

	// The next writer starts as soon as b commits and must see its
	// configuration.
	var seen domain.CoverageConfiguration
	cat.next = func() {
		seen, _ = f.registry.Get("rain")
		if _, err := h.Harvest(ctx, c, ""); err != nil {
			t.Errorf("Harvest(c) error = %v", err)
		}
	}
	if _, err := h.Harvest(ctx, b, ""); err != nil {
		t.Fatal(err)
	}

	if !seen.Heterogeneous {
		t.Error("configuration not published when the commit returned")
	}
	if cfg, _ := f.registry.Get("rain"); !cfg.Heterogeneous {
		t.Error("registry lost the heterogeneous flag")
	}
	stored, err := f.layout.Load("rain")
	if err != nil || !stored.Heterogeneous {
		t.Errorf("properties = %+v, %v, want heterogeneous", stored, err)
	}
	if got := countGranules(t, f, "rain"); got != 3 {
		t.Errorf("catalog holds %d granules, want 3", got)
	}
}

func TestHarvestInvalidCoverageName(t *testing.T) {
	f := newFixture(t)
	path := writeGranule(t, f.root, "a", tile(0, 0, 10, 10))

	_, err := f.harvester(t).Harvest(context.Background(), path, "bad name")
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("Harvest() error = %v, want ErrInvalidInput", err)
	}
}

func TestHarvestCatalogFailure(t *testing.T) {
	f := newFixture(t)
	path := writeGranule(t, f.root, "a", tile(0, 0, 10, 10))

	failing := &failingCatalog{GranuleCatalog: f.catalog, beginErr: domain.ErrCatalogDisposed}
	h, err := NewHarvester(failing, f.formats, f.layout, f.registry, f.metrics, f.settings, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	_, err = h.Harvest(context.Background(), path, "")
	if !errors.Is(err, domain.ErrCatalogDisposed) {
		t.Errorf("Harvest() error = %v, want ErrCatalogDisposed", err)
	}
}

func TestRemoveLocation(t *testing.T) {
	f := newFixture(t)
	a := writeGranule(t, f.root, "a", tile(0, 0, 10, 10, `{elevation: 1}`, `{elevation: 2}`))
	writeGranule(t, f.root, "b", tile(10, 0, 20, 10, `{elevation: 1}`))
	f.run(t, f.indexer(t, nil))

	h := f.harvester(t)
	n, err := h.RemoveLocation(context.Background(), a)
	if err != nil {
		t.Fatalf("RemoveLocation() error = %v", err)
	}
	if n != 2 {
		t.Errorf("removed %d granules, want 2", n)
	}
	if got := countGranules(t, f, "rain"); got != 1 {
		t.Errorf("catalog holds %d granules, want 1", got)
	}
	if got := f.metrics.size("rain"); got != 1 {
		t.Errorf("catalog size metric = %d, want 1", got)
	}

	n, err = h.RemoveLocation(context.Background(), a)
	if err != nil || n != 0 {
		t.Errorf("second RemoveLocation() = %d, %v", n, err)
	}
}
