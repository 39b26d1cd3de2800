package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jobrunner/tessera/internal/adapters/storage"
	"github.com/jobrunner/tessera/internal/adapters/watcher"
	"github.com/jobrunner/tessera/internal/config"
	"github.com/jobrunner/tessera/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	root := filepath.Join(dir, "granules")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatal(err)
	}
	return &config.Config{
		Server:  config.ServerConfig{Host: "127.0.0.1", Port: 8080, ShutdownTimeout: time.Second},
		Catalog: config.CatalogConfig{Driver: "sqlite", DSN: filepath.Join(dir, "catalog.db"), BatchSize: 100},
		Mosaic: config.MosaicConfig{
			Root:              root,
			Recursive:         true,
			LocationAttribute: domain.DefaultLocationAttribute,
			Workers:           2,
			DefaultCRS:        "EPSG:4326",
		},
		Read:    config.ReadConfig{DefaultDimensionValues: true},
		Storage: config.StorageConfig{Type: "none"},
	}
}

func writeGranule(t *testing.T, dir, name string, minX float64, day string) string {
	t.Helper()
	path := filepath.Join(dir, name+".granule.yaml")
	body := fmt.Sprintf("envelope: [%g, 0, %g, 10]\nlevels: [[1, 1]]\nfill: \"#ff0000\"\ncoverages:\n  - name: data\n    slices:\n      - time: %sT00:00:00Z\n",
		minX, minX+10, day)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestInitStorage(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.StorageConfig
		wantErr bool
	}{
		{"local", config.StorageConfig{Type: "local", LocalPath: t.TempDir()}, false},
		{"http", config.StorageConfig{Type: "http", HTTP: config.HTTPConfig{BaseURL: "https://granules.example.com"}}, false},
		{"unknown", config.StorageConfig{Type: "ftp"}, true},
		{"none", config.StorageConfig{Type: "none"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := initStorage(context.Background(), tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("initStorage() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && s == nil {
				t.Error("initStorage() returned nil storage")
			}
		})
	}

	s, _ := initStorage(context.Background(), config.StorageConfig{Type: "local", LocalPath: t.TempDir()})
	if _, ok := s.(*storage.LocalStorage); !ok {
		t.Errorf("local storage type = %T", s)
	}
}

func TestMosaicSettings(t *testing.T) {
	cfg := testConfig(t)
	cfg.Mosaic.ImposedBBox = []float64{0, 0, 40, 10}
	cfg.Mosaic.Collectors = []config.CollectorConfig{
		{Attribute: "time", Regex: "[0-9]{8}", Type: "time", Format: "20060102"},
	}

	s := mosaicSettings(cfg)
	if s.Root != cfg.Mosaic.Root || !s.Recursive || s.Workers != 2 {
		t.Errorf("settings = %+v", s)
	}
	if len(s.Collectors) != 1 || s.Collectors[0].Attribute != "time" || s.Collectors[0].Format != "20060102" {
		t.Errorf("collectors = %+v", s.Collectors)
	}
	if s.ImposedBBox.IsEmpty() || s.ImposedBBox.Width() != 40 {
		t.Errorf("imposed bbox = %+v", s.ImposedBBox)
	}
}

func TestOpenIndexAndRead(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	a, err := Open(ctx, cfg, testLogger())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer a.Close()

	if a.Metrics != nil {
		t.Error("metrics collector created while disabled")
	}

	writeGranule(t, cfg.Mosaic.Root, "a", 0, "2024-01-01")
	writeGranule(t, cfg.Mosaic.Root, "b", 10, "2024-01-02")

	report, err := a.Indexer.Run(ctx, domain.IndexRequest{Root: cfg.Mosaic.Root, Recursive: true})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.State != domain.StateCommitted || report.Ingested != 2 {
		t.Fatalf("report = %+v", report)
	}

	names, err := a.Reader.Coverages(ctx)
	if err != nil || len(names) != 1 {
		t.Fatalf("Coverages() = %v, %v", names, err)
	}

	// Unconstrained time defaults to the latest slice of the whole coverage.
	result, err := a.Reader.Read(ctx, domain.ReadRequest{})
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got := result.Locations(); len(got) != 1 || got[0] != "b.granule.yaml" {
		t.Fatalf("Read() locations = %v, want the latest granule", got)
	}

	west := domain.NewEnvelope(1, 1, 9, 9, domain.CRSWGS84)
	result, err = a.Reader.Read(ctx, domain.ReadRequest{Envelope: west})
	if err != nil || result != nil {
		t.Fatalf("Read() west of the latest granule = %v, %v, want nothing", result, err)
	}

	result, err = a.Reader.Read(ctx, domain.ReadRequest{
		Envelope: west,
		Dimensions: map[string]domain.DimensionConstraint{
			"time": domain.PointConstraint(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		},
	})
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got := result.Locations(); len(got) != 1 || got[0] != "a.granule.yaml" {
		t.Fatalf("Read() locations = %v", got)
	}

	if !a.Health.IsHealthy(ctx) {
		t.Error("service should be healthy after indexing")
	}
}

func TestNewAndShutdown(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage = config.StorageConfig{Type: "local", LocalPath: t.TempDir()}
	cfg.Sync = config.SyncConfig{Enabled: true, Interval: time.Hour}
	cfg.Metrics = config.MetricsConfig{Enabled: true, Port: 9190, Path: "/metrics"}

	a, err := New(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if a.Storage == nil || a.Sync == nil {
		t.Error("storage source and sync should be wired")
	}
	if a.Metrics == nil || a.MetricsServer == nil {
		t.Error("metrics should be wired")
	}
	if a.HTTPServer == nil || a.TLSServer != nil {
		t.Error("expected plain HTTP server")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestHandleFileEvent(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	a, err := Open(ctx, cfg, testLogger())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer a.Close()

	writeGranule(t, cfg.Mosaic.Root, "a", 0, "2024-01-01")
	if _, err := a.Indexer.Run(ctx, domain.IndexRequest{Root: cfg.Mosaic.Root, Recursive: true}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	path := writeGranule(t, cfg.Mosaic.Root, "b", 10, "2024-01-02")
	if err := a.handleFileEvent(ctx, watcher.Event{Path: path, Operation: watcher.OpCreate}); err != nil {
		t.Fatalf("create event error = %v", err)
	}
	if got := a.Health.GetHealthDetails(ctx).Granules; got != 2 {
		t.Errorf("granules after create = %d, want 2", got)
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if err := a.handleFileEvent(ctx, watcher.Event{Path: path, Operation: watcher.OpDelete}); err != nil {
		t.Fatalf("delete event error = %v", err)
	}
	if got := a.Health.GetHealthDetails(ctx).Granules; got != 1 {
		t.Errorf("granules after delete = %d, want 1", got)
	}
}
