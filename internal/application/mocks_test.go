package application

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jobrunner/tessera/internal/adapters/catalog"
	"github.com/jobrunner/tessera/internal/adapters/layout"
	"github.com/jobrunner/tessera/internal/adapters/raster"
	"github.com/jobrunner/tessera/internal/domain"
	"github.com/jobrunner/tessera/internal/ports/output"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fixture wires the real sqlite catalog, descriptor format and properties
// layout around a temporary mosaic root.
type fixture struct {
	root     string
	catalog  *catalog.Store
	formats  *raster.Registry
	layout   *layout.FileStore
	registry *CoverageRegistry
	metrics  *recordingMetrics
	settings MosaicSettings
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := filepath.Join(t.TempDir(), "rain")
	if err := os.MkdirAll(root, 0o750); err != nil {
		t.Fatal(err)
	}

	store, err := catalog.Open(context.Background(), catalog.Config{
		Driver:    "sqlite",
		DSN:       filepath.Join(t.TempDir(), "catalog.db"),
		BatchSize: 2,
	}, testLogger())
	if err != nil {
		t.Fatalf("catalog.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Dispose() })

	metrics := newRecordingMetrics()
	files := layout.NewFileStore(root, testLogger())
	return &fixture{
		root:     root,
		catalog:  store,
		formats:  raster.NewRegistry(raster.NewDescriptorFormat(domain.CRSWGS84)),
		layout:   files,
		registry: NewCoverageRegistry(files, store, metrics, testLogger()),
		metrics:  metrics,
		settings: MosaicSettings{Root: root, Recursive: true, Workers: 2},
	}
}

func (f *fixture) indexer(t *testing.T, events *EventDispatcher) *Indexer {
	t.Helper()
	ix, err := NewIndexer(f.catalog, f.formats, f.layout, f.registry, events, f.metrics, f.settings, testLogger())
	if err != nil {
		t.Fatalf("NewIndexer() error = %v", err)
	}
	return ix
}

func (f *fixture) harvester(t *testing.T) *Harvester {
	t.Helper()
	h, err := NewHarvester(f.catalog, f.formats, f.layout, f.registry, f.metrics, f.settings, testLogger())
	if err != nil {
		t.Fatalf("NewHarvester() error = %v", err)
	}
	return h
}

func (f *fixture) reader(cache output.QueryCache, read ReadSettings) *MosaicReader {
	return NewMosaicReader(f.catalog, f.formats, f.registry, cache, f.metrics, f.settings, read, testLogger())
}

func (f *fixture) run(t *testing.T, ix *Indexer) domain.RunReport {
	t.Helper()
	report, err := ix.Run(context.Background(), domain.IndexRequest{Root: f.root, Recursive: true})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	return report
}

// granuleSpec describes one YAML granule descriptor.
type granuleSpec struct {
	crs        string
	env        [4]float64
	levels     [][2]float64
	colorModel string
	fill       string
	coverages  []string // defaults to a single "data" coverage
	slices     []string // raw YAML slice entries
}

func (g granuleSpec) yaml() string {
	var b strings.Builder
	if g.crs != "" {
		fmt.Fprintf(&b, "crs: %s\n", g.crs)
	}
	fmt.Fprintf(&b, "envelope: [%g, %g, %g, %g]\n", g.env[0], g.env[1], g.env[2], g.env[3])
	levels := g.levels
	if len(levels) == 0 {
		levels = [][2]float64{{1, 1}}
	}
	b.WriteString("levels: [")
	for i, l := range levels {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "[%g, %g]", l[0], l[1])
	}
	b.WriteString("]\n")
	if g.colorModel != "" {
		fmt.Fprintf(&b, "color_model: %q\n", g.colorModel)
	}
	if g.fill != "" {
		fmt.Fprintf(&b, "fill: %q\n", g.fill)
	}
	names := g.coverages
	if len(names) == 0 {
		names = []string{"data"}
	}
	b.WriteString("coverages:\n")
	for _, n := range names {
		fmt.Fprintf(&b, "  - name: %s\n", n)
		if len(g.slices) > 0 {
			b.WriteString("    slices:\n")
			for _, s := range g.slices {
				fmt.Fprintf(&b, "      - %s\n", s)
			}
		}
	}
	return b.String()
}

// writeGranule writes name.granule.yaml below dir and returns its path.
func writeGranule(t *testing.T, dir, name string, g granuleSpec) string {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(name)+".granule.yaml")
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(g.yaml()), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func tile(minX, minY, maxX, maxY float64, slices ...string) granuleSpec {
	return granuleSpec{env: [4]float64{minX, minY, maxX, maxY}, slices: slices}
}

// recordingListener collects events.
type recordingListener struct {
	mu     sync.Mutex
	events []domain.ProcessEvent
}

func (l *recordingListener) OnEvent(e domain.ProcessEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *recordingListener) kinds() []domain.EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.EventKind, len(l.events))
	for i, e := range l.events {
		out[i] = e.Kind
	}
	return out
}

// recordingMetrics counts the metrics the services record.
type recordingMetrics struct {
	output.NoOpMetrics

	mu       sync.Mutex
	runs     map[string]int
	files    map[string]int
	inserted map[string]int
	reads    map[string]int
	sizes    map[string]int64
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		runs:     map[string]int{},
		files:    map[string]int{},
		inserted: map[string]int{},
		reads:    map[string]int{},
		sizes:    map[string]int64{},
	}
}

func (m *recordingMetrics) IncIndexRuns(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[outcome]++
}

func (m *recordingMetrics) IncFiles(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[outcome]++
}

func (m *recordingMetrics) AddGranulesInserted(coverage string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inserted[coverage] += n
}

func (m *recordingMetrics) IncReadRequests(_ string, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads[outcome]++
}

func (m *recordingMetrics) SetCatalogSize(coverage string, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sizes[coverage] = n
}

func (m *recordingMetrics) size(coverage string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sizes[coverage]
}

// failingCatalog makes the write transaction fail after a number of inserts.
type failingCatalog struct {
	output.GranuleCatalog
	failAfter int
	beginErr  error
}

func (c *failingCatalog) Begin(ctx context.Context) (output.CatalogTx, error) {
	if c.beginErr != nil {
		return nil, c.beginErr
	}
	tx, err := c.GranuleCatalog.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &failingTx{CatalogTx: tx, left: c.failAfter}, nil
}

var errInsertFailed = errors.New("disk full")

type failingTx struct {
	output.CatalogTx
	left int
}

func (t *failingTx) AddGranules(ctx context.Context, coverage string, records []domain.GranuleRecord) (int, error) {
	if t.left <= 0 {
		return 0, &domain.CatalogError{Coverage: coverage, Op: "insert", Err: errInsertFailed}
	}
	t.left--
	return t.CatalogTx.AddGranules(ctx, coverage, records)
}

// mapCache is an in-memory output.QueryCache.
type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
	hits int
	sets int
}

func newMapCache() *mapCache {
	return &mapCache{data: map[string][]byte{}}
}

func (c *mapCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	if ok {
		c.hits++
	}
	return v, ok, nil
}

func (c *mapCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	c.sets++
	return nil
}

// mockStorage implements output.ObjectStorage over in-memory contents.
type mockStorage struct {
	mu          sync.Mutex
	objects     map[string]string
	versions    map[string]int64
	downloadErr map[string]error
	listErr     error
	downloads   []string
}

func newMockStorage() *mockStorage {
	return &mockStorage{
		objects:     map[string]string{},
		versions:    map[string]int64{},
		downloadErr: map[string]error{},
	}
}

func (m *mockStorage) put(key, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = content
	m.versions[key]++
}

func (m *mockStorage) remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
}

func (m *mockStorage) List(_ context.Context) ([]output.StorageObject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	out := make([]output.StorageObject, 0, len(m.objects))
	for k, v := range m.objects {
		out = append(out, output.StorageObject{
			Key:          k,
			Size:         int64(len(v)),
			LastModified: m.versions[k],
			ETag:         fmt.Sprintf("%s-%d", k, m.versions[k]),
		})
	}
	return out, nil
}

func (m *mockStorage) Download(_ context.Context, key, dest string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.downloadErr[key]; err != nil {
		return err
	}
	content, ok := m.objects[key]
	if !ok {
		return domain.ErrNotFound
	}
	m.downloads = append(m.downloads, key)
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return err
	}
	return os.WriteFile(dest, []byte(content), 0o600)
}

func (m *mockStorage) GetReader(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.objects[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(strings.NewReader(content)), nil
}

func (m *mockStorage) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

// committingCatalog runs commit once, right before the first granule list
// is fetched, as a concurrent harvest would.
type committingCatalog struct {
	output.GranuleCatalog
	once   sync.Once
	commit func()
}

func (c *committingCatalog) GetGranules(ctx context.Context, q output.Query) ([]domain.GranuleRecord, error) {
	c.once.Do(c.commit)
	return c.GranuleCatalog.GetGranules(ctx, q)
}

// afterCommitCatalog runs next once, right after a transaction commits.
type afterCommitCatalog struct {
	output.GranuleCatalog
	next func()
}

func (c *afterCommitCatalog) Begin(ctx context.Context) (output.CatalogTx, error) {
	tx, err := c.GranuleCatalog.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &afterCommitTx{CatalogTx: tx, catalog: c}, nil
}

type afterCommitTx struct {
	output.CatalogTx
	catalog *afterCommitCatalog
}

func (t *afterCommitTx) Commit() error {
	if err := t.CatalogTx.Commit(); err != nil {
		return err
	}
	if next := t.catalog.next; next != nil {
		t.catalog.next = nil
		next()
	}
	return nil
}
