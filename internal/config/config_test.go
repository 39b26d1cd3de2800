package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/jobrunner/tessera/internal/domain"
)

func validConfig() Config {
	return Config{
		Server:  ServerConfig{Host: "0.0.0.0", Port: 8080},
		Catalog: CatalogConfig{Driver: "sqlite", DSN: "catalog.db", BatchSize: 100},
		Mosaic:  MosaicConfig{Root: "./data", LocationAttribute: "location"},
		Storage: StorageConfig{Type: "none"},
		Metrics: MetricsConfig{Enabled: true, Port: 9090},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		modify    func(c *Config)
		wantField string
	}{
		{"valid", func(*Config) {}, ""},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"unknown driver", func(c *Config) { c.Catalog.Driver = "oracle" }, "catalog.driver"},
		{"postgres", func(c *Config) { c.Catalog.Driver = "postgres" }, ""},
		{"missing dsn", func(c *Config) { c.Catalog.DSN = "" }, "catalog.dsn"},
		{"zero batch", func(c *Config) { c.Catalog.BatchSize = 0 }, "catalog.batch_size"},
		{"missing root", func(c *Config) { c.Mosaic.Root = "" }, "mosaic.root"},
		{"bad location attribute", func(c *Config) { c.Mosaic.LocationAttribute = "1 loc" }, "mosaic.location_attribute"},
		{"short bbox", func(c *Config) { c.Mosaic.ImposedBBox = []float64{0, 0, 1} }, "mosaic.imposed_bbox"},
		{"full bbox", func(c *Config) { c.Mosaic.ImposedBBox = []float64{0, 0, 1, 1} }, ""},
		{"negative max granules", func(c *Config) { c.Read.MaxGranules = -1 }, "read.max_granules"},
		{"tls without domains", func(c *Config) {
			c.TLS = TLSConfig{Enabled: true, Email: "ops@example.com"}
		}, "tls.domains"},
		{"tls without email", func(c *Config) {
			c.TLS = TLSConfig{Enabled: true, Domains: []string{"tiles.example.com"}}
		}, "tls.email"},
		{"bad metrics port", func(c *Config) { c.Metrics.Port = 70000 }, "metrics.port"},
		{"metrics disabled ignores port", func(c *Config) {
			c.Metrics = MetricsConfig{Enabled: false, Port: 0}
		}, ""},
		{"sync without storage", func(c *Config) {
			c.Sync = SyncConfig{Enabled: true, Interval: time.Minute}
		}, "sync.enabled"},
		{"sync without interval", func(c *Config) {
			c.Storage = StorageConfig{Type: "local", LocalPath: "/srv/granules"}
			c.Sync = SyncConfig{Enabled: true}
		}, "sync.interval"},
		{"unknown storage", func(c *Config) { c.Storage.Type = "ftp" }, "storage.type"},
		{"local without path", func(c *Config) { c.Storage.Type = "local" }, "storage.local_path"},
		{"s3 without bucket", func(c *Config) {
			c.Storage = StorageConfig{Type: "s3", S3: S3Config{Region: "eu-central-1"}}
		}, "storage.s3.bucket"},
		{"s3 without region", func(c *Config) {
			c.Storage = StorageConfig{Type: "s3", S3: S3Config{Bucket: "granules"}}
		}, "storage.s3.region"},
		{"azure without account", func(c *Config) {
			c.Storage = StorageConfig{Type: "azure", Azure: AzureConfig{Container: "granules"}}
		}, "storage.azure"},
		{"azure with connection string", func(c *Config) {
			c.Storage = StorageConfig{Type: "azure", Azure: AzureConfig{Container: "granules", ConnectionString: "UseDevelopmentStorage=true"}}
		}, ""},
		{"http without url", func(c *Config) { c.Storage.Type = "http" }, "storage.http.base_url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(&cfg)

			err := cfg.Validate()
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}

			var cerr *domain.ConfigError
			if !errors.As(err, &cerr) {
				t.Fatalf("Validate() error = %v, want ConfigError", err)
			}
			if cerr.Field != tt.wantField {
				t.Errorf("field = %q, want %q", cerr.Field, tt.wantField)
			}
			if !errors.Is(err, domain.ErrInvalidInput) {
				t.Error("config errors should be invalid input")
			}
		})
	}
}

func TestStorageRemote(t *testing.T) {
	tests := []struct {
		typ  string
		want bool
	}{
		{"", false},
		{"none", false},
		{"local", true},
		{"s3", true},
		{"azure", true},
		{"http", true},
	}
	for _, tt := range tests {
		c := StorageConfig{Type: tt.typ}
		if got := c.Remote(); got != tt.want {
			t.Errorf("Remote(%q) = %v, want %v", tt.typ, got, tt.want)
		}
	}
}

func TestAddresses(t *testing.T) {
	s := ServerConfig{Host: "127.0.0.1", Port: 8081}
	if got := s.Address(); got != "127.0.0.1:8081" {
		t.Errorf("server Address() = %q", got)
	}
	m := MetricsConfig{Port: 9191}
	if got := m.Address(); got != ":9191" {
		t.Errorf("metrics Address() = %q", got)
	}
}

func TestImposedEnvelope(t *testing.T) {
	m := MosaicConfig{DefaultCRS: "EPSG:4326"}
	if env := m.ImposedEnvelope(); !env.IsEmpty() {
		t.Errorf("unset bbox gave %v", env)
	}

	m.ImposedBBox = []float64{-10, -5, 10, 5}
	env := m.ImposedEnvelope()
	if env.IsEmpty() {
		t.Fatal("imposed envelope is empty")
	}
	if env.Width() != 20 || env.Height() != 10 {
		t.Errorf("envelope size = %vx%v, want 20x10", env.Width(), env.Height())
	}
}

func TestLoad(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 8181
catalog:
  dsn: ` + filepath.Join(dir, "catalog.db") + `
mosaic:
  root: ` + dir + `
  collectors:
    - attribute: time
      regex: '[0-9]{8}'
      type: time
      format: "20060102"
cache:
  servers: ["localhost:11211"]
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 8181 {
		t.Errorf("port = %d, want 8181", cfg.Server.Port)
	}
	if cfg.Catalog.Driver != "sqlite" || cfg.Catalog.BatchSize != 1000 {
		t.Errorf("catalog defaults not applied: %+v", cfg.Catalog)
	}
	if cfg.Mosaic.Root != dir {
		t.Errorf("root = %q, want %q", cfg.Mosaic.Root, dir)
	}
	if cfg.Mosaic.LocationAttribute != domain.DefaultLocationAttribute {
		t.Errorf("location attribute = %q", cfg.Mosaic.LocationAttribute)
	}
	if len(cfg.Mosaic.Collectors) != 1 || cfg.Mosaic.Collectors[0].Format != "20060102" {
		t.Errorf("collectors = %+v", cfg.Mosaic.Collectors)
	}
	if !cfg.Cache.Enabled() || cfg.Cache.TTL != 5*time.Minute {
		t.Errorf("cache = %+v", cfg.Cache)
	}
	if cfg.Storage.Remote() {
		t.Error("storage should default to none")
	}
	if cfg.Sync.Interval != 15*time.Minute {
		t.Errorf("sync interval = %v", cfg.Sync.Interval)
	}
}

func TestLoadInvalid(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("catalog:\n  driver: oracle\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("Load() error = %v, want invalid input", err)
	}
}
