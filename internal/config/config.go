// Package config provides configuration management using Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jobrunner/tessera/internal/domain"
)

// Config holds all application configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Catalog CatalogConfig `mapstructure:"catalog"`
	Mosaic  MosaicConfig  `mapstructure:"mosaic"`
	Read    ReadConfig    `mapstructure:"read"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Storage StorageConfig `mapstructure:"storage"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Watch   WatchConfig   `mapstructure:"watch"`
	TLS     TLSConfig     `mapstructure:"tls"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORS            CORSConfig    `mapstructure:"cors"`
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"` // e.g., ["https://example.com", "*.sub.domain.tld"]
}

// Enabled returns true if CORS is configured with at least one allowed origin.
func (c *CORSConfig) Enabled() bool {
	return len(c.AllowedOrigins) > 0
}

// CatalogConfig selects the granule catalog database.
type CatalogConfig struct {
	Driver       string `mapstructure:"driver"` // sqlite, postgres
	DSN          string `mapstructure:"dsn"`
	BatchSize    int    `mapstructure:"batch_size"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// MosaicConfig controls how files under the root become granules.
type MosaicConfig struct {
	Root              string            `mapstructure:"root"`
	Recursive         bool              `mapstructure:"recursive"`
	AbsolutePath      bool              `mapstructure:"absolute_path"`
	LocationAttribute string            `mapstructure:"location_attribute"`
	Filter            string            `mapstructure:"filter"` // e.g. "size > 0 && name != 'overview.png'"
	Extensions        []string          `mapstructure:"extensions"`
	Workers           int               `mapstructure:"workers"`
	Caching           bool              `mapstructure:"caching"`
	SuggestedReader   string            `mapstructure:"suggested_reader"`
	DefaultCRS        string            `mapstructure:"default_crs"`
	ImposedBBox       []float64         `mapstructure:"imposed_bbox"` // minx, miny, maxx, maxy
	Collectors        []CollectorConfig `mapstructure:"collectors"`
}

// CollectorConfig extracts an attribute value from file names.
type CollectorConfig struct {
	Attribute string `mapstructure:"attribute"`
	Regex     string `mapstructure:"regex"`
	Type      string `mapstructure:"type"`   // string, integer, double, time
	Format    string `mapstructure:"format"` // Go time layout for time values
}

// ReadConfig controls the mosaic reader.
type ReadConfig struct {
	MaxGranules            int  `mapstructure:"max_granules"`
	DefaultDimensionValues bool `mapstructure:"default_dimension_values"`
}

// CacheConfig holds query cache configuration.
type CacheConfig struct {
	Servers []string      `mapstructure:"servers"` // memcache host:port list, empty disables caching
	TTL     time.Duration `mapstructure:"ttl"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Enabled returns true if at least one memcache server is configured.
func (c *CacheConfig) Enabled() bool {
	return len(c.Servers) > 0
}

// StorageConfig holds the granule source configuration.
type StorageConfig struct {
	Type      string      `mapstructure:"type"` // none, local, s3, azure, http
	LocalPath string      `mapstructure:"local_path"`
	S3        S3Config    `mapstructure:"s3"`
	Azure     AzureConfig `mapstructure:"azure"`
	HTTP      HTTPConfig  `mapstructure:"http"`
}

// Remote returns true if granules are mirrored from a source.
func (c *StorageConfig) Remote() bool {
	return c.Type != "" && c.Type != "none"
}

// S3Config holds AWS S3 configuration.
type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Prefix          string `mapstructure:"prefix"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// AzureConfig holds Azure Blob Storage configuration.
type AzureConfig struct {
	Container        string `mapstructure:"container"`
	AccountName      string `mapstructure:"account_name"`
	AccountKey       string `mapstructure:"account_key"`
	ConnectionString string `mapstructure:"connection_string"`
	Prefix           string `mapstructure:"prefix"`
}

// HTTPConfig holds HTTP download configuration.
type HTTPConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	IndexFile string        `mapstructure:"index_file"` // default: index.txt
	Timeout   time.Duration `mapstructure:"timeout"`
	Username  string        `mapstructure:"username"`
	Password  string        `mapstructure:"password"`
}

// SyncConfig holds source synchronisation configuration.
type SyncConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	Coverage string        `mapstructure:"coverage"`
}

// WatchConfig holds hot-harvest configuration.
type WatchConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Debounce time.Duration `mapstructure:"debounce"`
	Coverage string        `mapstructure:"coverage"`
}

// TLSConfig holds TLS/CertMagic configuration.
type TLSConfig struct {
	Enabled  bool      `mapstructure:"enabled"`
	Domains  []string  `mapstructure:"domains"`
	Email    string    `mapstructure:"email"`
	CacheDir string    `mapstructure:"cache_dir"`
	Staging  bool      `mapstructure:"staging"` // Use Let's Encrypt staging
	DNS      DNSConfig `mapstructure:"dns"`
}

// DNSConfig holds Azure DNS settings for the DNS-01 challenge.
type DNSConfig struct {
	SubscriptionID    string `mapstructure:"subscription_id"`
	ResourceGroupName string `mapstructure:"resource_group_name"`
	ClientID          string `mapstructure:"client_id"`
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, text
}

// Defaults sets the default configuration values.
func Defaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 30*time.Second)
	viper.SetDefault("server.write_timeout", 60*time.Second)
	viper.SetDefault("server.shutdown_timeout", 10*time.Second)
	viper.SetDefault("server.cors.allowed_origins", []string{})

	// Catalog defaults
	viper.SetDefault("catalog.driver", "sqlite")
	viper.SetDefault("catalog.dsn", "./data/catalog.db")
	viper.SetDefault("catalog.batch_size", 1000)
	viper.SetDefault("catalog.max_open_conns", 0)

	// Mosaic defaults
	viper.SetDefault("mosaic.root", "./data")
	viper.SetDefault("mosaic.recursive", true)
	viper.SetDefault("mosaic.absolute_path", false)
	viper.SetDefault("mosaic.location_attribute", domain.DefaultLocationAttribute)
	viper.SetDefault("mosaic.workers", 4)
	viper.SetDefault("mosaic.caching", false)
	viper.SetDefault("mosaic.default_crs", domain.CRSWGS84.Code)

	// Read defaults
	viper.SetDefault("read.max_granules", 0)
	viper.SetDefault("read.default_dimension_values", true)

	// Cache defaults
	viper.SetDefault("cache.servers", []string{})
	viper.SetDefault("cache.ttl", 5*time.Minute)
	viper.SetDefault("cache.timeout", 100*time.Millisecond)

	// Storage defaults
	viper.SetDefault("storage.type", "none")
	viper.SetDefault("storage.http.index_file", "index.txt")
	viper.SetDefault("storage.http.timeout", 5*time.Minute)

	// Sync defaults
	viper.SetDefault("sync.enabled", false)
	viper.SetDefault("sync.interval", 15*time.Minute)

	// Watch defaults
	viper.SetDefault("watch.enabled", false)
	viper.SetDefault("watch.debounce", 500*time.Millisecond)

	// TLS defaults
	viper.SetDefault("tls.enabled", false)
	viper.SetDefault("tls.cache_dir", "./.certmagic")
	viper.SetDefault("tls.staging", false)

	// Metrics defaults
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.port", 9090)
	viper.SetDefault("metrics.path", "/metrics")

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
}

// Load loads configuration from environment and config file.
func Load(configPath string) (*Config, error) {
	Defaults()

	// Environment variable binding
	viper.SetEnvPrefix("TESSERA")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Config file
	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/tessera")
	}

	// Try to read config file (not required)
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return &domain.ConfigError{Field: "server.port", Message: fmt.Sprintf("invalid server port: %d", c.Server.Port)}
	}

	switch c.Catalog.Driver {
	case "sqlite", "postgres":
	default:
		return &domain.ConfigError{Field: "catalog.driver", Message: fmt.Sprintf("unknown catalog driver: %s", c.Catalog.Driver)}
	}
	if c.Catalog.DSN == "" {
		return &domain.ConfigError{Field: "catalog.dsn", Message: "catalog DSN is required"}
	}
	if c.Catalog.BatchSize < 1 {
		return &domain.ConfigError{Field: "catalog.batch_size", Message: "batch size must be positive"}
	}

	if c.Mosaic.Root == "" {
		return &domain.ConfigError{Field: "mosaic.root", Message: "mosaic root is required"}
	}
	if c.Mosaic.LocationAttribute != "" && !domain.ValidIdentifier(c.Mosaic.LocationAttribute) {
		return &domain.ConfigError{Field: "mosaic.location_attribute", Message: fmt.Sprintf("invalid attribute name %q", c.Mosaic.LocationAttribute)}
	}
	if n := len(c.Mosaic.ImposedBBox); n != 0 && n != 4 {
		return &domain.ConfigError{Field: "mosaic.imposed_bbox", Message: "imposed bbox needs minx, miny, maxx, maxy"}
	}
	if c.Read.MaxGranules < 0 {
		return &domain.ConfigError{Field: "read.max_granules", Message: "must not be negative"}
	}

	if c.TLS.Enabled {
		if len(c.TLS.Domains) == 0 {
			return &domain.ConfigError{Field: "tls.domains", Message: "TLS enabled but no domains specified"}
		}
		if c.TLS.Email == "" {
			return &domain.ConfigError{Field: "tls.email", Message: "TLS enabled but no email specified"}
		}
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return &domain.ConfigError{Field: "metrics.port", Message: fmt.Sprintf("invalid metrics port: %d", c.Metrics.Port)}
	}

	if c.Sync.Enabled {
		if !c.Storage.Remote() {
			return &domain.ConfigError{Field: "sync.enabled", Message: "sync needs a storage source"}
		}
		if c.Sync.Interval <= 0 {
			return &domain.ConfigError{Field: "sync.interval", Message: "sync interval must be positive"}
		}
	}

	return c.Storage.validate()
}

func (c *StorageConfig) validate() error {
	switch c.Type {
	case "", "none":
	case "local":
		if c.LocalPath == "" {
			return &domain.ConfigError{Field: "storage.local_path", Message: "local storage path is required"}
		}
	case "s3":
		if c.S3.Bucket == "" {
			return &domain.ConfigError{Field: "storage.s3.bucket", Message: "S3 bucket is required"}
		}
		if c.S3.Region == "" {
			return &domain.ConfigError{Field: "storage.s3.region", Message: "S3 region is required"}
		}
	case "azure":
		if c.Azure.Container == "" {
			return &domain.ConfigError{Field: "storage.azure.container", Message: "azure container is required"}
		}
		if c.Azure.AccountName == "" && c.Azure.ConnectionString == "" {
			return &domain.ConfigError{Field: "storage.azure", Message: "azure account name or connection string is required"}
		}
	case "http":
		if c.HTTP.BaseURL == "" {
			return &domain.ConfigError{Field: "storage.http.base_url", Message: "HTTP base URL is required"}
		}
	default:
		return &domain.ConfigError{Field: "storage.type", Message: fmt.Sprintf("unknown storage type: %s", c.Type)}
	}
	return nil
}

// Address returns the server address string.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Address returns the metrics server address string.
func (c *MetricsConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// ImposedEnvelope returns the imposed bounding box, empty when unset.
func (c *MosaicConfig) ImposedEnvelope() domain.Envelope {
	if len(c.ImposedBBox) != 4 {
		return domain.Envelope{}
	}
	b := c.ImposedBBox
	return domain.NewEnvelope(b[0], b[1], b[2], b[3], domain.ParseCRS(c.DefaultCRS))
}
