package application

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jobrunner/tessera/internal/domain"
)

func TestCoverageIdentifier(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"rain", "rain"},
		{"rain-2024", "rain_2024"},
		{"2024", "_2024"},
		{"sea surface", "sea_surface"},
		{"", "mosaic"},
	}
	for _, tt := range tests {
		if got := coverageIdentifier(tt.in); got != tt.want {
			t.Errorf("coverageIdentifier(%q) = %q, want %q", tt.in, got, tt.want)
		}
		if got := coverageIdentifier(tt.in); !domain.ValidIdentifier(got) {
			t.Errorf("coverageIdentifier(%q) = %q is not a valid identifier", tt.in, got)
		}
	}
}

func TestMosaicSettingsLocation(t *testing.T) {
	root := t.TempDir()
	outside := filepath.Join(t.TempDir(), "x.tif")

	tests := []struct {
		name     string
		settings MosaicSettings
		path     string
		want     string
	}{
		{"relative below root", MosaicSettings{Root: root}, filepath.Join(root, "2024", "a.tif"), "2024/a.tif"},
		{"absolute when configured", MosaicSettings{Root: root, AbsolutePath: true}, filepath.Join(root, "a.tif"), filepath.ToSlash(filepath.Join(root, "a.tif"))},
		{"absolute outside root", MosaicSettings{Root: root}, outside, filepath.ToSlash(outside)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.settings.location(tt.path)
			if got != tt.want {
				t.Errorf("location() = %q, want %q", got, tt.want)
			}
			if back := tt.settings.resolve(got); back != tt.path {
				t.Errorf("resolve(%q) = %q, want %q", got, back, tt.path)
			}
		})
	}
}

func TestMosaicSettingsAcceptsExtension(t *testing.T) {
	s := MosaicSettings{Extensions: []string{"tif", ".granule.yaml"}}
	tests := []struct {
		path string
		want bool
	}{
		{"a.tif", true},
		{"A.TIF", true},
		{"a.granule.yaml", true},
		{"a.yaml", false},
		{"a.png", false},
	}
	for _, tt := range tests {
		if got := s.acceptsExtension(tt.path); got != tt.want {
			t.Errorf("acceptsExtension(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
	if !(MosaicSettings{}).acceptsExtension("anything.bin") {
		t.Error("empty extension list must accept everything")
	}
}

func TestDefaultCoverage(t *testing.T) {
	s := MosaicSettings{Root: filepath.Join(t.TempDir(), "sea-ice")}
	if got := s.defaultCoverage(); got != "sea_ice" {
		t.Errorf("defaultCoverage() = %q", got)
	}
}

func TestPropertyCollectors(t *testing.T) {
	collectors, err := NewPropertyCollectors([]CollectorConfig{
		{Attribute: "time", Regex: `_(\d{8})\.`, Type: "time", Format: "20060102"},
		{Attribute: "band", Regex: `^([a-z]+)_`},
		{Attribute: "run", Regex: `_r(\d+)_`, Type: "integer"},
	})
	if err != nil {
		t.Fatalf("NewPropertyCollectors() error = %v", err)
	}

	tests := []struct {
		name  string
		c     PropertyCollector
		path  string
		want  any
		found bool
	}{
		{"time", collectors[0], "/data/red_r2_20240105.tif", time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC), true},
		{"string", collectors[1], "/data/red_r2_20240105.tif", "red", true},
		{"integer", collectors[2], "/data/red_r2_20240105.tif", int64(2), true},
		{"no match", collectors[0], "/data/red.tif", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := tt.c.Collect(tt.path)
			if err != nil {
				t.Fatalf("Collect() error = %v", err)
			}
			if ok != tt.found {
				t.Fatalf("Collect() found = %v, want %v", ok, tt.found)
			}
			if want, isTime := tt.want.(time.Time); isTime {
				if got.(time.Time).Equal(want) {
					return
				}
			} else if got == tt.want {
				return
			}
			t.Errorf("Collect() = %#v, want %#v", got, tt.want)
		})
	}

	if _, _, err := collectors[0].Collect("/data/red_20241399.tif"); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("bad date error = %v, want ErrInvalidInput", err)
	}
}

func TestPropertyCollectorConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  CollectorConfig
	}{
		{"bad attribute", CollectorConfig{Attribute: "1x", Regex: "x"}},
		{"bad type", CollectorConfig{Attribute: "x", Regex: "x", Type: "blob"}},
		{"bad regex", CollectorConfig{Attribute: "x", Regex: "("}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPropertyCollectors([]CollectorConfig{tt.cfg})
			var cerr *domain.ConfigError
			if !errors.As(err, &cerr) {
				t.Errorf("error = %v, want ConfigError", err)
			}
		})
	}
}
