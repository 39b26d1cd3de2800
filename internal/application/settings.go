package application

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/jobrunner/tessera/internal/domain"
)

// MosaicSettings controls how files become granules.
type MosaicSettings struct {
	Root              string          // Mosaic root directory
	Recursive         bool            // Descend into subdirectories
	AbsolutePath      bool            // Store absolute locations
	LocationAttribute string          // Defaults to "location"
	Filter            string          // File filter expression
	Extensions        []string        // Candidate extensions, empty accepts all
	Workers           int             // Prefetch pool size
	SuggestedReader   string          // Preferred raster format
	ImposedBBox       domain.Envelope // Seeded into new coverages
	Caching           bool            // Seeded into new coverages
	Collectors        []CollectorConfig
}

// ReadSettings controls the mosaic reader.
type ReadSettings struct {
	MaxGranules            int           // Zero disables the guard
	DefaultDimensionValues bool          // Latest time, lowest elevation when unconstrained
	CacheTTL               time.Duration // Query cache lifetime
}

func (s MosaicSettings) workers() int {
	if s.Workers <= 0 {
		return 4
	}
	return s.Workers
}

// acceptsExtension reports whether path has one of the configured extensions.
func (s MosaicSettings) acceptsExtension(path string) bool {
	if len(s.Extensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range s.Extensions {
		e = strings.ToLower(e)
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		if e == ext || strings.HasSuffix(strings.ToLower(path), e) {
			return true
		}
	}
	return false
}

// location turns a file path into the stored granule location.
func (s MosaicSettings) location(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	if s.AbsolutePath || s.Root == "" {
		return filepath.ToSlash(abs)
	}
	root, err := filepath.Abs(s.Root)
	if err != nil {
		return filepath.ToSlash(abs)
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return filepath.ToSlash(abs)
	}
	return filepath.ToSlash(rel)
}

// resolve turns a stored location back into a file path.
func (s MosaicSettings) resolve(location string) string {
	p := filepath.FromSlash(location)
	if filepath.IsAbs(p) || s.Root == "" {
		return p
	}
	return filepath.Join(s.Root, p)
}

// defaultCoverage names the coverage of single-coverage files when no
// target is given: the root directory name made into an identifier.
func (s MosaicSettings) defaultCoverage() string {
	root, err := filepath.Abs(s.Root)
	if err != nil {
		root = s.Root
	}
	return coverageIdentifier(filepath.Base(root))
}

// coverageIdentifier replaces characters not allowed in coverage names.
func coverageIdentifier(name string) string {
	var b strings.Builder
	for i, r := range name {
		switch {
		case r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out == "" {
		return "mosaic"
	}
	if len(out) > 63 {
		out = out[:63]
	}
	return out
}
