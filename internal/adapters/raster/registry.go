// Package raster provides the raster format collaborators used to open
// granules: georeferenced images with world files and YAML granule
// descriptors.
package raster

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/jobrunner/tessera/internal/domain"
	"github.com/jobrunner/tessera/internal/ports/output"
)

// Registry is an ordered set of raster formats.
type Registry struct {
	formats []output.RasterFormat
}

var _ output.FormatRegistry = (*Registry)(nil)

// NewRegistry creates a registry. Formats are tried in the given order.
func NewRegistry(formats ...output.RasterFormat) *Registry {
	return &Registry{formats: formats}
}

// Names returns the registered format names in order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.formats))
	for i, f := range r.formats {
		names[i] = f.Name()
	}
	return names
}

// Accepts reports whether any format can open path.
func (r *Registry) Accepts(path string) bool {
	for _, f := range r.formats {
		if f.Accepts(path) {
			return true
		}
	}
	return false
}

// Find returns the format for path. A suggested format is tried first when
// it accepts the file.
func (r *Registry) Find(path, suggested string) (output.RasterFormat, error) {
	if suggested != "" {
		for _, f := range r.formats {
			if strings.EqualFold(f.Name(), suggested) && f.Accepts(path) {
				return f, nil
			}
		}
	}
	for _, f := range r.formats {
		if f.Accepts(path) {
			return f, nil
		}
	}
	return nil, &domain.GranuleError{Path: path, Reason: "no format accepts the file", Err: domain.ErrUnsupportedFormat}
}

// Open finds the format of path and opens it.
func (r *Registry) Open(path, suggested string) (output.RasterReader, error) {
	f, err := r.Find(path, suggested)
	if err != nil {
		return nil, err
	}
	rd, err := f.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s as %s: %w", path, f.Name(), err)
	}
	return rd, nil
}

// IsSidecar implements output.FormatRegistry.
func (r *Registry) IsSidecar(path string) bool {
	return IsSidecar(path)
}

// sidecarExtensions are companion files that are never granules themselves.
var sidecarExtensions = map[string]bool{
	".wld": true, ".prj": true, ".properties": true, ".xml": true, ".ovr": true,
	".pgw": true, ".pngw": true,
	".tfw": true, ".tifw": true, ".tiffw": true,
	".jgw": true, ".jpgw": true, ".jpegw": true,
	".gfw": true, ".gifw": true,
}

// IsSidecar reports whether path is a world file, projection file or other
// companion file.
func IsSidecar(path string) bool {
	return sidecarExtensions[strings.ToLower(filepath.Ext(path))]
}
