package output

import (
	"context"
	"image"
	"time"

	"github.com/jobrunner/tessera/internal/domain"
)

// RasterFormat recognizes and opens raster files.
type RasterFormat interface {
	// Name identifies the format, e.g. "worldimage".
	Name() string

	// Accepts reports whether the format can open path.
	Accepts(path string) bool

	// Open opens a file. The caller must Close the reader.
	Open(path string) (RasterReader, error)
}

// RasterReader exposes the metadata and pixels of one opened file.
type RasterReader interface {
	// CoverageNames lists the coverages (variables) in the file.
	CoverageNames() []string

	// Info describes one coverage.
	Info(name string) (CoverageInfo, error)

	// Slices lists the 2D slices of a coverage. Files without extra
	// dimensions return a single empty slice.
	Slices(name string) ([]Slice, error)

	// Read renders the part of a coverage covering region.
	Read(ctx context.Context, name string, region Region) (image.Image, error)

	// Close releases the file.
	Close() error
}

// CoverageInfo is what a reader knows about one coverage of a file.
type CoverageInfo struct {
	Envelope    domain.Envelope
	CRS         domain.CRS
	Levels      []domain.Level // finest first
	ColorModel  domain.ColorModelInfo
	SampleModel domain.SampleModel
	Overviews   int
	Width       int
	Height      int
}

// Slice holds the dimension values of one 2D raster in a file.
type Slice struct {
	Index        int
	Time         *time.Time
	TimeEnd      *time.Time
	Elevation    *float64
	ElevationEnd *float64
	Custom       map[string]any
}

// Region is a pixel read request.
type Region struct {
	Envelope domain.Envelope // Area to read, in the coverage CRS
	Level    int             // Resolution level
	Width    int             // Output size in pixels
	Height   int
}

// FormatRegistry picks the format able to open a file.
type FormatRegistry interface {
	// Accepts reports whether any format can open path.
	Accepts(path string) bool

	// IsSidecar reports whether path is a companion file of a granule.
	IsSidecar(path string) bool

	// Open opens path, trying the suggested format first.
	Open(path, suggested string) (RasterReader, error)
}
