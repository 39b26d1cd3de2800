package raster

import (
	"bufio"
	"context"
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/jobrunner/tessera/internal/domain"
	"github.com/jobrunner/tessera/internal/ports/output"
)

// WorldImageName is the name of the world image format.
const WorldImageName = "worldimage"

// worldFileExtensions maps image extensions to their world file extensions.
var worldFileExtensions = map[string][]string{
	".png":  {".pgw", ".pngw"},
	".gif":  {".gfw", ".gifw"},
	".jpg":  {".jgw", ".jpgw"},
	".jpeg": {".jgw", ".jpegw"},
	".tif":  {".tfw", ".tifw"},
	".tiff": {".tfw", ".tiffw"},
}

// WorldImageFormat opens PNG, GIF, JPEG and TIFF images georeferenced by an
// ESRI world file and an optional .prj file.
type WorldImageFormat struct {
	// DefaultCRS is used when the image has no .prj file.
	DefaultCRS domain.CRS
}

// NewWorldImageFormat creates the format.
func NewWorldImageFormat(defaultCRS domain.CRS) *WorldImageFormat {
	return &WorldImageFormat{DefaultCRS: defaultCRS}
}

// Name implements output.RasterFormat.
func (f *WorldImageFormat) Name() string { return WorldImageName }

// Accepts implements output.RasterFormat. The image needs a world file.
func (f *WorldImageFormat) Accepts(path string) bool {
	_, ok := worldFile(path)
	return ok
}

// Open implements output.RasterFormat.
func (f *WorldImageFormat) Open(path string) (output.RasterReader, error) {
	wf, ok := worldFile(path)
	if !ok {
		return nil, &domain.GranuleError{Path: path, Reason: "missing world file", Err: domain.ErrUnsupportedFormat}
	}

	cfg, _, err := decodeConfig(path)
	if err != nil {
		return nil, &domain.GranuleError{Path: path, Reason: "unreadable image", Err: err}
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, &domain.GranuleError{Path: path, Reason: "empty image", Err: domain.ErrInvalidInput}
	}

	gt, err := readWorldFile(wf)
	if err != nil {
		return nil, &domain.GranuleError{Path: path, Reason: "invalid world file", Err: err}
	}

	crs, err := readPrj(path)
	if err != nil {
		return nil, &domain.GranuleError{Path: path, Reason: "invalid projection file", Err: err}
	}
	if crs.IsZero() {
		crs = f.DefaultCRS
	}

	resX, resY := gt[1], -gt[5]
	minX := gt[0] - resX/2
	maxY := gt[3] + resY/2
	env := domain.NewEnvelope(minX, maxY-resY*float64(cfg.Height), minX+resX*float64(cfg.Width), maxY, crs)

	cm := colorModelInfo(cfg.ColorModel)
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	return &worldImageReader{
		path: path,
		name: name,
		info: output.CoverageInfo{
			Envelope:    env,
			CRS:         crs,
			Levels:      []domain.Level{{resX, resY}},
			ColorModel:  cm,
			SampleModel: sampleModel(cm, cfg.Width, cfg.Height),
			Width:       cfg.Width,
			Height:      cfg.Height,
		},
	}, nil
}

// worldFile finds the world file of an image.
func worldFile(path string) (string, bool) {
	ext := filepath.Ext(path)
	candidates, ok := worldFileExtensions[strings.ToLower(ext)]
	if !ok {
		return "", false
	}
	base := strings.TrimSuffix(path, ext)
	for _, c := range append(candidates, ".wld") {
		for _, p := range []string{base + c, base + strings.ToUpper(c)} {
			if st, err := os.Stat(p); err == nil && st.Mode().IsRegular() {
				return p, true
			}
		}
	}
	return "", false
}

// readWorldFile parses the six lines of a world file into a geotransform
// anchored at the center of the upper-left pixel.
func readWorldFile(path string) (domain.GeoTransform, error) {
	f, err := os.Open(path) //#nosec G304 -- sidecar of a walked granule
	if err != nil {
		return domain.GeoTransform{}, err
	}
	defer func() { _ = f.Close() }()

	var v []float64
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		n, err := strconv.ParseFloat(line, 64)
		if err != nil {
			return domain.GeoTransform{}, fmt.Errorf("line %d: %w", len(v)+1, err)
		}
		v = append(v, n)
	}
	if err := sc.Err(); err != nil {
		return domain.GeoTransform{}, err
	}
	if len(v) != 6 {
		return domain.GeoTransform{}, fmt.Errorf("expected 6 values, got %d: %w", len(v), domain.ErrInvalidInput)
	}
	if v[1] != 0 || v[2] != 0 {
		return domain.GeoTransform{}, fmt.Errorf("rotated world files: %w", domain.ErrUnsupported)
	}
	if v[0] <= 0 || v[3] >= 0 || math.IsNaN(v[0]) || math.IsNaN(v[3]) {
		return domain.GeoTransform{}, fmt.Errorf("invalid pixel size %g x %g: %w", v[0], v[3], domain.ErrInvalidInput)
	}

	// A, D, B, E, C, F
	return domain.GeoTransform{v[4], v[0], v[2], v[5], v[1], v[3]}, nil
}

// readPrj reads the .prj sidecar of an image. A missing file yields the
// zero CRS.
func readPrj(path string) (domain.CRS, error) {
	prj := strings.TrimSuffix(path, filepath.Ext(path)) + ".prj"
	data, err := os.ReadFile(prj) //#nosec G304 -- sidecar of a walked granule
	if os.IsNotExist(err) {
		return domain.CRS{}, nil
	}
	if err != nil {
		return domain.CRS{}, err
	}
	return domain.ParseCRS(string(data)), nil
}

type worldImageReader struct {
	path string
	name string
	info output.CoverageInfo

	mu     sync.Mutex
	img    image.Image
	closed bool
}

func (r *worldImageReader) CoverageNames() []string { return []string{r.name} }

func (r *worldImageReader) Info(name string) (output.CoverageInfo, error) {
	if err := r.check(name); err != nil {
		return output.CoverageInfo{}, err
	}
	return r.info, nil
}

func (r *worldImageReader) Slices(name string) ([]output.Slice, error) {
	if err := r.check(name); err != nil {
		return nil, err
	}
	return []output.Slice{{}}, nil
}

func (r *worldImageReader) Read(ctx context.Context, name string, region output.Region) (image.Image, error) {
	if err := r.check(name); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.img == nil {
		img, err := decodeImage(r.path)
		if err != nil {
			r.mu.Unlock()
			return nil, err
		}
		r.img = img
	}
	img := r.img
	r.mu.Unlock()

	return renderRegion(img, r.info.Envelope, region)
}

func (r *worldImageReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.img = nil
	return nil
}

func (r *worldImageReader) check(name string) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return fmt.Errorf("%s: %w", r.path, domain.ErrReaderDisposed)
	}
	if name != r.name {
		return fmt.Errorf("%s has no coverage %q: %w", r.path, name, domain.ErrUnknownCoverage)
	}
	return nil
}
