package raster

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/jobrunner/tessera/internal/domain"
	"github.com/jobrunner/tessera/internal/ports/output"
)

// DescriptorName is the name of the granule descriptor format.
const DescriptorName = "descriptor"

// descriptorSuffixes identify granule descriptor files.
var descriptorSuffixes = []string{".granule.yaml", ".granule.yml"}

// Descriptor is the YAML document describing one granule file.
//
//	crs: EPSG:4326
//	envelope: [0, 0, 10, 10]
//	levels: [[0.1, 0.1], [0.2, 0.2]]
//	source: rain.png
//	coverages:
//	  - name: rain
//	    slices:
//	      - time: 2024-01-01T00:00:00Z
//	        elevation: 100
type Descriptor struct {
	CRS        string               `yaml:"crs"`
	Envelope   []float64            `yaml:"envelope"`
	Levels     [][2]float64         `yaml:"levels"`
	ColorModel string               `yaml:"color_model"`
	Source     string               `yaml:"source"`
	Fill       string               `yaml:"fill"`
	Coverages  []CoverageDescriptor `yaml:"coverages"`
}

// CoverageDescriptor describes one coverage of a descriptor file. Unset
// fields are inherited from the file.
type CoverageDescriptor struct {
	Name       string            `yaml:"name"`
	Envelope   []float64         `yaml:"envelope"`
	Levels     [][2]float64      `yaml:"levels"`
	ColorModel string            `yaml:"color_model"`
	Slices     []SliceDescriptor `yaml:"slices"`
}

// SliceDescriptor holds the dimension values of one slice.
type SliceDescriptor struct {
	Time         string         `yaml:"time"`
	TimeEnd      string         `yaml:"time_end"`
	Elevation    *float64       `yaml:"elevation"`
	ElevationEnd *float64       `yaml:"elevation_end"`
	Custom       map[string]any `yaml:"custom"`
}

// DescriptorFormat opens YAML granule descriptors.
type DescriptorFormat struct {
	DefaultCRS domain.CRS
}

// NewDescriptorFormat creates the format.
func NewDescriptorFormat(defaultCRS domain.CRS) *DescriptorFormat {
	return &DescriptorFormat{DefaultCRS: defaultCRS}
}

// Name implements output.RasterFormat.
func (f *DescriptorFormat) Name() string { return DescriptorName }

// Accepts implements output.RasterFormat.
func (f *DescriptorFormat) Accepts(path string) bool {
	lower := strings.ToLower(path)
	for _, s := range descriptorSuffixes {
		if strings.HasSuffix(lower, s) {
			return true
		}
	}
	return false
}

// Open implements output.RasterFormat.
func (f *DescriptorFormat) Open(path string) (output.RasterReader, error) {
	data, err := os.ReadFile(path) //#nosec G304 -- granule paths come from the walker
	if err != nil {
		return nil, &domain.GranuleError{Path: path, Reason: "unreadable descriptor", Err: err}
	}

	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, &domain.GranuleError{Path: path, Reason: "invalid descriptor", Err: fmt.Errorf("%w: %w", domain.ErrInvalidInput, err)}
	}

	r, err := f.newReader(path, d)
	if err != nil {
		return nil, &domain.GranuleError{Path: path, Reason: "invalid descriptor", Err: err}
	}
	return r, nil
}

func (f *DescriptorFormat) newReader(path string, d Descriptor) (*descriptorReader, error) {
	if len(d.Coverages) == 0 {
		return nil, fmt.Errorf("no coverages: %w", domain.ErrInvalidInput)
	}

	crs := domain.ParseCRS(d.CRS)
	if crs.IsZero() {
		crs = f.DefaultCRS
	}

	fill := color.RGBA{A: 0xff}
	if d.Fill != "" {
		c, err := parseHexColor(d.Fill)
		if err != nil {
			return nil, err
		}
		fill = c
	}

	r := &descriptorReader{
		path:     path,
		fill:     fill,
		coverage: make(map[string]descriptorCoverage, len(d.Coverages)),
	}
	if d.Source != "" {
		r.source = filepath.Join(filepath.Dir(path), filepath.FromSlash(d.Source))
	}

	for _, c := range d.Coverages {
		if c.Name == "" {
			return nil, fmt.Errorf("coverage without name: %w", domain.ErrInvalidInput)
		}
		if _, dup := r.coverage[c.Name]; dup {
			return nil, fmt.Errorf("duplicate coverage %q: %w", c.Name, domain.ErrInvalidInput)
		}

		envValues := c.Envelope
		if len(envValues) == 0 {
			envValues = d.Envelope
		}
		if len(envValues) != 4 {
			return nil, fmt.Errorf("coverage %q: envelope needs 4 values: %w", c.Name, domain.ErrInvalidInput)
		}
		env := domain.NewEnvelope(envValues[0], envValues[1], envValues[2], envValues[3], crs)
		if env.Width() <= 0 || env.Height() <= 0 {
			return nil, fmt.Errorf("coverage %q: empty envelope: %w", c.Name, domain.ErrInvalidInput)
		}

		levelValues := c.Levels
		if len(levelValues) == 0 {
			levelValues = d.Levels
		}
		if len(levelValues) == 0 {
			return nil, fmt.Errorf("coverage %q: no resolution levels: %w", c.Name, domain.ErrInvalidInput)
		}
		levels := make([]domain.Level, len(levelValues))
		for i, l := range levelValues {
			if l[0] <= 0 || l[1] <= 0 {
				return nil, fmt.Errorf("coverage %q: level %d must be positive: %w", c.Name, i, domain.ErrInvalidInput)
			}
			levels[i] = domain.Level(l)
		}

		cmText := c.ColorModel
		if cmText == "" {
			cmText = d.ColorModel
		}
		cm := domain.NewComponentColorModel(4, true, "RGB", domain.TransferByte)
		if cmText != "" {
			parsed, err := domain.ParseColorModel(cmText)
			if err != nil {
				return nil, fmt.Errorf("coverage %q: %w", c.Name, err)
			}
			cm = parsed
		}

		slices, err := convertSlices(c.Slices)
		if err != nil {
			return nil, fmt.Errorf("coverage %q: %w", c.Name, err)
		}

		w := int(env.Width()/levels[0][0] + 0.5)
		h := int(env.Height()/levels[0][1] + 0.5)
		r.names = append(r.names, c.Name)
		r.coverage[c.Name] = descriptorCoverage{
			info: output.CoverageInfo{
				Envelope:    env,
				CRS:         crs,
				Levels:      levels,
				ColorModel:  cm,
				SampleModel: sampleModel(cm, w, h),
				Overviews:   len(levels) - 1,
				Width:       w,
				Height:      h,
			},
			slices: slices,
		}
	}
	return r, nil
}

func convertSlices(in []SliceDescriptor) ([]output.Slice, error) {
	if len(in) == 0 {
		return []output.Slice{{}}, nil
	}

	out := make([]output.Slice, len(in))
	for i, s := range in {
		slice := output.Slice{Index: i, Elevation: s.Elevation, ElevationEnd: s.ElevationEnd, Custom: s.Custom}
		if s.Time != "" {
			t, err := domain.ParseTime(s.Time)
			if err != nil {
				return nil, fmt.Errorf("slice %d: %w", i, err)
			}
			slice.Time = &t
		}
		if s.TimeEnd != "" {
			t, err := domain.ParseTime(s.TimeEnd)
			if err != nil {
				return nil, fmt.Errorf("slice %d: %w", i, err)
			}
			slice.TimeEnd = &t
		}
		out[i] = slice
	}
	return out, nil
}

func parseHexColor(s string) (color.RGBA, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	c := color.RGBA{A: 0xff}
	var err error
	switch len(s) {
	case 6:
		_, err = fmt.Sscanf(s, "%02x%02x%02x", &c.R, &c.G, &c.B)
	case 8:
		_, err = fmt.Sscanf(s, "%02x%02x%02x%02x", &c.R, &c.G, &c.B, &c.A)
	default:
		err = domain.ErrInvalidInput
	}
	if err != nil {
		return color.RGBA{}, fmt.Errorf("invalid fill colour %q: %w", s, err)
	}
	return c, nil
}

type descriptorCoverage struct {
	info   output.CoverageInfo
	slices []output.Slice
}

type descriptorReader struct {
	path     string
	source   string
	fill     color.RGBA
	names    []string
	coverage map[string]descriptorCoverage

	mu     sync.Mutex
	img    image.Image
	closed bool
}

func (r *descriptorReader) CoverageNames() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

func (r *descriptorReader) lookup(name string) (descriptorCoverage, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return descriptorCoverage{}, fmt.Errorf("%s: %w", r.path, domain.ErrReaderDisposed)
	}
	c, ok := r.coverage[name]
	if !ok {
		return descriptorCoverage{}, fmt.Errorf("%s has no coverage %q: %w", r.path, name, domain.ErrUnknownCoverage)
	}
	return c, nil
}

func (r *descriptorReader) Info(name string) (output.CoverageInfo, error) {
	c, err := r.lookup(name)
	if err != nil {
		return output.CoverageInfo{}, err
	}
	return c.info, nil
}

func (r *descriptorReader) Slices(name string) ([]output.Slice, error) {
	c, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	out := make([]output.Slice, len(c.slices))
	copy(out, c.slices)
	return out, nil
}

// Read renders the source image, or a uniform fill when the descriptor has
// no source.
func (r *descriptorReader) Read(ctx context.Context, name string, region output.Region) (image.Image, error) {
	c, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	src, err := r.sourceImage(c.info)
	if err != nil {
		return nil, err
	}
	return renderRegion(src, c.info.Envelope, region)
}

func (r *descriptorReader) sourceImage(info output.CoverageInfo) (image.Image, error) {
	if r.source == "" {
		return filled{Uniform: image.NewUniform(r.fill), rect: image.Rect(0, 0, info.Width, info.Height)}, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.img == nil {
		img, err := decodeImage(r.source)
		if err != nil {
			return nil, err
		}
		r.img = img
	}
	return r.img, nil
}

func (r *descriptorReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.img = nil
	return nil
}

// filled is a uniform colour limited to the pixel grid of a coverage.
type filled struct {
	*image.Uniform
	rect image.Rectangle
}

func (f filled) Bounds() image.Rectangle { return f.rect }
