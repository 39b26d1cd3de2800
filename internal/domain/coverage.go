package domain

import (
	"math"
	"slices"
)

// levelTolerance is the relative difference under which two resolutions are equal.
const levelTolerance = 1e-9

// Level is the pixel size of one resolution level along x and y.
type Level [2]float64

// LevelsEqual compares two resolution pyramids.
func LevelsEqual(a, b []Level) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !closeTo(a[i][0], b[i][0]) || !closeTo(a[i][1], b[i][1]) {
			return false
		}
	}
	return true
}

func closeTo(a, b float64) bool {
	if a == b {
		return true
	}
	return math.Abs(a-b) <= levelTolerance*math.Max(math.Abs(a), math.Abs(b))
}

// SelectLevel picks the coarsest level whose resolution is still at least as
// fine as requested on both axes. A request finer than level 0, or a zero
// request, selects level 0. Levels are ordered finest first.
func SelectLevel(levels []Level, requested Level) int {
	if len(levels) == 0 || requested[0] <= 0 || requested[1] <= 0 {
		return 0
	}
	best := 0
	for i, l := range levels {
		if l[0] <= requested[0]*(1+levelTolerance) && l[1] <= requested[1]*(1+levelTolerance) {
			best = i
		}
	}
	return best
}

// CoverageConfiguration is the resolved configuration of one coverage.
// Values are immutable: the With methods return modified copies.
type CoverageConfiguration struct {
	Name              string
	Levels            []Level // finest first
	ColorModel        ColorModelInfo
	SampleModel       SampleModel
	CRS               CRS
	Heterogeneous     bool
	AbsolutePath      bool
	LocationAttribute string
	ExpandToRGB       bool
	SuggestedReader   string
	ImposedBBox       Envelope
	Caching           bool
	Dimensions        []DimensionDescriptor
}

// Dimension looks up a dimension by name.
func (c CoverageConfiguration) Dimension(name string) (DimensionDescriptor, bool) {
	for _, d := range c.Dimensions {
		if d.Name() == name {
			return d, true
		}
	}
	return DimensionDescriptor{}, false
}

// WithHeterogeneous returns a copy flagged heterogeneous. The flag is never cleared.
func (c CoverageConfiguration) WithHeterogeneous() CoverageConfiguration {
	out := c.clone()
	out.Heterogeneous = true
	return out
}

// WithLevels returns a copy using levels.
func (c CoverageConfiguration) WithLevels(levels []Level) CoverageConfiguration {
	out := c.clone()
	out.Levels = slices.Clone(levels)
	return out
}

// WithExpandToRGB returns a copy with the RGB expansion hint set.
func (c CoverageConfiguration) WithExpandToRGB() CoverageConfiguration {
	out := c.clone()
	out.ExpandToRGB = true
	return out
}

// WithName returns a copy renamed to name.
func (c CoverageConfiguration) WithName(name string) CoverageConfiguration {
	out := c.clone()
	out.Name = name
	return out
}

func (c CoverageConfiguration) clone() CoverageConfiguration {
	out := c
	out.Levels = slices.Clone(c.Levels)
	out.Dimensions = slices.Clone(c.Dimensions)
	if c.ColorModel.Palette != nil {
		out.ColorModel.Palette = slices.Clone(c.ColorModel.Palette)
	}
	return out
}

// ConfigurationBuilder accumulates coverage settings until all required
// fields are known.
type ConfigurationBuilder struct {
	cfg CoverageConfiguration
}

// NewConfigurationBuilder starts a configuration for the named coverage.
func NewConfigurationBuilder(name string) *ConfigurationBuilder {
	return &ConfigurationBuilder{cfg: CoverageConfiguration{
		Name:              name,
		LocationAttribute: DefaultLocationAttribute,
	}}
}

// FromConfiguration starts a builder pre-filled with an existing configuration.
func FromConfiguration(c CoverageConfiguration) *ConfigurationBuilder {
	return &ConfigurationBuilder{cfg: c.clone()}
}

// Levels sets the resolution pyramid.
func (b *ConfigurationBuilder) Levels(levels []Level) *ConfigurationBuilder {
	b.cfg.Levels = slices.Clone(levels)
	return b
}

// ColorModel sets the color model.
func (b *ConfigurationBuilder) ColorModel(cm ColorModelInfo) *ConfigurationBuilder {
	b.cfg.ColorModel = cm
	return b
}

// SampleModel sets the sample model.
func (b *ConfigurationBuilder) SampleModel(sm SampleModel) *ConfigurationBuilder {
	b.cfg.SampleModel = sm
	return b
}

// CRS sets the coordinate reference system.
func (b *ConfigurationBuilder) CRS(crs CRS) *ConfigurationBuilder {
	b.cfg.CRS = crs
	return b
}

// Heterogeneous sets the heterogeneous flag.
func (b *ConfigurationBuilder) Heterogeneous(v bool) *ConfigurationBuilder {
	b.cfg.Heterogeneous = v
	return b
}

// AbsolutePath sets whether locations are stored as absolute paths.
func (b *ConfigurationBuilder) AbsolutePath(v bool) *ConfigurationBuilder {
	b.cfg.AbsolutePath = v
	return b
}

// LocationAttribute sets the location attribute name.
func (b *ConfigurationBuilder) LocationAttribute(name string) *ConfigurationBuilder {
	if name != "" {
		b.cfg.LocationAttribute = name
	}
	return b
}

// ExpandToRGB sets the RGB expansion hint.
func (b *ConfigurationBuilder) ExpandToRGB(v bool) *ConfigurationBuilder {
	b.cfg.ExpandToRGB = v
	return b
}

// SuggestedReader sets the preferred format name.
func (b *ConfigurationBuilder) SuggestedReader(name string) *ConfigurationBuilder {
	b.cfg.SuggestedReader = name
	return b
}

// ImposedBBox restricts reads to env.
func (b *ConfigurationBuilder) ImposedBBox(env Envelope) *ConfigurationBuilder {
	b.cfg.ImposedBBox = env
	return b
}

// Caching enables the query cache for the coverage.
func (b *ConfigurationBuilder) Caching(v bool) *ConfigurationBuilder {
	b.cfg.Caching = v
	return b
}

// Dimensions sets the dimension descriptors.
func (b *ConfigurationBuilder) Dimensions(dims []DimensionDescriptor) *ConfigurationBuilder {
	b.cfg.Dimensions = slices.Clone(dims)
	return b
}

// Build validates the accumulated settings and returns an independent value.
func (b *ConfigurationBuilder) Build() (CoverageConfiguration, error) {
	c := b.cfg
	switch {
	case !ValidIdentifier(c.Name):
		return CoverageConfiguration{}, &ValidationError{Field: "name", Value: c.Name, Constraint: "identifier", Message: "invalid coverage name"}
	case c.CRS.IsZero():
		return CoverageConfiguration{}, &ValidationError{Field: "crs", Value: c.Name, Constraint: "required", Message: "coverage CRS is required"}
	case len(c.Levels) == 0:
		return CoverageConfiguration{}, &ValidationError{Field: "levels", Value: c.Name, Constraint: ">=1", Message: "at least one resolution level is required"}
	case c.ColorModel.IsZero():
		return CoverageConfiguration{}, &ValidationError{Field: "color_model", Value: c.Name, Constraint: "required", Message: "color model is required"}
	}
	for i, l := range c.Levels {
		if l[0] <= 0 || l[1] <= 0 {
			return CoverageConfiguration{}, &ValidationError{Field: "levels", Value: i, Constraint: ">0", Message: "resolution must be positive"}
		}
	}
	return c.clone(), nil
}
