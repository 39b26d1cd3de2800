package domain

import "image"

// Unspecified selects the sole coverage of a mosaic.
const Unspecified = ""

// DimensionConstraint restricts one dimension to a value or an inclusive range.
type DimensionConstraint struct {
	Value   any
	Lo, Hi  any
	IsRange bool
}

// PointConstraint matches a single dimension value.
func PointConstraint(v any) DimensionConstraint {
	return DimensionConstraint{Value: v}
}

// RangeConstraint matches the inclusive interval [lo, hi].
func RangeConstraint(lo, hi any) DimensionConstraint {
	return DimensionConstraint{Lo: lo, Hi: hi, IsRange: true}
}

// Bounds returns the constraint as an interval; points have lo == hi.
func (c DimensionConstraint) Bounds() (lo, hi any) {
	if c.IsRange {
		return c.Lo, c.Hi
	}
	return c.Value, c.Value
}

// ReadRequest asks for the granules covering an area of one coverage.
type ReadRequest struct {
	Coverage   string                         // Coverage name, Unspecified for the sole coverage
	Envelope   Envelope                       // Requested area, empty means the whole coverage
	Width      int                            // Output width in pixels, 0 for native resolution
	Height     int                            // Output height in pixels, 0 for native resolution
	Dimensions map[string]DimensionConstraint // Keyed by dimension name
	Filter     string                         // Optional extra attribute predicate
	Assemble   bool                           // Composite the granules into an image
}

// Resolution returns the requested pixel size, zero when no output size was given.
func (r ReadRequest) Resolution() Level {
	if r.Width <= 0 || r.Height <= 0 || r.Envelope.IsEmpty() {
		return Level{}
	}
	return Level{r.Envelope.Width() / float64(r.Width), r.Envelope.Height() / float64(r.Height)}
}

// ResolvedGranule is one granule selected for a read, with its assembly plan.
type ResolvedGranule struct {
	Record     GranuleRecord
	Level      int          // Selected resolution level
	Resolution Level        // Pixel size at that level
	Transform  GeoTransform // Pixel to world mapping at that level
	Region     Envelope     // Part of the granule intersecting the request
}

// MosaicResult is the outcome of a successful, non-empty read.
type MosaicResult struct {
	Coverage    string
	Envelope    Envelope
	Revision    int64
	ExpandToRGB bool
	Granules    []ResolvedGranule
	Image       image.Image // Set only when assembly was requested
	Cached      bool        // Granule list served from the query cache
}

// Locations returns the locations of the resolved granules in order. A nil
// result has none.
func (r *MosaicResult) Locations() []string {
	if r == nil {
		return nil
	}
	out := make([]string, len(r.Granules))
	for i, g := range r.Granules {
		out[i] = g.Record.Location
	}
	return out
}
