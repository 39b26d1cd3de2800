// Package domain contains the core business entities and value objects.
package domain

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// Envelope is an axis-aligned bounding box in a coordinate reference system.
// The zero value is the empty envelope.
type Envelope struct {
	Bound orb.Bound
	CRS   CRS
	set   bool
}

// NewEnvelope creates an envelope from its corner coordinates.
func NewEnvelope(minX, minY, maxX, maxY float64, crs CRS) Envelope {
	return Envelope{
		Bound: orb.Bound{Min: orb.Point{minX, minY}, Max: orb.Point{maxX, maxY}},
		CRS:   crs,
		set:   true,
	}
}

// EnvelopeFromBound wraps an orb bound.
func EnvelopeFromBound(b orb.Bound, crs CRS) Envelope {
	return Envelope{Bound: b, CRS: crs, set: true}
}

// IsEmpty returns true if the envelope covers nothing.
func (e Envelope) IsEmpty() bool {
	return !e.set || e.Bound.Min[0] > e.Bound.Max[0] || e.Bound.Min[1] > e.Bound.Max[1]
}

// MinX returns the western edge.
func (e Envelope) MinX() float64 { return e.Bound.Min[0] }

// MinY returns the southern edge.
func (e Envelope) MinY() float64 { return e.Bound.Min[1] }

// MaxX returns the eastern edge.
func (e Envelope) MaxX() float64 { return e.Bound.Max[0] }

// MaxY returns the northern edge.
func (e Envelope) MaxY() float64 { return e.Bound.Max[1] }

// Width returns the width of the envelope.
func (e Envelope) Width() float64 {
	if e.IsEmpty() {
		return 0
	}
	return math.Abs(e.MaxX() - e.MinX())
}

// Height returns the height of the envelope.
func (e Envelope) Height() float64 {
	if e.IsEmpty() {
		return 0
	}
	return math.Abs(e.MaxY() - e.MinY())
}

// Union returns the smallest envelope containing both envelopes.
func (e Envelope) Union(o Envelope) Envelope {
	if e.IsEmpty() {
		return o
	}
	if o.IsEmpty() {
		return e
	}
	return Envelope{Bound: e.Bound.Union(o.Bound), CRS: e.CRS, set: true}
}

// Intersects returns true if the envelopes share at least one point.
func (e Envelope) Intersects(o Envelope) bool {
	if e.IsEmpty() || o.IsEmpty() {
		return false
	}
	return e.MinX() <= o.MaxX() && e.MaxX() >= o.MinX() &&
		e.MinY() <= o.MaxY() && e.MaxY() >= o.MinY()
}

// Intersection returns the overlapping part of both envelopes, empty if disjoint.
func (e Envelope) Intersection(o Envelope) Envelope {
	if !e.Intersects(o) {
		return Envelope{CRS: e.CRS}
	}
	return NewEnvelope(
		math.Max(e.MinX(), o.MinX()), math.Max(e.MinY(), o.MinY()),
		math.Min(e.MaxX(), o.MaxX()), math.Min(e.MaxY(), o.MaxY()),
		e.CRS,
	)
}

// Polygon returns the envelope as a closed polygon ring.
func (e Envelope) Polygon() orb.Polygon {
	return e.Bound.ToPolygon()
}

// String returns a string representation of the envelope.
func (e Envelope) String() string {
	if e.IsEmpty() {
		return "EMPTY"
	}
	return fmt.Sprintf("BOX(%g %g, %g %g)", e.MinX(), e.MinY(), e.MaxX(), e.MaxY())
}

// GeoTransform maps pixel/line coordinates to the coverage CRS:
// x = gt[0] + col*gt[1] + row*gt[2], y = gt[3] + col*gt[4] + row*gt[5].
type GeoTransform [6]float64

// NewGeoTransform builds a north-up transform for an envelope at a resolution.
func NewGeoTransform(env Envelope, resX, resY float64) GeoTransform {
	return GeoTransform{env.MinX(), resX, 0, env.MaxY(), 0, -resY}
}

// Apply converts a pixel position into world coordinates.
func (gt GeoTransform) Apply(col, row float64) (float64, float64) {
	return gt[0] + col*gt[1] + row*gt[2], gt[3] + col*gt[4] + row*gt[5]
}

// Resolution returns the pixel size along both axes.
func (gt GeoTransform) Resolution() [2]float64 {
	return [2]float64{math.Hypot(gt[1], gt[4]), math.Hypot(gt[2], gt[5])}
}
