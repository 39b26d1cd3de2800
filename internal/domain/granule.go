package domain

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"
)

// DefaultLocationAttribute is the attribute holding a granule's location.
const DefaultLocationAttribute = "location"

// AttributeType is the storage type of a granule attribute.
type AttributeType string

// Attribute types.
const (
	AttrString  AttributeType = "string"
	AttrInteger AttributeType = "integer"
	AttrDouble  AttributeType = "double"
	AttrTime    AttributeType = "time"
)

// Valid reports whether t is a known attribute type.
func (t AttributeType) Valid() bool {
	switch t {
	case AttrString, AttrInteger, AttrDouble, AttrTime:
		return true
	}
	return false
}

// AttributeDescriptor declares one attribute of a coverage schema.
type AttributeDescriptor struct {
	Name string        `json:"name"`
	Type AttributeType `json:"type"`
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// reservedColumns are managed by the catalog itself.
var reservedColumns = map[string]bool{
	"id": true, "minx": true, "miny": true, "maxx": true, "maxy": true, "footprint": true,
}

// ValidIdentifier reports whether name can be used as a coverage or attribute name.
func ValidIdentifier(name string) bool {
	return len(name) <= 63 && identifierPattern.MatchString(name)
}

// Schema declares the attributes of the granules of one coverage.
// The footprint is implicit.
type Schema struct {
	Coverage          string                `json:"coverage"`
	LocationAttribute string                `json:"location_attribute"`
	Attributes        []AttributeDescriptor `json:"attributes"`
	Dimensions        []DimensionDescriptor `json:"dimensions"`
}

// Validate checks names and that every dimension attribute is declared.
func (s Schema) Validate() error {
	if !ValidIdentifier(s.Coverage) {
		return &ValidationError{Field: "coverage", Value: s.Coverage, Constraint: identifierPattern.String(), Message: "invalid coverage name"}
	}
	if !ValidIdentifier(s.Location()) || reservedColumns[strings.ToLower(s.Location())] {
		return &ValidationError{Field: "location_attribute", Value: s.LocationAttribute, Constraint: identifierPattern.String(), Message: "invalid location attribute"}
	}

	seen := map[string]bool{strings.ToLower(s.Location()): true}
	for _, a := range s.Attributes {
		key := strings.ToLower(a.Name)
		if !ValidIdentifier(a.Name) || reservedColumns[key] {
			return &ValidationError{Field: "attribute", Value: a.Name, Constraint: identifierPattern.String(), Message: "invalid attribute name"}
		}
		if seen[key] {
			return &ValidationError{Field: "attribute", Value: a.Name, Constraint: "unique", Message: "duplicate attribute"}
		}
		if !a.Type.Valid() {
			return &ValidationError{Field: "attribute.type", Value: a.Type, Constraint: "string|integer|double|time", Message: "unknown attribute type"}
		}
		seen[key] = true
	}

	dims := make(map[string]bool, len(s.Dimensions))
	for _, d := range s.Dimensions {
		if d.IsZero() {
			return &ValidationError{Field: "dimension", Value: d.Name(), Constraint: "constructed", Message: "uninitialized dimension"}
		}
		if dims[d.Name()] {
			return &ValidationError{Field: "dimension", Value: d.Name(), Constraint: "unique", Message: "duplicate dimension"}
		}
		dims[d.Name()] = true
		for _, attr := range d.Attributes() {
			if _, ok := s.Attribute(attr); !ok {
				return &ValidationError{Field: "dimension." + d.Name(), Value: attr, Constraint: "declared", Message: "dimension attribute not declared in schema"}
			}
		}
	}
	return nil
}

// Location returns the location attribute name, defaulting to "location".
func (s Schema) Location() string {
	if s.LocationAttribute == "" {
		return DefaultLocationAttribute
	}
	return s.LocationAttribute
}

// Attribute looks up a declared attribute by name.
func (s Schema) Attribute(name string) (AttributeDescriptor, bool) {
	for _, a := range s.Attributes {
		if a.Name == name {
			return a, true
		}
	}
	return AttributeDescriptor{}, false
}

// Dimension looks up a dimension by name.
func (s Schema) Dimension(name string) (DimensionDescriptor, bool) {
	for _, d := range s.Dimensions {
		if d.Name() == name {
			return d, true
		}
	}
	return DimensionDescriptor{}, false
}

// AttributeNames returns the declared attribute names in declaration order.
func (s Schema) AttributeNames() []string {
	names := make([]string, len(s.Attributes))
	for i, a := range s.Attributes {
		names[i] = a.Name
	}
	return names
}

// GranuleRecord is one indexed raster slice.
type GranuleRecord struct {
	ID         int64          // Catalog assigned, zero before insert
	Coverage   string         // Owning coverage
	Location   string         // Root-relative or absolute source path
	Footprint  orb.Polygon    // Extent in the coverage CRS
	Attributes map[string]any // Dimension and custom attribute values
}

// Bound returns the bounding box of the footprint.
func (g *GranuleRecord) Bound() orb.Bound {
	return g.Footprint.Bound()
}

// Attribute returns an attribute value by name.
func (g *GranuleRecord) Attribute(name string) (any, bool) {
	if g.Attributes == nil {
		return nil, false
	}
	v, ok := g.Attributes[name]
	return v, ok
}

// NormalizeValue converts v to the canonical Go type for t:
// string, int64, float64 or time.Time (UTC). Nil stays nil.
func NormalizeValue(t AttributeType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	switch t {
	case AttrString:
		switch x := v.(type) {
		case string:
			return x, nil
		case fmt.Stringer:
			return x.String(), nil
		}
		return fmt.Sprint(v), nil

	case AttrInteger:
		switch x := v.(type) {
		case int:
			return int64(x), nil
		case int32:
			return int64(x), nil
		case int64:
			return x, nil
		case float64:
			if x == math.Trunc(x) {
				return int64(x), nil
			}
		case string:
			n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
			if err == nil {
				return n, nil
			}
		}

	case AttrDouble:
		switch x := v.(type) {
		case float64:
			return x, nil
		case float32:
			return float64(x), nil
		case int:
			return float64(x), nil
		case int64:
			return float64(x), nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
			if err == nil {
				return f, nil
			}
		}

	case AttrTime:
		switch x := v.(type) {
		case time.Time:
			return x.UTC(), nil
		case int64:
			return time.UnixMilli(x).UTC(), nil
		case string:
			ts, err := ParseTime(x)
			if err == nil {
				return ts, nil
			}
		}
	}

	return nil, &ValidationError{
		Field:      "attribute",
		Value:      v,
		Constraint: string(t),
		Message:    fmt.Sprintf("cannot convert %T to %s", v, t),
	}
}

// timeLayouts are tried in order by ParseTime.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
	"20060102T150405",
	"20060102T1504",
	"20060102",
}

// ParseTime parses ISO 8601 style timestamps, assuming UTC when no zone is given.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, &ValidationError{Field: "time", Value: s, Constraint: "ISO8601", Message: "unparseable time"}
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

// CompareValues orders two normalized attribute values of the same type.
// Nil sorts first.
func CompareValues(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}

	switch x := a.(type) {
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y)
		}
	case int64:
		switch y := b.(type) {
		case int64:
			return cmpOrdered(x, y)
		case float64:
			return cmpOrdered(float64(x), y)
		}
	case float64:
		switch y := b.(type) {
		case float64:
			return cmpOrdered(x, y)
		case int64:
			return cmpOrdered(x, float64(y))
		}
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y)
		}
	}
	return strings.Compare(formatValue(a), formatValue(b))
}

func cmpOrdered[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
