package domain

import (
	"encoding/json"
	"fmt"
)

// Well-known dimension names.
const (
	DimensionTime      = "time"
	DimensionElevation = "elevation"
)

// DimensionType distinguishes single-valued from interval-valued dimensions.
type DimensionType int

// Dimension types.
const (
	PointDimension DimensionType = iota + 1
	RangeDimension
)

// String returns the string representation of the dimension type.
func (t DimensionType) String() string {
	switch t {
	case PointDimension:
		return "point"
	case RangeDimension:
		return "range"
	default:
		return "unknown"
	}
}

// DimensionDescriptor maps a logical dimension onto one (point) or two
// (range) granule attributes. Descriptors are immutable; use the constructors.
type DimensionDescriptor struct {
	name       string
	typ        DimensionType
	unitName   string
	unitSymbol string
	start      string
	end        string
}

// NewPointDimension creates a descriptor backed by a single attribute.
func NewPointDimension(name, attribute, unitName, unitSymbol string) (DimensionDescriptor, error) {
	if name == "" {
		return DimensionDescriptor{}, &ValidationError{Field: "dimension.name", Value: name, Constraint: "required", Message: "dimension name is required"}
	}
	if attribute == "" {
		return DimensionDescriptor{}, &ValidationError{Field: "dimension.attribute", Value: name, Constraint: "required", Message: "point dimension needs exactly one attribute"}
	}
	return DimensionDescriptor{
		name:       name,
		typ:        PointDimension,
		unitName:   unitName,
		unitSymbol: unitSymbol,
		start:      attribute,
	}, nil
}

// NewRangeDimension creates a descriptor backed by a start and an end attribute.
func NewRangeDimension(name, startAttr, endAttr, unitName, unitSymbol string) (DimensionDescriptor, error) {
	if name == "" {
		return DimensionDescriptor{}, &ValidationError{Field: "dimension.name", Value: name, Constraint: "required", Message: "dimension name is required"}
	}
	if startAttr == "" || endAttr == "" {
		return DimensionDescriptor{}, &ValidationError{
			Field:      "dimension.attributes",
			Value:      fmt.Sprintf("%s/%s", startAttr, endAttr),
			Constraint: "start and end",
			Message:    "range dimension needs both start and end attributes",
		}
	}
	if startAttr == endAttr {
		return DimensionDescriptor{}, &ValidationError{
			Field:      "dimension.attributes",
			Value:      startAttr,
			Constraint: "distinct",
			Message:    "range start and end must be different attributes",
		}
	}
	return DimensionDescriptor{
		name:       name,
		typ:        RangeDimension,
		unitName:   unitName,
		unitSymbol: unitSymbol,
		start:      startAttr,
		end:        endAttr,
	}, nil
}

// Name returns the logical dimension name.
func (d DimensionDescriptor) Name() string { return d.name }

// Type returns point or range.
func (d DimensionDescriptor) Type() DimensionType { return d.typ }

// UnitName returns the unit name, e.g. "ISO8601" or "meters".
func (d DimensionDescriptor) UnitName() string { return d.unitName }

// UnitSymbol returns the unit symbol, e.g. "m".
func (d DimensionDescriptor) UnitSymbol() string { return d.unitSymbol }

// StartAttribute returns the value attribute of a point dimension or the
// start attribute of a range dimension.
func (d DimensionDescriptor) StartAttribute() string { return d.start }

// EndAttribute returns the end attribute, empty for point dimensions.
func (d DimensionDescriptor) EndAttribute() string { return d.end }

// IsRange reports whether the dimension is range valued.
func (d DimensionDescriptor) IsRange() bool { return d.typ == RangeDimension }

// Attributes returns the attributes backing the dimension.
func (d DimensionDescriptor) Attributes() []string {
	if d.typ == RangeDimension {
		return []string{d.start, d.end}
	}
	return []string{d.start}
}

// Owns reports whether attr backs this dimension.
func (d DimensionDescriptor) Owns(attr string) bool {
	return attr != "" && (attr == d.start || attr == d.end)
}

// IsZero returns true for the zero descriptor.
func (d DimensionDescriptor) IsZero() bool {
	return d.typ == 0
}

type dimensionJSON struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	UnitName   string `json:"unit_name,omitempty"`
	UnitSymbol string `json:"unit_symbol,omitempty"`
	Start      string `json:"start_attribute"`
	End        string `json:"end_attribute,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (d DimensionDescriptor) MarshalJSON() ([]byte, error) {
	return json.Marshal(dimensionJSON{
		Name:       d.name,
		Type:       d.typ.String(),
		UnitName:   d.unitName,
		UnitSymbol: d.unitSymbol,
		Start:      d.start,
		End:        d.end,
	})
}

// UnmarshalJSON implements json.Unmarshaler. Constructor rules apply.
func (d *DimensionDescriptor) UnmarshalJSON(data []byte) error {
	var raw dimensionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var (
		parsed DimensionDescriptor
		err    error
	)
	switch raw.Type {
	case "point":
		if raw.End != "" {
			return &ValidationError{Field: "dimension.end_attribute", Value: raw.End, Constraint: "empty", Message: "point dimension has an end attribute"}
		}
		parsed, err = NewPointDimension(raw.Name, raw.Start, raw.UnitName, raw.UnitSymbol)
	case "range":
		parsed, err = NewRangeDimension(raw.Name, raw.Start, raw.End, raw.UnitName, raw.UnitSymbol)
	default:
		return &ValidationError{Field: "dimension.type", Value: raw.Type, Constraint: "point|range", Message: "unknown dimension type"}
	}
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// DomainValue is one element of a dimension domain. End is nil for point dimensions.
type DomainValue struct {
	Start any `json:"start"`
	End   any `json:"end,omitempty"`
}

// String returns "start" or "start/end".
func (v DomainValue) String() string {
	if v.End == nil {
		return formatValue(v.Start)
	}
	return formatValue(v.Start) + "/" + formatValue(v.End)
}
