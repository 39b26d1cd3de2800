package application

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/jobrunner/tessera/internal/domain"
)

// Attribute names used for reader supplied dimension values.
const (
	attrTime         = "time"
	attrTimeEnd      = "time_end"
	attrElevation    = "elevation"
	attrElevationEnd = "elevation_end"
)

// CollectorConfig extracts an attribute from file names, e.g.
//
//	{Attribute: "time", Regex: `_(\d{8})\.`, Type: "time", Format: "20060102"}
type CollectorConfig struct {
	Attribute string `mapstructure:"attribute"`
	Regex     string `mapstructure:"regex"`
	Type      string `mapstructure:"type"`
	Format    string `mapstructure:"format"`
}

// PropertyCollector is a compiled CollectorConfig.
type PropertyCollector struct {
	attribute string
	typ       domain.AttributeType
	pattern   *regexp.Regexp
	format    string
}

// NewPropertyCollectors compiles collector rules.
func NewPropertyCollectors(cfgs []CollectorConfig) ([]PropertyCollector, error) {
	out := make([]PropertyCollector, 0, len(cfgs))
	for i, c := range cfgs {
		if !domain.ValidIdentifier(c.Attribute) {
			return nil, &domain.ConfigError{Field: fmt.Sprintf("mosaic.collectors[%d].attribute", i), Message: fmt.Sprintf("invalid attribute name %q", c.Attribute)}
		}
		typ := domain.AttributeType(strings.ToLower(c.Type))
		if typ == "" {
			typ = domain.AttrString
		}
		if !typ.Valid() {
			return nil, &domain.ConfigError{Field: fmt.Sprintf("mosaic.collectors[%d].type", i), Message: fmt.Sprintf("unknown type %q", c.Type)}
		}
		re, err := regexp.Compile(c.Regex)
		if err != nil {
			return nil, &domain.ConfigError{Field: fmt.Sprintf("mosaic.collectors[%d].regex", i), Message: err.Error()}
		}
		out = append(out, PropertyCollector{attribute: c.Attribute, typ: typ, pattern: re, format: c.Format})
	}
	return out, nil
}

// Attribute returns the attribute the collector fills.
func (p PropertyCollector) Attribute() string { return p.attribute }

// Type returns the attribute type.
func (p PropertyCollector) Type() domain.AttributeType { return p.typ }

// Collect extracts the value from the file name of path. The first
// capture group is used when the pattern has one.
func (p PropertyCollector) Collect(path string) (any, bool, error) {
	m := p.pattern.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return nil, false, nil
	}
	raw := m[0]
	if len(m) > 1 {
		raw = m[1]
	}

	if p.typ == domain.AttrTime && p.format != "" {
		t, err := time.ParseInLocation(p.format, raw, time.UTC)
		if err != nil {
			return nil, false, &domain.ValidationError{Field: p.attribute, Value: raw, Constraint: p.format, Message: "collected value does not match the time format"}
		}
		return t.UTC(), true, nil
	}

	v, err := domain.NormalizeValue(p.typ, raw)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}
