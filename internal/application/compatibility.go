package application

import (
	"sort"
	"time"

	"github.com/jobrunner/tessera/internal/domain"
	"github.com/jobrunner/tessera/internal/ports/output"
)

// Skip reasons reported for incompatible granules.
const (
	reasonCRSMismatch        = "crs_mismatch"
	reasonColorModelMismatch = "color_model_mismatch"
	reasonAttributeMismatch  = "attribute_mismatch"
	reasonFootprint          = "footprint_outside_crs"
	reasonUnsupported        = "unsupported_format"
	reasonUnreadable         = "unreadable"
	reasonFiltered           = "filtered"
)

// checkCompatibility decides whether a granule described by info can join
// the coverage configured by cfg. It returns the configuration to use from
// now on, which may be flagged heterogeneous, carry more levels or ask for
// RGB expansion. cfg is returned unchanged when the granule is rejected.
func checkCompatibility(cfg domain.CoverageConfiguration, path string, info output.CoverageInfo) (domain.CoverageConfiguration, error) {
	if !cfg.CRS.Equal(info.CRS) {
		return cfg, &domain.GranuleError{Path: path, Reason: reasonCRSMismatch, Err: domain.ErrIncompatibleGranule}
	}

	next := cfg
	switch domain.CompareColorModels(cfg.ColorModel, info.ColorModel) {
	case domain.ColorIncompatible:
		return cfg, &domain.GranuleError{Path: path, Reason: reasonColorModelMismatch, Err: domain.ErrIncompatibleGranule}
	case domain.ColorExpandToRGB:
		if !next.ExpandToRGB {
			next = next.WithExpandToRGB()
		}
	}

	if next.Heterogeneous {
		return next, nil
	}
	if !domain.LevelsEqual(next.Levels, info.Levels) {
		next = next.WithHeterogeneous()
		// A granule with more overviews contributes its pyramid. One with
		// fewer only flags the coverage.
		if len(info.Levels) > len(next.Levels) {
			next = next.WithLevels(info.Levels)
		}
	}
	return next, nil
}

// seedConfiguration builds the configuration of a new coverage from its
// first granule.
func seedConfiguration(name string, info output.CoverageInfo, dims []domain.DimensionDescriptor, s MosaicSettings) (domain.CoverageConfiguration, error) {
	return domain.NewConfigurationBuilder(name).
		CRS(info.CRS).
		Levels(info.Levels).
		ColorModel(info.ColorModel).
		SampleModel(info.SampleModel).
		AbsolutePath(s.AbsolutePath).
		LocationAttribute(s.LocationAttribute).
		SuggestedReader(s.SuggestedReader).
		ImposedBBox(s.ImposedBBox).
		Caching(s.Caching).
		Dimensions(dims).
		Build()
}

// sliceAttributes returns the attribute values a reader supplies for one slice.
func sliceAttributes(s output.Slice) map[string]any {
	attrs := make(map[string]any, 4+len(s.Custom))
	if s.Time != nil {
		attrs[attrTime] = s.Time.UTC()
	}
	if s.TimeEnd != nil {
		attrs[attrTimeEnd] = s.TimeEnd.UTC()
	}
	if s.Elevation != nil {
		attrs[attrElevation] = *s.Elevation
	}
	if s.ElevationEnd != nil {
		attrs[attrElevationEnd] = *s.ElevationEnd
	}
	for k, v := range s.Custom {
		attrs[k] = v
	}
	return attrs
}

// inferType maps a Go value to an attribute type.
func inferType(v any) domain.AttributeType {
	switch v.(type) {
	case time.Time:
		return domain.AttrTime
	case float32, float64:
		return domain.AttrDouble
	case int, int32, int64:
		return domain.AttrInteger
	default:
		return domain.AttrString
	}
}

// deriveSchema declares the attributes and dimensions of a new coverage
// from the attribute values of its first granule and the collectors.
func deriveSchema(coverage, locationAttr string, records []map[string]any, collectors []PropertyCollector) (domain.Schema, error) {
	types := make(map[string]domain.AttributeType)
	for _, c := range collectors {
		types[c.Attribute()] = c.Type()
	}
	for _, attrs := range records {
		for k, v := range attrs {
			if _, ok := types[k]; !ok && v != nil {
				types[k] = inferType(v)
			}
		}
	}

	names := make([]string, 0, len(types))
	for k := range types {
		names = append(names, k)
	}
	sort.Strings(names)

	schema := domain.Schema{Coverage: coverage, LocationAttribute: locationAttr}
	for _, n := range names {
		schema.Attributes = append(schema.Attributes, domain.AttributeDescriptor{Name: n, Type: types[n]})
	}

	dims, err := deriveDimensions(names, types)
	if err != nil {
		return domain.Schema{}, err
	}
	schema.Dimensions = dims
	return schema, schema.Validate()
}

// deriveDimensions maps attributes onto dimensions: time and elevation
// become range dimensions when an end attribute exists, every other
// attribute becomes a point dimension of the same name.
func deriveDimensions(names []string, types map[string]domain.AttributeType) ([]domain.DimensionDescriptor, error) {
	has := func(n string) bool { _, ok := types[n]; return ok }

	var dims []domain.DimensionDescriptor
	add := func(d domain.DimensionDescriptor, err error) error {
		if err != nil {
			return err
		}
		dims = append(dims, d)
		return nil
	}

	for _, n := range names {
		var err error
		switch n {
		case attrTime:
			if has(attrTimeEnd) {
				err = add(domain.NewRangeDimension(domain.DimensionTime, attrTime, attrTimeEnd, "ISO8601", ""))
			} else {
				err = add(domain.NewPointDimension(domain.DimensionTime, attrTime, "ISO8601", ""))
			}
		case attrElevation:
			if has(attrElevationEnd) {
				err = add(domain.NewRangeDimension(domain.DimensionElevation, attrElevation, attrElevationEnd, "meters", "m"))
			} else {
				err = add(domain.NewPointDimension(domain.DimensionElevation, attrElevation, "meters", "m"))
			}
		case attrTimeEnd, attrElevationEnd:
			if !has(trimEnd(n)) {
				err = add(domain.NewPointDimension(n, n, "", ""))
			}
		default:
			unit := ""
			if types[n] == domain.AttrTime {
				unit = "ISO8601"
			}
			err = add(domain.NewPointDimension(n, n, unit, ""))
		}
		if err != nil {
			return nil, err
		}
	}
	return dims, nil
}

func trimEnd(n string) string {
	if n == attrTimeEnd {
		return attrTime
	}
	return attrElevation
}

// normalizeRecord converts attribute values to the schema types. Values
// for undeclared attributes make the granule incompatible.
func normalizeRecord(schema domain.Schema, path string, attrs map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		a, ok := schema.Attribute(k)
		if !ok {
			return nil, &domain.GranuleError{Path: path, Reason: reasonAttributeMismatch, Err: &domain.FilterError{Attribute: k, Owner: schema.Coverage, Err: domain.ErrIncompatibleGranule}}
		}
		nv, err := domain.NormalizeValue(a.Type, v)
		if err != nil {
			return nil, &domain.GranuleError{Path: path, Reason: reasonAttributeMismatch, Err: err}
		}
		out[k] = nv
	}
	return out, nil
}
