package catalog

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"

	"github.com/jobrunner/tessera/internal/domain"
)

// scanGranule reads one row selected with selectColumns.
func scanGranule(rows *sql.Rows, schema domain.Schema) (domain.GranuleRecord, error) {
	var (
		id       int64
		location string
		fp       []byte
	)
	raw := make([]any, len(schema.Attributes))
	dest := make([]any, 0, 3+len(raw))
	dest = append(dest, &id, &location, &fp)
	for i := range raw {
		dest = append(dest, &raw[i])
	}

	if err := rows.Scan(dest...); err != nil {
		return domain.GranuleRecord{}, err
	}

	footprint, err := decodeFootprint(fp)
	if err != nil {
		return domain.GranuleRecord{}, err
	}

	attrs := make(map[string]any, len(raw))
	for i, a := range schema.Attributes {
		v, err := decodeValue(a.Type, raw[i])
		if err != nil {
			return domain.GranuleRecord{}, fmt.Errorf("attribute %s: %w", a.Name, err)
		}
		attrs[a.Name] = v
	}

	return domain.GranuleRecord{
		ID:         id,
		Coverage:   schema.Coverage,
		Location:   location,
		Footprint:  footprint,
		Attributes: attrs,
	}, nil
}

func encodeFootprint(p orb.Polygon) ([]byte, error) {
	return wkb.Marshal(p)
}

func decodeFootprint(b []byte) (orb.Polygon, error) {
	g, err := wkb.Unmarshal(b)
	if err != nil {
		return nil, fmt.Errorf("decoding footprint: %w", err)
	}
	switch p := g.(type) {
	case orb.Polygon:
		return p, nil
	case orb.Bound:
		return p.ToPolygon(), nil
	}
	return nil, fmt.Errorf("footprint is a %s, not a polygon", g.GeoJSONType())
}

// decodeValue converts a driver value back into the normalized type of t.
func decodeValue(t domain.AttributeType, v any) (any, error) {
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	if v == nil {
		return nil, nil
	}

	switch t {
	case domain.AttrTime:
		switch x := v.(type) {
		case int64:
			return time.UnixMilli(x).UTC(), nil
		case float64:
			return time.UnixMilli(int64(x)).UTC(), nil
		case time.Time:
			return x.UTC(), nil
		case string:
			n, err := strconv.ParseInt(x, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("decoding time %q: %w", x, err)
			}
			return time.UnixMilli(n).UTC(), nil
		}
	case domain.AttrInteger:
		switch x := v.(type) {
		case int64:
			return x, nil
		case float64:
			return int64(x), nil
		case string:
			return strconv.ParseInt(x, 10, 64)
		}
	case domain.AttrDouble:
		switch x := v.(type) {
		case float64:
			return x, nil
		case int64:
			return float64(x), nil
		case string:
			return strconv.ParseFloat(x, 64)
		}
	case domain.AttrString:
		switch x := v.(type) {
		case string:
			return x, nil
		default:
			return fmt.Sprint(x), nil
		}
	}
	return nil, fmt.Errorf("cannot decode %T as %s", v, t)
}
