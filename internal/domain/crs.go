package domain

import (
	"fmt"
	"regexp"
	"strings"
)

// CRS identifies a coordinate reference system either by authority code or by WKT.
type CRS struct {
	Code string // Authority code, e.g. "EPSG:4326"
	WKT  string // Well-Known Text definition
	Name string // Human-readable name, ignored by Equal
}

// Common CRS definitions.
var (
	CRSWGS84       = CRS{Code: "EPSG:4326", Name: "WGS 84"}
	CRSWebMercator = CRS{Code: "EPSG:3857", Name: "WGS 84 / Pseudo-Mercator"}
)

var (
	authorityClause = regexp.MustCompile(`(?i),\s*AUTHORITY\s*\[[^\]]*\]`)
	whitespace      = regexp.MustCompile(`\s+`)
	epsgInWKT       = regexp.MustCompile(`(?i)AUTHORITY\s*\[\s*"EPSG"\s*,\s*"(\d+)"\s*\]\s*\]\s*$`)
)

// ParseCRS interprets s as an authority code or a WKT definition.
func ParseCRS(s string) CRS {
	s = strings.TrimSpace(s)
	if s == "" {
		return CRS{}
	}
	if strings.Contains(s, "[") {
		crs := CRS{WKT: s}
		if m := epsgInWKT.FindStringSubmatch(s); m != nil {
			crs.Code = "EPSG:" + m[1]
		}
		return crs
	}
	return CRS{Code: strings.ToUpper(s)}
}

// IsZero returns true if the CRS is unset.
func (c CRS) IsZero() bool {
	return c.Code == "" && c.WKT == ""
}

// Equal compares two CRS definitions ignoring metadata such as names,
// authority clauses, whitespace and letter case.
func (c CRS) Equal(o CRS) bool {
	if c.Code != "" && o.Code != "" {
		return strings.EqualFold(c.Code, o.Code)
	}
	if c.WKT != "" && o.WKT != "" {
		return normalizeWKT(c.WKT) == normalizeWKT(o.WKT)
	}
	return c.IsZero() && o.IsZero()
}

// String returns the code if known, otherwise the WKT.
func (c CRS) String() string {
	if c.Code != "" {
		return c.Code
	}
	return c.WKT
}

// validity holds the area of use of well-known systems.
var validity = map[string][4]float64{
	"EPSG:4326":   {-180, -90, 180, 90},
	"CRS:84":      {-180, -90, 180, 90},
	"EPSG:4258":   {-180, -90, 180, 90},
	"EPSG:3857":   {-20037508.342789244, -20048966.1040146, 20037508.342789244, 20048966.1040146},
	"EPSG:900913": {-20037508.342789244, -20048966.1040146, 20037508.342789244, 20048966.1040146},
}

// Domain returns the area of use of the CRS, if known.
func (c CRS) Domain() (Envelope, bool) {
	b, ok := validity[strings.ToUpper(c.Code)]
	if !ok {
		return Envelope{}, false
	}
	return NewEnvelope(b[0], b[1], b[2], b[3], c), true
}

// ValidateFootprint checks that env intersects the CRS domain. Systems
// without a known domain accept any non-empty envelope.
func (c CRS) ValidateFootprint(env Envelope) error {
	if env.IsEmpty() {
		return &ValidationError{Field: "footprint", Value: env.String(), Constraint: "non-empty", Message: "footprint is empty"}
	}
	dom, ok := c.Domain()
	if !ok {
		return nil
	}
	if !dom.Intersects(env) {
		return &ValidationError{
			Field:      "footprint",
			Value:      env.String(),
			Constraint: dom.String(),
			Message:    fmt.Sprintf("footprint outside the domain of %s", c),
		}
	}
	return nil
}

func normalizeWKT(wkt string) string {
	wkt = authorityClause.ReplaceAllString(wkt, "")
	wkt = whitespace.ReplaceAllString(wkt, "")
	return strings.ToUpper(wkt)
}
