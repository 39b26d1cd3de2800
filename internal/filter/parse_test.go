package filter

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/paulmach/orb"

	"github.com/jobrunner/tessera/internal/domain"
)

func TestParse(t *testing.T) {
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		text string
		want Expr
	}{
		{
			name: "empty",
			text: "  ",
			want: nil,
		},
		{
			name: "time comparison",
			text: "ingestion >= '2024-01-01'",
			want: Comparison{Attribute: "ingestion", Op: OpGe, Value: day},
		},
		{
			name: "conjunction",
			text: "elev_lo < 100 && band == 'red'",
			want: And{
				Comparison{Attribute: "elev_lo", Op: OpLt, Value: 100.0},
				Comparison{Attribute: "band", Op: OpEq, Value: "red"},
			},
		},
		{
			name: "in list",
			text: "band in ('red', 'nir')",
			want: In{Attribute: "band", Values: []any{"red", "nir"}},
		},
		{
			name: "bbox and negative number",
			text: "bbox(-10, -5, 10, 5) || elev_lo > -3.5",
			want: Or{
				Intersects{Bound: orb.Bound{Min: orb.Point{-10, -5}, Max: orb.Point{10, 5}}},
				Comparison{Attribute: "elev_lo", Op: OpGt, Value: -3.5},
			},
		},
		{
			name: "precedence",
			text: "band == 'a' || band == 'b' && elev_lo <= 1",
			want: Or{
				Comparison{Attribute: "band", Op: OpEq, Value: "a"},
				And{
					Comparison{Attribute: "band", Op: OpEq, Value: "b"},
					Comparison{Attribute: "elev_lo", Op: OpLe, Value: 1.0},
				},
			},
		},
		{
			name: "parentheses",
			text: "(band == 'a' || band == 'b') && elev_lo <= 1",
			want: And{
				Or{
					Comparison{Attribute: "band", Op: OpEq, Value: "a"},
					Comparison{Attribute: "band", Op: OpEq, Value: "b"},
				},
				Comparison{Attribute: "elev_lo", Op: OpLe, Value: 1.0},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.text)
			if err != nil {
				t.Fatalf("Parse(%q) error = %v", tt.text, err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Parse(%q) = %#v, want %#v", tt.text, got, tt.want)
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"not equal unsupported", "band != 'red'"},
		{"regex unsupported", "band =~ 'r.*'"},
		{"dangling operator", "band =="},
		{"bbox arity", "bbox(1, 2, 3)"},
		{"bbox inverted", "bbox(10, 0, 0, 10)"},
		{"bare literal", "'red'"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.text)
			if err == nil {
				t.Fatalf("Parse(%q) expected error", tt.text)
			}
			if !errors.Is(err, domain.ErrInvalidInput) {
				t.Errorf("error should wrap ErrInvalidInput: %v", err)
			}
		})
	}
}

func TestFormatRoundTrip(t *testing.T) {
	exprs := []Expr{
		Eq("band", "it's"),
		Range("elev_lo", 0.5, 10),
		All(
			Ge("ingestion", time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)),
			Any(OneOf("band", "a", "b"), Lt("elev_hi", int64(-4))),
			BBox(orb.Bound{Min: orb.Point{-1.5, 2}, Max: orb.Point{3, 4.25}}),
		),
	}

	for _, e := range exprs {
		text := Format(e)
		t.Run(text, func(t *testing.T) {
			parsed, err := Parse(text)
			if err != nil {
				t.Fatalf("Parse(Format()) error = %v", err)
			}
			if got := Format(parsed); got != text {
				t.Errorf("round trip = %q, want %q", got, text)
			}
		})
	}
}

func TestParseKeepsDecimalPrecision(t *testing.T) {
	rec := &domain.GranuleRecord{
		Location:   "a.tif",
		Footprint:  orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{1, 1}}.ToPolygon(),
		Attributes: map[string]any{"elev_lo": 1234.567, "elev_hi": 0.1},
	}

	tests := []struct {
		text string
		want bool
	}{
		{"elev_lo == 1234.567", true},
		{"elev_lo in (1, 1234.567)", true},
		{"elev_lo > -1234.567 && elev_hi == 0.1", true},
		{"elev_lo == 1234.5670166", false},
		{"bbox(0.1, 0.1, 0.9, 0.9) && elev_hi <= 0.1", true},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			parsed, err := Parse(tt.text)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			bound, err := Bind(parsed, testSchema())
			if err != nil {
				t.Fatalf("Bind() error = %v", err)
			}
			if got := Match(bound, rec, "location"); got != tt.want {
				t.Errorf("Match(%s) = %v, want %v", Format(bound), got, tt.want)
			}
		})
	}
}

func TestNumberLiterals(t *testing.T) {
	tests := []struct {
		text string
		want []float64
	}{
		{"band2 == 'r1.5' && elev_lo < 3.25", []float64{3.25}},
		{"[elev 2] > 0x1F", []float64{31}},
		{`band == 'it\'s 9' || elev_lo >= .5`, []float64{0.5}},
		{"bbox(-1, 2.5, 3, 4)", []float64{1, 2.5, 3, 4}},
		{"ingestion >= '2024-01-01'", nil},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			if got := numberLiterals(tt.text); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("numberLiterals() = %v, want %v", got, tt.want)
			}
		})
	}
}
