// Package filter implements the attribute predicate language used to query
// the granule catalog: equality, ranges and footprint intersection combined
// with and/or.
package filter

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"
)

// FootprintAttribute is the pseudo attribute referenced by Intersects.
const FootprintAttribute = "footprint"

// Expr is a filter expression. A nil Expr matches everything.
type Expr interface {
	fmt.Stringer
	attributes(add func(string))
}

// Op is a comparison operator.
type Op string

// Comparison operators.
const (
	OpEq Op = "=="
	OpLt Op = "<"
	OpLe Op = "<="
	OpGt Op = ">"
	OpGe Op = ">="
)

func (o Op) valid() bool {
	switch o {
	case OpEq, OpLt, OpLe, OpGt, OpGe:
		return true
	}
	return false
}

// Comparison compares an attribute with a literal.
type Comparison struct {
	Attribute string
	Op        Op
	Value     any
}

// Between matches Lo <= attribute <= Hi.
type Between struct {
	Attribute string
	Lo, Hi    any
}

// In matches attributes equal to one of Values.
type In struct {
	Attribute string
	Values    []any
}

// Intersects matches granules whose footprint bounding box intersects Bound.
type Intersects struct {
	Bound orb.Bound
}

// And matches when all children match.
type And []Expr

// Or matches when any child matches.
type Or []Expr

// Eq builds attribute == v.
func Eq(attr string, v any) Expr { return Comparison{Attribute: attr, Op: OpEq, Value: v} }

// Lt builds attribute < v.
func Lt(attr string, v any) Expr { return Comparison{Attribute: attr, Op: OpLt, Value: v} }

// Le builds attribute <= v.
func Le(attr string, v any) Expr { return Comparison{Attribute: attr, Op: OpLe, Value: v} }

// Gt builds attribute > v.
func Gt(attr string, v any) Expr { return Comparison{Attribute: attr, Op: OpGt, Value: v} }

// Ge builds attribute >= v.
func Ge(attr string, v any) Expr { return Comparison{Attribute: attr, Op: OpGe, Value: v} }

// Range builds lo <= attribute <= hi.
func Range(attr string, lo, hi any) Expr { return Between{Attribute: attr, Lo: lo, Hi: hi} }

// OneOf builds attribute in (values...).
func OneOf(attr string, values ...any) Expr { return In{Attribute: attr, Values: values} }

// BBox builds a footprint intersection test.
func BBox(b orb.Bound) Expr { return Intersects{Bound: b} }

// All combines expressions with and, dropping nils.
func All(exprs ...Expr) Expr {
	out := compact(exprs)
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	}
	return And(out)
}

// Any combines expressions with or, dropping nils.
func Any(exprs ...Expr) Expr {
	out := compact(exprs)
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	}
	return Or(out)
}

func compact(exprs []Expr) []Expr {
	out := make([]Expr, 0, len(exprs))
	for _, e := range exprs {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

// Attributes returns the sorted set of attributes referenced by e.
func Attributes(e Expr) []string {
	if e == nil {
		return nil
	}
	seen := map[string]bool{}
	e.attributes(func(a string) { seen[a] = true })
	out := make([]string, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	slices.Sort(out)
	return out
}

// Format renders e in the text syntax accepted by Parse. Nil renders empty.
func Format(e Expr) string {
	if e == nil {
		return ""
	}
	return e.String()
}

func (c Comparison) attributes(add func(string)) { add(c.Attribute) }
func (b Between) attributes(add func(string))    { add(b.Attribute) }
func (i In) attributes(add func(string))         { add(i.Attribute) }
func (Intersects) attributes(add func(string))   { add(FootprintAttribute) }

func (a And) attributes(add func(string)) {
	for _, e := range a {
		e.attributes(add)
	}
}

func (o Or) attributes(add func(string)) {
	for _, e := range o {
		e.attributes(add)
	}
}

func (c Comparison) String() string {
	return fmt.Sprintf("%s %s %s", c.Attribute, c.Op, literal(c.Value))
}

func (b Between) String() string {
	return fmt.Sprintf("(%s >= %s && %s <= %s)", b.Attribute, literal(b.Lo), b.Attribute, literal(b.Hi))
}

func (i In) String() string {
	parts := make([]string, len(i.Values))
	for n, v := range i.Values {
		parts[n] = literal(v)
	}
	return fmt.Sprintf("%s in (%s)", i.Attribute, strings.Join(parts, ", "))
}

func (i Intersects) String() string {
	return fmt.Sprintf("bbox(%s, %s, %s, %s)",
		number(i.Bound.Min[0]), number(i.Bound.Min[1]), number(i.Bound.Max[0]), number(i.Bound.Max[1]))
}

func (a And) String() string { return join([]Expr(a), " && ") }
func (o Or) String() string  { return join([]Expr(o), " || ") }

func join(exprs []Expr, sep string) string {
	parts := make([]string, len(exprs))
	for i, e := range exprs {
		parts[i] = e.String()
	}
	return "(" + strings.Join(parts, sep) + ")"
}

func literal(v any) string {
	switch x := v.(type) {
	case nil:
		return "''"
	case string:
		return "'" + strings.ReplaceAll(x, "'", `\'`) + "'"
	case time.Time:
		return "'" + x.UTC().Format(time.RFC3339Nano) + "'"
	case float64:
		return number(x)
	case float32:
		return number(float64(x))
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	default:
		return "'" + fmt.Sprint(x) + "'"
	}
}

func number(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}
