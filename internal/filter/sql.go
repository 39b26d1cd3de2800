package filter

import (
	"strings"
)

// Dialect adapts SQL rendering to a database.
type Dialect interface {
	// Quote quotes an identifier.
	Quote(ident string) string
	// Placeholder returns the n-th (1-based) bind parameter.
	Placeholder(n int) string
	// Value converts a normalized literal into a driver value.
	Value(v any) any
}

// Bbox columns written by the catalog for every granule.
const (
	ColMinX = "minx"
	ColMinY = "miny"
	ColMaxX = "maxx"
	ColMaxY = "maxy"
)

type sqlWriter struct {
	d    Dialect
	b    strings.Builder
	args []any
	base int
}

func (w *sqlWriter) arg(v any) string {
	w.args = append(w.args, w.d.Value(v))
	return w.d.Placeholder(w.base + len(w.args))
}

// ToSQL renders a bound expression as a WHERE clause. Placeholders are
// numbered from argOffset+1 so the clause can be embedded in a larger query.
func ToSQL(e Expr, d Dialect, argOffset int) (string, []any) {
	w := &sqlWriter{d: d, base: argOffset}
	w.write(e)
	return w.b.String(), w.args
}

func (w *sqlWriter) write(e Expr) {
	switch x := e.(type) {
	case nil:
		w.b.WriteString("1 = 1")

	case Comparison:
		op := string(x.Op)
		if x.Op == OpEq {
			op = "="
		}
		w.b.WriteString(w.d.Quote(x.Attribute) + " " + op + " " + w.arg(x.Value))

	case Between:
		col := w.d.Quote(x.Attribute)
		w.b.WriteString(col + " BETWEEN " + w.arg(x.Lo) + " AND " + w.arg(x.Hi))

	case In:
		if len(x.Values) == 0 {
			w.b.WriteString("1 = 0")
			return
		}
		ph := make([]string, len(x.Values))
		for i, v := range x.Values {
			ph[i] = w.arg(v)
		}
		w.b.WriteString(w.d.Quote(x.Attribute) + " IN (" + strings.Join(ph, ", ") + ")")

	case Intersects:
		w.b.WriteString("(" + w.d.Quote(ColMinX) + " <= " + w.arg(x.Bound.Max[0]))
		w.b.WriteString(" AND " + w.d.Quote(ColMaxX) + " >= " + w.arg(x.Bound.Min[0]))
		w.b.WriteString(" AND " + w.d.Quote(ColMinY) + " <= " + w.arg(x.Bound.Max[1]))
		w.b.WriteString(" AND " + w.d.Quote(ColMaxY) + " >= " + w.arg(x.Bound.Min[1]) + ")")

	case And:
		w.group(x, " AND ", "1 = 1")

	case Or:
		w.group(x, " OR ", "1 = 0")
	}
}

func (w *sqlWriter) group(children []Expr, sep, empty string) {
	if len(children) == 0 {
		w.b.WriteString(empty)
		return
	}
	w.b.WriteString("(")
	for i, child := range children {
		if i > 0 {
			w.b.WriteString(sep)
		}
		w.write(child)
	}
	w.b.WriteString(")")
}
