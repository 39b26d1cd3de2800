package filter

import (
	"fmt"

	"github.com/jobrunner/tessera/internal/domain"
)

// Bind checks that every attribute referenced by e is declared by the schema
// and converts literals to the attribute types. The location attribute is
// always a string; the footprint is always allowed.
func Bind(e Expr, schema domain.Schema) (Expr, error) {
	if e == nil {
		return nil, nil
	}

	typeOf := func(attr string) (domain.AttributeType, error) {
		if attr == schema.Location() {
			return domain.AttrString, nil
		}
		a, ok := schema.Attribute(attr)
		if !ok {
			return "", &domain.FilterError{Attribute: attr, Owner: schema.Coverage, Err: domain.ErrInvalidFilterAttribute}
		}
		return a.Type, nil
	}

	return bind(e, typeOf)
}

func bind(e Expr, typeOf func(string) (domain.AttributeType, error)) (Expr, error) {
	switch x := e.(type) {
	case Comparison:
		if !x.Op.valid() {
			return nil, &domain.ValidationError{Field: "filter", Value: x.Op, Constraint: "== < <= > >=", Message: "unsupported operator"}
		}
		t, err := typeOf(x.Attribute)
		if err != nil {
			return nil, err
		}
		v, err := normalize(t, x.Attribute, x.Value)
		if err != nil {
			return nil, err
		}
		return Comparison{Attribute: x.Attribute, Op: x.Op, Value: v}, nil

	case Between:
		t, err := typeOf(x.Attribute)
		if err != nil {
			return nil, err
		}
		lo, err := normalize(t, x.Attribute, x.Lo)
		if err != nil {
			return nil, err
		}
		hi, err := normalize(t, x.Attribute, x.Hi)
		if err != nil {
			return nil, err
		}
		return Between{Attribute: x.Attribute, Lo: lo, Hi: hi}, nil

	case In:
		t, err := typeOf(x.Attribute)
		if err != nil {
			return nil, err
		}
		values := make([]any, len(x.Values))
		for i, v := range x.Values {
			if values[i], err = normalize(t, x.Attribute, v); err != nil {
				return nil, err
			}
		}
		return In{Attribute: x.Attribute, Values: values}, nil

	case Intersects:
		return x, nil

	case And:
		children, err := bindAll(x, typeOf)
		return And(children), err

	case Or:
		children, err := bindAll(x, typeOf)
		return Or(children), err
	}

	return nil, &domain.ValidationError{Field: "filter", Value: fmt.Sprintf("%T", e), Constraint: "known node", Message: "unsupported filter node"}
}

func bindAll(exprs []Expr, typeOf func(string) (domain.AttributeType, error)) ([]Expr, error) {
	out := make([]Expr, len(exprs))
	for i, child := range exprs {
		b, err := bind(child, typeOf)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

func normalize(t domain.AttributeType, attr string, v any) (any, error) {
	if v == nil {
		return nil, &domain.ValidationError{Field: attr, Value: v, Constraint: string(t), Message: "null literal in filter"}
	}
	return domain.NormalizeValue(t, v)
}

// Restrict fails with a FilterError wrapping ErrInvalidFilterAttribute if e
// references any attribute outside allowed.
func Restrict(e Expr, owner string, allowed ...string) error {
	ok := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		ok[a] = true
	}
	for _, attr := range Attributes(e) {
		if !ok[attr] {
			return &domain.FilterError{Attribute: attr, Owner: owner, Err: domain.ErrInvalidFilterAttribute}
		}
	}
	return nil
}

// Match evaluates a bound expression against a record in memory.
func Match(e Expr, rec *domain.GranuleRecord, locationAttr string) bool {
	if e == nil {
		return true
	}

	value := func(attr string) (any, bool) {
		if attr == locationAttr {
			return rec.Location, true
		}
		v, ok := rec.Attribute(attr)
		return v, ok && v != nil
	}

	switch x := e.(type) {
	case Comparison:
		v, ok := value(x.Attribute)
		if !ok {
			return false
		}
		c := domain.CompareValues(v, x.Value)
		switch x.Op {
		case OpEq:
			return c == 0
		case OpLt:
			return c < 0
		case OpLe:
			return c <= 0
		case OpGt:
			return c > 0
		case OpGe:
			return c >= 0
		}
		return false

	case Between:
		v, ok := value(x.Attribute)
		return ok && domain.CompareValues(v, x.Lo) >= 0 && domain.CompareValues(v, x.Hi) <= 0

	case In:
		v, ok := value(x.Attribute)
		if !ok {
			return false
		}
		for _, candidate := range x.Values {
			if domain.CompareValues(v, candidate) == 0 {
				return true
			}
		}
		return false

	case Intersects:
		b := rec.Bound()
		return b.Min[0] <= x.Bound.Max[0] && b.Max[0] >= x.Bound.Min[0] &&
			b.Min[1] <= x.Bound.Max[1] && b.Max[1] >= x.Bound.Min[1]

	case And:
		for _, child := range x {
			if !Match(child, rec, locationAttr) {
				return false
			}
		}
		return true

	case Or:
		for _, child := range x {
			if Match(child, rec, locationAttr) {
				return true
			}
		}
		return false
	}
	return false
}
