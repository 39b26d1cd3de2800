package filter

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	goeval "github.com/edisonguo/govaluate"
	"github.com/paulmach/orb"

	"github.com/jobrunner/tessera/internal/domain"
)

// parseFunctions lets the tokenizer accept bbox(...). Only the token stream
// is used; the function is never evaluated.
var parseFunctions = map[string]goeval.ExpressionFunction{
	"bbox": func(args ...interface{}) (interface{}, error) {
		return nil, fmt.Errorf("bbox is not evaluable")
	},
}

// Parse reads the text syntax:
//
//	time >= '2024-01-01' && elevation < 100 || band in ('red', 'nir')
//	bbox(minx, miny, maxx, maxy) && location == 'a/b.tif'
//
// Supported operators are == < <= > >= and in, combined with && and ||
// and parentheses. An empty string yields a nil expression.
func Parse(text string) (Expr, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	expr, err := goeval.NewEvaluableExpressionWithFunctions(text, parseFunctions)
	if err != nil {
		return nil, syntaxError(text, err.Error())
	}

	p := &parser{tokens: expr.Tokens(), text: text}
	p.numbers = numberTokens(p.tokens, numberLiterals(text))
	e, err := p.or()
	if err != nil {
		return nil, err
	}
	if !p.done() {
		return nil, syntaxError(text, fmt.Sprintf("unexpected %v", p.peek().Value))
	}
	return e, nil
}

func syntaxError(text, msg string) error {
	return &domain.ValidationError{Field: "filter", Value: text, Constraint: "filter syntax", Message: msg}
}

type parser struct {
	tokens  []goeval.ExpressionToken
	numbers map[int]float64
	pos     int
	text    string
}

func (p *parser) done() bool { return p.pos >= len(p.tokens) }

func (p *parser) peek() goeval.ExpressionToken {
	if p.done() {
		return goeval.ExpressionToken{Kind: goeval.UNKNOWN}
	}
	return p.tokens[p.pos]
}

func (p *parser) next() goeval.ExpressionToken {
	t := p.peek()
	p.pos++
	return t
}

func (p *parser) expect(kind goeval.TokenKind, what string) error {
	if p.peek().Kind != kind {
		return p.errorf("expected %s", what)
	}
	p.pos++
	return nil
}

func (p *parser) errorf(format string, args ...any) error {
	return syntaxError(p.text, fmt.Sprintf(format, args...)+fmt.Sprintf(" at token %d", p.pos))
}

func (p *parser) isLogical(op string) bool {
	t := p.peek()
	return t.Kind == goeval.LOGICALOP && t.Value == op
}

func (p *parser) or() (Expr, error) {
	first, err := p.and()
	if err != nil {
		return nil, err
	}
	terms := []Expr{first}
	for p.isLogical("||") {
		p.pos++
		next, err := p.and()
		if err != nil {
			return nil, err
		}
		terms = append(terms, next)
	}
	return Any(terms...), nil
}

func (p *parser) and() (Expr, error) {
	first, err := p.primary()
	if err != nil {
		return nil, err
	}
	terms := []Expr{first}
	for p.isLogical("&&") {
		p.pos++
		next, err := p.primary()
		if err != nil {
			return nil, err
		}
		terms = append(terms, next)
	}
	return All(terms...), nil
}

func (p *parser) primary() (Expr, error) {
	t := p.peek()
	switch t.Kind {
	case goeval.CLAUSE:
		p.pos++
		e, err := p.or()
		if err != nil {
			return nil, err
		}
		if err := p.expect(goeval.CLAUSE_CLOSE, "')'"); err != nil {
			return nil, err
		}
		return e, nil

	case goeval.FUNCTION:
		p.pos++
		return p.bbox()

	case goeval.VARIABLE:
		p.pos++
		return p.predicate(t.Value.(string))
	}
	return nil, p.errorf("expected attribute, bbox or '('")
}

func (p *parser) bbox() (Expr, error) {
	if err := p.expect(goeval.CLAUSE, "'(' after bbox"); err != nil {
		return nil, err
	}
	var coords [4]float64
	for i := range coords {
		if i > 0 {
			if err := p.expect(goeval.SEPARATOR, "','"); err != nil {
				return nil, err
			}
		}
		v, err := p.literal()
		if err != nil {
			return nil, err
		}
		f, ok := v.(float64)
		if !ok {
			return nil, p.errorf("bbox coordinates must be numbers")
		}
		coords[i] = f
	}
	if err := p.expect(goeval.CLAUSE_CLOSE, "')'"); err != nil {
		return nil, err
	}
	if coords[0] > coords[2] || coords[1] > coords[3] {
		return nil, p.errorf("bbox min exceeds max")
	}
	return BBox(orb.Bound{Min: orb.Point{coords[0], coords[1]}, Max: orb.Point{coords[2], coords[3]}}), nil
}

func (p *parser) predicate(attr string) (Expr, error) {
	t := p.next()
	if t.Kind != goeval.COMPARATOR {
		return nil, p.errorf("expected comparison after %s", attr)
	}
	op, _ := t.Value.(string)

	if op == "in" {
		return p.in(attr)
	}
	if !Op(op).valid() {
		return nil, p.errorf("unsupported operator %q", op)
	}
	v, err := p.literal()
	if err != nil {
		return nil, err
	}
	return Comparison{Attribute: attr, Op: Op(op), Value: v}, nil
}

func (p *parser) in(attr string) (Expr, error) {
	if err := p.expect(goeval.CLAUSE, "'(' after in"); err != nil {
		return nil, err
	}
	var values []any
	for {
		v, err := p.literal()
		if err != nil {
			return nil, err
		}
		values = append(values, v)
		if p.peek().Kind != goeval.SEPARATOR {
			break
		}
		p.pos++
	}
	if err := p.expect(goeval.CLAUSE_CLOSE, "')'"); err != nil {
		return nil, err
	}
	return OneOf(attr, values...), nil
}

func (p *parser) literal() (any, error) {
	t := p.next()
	switch t.Kind {
	case goeval.PREFIX:
		if t.Value != "-" {
			return nil, p.errorf("unsupported prefix %v", t.Value)
		}
		if p.peek().Kind != goeval.NUMERIC {
			return nil, p.errorf("expected number after '-'")
		}
		p.pos++
		return -p.number(p.pos - 1), nil
	case goeval.NUMERIC:
		return p.number(p.pos - 1), nil
	case goeval.STRING:
		return t.Value, nil
	case goeval.TIME:
		ts, _ := t.Value.(time.Time)
		return wallClockUTC(ts), nil
	case goeval.BOOLEAN:
		return t.Value, nil
	}
	return nil, p.errorf("expected literal")
}

// number returns the value of the NUMERIC token at index i.
func (p *parser) number(i int) float64 {
	if f, ok := p.numbers[i]; ok {
		return f
	}
	switch v := p.tokens[i].Value.(type) {
	case float64:
		return v
	case float32:
		f, _ := strconv.ParseFloat(strconv.FormatFloat(float64(v), 'g', -1, 32), 64)
		return f
	}
	return 0
}

// numberTokens pairs NUMERIC token indexes with the literals read from the
// source. The tokenizer narrows numbers to float32, so 1234.567 would not
// compare equal to a stored float64. Nil when the counts disagree.
func numberTokens(tokens []goeval.ExpressionToken, literals []float64) map[int]float64 {
	numbers := make(map[int]float64, len(literals))
	for i, t := range tokens {
		if t.Kind != goeval.NUMERIC {
			continue
		}
		if len(numbers) == len(literals) {
			return nil
		}
		numbers[i] = literals[len(numbers)]
	}
	if len(numbers) != len(literals) {
		return nil
	}
	return numbers
}

// numberLiterals scans text with the tokenizer's rules and returns its
// numeric literals in order, parsed at full precision.
func numberLiterals(text string) []float64 {
	var literals []float64
	rs := []rune(text)
	for i := 0; i < len(rs); {
		c := rs[i]
		switch {
		case unicode.IsSpace(c) || c == ',' || c == '(' || c == ')':
			i++

		case c == '0' && i+2 < len(rs) && rs[i+1] == 'x':
			j := i + 2
			for j < len(rs) && isHexDigit(rs[j]) {
				j++
			}
			v, _ := strconv.ParseUint(string(rs[i+2:j]), 16, 64)
			literals = append(literals, float64(v))
			i = j

		case unicode.IsDigit(c) || c == '.':
			j := i
			for j < len(rs) && (unicode.IsDigit(rs[j]) || rs[j] == '.') {
				j++
			}
			v, _ := strconv.ParseFloat(string(rs[i:j]), 64)
			literals = append(literals, v)
			i = j

		case c == '[':
			for i < len(rs) && rs[i] != ']' {
				i++
			}
			i++

		case c == '\'' || c == '"':
			i++
			for i < len(rs) && rs[i] != '\'' && rs[i] != '"' {
				if rs[i] == '\\' {
					i++
				}
				i++
			}
			i++

		case unicode.IsLetter(c):
			for i < len(rs) && (unicode.IsLetter(rs[i]) || unicode.IsDigit(rs[i]) || rs[i] == '_' || rs[i] == '.') {
				i++
			}

		default:
			i++
			for i < len(rs) && !unicode.IsSpace(rs[i]) && isSymbol(rs[i]) {
				i++
			}
		}
	}
	return literals
}

func isHexDigit(c rune) bool {
	c = unicode.ToLower(c)
	return unicode.IsDigit(c) || (c >= 'a' && c <= 'f')
}

func isSymbol(c rune) bool {
	return !unicode.IsDigit(c) && !unicode.IsLetter(c) && !strings.ContainsRune("()[]'\"", c)
}

// wallClockUTC reinterprets times the tokenizer parsed in the local zone as UTC.
func wallClockUTC(t time.Time) time.Time {
	if t.Location() != time.Local {
		return t.UTC()
	}
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}
