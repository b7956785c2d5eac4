package query

import (
	"fmt"
	"strings"

	"querybuilder/internal/domain"

	"github.com/samber/lo"
)

// Operator is a comparison operator in a Compare predicate.
type Operator string

const (
	OpEq      Operator = "="
	OpNe      Operator = "<>"
	OpGt      Operator = ">"
	OpGte     Operator = ">="
	OpLt      Operator = "<"
	OpLte     Operator = "<="
	OpLike    Operator = "LIKE"
	OpNotLike Operator = "NOT LIKE"
	OpIn      Operator = "IN"
	OpNotIn   Operator = "NOT IN"
)

var operatorAliases = map[string]Operator{
	"=": OpEq, "==": OpEq, "$eq": OpEq,
	"!=": OpNe, "<>": OpNe, "$ne": OpNe,
	">": OpGt, "$gt": OpGt,
	">=": OpGte, "$gte": OpGte,
	"<": OpLt, "$lt": OpLt,
	"<=": OpLte, "$lte": OpLte,
	"like": OpLike, "$like": OpLike,
	"not like": OpNotLike, "$nlike": OpNotLike,
	"in": OpIn, "$in": OpIn,
	"not in": OpNotIn, "$nin": OpNotIn,
}

// ParseOperator resolves an operator key from a where map.
func ParseOperator(s string) (Operator, error) {
	if op, ok := operatorAliases[strings.ToLower(strings.Join(strings.Fields(s), " "))]; ok {
		return op, nil
	}
	return "", fmt.Errorf("%w: unknown operator %q", domain.ErrValidation, s)
}

// Predicate is a WHERE, HAVING or join condition. The set of
// implementations is closed.
type Predicate interface {
	isPredicate()
}

// Equals matches a field against a value. A nil value means IS NULL.
type Equals struct {
	Field string
	Value any
}

// Compare applies Op between a field and a value.
type Compare struct {
	Field string
	Op    Operator
	Value any
}

// And holds terms that must all match.
type And struct {
	Terms []Predicate
}

// Or holds terms of which one must match.
type Or struct {
	Terms []Predicate
}

// Raw is a condition the parser could not break down. SQL is rendered
// verbatim; Fields lists the columns it references.
type Raw struct {
	SQL    string
	Fields []string
}

func (Equals) isPredicate()  {}
func (Compare) isPredicate() {}
func (And) isPredicate()     {}
func (Or) isPredicate()      {}
func (Raw) isPredicate()     {}

// allOf folds terms into one predicate: nil when empty, the term itself
// when there is only one.
func allOf(terms []Predicate) Predicate {
	terms = lo.Filter(terms, func(p Predicate, _ int) bool { return p != nil })
	switch len(terms) {
	case 0:
		return nil
	case 1:
		return terms[0]
	}
	var flat []Predicate
	for _, t := range terms {
		if a, ok := t.(And); ok {
			flat = append(flat, a.Terms...)
			continue
		}
		flat = append(flat, t)
	}
	return And{Terms: flat}
}

func anyOf(terms []Predicate) Predicate {
	terms = lo.Filter(terms, func(p Predicate, _ int) bool { return p != nil })
	switch len(terms) {
	case 0:
		return nil
	case 1:
		return terms[0]
	}
	var flat []Predicate
	for _, t := range terms {
		if o, ok := t.(Or); ok {
			flat = append(flat, o.Terms...)
			continue
		}
		flat = append(flat, t)
	}
	return Or{Terms: flat}
}

// comparison builds the predicate for field op value.
func comparison(field string, op Operator, value any) Predicate {
	if op == OpEq {
		if list, ok := value.([]any); ok {
			return Compare{Field: field, Op: OpIn, Value: list}
		}
		return Equals{Field: field, Value: value}
	}
	return Compare{Field: field, Op: op, Value: value}
}

// predicateFields lists the columns a predicate references, in order.
func predicateFields(p Predicate) []string {
	var out []string
	var walk func(Predicate)
	walk = func(p Predicate) {
		switch p := p.(type) {
		case Equals:
			out = append(out, p.Field)
			if r, ok := p.Value.(Ref); ok {
				out = append(out, string(r))
			}
		case Compare:
			out = append(out, p.Field)
			if r, ok := p.Value.(Ref); ok {
				out = append(out, string(r))
			}
		case And:
			lo.ForEach(p.Terms, func(t Predicate, _ int) { walk(t) })
		case Or:
			lo.ForEach(p.Terms, func(t Predicate, _ int) { walk(t) })
		case Raw:
			out = append(out, p.Fields...)
		}
	}
	walk(p)
	return lo.Uniq(out)
}

// termCount counts leaf conditions.
func termCount(p Predicate) int {
	switch p := p.(type) {
	case And:
		return lo.SumBy(p.Terms, termCount)
	case Or:
		return lo.SumBy(p.Terms, termCount)
	case nil:
		return 0
	}
	return 1
}

// mapPredicate rebuilds p with every leaf value passed through fn.
func mapPredicate(p Predicate, fn func(any) any) Predicate {
	switch p := p.(type) {
	case Equals:
		return Equals{Field: p.Field, Value: fn(p.Value)}
	case Compare:
		return Compare{Field: p.Field, Op: p.Op, Value: fn(p.Value)}
	case And:
		return And{Terms: lo.Map(p.Terms, func(t Predicate, _ int) Predicate { return mapPredicate(t, fn) })}
	case Or:
		return Or{Terms: lo.Map(p.Terms, func(t Predicate, _ int) Predicate { return mapPredicate(t, fn) })}
	}
	return p
}
