package query

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"querybuilder/internal/domain"
)

var aggregateFuncs = map[string]bool{"COUNT": true, "SUM": true, "AVG": true, "MIN": true, "MAX": true}

// ParseInput maps a structured input onto a node. String values of the
// form ":name" are replaced by params[name] when present.
func ParseInput(in *Input, params map[string]any) (*Node, error) {
	n, err := parseInput(in)
	if err != nil {
		return nil, err
	}
	if len(params) > 0 {
		bindNode(n, params)
	}
	return n, nil
}

func parseInput(in *Input) (*Node, error) {
	if strings.TrimSpace(in.Table) == "" {
		return nil, fmt.Errorf("%w: table is required", domain.ErrValidation)
	}
	kind, err := ParseKind(in.Operation)
	if err != nil {
		return nil, err
	}
	n := &Node{
		Kind:     kind,
		Table:    strings.TrimSpace(in.Table),
		Alias:    in.Alias,
		Distinct: in.Distinct,
		Limit:    in.Limit,
		Offset:   in.Offset,
		IfExists: in.IfExists,
	}
	if (in.Limit != nil && *in.Limit < 0) || (in.Offset != nil && *in.Offset < 0) {
		return nil, fmt.Errorf("%w: limit and offset must not be negative", domain.ErrValidation)
	}

	if kind == KindSelect {
		if err := parseProjection(n, in); err != nil {
			return nil, err
		}
	}

	for _, j := range in.Joins {
		join, err := parseJoinInput(j)
		if err != nil {
			return nil, err
		}
		n.Joins = append(n.Joins, join)
	}

	if n.Where, err = conditionsPredicate(in.Where, false); err != nil {
		return nil, err
	}
	if n.Having, err = conditionsPredicate(in.Having, true); err != nil {
		return nil, err
	}
	n.GroupBy = append(n.GroupBy, in.GroupBy...)
	for _, o := range in.OrderBy {
		dir, err := parseDirection(o.Direction)
		if err != nil {
			return nil, err
		}
		n.OrderBy = append(n.OrderBy, Order{Field: o.Field, Direction: dir})
	}

	switch kind {
	case KindInsert, KindUpdate:
		fields, rows, err := decodeValues(in.Values, in.Fields)
		if err != nil {
			return nil, fmt.Errorf("%w: values: %w", domain.ErrValidation, err)
		}
		n.Fields, n.Rows = fields, rows
		if err := checkArity(n); err != nil {
			return nil, err
		}
	case KindCreate:
		n.Defs = append(n.Defs, in.Columns...)
	}
	if err := checkNames(n); err != nil {
		return nil, err
	}
	return n, nil
}

func parseProjection(n *Node, in *Input) error {
	for _, f := range in.Fields {
		f = strings.TrimSpace(f)
		name, alias := splitAlias(f)
		n.Columns = append(n.Columns, Column{Name: name, Alias: alias})
	}
	for _, a := range in.Aggregations {
		fn := strings.ToUpper(strings.TrimSpace(a.Function))
		if !aggregateFuncs[fn] {
			return fmt.Errorf("%w: unknown aggregate function %q", domain.ErrValidation, a.Function)
		}
		field := a.Field
		if field == "" {
			field = "*"
		}
		n.Columns = append(n.Columns, Column{Aggregate: &Aggregate{Func: fn, Field: field}, Alias: a.Alias})
	}
	for _, s := range in.Subqueries {
		if s.Alias == "" {
			return fmt.Errorf("%w: subquery on %s needs an alias", domain.ErrValidation, s.Query.Table)
		}
		sub, err := parseInput(&s.Query)
		if err != nil {
			return fmt.Errorf("subquery %s: %w", s.Alias, err)
		}
		if sub.Kind != KindSelect {
			return fmt.Errorf("%w: subquery %s must be a SELECT", domain.ErrValidation, s.Alias)
		}
		n.Columns = append(n.Columns, Column{Subquery: sub, Alias: s.Alias})
	}
	if len(n.Columns) == 0 {
		n.Columns = []Column{{Name: "*"}}
	}
	return nil
}

// splitAlias handles "name AS alias" in a field list.
func splitAlias(f string) (string, string) {
	lower := strings.ToLower(f)
	if i := strings.LastIndex(lower, " as "); i > 0 {
		return strings.TrimSpace(f[:i]), strings.TrimSpace(f[i+4:])
	}
	return f, ""
}

func parseJoinInput(j JoinInput) (Join, error) {
	kind, err := parseJoinKind(j.Type)
	if err != nil {
		return Join{}, err
	}
	if strings.TrimSpace(j.Table) == "" {
		return Join{}, fmt.Errorf("%w: join table is required", domain.ErrValidation)
	}
	join := Join{Kind: kind, Table: strings.TrimSpace(j.Table), Alias: j.Alias}
	if strings.TrimSpace(j.On) == "" {
		return Join{}, fmt.Errorf("%w: join on %s needs a condition", domain.ErrValidation, j.Table)
	}
	if join.On, err = parseCondition(j.On); err != nil {
		return Join{}, err
	}
	return join, nil
}

func checkArity(n *Node) error {
	if len(n.Fields) == 0 {
		return nil
	}
	for i, row := range n.Rows {
		if len(row) != len(n.Fields) {
			return fmt.Errorf("%w: %s arity mismatch in row %d: %d columns, %d values",
				domain.ErrValidation, n.Kind, i+1, len(n.Fields), len(row))
		}
	}
	return nil
}

// conditionsPredicate turns a where map into ANDed predicates. Aggregate
// keys such as COUNT(id) are accepted when aggregates is set.
func conditionsPredicate(cs Conditions, aggregates bool) (Predicate, error) {
	var terms []Predicate
	for _, c := range cs {
		switch {
		case c.Branches != nil:
			var branches []Predicate
			for _, b := range c.Branches {
				p, err := conditionsPredicate(b, aggregates)
				if err != nil {
					return nil, err
				}
				branches = append(branches, p)
			}
			if c.Field == "$or" {
				terms = append(terms, anyOf(branches))
			} else {
				terms = append(terms, allOf(branches))
			}
			continue
		}
		if err := checkConditionField("condition field", c.Field, aggregates); err != nil {
			return nil, err
		}
		switch {
		case c.Ops != nil:
			for _, ov := range c.Ops {
				op, err := ParseOperator(ov.Op)
				if err != nil {
					return nil, fmt.Errorf("%s: %w", c.Field, err)
				}
				if (op == OpIn || op == OpNotIn) && !isList(ov.Value) {
					return nil, fmt.Errorf("%w: %s: %s needs an array", domain.ErrValidation, c.Field, op)
				}
				terms = append(terms, comparison(c.Field, op, ov.Value))
			}
		default:
			terms = append(terms, comparison(c.Field, OpEq, c.Value))
		}
	}
	return allOf(terms), nil
}

func isList(v any) bool {
	_, ok := v.([]any)
	return ok
}

// bindNode substitutes ":name" string values with supplied parameters.
func bindNode(n *Node, params map[string]any) {
	bind := func(v any) any {
		s, ok := v.(string)
		if !ok || len(s) < 2 || s[0] != ':' {
			return v
		}
		if p, ok := params[s[1:]]; ok {
			return p
		}
		return v
	}
	n.Where = mapPredicate(n.Where, bind)
	n.Having = mapPredicate(n.Having, bind)
	for _, row := range n.Rows {
		for i := range row {
			row[i] = bind(row[i])
		}
	}
	for _, c := range n.Columns {
		if c.Subquery != nil {
			bindNode(c.Subquery, params)
		}
	}
}

// ParseText parses stored or inline statement text. A JSON object with a
// "table" is the structured form and one with a "query" is a tagged
// raw statement; anything else is raw text for backend.
func ParseText(text string, params map[string]any, backend domain.Backend) (*Node, error) {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal([]byte(trimmed), &probe); err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrParse, err)
		}
		switch {
		case probe["table"] != nil:
			var in Input
			if err := json.Unmarshal([]byte(trimmed), &in); err != nil {
				return nil, fmt.Errorf("%w: %w", domain.ErrParse, err)
			}
			return ParseInput(&in, params)
		case probe["query"] != nil:
			var raw RawInput
			dec := json.NewDecoder(bytes.NewReader([]byte(trimmed)))
			dec.UseNumber()
			if err := dec.Decode(&raw); err != nil {
				return nil, fmt.Errorf("%w: %w", domain.ErrParse, err)
			}
			raw.Parameters = mergeParams(normalizeParams(raw.Parameters), params)
			return ParseRaw(raw, backend)
		}
	}
	return ParseRaw(RawInput{Query: text, Parameters: params}, backend)
}

func normalizeParams(m map[string]any) map[string]any {
	for k, v := range m {
		m[k] = normalizeNumbers(v)
	}
	return m
}

func mergeParams(base, over map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}
