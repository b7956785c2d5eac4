package query

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"querybuilder/internal/domain"
)

// Input is the structured builder form of a statement.
type Input struct {
	Table        string             `json:"table"`
	Alias        string             `json:"alias,omitempty"`
	Operation    string             `json:"operation"`
	Distinct     bool               `json:"distinct,omitempty"`
	Fields       []string           `json:"fields,omitempty"`
	Where        Conditions         `json:"where,omitempty"`
	Joins        []JoinInput        `json:"joins,omitempty"`
	GroupBy      []string           `json:"groupBy,omitempty"`
	Having       Conditions         `json:"having,omitempty"`
	OrderBy      []OrderInput       `json:"orderBy,omitempty"`
	Limit        *int               `json:"limit,omitempty"`
	Offset       *int               `json:"offset,omitempty"`
	Aggregations []AggregationInput `json:"aggregations,omitempty"`
	Subqueries   []SubqueryInput    `json:"subqueries,omitempty"`
	Values       json.RawMessage    `json:"values,omitempty"`
	Columns      []ColumnDef        `json:"columns,omitempty"`
	IfExists     bool               `json:"ifExists,omitempty"`
}

// JoinInput is one join of a structured input. On is a SQL condition
// such as "users.id = orders.user_id".
type JoinInput struct {
	Type  string `json:"type"`
	Table string `json:"table"`
	Alias string `json:"alias,omitempty"`
	On    string `json:"on"`
}

type OrderInput struct {
	Field     string `json:"field"`
	Direction string `json:"direction,omitempty"`
}

type AggregationInput struct {
	Function string `json:"function"`
	Field    string `json:"field"`
	Alias    string `json:"alias,omitempty"`
}

// SubqueryInput is a nested SELECT projected as a scalar under Alias.
type SubqueryInput struct {
	Alias string `json:"alias"`
	Query Input  `json:"query"`
}

// RawInput is statement text tagged with its intended operation.
type RawInput struct {
	Type       string         `json:"type,omitempty"`
	Query      string         `json:"query"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// ─────────────────────────────────────────────────────────────
// Conditions: where/having maps that keep their key order
// ─────────────────────────────────────────────────────────────

// OpValue is one operator entry of a condition, as in {">": 18}.
type OpValue struct {
	Op    string
	Value any
}

// Condition is one entry of a where map. Field "$or" and "$and" carry
// Branches instead of a value.
type Condition struct {
	Field    string
	Value    any
	Ops      []OpValue
	Branches []Conditions
}

// Conditions is an ordered where/having map.
type Conditions []Condition

// NewConditions builds conditions from a Go map. Keys are sorted since
// map iteration order is random; nested maps become operator entries.
func NewConditions(m map[string]any) Conditions {
	out := make(Conditions, 0, len(m))
	for _, k := range sortedKeys(m) {
		v := m[k]
		if ops, ok := v.(map[string]any); ok {
			c := Condition{Field: k}
			for _, op := range sortedKeys(ops) {
				c.Ops = append(c.Ops, OpValue{Op: op, Value: ops[op]})
			}
			out = append(out, c)
			continue
		}
		out = append(out, Condition{Field: k, Value: v})
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (c *Conditions) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	out, err := decodeConditions(dec)
	if err != nil {
		return fmt.Errorf("%w: where: %w", domain.ErrValidation, err)
	}
	*c = out
	return nil
}

func (c Conditions) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, cond := range c {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, _ := json.Marshal(cond.Field)
		buf.Write(key)
		buf.WriteByte(':')
		var val []byte
		var err error
		switch {
		case cond.Branches != nil:
			val, err = json.Marshal(cond.Branches)
		case cond.Ops != nil:
			val, err = marshalOps(cond.Ops)
		default:
			val, err = json.Marshal(cond.Value)
		}
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func marshalOps(ops []OpValue) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, op := range ops {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, _ := json.Marshal(op.Op)
		val, err := json.Marshal(op.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func decodeConditions(dec *json.Decoder) (Conditions, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if tok == nil {
		return nil, nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("expected an object, got %v", tok)
	}
	out := Conditions{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key := keyTok.(string)
		if key == "$or" || key == "$and" {
			branches, err := decodeBranches(dec)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			out = append(out, Condition{Field: key, Branches: branches})
			continue
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, err
		}
		raw = bytes.TrimSpace(raw)
		if len(raw) > 0 && raw[0] == '{' {
			ops, err := decodeOps(raw)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			out = append(out, Condition{Field: key, Ops: ops})
			continue
		}
		v, err := decodeValue(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		out = append(out, Condition{Field: key, Value: v})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeBranches(dec *json.Decoder) ([]Conditions, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return nil, fmt.Errorf("expected an array of objects")
	}
	var branches []Conditions
	for dec.More() {
		c, err := decodeConditions(dec)
		if err != nil {
			return nil, err
		}
		branches = append(branches, c)
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return branches, nil
}

func decodeOps(raw []byte) ([]OpValue, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	var ops []OpValue
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, err
		}
		ops = append(ops, OpValue{Op: keyTok.(string), Value: normalizeNumbers(v)})
	}
	return ops, nil
}

// decodeValue decodes one JSON value, turning numbers into int64 when
// they are integral and float64 otherwise.
func decodeValue(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return normalizeNumbers(v), nil
}

func normalizeNumbers(v any) any {
	switch v := v.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
		f, _ := v.Float64()
		return f
	case []any:
		for i := range v {
			v[i] = normalizeNumbers(v[i])
		}
		return v
	case map[string]any:
		for k := range v {
			v[k] = normalizeNumbers(v[k])
		}
		return v
	}
	return v
}

// ─────────────────────────────────────────────────────────────
// Values
// ─────────────────────────────────────────────────────────────

// decodeValues reads the values of an INSERT or UPDATE. An object maps
// columns to values in input order; an array lines up with fields; an
// array of arrays or objects is one row per element.
func decodeValues(raw json.RawMessage, fields []string) ([]string, [][]any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return fields, nil, nil
	}
	switch raw[0] {
	case '{':
		cols, row, err := decodeObjectRow(raw)
		if err != nil {
			return nil, nil, err
		}
		return cols, [][]any{row}, nil
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, nil, err
		}
		if len(items) == 0 {
			return fields, nil, nil
		}
		first := bytes.TrimSpace(items[0])
		switch {
		case len(first) > 0 && first[0] == '{':
			return decodeObjectRows(items)
		case len(first) > 0 && first[0] == '[':
			var rows [][]any
			for _, item := range items {
				v, err := decodeValue(item)
				if err != nil {
					return nil, nil, err
				}
				row, ok := v.([]any)
				if !ok {
					return nil, nil, fmt.Errorf("mixed row shapes in values")
				}
				rows = append(rows, row)
			}
			return fields, rows, nil
		default:
			v, err := decodeValue(raw)
			if err != nil {
				return nil, nil, err
			}
			return fields, [][]any{v.([]any)}, nil
		}
	}
	return nil, nil, fmt.Errorf("values must be an object or an array")
}

func decodeObjectRow(raw []byte) ([]string, []any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if _, err := dec.Token(); err != nil {
		return nil, nil, err
	}
	var cols []string
	var row []any
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, nil, err
		}
		cols = append(cols, keyTok.(string))
		row = append(row, normalizeNumbers(v))
	}
	return cols, row, nil
}

func decodeObjectRows(items []json.RawMessage) ([]string, [][]any, error) {
	var cols []string
	var rows [][]any
	for i, item := range items {
		c, row, err := decodeObjectRow(item)
		if err != nil {
			return nil, nil, err
		}
		if i == 0 {
			cols = c
		} else if !sameColumns(cols, c) {
			return nil, nil, fmt.Errorf("row %d has columns %v, expected %v", i+1, c, cols)
		}
		rows = append(rows, row)
	}
	return cols, rows, nil
}

func sameColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
