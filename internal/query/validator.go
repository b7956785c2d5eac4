package query

import (
	"fmt"
	"strings"

	"querybuilder/internal/domain"

	"github.com/samber/lo"
)

// SchemaSnapshot is the introspected schema a node is checked against.
// Columns is keyed by the table reference exactly as the node spells it.
// Schema is the connection's default schema, used to resolve dotted
// references.
type SchemaSnapshot struct {
	Schema  string              `json:"schema,omitempty"`
	Tables  []string            `json:"tables"`
	Columns map[string][]string `json:"columns"`
}

// HasTable reports whether ref names an introspected table. A dotted
// reference must match a qualified entry, or its schema must be the
// default schema and its table an unqualified entry.
func (s *SchemaSnapshot) HasTable(ref string) bool {
	match := func(want string) bool {
		return lo.ContainsBy(s.Tables, func(t string) bool { return strings.EqualFold(t, want) })
	}
	if match(ref) {
		return true
	}
	schema := qualifier(ref)
	return schema != "" && s.Schema != "" && strings.EqualFold(schema, s.Schema) && match(unqualified(ref))
}

func (s *SchemaSnapshot) columnsOf(ref string) ([]string, bool) {
	for k, cols := range s.Columns {
		if strings.EqualFold(k, ref) {
			return cols, true
		}
	}
	return nil, false
}

// ValidationResult is the outcome of one validation. Errors block
// execution; warnings do not.
type ValidationResult struct {
	IsValid  bool            `json:"isValid"`
	Errors   []string        `json:"errors"`
	Warnings []string        `json:"warnings"`
	Schema   *SchemaSnapshot `json:"schema,omitempty"`
}

// Err returns a *ValidationError when the result is not valid.
func (r *ValidationResult) Err() error {
	if r.IsValid {
		return nil
	}
	return &ValidationError{Errors: append([]string(nil), r.Errors...)}
}

// ValidationError carries every blocking problem found. It matches
// domain.ErrValidation with errors.Is.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", domain.ErrValidation, strings.Join(e.Errors, "; "))
}

func (e *ValidationError) Unwrap() error { return domain.ErrValidation }

// Validate checks a node. Structural checks and warnings always run;
// schema checks run when schema is non-nil. Validate does not modify n.
func Validate(n *Node, schema *SchemaSnapshot) *ValidationResult {
	v := &validation{}
	v.structure(n, "")
	v.warn(n)
	if schema != nil {
		v.schema(n, schema)
	}
	return &ValidationResult{
		IsValid:  len(v.errors) == 0,
		Errors:   lo.Ternary(v.errors == nil, []string{}, v.errors),
		Warnings: lo.Ternary(v.warnings == nil, []string{}, v.warnings),
		Schema:   schema,
	}
}

type validation struct {
	errors   []string
	warnings []string
}

func (v *validation) fail(prefix, format string, args ...any) {
	v.errors = append(v.errors, prefix+fmt.Sprintf(format, args...))
}

func (v *validation) structure(n *Node, prefix string) {
	if strings.TrimSpace(n.Table) == "" {
		v.fail(prefix, "Table name is required")
	}
	switch n.Kind {
	case KindSelect:
		if len(n.Columns) == 0 {
			v.fail(prefix, "SELECT requires at least one column or *")
		}
		for _, c := range n.Columns {
			if c.Subquery != nil {
				v.structure(c.Subquery, prefix+fmt.Sprintf("Subquery %s: ", c.Alias))
			}
		}
	case KindInsert, KindUpdate:
		if len(n.Fields) == 0 {
			v.fail(prefix, "%s requires at least one column", n.Kind)
		}
		if len(n.Rows) == 0 {
			v.fail(prefix, "%s requires values", n.Kind)
		}
		if n.Kind == KindUpdate && len(n.Rows) > 1 {
			v.fail(prefix, "UPDATE takes exactly one row of values, got %d", len(n.Rows))
		}
		for i, row := range n.Rows {
			if len(n.Fields) > 0 && len(row) != len(n.Fields) {
				v.fail(prefix, "%s arity mismatch in row %d: %d columns, %d values", n.Kind, i+1, len(n.Fields), len(row))
			}
		}
	case KindCreate:
		if len(n.Defs) == 0 {
			v.fail(prefix, "CREATE requires at least one column definition")
		}
		for i, d := range n.Defs {
			if strings.TrimSpace(d.Name) == "" {
				v.fail(prefix, "Column definition %d is missing a name", i+1)
			}
			if strings.TrimSpace(d.Type) == "" {
				v.fail(prefix, "Column %q is missing a type", d.Name)
			}
		}
	case KindDelete, KindDrop:
	default:
		v.fail(prefix, "Unknown operation %q", n.Kind)
	}
}

func (v *validation) warn(n *Node) {
	switch n.Kind {
	case KindUpdate, KindDelete:
		if n.Where == nil {
			v.warnings = append(v.warnings, fmt.Sprintf("%s without WHERE clause will affect all rows", n.Kind))
		}
	}
}

func (v *validation) schema(n *Node, s *SchemaSnapshot) {
	switch n.Kind {
	case KindCreate:
		return
	case KindDrop:
		if !n.IfExists && !s.HasTable(n.Table) {
			v.fail("", "Table '%s' does not exist", n.Table)
		}
		return
	}

	known := map[string]bool{}
	var missing []string
	for _, t := range n.Tables() {
		if !s.HasTable(t) {
			v.fail("", "Table '%s' does not exist", t)
			missing = append(missing, t)
			continue
		}
		cols, _ := s.columnsOf(t)
		for _, c := range cols {
			known[strings.ToLower(c)] = true
		}
	}
	if n.Native != "" && len(missing) == 0 {
		// document filters may name fields the column sample did not see
		return
	}
	for _, ref := range v.columnRefs(n) {
		if !known[strings.ToLower(unqualified(ref))] {
			v.fail("", "Column '%s' does not exist", ref)
		}
	}
}

// columnRefs gathers the column references of n and its subqueries.
func (v *validation) columnRefs(n *Node) []string {
	refs := n.columnRefs()
	for _, c := range n.Columns {
		if c.Subquery != nil {
			refs = append(refs, v.columnRefs(c.Subquery)...)
		}
	}
	return lo.Uniq(refs)
}
