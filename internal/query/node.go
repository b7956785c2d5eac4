package query

import (
	"fmt"
	"strings"

	"querybuilder/internal/domain"

	"github.com/samber/lo"
)

// Kind is the statement operation of a node.
type Kind string

const (
	KindSelect Kind = "SELECT"
	KindInsert Kind = "INSERT"
	KindUpdate Kind = "UPDATE"
	KindDelete Kind = "DELETE"
	KindCreate Kind = "CREATE"
	KindDrop   Kind = "DROP"
)

// ParseKind normalizes an operation name.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToUpper(strings.TrimSpace(s)))
	switch k {
	case KindSelect, KindInsert, KindUpdate, KindDelete, KindCreate, KindDrop:
		return k, nil
	}
	return "", fmt.Errorf("%w: unknown operation %q", domain.ErrValidation, s)
}

// Direction is an ORDER BY direction.
type Direction string

const (
	Asc  Direction = "ASC"
	Desc Direction = "DESC"
)

func parseDirection(s string) (Direction, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "ASC":
		return Asc, nil
	case "DESC":
		return Desc, nil
	}
	return "", fmt.Errorf("%w: unknown sort direction %q", domain.ErrValidation, s)
}

// JoinKind is the join flavour.
type JoinKind string

const (
	InnerJoin JoinKind = "INNER"
	LeftJoin  JoinKind = "LEFT"
	RightJoin JoinKind = "RIGHT"
	FullJoin  JoinKind = "FULL"
)

func parseJoinKind(s string) (JoinKind, error) {
	k := strings.ToUpper(strings.TrimSpace(s))
	k = strings.TrimSpace(strings.TrimSuffix(k, "JOIN"))
	k = strings.TrimSpace(strings.TrimSuffix(k, "OUTER"))
	switch JoinKind(k) {
	case "", InnerJoin:
		return InnerJoin, nil
	case LeftJoin, RightJoin, FullJoin:
		return JoinKind(k), nil
	}
	return "", fmt.Errorf("%w: unknown join type %q", domain.ErrValidation, s)
}

// Expr is a value emitted verbatim, such as NOW() or a column arithmetic.
type Expr string

// Ref is a value that names another column.
type Ref string

// Aggregate is a FUNC(field) projection.
type Aggregate struct {
	Func  string `json:"function"`
	Field string `json:"field"`
}

func (a *Aggregate) String() string {
	return a.Func + "(" + a.Field + ")"
}

// Column is one projected item. Exactly one of Name, Aggregate, Subquery
// or Expr is set.
type Column struct {
	Name      string     `json:"name,omitempty"`
	Alias     string     `json:"alias,omitempty"`
	Aggregate *Aggregate `json:"aggregate,omitempty"`
	Subquery  *Node      `json:"subquery,omitempty"`
	Expr      string     `json:"expr,omitempty"`
}

// IsWildcard reports whether the column is * or t.*.
func (c Column) IsWildcard() bool {
	return c.Name == "*" || strings.HasSuffix(c.Name, ".*")
}

// ColumnDef is a typed column definition for CREATE.
type ColumnDef struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Nullable  bool   `json:"nullable"`
	Default   any    `json:"default,omitempty"`
	Primary   bool   `json:"primary,omitempty"`
	Unique    bool   `json:"unique,omitempty"`
	Length    int    `json:"length,omitempty"`
	Precision int    `json:"precision,omitempty"`
	Scale     int    `json:"scale,omitempty"`
}

// Join is one joined table.
type Join struct {
	Kind  JoinKind  `json:"kind"`
	Table string    `json:"table"`
	Alias string    `json:"alias,omitempty"`
	On    Predicate `json:"-"`
}

// Order is one ORDER BY entry.
type Order struct {
	Field     string    `json:"field"`
	Direction Direction `json:"direction"`
}

// Node is the backend-agnostic representation of one statement.
//
// Fields and Rows carry INSERT and UPDATE values; UPDATE uses one row.
// IfExists means IF EXISTS on DROP and IF NOT EXISTS on CREATE.
// Native holds a statement already written for the target backend, which
// renderers pass through unchanged.
type Node struct {
	Kind     Kind        `json:"kind"`
	Table    string      `json:"table"`
	Alias    string      `json:"alias,omitempty"`
	Distinct bool        `json:"distinct,omitempty"`
	Columns  []Column    `json:"columns,omitempty"`
	Defs     []ColumnDef `json:"defs,omitempty"`
	Joins    []Join      `json:"joins,omitempty"`
	Where    Predicate   `json:"-"`
	GroupBy  []string    `json:"groupBy,omitempty"`
	Having   Predicate   `json:"-"`
	OrderBy  []Order     `json:"orderBy,omitempty"`
	Limit    *int        `json:"limit,omitempty"`
	Offset   *int        `json:"offset,omitempty"`
	Fields   []string    `json:"fields,omitempty"`
	Rows     [][]any     `json:"rows,omitempty"`
	IfExists bool        `json:"ifExists,omitempty"`
	Native   string      `json:"native,omitempty"`

	// fromText is set on nodes converted from statement text. Only those
	// may carry expression names such as COUNT(id) in GroupBy or OrderBy.
	fromText bool
}

// clone copies the node deep enough that rewrites of slices do not leak
// back into the original.
func (n *Node) clone() *Node {
	c := *n
	c.Columns = append([]Column(nil), n.Columns...)
	c.Joins = append([]Join(nil), n.Joins...)
	c.GroupBy = append([]string(nil), n.GroupBy...)
	c.OrderBy = append([]Order(nil), n.OrderBy...)
	c.Fields = append([]string(nil), n.Fields...)
	return &c
}

// Tables returns every table the node reads or writes, target first,
// including subquery tables.
func (n *Node) Tables() []string {
	tables := []string{n.Table}
	for _, j := range n.Joins {
		tables = append(tables, j.Table)
	}
	for _, c := range n.Columns {
		if c.Subquery != nil {
			tables = append(tables, c.Subquery.Tables()...)
		}
	}
	return lo.Uniq(lo.Compact(tables))
}

// aliases are the names a statement introduces for its own projections.
func (n *Node) aliases() map[string]bool {
	out := map[string]bool{}
	for _, c := range n.Columns {
		if c.Alias != "" {
			out[c.Alias] = true
		}
	}
	return out
}

// columnRefs lists the columns the node references, in first-seen order.
// Wildcards, projection aliases, expressions and positional references are
// excluded. Subquery columns are not included.
func (n *Node) columnRefs() []string {
	aliases := n.aliases()
	var refs []string
	add := func(name string) {
		if _, arg, ok := aggregateRef(name); ok {
			name = arg
		}
		if name == "" || aliases[name] || (n.fromText && isVerbatim(name)) || isPosition(name) {
			return
		}
		if name == "*" || strings.HasSuffix(name, ".*") {
			return
		}
		refs = append(refs, name)
	}
	for _, c := range n.Columns {
		switch {
		case c.Aggregate != nil:
			add(c.Aggregate.Field)
		case c.Subquery == nil && c.Expr == "":
			add(c.Name)
		}
	}
	for _, j := range n.Joins {
		lo.ForEach(predicateFields(j.On), func(f string, _ int) { add(f) })
	}
	lo.ForEach(predicateFields(n.Where), func(f string, _ int) { add(f) })
	lo.ForEach(n.GroupBy, func(f string, _ int) { add(f) })
	lo.ForEach(predicateFields(n.Having), func(f string, _ int) { add(f) })
	for _, o := range n.OrderBy {
		add(o.Field)
	}
	lo.ForEach(n.Fields, func(f string, _ int) { add(f) })
	return lo.Uniq(refs)
}

// Metadata summarizes what the node touches for saved-query listings.
func (n *Node) Metadata() domain.QueryMetadata {
	md := domain.QueryMetadata{Tables: n.Tables()}
	for _, j := range n.Joins {
		md.Joins = append(md.Joins, string(j.Kind)+" JOIN "+j.Table)
	}
	md.Filters = predicateFields(n.Where)
	for _, o := range n.OrderBy {
		md.Sorting = append(md.Sorting, o.Field+" "+string(o.Direction))
	}
	md.Grouping = append(md.Grouping, n.GroupBy...)
	for _, c := range n.Columns {
		if c.Aggregate != nil {
			md.Aggregations = append(md.Aggregations, c.Aggregate.String())
		}
	}
	return md
}

func isVerbatim(name string) bool {
	return strings.ContainsAny(name, "( ")
}

func isPosition(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// unqualified strips a leading table qualifier.
func unqualified(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[i+1:]
	}
	return name
}

// qualifier returns the table part of a dotted column, "" when absent.
func qualifier(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[:i]
	}
	return ""
}
