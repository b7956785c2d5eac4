package query

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"querybuilder/internal/dbclient"
	"querybuilder/internal/domain"

	"github.com/samber/lo"
	"github.com/xwb1989/sqlparser"
	"go.mongodb.org/mongo-driver/v2/bson"
)

var topClause = regexp.MustCompile(`(?is)^\s*select\s+(distinct\s+)?top\s*\(?\s*(\d+)\s*\)?\s+`)

// ParseRaw parses statement text into a node. Named placeholders (:name)
// are bound from in.Parameters. When in.Type is set it must match the
// parsed statement.
func ParseRaw(in RawInput, backend domain.Backend) (*Node, error) {
	text := strings.TrimSpace(in.Query)
	text = strings.TrimSpace(strings.TrimSuffix(text, ";"))
	if text == "" {
		return nil, fmt.Errorf("%w: empty statement", domain.ErrParse)
	}

	var n *Node
	var err error
	if backend == domain.BackendMongoDB && strings.HasPrefix(text, "{") {
		n, err = parseEnvelope(text)
	} else {
		n, err = parseSQL(text, backend, in.Parameters)
	}
	if err != nil {
		return nil, err
	}

	if in.Type != "" {
		want, err := ParseKind(in.Type)
		if err != nil {
			return nil, err
		}
		if want != n.Kind {
			return nil, fmt.Errorf("%w: statement is %s but was declared as %s", domain.ErrParse, n.Kind, want)
		}
	}
	return n, nil
}

func parseSQL(text string, backend domain.Backend, params map[string]any) (*Node, error) {
	var top *int
	if backend == domain.BackendMSSQL {
		if m := topClause.FindStringSubmatch(text); m != nil {
			v, _ := strconv.Atoi(m[2])
			top = &v
			text = "SELECT " + m[1] + text[len(m[0]):]
		}
	}
	text = normalizeQuotes(text, backend)

	stmt, err := sqlparser.Parse(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrParse, err)
	}
	c := &converter{params: params}
	n, err := c.statement(stmt)
	if err != nil {
		return nil, err
	}
	if top != nil && n.Limit == nil {
		n.Limit = top
	}
	return n, nil
}

// parseCondition parses a standalone boolean expression such as a join
// condition.
func parseCondition(text string) (Predicate, error) {
	stmt, err := sqlparser.Parse("SELECT 1 FROM dual WHERE " + normalizeQuotes(text, domain.BackendPostgres))
	if err != nil {
		return nil, fmt.Errorf("%w: condition %q: %w", domain.ErrParse, text, err)
	}
	sel := stmt.(*sqlparser.Select)
	c := &converter{}
	return c.predicate(sel.Where.Expr)
}

// normalizeQuotes rewrites the backend's identifier quoting into the
// backticks the grammar understands. Single-quoted strings are left alone.
func normalizeQuotes(text string, backend domain.Backend) string {
	var open, close byte
	switch backend {
	case domain.BackendPostgres, domain.BackendSQLite:
		open, close = '"', '"'
	case domain.BackendMSSQL:
		open, close = '[', ']'
	default:
		return text
	}
	var b strings.Builder
	inString, inIdent := false, false
	for i := 0; i < len(text); i++ {
		ch := text[i]
		switch {
		case inString:
			b.WriteByte(ch)
			if ch == '\'' {
				if i+1 < len(text) && text[i+1] == '\'' {
					b.WriteByte(text[i+1])
					i++
					continue
				}
				inString = false
			}
		case inIdent && ch == close:
			b.WriteByte('`')
			inIdent = false
		case inIdent:
			b.WriteByte(ch)
		case ch == '\'':
			inString = true
			b.WriteByte(ch)
		case ch == open:
			inIdent = true
			b.WriteByte('`')
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}

// converter walks a parsed statement into a node.
type converter struct {
	params map[string]any
}

// statement converts stmt and marks the result as grammar-produced, so
// expression names in it may be emitted verbatim.
func (c *converter) statement(stmt sqlparser.Statement) (*Node, error) {
	n, err := c.node(stmt)
	if err != nil {
		return nil, err
	}
	n.fromText = true
	return n, nil
}

func (c *converter) node(stmt sqlparser.Statement) (*Node, error) {
	switch s := stmt.(type) {
	case *sqlparser.Select:
		return c.selectNode(s)
	case *sqlparser.Insert:
		return c.insertNode(s)
	case *sqlparser.Update:
		return c.updateNode(s)
	case *sqlparser.Delete:
		return c.deleteNode(s)
	case *sqlparser.DDL:
		return c.ddlNode(s)
	case *sqlparser.ParenSelect:
		return c.node(s.Select)
	}
	return nil, fmt.Errorf("%w: unsupported statement %T", domain.ErrParse, stmt)
}

func (c *converter) selectNode(s *sqlparser.Select) (*Node, error) {
	n := &Node{Kind: KindSelect, Distinct: s.Distinct != ""}
	if err := c.from(n, s.From); err != nil {
		return nil, err
	}
	for _, se := range s.SelectExprs {
		col, err := c.selectExpr(se)
		if err != nil {
			return nil, err
		}
		n.Columns = append(n.Columns, col)
	}
	var err error
	if s.Where != nil {
		if n.Where, err = c.predicate(s.Where.Expr); err != nil {
			return nil, err
		}
	}
	for _, g := range s.GroupBy {
		n.GroupBy = append(n.GroupBy, exprName(g))
	}
	if s.Having != nil {
		if n.Having, err = c.predicate(s.Having.Expr); err != nil {
			return nil, err
		}
	}
	for _, o := range s.OrderBy {
		dir := Asc
		if strings.EqualFold(o.Direction, sqlparser.DescScr) {
			dir = Desc
		}
		n.OrderBy = append(n.OrderBy, Order{Field: exprName(o.Expr), Direction: dir})
	}
	if s.Limit != nil {
		if n.Limit, err = c.intValue(s.Limit.Rowcount); err != nil {
			return nil, err
		}
		if n.Offset, err = c.intValue(s.Limit.Offset); err != nil {
			return nil, err
		}
	}
	return n, nil
}

func (c *converter) from(n *Node, from sqlparser.TableExprs) error {
	if len(from) != 1 {
		return fmt.Errorf("%w: comma-separated tables are not supported, use JOIN", domain.ErrParse)
	}
	return c.tableExpr(n, from[0])
}

func (c *converter) tableExpr(n *Node, te sqlparser.TableExpr) error {
	switch t := te.(type) {
	case *sqlparser.AliasedTableExpr:
		name, ok := t.Expr.(sqlparser.TableName)
		if !ok {
			return fmt.Errorf("%w: derived tables are not supported", domain.ErrParse)
		}
		if n.Table == "" {
			n.Table, n.Alias = tableName(name), t.As.String()
			return nil
		}
		return fmt.Errorf("%w: unexpected table %s", domain.ErrParse, tableName(name))
	case *sqlparser.ParenTableExpr:
		if len(t.Exprs) != 1 {
			return fmt.Errorf("%w: comma-separated tables are not supported, use JOIN", domain.ErrParse)
		}
		return c.tableExpr(n, t.Exprs[0])
	case *sqlparser.JoinTableExpr:
		if err := c.tableExpr(n, t.LeftExpr); err != nil {
			return err
		}
		right, ok := t.RightExpr.(*sqlparser.AliasedTableExpr)
		if !ok {
			return fmt.Errorf("%w: nested joins are not supported", domain.ErrParse)
		}
		name, ok := right.Expr.(sqlparser.TableName)
		if !ok {
			return fmt.Errorf("%w: derived tables are not supported", domain.ErrParse)
		}
		kind, err := joinKindOf(t.Join)
		if err != nil {
			return err
		}
		join := Join{Kind: kind, Table: tableName(name), Alias: right.As.String()}
		switch {
		case t.Condition.On != nil:
			if join.On, err = c.predicate(t.Condition.On); err != nil {
				return err
			}
		case len(t.Condition.Using) > 0:
			left := n.Alias
			if left == "" {
				left = n.Table
			}
			rightName := lo.Ternary(join.Alias != "", join.Alias, join.Table)
			var terms []Predicate
			for _, col := range t.Condition.Using {
				terms = append(terms, Equals{Field: left + "." + col.String(), Value: Ref(rightName + "." + col.String())})
			}
			join.On = allOf(terms)
		}
		n.Joins = append(n.Joins, join)
		return nil
	}
	return fmt.Errorf("%w: unsupported table expression %T", domain.ErrParse, te)
}

func joinKindOf(s string) (JoinKind, error) {
	switch s {
	case sqlparser.JoinStr, sqlparser.StraightJoinStr:
		return InnerJoin, nil
	case sqlparser.LeftJoinStr:
		return LeftJoin, nil
	case sqlparser.RightJoinStr:
		return RightJoin, nil
	}
	return "", fmt.Errorf("%w: unsupported join %q", domain.ErrParse, s)
}

func tableName(t sqlparser.TableName) string {
	if t.Qualifier.IsEmpty() {
		return t.Name.String()
	}
	return t.Qualifier.String() + "." + t.Name.String()
}

func colName(c *sqlparser.ColName) string {
	if c.Qualifier.IsEmpty() {
		return c.Name.String()
	}
	return tableName(c.Qualifier) + "." + c.Name.String()
}

// exprName names a GROUP BY or ORDER BY expression.
func exprName(e sqlparser.Expr) string {
	if col, ok := e.(*sqlparser.ColName); ok {
		return colName(col)
	}
	return sqlparser.String(e)
}

func (c *converter) selectExpr(se sqlparser.SelectExpr) (Column, error) {
	switch e := se.(type) {
	case *sqlparser.StarExpr:
		if e.TableName.IsEmpty() {
			return Column{Name: "*"}, nil
		}
		return Column{Name: tableName(e.TableName) + ".*"}, nil
	case *sqlparser.AliasedExpr:
		alias := e.As.String()
		switch x := e.Expr.(type) {
		case *sqlparser.ColName:
			return Column{Name: colName(x), Alias: alias}, nil
		case *sqlparser.FuncExpr:
			fn := strings.ToUpper(x.Name.String())
			if aggregateFuncs[fn] && !x.Distinct && len(x.Exprs) == 1 {
				switch arg := x.Exprs[0].(type) {
				case *sqlparser.StarExpr:
					return Column{Aggregate: &Aggregate{Func: fn, Field: "*"}, Alias: alias}, nil
				case *sqlparser.AliasedExpr:
					if col, ok := arg.Expr.(*sqlparser.ColName); ok {
						return Column{Aggregate: &Aggregate{Func: fn, Field: colName(col)}, Alias: alias}, nil
					}
				}
			}
		case *sqlparser.Subquery:
			sub, err := c.statement(x.Select)
			if err != nil {
				return Column{}, err
			}
			return Column{Subquery: sub, Alias: alias}, nil
		}
		text, err := c.text(e.Expr)
		if err != nil {
			return Column{}, err
		}
		return Column{Expr: text, Alias: alias}, nil
	}
	return Column{}, fmt.Errorf("%w: unsupported projection %s", domain.ErrParse, sqlparser.String(se))
}

func (c *converter) insertNode(s *sqlparser.Insert) (*Node, error) {
	n := &Node{Kind: KindInsert, Table: tableName(s.Table)}
	for _, col := range s.Columns {
		n.Fields = append(n.Fields, col.String())
	}
	values, ok := s.Rows.(sqlparser.Values)
	if !ok {
		return nil, fmt.Errorf("%w: INSERT ... SELECT is not supported", domain.ErrParse)
	}
	if len(n.Fields) == 0 {
		return nil, fmt.Errorf("%w: INSERT needs an explicit column list", domain.ErrValidation)
	}
	for _, tuple := range values {
		row := make([]any, 0, len(tuple))
		for _, e := range tuple {
			v, err := c.rowValue(e)
			if err != nil {
				return nil, err
			}
			row = append(row, v)
		}
		n.Rows = append(n.Rows, row)
	}
	if err := checkArity(n); err != nil {
		return nil, err
	}
	return n, nil
}

func (c *converter) updateNode(s *sqlparser.Update) (*Node, error) {
	n := &Node{Kind: KindUpdate}
	if err := c.from(n, s.TableExprs); err != nil {
		return nil, err
	}
	if len(n.Joins) > 0 {
		return nil, fmt.Errorf("%w: UPDATE with JOIN is not supported", domain.ErrParse)
	}
	row := make([]any, 0, len(s.Exprs))
	for _, ue := range s.Exprs {
		n.Fields = append(n.Fields, ue.Name.Name.String())
		v, err := c.rowValue(ue.Expr)
		if err != nil {
			return nil, err
		}
		row = append(row, v)
	}
	n.Rows = [][]any{row}
	var err error
	if s.Where != nil {
		if n.Where, err = c.predicate(s.Where.Expr); err != nil {
			return nil, err
		}
	}
	if s.Limit != nil {
		if n.Limit, err = c.intValue(s.Limit.Rowcount); err != nil {
			return nil, err
		}
	}
	return n, nil
}

func (c *converter) deleteNode(s *sqlparser.Delete) (*Node, error) {
	n := &Node{Kind: KindDelete}
	if len(s.Targets) > 0 {
		return nil, fmt.Errorf("%w: multi-table DELETE is not supported", domain.ErrParse)
	}
	if err := c.from(n, s.TableExprs); err != nil {
		return nil, err
	}
	if len(n.Joins) > 0 {
		return nil, fmt.Errorf("%w: DELETE with JOIN is not supported", domain.ErrParse)
	}
	var err error
	if s.Where != nil {
		if n.Where, err = c.predicate(s.Where.Expr); err != nil {
			return nil, err
		}
	}
	if s.Limit != nil {
		if n.Limit, err = c.intValue(s.Limit.Rowcount); err != nil {
			return nil, err
		}
	}
	return n, nil
}

func (c *converter) ddlNode(s *sqlparser.DDL) (*Node, error) {
	switch s.Action {
	case sqlparser.CreateStr:
		n := &Node{Kind: KindCreate, Table: tableName(s.NewName)}
		if s.TableSpec == nil {
			return nil, fmt.Errorf("%w: CREATE TABLE needs column definitions", domain.ErrParse)
		}
		primary := map[string]bool{}
		unique := map[string]bool{}
		for _, idx := range s.TableSpec.Indexes {
			for _, col := range idx.Columns {
				switch {
				case idx.Info.Primary:
					primary[col.Column.String()] = true
				case idx.Info.Unique && len(idx.Columns) == 1:
					unique[col.Column.String()] = true
				}
			}
		}
		for _, col := range s.TableSpec.Columns {
			n.Defs = append(n.Defs, columnDef(col, primary, unique))
		}
		return n, nil
	case sqlparser.DropStr:
		return &Node{Kind: KindDrop, Table: tableName(s.Table), IfExists: s.IfExists}, nil
	}
	return nil, fmt.Errorf("%w: unsupported DDL %q", domain.ErrParse, s.Action)
}

func columnDef(col *sqlparser.ColumnDefinition, primary, unique map[string]bool) ColumnDef {
	name := col.Name.String()
	buf := sqlparser.NewTrackedBuffer(nil)
	col.Type.Format(buf)
	formatted := strings.ToLower(buf.String())

	def := ColumnDef{
		Name:     name,
		Type:     strings.ToUpper(col.Type.Type),
		Nullable: !bool(col.Type.NotNull),
		Primary:  primary[name] || strings.Contains(formatted, "primary key"),
		Unique:   unique[name] || strings.Contains(formatted, " unique"),
	}
	if col.Type.Length != nil {
		def.Length, _ = strconv.Atoi(string(col.Type.Length.Val))
	}
	if col.Type.Scale != nil {
		def.Precision = def.Length
		def.Length = 0
		def.Scale, _ = strconv.Atoi(string(col.Type.Scale.Val))
	}
	if d := col.Type.Default; d != nil && !(d.Type == sqlparser.ValArg && strings.EqualFold(string(d.Val), "null")) {
		def.Default, _ = sqlLiteral(d)
	}
	if def.Primary {
		def.Nullable = false
	}
	return def
}

// ─────────────────────────────────────────────────────────────
// Expressions
// ─────────────────────────────────────────────────────────────

// predicate breaks an expression down into the closed predicate set.
// Anything it cannot express becomes Raw.
func (c *converter) predicate(e sqlparser.Expr) (Predicate, error) {
	switch x := e.(type) {
	case *sqlparser.AndExpr:
		l, err := c.predicate(x.Left)
		if err != nil {
			return nil, err
		}
		r, err := c.predicate(x.Right)
		if err != nil {
			return nil, err
		}
		return allOf([]Predicate{l, r}), nil
	case *sqlparser.OrExpr:
		l, err := c.predicate(x.Left)
		if err != nil {
			return nil, err
		}
		r, err := c.predicate(x.Right)
		if err != nil {
			return nil, err
		}
		return anyOf([]Predicate{l, r}), nil
	case *sqlparser.ParenExpr:
		return c.predicate(x.Expr)
	case *sqlparser.IsExpr:
		if col, ok := x.Expr.(*sqlparser.ColName); ok {
			switch x.Operator {
			case sqlparser.IsNullStr:
				return Equals{Field: colName(col)}, nil
			case sqlparser.IsNotNullStr:
				return Compare{Field: colName(col), Op: OpNe}, nil
			}
		}
	case *sqlparser.ComparisonExpr:
		if p, ok, err := c.comparison(x); ok || err != nil {
			return p, err
		}
	}
	return c.raw(e)
}

var comparisonOps = map[string]Operator{
	sqlparser.EqualStr:        OpEq,
	sqlparser.NotEqualStr:     OpNe,
	sqlparser.LessThanStr:     OpLt,
	sqlparser.LessEqualStr:    OpLte,
	sqlparser.GreaterThanStr:  OpGt,
	sqlparser.GreaterEqualStr: OpGte,
	sqlparser.LikeStr:         OpLike,
	sqlparser.NotLikeStr:      OpNotLike,
	sqlparser.InStr:           OpIn,
	sqlparser.NotInStr:        OpNotIn,
}

func (c *converter) comparison(x *sqlparser.ComparisonExpr) (Predicate, bool, error) {
	op, known := comparisonOps[x.Operator]
	left, isCol := x.Left.(*sqlparser.ColName)
	if !known || !isCol || x.Escape != nil {
		return nil, false, nil
	}
	field := colName(left)
	if right, ok := x.Right.(*sqlparser.ColName); ok && op != OpIn && op != OpNotIn {
		if op == OpEq {
			return Equals{Field: field, Value: Ref(colName(right))}, true, nil
		}
		return Compare{Field: field, Op: op, Value: Ref(colName(right))}, true, nil
	}
	v, ok, err := c.value(x.Right)
	if err != nil || !ok {
		return nil, false, err
	}
	if (op == OpIn || op == OpNotIn) && !isList(v) {
		return nil, false, nil
	}
	if v == nil && op != OpEq && op != OpNe {
		return nil, false, nil
	}
	return comparison(field, op, v), true, nil
}

// value converts a literal or bound placeholder. ok is false for
// expressions that are not plain values.
func (c *converter) value(e sqlparser.Expr) (any, bool, error) {
	switch x := e.(type) {
	case *sqlparser.SQLVal:
		if x.Type == sqlparser.ValArg {
			v, err := c.param(x.Val)
			return v, err == nil, err
		}
		v, ok := sqlLiteral(x)
		return v, ok, nil
	case *sqlparser.NullVal:
		return nil, true, nil
	case sqlparser.BoolVal:
		return bool(x), true, nil
	case *sqlparser.UnaryExpr:
		if x.Operator != sqlparser.UMinusStr {
			return nil, false, nil
		}
		v, ok, err := c.value(x.Expr)
		if !ok || err != nil {
			return nil, ok, err
		}
		switch n := v.(type) {
		case int64:
			return -n, true, nil
		case float64:
			return -n, true, nil
		}
		return nil, false, nil
	case sqlparser.ValTuple:
		list := make([]any, 0, len(x))
		for _, item := range x {
			v, ok, err := c.value(item)
			if !ok || err != nil {
				return nil, ok, err
			}
			list = append(list, v)
		}
		return list, true, nil
	case sqlparser.ListArg:
		v, err := c.param(x[1:])
		if err != nil {
			return nil, false, err
		}
		if !isList(v) {
			return nil, false, fmt.Errorf("%w: parameter %s must be an array", domain.ErrValidation, string(x))
		}
		return v, true, nil
	}
	return nil, false, nil
}

// rowValue is a value for INSERT or UPDATE; non-literal expressions are
// kept verbatim.
func (c *converter) rowValue(e sqlparser.Expr) (any, error) {
	v, ok, err := c.value(e)
	if err != nil {
		return nil, err
	}
	if ok {
		return v, nil
	}
	text, err := c.text(e)
	if err != nil {
		return nil, err
	}
	return Expr(text), nil
}

func (c *converter) intValue(e sqlparser.Expr) (*int, error) {
	if e == nil {
		return nil, nil
	}
	v, ok, err := c.value(e)
	if err != nil {
		return nil, err
	}
	var out int
	switch n := v.(type) {
	case int64:
		out = int(n)
	case float64:
		out = int(n)
	case int:
		out = n
	default:
		ok = false
	}
	if !ok || out < 0 {
		return nil, fmt.Errorf("%w: LIMIT and OFFSET need non-negative integers, got %s", domain.ErrParse, sqlparser.String(e))
	}
	return &out, nil
}

// param resolves a placeholder. name still carries its leading colon.
func (c *converter) param(name []byte) (any, error) {
	key := strings.TrimPrefix(string(name), ":")
	if strings.HasPrefix(key, "v") && isPosition(key[1:]) {
		return nil, fmt.Errorf("%w: positional placeholders are not supported, use :name", domain.ErrParse)
	}
	v, ok := c.params[key]
	if !ok {
		return nil, fmt.Errorf("%w: parameter :%s is not bound", domain.ErrValidation, key)
	}
	return v, nil
}

func (c *converter) raw(e sqlparser.Expr) (Predicate, error) {
	text, err := c.text(e)
	if err != nil {
		return nil, err
	}
	var fields []string
	_ = sqlparser.Walk(func(node sqlparser.SQLNode) (bool, error) {
		switch x := node.(type) {
		case *sqlparser.ColName:
			fields = append(fields, colName(x))
		case *sqlparser.Subquery:
			return false, nil
		}
		return true, nil
	}, e)
	return Raw{SQL: text, Fields: lo.Uniq(fields)}, nil
}

// text formats an expression with placeholders replaced by literals.
func (c *converter) text(e sqlparser.SQLNode) (string, error) {
	var bindErr error
	buf := sqlparser.NewTrackedBuffer(func(buf *sqlparser.TrackedBuffer, node sqlparser.SQLNode) {
		if v, ok := node.(*sqlparser.SQLVal); ok && v.Type == sqlparser.ValArg {
			p, err := c.param(v.Val)
			if err != nil {
				bindErr = err
				return
			}
			buf.WriteString(plainLiteral(p))
			return
		}
		node.Format(buf)
	})
	buf.Myprintf("%v", e)
	return buf.String(), bindErr
}

func sqlLiteral(v *sqlparser.SQLVal) (any, bool) {
	switch v.Type {
	case sqlparser.StrVal:
		return string(v.Val), true
	case sqlparser.IntVal:
		if i, err := strconv.ParseInt(string(v.Val), 10, 64); err == nil {
			return i, true
		}
		f, err := strconv.ParseFloat(string(v.Val), 64)
		return f, err == nil
	case sqlparser.FloatVal:
		f, err := strconv.ParseFloat(string(v.Val), 64)
		return f, err == nil
	}
	return nil, false
}

// plainLiteral renders a bound value inside verbatim SQL.
func plainLiteral(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case bool:
		return strings.ToUpper(strconv.FormatBool(x))
	case string:
		return "'" + strings.ReplaceAll(x, "'", "''") + "'"
	case []any:
		return "(" + strings.Join(lo.Map(x, func(item any, _ int) string { return plainLiteral(item) }), ", ") + ")"
	}
	return literal(v, sqlDialects[domain.BackendPostgres])
}

// ─────────────────────────────────────────────────────────────
// Document envelopes
// ─────────────────────────────────────────────────────────────

var envelopeKinds = map[string]Kind{
	dbclient.MongoFind:             KindSelect,
	dbclient.MongoAggregate:        KindSelect,
	dbclient.MongoInsertOne:        KindInsert,
	dbclient.MongoInsertMany:       KindInsert,
	dbclient.MongoUpdateMany:       KindUpdate,
	dbclient.MongoDeleteMany:       KindDelete,
	dbclient.MongoCreateCollection: KindCreate,
	dbclient.MongoDrop:             KindDrop,
}

// parseEnvelope wraps a document-store statement in a node that renders
// back to the same text.
func parseEnvelope(text string) (*Node, error) {
	st, err := dbclient.ParseMongoStatement(text)
	if err != nil {
		return nil, err
	}
	kind, ok := envelopeKinds[st.Operation]
	if !ok {
		return nil, fmt.Errorf("%w: unknown document operation %q", domain.ErrParse, st.Operation)
	}
	n := &Node{Kind: kind, Table: st.Collection, Native: text}
	switch kind {
	case KindSelect:
		for _, e := range st.Projection {
			n.Columns = append(n.Columns, Column{Name: e.Key})
		}
		if len(n.Columns) == 0 {
			n.Columns = []Column{{Name: "*"}}
		}
		if st.Limit > 0 {
			limit := int(st.Limit)
			n.Limit = &limit
		}
		sorts := st.Sort
		for _, stage := range st.Pipeline {
			if len(stage) == 0 {
				continue
			}
			switch stage[0].Key {
			case "$limit":
				if limit, ok := stageInt(stage[0].Value); ok && n.Limit == nil {
					n.Limit = &limit
				}
			case "$sort":
				if d, ok := stage[0].Value.(bson.D); ok {
					sorts = append(sorts, d...)
				}
			}
		}
		for _, e := range sorts {
			n.OrderBy = append(n.OrderBy, Order{Field: e.Key, Direction: Asc})
		}
	case KindInsert:
		docs := st.Documents
		if st.Document != nil {
			docs = append([]bson.D{st.Document}, docs...)
		}
		if len(docs) == 0 {
			return nil, fmt.Errorf("%w: insert needs a document", domain.ErrValidation)
		}
		n.Fields = lo.Map(docs[0], func(e bson.E, _ int) string { return e.Key })
		for range docs {
			n.Rows = append(n.Rows, make([]any, len(n.Fields)))
		}
	case KindUpdate:
		for _, e := range st.Update {
			if set, ok := e.Value.(bson.D); ok && strings.HasPrefix(e.Key, "$") {
				n.Fields = append(n.Fields, lo.Map(set, func(e bson.E, _ int) string { return e.Key })...)
				continue
			}
			n.Fields = append(n.Fields, e.Key)
		}
		n.Rows = [][]any{make([]any, len(n.Fields))}
	}
	if len(st.Filter) > 0 {
		fields := lo.FilterMap(st.Filter, func(e bson.E, _ int) (string, bool) {
			return e.Key, !strings.HasPrefix(e.Key, "$")
		})
		n.Where = Raw{SQL: "filter", Fields: fields}
	}
	return n, nil
}

func stageInt(v any) (int, bool) {
	switch x := v.(type) {
	case int32:
		return int(x), true
	case int64:
		return int(x), true
	case float64:
		return int(x), true
	}
	return 0, false
}
