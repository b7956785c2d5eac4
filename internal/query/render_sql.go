package query

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"querybuilder/internal/domain"

	"github.com/samber/lo"
)

// dialect carries the rendering differences between relational engines.
type dialect struct {
	backend     domain.Backend
	open, close string
	boolWords   bool // TRUE/FALSE instead of 1/0
	backslashes bool // backslash is an escape inside strings
}

var sqlDialects = map[domain.Backend]dialect{
	domain.BackendPostgres: {backend: domain.BackendPostgres, open: `"`, close: `"`, boolWords: true},
	domain.BackendMySQL:    {backend: domain.BackendMySQL, open: "`", close: "`", boolWords: true, backslashes: true},
	domain.BackendSQLite:   {backend: domain.BackendSQLite, open: `"`, close: `"`},
	domain.BackendMSSQL:    {backend: domain.BackendMSSQL, open: "[", close: "]"},
}

var reservedWords = lo.SliceToMap(strings.Fields(`
	ALL AND ANY AS ASC BETWEEN BY CASE CHECK COLUMN CONSTRAINT CREATE CROSS
	DATABASE DEFAULT DELETE DESC DISTINCT DROP ELSE END EXISTS FALSE FOR
	FOREIGN FROM FULL GRANT GROUP HAVING IN INDEX INNER INSERT INTO IS JOIN
	KEY LEFT LIKE LIMIT NATURAL NOT NULL OFFSET ON OR ORDER OUTER PRIMARY
	RANGE REFERENCES RIGHT ROWS SCHEMA SELECT SET SOME TABLE THEN TO TOP
	TRUE UNION UNIQUE UPDATE USER USING VALUES WHEN WHERE WINDOW WITH`),
	func(w string) (string, bool) { return w, true })

// Render produces statement text for backend.
func Render(n *Node, backend domain.Backend) (string, error) {
	if n.Native != "" {
		return n.Native, nil
	}
	if backend == domain.BackendMongoDB {
		return renderMongo(n)
	}
	d, ok := sqlDialects[backend]
	if !ok {
		return "", fmt.Errorf("%w: %q", domain.ErrUnsupportedBackend, backend)
	}
	w := &sqlWriter{d: d}
	if err := w.statement(n); err != nil {
		return "", err
	}
	return w.b.String(), nil
}

type sqlWriter struct {
	d dialect
	b strings.Builder
	// verbatim lets expression names through unquoted; set only for
	// statements that came from parsed text.
	verbatim bool
}

func (w *sqlWriter) write(parts ...string) {
	for _, p := range parts {
		w.b.WriteString(p)
	}
}

func (w *sqlWriter) statement(n *Node) error {
	w.verbatim = n.fromText
	if n.Limit != nil && n.Kind != KindSelect && w.d.backend != domain.BackendMySQL {
		return fmt.Errorf("%w: LIMIT on %s is not supported by %s", domain.ErrValidation, n.Kind, w.d.backend)
	}
	switch n.Kind {
	case KindSelect:
		return w.selectStmt(n)
	case KindInsert:
		return w.insertStmt(n)
	case KindUpdate:
		return w.updateStmt(n)
	case KindDelete:
		w.write("DELETE FROM ", w.name(n.Table))
		if err := w.where("WHERE", n.Where); err != nil {
			return err
		}
		w.mutationLimit(n)
		return nil
	case KindCreate:
		return w.createStmt(n)
	case KindDrop:
		w.write("DROP TABLE ")
		if n.IfExists {
			w.write("IF EXISTS ")
		}
		w.write(w.name(n.Table))
		return nil
	}
	return fmt.Errorf("%w: unknown operation %q", domain.ErrValidation, n.Kind)
}

func (w *sqlWriter) selectStmt(n *Node) error {
	w.write("SELECT ")
	if n.Distinct {
		w.write("DISTINCT ")
	}
	mssqlTop := w.d.backend == domain.BackendMSSQL && n.Limit != nil && n.Offset == nil
	if mssqlTop {
		w.write("TOP ", strconv.Itoa(*n.Limit), " ")
	}
	for i, c := range n.Columns {
		if i > 0 {
			w.write(", ")
		}
		if err := w.column(c); err != nil {
			return err
		}
	}
	w.write(" FROM ", w.name(n.Table))
	if n.Alias != "" {
		w.write(" AS ", w.name(n.Alias))
	}
	for _, j := range n.Joins {
		if j.Kind == FullJoin && (w.d.backend == domain.BackendMySQL || w.d.backend == domain.BackendSQLite) {
			return fmt.Errorf("%w: FULL JOIN is not supported by %s", domain.ErrValidation, w.d.backend)
		}
		w.write(" ", string(j.Kind), " JOIN ", w.name(j.Table))
		if j.Alias != "" {
			w.write(" AS ", w.name(j.Alias))
		}
		if err := w.where("ON", j.On); err != nil {
			return err
		}
	}
	if err := w.where("WHERE", n.Where); err != nil {
		return err
	}
	if len(n.GroupBy) > 0 {
		w.write(" GROUP BY ", strings.Join(lo.Map(n.GroupBy, func(g string, _ int) string { return w.ident(g) }), ", "))
	}
	if err := w.where("HAVING", n.Having); err != nil {
		return err
	}
	w.orderBy(n)
	if !mssqlTop {
		w.paging(n)
	}
	return nil
}

func (w *sqlWriter) column(c Column) error {
	switch {
	case c.Subquery != nil:
		sub := &sqlWriter{d: w.d}
		if err := sub.statement(c.Subquery); err != nil {
			return err
		}
		w.write("(", sub.b.String(), ")")
	case c.Aggregate != nil:
		w.write(c.Aggregate.Func, "(", w.ident(c.Aggregate.Field), ")")
	case c.Expr != "":
		w.write(requote(c.Expr, w.d))
	default:
		w.write(w.ident(c.Name))
	}
	if c.Alias != "" {
		w.write(" AS ", w.name(c.Alias))
	}
	return nil
}

func (w *sqlWriter) orderBy(n *Node) {
	if len(n.OrderBy) == 0 {
		if w.d.backend == domain.BackendMSSQL && n.Offset != nil {
			w.write(" ORDER BY (SELECT NULL)")
		}
		return
	}
	parts := lo.Map(n.OrderBy, func(o Order, _ int) string {
		return w.ident(o.Field) + " " + string(lo.Ternary(o.Direction == "", Asc, o.Direction))
	})
	w.write(" ORDER BY ", strings.Join(parts, ", "))
}

func (w *sqlWriter) paging(n *Node) {
	if n.Limit == nil && n.Offset == nil {
		return
	}
	switch w.d.backend {
	case domain.BackendMSSQL:
		w.write(" OFFSET ", strconv.Itoa(lo.FromPtr(n.Offset)), " ROWS")
		if n.Limit != nil {
			w.write(" FETCH NEXT ", strconv.Itoa(*n.Limit), " ROWS ONLY")
		}
		return
	case domain.BackendMySQL:
		if n.Limit == nil {
			w.write(" LIMIT 18446744073709551615")
		}
	case domain.BackendSQLite:
		if n.Limit == nil {
			w.write(" LIMIT -1")
		}
	}
	if n.Limit != nil {
		w.write(" LIMIT ", strconv.Itoa(*n.Limit))
	}
	if n.Offset != nil {
		w.write(" OFFSET ", strconv.Itoa(*n.Offset))
	}
}

func (w *sqlWriter) mutationLimit(n *Node) {
	if n.Limit != nil {
		w.write(" LIMIT ", strconv.Itoa(*n.Limit))
	}
}

func (w *sqlWriter) insertStmt(n *Node) error {
	if len(n.Fields) == 0 || len(n.Rows) == 0 {
		return fmt.Errorf("%w: INSERT needs columns and values", domain.ErrValidation)
	}
	if err := checkArity(n); err != nil {
		return err
	}
	w.write("INSERT INTO ", w.name(n.Table), " (")
	w.write(strings.Join(lo.Map(n.Fields, func(f string, _ int) string { return w.name(f) }), ", "))
	w.write(") VALUES ")
	for i, row := range n.Rows {
		if i > 0 {
			w.write(", ")
		}
		w.write("(", strings.Join(lo.Map(row, func(v any, _ int) string { return w.literal(v) }), ", "), ")")
	}
	return nil
}

func (w *sqlWriter) updateStmt(n *Node) error {
	if len(n.Fields) == 0 || len(n.Rows) != 1 {
		return fmt.Errorf("%w: UPDATE needs columns and exactly one row of values", domain.ErrValidation)
	}
	if err := checkArity(n); err != nil {
		return err
	}
	w.write("UPDATE ", w.name(n.Table), " SET ")
	for i, f := range n.Fields {
		if i > 0 {
			w.write(", ")
		}
		w.write(w.name(f), " = ", w.literal(n.Rows[0][i]))
	}
	if err := w.where("WHERE", n.Where); err != nil {
		return err
	}
	w.mutationLimit(n)
	return nil
}

func (w *sqlWriter) createStmt(n *Node) error {
	if n.IfExists {
		if w.d.backend == domain.BackendMSSQL {
			w.write("IF OBJECT_ID(N", w.literal(n.Table), ", N'U') IS NULL ")
			w.write("CREATE TABLE ")
		} else {
			w.write("CREATE TABLE IF NOT EXISTS ")
		}
	} else {
		w.write("CREATE TABLE ")
	}
	w.write(w.name(n.Table), " (")
	for i, def := range n.Defs {
		if i > 0 {
			w.write(", ")
		}
		w.write(w.name(def.Name), " ", columnType(def))
		if !def.Nullable {
			w.write(" NOT NULL")
		}
		if def.Default != nil {
			w.write(" DEFAULT ", w.literal(def.Default))
		}
		if def.Primary {
			w.write(" PRIMARY KEY")
		} else if def.Unique {
			w.write(" UNIQUE")
		}
	}
	w.write(")")
	return nil
}

func columnType(def ColumnDef) string {
	t := strings.ToUpper(strings.TrimSpace(def.Type))
	if strings.Contains(t, "(") {
		return t
	}
	switch {
	case def.Precision > 0 && def.Scale > 0:
		return fmt.Sprintf("%s(%d,%d)", t, def.Precision, def.Scale)
	case def.Precision > 0:
		return fmt.Sprintf("%s(%d)", t, def.Precision)
	case def.Length > 0:
		return fmt.Sprintf("%s(%d)", t, def.Length)
	}
	return t
}

// where writes " KEYWORD predicate" when p is set.
func (w *sqlWriter) where(keyword string, p Predicate) error {
	if p == nil {
		return nil
	}
	text, err := w.predicate(p, false)
	if err != nil {
		return err
	}
	w.write(" ", keyword, " ", text)
	return nil
}

func (w *sqlWriter) predicate(p Predicate, nested bool) (string, error) {
	switch p := p.(type) {
	case Equals:
		if p.Value == nil {
			return w.ident(p.Field) + " IS NULL", nil
		}
		return w.ident(p.Field) + " = " + w.literal(p.Value), nil
	case Compare:
		return w.compare(p)
	case And:
		return w.compound(p.Terms, " AND ", nested)
	case Or:
		return w.compound(p.Terms, " OR ", nested)
	case Raw:
		text := requote(p.SQL, w.d)
		if nested {
			return "(" + text + ")", nil
		}
		return text, nil
	}
	return "", fmt.Errorf("%w: unknown predicate %T", domain.ErrValidation, p)
}

func (w *sqlWriter) compound(terms []Predicate, sep string, nested bool) (string, error) {
	parts := make([]string, 0, len(terms))
	for _, t := range terms {
		s, err := w.predicate(t, true)
		if err != nil {
			return "", err
		}
		parts = append(parts, s)
	}
	out := strings.Join(parts, sep)
	if nested && len(parts) > 1 {
		return "(" + out + ")", nil
	}
	return out, nil
}

func (w *sqlWriter) compare(p Compare) (string, error) {
	field := w.ident(p.Field)
	switch p.Op {
	case OpEq, OpNe:
		if p.Value == nil {
			return field + lo.Ternary(p.Op == OpEq, " IS NULL", " IS NOT NULL"), nil
		}
	case OpIn, OpNotIn:
		list, ok := p.Value.([]any)
		if !ok {
			return "", fmt.Errorf("%w: %s %s needs a list", domain.ErrValidation, p.Field, p.Op)
		}
		if len(list) == 0 {
			return lo.Ternary(p.Op == OpIn, "1 = 0", "1 = 1"), nil
		}
		items := lo.Map(list, func(v any, _ int) string { return w.literal(v) })
		return field + " " + string(p.Op) + " (" + strings.Join(items, ", ") + ")", nil
	case OpGt, OpGte, OpLt, OpLte, OpLike, OpNotLike:
	default:
		return "", fmt.Errorf("%w: unknown operator %q", domain.ErrValidation, p.Op)
	}
	return field + " " + string(p.Op) + " " + w.literal(p.Value), nil
}

// ident renders a column reference.
func (w *sqlWriter) ident(name string) string {
	if fn, arg, ok := aggregateRef(name); ok {
		return fn + "(" + quoteIdent(arg, w.d) + ")"
	}
	if w.verbatim && isVerbatim(name) {
		return name
	}
	return quoteIdent(name, w.d)
}

// name renders a table, alias or column that is never an expression.
func (w *sqlWriter) name(name string) string {
	return quoteIdent(name, w.d)
}

func (w *sqlWriter) literal(v any) string {
	return literal(v, w.d)
}

// quoteIdent quotes each dotted part of name when it needs it.
func quoteIdent(name string, d dialect) string {
	if name == "*" || isPosition(name) {
		return name
	}
	parts := strings.Split(name, ".")
	for i, part := range parts {
		if part == "*" || !needsQuoting(part) {
			continue
		}
		parts[i] = d.open + strings.ReplaceAll(part, d.close, d.close+d.close) + d.close
	}
	return strings.Join(parts, ".")
}

func needsQuoting(part string) bool {
	if part == "" || reservedWords[strings.ToUpper(part)] {
		return true
	}
	if part[0] >= '0' && part[0] <= '9' {
		return true
	}
	for _, r := range part {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_') {
			return true
		}
	}
	return false
}

// literal renders a Go value as a SQL literal for d.
func literal(v any, d dialect) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case Expr:
		return requote(string(x), d)
	case Ref:
		return quoteIdent(string(x), d)
	case string:
		return quoteString(x, d)
	case bool:
		if d.boolWords {
			return lo.Ternary(x, "TRUE", "FALSE")
		}
		return lo.Ternary(x, "1", "0")
	case int:
		return strconv.Itoa(x)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case float32:
		return formatFloat(float64(x))
	case float64:
		return formatFloat(x)
	case json.Number:
		return x.String()
	case time.Time:
		return quoteString(x.UTC().Format(time.RFC3339), d)
	case []any, map[string]any:
		raw, _ := json.Marshal(x)
		return quoteString(string(raw), d)
	}
	return quoteString(fmt.Sprint(v), d)
}

func formatFloat(f float64) string {
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return "NULL"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func quoteString(s string, d dialect) string {
	if d.backslashes {
		s = strings.ReplaceAll(s, `\`, `\\`)
	}
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// requote converts the backtick identifiers of parsed expressions into
// d's quoting. Single-quoted strings are left alone.
func requote(text string, d dialect) string {
	if d.open == "`" || !strings.Contains(text, "`") {
		return text
	}
	var b strings.Builder
	inString, inIdent := false, false
	for i := 0; i < len(text); i++ {
		ch := text[i]
		switch {
		case inString:
			b.WriteByte(ch)
			if ch == '\\' && i+1 < len(text) {
				i++
				b.WriteByte(text[i])
			} else if ch == '\'' {
				inString = false
			}
		case ch == '\'':
			inString = true
			b.WriteByte(ch)
		case ch == '`' && inIdent:
			b.WriteString(d.close)
			inIdent = false
		case ch == '`':
			b.WriteString(d.open)
			inIdent = true
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}
