package query

import (
	"fmt"
	"regexp"
	"strings"

	"querybuilder/internal/domain"
)

// Names in structured input are plain identifiers. Anything else is
// rejected before it can reach a renderer.
var (
	columnPattern    = regexp.MustCompile(`^[A-Za-z_]\w*(\.(\w+|\*))*$`)
	tablePattern     = regexp.MustCompile(`^[A-Za-z_]\w*(\.[A-Za-z_]\w*)?$`)
	aliasPattern     = regexp.MustCompile(`^[A-Za-z_]\w*$`)
	typePattern      = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_ ]*(\(\s*\d+\s*(,\s*\d+\s*)?\))?$`)
	aggregatePattern = regexp.MustCompile(`^(?i)(COUNT|SUM|AVG|MIN|MAX)\(\s*(\*|[A-Za-z_]\w*(\.\w+)*)\s*\)$`)
)

func badName(what, name string) error {
	return fmt.Errorf("%w: %s %q is not a valid identifier", domain.ErrValidation, what, name)
}

func checkTable(what, name string) error {
	if !tablePattern.MatchString(name) {
		return badName(what, name)
	}
	return nil
}

func checkAlias(what, name string) error {
	if name != "" && !aliasPattern.MatchString(name) {
		return badName(what, name)
	}
	return nil
}

// checkColumn accepts a possibly qualified column, * and t.*.
func checkColumn(what, name string) error {
	if name == "*" || columnPattern.MatchString(name) {
		return nil
	}
	return badName(what, name)
}

// checkOrderField also accepts a 1-based position.
func checkOrderField(what, name string) error {
	if isPosition(name) {
		return nil
	}
	return checkColumn(what, name)
}

// checkConditionField accepts a column, or an aggregate such as COUNT(id)
// which is only meaningful in HAVING.
func checkConditionField(what, name string, aggregates bool) error {
	if aggregates {
		if _, _, ok := aggregateRef(name); ok {
			return nil
		}
	}
	if name == "*" {
		return badName(what, name)
	}
	return checkColumn(what, name)
}

func checkType(def ColumnDef) error {
	if !typePattern.MatchString(strings.TrimSpace(def.Type)) {
		return fmt.Errorf("%w: column %s: type %q is not a valid type name", domain.ErrValidation, def.Name, def.Type)
	}
	return nil
}

// aggregateRef splits "COUNT(id)" into its function and argument.
func aggregateRef(name string) (fn, arg string, ok bool) {
	m := aggregatePattern.FindStringSubmatch(strings.TrimSpace(name))
	if m == nil {
		return "", "", false
	}
	return strings.ToUpper(m[1]), m[2], true
}

// checkNames rejects every name of a structured node that is not a plain
// identifier. Subqueries are checked when they are parsed.
func checkNames(n *Node) error {
	if err := checkTable("table", n.Table); err != nil {
		return err
	}
	if err := checkAlias("table alias", n.Alias); err != nil {
		return err
	}
	for _, c := range n.Columns {
		switch {
		case c.Aggregate != nil:
			if err := checkColumn("aggregation field", c.Aggregate.Field); err != nil {
				return err
			}
		case c.Subquery == nil:
			if err := checkColumn("field", c.Name); err != nil {
				return err
			}
		}
		if err := checkAlias("alias", c.Alias); err != nil {
			return err
		}
	}
	for _, j := range n.Joins {
		if err := checkTable("join table", j.Table); err != nil {
			return err
		}
		if err := checkAlias("join alias", j.Alias); err != nil {
			return err
		}
	}
	for _, g := range n.GroupBy {
		if err := checkOrderField("group by field", g); err != nil {
			return err
		}
	}
	for _, o := range n.OrderBy {
		if err := checkOrderField("order by field", o.Field); err != nil {
			return err
		}
	}
	for _, f := range n.Fields {
		if !aliasPattern.MatchString(f) {
			return badName("column", f)
		}
	}
	for _, d := range n.Defs {
		if err := checkAlias("column", strings.TrimSpace(d.Name)); err != nil {
			return err
		}
		if err := checkType(d); err != nil {
			return err
		}
	}
	return nil
}
