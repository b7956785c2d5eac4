package query

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"

	"querybuilder/internal/dbclient"
	"querybuilder/internal/domain"

	"github.com/samber/lo"
)

// Advisory texts produced from explain plans.
const (
	SuggestIndexSeqScan   = "Consider adding an index to avoid sequential scan"
	SuggestIndexFullScan  = "Consider adding an index to avoid full table scan"
	SuggestIndexTableScan = "Consider adding an index to avoid table scan"
	SuggestIndexCollScan  = "Consider adding an index to avoid collection scan"
	SuggestJoin           = "Consider optimizing join conditions or adding indexes"
	SuggestTempTable      = "Consider optimizing GROUP BY or ORDER BY clauses"
	SuggestGeneric        = "Query might benefit from additional optimization"
)

// costThresholds are in each engine's own units; mongo is milliseconds.
var costThresholds = map[domain.Backend]float64{
	domain.BackendPostgres: 1000,
	domain.BackendMySQL:    1000,
	domain.BackendMSSQL:    1.0,
	domain.BackendMongoDB:  100,
}

// planReport is what the optimizer learns from one plan.
type planReport struct {
	cost        *float64
	suggestions []string
}

func (r *planReport) suggest(s string) {
	if !lo.Contains(r.suggestions, s) {
		r.suggestions = append(r.suggestions, s)
	}
}

// analyzePlan reads a backend-native plan.
func analyzePlan(p *dbclient.Plan) (*planReport, error) {
	r := &planReport{}
	var err error
	switch p.Backend {
	case domain.BackendPostgres:
		err = analyzePostgres(p.Raw, r)
	case domain.BackendMySQL:
		err = analyzeMySQL(p.Raw, r)
	case domain.BackendSQLite:
		analyzeSQLite(p.Rows, r)
	case domain.BackendMSSQL:
		err = analyzeMSSQL(p.Raw, r)
	case domain.BackendMongoDB:
		err = analyzeMongo(p.Raw, r)
	default:
		err = fmt.Errorf("%w: %q", domain.ErrUnsupportedBackend, p.Backend)
	}
	if err != nil {
		return nil, err
	}
	if limit, ok := costThresholds[p.Backend]; ok && r.cost != nil && *r.cost > limit {
		r.suggest(SuggestGeneric)
	}
	return r, nil
}

// walkJSON visits every object in a decoded JSON tree, parents first.
func walkJSON(v any, visit func(map[string]any)) {
	switch x := v.(type) {
	case map[string]any:
		visit(x)
		for _, k := range sortedKeys(x) {
			walkJSON(x[k], visit)
		}
	case []any:
		for _, item := range x {
			walkJSON(item, visit)
		}
	}
}

func decodePlanJSON(raw string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	return v, nil
}

func number(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	}
	return 0, false
}

func analyzePostgres(raw string, r *planReport) error {
	v, err := decodePlanJSON(raw)
	if err != nil {
		return err
	}
	walkJSON(v, func(m map[string]any) {
		if plan, ok := m["Plan"].(map[string]any); ok && r.cost == nil {
			if c, ok := number(plan["Total Cost"]); ok {
				r.cost = &c
			}
		}
		switch m["Node Type"] {
		case "Seq Scan":
			r.suggest(SuggestIndexSeqScan)
		case "Nested Loop":
			r.suggest(SuggestJoin)
		}
	})
	return nil
}

func analyzeMySQL(raw string, r *planReport) error {
	v, err := decodePlanJSON(raw)
	if err != nil {
		return err
	}
	walkJSON(v, func(m map[string]any) {
		if info, ok := m["cost_info"].(map[string]any); ok && r.cost == nil {
			if c, ok := number(info["query_cost"]); ok {
				r.cost = &c
			}
		}
		if m["access_type"] == "ALL" {
			r.suggest(SuggestIndexFullScan)
		}
		if _, ok := m["nested_loop"]; ok {
			r.suggest(SuggestJoin)
		}
		if t, _ := m["using_temporary_table"].(bool); t {
			r.suggest(SuggestTempTable)
		}
	})
	return nil
}

// analyzeSQLite reads EXPLAIN QUERY PLAN rows. SQLite reports no cost.
func analyzeSQLite(rows []map[string]any, r *planReport) {
	for _, row := range rows {
		detail := strings.ToUpper(fmt.Sprint(row["detail"]))
		switch {
		case strings.HasPrefix(detail, "SCAN") && !strings.Contains(detail, "INDEX"):
			r.suggest(SuggestIndexFullScan)
		case strings.Contains(detail, "USE TEMP B-TREE"):
			r.suggest(SuggestTempTable)
		}
	}
}

// analyzeMSSQL walks a showplan document. The first RelOp is the root of
// the plan and carries the statement's subtree cost.
func analyzeMSSQL(raw string, r *planReport) error {
	dec := xml.NewDecoder(strings.NewReader(raw))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("decode plan: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "RelOp" {
			continue
		}
		for _, attr := range start.Attr {
			switch attr.Name.Local {
			case "EstimatedTotalSubtreeCost":
				if c, ok := number(attr.Value); ok && r.cost == nil {
					r.cost = &c
				}
			case "PhysicalOp":
				switch attr.Value {
				case "Table Scan":
					r.suggest(SuggestIndexTableScan)
				case "Nested Loops":
					r.suggest(SuggestJoin)
				case "Table Spool":
					r.suggest(SuggestTempTable)
				}
			}
		}
	}
}

func analyzeMongo(raw string, r *planReport) error {
	v, err := decodePlanJSON(raw)
	if err != nil {
		return err
	}
	walkJSON(v, func(m map[string]any) {
		if m["stage"] == "COLLSCAN" {
			r.suggest(SuggestIndexCollScan)
		}
		if ms, ok := number(m["executionTimeMillis"]); ok && r.cost == nil {
			r.cost = &ms
		}
	})
	return nil
}
