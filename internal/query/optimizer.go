package query

import (
	"context"
	"fmt"
	"log/slog"

	"querybuilder/internal/dbclient"
	"querybuilder/internal/domain"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// complexityLimit is the number of WHERE terms above which a query is
// flagged as complex.
const complexityLimit = 10

// Explainer fetches an execution plan for statement text. dbclient.Client
// satisfies it.
type Explainer interface {
	Explain(ctx context.Context, statement string) (*dbclient.Plan, error)
}

// OptimizationResult reports what the optimizer rewrote and suggests.
// EstimatedCost is in the engine's own units and is nil when the plan
// carried none.
type OptimizationResult struct {
	OriginalQuery        string         `json:"originalQuery"`
	OptimizedQuery       string         `json:"optimizedQuery"`
	AppliedOptimizations []string       `json:"appliedOptimizations"`
	Suggestions          []string       `json:"suggestions"`
	EstimatedCost        *float64       `json:"estimatedCost,omitempty"`
	ExplainPlan          *dbclient.Plan `json:"explainPlan,omitempty"`
}

type Optimizer struct {
	logger *slog.Logger
}

func NewOptimizer(logger *slog.Logger) *Optimizer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Optimizer{logger: logger}
}

// Optimize renders n for backend, applies the pagination rewrite and, when
// ex is non-nil, reads the plan of the optimized statement. Plan failures
// become suggestions rather than errors. The returned node is the
// rewritten one; n itself is not modified.
func (o *Optimizer) Optimize(ctx context.Context, n *Node, backend domain.Backend, ex Explainer) (*OptimizationResult, *Node, error) {
	original, err := Render(n, backend)
	if err != nil {
		return nil, nil, err
	}
	rewritten, applied, err := rewrite(n, backend)
	if err != nil {
		return nil, nil, err
	}
	optimized, err := Render(rewritten, backend)
	if err != nil {
		return nil, nil, err
	}
	res := &OptimizationResult{
		OriginalQuery:        original,
		OptimizedQuery:       optimized,
		AppliedOptimizations: applied,
		Suggestions:          []string{},
	}
	if termCount(n.Where) > complexityLimit {
		res.Suggestions = append(res.Suggestions, "Query complexity is high; consider simplifying the WHERE clause")
	}

	if ex == nil || n.Kind != KindSelect {
		return res, rewritten, nil
	}
	plan, err := ex.Explain(ctx, optimized)
	if err != nil {
		o.logger.WarnContext(ctx, "explain failed", "backend", string(backend), "error", err)
		res.Suggestions = append(res.Suggestions, fmt.Sprintf("Execution plan unavailable: %v", err))
		return res, rewritten, nil
	}
	res.ExplainPlan = plan
	report, err := analyzePlan(plan)
	if err != nil {
		o.logger.WarnContext(ctx, "plan not understood", "backend", string(backend), "error", err)
		res.Suggestions = append(res.Suggestions, fmt.Sprintf("Execution plan unreadable: %v", err))
		return res, rewritten, nil
	}
	res.EstimatedCost = report.cost
	res.Suggestions = append(res.Suggestions, report.suggestions...)
	return res, rewritten, nil
}

// rewrite gives a paginated SELECT without ORDER BY a deterministic order.
func rewrite(n *Node, backend domain.Backend) (*Node, []string, error) {
	applied := []string{}
	if n.Kind != KindSelect || n.Limit == nil || len(n.OrderBy) > 0 {
		return n, applied, nil
	}
	out := n.clone()
	if n.Native != "" {
		native, field, err := sortNative(n.Native)
		if err != nil {
			return nil, nil, err
		}
		if field == "" {
			return n, applied, nil
		}
		out.Native = native
		out.OrderBy = []Order{{Field: field, Direction: Asc}}
		return out, append(applied, "Added ORDER BY "+field+" for stable pagination"), nil
	}
	field := stableOrderField(n, backend)
	out.OrderBy = []Order{{Field: field, Direction: Asc}}
	return out, append(applied, "Added ORDER BY "+field+" for stable pagination"), nil
}

// stableOrderField picks the first projected column. Positional 1 stands
// in for wildcards and unnamed expressions on relational engines.
func stableOrderField(n *Node, backend domain.Backend) string {
	if backend == domain.BackendMongoDB && len(n.GroupBy) > 0 {
		return unqualified(n.GroupBy[0])
	}
	if len(n.Columns) > 0 {
		c := n.Columns[0]
		switch {
		case c.Alias != "":
			return c.Alias
		case !c.IsWildcard() && c.Aggregate == nil && c.Subquery == nil && c.Expr == "" && c.Name != "":
			return c.Name
		}
	}
	if backend == domain.BackendMongoDB {
		return "_id"
	}
	return "1"
}

// sortNative adds {_id: 1} to a paginated document read that has no sort.
// It returns the field it sorted on, or "" when nothing changed.
func sortNative(text string) (string, string, error) {
	st, err := dbclient.ParseMongoStatement(text)
	if err != nil {
		return "", "", err
	}
	byID := bson.D{{Key: "_id", Value: int32(1)}}
	switch st.Operation {
	case dbclient.MongoFind:
		if st.Limit == 0 || len(st.Sort) > 0 {
			return text, "", nil
		}
		st.Sort = byID
	case dbclient.MongoAggregate:
		at := -1
		for i, stage := range st.Pipeline {
			if len(stage) == 0 {
				continue
			}
			switch stage[0].Key {
			case "$sort":
				return text, "", nil
			case "$skip", "$limit":
				if at < 0 {
					at = i
				}
			}
		}
		if at < 0 {
			return text, "", nil
		}
		pipeline := append([]bson.D{}, st.Pipeline[:at]...)
		pipeline = append(pipeline, bson.D{{Key: "$sort", Value: byID}})
		st.Pipeline = append(pipeline, st.Pipeline[at:]...)
	default:
		return text, "", nil
	}
	out, err := st.Encode()
	if err != nil {
		return "", "", err
	}
	return out, "_id", nil
}
