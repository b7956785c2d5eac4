package query

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"querybuilder/internal/dbclient"
	"querybuilder/internal/domain"

	"go.mongodb.org/mongo-driver/v2/bson"
)

var mongoOps = map[Operator]string{
	OpNe:    "$ne",
	OpGt:    "$gt",
	OpGte:   "$gte",
	OpLt:    "$lt",
	OpLte:   "$lte",
	OpIn:    "$in",
	OpNotIn: "$nin",
}

var mongoAccumulators = map[string]string{
	"SUM": "$sum",
	"AVG": "$avg",
	"MIN": "$min",
	"MAX": "$max",
}

func unsupportedOnMongo(what string) error {
	return fmt.Errorf("%w: %s is not supported for %s", domain.ErrValidation, what, domain.BackendMongoDB)
}

// renderMongo builds a document-store envelope. Reads always become an
// aggregation pipeline.
func renderMongo(n *Node) (string, error) {
	m := mongoRenderer{n: n}
	st := &dbclient.MongoStatement{Collection: n.Table}
	var err error
	switch n.Kind {
	case KindSelect:
		st.Operation = dbclient.MongoAggregate
		st.Pipeline, err = m.pipeline()
	case KindInsert:
		err = m.insert(st)
	case KindUpdate:
		err = m.update(st)
	case KindDelete:
		st.Operation = dbclient.MongoDeleteMany
		st.Filter, err = m.filter(n.Where)
	case KindCreate:
		st.Operation = dbclient.MongoCreateCollection
	case KindDrop:
		st.Operation = dbclient.MongoDrop
	default:
		err = fmt.Errorf("%w: unknown operation %q", domain.ErrValidation, n.Kind)
	}
	if err != nil {
		return "", err
	}
	if n.Limit != nil && n.Kind != KindSelect {
		return "", unsupportedOnMongo("LIMIT on " + string(n.Kind))
	}
	return st.Encode()
}

type mongoRenderer struct {
	n *Node
}

// field maps a column onto a document path. Qualifiers naming the base
// collection are dropped; joined aliases stay since lookups land there.
func (m mongoRenderer) field(name string) string {
	q := qualifier(name)
	if q != "" && (q == m.n.Table || q == m.n.Alias) {
		return unqualified(name)
	}
	return name
}

func (m mongoRenderer) pipeline() ([]bson.D, error) {
	n := m.n
	if n.Distinct {
		return nil, unsupportedOnMongo("DISTINCT")
	}
	stages := []bson.D{}
	for _, j := range n.Joins {
		lookup, err := m.lookup(j)
		if err != nil {
			return nil, err
		}
		stages = append(stages, lookup...)
	}
	if n.Where != nil {
		match, err := m.filter(n.Where)
		if err != nil {
			return nil, err
		}
		stages = append(stages, bson.D{{Key: "$match", Value: match}})
	}

	grouping := len(n.GroupBy) > 0
	for _, c := range n.Columns {
		switch {
		case c.Subquery != nil:
			return nil, unsupportedOnMongo("subquery " + c.Alias)
		case c.Expr != "":
			return nil, unsupportedOnMongo("expression " + c.Expr)
		case c.Aggregate != nil:
			grouping = true
		}
	}

	if grouping {
		group, project, err := m.group()
		if err != nil {
			return nil, err
		}
		stages = append(stages, bson.D{{Key: "$group", Value: group}})
		if n.Having != nil {
			having, err := m.filter(n.Having)
			if err != nil {
				return nil, err
			}
			stages = append(stages, bson.D{{Key: "$match", Value: having}})
		}
		stages = append(stages, bson.D{{Key: "$project", Value: project}})
	} else if n.Having != nil {
		return nil, unsupportedOnMongo("HAVING without GROUP BY")
	} else if project := m.projection(); project != nil {
		stages = append(stages, bson.D{{Key: "$project", Value: project}})
	}

	if len(n.OrderBy) > 0 {
		sort := bson.D{}
		for _, o := range n.OrderBy {
			dir := int32(1)
			if o.Direction == Desc {
				dir = -1
			}
			sort = append(sort, bson.E{Key: m.field(o.Field), Value: dir})
		}
		stages = append(stages, bson.D{{Key: "$sort", Value: sort}})
	}
	if n.Offset != nil {
		stages = append(stages, bson.D{{Key: "$skip", Value: int64(*n.Offset)}})
	}
	if n.Limit != nil {
		stages = append(stages, bson.D{{Key: "$limit", Value: int64(*n.Limit)}})
	}
	return stages, nil
}

// lookup turns a simple column = column join into $lookup + $unwind.
func (m mongoRenderer) lookup(j Join) ([]bson.D, error) {
	if j.Kind != InnerJoin && j.Kind != LeftJoin {
		return nil, unsupportedOnMongo(string(j.Kind) + " JOIN")
	}
	eq, ok := j.On.(Equals)
	ref, isRef := eq.Value.(Ref)
	if !ok || !isRef {
		return nil, unsupportedOnMongo("join condition other than column = column")
	}
	as := j.Alias
	if as == "" {
		as = j.Table
	}
	local, foreign := eq.Field, string(ref)
	if qualifier(local) == as {
		local, foreign = foreign, local
	}
	if qualifier(foreign) != as {
		return nil, unsupportedOnMongo("join condition that does not reference " + as)
	}
	return []bson.D{
		{{Key: "$lookup", Value: bson.D{
			{Key: "from", Value: j.Table},
			{Key: "localField", Value: m.field(local)},
			{Key: "foreignField", Value: unqualified(foreign)},
			{Key: "as", Value: as},
		}}},
		{{Key: "$unwind", Value: bson.D{
			{Key: "path", Value: "$" + as},
			{Key: "preserveNullAndEmptyArrays", Value: j.Kind == LeftJoin},
		}}},
	}, nil
}

func (m mongoRenderer) group() (bson.D, bson.D, error) {
	n := m.n
	var id any
	project := bson.D{{Key: "_id", Value: int32(0)}}
	if len(n.GroupBy) > 0 {
		keys := bson.D{}
		for _, g := range n.GroupBy {
			key := unqualified(g)
			keys = append(keys, bson.E{Key: key, Value: "$" + m.field(g)})
			project = append(project, bson.E{Key: key, Value: "$_id." + key})
		}
		id = keys
	}
	group := bson.D{{Key: "_id", Value: id}}
	for _, c := range n.Columns {
		if c.Aggregate == nil {
			continue
		}
		alias := c.Alias
		if alias == "" {
			alias = strings.ToLower(c.Aggregate.Func) + "_" + strings.Trim(unqualified(c.Aggregate.Field), "*")
			alias = strings.TrimSuffix(alias, "_")
		}
		var acc bson.D
		if c.Aggregate.Func == "COUNT" {
			acc = bson.D{{Key: "$sum", Value: int32(1)}}
		} else {
			op, ok := mongoAccumulators[c.Aggregate.Func]
			if !ok || c.Aggregate.Field == "*" {
				return nil, nil, unsupportedOnMongo(c.Aggregate.String())
			}
			acc = bson.D{{Key: op, Value: "$" + m.field(c.Aggregate.Field)}}
		}
		group = append(group, bson.E{Key: alias, Value: acc})
		project = append(project, bson.E{Key: alias, Value: int32(1)})
	}
	return group, project, nil
}

// projection is nil when every field is wanted.
func (m mongoRenderer) projection() bson.D {
	project := bson.D{}
	for _, c := range m.n.Columns {
		if c.IsWildcard() {
			return nil
		}
		if c.Alias != "" {
			project = append(project, bson.E{Key: c.Alias, Value: "$" + m.field(c.Name)})
			continue
		}
		project = append(project, bson.E{Key: m.field(c.Name), Value: int32(1)})
	}
	if len(project) == 0 {
		return nil
	}
	return project
}

func (m mongoRenderer) insert(st *dbclient.MongoStatement) error {
	n := m.n
	if len(n.Fields) == 0 || len(n.Rows) == 0 {
		return fmt.Errorf("%w: INSERT needs columns and values", domain.ErrValidation)
	}
	if err := checkArity(n); err != nil {
		return err
	}
	docs := make([]bson.D, 0, len(n.Rows))
	for _, row := range n.Rows {
		doc := bson.D{}
		for i, f := range n.Fields {
			v, err := mongoValue(row[i])
			if err != nil {
				return err
			}
			doc = append(doc, bson.E{Key: f, Value: v})
		}
		docs = append(docs, doc)
	}
	if len(docs) == 1 {
		st.Operation, st.Document = dbclient.MongoInsertOne, docs[0]
	} else {
		st.Operation, st.Documents = dbclient.MongoInsertMany, docs
	}
	return nil
}

func (m mongoRenderer) update(st *dbclient.MongoStatement) error {
	n := m.n
	if len(n.Fields) == 0 || len(n.Rows) != 1 {
		return fmt.Errorf("%w: UPDATE needs columns and exactly one row of values", domain.ErrValidation)
	}
	if err := checkArity(n); err != nil {
		return err
	}
	set := bson.D{}
	for i, f := range n.Fields {
		v, err := mongoValue(n.Rows[0][i])
		if err != nil {
			return err
		}
		set = append(set, bson.E{Key: f, Value: v})
	}
	filter, err := m.filter(n.Where)
	if err != nil {
		return err
	}
	st.Operation = dbclient.MongoUpdateMany
	st.Filter = filter
	st.Update = bson.D{{Key: "$set", Value: set}}
	return nil
}

// filter translates a predicate into a query document. Terms of an AND
// share one document unless a field repeats.
func (m mongoRenderer) filter(p Predicate) (bson.D, error) {
	switch p := p.(type) {
	case nil:
		return nil, nil
	case Equals:
		if _, ok := p.Value.(Ref); ok {
			return nil, unsupportedOnMongo("column comparison in a filter")
		}
		v, err := mongoValue(p.Value)
		if err != nil {
			return nil, err
		}
		return bson.D{{Key: m.field(p.Field), Value: v}}, nil
	case Compare:
		return m.compare(p)
	case And:
		docs, err := m.filters(p.Terms)
		if err != nil {
			return nil, err
		}
		merged := bson.D{}
		seen := map[string]bool{}
		for _, d := range docs {
			for _, e := range d {
				if seen[e.Key] || strings.HasPrefix(e.Key, "$") {
					return bson.D{{Key: "$and", Value: docs}}, nil
				}
				seen[e.Key] = true
				merged = append(merged, e)
			}
		}
		return merged, nil
	case Or:
		docs, err := m.filters(p.Terms)
		if err != nil {
			return nil, err
		}
		return bson.D{{Key: "$or", Value: docs}}, nil
	case Raw:
		return nil, unsupportedOnMongo("condition " + p.SQL)
	}
	return nil, fmt.Errorf("%w: unknown predicate %T", domain.ErrValidation, p)
}

func (m mongoRenderer) filters(terms []Predicate) ([]bson.D, error) {
	docs := make([]bson.D, 0, len(terms))
	for _, t := range terms {
		d, err := m.filter(t)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, nil
}

func (m mongoRenderer) compare(p Compare) (bson.D, error) {
	if _, ok := p.Value.(Ref); ok {
		return nil, unsupportedOnMongo("column comparison in a filter")
	}
	field := m.field(p.Field)
	if p.Op == OpEq {
		return m.filter(Equals{Field: p.Field, Value: p.Value})
	}
	if p.Op == OpLike || p.Op == OpNotLike {
		pattern, ok := p.Value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s %s needs a string pattern", domain.ErrValidation, p.Field, p.Op)
		}
		re := bson.D{{Key: "$regex", Value: likePattern(pattern)}}
		if p.Op == OpNotLike {
			re = bson.D{{Key: "$not", Value: re}}
		}
		return bson.D{{Key: field, Value: re}}, nil
	}
	op, ok := mongoOps[p.Op]
	if !ok {
		return nil, fmt.Errorf("%w: unknown operator %q", domain.ErrValidation, p.Op)
	}
	v, err := mongoValue(p.Value)
	if err != nil {
		return nil, err
	}
	return bson.D{{Key: field, Value: bson.D{{Key: op, Value: v}}}}, nil
}

// likePattern converts a SQL LIKE pattern into an anchored regular
// expression.
func likePattern(like string) string {
	var b strings.Builder
	b.WriteByte('^')
	for _, r := range like {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteByte('.')
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteByte('$')
	return b.String()
}

// mongoValue converts a literal into its document form. Maps become
// documents with sorted keys and integral floats become integers.
func mongoValue(v any) (any, error) {
	switch x := v.(type) {
	case Expr:
		return nil, unsupportedOnMongo("expression " + string(x))
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return int64(x), nil
		}
		return x, nil
	case int:
		return int64(x), nil
	case time.Time:
		return bson.NewDateTimeFromTime(x), nil
	case []any:
		out := make(bson.A, 0, len(x))
		for _, item := range x {
			conv, err := mongoValue(item)
			if err != nil {
				return nil, err
			}
			out = append(out, conv)
		}
		return out, nil
	case map[string]any:
		doc := bson.D{}
		for _, k := range sortedKeys(x) {
			conv, err := mongoValue(x[k])
			if err != nil {
				return nil, err
			}
			doc = append(doc, bson.E{Key: k, Value: conv})
		}
		return doc, nil
	}
	return v, nil
}
