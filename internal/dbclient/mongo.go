package dbclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"querybuilder/internal/domain"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	mongoSampleSize = 50
	// IllegalOperation, returned by standalone servers for transactions.
	mongoCodeIllegalOperation = 20
)

// mongoClient implements Client for MongoDB.
type mongoClient struct {
	opts     domain.ConnectionOptions
	password string
	logger   *slog.Logger

	mu     sync.Mutex
	client *mongo.Client
	dbName string
}

func newMongoClient(o domain.ConnectionOptions, password string, logger *slog.Logger) *mongoClient {
	uri := buildMongoURI(o, password)
	return &mongoClient{
		opts:     o,
		password: password,
		logger:   logger,
		dbName:   mongoDatabaseName(o, uri),
	}
}

// buildMongoURI accepts either a full connection string in Host (Atlas
// mongodb+srv:// or mongodb://) or builds one from host and port.
func buildMongoURI(o domain.ConnectionOptions, password string) string {
	var uri string
	if strings.HasPrefix(o.Host, "mongodb+srv://") || strings.HasPrefix(o.Host, "mongodb://") {
		uri = o.Host
		if password != "" {
			uri = strings.ReplaceAll(uri, "<password>", password)
			uri = strings.ReplaceAll(uri, "<db_password>", password)
		}
		return uri
	}

	port := o.PortOrDefault(domain.BackendMongoDB)
	if o.Username != "" {
		uri = fmt.Sprintf("mongodb://%s:%s@%s:%d", o.Username, password, o.Host, port)
	} else {
		uri = fmt.Sprintf("mongodb://%s:%d", o.Host, port)
	}
	if len(o.Extra) > 0 {
		keys := make([]string, 0, len(o.Extra))
		for k := range o.Extra {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		params := make([]string, 0, len(keys))
		for _, k := range keys {
			params = append(params, k+"="+o.Extra[k])
		}
		uri += "/?" + strings.Join(params, "&")
	}
	return uri
}

// mongoDatabaseName prefers the configured database, then the URI path.
func mongoDatabaseName(o domain.ConnectionOptions, uri string) string {
	if o.Database != "" {
		return o.Database
	}
	rest := uri
	for _, prefix := range []string{"mongodb+srv://", "mongodb://"} {
		rest = strings.TrimPrefix(rest, prefix)
	}
	if at := strings.LastIndex(rest, "@"); at != -1 {
		rest = rest[at+1:]
	}
	if slash := strings.Index(rest, "/"); slash != -1 {
		path := rest[slash+1:]
		if q := strings.Index(path, "?"); q != -1 {
			path = path[:q]
		}
		if path != "" {
			return path
		}
	}
	return "test"
}

func maskPassword(uri, password string) string {
	if password == "" {
		return uri
	}
	return strings.ReplaceAll(uri, password, "***")
}

func (m *mongoClient) Backend() domain.Backend { return domain.BackendMongoDB }

func (m *mongoClient) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		return m.pingLocked(ctx)
	}

	uri := buildMongoURI(m.opts, m.password)
	m.logger.Debug("connecting", "uri", maskPassword(uri, m.password), "database", m.dbName)

	clientOpts := options.Client().ApplyURI(uri).SetMaxPoolSize(1)
	if d := m.opts.ConnectTimeout(); d > 0 {
		clientOpts.SetConnectTimeout(d).SetServerSelectionTimeout(d)
	}
	if m.opts.TLS.Enabled {
		tlsCfg, err := buildTLSConfig(m.opts.TLS, "")
		if err != nil {
			return err
		}
		clientOpts.SetTLSConfig(tlsCfg)
	}

	client, err := mongo.Connect(clientOpts)
	if err != nil {
		return fmt.Errorf("%w: connect mongo: %w", domain.ErrConnection, err)
	}
	m.client = client
	if err := m.pingLocked(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		m.client = nil
		return err
	}
	return nil
}

func (m *mongoClient) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := m.client.Disconnect(ctx)
	m.client = nil
	return err
}

func (m *mongoClient) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pingLocked(ctx)
}

func (m *mongoClient) pingLocked(ctx context.Context) error {
	if m.client == nil {
		return fmt.Errorf("%w: mongodb adapter is not connected", domain.ErrConnection)
	}
	timeout := m.opts.ConnectTimeout()
	if timeout == 0 {
		timeout = defaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := m.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrConnection, err)
	}
	return nil
}

func (m *mongoClient) database() (*mongo.Database, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		return nil, fmt.Errorf("%w: mongodb adapter is not connected", domain.ErrConnection)
	}
	return m.client.Database(m.dbName), nil
}

func (m *mongoClient) Query(ctx context.Context, statement string, params ...any) (*Result, error) {
	if len(params) > 0 {
		return nil, fmt.Errorf("%w: document statements carry values inline, got %d positional parameters", domain.ErrExecution, len(params))
	}
	st, err := ParseMongoStatement(statement)
	if err != nil {
		return nil, err
	}
	db, err := m.database()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, m.opts.QueryTimeout())
	defer cancel()

	m.logger.Debug("running document statement", "collection", st.Collection, "operation", st.Operation)
	res, err := m.run(ctx, db, st)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrExecution, st.Operation, err)
	}
	return res, nil
}

func (m *mongoClient) run(ctx context.Context, db *mongo.Database, st *MongoStatement) (*Result, error) {
	coll := db.Collection(st.Collection)
	filter := st.Filter
	if filter == nil {
		filter = bson.D{}
	}

	switch st.Operation {
	case MongoFind:
		opts := options.Find()
		if st.Projection != nil {
			opts.SetProjection(st.Projection)
		}
		if st.Sort != nil {
			opts.SetSort(st.Sort)
		}
		if st.Limit > 0 {
			opts.SetLimit(st.Limit)
		}
		if st.Skip > 0 {
			opts.SetSkip(st.Skip)
		}
		cursor, err := coll.Find(ctx, filter, opts)
		if err != nil {
			return nil, err
		}
		return readCursor(ctx, cursor)
	case MongoAggregate:
		pipeline := st.Pipeline
		if pipeline == nil {
			pipeline = []bson.D{}
		}
		cursor, err := coll.Aggregate(ctx, pipeline)
		if err != nil {
			return nil, err
		}
		return readCursor(ctx, cursor)
	case MongoInsertOne:
		if st.Document == nil {
			return nil, fmt.Errorf("insertOne requires 'document'")
		}
		if _, err := coll.InsertOne(ctx, st.Document); err != nil {
			return nil, err
		}
		return writeResult(1), nil
	case MongoInsertMany:
		if len(st.Documents) == 0 {
			return nil, fmt.Errorf("insertMany requires 'documents'")
		}
		res, err := coll.InsertMany(ctx, st.Documents)
		if err != nil {
			return nil, err
		}
		return writeResult(int64(len(res.InsertedIDs))), nil
	case MongoUpdateMany:
		if st.Update == nil {
			return nil, fmt.Errorf("updateMany requires 'update'")
		}
		res, err := coll.UpdateMany(ctx, filter, st.Update)
		if err != nil {
			return nil, err
		}
		return writeResult(res.ModifiedCount), nil
	case MongoDeleteMany:
		res, err := coll.DeleteMany(ctx, filter)
		if err != nil {
			return nil, err
		}
		return writeResult(res.DeletedCount), nil
	case MongoCreateCollection:
		if err := db.CreateCollection(ctx, st.Collection); err != nil {
			return nil, err
		}
		return writeResult(0), nil
	case MongoDrop:
		if err := coll.Drop(ctx); err != nil {
			return nil, err
		}
		return writeResult(0), nil
	default:
		return nil, fmt.Errorf("unsupported operation: %s", st.Operation)
	}
}

func writeResult(affected int64) *Result {
	return &Result{IsWrite: true, AffectedRows: affected, Rows: []map[string]any{}}
}

// readCursor drains a cursor. Fields are the union of document keys,
// _id first and the rest alphabetical.
func readCursor(ctx context.Context, cursor *mongo.Cursor) (*Result, error) {
	defer cursor.Close(ctx)

	out := &Result{Rows: []map[string]any{}}
	seen := map[string]bool{}
	var names []string
	for cursor.Next(ctx) {
		var doc bson.D
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode: %w", err)
		}
		row := make(map[string]any, len(doc))
		for _, elem := range doc {
			if !seen[elem.Key] {
				seen[elem.Key] = true
				names = append(names, elem.Key)
			}
			row[elem.Key] = normalizeBSON(elem.Value)
		}
		out.Rows = append(out.Rows, row)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor: %w", err)
	}

	sort.SliceStable(names, func(i, j int) bool {
		if names[i] == "_id" {
			return names[j] != "_id"
		}
		if names[j] == "_id" {
			return false
		}
		return names[i] < names[j]
	})
	for _, n := range names {
		out.Fields = append(out.Fields, Field{Name: n})
	}
	out.RowCount = len(out.Rows)
	return out, nil
}

// normalizeBSON converts driver types into JSON-friendly values.
func normalizeBSON(v any) any {
	switch val := v.(type) {
	case bson.D:
		m := make(map[string]any, len(val))
		for _, e := range val {
			m[e.Key] = normalizeBSON(e.Value)
		}
		return m
	case bson.M:
		m := make(map[string]any, len(val))
		for k, e := range val {
			m[k] = normalizeBSON(e)
		}
		return m
	case bson.A:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = normalizeBSON(e)
		}
		return out
	case bson.ObjectID:
		return val.Hex()
	case bson.DateTime:
		return val.Time().UTC().Format(time.RFC3339)
	case bson.Decimal128:
		return val.String()
	default:
		return val
	}
}

// bsonTypeName names a decoded value the way the shell's $type does.
func bsonTypeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case int32:
		return "int"
	case int64:
		return "long"
	case float64:
		return "double"
	case bool:
		return "bool"
	case bson.ObjectID:
		return "objectId"
	case bson.DateTime:
		return "date"
	case bson.Decimal128:
		return "decimal"
	case bson.D, bson.M:
		return "object"
	case bson.A:
		return "array"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func (m *mongoClient) ListTables(ctx context.Context) ([]string, error) {
	db, err := m.database()
	if err != nil {
		return nil, err
	}
	names, err := db.ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("%w: list collections: %w", domain.ErrExecution, err)
	}
	sort.Strings(names)
	return names, nil
}

// ListColumns infers fields from a sample of documents. A field missing
// from any sampled document is reported nullable.
func (m *mongoClient) ListColumns(ctx context.Context, table string) ([]Column, error) {
	db, err := m.database()
	if err != nil {
		return nil, err
	}
	cursor, err := db.Collection(table).Find(ctx, bson.D{}, options.Find().SetLimit(mongoSampleSize))
	if err != nil {
		return nil, fmt.Errorf("%w: sample %s: %w", domain.ErrExecution, table, err)
	}
	defer cursor.Close(ctx)

	var cols []Column
	pos := map[string]int{}
	count := map[string]int{}
	docs := 0
	for cursor.Next(ctx) {
		var doc bson.D
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("%w: decode sample: %w", domain.ErrExecution, err)
		}
		docs++
		for _, elem := range doc {
			count[elem.Key]++
			i, ok := pos[elem.Key]
			if !ok {
				pos[elem.Key] = len(cols)
				cols = append(cols, Column{ColumnName: elem.Key, DataType: bsonTypeName(elem.Value), IsPrimary: elem.Key == "_id"})
				continue
			}
			if elem.Value == nil {
				cols[i].IsNullable = true
			}
		}
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("%w: sample %s: %w", domain.ErrExecution, table, err)
	}
	for i := range cols {
		if count[cols[i].ColumnName] < docs || cols[i].DataType == "null" {
			cols[i].IsNullable = true
		}
	}
	return cols, nil
}

func (m *mongoClient) ListIndexes(ctx context.Context, table string) ([]Index, error) {
	db, err := m.database()
	if err != nil {
		return nil, err
	}
	cursor, err := db.Collection(table).Indexes().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list indexes of %s: %w", domain.ErrExecution, table, err)
	}
	defer cursor.Close(ctx)

	var out []Index
	for cursor.Next(ctx) {
		var spec struct {
			Name   string `bson:"name"`
			Key    bson.D `bson:"key"`
			Unique bool   `bson:"unique"`
		}
		if err := cursor.Decode(&spec); err != nil {
			return nil, fmt.Errorf("%w: decode index: %w", domain.ErrExecution, err)
		}
		idx := Index{IndexName: spec.Name, IsUnique: spec.Unique || spec.Name == "_id_"}
		for _, k := range spec.Key {
			idx.Columns = append(idx.Columns, k.Key)
		}
		out = append(out, idx)
	}
	return out, cursor.Err()
}

// ListForeignKeys is always empty: the document store has no declared references.
func (m *mongoClient) ListForeignKeys(ctx context.Context, table string) ([]ForeignKey, error) {
	if _, err := m.database(); err != nil {
		return nil, err
	}
	return []ForeignKey{}, nil
}

// ExecuteTransaction applies statements inside a session transaction. On a
// deployment without transaction support it applies them in order and stops
// at the first failure, reporting how many were applied.
func (m *mongoClient) ExecuteTransaction(ctx context.Context, statements []string) error {
	parsed := make([]*MongoStatement, 0, len(statements))
	for _, s := range statements {
		st, err := ParseMongoStatement(s)
		if err != nil {
			return err
		}
		parsed = append(parsed, st)
	}

	db, err := m.database()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, m.opts.QueryTimeout())
	defer cancel()

	sess, err := db.Client().StartSession()
	if err != nil {
		return fmt.Errorf("%w: start session: %w", domain.ErrExecution, err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		for i, st := range parsed {
			if _, err := m.run(ctx, db, st); err != nil {
				return nil, fmt.Errorf("statement %d: %w", i+1, err)
			}
		}
		return nil, nil
	})
	if err == nil {
		return nil
	}
	if !transactionsUnsupported(err) {
		return fmt.Errorf("%w: transaction: %w", domain.ErrExecution, err)
	}

	m.logger.Warn("deployment lacks transactions, applying statements sequentially", "statements", len(parsed))
	for i, st := range parsed {
		if _, err := m.run(ctx, db, st); err != nil {
			return fmt.Errorf("%w: statement %d failed after %d applied without a transaction: %w", domain.ErrExecution, i+1, i, err)
		}
	}
	return nil
}

func transactionsUnsupported(err error) bool {
	var se mongo.ServerError
	if !errors.As(err, &se) {
		return false
	}
	return se.HasErrorCode(mongoCodeIllegalOperation) ||
		se.HasErrorMessage("Transaction numbers are only allowed")
}

// Explain runs the explain command with executionStats verbosity.
func (m *mongoClient) Explain(ctx context.Context, statement string) (*Plan, error) {
	st, err := ParseMongoStatement(statement)
	if err != nil {
		return nil, err
	}
	db, err := m.database()
	if err != nil {
		return nil, err
	}
	inner, err := explainTarget(st)
	if err != nil {
		return nil, err
	}
	cmd := bson.D{{Key: "explain", Value: inner}, {Key: "verbosity", Value: "executionStats"}}

	ctx, cancel := context.WithTimeout(ctx, m.opts.QueryTimeout())
	defer cancel()
	var out bson.M
	if err := db.RunCommand(ctx, cmd).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: explain: %w", domain.ErrExecution, err)
	}
	raw, err := bson.MarshalExtJSON(out, false, false)
	if err != nil {
		return nil, fmt.Errorf("%w: encode plan: %w", domain.ErrExecution, err)
	}
	return &Plan{Backend: domain.BackendMongoDB, Format: PlanJSON, Raw: string(raw)}, nil
}

func explainTarget(st *MongoStatement) (bson.D, error) {
	filter := st.Filter
	if filter == nil {
		filter = bson.D{}
	}
	switch st.Operation {
	case MongoFind:
		cmd := bson.D{{Key: "find", Value: st.Collection}, {Key: "filter", Value: filter}}
		if st.Projection != nil {
			cmd = append(cmd, bson.E{Key: "projection", Value: st.Projection})
		}
		if st.Sort != nil {
			cmd = append(cmd, bson.E{Key: "sort", Value: st.Sort})
		}
		if st.Limit > 0 {
			cmd = append(cmd, bson.E{Key: "limit", Value: st.Limit})
		}
		if st.Skip > 0 {
			cmd = append(cmd, bson.E{Key: "skip", Value: st.Skip})
		}
		return cmd, nil
	case MongoAggregate:
		pipeline := st.Pipeline
		if pipeline == nil {
			pipeline = []bson.D{}
		}
		return bson.D{
			{Key: "aggregate", Value: st.Collection},
			{Key: "pipeline", Value: pipeline},
			{Key: "cursor", Value: bson.D{}},
		}, nil
	default:
		return nil, fmt.Errorf("%w: explain supports find and aggregate, got %s", domain.ErrExecution, st.Operation)
	}
}
