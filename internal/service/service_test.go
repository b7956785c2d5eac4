package service_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"querybuilder/internal/dbclient"
	"querybuilder/internal/domain"
	"querybuilder/internal/pool"
	"querybuilder/internal/query"
	"querybuilder/internal/secret"
	"querybuilder/internal/service"
	"querybuilder/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ─────────────────────────────────────────────────────────────
// Fake backend shared by every adapter the pool builds
// ─────────────────────────────────────────────────────────────

type fakeDB struct {
	mu           sync.Mutex
	tables       map[string][]string
	pingErr      error
	built        []domain.ConnectionOptions
	statements   []string
	transactions [][]string
	plan         *dbclient.Plan
}

func newFakeDB() *fakeDB {
	return &fakeDB{tables: map[string][]string{
		"users":  {"id", "name", "status", "age"},
		"orders": {"id", "user_id", "total"},
	}}
}

func (db *fakeDB) build(cfg *domain.ConnectionConfig) (dbclient.Client, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.built = append(db.built, cfg.Options)
	return &fakeClient{db: db}, nil
}

func (db *fakeDB) executed() []string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]string(nil), db.statements...)
}

func (db *fakeDB) adapters() []domain.ConnectionOptions {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]domain.ConnectionOptions(nil), db.built...)
}

type fakeClient struct {
	db *fakeDB
}

func (c *fakeClient) Backend() domain.Backend          { return domain.BackendPostgres }
func (c *fakeClient) Connect(context.Context) error    { return nil }
func (c *fakeClient) Disconnect(context.Context) error { return nil }
func (c *fakeClient) Ping(context.Context) error {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	return c.db.pingErr
}

func (c *fakeClient) Query(_ context.Context, statement string, _ ...any) (*dbclient.Result, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	c.db.statements = append(c.db.statements, statement)
	if strings.Contains(statement, "ghost_rows") {
		return nil, errors.New(`pq: relation "ghost_rows" does not exist`)
	}
	if strings.HasPrefix(statement, "SELECT") {
		return &dbclient.Result{
			Fields:   []dbclient.Field{{Name: "id"}},
			Rows:     []map[string]any{{"id": int64(1)}, {"id": int64(2)}},
			RowCount: 2,
		}, nil
	}
	return &dbclient.Result{AffectedRows: 3, IsWrite: true}, nil
}

func (c *fakeClient) ListTables(context.Context) ([]string, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	var out []string
	for name := range c.db.tables {
		out = append(out, name)
	}
	return out, nil
}

func (c *fakeClient) ListColumns(_ context.Context, table string) ([]dbclient.Column, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	var out []dbclient.Column
	for i, name := range c.db.tables[table] {
		out = append(out, dbclient.Column{ColumnName: name, DataType: "text", IsPrimary: i == 0})
	}
	return out, nil
}

func (c *fakeClient) ListIndexes(_ context.Context, table string) ([]dbclient.Index, error) {
	return []dbclient.Index{{IndexName: table + "_pkey"}}, nil
}

func (c *fakeClient) ListForeignKeys(context.Context, string) ([]dbclient.ForeignKey, error) {
	return nil, nil
}

func (c *fakeClient) ExecuteTransaction(_ context.Context, statements []string) error {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	c.db.transactions = append(c.db.transactions, statements)
	return nil
}

func (c *fakeClient) Explain(context.Context, string) (*dbclient.Plan, error) {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	if c.db.plan == nil {
		return nil, errors.New("explain not supported")
	}
	return c.db.plan, nil
}

// ─────────────────────────────────────────────────────────────
// Harness
// ─────────────────────────────────────────────────────────────

const (
	alice = "alice"
	bob   = "bob"
)

type harness struct {
	db          *fakeDB
	store       *storage.ConnectionStore
	pools       *pool.Manager
	emitter     *service.MockEmitter
	connections *service.ConnectionService
	queries     *service.QueryBuilderService
	saved       *service.SavedQueryService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	sqlite, err := storage.New(filepath.Join(t.TempDir(), "qb.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	h := &harness{db: newFakeDB(), emitter: &service.MockEmitter{}}
	h.pools, err = pool.NewManager(h.db.build, pool.Options{AcquireTimeout: 2 * time.Second, SkipWarmUp: true})
	require.NoError(t, err)
	t.Cleanup(func() { h.pools.Close() })

	h.store = storage.NewConnectionStore(sqlite)
	savedStore := storage.NewSavedQueryStore(sqlite)
	h.connections = service.NewConnectionService(h.store, secret.NewSealer(secret.NewMemoryStore()), h.pools, h.emitter)
	h.queries = service.NewQueryBuilderService(h.connections, savedStore, h.pools, h.emitter, service.QueryServiceOptions{})
	h.saved = service.NewSavedQueryService(savedStore, h.connections, h.emitter)
	return h
}

func (h *harness) connection(t *testing.T, owner string) *domain.ConnectionConfig {
	t.Helper()
	cfg, err := h.connections.Create(context.Background(), owner, service.ConnectionInput{
		Name:    "shop-" + owner,
		Backend: "postgresql",
		Options: domain.ConnectionOptions{Host: "db", Port: 5432, Username: "app", Password: "s3cr3t!", Database: "shop"},
	})
	require.NoError(t, err)
	return cfg
}

func (h *harness) stages() []service.Stage {
	var out []service.Stage
	for _, data := range h.emitter.Named(service.EventQueryLifecycle) {
		out = append(out, data.(service.LifecycleEvent).Stage)
	}
	return out
}

const simpleFilter = `{"table":"users","operation":"SELECT","fields":["id","name"],
	"where":{"status":"active","age":{">":18}},"limit":10}`

// ─────────────────────────────────────────────────────────────
// Connections
// ─────────────────────────────────────────────────────────────

func TestConnectionService_CRUD(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cfg := h.connection(t, alice)
	assert.Equal(t, domain.BackendPostgres, cfg.Backend)
	assert.Equal(t, "********", cfg.Options.Password)
	assert.True(t, cfg.Active)

	got, err := h.connections.Get(ctx, alice, cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, cfg.Name, got.Name)
	assert.Equal(t, "********", got.Options.Password)

	_, err = h.connections.Get(ctx, bob, cfg.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	list, err := h.connections.List(ctx, alice)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "********", list[0].Options.Password)

	renamed := "shop-primary"
	updated, err := h.connections.Update(ctx, alice, cfg.ID, service.ConnectionPatch{Name: &renamed})
	require.NoError(t, err)
	assert.Equal(t, renamed, updated.Name)

	stored, err := h.store.GetConnection(cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t!", stored.Options.Password)

	require.NoError(t, h.connections.Delete(ctx, alice, cfg.ID))
	_, err = h.connections.Get(ctx, alice, cfg.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	actions := changeActions(h.emitter.Named(service.EventConnectionChanged))
	assert.Equal(t, []string{"created", "updated", "deleted"}, actions)
}

func changeActions(events []any) []string {
	var out []string
	for _, e := range events {
		out = append(out, e.(service.ChangeEvent).Action)
	}
	return out
}

func TestConnectionService_RejectsBadConfiguration(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.connections.Create(ctx, alice, service.ConnectionInput{Name: "x", Backend: "oracle"})
	assert.ErrorIs(t, err, domain.ErrUnsupportedBackend)

	_, err = h.connections.Create(ctx, alice, service.ConnectionInput{
		Name: "x", Backend: "mysql",
		Options: domain.ConnectionOptions{Host: "db", Port: 70000, Pool: domain.PoolOptions{Max: 500}},
	})
	require.ErrorIs(t, err, domain.ErrConfiguration)
	assert.Contains(t, err.Error(), "port 70000")
	assert.Contains(t, err.Error(), "pool.max 500")

	h.connection(t, alice)
	_, err = h.connections.Create(ctx, alice, service.ConnectionInput{
		Name: "shop-alice", Backend: "postgres", Options: domain.ConnectionOptions{Host: "other"},
	})
	assert.ErrorIs(t, err, domain.ErrDuplicateName)
}

func TestConnectionService_EncryptionRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cfg := h.connection(t, alice)

	enc, err := h.connections.Encrypt(ctx, alice, cfg.ID)
	require.NoError(t, err)
	assert.True(t, enc.Encrypted)

	stored, err := h.store.GetConnection(cfg.ID)
	require.NoError(t, err)
	assert.True(t, secret.IsSealed(stored.Options.Password))
	assert.NotContains(t, stored.Options.Password, "s3cr3t!")
	assert.NotEmpty(t, stored.KeyRef)

	_, err = h.connections.Encrypt(ctx, alice, cfg.ID)
	assert.ErrorIs(t, err, domain.ErrEncryption)

	dec, err := h.connections.Decrypt(ctx, alice, cfg.ID)
	require.NoError(t, err)
	assert.False(t, dec.Encrypted)

	stored, err = h.store.GetConnection(cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t!", stored.Options.Password)
	assert.Empty(t, stored.KeyRef)

	_, err = h.connections.Decrypt(ctx, alice, cfg.ID)
	assert.ErrorIs(t, err, domain.ErrEncryption)
}

func TestConnectionService_UpdateKeepsEncryptedPassword(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cfg := h.connection(t, alice)
	_, err := h.connections.Encrypt(ctx, alice, cfg.ID)
	require.NoError(t, err)
	before, err := h.store.GetConnection(cfg.ID)
	require.NoError(t, err)

	opts := before.Options
	opts.Password = "********"
	opts.Database = "shop_v2"
	_, err = h.connections.Update(ctx, alice, cfg.ID, service.ConnectionPatch{Options: &opts})
	require.NoError(t, err)
	after, err := h.store.GetConnection(cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Options.Password, after.Options.Password)
	assert.Equal(t, before.KeyRef, after.KeyRef)

	opts.Password = "n3w-pass"
	_, err = h.connections.Update(ctx, alice, cfg.ID, service.ConnectionPatch{Options: &opts})
	require.NoError(t, err)
	after, err = h.store.GetConnection(cfg.ID)
	require.NoError(t, err)
	assert.True(t, secret.IsSealed(after.Options.Password))
	assert.NotEqual(t, before.KeyRef, after.KeyRef)

	dec, err := h.connections.Decrypt(ctx, alice, cfg.ID)
	require.NoError(t, err)
	assert.False(t, dec.Encrypted)
	after, err = h.store.GetConnection(cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, "n3w-pass", after.Options.Password)
}

func TestConnectionService_UpdateRebuildsPool(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cfg := h.connection(t, alice)

	req := service.QueryRequest{ConnectionID: cfg.ID, Text: "SELECT id FROM users", SkipSchema: true}
	_, err := h.queries.ExecuteQuery(ctx, alice, req)
	require.NoError(t, err)
	require.Len(t, h.db.adapters(), 1)

	full, err := h.store.GetConnection(cfg.ID)
	require.NoError(t, err)
	opts := full.Options
	opts.Port = 6432
	_, err = h.connections.Update(ctx, alice, cfg.ID, service.ConnectionPatch{Options: &opts})
	require.NoError(t, err)

	_, err = h.queries.ExecuteQuery(ctx, alice, req)
	require.NoError(t, err)
	built := h.db.adapters()
	require.Len(t, built, 2)
	assert.Equal(t, 6432, built[1].Port)

	tags := []string{"reporting"}
	_, err = h.connections.Update(ctx, alice, cfg.ID, service.ConnectionPatch{Tags: &tags})
	require.NoError(t, err)
	_, err = h.queries.ExecuteQuery(ctx, alice, req)
	require.NoError(t, err)
	assert.Len(t, h.db.adapters(), 2)
}

func TestConnectionService_ChangesDoNotWaitForCheckedOutAdapters(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cfg := h.connection(t, alice)
	full, err := h.store.GetConnection(cfg.ID)
	require.NoError(t, err)

	lease, err := h.pools.Acquire(ctx, full)
	require.NoError(t, err)

	opts := full.Options
	opts.Port = 6432
	updated := make(chan error, 1)
	go func() {
		_, err := h.connections.Update(ctx, alice, cfg.ID, service.ConnectionPatch{Options: &opts})
		updated <- err
	}()
	select {
	case err := <-updated:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Update blocked on a checked-out adapter")
	}

	drained := h.pools.Invalidate(cfg.ID)
	select {
	case <-drained:
		t.Fatal("pool drained while an adapter was still checked out")
	default:
	}
	lease.Release()
	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not drain after release")
	}

	full, err = h.store.GetConnection(cfg.ID)
	require.NoError(t, err)
	lease, err = h.pools.Acquire(ctx, full)
	require.NoError(t, err)
	assert.Equal(t, 6432, h.db.adapters()[1].Port)

	deleted := make(chan error, 1)
	go func() { deleted <- h.connections.Delete(ctx, alice, cfg.ID) }()
	select {
	case err := <-deleted:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Delete blocked on a checked-out adapter")
	}
	lease.Release()
	<-h.pools.Invalidate(cfg.ID)
	_, ok := h.pools.Stats(cfg.ID)
	assert.False(t, ok)
}

func TestConnectionService_Test(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cfg := h.connection(t, alice)

	res, err := h.connections.Test(ctx, alice, cfg.ID)
	require.NoError(t, err)
	assert.True(t, res.OK)
	stored, err := h.store.GetConnection(cfg.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastTestedAt)
	assert.True(t, stored.LastTestOK)

	<-h.pools.Invalidate(cfg.ID)
	h.db.mu.Lock()
	h.db.pingErr = errors.New("dial tcp db:5432: connection refused")
	h.db.mu.Unlock()

	res, err = h.connections.Test(ctx, alice, cfg.ID)
	require.ErrorIs(t, err, domain.ErrConnection)
	require.NotNil(t, res)
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "connection refused")

	stored, err = h.store.GetConnection(cfg.ID)
	require.NoError(t, err)
	assert.False(t, stored.LastTestOK)
	assert.Contains(t, stored.LastTestError, "connection refused")
	assert.Len(t, h.emitter.Named(service.EventConnectionTested), 2)
}

func TestConnectionService_Describe(t *testing.T) {
	h := newHarness(t)
	cfg := h.connection(t, alice)

	desc, err := h.connections.Describe(context.Background(), alice, cfg.ID, true)
	require.NoError(t, err)
	assert.Equal(t, "public", desc.Schema)
	require.Len(t, desc.Tables, 2)
	assert.Equal(t, "orders", desc.Tables[0].Name)
	assert.Equal(t, "users", desc.Tables[1].Name)
	assert.Len(t, desc.Tables[1].Columns, 4)
	assert.Equal(t, "users_pkey", desc.Tables[1].Indexes[0].IndexName)

	snap := desc.Snapshot()
	assert.True(t, snap.HasTable("public.users"))
	assert.Equal(t, []string{"id", "user_id", "total"}, snap.Columns["orders"])

	st, ok := h.pools.Stats(cfg.ID)
	require.True(t, ok)
	assert.Zero(t, st.Acquired)
}

// ─────────────────────────────────────────────────────────────
// Query pipeline
// ─────────────────────────────────────────────────────────────

func TestQueryService_ExecuteSimpleFilter(t *testing.T) {
	h := newHarness(t)
	cfg := h.connection(t, alice)

	res, err := h.queries.ExecuteQuery(context.Background(), alice, service.QueryRequest{ConnectionID: cfg.ID, Text: simpleFilter})
	require.NoError(t, err)
	assert.Equal(t, "SELECT id, name FROM users WHERE status = 'active' AND age > 18 ORDER BY id ASC LIMIT 10", res.Statement)
	assert.Equal(t, 2, res.RowCount)
	assert.Len(t, res.Rows, 2)
	assert.Nil(t, res.AffectedRows)
	assert.GreaterOrEqual(t, res.ExecutionTime, int64(0))
	assert.Equal(t, []string{res.Statement}, h.db.executed())

	assert.Equal(t, []service.Stage{
		service.StageReceived, service.StageParsed, service.StageValidated,
		service.StageOptimized, service.StageExecuting, service.StageCompleted,
	}, h.stages())
}

func TestQueryService_ExecuteMutationReportsAffectedRows(t *testing.T) {
	h := newHarness(t)
	cfg := h.connection(t, alice)

	res, err := h.queries.ExecuteQuery(context.Background(), alice, service.QueryRequest{
		ConnectionID: cfg.ID,
		Text:         `{"table":"users","operation":"DELETE"}`,
	})
	require.NoError(t, err)
	require.NotNil(t, res.AffectedRows)
	assert.Equal(t, int64(3), *res.AffectedRows)
	assert.Empty(t, res.Rows)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "WHERE")
}

func TestQueryService_RejectsInvalidBeforeExecuting(t *testing.T) {
	h := newHarness(t)
	cfg := h.connection(t, alice)

	_, err := h.queries.ExecuteQuery(context.Background(), alice, service.QueryRequest{
		ConnectionID: cfg.ID,
		Text:         `{"table":"ghosts","operation":"SELECT","fields":["wail","chain"]}`,
	})
	require.ErrorIs(t, err, domain.ErrValidation)
	var verr *query.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Errors, 3)

	assert.Empty(t, h.db.executed())
	stages := h.stages()
	assert.Equal(t, service.StageRejected, stages[len(stages)-1])
	assert.NotContains(t, stages, service.StageExecuting)
}

func TestQueryService_ParseErrors(t *testing.T) {
	h := newHarness(t)
	cfg := h.connection(t, alice)
	ctx := context.Background()

	_, err := h.queries.ExecuteQuery(ctx, alice, service.QueryRequest{ConnectionID: cfg.ID, Text: "SELEC wrong"})
	assert.ErrorIs(t, err, domain.ErrParse)

	_, err = h.queries.ExecuteQuery(ctx, alice, service.QueryRequest{ConnectionID: cfg.ID})
	assert.ErrorIs(t, err, domain.ErrParse)
	assert.Empty(t, h.db.executed())
}

func TestQueryService_ReleasesAdapterOnFailure(t *testing.T) {
	h := newHarness(t)
	cfg := h.connection(t, alice)
	ctx := context.Background()
	req := service.QueryRequest{ConnectionID: cfg.ID, Text: "SELECT id FROM users", SkipSchema: true}

	_, err := h.queries.ExecuteQuery(ctx, alice, req)
	require.NoError(t, err)
	before, ok := h.pools.Stats(cfg.ID)
	require.True(t, ok)

	req.Text = "SELECT * FROM ghost_rows"
	_, err = h.queries.ExecuteQuery(ctx, alice, req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `relation "ghost_rows" does not exist`)

	after, ok := h.pools.Stats(cfg.ID)
	require.True(t, ok)
	assert.Equal(t, before.Idle, after.Idle)
	assert.Zero(t, after.Acquired)

	stages := h.stages()
	assert.Equal(t, service.StageFailed, stages[len(stages)-1])
}

func TestQueryService_DisabledConnection(t *testing.T) {
	h := newHarness(t)
	cfg := h.connection(t, alice)
	ctx := context.Background()
	off := false
	_, err := h.connections.Update(ctx, alice, cfg.ID, service.ConnectionPatch{Active: &off})
	require.NoError(t, err)

	_, err = h.queries.ExecuteQuery(ctx, alice, service.QueryRequest{ConnectionID: cfg.ID, Text: simpleFilter})
	assert.ErrorIs(t, err, domain.ErrConfiguration)

	_, err = h.queries.ExecuteQuery(ctx, bob, service.QueryRequest{ConnectionID: cfg.ID, Text: simpleFilter})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestQueryService_BuildValidateOptimize(t *testing.T) {
	h := newHarness(t)
	cfg := h.connection(t, alice)
	ctx := context.Background()

	built, err := h.queries.BuildQuery(ctx, alice, service.QueryRequest{ConnectionID: cfg.ID, Text: simpleFilter})
	require.NoError(t, err)
	assert.Equal(t, "SELECT id, name FROM users WHERE status = 'active' AND age > 18 ORDER BY id ASC LIMIT 10", built.Statement)
	assert.Equal(t, []string{"Added ORDER BY id for stable pagination"}, built.AppliedOptimizations)

	_, err = h.queries.BuildQuery(ctx, alice, service.QueryRequest{ConnectionID: cfg.ID, Text: `{"table":"ghosts","operation":"SELECT"}`})
	assert.ErrorIs(t, err, domain.ErrValidation)

	vr, err := h.queries.ValidateQuery(ctx, alice, service.QueryRequest{ConnectionID: cfg.ID, Text: `{"table":"ghosts","operation":"SELECT"}`})
	require.NoError(t, err)
	assert.False(t, vr.IsValid)
	assert.Equal(t, []string{"Table 'ghosts' does not exist"}, vr.Errors)

	vr, err = h.queries.ValidateQuery(ctx, alice, service.QueryRequest{ConnectionID: cfg.ID, Text: `{"table":"ghosts","operation":"SELECT"}`, SkipSchema: true})
	require.NoError(t, err)
	assert.True(t, vr.IsValid)

	h.db.mu.Lock()
	h.db.plan = &dbclient.Plan{Backend: domain.BackendPostgres, Format: dbclient.PlanJSON,
		Raw: `[{"Plan":{"Node Type":"Seq Scan","Total Cost":12.5}}]`}
	h.db.mu.Unlock()
	opt, err := h.queries.OptimizeQuery(ctx, alice, service.QueryRequest{ConnectionID: cfg.ID, Text: simpleFilter})
	require.NoError(t, err)
	assert.NotContains(t, opt.OriginalQuery, "ORDER BY")
	assert.Contains(t, opt.OptimizedQuery, "ORDER BY")
	require.NotNil(t, opt.EstimatedCost)
	assert.InDelta(t, 12.5, *opt.EstimatedCost, 1e-9)
	assert.NotEmpty(t, opt.Suggestions)

	assert.Empty(t, h.db.executed())
}

func TestQueryService_ExecuteTransaction(t *testing.T) {
	h := newHarness(t)
	cfg := h.connection(t, alice)
	ctx := context.Background()

	_, err := h.queries.ExecuteTransaction(ctx, alice, cfg.ID, []service.QueryRequest{
		{Text: `{"table":"orders","operation":"INSERT","values":{"id":1,"user_id":7,"total":9.5}}`},
		{Text: `{"table":"users","operation":"UPDATE","values":{"status":"buyer"},"where":{"id":7}}`},
	})
	require.NoError(t, err)
	require.Len(t, h.db.transactions, 1)
	assert.Equal(t, []string{
		"INSERT INTO orders (id, user_id, total) VALUES (1, 7, 9.5)",
		"UPDATE users SET status = 'buyer' WHERE id = 7",
	}, h.db.transactions[0])

	_, err = h.queries.ExecuteTransaction(ctx, alice, cfg.ID, []service.QueryRequest{
		{Text: `{"table":"orders","operation":"INSERT","values":{"id":2}}`},
		{Text: `{"table":"ghosts","operation":"DELETE","where":{"id":1}}`},
	})
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Len(t, h.db.transactions, 1)
}

// ─────────────────────────────────────────────────────────────
// Saved queries
// ─────────────────────────────────────────────────────────────

func TestSavedQuery_ExecuteWithParameters(t *testing.T) {
	h := newHarness(t)
	cfg := h.connection(t, alice)
	ctx := context.Background()

	sq, err := h.saved.Create(ctx, alice, service.SavedQueryInput{
		Name:         "active users",
		Query:        "SELECT id FROM users WHERE status = :status",
		ConnectionID: cfg.ID,
		Parameters: []domain.QueryParameter{
			{Name: "status", Type: domain.ParamString, Required: true, Validation: "^[a-z]+$"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"users"}, sq.Metadata.Tables)

	res, err := h.queries.ExecuteQuery(ctx, alice, service.QueryRequest{
		ConnectionID: cfg.ID, QueryID: sq.ID, Parameters: map[string]any{"status": "active"},
	})
	require.NoError(t, err)
	assert.Equal(t, "SELECT id FROM users WHERE status = 'active'", res.Statement)

	_, err = h.queries.ExecuteQuery(ctx, alice, service.QueryRequest{ConnectionID: cfg.ID, QueryID: sq.ID})
	require.ErrorIs(t, err, domain.ErrValidation)
	assert.Contains(t, err.Error(), "parameter status is required")

	_, err = h.queries.ExecuteQuery(ctx, alice, service.QueryRequest{
		ConnectionID: cfg.ID, QueryID: sq.ID, Parameters: map[string]any{"status": "x'; DROP"},
	})
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Len(t, h.db.executed(), 1)
}

func TestSavedQuery_Ownership(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	public, err := h.saved.Create(ctx, alice, service.SavedQueryInput{
		Name: "shared", Query: `{"table":"users","operation":"SELECT"}`, Public: true,
	})
	require.NoError(t, err)
	private, err := h.saved.Create(ctx, alice, service.SavedQueryInput{
		Name: "mine", Query: `{"table":"orders","operation":"SELECT"}`,
	})
	require.NoError(t, err)

	got, err := h.saved.Get(ctx, bob, public.ID)
	require.NoError(t, err)
	assert.Equal(t, "shared", got.Name)
	_, err = h.saved.Get(ctx, bob, private.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	list, err := h.saved.List(ctx, bob)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, public.ID, list[0].ID)

	name := "hijacked"
	_, err = h.saved.Update(ctx, bob, public.ID, service.SavedQueryPatch{Name: &name})
	assert.ErrorIs(t, err, domain.ErrForbidden)
	assert.ErrorIs(t, h.saved.Remove(ctx, bob, public.ID), domain.ErrForbidden)
	assert.ErrorIs(t, h.saved.Remove(ctx, bob, private.ID), domain.ErrNotFound)
	_, err = h.saved.AddParameter(ctx, bob, public.ID, domain.QueryParameter{Name: "x", Type: domain.ParamString})
	assert.ErrorIs(t, err, domain.ErrForbidden)

	text := `{"table":"orders","operation":"SELECT","fields":["total"],"orderBy":[{"field":"total"}]}`
	updated, err := h.saved.Update(ctx, alice, private.ID, service.SavedQueryPatch{Query: &text})
	require.NoError(t, err)
	assert.Equal(t, []string{"orders"}, updated.Metadata.Tables)
	assert.NotEmpty(t, updated.Metadata.Sorting)

	require.NoError(t, h.saved.Remove(ctx, alice, private.ID))
	_, err = h.saved.Get(ctx, alice, private.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSavedQuery_Parameters(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sq, err := h.saved.Create(ctx, alice, service.SavedQueryInput{
		Name: "by age", Query: `{"table":"users","operation":"SELECT","where":{"age":{">":":min"}}}`,
	})
	require.NoError(t, err)

	p, err := h.saved.AddParameter(ctx, alice, sq.ID, domain.QueryParameter{Name: "min", Type: domain.ParamNumber, DefaultValue: 18.0})
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, sq.ID, p.QueryID)

	_, err = h.saved.AddParameter(ctx, alice, sq.ID, domain.QueryParameter{Name: "min", Type: domain.ParamNumber})
	assert.ErrorIs(t, err, domain.ErrDuplicateName)
	_, err = h.saved.AddParameter(ctx, alice, sq.ID, domain.QueryParameter{Name: "bad", Type: "uuid"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	p.Required = true
	p.Description = "minimum age"
	_, err = h.saved.UpdateParameter(ctx, alice, sq.ID, *p)
	require.NoError(t, err)

	got, err := h.saved.Get(ctx, alice, sq.ID)
	require.NoError(t, err)
	require.Len(t, got.Parameters, 1)
	assert.True(t, got.Parameters[0].Required)
	assert.Equal(t, "minimum age", got.Parameters[0].Description)

	_, err = h.saved.UpdateParameter(ctx, alice, sq.ID, domain.QueryParameter{ID: "nope", Name: "x", Type: domain.ParamString})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, h.saved.RemoveParameter(ctx, alice, sq.ID, p.ID))
	assert.ErrorIs(t, h.saved.RemoveParameter(ctx, alice, sq.ID, p.ID), domain.ErrNotFound)
}

func TestSavedQuery_RejectsIncompleteInput(t *testing.T) {
	h := newHarness(t)
	_, err := h.saved.Create(context.Background(), alice, service.SavedQueryInput{Name: " "})
	require.ErrorIs(t, err, domain.ErrValidation)
	assert.Contains(t, err.Error(), "name is required")
	assert.Contains(t, err.Error(), "query is required")

	_, err = h.saved.Create(context.Background(), alice, service.SavedQueryInput{
		Name: "dup", Query: "SELECT 1",
		Parameters: []domain.QueryParameter{
			{Name: "a", Type: domain.ParamString},
			{Name: "a", Type: domain.ParamNumber},
		},
	})
	assert.ErrorIs(t, err, domain.ErrDuplicateName)
}

// ─────────────────────────────────────────────────────────────
// TestTracker and MockEmitter
// ─────────────────────────────────────────────────────────────

func TestTestTracker_OneTestPerConnection(t *testing.T) {
	var tr service.TestTracker
	first := &domain.ConnectionConfig{ID: "conn-1", Name: "shop", Backend: domain.BackendPostgres}

	run, ok := tr.Begin(first)
	require.True(t, ok)
	assert.Equal(t, "shop", run.Name)

	again, ok := tr.Begin(first)
	assert.False(t, ok)
	assert.Equal(t, run.StartedAt, again.StartedAt)

	_, ok = tr.Begin(&domain.ConnectionConfig{ID: "conn-2", Backend: domain.BackendMySQL})
	require.True(t, ok)

	inFlight := tr.InFlight()
	require.Len(t, inFlight, 2)
	assert.Equal(t, "conn-1", inFlight[0].ConnectionID)

	tr.End("conn-1")
	tr.End("conn-1")
	tr.End("conn-2")
	assert.Empty(t, tr.InFlight())

	_, ok = tr.Begin(first)
	require.True(t, ok)
	tr.End("conn-1")
}

func TestTestTracker_Wait(t *testing.T) {
	var tr service.TestTracker
	_, ok := tr.Begin(&domain.ConnectionConfig{ID: "conn-a"})
	require.True(t, ok)

	done := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		tr.Wait(ctx)
		close(done)
	}()
	go func() {
		time.Sleep(20 * time.Millisecond)
		tr.End("conn-a")
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait timed out")
	}
	assert.Empty(t, tr.InFlight())
}

func TestMockEmitter_RecordsEvents(t *testing.T) {
	m := &service.MockEmitter{}
	ctx := context.Background()

	m.Emit(ctx, service.EventSavedQueryChanged, service.ChangeEvent{ID: "q1", Action: "created"})
	m.Emit(ctx, service.EventQueryLifecycle, nil)

	require.Len(t, m.Events, 2)
	assert.Equal(t, service.EventSavedQueryChanged, m.Events[0].Event)
	assert.Len(t, m.Named(service.EventQueryLifecycle), 1)
}
