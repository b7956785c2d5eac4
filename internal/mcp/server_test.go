package mcpserver

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"querybuilder/internal/domain"
	"querybuilder/internal/pool"
	"querybuilder/internal/query"
	"querybuilder/internal/secret"
	"querybuilder/internal/service"
	"querybuilder/internal/storage"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const owner = "alice"

// newTestServer wires the real services against a temp metadata store and
// returns the server plus the path of a seeded sqlite database to query.
func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	dir := t.TempDir()

	meta, err := storage.New(filepath.Join(dir, "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	shop := filepath.Join(dir, "shop.db")
	seed, err := sql.Open("sqlite", shop)
	require.NoError(t, err)
	for _, stmt := range []string{
		`CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT NOT NULL, status TEXT, age INTEGER)`,
		`INSERT INTO users (id, name, status, age) VALUES (1, 'ada', 'active', 36), (2, 'bob', 'active', 17), (3, 'cy', 'banned', 40)`,
	} {
		_, err := seed.Exec(stmt)
		require.NoError(t, err)
	}
	require.NoError(t, seed.Close())

	sealer := secret.NewSealer(secret.NewMemoryStore())
	pools, err := pool.NewManager(service.NewClientFactory(sealer, nil), pool.Options{
		AcquireTimeout: 5 * time.Second,
		SkipWarmUp:     true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { pools.Close() })

	savedStore := storage.NewSavedQueryStore(meta)
	connections := service.NewConnectionService(storage.NewConnectionStore(meta), sealer, pools, nil)
	s := New(Deps{
		OwnerID:     owner,
		Connections: connections,
		Queries:     service.NewQueryBuilderService(connections, savedStore, pools, nil, service.QueryServiceOptions{}),
		Saved:       service.NewSavedQueryService(savedStore, connections, nil),
		Pools:       pools,
	})
	return s, shop
}

func call(t *testing.T, handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]any) *mcp.CallToolResult {
	t.Helper()
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	res, err := handler(context.Background(), req)
	require.NoError(t, err)
	require.NotEmpty(t, res.Content)
	return res
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content, got %T", res.Content[0])
	return tc.Text
}

func decode[T any](t *testing.T, res *mcp.CallToolResult) T {
	t.Helper()
	require.False(t, res.IsError, "unexpected tool error: %s", text(t, res))
	var out T
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &out))
	return out
}

func decodeError(t *testing.T, res *mcp.CallToolResult) toolError {
	t.Helper()
	require.True(t, res.IsError, "expected a tool error, got: %s", text(t, res))
	var out toolError
	require.NoError(t, json.Unmarshal([]byte(text(t, res)), &out))
	return out
}

func createShop(t *testing.T, s *Server, path string) domain.ConnectionConfig {
	t.Helper()
	res := call(t, s.handleCreateConnection, map[string]any{
		"name":    "shop",
		"backend": "sqlite",
		"options": map[string]any{"database": path},
	})
	return decode[domain.ConnectionConfig](t, res)
}

// ─────────────────────────────────────────────────────────────
// Query pipeline
// ─────────────────────────────────────────────────────────────

func TestExecuteQuery_StructuredInput(t *testing.T) {
	s, path := newTestServer(t)
	conn := createShop(t, s, path)

	res := call(t, s.handleExecuteQuery, map[string]any{
		"connectionId": conn.ID,
		"query":        `{"table":"users","operation":"SELECT","fields":["id","name"],"where":{"status":"active","age":{">":18}},"limit":10}`,
	})
	out := decode[service.ExecutionResult](t, res)
	assert.Equal(t, 1, out.RowCount)
	require.Len(t, out.Rows, 1)
	assert.Equal(t, "ada", out.Rows[0]["name"])
	assert.Contains(t, out.Statement, "FROM users")
}

func TestExecuteQuery_RejectsUnknownColumns(t *testing.T) {
	s, path := newTestServer(t)
	conn := createShop(t, s, path)

	res := call(t, s.handleExecuteQuery, map[string]any{
		"connectionId": conn.ID,
		"query":        `{"table":"users","operation":"SELECT","fields":["id","nickname"]}`,
	})
	body := decodeError(t, res)
	assert.Equal(t, "validation", body.Kind)
	require.NotEmpty(t, body.Errors)
	assert.Contains(t, body.Errors[0], "nickname")
}

func TestExecuteQuery_RejectsExpressionNames(t *testing.T) {
	s, path := newTestServer(t)
	conn := createShop(t, s, path)

	for _, q := range []string{
		`{"table":"users","operation":"DELETE","where":{"id = 0 OR 1":1}}`,
		`{"table":"users; DELETE FROM users --","operation":"SELECT"}`,
	} {
		res := call(t, s.handleExecuteQuery, map[string]any{"connectionId": conn.ID, "query": q})
		assert.Equal(t, "validation", decodeError(t, res).Kind, q)
	}

	count := call(t, s.handleExecuteQuery, map[string]any{
		"connectionId": conn.ID,
		"query":        "SELECT id FROM users",
	})
	assert.Equal(t, 3, decode[service.ExecutionResult](t, count).RowCount)
}

func TestBuildQuery_ReturnsStatementOnly(t *testing.T) {
	s, path := newTestServer(t)
	conn := createShop(t, s, path)

	res := call(t, s.handleBuildQuery, map[string]any{
		"connectionId": conn.ID,
		"query":        `{"table":"users","operation":"DELETE","where":{"id":3}}`,
	})
	out := decode[service.BuildResult](t, res)
	assert.Contains(t, out.Statement, "DELETE FROM users")

	// nothing ran: all three users remain
	count := call(t, s.handleExecuteQuery, map[string]any{
		"connectionId": conn.ID,
		"query":        "SELECT id FROM users",
	})
	assert.Equal(t, 3, decode[service.ExecutionResult](t, count).RowCount)
}

func TestValidateQuery_ReportsWithoutFailing(t *testing.T) {
	s, path := newTestServer(t)
	conn := createShop(t, s, path)

	res := call(t, s.handleValidateQuery, map[string]any{
		"connectionId": conn.ID,
		"query":        `{"table":"ghosts","operation":"SELECT"}`,
	})
	out := decode[query.ValidationResult](t, res)
	assert.False(t, out.IsValid)
	assert.NotEmpty(t, out.Errors)
}

func TestExecuteTransaction_AppliesAllStatements(t *testing.T) {
	s, path := newTestServer(t)
	conn := createShop(t, s, path)

	res := call(t, s.handleExecuteTransaction, map[string]any{
		"connectionId": conn.ID,
		"statements": []any{
			`{"table":"users","operation":"INSERT","values":{"id":4,"name":"dee","status":"active","age":22}}`,
			`{"table":"users","operation":"UPDATE","values":{"status":"vip"},"where":{"id":1}}`,
		},
	})
	require.False(t, res.IsError, text(t, res))

	check := call(t, s.handleExecuteQuery, map[string]any{
		"connectionId": conn.ID,
		"query":        `{"table":"users","operation":"SELECT","fields":["id"],"where":{"status":"vip"}}`,
	})
	assert.Equal(t, 1, decode[service.ExecutionResult](t, check).RowCount)
}

func TestExecuteQuery_UnknownConnection(t *testing.T) {
	s, _ := newTestServer(t)

	res := call(t, s.handleExecuteQuery, map[string]any{
		"connectionId": "missing",
		"query":        "SELECT 1",
	})
	assert.Equal(t, "not_found", decodeError(t, res).Kind)
}

// ─────────────────────────────────────────────────────────────
// Connections
// ─────────────────────────────────────────────────────────────

func TestConnectionTools(t *testing.T) {
	s, path := newTestServer(t)
	conn := createShop(t, s, path)
	assert.Equal(t, domain.BackendSQLite, conn.Backend)

	list := decode[[]domain.ConnectionConfig](t, call(t, s.handleListConnections, nil))
	require.Len(t, list, 1)
	assert.Equal(t, conn.ID, list[0].ID)

	tested := decode[service.TestResult](t, call(t, s.handleTestConnection, map[string]any{"connectionId": conn.ID}))
	assert.True(t, tested.OK)

	desc := decode[service.SchemaDescription](t, call(t, s.handleDescribeSchema, map[string]any{
		"connectionId": conn.ID,
		"includeKeys":  true,
	}))
	require.Len(t, desc.Tables, 1)
	assert.Equal(t, "users", desc.Tables[0].Name)
	assert.Len(t, desc.Tables[0].Columns, 4)

	stats := call(t, s.handlePoolStats, map[string]any{"connectionId": conn.ID})
	assert.False(t, stats.IsError)

	dup := call(t, s.handleCreateConnection, map[string]any{
		"name":    "shop",
		"backend": "sqlite",
		"options": map[string]any{"database": path},
	})
	assert.Equal(t, "duplicate_name", decodeError(t, dup).Kind)

	bad := call(t, s.handleCreateConnection, map[string]any{
		"name":    "legacy",
		"backend": "oracle",
		"options": map[string]any{"host": "db"},
	})
	assert.Equal(t, "unsupported_backend", decodeError(t, bad).Kind)

	del := call(t, s.handleDeleteConnection, map[string]any{"connectionId": conn.ID})
	require.False(t, del.IsError)
	gone := call(t, s.handleGetConnection, map[string]any{"connectionId": conn.ID})
	assert.Equal(t, "not_found", decodeError(t, gone).Kind)
}

func TestConnectionTools_RequireID(t *testing.T) {
	s, _ := newTestServer(t)
	res := call(t, s.handleGetConnection, map[string]any{})
	assert.Equal(t, "validation", decodeError(t, res).Kind)
}

// ─────────────────────────────────────────────────────────────
// Saved queries
// ─────────────────────────────────────────────────────────────

func TestSavedQueryTools(t *testing.T) {
	s, path := newTestServer(t)
	conn := createShop(t, s, path)

	saved := decode[domain.SavedQuery](t, call(t, s.handleSaveQuery, map[string]any{
		"name":         "adults",
		"query":        "SELECT id, name FROM users WHERE age > :minAge",
		"connectionId": conn.ID,
		"parameters": []any{
			map[string]any{"name": "minAge", "type": "number", "required": true},
		},
	}))
	require.Len(t, saved.Parameters, 1)

	run := call(t, s.handleExecuteQuery, map[string]any{
		"connectionId": conn.ID,
		"queryId":      saved.ID,
		"parameters":   map[string]any{"minAge": 30},
	})
	assert.Equal(t, 2, decode[service.ExecutionResult](t, run).RowCount)

	missing := call(t, s.handleExecuteQuery, map[string]any{
		"connectionId": conn.ID,
		"queryId":      saved.ID,
	})
	assert.True(t, missing.IsError)

	added := decode[domain.QueryParameter](t, call(t, s.handleAddParameter, map[string]any{
		"queryId":   saved.ID,
		"parameter": map[string]any{"name": "status", "type": "string", "defaultValue": "active"},
	}))
	assert.NotEmpty(t, added.ID)

	removed := call(t, s.handleRemoveParameter, map[string]any{
		"queryId":     saved.ID,
		"parameterId": added.ID,
	})
	require.False(t, removed.IsError, text(t, removed))

	list := decode[[]domain.SavedQuery](t, call(t, s.handleListSavedQueries, nil))
	require.Len(t, list, 1)

	del := call(t, s.handleDeleteSavedQuery, map[string]any{"queryId": saved.ID})
	require.False(t, del.IsError)
	gone := call(t, s.handleGetSavedQuery, map[string]any{"queryId": saved.ID})
	assert.Equal(t, "not_found", decodeError(t, gone).Kind)
}

// ─────────────────────────────────────────────────────────────
// Resources and prompts
// ─────────────────────────────────────────────────────────────

func TestSchemaResource(t *testing.T) {
	s, path := newTestServer(t)
	conn := createShop(t, s, path)

	var req mcp.ReadResourceRequest
	req.Params.URI = fmt.Sprintf("querybuilder://connections/%s/schema", conn.ID)
	contents, err := s.handleSchemaResource(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, contents, 1)
	body := contents[0].(mcp.TextResourceContents)
	assert.Contains(t, body.Text, `"users"`)

	req.Params.URI = "querybuilder://connections//schema"
	_, err = s.handleSchemaResource(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSchemaConnectionID(t *testing.T) {
	tests := []struct {
		uri  string
		id   string
		want bool
	}{
		{"querybuilder://connections/abc/schema", "abc", true},
		{"querybuilder://connections/abc/def/schema", "", false},
		{"querybuilder://connections/abc", "", false},
		{"querybuilder://saved-queries", "", false},
	}
	for _, tt := range tests {
		id, ok := schemaConnectionID(tt.uri)
		assert.Equal(t, tt.want, ok, tt.uri)
		assert.Equal(t, tt.id, id, tt.uri)
	}
}

func TestBuildQueryPrompt(t *testing.T) {
	s, _ := newTestServer(t)
	var req mcp.GetPromptRequest
	req.Params.Arguments = map[string]string{"connectionId": "c1", "question": "who signed up today?"}
	res, err := s.handleBuildQueryPrompt(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
	msg := res.Messages[0].Content.(mcp.TextContent)
	assert.Contains(t, msg.Text, "querybuilder://connections/c1/schema")
	assert.Contains(t, msg.Text, "who signed up today?")
}

// ─────────────────────────────────────────────────────────────
// Error mapping
// ─────────────────────────────────────────────────────────────

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("%w: oracle", domain.ErrUnsupportedBackend), "unsupported_backend"},
		{fmt.Errorf("%w: shop", domain.ErrDuplicateName), "duplicate_name"},
		{&query.ValidationError{Errors: []string{"x"}}, "validation"},
		{fmt.Errorf("wrap: %w", domain.ErrConnection), "connection"},
		{errors.New("boom"), "execution"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, errorKind(tt.err), tt.err.Error())
	}
}

func TestNotifier_DropsUntilAttached(t *testing.T) {
	n := &Notifier{}
	assert.NotPanics(t, func() { n.Emit(context.Background(), service.EventConnectionChanged, nil) })

	New(Deps{OwnerID: owner, Notifier: n})
	assert.NotNil(t, n.srv)
	assert.NotPanics(t, func() { n.Emit(context.Background(), service.EventConnectionChanged, map[string]string{"id": "x"}) })
}
