package dbclient

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"regexp"
	"testing"

	"querybuilder/internal/domain"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ Client = (*sqlClient)(nil)
	_ Client = (*mongoClient)(nil)
)

func newMockClient(t *testing.T) (*sqlClient, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return newSQLClientWithDB(postgresDialect{}, db, domain.ConnectionOptions{}, nil), mock
}

func TestQueryRead(t *testing.T) {
	c, mock := newMockClient(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, name FROM users WHERE id = $1")).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(int64(1), []byte("ada")))

	res, err := c.Query(context.Background(), "SELECT id, name FROM users WHERE id = $1", int64(1))
	require.NoError(t, err)
	assert.False(t, res.IsWrite)
	assert.Equal(t, 1, res.RowCount)
	assert.Equal(t, []string{"id", "name"}, res.Columns())
	assert.Equal(t, "ada", res.Rows[0]["name"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryWrite(t *testing.T) {
	c, mock := newMockClient(t)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM users WHERE active = FALSE")).
		WillReturnResult(sqlmock.NewResult(0, 3))

	res, err := c.Query(context.Background(), "DELETE FROM users WHERE active = FALSE")
	require.NoError(t, err)
	assert.True(t, res.IsWrite)
	assert.EqualValues(t, 3, res.AffectedRows)
	assert.Empty(t, res.Rows)
}

func TestQueryErrorIsExecution(t *testing.T) {
	c, mock := newMockClient(t)
	mock.ExpectQuery("SELECT").WillReturnError(errors.New("relation \"nope\" does not exist"))

	_, err := c.Query(context.Background(), "SELECT * FROM nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrExecution)
}

func TestQueryNotConnected(t *testing.T) {
	c := newSQLClient(postgresDialect{}, func() (*sql.DB, error) {
		t.Fatal("opener must not run")
		return nil, nil
	}, domain.ConnectionOptions{}, discardLogger())

	_, err := c.Query(context.Background(), "SELECT 1")
	assert.ErrorIs(t, err, domain.ErrConnection)
}

func TestConnectOpenFailure(t *testing.T) {
	c := newSQLClient(postgresDialect{}, func() (*sql.DB, error) {
		return nil, errors.New("boom")
	}, domain.ConnectionOptions{}, discardLogger())

	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, domain.ErrConnection)
}

func TestExecuteTransactionRollsBack(t *testing.T) {
	c, mock := newMockClient(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO a VALUES (1)")).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO b VALUES (1)")).WillReturnError(errors.New("duplicate key"))
	mock.ExpectRollback()

	err := c.ExecuteTransaction(context.Background(), []string{"INSERT INTO a VALUES (1)", "INSERT INTO b VALUES (1)"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrExecution)
	assert.Contains(t, err.Error(), "statement 2")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteTransactionCommits(t *testing.T) {
	c, mock := newMockClient(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE a SET x = 1")).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	require.NoError(t, c.ExecuteTransaction(context.Background(), []string{"UPDATE a SET x = 1"}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListIndexesGroupsColumns(t *testing.T) {
	c, mock := newMockClient(t)
	mock.ExpectQuery("SELECT i.relname").
		WithArgs("public", "orders").
		WillReturnRows(sqlmock.NewRows([]string{"relname", "attname", "indisunique"}).
			AddRow("orders_pkey", "id", true).
			AddRow("orders_user_created", "user_id", false).
			AddRow("orders_user_created", "created_at", false))

	idx, err := c.ListIndexes(context.Background(), "orders")
	require.NoError(t, err)
	require.Len(t, idx, 2)
	assert.Equal(t, Index{IndexName: "orders_pkey", Columns: []string{"id"}, IsUnique: true}, idx[0])
	assert.Equal(t, []string{"user_id", "created_at"}, idx[1].Columns)
}

func TestListColumnsUsesQualifiedSchema(t *testing.T) {
	c, mock := newMockClient(t)
	def := "now()"
	mock.ExpectQuery("SELECT c.column_name").
		WithArgs("sales", "orders").
		WillReturnRows(sqlmock.NewRows([]string{"column_name", "data_type", "nullable", "column_default", "primary"}).
			AddRow("id", "integer", false, nil, true).
			AddRow("created_at", "timestamp", true, def, false))

	cols, err := c.ListColumns(context.Background(), "sales.orders")
	require.NoError(t, err)
	require.Len(t, cols, 2)
	assert.True(t, cols[0].IsPrimary)
	assert.Nil(t, cols[0].ColumnDefault)
	require.NotNil(t, cols[1].ColumnDefault)
	assert.Equal(t, def, *cols[1].ColumnDefault)
}

func TestExplainPostgres(t *testing.T) {
	c, mock := newMockClient(t)
	plan := `[{"Plan":{"Node Type":"Seq Scan","Total Cost":12.5}}]`
	mock.ExpectQuery(regexp.QuoteMeta("EXPLAIN (FORMAT JSON) SELECT * FROM t")).
		WillReturnRows(sqlmock.NewRows([]string{"QUERY PLAN"}).AddRow([]byte(plan)))

	p, err := c.Explain(context.Background(), "SELECT * FROM t")
	require.NoError(t, err)
	assert.Equal(t, PlanJSON, p.Format)
	assert.Equal(t, plan, p.Raw)
}

func TestIsReadQuery(t *testing.T) {
	for q, want := range map[string]bool{
		"SELECT 1":                     true,
		"  (SELECT 1) UNION (SELECT 2)": true,
		"with x as (select 1) select *": true,
		"PRAGMA table_info(t)":          true,
		"INSERT INTO t VALUES (1)":      false,
		"update t set a = 1":            false,
	} {
		assert.Equal(t, want, isReadQuery(q), q)
	}
}

func TestSplitQualified(t *testing.T) {
	s, n := splitQualified("sales.orders")
	assert.Equal(t, "sales", s)
	assert.Equal(t, "orders", n)
	s, n = splitQualified("orders")
	assert.Empty(t, s)
	assert.Equal(t, "orders", n)
}

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }
