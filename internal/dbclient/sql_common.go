package dbclient

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"querybuilder/internal/domain"
)

const defaultConnectTimeout = 10 * time.Second

// sqlDialect supplies the engine-specific parts of the shared SQL adapter.
type sqlDialect interface {
	backend() domain.Backend
	tablesQuery() (string, []any)
	columnsQuery(table string) (string, []any)
	indexesQuery(table string) (string, []any)
	foreignKeysQuery(table string) (string, []any)
	explain(ctx context.Context, db *sql.DB, statement string) (*Plan, error)
}

// opener creates the database/sql handle for one adapter.
type opener func() (*sql.DB, error)

// sqlClient is the shared adapter for postgres, mysql, sqlite and mssql.
type sqlClient struct {
	dialect sqlDialect
	open    opener
	opts    domain.ConnectionOptions
	logger  *slog.Logger

	mu sync.Mutex
	db *sql.DB
}

func newSQLClient(d sqlDialect, open opener, opts domain.ConnectionOptions, logger *slog.Logger) *sqlClient {
	return &sqlClient{dialect: d, open: open, opts: opts, logger: logger}
}

// newSQLClientWithDB wraps an already open handle.
func newSQLClientWithDB(d sqlDialect, db *sql.DB, opts domain.ConnectionOptions, logger *slog.Logger) *sqlClient {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &sqlClient{dialect: d, db: db, opts: opts, logger: logger}
}

func (c *sqlClient) Backend() domain.Backend { return c.dialect.backend() }

func (c *sqlClient) connectTimeout() time.Duration {
	if d := c.opts.ConnectTimeout(); d > 0 {
		return d
	}
	return defaultConnectTimeout
}

func (c *sqlClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	opened := false
	if c.db == nil {
		db, err := c.open()
		if err != nil {
			return fmt.Errorf("%w: open %s: %w", domain.ErrConnection, c.Backend(), err)
		}
		// One adapter owns one physical connection; pooling lives in internal/pool.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		c.db = db
		opened = true
	}

	ctx, cancel := context.WithTimeout(ctx, c.connectTimeout())
	defer cancel()
	if err := c.db.PingContext(ctx); err != nil {
		if opened {
			_ = c.db.Close()
			c.db = nil
		}
		return fmt.Errorf("%w: %w", domain.ErrConnection, err)
	}
	c.logger.Debug("connected")
	return nil
}

func (c *sqlClient) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	c.logger.Debug("disconnected")
	return err
}

func (c *sqlClient) Ping(ctx context.Context) error {
	db, err := c.handle()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.connectTimeout())
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrConnection, err)
	}
	return nil
}

func (c *sqlClient) handle() (*sql.DB, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return nil, fmt.Errorf("%w: %s adapter is not connected", domain.ErrConnection, c.Backend())
	}
	return c.db, nil
}

// isReadQuery detects if a statement returns rows (SELECT, WITH, SHOW, DESCRIBE, EXPLAIN, PRAGMA).
func isReadQuery(query string) bool {
	q := strings.ToUpper(strings.TrimLeft(query, " \t\r\n("))
	for _, prefix := range []string{"SELECT", "WITH", "SHOW", "DESCRIBE", "EXPLAIN", "PRAGMA"} {
		if strings.HasPrefix(q, prefix) {
			return true
		}
	}
	return false
}

func (c *sqlClient) Query(ctx context.Context, statement string, params ...any) (*Result, error) {
	db, err := c.handle()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.QueryTimeout())
	defer cancel()

	if !isReadQuery(statement) {
		res, err := db.ExecContext(ctx, statement, params...)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrExecution, err)
		}
		affected, _ := res.RowsAffected()
		return &Result{IsWrite: true, AffectedRows: affected, Rows: []map[string]any{}}, nil
	}

	rows, err := db.QueryContext(ctx, statement, params...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrExecution, err)
	}
	defer rows.Close()
	res, err := scanResult(rows)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrExecution, err)
	}
	return res, nil
}

// scanResult drains rows into the normalized result shape.
func scanResult(rows *sql.Rows) (*Result, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns: %w", err)
	}
	fields := make([]Field, len(cols))
	types, _ := rows.ColumnTypes()
	for i, name := range cols {
		fields[i].Name = name
		if i < len(types) && types[i] != nil {
			fields[i].Type = strings.ToLower(types[i].DatabaseTypeName())
		}
	}

	out := &Result{Fields: fields, Rows: []map[string]any{}}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for j := range values {
			ptrs[j] = &values[j]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make(map[string]any, len(cols))
		for j, v := range values {
			row[cols[j]] = formatValue(v)
		}
		out.Rows = append(out.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate: %w", err)
	}
	out.RowCount = len(out.Rows)
	return out, nil
}

// formatValue converts a driver value into a JSON-friendly one.
func formatValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case []byte:
		return string(val)
	case time.Time:
		return val.Format(time.RFC3339)
	default:
		return val
	}
}

func (c *sqlClient) ListTables(ctx context.Context) ([]string, error) {
	db, err := c.handle()
	if err != nil {
		return nil, err
	}
	q, args := c.dialect.tablesQuery()
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list tables: %w", domain.ErrExecution, err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("%w: list tables: %w", domain.ErrExecution, err)
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

func (c *sqlClient) ListColumns(ctx context.Context, table string) ([]Column, error) {
	db, err := c.handle()
	if err != nil {
		return nil, err
	}
	q, args := c.dialect.columnsQuery(table)
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list columns of %s: %w", domain.ErrExecution, table, err)
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var col Column
		var def sql.NullString
		if err := rows.Scan(&col.ColumnName, &col.DataType, &col.IsNullable, &def, &col.IsPrimary); err != nil {
			return nil, fmt.Errorf("%w: list columns of %s: %w", domain.ErrExecution, table, err)
		}
		if def.Valid {
			s := def.String
			col.ColumnDefault = &s
		}
		cols = append(cols, col)
	}
	return cols, rows.Err()
}

func (c *sqlClient) ListIndexes(ctx context.Context, table string) ([]Index, error) {
	db, err := c.handle()
	if err != nil {
		return nil, err
	}
	q, args := c.dialect.indexesQuery(table)
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list indexes of %s: %w", domain.ErrExecution, table, err)
	}
	defer rows.Close()

	// one row per (index, column); fold into one Index per name keeping order
	var indexes []Index
	pos := map[string]int{}
	for rows.Next() {
		var name, column string
		var unique bool
		if err := rows.Scan(&name, &column, &unique); err != nil {
			return nil, fmt.Errorf("%w: list indexes of %s: %w", domain.ErrExecution, table, err)
		}
		i, ok := pos[name]
		if !ok {
			i = len(indexes)
			pos[name] = i
			indexes = append(indexes, Index{IndexName: name, IsUnique: unique})
		}
		indexes[i].Columns = append(indexes[i].Columns, column)
	}
	return indexes, rows.Err()
}

func (c *sqlClient) ListForeignKeys(ctx context.Context, table string) ([]ForeignKey, error) {
	db, err := c.handle()
	if err != nil {
		return nil, err
	}
	q, args := c.dialect.foreignKeysQuery(table)
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list foreign keys of %s: %w", domain.ErrExecution, table, err)
	}
	defer rows.Close()

	var fks []ForeignKey
	for rows.Next() {
		var fk ForeignKey
		if err := rows.Scan(&fk.ConstraintName, &fk.ColumnName, &fk.ReferencedTableName, &fk.ReferencedColumnName); err != nil {
			return nil, fmt.Errorf("%w: list foreign keys of %s: %w", domain.ErrExecution, table, err)
		}
		fks = append(fks, fk)
	}
	return fks, rows.Err()
}

func (c *sqlClient) ExecuteTransaction(ctx context.Context, statements []string) error {
	db, err := c.handle()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.QueryTimeout())
	defer cancel()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %w", domain.ErrExecution, err)
	}
	defer tx.Rollback()

	for i, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			c.logger.Warn("transaction statement failed, rolling back", "index", i, "error", err)
			return fmt.Errorf("%w: statement %d: %w", domain.ErrExecution, i+1, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", domain.ErrExecution, err)
	}
	return nil
}

func (c *sqlClient) Explain(ctx context.Context, statement string) (*Plan, error) {
	db, err := c.handle()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.QueryTimeout())
	defer cancel()
	plan, err := c.dialect.explain(ctx, db, statement)
	if err != nil {
		return nil, fmt.Errorf("%w: explain: %w", domain.ErrExecution, err)
	}
	return plan, nil
}

// explainScalar runs an EXPLAIN variant that returns its plan as a single value.
func explainScalar(ctx context.Context, db *sql.DB, query string) (string, error) {
	var raw []byte
	if err := db.QueryRowContext(ctx, query).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("empty plan")
		}
		return "", err
	}
	return string(raw), nil
}

// splitQualified splits "schema.table"; the schema is empty when absent.
func splitQualified(name string) (schema, table string) {
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name[:i], name[i+1:]
	}
	return "", name
}
