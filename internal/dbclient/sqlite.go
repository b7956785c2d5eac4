package dbclient

import (
	"context"
	"database/sql"

	"querybuilder/internal/domain"

	_ "modernc.org/sqlite"
)

// buildSQLiteDSN opens the file in WAL mode with a busy timeout.
func buildSQLiteDSN(o domain.ConnectionOptions) string {
	path := o.Database
	if path == "" {
		path = o.Host
	}
	if path == ":memory:" {
		return path
	}
	return path + "?_journal_mode=WAL&_busy_timeout=5000"
}

func sqliteOpener(o domain.ConnectionOptions) opener {
	dsn := buildSQLiteDSN(o)
	return func() (*sql.DB, error) { return sql.Open("sqlite", dsn) }
}

type sqliteDialect struct{}

func (sqliteDialect) backend() domain.Backend { return domain.BackendSQLite }

func (sqliteDialect) tablesQuery() (string, []any) {
	return `SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' ORDER BY name`, nil
}

func (sqliteDialect) columnsQuery(table string) (string, []any) {
	_, name := splitQualified(table)
	return `SELECT name, type, "notnull" = 0, dflt_value, pk > 0
		FROM pragma_table_info(?) ORDER BY cid`, []any{name}
}

func (sqliteDialect) indexesQuery(table string) (string, []any) {
	_, name := splitQualified(table)
	return `SELECT il.name, ii.name, il."unique"
		FROM pragma_index_list(?) il
		JOIN pragma_index_info(il.name) ii
		ORDER BY il.name, ii.seqno`, []any{name}
}

func (sqliteDialect) foreignKeysQuery(table string) (string, []any) {
	_, name := splitQualified(table)
	// sqlite foreign keys are unnamed; synthesize a stable name from the id
	return `SELECT printf('fk_%s_%d', ?, id), "from", "table", "to"
		FROM pragma_foreign_key_list(?) ORDER BY id, seq`, []any{name, name}
}

func (sqliteDialect) explain(ctx context.Context, db *sql.DB, statement string) (*Plan, error) {
	rows, err := db.QueryContext(ctx, "EXPLAIN QUERY PLAN "+statement)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res, err := scanResult(rows)
	if err != nil {
		return nil, err
	}
	return &Plan{Backend: domain.BackendSQLite, Format: PlanRows, Rows: res.Rows}, nil
}
