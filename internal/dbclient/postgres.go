package dbclient

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"querybuilder/internal/domain"

	_ "github.com/lib/pq"
)

// buildPostgresDSN constructs a key/value connection string for lib/pq.
func buildPostgresDSN(o domain.ConnectionOptions, password string) string {
	sslMode := "disable"
	if o.TLS.Enabled {
		sslMode = "verify-full"
		if o.TLS.SkipVerify {
			sslMode = "require"
		}
	}
	parts := []string{
		"host=" + pqValue(o.Host),
		fmt.Sprintf("port=%d", o.PortOrDefault(domain.BackendPostgres)),
		"user=" + pqValue(o.Username),
		"password=" + pqValue(password),
		"dbname=" + pqValue(o.Database),
		"sslmode=" + sslMode,
	}
	if o.TLS.CA != "" {
		parts = append(parts, "sslrootcert="+pqValue(o.TLS.CA))
	}
	if o.TLS.Cert != "" {
		parts = append(parts, "sslcert="+pqValue(o.TLS.Cert), "sslkey="+pqValue(o.TLS.Key))
	}
	if secs := int(o.ConnectTimeout().Seconds()); secs > 0 {
		parts = append(parts, fmt.Sprintf("connect_timeout=%d", secs))
	}
	if o.Schema != "" {
		parts = append(parts, "search_path="+pqValue(o.Schema))
	}
	return strings.Join(parts, " ")
}

// pqValue quotes a key/value DSN value when lib/pq would otherwise split it.
func pqValue(s string) string {
	if s != "" && !strings.ContainsAny(s, " '\\") {
		return s
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(s) + "'"
}

func postgresOpener(o domain.ConnectionOptions, password string) opener {
	dsn := buildPostgresDSN(o, password)
	return func() (*sql.DB, error) { return sql.Open("postgres", dsn) }
}

type postgresDialect struct {
	schema string
}

func (postgresDialect) backend() domain.Backend { return domain.BackendPostgres }

func (d postgresDialect) resolve(table string) (string, string) {
	schema, name := splitQualified(table)
	if schema == "" {
		schema = d.schema
	}
	if schema == "" {
		schema = "public"
	}
	return schema, name
}

func (d postgresDialect) tablesQuery() (string, []any) {
	schema, _ := d.resolve("")
	return `SELECT table_name FROM information_schema.tables
		WHERE table_schema = $1 AND table_type = 'BASE TABLE'
		ORDER BY table_name`, []any{schema}
}

func (d postgresDialect) columnsQuery(table string) (string, []any) {
	schema, name := d.resolve(table)
	return `SELECT c.column_name, c.data_type, c.is_nullable = 'YES', c.column_default,
			EXISTS (
				SELECT 1 FROM information_schema.table_constraints tc
				JOIN information_schema.key_column_usage kcu
					ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
				WHERE tc.constraint_type = 'PRIMARY KEY'
					AND tc.table_schema = c.table_schema AND tc.table_name = c.table_name
					AND kcu.column_name = c.column_name
			)
		FROM information_schema.columns c
		WHERE c.table_schema = $1 AND c.table_name = $2
		ORDER BY c.ordinal_position`, []any{schema, name}
}

func (d postgresDialect) indexesQuery(table string) (string, []any) {
	schema, name := d.resolve(table)
	return `SELECT i.relname, a.attname, ix.indisunique
		FROM pg_class t
		JOIN pg_namespace n ON n.oid = t.relnamespace
		JOIN pg_index ix ON t.oid = ix.indrelid
		JOIN pg_class i ON i.oid = ix.indexrelid
		JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = ANY(ix.indkey)
		WHERE n.nspname = $1 AND t.relname = $2
		ORDER BY i.relname, a.attnum`, []any{schema, name}
}

func (d postgresDialect) foreignKeysQuery(table string) (string, []any) {
	schema, name := d.resolve(table)
	return `SELECT tc.constraint_name, kcu.column_name, ccu.table_name, ccu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
		JOIN information_schema.constraint_column_usage ccu
			ON ccu.constraint_name = tc.constraint_name AND ccu.table_schema = tc.table_schema
		WHERE tc.constraint_type = 'FOREIGN KEY' AND tc.table_schema = $1 AND tc.table_name = $2
		ORDER BY tc.constraint_name, kcu.ordinal_position`, []any{schema, name}
}

func (postgresDialect) explain(ctx context.Context, db *sql.DB, statement string) (*Plan, error) {
	raw, err := explainScalar(ctx, db, "EXPLAIN (FORMAT JSON) "+statement)
	if err != nil {
		return nil, err
	}
	return &Plan{Backend: domain.BackendPostgres, Format: PlanJSON, Raw: raw}, nil
}
