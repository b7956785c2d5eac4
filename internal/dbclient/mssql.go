package dbclient

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"querybuilder/internal/domain"

	_ "github.com/microsoft/go-mssqldb"
)

// buildMSSQLDSN constructs a sqlserver:// URL for go-mssqldb.
func buildMSSQLDSN(o domain.ConnectionOptions, password string) string {
	q := url.Values{}
	if o.Database != "" {
		q.Set("database", o.Database)
	}
	if o.TLS.Enabled {
		q.Set("encrypt", "true")
		if o.TLS.SkipVerify {
			q.Set("TrustServerCertificate", "true")
		}
		if o.TLS.CA != "" {
			q.Set("certificate", o.TLS.CA)
		}
	} else {
		q.Set("encrypt", "disable")
	}
	if secs := int(o.ConnectTimeout().Seconds()); secs > 0 {
		q.Set("connection timeout", strconv.Itoa(secs))
	}
	u := &url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(o.Username, password),
		Host:     net.JoinHostPort(o.Host, strconv.Itoa(o.PortOrDefault(domain.BackendMSSQL))),
		RawQuery: q.Encode(),
	}
	return u.String()
}

func mssqlOpener(o domain.ConnectionOptions, password string) opener {
	dsn := buildMSSQLDSN(o, password)
	return func() (*sql.DB, error) { return sql.Open("sqlserver", dsn) }
}

type mssqlDialect struct {
	schema string
}

func (mssqlDialect) backend() domain.Backend { return domain.BackendMSSQL }

func (d mssqlDialect) resolve(table string) (string, string) {
	schema, name := splitQualified(table)
	if schema == "" {
		schema = d.schema
	}
	if schema == "" {
		schema = "dbo"
	}
	return schema, name
}

func (d mssqlDialect) tablesQuery() (string, []any) {
	schema, _ := d.resolve("")
	return `SELECT TABLE_NAME FROM INFORMATION_SCHEMA.TABLES
		WHERE TABLE_TYPE = 'BASE TABLE' AND TABLE_SCHEMA = @p1
		ORDER BY TABLE_NAME`, []any{schema}
}

func (d mssqlDialect) columnsQuery(table string) (string, []any) {
	schema, name := d.resolve(table)
	return `SELECT c.COLUMN_NAME, c.DATA_TYPE,
			CAST(CASE WHEN c.IS_NULLABLE = 'YES' THEN 1 ELSE 0 END AS bit),
			c.COLUMN_DEFAULT,
			CAST(CASE WHEN EXISTS (
				SELECT 1 FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS tc
				JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE kcu
					ON tc.CONSTRAINT_NAME = kcu.CONSTRAINT_NAME AND tc.TABLE_SCHEMA = kcu.TABLE_SCHEMA
				WHERE tc.CONSTRAINT_TYPE = 'PRIMARY KEY'
					AND tc.TABLE_SCHEMA = c.TABLE_SCHEMA AND tc.TABLE_NAME = c.TABLE_NAME
					AND kcu.COLUMN_NAME = c.COLUMN_NAME
			) THEN 1 ELSE 0 END AS bit)
		FROM INFORMATION_SCHEMA.COLUMNS c
		WHERE c.TABLE_SCHEMA = @p1 AND c.TABLE_NAME = @p2
		ORDER BY c.ORDINAL_POSITION`, []any{schema, name}
}

func (d mssqlDialect) indexesQuery(table string) (string, []any) {
	schema, name := d.resolve(table)
	return `SELECT i.name, c.name, i.is_unique
		FROM sys.indexes i
		JOIN sys.index_columns ic ON i.object_id = ic.object_id AND i.index_id = ic.index_id
		JOIN sys.columns c ON ic.object_id = c.object_id AND ic.column_id = c.column_id
		WHERE i.object_id = OBJECT_ID(@p1) AND i.name IS NOT NULL
		ORDER BY i.name, ic.key_ordinal`, []any{schema + "." + name}
}

func (d mssqlDialect) foreignKeysQuery(table string) (string, []any) {
	schema, name := d.resolve(table)
	return `SELECT fk.name, pc.name, rt.name, rc.name
		FROM sys.foreign_keys fk
		JOIN sys.foreign_key_columns fkc ON fk.object_id = fkc.constraint_object_id
		JOIN sys.columns pc ON fkc.parent_object_id = pc.object_id AND fkc.parent_column_id = pc.column_id
		JOIN sys.tables rt ON fkc.referenced_object_id = rt.object_id
		JOIN sys.columns rc ON fkc.referenced_object_id = rc.object_id AND fkc.referenced_column_id = rc.column_id
		WHERE fk.parent_object_id = OBJECT_ID(@p1)
		ORDER BY fk.name, fkc.constraint_column_id`, []any{schema + "." + name}
}

// explain toggles SHOWPLAN_XML, which is session scoped, on a pinned connection.
func (mssqlDialect) explain(ctx context.Context, db *sql.DB, statement string) (*Plan, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "SET SHOWPLAN_XML ON"); err != nil {
		return nil, fmt.Errorf("enable showplan: %w", err)
	}
	defer conn.ExecContext(context.Background(), "SET SHOWPLAN_XML OFF")

	var raw string
	if err := conn.QueryRowContext(ctx, statement).Scan(&raw); err != nil {
		return nil, err
	}
	return &Plan{Backend: domain.BackendMSSQL, Format: PlanXML, Raw: raw}, nil
}
