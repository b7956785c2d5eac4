package dbclient

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strconv"

	"querybuilder/internal/domain"

	"github.com/go-sql-driver/mysql"
)

// buildMySQLConfig maps connection options onto the driver config.
func buildMySQLConfig(o domain.ConnectionOptions, password string) (*mysql.Config, error) {
	cfg := mysql.NewConfig()
	cfg.User = o.Username
	cfg.Passwd = password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(o.Host, strconv.Itoa(o.PortOrDefault(domain.BackendMySQL)))
	cfg.DBName = o.Database
	cfg.ParseTime = true
	cfg.Params = map[string]string{"charset": "utf8mb4"}
	cfg.Timeout = o.ConnectTimeout()
	if o.TLS.Enabled {
		tlsCfg, err := buildTLSConfig(o.TLS, o.Host)
		if err != nil {
			return nil, err
		}
		cfg.TLS = tlsCfg
		cfg.TLSConfig = "true"
		if o.TLS.SkipVerify {
			cfg.TLSConfig = "skip-verify"
		}
	}
	return cfg, nil
}

// buildMySQLDSN renders the driver config as a DSN string.
func buildMySQLDSN(o domain.ConnectionOptions, password string) (string, error) {
	cfg, err := buildMySQLConfig(o, password)
	if err != nil {
		return "", err
	}
	return cfg.FormatDSN(), nil
}

func mysqlOpener(o domain.ConnectionOptions, password string) opener {
	return func() (*sql.DB, error) {
		cfg, err := buildMySQLConfig(o, password)
		if err != nil {
			return nil, err
		}
		connector, err := mysql.NewConnector(cfg)
		if err != nil {
			return nil, fmt.Errorf("mysql connector: %w", err)
		}
		return sql.OpenDB(connector), nil
	}
}

type mysqlDialect struct{}

func (mysqlDialect) backend() domain.Backend { return domain.BackendMySQL }

func (mysqlDialect) tablesQuery() (string, []any) {
	return `SELECT TABLE_NAME FROM INFORMATION_SCHEMA.TABLES
		WHERE TABLE_SCHEMA = DATABASE() AND TABLE_TYPE = 'BASE TABLE'
		ORDER BY TABLE_NAME`, nil
}

func (mysqlDialect) columnsQuery(table string) (string, []any) {
	_, name := splitQualified(table)
	return `SELECT COLUMN_NAME, DATA_TYPE, IS_NULLABLE = 'YES', COLUMN_DEFAULT, COLUMN_KEY = 'PRI'
		FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?
		ORDER BY ORDINAL_POSITION`, []any{name}
}

func (mysqlDialect) indexesQuery(table string) (string, []any) {
	_, name := splitQualified(table)
	return `SELECT INDEX_NAME, COLUMN_NAME, NON_UNIQUE = 0
		FROM INFORMATION_SCHEMA.STATISTICS
		WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?
		ORDER BY INDEX_NAME, SEQ_IN_INDEX`, []any{name}
}

func (mysqlDialect) foreignKeysQuery(table string) (string, []any) {
	_, name := splitQualified(table)
	return `SELECT CONSTRAINT_NAME, COLUMN_NAME, REFERENCED_TABLE_NAME, REFERENCED_COLUMN_NAME
		FROM INFORMATION_SCHEMA.KEY_COLUMN_USAGE
		WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ? AND REFERENCED_TABLE_NAME IS NOT NULL
		ORDER BY CONSTRAINT_NAME, ORDINAL_POSITION`, []any{name}
}

func (mysqlDialect) explain(ctx context.Context, db *sql.DB, statement string) (*Plan, error) {
	raw, err := explainScalar(ctx, db, "EXPLAIN FORMAT=JSON "+statement)
	if err != nil {
		return nil, err
	}
	return &Plan{Backend: domain.BackendMySQL, Format: PlanJSON, Raw: raw}, nil
}
