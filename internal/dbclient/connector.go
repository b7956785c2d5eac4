package dbclient

import (
	"context"
	"fmt"
	"log/slog"

	"querybuilder/internal/domain"
)

// Field describes one result column.
type Field struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// Result is the normalized outcome of a statement on any backend.
type Result struct {
	Fields       []Field          `json:"fields"`
	Rows         []map[string]any `json:"rows"`
	RowCount     int              `json:"rowCount"`
	AffectedRows int64            `json:"affectedRows,omitempty"`
	IsWrite      bool             `json:"isWrite"`
}

// Columns returns the field names in result order.
func (r *Result) Columns() []string {
	names := make([]string, len(r.Fields))
	for i, f := range r.Fields {
		names[i] = f.Name
	}
	return names
}

// Column is the shared introspection shape for a table column.
type Column struct {
	ColumnName    string  `json:"column_name"`
	DataType      string  `json:"data_type"`
	IsNullable    bool    `json:"is_nullable"`
	ColumnDefault *string `json:"column_default"`
	IsPrimary     bool    `json:"is_primary"`
}

// Index is the shared introspection shape for an index.
type Index struct {
	IndexName string   `json:"index_name"`
	Columns   []string `json:"columns"`
	IsUnique  bool     `json:"is_unique"`
}

// ForeignKey is the shared introspection shape for one foreign key column.
type ForeignKey struct {
	ConstraintName       string `json:"constraint_name"`
	ColumnName           string `json:"column_name"`
	ReferencedTableName  string `json:"referenced_table_name"`
	ReferencedColumnName string `json:"referenced_column_name"`
}

// PlanFormat tells the optimizer how to read Plan.Raw.
type PlanFormat string

const (
	PlanJSON PlanFormat = "json"
	PlanXML  PlanFormat = "xml"
	PlanRows PlanFormat = "rows"
)

// Plan is a backend-native execution plan.
type Plan struct {
	Backend domain.Backend   `json:"backend"`
	Format  PlanFormat       `json:"format"`
	Raw     string           `json:"raw,omitempty"`
	Rows    []map[string]any `json:"rows,omitempty"`
}

// Client is the uniform contract every backend adapter implements.
// An adapter holds one live connection between Connect and Disconnect and
// must not be used by two callers at once.
type Client interface {
	Backend() domain.Backend

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	// Ping is the liveness probe run on pool checkout.
	Ping(ctx context.Context) error

	Query(ctx context.Context, statement string, params ...any) (*Result, error)

	ListTables(ctx context.Context) ([]string, error)
	ListColumns(ctx context.Context, table string) ([]Column, error)
	ListIndexes(ctx context.Context, table string) ([]Index, error)
	ListForeignKeys(ctx context.Context, table string) ([]ForeignKey, error)

	// ExecuteTransaction runs statements atomically, rolling back on the
	// first failure.
	ExecuteTransaction(ctx context.Context, statements []string) error

	Explain(ctx context.Context, statement string) (*Plan, error)
}

// NewClient builds the adapter for cfg.Backend. The password is passed
// separately because the stored one may be sealed. The adapter is not
// connected yet.
func NewClient(cfg *domain.ConnectionConfig, password string, logger *slog.Logger) (Client, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("backend", string(cfg.Backend), "connection_id", cfg.ID)

	switch cfg.Backend {
	case domain.BackendPostgres:
		return newSQLClient(postgresDialect{schema: cfg.Options.Schema}, postgresOpener(cfg.Options, password), cfg.Options, logger), nil
	case domain.BackendMySQL:
		return newSQLClient(mysqlDialect{}, mysqlOpener(cfg.Options, password), cfg.Options, logger), nil
	case domain.BackendSQLite:
		return newSQLClient(sqliteDialect{}, sqliteOpener(cfg.Options), cfg.Options, logger), nil
	case domain.BackendMSSQL:
		return newSQLClient(mssqlDialect{schema: cfg.Options.Schema}, mssqlOpener(cfg.Options, password), cfg.Options, logger), nil
	case domain.BackendMongoDB:
		return newMongoClient(cfg.Options, password, logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedBackend, cfg.Backend)
	}
}
