package domain

import (
	"fmt"
	"strings"
)

// Backend identifies the engine family a connection talks to.
type Backend string

const (
	BackendPostgres Backend = "postgres"
	BackendMySQL    Backend = "mysql"
	BackendSQLite   Backend = "sqlite"
	BackendMSSQL    Backend = "mssql"
	BackendMongoDB  Backend = "mongodb"
)

// Backends lists every supported backend in a stable order.
var Backends = []Backend{BackendPostgres, BackendMySQL, BackendSQLite, BackendMSSQL, BackendMongoDB}

var backendAliases = map[string]Backend{
	"postgresql": BackendPostgres,
	"pg":         BackendPostgres,
	"mariadb":    BackendMySQL,
	"sqlite3":    BackendSQLite,
	"sqlserver":  BackendMSSQL,
	"mongo":      BackendMongoDB,
}

// ParseBackend normalizes a backend name. Unknown names fail with ErrUnsupportedBackend.
func ParseBackend(s string) (Backend, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if b := Backend(name); b.Valid() {
		return b, nil
	}
	if b, ok := backendAliases[name]; ok {
		return b, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedBackend, s)
}

// Valid reports whether b is one of the closed set of backends.
func (b Backend) Valid() bool {
	switch b {
	case BackendPostgres, BackendMySQL, BackendSQLite, BackendMSSQL, BackendMongoDB:
		return true
	}
	return false
}

// IsDocument reports whether b is the document store.
func (b Backend) IsDocument() bool { return b == BackendMongoDB }

// DefaultPort returns the engine's conventional port, 0 for file-based engines.
func (b Backend) DefaultPort() int {
	switch b {
	case BackendPostgres:
		return 5432
	case BackendMySQL:
		return 3306
	case BackendMSSQL:
		return 1433
	case BackendMongoDB:
		return 27017
	}
	return 0
}
