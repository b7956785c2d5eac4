package dbclient

import (
	"net/url"
	"testing"

	"querybuilder/internal/domain"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClientPerBackend(t *testing.T) {
	for _, b := range domain.Backends {
		cfg := &domain.ConnectionConfig{ID: "c1", Backend: b, Options: domain.ConnectionOptions{Host: "db", Database: "app"}}
		c, err := NewClient(cfg, "pw", nil)
		require.NoError(t, err, b)
		assert.Equal(t, b, c.Backend())
	}
}

func TestNewClientUnsupportedBackend(t *testing.T) {
	_, err := NewClient(&domain.ConnectionConfig{Backend: "oracle"}, "", nil)
	assert.ErrorIs(t, err, domain.ErrUnsupportedBackend)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestBuildPostgresDSN(t *testing.T) {
	dsn := buildPostgresDSN(domain.ConnectionOptions{
		Host: "db", Username: "app", Database: "shop", Schema: "sales", ConnectionTimeoutMS: 5000,
	}, "p w'd")
	assert.Equal(t, `host=db port=5432 user=app password='p w\'d' dbname=shop sslmode=disable connect_timeout=5 search_path=sales`, dsn)

	tls := buildPostgresDSN(domain.ConnectionOptions{Host: "db", TLS: domain.TLSOptions{Enabled: true}}, "x")
	assert.Contains(t, tls, "sslmode=verify-full")
	skip := buildPostgresDSN(domain.ConnectionOptions{Host: "db", TLS: domain.TLSOptions{Enabled: true, SkipVerify: true}}, "x")
	assert.Contains(t, skip, "sslmode=require")
}

func TestBuildMySQLDSN(t *testing.T) {
	dsn, err := buildMySQLDSN(domain.ConnectionOptions{Host: "db", Port: 3307, Username: "app", Database: "shop"}, "s3cret")
	require.NoError(t, err)

	cfg, err := mysql.ParseDSN(dsn)
	require.NoError(t, err)
	assert.Equal(t, "app", cfg.User)
	assert.Equal(t, "s3cret", cfg.Passwd)
	assert.Equal(t, "db:3307", cfg.Addr)
	assert.Equal(t, "shop", cfg.DBName)
	assert.True(t, cfg.ParseTime)
}

func TestBuildMySQLConfigBadCA(t *testing.T) {
	_, err := buildMySQLConfig(domain.ConnectionOptions{
		Host: "db", TLS: domain.TLSOptions{Enabled: true, CA: "/does/not/exist.pem"},
	}, "")
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestBuildMSSQLDSN(t *testing.T) {
	raw := buildMSSQLDSN(domain.ConnectionOptions{Host: "db", Username: "sa", Database: "shop"}, "Str0ng!")
	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "sqlserver", u.Scheme)
	assert.Equal(t, "db:1433", u.Host)
	pw, _ := u.User.Password()
	assert.Equal(t, "Str0ng!", pw)
	assert.Equal(t, "shop", u.Query().Get("database"))
	assert.Equal(t, "disable", u.Query().Get("encrypt"))
}

func TestBuildSQLiteDSN(t *testing.T) {
	assert.Equal(t, ":memory:", buildSQLiteDSN(domain.ConnectionOptions{Database: ":memory:"}))
	assert.Equal(t, "/tmp/a.db?_journal_mode=WAL&_busy_timeout=5000", buildSQLiteDSN(domain.ConnectionOptions{Database: "/tmp/a.db"}))
	assert.Equal(t, "/tmp/b.db?_journal_mode=WAL&_busy_timeout=5000", buildSQLiteDSN(domain.ConnectionOptions{Host: "/tmp/b.db"}))
}
