package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	MaxPoolSize         = 100
	DefaultPoolMin      = 2
	DefaultPoolMax      = 10
	DefaultIdleTimeout  = 30 * time.Second
	minTimeoutMillis    = 1000
	maxPort             = 65535
	defaultQueryTimeout = 30 * time.Second
)

// TLSOptions configures transport security for network backends.
type TLSOptions struct {
	Enabled    bool   `json:"enabled"`
	SkipVerify bool   `json:"skipVerify,omitempty"`
	CA         string `json:"ca,omitempty"`   // path to a PEM bundle
	Cert       string `json:"cert,omitempty"` // path to a client certificate
	Key        string `json:"key,omitempty"`  // path to the client key
}

// PoolOptions bounds the adapter pool kept for one configuration.
type PoolOptions struct {
	Min           int `json:"min,omitempty"`
	Max           int `json:"max,omitempty"`
	IdleTimeoutMS int `json:"idleTimeoutMillis,omitempty"`
}

// ConnectionOptions describes how to reach a backend.
// For sqlite, Database (or Host) is the file path.
type ConnectionOptions struct {
	Host                string            `json:"host,omitempty"`
	Port                int               `json:"port,omitempty"`
	Username            string            `json:"username,omitempty"`
	Password            string            `json:"password,omitempty"`
	Database            string            `json:"database,omitempty"`
	Schema              string            `json:"schema,omitempty"`
	TLS                 TLSOptions        `json:"tls"`
	PoolSize            int               `json:"poolSize,omitempty"`
	Pool                PoolOptions       `json:"pool"`
	ConnectionTimeoutMS int               `json:"connectionTimeout,omitempty"`
	QueryTimeoutMS      int               `json:"queryTimeout,omitempty"`
	Extra               map[string]string `json:"extra,omitempty"`
}

// PortOrDefault returns the configured port or the backend default.
func (o ConnectionOptions) PortOrDefault(b Backend) int {
	if o.Port != 0 {
		return o.Port
	}
	return b.DefaultPort()
}

// PoolBounds resolves the min/max adapter counts. PoolSize is the legacy
// single-number form and caps max.
func (o ConnectionOptions) PoolBounds() (min, max int) {
	min, max = DefaultPoolMin, DefaultPoolMax
	if o.PoolSize > 0 {
		max = o.PoolSize
	}
	if o.Pool.Max > 0 {
		max = o.Pool.Max
	}
	if o.Pool.Min > 0 {
		min = o.Pool.Min
	}
	if min > max {
		min = max
	}
	return min, max
}

// IdleTimeout returns how long an idle adapter survives in its pool.
func (o ConnectionOptions) IdleTimeout() time.Duration {
	if o.Pool.IdleTimeoutMS > 0 {
		return time.Duration(o.Pool.IdleTimeoutMS) * time.Millisecond
	}
	return DefaultIdleTimeout
}

// ConnectTimeout is zero when unset; drivers then use their own default.
func (o ConnectionOptions) ConnectTimeout() time.Duration {
	return time.Duration(o.ConnectionTimeoutMS) * time.Millisecond
}

// QueryTimeout bounds a single statement.
func (o ConnectionOptions) QueryTimeout() time.Duration {
	if o.QueryTimeoutMS > 0 {
		return time.Duration(o.QueryTimeoutMS) * time.Millisecond
	}
	return defaultQueryTimeout
}

// Fingerprint hashes every option except the password. Two configurations
// with equal fingerprints can share pooled adapters.
func (o ConnectionOptions) Fingerprint() string {
	o.Password = ""
	raw, _ := json.Marshal(o)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// ConnectionConfig is a named, owner-scoped connection configuration.
// When Encrypted is set, Options.Password holds sealed bytes and the key
// lives in the secret store under KeyRef.
type ConnectionConfig struct {
	ID            string            `json:"id"`
	OwnerID       string            `json:"ownerId"`
	Name          string            `json:"name"`
	Backend       Backend           `json:"backend"`
	Options       ConnectionOptions `json:"options"`
	Tags          []string          `json:"tags,omitempty"`
	Active        bool              `json:"active"`
	Encrypted     bool              `json:"encrypted"`
	KeyRef        string            `json:"-"`
	LastTestedAt  *time.Time        `json:"lastTestedAt,omitempty"`
	LastTestOK    bool              `json:"lastTestOk"`
	LastTestError string            `json:"lastTestError,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// Redacted returns a copy safe to hand to callers.
func (c ConnectionConfig) Redacted() ConnectionConfig {
	if c.Options.Password != "" {
		c.Options.Password = "********"
	}
	return c
}

// Validate checks the invariants that must hold before a configuration is
// persisted. All violations are reported together.
func (c *ConnectionConfig) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Name) == "" {
		problems = append(problems, "name is required")
	}
	if !c.Backend.Valid() {
		problems = append(problems, fmt.Sprintf("unsupported backend %q", c.Backend))
	}
	o := c.Options
	if o.Port < 0 || o.Port > maxPort {
		problems = append(problems, fmt.Sprintf("port %d out of range [1,%d]", o.Port, maxPort))
	}
	for _, bound := range []struct {
		label string
		n     int
	}{{"poolSize", o.PoolSize}, {"pool.min", o.Pool.Min}, {"pool.max", o.Pool.Max}} {
		if bound.n < 0 || bound.n > MaxPoolSize {
			problems = append(problems, fmt.Sprintf("%s %d out of range [1,%d]", bound.label, bound.n, MaxPoolSize))
		}
	}
	if o.Pool.Min > 0 && o.Pool.Max > 0 && o.Pool.Min > o.Pool.Max {
		problems = append(problems, "pool.min exceeds pool.max")
	}
	if o.ConnectionTimeoutMS != 0 && o.ConnectionTimeoutMS < minTimeoutMillis {
		problems = append(problems, "connectionTimeout must be at least 1000ms")
	}
	if o.QueryTimeoutMS != 0 && o.QueryTimeoutMS < minTimeoutMillis {
		problems = append(problems, "queryTimeout must be at least 1000ms")
	}
	switch c.Backend {
	case BackendSQLite:
		if o.Database == "" && o.Host == "" {
			problems = append(problems, "sqlite requires a database file path")
		}
	default:
		if o.Host == "" && c.Backend.Valid() {
			problems = append(problems, "host is required")
		}
	}
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrConfiguration, strings.Join(problems, "; "))
}

// ConnectionStore persists connection configurations.
type ConnectionStore interface {
	CreateConnection(c *ConnectionConfig) error
	GetConnection(id string) (*ConnectionConfig, error)
	ListConnections(ownerID string) ([]ConnectionConfig, error)
	UpdateConnection(c *ConnectionConfig) error
	DeleteConnection(id string) error
}
