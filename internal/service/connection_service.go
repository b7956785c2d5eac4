package service

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"querybuilder/internal/dbclient"
	"querybuilder/internal/domain"
	"querybuilder/internal/pool"
	"querybuilder/internal/query"
	"querybuilder/internal/secret"

	"github.com/google/uuid"
	slogctx "github.com/veqryn/slog-context"
	"golang.org/x/sync/errgroup"
)

// ─────────────────────────────────────────────────────────────
// Connection Service: registry, liveness and encryption
// ─────────────────────────────────────────────────────────────

const (
	redactedPassword = "********"
	describeFanOut   = 4
)

// ConnectionInput is the DTO for creating a connection.
type ConnectionInput struct {
	Name    string                   `json:"name"`
	Backend string                   `json:"backend"`
	Options domain.ConnectionOptions `json:"options"`
	Tags    []string                 `json:"tags,omitempty"`
	Active  *bool                    `json:"active,omitempty"`
}

// ConnectionPatch updates a connection. Nil fields are left alone. A
// password that is empty or redacted keeps the stored one.
type ConnectionPatch struct {
	Name    *string                   `json:"name,omitempty"`
	Options *domain.ConnectionOptions `json:"options,omitempty"`
	Tags    *[]string                 `json:"tags,omitempty"`
	Active  *bool                     `json:"active,omitempty"`
}

// TestResult is the outcome of a liveness check.
type TestResult struct {
	OK       bool      `json:"ok"`
	Error    string    `json:"error,omitempty"`
	TestedAt time.Time `json:"testedAt"`
	Elapsed  int64     `json:"elapsedMs"`
}

// TableDescription is the introspected shape of one table.
type TableDescription struct {
	Name        string                `json:"name"`
	Columns     []dbclient.Column     `json:"columns"`
	Indexes     []dbclient.Index      `json:"indexes,omitempty"`
	ForeignKeys []dbclient.ForeignKey `json:"foreignKeys,omitempty"`
}

// SchemaDescription is the introspected shape of a connection.
type SchemaDescription struct {
	ConnectionID string             `json:"connectionId"`
	Backend      domain.Backend     `json:"backend"`
	Schema       string             `json:"schema,omitempty"`
	Tables       []TableDescription `json:"tables"`
}

// Snapshot reduces the description to what the validator needs.
func (d *SchemaDescription) Snapshot() *query.SchemaSnapshot {
	snap := &query.SchemaSnapshot{Schema: d.Schema, Columns: make(map[string][]string, len(d.Tables))}
	for _, t := range d.Tables {
		snap.Tables = append(snap.Tables, t.Name)
		names := make([]string, 0, len(t.Columns))
		for _, c := range t.Columns {
			names = append(names, c.ColumnName)
		}
		snap.Columns[t.Name] = names
	}
	return snap
}

// ConnectionService manages owner-scoped connection configurations and
// the pools built from them.
type ConnectionService struct {
	store   domain.ConnectionStore
	sealer  *secret.Sealer
	pools   *pool.Manager
	emitter EventEmitter
	tests   TestTracker
}

// NewConnectionService creates a ConnectionService. It logs through the
// logger carried by each call's context.
func NewConnectionService(
	store domain.ConnectionStore,
	sealer *secret.Sealer,
	pools *pool.Manager,
	emitter EventEmitter,
) *ConnectionService {
	if emitter == nil {
		emitter = nopEmitter{}
	}
	return &ConnectionService{
		store:   store,
		sealer:  sealer,
		pools:   pools,
		emitter: emitter,
	}
}

// NewClientFactory returns the pool factory that opens sealed passwords
// and builds the adapter for a configuration's backend.
func NewClientFactory(sealer *secret.Sealer, logger *slog.Logger) pool.Factory {
	return func(cfg *domain.ConnectionConfig) (dbclient.Client, error) {
		password, err := plainPassword(sealer, cfg)
		if err != nil {
			return nil, err
		}
		return dbclient.NewClient(cfg, password, logger)
	}
}

func plainPassword(sealer *secret.Sealer, cfg *domain.ConnectionConfig) (string, error) {
	if !cfg.Encrypted {
		return cfg.Options.Password, nil
	}
	if sealer == nil {
		return "", fmt.Errorf("%w: connection %s is encrypted but no secret store is configured", domain.ErrEncryption, cfg.ID)
	}
	return sealer.Open(cfg.Options.Password, cfg.KeyRef)
}

// ── CRUD ───────────────────────────────────────────────────

func (s *ConnectionService) Create(ctx context.Context, ownerID string, in ConnectionInput) (*domain.ConnectionConfig, error) {
	backend, err := domain.ParseBackend(in.Backend)
	if err != nil {
		return nil, err
	}
	cfg := &domain.ConnectionConfig{
		ID:      uuid.NewString(),
		OwnerID: ownerID,
		Name:    strings.TrimSpace(in.Name),
		Backend: backend,
		Options: in.Options,
		Tags:    in.Tags,
		Active:  in.Active == nil || *in.Active,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := s.store.CreateConnection(cfg); err != nil {
		return nil, fmt.Errorf("create connection: %w", err)
	}
	slogctx.FromCtx(ctx).Info("connection created", "connection_id", cfg.ID, "backend", string(backend))
	s.emitter.Emit(ctx, EventConnectionChanged, ChangeEvent{ID: cfg.ID, Action: "created"})
	out := cfg.Redacted()
	return &out, nil
}

func (s *ConnectionService) Get(ctx context.Context, ownerID, id string) (*domain.ConnectionConfig, error) {
	cfg, err := s.Resolve(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	out := cfg.Redacted()
	return &out, nil
}

// Resolve loads the full configuration, sealed password included. It is
// for in-process callers that hand the configuration to the pool.
func (s *ConnectionService) Resolve(_ context.Context, ownerID, id string) (*domain.ConnectionConfig, error) {
	cfg, err := s.store.GetConnection(id)
	if err != nil {
		return nil, err
	}
	if cfg.OwnerID != ownerID {
		return nil, fmt.Errorf("%w: connection %s", domain.ErrNotFound, id)
	}
	return cfg, nil
}

func (s *ConnectionService) List(_ context.Context, ownerID string) ([]domain.ConnectionConfig, error) {
	conns, err := s.store.ListConnections(ownerID)
	if err != nil {
		return nil, err
	}
	for i := range conns {
		conns[i] = conns[i].Redacted()
	}
	return conns, nil
}

func (s *ConnectionService) Update(ctx context.Context, ownerID, id string, patch ConnectionPatch) (*domain.ConnectionConfig, error) {
	cfg, err := s.Resolve(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	oldFingerprint := cfg.Options.Fingerprint()
	oldPassword := cfg.Options.Password
	staleKey := ""

	if patch.Name != nil {
		cfg.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.Tags != nil {
		cfg.Tags = *patch.Tags
	}
	if patch.Active != nil {
		cfg.Active = *patch.Active
	}
	if patch.Options != nil {
		next := *patch.Options
		switch {
		case next.Password == "" || next.Password == redactedPassword:
			next.Password = oldPassword
		case cfg.Encrypted:
			// a new plaintext password on an encrypted connection is sealed
			// under a fresh key; the old key goes once the row is saved
			sealed, keyRef, err := s.sealer.Seal(next.Password)
			if err != nil {
				return nil, err
			}
			next.Password, staleKey, cfg.KeyRef = sealed, cfg.KeyRef, keyRef
		}
		cfg.Options = next
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := s.store.UpdateConnection(cfg); err != nil {
		return nil, fmt.Errorf("update connection: %w", err)
	}
	s.forgetKey(ctx, staleKey)

	if cfg.Options.Fingerprint() != oldFingerprint || cfg.Options.Password != oldPassword {
		// the drain finishes in the background once checked-out adapters
		// return; new acquirers wait for it and get a fresh pool
		s.pools.Invalidate(id)
		slogctx.FromCtx(ctx).Info("connection options changed, pool draining", "connection_id", id)
	}
	s.emitter.Emit(ctx, EventConnectionChanged, ChangeEvent{ID: id, Action: "updated"})
	out := cfg.Redacted()
	return &out, nil
}

func (s *ConnectionService) Delete(ctx context.Context, ownerID, id string) error {
	cfg, err := s.Resolve(ctx, ownerID, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteConnection(id); err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	s.pools.Invalidate(id)
	s.forgetKey(ctx, cfg.KeyRef)
	slogctx.FromCtx(ctx).Info("connection deleted", "connection_id", id)
	s.emitter.Emit(ctx, EventConnectionChanged, ChangeEvent{ID: id, Action: "deleted"})
	return nil
}

func (s *ConnectionService) forgetKey(ctx context.Context, keyRef string) {
	if keyRef == "" || s.sealer == nil {
		return
	}
	if err := s.sealer.Forget(keyRef); err != nil {
		slogctx.FromCtx(ctx).Warn("forget encryption key", "key_ref", keyRef, "error", err)
	}
}

// ── Test ───────────────────────────────────────────────────

// Test checks out an adapter (which runs the liveness probe) and records
// the outcome on the configuration. A failed check returns the recorded
// result together with an ErrConnection error.
func (s *ConnectionService) Test(ctx context.Context, ownerID, id string) (*TestResult, error) {
	cfg, err := s.Resolve(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if run, ok := s.tests.Begin(cfg); !ok {
		return nil, fmt.Errorf("%w: a test of connection %s has been running since %s",
			domain.ErrConnection, id, run.StartedAt.Format(time.RFC3339))
	}
	defer s.tests.End(id)

	start := time.Now()
	lease, probeErr := s.pools.Acquire(ctx, cfg)
	if probeErr == nil {
		lease.Release()
	}
	res := &TestResult{OK: probeErr == nil, TestedAt: time.Now().UTC(), Elapsed: time.Since(start).Milliseconds()}
	if probeErr != nil {
		res.Error = probeErr.Error()
	}

	cfg.LastTestedAt = &res.TestedAt
	cfg.LastTestOK = res.OK
	cfg.LastTestError = res.Error
	if err := s.store.UpdateConnection(cfg); err != nil {
		return nil, fmt.Errorf("record test result: %w", err)
	}

	log := slogctx.FromCtx(ctx).With("connection_id", id, "elapsed_ms", res.Elapsed)
	s.emitter.Emit(ctx, EventConnectionTested, res)
	if probeErr != nil {
		log.Warn("connection test failed", "error", probeErr)
		return res, probeErr
	}
	log.Info("connection test passed")
	return res, nil
}

// RunningTests lists the connection tests in flight.
func (s *ConnectionService) RunningTests() []TestRun {
	return s.tests.InFlight()
}

// Wait blocks until running connection tests finish or ctx is done.
func (s *ConnectionService) Wait(ctx context.Context) {
	s.tests.Wait(ctx)
}

// ── Encryption ─────────────────────────────────────────────

// Encrypt seals the stored password. Encrypting twice is rejected.
func (s *ConnectionService) Encrypt(ctx context.Context, ownerID, id string) (*domain.ConnectionConfig, error) {
	cfg, err := s.Resolve(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if cfg.Encrypted {
		return nil, fmt.Errorf("%w: connection %s is already encrypted", domain.ErrEncryption, id)
	}
	if s.sealer == nil {
		return nil, fmt.Errorf("%w: no secret store is configured", domain.ErrEncryption)
	}
	sealed, keyRef, err := s.sealer.Seal(cfg.Options.Password)
	if err != nil {
		return nil, err
	}
	cfg.Options.Password, cfg.KeyRef, cfg.Encrypted = sealed, keyRef, true
	if err := s.store.UpdateConnection(cfg); err != nil {
		s.forgetKey(ctx, keyRef)
		return nil, fmt.Errorf("encrypt connection: %w", err)
	}
	slogctx.FromCtx(ctx).Info("connection password encrypted", "connection_id", id)
	s.emitter.Emit(ctx, EventConnectionChanged, ChangeEvent{ID: id, Action: "updated"})
	out := cfg.Redacted()
	return &out, nil
}

// Decrypt restores the plaintext password and drops its key. Decrypting a
// plaintext configuration is rejected.
func (s *ConnectionService) Decrypt(ctx context.Context, ownerID, id string) (*domain.ConnectionConfig, error) {
	cfg, err := s.Resolve(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if !cfg.Encrypted {
		return nil, fmt.Errorf("%w: connection %s is not encrypted", domain.ErrEncryption, id)
	}
	plain, err := plainPassword(s.sealer, cfg)
	if err != nil {
		return nil, err
	}
	keyRef := cfg.KeyRef
	cfg.Options.Password, cfg.KeyRef, cfg.Encrypted = plain, "", false
	if err := s.store.UpdateConnection(cfg); err != nil {
		return nil, fmt.Errorf("decrypt connection: %w", err)
	}
	s.forgetKey(ctx, keyRef)
	slogctx.FromCtx(ctx).Info("connection password decrypted", "connection_id", id)
	s.emitter.Emit(ctx, EventConnectionChanged, ChangeEvent{ID: id, Action: "updated"})
	out := cfg.Redacted()
	return &out, nil
}

// ── Introspection ──────────────────────────────────────────

// Describe introspects every table of the connection. Tables are
// described in parallel, each on its own pooled adapter.
func (s *ConnectionService) Describe(ctx context.Context, ownerID, id string, withKeys bool) (*SchemaDescription, error) {
	cfg, err := s.Resolve(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	return s.describe(ctx, cfg, withKeys)
}

func (s *ConnectionService) describe(ctx context.Context, cfg *domain.ConnectionConfig, withKeys bool) (*SchemaDescription, error) {
	var tables []string
	err := s.pools.WithClient(ctx, cfg, func(c dbclient.Client) error {
		var err error
		tables, err = c.ListTables(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	slices.Sort(tables)

	desc := &SchemaDescription{
		ConnectionID: cfg.ID,
		Backend:      cfg.Backend,
		Schema:       schemaName(cfg),
		Tables:       make([]TableDescription, len(tables)),
	}
	_, poolMax := cfg.Options.PoolBounds()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(min(describeFanOut, poolMax))
	for i, table := range tables {
		g.Go(func() error {
			return s.pools.WithClient(gctx, cfg, func(c dbclient.Client) error {
				t := TableDescription{Name: table}
				var err error
				if t.Columns, err = c.ListColumns(gctx, table); err != nil {
					return fmt.Errorf("columns of %s: %w", table, err)
				}
				if withKeys {
					if t.Indexes, err = c.ListIndexes(gctx, table); err != nil {
						return fmt.Errorf("indexes of %s: %w", table, err)
					}
					if t.ForeignKeys, err = c.ListForeignKeys(gctx, table); err != nil {
						return fmt.Errorf("foreign keys of %s: %w", table, err)
					}
				}
				desc.Tables[i] = t
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return desc, nil
}

// schemaName is the namespace unqualified table names resolve to.
func schemaName(cfg *domain.ConnectionConfig) string {
	if cfg.Options.Schema != "" {
		return cfg.Options.Schema
	}
	switch cfg.Backend {
	case domain.BackendPostgres:
		return "public"
	case domain.BackendMSSQL:
		return "dbo"
	case domain.BackendMySQL, domain.BackendMongoDB:
		return cfg.Options.Database
	case domain.BackendSQLite:
		return "main"
	}
	return ""
}
