// Package pool keeps one bounded pool of backend adapters per connection
// configuration.
//
// The manager's map is process-wide state. Entries are created lazily under
// a per-id guard, so concurrent first acquisitions converge on one pool, and
// an entry is removed only after its pool has been fully drained.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"querybuilder/internal/dbclient"
	"querybuilder/internal/domain"

	"github.com/hashicorp/go-multierror"
	"github.com/jackc/puddle/v2"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

// Factory builds an unconnected adapter for a configuration. It is where
// sealed passwords get opened.
type Factory func(cfg *domain.ConnectionConfig) (dbclient.Client, error)

// Options tunes the manager. Zero values fall back to defaults.
type Options struct {
	// AcquireTimeout bounds one Acquire call, including waiting for capacity.
	AcquireTimeout time.Duration
	// ProbeRetries is how many adapters may fail the liveness probe before
	// Acquire gives up.
	ProbeRetries int
	// ReapInterval schedules the idle reaper; zero disables it.
	ReapInterval time.Duration
	// SkipWarmUp disables creating min adapters when a pool is first built.
	SkipWarmUp bool
	Logger     *slog.Logger
}

const (
	defaultAcquireTimeout = 30 * time.Second
	defaultProbeRetries   = 3
	disconnectTimeout     = 5 * time.Second
)

// Stats is a snapshot of one configuration's pool.
type Stats struct {
	Total    int32 `json:"total"`
	Idle     int32 `json:"idle"`
	Acquired int32 `json:"acquired"`
	Min      int   `json:"min"`
	Max      int   `json:"max"`
	Draining bool  `json:"draining"`
}

type entry struct {
	id          string
	fingerprint string
	pool        *puddle.Pool[dbclient.Client]
	min, max    int
	idleTimeout time.Duration

	// draining is set under the id guard and closed once the pool is gone.
	draining chan struct{}

	errMu sync.Mutex
	errs  *multierror.Error
}

func (e *entry) recordErr(err error) {
	e.errMu.Lock()
	e.errs = multierror.Append(e.errs, err)
	e.errMu.Unlock()
}

func (e *entry) err() error {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	return e.errs.ErrorOrNil()
}

// Manager owns every adapter pool in the process.
type Manager struct {
	factory Factory
	opts    Options
	logger  *slog.Logger
	guard   keyedMutex
	reaper  *cron.Cron

	mu      sync.RWMutex
	entries map[string]*entry
	closed  bool
}

// NewManager creates an empty manager and starts the idle reaper.
func NewManager(factory Factory, opts Options) (*Manager, error) {
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = defaultAcquireTimeout
	}
	if opts.ProbeRetries <= 0 {
		opts.ProbeRetries = defaultProbeRetries
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	m := &Manager{
		factory: factory,
		opts:    opts,
		logger:  logger.With("module", "pool"),
		entries: make(map[string]*entry),
	}
	if opts.ReapInterval > 0 {
		m.reaper = cron.New()
		if _, err := m.reaper.AddFunc(fmt.Sprintf("@every %s", opts.ReapInterval), m.Reap); err != nil {
			return nil, fmt.Errorf("%w: schedule reaper: %w", domain.ErrConfiguration, err)
		}
		m.reaper.Start()
	}
	return m, nil
}

// ─────────────────────────────────────────────────────────────
// Pool lifecycle
// ─────────────────────────────────────────────────────────────

// entryFor returns the live entry for cfg, building it on first use. A pool
// whose options no longer match cfg is drained first.
func (m *Manager) entryFor(ctx context.Context, cfg *domain.ConnectionConfig) (*entry, error) {
	fingerprint := cfg.Options.Fingerprint()
	for {
		unlock := m.guard.Lock(cfg.ID)

		m.mu.RLock()
		closed := m.closed
		e := m.entries[cfg.ID]
		m.mu.RUnlock()
		if closed {
			unlock()
			return nil, fmt.Errorf("%w: pool manager is closed", domain.ErrConnection)
		}

		if e != nil && e.draining == nil && e.fingerprint != fingerprint {
			m.logger.Info("connection options changed, draining pool", "connection_id", cfg.ID)
			m.drainLocked(e)
		}
		if e != nil && e.draining != nil {
			done := e.draining
			unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: waiting for pool drain: %w", domain.ErrConnection, ctx.Err())
			}
		}
		if e == nil {
			var err error
			if e, err = m.newEntry(cfg, fingerprint); err != nil {
				unlock()
				return nil, err
			}
			m.mu.Lock()
			m.entries[cfg.ID] = e
			m.mu.Unlock()
			if !m.opts.SkipWarmUp {
				go m.warm(e)
			}
		}
		unlock()
		return e, nil
	}
}

func (m *Manager) newEntry(cfg *domain.ConnectionConfig, fingerprint string) (*entry, error) {
	snapshot := *cfg
	minSize, maxSize := cfg.Options.PoolBounds()
	e := &entry{
		id:          cfg.ID,
		fingerprint: fingerprint,
		min:         minSize,
		max:         maxSize,
		idleTimeout: cfg.Options.IdleTimeout(),
	}
	logger := m.logger.With("connection_id", cfg.ID, "backend", string(cfg.Backend))

	pool, err := puddle.NewPool(&puddle.Config[dbclient.Client]{
		Constructor: func(ctx context.Context) (dbclient.Client, error) {
			client, err := m.factory(&snapshot)
			if err != nil {
				return nil, err
			}
			if err := client.Connect(ctx); err != nil {
				return nil, err
			}
			logger.Debug("adapter created")
			return client, nil
		},
		Destructor: func(client dbclient.Client) {
			ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
			defer cancel()
			if err := client.Disconnect(ctx); err != nil {
				logger.Warn("adapter disconnect failed", "error", err)
				e.recordErr(err)
				return
			}
			logger.Debug("adapter destroyed")
		},
		MaxSize: int32(maxSize),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: pool for %s: %w", domain.ErrConfiguration, cfg.ID, err)
	}
	e.pool = pool
	logger.Info("pool created", "min", minSize, "max", maxSize, "idle_timeout", e.idleTimeout)
	return e, nil
}

// warm fills the pool up to min in the background. Failures only log; the
// next Acquire reports them to its caller.
func (m *Manager) warm(e *entry) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.AcquireTimeout)
	defer cancel()
	for e.pool.Stat().TotalResources() < int32(e.min) {
		if err := e.pool.CreateResource(ctx); err != nil {
			if !errors.Is(err, puddle.ErrClosedPool) && !errors.Is(err, puddle.ErrNotAvailable) {
				m.logger.Warn("pool warm-up failed", "connection_id", e.id, "error", err)
			}
			return
		}
	}
}

// drainLocked starts closing e's pool. The caller holds the id guard.
func (m *Manager) drainLocked(e *entry) <-chan struct{} {
	if e.draining != nil {
		return e.draining
	}
	done := make(chan struct{})
	e.draining = done
	go func() {
		// Close waits for every checked-out adapter to come back.
		e.pool.Close()
		unlock := m.guard.Lock(e.id)
		m.mu.Lock()
		if m.entries[e.id] == e {
			delete(m.entries, e.id)
		}
		m.mu.Unlock()
		unlock()
		m.logger.Info("pool drained", "connection_id", e.id)
		close(done)
	}()
	return done
}

// Invalidate drains and evicts the pool for id. The returned channel closes
// once the pool is gone; callers that do not care may ignore it.
func (m *Manager) Invalidate(id string) <-chan struct{} {
	unlock := m.guard.Lock(id)
	defer unlock()

	m.mu.RLock()
	e := m.entries[id]
	m.mu.RUnlock()
	if e == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return m.drainLocked(e)
}

// ─────────────────────────────────────────────────────────────
// Checkout
// ─────────────────────────────────────────────────────────────

// Lease is an adapter checked out for exclusive use.
type Lease struct {
	res  *puddle.Resource[dbclient.Client]
	once sync.Once
}

// Client returns the leased adapter.
func (l *Lease) Client() dbclient.Client { return l.res.Value() }

// Release returns the adapter to its pool. Safe to call more than once.
func (l *Lease) Release() { l.once.Do(l.res.Release) }

// Acquire checks out a live adapter for cfg. Adapters that fail the
// liveness probe are destroyed and replaced up to ProbeRetries times.
func (m *Manager) Acquire(ctx context.Context, cfg *domain.ConnectionConfig) (*Lease, error) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.AcquireTimeout)
	defer cancel()

	failures := 0
	for {
		e, err := m.entryFor(ctx, cfg)
		if err != nil {
			return nil, err
		}
		res, err := e.pool.Acquire(ctx)
		if errors.Is(err, puddle.ErrClosedPool) {
			// drained between lookup and checkout; the next lookup waits for it
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: acquire %s: %w", domain.ErrConnection, cfg.ID, err)
		}

		if err := res.Value().Ping(ctx); err != nil {
			res.Destroy()
			failures++
			m.logger.Warn("adapter failed liveness probe", "connection_id", cfg.ID, "attempt", failures, "error", err)
			if failures >= m.opts.ProbeRetries {
				return nil, fmt.Errorf("%w: liveness probe failed %d times: %w", domain.ErrConnection, failures, err)
			}
			continue
		}
		return &Lease{res: res}, nil
	}
}

// WithClient runs fn with a leased adapter and always releases it.
func (m *Manager) WithClient(ctx context.Context, cfg *domain.ConnectionConfig, fn func(dbclient.Client) error) error {
	lease, err := m.Acquire(ctx, cfg)
	if err != nil {
		return err
	}
	defer lease.Release()
	return fn(lease.Client())
}

// Execute runs one statement on a pooled adapter.
func (m *Manager) Execute(ctx context.Context, cfg *domain.ConnectionConfig, statement string, params ...any) (*dbclient.Result, error) {
	var res *dbclient.Result
	err := m.WithClient(ctx, cfg, func(c dbclient.Client) error {
		var err error
		res, err = c.Query(ctx, statement, params...)
		return err
	})
	return res, err
}

// Stats reports the pool for id, if one exists.
func (m *Manager) Stats(id string) (Stats, bool) {
	unlock := m.guard.Lock(id)
	defer unlock()

	m.mu.RLock()
	e := m.entries[id]
	m.mu.RUnlock()
	if e == nil {
		return Stats{}, false
	}
	st := e.pool.Stat()
	return Stats{
		Total:    st.TotalResources(),
		Idle:     st.IdleResources(),
		Acquired: st.AcquiredResources(),
		Min:      e.min,
		Max:      e.max,
		Draining: e.draining != nil,
	}, true
}

// ─────────────────────────────────────────────────────────────
// Maintenance
// ─────────────────────────────────────────────────────────────

// Reap destroys adapters idle for longer than their pool's idle timeout,
// never shrinking a pool below its min.
func (m *Manager) Reap() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.reapOne(id)
	}
}

func (m *Manager) reapOne(id string) {
	unlock := m.guard.Lock(id)
	defer unlock()

	m.mu.RLock()
	e := m.entries[id]
	m.mu.RUnlock()
	if e == nil || e.draining != nil {
		return
	}

	total := int(e.pool.Stat().TotalResources())
	reaped := 0
	for _, res := range e.pool.AcquireAllIdle() {
		if total > e.min && res.IdleDuration() > e.idleTimeout {
			res.Destroy()
			total--
			reaped++
			continue
		}
		res.ReleaseUnused()
	}
	if reaped > 0 {
		m.logger.Debug("reaped idle adapters", "connection_id", id, "count", reaped)
	}
}

// Close stops the reaper and drains every pool concurrently. Disconnect
// failures from all pools are reported together.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	if m.reaper != nil {
		<-m.reaper.Stop().Done()
	}

	var (
		g      errgroup.Group
		errsMu sync.Mutex
		errs   *multierror.Error
	)
	for _, e := range entries {
		g.Go(func() error {
			<-m.Invalidate(e.id)
			if err := e.err(); err != nil {
				errsMu.Lock()
				errs = multierror.Append(errs, fmt.Errorf("pool %s: %w", e.id, err))
				errsMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs.ErrorOrNil()
}
