package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"querybuilder/internal/dbclient"
	"querybuilder/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	serial  int
	opts    domain.ConnectionOptions
	pingErr error
	queries atomic.Int32
	closed  atomic.Bool
}

func (f *fakeClient) Backend() domain.Backend { return domain.BackendPostgres }
func (f *fakeClient) Connect(context.Context) error { return nil }
func (f *fakeClient) Disconnect(context.Context) error { f.closed.Store(true); return nil }
func (f *fakeClient) Ping(context.Context) error { return f.pingErr }
func (f *fakeClient) ListTables(context.Context) ([]string, error) { return nil, nil }
func (f *fakeClient) ListColumns(context.Context, string) ([]dbclient.Column, error) {
	return nil, nil
}
func (f *fakeClient) ListIndexes(context.Context, string) ([]dbclient.Index, error) {
	return nil, nil
}
func (f *fakeClient) ListForeignKeys(context.Context, string) ([]dbclient.ForeignKey, error) {
	return nil, nil
}
func (f *fakeClient) ExecuteTransaction(context.Context, []string) error { return nil }
func (f *fakeClient) Explain(context.Context, string) (*dbclient.Plan, error) {
	return nil, errors.New("no plan")
}

func (f *fakeClient) Query(_ context.Context, statement string, _ ...any) (*dbclient.Result, error) {
	f.queries.Add(1)
	if statement == "FAIL" {
		return nil, errors.New("syntax error at or near FAIL")
	}
	return &dbclient.Result{Rows: []map[string]any{{"n": int64(1)}}, RowCount: 1}, nil
}

type fakeFactory struct {
	mu          sync.Mutex
	clients     []*fakeClient
	pingFailing int // first n clients fail their probe
	connectErr  error
}

func (ff *fakeFactory) build(cfg *domain.ConnectionConfig) (dbclient.Client, error) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if ff.connectErr != nil {
		return nil, ff.connectErr
	}
	c := &fakeClient{serial: len(ff.clients) + 1, opts: cfg.Options}
	if len(ff.clients) < ff.pingFailing {
		c.pingErr = errors.New("connection reset by peer")
	}
	ff.clients = append(ff.clients, c)
	return c, nil
}

func (ff *fakeFactory) created() int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return len(ff.clients)
}

func newTestManager(t *testing.T, ff *fakeFactory) *Manager {
	t.Helper()
	m, err := NewManager(ff.build, Options{AcquireTimeout: 2 * time.Second, SkipWarmUp: true})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func testConfig() *domain.ConnectionConfig {
	return &domain.ConnectionConfig{
		ID:      "conn-1",
		Name:    "primary",
		Backend: domain.BackendPostgres,
		Options: domain.ConnectionOptions{Host: "db-a", Pool: domain.PoolOptions{Min: 1, Max: 3}},
	}
}

func TestConcurrentAcquireConvergesOnOnePool(t *testing.T) {
	m := newTestManager(t, &fakeFactory{})
	cfg := testConfig()

	const n = 32
	got := make([]*entry, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := m.entryFor(context.Background(), cfg)
			assert.NoError(t, err)
			got[i] = e
		}()
	}
	wg.Wait()

	for _, e := range got {
		assert.Same(t, got[0], e)
	}
	m.mu.RLock()
	assert.Len(t, m.entries, 1)
	m.mu.RUnlock()
}

func TestOptionsChangeRebuildsAdapters(t *testing.T) {
	ff := &fakeFactory{}
	m := newTestManager(t, ff)
	cfg := testConfig()

	lease, err := m.Acquire(context.Background(), cfg)
	require.NoError(t, err)
	first := lease.Client().(*fakeClient)
	assert.Equal(t, "db-a", first.opts.Host)
	lease.Release()

	updated := *cfg
	updated.Options.Host = "db-b"
	lease, err = m.Acquire(context.Background(), &updated)
	require.NoError(t, err)
	defer lease.Release()

	second := lease.Client().(*fakeClient)
	assert.NotSame(t, first, second)
	assert.Equal(t, "db-b", second.opts.Host)
	assert.True(t, first.closed.Load(), "adapter from the stale pool is destroyed")
}

func TestInvalidateEvictsPool(t *testing.T) {
	ff := &fakeFactory{}
	m := newTestManager(t, ff)
	cfg := testConfig()

	_, err := m.Execute(context.Background(), cfg, "SELECT 1")
	require.NoError(t, err)

	<-m.Invalidate(cfg.ID)
	_, ok := m.Stats(cfg.ID)
	assert.False(t, ok)

	_, err = m.Execute(context.Background(), cfg, "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, 2, ff.created(), "a fresh adapter is built after invalidation")
}

func TestDrainWaitsForCheckedOutAdapter(t *testing.T) {
	m := newTestManager(t, &fakeFactory{})
	cfg := testConfig()

	lease, err := m.Acquire(context.Background(), cfg)
	require.NoError(t, err)

	done := m.Invalidate(cfg.ID)
	select {
	case <-done:
		t.Fatal("pool drained while an adapter was checked out")
	case <-time.After(50 * time.Millisecond):
	}
	st, ok := m.Stats(cfg.ID)
	require.True(t, ok, "entry stays until drained")
	assert.True(t, st.Draining)

	lease.Release()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not finish after release")
	}
}

func TestExecuteReleasesOnError(t *testing.T) {
	m := newTestManager(t, &fakeFactory{})
	cfg := testConfig()

	_, err := m.Execute(context.Background(), cfg, "SELECT 1")
	require.NoError(t, err)
	before, ok := m.Stats(cfg.ID)
	require.True(t, ok)

	_, err = m.Execute(context.Background(), cfg, "FAIL")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "syntax error")

	after, ok := m.Stats(cfg.ID)
	require.True(t, ok)
	assert.Equal(t, before.Idle, after.Idle)
	assert.Zero(t, after.Acquired)
}

func TestProbeFailureReplacesAdapter(t *testing.T) {
	ff := &fakeFactory{pingFailing: 1}
	m := newTestManager(t, ff)

	lease, err := m.Acquire(context.Background(), testConfig())
	require.NoError(t, err)
	defer lease.Release()

	assert.Equal(t, 2, lease.Client().(*fakeClient).serial)
	assert.Eventually(t, ff.clients[0].closed.Load, time.Second, 5*time.Millisecond)
}

func TestProbeFailureGivesUp(t *testing.T) {
	ff := &fakeFactory{pingFailing: 100}
	m := newTestManager(t, ff)

	_, err := m.Acquire(context.Background(), testConfig())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConnection)
	assert.Equal(t, defaultProbeRetries, ff.created())
}

func TestConstructorFailureIsConnectionError(t *testing.T) {
	m := newTestManager(t, &fakeFactory{connectErr: errors.New("dial tcp: connection refused")})

	_, err := m.Acquire(context.Background(), testConfig())
	assert.ErrorIs(t, err, domain.ErrConnection)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestReapKeepsMin(t *testing.T) {
	m := newTestManager(t, &fakeFactory{})
	cfg := testConfig()
	cfg.Options.Pool.IdleTimeoutMS = 1

	var leases []*Lease
	for range 3 {
		l, err := m.Acquire(context.Background(), cfg)
		require.NoError(t, err)
		leases = append(leases, l)
	}
	for _, l := range leases {
		l.Release()
	}
	time.Sleep(20 * time.Millisecond)

	m.Reap()
	// destruction is asynchronous
	assert.Eventually(t, func() bool {
		st, ok := m.Stats(cfg.ID)
		return ok && st.Total == 1 && st.Idle == 1
	}, time.Second, 5*time.Millisecond)
}

func TestWarmUpCreatesMin(t *testing.T) {
	ff := &fakeFactory{}
	m, err := NewManager(ff.build, Options{})
	require.NoError(t, err)
	defer m.Close()

	cfg := testConfig()
	cfg.Options.Pool.Min = 2
	_, err = m.entryFor(context.Background(), cfg)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		st, ok := m.Stats(cfg.ID)
		return ok && st.Total == 2
	}, time.Second, 5*time.Millisecond)
}

func TestClosedManagerRejectsAcquire(t *testing.T) {
	ff := &fakeFactory{}
	m, err := NewManager(ff.build, Options{SkipWarmUp: true})
	require.NoError(t, err)
	cfg := testConfig()
	_, err = m.Execute(context.Background(), cfg, "SELECT 1")
	require.NoError(t, err)

	require.NoError(t, m.Close())
	assert.True(t, ff.clients[0].closed.Load())

	_, err = m.Acquire(context.Background(), cfg)
	assert.ErrorIs(t, err, domain.ErrConnection)
}
