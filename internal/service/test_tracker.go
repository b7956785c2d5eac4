package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"querybuilder/internal/domain"
)

// TestRun describes a liveness test of one connection configuration.
type TestRun struct {
	ConnectionID string         `json:"connectionId"`
	Name         string         `json:"name"`
	Backend      domain.Backend `json:"backend"`
	StartedAt    time.Time      `json:"startedAt"`
}

// TestTracker admits one liveness test per configuration at a time. A
// second test would race the first on the stored LastTest* fields. It
// also lets shutdown wait until every outcome has been recorded.
type TestTracker struct {
	mu      sync.Mutex
	running map[string]TestRun
	wg      sync.WaitGroup
}

// Begin registers a test of cfg. When one is already running for the
// same id it returns that run and false.
func (t *TestTracker) Begin(cfg *domain.ConnectionConfig) (TestRun, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if run, ok := t.running[cfg.ID]; ok {
		return run, false
	}
	if t.running == nil {
		t.running = make(map[string]TestRun)
	}
	run := TestRun{ConnectionID: cfg.ID, Name: cfg.Name, Backend: cfg.Backend, StartedAt: time.Now().UTC()}
	t.running[cfg.ID] = run
	t.wg.Add(1)
	return run, true
}

// End forgets the test of id. It must follow a successful Begin.
func (t *TestTracker) End(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return
	}
	delete(t.running, id)
	t.wg.Done()
}

// InFlight lists running tests, oldest first.
func (t *TestTracker) InFlight() []TestRun {
	t.mu.Lock()
	runs := make([]TestRun, 0, len(t.running))
	for _, run := range t.running {
		runs = append(runs, run)
	}
	t.mu.Unlock()
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].ConnectionID < runs[j].ConnectionID
		}
		return runs[i].StartedAt.Before(runs[j].StartedAt)
	})
	return runs
}

// Wait blocks until no test is running or ctx is done.
func (t *TestTracker) Wait(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
