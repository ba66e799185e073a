package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
)

// mockExecutor is a staged executor that records every call.
type mockExecutor struct {
	mu sync.Mutex

	applyCalls    int
	stageCalls    []int
	rollbackCalls int
	dryRuns       []bool

	// applyErrs are returned by successive Apply calls; nil entries succeed.
	applyErrs   []error
	applyFail   bool
	stageErrs   map[int]error
	rollbackErr error
	unreverted  []string

	// block, when set, makes Apply wait until it is closed.
	block chan struct{}

	current int
}

func newMockExecutor() *mockExecutor {
	return &mockExecutor{stageErrs: make(map[int]error)}
}

func (m *mockExecutor) Apply(ctx context.Context, req ApplyRequest) (*ApplyResult, error) {
	m.mu.Lock()
	m.applyCalls++
	m.dryRuns = append(m.dryRuns, req.DryRun)
	var err error
	if len(m.applyErrs) > 0 {
		err = m.applyErrs[0]
		m.applyErrs = m.applyErrs[1:]
	}
	block := m.block
	fail := m.applyFail
	m.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	info, _ := json.Marshal(map[string]interface{}{"replicas": 3, "proposal": req.Proposal.ID})
	if fail {
		return &ApplyResult{Success: false, RollbackInfo: info, Message: "mock refused"}, nil
	}
	if !req.Staged && !req.DryRun {
		m.mu.Lock()
		m.current = 100
		m.mu.Unlock()
	}
	impact := req.Proposal.EstimatedImpact
	return &ApplyResult{
		Success:      true,
		RollbackInfo: info,
		Changes:      []Change{{Resource: req.Proposal.TargetResourceID, Path: "spec.replicas", Before: 3, After: 1}},
		ActualImpact: &impact,
	}, nil
}

func (m *mockExecutor) ApplyStage(ctx context.Context, req StageRequest) (*ApplyResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stageCalls = append(m.stageCalls, req.Percentage)
	if err := m.stageErrs[req.Percentage]; err != nil {
		return nil, err
	}
	if !req.DryRun {
		m.current = req.Percentage
	}
	return &ApplyResult{Success: true}, nil
}

func (m *mockExecutor) Rollback(ctx context.Context, req RollbackRequest) (*RollbackResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollbackCalls++
	if m.rollbackErr != nil {
		return nil, m.rollbackErr
	}
	if len(m.unreverted) > 0 {
		return &RollbackResult{Success: false, Unreverted: m.unreverted}, nil
	}
	m.current = 0
	return &RollbackResult{Success: true}, nil
}

func (m *mockExecutor) percentage() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *mockExecutor) counts() (apply, rollback int, stages []int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyCalls, m.rollbackCalls, append([]int(nil), m.stageCalls...)
}

// plainExecutor hides ApplyStage so the executor is not a StagedExecutor.
type plainExecutor struct {
	inner *mockExecutor
}

func (p plainExecutor) Apply(ctx context.Context, req ApplyRequest) (*ApplyResult, error) {
	return p.inner.Apply(ctx, req)
}

func (p plainExecutor) Rollback(ctx context.Context, req RollbackRequest) (*RollbackResult, error) {
	return p.inner.Rollback(ctx, req)
}

// percentageProbe reports health as a function of the executor's applied percentage.
type percentageProbe struct {
	exec   *mockExecutor
	health map[int]float64
	err    error

	mu    sync.Mutex
	reads int
}

func (p *percentageProbe) ReadHealth(ctx context.Context, resourceID string) (float64, error) {
	p.mu.Lock()
	p.reads++
	p.mu.Unlock()
	if p.err != nil {
		return 0, p.err
	}
	score, ok := p.health[p.exec.percentage()]
	if !ok {
		return 0, fmt.Errorf("no health scripted for %d%%", p.exec.percentage())
	}
	return score, nil
}

type staticChecker struct {
	missing map[string]bool
	err     error
}

func (c staticChecker) Exists(ctx context.Context, resourceID string) (bool, error) {
	if c.err != nil {
		return false, c.err
	}
	return !c.missing[resourceID], nil
}

type recordingSink struct {
	mu          sync.Mutex
	transitions []ExecutionStatus
	results     map[string][]*ExecutionResult
}

func newRecordingSink() *recordingSink {
	return &recordingSink{results: make(map[string][]*ExecutionResult)}
}

func (s *recordingSink) PublishTransition(ctx context.Context, exec *Execution, from ExecutionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions = append(s.transitions, exec.Status)
}

func (s *recordingSink) PublishResult(ctx context.Context, result *ExecutionResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[result.ExecutionID] = append(s.results[result.ExecutionID], result)
}

func (s *recordingSink) resultsFor(id string) []*ExecutionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*ExecutionResult(nil), s.results[id]...)
}

func instantSleep(ctx context.Context, d time.Duration) error {
	return ctx.Err()
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Retry.BaseDelay = time.Millisecond
	cfg.Retry.ThrottledDelay = time.Millisecond
	cfg.Rollout.MonitorDuration = time.Minute
	return cfg
}

func newTestEngine(t *testing.T, store CheckpointStore, executors map[ActionType]Executor, opts ...Option) (*Engine, *recordingSink) {
	t.Helper()
	return newTestEngineWithConfig(t, testConfig(), store, executors, opts...)
}

func newTestEngineWithConfig(t *testing.T, cfg Config, store CheckpointStore, executors map[ActionType]Executor, opts ...Option) (*Engine, *recordingSink) {
	t.Helper()

	registry, err := NewRegistry(executors, RegistryOptions{})
	if err != nil {
		t.Fatalf("Failed to create registry: %v", err)
	}

	sink := newRecordingSink()
	opts = append([]Option{WithEventSink(sink), WithSleeper(instantSleep)}, opts...)
	eng, err := New(cfg, store, registry, opts...)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
	})
	return eng, sink
}

func waitFor(t *testing.T, eng *Engine, id string) *Execution {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exec, err := eng.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait(%s) failed: %v", id, err)
	}
	return exec
}

func lowRiskProposal(id, target string) *Proposal {
	return &Proposal{
		ID:               id,
		ActionType:       ActionTerminate,
		TargetResourceID: target,
		EstimatedImpact:  120,
		RiskLevel:        RiskLow,
	}
}
