package dispatch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Flowplane/internal/domain"
	"github.com/shaiso/Flowplane/internal/repo"
)

// memStore — потокобезопасная in-memory реализация хранилища
// с той же CAS-семантикой, что и SQL-запросы репозитория.
type memStore struct {
	mu          sync.Mutex
	runs        map[uuid.UUID]*domain.FlowRun
	routes      map[uuid.UUID][]string
	queues      map[string]*domain.WorkQueue
	deployments map[uuid.UUID]*domain.Deployment
	heartbeats  map[string]domain.AgentHeartbeat
}

func newMemStore() *memStore {
	return &memStore{
		runs:        make(map[uuid.UUID]*domain.FlowRun),
		routes:      make(map[uuid.UUID][]string),
		queues:      make(map[string]*domain.WorkQueue),
		deployments: make(map[uuid.UUID]*domain.Deployment),
		heartbeats:  make(map[string]domain.AgentHeartbeat),
	}
}

func (s *memStore) visibleIn(run *domain.FlowRun, queue string) bool {
	if run.WorkQueueName == queue {
		return true
	}
	for _, q := range s.routes[run.ID] {
		if q == queue {
			return true
		}
	}
	return false
}

func (s *memStore) Claim(_ context.Context, queue string, before time.Time, limit int, holder string, leaseExpiry time.Time) ([]domain.FlowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var eligible []*domain.FlowRun
	for _, run := range s.runs {
		if run.State != domain.RunStateScheduled && run.State != domain.RunStateLate {
			continue
		}
		if run.ScheduledStartTime.After(before) {
			continue
		}
		if !s.visibleIn(run, queue) {
			continue
		}
		eligible = append(eligible, run)
	}
	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].ScheduledStartTime.Before(eligible[j].ScheduledStartTime)
	})
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	out := make([]domain.FlowRun, 0, len(eligible))
	for _, run := range eligible {
		run.State = domain.RunStatePending
		run.LeaseHolder = holder
		expiry := leaseExpiry
		run.LeaseExpiry = &expiry
		out = append(out, *run)
	}
	return out, nil
}

func (s *memStore) GetByID(_ context.Context, id uuid.UUID) (*domain.FlowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *run
	return &cp, nil
}

func (s *memStore) SetInfraDocument(_ context.Context, id uuid.UUID, doc map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return repo.ErrNotFound
	}
	run.InfraDocument = doc
	return nil
}

func (s *memStore) TransitionRunning(_ context.Context, id uuid.UUID, holder string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return 0, nil
	}
	if run.State != domain.RunStatePending || run.LeaseHolder != holder ||
		run.LeaseExpiry == nil || !run.LeaseExpiry.After(now) {
		return 0, nil
	}
	run.State = domain.RunStateRunning
	run.StartedAt = &now
	return 1, nil
}

func (s *memStore) TransitionTerminal(_ context.Context, id uuid.UUID, holder string, state domain.RunState, reason string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return 0, nil
	}
	if run.State != domain.RunStateRunning || run.LeaseHolder != holder {
		return 0, nil
	}
	run.MarkTerminal(state, reason, now)
	return 1, nil
}

func (s *memStore) TransitionTerminalFromPending(_ context.Context, id uuid.UUID, holder string, state domain.RunState, reason string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok || run.State != domain.RunStatePending || run.LeaseHolder != holder {
		return 0, nil
	}
	run.MarkTerminal(state, reason, now)
	return 1, nil
}

func (s *memStore) TransitionFailed(_ context.Context, id uuid.UUID, reason string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok || run.State.IsTerminal() {
		return 0, nil
	}
	run.MarkTerminal(domain.RunStateFailed, reason, now)
	return 1, nil
}

func (s *memStore) Cancel(_ context.Context, id uuid.UUID, reason string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok || run.State.IsTerminal() {
		return 0, nil
	}
	run.MarkTerminal(domain.RunStateCancelled, reason, now)
	return 1, nil
}

func (s *memStore) CountRunning(_ context.Context, queue string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int
	for _, run := range s.runs {
		if run.State == domain.RunStateRunning && s.visibleIn(run, queue) {
			count++
		}
	}
	return count, nil
}

func (s *memStore) GetOrCreate(_ context.Context, name string) (*domain.WorkQueue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queues[name]; ok {
		cp := *q
		return &cp, nil
	}
	q := &domain.WorkQueue{Name: name}
	s.queues[name] = q
	cp := *q
	return &cp, nil
}

func (s *memStore) GetDeploymentByID(_ context.Context, id uuid.UUID) (*domain.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.deployments[id]; ok {
		return d, nil
	}
	return nil, repo.ErrNotFound
}

func (s *memStore) UpsertHeartbeat(_ context.Context, hb *domain.AgentHeartbeat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heartbeats[hb.AgentID] = *hb
	return nil
}

// deploymentStoreAdapter подгоняет memStore под DeploymentStore.
type deploymentStoreAdapter struct{ s *memStore }

func (a deploymentStoreAdapter) GetByID(ctx context.Context, id uuid.UUID) (*domain.Deployment, error) {
	return a.s.GetDeploymentByID(ctx, id)
}

func (s *memStore) addScheduledRun(queue string, at time.Time) *domain.FlowRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	run := &domain.FlowRun{
		ID:                 uuid.New(),
		FlowID:             uuid.New(),
		State:              domain.RunStateScheduled,
		ScheduledStartTime: at,
		WorkQueueName:      queue,
		CreatedAt:          at,
	}
	s.runs[run.ID] = run
	return run
}

// requeueExpired — in-memory зеркало sweep'а материализатора
// с теми же условиями, что и SQL-запросы репозитория: истёкший
// PENDING возвращается в SCHEDULED, maxExpiries-е подряд истечение
// фиксирует CRASHED.
func (s *memStore) requeueExpired(now time.Time, maxExpiries int) (requeued, crashed []uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, run := range s.runs {
		if run.State != domain.RunStatePending || run.LeaseExpiry == nil || run.LeaseExpiry.After(now) {
			continue
		}
		if run.RequeueCount+1 < maxExpiries {
			run.State = domain.RunStateScheduled
			run.LeaseHolder = ""
			run.LeaseExpiry = nil
			run.RequeueCount++
			requeued = append(requeued, id)
		} else {
			run.MarkTerminal(domain.RunStateCrashed, "lease expiry limit reached", now)
			crashed = append(crashed, id)
		}
	}
	return requeued, crashed
}

func (s *memStore) runState(id uuid.UUID) domain.RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[id].State
}

func newDispatcher(s *memStore, now time.Time, opts ...func(*Config)) *Dispatcher {
	cfg := Config{
		Runs:        s,
		Queues:      s,
		Deployments: deploymentStoreAdapter{s},
		Agents:      s,
		LeaseTTL:    time.Minute,
		Prefetch:    10 * time.Second,
		Now:         func() time.Time { return now },
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return New(cfg)
}

func TestPollClaimsEachRunExactlyOnce(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()

	const total = 40
	for i := 0; i < total; i++ {
		store.addScheduledRun("q", now.Add(-time.Duration(i)*time.Second))
	}

	d := newDispatcher(store, now)
	ctx := context.Background()

	var mu sync.Mutex
	counts := make(map[uuid.UUID]int)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		agentID := string(rune('a' + w))
		go func() {
			defer wg.Done()
			for {
				runs, err := d.Poll(ctx, agentID, "q", 3)
				if err != nil {
					t.Errorf("Poll: %v", err)
					return
				}
				if len(runs) == 0 {
					return
				}
				mu.Lock()
				for _, r := range runs {
					counts[r.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(counts) != total {
		t.Errorf("claimed %d distinct runs, want %d", len(counts), total)
	}
	for id, n := range counts {
		if n != 1 {
			t.Errorf("run %s claimed %d times", id, n)
		}
	}
}

func TestPollCreatesQueueOnFirstUse(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	d := newDispatcher(store, now)

	runs, err := d.Poll(context.Background(), "agent-1", "fresh", 1)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("got %d runs from empty queue", len(runs))
	}
	if _, ok := store.queues["fresh"]; !ok {
		t.Error("queue not created on first poll")
	}
}

func TestPollRefusesPausedQueue(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	store.queues["q"] = &domain.WorkQueue{Name: "q", IsPaused: true}
	store.addScheduledRun("q", now)

	d := newDispatcher(store, now)
	if _, err := d.Poll(context.Background(), "agent-1", "q", 1); !errors.Is(err, ErrQueuePaused) {
		t.Fatalf("err = %v, want ErrQueuePaused", err)
	}
}

func TestPollHonorsConcurrencyLimit(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	limit := 2
	store.queues["q"] = &domain.WorkQueue{Name: "q", ConcurrencyLimit: &limit}

	running := store.addScheduledRun("q", now.Add(-time.Minute))
	store.runs[running.ID].State = domain.RunStateRunning
	for i := 0; i < 5; i++ {
		store.addScheduledRun("q", now)
	}

	d := newDispatcher(store, now)
	runs, err := d.Poll(context.Background(), "agent-1", "q", 5)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(runs) != 1 {
		t.Errorf("dispatched %d runs, want 1 (capacity = limit - running)", len(runs))
	}

	// Ёмкость исчерпана: второй RUNNING блокирует выдачу полностью.
	second := store.addScheduledRun("q", now.Add(-time.Minute))
	store.runs[second.ID].State = domain.RunStateRunning

	runs, err = d.Poll(context.Background(), "agent-1", "q", 5)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("dispatched %d runs at zero capacity", len(runs))
	}
}

func TestPollPrefetchWindow(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	soon := store.addScheduledRun("q", now.Add(5*time.Second))
	store.addScheduledRun("q", now.Add(time.Hour))

	d := newDispatcher(store, now)
	runs, err := d.Poll(context.Background(), "agent-1", "q", 10)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != soon.ID {
		t.Errorf("prefetch window must admit only the near-term run, got %d", len(runs))
	}
}

func TestPollLegacyClaimKillsVisibilityEverywhere(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()

	run := store.addScheduledRun("", now)
	store.routes[run.ID] = []string{"gpu-east", "gpu-west"}

	d := newDispatcher(store, now)
	ctx := context.Background()

	east, err := d.Poll(ctx, "agent-east", "gpu-east", 1)
	if err != nil {
		t.Fatalf("Poll east: %v", err)
	}
	if len(east) != 1 {
		t.Fatalf("east got %d runs, want 1", len(east))
	}

	west, err := d.Poll(ctx, "agent-west", "gpu-west", 1)
	if err != nil {
		t.Fatalf("Poll west: %v", err)
	}
	if len(west) != 0 {
		t.Error("claimed run still visible in second legacy queue")
	}
}

func TestPollResolvesInfraDocument(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()

	dep := &domain.Deployment{
		ID:            uuid.New(),
		InfraTemplate: map[string]any{"image": "worker:v1", "env": map[string]any{}},
		InfraOverrides: map[string]any{
			"env.API_KEY": "secret",
		},
	}
	store.deployments[dep.ID] = dep

	run := store.addScheduledRun("q", now)
	store.runs[run.ID].DeploymentID = &dep.ID

	d := newDispatcher(store, now)
	runs, err := d.Poll(context.Background(), "agent-1", "q", 1)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("got %d runs, want 1", len(runs))
	}

	doc := runs[0].InfraDocument
	env, _ := doc["env"].(map[string]any)
	if env["API_KEY"] != "secret" {
		t.Errorf("override not applied: %v", doc)
	}
	if doc["image"] != "worker:v1" {
		t.Errorf("template field lost: %v", doc)
	}
}

func TestPollFailsRunOnInfraConflict(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()

	dep := &domain.Deployment{
		ID:            uuid.New(),
		InfraTemplate: map[string]any{"name": "worker"},
		InfraOverrides: map[string]any{
			"name.nested": "x", // промежуточный узел — строка
		},
	}
	store.deployments[dep.ID] = dep

	run := store.addScheduledRun("q", now)
	store.runs[run.ID].DeploymentID = &dep.ID

	d := newDispatcher(store, now)
	runs, err := d.Poll(context.Background(), "agent-1", "q", 1)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("run with broken infra dispatched to agent")
	}
	if got := store.runState(run.ID); got != domain.RunStateFailed {
		t.Errorf("run state = %s, want FAILED", got)
	}
}

func TestReportRunningIsIdempotentForHolder(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	run := store.addScheduledRun("q", now)

	d := newDispatcher(store, now)
	ctx := context.Background()

	if _, err := d.Poll(ctx, "agent-1", "q", 1); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	if err := d.ReportRunning(ctx, run.ID, "agent-1"); err != nil {
		t.Fatalf("first ReportRunning: %v", err)
	}
	if got := store.runState(run.ID); got != domain.RunStateRunning {
		t.Fatalf("state = %s, want RUNNING", got)
	}

	// Повторный отчёт держателя — no-op
	if err := d.ReportRunning(ctx, run.ID, "agent-1"); err != nil {
		t.Errorf("repeated ReportRunning: %v", err)
	}

	// Чужой отчёт отклоняется
	if err := d.ReportRunning(ctx, run.ID, "agent-2"); !errors.Is(err, ErrConflict) {
		t.Errorf("foreign ReportRunning: err = %v, want ErrConflict", err)
	}
}

func TestReportRunningAfterLeaseExpiry(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	run := store.addScheduledRun("q", now)

	d := newDispatcher(store, now)
	ctx := context.Background()
	if _, err := d.Poll(ctx, "agent-1", "q", 1); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	// Отчёт приходит после истечения lease
	late := newDispatcher(store, now.Add(2*time.Minute))
	if err := late.ReportRunning(ctx, run.ID, "agent-1"); !errors.Is(err, ErrLeaseExpired) {
		t.Errorf("err = %v, want ErrLeaseExpired", err)
	}
}

func TestStaleAgentReportAfterRequeue(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	run := store.addScheduledRun("q", now)

	d := newDispatcher(store, now)
	ctx := context.Background()
	if _, err := d.Poll(ctx, "agent-1", "q", 1); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	// Lease истёк, материализатор вернул run в очередь,
	// и его забрал другой агент.
	store.mu.Lock()
	store.runs[run.ID].State = domain.RunStateScheduled
	store.runs[run.ID].LeaseHolder = ""
	store.runs[run.ID].LeaseExpiry = nil
	store.runs[run.ID].RequeueCount = 1
	store.mu.Unlock()

	later := newDispatcher(store, now.Add(3*time.Minute))
	if _, err := later.Poll(ctx, "agent-2", "q", 1); err != nil {
		t.Fatalf("second Poll: %v", err)
	}

	// Отчёты первого агента — stale
	if err := later.ReportRunning(ctx, run.ID, "agent-1"); !errors.Is(err, ErrConflict) {
		t.Errorf("stale ReportRunning: err = %v, want ErrConflict", err)
	}
	if err := later.ReportTerminal(ctx, run.ID, "agent-1", domain.RunStateCompleted, ""); !errors.Is(err, ErrConflict) {
		t.Errorf("stale ReportTerminal: err = %v, want ErrConflict", err)
	}

	// Отчёты текущего держателя проходят
	if err := later.ReportRunning(ctx, run.ID, "agent-2"); err != nil {
		t.Errorf("holder ReportRunning: %v", err)
	}
}

func TestLeaseExpirySweepCrashesAtCap(t *testing.T) {
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	run := store.addScheduledRun("q", base)
	ctx := context.Background()

	const maxExpiries = 3
	now := base

	// Первые maxExpiries-1 истечений возвращают run в очередь,
	// и он снова выдаётся агенту.
	for i := 1; i < maxExpiries; i++ {
		d := newDispatcher(store, now)
		claimed, err := d.Poll(ctx, "agent-1", "q", 1)
		if err != nil {
			t.Fatalf("Poll #%d: %v", i, err)
		}
		if len(claimed) != 1 {
			t.Fatalf("Poll #%d: got %d runs, want 1 (run must stay claimable)", i, len(claimed))
		}

		now = now.Add(2 * time.Minute) // lease на 1m истёк
		requeued, crashed := store.requeueExpired(now, maxExpiries)
		if len(requeued) != 1 || len(crashed) != 0 {
			t.Fatalf("sweep #%d: requeued %d, crashed %d", i, len(requeued), len(crashed))
		}
		if got := store.runState(run.ID); got != domain.RunStateScheduled {
			t.Fatalf("after sweep #%d: state = %s, want SCHEDULED", i, got)
		}
	}

	// maxExpiries-е истечение — CRASHED, ни одним больше.
	d := newDispatcher(store, now)
	claimed, err := d.Poll(ctx, "agent-1", "q", 1)
	if err != nil {
		t.Fatalf("final Poll: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("final Poll: got %d runs, want 1", len(claimed))
	}

	now = now.Add(2 * time.Minute)
	requeued, crashed := store.requeueExpired(now, maxExpiries)
	if len(requeued) != 0 || len(crashed) != 1 {
		t.Fatalf("final sweep: requeued %d, crashed %d, want 0/1", len(requeued), len(crashed))
	}
	if got := store.runState(run.ID); got != domain.RunStateCrashed {
		t.Fatalf("state = %s, want CRASHED after %d expiries", got, maxExpiries)
	}

	// CRASHED финален: run больше не выдаётся.
	after, err := newDispatcher(store, now).Poll(ctx, "agent-2", "q", 1)
	if err != nil {
		t.Fatalf("Poll after crash: %v", err)
	}
	if len(after) != 0 {
		t.Errorf("crashed run dispatched again")
	}
}

// reclaimOnRead подменяет чтение состояния: возвращает снимок,
// а run в хранилище тем временем перезабирается другим агентом.
// Моделирует requeue + повторный claim между классифицирующим
// чтением и условным обновлением.
type reclaimOnRead struct {
	*memStore
	holder string
	once   sync.Once
}

func (s *reclaimOnRead) GetByID(ctx context.Context, id uuid.UUID) (*domain.FlowRun, error) {
	run, err := s.memStore.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.once.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		r := s.runs[id]
		r.LeaseHolder = s.holder
		expiry := run.LeaseExpiry.Add(time.Hour)
		r.LeaseExpiry = &expiry
		r.RequeueCount++
	})
	return run, err
}

func TestStaleTerminalReportFromPendingAfterReclaim(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store := &reclaimOnRead{memStore: newMemStore(), holder: "agent-2"}
	run := store.addScheduledRun("q", now)

	d := New(Config{
		Runs:        store,
		Queues:      store.memStore,
		Deployments: deploymentStoreAdapter{store.memStore},
		Agents:      store.memStore,
		LeaseTTL:    time.Minute,
		Now:         func() time.Time { return now },
	})
	ctx := context.Background()

	if _, err := d.Poll(ctx, "agent-1", "q", 1); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	// Между чтением состояния и финализацией run уходит agent-2:
	// отчёт agent-1 из PENDING обязан быть отклонён, а не уронить
	// чужой claim.
	if err := d.ReportTerminal(ctx, run.ID, "agent-1", domain.RunStateFailed, "boom"); !errors.Is(err, ErrConflict) {
		t.Fatalf("stale PENDING report: err = %v, want ErrConflict", err)
	}
	if got := store.runState(run.ID); got != domain.RunStatePending {
		t.Errorf("state = %s, want PENDING (foreign claim untouched)", got)
	}
	store.mu.Lock()
	holder := store.runs[run.ID].LeaseHolder
	store.mu.Unlock()
	if holder != "agent-2" {
		t.Errorf("lease holder = %q, want agent-2", holder)
	}
}

func TestReportTerminalIsAbsorbing(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	run := store.addScheduledRun("q", now)

	d := newDispatcher(store, now)
	ctx := context.Background()
	if _, err := d.Poll(ctx, "agent-1", "q", 1); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if err := d.ReportRunning(ctx, run.ID, "agent-1"); err != nil {
		t.Fatalf("ReportRunning: %v", err)
	}

	if err := d.ReportTerminal(ctx, run.ID, "agent-1", domain.RunStateCompleted, ""); err != nil {
		t.Fatalf("ReportTerminal: %v", err)
	}

	// Повтор с тем же исходом — no-op
	if err := d.ReportTerminal(ctx, run.ID, "agent-1", domain.RunStateCompleted, ""); err != nil {
		t.Errorf("same-outcome retry: %v", err)
	}

	// Другой исход — конфликт, состояние не меняется
	if err := d.ReportTerminal(ctx, run.ID, "agent-1", domain.RunStateFailed, "boom"); !errors.Is(err, ErrConflict) {
		t.Errorf("conflicting outcome: err = %v, want ErrConflict", err)
	}
	if got := store.runState(run.ID); got != domain.RunStateCompleted {
		t.Errorf("state = %s, want COMPLETED (terminal is absorbing)", got)
	}
}

func TestReportTerminalFromPending(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()

	d := newDispatcher(store, now)
	ctx := context.Background()

	// Запуск инфраструктуры не удался: FAILED принимается из PENDING
	failed := store.addScheduledRun("q", now)
	if _, err := d.Poll(ctx, "agent-1", "q", 1); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if err := d.ReportTerminal(ctx, failed.ID, "agent-1", domain.RunStateFailed, "image pull failed"); err != nil {
		t.Fatalf("FAILED from PENDING: %v", err)
	}
	if got := store.runState(failed.ID); got != domain.RunStateFailed {
		t.Errorf("state = %s, want FAILED", got)
	}

	// COMPLETED из PENDING недопустим
	completed := store.addScheduledRun("q", now)
	if _, err := d.Poll(ctx, "agent-1", "q", 1); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if err := d.ReportTerminal(ctx, completed.ID, "agent-1", domain.RunStateCompleted, ""); !errors.Is(err, ErrConflict) {
		t.Errorf("COMPLETED from PENDING: err = %v, want ErrConflict", err)
	}
}

func TestReportTerminalRejectsNonTerminalState(t *testing.T) {
	d := newDispatcher(newMemStore(), time.Now())
	err := d.ReportTerminal(context.Background(), uuid.New(), "agent-1", domain.RunStateRunning, "")
	if !errors.Is(err, ErrConflict) {
		t.Errorf("err = %v, want ErrConflict", err)
	}
}

func TestCancel(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	run := store.addScheduledRun("q", now)

	d := newDispatcher(store, now)
	ctx := context.Background()

	if err := d.Cancel(ctx, run.ID, "operator request"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got := store.runState(run.ID); got != domain.RunStateCancelled {
		t.Fatalf("state = %s, want CANCELLED", got)
	}

	// Повторная отмена — no-op
	if err := d.Cancel(ctx, run.ID, "operator request"); err != nil {
		t.Errorf("repeated Cancel: %v", err)
	}

	// Отмена завершённого run — конфликт
	done := store.addScheduledRun("q", now)
	store.mu.Lock()
	store.runs[done.ID].State = domain.RunStateCompleted
	store.mu.Unlock()
	if err := d.Cancel(ctx, done.ID, "too late"); !errors.Is(err, ErrConflict) {
		t.Errorf("cancel of finished run: err = %v, want ErrConflict", err)
	}
}

func TestHeartbeat(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	d := newDispatcher(store, now)
	ctx := context.Background()

	if err := d.Heartbeat(ctx, "agent-1", []string{"q1", "q2"}); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	hb, ok := store.heartbeats["agent-1"]
	if !ok {
		t.Fatal("heartbeat not recorded")
	}
	if len(hb.WorkQueues) != 2 || !hb.LastSeenAt.Equal(now) {
		t.Errorf("heartbeat = %+v", hb)
	}

	if err := d.Heartbeat(ctx, "", nil); err == nil {
		t.Error("empty agent id accepted")
	}
}
