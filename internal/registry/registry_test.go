package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Flowplane/internal/domain"
	"github.com/shaiso/Flowplane/internal/repo"
)

type fakeFlowStore struct {
	flows map[string]*domain.Flow
}

func newFakeFlowStore() *fakeFlowStore {
	return &fakeFlowStore{flows: make(map[string]*domain.Flow)}
}

func (f *fakeFlowStore) GetOrCreate(_ context.Context, name string) (*domain.Flow, error) {
	if fl, ok := f.flows[name]; ok {
		return fl, nil
	}
	fl := &domain.Flow{ID: uuid.New(), Name: name, CreatedAt: time.Now()}
	f.flows[name] = fl
	return fl, nil
}

func (f *fakeFlowStore) GetByName(_ context.Context, name string) (*domain.Flow, error) {
	if fl, ok := f.flows[name]; ok {
		return fl, nil
	}
	return nil, repo.ErrNotFound
}

func (f *fakeFlowStore) List(_ context.Context, _, _ int) ([]domain.Flow, error) {
	out := make([]domain.Flow, 0, len(f.flows))
	for _, fl := range f.flows {
		out = append(out, *fl)
	}
	return out, nil
}

type fakeDeploymentStore struct {
	byID        map[uuid.UUID]*domain.Deployment
	queueCounts map[string]int
	upserts     int
}

func newFakeDeploymentStore() *fakeDeploymentStore {
	return &fakeDeploymentStore{
		byID:        make(map[uuid.UUID]*domain.Deployment),
		queueCounts: make(map[string]int),
	}
}

func (f *fakeDeploymentStore) Upsert(_ context.Context, d *domain.Deployment) (*domain.Deployment, error) {
	f.upserts++
	for _, existing := range f.byID {
		if existing.FlowID == d.FlowID && existing.Name == d.Name {
			updated := *d
			updated.ID = existing.ID
			updated.CreatedAt = existing.CreatedAt
			f.byID[existing.ID] = &updated
			return &updated, nil
		}
	}
	created := *d
	created.ID = uuid.New()
	created.CreatedAt = time.Now()
	f.byID[created.ID] = &created
	return &created, nil
}

func (f *fakeDeploymentStore) GetByID(_ context.Context, id uuid.UUID) (*domain.Deployment, error) {
	if d, ok := f.byID[id]; ok {
		return d, nil
	}
	return nil, repo.ErrNotFound
}

func (f *fakeDeploymentStore) GetByName(_ context.Context, flowName, name string) (*domain.Deployment, error) {
	for _, d := range f.byID {
		if d.FlowName == flowName && d.Name == name {
			return d, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (f *fakeDeploymentStore) List(_ context.Context, _ repo.DeploymentFilter) ([]domain.Deployment, error) {
	out := make([]domain.Deployment, 0, len(f.byID))
	for _, d := range f.byID {
		out = append(out, *d)
	}
	return out, nil
}

func (f *fakeDeploymentStore) SetScheduleActive(_ context.Context, id uuid.UUID, active bool) error {
	d, ok := f.byID[id]
	if !ok {
		return repo.ErrNotFound
	}
	d.IsScheduleActive = active
	return nil
}

func (f *fakeDeploymentStore) Delete(_ context.Context, id uuid.UUID) error {
	if _, ok := f.byID[id]; !ok {
		return repo.ErrNotFound
	}
	delete(f.byID, id)
	return nil
}

func (f *fakeDeploymentStore) CountByWorkQueue(_ context.Context, queueName string) (int, error) {
	return f.queueCounts[queueName], nil
}

type fakeRunStore struct {
	cancelled map[uuid.UUID]string
}

func newFakeRunStore() *fakeRunStore {
	return &fakeRunStore{cancelled: make(map[uuid.UUID]string)}
}

func (f *fakeRunStore) CancelScheduledByDeployment(_ context.Context, deploymentID uuid.UUID, reason string, _ time.Time) (int64, error) {
	f.cancelled[deploymentID] = reason
	return 2, nil
}

type fakeQueueStore struct {
	queues  map[string]*domain.WorkQueue
	deleted []string
}

func newFakeQueueStore() *fakeQueueStore {
	return &fakeQueueStore{queues: make(map[string]*domain.WorkQueue)}
}

func (f *fakeQueueStore) GetOrCreate(_ context.Context, name string) (*domain.WorkQueue, error) {
	if q, ok := f.queues[name]; ok {
		return q, nil
	}
	q := &domain.WorkQueue{Name: name}
	f.queues[name] = q
	return q, nil
}

func (f *fakeQueueStore) Delete(_ context.Context, name string) error {
	if _, ok := f.queues[name]; !ok {
		return repo.ErrNotFound
	}
	delete(f.queues, name)
	f.deleted = append(f.deleted, name)
	return nil
}

func newTestRegistry() (*Registry, *fakeFlowStore, *fakeDeploymentStore, *fakeRunStore, *fakeQueueStore) {
	flows := newFakeFlowStore()
	deployments := newFakeDeploymentStore()
	runs := newFakeRunStore()
	queues := newFakeQueueStore()
	r := New(Config{
		Flows:       flows,
		Deployments: deployments,
		Runs:        runs,
		Queues:      queues,
	})
	return r, flows, deployments, runs, queues
}

func validDefinition() *domain.Deployment {
	return &domain.Deployment{
		FlowName: "etl",
		Name:     "nightly",
		Schedule: &domain.ScheduleSpec{
			Kind:        domain.ScheduleKindInterval,
			IntervalSec: 3600,
		},
		IsScheduleActive: true,
		WorkQueueName:    "batch",
	}
}

func TestCreateOrUpdateCreatesFlowAndQueue(t *testing.T) {
	r, flows, deployments, _, queues := newTestRegistry()

	stored, err := r.CreateOrUpdate(context.Background(), validDefinition())
	if err != nil {
		t.Fatalf("CreateOrUpdate: %v", err)
	}
	if stored.ID == uuid.Nil {
		t.Error("expected assigned deployment id")
	}
	if _, ok := flows.flows["etl"]; !ok {
		t.Error("expected flow 'etl' to be created")
	}
	if _, ok := queues.queues["batch"]; !ok {
		t.Error("expected work queue 'batch' to be created")
	}
	if stored.FlowID != flows.flows["etl"].ID {
		t.Error("deployment not linked to resolved flow")
	}
	if deployments.upserts != 1 {
		t.Errorf("upserts = %d, want 1", deployments.upserts)
	}
}

func TestCreateOrUpdatePreservesIdentity(t *testing.T) {
	r, _, _, _, _ := newTestRegistry()
	ctx := context.Background()

	first, err := r.CreateOrUpdate(ctx, validDefinition())
	if err != nil {
		t.Fatalf("first CreateOrUpdate: %v", err)
	}

	updated := validDefinition()
	updated.Parameters = map[string]any{"limit": 10}
	second, err := r.CreateOrUpdate(ctx, updated)
	if err != nil {
		t.Fatalf("second CreateOrUpdate: %v", err)
	}

	if second.ID != first.ID {
		t.Errorf("upsert changed deployment id: %s -> %s", first.ID, second.ID)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Error("upsert changed created_at")
	}
}

func TestCreateOrUpdateRejectsInvalidDefinition(t *testing.T) {
	r, flows, deployments, _, _ := newTestRegistry()
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(d *domain.Deployment)
	}{
		{"empty flow name", func(d *domain.Deployment) { d.FlowName = "" }},
		{"empty deployment name", func(d *domain.Deployment) { d.Name = "" }},
		{"malformed cron", func(d *domain.Deployment) {
			d.Schedule = &domain.ScheduleSpec{Kind: domain.ScheduleKindCron, CronExpr: "not a cron"}
		}},
		{"zero interval", func(d *domain.Deployment) {
			d.Schedule = &domain.ScheduleSpec{Kind: domain.ScheduleKindInterval}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := validDefinition()
			tt.mutate(d)
			if _, err := r.CreateOrUpdate(ctx, d); !errors.Is(err, ErrDefinition) {
				t.Errorf("err = %v, want ErrDefinition", err)
			}
		})
	}
	if len(flows.flows) != 0 {
		t.Error("invalid definition must not create flows")
	}
	if deployments.upserts != 0 {
		t.Error("invalid definition must not reach the store")
	}
}

func TestDeleteCancelsScheduledRuns(t *testing.T) {
	r, _, _, runs, _ := newTestRegistry()
	ctx := context.Background()

	stored, err := r.CreateOrUpdate(ctx, validDefinition())
	if err != nil {
		t.Fatalf("CreateOrUpdate: %v", err)
	}

	if err := r.Delete(ctx, stored.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	reason, ok := runs.cancelled[stored.ID]
	if !ok {
		t.Fatal("expected scheduled runs of the deployment to be cancelled")
	}
	if reason != "deployment deleted" {
		t.Errorf("cancel reason = %q", reason)
	}
	if _, err := r.GetByID(ctx, stored.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Errorf("deployment still present after delete: %v", err)
	}
}

func TestDeleteWorkQueueReferenced(t *testing.T) {
	r, _, deployments, _, queues := newTestRegistry()
	ctx := context.Background()

	queues.queues["batch"] = &domain.WorkQueue{Name: "batch"}
	deployments.queueCounts["batch"] = 1

	if err := r.DeleteWorkQueue(ctx, "batch"); !errors.Is(err, ErrQueueReferenced) {
		t.Fatalf("err = %v, want ErrQueueReferenced", err)
	}
	if len(queues.deleted) != 0 {
		t.Error("referenced queue must not be deleted")
	}

	deployments.queueCounts["batch"] = 0
	if err := r.DeleteWorkQueue(ctx, "batch"); err != nil {
		t.Fatalf("DeleteWorkQueue: %v", err)
	}
	if len(queues.deleted) != 1 || queues.deleted[0] != "batch" {
		t.Errorf("deleted = %v, want [batch]", queues.deleted)
	}
}
