package router

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Flowplane/internal/domain"
)

// fakeQueueStore — in-memory хранилище очередей для тестов.
type fakeQueueStore struct {
	queues map[string]*domain.WorkQueue
}

func newFakeQueueStore(queues ...*domain.WorkQueue) *fakeQueueStore {
	s := &fakeQueueStore{queues: make(map[string]*domain.WorkQueue)}
	for _, q := range queues {
		s.queues[q.Name] = q
	}
	return s
}

func (s *fakeQueueStore) GetOrCreate(_ context.Context, name string) (*domain.WorkQueue, error) {
	if q, ok := s.queues[name]; ok {
		return q, nil
	}
	q := &domain.WorkQueue{ID: uuid.New(), Name: name, CreatedAt: time.Now()}
	s.queues[name] = q
	return q, nil
}

func (s *fakeQueueStore) ListLegacy(_ context.Context) ([]domain.WorkQueue, error) {
	var out []domain.WorkQueue
	for _, q := range s.queues {
		if len(q.TagFilter) > 0 {
			out = append(out, *q)
		}
	}
	return out, nil
}

func TestRoute_ExplicitQueueNameVerbatim(t *testing.T) {
	store := newFakeQueueStore()
	r := New(store, nil)

	d := &domain.Deployment{
		WorkQueueName: "gpu-jobs",
		Tags:          []string{"ml"}, // теги игнорируются при явном имени
	}

	a, err := r.Route(context.Background(), d)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.WorkQueueName != "gpu-jobs" {
		t.Errorf("expected gpu-jobs, got %q", a.WorkQueueName)
	}
	if len(a.LegacyQueues) != 0 {
		t.Errorf("explicit routing must not produce legacy queues: %v", a.LegacyQueues)
	}

	// Очередь создана неявно.
	if _, ok := store.queues["gpu-jobs"]; !ok {
		t.Error("queue should be created on first reference")
	}
}

func TestRoute_LegacyTagIntersection_AllMatches(t *testing.T) {
	store := newFakeQueueStore(
		&domain.WorkQueue{Name: "etl", TagFilter: []string{"etl", "batch"}},
		&domain.WorkQueue{Name: "nightly", TagFilter: []string{"nightly"}},
		&domain.WorkQueue{Name: "ml", TagFilter: []string{"ml"}},
	)
	r := New(store, nil)

	d := &domain.Deployment{
		Tags: []string{"etl", "nightly"},
	}

	a, err := r.Route(context.Background(), d)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.WorkQueueName != "" {
		t.Errorf("legacy routing must not set direct queue, got %q", a.WorkQueueName)
	}

	sort.Strings(a.LegacyQueues)
	want := []string{"etl", "nightly"}
	if len(a.LegacyQueues) != len(want) {
		t.Fatalf("expected %v, got %v", want, a.LegacyQueues)
	}
	for i := range want {
		if a.LegacyQueues[i] != want[i] {
			t.Errorf("expected %v, got %v", want, a.LegacyQueues)
		}
	}
}

func TestRoute_NoMatchFallsBackToDefault(t *testing.T) {
	store := newFakeQueueStore(
		&domain.WorkQueue{Name: "etl", TagFilter: []string{"etl"}},
	)
	r := New(store, nil)

	d := &domain.Deployment{
		Tags: []string{"unrelated"},
	}

	a, err := r.Route(context.Background(), d)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.WorkQueueName != domain.DefaultQueueName {
		t.Errorf("expected default queue, got %q", a.WorkQueueName)
	}
	if _, ok := store.queues[domain.DefaultQueueName]; !ok {
		t.Error("default queue should be created")
	}
}

func TestRoute_NoTagsNoName(t *testing.T) {
	store := newFakeQueueStore(
		&domain.WorkQueue{Name: "etl", TagFilter: []string{"etl"}},
	)
	r := New(store, nil)

	a, err := r.Route(context.Background(), &domain.Deployment{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.WorkQueueName != domain.DefaultQueueName {
		t.Errorf("expected default queue, got %q", a.WorkQueueName)
	}
}

func TestMatchesTags(t *testing.T) {
	tests := []struct {
		name   string
		filter []string
		tags   []string
		want   bool
	}{
		{"intersection", []string{"a", "b"}, []string{"b", "c"}, true},
		{"no intersection", []string{"a"}, []string{"b"}, false},
		{"empty filter", nil, []string{"a"}, false},
		{"empty tags", []string{"a"}, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &domain.WorkQueue{TagFilter: tt.filter}
			if got := q.MatchesTags(tt.tags); got != tt.want {
				t.Errorf("MatchesTags(%v, %v) = %v, want %v", tt.filter, tt.tags, got, tt.want)
			}
		})
	}
}
