package router

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shaiso/Flowplane/internal/domain"
)

// QueueStore — хранилище очередей, нужное роутеру.
// Реализуется repo.WorkQueueRepo.
type QueueStore interface {
	GetOrCreate(ctx context.Context, name string) (*domain.WorkQueue, error)
	ListLegacy(ctx context.Context) ([]domain.WorkQueue, error)
}

// Assignment — результат маршрутизации run'а.
//
// Ровно один из двух вариантов:
//   - WorkQueueName — прямое назначение (явное имя или default);
//   - LegacyQueues — fan-out видимости по tag-совпавшим очередям
//     (run один, записей видимости несколько).
type Assignment struct {
	// WorkQueueName — очередь, записываемая в сам run.
	// Пустая строка — видимость задаётся LegacyQueues.
	WorkQueueName string

	// LegacyQueues — имена очередей legacy-маршрутизации.
	LegacyQueues []string
}

// Router назначает очередь каждому материализуемому run.
//
// Политика, в порядке приоритета:
//  1. явный work_queue_name deployment'а — используется как есть,
//     очередь создаётся при первой ссылке;
//  2. legacy: run виден во ВСЕХ очередях, чей tag-фильтр пересекается
//     с тегами deployment; первый claim гасит видимость везде;
//  3. ни имени, ни совпадений — очередь "default".
type Router struct {
	queues QueueStore
	logger *slog.Logger
}

// New создаёт новый Router.
func New(queues QueueStore, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{queues: queues, logger: logger}
}

// Route вычисляет назначение очереди для deployment.
// Вызывается при материализации; результат фиксируется в run
// и не пересматривается при последующих изменениях deployment.
func (r *Router) Route(ctx context.Context, d *domain.Deployment) (Assignment, error) {
	// 1. Явное имя очереди — verbatim.
	if !d.UsesLegacyRouting() {
		if _, err := r.queues.GetOrCreate(ctx, d.WorkQueueName); err != nil {
			return Assignment{}, fmt.Errorf("ensure work queue %q: %w", d.WorkQueueName, err)
		}
		return Assignment{WorkQueueName: d.WorkQueueName}, nil
	}

	// 2. Legacy: пересечение тегов со всеми tag-фильтрами.
	legacy, err := r.queues.ListLegacy(ctx)
	if err != nil {
		return Assignment{}, fmt.Errorf("list legacy queues: %w", err)
	}

	var matches []string
	for i := range legacy {
		if legacy[i].MatchesTags(d.Tags) {
			matches = append(matches, legacy[i].Name)
		}
	}

	if len(matches) > 0 {
		r.logger.Debug("legacy tag routing",
			"deployment_id", d.ID,
			"queues", matches,
		)
		return Assignment{LegacyQueues: matches}, nil
	}

	// 3. Ничего не совпало — default.
	if _, err := r.queues.GetOrCreate(ctx, domain.DefaultQueueName); err != nil {
		return Assignment{}, fmt.Errorf("ensure default queue: %w", err)
	}
	return Assignment{WorkQueueName: domain.DefaultQueueName}, nil
}
