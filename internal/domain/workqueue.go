package domain

import (
	"time"

	"github.com/google/uuid"
)

// WorkQueue — именованная корзина маршрутизации, из которой агенты
// забирают eligible flow runs.
//
// Создаётся явно или неявно — при первой ссылке из deployment либо
// при первом poll агента. Пока на очередь ссылается активный deployment,
// она не удаляется (ссылочная целостность).
type WorkQueue struct {
	// ID — уникальный идентификатор очереди.
	ID uuid.UUID `json:"id"`

	// Name — уникальное имя, первичный ключ маршрутизации.
	Name string `json:"name"`

	// Description — описание назначения очереди.
	Description string `json:"description,omitempty"`

	// TagFilter — legacy-фильтр: runs, чьи теги пересекаются
	// с этим набором, тоже видны в очереди. Пустой — фильтра нет.
	TagFilter []string `json:"tag_filter,omitempty"`

	// IsPaused — приостановленная очередь не выдаёт runs агентам.
	IsPaused bool `json:"is_paused"`

	// ConcurrencyLimit — лимит одновременно выполняющихся runs.
	// Nil — без лимита. Проверяется при poll (admission control).
	ConcurrencyLimit *int `json:"concurrency_limit,omitempty"`

	// CreatedAt — время создания очереди.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt — время последнего обновления.
	UpdatedAt time.Time `json:"updated_at"`
}

// DefaultQueueName — очередь для deployments без явного имени
// и без совпадений по legacy-фильтрам.
const DefaultQueueName = "default"

// MatchesTags возвращает true, если legacy-фильтр очереди
// пересекается с тегами deployment.
func (q *WorkQueue) MatchesTags(tags []string) bool {
	if len(q.TagFilter) == 0 || len(tags) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(q.TagFilter))
	for _, t := range q.TagFilter {
		set[t] = struct{}{}
	}
	for _, t := range tags {
		if _, ok := set[t]; ok {
			return true
		}
	}
	return false
}
