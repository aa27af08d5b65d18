package domain

import (
	"time"

	"github.com/google/uuid"
)

// Flow — именованная единица оркестрируемой работы.
//
// Flow идентифицируется именем и неизменен после создания:
// новые версии кода не меняют идентичность. Вся конфигурация
// запуска (параметры, расписание, инфраструктура) живёт в Deployment.
type Flow struct {
	// ID — уникальный идентификатор flow.
	ID uuid.UUID `json:"id"`

	// Name — уникальное имя flow (например, "sync-orders", "daily-report").
	Name string `json:"name"`

	// CreatedAt — время создания flow.
	CreatedAt time.Time `json:"created_at"`
}
