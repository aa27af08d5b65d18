package domain

// RunState — состояние flow run.
//
// Жизненный цикл:
//
//	SCHEDULED → PENDING → RUNNING → COMPLETED
//	    ↓                         ↘ FAILED
//	  LATE                        ↘ CRASHED
//	(наблюдаемость)     (или) → CANCELLED (из любого нефинального)
//
// LATE — это маркер наблюдаемости: scheduled run, чьё время уже прошло,
// но который ещё никто не забрал. Он остаётся доступным для claim.
type RunState string

const (
	// RunStateScheduled — run создан материализатором, ожидает claim.
	RunStateScheduled RunState = "SCHEDULED"

	// RunStateLate — scheduled_start_time прошло, claim ещё не было.
	// Эквивалентен SCHEDULED с точки зрения claim.
	RunStateLate RunState = "LATE"

	// RunStatePending — run забран агентом (lease выдан), выполнение ещё не началось.
	RunStatePending RunState = "PENDING"

	// RunStateRunning — агент подтвердил начало выполнения.
	RunStateRunning RunState = "RUNNING"

	// RunStateCompleted — run успешно завершён.
	RunStateCompleted RunState = "COMPLETED"

	// RunStateFailed — run завершился с ошибкой.
	RunStateFailed RunState = "FAILED"

	// RunStateCrashed — процесс агента умер, не сообщив результат
	// (в том числе после исчерпания лимита повторных lease).
	RunStateCrashed RunState = "CRASHED"

	// RunStateCancelled — run отменён пользователем.
	RunStateCancelled RunState = "CANCELLED"
)

// IsTerminal возвращает true, если состояние финальное.
// Из финального состояния переходы запрещены.
func (s RunState) IsTerminal() bool {
	switch s {
	case RunStateCompleted, RunStateFailed, RunStateCrashed, RunStateCancelled:
		return true
	default:
		return false
	}
}

// IsClaimable возвращает true, если run можно забрать через poll.
func (s RunState) IsClaimable() bool {
	return s == RunStateScheduled || s == RunStateLate
}

// CanTransitionTo проверяет допустимость перехода s → next.
//
// Правила:
//   - из финального состояния переходов нет;
//   - CANCELLED достижим из любого нефинального;
//   - SCHEDULED/LATE → PENDING (claim) и SCHEDULED ↔ LATE (маркер);
//   - PENDING → RUNNING, а также PENDING → SCHEDULED (возврат по lease expiry)
//     и PENDING → CRASHED (исчерпан лимит повторов);
//   - RUNNING → COMPLETED/FAILED/CRASHED;
//   - FAILED достижим из PENDING (ошибка резолва инфраструктуры).
func (s RunState) CanTransitionTo(next RunState) bool {
	if s.IsTerminal() {
		return false
	}
	if next == RunStateCancelled {
		return true
	}

	switch s {
	case RunStateScheduled:
		return next == RunStatePending || next == RunStateLate
	case RunStateLate:
		return next == RunStatePending || next == RunStateScheduled
	case RunStatePending:
		return next == RunStateRunning ||
			next == RunStateScheduled ||
			next == RunStateFailed ||
			next == RunStateCrashed
	case RunStateRunning:
		return next == RunStateCompleted || next == RunStateFailed || next == RunStateCrashed
	default:
		return false
	}
}
