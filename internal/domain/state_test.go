package domain

import (
	"testing"
	"time"
)

func TestRunStateIsTerminal(t *testing.T) {
	terminal := []RunState{RunStateCompleted, RunStateFailed, RunStateCrashed, RunStateCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s: IsTerminal() = false", s)
		}
	}
	active := []RunState{RunStateScheduled, RunStateLate, RunStatePending, RunStateRunning}
	for _, s := range active {
		if s.IsTerminal() {
			t.Errorf("%s: IsTerminal() = true", s)
		}
	}
}

func TestRunStateCanTransitionTo(t *testing.T) {
	tests := []struct {
		from, to RunState
		want     bool
	}{
		// Путь по расписанию
		{RunStateScheduled, RunStateLate, true},
		{RunStateScheduled, RunStatePending, true},
		{RunStateLate, RunStatePending, true},
		{RunStateLate, RunStateScheduled, true},
		{RunStatePending, RunStateRunning, true},
		{RunStateRunning, RunStateCompleted, true},
		{RunStateRunning, RunStateFailed, true},
		{RunStateRunning, RunStateCrashed, true},

		// Возврат по истечении lease и исчерпание лимита
		{RunStatePending, RunStateScheduled, true},
		{RunStatePending, RunStateCrashed, true},

		// Ошибка резолва инфраструктуры
		{RunStatePending, RunStateFailed, true},

		// Отмена из любого нефинального
		{RunStateScheduled, RunStateCancelled, true},
		{RunStateLate, RunStateCancelled, true},
		{RunStatePending, RunStateCancelled, true},
		{RunStateRunning, RunStateCancelled, true},

		// Перескоки запрещены
		{RunStateScheduled, RunStateRunning, false},
		{RunStateScheduled, RunStateCompleted, false},
		{RunStatePending, RunStateCompleted, false},
		{RunStateRunning, RunStateScheduled, false},

		// Финальные состояния поглощающие
		{RunStateCompleted, RunStateFailed, false},
		{RunStateCompleted, RunStateCancelled, false},
		{RunStateFailed, RunStateRunning, false},
		{RunStateCrashed, RunStateScheduled, false},
		{RunStateCancelled, RunStatePending, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Errorf("%s -> %s: CanTransitionTo() = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestFlowRunLease(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	expiry := now.Add(time.Minute)

	run := &FlowRun{LeaseHolder: "agent-1", LeaseExpiry: &expiry}

	if !run.LeaseValid(now) {
		t.Error("lease must be valid before expiry")
	}
	if run.LeaseValid(expiry) {
		t.Error("lease must be invalid at expiry")
	}
	if !run.HeldBy("agent-1", now) {
		t.Error("HeldBy(holder) = false")
	}
	if run.HeldBy("agent-2", now) {
		t.Error("HeldBy(other) = true")
	}

	run.MarkTerminal(RunStateCompleted, "", now)
	if run.LeaseHolder != "" || run.LeaseExpiry != nil {
		t.Error("terminal transition must release the lease")
	}
	if run.FinishedAt == nil || !run.FinishedAt.Equal(now) {
		t.Error("FinishedAt not set")
	}
}
