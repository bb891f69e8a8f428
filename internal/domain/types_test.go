package domain

import (
	"testing"
	"time"
)

func TestTaskStatusTransitions(t *testing.T) {
	allowed := []struct{ from, to TaskStatus }{
		{StatusPending, StatusRunning},
		{StatusPending, StatusAwaitingApproval},
		{StatusPending, StatusCancelled},
		{StatusAwaitingApproval, StatusRunning},
		{StatusAwaitingApproval, StatusCancelled},
		{StatusRunning, StatusCompleted},
		{StatusRunning, StatusFailed},
		{StatusRunning, StatusCancelled},
	}
	for _, c := range allowed {
		if !c.from.CanTransition(c.to) {
			t.Errorf("%s -> %s should be allowed", c.from, c.to)
		}
	}

	forbidden := []struct{ from, to TaskStatus }{
		{StatusPending, StatusCompleted},
		{StatusPending, StatusFailed},
		{StatusCompleted, StatusRunning},
		{StatusFailed, StatusPending},
		{StatusCancelled, StatusRunning},
		{StatusCompleted, StatusFailed},
		{StatusRunning, StatusPending},
	}
	for _, c := range forbidden {
		if c.from.CanTransition(c.to) {
			t.Errorf("%s -> %s should be rejected", c.from, c.to)
		}
	}
}

func TestTaskStatusIsTerminal(t *testing.T) {
	for _, s := range []TaskStatus{StatusCompleted, StatusFailed, StatusCancelled} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []TaskStatus{StatusPending, StatusAwaitingApproval, StatusRunning} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestKnownAgent(t *testing.T) {
	for _, a := range []Agent{AgentResearch, AgentCoding, AgentFiles, AgentScheduler, AgentGeneral} {
		if !KnownAgent(a) {
			t.Errorf("%s should be known", a)
		}
	}
	if KnownAgent(Agent("telepathy")) {
		t.Error("unknown agent accepted")
	}
}

func TestTaskNotifiable(t *testing.T) {
	now := time.Now().UTC()
	base := Task{
		Status:       StatusCompleted,
		NotifyStatus: NotifyPending,
		MaxAttempts:  3,
	}

	if !base.Notifiable(now) {
		t.Error("finished undelivered task should be notifiable")
	}

	running := base
	running.Status = StatusRunning
	if running.Notifiable(now) {
		t.Error("non-terminal task must not be notifiable")
	}

	sent := base
	sent.NotifyStatus = NotifySent
	if sent.Notifiable(now) {
		t.Error("delivered task must not be notifiable")
	}

	exhausted := base
	exhausted.NotifyAttempts = 3
	if exhausted.Notifiable(now) {
		t.Error("task past max attempts must not be notifiable")
	}

	backoff := base
	later := now.Add(time.Minute)
	backoff.NotifyAfterAt = &later
	if backoff.Notifiable(now) {
		t.Error("task in backoff must not be notifiable")
	}
	if !backoff.Notifiable(later.Add(time.Second)) {
		t.Error("task past its backoff should be notifiable")
	}
}

func TestGrantMatches(t *testing.T) {
	now := time.Now().UTC()

	global := PermissionGrant{ActionType: ActionCommandExec, Scope: ScopeGlobal}
	if !global.Matches(ActionCommandExec, "", now) {
		t.Error("global grant should match")
	}
	if global.Matches(ActionFileWrite, "", now) {
		t.Error("grant must not match a different action")
	}

	session := PermissionGrant{ActionType: ActionFileWrite, Scope: ScopeSession, ScopeID: "s1"}
	if !session.Matches(ActionFileWrite, "s1", now) {
		t.Error("session grant should match its session")
	}
	if session.Matches(ActionFileWrite, "s2", now) {
		t.Error("session grant must not match another session")
	}

	past := now.Add(-time.Hour)
	expired := PermissionGrant{ActionType: ActionFileWrite, Scope: ScopeGlobal, ExpiresAt: &past}
	if expired.Matches(ActionFileWrite, "", now) {
		t.Error("expired grant must not match")
	}
}
