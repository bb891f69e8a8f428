package taskstore

import (
	"sync"
	"testing"
	"time"

	"github.com/fernwerk/famulus/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := New(db)
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func createTask(t *testing.T, store *Store, p CreateParams) *domain.Task {
	t.Helper()
	if p.Agent == "" {
		p.Agent = domain.AgentResearch
	}
	if p.Input == "" {
		p.Input = "look something up"
	}
	if p.OriginChannel == "" {
		p.OriginChannel = "telegram"
	}
	if p.SessionID == "" {
		p.SessionID = "session-1"
	}
	task, err := store.CreateTask(p)
	if err != nil {
		t.Fatal(err)
	}
	return task
}

func TestStore_CreateAndGetTask(t *testing.T) {
	store := newTestStore(t)

	task := createTask(t, store, CreateParams{
		Agent:   domain.AgentCoding,
		Input:   "write a parser",
		Context: "project famulus",
	})

	if task.ID == "" {
		t.Fatal("expected generated id")
	}
	if task.Status != domain.StatusPending {
		t.Errorf("Status = %q, want %q", task.Status, domain.StatusPending)
	}
	if task.NotifyStatus != domain.NotifyPending {
		t.Errorf("NotifyStatus = %q, want %q", task.NotifyStatus, domain.NotifyPending)
	}
	if task.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", task.MaxAttempts)
	}

	got, err := store.GetTask(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Input != "write a parser" {
		t.Errorf("Input = %q, want %q", got.Input, "write a parser")
	}
	if got.Context != "project famulus" {
		t.Errorf("Context = %q, want %q", got.Context, "project famulus")
	}
}

func TestStore_CreateTaskRejectsUnknownAgent(t *testing.T) {
	store := newTestStore(t)

	_, err := store.CreateTask(CreateParams{
		Agent:         domain.Agent("telepathy"),
		Input:         "read minds",
		OriginChannel: "telegram",
		SessionID:     "s",
	})
	if err == nil {
		t.Fatal("expected error for unknown agent")
	}
}

func TestStore_GetTaskNotFound(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.GetTask("nope"); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStore_ListTasksFilters(t *testing.T) {
	store := newTestStore(t)

	createTask(t, store, CreateParams{Agent: domain.AgentResearch, SessionID: "a"})
	second := createTask(t, store, CreateParams{Agent: domain.AgentCoding, SessionID: "a"})
	createTask(t, store, CreateParams{Agent: domain.AgentCoding, SessionID: "b", OriginChannel: "ui"})

	byAgent, err := store.ListTasks(ListOptions{Agent: domain.AgentCoding})
	if err != nil {
		t.Fatal(err)
	}
	if len(byAgent) != 2 {
		t.Errorf("coding tasks = %d, want 2", len(byAgent))
	}

	bySession, err := store.ListTasks(ListOptions{SessionID: "b"})
	if err != nil {
		t.Fatal(err)
	}
	if len(bySession) != 1 {
		t.Errorf("session b tasks = %d, want 1", len(bySession))
	}

	byChannel, err := store.ListTasks(ListOptions{OriginChannel: "ui"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byChannel) != 1 {
		t.Errorf("ui tasks = %d, want 1", len(byChannel))
	}

	both, err := store.ListTasks(ListOptions{Agent: domain.AgentCoding, SessionID: "a"})
	if err != nil {
		t.Fatal(err)
	}
	if len(both) != 1 || both[0].ID != second.ID {
		t.Errorf("combined filter returned wrong rows")
	}
}

func TestStore_UpdateTaskRejectsIllegalTransition(t *testing.T) {
	store := newTestStore(t)
	task := createTask(t, store, CreateParams{})

	if err := store.CompleteTask(task.ID, "done"); err == nil {
		t.Fatal("expected pending -> completed to be rejected")
	}

	running := domain.StatusRunning
	if err := store.UpdateTask(task.ID, TaskUpdate{Status: &running}); err != nil {
		t.Fatal(err)
	}
	if err := store.CompleteTask(task.ID, "done"); err != nil {
		t.Fatal(err)
	}

	// Terminal states never regress.
	if err := store.UpdateTask(task.ID, TaskUpdate{Status: &running}); err == nil {
		t.Fatal("expected completed -> running to be rejected")
	}
	if err := store.CancelTask(task.ID); err == nil {
		t.Fatal("expected cancel of completed task to be rejected")
	}
}

func TestStore_ConcurrentTerminalTransitionsExcludeEachOther(t *testing.T) {
	store := newTestStore(t)

	for i := 0; i < 50; i++ {
		task := createTask(t, store, CreateParams{})
		running := domain.StatusRunning
		if err := store.UpdateTask(task.ID, TaskUpdate{Status: &running}); err != nil {
			t.Fatal(err)
		}

		// A finishing worker races a cancellation; the status compare-and-set
		// must let exactly one of them land.
		var wg sync.WaitGroup
		errs := make([]error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			errs[0] = store.CompleteTask(task.ID, "done")
		}()
		go func() {
			defer wg.Done()
			errs[1] = store.CancelTask(task.ID)
		}()
		wg.Wait()

		won := 0
		for _, err := range errs {
			if err == nil {
				won++
			}
		}
		if won != 1 {
			t.Fatalf("iteration %d: %d transitions succeeded, want exactly 1 (errs = %v)", i, won, errs)
		}

		got, err := store.GetTask(task.ID)
		if err != nil {
			t.Fatal(err)
		}
		switch got.Status {
		case domain.StatusCompleted:
			if errs[0] != nil {
				t.Fatalf("iteration %d: task completed but CompleteTask returned %v", i, errs[0])
			}
			if got.Output != "done" {
				t.Errorf("iteration %d: Output = %q, want %q", i, got.Output, "done")
			}
		case domain.StatusCancelled:
			if errs[1] != nil {
				t.Fatalf("iteration %d: task cancelled but CancelTask returned %v", i, errs[1])
			}
			if got.Output != "" {
				t.Errorf("iteration %d: cancelled task has Output = %q", i, got.Output)
			}
		default:
			t.Fatalf("iteration %d: Status = %q, want a terminal state", i, got.Status)
		}
	}
}

func finishTask(t *testing.T, store *Store, task *domain.Task) {
	t.Helper()
	running := domain.StatusRunning
	if err := store.UpdateTask(task.ID, TaskUpdate{Status: &running}); err != nil {
		t.Fatal(err)
	}
	if err := store.CompleteTask(task.ID, "result for "+task.ID); err != nil {
		t.Fatal(err)
	}
}

func TestStore_ClaimNextForNotify(t *testing.T) {
	store := newTestStore(t)

	pending := createTask(t, store, CreateParams{})
	done := createTask(t, store, CreateParams{})
	finishTask(t, store, done)

	claimed, err := store.ClaimNextForNotify(time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if claimed == nil || claimed.ID != done.ID {
		t.Fatalf("claimed wrong task: %+v", claimed)
	}
	if claimed.NotifyStatus != domain.NotifySending {
		t.Errorf("NotifyStatus = %q, want %q", claimed.NotifyStatus, domain.NotifySending)
	}

	// A second claim must find nothing: the first claim is exclusive and
	// the still-pending task is not terminal.
	again, err := store.ClaimNextForNotify(time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if again != nil {
		t.Fatalf("second claim returned %s, want nil", again.ID)
	}

	_ = pending
}

func TestStore_ConcurrentClaimsAreExclusive(t *testing.T) {
	store := newTestStore(t)

	const finished = 3
	ids := make(map[string]bool, finished)
	for i := 0; i < finished; i++ {
		task := createTask(t, store, CreateParams{})
		finishTask(t, store, task)
		ids[task.ID] = true
	}

	// More claimants than claimable tasks: each task is won exactly once,
	// losers retry onto the next candidate and the surplus comes back empty.
	const claimants = 8
	results := make([]*domain.Task, claimants)
	errs := make([]error, claimants)
	now := time.Now().UTC()

	var wg sync.WaitGroup
	wg.Add(claimants)
	for i := 0; i < claimants; i++ {
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = store.ClaimNextForNotify(now)
		}(i)
	}
	wg.Wait()

	claimed := make(map[string]bool)
	for i := 0; i < claimants; i++ {
		if errs[i] != nil {
			t.Fatal(errs[i])
		}
		if results[i] == nil {
			continue
		}
		if claimed[results[i].ID] {
			t.Fatalf("task %s claimed twice", results[i].ID)
		}
		if !ids[results[i].ID] {
			t.Fatalf("claimed unknown task %s", results[i].ID)
		}
		claimed[results[i].ID] = true
	}
	if len(claimed) != finished {
		t.Errorf("claimed %d tasks, want %d", len(claimed), finished)
	}
}

func TestStore_ClaimOrderIsOldestFinishedFirst(t *testing.T) {
	store := newTestStore(t)

	first := createTask(t, store, CreateParams{})
	second := createTask(t, store, CreateParams{})

	// Finish in reverse creation order; claim order follows finished_at.
	finishTask(t, store, second)
	time.Sleep(5 * time.Millisecond)
	finishTask(t, store, first)

	claimed, err := store.ClaimNextForNotify(time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if claimed.ID != second.ID {
		t.Errorf("claimed %s, want the earliest-finished %s", claimed.ID, second.ID)
	}
}

func TestStore_MarkNotified(t *testing.T) {
	store := newTestStore(t)
	task := createTask(t, store, CreateParams{})
	finishTask(t, store, task)

	claimed, err := store.ClaimNextForNotify(time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if err := store.MarkNotified(claimed.ID, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetTask(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.NotifyStatus != domain.NotifySent {
		t.Errorf("NotifyStatus = %q, want %q", got.NotifyStatus, domain.NotifySent)
	}
	if got.NotifiedAt == nil {
		t.Error("NotifiedAt not set")
	}
}

func TestStore_RecordNotifyFailureRetriesThenSettles(t *testing.T) {
	store := newTestStore(t)
	task := createTask(t, store, CreateParams{MaxAttempts: 2})
	finishTask(t, store, task)

	now := time.Now().UTC()

	claimed, err := store.ClaimNextForNotify(now)
	if err != nil {
		t.Fatal(err)
	}
	retryAt := now.Add(30 * time.Second)
	if err := store.RecordNotifyFailure(claimed.ID, "channel unreachable", retryAt); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetTask(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.NotifyStatus != domain.NotifyPending {
		t.Errorf("NotifyStatus = %q, want pending after first failure", got.NotifyStatus)
	}
	if got.NotifyAttempts != 1 {
		t.Errorf("NotifyAttempts = %d, want 1", got.NotifyAttempts)
	}
	if got.NotifyLastError != "channel unreachable" {
		t.Errorf("NotifyLastError = %q", got.NotifyLastError)
	}

	// Backoff defers the next claim until retryAt.
	if c, _ := store.ClaimNextForNotify(now.Add(time.Second)); c != nil {
		t.Fatal("claimed before backoff elapsed")
	}
	claimed, err = store.ClaimNextForNotify(retryAt.Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if claimed == nil {
		t.Fatal("expected claim after backoff elapsed")
	}

	// Final attempt exhausts the budget and settles permanently.
	if err := store.RecordNotifyFailure(claimed.ID, "still unreachable", retryAt.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	got, err = store.GetTask(task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.NotifyStatus != domain.NotifyFailed {
		t.Errorf("NotifyStatus = %q, want failed after max attempts", got.NotifyStatus)
	}
	if c, _ := store.ClaimNextForNotify(retryAt.Add(time.Hour)); c != nil {
		t.Fatal("settled task must not be claimable")
	}
}

func TestStore_RecoverStaleSending(t *testing.T) {
	store := newTestStore(t)
	task := createTask(t, store, CreateParams{})
	finishTask(t, store, task)

	// Claim at a point well in the past, simulating a crash mid-delivery.
	staleInstant := time.Now().UTC().Add(-time.Minute)
	claimed, err := store.ClaimNextForNotify(staleInstant)
	if err != nil {
		t.Fatal(err)
	}
	if claimed == nil {
		t.Fatal("expected claim")
	}

	n, err := store.RecoverStaleSending(30 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("recovered = %d, want 1", n)
	}

	reclaimed, err := store.ClaimNextForNotify(time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if reclaimed == nil || reclaimed.ID != task.ID {
		t.Fatal("recovered task must be claimable again")
	}
}

func TestStore_RecoverStaleSendingLeavesFreshClaims(t *testing.T) {
	store := newTestStore(t)
	task := createTask(t, store, CreateParams{})
	finishTask(t, store, task)

	if _, err := store.ClaimNextForNotify(time.Now().UTC()); err != nil {
		t.Fatal(err)
	}

	n, err := store.RecoverStaleSending(30 * time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("recovered = %d, want 0 for a fresh claim", n)
	}
}
