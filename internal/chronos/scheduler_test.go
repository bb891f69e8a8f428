package chronos

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fernwerk/famulus/internal/agent"
	"github.com/fernwerk/famulus/internal/channel"
	"github.com/fernwerk/famulus/internal/domain"
)

type captureAdapter struct {
	mu       sync.Mutex
	messages []string
}

func (c *captureAdapter) Name() string { return "capture" }
func (c *captureAdapter) SendMessage(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, text)
	return nil
}
func (c *captureAdapter) SendMessageToUser(userID, text string) error { return c.SendMessage(text) }
func (c *captureAdapter) Disconnect() error { return nil }

func (c *captureAdapter) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.messages))
	copy(out, c.messages)
	return out
}

func newTestScheduler(t *testing.T, invoker agent.Invoker) (*Scheduler, *Store, *captureAdapter) {
	t.Helper()
	store := newTestStore(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	capture := &captureAdapter{}
	registry := channel.NewRegistry(logger)
	registry.Register(capture)

	sched := NewScheduler(store, invoker, registry, logger, time.Hour)
	return sched, store, capture
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestScheduler_TickFiresDueJob(t *testing.T) {
	var mu sync.Mutex
	var prompts []string
	invoker := agent.InvokerFunc(func(ctx context.Context, prompt, session string) (string, error) {
		mu.Lock()
		prompts = append(prompts, prompt)
		mu.Unlock()
		return "nothing on the calendar", nil
	})

	sched, store, capture := newTestScheduler(t, invoker)
	job := createCronJob(t, store, "0 9 * * *")

	sched.Tick(job.NextRunAt.Add(time.Minute))

	waitFor(t, "execution outcome", func() bool {
		execs, err := store.Executions(job.ID, 1)
		return err == nil && len(execs) == 1 && execs[0].Status == domain.ExecSuccess
	})

	mu.Lock()
	if len(prompts) != 1 || prompts[0] != "summarize my calendar" {
		t.Errorf("prompts = %v", prompts)
	}
	mu.Unlock()

	waitFor(t, "broadcast", func() bool { return len(capture.all()) == 1 })
	msg := capture.all()[0]
	if !strings.Contains(msg, "summarize my calendar") {
		t.Errorf("broadcast missing prompt summary: %q", msg)
	}
	if !strings.Contains(msg, "nothing on the calendar") {
		t.Errorf("broadcast missing output: %q", msg)
	}

	// The schedule advanced past the fire instant.
	got, err := store.GetJob(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.NextRunAt.After(job.NextRunAt) {
		t.Errorf("NextRunAt = %s, want advanced past %s", got.NextRunAt, job.NextRunAt)
	}
}

func TestScheduler_InFlightJobIsNotRefired(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	invoker := agent.InvokerFunc(func(ctx context.Context, prompt, session string) (string, error) {
		started <- struct{}{}
		<-release
		return "done", nil
	})

	sched, store, _ := newTestScheduler(t, invoker)
	job := createCronJob(t, store, "* * * * *")

	sched.Tick(job.NextRunAt.Add(time.Second))
	<-started

	// The first run is still in flight; a later tick sees the job due
	// again but must not start a second run.
	sched.Tick(job.NextRunAt.Add(time.Hour))

	select {
	case <-started:
		t.Fatal("job fired twice while in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	sched.jobWg.Wait()

	execs, err := store.Executions(job.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(execs) != 1 {
		t.Errorf("executions = %d, want 1", len(execs))
	}
}

func TestScheduler_AutoDisableAfterConsecutiveFailures(t *testing.T) {
	invoker := agent.InvokerFunc(func(ctx context.Context, prompt, session string) (string, error) {
		return "", errors.New("model unavailable")
	})

	sched, store, capture := newTestScheduler(t, invoker)
	job := createCronJob(t, store, "* * * * *")

	fireAt := job.NextRunAt
	for i := 1; i <= disableAfterFailures; i++ {
		fireAt = fireAt.Add(time.Minute)
		sched.Tick(fireAt)
		want := i
		waitFor(t, "failed execution", func() bool {
			execs, err := store.Executions(job.ID, disableAfterFailures)
			if err != nil || len(execs) != want {
				return false
			}
			for _, e := range execs {
				if e.Status != domain.ExecFailed {
					return false
				}
			}
			return true
		})
		sched.jobWg.Wait()
	}

	got, err := store.GetJob(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Enabled {
		t.Error("job must be disabled after consecutive failures")
	}

	var warned bool
	for _, msg := range capture.all() {
		if strings.Contains(msg, "disabled") {
			warned = true
		}
	}
	if !warned {
		t.Error("expected a broadcast warning about the auto-disable")
	}
}

func TestScheduler_StartStopIdempotent(t *testing.T) {
	invoker := agent.InvokerFunc(func(ctx context.Context, prompt, session string) (string, error) {
		return "", nil
	})
	sched, _, _ := newTestScheduler(t, invoker)

	sched.Start()
	sched.Start()
	sched.UpdateInterval(time.Minute)
	sched.Stop()
	sched.Stop()
}
