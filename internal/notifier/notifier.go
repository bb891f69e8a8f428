// Package notifier runs the reliable-delivery loop: it claims finished
// tasks whose results have not reached their origin yet and hands them to
// the dispatcher, retrying with bounded attempts.
package notifier

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fernwerk/famulus/internal/dispatch"
	"github.com/fernwerk/famulus/internal/metrics"
	"github.com/fernwerk/famulus/internal/taskstore"
)

const (
	// DefaultInterval is the poll period between delivery ticks.
	DefaultInterval = 1200 * time.Millisecond

	// StaleSendingThreshold is how long a task may sit in sending before
	// startup recovery assumes a crash mid-delivery and re-queues it.
	StaleSendingThreshold = 30 * time.Second

	// retryBackoff delays the next attempt after a failed delivery.
	retryBackoff = 30 * time.Second
)

// Notifier is the polling delivery worker. One tick claims at most one
// task; the store's compare-and-set makes the claim exclusive even if ticks
// ever overlap.
type Notifier struct {
	tasks      *taskstore.Store
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
	interval   time.Duration

	mu       sync.Mutex
	inFlight bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
	running  bool
}

// New creates a Notifier. interval <= 0 selects the default.
func New(tasks *taskstore.Store, dispatcher *dispatch.Dispatcher, logger *slog.Logger, interval time.Duration) *Notifier {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Notifier{
		tasks:      tasks,
		dispatcher: dispatcher,
		logger:     logger,
		interval:   interval,
	}
}

// Start launches the polling loop. Starting an already-running notifier is
// a no-op. Tasks stuck in sending from a previous crash are recovered first
// so they become re-claimable (duplicate delivery is accepted; starvation
// is not).
func (n *Notifier) Start() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return
	}
	n.running = true
	n.stopCh = make(chan struct{})

	recovered, err := n.tasks.RecoverStaleSending(StaleSendingThreshold)
	if err != nil {
		n.logger.Error("stale delivery recovery failed", "error", err)
	} else if recovered > 0 {
		n.logger.Warn("recovered stale deliveries", "count", recovered)
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ticker := time.NewTicker(n.interval)
		defer ticker.Stop()

		n.logger.Info("notifier started", "interval", n.interval)
		for {
			select {
			case <-n.stopCh:
				return
			case <-ticker.C:
				n.Tick()
			}
		}
	}()
}

// Stop halts the polling loop and waits for it to exit. Stopping a stopped
// notifier is a no-op.
func (n *Notifier) Stop() {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return
	}
	n.running = false
	close(n.stopCh)
	n.mu.Unlock()

	n.wg.Wait()
	n.logger.Info("notifier stopped")
}

// Tick claims and delivers at most one task. The in-flight guard skips the
// tick entirely if a previous one is still delivering, so ticks never
// overlap. A failing tick never stops future ticks.
func (n *Notifier) Tick() {
	n.mu.Lock()
	if n.inFlight {
		n.mu.Unlock()
		return
	}
	n.inFlight = true
	n.mu.Unlock()

	defer func() {
		n.mu.Lock()
		n.inFlight = false
		n.mu.Unlock()
	}()

	now := time.Now().UTC()
	task, err := n.tasks.ClaimNextForNotify(now)
	if err != nil {
		n.logger.Error("delivery claim failed", "error", err)
		return
	}
	if task == nil {
		return
	}

	if err := n.dispatcher.Dispatch(task); err != nil {
		metrics.NotificationFailures.Inc()
		n.logger.Warn("delivery failed",
			"task_id", task.ID, "attempt", task.NotifyAttempts+1, "max", task.MaxAttempts, "error", err)
		retryAt := time.Now().UTC().Add(retryBackoff)
		if err := n.tasks.RecordNotifyFailure(task.ID, err.Error(), retryAt); err != nil {
			n.logger.Error("recording delivery failure failed", "task_id", task.ID, "error", err)
		}
		return
	}

	if err := n.tasks.MarkNotified(task.ID, time.Now().UTC()); err != nil {
		n.logger.Error("marking task notified failed", "task_id", task.ID, "error", err)
		return
	}
	metrics.NotificationsSent.Inc()
	n.logger.Info("task result delivered",
		"task_id", task.ID, "status", task.Status, "channel", task.OriginChannel)
}
