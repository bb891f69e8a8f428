package chronos

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fernwerk/famulus/internal/agent"
	"github.com/fernwerk/famulus/internal/channel"
	"github.com/fernwerk/famulus/internal/domain"
	"github.com/fernwerk/famulus/internal/metrics"
)

const (
	// DefaultInterval is how often the scheduler polls for due jobs.
	DefaultInterval = 30 * time.Second

	// stopDrainTimeout bounds how long Stop waits for in-flight job runs.
	stopDrainTimeout = 30 * time.Second

	// disableAfterFailures is the consecutive-failure count that disables
	// a job automatically.
	disableAfterFailures = 3

	promptSummaryLen = 120
)

// Scheduler polls the job store and fires due jobs against the agent.
// Firing is fire-and-forget: a slow agent run never blocks the poll loop or
// other jobs.
type Scheduler struct {
	store    *Store
	invoker  agent.Invoker
	channels *channel.Registry
	logger   *slog.Logger

	interval   time.Duration
	intervalCh chan time.Duration

	mu       sync.Mutex
	inFlight bool
	firing   map[string]bool
	running  bool

	stopCh chan struct{}
	loopWg sync.WaitGroup
	jobWg  sync.WaitGroup
}

// NewScheduler creates a scheduler polling at the given interval; a
// non-positive interval falls back to DefaultInterval.
func NewScheduler(store *Store, invoker agent.Invoker, channels *channel.Registry, logger *slog.Logger, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		store:      store,
		invoker:    invoker,
		channels:   channels,
		logger:     logger,
		interval:   interval,
		intervalCh: make(chan time.Duration, 1),
		firing:     make(map[string]bool),
	}
}

// Start launches the poll loop. Calling Start on a running scheduler is a
// no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})

	s.loopWg.Add(1)
	go s.loop()
	s.logger.Info("chronos scheduler started", "interval", s.interval)
}

// Stop halts the poll loop and waits for in-flight job runs, bounded by
// stopDrainTimeout. Calling Stop on a stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.loopWg.Wait()

	done := make(chan struct{})
	go func() {
		s.jobWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopDrainTimeout):
		s.logger.Warn("chronos scheduler stopped with job runs still in flight")
	}
}

// UpdateInterval changes the poll cadence of a running scheduler.
func (s *Scheduler) UpdateInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	select {
	case s.intervalCh <- interval:
	default:
	}
}

func (s *Scheduler) loop() {
	defer s.loopWg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case interval := <-s.intervalCh:
			s.interval = interval
			ticker.Reset(interval)
			s.logger.Info("chronos poll interval updated", "interval", interval)
		case <-ticker.C:
			s.Tick(time.Now().UTC())
		}
	}
}

// Tick runs one poll pass. Overlapping passes are skipped, and a job whose
// previous run has not returned is not fired again.
func (s *Scheduler) Tick(now time.Time) {
	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		return
	}
	s.inFlight = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inFlight = false
		s.mu.Unlock()
	}()

	due, err := s.store.DueJobs(now)
	if err != nil {
		s.logger.Error("chronos due-job query failed", "error", err)
		return
	}

	for _, job := range due {
		s.mu.Lock()
		if s.firing[job.ID] {
			s.mu.Unlock()
			continue
		}
		s.firing[job.ID] = true
		s.mu.Unlock()

		// Advance the schedule before the run so a crash mid-run cannot
		// cause a tight refire loop.
		if err := s.store.RecordFired(job, now); err != nil {
			s.logger.Error("chronos schedule advance failed", "job", job.ID, "error", err)
			s.clearFiring(job.ID)
			continue
		}

		job := job
		s.jobWg.Add(1)
		go func() {
			defer s.jobWg.Done()
			defer s.clearFiring(job.ID)
			s.fire(job, now)
		}()
	}
}

func (s *Scheduler) clearFiring(jobID string) {
	s.mu.Lock()
	delete(s.firing, jobID)
	s.mu.Unlock()
}

func (s *Scheduler) fire(job *domain.ChronosJob, firedAt time.Time) {
	exec, err := s.store.BeginExecution(job.ID, firedAt)
	if err != nil {
		s.logger.Error("chronos execution record failed", "job", job.ID, "error", err)
		return
	}

	s.logger.Info("chronos job firing", "job", job.ID, "name", job.Name)

	output, runErr := s.invoker.Invoke(context.Background(), job.Prompt, "chronos:"+job.ID)

	if runErr != nil {
		metrics.ChronosFires.WithLabelValues("failed").Inc()
		if err := s.store.FinishExecution(exec.ID, domain.ExecFailed, "", runErr.Error()); err != nil {
			s.logger.Error("chronos execution update failed", "job", job.ID, "error", err)
		}
		s.logger.Warn("chronos job failed", "job", job.ID, "name", job.Name, "error", runErr)
		s.checkAutoDisable(job)
	} else {
		metrics.ChronosFires.WithLabelValues("success").Inc()
		if err := s.store.FinishExecution(exec.ID, domain.ExecSuccess, output, ""); err != nil {
			s.logger.Error("chronos execution update failed", "job", job.ID, "error", err)
		}
		s.announce(job, output)
	}

	if err := s.store.PruneExecutions(job.ID); err != nil {
		s.logger.Warn("chronos execution prune failed", "job", job.ID, "error", err)
	}
}

// announce broadcasts a successful run's output to every connected channel.
func (s *Scheduler) announce(job *domain.ChronosJob, output string) {
	text := fmt.Sprintf("⏰ %s\n%s", summarize(job.Prompt), strings.TrimSpace(output))
	if err := s.channels.Broadcast(text); err != nil {
		s.logger.Warn("chronos broadcast failed", "job", job.ID, "error", err)
	}
}

// checkAutoDisable turns a job off after disableAfterFailures consecutive
// failed runs so a broken prompt does not burn agent invocations forever.
func (s *Scheduler) checkAutoDisable(job *domain.ChronosJob) {
	execs, err := s.store.Executions(job.ID, disableAfterFailures)
	if err != nil || len(execs) < disableAfterFailures {
		return
	}
	for _, e := range execs {
		if e.Status != domain.ExecFailed {
			return
		}
	}

	if err := s.store.SetEnabled(job.ID, false); err != nil {
		s.logger.Error("chronos auto-disable failed", "job", job.ID, "error", err)
		return
	}
	s.logger.Warn("chronos job auto-disabled after consecutive failures",
		"job", job.ID, "name", job.Name, "failures", disableAfterFailures)

	warning := fmt.Sprintf("⚠️ Scheduled job %q disabled after %d consecutive failures.",
		job.Name, disableAfterFailures)
	if err := s.channels.Broadcast(warning); err != nil {
		s.logger.Warn("chronos broadcast failed", "job", job.ID, "error", err)
	}
}

func summarize(prompt string) string {
	p := strings.Join(strings.Fields(prompt), " ")
	if len(p) <= promptSummaryLen {
		return p
	}
	return p[:promptSummaryLen-3] + "..."
}
