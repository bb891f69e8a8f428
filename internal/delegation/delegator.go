package delegation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fernwerk/famulus/internal/domain"
	"github.com/fernwerk/famulus/internal/metrics"
	"github.com/fernwerk/famulus/internal/taskstore"
)

// DefaultOrigin is the addressing tuple used when no turn context is
// established, e.g. a delegation issued by a scheduled firing.
var DefaultOrigin = Origin{Channel: domain.ChannelChronos, SessionID: "system"}

// ErrRateLimited is wrapped in the descriptive admission error returned when
// a turn exceeds its delegation ceiling.
var ErrRateLimited = fmt.Errorf("delegation rate limit reached")

// Delegator creates task records on behalf of delegation tools, applying
// the per-turn dedup and rate-limit admission checks.
type Delegator struct {
	tasks  *taskstore.Store
	logger *slog.Logger
}

// NewDelegator creates a Delegator over the task store.
func NewDelegator(tasks *taskstore.Store, logger *slog.Logger) *Delegator {
	return &Delegator{tasks: tasks, logger: logger}
}

// Delegate admits and creates a task for the given agent. Within a turn,
// a duplicate of an earlier delegation (same agent, same normalized text)
// reuses the existing task id instead of creating a new record, and the
// ceiling rejects further delegations with a descriptive error the calling
// agent can adapt to.
func (d *Delegator) Delegate(ctx context.Context, agent domain.Agent, input, taskContext string, maxAttempts int) (*domain.Task, error) {
	turn := TurnFrom(ctx)
	normalized := Normalize(input)

	origin := DefaultOrigin
	if turn != nil {
		origin = turn.Origin()

		if id, ok := turn.Existing(string(agent), normalized); ok {
			d.logger.Debug("delegation deduplicated", "agent", agent, "task_id", id)
			return d.tasks.GetTask(id)
		}
		if turn.AtCeiling() {
			return nil, fmt.Errorf("%w: at most %d background tasks may be started per message; wait for the current ones to finish",
				ErrRateLimited, MaxPerTurn)
		}
	}

	task, err := d.tasks.CreateTask(taskstore.CreateParams{
		Agent:           agent,
		Input:           input,
		Context:         taskContext,
		OriginChannel:   origin.Channel,
		SessionID:       origin.SessionID,
		OriginMessageID: origin.MessageID,
		OriginUserID:    origin.UserID,
		MaxAttempts:     maxAttempts,
	})
	if err != nil {
		return nil, err
	}

	if turn != nil {
		turn.Record(task.ID, string(agent), normalized)
	}
	metrics.TasksCreated.WithLabelValues(string(agent)).Inc()

	d.logger.Info("task delegated",
		"task_id", task.ID, "agent", agent, "channel", origin.Channel, "session", origin.SessionID)
	return task, nil
}
