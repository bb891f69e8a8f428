package approval

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fernwerk/famulus/internal/domain"
	"github.com/fernwerk/famulus/internal/metrics"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultTimeout      = 10 * time.Minute

	// resolver recorded when the deadline force-denies a request
	timeoutResolver = "timeout"
)

// Outcome is the caller-visible result of an approval request.
type Outcome string

const (
	Approved Outcome = "approved"
	Denied   Outcome = "denied"
)

// EventFunc is notified, fire-and-forget, when a new approval request needs
// a human answer. The conversational layer uses it to prompt the user.
type EventFunc func(req *domain.ApprovalRequest)

// Gate blocks a requesting task until a human approves or denies the action.
// Standing grants short-circuit the request entirely. The wait is a
// timer-driven poll so the rest of the daemon keeps servicing work.
type Gate struct {
	store     *Store
	logger    *slog.Logger
	projectID string
	onRequest EventFunc

	pollInterval time.Duration
	timeout      time.Duration
}

// NewGate creates a Gate over the approval store. projectID scopes
// project-level grants; onRequest may be nil.
func NewGate(store *Store, logger *slog.Logger, projectID string, onRequest EventFunc) *Gate {
	return &Gate{
		store:        store,
		logger:       logger,
		projectID:    projectID,
		onRequest:    onRequest,
		pollInterval: defaultPollInterval,
		timeout:      defaultTimeout,
	}
}

// SetTimeout overrides the deadline for unanswered requests. Non-positive
// values are ignored.
func (g *Gate) SetTimeout(d time.Duration) {
	if d > 0 {
		g.timeout = d
	}
}

// RequestApproval checks standing grants, then creates a pending request and
// polls until a human resolves it or the deadline elapses. Timeout
// force-resolves the request to denied so "no answer in time" has a single
// deterministic outcome.
func (g *Gate) RequestApproval(ctx context.Context, taskID, sessionID string, action domain.ActionType, description string) (Outcome, error) {
	now := time.Now().UTC()
	granted, err := g.store.HasGrant(action, sessionID, g.projectID, now)
	if err != nil {
		return Denied, err
	}
	if granted {
		g.logger.Debug("approval granted by standing permission",
			"task_id", taskID, "action", action)
		metrics.ApprovalOutcomes.WithLabelValues("granted").Inc()
		return Approved, nil
	}

	req, err := g.store.CreateRequest(taskID, sessionID, action, description)
	if err != nil {
		return Denied, err
	}

	g.logger.Info("approval requested",
		"approval_id", req.ID, "task_id", taskID, "action", action)

	if g.onRequest != nil {
		go g.onRequest(req)
	}

	deadline := time.Now().Add(g.timeout)
	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Denied, ctx.Err()
		case <-ticker.C:
			current, err := g.store.GetRequest(req.ID)
			if err != nil {
				return Denied, err
			}

			switch current.Status {
			case domain.ApprovalApproved, domain.ApprovalApprovedAlways:
				g.logger.Info("approval resolved",
					"approval_id", req.ID, "status", current.Status, "resolved_by", current.ResolvedBy)
				metrics.ApprovalOutcomes.WithLabelValues("approved").Inc()
				return Approved, nil
			case domain.ApprovalDenied:
				g.logger.Info("approval resolved",
					"approval_id", req.ID, "status", current.Status, "resolved_by", current.ResolvedBy)
				metrics.ApprovalOutcomes.WithLabelValues("denied").Inc()
				return Denied, nil
			}

			if time.Now().After(deadline) {
				err := g.store.Resolve(req.ID, domain.ApprovalDenied, "", timeoutResolver)
				if err != nil && !errors.Is(err, ErrAlreadyResolved) {
					return Denied, err
				}
				if errors.Is(err, ErrAlreadyResolved) {
					// A human answer landed between the poll and the
					// force-deny; honor it.
					current, err := g.store.GetRequest(req.ID)
					if err != nil {
						return Denied, err
					}
					if current.Status == domain.ApprovalApproved || current.Status == domain.ApprovalApprovedAlways {
						return Approved, nil
					}
					return Denied, nil
				}
				g.logger.Warn("approval timed out",
					"approval_id", req.ID, "task_id", taskID, "timeout", g.timeout)
				metrics.ApprovalOutcomes.WithLabelValues("timeout").Inc()
				return Denied, nil
			}
		}
	}
}
