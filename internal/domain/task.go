package domain

import "time"

// Task represents one unit of delegated, asynchronously executed work.
// Execution fields (status, attempts, output/error) are owned by the
// executing worker; notify fields are owned exclusively by the notifier.
type Task struct {
	ID      string
	Agent   Agent
	Status  TaskStatus
	Input   string
	Context string

	// Result payloads, mutually exclusive, set once on terminal transition.
	Output string
	Error  string

	// Addressing tuple used to deliver the result back to its origin.
	OriginChannel   string
	SessionID       string
	OriginMessageID string
	OriginUserID    string

	// Execution retry bookkeeping.
	AttemptCount int
	MaxAttempts  int
	AvailableAt  time.Time

	// Delivery bookkeeping.
	NotifyStatus    NotifyStatus
	NotifyAttempts  int
	NotifyLastError string
	NotifiedAt      *time.Time
	NotifyAfterAt   *time.Time

	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	UpdatedAt  time.Time
}

// Notifiable reports whether the task is eligible for a delivery claim at
// the given instant: terminal status, undelivered, attempts remaining, and
// any retry backoff elapsed.
func (t *Task) Notifiable(now time.Time) bool {
	if !t.Status.IsTerminal() {
		return false
	}
	if t.NotifyStatus != NotifyPending {
		return false
	}
	if t.NotifyAttempts >= t.MaxAttempts {
		return false
	}
	if t.NotifyAfterAt != nil && now.Before(*t.NotifyAfterAt) {
		return false
	}
	return true
}
