package taskstore

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/fernwerk/famulus/internal/domain"
)

// ErrNotFound is returned when a task id does not exist.
var ErrNotFound = errors.New("task not found")

// Open opens (or creates) the shared sqlite database with the pragmas the
// daemon relies on. All stores share the returned handle.
func Open(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Single writer; also keeps :memory: databases on one connection.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %s: %w", pragma, err)
		}
	}

	return db, nil
}

// Store provides SQLite-backed task persistence
type Store struct {
	db *sql.DB
}

// New creates a Store over the shared database and runs its migrations.
func New(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running task migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// CreateParams carries the caller-supplied fields for a new task.
type CreateParams struct {
	Agent           domain.Agent
	Input           string
	Context         string
	OriginChannel   string
	SessionID       string
	OriginMessageID string
	OriginUserID    string
	MaxAttempts     int
}

// CreateTask inserts a new pending task and returns the stored record.
func (s *Store) CreateTask(p CreateParams) (*domain.Task, error) {
	if !domain.KnownAgent(p.Agent) {
		return nil, fmt.Errorf("unknown agent %q", p.Agent)
	}
	if strings.TrimSpace(p.Input) == "" {
		return nil, fmt.Errorf("task input is required")
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}

	now := time.Now().UTC()
	task := &domain.Task{
		ID:              uuid.NewString(),
		Agent:           p.Agent,
		Status:          domain.StatusPending,
		Input:           p.Input,
		Context:         p.Context,
		OriginChannel:   p.OriginChannel,
		SessionID:       p.SessionID,
		OriginMessageID: p.OriginMessageID,
		OriginUserID:    p.OriginUserID,
		MaxAttempts:     p.MaxAttempts,
		AvailableAt:     now,
		NotifyStatus:    domain.NotifyPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	_, err := s.db.Exec(`
		INSERT INTO tasks (id, agent, status, input, context, origin_channel, session_id,
			origin_message_id, origin_user_id, max_attempts, available_at, notify_status,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		task.ID, string(task.Agent), string(task.Status), task.Input,
		nullable(task.Context), task.OriginChannel, task.SessionID,
		nullable(task.OriginMessageID), nullable(task.OriginUserID),
		task.MaxAttempts, task.AvailableAt, string(task.NotifyStatus),
		task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return task, nil
}

// GetTask retrieves a task by ID
func (s *Store) GetTask(id string) (*domain.Task, error) {
	row := s.db.QueryRow(selectTasks+` WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return task, err
}

// ListOptions specifies filters for listing tasks
type ListOptions struct {
	Status        domain.TaskStatus
	Agent         domain.Agent
	OriginChannel string
	SessionID     string
	OldestFirst   bool
	Limit         int
}

// ListTasks returns tasks matching the given options, newest-first unless
// OldestFirst is set.
func (s *Store) ListTasks(opts ListOptions) ([]*domain.Task, error) {
	query := selectTasks + ` WHERE 1=1`
	var args []any

	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}
	if opts.Agent != "" {
		query += " AND agent = ?"
		args = append(args, string(opts.Agent))
	}
	if opts.OriginChannel != "" {
		query += " AND origin_channel = ?"
		args = append(args, opts.OriginChannel)
	}
	if opts.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, opts.SessionID)
	}

	if opts.OldestFirst {
		query += " ORDER BY created_at ASC"
	} else {
		query += " ORDER BY created_at DESC"
	}
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// TaskUpdate patches known optional fields. Nil fields are left untouched;
// updated_at is always refreshed. Callers patch only the fields they own.
type TaskUpdate struct {
	Status       *domain.TaskStatus
	Output       *string
	Error        *string
	AttemptCount *int
	AvailableAt  *time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
}

// UpdateTask applies a field-level patch to a task. Status changes are
// validated against the state machine and written as a compare-and-set on
// the observed status, so two concurrent writers can never both land a
// terminal transition; the losing writer re-validates against the state
// that actually won.
func (s *Store) UpdateTask(id string, u TaskUpdate) error {
	for {
		var expected domain.TaskStatus
		if u.Status != nil {
			current, err := s.GetTask(id)
			if err != nil {
				return err
			}
			if current.Status != *u.Status && !current.Status.CanTransition(*u.Status) {
				return fmt.Errorf("illegal status transition %s -> %s for task %s", current.Status, *u.Status, id)
			}
			expected = current.Status
		}

		sets := []string{"updated_at = ?"}
		args := []any{time.Now().UTC()}

		if u.Status != nil {
			sets = append(sets, "status = ?")
			args = append(args, string(*u.Status))
		}
		if u.Output != nil {
			sets = append(sets, "output = ?")
			args = append(args, *u.Output)
		}
		if u.Error != nil {
			sets = append(sets, "error = ?")
			args = append(args, *u.Error)
		}
		if u.AttemptCount != nil {
			sets = append(sets, "attempt_count = ?")
			args = append(args, *u.AttemptCount)
		}
		if u.AvailableAt != nil {
			sets = append(sets, "available_at = ?")
			args = append(args, *u.AvailableAt)
		}
		if u.StartedAt != nil {
			sets = append(sets, "started_at = ?")
			args = append(args, *u.StartedAt)
		}
		if u.FinishedAt != nil {
			sets = append(sets, "finished_at = ?")
			args = append(args, *u.FinishedAt)
		}

		query := `UPDATE tasks SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
		args = append(args, id)
		if u.Status != nil {
			query += ` AND status = ?`
			args = append(args, string(expected))
		}

		res, err := s.db.Exec(query, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 1 {
			return nil
		}
		if u.Status == nil {
			return ErrNotFound
		}
		// The status moved between the read and the write. Loop to
		// re-validate; a now-illegal transition errors out above.
	}
}

// CompleteTask records a successful terminal transition with its output.
func (s *Store) CompleteTask(id, output string) error {
	now := time.Now().UTC()
	status := domain.StatusCompleted
	return s.UpdateTask(id, TaskUpdate{Status: &status, Output: &output, FinishedAt: &now})
}

// FailTask records a failed terminal transition with its error.
func (s *Store) FailTask(id, errMsg string) error {
	now := time.Now().UTC()
	status := domain.StatusFailed
	return s.UpdateTask(id, TaskUpdate{Status: &status, Error: &errMsg, FinishedAt: &now})
}

// CancelTask marks a non-terminal task cancelled. Terminal tasks are left
// untouched and an error is returned.
func (s *Store) CancelTask(id string) error {
	now := time.Now().UTC()
	status := domain.StatusCancelled
	return s.UpdateTask(id, TaskUpdate{Status: &status, FinishedAt: &now})
}

// ClaimNextForNotify atomically claims the oldest-finished terminal task
// whose result has not been delivered, transitioning notify_status from
// pending to sending. Returns nil, nil when nothing is claimable. The
// compare-and-set on notify_status guarantees at most one claimant even
// across concurrent ticks.
func (s *Store) ClaimNextForNotify(now time.Time) (*domain.Task, error) {
	for {
		row := s.db.QueryRow(selectTasks+`
			WHERE status IN (?, ?, ?)
			  AND notify_status = ?
			  AND notify_attempts < max_attempts
			  AND (notify_after_at IS NULL OR notify_after_at <= ?)
			ORDER BY finished_at ASC
			LIMIT 1
		`, string(domain.StatusCompleted), string(domain.StatusFailed), string(domain.StatusCancelled),
			string(domain.NotifyPending), now)

		task, err := scanTask(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		res, err := s.db.Exec(`
			UPDATE tasks SET notify_status = ?, notify_claimed_at = ?, updated_at = ?
			WHERE id = ? AND notify_status = ?
		`, string(domain.NotifySending), now, now, task.ID, string(domain.NotifyPending))
		if err != nil {
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 1 {
			task.NotifyStatus = domain.NotifySending
			return task, nil
		}
		// Lost the race to another claimant; pick the next candidate.
	}
}

// MarkNotified settles a claimed task as delivered.
func (s *Store) MarkNotified(id string, at time.Time) error {
	_, err := s.db.Exec(`
		UPDATE tasks SET notify_status = ?, notified_at = ?, notify_claimed_at = NULL, updated_at = ?
		WHERE id = ?
	`, string(domain.NotifySent), at, at, id)
	return err
}

// RecordNotifyFailure books a failed delivery attempt for a claimed task.
// If attempts remain the task reverts to pending with a retry backoff;
// otherwise it settles at failed and is never retried.
func (s *Store) RecordNotifyFailure(id, deliveryErr string, retryAfter time.Time) error {
	task, err := s.GetTask(id)
	if err != nil {
		return err
	}

	attempts := task.NotifyAttempts + 1
	next := domain.NotifyPending
	if attempts >= task.MaxAttempts {
		next = domain.NotifyFailed
	}

	now := time.Now().UTC()
	_, err = s.db.Exec(`
		UPDATE tasks SET notify_status = ?, notify_attempts = ?, notify_last_error = ?,
			notify_after_at = ?, notify_claimed_at = NULL, updated_at = ?
		WHERE id = ?
	`, string(next), attempts, deliveryErr, retryAfter, now, id)
	return err
}

// RecoverStaleSending reverts tasks stuck in sending longer than threshold
// back to pending so they become re-claimable after a crash mid-delivery.
// Returns the number of recovered tasks.
func (s *Store) RecoverStaleSending(threshold time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-threshold)
	res, err := s.db.Exec(`
		UPDATE tasks SET notify_status = ?, notify_claimed_at = NULL, updated_at = ?
		WHERE notify_status = ? AND notify_claimed_at IS NOT NULL AND notify_claimed_at < ?
	`, string(domain.NotifyPending), time.Now().UTC(), string(domain.NotifySending), cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

const selectTasks = `
	SELECT id, agent, status, input, context, output, error, origin_channel, session_id,
		origin_message_id, origin_user_id, attempt_count, max_attempts, available_at,
		notify_status, notify_attempts, notify_last_error, notified_at, notify_after_at,
		created_at, started_at, finished_at, updated_at
	FROM tasks`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var task domain.Task
	var agent, status, notifyStatus string
	var context, output, taskErr, originMsg, originUser, notifyErr sql.NullString
	var availableAt, notifiedAt, notifyAfterAt, startedAt, finishedAt sql.NullTime

	err := row.Scan(
		&task.ID, &agent, &status, &task.Input, &context, &output, &taskErr,
		&task.OriginChannel, &task.SessionID, &originMsg, &originUser,
		&task.AttemptCount, &task.MaxAttempts, &availableAt,
		&notifyStatus, &task.NotifyAttempts, &notifyErr, &notifiedAt, &notifyAfterAt,
		&task.CreatedAt, &startedAt, &finishedAt, &task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	task.Agent = domain.Agent(agent)
	task.Status = domain.TaskStatus(status)
	task.NotifyStatus = domain.NotifyStatus(notifyStatus)
	task.Context = context.String
	task.Output = output.String
	task.Error = taskErr.String
	task.OriginMessageID = originMsg.String
	task.OriginUserID = originUser.String
	task.NotifyLastError = notifyErr.String
	if availableAt.Valid {
		task.AvailableAt = availableAt.Time
	}
	if notifiedAt.Valid {
		t := notifiedAt.Time
		task.NotifiedAt = &t
	}
	if notifyAfterAt.Valid {
		t := notifyAfterAt.Time
		task.NotifyAfterAt = &t
	}
	if startedAt.Valid {
		t := startedAt.Time
		task.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		task.FinishedAt = &t
	}

	return &task, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
