package chronos

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fernwerk/famulus/internal/domain"
)

// executionHistoryKeep is how many execution records survive pruning per job.
const executionHistoryKeep = 100

// ErrNotFound is returned when a job id does not exist.
var ErrNotFound = errors.New("chronos job not found")

// Store provides SQLite-backed persistence for chronos jobs and their
// execution history.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store over the shared database and runs its migrations.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running chronos migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// JobParams carries the caller-supplied fields for a new job.
type JobParams struct {
	Name               string
	ScheduleType       domain.ScheduleType
	ScheduleExpression string
	Timezone           string
	Prompt             string
}

// CreateJob validates the schedule expression and inserts an enabled job.
// Malformed expressions fail here, never at fire time.
func (s *Store) CreateJob(p JobParams) (*domain.ChronosJob, error) {
	if strings.TrimSpace(p.Prompt) == "" {
		return nil, fmt.Errorf("job prompt is required")
	}
	if p.Timezone == "" {
		p.Timezone = "UTC"
	}

	parsed, err := ParseSchedule(p.ScheduleType, p.ScheduleExpression, p.Timezone, time.Now())
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	job := &domain.ChronosJob{
		ID:                 uuid.NewString(),
		Name:               p.Name,
		ScheduleType:       p.ScheduleType,
		ScheduleExpression: p.ScheduleExpression,
		CronNormalized:     parsed.CronNormalized,
		Timezone:           p.Timezone,
		NextRunAt:          parsed.NextRun,
		Enabled:            true,
		Prompt:             p.Prompt,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	_, err = s.db.Exec(`
		INSERT INTO chronos_jobs (id, name, schedule_type, schedule_expression, cron_normalized,
			timezone, next_run_at, enabled, prompt, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.Name, string(job.ScheduleType), job.ScheduleExpression,
		nullable(job.CronNormalized), job.Timezone, job.NextRunAt, job.Enabled, job.Prompt,
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return job, nil
}

// GetJob retrieves a job by ID
func (s *Store) GetJob(id string) (*domain.ChronosJob, error) {
	row := s.db.QueryRow(selectJobs+` WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

// ListJobs returns all jobs, newest first.
func (s *Store) ListJobs() ([]*domain.ChronosJob, error) {
	return s.queryJobs(selectJobs + ` ORDER BY created_at DESC`)
}

// DueJobs returns the enabled jobs whose next run is at or before now.
func (s *Store) DueJobs(now time.Time) ([]*domain.ChronosJob, error) {
	return s.queryJobs(selectJobs+` WHERE enabled AND next_run_at <= ? ORDER BY next_run_at ASC`, now.UTC())
}

func (s *Store) queryJobs(query string, args ...any) ([]*domain.ChronosJob, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*domain.ChronosJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// UpdateJob replaces a job's definition, revalidating the schedule.
func (s *Store) UpdateJob(id string, p JobParams) (*domain.ChronosJob, error) {
	if _, err := s.GetJob(id); err != nil {
		return nil, err
	}
	if p.Timezone == "" {
		p.Timezone = "UTC"
	}

	parsed, err := ParseSchedule(p.ScheduleType, p.ScheduleExpression, p.Timezone, time.Now())
	if err != nil {
		return nil, err
	}

	_, err = s.db.Exec(`
		UPDATE chronos_jobs SET name = ?, schedule_type = ?, schedule_expression = ?,
			cron_normalized = ?, timezone = ?, next_run_at = ?, prompt = ?, updated_at = ?
		WHERE id = ?
	`, p.Name, string(p.ScheduleType), p.ScheduleExpression, nullable(parsed.CronNormalized),
		p.Timezone, parsed.NextRun, p.Prompt, time.Now().UTC(), id)
	if err != nil {
		return nil, err
	}
	return s.GetJob(id)
}

// SetEnabled toggles a job. Enabling recomputes the next run so a long-paused
// job does not fire immediately for every missed slot. A once job that has
// already fired cannot be re-enabled; its scheduled moment is in the past.
func (s *Store) SetEnabled(id string, enabled bool) error {
	job, err := s.GetJob(id)
	if err != nil {
		return err
	}
	if enabled && job.ScheduleType == domain.ScheduleOnce && job.LastRunAt != nil {
		return fmt.Errorf("once job %s already fired; create a new job instead", id)
	}

	nextRun := job.NextRunAt
	if enabled && job.CronNormalized != "" {
		next, err := NextAfter(job.CronNormalized, job.Timezone, time.Now())
		if err != nil {
			return err
		}
		nextRun = next
	}

	_, err = s.db.Exec(`
		UPDATE chronos_jobs SET enabled = ?, next_run_at = ?, updated_at = ? WHERE id = ?
	`, enabled, nextRun, time.Now().UTC(), id)
	return err
}

// DeleteJob removes a job and its execution history.
func (s *Store) DeleteJob(id string) error {
	if _, err := s.db.Exec(`DELETE FROM job_executions WHERE job_id = ?`, id); err != nil {
		return err
	}
	res, err := s.db.Exec(`DELETE FROM chronos_jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordFired persists post-fire bookkeeping: last_run_at always, and the
// recomputed next run for recurring jobs. Once jobs are disabled instead and
// their next run is never recomputed.
func (s *Store) RecordFired(job *domain.ChronosJob, firedAt time.Time) error {
	if job.ScheduleType == domain.ScheduleOnce {
		_, err := s.db.Exec(`
			UPDATE chronos_jobs SET enabled = FALSE, last_run_at = ?, updated_at = ? WHERE id = ?
		`, firedAt.UTC(), time.Now().UTC(), job.ID)
		return err
	}

	next, err := NextAfter(job.CronNormalized, job.Timezone, firedAt)
	if err != nil {
		return fmt.Errorf("computing next run for job %s: %w", job.ID, err)
	}
	_, err = s.db.Exec(`
		UPDATE chronos_jobs SET next_run_at = ?, last_run_at = ?, updated_at = ? WHERE id = ?
	`, next, firedAt.UTC(), time.Now().UTC(), job.ID)
	return err
}

// BeginExecution inserts a running execution record for a firing.
func (s *Store) BeginExecution(jobID string, startedAt time.Time) (*domain.JobExecution, error) {
	exec := &domain.JobExecution{
		ID:        uuid.NewString(),
		JobID:     jobID,
		Status:    domain.ExecRunning,
		StartedAt: startedAt.UTC(),
	}
	_, err := s.db.Exec(`
		INSERT INTO job_executions (id, job_id, status, started_at) VALUES (?, ?, ?, ?)
	`, exec.ID, exec.JobID, string(exec.Status), exec.StartedAt)
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// FinishExecution records the outcome of a firing.
func (s *Store) FinishExecution(execID string, status domain.ExecutionStatus, output, errMsg string) error {
	_, err := s.db.Exec(`
		UPDATE job_executions SET status = ?, output = ?, error = ?, finished_at = ? WHERE id = ?
	`, string(status), output, errMsg, time.Now().UTC(), execID)
	return err
}

// Executions returns a job's execution history, newest first.
func (s *Store) Executions(jobID string, limit int) ([]*domain.JobExecution, error) {
	query := `SELECT id, job_id, status, output, error, started_at, finished_at
		FROM job_executions WHERE job_id = ? ORDER BY started_at DESC`
	args := []any{jobID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*domain.JobExecution
	for rows.Next() {
		var e domain.JobExecution
		var status string
		var output, errMsg sql.NullString
		var finishedAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.JobID, &status, &output, &errMsg, &e.StartedAt, &finishedAt); err != nil {
			return nil, err
		}
		e.Status = domain.ExecutionStatus(status)
		e.Output = output.String
		e.Error = errMsg.String
		if finishedAt.Valid {
			t := finishedAt.Time
			e.FinishedAt = &t
		}
		execs = append(execs, &e)
	}
	return execs, rows.Err()
}

// PruneExecutions drops all but the newest records for a job.
func (s *Store) PruneExecutions(jobID string) error {
	_, err := s.db.Exec(`
		DELETE FROM job_executions WHERE job_id = ? AND id NOT IN (
			SELECT id FROM job_executions WHERE job_id = ?
			ORDER BY started_at DESC LIMIT ?
		)
	`, jobID, jobID, executionHistoryKeep)
	return err
}

const selectJobs = `
	SELECT id, name, schedule_type, schedule_expression, cron_normalized, timezone,
		next_run_at, last_run_at, enabled, prompt, created_at, updated_at
	FROM chronos_jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.ChronosJob, error) {
	var job domain.ChronosJob
	var scheduleType string
	var cronNormalized sql.NullString
	var lastRunAt sql.NullTime

	err := row.Scan(&job.ID, &job.Name, &scheduleType, &job.ScheduleExpression, &cronNormalized,
		&job.Timezone, &job.NextRunAt, &lastRunAt, &job.Enabled, &job.Prompt,
		&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}

	job.ScheduleType = domain.ScheduleType(scheduleType)
	job.CronNormalized = cronNormalized.String
	if lastRunAt.Valid {
		t := lastRunAt.Time
		job.LastRunAt = &t
	}
	return &job, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
