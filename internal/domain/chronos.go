package domain

import "time"

// ScheduleType classifies how a chronos job recurs
type ScheduleType string

const (
	ScheduleOnce     ScheduleType = "once"
	ScheduleCron     ScheduleType = "cron"
	ScheduleInterval ScheduleType = "interval"
)

// ChronosJob is a user-defined scheduled trigger that invokes the
// conversational agent with its prompt. CronNormalized is non-empty iff the
// schedule type is cron or interval.
type ChronosJob struct {
	ID                 string
	Name               string
	ScheduleType       ScheduleType
	ScheduleExpression string // raw user text
	CronNormalized     string // canonical 5-field cron, empty for once
	Timezone           string
	NextRunAt          time.Time
	LastRunAt          *time.Time
	Enabled            bool
	Prompt             string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ExecutionStatus represents the outcome of one chronos job firing
type ExecutionStatus string

const (
	ExecRunning ExecutionStatus = "running"
	ExecSuccess ExecutionStatus = "success"
	ExecFailed  ExecutionStatus = "failed"
)

// JobExecution records a single firing of a chronos job.
type JobExecution struct {
	ID         string
	JobID      string
	Status     ExecutionStatus
	Output     string
	Error      string
	StartedAt  time.Time
	FinishedAt *time.Time
}
