package domain

// TaskStatus represents the lifecycle state of a delegated task
type TaskStatus string

const (
	StatusPending          TaskStatus = "pending"
	StatusAwaitingApproval TaskStatus = "awaiting_approval"
	StatusRunning          TaskStatus = "running"
	StatusCompleted        TaskStatus = "completed"
	StatusFailed           TaskStatus = "failed"
	StatusCancelled        TaskStatus = "cancelled"
)

// IsTerminal reports whether a task in this status can never change status again.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether moving from s to next is a legal, monotonic
// transition. No state ever regresses.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusAwaitingApproval || next == StatusRunning || next == StatusCancelled
	case StatusAwaitingApproval:
		return next == StatusRunning || next == StatusCancelled || next == StatusFailed
	case StatusRunning:
		return next == StatusCompleted || next == StatusFailed || next == StatusCancelled
	default:
		return false
	}
}

// NotifyStatus represents the delivery state of a terminal task's result
type NotifyStatus string

const (
	NotifyPending NotifyStatus = "pending"
	NotifySending NotifyStatus = "sending"
	NotifySent    NotifyStatus = "sent"
	NotifyFailed  NotifyStatus = "failed"
)

// Agent identifies which subagent executes a task
type Agent string

const (
	AgentResearch  Agent = "research"
	AgentCoding    Agent = "coding"
	AgentFiles     Agent = "files"
	AgentScheduler Agent = "scheduler"
	AgentGeneral   Agent = "general"
)

// KnownAgent reports whether a is one of the closed set of subagents.
func KnownAgent(a Agent) bool {
	switch a {
	case AgentResearch, AgentCoding, AgentFiles, AgentScheduler, AgentGeneral:
		return true
	}
	return false
}

// Origin channels with dedicated routing behavior. Anything else is treated
// as a chat channel name.
const (
	ChannelWebhook = "webhook"
	ChannelUI      = "ui"
	ChannelChronos = "chronos"
)
