package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fernwerk/famulus/internal/approval"
	"github.com/fernwerk/famulus/internal/delegation"
	"github.com/fernwerk/famulus/internal/domain"
	"github.com/fernwerk/famulus/internal/taskstore"
	"github.com/fernwerk/famulus/internal/webhook"
)

// TaskResponse is the API response for a task
type TaskResponse struct {
	ID            string  `json:"id"`
	Agent         string  `json:"agent"`
	Status        string  `json:"status"`
	Input         string  `json:"input"`
	Output        string  `json:"output,omitempty"`
	Error         string  `json:"error,omitempty"`
	OriginChannel string  `json:"origin_channel"`
	SessionID     string  `json:"session_id"`
	NotifyStatus  string  `json:"notify_status"`
	CreatedAt     string  `json:"created_at"`
	FinishedAt    *string `json:"finished_at,omitempty"`
}

// StatusResponse is the API response for overall daemon status.
// Undelivered counts terminal tasks whose result still awaits a delivery
// claim.
type StatusResponse struct {
	Pending     int `json:"pending"`
	Running     int `json:"running"`
	Completed   int `json:"completed"`
	Failed      int `json:"failed"`
	Cancelled   int `json:"cancelled"`
	Undelivered int `json:"undelivered"`
	Jobs        int `json:"jobs"`
}

// ApprovalResponse is the API response for an approval request
type ApprovalResponse struct {
	ID          string `json:"id"`
	TaskID      string `json:"task_id"`
	SessionID   string `json:"session_id"`
	Action      string `json:"action"`
	Description string `json:"description"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
}

// JobResponse is the API response for a chronos job
type JobResponse struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	ScheduleType       string `json:"schedule_type"`
	ScheduleExpression string `json:"schedule_expression"`
	CronNormalized     string `json:"cron_normalized,omitempty"`
	Timezone           string `json:"timezone"`
	NextRunAt          string `json:"next_run_at"`
	Enabled            bool   `json:"enabled"`
	Prompt             string `json:"prompt"`
}

func taskToResponse(t *domain.Task) TaskResponse {
	resp := TaskResponse{
		ID:            t.ID,
		Agent:         string(t.Agent),
		Status:        string(t.Status),
		Input:         t.Input,
		Output:        t.Output,
		Error:         t.Error,
		OriginChannel: t.OriginChannel,
		SessionID:     t.SessionID,
		NotifyStatus:  string(t.NotifyStatus),
		CreatedAt:     t.CreatedAt.Format(time.RFC3339),
	}
	if t.FinishedAt != nil {
		ts := t.FinishedAt.Format(time.RFC3339)
		resp.FinishedAt = &ts
	}
	return resp
}

func approvalToResponse(a *domain.ApprovalRequest) ApprovalResponse {
	return ApprovalResponse{
		ID:          a.ID,
		TaskID:      a.TaskID,
		SessionID:   a.SessionID,
		Action:      string(a.ActionType),
		Description: a.ActionDescription,
		Status:      string(a.Status),
		CreatedAt:   a.CreatedAt.Format(time.RFC3339),
	}
}

func jobToResponse(j *domain.ChronosJob) JobResponse {
	return JobResponse{
		ID:                 j.ID,
		Name:               j.Name,
		ScheduleType:       string(j.ScheduleType),
		ScheduleExpression: j.ScheduleExpression,
		CronNormalized:     j.CronNormalized,
		Timezone:           j.Timezone,
		NextRunAt:          j.NextRunAt.Format(time.RFC3339),
		Enabled:            j.Enabled,
		Prompt:             j.Prompt,
	}
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		var resp StatusResponse
		now := time.Now().UTC()
		for status, dst := range map[domain.TaskStatus]*int{
			domain.StatusPending:   &resp.Pending,
			domain.StatusRunning:   &resp.Running,
			domain.StatusCompleted: &resp.Completed,
			domain.StatusFailed:    &resp.Failed,
			domain.StatusCancelled: &resp.Cancelled,
		} {
			tasks, err := s.tasks.ListTasks(taskstore.ListOptions{Status: status})
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			*dst = len(tasks)
			for _, t := range tasks {
				if t.Notifiable(now) {
					resp.Undelivered++
				}
			}
		}

		jobs, err := s.jobs.ListJobs()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp.Jobs = len(jobs)

		writeJSON(w, resp)
	}
}

// delegateRequest is the POST /api/tasks body.
type delegateRequest struct {
	Agent       string `json:"agent"`
	Input       string `json:"input"`
	Context     string `json:"context,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
}

func (s *Server) tasksHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			opts := taskstore.ListOptions{
				Status:        domain.TaskStatus(r.URL.Query().Get("status")),
				Agent:         domain.Agent(r.URL.Query().Get("agent")),
				OriginChannel: r.URL.Query().Get("channel"),
				SessionID:     r.URL.Query().Get("session"),
			}
			if v := r.URL.Query().Get("limit"); v != "" {
				n, err := strconv.Atoi(v)
				if err != nil || n < 1 {
					writeError(w, http.StatusBadRequest, "invalid limit")
					return
				}
				opts.Limit = n
			}
			tasks, err := s.tasks.ListTasks(opts)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			resp := make([]TaskResponse, len(tasks))
			for i, t := range tasks {
				resp[i] = taskToResponse(t)
			}
			writeJSON(w, resp)

		case http.MethodPost:
			var req delegateRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid JSON body")
				return
			}
			task, err := s.delegator.Delegate(r.Context(), domain.Agent(req.Agent), req.Input, req.Context, req.MaxAttempts)
			if err != nil {
				if errors.Is(err, delegation.ErrRateLimited) {
					writeError(w, http.StatusTooManyRequests, err.Error())
					return
				}
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeJSONStatus(w, http.StatusCreated, taskToResponse(task))

		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

func (s *Server) taskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/api/tasks/")

		if id, ok := strings.CutSuffix(rest, "/cancel"); ok {
			if r.Method != http.MethodPost {
				writeError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			if err := s.tasks.CancelTask(id); err != nil {
				if errors.Is(err, taskstore.ErrNotFound) {
					writeError(w, http.StatusNotFound, "task not found")
					return
				}
				writeError(w, http.StatusConflict, err.Error())
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		task, err := s.tasks.GetTask(rest)
		if err != nil {
			if errors.Is(err, taskstore.ErrNotFound) {
				writeError(w, http.StatusNotFound, "task not found")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, taskToResponse(task))
	}
}

func (s *Server) approvalsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		session := r.URL.Query().Get("session")
		if session == "" {
			writeError(w, http.StatusBadRequest, "session query parameter required")
			return
		}
		pending, err := s.approvals.PendingForSession(session)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp := make([]ApprovalResponse, len(pending))
		for i, a := range pending {
			resp[i] = approvalToResponse(a)
		}
		writeJSON(w, resp)
	}
}

// gateRequest is the POST /api/approvals/gate body. The call blocks until a
// human answers or the gate times out, so the external execution worker can
// pause a privileged action on it.
type gateRequest struct {
	TaskID      string `json:"task_id"`
	SessionID   string `json:"session_id"`
	Action      string `json:"action"`
	Description string `json:"description"`
}

func (s *Server) gateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var req gateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		outcome, err := s.gate.RequestApproval(r.Context(), req.TaskID, req.SessionID,
			domain.ActionType(req.Action), req.Description)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, map[string]string{"outcome": string(outcome)})
	}
}

// resolveRequest is the POST /api/approvals/{id}/resolve body.
type resolveRequest struct {
	Status     string `json:"status"` // approved, denied, approved_always
	Scope      string `json:"scope,omitempty"`
	ResolvedBy string `json:"resolved_by"`
}

func (s *Server) resolveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := strings.CutSuffix(strings.TrimPrefix(r.URL.Path, "/api/approvals/"), "/resolve")
		if !ok || r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var req resolveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		err := s.approvals.Resolve(id, domain.ApprovalStatus(req.Status), domain.GrantScope(req.Scope), req.ResolvedBy)
		if err != nil {
			switch {
			case errors.Is(err, approval.ErrNotFound):
				writeError(w, http.StatusNotFound, "approval not found")
			case errors.Is(err, approval.ErrAlreadyResolved):
				writeError(w, http.StatusConflict, "approval already resolved")
			default:
				writeError(w, http.StatusBadRequest, err.Error())
			}
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) jobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		jobs, err := s.jobs.ListJobs()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp := make([]JobResponse, len(jobs))
		for i, j := range jobs {
			resp[i] = jobToResponse(j)
		}
		writeJSON(w, resp)
	}
}

func (s *Server) jobExecutionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := strings.CutSuffix(strings.TrimPrefix(r.URL.Path, "/api/jobs/"), "/executions")
		if !ok || r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		execs, err := s.jobs.Executions(id, 20)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		type execResponse struct {
			ID         string `json:"id"`
			Status     string `json:"status"`
			Output     string `json:"output,omitempty"`
			Error      string `json:"error,omitempty"`
			StartedAt  string `json:"started_at"`
			FinishedAt string `json:"finished_at,omitempty"`
		}
		resp := make([]execResponse, len(execs))
		for i, e := range execs {
			resp[i] = execResponse{
				ID:        e.ID,
				Status:    string(e.Status),
				Output:    e.Output,
				Error:     e.Error,
				StartedAt: e.StartedAt.Format(time.RFC3339),
			}
			if e.FinishedAt != nil {
				resp[i].FinishedAt = e.FinishedAt.Format(time.RFC3339)
			}
		}
		writeJSON(w, resp)
	}
}

// webhookCreateRequest is the POST /api/webhooks body.
type webhookCreateRequest struct {
	Name           string   `json:"name"`
	NotifyChannels []string `json:"notify_channels,omitempty"`
}

func (s *Server) webhookCreateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var req webhookCreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.Name == "" {
			writeError(w, http.StatusBadRequest, "name required")
			return
		}
		def, err := s.webhooks.CreateDefinition(req.Name, req.NotifyChannels)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSONStatus(w, http.StatusCreated, map[string]string{"id": def.ID, "name": def.Name})
	}
}

// webhookTriggerRequest is the POST /api/webhooks/{id}/trigger body. The
// trigger delegates a task whose result is delivered back through the
// webhook notification record and announced on the definition's channels.
type webhookTriggerRequest struct {
	Agent string `json:"agent"`
	Input string `json:"input"`
}

func (s *Server) webhookTriggerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := strings.CutSuffix(strings.TrimPrefix(r.URL.Path, "/api/webhooks/"), "/trigger")
		if !ok || r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		def, err := s.webhooks.GetDefinition(id)
		if err != nil {
			if errors.Is(err, webhook.ErrNotFound) {
				writeError(w, http.StatusNotFound, "webhook not found")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		var req webhookTriggerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}

		turn := delegation.NewTurn(delegation.Origin{
			Channel:   domain.ChannelWebhook,
			SessionID: "webhook:" + def.ID,
		})
		ctx := delegation.WithTurn(r.Context(), turn)

		task, err := s.delegator.Delegate(ctx, domain.Agent(req.Agent), req.Input, "", 0)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if _, err := s.webhooks.CreateNotification(def.ID, task.ID); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		writeJSONStatus(w, http.StatusAccepted, map[string]string{"task_id": task.ID})
	}
}
