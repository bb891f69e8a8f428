package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fernwerk/famulus/internal/approval"
	"github.com/fernwerk/famulus/internal/channel"
	"github.com/fernwerk/famulus/internal/chronos"
	"github.com/fernwerk/famulus/internal/delegation"
	"github.com/fernwerk/famulus/internal/domain"
	"github.com/fernwerk/famulus/internal/taskstore"
	"github.com/fernwerk/famulus/internal/webhook"
)

func newTestServer(t *testing.T) (*Server, *taskstore.Store) {
	t.Helper()
	db, err := taskstore.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tasks, err := taskstore.New(db)
	if err != nil {
		t.Fatal(err)
	}
	approvals, err := approval.New(db)
	if err != nil {
		t.Fatal(err)
	}
	jobs, err := chronos.NewStore(db)
	if err != nil {
		t.Fatal(err)
	}
	webhooks, err := webhook.New(db)
	if err != nil {
		t.Fatal(err)
	}

	gate := approval.NewGate(approvals, logger, "", nil)
	delegator := delegation.NewDelegator(tasks, logger)
	ws := channel.NewWSAdapter(logger)

	return NewServer(tasks, approvals, gate, delegator, jobs, webhooks, ws), tasks
}

func TestServer_StatusCountsUndeliveredResults(t *testing.T) {
	srv, tasks := newTestServer(t)

	if _, err := tasks.CreateTask(taskstore.CreateParams{
		Agent: domain.AgentResearch, Input: "look something up",
		OriginChannel: "telegram", SessionID: "s1",
	}); err != nil {
		t.Fatal(err)
	}
	done, err := tasks.CreateTask(taskstore.CreateParams{
		Agent: domain.AgentCoding, Input: "write a parser",
		OriginChannel: "telegram", SessionID: "s1",
	})
	if err != nil {
		t.Fatal(err)
	}
	running := domain.StatusRunning
	if err := tasks.UpdateTask(done.ID, taskstore.TaskUpdate{Status: &running}); err != nil {
		t.Fatal(err)
	}
	if err := tasks.CompleteTask(done.ID, "done"); err != nil {
		t.Fatal(err)
	}

	status := func() StatusResponse {
		t.Helper()
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		var resp StatusResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatal(err)
		}
		return resp
	}

	resp := status()
	if resp.Pending != 1 || resp.Completed != 1 {
		t.Errorf("Pending = %d, Completed = %d, want 1 and 1", resp.Pending, resp.Completed)
	}
	if resp.Undelivered != 1 {
		t.Errorf("Undelivered = %d, want 1", resp.Undelivered)
	}

	// Delivery settles the result; it no longer counts as undelivered.
	claimed, err := tasks.ClaimNextForNotify(time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if err := tasks.MarkNotified(claimed.ID, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	if resp := status(); resp.Undelivered != 0 {
		t.Errorf("Undelivered after delivery = %d, want 0", resp.Undelivered)
	}
}

func TestServer_DelegateCreatesTask(t *testing.T) {
	srv, tasks := newTestServer(t)

	body := strings.NewReader(`{"agent": "research", "input": "summarize the news"}`)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/tasks", body))

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (body %s)", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var resp TaskResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	got, err := tasks.GetTask(resp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Input != "summarize the news" {
		t.Errorf("Input = %q", got.Input)
	}
	if got.Status != domain.StatusPending {
		t.Errorf("Status = %q, want %q", got.Status, domain.StatusPending)
	}
}
