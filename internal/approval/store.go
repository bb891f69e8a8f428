package approval

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fernwerk/famulus/internal/domain"
)

// ErrNotFound is returned when an approval request id does not exist.
var ErrNotFound = errors.New("approval request not found")

// ErrAlreadyResolved is returned when resolving a request that has already
// left pending. Exactly one terminal status is reached per request.
var ErrAlreadyResolved = errors.New("approval request already resolved")

// Store provides SQLite-backed persistence for approval requests and
// standing permission grants.
type Store struct {
	db *sql.DB
}

// New creates a Store over the shared database and runs its migrations.
func New(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running approval migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// CreateRequest inserts a new pending approval request.
func (s *Store) CreateRequest(taskID, sessionID string, action domain.ActionType, description string) (*domain.ApprovalRequest, error) {
	req := &domain.ApprovalRequest{
		ID:                uuid.NewString(),
		TaskID:            taskID,
		SessionID:         sessionID,
		ActionType:        action,
		ActionDescription: description,
		Status:            domain.ApprovalPending,
		CreatedAt:         time.Now().UTC(),
	}

	_, err := s.db.Exec(`
		INSERT INTO approvals (id, task_id, session_id, action_type, action_description, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, req.ID, req.TaskID, req.SessionID, string(req.ActionType), req.ActionDescription,
		string(req.Status), req.CreatedAt)
	if err != nil {
		return nil, err
	}
	return req, nil
}

// GetRequest retrieves an approval request by ID
func (s *Store) GetRequest(id string) (*domain.ApprovalRequest, error) {
	row := s.db.QueryRow(selectApprovals+` WHERE id = ?`, id)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return req, err
}

// PendingForSession returns the pending requests for a session, oldest first.
func (s *Store) PendingForSession(sessionID string) ([]*domain.ApprovalRequest, error) {
	rows, err := s.db.Query(selectApprovals+`
		WHERE session_id = ? AND status = ? ORDER BY created_at ASC
	`, sessionID, string(domain.ApprovalPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reqs []*domain.ApprovalRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}

// Resolve records a terminal status for a pending request. The compare-and-set
// on status guarantees a single resolution even under concurrent resolvers
// (e.g. a human answer racing the timeout). An approved_always resolution also
// creates the corresponding standing grant: global scope stays global, every
// other scope becomes a session grant for the request's session.
func (s *Store) Resolve(id string, status domain.ApprovalStatus, scope domain.GrantScope, resolvedBy string) error {
	if status == domain.ApprovalPending {
		return fmt.Errorf("cannot resolve to pending")
	}

	req, err := s.GetRequest(id)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	res, err := s.db.Exec(`
		UPDATE approvals SET status = ?, scope = ?, resolved_at = ?, resolved_by = ?
		WHERE id = ? AND status = ?
	`, string(status), nullableScope(scope), now, resolvedBy, id, string(domain.ApprovalPending))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyResolved
	}

	if status == domain.ApprovalApprovedAlways {
		grantScope := domain.ScopeSession
		scopeID := req.SessionID
		if scope == domain.ScopeGlobal {
			grantScope = domain.ScopeGlobal
			scopeID = ""
		}
		if _, err := s.CreateGrant(req.ActionType, grantScope, scopeID, nil); err != nil {
			return fmt.Errorf("creating grant for %s: %w", id, err)
		}
	}
	return nil
}

// CreateGrant inserts a standing permission grant.
func (s *Store) CreateGrant(action domain.ActionType, scope domain.GrantScope, scopeID string, expiresAt *time.Time) (*domain.PermissionGrant, error) {
	if scope != domain.ScopeGlobal && scopeID == "" {
		return nil, fmt.Errorf("scope_id is required for %s grants", scope)
	}

	grant := &domain.PermissionGrant{
		ID:         uuid.NewString(),
		ActionType: action,
		Scope:      scope,
		ScopeID:    scopeID,
		GrantedAt:  time.Now().UTC(),
		ExpiresAt:  expiresAt,
	}

	_, err := s.db.Exec(`
		INSERT INTO permissions (id, action_type, scope, scope_id, granted_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, grant.ID, string(grant.ActionType), string(grant.Scope), nullable(grant.ScopeID),
		grant.GrantedAt, nullableTime(grant.ExpiresAt))
	if err != nil {
		return nil, err
	}
	return grant, nil
}

// HasGrant reports whether an unexpired grant authorizes the action: a global
// grant, or a session/project grant whose scope id matches.
func (s *Store) HasGrant(action domain.ActionType, sessionID, projectID string, now time.Time) (bool, error) {
	rows, err := s.db.Query(`
		SELECT id, action_type, scope, scope_id, granted_at, expires_at
		FROM permissions WHERE action_type = ?
	`, string(action))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var g domain.PermissionGrant
		var actionType, scope string
		var scopeID sql.NullString
		var expiresAt sql.NullTime
		if err := rows.Scan(&g.ID, &actionType, &scope, &scopeID, &g.GrantedAt, &expiresAt); err != nil {
			return false, err
		}
		g.ActionType = domain.ActionType(actionType)
		g.Scope = domain.GrantScope(scope)
		g.ScopeID = scopeID.String
		if expiresAt.Valid {
			t := expiresAt.Time
			g.ExpiresAt = &t
		}

		switch g.Scope {
		case domain.ScopeGlobal:
			if g.Matches(action, "", now) {
				return true, nil
			}
		case domain.ScopeSession:
			if g.Matches(action, sessionID, now) {
				return true, nil
			}
		case domain.ScopeProject:
			if g.Matches(action, projectID, now) {
				return true, nil
			}
		}
	}
	return false, rows.Err()
}

const selectApprovals = `
	SELECT id, task_id, session_id, action_type, action_description, status, scope,
		created_at, resolved_at, resolved_by
	FROM approvals`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*domain.ApprovalRequest, error) {
	var req domain.ApprovalRequest
	var actionType, status string
	var scope, resolvedBy sql.NullString
	var resolvedAt sql.NullTime

	err := row.Scan(&req.ID, &req.TaskID, &req.SessionID, &actionType, &req.ActionDescription,
		&status, &scope, &req.CreatedAt, &resolvedAt, &resolvedBy)
	if err != nil {
		return nil, err
	}

	req.ActionType = domain.ActionType(actionType)
	req.Status = domain.ApprovalStatus(status)
	req.Scope = domain.GrantScope(scope.String)
	req.ResolvedBy = resolvedBy.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		req.ResolvedAt = &t
	}
	return &req, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableScope(s domain.GrantScope) any {
	if s == "" {
		return nil
	}
	return string(s)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
