package domain

import "time"

// ApprovalStatus represents the resolution state of an approval request
type ApprovalStatus string

const (
	ApprovalPending        ApprovalStatus = "pending"
	ApprovalApproved       ApprovalStatus = "approved"
	ApprovalDenied         ApprovalStatus = "denied"
	ApprovalApprovedAlways ApprovalStatus = "approved_always"
)

// ActionType identifies the privileged action an approval request gates
type ActionType string

const (
	ActionFileWrite         ActionType = "file_write"
	ActionCommandExec       ActionType = "command_exec"
	ActionNetworkCall       ActionType = "network_call"
	ActionCredentialsAccess ActionType = "credentials_access"
)

// GrantScope is the blast radius of a grant or approval resolution
type GrantScope string

const (
	ScopeOnce    GrantScope = "once"
	ScopeSession GrantScope = "session"
	ScopeProject GrantScope = "project"
	ScopeGlobal  GrantScope = "global"
)

// ApprovalRequest is a consent checkpoint tied to one task. Exactly one
// non-pending terminal status is reached per request.
type ApprovalRequest struct {
	ID                string
	TaskID            string
	SessionID         string
	ActionType        ActionType
	ActionDescription string
	Status            ApprovalStatus
	Scope             GrantScope // set only on resolution
	CreatedAt         time.Time
	ResolvedAt        *time.Time
	ResolvedBy        string
}

// PermissionGrant is a standing, possibly-expiring authorization that
// bypasses future approval requests for an action type.
type PermissionGrant struct {
	ID         string
	ActionType ActionType
	Scope      GrantScope // session, project, or global
	ScopeID    string     // required unless Scope is global
	GrantedAt  time.Time
	ExpiresAt  *time.Time
}

// Matches reports whether the grant authorizes action for the given scope id
// at the given instant. Expired grants never match.
func (g *PermissionGrant) Matches(action ActionType, scopeID string, now time.Time) bool {
	if g.ActionType != action {
		return false
	}
	if g.ExpiresAt != nil && !now.Before(*g.ExpiresAt) {
		return false
	}
	if g.Scope == ScopeGlobal {
		return true
	}
	return g.ScopeID != "" && g.ScopeID == scopeID
}
