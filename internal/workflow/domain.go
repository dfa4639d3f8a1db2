// Package workflow drives approval lifecycles through per-type transition tables.
package workflow

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/formula-pm/formula-pm/internal/rbac"
)

// Status is a workflow state name.
type Status string

// Ref identifies a workflow-governed resource instance.
type Ref struct {
	Type rbac.ResourceType
	ID   uuid.UUID
}

// Instance is a resource row as read for a transition.
type Instance struct {
	rbac.Resource
	Version   int64
	UpdatedAt time.Time
}

// Transition is one row of a transition table.
type Transition struct {
	Action     string
	From       Status
	To         Status
	Permission rbac.Action
	// Roles optionally narrows the transition to a subset of the roles holding Permission.
	Roles []rbac.Role
}

// IsApproval reports whether the transition approves the resource and is therefore subject to
// the self-approval block.
func (t Transition) IsApproval() bool {
	return t.Permission == rbac.ActionApprove
}

func (t Transition) allowsRole(role rbac.Role) bool {
	if len(t.Roles) == 0 {
		return true
	}
	for _, r := range t.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Event is the audit record of a committed transition.
type Event struct {
	ID           uuid.UUID         `json:"id"`
	ResourceID   uuid.UUID         `json:"resource_id"`
	ResourceType rbac.ResourceType `json:"resource_type"`
	ProjectID    uuid.UUID         `json:"project_id"`
	Action       string            `json:"action"`
	FromStatus   Status            `json:"from_status"`
	ToStatus     Status            `json:"to_status"`
	PrincipalID  uuid.UUID         `json:"principal_id"`
	Comment      string            `json:"comment,omitempty"`
	OccurredAt   time.Time         `json:"occurred_at"`
}

// NormalizeAction folds case and hyphens so "Request-Revision" matches "request_revision".
func NormalizeAction(raw string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "-", "_")
}
