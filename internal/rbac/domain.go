package rbac

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/formula-pm/formula-pm/internal/shared"
)

// Role is the closed set of principal roles.
type Role string

const (
	RoleManagement      Role = "management"
	RolePurchaseManager Role = "purchase_manager"
	RoleTechnicalLead   Role = "technical_lead"
	RoleProjectManager  Role = "project_manager"
	RoleClient          Role = "client"
	RoleAdmin           Role = "admin"
)

// Roles lists every valid role.
func Roles() []Role {
	return []Role{RoleManagement, RolePurchaseManager, RoleTechnicalLead, RoleProjectManager, RoleClient, RoleAdmin}
}

// ParseRole validates raw against the enumeration. Unknown values are rejected, never coerced.
func ParseRole(raw string) (Role, error) {
	for _, r := range Roles() {
		if string(r) == raw {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: unknown role %q", shared.ErrValidation, raw)
}

// Seniority is the tier orthogonal to Role.
type Seniority string

const (
	SeniorityExecutive Seniority = "executive"
	SenioritySenior    Seniority = "senior"
	SeniorityRegular   Seniority = "regular"
)

// ParseSeniority validates raw against the known tiers.
func ParseSeniority(raw string) (Seniority, error) {
	switch s := Seniority(raw); s {
	case SeniorityExecutive, SenioritySenior, SeniorityRegular:
		return s, nil
	}
	return "", fmt.Errorf("%w: unknown seniority %q", shared.ErrValidation, raw)
}

func (s Seniority) rank() int {
	switch s {
	case SeniorityExecutive:
		return 3
	case SenioritySenior:
		return 2
	case SeniorityRegular:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether s meets min. An empty min is always met.
func (s Seniority) AtLeast(min Seniority) bool {
	if min == "" {
		return true
	}
	return s.rank() >= min.rank()
}

// Action is the closed set of permission actions.
type Action string

const (
	ActionCreate          Action = "create"
	ActionRead            Action = "read"
	ActionUpdate          Action = "update"
	ActionDelete          Action = "delete"
	ActionApprove         Action = "approve"
	ActionReject          Action = "reject"
	ActionRequestRevision Action = "request_revision"
	ActionViewCost        Action = "view_cost"
	ActionAdmin           Action = "admin"
)

// Actions lists every valid action.
func Actions() []Action {
	return []Action{ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionApprove, ActionReject, ActionRequestRevision, ActionViewCost, ActionAdmin}
}

// ParseAction validates raw, accepting hyphenated spellings such as "request-revision".
func ParseAction(raw string) (Action, error) {
	normalized := strings.ReplaceAll(strings.TrimSpace(strings.ToLower(raw)), "-", "_")
	for _, a := range Actions() {
		if string(a) == normalized {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w: unknown action %q", shared.ErrValidation, raw)
}

// ResourceType names an access-controlled entity.
type ResourceType string

const (
	ResourceProject         ResourceType = "project"
	ResourceScopeItem       ResourceType = "scope_item"
	ResourceShopDrawing     ResourceType = "shop_drawing"
	ResourceMaterialSpec    ResourceType = "material_spec"
	ResourceMilestone       ResourceType = "milestone"
	ResourcePurchaseRequest ResourceType = "purchase_request"
	ResourceReport          ResourceType = "report"
	ResourceUser            ResourceType = "user"
)

// ResourceTypes lists every known resource type.
func ResourceTypes() []ResourceType {
	return []ResourceType{ResourceProject, ResourceScopeItem, ResourceShopDrawing, ResourceMaterialSpec, ResourceMilestone, ResourcePurchaseRequest, ResourceReport, ResourceUser}
}

// ParseResourceType validates raw, accepting hyphenated spellings.
func ParseResourceType(raw string) (ResourceType, error) {
	normalized := strings.ReplaceAll(strings.TrimSpace(strings.ToLower(raw)), "-", "_")
	for _, rt := range ResourceTypes() {
		if string(rt) == normalized {
			return rt, nil
		}
	}
	return "", fmt.Errorf("%w: unknown resource type %q", shared.ErrValidation, raw)
}

// Principal describes a resolved, authenticated actor.
type Principal struct {
	ID        uuid.UUID
	Email     string
	Role      Role
	Seniority Seniority
	IsActive  bool
	CompanyID uuid.NullUUID
	ClientID  uuid.NullUUID
	// Projects holds the project ids the principal is assigned to. Treat as read-only.
	Projects map[uuid.UUID]struct{}
}

// AssignedTo reports whether the principal is staffed on projectID.
func (p Principal) AssignedTo(projectID uuid.UUID) bool {
	if projectID == uuid.Nil {
		return false
	}
	_, ok := p.Projects[projectID]
	return ok
}

// Resource carries the instance attributes the evaluator needs.
type Resource struct {
	Type        ResourceType
	ID          uuid.UUID
	ProjectID   uuid.UUID
	OwnerID     uuid.UUID
	Status      string
	CostBearing bool
}

// scopeProject returns the project the resource is scoped to. Projects scope to themselves.
func (r Resource) scopeProject() uuid.UUID {
	if r.Type == ResourceProject && r.ProjectID == uuid.Nil {
		return r.ID
	}
	return r.ProjectID
}

// Assignment links a principal to a project.
type Assignment struct {
	PrincipalID uuid.UUID
	ProjectID   uuid.UUID
	AssignedBy  uuid.UUID
	CreatedAt   time.Time
}

// RoleChange is the audit record of a role update.
type RoleChange struct {
	ID          uuid.UUID
	PrincipalID uuid.UUID
	ChangedBy   uuid.UUID
	From        Role
	To          Role
	ChangedAt   time.Time
}
