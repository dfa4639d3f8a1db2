package workflow

import (
	"errors"
	"fmt"

	"github.com/formula-pm/formula-pm/internal/rbac"
)

// Definition is the state machine of one resource type.
type Definition struct {
	Type        rbac.ResourceType
	Initial     Status
	States      []Status
	Terminal    []Status
	Transitions []Transition
	// CostBearing marks every instance of the type as carrying financial data.
	CostBearing bool
}

func (d Definition) isTerminal(s Status) bool {
	for _, t := range d.Terminal {
		if t == s {
			return true
		}
	}
	return false
}

func (d Definition) hasState(s Status) bool {
	for _, st := range d.States {
		if st == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s has no outgoing transitions by design.
func (d Definition) IsTerminal(s Status) bool {
	return d.isTerminal(s)
}

// From returns the transitions leaving s in table order.
func (d Definition) From(s Status) []Transition {
	var out []Transition
	for _, t := range d.Transitions {
		if t.From == s {
			out = append(out, t)
		}
	}
	return out
}

func (d Definition) lookup(s Status, action string) (Transition, bool) {
	for _, t := range d.Transitions {
		if t.From == s && t.Action == action {
			return t, true
		}
	}
	return Transition{}, false
}

// Validate checks that the table is well formed: every state is known and reachable, terminal
// states have no outgoing transitions, every other state has at least one, and no action is
// defined twice for the same state.
func (d Definition) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("workflow %s: "+format, append([]any{d.Type}, args...)...))
	}
	if d.Type == "" {
		fail("missing resource type")
	}
	if !d.hasState(d.Initial) {
		fail("initial state %q is not declared", d.Initial)
	}
	for _, s := range d.Terminal {
		if !d.hasState(s) {
			fail("terminal state %q is not declared", s)
		}
	}
	seen := make(map[string]bool)
	outgoing := make(map[Status]int)
	for _, t := range d.Transitions {
		if t.Action == "" || NormalizeAction(t.Action) != t.Action {
			fail("action %q must be lower snake case", t.Action)
		}
		if !d.hasState(t.From) {
			fail("%s: unknown source state %q", t.Action, t.From)
		}
		if !d.hasState(t.To) {
			fail("%s: unknown target state %q", t.Action, t.To)
		}
		if d.isTerminal(t.From) {
			fail("%s: terminal state %q has an outgoing transition", t.Action, t.From)
		}
		if _, err := rbac.ParseAction(string(t.Permission)); err != nil {
			fail("%s: %v", t.Action, err)
		}
		for _, r := range t.Roles {
			if _, err := rbac.ParseRole(string(r)); err != nil {
				fail("%s: %v", t.Action, err)
			}
		}
		key := string(t.From) + "/" + t.Action
		if seen[key] {
			fail("%s defined twice from %q", t.Action, t.From)
		}
		seen[key] = true
		outgoing[t.From]++
	}
	reachable := d.reachable()
	for _, s := range d.States {
		if !reachable[s] {
			fail("state %q is unreachable from %q", s, d.Initial)
			continue
		}
		if !d.isTerminal(s) && outgoing[s] == 0 {
			fail("state %q is a dead end but not terminal", s)
		}
	}
	return errors.Join(errs...)
}

func (d Definition) reachable() map[Status]bool {
	seen := map[Status]bool{d.Initial: true}
	queue := []Status{d.Initial}
	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]
		for _, t := range d.From(s) {
			if !seen[t.To] {
				seen[t.To] = true
				queue = append(queue, t.To)
			}
		}
	}
	return seen
}

// Shop drawing states.
const (
	DrawingDraft                 Status = "draft"
	DrawingPendingInternalReview Status = "pending_internal_review"
	DrawingReadyForClientReview  Status = "ready_for_client_review"
	DrawingClientReviewing       Status = "client_reviewing"
	DrawingApproved              Status = "approved"
	DrawingRejected              Status = "rejected"
	DrawingRevisionRequested     Status = "revision_requested"
)

// Material spec states.
const (
	SpecPendingApproval      Status = "pending_approval"
	SpecApproved             Status = "approved"
	SpecRejected             Status = "rejected"
	SpecRevisionRequired     Status = "revision_required"
	SpecDiscontinued         Status = "discontinued"
	SpecSubstitutionRequired Status = "substitution_required"
)

// Milestone states.
const (
	MilestoneNotStarted Status = "not_started"
	MilestoneInProgress Status = "in_progress"
	MilestoneCompleted  Status = "completed"
	MilestoneDelayed    Status = "delayed"
	MilestoneCancelled  Status = "cancelled"
)

// Report states.
const (
	ReportDraft          Status = "draft"
	ReportReadyForReview Status = "ready_for_review"
	ReportPublished      Status = "published"
	ReportArchived       Status = "archived"
)

// Purchase request states.
const (
	PurchaseDraft             Status = "draft"
	PurchasePendingApproval   Status = "pending_approval"
	PurchaseApproved          Status = "approved"
	PurchaseRejected          Status = "rejected"
	PurchaseRevisionRequested Status = "revision_requested"
	PurchaseCancelled         Status = "cancelled"
)

var (
	internalReviewers = []rbac.Role{rbac.RoleManagement, rbac.RoleTechnicalLead, rbac.RoleAdmin}
	clientReviewers   = []rbac.Role{rbac.RoleClient, rbac.RoleAdmin}
)

// ShopDrawingDefinition is the internal-then-client review cycle of shop drawings.
func ShopDrawingDefinition() Definition {
	return Definition{
		Type:    rbac.ResourceShopDrawing,
		Initial: DrawingDraft,
		States: []Status{
			DrawingDraft, DrawingPendingInternalReview, DrawingReadyForClientReview,
			DrawingClientReviewing, DrawingApproved, DrawingRejected, DrawingRevisionRequested,
		},
		Terminal: []Status{DrawingApproved, DrawingRejected},
		Transitions: []Transition{
			{Action: "submit", From: DrawingDraft, To: DrawingPendingInternalReview, Permission: rbac.ActionUpdate},
			{Action: "internal_approve", From: DrawingPendingInternalReview, To: DrawingReadyForClientReview, Permission: rbac.ActionApprove, Roles: internalReviewers},
			{Action: "request_revision", From: DrawingPendingInternalReview, To: DrawingRevisionRequested, Permission: rbac.ActionRequestRevision, Roles: internalReviewers},
			{Action: "send_to_client", From: DrawingReadyForClientReview, To: DrawingClientReviewing, Permission: rbac.ActionUpdate},
			{Action: "client_approve", From: DrawingClientReviewing, To: DrawingApproved, Permission: rbac.ActionApprove, Roles: clientReviewers},
			{Action: "client_reject", From: DrawingClientReviewing, To: DrawingRejected, Permission: rbac.ActionReject, Roles: clientReviewers},
			{Action: "client_request_revision", From: DrawingClientReviewing, To: DrawingRevisionRequested, Permission: rbac.ActionRequestRevision, Roles: clientReviewers},
			{Action: "revise", From: DrawingRevisionRequested, To: DrawingDraft, Permission: rbac.ActionUpdate},
		},
	}
}

// MaterialSpecDefinition is the single-step approval of material specifications.
func MaterialSpecDefinition() Definition {
	return Definition{
		Type:    rbac.ResourceMaterialSpec,
		Initial: SpecPendingApproval,
		States: []Status{
			SpecPendingApproval, SpecApproved, SpecRejected, SpecRevisionRequired,
			SpecDiscontinued, SpecSubstitutionRequired,
		},
		Terminal: []Status{SpecApproved, SpecRejected, SpecDiscontinued},
		Transitions: []Transition{
			{Action: "approve", From: SpecPendingApproval, To: SpecApproved, Permission: rbac.ActionApprove},
			{Action: "reject", From: SpecPendingApproval, To: SpecRejected, Permission: rbac.ActionReject},
			{Action: "request_revision", From: SpecPendingApproval, To: SpecRevisionRequired, Permission: rbac.ActionRequestRevision},
			{Action: "discontinue", From: SpecPendingApproval, To: SpecDiscontinued, Permission: rbac.ActionUpdate},
			{Action: "require_substitution", From: SpecPendingApproval, To: SpecSubstitutionRequired, Permission: rbac.ActionRequestRevision},
			{Action: "resubmit", From: SpecRevisionRequired, To: SpecPendingApproval, Permission: rbac.ActionUpdate},
			{Action: "resubmit", From: SpecSubstitutionRequired, To: SpecPendingApproval, Permission: rbac.ActionUpdate},
		},
	}
}

// MilestoneDefinition tracks schedule progress. Cancelling needs delete rights.
func MilestoneDefinition() Definition {
	return Definition{
		Type:     rbac.ResourceMilestone,
		Initial:  MilestoneNotStarted,
		States:   []Status{MilestoneNotStarted, MilestoneInProgress, MilestoneCompleted, MilestoneDelayed, MilestoneCancelled},
		Terminal: []Status{MilestoneCompleted, MilestoneCancelled},
		Transitions: []Transition{
			{Action: "start", From: MilestoneNotStarted, To: MilestoneInProgress, Permission: rbac.ActionUpdate},
			{Action: "complete", From: MilestoneInProgress, To: MilestoneCompleted, Permission: rbac.ActionUpdate},
			{Action: "delay", From: MilestoneInProgress, To: MilestoneDelayed, Permission: rbac.ActionUpdate},
			{Action: "cancel", From: MilestoneInProgress, To: MilestoneCancelled, Permission: rbac.ActionDelete},
			{Action: "resume", From: MilestoneDelayed, To: MilestoneInProgress, Permission: rbac.ActionUpdate},
			{Action: "cancel", From: MilestoneDelayed, To: MilestoneCancelled, Permission: rbac.ActionDelete},
		},
	}
}

// ReportDefinition requires review before publishing; published reports may only be archived.
func ReportDefinition() Definition {
	return Definition{
		Type:     rbac.ResourceReport,
		Initial:  ReportDraft,
		States:   []Status{ReportDraft, ReportReadyForReview, ReportPublished, ReportArchived},
		Terminal: []Status{ReportArchived},
		Transitions: []Transition{
			{Action: "submit_for_review", From: ReportDraft, To: ReportReadyForReview, Permission: rbac.ActionUpdate},
			{Action: "publish", From: ReportReadyForReview, To: ReportPublished, Permission: rbac.ActionApprove},
			{Action: "return_to_draft", From: ReportReadyForReview, To: ReportDraft, Permission: rbac.ActionRequestRevision},
			{Action: "archive", From: ReportPublished, To: ReportArchived, Permission: rbac.ActionUpdate},
		},
	}
}

// PurchaseRequestDefinition is the cost-bearing procurement approval.
func PurchaseRequestDefinition() Definition {
	return Definition{
		Type:    rbac.ResourcePurchaseRequest,
		Initial: PurchaseDraft,
		States: []Status{
			PurchaseDraft, PurchasePendingApproval, PurchaseApproved, PurchaseRejected,
			PurchaseRevisionRequested, PurchaseCancelled,
		},
		Terminal: []Status{PurchaseApproved, PurchaseRejected, PurchaseCancelled},
		Transitions: []Transition{
			{Action: "submit", From: PurchaseDraft, To: PurchasePendingApproval, Permission: rbac.ActionUpdate},
			{Action: "cancel", From: PurchaseDraft, To: PurchaseCancelled, Permission: rbac.ActionDelete},
			{Action: "approve", From: PurchasePendingApproval, To: PurchaseApproved, Permission: rbac.ActionApprove},
			{Action: "reject", From: PurchasePendingApproval, To: PurchaseRejected, Permission: rbac.ActionReject},
			{Action: "request_revision", From: PurchasePendingApproval, To: PurchaseRevisionRequested, Permission: rbac.ActionRequestRevision},
			{Action: "resubmit", From: PurchaseRevisionRequested, To: PurchasePendingApproval, Permission: rbac.ActionUpdate},
		},
		CostBearing: true,
	}
}

// DefaultDefinitions returns every built-in workflow.
func DefaultDefinitions() []Definition {
	return []Definition{
		ShopDrawingDefinition(),
		MaterialSpecDefinition(),
		MilestoneDefinition(),
		ReportDefinition(),
		PurchaseRequestDefinition(),
	}
}
