package rbac

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/formula-pm/formula-pm/internal/shared"
)

// Deny reasons reported by Explain. They are for logs and metrics only.
const (
	ReasonAllowed        = "allowed"
	ReasonInactive       = "inactive_principal"
	ReasonExternalCost   = "external_cost"
	ReasonRoleNotGranted = "role_not_granted"
	ReasonNotAssigned    = "not_assigned"
	ReasonNotOwner       = "not_owner"
	ReasonCostHidden     = "cost_not_visible"
)

// Decision is the outcome of a permission check.
type Decision struct {
	Allowed bool
	Reason  string
}

func deny(reason string) Decision { return Decision{Reason: reason} }

// Evaluator answers whether a principal may perform an action on a resource.
// It performs no I/O and holds no mutable state.
type Evaluator struct {
	policy *Policy
}

// NewEvaluator constructs an Evaluator over policy.
func NewEvaluator(policy *Policy) *Evaluator {
	return &Evaluator{policy: policy}
}

// Policy exposes the permission table backing the evaluator.
func (e *Evaluator) Policy() *Policy {
	return e.policy
}

// Can reports whether p may perform action on res. A deny is a false result, not an error;
// the only error is an unregistered action/resource type pair.
func (e *Evaluator) Can(p Principal, action Action, res Resource) (bool, error) {
	d, err := e.Explain(p, action, res)
	if err != nil {
		return false, err
	}
	return d.Allowed, nil
}

// Explain evaluates the rules in a fixed order and reports which one decided.
func (e *Evaluator) Explain(p Principal, action Action, res Resource) (Decision, error) {
	if e == nil || e.policy == nil {
		return Decision{}, fmt.Errorf("%w: evaluator has no policy", shared.ErrConfiguration)
	}
	grants, ok := e.policy.grants(res.Type, action)
	if !ok {
		return Decision{}, fmt.Errorf("%w: no rule for %s on %s", shared.ErrConfiguration, action, res.Type)
	}
	if !p.IsActive || p.ID == uuid.Nil {
		return deny(ReasonInactive), nil
	}

	cost := action == ActionViewCost || res.CostBearing
	// Checked before any allow path: ownership and assignment cannot override it.
	if cost && e.policy.IsExternal(p.Role) {
		return deny(ReasonExternalCost), nil
	}

	granted, ownOnly := false, true
	for _, g := range grants {
		if !g.matches(p) {
			continue
		}
		granted = true
		if !g.Own {
			ownOnly = false
			break
		}
	}
	if !granted {
		return deny(ReasonRoleNotGranted), nil
	}

	if e.policy.IsScoped(p.Role) && !p.AssignedTo(res.scopeProject()) {
		return deny(ReasonNotAssigned), nil
	}
	if ownOnly && res.OwnerID != p.ID {
		return deny(ReasonNotOwner), nil
	}

	if cost && !e.policy.CostVisible(p) {
		return deny(ReasonCostHidden), nil
	}
	return Decision{Allowed: true, Reason: ReasonAllowed}, nil
}

// Capable reports whether p's role holds any grant for action on rt, ignoring instance
// predicates. It suits coarse route gating; instance checks still go through Can.
func (e *Evaluator) Capable(p Principal, rt ResourceType, action Action) (bool, error) {
	grants, ok := e.policy.grants(rt, action)
	if !ok {
		return false, fmt.Errorf("%w: no rule for %s on %s", shared.ErrConfiguration, action, rt)
	}
	if !p.IsActive || p.ID == uuid.Nil {
		return false, nil
	}
	for _, g := range grants {
		if g.matches(p) {
			return true, nil
		}
	}
	return false, nil
}
