package workflow

import (
	"errors"
	"fmt"
	"sort"

	"github.com/formula-pm/formula-pm/internal/rbac"
	"github.com/formula-pm/formula-pm/internal/shared"
)

// Machine plans transitions against the definitions and the permission evaluator. It is pure.
type Machine struct {
	evaluator *rbac.Evaluator
	defs      map[rbac.ResourceType]Definition
}

// NewMachine validates defs and checks that every permission they reference is registered in
// the evaluator's policy.
func NewMachine(evaluator *rbac.Evaluator, defs ...Definition) (*Machine, error) {
	if evaluator == nil || evaluator.Policy() == nil {
		return nil, fmt.Errorf("%w: workflow machine needs an evaluator", shared.ErrConfiguration)
	}
	m := &Machine{evaluator: evaluator, defs: make(map[rbac.ResourceType]Definition, len(defs))}
	var errs []error
	for _, def := range defs {
		if _, dup := m.defs[def.Type]; dup {
			errs = append(errs, fmt.Errorf("workflow %s: defined twice", def.Type))
			continue
		}
		if err := def.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		for _, t := range def.Transitions {
			if !evaluator.Policy().Registered(def.Type, t.Permission) {
				errs = append(errs, fmt.Errorf("workflow %s: %s requires %s, which has no rule", def.Type, t.Action, t.Permission))
			}
		}
		m.defs[def.Type] = def
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrConfiguration, err)
	}
	return m, nil
}

// Definition returns the workflow for rt.
func (m *Machine) Definition(rt rbac.ResourceType) (Definition, bool) {
	def, ok := m.defs[rt]
	return def, ok
}

// Types lists the governed resource types, sorted.
func (m *Machine) Types() []rbac.ResourceType {
	out := make([]rbac.ResourceType, 0, len(m.defs))
	for rt := range m.defs {
		out = append(out, rt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Describe applies type-level attributes such as cost bearing to res.
func (m *Machine) Describe(res rbac.Resource) rbac.Resource {
	if def, ok := m.defs[res.Type]; ok && def.CostBearing {
		res.CostBearing = true
	}
	return res
}

func (m *Machine) definition(rt rbac.ResourceType) (Definition, error) {
	def, ok := m.defs[rt]
	if !ok {
		return Definition{}, fmt.Errorf("%w: no workflow for %s", shared.ErrConfiguration, rt)
	}
	return def, nil
}

// Plan resolves action from the resource's current status and checks it may be taken by p.
// Wrong state yields shared.ErrInvalidTransition; a refused principal yields
// shared.ErrPermissionDenied. The state check always comes first.
func (m *Machine) Plan(p rbac.Principal, res rbac.Resource, action string) (Transition, error) {
	def, err := m.definition(res.Type)
	if err != nil {
		return Transition{}, err
	}
	from := Status(res.Status)
	if def.isTerminal(from) {
		return Transition{}, fmt.Errorf("%w: %s is terminal", shared.ErrInvalidTransition, from)
	}
	t, ok := def.lookup(from, NormalizeAction(action))
	if !ok {
		return Transition{}, fmt.Errorf("%w: %q not allowed from %s", shared.ErrInvalidTransition, action, from)
	}
	allowed, err := m.evaluator.Can(p, t.Permission, m.Describe(res))
	if err != nil {
		return Transition{}, err
	}
	if !allowed || !t.allowsRole(p.Role) {
		return Transition{}, shared.ErrPermissionDenied
	}
	if t.IsApproval() && res.OwnerID == p.ID {
		return Transition{}, shared.ErrPermissionDenied
	}
	return t, nil
}

// Available lists the transitions p may take from the resource's current status.
func (m *Machine) Available(p rbac.Principal, res rbac.Resource) ([]Transition, error) {
	def, err := m.definition(res.Type)
	if err != nil {
		return nil, err
	}
	var out []Transition
	for _, t := range def.From(Status(res.Status)) {
		if _, err := m.Plan(p, res, t.Action); err != nil {
			if errors.Is(err, shared.ErrPermissionDenied) {
				continue
			}
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
