package rbac

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed policy.yaml
var defaultPolicyYAML []byte

// Grant allows a role to perform an action, optionally narrowed by seniority or ownership.
type Grant struct {
	Role         Role
	MinSeniority Seniority
	// Own requires the principal to be the resource owner.
	Own bool
}

// UnmarshalYAML accepts either a bare role name or a {role, min_seniority, own} mapping.
func (g *Grant) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		role, err := ParseRole(node.Value)
		if err != nil {
			return fmt.Errorf("rbac: line %d: %w", node.Line, err)
		}
		*g = Grant{Role: role}
		return nil
	case yaml.MappingNode:
		var raw struct {
			Role         string `yaml:"role"`
			MinSeniority string `yaml:"min_seniority"`
			Own          bool   `yaml:"own"`
		}
		if err := node.Decode(&raw); err != nil {
			return err
		}
		role, err := ParseRole(raw.Role)
		if err != nil {
			return fmt.Errorf("rbac: line %d: %w", node.Line, err)
		}
		grant := Grant{Role: role, Own: raw.Own}
		if raw.MinSeniority != "" {
			if grant.MinSeniority, err = ParseSeniority(raw.MinSeniority); err != nil {
				return fmt.Errorf("rbac: line %d: %w", node.Line, err)
			}
		}
		*g = grant
		return nil
	default:
		return fmt.Errorf("rbac: line %d: grant must be a role name or mapping", node.Line)
	}
}

func (g Grant) matches(p Principal) bool {
	return g.Role == p.Role && p.Seniority.AtLeast(g.MinSeniority)
}

type policyDocument struct {
	ScopedRoles   []string                      `yaml:"scoped_roles"`
	ExternalRoles []string                      `yaml:"external_roles"`
	CostVisible   []Grant                       `yaml:"cost_visible"`
	Resources     map[string]map[string][]Grant `yaml:"resources"`
}

// Policy is the parsed permission table. It is immutable after construction.
type Policy struct {
	scoped      map[Role]bool
	external    map[Role]bool
	costVisible []Grant
	rules       map[ResourceType]map[Action][]Grant
}

// DefaultPolicy parses the embedded permission table.
func DefaultPolicy() (*Policy, error) {
	return ParsePolicy(defaultPolicyYAML)
}

// LoadPolicyFile parses the permission table at path.
func LoadPolicyFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rbac: read policy: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy validates and compiles a YAML permission table.
func ParsePolicy(data []byte) (*Policy, error) {
	var doc policyDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("rbac: parse policy: %w", err)
	}
	if len(doc.Resources) == 0 {
		return nil, errors.New("rbac: policy defines no resources")
	}
	p := &Policy{
		scoped:      make(map[Role]bool, len(doc.ScopedRoles)),
		external:    make(map[Role]bool, len(doc.ExternalRoles)),
		costVisible: doc.CostVisible,
		rules:       make(map[ResourceType]map[Action][]Grant, len(doc.Resources)),
	}
	for _, raw := range doc.ScopedRoles {
		role, err := ParseRole(raw)
		if err != nil {
			return nil, fmt.Errorf("rbac: scoped_roles: %w", err)
		}
		p.scoped[role] = true
	}
	for _, raw := range doc.ExternalRoles {
		role, err := ParseRole(raw)
		if err != nil {
			return nil, fmt.Errorf("rbac: external_roles: %w", err)
		}
		p.external[role] = true
		// External principals only ever see what they are assigned to.
		p.scoped[role] = true
	}
	for rawType, actions := range doc.Resources {
		rt, err := ParseResourceType(rawType)
		if err != nil {
			return nil, fmt.Errorf("rbac: resources: %w", err)
		}
		if _, dup := p.rules[rt]; dup {
			return nil, fmt.Errorf("rbac: resources: duplicate resource type %s", rt)
		}
		compiled := make(map[Action][]Grant, len(actions))
		for rawAction, grants := range actions {
			action, err := ParseAction(rawAction)
			if err != nil {
				return nil, fmt.Errorf("rbac: resources.%s: %w", rawType, err)
			}
			if _, dup := compiled[action]; dup {
				return nil, fmt.Errorf("rbac: resources.%s: duplicate action %s", rawType, action)
			}
			compiled[action] = append([]Grant(nil), grants...)
		}
		p.rules[rt] = compiled
	}
	return p, nil
}

// Registered reports whether the table has a rule for the pair, even an empty one.
func (p *Policy) Registered(rt ResourceType, action Action) bool {
	_, ok := p.rules[rt][action]
	return ok
}

// IsScoped reports whether role requires a project assignment.
func (p *Policy) IsScoped(role Role) bool {
	return p.scoped[role]
}

// IsExternal reports whether role belongs to an external party.
func (p *Policy) IsExternal(role Role) bool {
	return p.external[role]
}

// CostVisible reports whether the principal may see cost-bearing data.
func (p *Policy) CostVisible(principal Principal) bool {
	if p.IsExternal(principal.Role) {
		return false
	}
	for _, g := range p.costVisible {
		if g.matches(principal) {
			return true
		}
	}
	return false
}

// ResourceTypes lists the resource types present in the table, sorted.
func (p *Policy) ResourceTypes() []ResourceType {
	out := make([]ResourceType, 0, len(p.rules))
	for rt := range p.rules {
		out = append(out, rt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Actions lists the registered actions for rt, sorted.
func (p *Policy) Actions(rt ResourceType) []Action {
	out := make([]Action, 0, len(p.rules[rt]))
	for a := range p.rules[rt] {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (p *Policy) grants(rt ResourceType, action Action) ([]Grant, bool) {
	grants, ok := p.rules[rt][action]
	return grants, ok
}
