package rbac

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/formula-pm/formula-pm/internal/shared"
)

func newTestEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	policy, err := DefaultPolicy()
	require.NoError(t, err)
	return NewEvaluator(policy)
}

func principal(role Role, seniority Seniority, projects ...uuid.UUID) Principal {
	p := Principal{ID: uuid.New(), Role: role, Seniority: seniority, IsActive: true, Projects: make(map[uuid.UUID]struct{})}
	for _, id := range projects {
		p.Projects[id] = struct{}{}
	}
	return p
}

func TestProjectManagerUpdatesScopeItemOnAssignedProject(t *testing.T) {
	ev := newTestEvaluator(t)
	p1 := uuid.New()
	pm := principal(RoleProjectManager, SeniorityRegular, p1)

	allowed, err := ev.Can(pm, ActionUpdate, Resource{Type: ResourceScopeItem, ID: uuid.New(), ProjectID: p1})
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestProjectManagerDeniedOnUnassignedProject(t *testing.T) {
	ev := newTestEvaluator(t)
	pm := principal(RoleProjectManager, SeniorityRegular, uuid.New())

	d, err := ev.Explain(pm, ActionUpdate, Resource{Type: ResourceScopeItem, ID: uuid.New(), ProjectID: uuid.New()})
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, ReasonNotAssigned, d.Reason)
}

func TestUnregisteredPairIsConfigurationError(t *testing.T) {
	ev := newTestEvaluator(t)
	admin := principal(RoleAdmin, SeniorityExecutive)

	_, err := ev.Can(admin, ActionApprove, Resource{Type: ResourceMilestone, ID: uuid.New()})
	require.ErrorIs(t, err, shared.ErrConfiguration)

	_, err = ev.Can(admin, ActionRead, Resource{Type: ResourceType("invoice"), ID: uuid.New()})
	require.ErrorIs(t, err, shared.ErrConfiguration)
}

func TestDenyByDefaultForUnlistedRoles(t *testing.T) {
	ev := newTestEvaluator(t)
	policy := ev.Policy()
	projectID := uuid.New()
	for _, rt := range policy.ResourceTypes() {
		for _, action := range policy.Actions(rt) {
			grants, _ := policy.grants(rt, action)
			listed := make(map[Role]bool)
			for _, g := range grants {
				listed[g.Role] = true
			}
			for _, role := range Roles() {
				if listed[role] {
					continue
				}
				p := principal(role, SeniorityExecutive, projectID)
				res := Resource{Type: rt, ID: uuid.New(), ProjectID: projectID, OwnerID: p.ID}
				allowed, err := ev.Can(p, action, res)
				require.NoError(t, err)
				require.False(t, allowed, "%s %s %s", role, action, rt)
			}
		}
	}
}

func TestDeleteUserDeniedForEveryone(t *testing.T) {
	ev := newTestEvaluator(t)
	for _, role := range Roles() {
		p := principal(role, SeniorityExecutive)
		allowed, err := ev.Can(p, ActionDelete, Resource{Type: ResourceUser, ID: uuid.New()})
		require.NoError(t, err)
		require.False(t, allowed, role)
	}
}

func TestExternalRoleNeverSeesCost(t *testing.T) {
	ev := newTestEvaluator(t)
	projectID := uuid.New()
	client := principal(RoleClient, SeniorityExecutive, projectID)

	for _, rt := range ev.Policy().ResourceTypes() {
		for _, action := range ev.Policy().Actions(rt) {
			res := Resource{Type: rt, ID: uuid.New(), ProjectID: projectID, OwnerID: client.ID}
			if action == ActionViewCost {
				d, err := ev.Explain(client, action, res)
				require.NoError(t, err)
				require.False(t, d.Allowed, rt)
				require.Equal(t, ReasonExternalCost, d.Reason)
			}
			res.CostBearing = true
			d, err := ev.Explain(client, action, res)
			require.NoError(t, err)
			require.False(t, d.Allowed, "%s %s", action, rt)
			require.Equal(t, ReasonExternalCost, d.Reason)
		}
	}
}

func TestExternalCostDenialSurvivesPermissivePolicy(t *testing.T) {
	policy, err := ParsePolicy([]byte(`
external_roles: [client]
cost_visible: [client]
resources:
  project:
    view_cost: [client]
`))
	require.NoError(t, err)
	ev := NewEvaluator(policy)
	projectID := uuid.New()
	client := principal(RoleClient, SeniorityExecutive, projectID)

	allowed, err := ev.Can(client, ActionViewCost, Resource{Type: ResourceProject, ID: projectID, OwnerID: client.ID})
	require.NoError(t, err)
	require.False(t, allowed)
	require.False(t, policy.CostVisible(client))
}

func TestClientReadsAssignedDrawing(t *testing.T) {
	ev := newTestEvaluator(t)
	projectID := uuid.New()
	client := principal(RoleClient, SeniorityRegular, projectID)

	allowed, err := ev.Can(client, ActionRead, Resource{Type: ResourceShopDrawing, ID: uuid.New(), ProjectID: projectID})
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, err = ev.Can(client, ActionRead, Resource{Type: ResourceShopDrawing, ID: uuid.New(), ProjectID: uuid.New()})
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestInactivePrincipalDeniedEverything(t *testing.T) {
	ev := newTestEvaluator(t)
	admin := principal(RoleAdmin, SeniorityExecutive)
	admin.IsActive = false

	d, err := ev.Explain(admin, ActionRead, Resource{Type: ResourceProject, ID: uuid.New()})
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, ReasonInactive, d.Reason)

	ok, err := ev.Capable(admin, ResourceProject, ActionRead)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestZeroPrincipalDenied(t *testing.T) {
	ev := newTestEvaluator(t)
	allowed, err := ev.Can(Principal{}, ActionRead, Resource{Type: ResourceProject, ID: uuid.New()})
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestSeniorityGate(t *testing.T) {
	ev := newTestEvaluator(t)
	res := Resource{Type: ResourcePurchaseRequest, ID: uuid.New(), ProjectID: uuid.New(), CostBearing: true}

	regular := principal(RolePurchaseManager, SeniorityRegular)
	d, err := ev.Explain(regular, ActionApprove, res)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, ReasonRoleNotGranted, d.Reason)

	senior := principal(RolePurchaseManager, SenioritySenior)
	allowed, err := ev.Can(senior, ActionApprove, res)
	require.NoError(t, err)
	require.True(t, allowed)

	executive := principal(RolePurchaseManager, SeniorityExecutive)
	allowed, err = ev.Can(executive, ActionApprove, res)
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestOwnGrantRequiresOwnership(t *testing.T) {
	ev := newTestEvaluator(t)
	projectID := uuid.New()
	pm := principal(RoleProjectManager, SeniorityRegular, projectID)

	own := Resource{Type: ResourceScopeItem, ID: uuid.New(), ProjectID: projectID, OwnerID: pm.ID}
	allowed, err := ev.Can(pm, ActionDelete, own)
	require.NoError(t, err)
	require.True(t, allowed)

	other := own
	other.OwnerID = uuid.New()
	d, err := ev.Explain(pm, ActionDelete, other)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, ReasonNotOwner, d.Reason)

	// Unrestricted grants do not need ownership.
	mgmt := principal(RoleManagement, SeniorityExecutive)
	allowed, err = ev.Can(mgmt, ActionDelete, other)
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestProjectScopesToItself(t *testing.T) {
	ev := newTestEvaluator(t)
	projectID := uuid.New()
	pm := principal(RoleProjectManager, SeniorityRegular, projectID)

	allowed, err := ev.Can(pm, ActionRead, Resource{Type: ResourceProject, ID: projectID})
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestCostVisibilityForInternalRoles(t *testing.T) {
	ev := newTestEvaluator(t)
	projectID := uuid.New()
	res := Resource{Type: ResourceScopeItem, ID: uuid.New(), ProjectID: projectID}

	for _, role := range []Role{RoleManagement, RolePurchaseManager, RoleTechnicalLead, RoleAdmin} {
		allowed, err := ev.Can(principal(role, SeniorityRegular), ActionViewCost, res)
		require.NoError(t, err)
		require.True(t, allowed, role)
	}

	// Assignment still applies to scoped internal roles.
	allowed, err := ev.Can(principal(RoleProjectManager, SeniorityRegular), ActionViewCost, res)
	require.NoError(t, err)
	require.False(t, allowed)
	allowed, err = ev.Can(principal(RoleProjectManager, SeniorityRegular, projectID), ActionViewCost, res)
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestCostHiddenWhenNotInCostVisibleSet(t *testing.T) {
	policy, err := ParsePolicy([]byte(`
cost_visible: [management]
resources:
  purchase_request:
    read: [management, technical_lead]
`))
	require.NoError(t, err)
	ev := NewEvaluator(policy)
	res := Resource{Type: ResourcePurchaseRequest, ID: uuid.New(), CostBearing: true}

	d, err := ev.Explain(principal(RoleTechnicalLead, SeniorityExecutive), ActionRead, res)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, ReasonCostHidden, d.Reason)

	allowed, err := ev.Can(principal(RoleManagement, SeniorityRegular), ActionRead, res)
	require.NoError(t, err)
	require.True(t, allowed)
}

func TestCanIsIdempotent(t *testing.T) {
	ev := newTestEvaluator(t)
	projectID := uuid.New()
	pm := principal(RoleProjectManager, SeniorityRegular, projectID)
	inputs := []Resource{
		{Type: ResourceScopeItem, ID: uuid.New(), ProjectID: projectID},
		{Type: ResourceScopeItem, ID: uuid.New(), ProjectID: uuid.New()},
		{Type: ResourcePurchaseRequest, ID: uuid.New(), ProjectID: projectID, CostBearing: true},
	}
	for _, res := range inputs {
		for _, action := range ev.Policy().Actions(res.Type) {
			first, err := ev.Explain(pm, action, res)
			require.NoError(t, err)
			second, err := ev.Explain(pm, action, res)
			require.NoError(t, err)
			require.Equal(t, first, second)
		}
	}
}

func TestCapableIgnoresInstance(t *testing.T) {
	ev := newTestEvaluator(t)
	ok, err := ev.Capable(principal(RoleAdmin, SeniorityRegular), ResourceUser, ActionAdmin)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = ev.Capable(principal(RoleManagement, SeniorityExecutive), ResourceUser, ActionAdmin)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = ev.Capable(principal(RoleAdmin, SeniorityRegular), ResourceReport, ActionReject)
	require.ErrorIs(t, err, shared.ErrConfiguration)
}
