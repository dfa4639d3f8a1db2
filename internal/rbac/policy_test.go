package rbac

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultPolicyCoversEveryResourceType(t *testing.T) {
	policy, err := DefaultPolicy()
	require.NoError(t, err)
	require.ElementsMatch(t, ResourceTypes(), policy.ResourceTypes())
	for _, rt := range ResourceTypes() {
		require.True(t, policy.Registered(rt, ActionRead), rt)
	}
	require.True(t, policy.IsScoped(RoleProjectManager))
	require.True(t, policy.IsScoped(RoleClient))
	require.True(t, policy.IsExternal(RoleClient))
	require.False(t, policy.IsScoped(RoleManagement))
}

func TestParsePolicyGrantForms(t *testing.T) {
	policy, err := ParsePolicy([]byte(`
resources:
  report:
    approve:
      - admin
      - {role: project_manager, min_seniority: senior}
      - {role: technical_lead, own: true}
`))
	require.NoError(t, err)
	grants, ok := policy.grants(ResourceReport, ActionApprove)
	require.True(t, ok)
	require.Equal(t, []Grant{
		{Role: RoleAdmin},
		{Role: RoleProjectManager, MinSeniority: SenioritySenior},
		{Role: RoleTechnicalLead, Own: true},
	}, grants)
}

func TestParsePolicyEmptyGrantListIsRegistered(t *testing.T) {
	policy, err := ParsePolicy([]byte("resources:\n  user:\n    delete: []\n"))
	require.NoError(t, err)
	require.True(t, policy.Registered(ResourceUser, ActionDelete))
	require.False(t, policy.Registered(ResourceUser, ActionRead))
}

func TestParsePolicyNormalizesActionSpelling(t *testing.T) {
	policy, err := ParsePolicy([]byte("resources:\n  shop-drawing:\n    request-revision: [admin]\n"))
	require.NoError(t, err)
	require.True(t, policy.Registered(ResourceShopDrawing, ActionRequestRevision))
}

func TestParsePolicyRejectsDuplicateActionAfterNormalizing(t *testing.T) {
	_, err := ParsePolicy([]byte("resources:\n  shop_drawing:\n    request-revision: [admin]\n    request_revision: [client]\n"))
	require.ErrorContains(t, err, "duplicate action request_revision")

	_, err = ParsePolicy([]byte("resources:\n  shop-drawing:\n    read: [admin]\n  shop_drawing:\n    read: [client]\n"))
	require.ErrorContains(t, err, "duplicate resource type shop_drawing")
}

func TestParsePolicyRejectsUnknownValues(t *testing.T) {
	cases := map[string]string{
		"role":      "resources:\n  project:\n    read: [superuser]\n",
		"action":    "resources:\n  project:\n    publish: [admin]\n",
		"type":      "resources:\n  invoice:\n    read: [admin]\n",
		"seniority": "resources:\n  project:\n    read: [{role: admin, min_seniority: intern}]\n",
		"scoped":    "scoped_roles: [guest]\nresources:\n  project:\n    read: [admin]\n",
		"external":  "external_roles: [vendor]\nresources:\n  project:\n    read: [admin]\n",
		"empty":     "scoped_roles: [client]\n",
		"shape":     "resources:\n  project:\n    read: [[admin]]\n",
		"syntax":    "resources: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePolicy([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestLoadPolicyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("resources:\n  milestone:\n    read: [management]\n"), 0o600))

	policy, err := LoadPolicyFile(path)
	require.NoError(t, err)
	require.Equal(t, []Action{ActionRead}, policy.Actions(ResourceMilestone))

	_, err = LoadPolicyFile(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}

func TestParseHelpers(t *testing.T) {
	action, err := ParseAction(" Request-Revision ")
	require.NoError(t, err)
	require.Equal(t, ActionRequestRevision, action)

	_, err = ParseRole("Admin")
	require.Error(t, err, "roles are matched exactly")

	require.True(t, SeniorityExecutive.AtLeast(SenioritySenior))
	require.False(t, SeniorityRegular.AtLeast(SenioritySenior))
	require.True(t, Seniority("").AtLeast(""))
	require.False(t, Seniority("").AtLeast(SeniorityRegular))
}
