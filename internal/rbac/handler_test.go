package rbac

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T, repo *memoryRBACRepo, actor *Principal) http.Handler {
	t.Helper()
	guard := NewGuard(newTestEvaluator(t), nil, nil)
	svc := NewService(repo, guard, nil, nil)
	handler := NewHandler(nil, svc, guard, LoaderSet{ResourceProject: repo, ResourceUser: repo})
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if actor != nil {
				req = req.WithContext(ContextWithPrincipal(req.Context(), *actor))
			}
			next.ServeHTTP(w, req)
		})
	})
	mw := Middleware{Evaluator: guard.Evaluator()}
	r.With(mw.RequireActive).Group(handler.MountRoutes)
	return r
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()
	h.ServeHTTP(res, req)
	return res
}

func TestAccessCheckEndpoint(t *testing.T) {
	repo := newMemoryRBACRepo()
	projectID := repo.addProject()
	pm := repo.addPrincipal(principal(RoleProjectManager, SeniorityRegular, projectID))
	h := newTestRouter(t, repo, &pm)

	res := doJSON(t, h, http.MethodPost, "/access/check", `{"action":"view-cost","resource_type":"project","resource_id":"`+projectID.String()+`"}`)
	require.Equal(t, http.StatusOK, res.Code)
	var body checkResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	require.True(t, body.Allowed)

	res = doJSON(t, h, http.MethodPost, "/access/check", `{"action":"delete","resource_type":"project","resource_id":"`+projectID.String()+`"}`)
	require.Equal(t, http.StatusOK, res.Code)
	body = checkResponse{}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	require.False(t, body.Allowed)

	other := repo.addProject()
	res = doJSON(t, h, http.MethodPost, "/access/check", `{"action":"read","resource_type":"project","resource_id":"`+other.String()+`"}`)
	require.Equal(t, http.StatusNotFound, res.Code)
}

func TestAccessCheckValidation(t *testing.T) {
	repo := newMemoryRBACRepo()
	admin := repo.addPrincipal(principal(RoleAdmin, SeniorityExecutive))
	h := newTestRouter(t, repo, &admin)

	res := doJSON(t, h, http.MethodPost, "/access/check", `{"resource_type":"project"}`)
	require.Equal(t, http.StatusBadRequest, res.Code)
	require.Contains(t, res.Body.String(), `"action":"required"`)

	res = doJSON(t, h, http.MethodPost, "/access/check", `{"action":"fly","resource_type":"project","resource_id":"`+uuid.NewString()+`"}`)
	require.Equal(t, http.StatusBadRequest, res.Code)

	res = doJSON(t, h, http.MethodPost, "/access/check", `{"action":"approve","resource_type":"project","resource_id":"`+uuid.NewString()+`"}`)
	require.Equal(t, http.StatusBadRequest, res.Code)
	require.Contains(t, res.Body.String(), "approve is not an action on project")

	// Milestones have no loader in this router.
	res = doJSON(t, h, http.MethodPost, "/access/check", `{"action":"read","resource_type":"milestone","resource_id":"`+uuid.NewString()+`"}`)
	require.Equal(t, http.StatusInternalServerError, res.Code)
}

func TestChangeRoleEndpoint(t *testing.T) {
	repo := newMemoryRBACRepo()
	admin := repo.addPrincipal(principal(RoleAdmin, SeniorityExecutive))
	target := repo.addPrincipal(principal(RoleClient, SeniorityRegular))
	h := newTestRouter(t, repo, &admin)

	res := doJSON(t, h, http.MethodPut, "/principals/"+target.ID.String()+"/role", `{"role":"technical_lead"}`)
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, RoleTechnicalLead, repo.principals[target.ID].Role)

	res = doJSON(t, h, http.MethodPut, "/principals/"+target.ID.String()+"/role", `{"role":"owner"}`)
	require.Equal(t, http.StatusBadRequest, res.Code)

	res = doJSON(t, h, http.MethodGet, "/principals/"+target.ID.String()+"/role-changes", "")
	require.Equal(t, http.StatusOK, res.Code)
	var history []roleChangeResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&history))
	require.Len(t, history, 1)

	res = doJSON(t, h, http.MethodPost, "/principals/not-a-uuid/deactivate", "")
	require.Equal(t, http.StatusBadRequest, res.Code)

	res = doJSON(t, h, http.MethodPost, "/principals/"+target.ID.String()+"/deactivate", "")
	require.Equal(t, http.StatusNoContent, res.Code)
}

func TestForbiddenCarriesNoDetail(t *testing.T) {
	repo := newMemoryRBACRepo()
	mgmt := repo.addPrincipal(principal(RoleManagement, SeniorityExecutive))
	target := repo.addPrincipal(principal(RoleClient, SeniorityRegular))
	h := newTestRouter(t, repo, &mgmt)

	res := doJSON(t, h, http.MethodPut, "/principals/"+target.ID.String()+"/role", `{"role":"admin"}`)
	require.Equal(t, http.StatusForbidden, res.Code)
	require.NotContains(t, res.Body.String(), "detail")
}

func TestAssignmentEndpoints(t *testing.T) {
	repo := newMemoryRBACRepo()
	projectID := repo.addProject()
	mgmt := repo.addPrincipal(principal(RoleManagement, SeniorityExecutive))
	client := repo.addPrincipal(principal(RoleClient, SeniorityRegular))
	h := newTestRouter(t, repo, &mgmt)

	res := doJSON(t, h, http.MethodPost, "/projects/"+projectID.String()+"/assignments", `{"principal_id":"`+client.ID.String()+`"}`)
	require.Equal(t, http.StatusNoContent, res.Code)
	require.True(t, repo.principals[client.ID].AssignedTo(projectID))

	res = doJSON(t, h, http.MethodDelete, "/projects/"+projectID.String()+"/assignments/"+client.ID.String(), "")
	require.Equal(t, http.StatusNoContent, res.Code)
	require.False(t, repo.principals[client.ID].AssignedTo(projectID))
}

func TestMeAndInactivePrincipal(t *testing.T) {
	repo := newMemoryRBACRepo()
	projectID := repo.addProject()
	client := repo.addPrincipal(principal(RoleClient, SeniorityRegular, projectID))
	h := newTestRouter(t, repo, &client)

	res := doJSON(t, h, http.MethodGet, "/me", "")
	require.Equal(t, http.StatusOK, res.Code)
	var body meResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	require.Equal(t, RoleClient, body.Role)
	require.False(t, body.CostView)
	require.Equal(t, []uuid.UUID{projectID}, body.Projects)

	client.IsActive = false
	res = doJSON(t, h, http.MethodGet, "/me", "")
	require.Equal(t, http.StatusForbidden, res.Code)

	res = doJSON(t, newTestRouter(t, repo, nil), http.MethodGet, "/me", "")
	require.Equal(t, http.StatusUnauthorized, res.Code)
}
