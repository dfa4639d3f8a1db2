package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/formula-pm/formula-pm/internal/platform/httpx"
	"github.com/formula-pm/formula-pm/internal/shared"
)

// ResourceLoader fetches the access attributes of a resource instance.
type ResourceLoader interface {
	LoadResource(ctx context.Context, rt ResourceType, id uuid.UUID) (Resource, error)
}

// LoaderSet routes resource lookups by type.
type LoaderSet map[ResourceType]ResourceLoader

// LoadResource dispatches to the loader registered for rt.
func (s LoaderSet) LoadResource(ctx context.Context, rt ResourceType, id uuid.UUID) (Resource, error) {
	loader, ok := s[rt]
	if !ok {
		return Resource{}, fmt.Errorf("%w: no loader for %s", shared.ErrConfiguration, rt)
	}
	return loader.LoadResource(ctx, rt, id)
}

// Handler exposes access checks and role administration endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	guard     *Guard
	loaders   ResourceLoader
	validator *validator.Validate
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, guard *Guard, loaders ResourceLoader) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, guard: guard, loaders: loaders, validator: httpx.NewValidator()}
}

// MountRoutes registers RBAC routes. The router must already carry an authenticated principal.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/me", h.me)
	r.Post("/access/check", h.check)
	r.Route("/principals/{id}", func(r chi.Router) {
		r.Put("/role", h.changeRole)
		r.Get("/role-changes", h.roleChanges)
		r.Post("/deactivate", h.deactivate)
	})
	r.Route("/projects/{projectID}/assignments", func(r chi.Router) {
		r.Post("/", h.assign)
		r.Delete("/{principalID}", h.unassign)
	})
}

type meResponse struct {
	ID        uuid.UUID   `json:"id"`
	Email     string      `json:"email"`
	Role      Role        `json:"role"`
	Seniority Seniority   `json:"seniority"`
	Projects  []uuid.UUID `json:"projects"`
	CostView  bool        `json:"cost_visible"`
}

func (h *Handler) me(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	projects := make([]uuid.UUID, 0, len(p.Projects))
	for id := range p.Projects {
		projects = append(projects, id)
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].String() < projects[j].String() })
	httpx.JSON(w, http.StatusOK, meResponse{
		ID:        p.ID,
		Email:     p.Email,
		Role:      p.Role,
		Seniority: p.Seniority,
		Projects:  projects,
		CostView:  p.IsActive && h.guard.Evaluator().Policy().CostVisible(p),
	})
}

type checkRequest struct {
	Action       string    `json:"action" validate:"required"`
	ResourceType string    `json:"resource_type" validate:"required"`
	ResourceID   uuid.UUID `json:"resource_id" validate:"required"`
}

type checkResponse struct {
	Allowed bool `json:"allowed"`
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req checkRequest
	if !httpx.DecodeAndValidate(w, r, h.validator, &req) {
		return
	}
	action, err := ParseAction(req.Action)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	rt, err := ParseResourceType(req.ResourceType)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	// Unregistered pairs are bad input here, not a missing rule.
	if !h.guard.Evaluator().Policy().Registered(rt, action) {
		httpx.RespondError(w, fmt.Errorf("%w: %s is not an action on %s", shared.ErrValidation, action, rt))
		return
	}
	res, err := h.loaders.LoadResource(r.Context(), rt, req.ResourceID)
	if err != nil {
		h.respond(w, r, err)
		return
	}
	switch err := h.guard.Authorize(r.Context(), p, action, res); {
	case err == nil:
		httpx.JSON(w, http.StatusOK, checkResponse{Allowed: true})
	case errors.Is(err, shared.ErrPermissionDenied):
		httpx.JSON(w, http.StatusOK, checkResponse{Allowed: false})
	default:
		h.respond(w, r, err)
	}
}

type changeRoleRequest struct {
	Role string `json:"role" validate:"required"`
}

type roleChangeResponse struct {
	ID          uuid.UUID `json:"id"`
	PrincipalID uuid.UUID `json:"principal_id"`
	ChangedBy   uuid.UUID `json:"changed_by"`
	From        Role      `json:"from"`
	To          Role      `json:"to"`
	ChangedAt   time.Time `json:"changed_at"`
}

func toRoleChangeResponse(c RoleChange) roleChangeResponse {
	return roleChangeResponse{ID: c.ID, PrincipalID: c.PrincipalID, ChangedBy: c.ChangedBy, From: c.From, To: c.To, ChangedAt: c.ChangedAt}
}

func (h *Handler) changeRole(w http.ResponseWriter, r *http.Request) {
	actor, targetID, ok := h.actorAndID(w, r, "id")
	if !ok {
		return
	}
	var req changeRoleRequest
	if !httpx.DecodeAndValidate(w, r, h.validator, &req) {
		return
	}
	change, err := h.service.ChangeRole(r.Context(), actor, targetID, req.Role)
	if err != nil {
		h.respond(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRoleChangeResponse(change))
}

func (h *Handler) roleChanges(w http.ResponseWriter, r *http.Request) {
	actor, targetID, ok := h.actorAndID(w, r, "id")
	if !ok {
		return
	}
	changes, err := h.service.RoleHistory(r.Context(), actor, targetID)
	if err != nil {
		h.respond(w, r, err)
		return
	}
	out := make([]roleChangeResponse, 0, len(changes))
	for _, c := range changes {
		out = append(out, toRoleChangeResponse(c))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) deactivate(w http.ResponseWriter, r *http.Request) {
	actor, targetID, ok := h.actorAndID(w, r, "id")
	if !ok {
		return
	}
	if err := h.service.Deactivate(r.Context(), actor, targetID); err != nil {
		h.respond(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type assignRequest struct {
	PrincipalID uuid.UUID `json:"principal_id" validate:"required"`
}

func (h *Handler) assign(w http.ResponseWriter, r *http.Request) {
	actor, projectID, ok := h.actorAndID(w, r, "projectID")
	if !ok {
		return
	}
	var req assignRequest
	if !httpx.DecodeAndValidate(w, r, h.validator, &req) {
		return
	}
	if err := h.service.Assign(r.Context(), actor, req.PrincipalID, projectID); err != nil {
		h.respond(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) unassign(w http.ResponseWriter, r *http.Request) {
	actor, projectID, ok := h.actorAndID(w, r, "projectID")
	if !ok {
		return
	}
	principalID, err := uuid.Parse(chi.URLParam(r, "principalID"))
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: principal id", shared.ErrValidation))
		return
	}
	if err := h.service.Unassign(r.Context(), actor, principalID, projectID); err != nil {
		h.respond(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) actorAndID(w http.ResponseWriter, r *http.Request, param string) (Principal, uuid.UUID, bool) {
	actor, ok := PrincipalFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return Principal{}, uuid.Nil, false
	}
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", shared.ErrValidation, param))
		return Principal{}, uuid.Nil, false
	}
	return actor, id, true
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, err error) {
	if !shared.IsExpected(err) {
		h.logger.ErrorContext(r.Context(), "rbac request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
