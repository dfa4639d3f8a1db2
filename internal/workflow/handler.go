package workflow

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/formula-pm/formula-pm/internal/platform/httpx"
	"github.com/formula-pm/formula-pm/internal/rbac"
	"github.com/formula-pm/formula-pm/internal/shared"
)

// Handler exposes workflow transitions over HTTP.
type Handler struct {
	logger    *slog.Logger
	engine    *Engine
	validator *validator.Validate
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, engine *Engine) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, engine: engine, validator: httpx.NewValidator()}
}

// MountRoutes registers workflow routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/workflows/{type}/{id}", func(r chi.Router) {
		r.Get("/actions", h.actions)
		r.Get("/transitions", h.history)
		r.Post("/transitions", h.transition)
	})
}

type actionView struct {
	Action string `json:"action"`
	To     Status `json:"to"`
}

type actionsResponse struct {
	ResourceType rbac.ResourceType `json:"resource_type"`
	ResourceID   uuid.UUID         `json:"resource_id"`
	Status       Status            `json:"status"`
	Terminal     bool              `json:"terminal"`
	Actions      []actionView      `json:"actions"`
}

type transitionRequest struct {
	Action  string `json:"action" validate:"required,max=64"`
	Comment string `json:"comment" validate:"max=2000"`
}

type eventView struct {
	ID          uuid.UUID `json:"id"`
	Action      string    `json:"action"`
	From        Status    `json:"from"`
	To          Status    `json:"to"`
	PrincipalID uuid.UUID `json:"principal_id"`
	Comment     string    `json:"comment,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

func toEventView(e Event) eventView {
	return eventView{ID: e.ID, Action: e.Action, From: e.FromStatus, To: e.ToStatus, PrincipalID: e.PrincipalID, Comment: e.Comment, OccurredAt: e.OccurredAt}
}

func (h *Handler) actions(w http.ResponseWriter, r *http.Request) {
	p, ref, ok := h.principalAndRef(w, r)
	if !ok {
		return
	}
	inst, available, err := h.engine.Actions(r.Context(), p, ref)
	if err != nil {
		h.respond(w, r, err)
		return
	}
	def, _ := h.engine.Machine().Definition(ref.Type)
	resp := actionsResponse{
		ResourceType: ref.Type,
		ResourceID:   ref.ID,
		Status:       Status(inst.Status),
		Terminal:     def.IsTerminal(Status(inst.Status)),
		Actions:      make([]actionView, 0, len(available)),
	}
	for _, t := range available {
		resp.Actions = append(resp.Actions, actionView{Action: t.Action, To: t.To})
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request) {
	p, ref, ok := h.principalAndRef(w, r)
	if !ok {
		return
	}
	var req transitionRequest
	if !httpx.DecodeAndValidate(w, r, h.validator, &req) {
		return
	}
	event, err := h.engine.Transition(r.Context(), p, ref, req.Action, req.Comment)
	if err != nil {
		h.respond(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toEventView(event))
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	p, ref, ok := h.principalAndRef(w, r)
	if !ok {
		return
	}
	events, err := h.engine.History(r.Context(), p, ref)
	if err != nil {
		h.respond(w, r, err)
		return
	}
	out := make([]eventView, 0, len(events))
	for _, e := range events {
		out = append(out, toEventView(e))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) principalAndRef(w http.ResponseWriter, r *http.Request) (rbac.Principal, Ref, bool) {
	p, ok := rbac.PrincipalFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return rbac.Principal{}, Ref{}, false
	}
	rt, err := rbac.ParseResourceType(chi.URLParam(r, "type"))
	if err != nil {
		httpx.RespondError(w, err)
		return rbac.Principal{}, Ref{}, false
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: resource id", shared.ErrValidation))
		return rbac.Principal{}, Ref{}, false
	}
	return p, Ref{Type: rt, ID: id}, true
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, err error) {
	if !shared.IsExpected(err) {
		h.logger.ErrorContext(r.Context(), "workflow request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
