package scope

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/formula-pm/formula-pm/internal/platform/httpx"
	"github.com/formula-pm/formula-pm/internal/rbac"
	"github.com/formula-pm/formula-pm/internal/shared"
)

// Handler exposes scope item endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validator: httpx.NewValidator()}
}

// MountRoutes registers scope item routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/projects/{projectID}/scope-items", h.list)
	r.Get("/scope-items/{id}", h.get)
	r.Patch("/scope-items/{id}", h.update)
}

type updateRequest struct {
	Description *string          `json:"description" validate:"omitempty,max=500"`
	Quantity    *decimal.Decimal `json:"quantity"`
	UnitPrice   *decimal.Decimal `json:"unit_price"`
	Version     int64            `json:"version" validate:"gte=0"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	p, projectID, ok := h.principalAndID(w, r, "projectID")
	if !ok {
		return
	}
	items, err := h.service.List(r.Context(), p, projectID)
	if err != nil {
		h.respond(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, items)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.principalAndID(w, r, "id")
	if !ok {
		return
	}
	item, err := h.service.Get(r.Context(), p, id)
	if err != nil {
		h.respond(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, item)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.principalAndID(w, r, "id")
	if !ok {
		return
	}
	var req updateRequest
	if !httpx.DecodeAndValidate(w, r, h.validator, &req) {
		return
	}
	item, err := h.service.Update(r.Context(), p, id, UpdateInput{
		Description: req.Description,
		Quantity:    req.Quantity,
		UnitPrice:   req.UnitPrice,
		Version:     req.Version,
	})
	if err != nil {
		h.respond(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, item)
}

func (h *Handler) principalAndID(w http.ResponseWriter, r *http.Request, param string) (rbac.Principal, uuid.UUID, bool) {
	p, ok := rbac.PrincipalFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return rbac.Principal{}, uuid.Nil, false
	}
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %s", shared.ErrValidation, param))
		return rbac.Principal{}, uuid.Nil, false
	}
	return p, id, true
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, err error) {
	if !shared.IsExpected(err) {
		h.logger.ErrorContext(r.Context(), "scope request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
