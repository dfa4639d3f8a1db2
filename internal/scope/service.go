package scope

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/formula-pm/formula-pm/internal/rbac"
	"github.com/formula-pm/formula-pm/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetItem(ctx context.Context, id uuid.UUID) (Item, error)
	ListItems(ctx context.Context, projectID uuid.UUID) ([]Item, error)
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	LockItem(ctx context.Context, id uuid.UUID) (Item, error)
	// UpdateItem writes item if the stored version still equals item.Version and bumps it.
	UpdateItem(ctx context.Context, item Item) (Item, error)
	RecordAudit(ctx context.Context, log shared.AuditLog) error
}

// Service reads and edits scope items through the permission guard.
type Service struct {
	repo   RepositoryPort
	guard  *rbac.Guard
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs a Service.
func NewService(repo RepositoryPort, guard *rbac.Guard, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, guard: guard, logger: logger, now: time.Now}
}

func (s *Service) costVisible(ctx context.Context, p rbac.Principal, res rbac.Resource) (bool, error) {
	return s.guard.Check(ctx, p, rbac.ActionViewCost, res)
}

// Get returns one item, redacted for p.
func (s *Service) Get(ctx context.Context, p rbac.Principal, id uuid.UUID) (View, error) {
	item, err := s.repo.GetItem(ctx, id)
	if err != nil {
		return View{}, err
	}
	if err := s.guard.Authorize(ctx, p, rbac.ActionRead, item.Resource()); err != nil {
		return View{}, err
	}
	visible, err := s.costVisible(ctx, p, item.Resource())
	if err != nil {
		return View{}, err
	}
	return newView(item, visible), nil
}

// List returns the items of a project, redacted for p. Principals who may not read the
// project's items get shared.ErrNotFound.
func (s *Service) List(ctx context.Context, p rbac.Principal, projectID uuid.UUID) ([]View, error) {
	probe := rbac.Resource{Type: rbac.ResourceScopeItem, ProjectID: projectID}
	if err := s.guard.Authorize(ctx, p, rbac.ActionRead, probe); err != nil {
		return nil, err
	}
	visible, err := s.costVisible(ctx, p, probe)
	if err != nil {
		return nil, err
	}
	items, err := s.repo.ListItems(ctx, projectID)
	if err != nil {
		return nil, err
	}
	out := make([]View, 0, len(items))
	for _, item := range items {
		out = append(out, newView(item, visible))
	}
	return out, nil
}

// Update applies a partial change. Setting a unit price additionally requires view_cost.
func (s *Service) Update(ctx context.Context, p rbac.Principal, id uuid.UUID, in UpdateInput) (View, error) {
	if in.empty() {
		return View{}, fmt.Errorf("%w: nothing to update", shared.ErrValidation)
	}
	if in.Quantity != nil && in.Quantity.IsNegative() {
		return View{}, fmt.Errorf("%w: quantity must not be negative", shared.ErrValidation)
	}
	if in.UnitPrice != nil && in.UnitPrice.IsNegative() {
		return View{}, fmt.Errorf("%w: unit price must not be negative", shared.ErrValidation)
	}
	var (
		updated Item
		visible bool
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		item, err := tx.LockItem(ctx, id)
		if err != nil {
			return err
		}
		res := item.Resource()
		if err := s.guard.Authorize(ctx, p, rbac.ActionUpdate, res); err != nil {
			return err
		}
		if visible, err = s.costVisible(ctx, p, res); err != nil {
			return err
		}
		if in.UnitPrice != nil && !visible {
			return shared.ErrPermissionDenied
		}
		if in.Version != 0 && in.Version != item.Version {
			return fmt.Errorf("%w: scope item changed since version %d", shared.ErrInvalidTransition, in.Version)
		}
		meta := map[string]any{}
		if in.Description != nil {
			item.Description = strings.TrimSpace(*in.Description)
			meta["description"] = item.Description
		}
		if in.Quantity != nil {
			meta["quantity"] = map[string]string{"from": item.Quantity.String(), "to": in.Quantity.String()}
			item.Quantity = *in.Quantity
		}
		if in.UnitPrice != nil {
			meta["unit_price"] = map[string]string{"from": item.UnitPrice.String(), "to": in.UnitPrice.String()}
			item.UnitPrice = *in.UnitPrice
		}
		if updated, err = tx.UpdateItem(ctx, item); err != nil {
			return err
		}
		return tx.RecordAudit(ctx, shared.AuditLog{
			ActorID:  p.ID,
			Action:   "scope.item_updated",
			Entity:   string(rbac.ResourceScopeItem),
			EntityID: id.String(),
			Meta:     meta,
			At:       s.now().UTC(),
		})
	})
	if err != nil {
		return View{}, err
	}
	s.logger.InfoContext(ctx, "scope item updated",
		slog.String("scope_item_id", id.String()),
		slog.String("principal_id", p.ID.String()))
	return newView(updated, visible), nil
}

// LoadResource returns the access attributes of a scope item.
func (s *Service) LoadResource(ctx context.Context, rt rbac.ResourceType, id uuid.UUID) (rbac.Resource, error) {
	if rt != rbac.ResourceScopeItem {
		return rbac.Resource{}, fmt.Errorf("%w: scope service does not load %s", shared.ErrConfiguration, rt)
	}
	item, err := s.repo.GetItem(ctx, id)
	if err != nil {
		return rbac.Resource{}, err
	}
	return item.Resource(), nil
}
