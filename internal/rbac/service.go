package rbac

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/formula-pm/formula-pm/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	LoadPrincipal(ctx context.Context, id uuid.UUID) (Principal, error)
	LoadResource(ctx context.Context, rt ResourceType, id uuid.UUID) (Resource, error)
	ListRoleChanges(ctx context.Context, principalID uuid.UUID) ([]RoleChange, error)
}

// Invalidator drops cached principal state.
type Invalidator interface {
	Invalidate(ctx context.Context, id uuid.UUID)
}

// Service administers roles, activation and project assignments.
type Service struct {
	repo        RepositoryPort
	guard       *Guard
	invalidator Invalidator
	logger      *slog.Logger
	now         func() time.Time
}

// NewService constructs the administration service. invalidator may be nil.
func NewService(repo RepositoryPort, guard *Guard, invalidator Invalidator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, guard: guard, invalidator: invalidator, logger: logger, now: time.Now}
}

func userResource(id uuid.UUID) Resource {
	return Resource{Type: ResourceUser, ID: id, OwnerID: id}
}

func (s *Service) invalidate(ctx context.Context, id uuid.UUID) {
	if s.invalidator != nil {
		s.invalidator.Invalidate(ctx, id)
	}
}

// ChangeRole sets the role of target and records the change. Admins may not change their own role.
func (s *Service) ChangeRole(ctx context.Context, actor Principal, targetID uuid.UUID, raw string) (RoleChange, error) {
	role, err := ParseRole(raw)
	if err != nil {
		return RoleChange{}, err
	}
	if err := s.guard.Authorize(ctx, actor, ActionAdmin, userResource(targetID)); err != nil {
		return RoleChange{}, err
	}
	if actor.ID == targetID {
		return RoleChange{}, shared.ErrPermissionDenied
	}
	var change RoleChange
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.LockPrincipal(ctx, targetID)
		if err != nil {
			return err
		}
		change = RoleChange{
			PrincipalID: targetID,
			ChangedBy:   actor.ID,
			From:        current.Role,
			To:          role,
			ChangedAt:   s.now().UTC(),
		}
		if current.Role == role {
			return nil
		}
		change.ID = uuid.New()
		if err := tx.UpdateRole(ctx, targetID, role); err != nil {
			return err
		}
		if err := tx.InsertRoleChange(ctx, change); err != nil {
			return err
		}
		return tx.RecordAudit(ctx, shared.AuditLog{
			ActorID:  actor.ID,
			Action:   "rbac.role_changed",
			Entity:   string(ResourceUser),
			EntityID: targetID.String(),
			Meta:     map[string]any{"from": string(current.Role), "to": string(role)},
			At:       change.ChangedAt,
		})
	})
	if err != nil {
		return RoleChange{}, err
	}
	if change.ID != uuid.Nil {
		s.invalidate(ctx, targetID)
		s.logger.InfoContext(ctx, "role changed",
			slog.String("principal_id", targetID.String()),
			slog.String("from", string(change.From)),
			slog.String("to", string(change.To)))
	}
	return change, nil
}

// Deactivate soft-deactivates target. Deactivating an inactive principal is a no-op.
func (s *Service) Deactivate(ctx context.Context, actor Principal, targetID uuid.UUID) error {
	if err := s.guard.Authorize(ctx, actor, ActionAdmin, userResource(targetID)); err != nil {
		return err
	}
	if actor.ID == targetID {
		return shared.ErrPermissionDenied
	}
	changed := false
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.LockPrincipal(ctx, targetID)
		if err != nil {
			return err
		}
		if !current.IsActive {
			return nil
		}
		if err := tx.SetActive(ctx, targetID, false); err != nil {
			return err
		}
		changed = true
		return tx.RecordAudit(ctx, shared.AuditLog{
			ActorID:  actor.ID,
			Action:   "rbac.deactivated",
			Entity:   string(ResourceUser),
			EntityID: targetID.String(),
			At:       s.now().UTC(),
		})
	})
	if err != nil {
		return err
	}
	if changed {
		s.invalidate(ctx, targetID)
	}
	return nil
}

// Assign staffs principalID on projectID. Re-assigning is a no-op.
func (s *Service) Assign(ctx context.Context, actor Principal, principalID, projectID uuid.UUID) error {
	project, err := s.repo.LoadResource(ctx, ResourceProject, projectID)
	if err != nil {
		return err
	}
	if err := s.guard.Authorize(ctx, actor, ActionAdmin, project); err != nil {
		return err
	}
	created := false
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.LockPrincipal(ctx, principalID); err != nil {
			return err
		}
		now := s.now().UTC()
		created, err = tx.InsertAssignment(ctx, Assignment{PrincipalID: principalID, ProjectID: projectID, AssignedBy: actor.ID, CreatedAt: now})
		if err != nil || !created {
			return err
		}
		return tx.RecordAudit(ctx, shared.AuditLog{
			ActorID:  actor.ID,
			Action:   "rbac.assigned",
			Entity:   string(ResourceProject),
			EntityID: projectID.String(),
			Meta:     map[string]any{"principal_id": principalID.String()},
			At:       now,
		})
	})
	if err != nil {
		return err
	}
	if created {
		s.invalidate(ctx, principalID)
	}
	return nil
}

// Unassign removes principalID from projectID.
func (s *Service) Unassign(ctx context.Context, actor Principal, principalID, projectID uuid.UUID) error {
	project, err := s.repo.LoadResource(ctx, ResourceProject, projectID)
	if err != nil {
		return err
	}
	if err := s.guard.Authorize(ctx, actor, ActionAdmin, project); err != nil {
		return err
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		removed, err := tx.DeleteAssignment(ctx, principalID, projectID)
		if err != nil {
			return err
		}
		if !removed {
			return fmt.Errorf("%w: assignment", shared.ErrNotFound)
		}
		return tx.RecordAudit(ctx, shared.AuditLog{
			ActorID:  actor.ID,
			Action:   "rbac.unassigned",
			Entity:   string(ResourceProject),
			EntityID: projectID.String(),
			Meta:     map[string]any{"principal_id": principalID.String()},
			At:       s.now().UTC(),
		})
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx, principalID)
	return nil
}

// RoleHistory lists role changes of target. Requires admin on the principal record.
func (s *Service) RoleHistory(ctx context.Context, actor Principal, targetID uuid.UUID) ([]RoleChange, error) {
	if err := s.guard.Authorize(ctx, actor, ActionAdmin, userResource(targetID)); err != nil {
		return nil, err
	}
	return s.repo.ListRoleChanges(ctx, targetID)
}
