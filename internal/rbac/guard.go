package rbac

import (
	"context"
	"log/slog"

	"github.com/formula-pm/formula-pm/internal/shared"
)

// DecisionObserver receives every decision made through a Guard.
type DecisionObserver interface {
	ObservePermission(resourceType, action string, allowed bool)
}

// Guard turns evaluator decisions into domain errors for service code.
type Guard struct {
	evaluator *Evaluator
	observer  DecisionObserver
	logger    *slog.Logger
}

// NewGuard constructs a Guard. observer and logger may be nil.
func NewGuard(evaluator *Evaluator, observer DecisionObserver, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{evaluator: evaluator, observer: observer, logger: logger}
}

// Evaluator returns the underlying evaluator.
func (g *Guard) Evaluator() *Evaluator {
	return g.evaluator
}

// Check evaluates and records a single decision.
func (g *Guard) Check(ctx context.Context, p Principal, action Action, res Resource) (bool, error) {
	d, err := g.evaluator.Explain(p, action, res)
	if err != nil {
		g.logger.ErrorContext(ctx, "permission rule missing",
			slog.String("resource_type", string(res.Type)),
			slog.String("action", string(action)),
			slog.Any("error", err))
		return false, err
	}
	if g.observer != nil {
		g.observer.ObservePermission(string(res.Type), string(action), d.Allowed)
	}
	if !d.Allowed {
		g.logger.DebugContext(ctx, "permission denied",
			slog.String("principal_id", p.ID.String()),
			slog.String("resource_type", string(res.Type)),
			slog.String("resource_id", res.ID.String()),
			slog.String("action", string(action)),
			slog.String("reason", d.Reason))
	}
	return d.Allowed, nil
}

// Authorize returns shared.ErrNotFound when p may not read res, shared.ErrPermissionDenied
// when p may read it but not perform action, and nil when allowed.
func (g *Guard) Authorize(ctx context.Context, p Principal, action Action, res Resource) error {
	readable, err := g.Check(ctx, p, ActionRead, res)
	if err != nil {
		return err
	}
	if !readable {
		return shared.ErrNotFound
	}
	if action == ActionRead {
		return nil
	}
	allowed, err := g.Check(ctx, p, action, res)
	if err != nil {
		return err
	}
	if !allowed {
		return shared.ErrPermissionDenied
	}
	return nil
}
