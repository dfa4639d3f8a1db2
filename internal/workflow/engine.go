package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/formula-pm/formula-pm/internal/rbac"
	"github.com/formula-pm/formula-pm/internal/shared"
)

// RepositoryPort describes repository operations used by Engine.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetInstance(ctx context.Context, ref Ref) (Instance, error)
	ListEvents(ctx context.Context, ref Ref) ([]Event, error)
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	// LockInstance reads the row and holds it until the transaction ends.
	LockInstance(ctx context.Context, ref Ref) (Instance, error)
	// UpdateStatus moves the row from one status to another if its version is unchanged.
	// A stale row yields shared.ErrInvalidTransition.
	UpdateStatus(ctx context.Context, ref Ref, from, to Status, version int64) error
	InsertEvent(ctx context.Context, event Event) error
}

// Notifier dispatches committed transitions. Failures never undo the transition.
type Notifier interface {
	NotifyTransition(ctx context.Context, event Event) error
}

// Recorder counts transition outcomes.
type Recorder interface {
	ObserveTransition(resourceType, action, outcome string)
}

// Engine applies transitions atomically.
type Engine struct {
	repo     RepositoryPort
	machine  *Machine
	guard    *rbac.Guard
	notifier Notifier
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// EngineOption customises an Engine.
type EngineOption func(*Engine)

// WithNotifier sets the post-commit notifier.
func WithNotifier(n Notifier) EngineOption {
	return func(e *Engine) { e.notifier = n }
}

// WithRecorder sets the outcome recorder.
func WithRecorder(r Recorder) EngineOption {
	return func(e *Engine) { e.recorder = r }
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine constructs an Engine.
func NewEngine(repo RepositoryPort, machine *Machine, guard *rbac.Guard, logger *slog.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{repo: repo, machine: machine, guard: guard, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Machine exposes the planner used by the engine.
func (e *Engine) Machine() *Machine {
	return e.machine
}

// visible loads res attributes and hides it from principals who may not read it.
func (e *Engine) visible(ctx context.Context, p rbac.Principal, res rbac.Resource) (rbac.Resource, error) {
	res = e.machine.Describe(res)
	readable, err := e.guard.Check(ctx, p, rbac.ActionRead, res)
	if err != nil {
		return rbac.Resource{}, err
	}
	if !readable {
		return rbac.Resource{}, fmt.Errorf("%w: %s", shared.ErrNotFound, res.Type)
	}
	return res, nil
}

// Transition applies action to the referenced resource on behalf of p. The status update and
// the audit event commit together or not at all.
func (e *Engine) Transition(ctx context.Context, p rbac.Principal, ref Ref, action, comment string) (Event, error) {
	action = NormalizeAction(action)
	if _, ok := e.machine.Definition(ref.Type); !ok {
		return Event{}, fmt.Errorf("%w: no workflow for %s", shared.ErrNotFound, ref.Type)
	}
	var event Event
	err := e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inst, err := tx.LockInstance(ctx, ref)
		if err != nil {
			return err
		}
		res, err := e.visible(ctx, p, inst.Resource)
		if err != nil {
			return err
		}
		t, err := e.machine.Plan(p, res, action)
		if err != nil {
			return err
		}
		if err := tx.UpdateStatus(ctx, ref, t.From, t.To, inst.Version); err != nil {
			return err
		}
		event = Event{
			ID:           uuid.New(),
			ResourceID:   ref.ID,
			ResourceType: ref.Type,
			ProjectID:    res.ProjectID,
			Action:       t.Action,
			FromStatus:   t.From,
			ToStatus:     t.To,
			PrincipalID:  p.ID,
			Comment:      strings.TrimSpace(comment),
			OccurredAt:   e.now().UTC(),
		}
		return tx.InsertEvent(ctx, event)
	})
	e.observe(ref.Type, action, err)
	if err != nil {
		return Event{}, err
	}
	e.logger.InfoContext(ctx, "workflow transition",
		slog.String("resource_type", string(ref.Type)),
		slog.String("resource_id", ref.ID.String()),
		slog.String("action", event.Action),
		slog.String("from", string(event.FromStatus)),
		slog.String("to", string(event.ToStatus)),
		slog.String("principal_id", p.ID.String()))
	if e.notifier != nil {
		if err := e.notifier.NotifyTransition(ctx, event); err != nil {
			e.logger.WarnContext(ctx, "workflow notify", slog.String("event_id", event.ID.String()), slog.Any("error", err))
		}
	}
	return event, nil
}

func (e *Engine) observe(rt rbac.ResourceType, action string, err error) {
	if e.recorder == nil {
		return
	}
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, shared.ErrInvalidTransition):
		outcome = "invalid_transition"
	case errors.Is(err, shared.ErrPermissionDenied):
		outcome = "permission_denied"
	case errors.Is(err, shared.ErrNotFound):
		outcome = "not_found"
	default:
		outcome = "error"
	}
	e.recorder.ObserveTransition(string(rt), action, outcome)
}

// Actions lists the transitions p may take on the referenced resource now.
func (e *Engine) Actions(ctx context.Context, p rbac.Principal, ref Ref) (Instance, []Transition, error) {
	inst, err := e.get(ctx, p, ref)
	if err != nil {
		return Instance{}, nil, err
	}
	available, err := e.machine.Available(p, inst.Resource)
	if err != nil {
		return Instance{}, nil, err
	}
	return inst, available, nil
}

// History lists committed transitions of the referenced resource, oldest first.
func (e *Engine) History(ctx context.Context, p rbac.Principal, ref Ref) ([]Event, error) {
	if _, err := e.get(ctx, p, ref); err != nil {
		return nil, err
	}
	return e.repo.ListEvents(ctx, ref)
}

func (e *Engine) get(ctx context.Context, p rbac.Principal, ref Ref) (Instance, error) {
	if _, ok := e.machine.Definition(ref.Type); !ok {
		return Instance{}, fmt.Errorf("%w: no workflow for %s", shared.ErrNotFound, ref.Type)
	}
	inst, err := e.repo.GetInstance(ctx, ref)
	if err != nil {
		return Instance{}, err
	}
	res, err := e.visible(ctx, p, inst.Resource)
	if err != nil {
		return Instance{}, err
	}
	inst.Resource = res
	return inst, nil
}

// LoadResource returns the access attributes of a workflow-governed resource.
func (e *Engine) LoadResource(ctx context.Context, rt rbac.ResourceType, id uuid.UUID) (rbac.Resource, error) {
	inst, err := e.repo.GetInstance(ctx, Ref{Type: rt, ID: id})
	if err != nil {
		return rbac.Resource{}, err
	}
	return e.machine.Describe(inst.Resource), nil
}
