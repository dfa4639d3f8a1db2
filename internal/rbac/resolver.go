package rbac

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/formula-pm/formula-pm/internal/shared"
)

// PrincipalStore loads principals from persistent storage.
type PrincipalStore interface {
	LoadPrincipal(ctx context.Context, id uuid.UUID) (Principal, error)
}

// PrincipalCache is an optional read-through cache in front of the store.
type PrincipalCache interface {
	Get(ctx context.Context, id uuid.UUID) (Principal, bool, error)
	Set(ctx context.Context, p Principal) error
	Invalidate(ctx context.Context, id uuid.UUID) error
}

// Resolver maps a verified principal id to its role, seniority and assignments.
type Resolver struct {
	store  PrincipalStore
	cache  PrincipalCache
	logger *slog.Logger
	group  singleflight.Group

	mu     sync.Mutex
	epochs map[uuid.UUID]uint64
}

// NewResolver constructs a Resolver. cache may be nil.
func NewResolver(store PrincipalStore, cache PrincipalCache, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: store, cache: cache, logger: logger, epochs: make(map[uuid.UUID]uint64)}
}

// Resolve returns the principal for id or shared.ErrNotFound. Inactive principals are
// returned with IsActive=false rather than as an error.
func (r *Resolver) Resolve(ctx context.Context, id uuid.UUID) (Principal, error) {
	if id == uuid.Nil {
		return Principal{}, fmt.Errorf("%w: principal", shared.ErrNotFound)
	}
	if r.cache != nil {
		p, ok, err := r.cache.Get(ctx, id)
		if err != nil {
			r.logger.Warn("principal cache get", slog.String("principal_id", id.String()), slog.Any("error", err))
		} else if ok {
			return p, nil
		}
	}
	// The load outlives a cancelled leader so callers sharing the flight still get a result.
	loadCtx := context.WithoutCancel(ctx)
	ch := r.group.DoChan(id.String(), func() (interface{}, error) {
		epoch := r.epoch(id)
		p, err := r.store.LoadPrincipal(loadCtx, id)
		if err != nil {
			return Principal{}, err
		}
		if r.cache != nil {
			r.storeCached(loadCtx, p, epoch)
		}
		return p, nil
	})
	select {
	case <-ctx.Done():
		return Principal{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Principal{}, res.Err
		}
		return res.Val.(Principal), nil
	}
}

// storeCached writes p unless id was invalidated after the load began. The epoch is
// re-read after the write because an invalidation can land between check and Set.
func (r *Resolver) storeCached(ctx context.Context, p Principal, epoch uint64) {
	if r.epoch(p.ID) != epoch {
		return
	}
	if err := r.cache.Set(ctx, p); err != nil {
		r.logger.Warn("principal cache set", slog.String("principal_id", p.ID.String()), slog.Any("error", err))
		return
	}
	if r.epoch(p.ID) != epoch {
		if err := r.cache.Invalidate(ctx, p.ID); err != nil {
			r.logger.Warn("principal cache invalidate", slog.String("principal_id", p.ID.String()), slog.Any("error", err))
		}
	}
}

func (r *Resolver) epoch(id uuid.UUID) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.epochs[id]
}

// Invalidate drops any cached state for id. Called after role, activation or assignment changes.
func (r *Resolver) Invalidate(ctx context.Context, id uuid.UUID) {
	r.mu.Lock()
	r.epochs[id]++
	r.mu.Unlock()
	r.group.Forget(id.String())
	if r.cache == nil {
		return
	}
	if err := r.cache.Invalidate(ctx, id); err != nil {
		r.logger.Warn("principal cache invalidate", slog.String("principal_id", id.String()), slog.Any("error", err))
	}
}
