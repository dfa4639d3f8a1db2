package scope

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/formula-pm/formula-pm/internal/platform/db"
	"github.com/formula-pm/formula-pm/internal/shared"
)

// Repository provides PostgreSQL backed persistence for scope items.
type Repository struct {
	pool  *pgxpool.Pool
	audit *shared.AuditLogger
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, audit: shared.NewAuditLogger(pool)}
}

type txRepo struct {
	tx    pgx.Tx
	audit *shared.AuditLogger
}

// WithTx wraps fn in a read-committed transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	err := db.WithTx(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx, audit: r.audit})
	})
	if db.IsConflict(err) {
		return fmt.Errorf("%w: concurrent update", shared.ErrInvalidTransition)
	}
	return err
}

const itemColumns = `id, project_id, created_by, code, description, unit, quantity, unit_price, status, version, updated_at`

func scanItem(row pgx.Row) (Item, error) {
	var item Item
	err := row.Scan(&item.ID, &item.ProjectID, &item.CreatedBy, &item.Code, &item.Description, &item.Unit,
		&item.Quantity, &item.UnitPrice, &item.Status, &item.Version, &item.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Item{}, fmt.Errorf("%w: scope item", shared.ErrNotFound)
		}
		return Item{}, err
	}
	return item, nil
}

// GetItem reads one item.
func (r *Repository) GetItem(ctx context.Context, id uuid.UUID) (Item, error) {
	return scanItem(r.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM scope_items WHERE id = $1`, id))
}

// ListItems returns the items of a project ordered by code.
func (r *Repository) ListItems(ctx context.Context, projectID uuid.UUID) ([]Item, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+itemColumns+` FROM scope_items WHERE project_id = $1 ORDER BY code, id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (t *txRepo) LockItem(ctx context.Context, id uuid.UUID) (Item, error) {
	return scanItem(t.tx.QueryRow(ctx, `SELECT `+itemColumns+` FROM scope_items WHERE id = $1 FOR UPDATE`, id))
}

func (t *txRepo) UpdateItem(ctx context.Context, item Item) (Item, error) {
	updated, err := scanItem(t.tx.QueryRow(ctx, `UPDATE scope_items
SET description = $2, quantity = $3, unit_price = $4, version = version + 1, updated_at = NOW()
WHERE id = $1 AND version = $5
RETURNING `+itemColumns, item.ID, item.Description, item.Quantity, item.UnitPrice, item.Version))
	if errors.Is(err, shared.ErrNotFound) {
		return Item{}, fmt.Errorf("%w: scope item changed concurrently", shared.ErrInvalidTransition)
	}
	if db.SQLState(err) == db.CodeCheckViolation {
		return Item{}, fmt.Errorf("%w: scope item rejected by schema", shared.ErrValidation)
	}
	return updated, err
}

func (t *txRepo) RecordAudit(ctx context.Context, log shared.AuditLog) error {
	return t.audit.RecordWith(ctx, t.tx, log)
}
