package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/formula-pm/formula-pm/internal/platform/db"
	"github.com/formula-pm/formula-pm/internal/rbac"
	"github.com/formula-pm/formula-pm/internal/shared"
)

// tables maps governed resource types to their backing tables. Every table carries
// id, project_id, created_by, status, version and updated_at.
var tables = map[rbac.ResourceType]string{
	rbac.ResourceShopDrawing:     "shop_drawings",
	rbac.ResourceMaterialSpec:    "material_specs",
	rbac.ResourceMilestone:       "milestones",
	rbac.ResourceReport:          "reports",
	rbac.ResourcePurchaseRequest: "purchase_requests",
}

func tableFor(rt rbac.ResourceType) (string, error) {
	table, ok := tables[rt]
	if !ok {
		return "", fmt.Errorf("%w: no table for %s", shared.ErrConfiguration, rt)
	}
	return table, nil
}

// Repository persists workflow state in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx runs fn in a read-committed transaction. Rows are locked with FOR UPDATE and
// updates are guarded by version, so lost updates cannot occur at this level.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	err := db.WithTx(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
	if db.IsConflict(err) {
		return fmt.Errorf("%w: concurrent update", shared.ErrInvalidTransition)
	}
	return err
}

func scanInstance(row pgx.Row, ref Ref) (Instance, error) {
	inst := Instance{Resource: rbac.Resource{Type: ref.Type, ID: ref.ID}}
	if err := row.Scan(&inst.ProjectID, &inst.OwnerID, &inst.Status, &inst.Version, &inst.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Instance{}, fmt.Errorf("%w: %s", shared.ErrNotFound, ref.Type)
		}
		return Instance{}, err
	}
	return inst, nil
}

const instanceColumns = `project_id, created_by, status, version, updated_at`

// GetInstance reads the current row without locking.
func (r *Repository) GetInstance(ctx context.Context, ref Ref) (Instance, error) {
	table, err := tableFor(ref.Type)
	if err != nil {
		return Instance{}, err
	}
	return scanInstance(r.pool.QueryRow(ctx, `SELECT `+instanceColumns+` FROM `+table+` WHERE id = $1`, ref.ID), ref)
}

// ListEvents returns the transition history of ref, oldest first.
func (r *Repository) ListEvents(ctx context.Context, ref Ref) ([]Event, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, project_id, action, from_status, to_status, principal_id, COALESCE(comment, ''), occurred_at
FROM workflow_transitions WHERE resource_type = $1 AND resource_id = $2 ORDER BY occurred_at, id`, string(ref.Type), ref.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []Event
	for rows.Next() {
		e := Event{ResourceID: ref.ID, ResourceType: ref.Type}
		var from, to string
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.Action, &from, &to, &e.PrincipalID, &e.Comment, &e.OccurredAt); err != nil {
			return nil, err
		}
		e.FromStatus, e.ToStatus = Status(from), Status(to)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (t *txRepo) LockInstance(ctx context.Context, ref Ref) (Instance, error) {
	table, err := tableFor(ref.Type)
	if err != nil {
		return Instance{}, err
	}
	return scanInstance(t.tx.QueryRow(ctx, `SELECT `+instanceColumns+` FROM `+table+` WHERE id = $1 FOR UPDATE`, ref.ID), ref)
}

func (t *txRepo) UpdateStatus(ctx context.Context, ref Ref, from, to Status, version int64) error {
	table, err := tableFor(ref.Type)
	if err != nil {
		return err
	}
	tag, err := t.tx.Exec(ctx, `UPDATE `+table+` SET status = $2, version = version + 1, updated_at = NOW()
WHERE id = $1 AND status = $3 AND version = $4`, ref.ID, string(to), string(from), version)
	if err != nil {
		if db.SQLState(err) == db.CodeCheckViolation {
			return fmt.Errorf("%w: status %q rejected by schema", shared.ErrInvalidTransition, to)
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s changed concurrently", shared.ErrInvalidTransition, ref.Type)
	}
	return nil
}

func (t *txRepo) InsertEvent(ctx context.Context, e Event) error {
	var comment *string
	if e.Comment != "" {
		comment = &e.Comment
	}
	_, err := t.tx.Exec(ctx, `INSERT INTO workflow_transitions
(id, resource_type, resource_id, project_id, action, from_status, to_status, principal_id, comment, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, string(e.ResourceType), e.ResourceID, e.ProjectID, e.Action, string(e.FromStatus), string(e.ToStatus), e.PrincipalID, comment, e.OccurredAt)
	return err
}
