package rbac

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/formula-pm/formula-pm/internal/platform/db"
	"github.com/formula-pm/formula-pm/internal/shared"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository provides PostgreSQL backed persistence for principals and assignments.
type Repository struct {
	pool  *pgxpool.Pool
	audit *shared.AuditLogger
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, audit: shared.NewAuditLogger(pool)}
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	LockPrincipal(ctx context.Context, id uuid.UUID) (Principal, error)
	UpdateRole(ctx context.Context, id uuid.UUID, role Role) error
	InsertRoleChange(ctx context.Context, change RoleChange) error
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
	InsertAssignment(ctx context.Context, a Assignment) (bool, error)
	DeleteAssignment(ctx context.Context, principalID, projectID uuid.UUID) (bool, error)
	RecordAudit(ctx context.Context, log shared.AuditLog) error
}

type txRepo struct {
	tx    pgx.Tx
	audit *shared.AuditLogger
}

// WithTx wraps callback in a read-committed transaction; principal rows are locked explicitly.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx, audit: r.audit})
	})
}

const principalColumns = `id, email, role, seniority, is_active, company_id, client_id`

func scanPrincipal(row pgx.Row) (Principal, error) {
	var (
		p         Principal
		role      string
		seniority string
	)
	if err := row.Scan(&p.ID, &p.Email, &role, &seniority, &p.IsActive, &p.CompanyID, &p.ClientID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Principal{}, fmt.Errorf("%w: principal", shared.ErrNotFound)
		}
		return Principal{}, err
	}
	var err error
	if p.Role, err = ParseRole(role); err != nil {
		return Principal{}, fmt.Errorf("rbac: principal %s: %w", p.ID, err)
	}
	if p.Seniority, err = ParseSeniority(seniority); err != nil {
		return Principal{}, fmt.Errorf("rbac: principal %s: %w", p.ID, err)
	}
	return p, nil
}

// LoadPrincipal reads the principal and its project assignments.
func (r *Repository) LoadPrincipal(ctx context.Context, id uuid.UUID) (Principal, error) {
	p, err := scanPrincipal(r.pool.QueryRow(ctx, `SELECT `+principalColumns+` FROM principals WHERE id = $1`, id))
	if err != nil {
		return Principal{}, err
	}
	projects, err := loadProjects(ctx, r.pool, id)
	if err != nil {
		return Principal{}, err
	}
	p.Projects = projects
	return p, nil
}

func loadProjects(ctx context.Context, q querier, principalID uuid.UUID) (map[uuid.UUID]struct{}, error) {
	rows, err := q.Query(ctx, `SELECT project_id FROM project_assignments WHERE principal_id = $1`, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	projects := make(map[uuid.UUID]struct{})
	for rows.Next() {
		var projectID uuid.UUID
		if err := rows.Scan(&projectID); err != nil {
			return nil, err
		}
		projects[projectID] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return projects, nil
}

// LoadResource loads the access attributes of projects and principal records.
func (r *Repository) LoadResource(ctx context.Context, rt ResourceType, id uuid.UUID) (Resource, error) {
	switch rt {
	case ResourceProject:
		res := Resource{Type: ResourceProject, ID: id}
		err := r.pool.QueryRow(ctx, `SELECT owner_id, status FROM projects WHERE id = $1`, id).Scan(&res.OwnerID, &res.Status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return Resource{}, fmt.Errorf("%w: project", shared.ErrNotFound)
			}
			return Resource{}, err
		}
		res.ProjectID = id
		return res, nil
	case ResourceUser:
		var exists bool
		if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM principals WHERE id = $1)`, id).Scan(&exists); err != nil {
			return Resource{}, err
		}
		if !exists {
			return Resource{}, fmt.Errorf("%w: principal", shared.ErrNotFound)
		}
		return Resource{Type: ResourceUser, ID: id, OwnerID: id}, nil
	default:
		return Resource{}, fmt.Errorf("%w: rbac repository does not load %s", shared.ErrConfiguration, rt)
	}
}

// ListRoleChanges returns the role history of a principal, newest first.
func (r *Repository) ListRoleChanges(ctx context.Context, principalID uuid.UUID) ([]RoleChange, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, principal_id, changed_by, from_role, to_role, changed_at
FROM role_changes WHERE principal_id = $1 ORDER BY changed_at DESC`, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var changes []RoleChange
	for rows.Next() {
		var (
			c        RoleChange
			from, to string
		)
		if err := rows.Scan(&c.ID, &c.PrincipalID, &c.ChangedBy, &from, &to, &c.ChangedAt); err != nil {
			return nil, err
		}
		c.From, c.To = Role(from), Role(to)
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return changes, nil
}

func (t *txRepo) LockPrincipal(ctx context.Context, id uuid.UUID) (Principal, error) {
	p, err := scanPrincipal(t.tx.QueryRow(ctx, `SELECT `+principalColumns+` FROM principals WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return Principal{}, err
	}
	projects, err := loadProjects(ctx, t.tx, id)
	if err != nil {
		return Principal{}, err
	}
	p.Projects = projects
	return p, nil
}

func (t *txRepo) UpdateRole(ctx context.Context, id uuid.UUID, role Role) error {
	tag, err := t.tx.Exec(ctx, `UPDATE principals SET role = $2, updated_at = NOW() WHERE id = $1`, id, string(role))
	if err != nil {
		if db.SQLState(err) == db.CodeCheckViolation {
			return fmt.Errorf("%w: role %q rejected by schema", shared.ErrValidation, role)
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: principal", shared.ErrNotFound)
	}
	return nil
}

func (t *txRepo) InsertRoleChange(ctx context.Context, change RoleChange) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO role_changes (id, principal_id, changed_by, from_role, to_role, changed_at)
VALUES ($1, $2, $3, $4, $5, $6)`, change.ID, change.PrincipalID, change.ChangedBy, string(change.From), string(change.To), change.ChangedAt)
	return err
}

func (t *txRepo) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	tag, err := t.tx.Exec(ctx, `UPDATE principals SET is_active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: principal", shared.ErrNotFound)
	}
	return nil
}

func (t *txRepo) InsertAssignment(ctx context.Context, a Assignment) (bool, error) {
	tag, err := t.tx.Exec(ctx, `INSERT INTO project_assignments (principal_id, project_id, assigned_by, created_at)
VALUES ($1, $2, $3, $4) ON CONFLICT (principal_id, project_id) DO NOTHING`, a.PrincipalID, a.ProjectID, a.AssignedBy, a.CreatedAt)
	if err != nil {
		if db.SQLState(err) == db.CodeForeignKeyViolation {
			return false, fmt.Errorf("%w: project", shared.ErrNotFound)
		}
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *txRepo) DeleteAssignment(ctx context.Context, principalID, projectID uuid.UUID) (bool, error) {
	tag, err := t.tx.Exec(ctx, `DELETE FROM project_assignments WHERE principal_id = $1 AND project_id = $2`, principalID, projectID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *txRepo) RecordAudit(ctx context.Context, log shared.AuditLog) error {
	return t.audit.RecordWith(ctx, t.tx, log)
}
