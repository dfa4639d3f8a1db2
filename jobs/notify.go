package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	jobmetrics "github.com/formula-pm/formula-pm/internal/jobs"
	"github.com/formula-pm/formula-pm/internal/workflow"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// Outbox records pending notifications. Recording the same (event, recipient) pair twice is
// a no-op so retried tasks do not duplicate rows.
type Outbox interface {
	Recipients(ctx context.Context, event workflow.Event) ([]uuid.UUID, error)
	Record(ctx context.Context, event workflow.Event, recipients []uuid.UUID) (int, error)
}

// WorkflowNotifyJob turns committed transitions into outbox rows for every active member of
// the project except the actor.
type WorkflowNotifyJob struct {
	Outbox  Outbox
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewWorkflowNotifyJob wires dependencies for the notification handler.
func NewWorkflowNotifyJob(outbox Outbox, logger *slog.Logger, metrics *jobmetrics.Metrics) *WorkflowNotifyJob {
	return &WorkflowNotifyJob{Outbox: outbox, Logger: logger, Metrics: metrics}
}

// Handle processes TaskWorkflowNotify tasks.
func (j *WorkflowNotifyJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Outbox == nil {
		return errors.New("workflow notify: handler not configured")
	}
	var event workflow.Event
	if err := json.Unmarshal(t.Payload(), &event); err != nil {
		return fmt.Errorf("workflow notify: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if event.ID == uuid.Nil || event.ResourceID == uuid.Nil {
		return fmt.Errorf("workflow notify: incomplete event: %w", asynq.SkipRetry)
	}

	tracker := j.metrics().Track(TaskWorkflowNotify)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(
		slog.String("event_id", event.ID.String()),
		slog.String("resource_type", string(event.ResourceType)),
		slog.String("action", event.Action))

	recipients, err := j.Outbox.Recipients(ctx, event)
	if err != nil {
		logger.Error("load notification recipients", slog.Any("error", err))
		return err
	}
	if len(recipients) == 0 {
		logger.Info("no notification recipients")
		return nil
	}
	created, err := j.Outbox.Record(ctx, event, recipients)
	if err != nil {
		logger.Error("record notifications", slog.Any("error", err))
		return err
	}
	logger.Info("workflow notifications queued", slog.Int("recipients", len(recipients)), slog.Int("created", created))
	return nil
}

func (j *WorkflowNotifyJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

func (j *WorkflowNotifyJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

// PostgresOutbox stores notifications in the notifications table.
type PostgresOutbox struct {
	pool *pgxpool.Pool
}

// NewPostgresOutbox constructs a PostgresOutbox.
func NewPostgresOutbox(pool *pgxpool.Pool) *PostgresOutbox {
	return &PostgresOutbox{pool: pool}
}

// Recipients lists active principals assigned to the event's project, excluding the actor.
// Unscoped roles are not notified; they see transitions on their dashboards.
func (o *PostgresOutbox) Recipients(ctx context.Context, event workflow.Event) ([]uuid.UUID, error) {
	rows, err := o.pool.Query(ctx, `SELECT p.id FROM project_assignments pa
JOIN principals p ON p.id = pa.principal_id
WHERE pa.project_id = $1 AND p.is_active AND p.id <> $2
ORDER BY p.id`, event.ProjectID, event.PrincipalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Record inserts one notification per recipient and returns how many were new.
func (o *PostgresOutbox) Record(ctx context.Context, event workflow.Event, recipients []uuid.UUID) (int, error) {
	tag, err := o.pool.Exec(ctx, `INSERT INTO notifications (event_id, principal_id, resource_type, resource_id, action, created_at)
SELECT $1, r, $2, $3, $4, NOW() FROM UNNEST($5::uuid[]) AS r
ON CONFLICT (event_id, principal_id) DO NOTHING`,
		event.ID, string(event.ResourceType), event.ResourceID, event.Action, recipients)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
