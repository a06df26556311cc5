package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-approvals/internal/apperrors"
	"github.com/pesio-ai/be-approvals/internal/workflow"
)

// CreateInstance inserts a workflow instance.
func (q *queries) CreateInstance(ctx context.Context, inst *workflow.Instance) error {
	query := `
		INSERT INTO approval_instances
		    (definition_id, entity_type, entity_id, status,
		     initiator, notes, started_at, updated_at)
		VALUES ($1, $2::approval_entity_type, $3, $4::instance_status,
		        $5, $6, $7, $7)
		RETURNING id
	`

	err := q.conn.QueryRow(ctx, query,
		inst.DefinitionID,
		inst.EntityType,
		inst.EntityID,
		inst.Status,
		inst.Initiator,
		inst.Notes,
		inst.StartedAt,
	).Scan(&inst.ID)
	return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to create instance")
}

// GetInstance retrieves an instance by primary key.
func (q *queries) GetInstance(ctx context.Context, id string) (*workflow.Instance, error) {
	query := selectInstance + ` WHERE id = $1`

	inst, err := scanInstance(q.conn.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("workflow_instance", id)
	}
	return inst, err
}

// GetInstanceForUpdate locks the instance row until the enclosing transaction
// ends. The lock serializes concurrent decisions on the same instance.
func (q *queries) GetInstanceForUpdate(ctx context.Context, id string) (*workflow.Instance, error) {
	query := selectInstance + ` WHERE id = $1 FOR UPDATE`

	inst, err := scanInstance(q.conn.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("workflow_instance", id)
	}
	return inst, err
}

// GetActiveInstanceByEntity returns the entity's pending instance, or nil
// when no workflow is in flight.
func (q *queries) GetActiveInstanceByEntity(ctx context.Context, entityType workflow.EntityType, entityID string) (*workflow.Instance, error) {
	query := selectInstance + `
		WHERE entity_type = $1::approval_entity_type
		  AND entity_id = $2
		  AND status = 'pending'::instance_status
		LIMIT 1
	`

	inst, err := scanInstance(q.conn.QueryRow(ctx, query, entityType, entityID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return inst, err
}

// GetLatestInstanceByEntity returns the most recently started instance for an
// entity regardless of status, or nil when none exists.
func (q *queries) GetLatestInstanceByEntity(ctx context.Context, entityType workflow.EntityType, entityID string) (*workflow.Instance, error) {
	query := selectInstance + `
		WHERE entity_type = $1::approval_entity_type
		  AND entity_id = $2
		ORDER BY started_at DESC
		LIMIT 1
	`

	inst, err := scanInstance(q.conn.QueryRow(ctx, query, entityType, entityID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return inst, err
}

// UpdateInstanceStatus sets the instance status and optionally stamps
// completed_at.
func (q *queries) UpdateInstanceStatus(ctx context.Context, id string, status workflow.InstanceStatus, completedAt *time.Time) error {
	query := `
		UPDATE approval_instances
		SET status       = $2::instance_status,
		    completed_at = $3,
		    updated_at   = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := q.conn.QueryRow(ctx, query, id, status, completedAt).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return apperrors.NotFound("workflow_instance", id)
	}
	return err
}

// DefinitionHasInstances reports whether any instance references the
// definition.
func (q *queries) DefinitionHasInstances(ctx context.Context, definitionID string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM approval_instances WHERE definition_id = $1
		)
	`

	var exists bool
	err := q.conn.QueryRow(ctx, query, definitionID).Scan(&exists)
	if err != nil {
		return false, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to check definition usage")
	}
	return exists, nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

const selectInstance = `
	SELECT id, definition_id, entity_type, entity_id, status,
	       initiator, notes, started_at, completed_at, updated_at
	FROM approval_instances
`

type instanceScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row instanceScanner) (*workflow.Instance, error) {
	inst := &workflow.Instance{}
	err := row.Scan(
		&inst.ID,
		&inst.DefinitionID,
		&inst.EntityType,
		&inst.EntityID,
		&inst.Status,
		&inst.Initiator,
		&inst.Notes,
		&inst.StartedAt,
		&inst.CompletedAt,
		&inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return inst, nil
}
