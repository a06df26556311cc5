package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-approvals/internal/apperrors"
	"github.com/pesio-ai/be-approvals/internal/workflow"
)

// CreateDefinition inserts a workflow definition.
func (q *queries) CreateDefinition(ctx context.Context, def *workflow.Definition) error {
	query := `
		INSERT INTO approval_definitions
		    (name, description, entity_type, topology, is_default, is_deprecated)
		VALUES ($1, $2, $3::approval_entity_type, $4::approval_topology, $5, $6)
		RETURNING id, created_at, updated_at
	`

	err := q.conn.QueryRow(ctx, query,
		def.Name,
		def.Description,
		def.EntityType,
		def.Topology,
		def.IsDefault,
		def.IsDeprecated,
	).Scan(&def.ID, &def.CreatedAt, &def.UpdatedAt)
	return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to create definition")
}

// GetDefinition retrieves a definition by primary key.
func (q *queries) GetDefinition(ctx context.Context, id string) (*workflow.Definition, error) {
	query := selectDefinition + ` WHERE id = $1`

	def, err := scanDefinition(q.conn.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("approval_definition", id)
	}
	return def, err
}

// ListDefinitionsByEntityType returns all definitions for an entity type,
// oldest first.
func (q *queries) ListDefinitionsByEntityType(ctx context.Context, entityType workflow.EntityType) ([]*workflow.Definition, error) {
	query := selectDefinition + `
		WHERE entity_type = $1::approval_entity_type
		ORDER BY created_at ASC
	`

	rows, err := q.conn.Query(ctx, query, entityType)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list definitions")
	}
	defer rows.Close()

	var defs []*workflow.Definition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan definition")
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// DefaultDefinition returns the default definition for an entity type, or nil
// when none is flagged.
func (q *queries) DefaultDefinition(ctx context.Context, entityType workflow.EntityType) (*workflow.Definition, error) {
	query := selectDefinition + `
		WHERE entity_type = $1::approval_entity_type
		  AND is_default = TRUE
		  AND is_deprecated = FALSE
		LIMIT 1
	`

	def, err := scanDefinition(q.conn.QueryRow(ctx, query, entityType))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return def, err
}

// DemoteDefaults clears is_default on every definition for the entity type.
func (q *queries) DemoteDefaults(ctx context.Context, entityType workflow.EntityType) error {
	query := `
		UPDATE approval_definitions
		SET is_default = FALSE,
		    updated_at = NOW()
		WHERE entity_type = $1::approval_entity_type
		  AND is_default = TRUE
	`

	_, err := q.conn.Exec(ctx, query, entityType)
	return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to demote default definitions")
}

// SetDefinitionDeprecated flips the deprecation flag.
func (q *queries) SetDefinitionDeprecated(ctx context.Context, id string, deprecated bool) error {
	query := `
		UPDATE approval_definitions
		SET is_deprecated = $2,
		    updated_at    = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := q.conn.QueryRow(ctx, query, id, deprecated).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return apperrors.NotFound("approval_definition", id)
	}
	return err
}

// CreateStepTemplate inserts a step template.
func (q *queries) CreateStepTemplate(ctx context.Context, step *workflow.StepTemplate) error {
	query := `
		INSERT INTO approval_step_templates
		    (definition_id, step_order, approver_kind, approver_value,
		     is_optional, auto_approve_after_hours, escalate_after_hours)
		VALUES ($1, $2, $3::approver_kind, $4,
		        $5, $6, $7)
		RETURNING id, created_at
	`

	err := q.conn.QueryRow(ctx, query,
		step.DefinitionID,
		step.StepOrder,
		step.ApproverKind,
		step.ApproverValue,
		step.Optional,
		step.AutoApproveAfterHours,
		step.EscalateAfterHours,
	).Scan(&step.ID, &step.CreatedAt)
	return apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to create step template")
}

// ListStepTemplates returns a definition's steps ordered by step order then
// creation.
func (q *queries) ListStepTemplates(ctx context.Context, definitionID string) ([]*workflow.StepTemplate, error) {
	query := `
		SELECT id, definition_id, step_order, approver_kind, approver_value,
		       is_optional, auto_approve_after_hours, escalate_after_hours,
		       created_at
		FROM approval_step_templates
		WHERE definition_id = $1
		ORDER BY step_order ASC, created_at ASC
	`

	rows, err := q.conn.Query(ctx, query, definitionID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to list step templates")
	}
	defer rows.Close()

	var steps []*workflow.StepTemplate
	for rows.Next() {
		s := &workflow.StepTemplate{}
		err := rows.Scan(
			&s.ID,
			&s.DefinitionID,
			&s.StepOrder,
			&s.ApproverKind,
			&s.ApproverValue,
			&s.Optional,
			&s.AutoApproveAfterHours,
			&s.EscalateAfterHours,
			&s.CreatedAt,
		)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to scan step template")
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// ── scan helpers ──────────────────────────────────────────────────────────────

const selectDefinition = `
	SELECT id, name, description, entity_type, topology,
	       is_default, is_deprecated, created_at, updated_at
	FROM approval_definitions
`

type definitionScanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row definitionScanner) (*workflow.Definition, error) {
	def := &workflow.Definition{}
	err := row.Scan(
		&def.ID,
		&def.Name,
		&def.Description,
		&def.EntityType,
		&def.Topology,
		&def.IsDefault,
		&def.IsDeprecated,
		&def.CreatedAt,
		&def.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return def, nil
}
