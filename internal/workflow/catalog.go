package workflow

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-approvals/internal/apperrors"
)

// Catalog stores and validates reusable workflow definitions and their steps.
type Catalog struct {
	store Store
	log   zerolog.Logger
}

// NewCatalog creates a Catalog.
func NewCatalog(store Store, log zerolog.Logger) *Catalog {
	return &Catalog{store: store, log: log}
}

// DefinitionWithSteps pairs a definition with its ordered step templates.
type DefinitionWithSteps struct {
	Definition
	Steps []*StepTemplate `json:"steps"`
}

// CreateDefinition validates and persists a new workflow definition. When the
// definition is flagged default, any previously-default definition for the
// same entity type is demoted in the same transaction.
func (c *Catalog) CreateDefinition(ctx context.Context, def *Definition) error {
	if def.Name == "" {
		return apperrors.InvalidInput("name", "definition name is required")
	}
	if !def.EntityType.Valid() {
		return apperrors.InvalidInput("entity_type", fmt.Sprintf("unrecognized entity type %q", def.EntityType))
	}
	if !def.Topology.Valid() {
		return apperrors.InvalidInput("topology", fmt.Sprintf("unrecognized topology %q", def.Topology))
	}

	err := c.store.InTransaction(ctx, func(q Querier) error {
		if def.IsDefault {
			if err := q.DemoteDefaults(ctx, def.EntityType); err != nil {
				return err
			}
		}
		return q.CreateDefinition(ctx, def)
	})
	if err != nil {
		return err
	}

	c.log.Info().
		Str("definition_id", def.ID).
		Str("entity_type", string(def.EntityType)).
		Str("topology", string(def.Topology)).
		Bool("is_default", def.IsDefault).
		Msg("workflow definition created")
	return nil
}

// AddStep validates and appends a step template to an existing definition.
// Sequential definitions take steps in contiguous order starting at 1;
// definitions already referenced by an instance are immutable.
func (c *Catalog) AddStep(ctx context.Context, step *StepTemplate) error {
	if step.StepOrder <= 0 {
		return apperrors.InvalidInput("step_order", "step order must be positive")
	}
	if !step.ApproverKind.Valid() {
		return apperrors.InvalidInput("approver_kind", fmt.Sprintf("unrecognized approver kind %q", step.ApproverKind))
	}
	if step.ApproverValue == "" {
		return apperrors.InvalidInput("approver_value", "approver value is required")
	}
	if step.ApproverKind == ApproverDynamic {
		switch DynamicSelector(step.ApproverValue) {
		case SelectProjectOwner, SelectClientAdmin, SelectAssignedAdmin:
		default:
			return apperrors.InvalidInput("approver_value", fmt.Sprintf("unrecognized dynamic selector %q", step.ApproverValue))
		}
	}
	if step.AutoApproveAfterHours != nil && *step.AutoApproveAfterHours <= 0 {
		return apperrors.InvalidInput("auto_approve_after_hours", "timeout must be positive")
	}
	if step.EscalateAfterHours != nil && *step.EscalateAfterHours <= 0 {
		return apperrors.InvalidInput("escalate_after_hours", "escalation window must be positive")
	}

	return c.store.InTransaction(ctx, func(q Querier) error {
		def, err := q.GetDefinition(ctx, step.DefinitionID)
		if err != nil {
			return err
		}

		used, err := q.DefinitionHasInstances(ctx, def.ID)
		if err != nil {
			return err
		}
		if used {
			return apperrors.New(apperrors.ErrCodeConflict,
				"definition is referenced by an instance and its steps are immutable")
		}

		// Sequential orders are unique and contiguous from 1; parallel and
		// any_one activate everything at once so order is informational only.
		if def.Topology == TopologySequential {
			existing, err := q.ListStepTemplates(ctx, def.ID)
			if err != nil {
				return err
			}
			for _, s := range existing {
				if s.StepOrder == step.StepOrder {
					return apperrors.Newf(apperrors.ErrCodeConflict,
						"sequential definition already has a step at order %d", step.StepOrder)
				}
			}
			if next := len(existing) + 1; step.StepOrder != next {
				return apperrors.InvalidInput("step_order",
					fmt.Sprintf("sequential step orders are contiguous; next step order is %d", next))
			}
		}

		return q.CreateStepTemplate(ctx, step)
	})
}

// Get returns a definition by id.
func (c *Catalog) Get(ctx context.Context, id string) (*Definition, error) {
	return c.store.GetDefinition(ctx, id)
}

// GetWithSteps returns a definition together with its ordered steps.
func (c *Catalog) GetWithSteps(ctx context.Context, id string) (*DefinitionWithSteps, error) {
	def, err := c.store.GetDefinition(ctx, id)
	if err != nil {
		return nil, err
	}
	steps, err := c.store.ListStepTemplates(ctx, id)
	if err != nil {
		return nil, err
	}
	return &DefinitionWithSteps{Definition: *def, Steps: steps}, nil
}

// ListByEntityType returns all definitions targeting the entity type.
func (c *Catalog) ListByEntityType(ctx context.Context, entityType EntityType) ([]*Definition, error) {
	if !entityType.Valid() {
		return nil, apperrors.InvalidInput("entity_type", fmt.Sprintf("unrecognized entity type %q", entityType))
	}
	return c.store.ListDefinitionsByEntityType(ctx, entityType)
}

// DefaultForEntityType returns the default definition for an entity type, or
// a not_found error when none is flagged.
func (c *Catalog) DefaultForEntityType(ctx context.Context, entityType EntityType) (*Definition, error) {
	if !entityType.Valid() {
		return nil, apperrors.InvalidInput("entity_type", fmt.Sprintf("unrecognized entity type %q", entityType))
	}
	def, err := c.store.DefaultDefinition(ctx, entityType)
	if err != nil {
		return nil, err
	}
	if def == nil {
		return nil, apperrors.NotFound("default definition for entity type", string(entityType))
	}
	return def, nil
}

// Deprecate soft-retires a definition: existing instances keep running but
// new instances can no longer start from it. Definitions are never deleted.
func (c *Catalog) Deprecate(ctx context.Context, id string) error {
	err := c.store.InTransaction(ctx, func(q Querier) error {
		if _, err := q.GetDefinition(ctx, id); err != nil {
			return err
		}
		return q.SetDefinitionDeprecated(ctx, id, true)
	})
	if err != nil {
		return err
	}

	c.log.Info().Str("definition_id", id).Msg("workflow definition deprecated")
	return nil
}
