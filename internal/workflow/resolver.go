package workflow

import (
	"context"
	"fmt"

	"github.com/pesio-ai/be-approvals/internal/apperrors"
)

// Directory resolves organizational questions the engine cannot answer from
// its own tables. Implemented by the platform directory client; tests use a
// static fake.
type Directory interface {
	// UsersWithRole returns the identities currently holding a role.
	UsersWithRole(ctx context.Context, role string) ([]string, error)
	// EntityContext returns the entity-derived identities dynamic approver
	// specifiers resolve against.
	EntityContext(ctx context.Context, entityType EntityType, entityID string) (*EntityContext, error)
	// IsAdministrator reports whether the user may bypass approver checks.
	IsAdministrator(ctx context.Context, user string) (bool, error)
}

// StepResolver turns a step template's abstract approver specifier into
// concrete approver identities for one instance. Dynamic specifiers resolve
// against the entity context captured at instance-start time, so later org
// changes do not retroactively alter running workflows.
type StepResolver struct {
	directory Directory
}

// NewStepResolver creates a StepResolver.
func NewStepResolver(directory Directory) *StepResolver {
	return &StepResolver{directory: directory}
}

// Resolve returns the ordered, de-duplicated approver identities for a step.
// An empty result is an unresolvable-approver error, never a silent skip.
func (r *StepResolver) Resolve(ctx context.Context, step *StepTemplate, entCtx *EntityContext) ([]string, error) {
	var approvers []string

	switch step.ApproverKind {
	case ApproverUser:
		approvers = []string{step.ApproverValue}

	case ApproverRole:
		users, err := r.directory.UsersWithRole(ctx, step.ApproverValue)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal,
				fmt.Sprintf("resolve role %q", step.ApproverValue))
		}
		approvers = users

	case ApproverDynamic:
		if entCtx == nil {
			return nil, apperrors.Newf(apperrors.ErrCodeUnresolvable,
				"no entity context available for dynamic approver %q", step.ApproverValue)
		}
		switch DynamicSelector(step.ApproverValue) {
		case SelectProjectOwner:
			if entCtx.ProjectOwner != "" {
				approvers = []string{entCtx.ProjectOwner}
			}
		case SelectClientAdmin:
			approvers = entCtx.ClientAdmins
		case SelectAssignedAdmin:
			approvers = entCtx.AssignedAdmins
		default:
			return nil, apperrors.InvalidInput("approver_value",
				fmt.Sprintf("unrecognized dynamic selector %q", step.ApproverValue))
		}

	default:
		return nil, apperrors.InvalidInput("approver_kind",
			fmt.Sprintf("unrecognized approver kind %q", step.ApproverKind))
	}

	approvers = dedupe(approvers)
	if len(approvers) == 0 {
		return nil, apperrors.Newf(apperrors.ErrCodeUnresolvable,
			"no approver resolvable for %s %q", step.ApproverKind, step.ApproverValue)
	}
	return approvers, nil
}

// dedupe removes duplicates preserving first-seen order. The result is a
// fresh slice; directory implementations keep ownership of their input.
func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
