package workflow

import (
	"context"
	"time"
)

// Querier is the data access surface the engine operates on. All reads of a
// record return a copy; not-found reads return a coded not_found error unless
// documented otherwise.
type Querier interface {
	// ── definitions ──
	CreateDefinition(ctx context.Context, def *Definition) error
	GetDefinition(ctx context.Context, id string) (*Definition, error)
	ListDefinitionsByEntityType(ctx context.Context, entityType EntityType) ([]*Definition, error)
	// DefaultDefinition returns (nil, nil) when no default exists.
	DefaultDefinition(ctx context.Context, entityType EntityType) (*Definition, error)
	// DemoteDefaults clears the is_default flag on every definition for the
	// entity type.
	DemoteDefaults(ctx context.Context, entityType EntityType) error
	SetDefinitionDeprecated(ctx context.Context, id string, deprecated bool) error

	// ── step templates ──
	CreateStepTemplate(ctx context.Context, step *StepTemplate) error
	// ListStepTemplates returns steps ordered by step order, then creation.
	ListStepTemplates(ctx context.Context, definitionID string) ([]*StepTemplate, error)

	// ── instances ──
	CreateInstance(ctx context.Context, inst *Instance) error
	GetInstance(ctx context.Context, id string) (*Instance, error)
	// GetInstanceForUpdate locks the instance row for the duration of the
	// current transaction.
	GetInstanceForUpdate(ctx context.Context, id string) (*Instance, error)
	// GetActiveInstanceByEntity returns (nil, nil) when the entity has no
	// pending instance.
	GetActiveInstanceByEntity(ctx context.Context, entityType EntityType, entityID string) (*Instance, error)
	// GetLatestInstanceByEntity returns the most recently started instance for
	// an entity regardless of status, or (nil, nil).
	GetLatestInstanceByEntity(ctx context.Context, entityType EntityType, entityID string) (*Instance, error)
	UpdateInstanceStatus(ctx context.Context, id string, status InstanceStatus, completedAt *time.Time) error
	// DefinitionHasInstances reports whether any instance references the
	// definition.
	DefinitionHasInstances(ctx context.Context, definitionID string) (bool, error)

	// ── requests ──
	CreateRequest(ctx context.Context, req *ApprovalRequest) error
	GetRequest(ctx context.Context, id string) (*ApprovalRequest, error)
	// GetRequestForUpdate locks the request row for the duration of the
	// current transaction.
	GetRequestForUpdate(ctx context.Context, id string) (*ApprovalRequest, error)
	ListRequestsByInstance(ctx context.Context, instanceID string) ([]*ApprovalRequest, error)
	// ListPendingForApprover returns pending requests assigned to the approver
	// whose owning instance is still pending.
	ListPendingForApprover(ctx context.Context, approver string) ([]*ApprovalRequest, error)
	SetRequestDecision(ctx context.Context, id string, status RequestStatus, comment *string, decidedAt time.Time) error
	// SkipPendingRequests marks every pending request on the instance skipped
	// and returns how many were skipped.
	SkipPendingRequests(ctx context.Context, instanceID string) (int, error)
	MarkRequestEscalated(ctx context.Context, id string, at time.Time) error
	// ListTimeoutCandidates returns pending requests on pending instances with
	// an auto-approve or unfired escalation window configured. Elapsed-time
	// checks happen in the scheduler.
	ListTimeoutCandidates(ctx context.Context) ([]*ApprovalRequest, error)

	// ── history ──
	// AppendHistory is the only mutation on history; entries are never
	// updated or deleted.
	AppendHistory(ctx context.Context, entry *HistoryEntry) error
	// ListHistoryByInstance returns entries ordered by timestamp, then
	// insertion sequence.
	ListHistoryByInstance(ctx context.Context, instanceID string) ([]*HistoryEntry, error)
}

// Store is a Querier that can also run a function transactionally: either
// every write inside fn commits, or none do.
type Store interface {
	Querier
	InTransaction(ctx context.Context, fn func(q Querier) error) error
}
