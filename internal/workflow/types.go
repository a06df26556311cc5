package workflow

import "time"

// ── Closed enumerations ───────────────────────────────────────────────────────

// EntityType identifies the kind of business entity a workflow targets.
type EntityType string

// Supported entity types.
const (
	EntityProposal    EntityType = "proposal"
	EntityInvoice     EntityType = "invoice"
	EntityContract    EntityType = "contract"
	EntityDeliverable EntityType = "deliverable"
	EntityProject     EntityType = "project"
)

// Valid reports whether t is a recognized entity type.
func (t EntityType) Valid() bool {
	switch t {
	case EntityProposal, EntityInvoice, EntityContract, EntityDeliverable, EntityProject:
		return true
	}
	return false
}

// Topology is the rule governing how a workflow's steps activate and combine.
type Topology string

// Supported topologies.
const (
	// TopologySequential activates steps one order at a time.
	TopologySequential Topology = "sequential"
	// TopologyParallel activates every step at instance start; all required
	// requests must approve.
	TopologyParallel Topology = "parallel"
	// TopologyAnyOne activates every request at instance start; the first
	// approval completes the instance.
	TopologyAnyOne Topology = "any_one"
)

// Valid reports whether t is a recognized topology.
func (t Topology) Valid() bool {
	switch t {
	case TopologySequential, TopologyParallel, TopologyAnyOne:
		return true
	}
	return false
}

// ApproverKind classifies a step's approver specifier.
type ApproverKind string

// Approver specifier kinds.
const (
	ApproverRole    ApproverKind = "role"    // value is a role name
	ApproverUser    ApproverKind = "user"    // value is a user identity (email)
	ApproverDynamic ApproverKind = "dynamic" // value is a DynamicSelector
)

// Valid reports whether k is a recognized approver kind.
func (k ApproverKind) Valid() bool {
	switch k {
	case ApproverRole, ApproverUser, ApproverDynamic:
		return true
	}
	return false
}

// DynamicSelector names an approver derived from the entity's context at
// instance-start time.
type DynamicSelector string

// Supported dynamic selectors.
const (
	SelectProjectOwner  DynamicSelector = "project_owner"
	SelectClientAdmin   DynamicSelector = "client_admin"
	SelectAssignedAdmin DynamicSelector = "assigned_admin"
)

// InstanceStatus is the lifecycle state of a workflow instance.
type InstanceStatus string

// Instance states. All but pending are terminal.
const (
	InstancePending   InstanceStatus = "pending"
	InstanceApproved  InstanceStatus = "approved"
	InstanceRejected  InstanceStatus = "rejected"
	InstanceCancelled InstanceStatus = "cancelled"
)

// Terminal reports whether the instance can no longer change state.
func (s InstanceStatus) Terminal() bool {
	return s != InstancePending
}

// RequestStatus is the state of a single approval request.
type RequestStatus string

// Request states. All but pending are terminal.
const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestRejected RequestStatus = "rejected"
	RequestExpired  RequestStatus = "expired"
	RequestSkipped  RequestStatus = "skipped"
)

// Terminal reports whether the request can no longer change state.
func (s RequestStatus) Terminal() bool {
	return s != RequestPending
}

// EventKind classifies a history entry.
type EventKind string

// History event kinds.
const (
	EventStarted      EventKind = "started"
	EventApproved     EventKind = "approved"
	EventRejected     EventKind = "rejected"
	EventAutoApproved EventKind = "auto_approved"
	EventEscalated    EventKind = "escalated"
	EventCancelled    EventKind = "cancelled"
)

// Valid reports whether k is a recognized event kind.
func (k EventKind) Valid() bool {
	switch k {
	case EventStarted, EventApproved, EventRejected, EventAutoApproved, EventEscalated, EventCancelled:
		return true
	}
	return false
}

// Decision is a human-submitted verdict on a request.
type Decision string

// Decisions.
const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// SystemActor is the identity recorded for engine-driven transitions
// (auto-approval, escalation).
const SystemActor = "system@approvals"

// ── Records ───────────────────────────────────────────────────────────────────

// Definition is a reusable workflow template for one entity type.
type Definition struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Description  *string    `json:"description,omitempty"`
	EntityType   EntityType `json:"entity_type"`
	Topology     Topology   `json:"topology"`
	IsDefault    bool       `json:"is_default"`
	IsDeprecated bool       `json:"is_deprecated"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// StepTemplate is one step declaration within a definition.
type StepTemplate struct {
	ID            string       `json:"id"`
	DefinitionID  string       `json:"definition_id"`
	StepOrder     int          `json:"step_order"`
	ApproverKind  ApproverKind `json:"approver_kind"`
	ApproverValue string       `json:"approver_value"`
	Optional      bool         `json:"optional"`
	// AutoApproveAfterHours approves the request automatically once this many
	// hours pass without a decision. Nil disables auto-approval.
	AutoApproveAfterHours *int `json:"auto_approve_after_hours,omitempty"`
	// EscalateAfterHours raises a visibility-only escalation once this many
	// hours pass without a decision. Nil disables escalation.
	EscalateAfterHours *int      `json:"escalate_after_hours,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// Instance is one execution of a definition bound to a concrete entity.
type Instance struct {
	ID           string         `json:"id"`
	DefinitionID string         `json:"definition_id"`
	EntityType   EntityType     `json:"entity_type"`
	EntityID     string         `json:"entity_id"`
	Status       InstanceStatus `json:"status"`
	Initiator    string         `json:"initiator"`
	Notes        *string        `json:"notes,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// ApprovalRequest is one unit of work assigned to one resolved approver for
// one step of one instance. Step configuration relevant to the sweeper is
// denormalized onto the request so sweeps need no template join.
type ApprovalRequest struct {
	ID                    string        `json:"id"`
	InstanceID            string        `json:"instance_id"`
	StepOrder             int           `json:"step_order"`
	Approver              string        `json:"approver"`
	Optional              bool          `json:"optional"`
	Status                RequestStatus `json:"status"`
	Comment               *string       `json:"comment,omitempty"`
	AutoApproveAfterHours *int          `json:"auto_approve_after_hours,omitempty"`
	EscalateAfterHours    *int          `json:"escalate_after_hours,omitempty"`
	// EscalatedAt guards against repeated escalation of the same request.
	EscalatedAt *time.Time `json:"escalated_at,omitempty"`
	DecidedAt   *time.Time `json:"decided_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// HistoryEntry is one immutable record in the approval audit log.
type HistoryEntry struct {
	ID         string    `json:"id"`
	InstanceID string    `json:"instance_id"`
	RequestID  *string   `json:"request_id,omitempty"`
	Kind       EventKind `json:"kind"`
	Actor      string    `json:"actor"`
	Comment    *string   `json:"comment,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
	// Seq breaks ties between entries recorded in the same instant.
	Seq int64 `json:"seq"`
}

// EntityContext carries the entity-derived identities dynamic approver
// specifiers resolve against.
type EntityContext struct {
	ProjectOwner   string   `json:"project_owner"`
	ClientAdmins   []string `json:"client_admins"`
	AssignedAdmins []string `json:"assigned_admins"`
}
