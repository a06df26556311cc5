package workflow

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-approvals/internal/apperrors"
	"github.com/pesio-ai/be-approvals/internal/metrics"
)

// Engine is the approval workflow state machine. Every state transition
// (Start, Decide, Cancel, ApplyTimeout) runs as a single store transaction:
// current state is re-read and re-validated inside the transaction, so
// concurrent decisions, timeouts, and cancellations are serialized by the
// store and the loser fails its precondition check instead of corrupting
// state.
type Engine struct {
	store     Store
	resolver  *StepResolver
	directory Directory
	recorder  Recorder
	notifier  Notifier
	log       zerolog.Logger
	now       func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithNotifier sets the outbound notification transport.
func WithNotifier(n Notifier) EngineOption {
	return func(e *Engine) { e.notifier = n }
}

// WithClock overrides the engine clock.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an Engine.
func NewEngine(store Store, resolver *StepResolver, directory Directory, log zerolog.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		store:     store,
		resolver:  resolver,
		directory: directory,
		notifier:  NopNotifier{},
		log:       log,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ── Start ─────────────────────────────────────────────────────────────────────

// Start creates a workflow instance from a definition bound to an entity and
// activates its first wave of approval requests: the lowest step order for
// sequential definitions, every step for parallel and any_one.
func (e *Engine) Start(ctx context.Context, definitionID string, entityType EntityType, entityID, initiator string, notes *string) (*Instance, error) {
	if !entityType.Valid() {
		return nil, apperrors.InvalidInput("entity_type", fmt.Sprintf("unrecognized entity type %q", entityType))
	}
	if entityID == "" {
		return nil, apperrors.InvalidInput("entity_id", "entity id is required")
	}
	if initiator == "" {
		return nil, apperrors.InvalidInput("initiator", "initiator is required")
	}

	def, err := e.store.GetDefinition(ctx, definitionID)
	if err != nil {
		return nil, err
	}
	if def.EntityType != entityType {
		return nil, apperrors.Newf(apperrors.ErrCodeInvalidInput,
			"definition %s targets %s entities, not %s", def.ID, def.EntityType, entityType)
	}
	if def.IsDeprecated {
		return nil, apperrors.New(apperrors.ErrCodeConflict, "definition is deprecated and cannot start new workflows")
	}

	// Fail fast before resolving approvers; the check is repeated inside the
	// transaction to close the race with a concurrent Start.
	if active, err := e.store.GetActiveInstanceByEntity(ctx, entityType, entityID); err != nil {
		return nil, err
	} else if active != nil {
		return nil, apperrors.Newf(apperrors.ErrCodeConflict,
			"entity %s/%s already has an active approval workflow", entityType, entityID)
	}

	templates, err := e.store.ListStepTemplates(ctx, definitionID)
	if err != nil {
		return nil, err
	}
	if len(templates) == 0 {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "definition has no steps")
	}

	wave := templates
	if def.Topology == TopologySequential {
		wave = templatesAtOrder(templates, templates[0].StepOrder)
	}

	entCtx, err := e.entityContextFor(ctx, wave, entityType, entityID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	inst := &Instance{
		DefinitionID: def.ID,
		EntityType:   entityType,
		EntityID:     entityID,
		Status:       InstancePending,
		Initiator:    initiator,
		Notes:        notes,
		StartedAt:    now,
		UpdatedAt:    now,
	}

	var requests []*ApprovalRequest
	for _, tmpl := range wave {
		approvers, err := e.resolver.Resolve(ctx, tmpl, entCtx)
		if err != nil {
			if tmpl.Optional && apperrors.IsCode(err, apperrors.ErrCodeUnresolvable) {
				e.log.Warn().
					Str("definition_id", def.ID).
					Int("step_order", tmpl.StepOrder).
					Msg("optional step has no resolvable approver; step skipped")
				continue
			}
			return nil, err
		}
		for _, approver := range approvers {
			requests = append(requests, newRequest(tmpl, approver, now))
		}
	}
	if len(requests) == 0 {
		return nil, apperrors.New(apperrors.ErrCodeUnresolvable, "no approver resolvable for any step")
	}

	err = e.store.InTransaction(ctx, func(q Querier) error {
		active, err := q.GetActiveInstanceByEntity(ctx, entityType, entityID)
		if err != nil {
			return err
		}
		if active != nil {
			return apperrors.Newf(apperrors.ErrCodeConflict,
				"entity %s/%s already has an active approval workflow", entityType, entityID)
		}

		if err := q.CreateInstance(ctx, inst); err != nil {
			return err
		}
		for _, req := range requests {
			req.InstanceID = inst.ID
			if err := q.CreateRequest(ctx, req); err != nil {
				return err
			}
		}
		return e.recorder.Append(ctx, q, &HistoryEntry{
			InstanceID: inst.ID,
			Kind:       EventStarted,
			Actor:      initiator,
			Comment:    notes,
			RecordedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.InstancesStarted.WithLabelValues(string(entityType)).Inc()
	e.log.Info().
		Str("instance_id", inst.ID).
		Str("definition_id", def.ID).
		Str("entity_type", string(entityType)).
		Str("entity_id", entityID).
		Int("requests", len(requests)).
		Msg("workflow started")

	e.notifier.Notify(ctx, Notification{
		EventType:  NotifyWorkflowStarted,
		InstanceID: inst.ID,
		EntityType: entityType,
		EntityID:   entityID,
		Actor:      initiator,
		Recipients: []string{initiator},
	})
	e.notifyApprovalRequired(ctx, inst, requests)

	return inst, nil
}

// ── Decide ────────────────────────────────────────────────────────────────────

// Decide applies a human approve/reject decision to a pending request and
// transitions the owning instance according to its topology. Only the
// assigned approver may act; administrators bypass that check.
func (e *Engine) Decide(ctx context.Context, requestID, approver string, decision Decision, comment *string) (*Instance, error) {
	if decision != DecisionApprove && decision != DecisionReject {
		return nil, apperrors.InvalidInput("decision", fmt.Sprintf("unrecognized decision %q", decision))
	}
	if approver == "" {
		return nil, apperrors.InvalidInput("approver", "approver identity is required")
	}

	req, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Approver != approver {
		admin, err := e.directory.IsAdministrator(ctx, approver)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "administrator check failed")
		}
		if !admin {
			return nil, apperrors.Newf(apperrors.ErrCodeUnauthorized,
				"%s is not the assigned approver for this request", approver)
		}
	}

	kind := EventApproved
	if decision == DecisionReject {
		kind = EventRejected
	}
	inst, err := e.apply(ctx, requestID, approver, decision, comment, kind)
	if err != nil {
		return inst, err
	}

	metrics.Decisions.WithLabelValues(string(kind)).Inc()
	return inst, nil
}

// ── Cancel ────────────────────────────────────────────────────────────────────

// Cancel is an administrative override that terminates a pending instance
// regardless of topology or current step. Pending requests are skipped.
func (e *Engine) Cancel(ctx context.Context, instanceID, cancelledBy string, reason *string) (*Instance, error) {
	if cancelledBy == "" {
		return nil, apperrors.InvalidInput("cancelled_by", "canceller identity is required")
	}

	var inst *Instance
	err := e.store.InTransaction(ctx, func(q Querier) error {
		var err error
		inst, err = q.GetInstanceForUpdate(ctx, instanceID)
		if err != nil {
			return err
		}
		if inst.Status.Terminal() {
			return apperrors.Newf(apperrors.ErrCodeConflict,
				"instance is already %s", inst.Status)
		}

		if _, err := q.SkipPendingRequests(ctx, instanceID); err != nil {
			return err
		}
		now := e.now()
		if err := q.UpdateInstanceStatus(ctx, instanceID, InstanceCancelled, &now); err != nil {
			return err
		}
		inst.Status = InstanceCancelled
		inst.CompletedAt = &now

		return e.recorder.Append(ctx, q, &HistoryEntry{
			InstanceID: instanceID,
			Kind:       EventCancelled,
			Actor:      cancelledBy,
			Comment:    reason,
			RecordedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.Decisions.WithLabelValues(string(EventCancelled)).Inc()
	metrics.InstancesCompleted.WithLabelValues(string(InstanceCancelled)).Inc()
	e.log.Info().
		Str("instance_id", instanceID).
		Str("cancelled_by", cancelledBy).
		Msg("workflow cancelled")

	e.notifier.Notify(ctx, Notification{
		EventType:  NotifyWorkflowCancelled,
		InstanceID: inst.ID,
		EntityType: inst.EntityType,
		EntityID:   inst.EntityID,
		Actor:      cancelledBy,
		Recipients: []string{inst.Initiator},
	})
	return inst, nil
}

// ── ApplyTimeout ──────────────────────────────────────────────────────────────

// ApplyTimeout auto-approves a request whose configured timeout has elapsed.
// It is a safe no-op when the request is already decided, has no timeout, or
// the timeout has not yet elapsed, so duplicate scheduler ticks and races
// with human decisions converge on the same end state.
func (e *Engine) ApplyTimeout(ctx context.Context, requestID string) error {
	req, err := e.store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Status.Terminal() || req.AutoApproveAfterHours == nil {
		return nil
	}
	deadline := req.CreatedAt.Add(time.Duration(*req.AutoApproveAfterHours) * time.Hour)
	if e.now().Before(deadline) {
		return nil
	}

	comment := fmt.Sprintf("auto-approved after %dh without a decision", *req.AutoApproveAfterHours)
	inst, err := e.apply(ctx, requestID, SystemActor, DecisionApprove, &comment, EventAutoApproved)
	if err != nil {
		// A human decision or cancellation committed first.
		if apperrors.IsCode(err, apperrors.ErrCodeConflict) {
			return nil
		}
		return err
	}

	metrics.Decisions.WithLabelValues(string(EventAutoApproved)).Inc()
	e.log.Info().
		Str("request_id", requestID).
		Str("instance_id", req.InstanceID).
		Msg("request auto-approved on timeout")

	e.notifier.Notify(ctx, Notification{
		EventType:  NotifyAutoApproved,
		InstanceID: inst.ID,
		RequestID:  requestID,
		EntityType: inst.EntityType,
		EntityID:   inst.EntityID,
		Actor:      SystemActor,
		Recipients: []string{req.Approver, inst.Initiator},
	})
	return nil
}

// ── Decision application ──────────────────────────────────────────────────────

// apply is the single transactional decision path shared by human decisions
// and scheduler-driven timeouts; kind distinguishes the two in history.
func (e *Engine) apply(ctx context.Context, requestID, actor string, decision Decision, comment *string, kind EventKind) (*Instance, error) {
	var (
		inst          *Instance
		notifications []Notification
		resolveErr    error
	)

	err := e.store.InTransaction(ctx, func(q Querier) error {
		req, err := q.GetRequestForUpdate(ctx, requestID)
		if err != nil {
			return err
		}
		if req.Status.Terminal() {
			return apperrors.Newf(apperrors.ErrCodeConflict,
				"request is already %s", req.Status)
		}

		inst, err = q.GetInstanceForUpdate(ctx, req.InstanceID)
		if err != nil {
			return err
		}
		if inst.Status.Terminal() {
			return apperrors.Newf(apperrors.ErrCodeConflict,
				"instance is already %s", inst.Status)
		}

		now := e.now()

		if decision == DecisionReject {
			notifications, err = e.applyReject(ctx, q, inst, req, actor, comment, now)
			return err
		}

		if err := q.SetRequestDecision(ctx, req.ID, RequestApproved, comment, now); err != nil {
			return err
		}
		if err := e.recorder.Append(ctx, q, &HistoryEntry{
			InstanceID: inst.ID,
			RequestID:  &req.ID,
			Kind:       kind,
			Actor:      actor,
			Comment:    comment,
			RecordedAt: now,
		}); err != nil {
			return err
		}

		def, err := q.GetDefinition(ctx, inst.DefinitionID)
		if err != nil {
			return err
		}

		switch def.Topology {
		case TopologyAnyOne:
			notifications, err = e.completeInstance(ctx, q, inst, actor, now, true)
			return err

		case TopologyParallel:
			reqs, err := q.ListRequestsByInstance(ctx, inst.ID)
			if err != nil {
				return err
			}
			if allRequiredApproved(reqs) {
				notifications, err = e.completeInstance(ctx, q, inst, actor, now, false)
				return err
			}
			return nil

		case TopologySequential:
			notifications, resolveErr, err = e.advanceSequential(ctx, q, inst, req, actor, now)
			return err

		default:
			return apperrors.Newf(apperrors.ErrCodeInternal, "unhandled topology %q", def.Topology)
		}
	})
	if err != nil {
		return nil, err
	}

	e.notify(ctx, notifications)

	// Surfaced after commit: the approval itself stands, but the next step
	// could not be activated and needs operator intervention.
	if resolveErr != nil {
		e.log.Error().
			Str("instance_id", inst.ID).
			Err(resolveErr).
			Msg("next step has no resolvable approver; instance left pending")
		return inst, resolveErr
	}
	return inst, nil
}

// applyReject terminates the whole instance. Rejection is terminal regardless
// of topology; there is no partial-reject-and-continue.
func (e *Engine) applyReject(ctx context.Context, q Querier, inst *Instance, req *ApprovalRequest, actor string, comment *string, now time.Time) ([]Notification, error) {
	if err := q.SetRequestDecision(ctx, req.ID, RequestRejected, comment, now); err != nil {
		return nil, err
	}
	if _, err := q.SkipPendingRequests(ctx, inst.ID); err != nil {
		return nil, err
	}
	if err := q.UpdateInstanceStatus(ctx, inst.ID, InstanceRejected, &now); err != nil {
		return nil, err
	}
	inst.Status = InstanceRejected
	inst.CompletedAt = &now

	if err := e.recorder.Append(ctx, q, &HistoryEntry{
		InstanceID: inst.ID,
		RequestID:  &req.ID,
		Kind:       EventRejected,
		Actor:      actor,
		Comment:    comment,
		RecordedAt: now,
	}); err != nil {
		return nil, err
	}

	metrics.InstancesCompleted.WithLabelValues(string(InstanceRejected)).Inc()
	return []Notification{{
		EventType:  NotifyWorkflowRejected,
		InstanceID: inst.ID,
		RequestID:  req.ID,
		EntityType: inst.EntityType,
		EntityID:   inst.EntityID,
		Actor:      actor,
		Recipients: []string{inst.Initiator},
	}}, nil
}

// completeInstance transitions a pending instance to approved. When
// skipSiblings is set (any_one), every other pending request is skipped.
func (e *Engine) completeInstance(ctx context.Context, q Querier, inst *Instance, actor string, now time.Time, skipSiblings bool) ([]Notification, error) {
	if skipSiblings {
		if _, err := q.SkipPendingRequests(ctx, inst.ID); err != nil {
			return nil, err
		}
	}
	if err := q.UpdateInstanceStatus(ctx, inst.ID, InstanceApproved, &now); err != nil {
		return nil, err
	}
	inst.Status = InstanceApproved
	inst.CompletedAt = &now

	metrics.InstancesCompleted.WithLabelValues(string(InstanceApproved)).Inc()
	return []Notification{{
		EventType:  NotifyWorkflowApproved,
		InstanceID: inst.ID,
		EntityType: inst.EntityType,
		EntityID:   inst.EntityID,
		Actor:      actor,
		Recipients: []string{inst.Initiator},
	}}, nil
}

// advanceSequential checks whether the just-approved request completes its
// wave and, if so, activates the next step order or completes the instance.
// An unresolvable required next step is returned as resolveErr so the caller
// can surface it after the approval itself commits.
func (e *Engine) advanceSequential(ctx context.Context, q Querier, inst *Instance, req *ApprovalRequest, actor string, now time.Time) (notifications []Notification, resolveErr error, err error) {
	reqs, err := q.ListRequestsByInstance(ctx, inst.ID)
	if err != nil {
		return nil, nil, err
	}

	for _, r := range reqs {
		// Wave still awaiting required approvals.
		if r.StepOrder == req.StepOrder && !r.Optional && r.Status == RequestPending {
			return nil, nil, nil
		}
		// A later wave is already active; this was a stale optional approval.
		if r.StepOrder > req.StepOrder {
			return nil, nil, nil
		}
	}

	templates, err := q.ListStepTemplates(ctx, inst.DefinitionID)
	if err != nil {
		return nil, nil, err
	}

	var entCtx *EntityContext
	for order := nextStepOrder(templates, req.StepOrder); order > 0; order = nextStepOrder(templates, order) {
		tmpl := templatesAtOrder(templates, order)[0]

		if entCtx == nil && tmpl.ApproverKind == ApproverDynamic {
			entCtx, err = e.directory.EntityContext(ctx, inst.EntityType, inst.EntityID)
			if err != nil {
				return nil, nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "fetch entity context")
			}
		}

		approvers, rerr := e.resolver.Resolve(ctx, tmpl, entCtx)
		if rerr != nil {
			if tmpl.Optional && apperrors.IsCode(rerr, apperrors.ErrCodeUnresolvable) {
				continue // optional steps never block
			}
			resolveErr = apperrors.Newf(apperrors.ErrCodeUnresolvable,
				"no approver for step %d of instance %s", order, inst.ID)
			return nil, resolveErr, nil
		}

		var created []*ApprovalRequest
		for _, approver := range approvers {
			nr := newRequest(tmpl, approver, now)
			nr.InstanceID = inst.ID
			if err := q.CreateRequest(ctx, nr); err != nil {
				return nil, nil, err
			}
			created = append(created, nr)
		}
		for _, nr := range created {
			notifications = append(notifications, Notification{
				EventType:  NotifyApprovalRequired,
				InstanceID: inst.ID,
				RequestID:  nr.ID,
				EntityType: inst.EntityType,
				EntityID:   inst.EntityID,
				Actor:      actor,
				Recipients: []string{nr.Approver},
			})
		}
		return notifications, nil, nil
	}

	// No further steps: the instance is fully approved.
	notifications, err = e.completeInstance(ctx, q, inst, actor, now, false)
	return notifications, nil, err
}

// ── Queries ───────────────────────────────────────────────────────────────────

// GetInstance returns an instance by id.
func (e *Engine) GetInstance(ctx context.Context, id string) (*Instance, error) {
	return e.store.GetInstance(ctx, id)
}

// GetInstanceByEntity returns the most recent instance for an entity.
func (e *Engine) GetInstanceByEntity(ctx context.Context, entityType EntityType, entityID string) (*Instance, error) {
	if !entityType.Valid() {
		return nil, apperrors.InvalidInput("entity_type", fmt.Sprintf("unrecognized entity type %q", entityType))
	}
	inst, err := e.store.GetLatestInstanceByEntity(ctx, entityType, entityID)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, apperrors.NotFound("workflow instance for entity", fmt.Sprintf("%s/%s", entityType, entityID))
	}
	return inst, nil
}

// ListRequests returns all requests for an instance.
func (e *Engine) ListRequests(ctx context.Context, instanceID string) ([]*ApprovalRequest, error) {
	if _, err := e.store.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	return e.store.ListRequestsByInstance(ctx, instanceID)
}

// ListHistory returns the audit trail for an instance, oldest first.
func (e *Engine) ListHistory(ctx context.Context, instanceID string) ([]*HistoryEntry, error) {
	if _, err := e.store.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	return e.recorder.ListByInstance(ctx, e.store, instanceID)
}

// ListPendingForApprover returns the approver's open work queue.
func (e *Engine) ListPendingForApprover(ctx context.Context, approver string) ([]*ApprovalRequest, error) {
	if approver == "" {
		return nil, apperrors.InvalidInput("approver", "approver identity is required")
	}
	return e.store.ListPendingForApprover(ctx, approver)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// entityContextFor fetches entity context only when the wave actually
// contains a dynamic specifier.
func (e *Engine) entityContextFor(ctx context.Context, wave []*StepTemplate, entityType EntityType, entityID string) (*EntityContext, error) {
	for _, tmpl := range wave {
		if tmpl.ApproverKind == ApproverDynamic {
			entCtx, err := e.directory.EntityContext(ctx, entityType, entityID)
			if err != nil {
				return nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "fetch entity context")
			}
			return entCtx, nil
		}
	}
	return nil, nil
}

func (e *Engine) notifyApprovalRequired(ctx context.Context, inst *Instance, requests []*ApprovalRequest) {
	for _, req := range requests {
		e.notifier.Notify(ctx, Notification{
			EventType:  NotifyApprovalRequired,
			InstanceID: inst.ID,
			RequestID:  req.ID,
			EntityType: inst.EntityType,
			EntityID:   inst.EntityID,
			Actor:      inst.Initiator,
			Recipients: []string{req.Approver},
		})
	}
}

func (e *Engine) notify(ctx context.Context, ns []Notification) {
	for _, n := range ns {
		e.notifier.Notify(ctx, n)
	}
}

func newRequest(tmpl *StepTemplate, approver string, now time.Time) *ApprovalRequest {
	return &ApprovalRequest{
		StepOrder:             tmpl.StepOrder,
		Approver:              approver,
		Optional:              tmpl.Optional,
		Status:                RequestPending,
		AutoApproveAfterHours: tmpl.AutoApproveAfterHours,
		EscalateAfterHours:    tmpl.EscalateAfterHours,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
}

// templatesAtOrder returns the templates declared at one step order.
func templatesAtOrder(templates []*StepTemplate, order int) []*StepTemplate {
	var out []*StepTemplate
	for _, t := range templates {
		if t.StepOrder == order {
			out = append(out, t)
		}
	}
	return out
}

// nextStepOrder returns the smallest step order greater than after, or 0 when
// none exists.
func nextStepOrder(templates []*StepTemplate, after int) int {
	orders := make([]int, 0, len(templates))
	for _, t := range templates {
		if t.StepOrder > after {
			orders = append(orders, t.StepOrder)
		}
	}
	if len(orders) == 0 {
		return 0
	}
	sort.Ints(orders)
	return orders[0]
}

// allRequiredApproved reports whether every non-optional request is approved.
func allRequiredApproved(reqs []*ApprovalRequest) bool {
	for _, r := range reqs {
		if !r.Optional && r.Status != RequestApproved {
			return false
		}
	}
	return true
}
