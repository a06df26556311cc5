// Package memory provides an in-memory workflow.Store for tests and local
// development. A single mutex serializes all access; transactions snapshot
// the data set and restore it on error, so failed transactions leave no
// partial writes, matching the postgres store's atomicity contract.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-approvals/internal/apperrors"
	"github.com/pesio-ai/be-approvals/internal/workflow"
)

// Store is an in-memory implementation of workflow.Store.
type Store struct {
	mu   sync.Mutex
	data *dataset
}

// dataset holds all records. It implements workflow.Querier without locking;
// Store wraps every call in the mutex.
type dataset struct {
	definitions map[string]*workflow.Definition
	steps       map[string]*workflow.StepTemplate
	instances   map[string]*workflow.Instance
	requests    map[string]*workflow.ApprovalRequest
	history     []*workflow.HistoryEntry
	seq         int64
}

// New creates an empty Store.
func New() *Store {
	return &Store{data: newDataset()}
}

func newDataset() *dataset {
	return &dataset{
		definitions: make(map[string]*workflow.Definition),
		steps:       make(map[string]*workflow.StepTemplate),
		instances:   make(map[string]*workflow.Instance),
		requests:    make(map[string]*workflow.ApprovalRequest),
	}
}

// InTransaction implements workflow.Store. The snapshot-restore keeps failed
// transactions invisible.
func (s *Store) InTransaction(ctx context.Context, fn func(q workflow.Querier) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.data.clone()
	if err := fn(s.data); err != nil {
		s.data = snapshot
		return err
	}
	return nil
}

// ── locked delegation ─────────────────────────────────────────────────────────

func (s *Store) CreateDefinition(ctx context.Context, def *workflow.Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.CreateDefinition(ctx, def)
}

func (s *Store) GetDefinition(ctx context.Context, id string) (*workflow.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.GetDefinition(ctx, id)
}

func (s *Store) ListDefinitionsByEntityType(ctx context.Context, entityType workflow.EntityType) ([]*workflow.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.ListDefinitionsByEntityType(ctx, entityType)
}

func (s *Store) DefaultDefinition(ctx context.Context, entityType workflow.EntityType) (*workflow.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.DefaultDefinition(ctx, entityType)
}

func (s *Store) DemoteDefaults(ctx context.Context, entityType workflow.EntityType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.DemoteDefaults(ctx, entityType)
}

func (s *Store) SetDefinitionDeprecated(ctx context.Context, id string, deprecated bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.SetDefinitionDeprecated(ctx, id, deprecated)
}

func (s *Store) CreateStepTemplate(ctx context.Context, step *workflow.StepTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.CreateStepTemplate(ctx, step)
}

func (s *Store) ListStepTemplates(ctx context.Context, definitionID string) ([]*workflow.StepTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.ListStepTemplates(ctx, definitionID)
}

func (s *Store) CreateInstance(ctx context.Context, inst *workflow.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.CreateInstance(ctx, inst)
}

func (s *Store) GetInstance(ctx context.Context, id string) (*workflow.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.GetInstance(ctx, id)
}

func (s *Store) GetInstanceForUpdate(ctx context.Context, id string) (*workflow.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.GetInstanceForUpdate(ctx, id)
}

func (s *Store) GetActiveInstanceByEntity(ctx context.Context, entityType workflow.EntityType, entityID string) (*workflow.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.GetActiveInstanceByEntity(ctx, entityType, entityID)
}

func (s *Store) GetLatestInstanceByEntity(ctx context.Context, entityType workflow.EntityType, entityID string) (*workflow.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.GetLatestInstanceByEntity(ctx, entityType, entityID)
}

func (s *Store) UpdateInstanceStatus(ctx context.Context, id string, status workflow.InstanceStatus, completedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.UpdateInstanceStatus(ctx, id, status, completedAt)
}

func (s *Store) DefinitionHasInstances(ctx context.Context, definitionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.DefinitionHasInstances(ctx, definitionID)
}

func (s *Store) CreateRequest(ctx context.Context, req *workflow.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.CreateRequest(ctx, req)
}

func (s *Store) GetRequest(ctx context.Context, id string) (*workflow.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.GetRequest(ctx, id)
}

func (s *Store) GetRequestForUpdate(ctx context.Context, id string) (*workflow.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.GetRequestForUpdate(ctx, id)
}

func (s *Store) ListRequestsByInstance(ctx context.Context, instanceID string) ([]*workflow.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.ListRequestsByInstance(ctx, instanceID)
}

func (s *Store) ListPendingForApprover(ctx context.Context, approver string) ([]*workflow.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.ListPendingForApprover(ctx, approver)
}

func (s *Store) SetRequestDecision(ctx context.Context, id string, status workflow.RequestStatus, comment *string, decidedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.SetRequestDecision(ctx, id, status, comment, decidedAt)
}

func (s *Store) SkipPendingRequests(ctx context.Context, instanceID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.SkipPendingRequests(ctx, instanceID)
}

func (s *Store) MarkRequestEscalated(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.MarkRequestEscalated(ctx, id, at)
}

func (s *Store) ListTimeoutCandidates(ctx context.Context) ([]*workflow.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.ListTimeoutCandidates(ctx)
}

func (s *Store) AppendHistory(ctx context.Context, entry *workflow.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.AppendHistory(ctx, entry)
}

func (s *Store) ListHistoryByInstance(ctx context.Context, instanceID string) ([]*workflow.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.ListHistoryByInstance(ctx, instanceID)
}

// ── dataset: definitions ──────────────────────────────────────────────────────

func (d *dataset) CreateDefinition(_ context.Context, def *workflow.Definition) error {
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	now := time.Now()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now
	d.definitions[def.ID] = copyDefinition(def)
	return nil
}

func (d *dataset) GetDefinition(_ context.Context, id string) (*workflow.Definition, error) {
	def, ok := d.definitions[id]
	if !ok {
		return nil, apperrors.NotFound("approval_definition", id)
	}
	return copyDefinition(def), nil
}

func (d *dataset) ListDefinitionsByEntityType(_ context.Context, entityType workflow.EntityType) ([]*workflow.Definition, error) {
	var out []*workflow.Definition
	for _, def := range d.definitions {
		if def.EntityType == entityType {
			out = append(out, copyDefinition(def))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (d *dataset) DefaultDefinition(_ context.Context, entityType workflow.EntityType) (*workflow.Definition, error) {
	for _, def := range d.definitions {
		if def.EntityType == entityType && def.IsDefault && !def.IsDeprecated {
			return copyDefinition(def), nil
		}
	}
	return nil, nil
}

func (d *dataset) DemoteDefaults(_ context.Context, entityType workflow.EntityType) error {
	for _, def := range d.definitions {
		if def.EntityType == entityType {
			def.IsDefault = false
		}
	}
	return nil
}

func (d *dataset) SetDefinitionDeprecated(_ context.Context, id string, deprecated bool) error {
	def, ok := d.definitions[id]
	if !ok {
		return apperrors.NotFound("approval_definition", id)
	}
	def.IsDeprecated = deprecated
	def.UpdatedAt = time.Now()
	return nil
}

// ── dataset: step templates ───────────────────────────────────────────────────

func (d *dataset) CreateStepTemplate(_ context.Context, step *workflow.StepTemplate) error {
	if _, ok := d.definitions[step.DefinitionID]; !ok {
		return apperrors.NotFound("approval_definition", step.DefinitionID)
	}
	if step.ID == "" {
		step.ID = uuid.NewString()
	}
	if step.CreatedAt.IsZero() {
		step.CreatedAt = time.Now()
	}
	d.steps[step.ID] = copyStep(step)
	return nil
}

func (d *dataset) ListStepTemplates(_ context.Context, definitionID string) ([]*workflow.StepTemplate, error) {
	var out []*workflow.StepTemplate
	for _, s := range d.steps {
		if s.DefinitionID == definitionID {
			out = append(out, copyStep(s))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StepOrder != out[j].StepOrder {
			return out[i].StepOrder < out[j].StepOrder
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ── dataset: instances ────────────────────────────────────────────────────────

func (d *dataset) CreateInstance(_ context.Context, inst *workflow.Instance) error {
	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}
	d.instances[inst.ID] = copyInstance(inst)
	return nil
}

func (d *dataset) GetInstance(_ context.Context, id string) (*workflow.Instance, error) {
	inst, ok := d.instances[id]
	if !ok {
		return nil, apperrors.NotFound("workflow_instance", id)
	}
	return copyInstance(inst), nil
}

// GetInstanceForUpdate is identical to GetInstance here: the store mutex
// already serializes transactions.
func (d *dataset) GetInstanceForUpdate(ctx context.Context, id string) (*workflow.Instance, error) {
	return d.GetInstance(ctx, id)
}

func (d *dataset) GetActiveInstanceByEntity(_ context.Context, entityType workflow.EntityType, entityID string) (*workflow.Instance, error) {
	for _, inst := range d.instances {
		if inst.EntityType == entityType && inst.EntityID == entityID && inst.Status == workflow.InstancePending {
			return copyInstance(inst), nil
		}
	}
	return nil, nil
}

func (d *dataset) GetLatestInstanceByEntity(_ context.Context, entityType workflow.EntityType, entityID string) (*workflow.Instance, error) {
	var latest *workflow.Instance
	for _, inst := range d.instances {
		if inst.EntityType != entityType || inst.EntityID != entityID {
			continue
		}
		if latest == nil || inst.StartedAt.After(latest.StartedAt) {
			latest = inst
		}
	}
	if latest == nil {
		return nil, nil
	}
	return copyInstance(latest), nil
}

func (d *dataset) UpdateInstanceStatus(_ context.Context, id string, status workflow.InstanceStatus, completedAt *time.Time) error {
	inst, ok := d.instances[id]
	if !ok {
		return apperrors.NotFound("workflow_instance", id)
	}
	inst.Status = status
	inst.CompletedAt = copyTimePtr(completedAt)
	inst.UpdatedAt = time.Now()
	return nil
}

func (d *dataset) DefinitionHasInstances(_ context.Context, definitionID string) (bool, error) {
	for _, inst := range d.instances {
		if inst.DefinitionID == definitionID {
			return true, nil
		}
	}
	return false, nil
}

// ── dataset: requests ─────────────────────────────────────────────────────────

func (d *dataset) CreateRequest(_ context.Context, req *workflow.ApprovalRequest) error {
	if _, ok := d.instances[req.InstanceID]; !ok {
		return apperrors.NotFound("workflow_instance", req.InstanceID)
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	d.requests[req.ID] = copyRequest(req)
	return nil
}

func (d *dataset) GetRequest(_ context.Context, id string) (*workflow.ApprovalRequest, error) {
	req, ok := d.requests[id]
	if !ok {
		return nil, apperrors.NotFound("approval_request", id)
	}
	return copyRequest(req), nil
}

func (d *dataset) GetRequestForUpdate(ctx context.Context, id string) (*workflow.ApprovalRequest, error) {
	return d.GetRequest(ctx, id)
}

func (d *dataset) ListRequestsByInstance(_ context.Context, instanceID string) ([]*workflow.ApprovalRequest, error) {
	var out []*workflow.ApprovalRequest
	for _, req := range d.requests {
		if req.InstanceID == instanceID {
			out = append(out, copyRequest(req))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StepOrder != out[j].StepOrder {
			return out[i].StepOrder < out[j].StepOrder
		}
		return out[i].Approver < out[j].Approver
	})
	return out, nil
}

func (d *dataset) ListPendingForApprover(_ context.Context, approver string) ([]*workflow.ApprovalRequest, error) {
	var out []*workflow.ApprovalRequest
	for _, req := range d.requests {
		if req.Approver != approver || req.Status != workflow.RequestPending {
			continue
		}
		inst, ok := d.instances[req.InstanceID]
		if !ok || inst.Status != workflow.InstancePending {
			continue
		}
		out = append(out, copyRequest(req))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (d *dataset) SetRequestDecision(_ context.Context, id string, status workflow.RequestStatus, comment *string, decidedAt time.Time) error {
	req, ok := d.requests[id]
	if !ok {
		return apperrors.NotFound("approval_request", id)
	}
	req.Status = status
	req.Comment = copyStrPtr(comment)
	req.DecidedAt = &decidedAt
	req.UpdatedAt = decidedAt
	return nil
}

func (d *dataset) SkipPendingRequests(_ context.Context, instanceID string) (int, error) {
	var n int
	now := time.Now()
	for _, req := range d.requests {
		if req.InstanceID == instanceID && req.Status == workflow.RequestPending {
			req.Status = workflow.RequestSkipped
			req.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (d *dataset) MarkRequestEscalated(_ context.Context, id string, at time.Time) error {
	req, ok := d.requests[id]
	if !ok {
		return apperrors.NotFound("approval_request", id)
	}
	req.EscalatedAt = &at
	req.UpdatedAt = at
	return nil
}

func (d *dataset) ListTimeoutCandidates(_ context.Context) ([]*workflow.ApprovalRequest, error) {
	var out []*workflow.ApprovalRequest
	for _, req := range d.requests {
		if req.Status != workflow.RequestPending {
			continue
		}
		if req.AutoApproveAfterHours == nil && (req.EscalateAfterHours == nil || req.EscalatedAt != nil) {
			continue
		}
		inst, ok := d.instances[req.InstanceID]
		if !ok || inst.Status != workflow.InstancePending {
			continue
		}
		out = append(out, copyRequest(req))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ── dataset: history ──────────────────────────────────────────────────────────

func (d *dataset) AppendHistory(_ context.Context, entry *workflow.HistoryEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	d.seq++
	entry.Seq = d.seq
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = time.Now()
	}
	d.history = append(d.history, copyHistory(entry))
	return nil
}

func (d *dataset) ListHistoryByInstance(_ context.Context, instanceID string) ([]*workflow.HistoryEntry, error) {
	var out []*workflow.HistoryEntry
	for _, entry := range d.history {
		if entry.InstanceID == instanceID {
			out = append(out, copyHistory(entry))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RecordedAt.Equal(out[j].RecordedAt) {
			return out[i].RecordedAt.Before(out[j].RecordedAt)
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

// ── copies ────────────────────────────────────────────────────────────────────

func (d *dataset) clone() *dataset {
	c := newDataset()
	for id, def := range d.definitions {
		c.definitions[id] = copyDefinition(def)
	}
	for id, s := range d.steps {
		c.steps[id] = copyStep(s)
	}
	for id, inst := range d.instances {
		c.instances[id] = copyInstance(inst)
	}
	for id, req := range d.requests {
		c.requests[id] = copyRequest(req)
	}
	c.history = make([]*workflow.HistoryEntry, len(d.history))
	for i, entry := range d.history {
		c.history[i] = copyHistory(entry)
	}
	c.seq = d.seq
	return c
}

func copyDefinition(def *workflow.Definition) *workflow.Definition {
	c := *def
	c.Description = copyStrPtr(def.Description)
	return &c
}

func copyStep(s *workflow.StepTemplate) *workflow.StepTemplate {
	c := *s
	c.AutoApproveAfterHours = copyIntPtr(s.AutoApproveAfterHours)
	c.EscalateAfterHours = copyIntPtr(s.EscalateAfterHours)
	return &c
}

func copyInstance(inst *workflow.Instance) *workflow.Instance {
	c := *inst
	c.Notes = copyStrPtr(inst.Notes)
	c.CompletedAt = copyTimePtr(inst.CompletedAt)
	return &c
}

func copyRequest(req *workflow.ApprovalRequest) *workflow.ApprovalRequest {
	c := *req
	c.Comment = copyStrPtr(req.Comment)
	c.AutoApproveAfterHours = copyIntPtr(req.AutoApproveAfterHours)
	c.EscalateAfterHours = copyIntPtr(req.EscalateAfterHours)
	c.EscalatedAt = copyTimePtr(req.EscalatedAt)
	c.DecidedAt = copyTimePtr(req.DecidedAt)
	return &c
}

func copyHistory(entry *workflow.HistoryEntry) *workflow.HistoryEntry {
	c := *entry
	c.RequestID = copyStrPtr(entry.RequestID)
	c.Comment = copyStrPtr(entry.Comment)
	return &c
}

func copyStrPtr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func copyIntPtr(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func copyTimePtr(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
