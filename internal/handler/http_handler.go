package handler

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-approvals/internal/apperrors"
	"github.com/pesio-ai/be-approvals/internal/workflow"
)

// HTTPHandler exposes the approval engine over HTTP. Routing, auth, and
// validation of transport concerns live here; all workflow semantics live in
// the catalog and engine.
type HTTPHandler struct {
	catalog *workflow.Catalog
	engine  *workflow.Engine
	log     zerolog.Logger
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(catalog *workflow.Catalog, engine *workflow.Engine, log zerolog.Logger) *HTTPHandler {
	return &HTTPHandler{
		catalog: catalog,
		engine:  engine,
		log:     log,
	}
}

// ── definitions ───────────────────────────────────────────────────────────────

// CreateDefinitionRequest is the create-definition payload.
type CreateDefinitionRequest struct {
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
	EntityType  string  `json:"entity_type"`
	Topology    string  `json:"topology"`
	IsDefault   bool    `json:"is_default"`
}

// CreateDefinition handles POST /api/v1/approvals/definitions.
func (h *HTTPHandler) CreateDefinition(w http.ResponseWriter, r *http.Request) {
	var req CreateDefinitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	def := &workflow.Definition{
		Name:        req.Name,
		Description: req.Description,
		EntityType:  workflow.EntityType(req.EntityType),
		Topology:    workflow.Topology(req.Topology),
		IsDefault:   req.IsDefault,
	}
	if err := h.catalog.CreateDefinition(r.Context(), def); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, def)
}

// AddStepRequest is the add-step payload.
type AddStepRequest struct {
	DefinitionID          string `json:"definition_id"`
	StepOrder             int    `json:"step_order"`
	ApproverKind          string `json:"approver_kind"`
	ApproverValue         string `json:"approver_value"`
	Optional              bool   `json:"optional"`
	AutoApproveAfterHours *int   `json:"auto_approve_after_hours,omitempty"`
	EscalateAfterHours    *int   `json:"escalate_after_hours,omitempty"`
}

// AddStep handles POST /api/v1/approvals/definitions/steps.
func (h *HTTPHandler) AddStep(w http.ResponseWriter, r *http.Request) {
	var req AddStepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	step := &workflow.StepTemplate{
		DefinitionID:          req.DefinitionID,
		StepOrder:             req.StepOrder,
		ApproverKind:          workflow.ApproverKind(req.ApproverKind),
		ApproverValue:         req.ApproverValue,
		Optional:              req.Optional,
		AutoApproveAfterHours: req.AutoApproveAfterHours,
		EscalateAfterHours:    req.EscalateAfterHours,
	}
	if err := h.catalog.AddStep(r.Context(), step); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, step)
}

// GetDefinition handles GET /api/v1/approvals/definitions/get?id=&with_steps=true.
func (h *HTTPHandler) GetDefinition(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Definition ID is required", http.StatusBadRequest)
		return
	}

	if r.URL.Query().Get("with_steps") == "true" {
		def, err := h.catalog.GetWithSteps(r.Context(), id)
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, def)
		return
	}

	def, err := h.catalog.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, def)
}

// ListDefinitions handles GET /api/v1/approvals/definitions?entity_type=.
func (h *HTTPHandler) ListDefinitions(w http.ResponseWriter, r *http.Request) {
	entityType := r.URL.Query().Get("entity_type")
	if entityType == "" {
		http.Error(w, "Entity type is required", http.StatusBadRequest)
		return
	}

	defs, err := h.catalog.ListByEntityType(r.Context(), workflow.EntityType(entityType))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"definitions": defs})
}

// DeprecateDefinition handles POST /api/v1/approvals/definitions/deprecate.
func (h *HTTPHandler) DeprecateDefinition(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.catalog.Deprecate(r.Context(), req.ID); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "deprecated"})
}

// ── instances ─────────────────────────────────────────────────────────────────

// StartWorkflowRequest is the start-workflow payload.
type StartWorkflowRequest struct {
	DefinitionID string  `json:"definition_id"`
	EntityType   string  `json:"entity_type"`
	EntityID     string  `json:"entity_id"`
	Initiator    string  `json:"initiator"`
	Notes        *string `json:"notes,omitempty"`
}

// StartWorkflow handles POST /api/v1/approvals/start. When definition_id is
// omitted the entity type's default definition is used.
func (h *HTTPHandler) StartWorkflow(w http.ResponseWriter, r *http.Request) {
	var req StartWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.DefinitionID == "" {
		def, err := h.catalog.DefaultForEntityType(r.Context(), workflow.EntityType(req.EntityType))
		if err != nil {
			h.writeError(w, err)
			return
		}
		req.DefinitionID = def.ID
	}

	inst, err := h.engine.Start(r.Context(),
		req.DefinitionID,
		workflow.EntityType(req.EntityType),
		req.EntityID,
		req.Initiator,
		req.Notes,
	)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, inst)
}

// GetInstance handles GET /api/v1/approvals/instances/get with either
// ?id= or ?entity_type=&entity_id=.
func (h *HTTPHandler) GetInstance(w http.ResponseWriter, r *http.Request) {
	if id := r.URL.Query().Get("id"); id != "" {
		inst, err := h.engine.GetInstance(r.Context(), id)
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, inst)
		return
	}

	entityType := r.URL.Query().Get("entity_type")
	entityID := r.URL.Query().Get("entity_id")
	if entityType == "" || entityID == "" {
		http.Error(w, "Instance ID or entity type and entity ID are required", http.StatusBadRequest)
		return
	}

	inst, err := h.engine.GetInstanceByEntity(r.Context(), workflow.EntityType(entityType), entityID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, inst)
}

// ListRequests handles GET /api/v1/approvals/instances/requests?id=.
func (h *HTTPHandler) ListRequests(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Instance ID is required", http.StatusBadRequest)
		return
	}

	reqs, err := h.engine.ListRequests(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"requests": reqs})
}

// ListHistory handles GET /api/v1/approvals/instances/history?id=.
func (h *HTTPHandler) ListHistory(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Instance ID is required", http.StatusBadRequest)
		return
	}

	entries, err := h.engine.ListHistory(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"history": entries})
}

// ListPendingApprovals handles GET /api/v1/approvals/pending?approver=.
func (h *HTTPHandler) ListPendingApprovals(w http.ResponseWriter, r *http.Request) {
	approver := r.URL.Query().Get("approver")
	if approver == "" {
		http.Error(w, "Approver is required", http.StatusBadRequest)
		return
	}

	reqs, err := h.engine.ListPendingForApprover(r.Context(), approver)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"requests": reqs})
}

// ── decisions ─────────────────────────────────────────────────────────────────

// DecisionRequest is the approve/reject payload.
type DecisionRequest struct {
	RequestID string  `json:"request_id"`
	Approver  string  `json:"approver"`
	Comment   *string `json:"comment,omitempty"`
}

// ApproveRequest handles POST /api/v1/approvals/approve.
func (h *HTTPHandler) ApproveRequest(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, workflow.DecisionApprove)
}

// RejectRequest handles POST /api/v1/approvals/reject.
func (h *HTTPHandler) RejectRequest(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, workflow.DecisionReject)
}

func (h *HTTPHandler) decide(w http.ResponseWriter, r *http.Request, decision workflow.Decision) {
	var req DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	// TODO: derive the approver identity from the auth context once the
	// platform JWT middleware lands, instead of trusting the payload.
	inst, err := h.engine.Decide(r.Context(), req.RequestID, req.Approver, decision, req.Comment)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, inst)
}

// CancelWorkflowRequest is the cancel payload.
type CancelWorkflowRequest struct {
	InstanceID  string  `json:"instance_id"`
	CancelledBy string  `json:"cancelled_by"`
	Reason      *string `json:"reason,omitempty"`
}

// CancelWorkflow handles POST /api/v1/approvals/cancel.
func (h *HTTPHandler) CancelWorkflow(w http.ResponseWriter, r *http.Request) {
	var req CancelWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	inst, err := h.engine.Cancel(r.Context(), req.InstanceID, req.CancelledBy, req.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, inst)
}

// ── response helpers ──────────────────────────────────────────────────────────

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Warn().Err(err).Msg("failed to encode response body")
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("request failed")
	}
	h.writeJSON(w, status, map[string]string{
		"code":  apperrors.Code(err),
		"error": apperrors.Message(err),
	})
}
