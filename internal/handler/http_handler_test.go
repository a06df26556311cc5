package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-approvals/internal/client"
	"github.com/pesio-ai/be-approvals/internal/store/memory"
	"github.com/pesio-ai/be-approvals/internal/workflow"
)

func newTestHandler(dir workflow.Directory) (*HTTPHandler, *memory.Store) {
	store := memory.New()
	log := zerolog.Nop()
	catalog := workflow.NewCatalog(store, log)
	engine := workflow.NewEngine(store, workflow.NewStepResolver(dir), dir, log)
	return NewHTTPHandler(catalog, engine, log), store
}

func postJSON(t *testing.T, h http.HandlerFunc, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(buf))
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func getPath(h http.HandlerFunc, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

func TestDefinitionLifecycle(t *testing.T) {
	h, _ := newTestHandler(&client.StaticDirectory{})

	rec := postJSON(t, h.CreateDefinition, "/api/v1/approvals/definitions", CreateDefinitionRequest{
		Name:       "invoice sign-off",
		EntityType: "invoice",
		Topology:   "sequential",
		IsDefault:  true,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	def := decodeBody[workflow.Definition](t, rec)
	require.NotEmpty(t, def.ID)

	rec = postJSON(t, h.AddStep, "/api/v1/approvals/definitions/steps", AddStepRequest{
		DefinitionID:  def.ID,
		StepOrder:     1,
		ApproverKind:  "user",
		ApproverValue: "alice@corp.test",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = getPath(h.GetDefinition, "/api/v1/approvals/definitions/get?id="+def.ID+"&with_steps=true")
	require.Equal(t, http.StatusOK, rec.Code)
	withSteps := decodeBody[workflow.DefinitionWithSteps](t, rec)
	assert.Len(t, withSteps.Steps, 1)

	rec = getPath(h.ListDefinitions, "/api/v1/approvals/definitions?entity_type=invoice")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = postJSON(t, h.DeprecateDefinition, "/api/v1/approvals/definitions/deprecate", map[string]string{"id": def.ID})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = getPath(h.GetDefinition, "/api/v1/approvals/definitions/get?id="+def.ID)
	got := decodeBody[workflow.Definition](t, rec)
	assert.True(t, got.IsDeprecated)
}

func TestApprovalFlowOverHTTP(t *testing.T) {
	h, store := newTestHandler(&client.StaticDirectory{})
	ctx := context.Background()

	def := &workflow.Definition{Name: "contract sign-off", EntityType: workflow.EntityContract, Topology: workflow.TopologyAnyOne}
	require.NoError(t, store.CreateDefinition(ctx, def))
	require.NoError(t, store.CreateStepTemplate(ctx, &workflow.StepTemplate{
		DefinitionID: def.ID, StepOrder: 1,
		ApproverKind: workflow.ApproverUser, ApproverValue: "alice@corp.test",
	}))

	rec := postJSON(t, h.StartWorkflow, "/api/v1/approvals/start", StartWorkflowRequest{
		DefinitionID: def.ID,
		EntityType:   "contract",
		EntityID:     "ctr-1",
		Initiator:    "dana@corp.test",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	inst := decodeBody[workflow.Instance](t, rec)
	assert.Equal(t, workflow.InstancePending, inst.Status)

	rec = getPath(h.ListPendingApprovals, "/api/v1/approvals/pending?approver=alice@corp.test")
	require.Equal(t, http.StatusOK, rec.Code)
	pending := decodeBody[struct {
		Requests []*workflow.ApprovalRequest `json:"requests"`
	}](t, rec)
	require.Len(t, pending.Requests, 1)

	rec = postJSON(t, h.ApproveRequest, "/api/v1/approvals/approve", DecisionRequest{
		RequestID: pending.Requests[0].ID,
		Approver:  "alice@corp.test",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	approved := decodeBody[workflow.Instance](t, rec)
	assert.Equal(t, workflow.InstanceApproved, approved.Status)

	rec = getPath(h.ListHistory, "/api/v1/approvals/instances/history?id="+inst.ID)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decodeBody[struct {
		History []*workflow.HistoryEntry `json:"history"`
	}](t, rec)
	assert.Len(t, history.History, 2)

	rec = getPath(h.GetInstance, "/api/v1/approvals/instances/get?entity_type=contract&entity_id=ctr-1")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestStartFallsBackToDefaultDefinition(t *testing.T) {
	h, store := newTestHandler(&client.StaticDirectory{})
	ctx := context.Background()

	def := &workflow.Definition{Name: "invoice sign-off", EntityType: workflow.EntityInvoice, Topology: workflow.TopologySequential, IsDefault: true}
	require.NoError(t, store.CreateDefinition(ctx, def))
	require.NoError(t, store.CreateStepTemplate(ctx, &workflow.StepTemplate{
		DefinitionID: def.ID, StepOrder: 1,
		ApproverKind: workflow.ApproverUser, ApproverValue: "alice@corp.test",
	}))

	rec := postJSON(t, h.StartWorkflow, "/api/v1/approvals/start", StartWorkflowRequest{
		EntityType: "invoice",
		EntityID:   "inv-9",
		Initiator:  "dana@corp.test",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	inst := decodeBody[workflow.Instance](t, rec)
	assert.Equal(t, def.ID, inst.DefinitionID)

	rec = postJSON(t, h.StartWorkflow, "/api/v1/approvals/start", StartWorkflowRequest{
		EntityType: "deliverable",
		EntityID:   "del-1",
		Initiator:  "dana@corp.test",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestErrorStatusMapping(t *testing.T) {
	h, store := newTestHandler(&client.StaticDirectory{})
	ctx := context.Background()

	def := &workflow.Definition{Name: "proposal sign-off", EntityType: workflow.EntityProposal, Topology: workflow.TopologyParallel}
	require.NoError(t, store.CreateDefinition(ctx, def))
	require.NoError(t, store.CreateStepTemplate(ctx, &workflow.StepTemplate{
		DefinitionID: def.ID, StepOrder: 1,
		ApproverKind: workflow.ApproverUser, ApproverValue: "alice@corp.test",
	}))

	t.Run("missing query parameter", func(t *testing.T) {
		rec := getPath(h.GetDefinition, "/api/v1/approvals/definitions/get")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown definition", func(t *testing.T) {
		rec := getPath(h.GetDefinition, "/api/v1/approvals/definitions/get?id=no-such-id")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("invalid body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/approvals/start", bytes.NewReader([]byte("{")))
		rec := httptest.NewRecorder()
		h.StartWorkflow(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	start := func(t *testing.T) workflow.Instance {
		rec := postJSON(t, h.StartWorkflow, "/api/v1/approvals/start", StartWorkflowRequest{
			DefinitionID: def.ID,
			EntityType:   "proposal",
			EntityID:     "prop-1",
			Initiator:    "dana@corp.test",
		})
		require.Equal(t, http.StatusCreated, rec.Code)
		return decodeBody[workflow.Instance](t, rec)
	}

	t.Run("duplicate active instance", func(t *testing.T) {
		inst := start(t)
		rec := postJSON(t, h.StartWorkflow, "/api/v1/approvals/start", StartWorkflowRequest{
			DefinitionID: def.ID,
			EntityType:   "proposal",
			EntityID:     "prop-1",
			Initiator:    "dana@corp.test",
		})
		assert.Equal(t, http.StatusConflict, rec.Code)
		body := decodeBody[map[string]string](t, rec)
		assert.Equal(t, "conflict", body["code"])

		t.Run("unauthorized approver", func(t *testing.T) {
			reqs, err := store.ListRequestsByInstance(ctx, inst.ID)
			require.NoError(t, err)
			require.NotEmpty(t, reqs)
			rec := postJSON(t, h.ApproveRequest, "/api/v1/approvals/approve", DecisionRequest{
				RequestID: reqs[0].ID,
				Approver:  "mallory@corp.test",
			})
			assert.Equal(t, http.StatusForbidden, rec.Code)
		})
	})

	t.Run("cancel unknown instance", func(t *testing.T) {
		rec := postJSON(t, h.CancelWorkflow, "/api/v1/approvals/cancel", CancelWorkflowRequest{
			InstanceID:  "no-such-instance",
			CancelledBy: "root@corp.test",
		})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
