package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-approvals/internal/apperrors"
	"github.com/pesio-ai/be-approvals/internal/workflow"
)

func seedInstance(t *testing.T, s *Store) *workflow.Instance {
	t.Helper()
	ctx := context.Background()
	def := &workflow.Definition{Name: "d", EntityType: workflow.EntityInvoice, Topology: workflow.TopologyParallel}
	require.NoError(t, s.CreateDefinition(ctx, def))
	inst := &workflow.Instance{
		DefinitionID: def.ID,
		EntityType:   workflow.EntityInvoice,
		EntityID:     "inv-1",
		Status:       workflow.InstancePending,
		Initiator:    "dana@corp.test",
		StartedAt:    time.Now(),
	}
	require.NoError(t, s.CreateInstance(ctx, inst))
	return inst
}

func TestTransactionRollbackOnError(t *testing.T) {
	ctx := context.Background()
	s := New()
	inst := seedInstance(t, s)

	boom := errors.New("boom")
	err := s.InTransaction(ctx, func(q workflow.Querier) error {
		if err := q.CreateRequest(ctx, &workflow.ApprovalRequest{
			InstanceID: inst.ID,
			StepOrder:  1,
			Approver:   "alice@corp.test",
			Status:     workflow.RequestPending,
		}); err != nil {
			return err
		}
		if err := q.UpdateInstanceStatus(ctx, inst.ID, workflow.InstanceApproved, nil); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	// Nothing written inside the failed transaction is visible.
	reqs, err := s.ListRequestsByInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Empty(t, reqs)

	got, err := s.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.InstancePending, got.Status)
}

func TestReadsReturnCopies(t *testing.T) {
	ctx := context.Background()
	s := New()
	inst := seedInstance(t, s)

	got, err := s.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	got.Status = workflow.InstanceCancelled

	again, err := s.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.InstancePending, again.Status)
}

func TestSkipPendingRequestsCountsOnlyPending(t *testing.T) {
	ctx := context.Background()
	s := New()
	inst := seedInstance(t, s)

	for _, approver := range []string{"a@corp.test", "b@corp.test"} {
		require.NoError(t, s.CreateRequest(ctx, &workflow.ApprovalRequest{
			InstanceID: inst.ID, StepOrder: 1, Approver: approver, Status: workflow.RequestPending,
		}))
	}
	require.NoError(t, s.CreateRequest(ctx, &workflow.ApprovalRequest{
		InstanceID: inst.ID, StepOrder: 1, Approver: "c@corp.test", Status: workflow.RequestApproved,
	}))

	n, err := s.SkipPendingRequests(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	reqs, err := s.ListRequestsByInstance(ctx, inst.ID)
	require.NoError(t, err)
	for _, r := range reqs {
		if r.Approver == "c@corp.test" {
			assert.Equal(t, workflow.RequestApproved, r.Status)
			continue
		}
		assert.Equal(t, workflow.RequestSkipped, r.Status)
	}
}

func TestTimeoutCandidateFiltering(t *testing.T) {
	ctx := context.Background()
	s := New()
	inst := seedInstance(t, s)

	hours := 2
	escalatedAt := time.Now()
	cases := []*workflow.ApprovalRequest{
		{InstanceID: inst.ID, StepOrder: 1, Approver: "timeout@corp.test", Status: workflow.RequestPending, AutoApproveAfterHours: &hours},
		{InstanceID: inst.ID, StepOrder: 1, Approver: "escalate@corp.test", Status: workflow.RequestPending, EscalateAfterHours: &hours},
		{InstanceID: inst.ID, StepOrder: 1, Approver: "done@corp.test", Status: workflow.RequestApproved, AutoApproveAfterHours: &hours},
		{InstanceID: inst.ID, StepOrder: 1, Approver: "no-window@corp.test", Status: workflow.RequestPending},
		{InstanceID: inst.ID, StepOrder: 1, Approver: "already@corp.test", Status: workflow.RequestPending, EscalateAfterHours: &hours, EscalatedAt: &escalatedAt},
	}
	for _, r := range cases {
		require.NoError(t, s.CreateRequest(ctx, r))
	}

	got, err := s.ListTimeoutCandidates(ctx)
	require.NoError(t, err)
	approvers := make([]string, len(got))
	for i, r := range got {
		approvers[i] = r.Approver
	}
	assert.ElementsMatch(t, []string{"timeout@corp.test", "escalate@corp.test"}, approvers)
}

func TestNotFoundErrors(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.GetDefinition(ctx, "missing")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotFound))

	_, err = s.GetInstance(ctx, "missing")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotFound))

	_, err = s.GetRequest(ctx, "missing")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotFound))
}

func TestHistoryOrdering(t *testing.T) {
	ctx := context.Background()
	s := New()
	inst := seedInstance(t, s)

	at := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	for _, kind := range []workflow.EventKind{workflow.EventStarted, workflow.EventApproved, workflow.EventApproved} {
		require.NoError(t, s.AppendHistory(ctx, &workflow.HistoryEntry{
			InstanceID: inst.ID,
			Kind:       kind,
			Actor:      "dana@corp.test",
			RecordedAt: at, // identical timestamps; seq breaks the tie
		}))
	}

	entries, err := s.ListHistoryByInstance(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, workflow.EventStarted, entries[0].Kind)
	assert.True(t, entries[0].Seq < entries[1].Seq && entries[1].Seq < entries[2].Seq)
}
