package workflow_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-approvals/internal/client"
	"github.com/pesio-ai/be-approvals/internal/store/memory"
	"github.com/pesio-ai/be-approvals/internal/workflow"
)

func newTestScheduler(t *testing.T, store *memory.Store, engine *workflow.Engine, opts ...workflow.SchedulerOption) *workflow.Scheduler {
	t.Helper()
	s, err := workflow.NewScheduler(store, engine, "@every 1m", zerolog.Nop(), opts...)
	require.NoError(t, err)
	return s
}

func TestNewSchedulerRejectsBadSchedule(t *testing.T) {
	_, err := workflow.NewScheduler(memory.New(), nil, "every now and then", zerolog.Nop())
	assert.Error(t, err)
}

func TestSweepAutoApprovesExpiredRequests(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	clock := newTestClock()
	engine := newTestEngine(store, &client.StaticDirectory{}, workflow.WithClock(clock.Now))
	sched := newTestScheduler(t, store, engine, workflow.WithSchedulerClock(clock.Now))

	step := userStep(1, "alice@corp.test")
	step.AutoApproveAfterHours = intPtr(4)
	def := seedDefinition(t, store, workflow.TopologyParallel, workflow.EntityInvoice, step)

	inst, err := engine.Start(ctx, def.ID, workflow.EntityInvoice, "inv-20", "dana@corp.test", nil)
	require.NoError(t, err)

	// Within the window nothing fires.
	clock.Advance(1 * time.Hour)
	require.NoError(t, sched.Sweep(ctx))
	assert.Equal(t, workflow.RequestPending, requestStatuses(t, store, inst.ID)["alice@corp.test"])

	clock.Advance(4 * time.Hour)
	require.NoError(t, sched.Sweep(ctx))
	assert.Equal(t, workflow.RequestApproved, requestStatuses(t, store, inst.ID)["alice@corp.test"])

	got, err := store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.InstanceApproved, got.Status)

	kinds := historyKinds(t, store, inst.ID)
	assert.Equal(t, []workflow.EventKind{workflow.EventStarted, workflow.EventAutoApproved}, kinds)
}

func TestSweepEscalatesOnce(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	clock := newTestClock()
	notifier := &captureNotifier{}
	engine := newTestEngine(store, &client.StaticDirectory{}, workflow.WithClock(clock.Now))
	sched := newTestScheduler(t, store, engine,
		workflow.WithSchedulerClock(clock.Now),
		workflow.WithSchedulerNotifier(notifier))

	step := userStep(1, "alice@corp.test")
	step.EscalateAfterHours = intPtr(1)
	def := seedDefinition(t, store, workflow.TopologyParallel, workflow.EntityProposal, step)

	inst, err := engine.Start(ctx, def.ID, workflow.EntityProposal, "prop-20", "dana@corp.test", nil)
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	require.NoError(t, sched.Sweep(ctx))

	// Escalation raises visibility only: request and instance stay pending.
	assert.Equal(t, workflow.RequestPending, requestStatuses(t, store, inst.ID)["alice@corp.test"])
	got, err := store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.InstancePending, got.Status)

	kinds := historyKinds(t, store, inst.ID)
	assert.Equal(t, []workflow.EventKind{workflow.EventStarted, workflow.EventEscalated}, kinds)
	assert.Contains(t, notifier.eventTypes(), workflow.NotifyEscalated)

	// A second sweep does not escalate again.
	clock.Advance(1 * time.Hour)
	require.NoError(t, sched.Sweep(ctx))
	assert.Len(t, historyKinds(t, store, inst.ID), 2)
}

func TestSweepEscalatesThenAutoApproves(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	clock := newTestClock()
	engine := newTestEngine(store, &client.StaticDirectory{}, workflow.WithClock(clock.Now))
	sched := newTestScheduler(t, store, engine, workflow.WithSchedulerClock(clock.Now))

	step := userStep(1, "alice@corp.test")
	step.EscalateAfterHours = intPtr(1)
	step.AutoApproveAfterHours = intPtr(4)
	def := seedDefinition(t, store, workflow.TopologyParallel, workflow.EntityInvoice, step)

	inst, err := engine.Start(ctx, def.ID, workflow.EntityInvoice, "inv-21", "dana@corp.test", nil)
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	require.NoError(t, sched.Sweep(ctx))
	assert.Equal(t, []workflow.EventKind{workflow.EventStarted, workflow.EventEscalated}, historyKinds(t, store, inst.ID))

	clock.Advance(3 * time.Hour)
	require.NoError(t, sched.Sweep(ctx))
	assert.Equal(t,
		[]workflow.EventKind{workflow.EventStarted, workflow.EventEscalated, workflow.EventAutoApproved},
		historyKinds(t, store, inst.ID))
	assert.Equal(t, workflow.RequestApproved, requestStatuses(t, store, inst.ID)["alice@corp.test"])
}

func TestSweepIgnoresDecidedRequests(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	clock := newTestClock()
	engine := newTestEngine(store, &client.StaticDirectory{}, workflow.WithClock(clock.Now))
	sched := newTestScheduler(t, store, engine, workflow.WithSchedulerClock(clock.Now))

	step := userStep(1, "alice@corp.test")
	step.AutoApproveAfterHours = intPtr(1)
	def := seedDefinition(t, store, workflow.TopologyParallel, workflow.EntityInvoice, step)

	inst, err := engine.Start(ctx, def.ID, workflow.EntityInvoice, "inv-22", "dana@corp.test", nil)
	require.NoError(t, err)

	// A human decision lands before the sweep runs.
	target := pendingRequestFor(t, store, inst.ID, "alice@corp.test")
	_, err = engine.Decide(ctx, target.ID, "alice@corp.test", workflow.DecisionReject, nil)
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	require.NoError(t, sched.Sweep(ctx))

	got, err := store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.InstanceRejected, got.Status)
	assert.NotContains(t, historyKinds(t, store, inst.ID), workflow.EventAutoApproved)
}

func TestSchedulerStartStop(t *testing.T) {
	store := memory.New()
	engine := newTestEngine(store, &client.StaticDirectory{})
	sched, err := workflow.NewScheduler(store, engine, "@every 1h", zerolog.Nop())
	require.NoError(t, err)

	sched.Start()
	sched.Stop()
}
