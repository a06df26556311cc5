package workflow_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-approvals/internal/apperrors"
	"github.com/pesio-ai/be-approvals/internal/client"
	"github.com/pesio-ai/be-approvals/internal/workflow"
)

func TestResolveUser(t *testing.T) {
	r := workflow.NewStepResolver(&client.StaticDirectory{})

	got, err := r.Resolve(context.Background(), userStep(1, "alice@corp.test"), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice@corp.test"}, got)
}

func TestResolveRole(t *testing.T) {
	dir := &client.StaticDirectory{
		Roles: map[string][]string{
			"finance": {"alice@corp.test", "bob@corp.test", "alice@corp.test", ""},
		},
	}
	r := workflow.NewStepResolver(dir)

	t.Run("deduplicates preserving order", func(t *testing.T) {
		got, err := r.Resolve(context.Background(), roleStep(1, "finance"), nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"alice@corp.test", "bob@corp.test"}, got)
	})

	t.Run("does not mutate directory data", func(t *testing.T) {
		_, err := r.Resolve(context.Background(), roleStep(1, "finance"), nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"alice@corp.test", "bob@corp.test", "alice@corp.test", ""}, dir.Roles["finance"])
	})

	t.Run("empty role is unresolvable", func(t *testing.T) {
		_, err := r.Resolve(context.Background(), roleStep(1, "nobody-holds-this"), nil)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeUnresolvable))
	})
}

func TestResolveDynamic(t *testing.T) {
	r := workflow.NewStepResolver(&client.StaticDirectory{})
	entCtx := &workflow.EntityContext{
		ProjectOwner:   "owner@corp.test",
		ClientAdmins:   []string{"ca1@corp.test", "ca2@corp.test"},
		AssignedAdmins: []string{"admin@corp.test"},
	}

	dynamic := func(selector workflow.DynamicSelector) *workflow.StepTemplate {
		return &workflow.StepTemplate{
			StepOrder:     1,
			ApproverKind:  workflow.ApproverDynamic,
			ApproverValue: string(selector),
		}
	}

	t.Run("project owner", func(t *testing.T) {
		got, err := r.Resolve(context.Background(), dynamic(workflow.SelectProjectOwner), entCtx)
		require.NoError(t, err)
		assert.Equal(t, []string{"owner@corp.test"}, got)
	})

	t.Run("client admins", func(t *testing.T) {
		got, err := r.Resolve(context.Background(), dynamic(workflow.SelectClientAdmin), entCtx)
		require.NoError(t, err)
		assert.Equal(t, []string{"ca1@corp.test", "ca2@corp.test"}, got)
	})

	t.Run("assigned admins", func(t *testing.T) {
		got, err := r.Resolve(context.Background(), dynamic(workflow.SelectAssignedAdmin), entCtx)
		require.NoError(t, err)
		assert.Equal(t, []string{"admin@corp.test"}, got)
	})

	t.Run("missing entity context", func(t *testing.T) {
		_, err := r.Resolve(context.Background(), dynamic(workflow.SelectProjectOwner), nil)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeUnresolvable))
	})

	t.Run("empty selector result", func(t *testing.T) {
		_, err := r.Resolve(context.Background(), dynamic(workflow.SelectProjectOwner), &workflow.EntityContext{})
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeUnresolvable))
	})

	t.Run("unknown selector", func(t *testing.T) {
		_, err := r.Resolve(context.Background(), &workflow.StepTemplate{
			StepOrder:     1,
			ApproverKind:  workflow.ApproverDynamic,
			ApproverValue: "cfo",
		}, entCtx)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))
	})
}

func TestResolveUnknownKind(t *testing.T) {
	r := workflow.NewStepResolver(&client.StaticDirectory{})
	_, err := r.Resolve(context.Background(), &workflow.StepTemplate{
		StepOrder:     1,
		ApproverKind:  "team",
		ApproverValue: "platform",
	}, nil)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))
}
