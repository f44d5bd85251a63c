package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-ops-approvals/internal/repository"
)

func newRegistry() (*FlowRegistry, *repository.MemoryStore) {
	store := repository.NewMemoryStore()
	return NewFlowRegistry(store, NewThresholdEvaluator(), logger.Nop()), store
}

func validFlow() *repository.ApprovalFlow {
	return &repository.ApprovalFlow{
		TenantID:   "t1",
		Name:       "fees",
		EntityType: repository.EntitySpecialFee,
		TriggerConditions: []repository.Condition{
			{Field: "amount", Operator: repository.OpGreaterThan, Value: 100},
		},
		Steps: []repository.StepDefinition{
			{ApproverRole: "STORE_MANAGER"},
			{ApproverRole: "FINANCE", Quorum: repository.QuorumOfCount(2)},
		},
	}
}

func TestGetActiveFlowNoneReturnsNil(t *testing.T) {
	reg, _ := newRegistry()
	flow, err := reg.GetActiveFlow(context.Background(), "t1", repository.EntitySpecialFee)
	require.NoError(t, err)
	assert.Nil(t, flow)
}

func TestPublishFlowVersionsAndDefaults(t *testing.T) {
	reg, _ := newRegistry()
	ctx := context.Background()

	v1, err := reg.PublishFlow(ctx, validFlow())
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)
	assert.True(t, v1.IsActive)
	assert.Equal(t, repository.QuorumOfAny(), v1.Steps[0].Quorum)
	assert.Equal(t, 0, v1.Steps[0].Order)
	assert.Equal(t, 1, v1.Steps[1].Order)

	v2, err := reg.PublishFlow(ctx, validFlow())
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)
	assert.NotEqual(t, v1.ID, v2.ID)

	active, err := reg.GetActiveFlow(ctx, "t1", repository.EntitySpecialFee)
	require.NoError(t, err)
	assert.Equal(t, v2.ID, active.ID)

	all, err := reg.ListFlows(ctx, "t1", false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	activeOnly, err := reg.ListFlows(ctx, "t1", true)
	require.NoError(t, err)
	assert.Len(t, activeOnly, 1)
}

func TestPublishFlowSortsByOrder(t *testing.T) {
	reg, _ := newRegistry()
	flow := validFlow()
	flow.Steps[0].Order = 20
	flow.Steps[1].Order = 10

	out, err := reg.PublishFlow(context.Background(), flow)
	require.NoError(t, err)
	assert.Equal(t, "FINANCE", out.Steps[0].ApproverRole)
	assert.Equal(t, "STORE_MANAGER", out.Steps[1].ApproverRole)
}

func TestPublishFlowValidation(t *testing.T) {
	reg, _ := newRegistry()
	ctx := context.Background()

	cases := map[string]func(f *repository.ApprovalFlow){
		"no steps":          func(f *repository.ApprovalFlow) { f.Steps = nil },
		"no tenant":         func(f *repository.ApprovalFlow) { f.TenantID = "" },
		"unknown entity":    func(f *repository.ApprovalFlow) { f.EntityType = "INVOICE" },
		"bad operator":      func(f *repository.ApprovalFlow) { f.TriggerConditions[0].Operator = "!=" },
		"string value":      func(f *repository.ApprovalFlow) { f.TriggerConditions[0].Value = "100" },
		"zero count quorum": func(f *repository.ApprovalFlow) { f.Steps[1].Quorum = repository.QuorumOfCount(0) },
		"escalate without fallback": func(f *repository.ApprovalFlow) {
			f.Steps[0].Escalation = repository.EscalationPolicy{TimeoutSeconds: 60, OnTimeout: repository.TimeoutEscalateToRole}
		},
		"policy without timeout": func(f *repository.ApprovalFlow) {
			f.Steps[0].Escalation = repository.EscalationPolicy{OnTimeout: repository.TimeoutAutoReject}
		},
		"duplicate order": func(f *repository.ApprovalFlow) {
			f.Steps[0].Order = 1
			f.Steps[1].Order = 1
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			f := validFlow()
			mutate(f)
			_, err := reg.PublishFlow(ctx, f)
			assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput), "got %v", err)
		})
	}
}

func TestDeactivateFlow(t *testing.T) {
	reg, _ := newRegistry()
	ctx := context.Background()
	v1, err := reg.PublishFlow(ctx, validFlow())
	require.NoError(t, err)

	assert.True(t, errors.HasCode(reg.DeactivateFlow(ctx, "other", v1.ID), errors.ErrCodeNotFound))
	require.NoError(t, reg.DeactivateFlow(ctx, "t1", v1.ID))

	active, err := reg.GetActiveFlow(ctx, "t1", repository.EntitySpecialFee)
	require.NoError(t, err)
	assert.Nil(t, active)

	_, err = reg.GetFlow(ctx, "other", v1.ID)
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
}

func TestSeedFromFile(t *testing.T) {
	reg, _ := newRegistry()
	ctx := context.Background()

	n, err := reg.SeedFromFile(ctx, "testdata/flows.yaml")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	discount, err := reg.GetActiveFlow(ctx, "tenant-a", repository.EntityQuoteDiscount)
	require.NoError(t, err)
	require.NotNil(t, discount)
	require.Len(t, discount.Steps, 2)
	assert.Equal(t, repository.TimeoutEscalateToRole, discount.Steps[0].Escalation.OnTimeout)
	assert.Equal(t, repository.QuorumOfAll(), discount.Steps[1].Quorum)
	assert.True(t, NewThresholdEvaluator().ShouldTrigger(discount.TriggerConditions,
		map[string]interface{}{"discountRate": 0.85}))

	writeOff, err := reg.GetActiveFlow(ctx, "tenant-a", repository.EntityBadDebtWriteOff)
	require.NoError(t, err)
	require.NotNil(t, writeOff)
	assert.Equal(t, repository.QuorumOfCount(2), writeOff.Steps[0].Quorum)

	// second run finds active flows and publishes nothing
	n, err = reg.SeedFromFile(ctx, "testdata/flows.yaml")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSeedFromMissingFile(t *testing.T) {
	reg, _ := newRegistry()
	_, err := reg.SeedFromFile(context.Background(), "testdata/nope.yaml")
	assert.Error(t, err)
}
