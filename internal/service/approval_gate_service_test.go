package service

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-ops-approvals/internal/repository"
)

func (f *fixture) publishWithTrigger(t *testing.T, entityType string, conds []repository.Condition, steps ...repository.StepDefinition) *repository.ApprovalFlow {
	t.Helper()
	flow, err := f.registry.PublishFlow(context.Background(), &repository.ApprovalFlow{
		TenantID:          tenant,
		Name:              entityType + " flow",
		EntityType:        entityType,
		TriggerConditions: conds,
		Steps:             steps,
	})
	require.NoError(t, err)
	return flow
}

func TestGateWithoutFlowDoesNotGate(t *testing.T) {
	f := newFixture(t)
	res, err := f.gate.Evaluate(context.Background(), GateInput{
		TenantID: tenant, EntityType: repository.EntitySpecialFee, EntityID: "fee-1", RequestedBy: "requester",
	})
	require.NoError(t, err)
	assert.False(t, res.Gated)
	assert.Empty(t, res.RequestID)
}

func TestGateEvaluatesTriggerConditions(t *testing.T) {
	f := newFixture(t)
	f.users("MANAGER", "M")
	flow := f.publishWithTrigger(t, repository.EntityQuoteDiscount,
		[]repository.Condition{{Field: "discountRate", Operator: repository.OpLessThan, Value: 0.90}},
		step("STORE_MANAGER", repository.QuorumOfAny()))

	res, err := f.gate.Evaluate(context.Background(), GateInput{
		TenantID: tenant, EntityType: repository.EntityQuoteDiscount, EntityID: "quote-1",
		Context: map[string]interface{}{"discountRate": 0.95}, RequestedBy: "requester",
	})
	require.NoError(t, err)
	assert.False(t, res.Gated)
	assert.Equal(t, flow.ID, res.FlowID)

	res, err = f.gate.Evaluate(context.Background(), GateInput{
		TenantID: tenant, EntityType: repository.EntityQuoteDiscount, EntityID: "quote-1",
		Context: map[string]interface{}{"discountRate": decimal.RequireFromString("0.85")}, RequestedBy: "requester",
	})
	require.NoError(t, err)
	assert.True(t, res.Gated)
	assert.Equal(t, string(repository.StatusPending), res.Status)

	req := f.get(t, res.RequestID)
	assert.Equal(t, "quote-1", req.EntityID)
	assert.Equal(t, flow.Version, req.FlowVersion)

	// missing field fails closed
	res, err = f.gate.Evaluate(context.Background(), GateInput{
		TenantID: tenant, EntityType: repository.EntityQuoteDiscount, EntityID: "quote-2", RequestedBy: "requester",
	})
	require.NoError(t, err)
	assert.False(t, res.Gated)
}

func TestGateRejectsDuplicate(t *testing.T) {
	f := newFixture(t)
	f.users("FINANCE", "A")
	f.publish(t, repository.EntitySpecialFee, step("FINANCE", repository.QuorumOfAny()))

	in := GateInput{TenantID: tenant, EntityType: repository.EntitySpecialFee, EntityID: "fee-1", RequestedBy: "requester"}
	res, err := f.gate.Evaluate(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, res.Gated)

	_, err = f.gate.Evaluate(context.Background(), in)
	assert.True(t, errors.HasCode(err, errors.ErrCodeDuplicateActiveRequest))
}

func TestCreateForActiveFlow(t *testing.T) {
	f := newFixture(t)
	f.users("FINANCE", "A")
	in := GateInput{TenantID: tenant, EntityType: repository.EntityBadDebtWriteOff, EntityID: "debt-1", RequestedBy: "requester"}

	_, err := f.gate.CreateForActiveFlow(context.Background(), in)
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))

	f.publishWithTrigger(t, repository.EntityBadDebtWriteOff,
		[]repository.Condition{{Field: "amount", Operator: repository.OpGreaterOrEqual, Value: 500}},
		step("FINANCE", repository.QuorumOfAny()))

	// conditions are not evaluated
	req, err := f.gate.CreateForActiveFlow(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusPending, req.Status)
}

func TestGateValidatesInput(t *testing.T) {
	f := newFixture(t)
	_, err := f.gate.Evaluate(context.Background(), GateInput{TenantID: tenant, EntityType: repository.EntitySpecialFee})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))
}
