package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-ops-approvals/internal/repository"
)

func inboxIDs(items []*InboxItem) []string {
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.Request.EntityID)
	}
	return ids
}

func TestInboxListsPendingOldestFirst(t *testing.T) {
	f := newFixture(t)
	f.users("FINANCE", "A", "B")
	f.users("MANAGER", "M")
	fees := f.publish(t, repository.EntitySpecialFee, step("FINANCE", repository.QuorumOfAll()))
	quotes := f.publish(t, repository.EntityQuoteDiscount, step("STORE_MANAGER", repository.QuorumOfAny()))

	first := f.create(t, fees, "fee-1")
	f.clock.Advance(time.Minute)
	f.create(t, quotes, "quote-1")
	f.clock.Advance(time.Minute)
	f.create(t, fees, "fee-2")

	items, err := f.inbox.ListPending(context.Background(), tenant, "A")
	require.NoError(t, err)
	assert.Equal(t, []string{"fee-1", "fee-2"}, inboxIDs(items))
	assert.Equal(t, "FINANCE", items[0].ApproverRole)

	// decided requests leave A's inbox but stay in B's
	_, err = f.decide(first.ID, "A", repository.DecisionApprove)
	require.NoError(t, err)

	items, err = f.inbox.ListPending(context.Background(), tenant, "A")
	require.NoError(t, err)
	assert.Equal(t, []string{"fee-2"}, inboxIDs(items))

	items, err = f.inbox.ListPending(context.Background(), tenant, "B")
	require.NoError(t, err)
	assert.Equal(t, []string{"fee-1", "fee-2"}, inboxIDs(items))

	items, err = f.inbox.ListPending(context.Background(), tenant, "M")
	require.NoError(t, err)
	assert.Equal(t, []string{"quote-1"}, inboxIDs(items))
}

func TestInboxExcludesOwnAndTerminalRequests(t *testing.T) {
	f := newFixture(t)
	f.users("FINANCE", "A", "requester")
	flow := f.publish(t, repository.EntitySpecialFee, step("FINANCE", repository.QuorumOfAny()))
	req := f.create(t, flow, "fee-1")

	items, err := f.inbox.ListPending(context.Background(), tenant, "requester")
	require.NoError(t, err)
	assert.Empty(t, items)

	_, err = f.decide(req.ID, "A", repository.DecisionApprove)
	require.NoError(t, err)
	items, err = f.inbox.ListPending(context.Background(), tenant, "A")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestInboxFollowsEscalation(t *testing.T) {
	f := newFixture(t)
	f.users("MANAGER", "M")
	f.users("DIRECTOR", "D")
	flow := f.publish(t, repository.EntityQuoteDiscount,
		stepWithTimeout("STORE_MANAGER", repository.QuorumOfAny(), hour, repository.TimeoutEscalateToRole, "REGIONAL_DIRECTOR"))
	f.create(t, flow, "quote-1")

	f.clock.Advance(time.Hour)
	f.sweep(t)

	items, err := f.inbox.ListPending(context.Background(), tenant, "M")
	require.NoError(t, err)
	assert.Empty(t, items)

	items, err = f.inbox.ListPending(context.Background(), tenant, "D")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "REGIONAL_DIRECTOR", items[0].ApproverRole)
}

func TestInboxSkipsUnresolvableRoles(t *testing.T) {
	f := newFixture(t)
	f.users("FINANCE", "A")
	f.users("MANAGER", "M")
	fees := f.publish(t, repository.EntitySpecialFee, step("FINANCE", repository.QuorumOfAny()))
	quotes := f.publish(t, repository.EntityQuoteDiscount, step("STORE_MANAGER", repository.QuorumOfAny()))
	f.create(t, fees, "fee-1")
	f.create(t, quotes, "quote-1")

	// the manager leaves; the quote's role no longer resolves
	f.store.AssignRole(repository.RoleAssignment{TenantID: tenant, UserID: "M", Role: "MANAGER", IsActive: false})

	items, err := f.inbox.ListPending(context.Background(), tenant, "A")
	require.NoError(t, err)
	assert.Equal(t, []string{"fee-1"}, inboxIDs(items))
}

func TestInboxRequiresUser(t *testing.T) {
	f := newFixture(t)
	_, err := f.inbox.ListPending(context.Background(), tenant, "")
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))
}
