package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-ops-approvals/internal/repository"
)

type countingSink struct {
	calls int
	err   error
}

func (s *countingSink) Record(context.Context, *repository.AuditEntry) error {
	s.calls++
	return s.err
}

func auditEntry(id string) *repository.AuditEntry {
	return &repository.AuditEntry{
		ID:        id,
		RequestID: "req-1",
		TenantID:  tenant,
		ToStatus:  repository.StatusApproved,
		ActorID:   "A",
		Timestamp: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestMultiAuditSinkWritesEverySink(t *testing.T) {
	ok := &countingSink{}
	bad := &countingSink{err: fmt.Errorf("kafka down")}

	err := MultiAuditSink{bad, ok}.Record(context.Background(), auditEntry("a1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kafka down")
	assert.Equal(t, 1, ok.calls)
	assert.Equal(t, 1, bad.calls)

	assert.NoError(t, MultiAuditSink{ok}.Record(context.Background(), auditEntry("a2")))
}

func TestBreakerAuditSinkOpensAfterConsecutiveFailures(t *testing.T) {
	inner := &countingSink{err: fmt.Errorf("broker unreachable")}
	sink := NewBreakerAuditSink("audit-test", inner, time.Minute, logger.Nop())

	for i := 0; i < 5; i++ {
		assert.Error(t, sink.Record(context.Background(), auditEntry("a")))
	}
	assert.Equal(t, gobreaker.StateOpen, sink.State())

	err := sink.Record(context.Background(), auditEntry("a"))
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 5, inner.calls)
}

func TestAuditRecorderQueuesFailures(t *testing.T) {
	store := repository.NewMemoryStore()
	metrics := NewMetrics(prometheus.NewRegistry())
	sink := &switchableSink{inner: NewStoreAuditSink(store), failing: true}
	recorder := NewAuditRecorder(sink, store, metrics, logger.Nop())

	recorder.Record(context.Background(), auditEntry("a1"))

	retries := store.Retries()
	require.Len(t, retries, 1)
	assert.Equal(t, "a1", retries[0].Entry.ID)
	require.NotNil(t, retries[0].LastError)
	assert.Equal(t, "audit sink unavailable", *retries[0].LastError)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.AuditFailures.WithLabelValues("record")))

	sink.setFailing(false)
	recorder.Record(context.Background(), auditEntry("a2"))
	entries, err := store.ListByRequest(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Len(t, store.Retries(), 1)
}

type failingQueue struct {
	repository.AuditRetryQueue
}

func (failingQueue) Enqueue(context.Context, *repository.AuditEntry, string) error {
	return fmt.Errorf("queue unavailable")
}

func TestAuditRecorderCountsLostEntries(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	recorder := NewAuditRecorder(&countingSink{err: fmt.Errorf("down")}, failingQueue{}, metrics, logger.Nop())

	recorder.Record(context.Background(), auditEntry("a1"))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.AuditFailures.WithLabelValues("record")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.AuditFailures.WithLabelValues("enqueue")))
}

func TestAuditRecorderQueuesOnCancelledContext(t *testing.T) {
	store := repository.NewMemoryStore()
	audit := ctxAuditStore{store}
	recorder := NewAuditRecorder(&countingSink{err: fmt.Errorf("down")}, audit, NewMetrics(prometheus.NewRegistry()), logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	recorder.Record(ctx, auditEntry("a1"))

	retries := store.Retries()
	require.Len(t, retries, 1)
	assert.Equal(t, "a1", retries[0].Entry.ID)
}
