package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-ops-approvals/internal/repository"
)

const tenant = "tenant-1"

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []NotificationEvent
}

func (n *recordingNotifier) Notify(_ context.Context, e NotificationEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
}

func (n *recordingNotifier) ofType(typ string) []NotificationEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []NotificationEvent
	for _, e := range n.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type recordingArchiver struct {
	mu       sync.Mutex
	archived []*repository.ApprovalRequest
}

func (a *recordingArchiver) Archive(_ context.Context, req *repository.ApprovalRequest, _ []*repository.ApprovalAction) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.archived = append(a.archived, req)
	return nil
}

// switchableSink fails while failing is set.
type switchableSink struct {
	mu      sync.Mutex
	failing bool
	inner   AuditSink
}

func (s *switchableSink) setFailing(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = v
}

func (s *switchableSink) Record(ctx context.Context, e *repository.AuditEntry) error {
	s.mu.Lock()
	failing := s.failing
	s.mu.Unlock()
	if failing {
		return fmt.Errorf("audit sink unavailable")
	}
	return s.inner.Record(ctx, e)
}

type fixture struct {
	store     *repository.MemoryStore
	clock     *fakeClock
	notes     *recordingNotifier
	archiver  *recordingArchiver
	sink      *switchableSink
	metrics   *Metrics
	resolver  *RoleResolver
	registry  *FlowRegistry
	manager   *ApprovalRequestManager
	scheduler *EscalationScheduler
	inbox     *InboxQueryService
	gate      *ApprovalGateService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logger.Nop()
	f := &fixture{
		store:    repository.NewMemoryStore(),
		clock:    newFakeClock(),
		notes:    &recordingNotifier{},
		archiver: &recordingArchiver{},
		metrics:  NewMetrics(prometheus.NewRegistry()),
	}
	f.sink = &switchableSink{inner: NewStoreAuditSink(f.store)}
	f.resolver = NewRoleResolver(f.store, log)
	evaluator := NewThresholdEvaluator()
	f.registry = NewFlowRegistry(f.store, evaluator, log)
	recorder := NewAuditRecorder(f.sink, f.store, f.metrics, log)
	f.manager = NewApprovalRequestManager(f.store, f.resolver, recorder, f.store, log,
		WithClock(f.clock.Now),
		WithNotifier(f.notes),
		WithArchiver(f.archiver),
		WithMetrics(f.metrics),
	)
	f.scheduler = NewEscalationScheduler(f.store, f.manager, nil, EscalationConfig{BatchSize: 50}, f.metrics, log)
	f.inbox = NewInboxQueryService(f.store, f.resolver, log)
	f.gate = NewApprovalGateService(f.registry, evaluator, f.manager, log)
	return f
}

// users grants a concrete role to each user in the test tenant.
func (f *fixture) users(role string, ids ...string) {
	for _, id := range ids {
		f.store.AssignRole(repository.RoleAssignment{TenantID: tenant, UserID: id, Role: role, IsActive: true})
	}
}

func (f *fixture) publish(t *testing.T, entityType string, steps ...repository.StepDefinition) *repository.ApprovalFlow {
	t.Helper()
	flow, err := f.registry.PublishFlow(context.Background(), &repository.ApprovalFlow{
		TenantID:   tenant,
		Name:       entityType + " flow",
		EntityType: entityType,
		Steps:      steps,
	})
	require.NoError(t, err)
	return flow
}

func (f *fixture) create(t *testing.T, flow *repository.ApprovalFlow, entityID string) *repository.ApprovalRequest {
	t.Helper()
	req, err := f.manager.CreateRequest(context.Background(), flow, flow.EntityType, entityID,
		map[string]interface{}{"amount": 1200}, "requester")
	require.NoError(t, err)
	return req
}

func (f *fixture) decide(requestID, approver string, d repository.Decision) (*DecisionResult, error) {
	return f.manager.SubmitDecision(context.Background(), DecisionInput{
		TenantID:   tenant,
		RequestID:  requestID,
		ApproverID: approver,
		Decision:   d,
	})
}

func (f *fixture) get(t *testing.T, id string) *repository.ApprovalRequest {
	t.Helper()
	req, err := f.manager.GetRequest(context.Background(), tenant, id)
	require.NoError(t, err)
	return req
}

func step(role string, q repository.Quorum) repository.StepDefinition {
	return repository.StepDefinition{ApproverRole: role, Quorum: q}
}

func stepWithTimeout(role string, q repository.Quorum, seconds int64, action repository.TimeoutAction, fallback string) repository.StepDefinition {
	return repository.StepDefinition{
		ApproverRole: role,
		Quorum:       q,
		Escalation: repository.EscalationPolicy{
			TimeoutSeconds: seconds,
			OnTimeout:      action,
			FallbackRole:   fallback,
		},
	}
}

// ctxAuditStore fails audit appends and retry enqueues on a done context, as
// pgx does.
type ctxAuditStore struct {
	*repository.MemoryStore
}

func (s ctxAuditStore) Append(ctx context.Context, e *repository.AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.Append(ctx, e)
}

func (s ctxAuditStore) Enqueue(ctx context.Context, e *repository.AuditEntry, cause string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.MemoryStore.Enqueue(ctx, e, cause)
}
