package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-ops-approvals/internal/repository"
)

const tracerName = "github.com/pesio-ai/be-ops-approvals/internal/service"

// Archiver copies a terminal request and its decisions to long-term storage.
type Archiver interface {
	Archive(ctx context.Context, req *repository.ApprovalRequest, actions []*repository.ApprovalAction) error
}

// DecisionInput is one approver's decision on the current step.
type DecisionInput struct {
	TenantID   string
	RequestID  string
	ApproverID string
	Decision   repository.Decision
	Comment    string
	// ExpectedVersion, when set, must equal the stored version.
	ExpectedVersion *int64
}

// DecisionResult describes the state after a committed decision.
type DecisionResult struct {
	Request  *repository.ApprovalRequest
	Action   *repository.ApprovalAction
	Advanced bool
	Resolved bool
}

// ManagerOption customises an ApprovalRequestManager.
type ManagerOption func(*ApprovalRequestManager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *ApprovalRequestManager) { m.now = now }
}

// WithNotifier sets the post-commit notifier.
func WithNotifier(n Notifier) ManagerOption {
	return func(m *ApprovalRequestManager) { m.notifier = n }
}

// WithArchiver enables archiving of terminal requests.
func WithArchiver(a Archiver) ManagerOption {
	return func(m *ApprovalRequestManager) { m.archiver = a }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(metrics *Metrics) ManagerOption {
	return func(m *ApprovalRequestManager) { m.metrics = metrics }
}

// ApprovalRequestManager owns the approval state machine. Every state change
// goes through RequestStore.Transition, which commits only if the request is
// still at the version that was read. Audit, notification and archiving run
// after commit and never undo it.
type ApprovalRequestManager struct {
	requests repository.RequestStore
	resolver *RoleResolver
	audit    *AuditRecorder
	auditLog repository.AuditStore
	notifier Notifier
	archiver Archiver
	metrics  *Metrics
	tracer   trace.Tracer
	now      func() time.Time
	log      *logger.Logger

	background sync.WaitGroup
}

// NewApprovalRequestManager creates a new ApprovalRequestManager.
func NewApprovalRequestManager(
	requests repository.RequestStore,
	resolver *RoleResolver,
	audit *AuditRecorder,
	auditLog repository.AuditStore,
	log *logger.Logger,
	opts ...ManagerOption,
) *ApprovalRequestManager {
	m := &ApprovalRequestManager{
		requests: requests,
		resolver: resolver,
		audit:    audit,
		auditLog: auditLog,
		notifier: NopNotifier{},
		tracer:   otel.Tracer(tracerName),
		now:      func() time.Time { return time.Now().UTC() },
		log:      log,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Wait blocks until background archive uploads have finished.
func (m *ApprovalRequestManager) Wait() {
	m.background.Wait()
}

// ── Create ────────────────────────────────────────────────────────────────────

// CreateRequest starts a request for an entity against a snapshot of flow.
// The first step's approvers are resolved up front, excluding the requester.
func (m *ApprovalRequestManager) CreateRequest(
	ctx context.Context,
	flow *repository.ApprovalFlow,
	entityType, entityID string,
	contextSnapshot map[string]interface{},
	requestedBy string,
) (_ *repository.ApprovalRequest, err error) {
	ctx, span := m.tracer.Start(ctx, "ApprovalRequestManager.CreateRequest",
		trace.WithAttributes(
			attribute.String("entity_type", entityType),
			attribute.String("entity_id", entityID),
		))
	defer func() { endSpan(span, err) }()

	if flow == nil || len(flow.Steps) == 0 {
		return nil, errors.InvalidInput("flow", "a flow with at least one step is required")
	}
	if entityID == "" {
		return nil, errors.InvalidInput("entity_id", "is required")
	}
	if requestedBy == "" {
		return nil, errors.InvalidInput("requested_by", "is required")
	}
	if flow.EntityType != "" && flow.EntityType != entityType {
		return nil, errors.InvalidInput("entity_type",
			fmt.Sprintf("flow %s gates %s, not %s", flow.ID, flow.EntityType, entityType))
	}

	existing, err := m.requests.GetActiveByEntity(ctx, flow.TenantID, entityType, entityID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, errors.DuplicateActiveRequest(flow.TenantID, entityType, entityID)
	}

	first := flow.Steps[0]
	approvers, err := m.resolveApprovers(ctx, flow.TenantID, first.ApproverRole, requestedBy)
	if err != nil {
		return nil, err
	}

	now := m.now()
	req := &repository.ApprovalRequest{
		ID:               uuid.NewString(),
		TenantID:         flow.TenantID,
		FlowID:           flow.ID,
		FlowVersion:      flow.Version,
		Flow:             flow.Clone(),
		EntityType:       entityType,
		EntityID:         entityID,
		Status:           repository.StatusPending,
		CurrentStepIndex: 0,
		StepStartedAt:    now,
		StepDueAt:        dueAt(first, now),
		ContextSnapshot:  copyContext(contextSnapshot),
		RequestedBy:      requestedBy,
		CreatedAt:        now,
		UpdatedAt:        now,
		Version:          1,
	}

	if err := m.requests.Create(ctx, req); err != nil {
		return nil, err
	}
	m.checkQuorum(req, 0, first.Quorum, approvers)

	m.audit.Record(ctx, &repository.AuditEntry{
		ID:        uuid.NewString(),
		RequestID: req.ID,
		TenantID:  req.TenantID,
		ToStatus:  req.Status,
		FromStep:  0,
		ToStep:    0,
		ActorID:   requestedBy,
		Timestamp: now,
		Payload: map[string]interface{}{
			"event":        EventRequestCreated,
			"flow_id":      req.FlowID,
			"flow_version": req.FlowVersion,
			"entity_type":  entityType,
			"entity_id":    entityID,
		},
	})
	m.notifier.Notify(ctx, NotificationEvent{
		Type:       EventRequestCreated,
		TenantID:   req.TenantID,
		RequestID:  req.ID,
		ActorID:    requestedBy,
		Recipients: approvers,
		Payload:    eventPayload(req),
	})
	if m.metrics != nil {
		m.metrics.RequestsCreated.WithLabelValues(entityType).Inc()
	}

	m.log.Info().
		Str("request_id", req.ID).
		Str("tenant_id", req.TenantID).
		Str("entity_type", entityType).
		Str("entity_id", entityID).
		Int("steps", len(req.Flow.Steps)).
		Int("approvers", len(approvers)).
		Msg("Approval request created")

	return req, nil
}

// ── Decide ────────────────────────────────────────────────────────────────────

// SubmitDecision records an approver's decision on the current step and
// advances the state machine. A single REJECT ends the request.
func (m *ApprovalRequestManager) SubmitDecision(ctx context.Context, in DecisionInput) (_ *DecisionResult, err error) {
	ctx, span := m.tracer.Start(ctx, "ApprovalRequestManager.SubmitDecision",
		trace.WithAttributes(
			attribute.String("request_id", in.RequestID),
			attribute.String("decision", string(in.Decision)),
		))
	defer func() { endSpan(span, err) }()

	start := time.Now()
	defer func() {
		if m.metrics != nil {
			m.metrics.DecisionDuration.Observe(time.Since(start).Seconds())
		}
	}()

	if !in.Decision.Valid() {
		return nil, errors.InvalidInput("decision", "must be APPROVE or REJECT")
	}
	if in.ApproverID == "" {
		return nil, errors.InvalidInput("approver_id", "is required")
	}

	req, err := m.load(ctx, in.TenantID, in.RequestID)
	if err != nil {
		return nil, err
	}
	if in.ExpectedVersion != nil && *in.ExpectedVersion != req.Version {
		m.countStale()
		return nil, errors.StaleRequest(req.ID, *in.ExpectedVersion)
	}
	if req.Status.IsTerminal() {
		return nil, errors.InvalidTransition(req.ID, string(req.Status), "decide")
	}

	approvers, err := m.resolveApprovers(ctx, req.TenantID, req.CurrentApproverRole(), req.RequestedBy)
	if err != nil {
		return nil, err
	}
	if !contains(approvers, in.ApproverID) {
		return nil, errors.NotAuthorizedApprover(req.ID, in.ApproverID, req.CurrentStepIndex)
	}
	if current, ok := req.CurrentStep(); ok {
		m.checkQuorum(req, req.CurrentStepIndex, current.Quorum, approvers)
	}

	prior, err := m.requests.ListActions(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	for _, a := range prior {
		if a.StepIndex == req.CurrentStepIndex && a.ApproverID == in.ApproverID {
			return nil, errors.AlreadyDecided(req.ID, in.ApproverID, req.CurrentStepIndex)
		}
	}

	now := m.now()
	action := &repository.ApprovalAction{
		ID:         uuid.NewString(),
		RequestID:  req.ID,
		StepIndex:  req.CurrentStepIndex,
		ApproverID: in.ApproverID,
		Decision:   in.Decision,
		Comment:    in.Comment,
		DecidedAt:  now,
	}

	t, err := m.applyDecision(ctx, req, approvers, prior, action, now)
	if err != nil {
		return nil, err
	}
	if err := m.commit(ctx, req, t); err != nil {
		return nil, err
	}

	if m.metrics != nil {
		m.metrics.Decisions.WithLabelValues(string(in.Decision), "user").Inc()
	}
	m.log.Info().
		Str("request_id", req.ID).
		Str("approver_id", in.ApproverID).
		Str("decision", string(in.Decision)).
		Str("status", string(t.next.Status)).
		Int("step", t.next.CurrentStepIndex).
		Msg("Approval decision recorded")

	return &DecisionResult{
		Request:  t.next,
		Action:   action,
		Advanced: t.next.CurrentStepIndex != req.CurrentStepIndex,
		Resolved: t.next.Status.IsTerminal(),
	}, nil
}

// transition is a computed but not yet committed state change.
type transition struct {
	next       *repository.ApprovalRequest
	action     *repository.ApprovalAction
	actorID    string
	event      string
	recipients []string
	payload    map[string]interface{}
}

// applyDecision computes the state after action. System approvals satisfy
// the step's quorum outright.
func (m *ApprovalRequestManager) applyDecision(
	ctx context.Context,
	req *repository.ApprovalRequest,
	approvers []string,
	prior []*repository.ApprovalAction,
	action *repository.ApprovalAction,
	now time.Time,
) (*transition, error) {
	next := req.Clone()
	next.UpdatedAt = now
	t := &transition{
		next:    next,
		action:  action,
		actorID: action.ApproverID,
		payload: map[string]interface{}{
			"decision":  string(action.Decision),
			"step":      req.CurrentStepIndex,
			"is_system": action.IsSystem,
		},
	}
	if action.Comment != "" {
		t.payload["comment"] = action.Comment
	}

	if action.Decision == repository.DecisionReject {
		m.resolve(next, repository.StatusRejected, now, action.Comment)
		t.event = EventRequestResolved
		t.recipients = []string{req.RequestedBy}
		return t, nil
	}

	step, _ := req.CurrentStep()
	met := action.IsSystem
	if !met {
		approved := map[string]struct{}{action.ApproverID: {}}
		for _, a := range prior {
			if a.StepIndex != req.CurrentStepIndex || a.Decision != repository.DecisionApprove {
				continue
			}
			if a.IsSystem {
				met = true
				break
			}
			approved[a.ApproverID] = struct{}{}
		}
		met = met || quorumMet(step.Quorum, approvers, approved)
	}

	if !met {
		next.Status = repository.StatusInReview
		return t, nil
	}

	nextIndex := req.CurrentStepIndex + 1
	nextStep, ok := req.Flow.Step(nextIndex)
	if !ok {
		m.resolve(next, repository.StatusApproved, now, "")
		t.event = EventRequestResolved
		t.recipients = []string{req.RequestedBy}
		return t, nil
	}

	nextApprovers, err := m.resolveApprovers(ctx, req.TenantID, nextStep.ApproverRole, req.RequestedBy)
	if err != nil {
		return nil, err
	}
	m.checkQuorum(req, nextIndex, nextStep.Quorum, nextApprovers)
	next.Status = repository.StatusPending
	next.CurrentStepIndex = nextIndex
	next.StepStartedAt = now
	next.StepDueAt = dueAt(nextStep, now)
	next.EscalatedRole = nil
	t.event = EventStepAdvanced
	t.recipients = nextApprovers
	return t, nil
}

// quorumMet reports whether the approvals on a step satisfy q. Only approvals
// from the currently resolved approver set count.
func quorumMet(q repository.Quorum, approvers []string, approved map[string]struct{}) bool {
	n := 0
	for _, u := range approvers {
		if _, ok := approved[u]; ok {
			n++
		}
	}
	switch q.Mode {
	case repository.QuorumAll:
		return len(approvers) > 0 && n == len(approvers)
	case repository.QuorumCount:
		return n >= q.Count
	default:
		return n >= 1
	}
}

// checkQuorum reports a count quorum larger than the resolved approver set.
// Such a step can only finish through its timeout policy.
func (m *ApprovalRequestManager) checkQuorum(req *repository.ApprovalRequest, stepIndex int, q repository.Quorum, approvers []string) {
	if q.Mode != repository.QuorumCount || q.Count <= len(approvers) {
		return
	}
	if m.metrics != nil {
		m.metrics.QuorumUnreachable.Inc()
	}
	m.log.Warn().
		Str("tenant_id", req.TenantID).
		Str("request_id", req.ID).
		Int("step", stepIndex).
		Int("quorum", q.Count).
		Int("approvers", len(approvers)).
		Msg("Quorum exceeds resolved approvers; step can only complete on timeout")
}

func (m *ApprovalRequestManager) resolve(next *repository.ApprovalRequest, status repository.RequestStatus, now time.Time, note string) {
	next.Status = status
	next.CompletedAt = &now
	next.StepDueAt = nil
	if note != "" {
		next.ResolutionNote = &note
	}
}

// commit writes t under the version check, then runs the post-commit effects.
func (m *ApprovalRequestManager) commit(ctx context.Context, prev *repository.ApprovalRequest, t *transition) error {
	if err := m.requests.Transition(ctx, t.next, prev.Version, t.action); err != nil {
		if errors.HasCode(err, errors.ErrCodeStaleRequest) {
			m.countStale()
		}
		return err
	}

	if m.metrics != nil {
		m.metrics.Transitions.WithLabelValues(string(t.next.Status)).Inc()
	}

	payload := t.payload
	if payload == nil {
		payload = map[string]interface{}{}
	}
	if t.event != "" {
		payload["event"] = t.event
	}
	m.audit.Record(ctx, &repository.AuditEntry{
		ID:         uuid.NewString(),
		RequestID:  t.next.ID,
		TenantID:   t.next.TenantID,
		FromStatus: prev.Status,
		ToStatus:   t.next.Status,
		FromStep:   prev.CurrentStepIndex,
		ToStep:     t.next.CurrentStepIndex,
		ActorID:    t.actorID,
		Timestamp:  t.next.UpdatedAt,
		Payload:    payload,
	})

	if t.event != "" {
		m.notifier.Notify(ctx, NotificationEvent{
			Type:       t.event,
			TenantID:   t.next.TenantID,
			RequestID:  t.next.ID,
			ActorID:    t.actorID,
			Recipients: t.recipients,
			Payload:    eventPayload(t.next),
		})
	}

	if t.next.Status.IsTerminal() {
		m.archiveAsync(t.next.Clone())
	}
	return nil
}

// ── Cancel ────────────────────────────────────────────────────────────────────

// CancelRequest withdraws a live request, typically because the underlying
// entity was deleted or withdrawn.
func (m *ApprovalRequestManager) CancelRequest(ctx context.Context, tenantID, requestID, actorID, reason string) (_ *repository.ApprovalRequest, err error) {
	ctx, span := m.tracer.Start(ctx, "ApprovalRequestManager.CancelRequest",
		trace.WithAttributes(attribute.String("request_id", requestID)))
	defer func() { endSpan(span, err) }()

	req, err := m.load(ctx, tenantID, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status.IsTerminal() {
		return nil, errors.InvalidTransition(req.ID, string(req.Status), "cancel")
	}

	now := m.now()
	next := req.Clone()
	next.UpdatedAt = now
	m.resolve(next, repository.StatusCancelled, now, reason)

	t := &transition{
		next:       next,
		actorID:    actorID,
		event:      EventRequestResolved,
		recipients: []string{req.RequestedBy},
		payload:    map[string]interface{}{"reason": reason},
	}
	if err := m.commit(ctx, req, t); err != nil {
		return nil, err
	}

	m.log.Info().
		Str("request_id", req.ID).
		Str("actor_id", actorID).
		Str("reason", reason).
		Msg("Approval request cancelled")
	return next, nil
}

// ── Timeout ───────────────────────────────────────────────────────────────────

// Timeout outcomes reported by ApplyTimeout.
const (
	TimeoutOutcomeNone     = ""
	TimeoutOutcomeApproved = "AUTO_APPROVE"
	TimeoutOutcomeRejected = "AUTO_REJECT"
	TimeoutOutcomeEscalate = "ESCALATE_TO_ROLE"
	TimeoutOutcomeExpired  = "EXPIRE"
)

// ApplyTimeout applies the current step's timeout policy to req as loaded by
// the caller. It is a no-op when the step is not yet due. The write uses
// req.Version, so a concurrent decision makes it fail with STALE_REQUEST.
//
// A step escalates at most once; a second timeout on an escalated step
// expires the request.
func (m *ApprovalRequestManager) ApplyTimeout(ctx context.Context, req *repository.ApprovalRequest, now time.Time) (_ string, err error) {
	ctx, span := m.tracer.Start(ctx, "ApprovalRequestManager.ApplyTimeout",
		trace.WithAttributes(attribute.String("request_id", req.ID)))
	defer func() { endSpan(span, err) }()

	if req.Status.IsTerminal() || req.StepDueAt == nil || req.StepDueAt.After(now) {
		return TimeoutOutcomeNone, nil
	}
	step, ok := req.CurrentStep()
	if !ok {
		return TimeoutOutcomeNone, errors.New(errors.ErrCodeInternal,
			fmt.Sprintf("request %s has no step %d", req.ID, req.CurrentStepIndex))
	}

	var (
		t       *transition
		outcome string
	)
	switch step.Escalation.OnTimeout {
	case repository.TimeoutAutoApprove, repository.TimeoutAutoReject:
		decision := repository.DecisionApprove
		outcome = TimeoutOutcomeApproved
		if step.Escalation.OnTimeout == repository.TimeoutAutoReject {
			decision = repository.DecisionReject
			outcome = TimeoutOutcomeRejected
		}
		action := &repository.ApprovalAction{
			ID:         uuid.NewString(),
			RequestID:  req.ID,
			StepIndex:  req.CurrentStepIndex,
			ApproverID: repository.SystemActorID,
			Decision:   decision,
			Comment:    "step timed out",
			IsSystem:   true,
			DecidedAt:  now,
		}
		t, err = m.applyDecision(ctx, req, nil, nil, action, now)
		if err != nil {
			return TimeoutOutcomeNone, err
		}
		if m.metrics != nil {
			m.metrics.Decisions.WithLabelValues(string(decision), "system").Inc()
		}

	case repository.TimeoutEscalateToRole:
		if req.EscalatedRole == nil {
			t, err = m.escalate(ctx, req, step, now)
			if err != nil {
				return TimeoutOutcomeNone, err
			}
			if t != nil {
				outcome = TimeoutOutcomeEscalate
				break
			}
		}
		t, outcome = m.expire(req, now, "escalated step timed out"), TimeoutOutcomeExpired

	default:
		t, outcome = m.expire(req, now, "step timed out"), TimeoutOutcomeExpired
	}

	if err := m.commit(ctx, req, t); err != nil {
		return TimeoutOutcomeNone, err
	}
	if m.metrics != nil {
		m.metrics.Escalations.WithLabelValues(outcome).Inc()
	}

	m.log.Info().
		Str("request_id", req.ID).
		Str("outcome", outcome).
		Int("step", req.CurrentStepIndex).
		Str("status", string(t.next.Status)).
		Msg("Step timeout applied")
	return outcome, nil
}

// escalate hands the current step to the fallback role and restarts its
// clock. Returns nil when the fallback role has no eligible users, in which
// case the caller expires the request.
func (m *ApprovalRequestManager) escalate(ctx context.Context, req *repository.ApprovalRequest, step repository.StepDefinition, now time.Time) (*transition, error) {
	role := step.Escalation.FallbackRole
	approvers, err := m.resolveApprovers(ctx, req.TenantID, role, req.RequestedBy)
	if errors.HasCode(err, errors.ErrCodeRoleResolution) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.checkQuorum(req, req.CurrentStepIndex, step.Quorum, approvers)

	next := req.Clone()
	next.EscalatedRole = &role
	next.StepStartedAt = now
	next.StepDueAt = dueAt(step, now)
	next.UpdatedAt = now

	return &transition{
		next:       next,
		actorID:    repository.SystemActorID,
		event:      EventRequestEscalated,
		recipients: approvers,
		payload: map[string]interface{}{
			"escalated_role": role,
			"step":           req.CurrentStepIndex,
		},
	}, nil
}

func (m *ApprovalRequestManager) expire(req *repository.ApprovalRequest, now time.Time, note string) *transition {
	next := req.Clone()
	next.UpdatedAt = now
	m.resolve(next, repository.StatusExpired, now, note)
	return &transition{
		next:       next,
		actorID:    repository.SystemActorID,
		event:      EventRequestResolved,
		recipients: []string{req.RequestedBy},
		payload:    map[string]interface{}{"reason": note},
	}
}

// ── Reads ─────────────────────────────────────────────────────────────────────

// GetRequest returns a request visible to tenantID.
func (m *ApprovalRequestManager) GetRequest(ctx context.Context, tenantID, requestID string) (*repository.ApprovalRequest, error) {
	return m.load(ctx, tenantID, requestID)
}

// ListActions returns a request's decisions, oldest first.
func (m *ApprovalRequestManager) ListActions(ctx context.Context, tenantID, requestID string) ([]*repository.ApprovalAction, error) {
	if _, err := m.load(ctx, tenantID, requestID); err != nil {
		return nil, err
	}
	return m.requests.ListActions(ctx, requestID)
}

// History returns a request's audit trail, oldest first.
func (m *ApprovalRequestManager) History(ctx context.Context, tenantID, requestID string) ([]*repository.AuditEntry, error) {
	if _, err := m.load(ctx, tenantID, requestID); err != nil {
		return nil, err
	}
	if m.auditLog == nil {
		return nil, nil
	}
	return m.auditLog.ListByRequest(ctx, requestID)
}

// ── helpers ───────────────────────────────────────────────────────────────────

// load fetches a request, hiding other tenants' requests. An empty tenantID
// skips the check (internal callers).
func (m *ApprovalRequestManager) load(ctx context.Context, tenantID, requestID string) (*repository.ApprovalRequest, error) {
	if requestID == "" {
		return nil, errors.InvalidInput("request_id", "is required")
	}
	req, err := m.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if tenantID != "" && req.TenantID != tenantID {
		return nil, errors.NotFound("approval_request", requestID)
	}
	return req, nil
}

func (m *ApprovalRequestManager) resolveApprovers(ctx context.Context, tenantID, role, requester string) ([]string, error) {
	users, err := m.resolver.ResolveExcluding(ctx, tenantID, role, requester)
	if err != nil && errors.HasCode(err, errors.ErrCodeRoleResolution) && m.metrics != nil {
		m.metrics.RoleResolveErrors.Inc()
	}
	return users, err
}

func (m *ApprovalRequestManager) archiveAsync(req *repository.ApprovalRequest) {
	if m.archiver == nil {
		return
	}
	m.background.Add(1)
	go func() {
		defer m.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		actions, err := m.requests.ListActions(ctx, req.ID)
		if err == nil {
			err = m.archiver.Archive(ctx, req, actions)
		}
		result := "ok"
		if err != nil {
			result = "failed"
			m.log.Warn().Err(err).Str("request_id", req.ID).Msg("Archive of terminal request failed (non-fatal)")
		}
		if m.metrics != nil {
			m.metrics.Archives.WithLabelValues(result).Inc()
		}
	}()
}

func (m *ApprovalRequestManager) countStale() {
	if m.metrics != nil {
		m.metrics.StaleConflicts.Inc()
	}
}

func dueAt(step repository.StepDefinition, from time.Time) *time.Time {
	if step.Escalation.TimeoutSeconds <= 0 {
		return nil
	}
	due := from.Add(step.Escalation.Timeout())
	return &due
}

func copyContext(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func eventPayload(req *repository.ApprovalRequest) map[string]interface{} {
	return map[string]interface{}{
		"entity_type": req.EntityType,
		"entity_id":   req.EntityID,
		"status":      string(req.Status),
		"step":        req.CurrentStepIndex,
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
