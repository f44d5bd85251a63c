package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
)

// MemoryStore is an in-memory implementation of every store interface. It is
// used by tests and by the server when no database is configured. All
// records are copied on the way in and out.
type MemoryStore struct {
	mu sync.RWMutex

	requests map[string]*ApprovalRequest
	actions  map[string][]*ApprovalAction
	flows    map[string]*ApprovalFlow
	audit    map[string][]*AuditEntry
	retries  map[string]*AuditRetry

	roleOverrides map[string]string   // tenant|abstract -> concrete
	roleUsers     map[string][]string // tenant|concrete -> users
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:      map[string]*ApprovalRequest{},
		actions:       map[string][]*ApprovalAction{},
		flows:         map[string]*ApprovalFlow{},
		audit:         map[string][]*AuditEntry{},
		retries:       map[string]*AuditRetry{},
		roleOverrides: map[string]string{},
		roleUsers:     map[string][]string{},
	}
}

var (
	_ RequestStore    = (*MemoryStore)(nil)
	_ FlowStore       = (*MemoryStore)(nil)
	_ RoleDirectory   = (*MemoryStore)(nil)
	_ AuditStore      = (*MemoryStore)(nil)
	_ AuditRetryQueue = (*MemoryStore)(nil)
)

func roleKey(tenantID, role string) string { return tenantID + "|" + role }

// ── Requests ─────────────────────────────────────────────────────────────────

func (m *MemoryStore) Create(ctx context.Context, req *ApprovalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activeLocked(req.TenantID, req.EntityType, req.EntityID) != nil {
		return errors.DuplicateActiveRequest(req.TenantID, req.EntityType, req.EntityID)
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Version == 0 {
		req.Version = 1
	}
	m.requests[req.ID] = req.Clone()
	return nil
}

func (m *MemoryStore) GetByID(ctx context.Context, id string) (*ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	req, ok := m.requests[id]
	if !ok {
		return nil, errors.NotFound("approval_request", id)
	}
	return req.Clone(), nil
}

func (m *MemoryStore) GetActiveByEntity(ctx context.Context, tenantID, entityType, entityID string) (*ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if req := m.activeLocked(tenantID, entityType, entityID); req != nil {
		return req.Clone(), nil
	}
	return nil, nil
}

func (m *MemoryStore) activeLocked(tenantID, entityType, entityID string) *ApprovalRequest {
	for _, req := range m.requests {
		if req.TenantID == tenantID && req.EntityType == entityType &&
			req.EntityID == entityID && !req.Status.IsTerminal() {
			return req
		}
	}
	return nil
}

func (m *MemoryStore) Transition(ctx context.Context, next *ApprovalRequest, expectedVersion int64, action *ApprovalAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.requests[next.ID]
	if !ok {
		return errors.NotFound("approval_request", next.ID)
	}
	if cur.Version != expectedVersion {
		return errors.StaleRequest(next.ID, expectedVersion)
	}
	if action != nil {
		for _, a := range m.actions[next.ID] {
			if a.StepIndex == action.StepIndex && a.ApproverID == action.ApproverID {
				return errors.AlreadyDecided(action.RequestID, action.ApproverID, action.StepIndex)
			}
		}
		if action.ID == "" {
			action.ID = uuid.NewString()
		}
		cp := *action
		m.actions[next.ID] = append(m.actions[next.ID], &cp)
	}

	next.Version = expectedVersion + 1
	m.requests[next.ID] = next.Clone()
	return nil
}

func (m *MemoryStore) ListActions(ctx context.Context, requestID string) ([]*ApprovalAction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*ApprovalAction, 0, len(m.actions[requestID]))
	for _, a := range m.actions[requestID] {
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) ListActive(ctx context.Context, tenantID string) ([]*ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*ApprovalRequest
	for _, req := range m.requests {
		if req.TenantID == tenantID && !req.Status.IsTerminal() {
			out = append(out, req.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*ApprovalRequest
	for _, req := range m.requests {
		if req.Status.IsTerminal() || req.StepDueAt == nil || req.StepDueAt.After(now) {
			continue
		}
		out = append(out, req.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepDueAt.Before(*out[j].StepDueAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ── Flows ────────────────────────────────────────────────────────────────────

func (m *MemoryStore) Publish(ctx context.Context, flow *ApprovalFlow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	maxVersion := 0
	for _, f := range m.flows {
		if f.TenantID != flow.TenantID || f.EntityType != flow.EntityType {
			continue
		}
		if f.Version > maxVersion {
			maxVersion = f.Version
		}
		f.IsActive = false
	}
	if flow.ID == "" {
		flow.ID = uuid.NewString()
	}
	flow.Version = maxVersion + 1
	flow.IsActive = true
	flow.CreatedAt = time.Now().UTC()
	m.flows[flow.ID] = flow.Clone()
	return nil
}

func (m *MemoryStore) GetActive(ctx context.Context, tenantID, entityType string) (*ApprovalFlow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, f := range m.flows {
		if f.TenantID == tenantID && f.EntityType == entityType && f.IsActive {
			return f.Clone(), nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) GetFlow(ctx context.Context, id string) (*ApprovalFlow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.flows[id]
	if !ok {
		return nil, errors.NotFound("approval_flow", id)
	}
	return f.Clone(), nil
}

func (m *MemoryStore) List(ctx context.Context, tenantID string, activeOnly bool) ([]*ApprovalFlow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*ApprovalFlow
	for _, f := range m.flows {
		if f.TenantID != tenantID || (activeOnly && !f.IsActive) {
			continue
		}
		out = append(out, f.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntityType != out[j].EntityType {
			return out[i].EntityType < out[j].EntityType
		}
		return out[i].Version > out[j].Version
	})
	return out, nil
}

func (m *MemoryStore) Deactivate(ctx context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.flows[id]
	if !ok || f.TenantID != tenantID {
		return errors.NotFound("approval_flow", id)
	}
	f.IsActive = false
	return nil
}

// ── Roles ────────────────────────────────────────────────────────────────────

// SetTenantRoleOverride maps abstractRole to concreteRole for a tenant.
func (m *MemoryStore) SetTenantRoleOverride(tenantID, abstractRole, concreteRole string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roleOverrides[roleKey(tenantID, abstractRole)] = concreteRole
}

// AssignRole grants concreteRole to userID within a tenant.
func (m *MemoryStore) AssignRole(a RoleAssignment) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := roleKey(a.TenantID, a.Role)
	users := m.roleUsers[key][:0:0]
	for _, u := range m.roleUsers[key] {
		if u != a.UserID {
			users = append(users, u)
		}
	}
	if a.IsActive {
		users = append(users, a.UserID)
	}
	m.roleUsers[key] = users
}

func (m *MemoryStore) TenantRoleOverride(ctx context.Context, tenantID, abstractRole string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.roleOverrides[roleKey(tenantID, abstractRole)], nil
}

func (m *MemoryStore) UsersWithRole(ctx context.Context, tenantID, concreteRole string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := append([]string(nil), m.roleUsers[roleKey(tenantID, concreteRole)]...)
	sort.Strings(users)
	return users, nil
}

// ── Audit ────────────────────────────────────────────────────────────────────

func (m *MemoryStore) Append(ctx context.Context, entry *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	for _, e := range m.audit[entry.RequestID] {
		if e.ID == entry.ID {
			return nil
		}
	}
	cp := *entry
	m.audit[entry.RequestID] = append(m.audit[entry.RequestID], &cp)
	return nil
}

func (m *MemoryStore) ListByRequest(ctx context.Context, requestID string) ([]*AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*AuditEntry, 0, len(m.audit[requestID]))
	for _, e := range m.audit[requestID] {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

// ── Audit retries ────────────────────────────────────────────────────────────

func (m *MemoryStore) Enqueue(ctx context.Context, entry *AuditEntry, cause string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *entry
	now := time.Now().UTC()
	id := uuid.NewString()
	m.retries[id] = &AuditRetry{
		ID:            id,
		Entry:         &cp,
		LastError:     &cause,
		NextAttemptAt: now,
		Status:        AuditRetryPending,
		CreatedAt:     now,
	}
	return nil
}

func (m *MemoryStore) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*AuditRetry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*AuditRetry
	for _, r := range m.retries {
		if r.Status == AuditRetryPending && !r.NextAttemptAt.After(now) {
			due = append(due, r)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*AuditRetry, 0, len(due))
	for _, r := range due {
		r.Attempts++
		r.NextAttemptAt = now.Add(lease)
		cp := *r
		entry := *r.Entry
		cp.Entry = &entry
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) MarkDelivered(ctx context.Context, id string) error {
	return m.updateRetry(id, func(r *AuditRetry) { r.Status = AuditRetryDelivered })
}

func (m *MemoryStore) MarkFailed(ctx context.Context, id, lastErr string, nextAttemptAt time.Time) error {
	return m.updateRetry(id, func(r *AuditRetry) {
		r.Status = AuditRetryPending
		r.LastError = &lastErr
		r.NextAttemptAt = nextAttemptAt
	})
}

func (m *MemoryStore) MarkDead(ctx context.Context, id, lastErr string) error {
	return m.updateRetry(id, func(r *AuditRetry) {
		r.Status = AuditRetryDead
		r.LastError = &lastErr
	})
}

func (m *MemoryStore) updateRetry(id string, fn func(*AuditRetry)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.retries[id]
	if !ok {
		return errors.NotFound("audit_retry", id)
	}
	fn(r)
	return nil
}

// Retries returns a snapshot of every queued retry, for inspection in tests.
func (m *MemoryStore) Retries() []AuditRetry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]AuditRetry, 0, len(m.retries))
	for _, r := range m.retries {
		out = append(out, *r)
	}
	return out
}
