package repository

import (
	"context"
	"time"
)

// RequestStore persists approval requests and their actions.
//
// Transition is the only way to change a stored request: it writes next when
// the stored version still equals expectedVersion, bumps the version, and
// appends action (when non-nil) in the same atomic unit. A version mismatch
// returns a STALE_REQUEST error.
type RequestStore interface {
	Create(ctx context.Context, req *ApprovalRequest) error
	GetByID(ctx context.Context, id string) (*ApprovalRequest, error)
	GetActiveByEntity(ctx context.Context, tenantID, entityType, entityID string) (*ApprovalRequest, error)
	Transition(ctx context.Context, next *ApprovalRequest, expectedVersion int64, action *ApprovalAction) error
	ListActions(ctx context.Context, requestID string) ([]*ApprovalAction, error)
	ListActive(ctx context.Context, tenantID string) ([]*ApprovalRequest, error)
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]*ApprovalRequest, error)
}

// FlowStore persists versioned approval flows.
type FlowStore interface {
	// GetActive returns nil, nil when the tenant has no active flow for the entity type.
	GetActive(ctx context.Context, tenantID, entityType string) (*ApprovalFlow, error)
	GetFlow(ctx context.Context, id string) (*ApprovalFlow, error)
	List(ctx context.Context, tenantID string, activeOnly bool) ([]*ApprovalFlow, error)
	// Publish assigns the next version, deactivates the current active flow
	// for the same tenant and entity type, and stores flow as active.
	Publish(ctx context.Context, flow *ApprovalFlow) error
	Deactivate(ctx context.Context, tenantID, id string) error
}

// RoleDirectory answers role questions for the RoleResolver.
type RoleDirectory interface {
	// TenantRoleOverride returns the tenant-specific concrete role for an
	// abstract role, or "" when the tenant has none.
	TenantRoleOverride(ctx context.Context, tenantID, abstractRole string) (string, error)
	UsersWithRole(ctx context.Context, tenantID, concreteRole string) ([]string, error)
}

// AuditStore is the durable audit log.
type AuditStore interface {
	Append(ctx context.Context, entry *AuditEntry) error
	ListByRequest(ctx context.Context, requestID string) ([]*AuditEntry, error)
}

// AuditRetryQueue holds audit entries whose first write failed.
type AuditRetryQueue interface {
	Enqueue(ctx context.Context, entry *AuditEntry, cause string) error
	// ClaimDue returns up to limit pending retries due at now, increments
	// their attempt counters and pushes next_attempt_at out by lease so a
	// crashed worker's claims become due again.
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*AuditRetry, error)
	MarkDelivered(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, lastErr string, nextAttemptAt time.Time) error
	MarkDead(ctx context.Context, id, lastErr string) error
}
