package repository

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/database"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
)

// ApprovalAuditRepository appends and reads immutable approval audit log entries.
type ApprovalAuditRepository struct {
	db *database.DB
}

// NewApprovalAuditRepository creates a new ApprovalAuditRepository.
func NewApprovalAuditRepository(db *database.DB) *ApprovalAuditRepository {
	return &ApprovalAuditRepository{db: db}
}

var _ AuditStore = (*ApprovalAuditRepository)(nil)

// Append inserts one audit entry. Entries carry their own id so a redelivered
// entry is written at most once.
func (r *ApprovalAuditRepository) Append(ctx context.Context, entry *AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	var payloadJSON []byte
	if entry.Payload != nil {
		var err error
		payloadJSON, err = json.Marshal(entry.Payload)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit payload")
		}
	}

	query := `
		INSERT INTO approval_audit_log
		    (id, request_id, tenant_id,
		     from_status, to_status, from_step, to_step,
		     actor_id, occurred_at, payload)
		VALUES ($1, $2, $3,
		        $4, $5, $6, $7,
		        $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`

	_, err := r.db.Exec(ctx, query,
		entry.ID,
		entry.RequestID,
		entry.TenantID,
		entry.FromStatus,
		entry.ToStatus,
		entry.FromStep,
		entry.ToStep,
		entry.ActorID,
		entry.Timestamp,
		payloadJSON,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append audit entry")
	}
	return nil
}

// ListByRequest returns the audit trail for a request ordered oldest-first.
func (r *ApprovalAuditRepository) ListByRequest(ctx context.Context, requestID string) ([]*AuditEntry, error) {
	query := `
		SELECT id, request_id, tenant_id,
		       from_status, to_status, from_step, to_step,
		       actor_id, occurred_at, payload
		FROM approval_audit_log
		WHERE request_id = $1
		ORDER BY occurred_at ASC
	`

	rows, err := r.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get audit log")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func (r *ApprovalAuditRepository) scanRows(rows pgx.Rows) ([]*AuditEntry, error) {
	var entries []*AuditEntry
	for rows.Next() {
		entry, err := r.scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

type auditScanner interface {
	Scan(dest ...any) error
}

func (r *ApprovalAuditRepository) scanEntry(sc auditScanner) (*AuditEntry, error) {
	entry := &AuditEntry{}
	var fromStatus *string
	var payloadJSON []byte

	err := sc.Scan(
		&entry.ID,
		&entry.RequestID,
		&entry.TenantID,
		&fromStatus,
		&entry.ToStatus,
		&entry.FromStep,
		&entry.ToStep,
		&entry.ActorID,
		&entry.Timestamp,
		&payloadJSON,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan audit entry")
	}
	if fromStatus != nil {
		entry.FromStatus = RequestStatus(*fromStatus)
	}

	if payloadJSON != nil {
		if err := json.Unmarshal(payloadJSON, &entry.Payload); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal audit payload")
		}
	}

	return entry, nil
}
