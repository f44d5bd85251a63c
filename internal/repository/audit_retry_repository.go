package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/database"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
)

// AuditRetryRepository is the Postgres outbox for audit entries that could
// not be written to the sink on the first try.
type AuditRetryRepository struct {
	db *database.DB
}

// NewAuditRetryRepository creates a new AuditRetryRepository.
func NewAuditRetryRepository(db *database.DB) *AuditRetryRepository {
	return &AuditRetryRepository{db: db}
}

var _ AuditRetryQueue = (*AuditRetryRepository)(nil)

// Enqueue stores entry for immediate redelivery.
func (r *AuditRetryRepository) Enqueue(ctx context.Context, entry *AuditEntry, cause string) error {
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit entry")
	}

	query := `
		INSERT INTO approval_audit_retries
		    (id, entry, attempts, last_error, next_attempt_at, status)
		VALUES ($1, $2, 0, $3, NOW(), 'PENDING')
	`

	if _, err := r.db.Exec(ctx, query, uuid.NewString(), entryJSON, cause); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to enqueue audit retry")
	}
	return nil
}

// ClaimDue locks due rows with SKIP LOCKED so concurrent retriers never
// claim the same entry, then leases them forward.
func (r *AuditRetryRepository) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*AuditRetry, error) {
	var claimed []*AuditRetry

	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id, entry, attempts, last_error, next_attempt_at, status, created_at
			FROM approval_audit_retries
			WHERE status = 'PENDING' AND next_attempt_at <= $1
			ORDER BY next_attempt_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		`, now, limit)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to claim audit retries")
		}

		for rows.Next() {
			item := &AuditRetry{}
			var entryJSON []byte
			if err := rows.Scan(
				&item.ID,
				&entryJSON,
				&item.Attempts,
				&item.LastError,
				&item.NextAttemptAt,
				&item.Status,
				&item.CreatedAt,
			); err != nil {
				rows.Close()
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to scan audit retry")
			}
			if err := json.Unmarshal(entryJSON, &item.Entry); err != nil {
				rows.Close()
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal audit retry entry")
			}
			claimed = append(claimed, item)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to read audit retries")
		}

		leaseUntil := now.Add(lease)
		for _, item := range claimed {
			if _, err := tx.Exec(ctx, `
				UPDATE approval_audit_retries
				SET attempts = attempts + 1, next_attempt_at = $2
				WHERE id = $1
			`, item.ID, leaseUntil); err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to lease audit retry")
			}
			item.Attempts++
			item.NextAttemptAt = leaseUntil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkDelivered closes out a retry.
func (r *AuditRetryRepository) MarkDelivered(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, AuditRetryDelivered, nil, nil)
}

// MarkFailed records the failure and schedules the next attempt.
func (r *AuditRetryRepository) MarkFailed(ctx context.Context, id, lastErr string, nextAttemptAt time.Time) error {
	return r.setStatus(ctx, id, AuditRetryPending, &lastErr, &nextAttemptAt)
}

// MarkDead parks a retry after its last allowed attempt.
func (r *AuditRetryRepository) MarkDead(ctx context.Context, id, lastErr string) error {
	return r.setStatus(ctx, id, AuditRetryDead, &lastErr, nil)
}

func (r *AuditRetryRepository) setStatus(ctx context.Context, id string, status AuditRetryStatus, lastErr *string, next *time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE approval_audit_retries
		SET status          = $2,
		    last_error      = COALESCE($3, last_error),
		    next_attempt_at = COALESCE($4, next_attempt_at)
		WHERE id = $1
	`, id, status, lastErr, next)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update audit retry")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("audit_retry", id)
	}
	return nil
}
