package repository

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/database"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
)

const pgUniqueViolation = "23505"

// ApprovalRequestRepository stores requests and their decisions in Postgres.
// The partial unique index approval_requests_one_active enforces a single
// non-terminal request per (tenant_id, entity_type, entity_id).
type ApprovalRequestRepository struct {
	db *database.DB
}

// NewApprovalRequestRepository creates a new ApprovalRequestRepository.
func NewApprovalRequestRepository(db *database.DB) *ApprovalRequestRepository {
	return &ApprovalRequestRepository{db: db}
}

var _ RequestStore = (*ApprovalRequestRepository)(nil)

const requestColumns = `
	id, tenant_id, flow_id, flow_version, flow_snapshot,
	entity_type, entity_id, status, current_step_index,
	step_started_at, step_due_at, escalated_role,
	context_snapshot, requested_by, resolution_note,
	created_at, updated_at, completed_at, version`

// Create inserts a new request at version 1.
func (r *ApprovalRequestRepository) Create(ctx context.Context, req *ApprovalRequest) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	flowJSON, err := json.Marshal(req.Flow)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal flow snapshot")
	}
	contextJSON, err := json.Marshal(req.ContextSnapshot)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal context snapshot")
	}
	if req.Version == 0 {
		req.Version = 1
	}

	query := `
		INSERT INTO approval_requests (` + requestColumns + `)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9,
		        $10, $11, $12,
		        $13, $14, $15,
		        $16, $17, $18, $19)
	`

	_, err = r.db.Exec(ctx, query,
		req.ID,
		req.TenantID,
		req.FlowID,
		req.FlowVersion,
		flowJSON,
		req.EntityType,
		req.EntityID,
		req.Status,
		req.CurrentStepIndex,
		req.StepStartedAt,
		req.StepDueAt,
		req.EscalatedRole,
		contextJSON,
		req.RequestedBy,
		req.ResolutionNote,
		req.CreatedAt,
		req.UpdatedAt,
		req.CompletedAt,
		req.Version,
	)
	if isUniqueViolation(err) {
		return errors.DuplicateActiveRequest(req.TenantID, req.EntityType, req.EntityID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval request")
	}
	return nil
}

// GetByID retrieves a request by primary key.
func (r *ApprovalRequestRepository) GetByID(ctx context.Context, id string) (*ApprovalRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM approval_requests WHERE id = $1`

	req, err := r.scanRequest(r.db.QueryRow(ctx, query, id))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("approval_request", id)
	}
	return req, err
}

// GetActiveByEntity returns the live request for an entity, or nil when none.
func (r *ApprovalRequestRepository) GetActiveByEntity(ctx context.Context, tenantID, entityType, entityID string) (*ApprovalRequest, error) {
	query := `
		SELECT ` + requestColumns + `
		FROM approval_requests
		WHERE tenant_id = $1 AND entity_type = $2 AND entity_id = $3
		  AND status IN ('PENDING', 'IN_REVIEW')
		LIMIT 1
	`

	req, err := r.scanRequest(r.db.QueryRow(ctx, query, tenantID, entityType, entityID))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return req, err
}

// Transition writes next under a version check and appends action in the
// same transaction.
func (r *ApprovalRequestRepository) Transition(ctx context.Context, next *ApprovalRequest, expectedVersion int64, action *ApprovalAction) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			UPDATE approval_requests
			SET status             = $3,
			    current_step_index = $4,
			    step_started_at    = $5,
			    step_due_at        = $6,
			    escalated_role     = $7,
			    resolution_note    = $8,
			    completed_at       = $9,
			    updated_at         = $10,
			    version            = version + 1
			WHERE id = $1 AND version = $2
			RETURNING version
		`

		var newVersion int64
		err := tx.QueryRow(ctx, query,
			next.ID,
			expectedVersion,
			next.Status,
			next.CurrentStepIndex,
			next.StepStartedAt,
			next.StepDueAt,
			next.EscalatedRole,
			next.ResolutionNote,
			next.CompletedAt,
			next.UpdatedAt,
		).Scan(&newVersion)
		if stderrors.Is(err, pgx.ErrNoRows) {
			return errors.StaleRequest(next.ID, expectedVersion)
		}
		if isUniqueViolation(err) {
			// reopening is impossible, so this only fires on a corrupt write
			return errors.DuplicateActiveRequest(next.TenantID, next.EntityType, next.EntityID)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval request")
		}

		if action != nil {
			if err := insertAction(ctx, tx, action); err != nil {
				return err
			}
		}

		next.Version = newVersion
		return nil
	})
}

func insertAction(ctx context.Context, tx pgx.Tx, action *ApprovalAction) error {
	if action.ID == "" {
		action.ID = uuid.NewString()
	}

	query := `
		INSERT INTO approval_actions
		    (id, request_id, step_index, approver_id,
		     decision, comment, is_system, decided_at)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7, $8)
	`

	_, err := tx.Exec(ctx, query,
		action.ID,
		action.RequestID,
		action.StepIndex,
		action.ApproverID,
		action.Decision,
		action.Comment,
		action.IsSystem,
		action.DecidedAt,
	)
	if isUniqueViolation(err) {
		return errors.AlreadyDecided(action.RequestID, action.ApproverID, action.StepIndex)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to record approval action")
	}
	return nil
}

// ListActions returns every action on a request, oldest first.
func (r *ApprovalRequestRepository) ListActions(ctx context.Context, requestID string) ([]*ApprovalAction, error) {
	query := `
		SELECT id, request_id, step_index, approver_id,
		       decision, comment, is_system, decided_at
		FROM approval_actions
		WHERE request_id = $1
		ORDER BY decided_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval actions")
	}
	defer rows.Close()

	var actions []*ApprovalAction
	for rows.Next() {
		a := &ApprovalAction{}
		var comment *string
		if err := rows.Scan(
			&a.ID,
			&a.RequestID,
			&a.StepIndex,
			&a.ApproverID,
			&a.Decision,
			&comment,
			&a.IsSystem,
			&a.DecidedAt,
		); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval action")
		}
		if comment != nil {
			a.Comment = *comment
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// ListActive returns a tenant's non-terminal requests, oldest first.
func (r *ApprovalRequestRepository) ListActive(ctx context.Context, tenantID string) ([]*ApprovalRequest, error) {
	query := `
		SELECT ` + requestColumns + `
		FROM approval_requests
		WHERE tenant_id = $1 AND status IN ('PENDING', 'IN_REVIEW')
		ORDER BY created_at ASC
	`

	rows, err := r.db.Query(ctx, query, tenantID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list active approval requests")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ListOverdue returns non-terminal requests whose current step is past due,
// across all tenants, most overdue first.
func (r *ApprovalRequestRepository) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*ApprovalRequest, error) {
	query := `
		SELECT ` + requestColumns + `
		FROM approval_requests
		WHERE status IN ('PENDING', 'IN_REVIEW')
		  AND step_due_at IS NOT NULL
		  AND step_due_at <= $1
		ORDER BY step_due_at ASC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list overdue approval requests")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func (r *ApprovalRequestRepository) scanRows(rows pgx.Rows) ([]*ApprovalRequest, error) {
	var reqs []*ApprovalRequest
	for rows.Next() {
		req, err := r.scanRequest(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}

type requestScanner interface {
	Scan(dest ...any) error
}

func (r *ApprovalRequestRepository) scanRequest(row requestScanner) (*ApprovalRequest, error) {
	req := &ApprovalRequest{}
	var flowJSON, contextJSON []byte

	err := row.Scan(
		&req.ID,
		&req.TenantID,
		&req.FlowID,
		&req.FlowVersion,
		&flowJSON,
		&req.EntityType,
		&req.EntityID,
		&req.Status,
		&req.CurrentStepIndex,
		&req.StepStartedAt,
		&req.StepDueAt,
		&req.EscalatedRole,
		&contextJSON,
		&req.RequestedBy,
		&req.ResolutionNote,
		&req.CreatedAt,
		&req.UpdatedAt,
		&req.CompletedAt,
		&req.Version,
	)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval request")
	}

	if err := json.Unmarshal(flowJSON, &req.Flow); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal flow snapshot")
	}
	if contextJSON != nil {
		if err := json.Unmarshal(contextJSON, &req.ContextSnapshot); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal context snapshot")
		}
	}
	return req, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return stderrors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
