package repository

import (
	"context"
	"encoding/json"
	stderrors "errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/database"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
)

// ApprovalFlowRepository handles versioned flow definitions. Conditions and
// steps are stored as JSONB; a published row is never updated except to
// clear is_active.
type ApprovalFlowRepository struct {
	db *database.DB
}

// NewApprovalFlowRepository creates a new ApprovalFlowRepository.
func NewApprovalFlowRepository(db *database.DB) *ApprovalFlowRepository {
	return &ApprovalFlowRepository{db: db}
}

var _ FlowStore = (*ApprovalFlowRepository)(nil)

const flowColumns = `
	id, tenant_id, name, entity_type, version,
	trigger_conditions, steps, is_active, created_by, created_at`

// Publish stores flow as the new active version for its tenant and entity type.
func (r *ApprovalFlowRepository) Publish(ctx context.Context, flow *ApprovalFlow) error {
	condJSON, err := json.Marshal(flow.TriggerConditions)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal trigger conditions")
	}
	stepsJSON, err := json.Marshal(flow.Steps)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal flow steps")
	}
	if flow.ID == "" {
		flow.ID = uuid.NewString()
	}

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		// Serialise publishers of the same (tenant, entity type).
		if _, err := tx.Exec(ctx,
			`SELECT pg_advisory_xact_lock(hashtext($1 || ':' || $2))`,
			flow.TenantID, flow.EntityType,
		); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to lock flow publication")
		}

		var maxVersion int
		err := tx.QueryRow(ctx, `
			SELECT COALESCE(MAX(version), 0)
			FROM approval_flows
			WHERE tenant_id = $1 AND entity_type = $2
		`, flow.TenantID, flow.EntityType).Scan(&maxVersion)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to read flow version")
		}

		if _, err := tx.Exec(ctx, `
			UPDATE approval_flows
			SET is_active = FALSE
			WHERE tenant_id = $1 AND entity_type = $2 AND is_active
		`, flow.TenantID, flow.EntityType); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to deactivate previous flow")
		}

		flow.Version = maxVersion + 1
		flow.IsActive = true

		query := `
			INSERT INTO approval_flows
			    (id, tenant_id, name, entity_type, version,
			     trigger_conditions, steps, is_active, created_by)
			VALUES ($1, $2, $3, $4, $5,
			        $6, $7, TRUE, $8)
			RETURNING created_at
		`
		err = tx.QueryRow(ctx, query,
			flow.ID,
			flow.TenantID,
			flow.Name,
			flow.EntityType,
			flow.Version,
			condJSON,
			stepsJSON,
			flow.CreatedBy,
		).Scan(&flow.CreatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to insert approval flow")
		}
		return nil
	})
}

// GetActive returns the active flow, or nil when the tenant has none.
func (r *ApprovalFlowRepository) GetActive(ctx context.Context, tenantID, entityType string) (*ApprovalFlow, error) {
	query := `
		SELECT ` + flowColumns + `
		FROM approval_flows
		WHERE tenant_id = $1 AND entity_type = $2 AND is_active
		ORDER BY version DESC
		LIMIT 1
	`

	flow, err := r.scanFlow(r.db.QueryRow(ctx, query, tenantID, entityType))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return flow, err
}

// GetFlow retrieves any version of a flow by primary key.
func (r *ApprovalFlowRepository) GetFlow(ctx context.Context, id string) (*ApprovalFlow, error) {
	query := `SELECT ` + flowColumns + ` FROM approval_flows WHERE id = $1`

	flow, err := r.scanFlow(r.db.QueryRow(ctx, query, id))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("approval_flow", id)
	}
	return flow, err
}

// List returns a tenant's flows, optionally only the active ones.
func (r *ApprovalFlowRepository) List(ctx context.Context, tenantID string, activeOnly bool) ([]*ApprovalFlow, error) {
	query := `
		SELECT ` + flowColumns + `
		FROM approval_flows
		WHERE tenant_id = $1
	`
	if activeOnly {
		query += " AND is_active"
	}
	query += " ORDER BY entity_type ASC, version DESC"

	rows, err := r.db.Query(ctx, query, tenantID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval flows")
	}
	defer rows.Close()

	var flows []*ApprovalFlow
	for rows.Next() {
		flow, err := r.scanFlow(rows)
		if err != nil {
			return nil, err
		}
		flows = append(flows, flow)
	}
	return flows, rows.Err()
}

// Deactivate clears is_active on a flow. In-flight requests keep their snapshot.
func (r *ApprovalFlowRepository) Deactivate(ctx context.Context, tenantID, id string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE approval_flows
		SET is_active = FALSE
		WHERE id = $1 AND tenant_id = $2
	`, id, tenantID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to deactivate approval flow")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("approval_flow", id)
	}
	return nil
}

// ── scan helper ───────────────────────────────────────────────────────────────

type flowScanner interface {
	Scan(dest ...any) error
}

func (r *ApprovalFlowRepository) scanFlow(row flowScanner) (*ApprovalFlow, error) {
	flow := &ApprovalFlow{}
	var condJSON, stepsJSON []byte
	var createdBy *string

	err := row.Scan(
		&flow.ID,
		&flow.TenantID,
		&flow.Name,
		&flow.EntityType,
		&flow.Version,
		&condJSON,
		&stepsJSON,
		&flow.IsActive,
		&createdBy,
		&flow.CreatedAt,
	)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval flow")
	}
	if createdBy != nil {
		flow.CreatedBy = *createdBy
	}

	if condJSON != nil {
		if err := json.Unmarshal(condJSON, &flow.TriggerConditions); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal trigger conditions")
		}
	}
	if err := json.Unmarshal(stepsJSON, &flow.Steps); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal flow steps")
	}
	return flow, nil
}
