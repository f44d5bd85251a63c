package repository

import (
	"context"
	stderrors "errors"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/database"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
)

// RoleDirectoryRepository reads tenant role mappings and user role
// assignments. Both tables are owned by the identity service; this service
// only reads them.
type RoleDirectoryRepository struct {
	db *database.DB
}

// NewRoleDirectoryRepository creates a new RoleDirectoryRepository.
func NewRoleDirectoryRepository(db *database.DB) *RoleDirectoryRepository {
	return &RoleDirectoryRepository{db: db}
}

var _ RoleDirectory = (*RoleDirectoryRepository)(nil)

// TenantRoleOverride returns the tenant's concrete role for abstractRole, or "".
func (r *RoleDirectoryRepository) TenantRoleOverride(ctx context.Context, tenantID, abstractRole string) (string, error) {
	query := `
		SELECT concrete_role
		FROM tenant_role_mappings
		WHERE tenant_id = $1 AND abstract_role = $2
	`

	var concrete string
	err := r.db.QueryRow(ctx, query, tenantID, abstractRole).Scan(&concrete)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInternal, "failed to read tenant role mapping")
	}
	return concrete, nil
}

// UsersWithRole returns active users holding concreteRole in the tenant.
func (r *RoleDirectoryRepository) UsersWithRole(ctx context.Context, tenantID, concreteRole string) ([]string, error) {
	query := `
		SELECT DISTINCT user_id
		FROM user_role_assignments
		WHERE tenant_id = $1 AND role = $2 AND is_active
		ORDER BY user_id ASC
	`

	rows, err := r.db.Query(ctx, query, tenantID, concreteRole)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list users with role")
	}
	defer rows.Close()

	users, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan role assignment")
	}
	return users, nil
}
