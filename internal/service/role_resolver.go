package service

import (
	"context"
	"sort"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-ops-approvals/internal/repository"
)

// defaultRoleMap maps the abstract roles used in flow definitions to the
// concrete roles assigned to users. Tenants may override any entry.
var defaultRoleMap = map[string]string{
	"STORE_MANAGER":     "MANAGER",
	"PURCHASING":        "SUPPLY",
	"FINANCE":           "FINANCE",
	"SALES_MANAGER":     "SALES_LEAD",
	"REGIONAL_DIRECTOR": "DIRECTOR",
	"ADMIN":             "ADMIN",
}

// RoleResolver turns an abstract approver role into the set of user ids who
// currently hold it for a tenant.
type RoleResolver struct {
	directory repository.RoleDirectory
	log       *logger.Logger
}

// NewRoleResolver creates a new RoleResolver.
func NewRoleResolver(directory repository.RoleDirectory, log *logger.Logger) *RoleResolver {
	return &RoleResolver{directory: directory, log: log}
}

// ConcreteRole returns the concrete role for abstractRole, applying the
// tenant override first, then the default map. Unknown roles pass through
// unchanged so tenants can reference their own concrete roles directly.
func (r *RoleResolver) ConcreteRole(ctx context.Context, tenantID, abstractRole string) (string, error) {
	override, err := r.directory.TenantRoleOverride(ctx, tenantID, abstractRole)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInternal, "failed to read tenant role override")
	}
	if override != "" {
		return override, nil
	}
	if concrete, ok := defaultRoleMap[abstractRole]; ok {
		return concrete, nil
	}
	return abstractRole, nil
}

// Resolve returns the sorted, de-duplicated users holding role. An empty
// result is a ROLE_RESOLUTION error.
func (r *RoleResolver) Resolve(ctx context.Context, tenantID, role string) ([]string, error) {
	return r.ResolveExcluding(ctx, tenantID, role, "")
}

// ResolveExcluding is Resolve with excludeUser removed from the result, so
// requesters never approve their own requests.
func (r *RoleResolver) ResolveExcluding(ctx context.Context, tenantID, role, excludeUser string) ([]string, error) {
	concrete, err := r.ConcreteRole(ctx, tenantID, role)
	if err != nil {
		return nil, err
	}

	users, err := r.directory.UsersWithRole(ctx, tenantID, concrete)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list users with role")
	}

	seen := make(map[string]struct{}, len(users))
	out := make([]string, 0, len(users))
	for _, u := range users {
		if u == "" || u == excludeUser {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	sort.Strings(out)

	if len(out) == 0 {
		reason := "no active users hold " + concrete
		if excludeUser != "" && len(users) > 0 {
			reason = "only the requester holds " + concrete
		}
		r.log.Error().
			Str("tenant_id", tenantID).
			Str("role", role).
			Str("concrete_role", concrete).
			Msg("Approver role resolved to no users")
		return nil, errors.RoleResolution(tenantID, role, reason)
	}
	return out, nil
}
