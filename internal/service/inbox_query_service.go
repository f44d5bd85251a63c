package service

import (
	"context"
	"sort"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-ops-approvals/internal/repository"
)

// InboxItem is one request awaiting a user's decision.
type InboxItem struct {
	Request      *repository.ApprovalRequest `json:"request"`
	ApproverRole string                      `json:"approverRole"`
}

// InboxQueryService answers "what is waiting for me".
type InboxQueryService struct {
	requests repository.RequestStore
	resolver *RoleResolver
	log      *logger.Logger
}

// NewInboxQueryService creates a new InboxQueryService.
func NewInboxQueryService(requests repository.RequestStore, resolver *RoleResolver, log *logger.Logger) *InboxQueryService {
	return &InboxQueryService{requests: requests, resolver: resolver, log: log}
}

// ListPending returns the tenant's live requests whose current step lists
// userID as an approver and that userID has not yet decided, oldest first.
// Requests whose role cannot be resolved are skipped.
func (s *InboxQueryService) ListPending(ctx context.Context, tenantID, userID string) ([]*InboxItem, error) {
	if tenantID == "" || userID == "" {
		return nil, errors.InvalidInput("user", "tenant and user are required")
	}

	active, err := s.requests.ListActive(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	// resolve each (role) once per call
	resolved := map[string][]string{}
	items := make([]*InboxItem, 0)
	for _, req := range active {
		if req.RequestedBy == userID {
			continue
		}
		role := req.CurrentApproverRole()
		users, ok := resolved[role]
		if !ok {
			users, err = s.resolver.Resolve(ctx, tenantID, role)
			if err != nil {
				if !errors.HasCode(err, errors.ErrCodeRoleResolution) {
					return nil, err
				}
				s.log.Warn().Err(err).Str("request_id", req.ID).Str("role", role).Msg("Inbox: skipping request with unresolvable role")
				users = nil
			}
			resolved[role] = users
		}
		if !contains(users, userID) {
			continue
		}

		decided, err := s.hasDecided(ctx, req, userID)
		if err != nil {
			return nil, err
		}
		if decided {
			continue
		}
		items = append(items, &InboxItem{Request: req, ApproverRole: role})
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Request.CreatedAt.Before(items[j].Request.CreatedAt)
	})
	return items, nil
}

func (s *InboxQueryService) hasDecided(ctx context.Context, req *repository.ApprovalRequest, userID string) (bool, error) {
	if req.Status == repository.StatusPending {
		// no decisions on the current step yet
		return false, nil
	}
	actions, err := s.requests.ListActions(ctx, req.ID)
	if err != nil {
		return false, err
	}
	for _, a := range actions {
		if a.StepIndex == req.CurrentStepIndex && a.ApproverID == userID {
			return true, nil
		}
	}
	return false, nil
}
