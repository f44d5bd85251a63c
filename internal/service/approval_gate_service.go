package service

import (
	"context"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-ops-approvals/internal/repository"
)

// GateInput is a business action asking whether it needs approval.
type GateInput struct {
	TenantID    string                 `json:"tenantId"`
	EntityType  string                 `json:"entityType"`
	EntityID    string                 `json:"entityId"`
	Context     map[string]interface{} `json:"context"`
	RequestedBy string                 `json:"requestedBy"`
}

// GateResult tells the caller whether to hold the action.
type GateResult struct {
	Gated     bool   `json:"gated"`
	RequestID string `json:"requestId,omitempty"`
	FlowID    string `json:"flowId,omitempty"`
	Status    string `json:"status,omitempty"`
}

// ApprovalGateService is the entry point business modules call before a
// sensitive action: active flow lookup, trigger evaluation, request creation.
type ApprovalGateService struct {
	flows     *FlowRegistry
	evaluator *ThresholdEvaluator
	manager   *ApprovalRequestManager
	log       *logger.Logger
}

// NewApprovalGateService creates a new ApprovalGateService.
func NewApprovalGateService(flows *FlowRegistry, evaluator *ThresholdEvaluator, manager *ApprovalRequestManager, log *logger.Logger) *ApprovalGateService {
	return &ApprovalGateService{flows: flows, evaluator: evaluator, manager: manager, log: log}
}

// Evaluate gates the action when the tenant's active flow triggers on in.Context.
// Not gated means the caller may proceed immediately.
func (s *ApprovalGateService) Evaluate(ctx context.Context, in GateInput) (*GateResult, error) {
	if in.TenantID == "" || in.EntityType == "" || in.EntityID == "" {
		return nil, errors.InvalidInput("entity", "tenant, entity type and entity id are required")
	}

	flow, err := s.flows.GetActiveFlow(ctx, in.TenantID, in.EntityType)
	if err != nil {
		return nil, err
	}
	if flow == nil {
		return &GateResult{Gated: false}, nil
	}
	if !s.evaluator.ShouldTrigger(flow.TriggerConditions, in.Context) {
		s.log.Debug().
			Str("tenant_id", in.TenantID).
			Str("entity_type", in.EntityType).
			Str("entity_id", in.EntityID).
			Msg("Trigger conditions not met; action not gated")
		return &GateResult{Gated: false, FlowID: flow.ID}, nil
	}

	req, err := s.manager.CreateRequest(ctx, flow, in.EntityType, in.EntityID, in.Context, in.RequestedBy)
	if err != nil {
		return nil, err
	}
	return &GateResult{
		Gated:     true,
		RequestID: req.ID,
		FlowID:    flow.ID,
		Status:    string(req.Status),
	}, nil
}

// CreateForActiveFlow starts a request against the active flow without
// evaluating trigger conditions.
func (s *ApprovalGateService) CreateForActiveFlow(ctx context.Context, in GateInput) (*repository.ApprovalRequest, error) {
	flow, err := s.flows.GetActiveFlow(ctx, in.TenantID, in.EntityType)
	if err != nil {
		return nil, err
	}
	if flow == nil {
		return nil, errors.NotFound("active_approval_flow", in.EntityType)
	}
	return s.manager.CreateRequest(ctx, flow, in.EntityType, in.EntityID, in.Context, in.RequestedBy)
}
