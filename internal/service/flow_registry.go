package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"sort"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-ops-approvals/internal/repository"
)

// FlowRegistry owns tenant flow definitions. Published flows are immutable;
// publishing for a tenant and entity type that already has an active flow
// creates the next version and retires the previous one.
type FlowRegistry struct {
	store     repository.FlowStore
	evaluator *ThresholdEvaluator
	validate  *validator.Validate
	log       *logger.Logger
}

// NewFlowRegistry creates a new FlowRegistry.
func NewFlowRegistry(store repository.FlowStore, evaluator *ThresholdEvaluator, log *logger.Logger) *FlowRegistry {
	return &FlowRegistry{
		store:     store,
		evaluator: evaluator,
		validate:  validator.New(),
		log:       log,
	}
}

// GetActiveFlow returns the active flow, or nil when the tenant has none for
// the entity type.
func (r *FlowRegistry) GetActiveFlow(ctx context.Context, tenantID, entityType string) (*repository.ApprovalFlow, error) {
	return r.store.GetActive(ctx, tenantID, entityType)
}

// GetFlow returns any version of a flow, scoped to the tenant.
func (r *FlowRegistry) GetFlow(ctx context.Context, tenantID, id string) (*repository.ApprovalFlow, error) {
	flow, err := r.store.GetFlow(ctx, id)
	if err != nil {
		return nil, err
	}
	if flow.TenantID != tenantID {
		return nil, errors.NotFound("approval_flow", id)
	}
	return flow, nil
}

// ListFlows returns a tenant's flows.
func (r *FlowRegistry) ListFlows(ctx context.Context, tenantID string, activeOnly bool) ([]*repository.ApprovalFlow, error) {
	return r.store.List(ctx, tenantID, activeOnly)
}

// PublishFlow validates flow and stores it as the active version.
func (r *FlowRegistry) PublishFlow(ctx context.Context, flow *repository.ApprovalFlow) (*repository.ApprovalFlow, error) {
	toStore := normalizeFlow(flow)
	if err := r.Validate(toStore); err != nil {
		return nil, err
	}
	sort.SliceStable(toStore.Steps, func(i, j int) bool { return toStore.Steps[i].Order < toStore.Steps[j].Order })

	if err := r.store.Publish(ctx, toStore); err != nil {
		return nil, err
	}

	r.log.Info().
		Str("tenant_id", toStore.TenantID).
		Str("entity_type", toStore.EntityType).
		Str("flow_id", toStore.ID).
		Int("version", toStore.Version).
		Int("steps", len(toStore.Steps)).
		Msg("Approval flow published")

	return toStore, nil
}

// DeactivateFlow retires a flow without replacing it. Requests already
// running keep their snapshot.
func (r *FlowRegistry) DeactivateFlow(ctx context.Context, tenantID, id string) error {
	if err := r.store.Deactivate(ctx, tenantID, id); err != nil {
		return err
	}
	r.log.Info().Str("tenant_id", tenantID).Str("flow_id", id).Msg("Approval flow deactivated")
	return nil
}

// Validate checks flow's shape before publication.
func (r *FlowRegistry) Validate(flow *repository.ApprovalFlow) error {
	if flow == nil {
		return errors.InvalidInput("flow", "is required")
	}
	if err := r.validate.Struct(flow); err != nil {
		var verrs validator.ValidationErrors
		if stderrors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return errors.InvalidInput(fe.Namespace(), fmt.Sprintf("failed %q validation", fe.Tag()))
		}
		return errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid flow")
	}

	for i, c := range flow.TriggerConditions {
		if err := r.evaluator.ValidateCondition(c); err != nil {
			return errors.InvalidInput(fmt.Sprintf("triggerConditions[%d]", i), err.Error())
		}
	}

	orders := make(map[int]struct{}, len(flow.Steps))
	for i, step := range flow.Steps {
		field := fmt.Sprintf("steps[%d]", i)
		if _, dup := orders[step.Order]; dup {
			return errors.InvalidInput(field+".order", fmt.Sprintf("duplicate order %d", step.Order))
		}
		orders[step.Order] = struct{}{}

		if err := step.Quorum.Validate(); err != nil {
			return errors.InvalidInput(field+".quorum", err.Error())
		}
		esc := step.Escalation
		if esc.OnTimeout != repository.TimeoutNone && esc.TimeoutSeconds == 0 {
			return errors.InvalidInput(field+".escalation.timeoutSeconds", "required when onTimeout is set")
		}
	}
	return nil
}

// normalizeFlow copies flow for storage, defaulting an omitted quorum to
// "any" and numbering steps in list order when no order was given.
func normalizeFlow(flow *repository.ApprovalFlow) *repository.ApprovalFlow {
	if flow == nil {
		return nil
	}
	out := flow.Clone()
	out.ID = ""

	ordered := false
	for _, s := range out.Steps {
		if s.Order != 0 {
			ordered = true
			break
		}
	}
	for i := range out.Steps {
		if out.Steps[i].Quorum.Mode == "" {
			out.Steps[i].Quorum = repository.QuorumOfAny()
		}
		if !ordered {
			out.Steps[i].Order = i
		}
	}
	return out
}

// ── Seeding ───────────────────────────────────────────────────────────────────

// FlowSeedFile is the YAML document read by SeedFromFile.
type FlowSeedFile struct {
	Flows []repository.ApprovalFlow `yaml:"flows"`
}

// SeedFromFile publishes each flow in a YAML file whose tenant and entity
// type has no active flow yet. Returns the number of flows published.
func (r *FlowRegistry) SeedFromFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to read flow seed file")
	}
	var doc FlowSeedFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInvalidInput, "failed to parse flow seed file")
	}

	published := 0
	for i := range doc.Flows {
		flow := &doc.Flows[i]
		if flow.CreatedBy == "" {
			flow.CreatedBy = "seed"
		}

		existing, err := r.store.GetActive(ctx, flow.TenantID, flow.EntityType)
		if err != nil {
			return published, err
		}
		if existing != nil {
			r.log.Debug().
				Str("tenant_id", flow.TenantID).
				Str("entity_type", flow.EntityType).
				Msg("Active flow present, seed skipped")
			continue
		}

		if _, err := r.PublishFlow(ctx, flow); err != nil {
			return published, errors.Wrap(err, errors.ErrCodeInvalidInput,
				fmt.Sprintf("seed flow %q", flow.Name))
		}
		published++
	}
	return published, nil
}
