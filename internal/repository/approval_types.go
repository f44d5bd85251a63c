package repository

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ── Enumerations ─────────────────────────────────────────────────────────────

// RequestStatus is the lifecycle state of an ApprovalRequest.
type RequestStatus string

const (
	StatusPending   RequestStatus = "PENDING"
	StatusInReview  RequestStatus = "IN_REVIEW"
	StatusApproved  RequestStatus = "APPROVED"
	StatusRejected  RequestStatus = "REJECTED"
	StatusExpired   RequestStatus = "EXPIRED"
	StatusCancelled RequestStatus = "CANCELLED"
)

// IsTerminal reports whether no further transitions are allowed.
func (s RequestStatus) IsTerminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// ActiveStatuses are the non-terminal statuses.
var ActiveStatuses = []RequestStatus{StatusPending, StatusInReview}

// Decision is an approver's verdict on a step.
type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionReject  Decision = "REJECT"
)

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	return d == DecisionApprove || d == DecisionReject
}

// Operator is a Condition comparison operator.
type Operator string

const (
	OpGreaterThan    Operator = ">"
	OpLessThan       Operator = "<"
	OpGreaterOrEqual Operator = ">="
	OpLessOrEqual    Operator = "<="
	OpEqual          Operator = "=="
)

// TimeoutAction is what the escalation sweep does with an overdue step.
type TimeoutAction string

const (
	TimeoutNone           TimeoutAction = ""
	TimeoutAutoApprove    TimeoutAction = "AUTO_APPROVE"
	TimeoutAutoReject     TimeoutAction = "AUTO_REJECT"
	TimeoutEscalateToRole TimeoutAction = "ESCALATE_TO_ROLE"
)

// Entity types gated by approval flows.
const (
	EntityQuoteDiscount         = "QUOTE_DISCOUNT"
	EntitySpecialFee            = "SPECIAL_FEE"
	EntityBadDebtWriteOff       = "BAD_DEBT_WRITE_OFF"
	EntityReconciliationClosure = "RECONCILIATION_CLOSURE"
)

// SystemActorID is the approver id recorded on actions synthesized by the
// escalation sweep.
const SystemActorID = "system:escalation"

// ── Flow definitions ─────────────────────────────────────────────────────────

// Condition compares one context field against a constant.
type Condition struct {
	Field    string      `json:"field" yaml:"field" validate:"required"`
	Operator Operator    `json:"operator" yaml:"operator" validate:"required,oneof=> < >= <= =="`
	Value    interface{} `json:"value" yaml:"value"`
}

func (c Condition) String() string {
	return fmt.Sprintf("%s %s %v", c.Field, c.Operator, c.Value)
}

// QuorumMode selects how a step's approvals are counted.
type QuorumMode string

const (
	QuorumAny   QuorumMode = "any"
	QuorumAll   QuorumMode = "all"
	QuorumCount QuorumMode = "count"
)

// Quorum serialises as "any", "all" or a positive integer count.
type Quorum struct {
	Mode  QuorumMode
	Count int
}

func QuorumOfAny() Quorum        { return Quorum{Mode: QuorumAny} }
func QuorumOfAll() Quorum        { return Quorum{Mode: QuorumAll} }
func QuorumOfCount(n int) Quorum { return Quorum{Mode: QuorumCount, Count: n} }

func (q Quorum) String() string {
	if q.Mode == QuorumCount {
		return strconv.Itoa(q.Count)
	}
	return string(q.Mode)
}

// Validate checks the quorum is well formed.
func (q Quorum) Validate() error {
	switch q.Mode {
	case QuorumAny, QuorumAll:
		return nil
	case QuorumCount:
		if q.Count < 1 {
			return fmt.Errorf("quorum count must be at least 1, got %d", q.Count)
		}
		return nil
	}
	return fmt.Errorf("unknown quorum mode %q", q.Mode)
}

func (q Quorum) MarshalJSON() ([]byte, error) {
	if q.Mode == QuorumCount {
		return json.Marshal(q.Count)
	}
	return json.Marshal(string(q.Mode))
}

func (q *Quorum) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*q = QuorumOfCount(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("quorum must be a number or \"any\"/\"all\": %w", err)
	}
	return q.parse(s)
}

func (q *Quorum) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("quorum must be a scalar")
	}
	return q.parse(node.Value)
}

func (q *Quorum) parse(s string) error {
	s = strings.ToLower(strings.TrimSpace(s))
	switch QuorumMode(s) {
	case QuorumAny:
		*q = QuorumOfAny()
		return nil
	case QuorumAll:
		*q = QuorumOfAll()
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid quorum %q", s)
	}
	*q = QuorumOfCount(n)
	return nil
}

// EscalationPolicy configures a step's timeout behaviour. TimeoutSeconds of
// zero disables the timeout.
type EscalationPolicy struct {
	TimeoutSeconds int64         `json:"timeoutSeconds" yaml:"timeoutSeconds" validate:"gte=0"`
	OnTimeout      TimeoutAction `json:"onTimeout,omitempty" yaml:"onTimeout" validate:"omitempty,oneof=AUTO_APPROVE AUTO_REJECT ESCALATE_TO_ROLE"`
	FallbackRole   string        `json:"fallbackRole,omitempty" yaml:"fallbackRole" validate:"required_if=OnTimeout ESCALATE_TO_ROLE"`
}

// Timeout returns the configured step timeout.
func (p EscalationPolicy) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// StepDefinition is one ordered stage of a flow.
type StepDefinition struct {
	Order        int              `json:"order" yaml:"order" validate:"gte=0"`
	ApproverRole string           `json:"approverRole" yaml:"approverRole" validate:"required"`
	Quorum       Quorum           `json:"quorum" yaml:"quorum"`
	Escalation   EscalationPolicy `json:"escalation" yaml:"escalation"`
}

// ApprovalFlow is a tenant's approval process for one entity type. Published
// flows are immutable; edits publish a new Version.
type ApprovalFlow struct {
	ID                string           `json:"id" yaml:"id"`
	TenantID          string           `json:"tenantId" yaml:"tenantId" validate:"required"`
	Name              string           `json:"name" yaml:"name" validate:"required,max=200"`
	EntityType        string           `json:"entityType" yaml:"entityType" validate:"required,oneof=QUOTE_DISCOUNT SPECIAL_FEE BAD_DEBT_WRITE_OFF RECONCILIATION_CLOSURE"`
	Version           int              `json:"version" yaml:"version"`
	TriggerConditions []Condition      `json:"triggerConditions" yaml:"triggerConditions" validate:"dive"`
	Steps             []StepDefinition `json:"steps" yaml:"steps" validate:"required,min=1,dive"`
	IsActive          bool             `json:"isActive" yaml:"isActive"`
	CreatedBy         string           `json:"createdBy,omitempty" yaml:"createdBy"`
	CreatedAt         time.Time        `json:"createdAt" yaml:"-"`
}

// Step returns the step at index i, or false when out of range.
func (f *ApprovalFlow) Step(i int) (StepDefinition, bool) {
	if f == nil || i < 0 || i >= len(f.Steps) {
		return StepDefinition{}, false
	}
	return f.Steps[i], true
}

// Clone deep-copies the flow so a request snapshot never aliases registry data.
func (f *ApprovalFlow) Clone() *ApprovalFlow {
	if f == nil {
		return nil
	}
	cp := *f
	cp.TriggerConditions = append([]Condition(nil), f.TriggerConditions...)
	cp.Steps = append([]StepDefinition(nil), f.Steps...)
	return &cp
}

// ── Runtime records ──────────────────────────────────────────────────────────

// ApprovalRequest is one running instance of a flow bound to an entity.
type ApprovalRequest struct {
	ID               string                 `json:"id"`
	TenantID         string                 `json:"tenantId"`
	FlowID           string                 `json:"flowId"`
	FlowVersion      int                    `json:"flowVersion"`
	Flow             *ApprovalFlow          `json:"flow"`
	EntityType       string                 `json:"entityType"`
	EntityID         string                 `json:"entityId"`
	Status           RequestStatus          `json:"status"`
	CurrentStepIndex int                    `json:"currentStepIndex"`
	StepStartedAt    time.Time              `json:"stepStartedAt"`
	StepDueAt        *time.Time             `json:"stepDueAt,omitempty"`
	EscalatedRole    *string                `json:"escalatedRole,omitempty"`
	ContextSnapshot  map[string]interface{} `json:"contextSnapshot"`
	RequestedBy      string                 `json:"requestedBy"`
	ResolutionNote   *string                `json:"resolutionNote,omitempty"`
	CreatedAt        time.Time              `json:"createdAt"`
	UpdatedAt        time.Time              `json:"updatedAt"`
	CompletedAt      *time.Time             `json:"completedAt,omitempty"`
	Version          int64                  `json:"version"`
}

// CurrentStep returns the step definition the request is waiting on.
func (r *ApprovalRequest) CurrentStep() (StepDefinition, bool) {
	return r.Flow.Step(r.CurrentStepIndex)
}

// CurrentApproverRole is the role whose holders may decide the current step,
// taking an escalation into account.
func (r *ApprovalRequest) CurrentApproverRole() string {
	if r.EscalatedRole != nil && *r.EscalatedRole != "" {
		return *r.EscalatedRole
	}
	step, _ := r.CurrentStep()
	return step.ApproverRole
}

// Clone copies the request so callers can build the next state without
// mutating the loaded one.
func (r *ApprovalRequest) Clone() *ApprovalRequest {
	cp := *r
	if r.ContextSnapshot != nil {
		cp.ContextSnapshot = make(map[string]interface{}, len(r.ContextSnapshot))
		for k, v := range r.ContextSnapshot {
			cp.ContextSnapshot[k] = v
		}
	}
	cp.Flow = r.Flow.Clone()
	cp.StepDueAt = copyTime(r.StepDueAt)
	cp.CompletedAt = copyTime(r.CompletedAt)
	if r.EscalatedRole != nil {
		role := *r.EscalatedRole
		cp.EscalatedRole = &role
	}
	if r.ResolutionNote != nil {
		note := *r.ResolutionNote
		cp.ResolutionNote = &note
	}
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// ApprovalAction is one recorded decision. Append-only.
type ApprovalAction struct {
	ID         string    `json:"id"`
	RequestID  string    `json:"requestId"`
	StepIndex  int       `json:"stepIndex"`
	ApproverID string    `json:"approverId"`
	Decision   Decision  `json:"decision"`
	Comment    string    `json:"comment,omitempty"`
	IsSystem   bool      `json:"isSystem"`
	DecidedAt  time.Time `json:"decidedAt"`
}

// AuditEntry records one state transition.
type AuditEntry struct {
	ID         string                 `json:"id"`
	RequestID  string                 `json:"requestId"`
	TenantID   string                 `json:"tenantId"`
	FromStatus RequestStatus          `json:"fromStatus,omitempty"`
	ToStatus   RequestStatus          `json:"toStatus"`
	FromStep   int                    `json:"fromStep"`
	ToStep     int                    `json:"toStep"`
	ActorID    string                 `json:"actorId"`
	Timestamp  time.Time              `json:"timestamp"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
}

// AuditRetryStatus tracks a failed audit write through redelivery.
type AuditRetryStatus string

const (
	AuditRetryPending   AuditRetryStatus = "PENDING"
	AuditRetryDelivered AuditRetryStatus = "DELIVERED"
	AuditRetryDead      AuditRetryStatus = "DEAD"
)

// AuditRetry is an audit entry awaiting redelivery to the sink.
type AuditRetry struct {
	ID            string
	Entry         *AuditEntry
	Attempts      int
	LastError     *string
	NextAttemptAt time.Time
	Status        AuditRetryStatus
	CreatedAt     time.Time
}

// RoleAssignment grants a concrete role to a user within a tenant.
type RoleAssignment struct {
	TenantID string
	UserID   string
	Role     string
	IsActive bool
}
