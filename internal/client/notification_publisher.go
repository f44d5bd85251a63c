package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/logger"
)

// SubjectPrefix is prepended to the event type to form the NATS subject.
const SubjectPrefix = "notifications.approvals."

// StreamPublisher is the subset of the NATS client the publisher needs.
type StreamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// NotificationPublisher publishes approval workflow events to NATS JetStream
// for consumption by the notifications service.
//
// Subject convention: notifications.approvals.<event_type>
// Event types: request_created, step_advanced, request_escalated,
//              request_resolved
type NotificationPublisher struct {
	nats StreamPublisher
	log  *logger.Logger
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string                 `json:"event_type"`
	TenantID     string                 `json:"tenant_id"`
	ActorID      string                 `json:"actor_id"`
	Recipients   []string               `json:"recipients"`
	ResourceType string                 `json:"resource_type,omitempty"`
	ResourceID   string                 `json:"resource_id,omitempty"`
	IsActionable bool                   `json:"is_actionable,omitempty"`
	Severity     string                 `json:"severity,omitempty"`
	Category     string                 `json:"category,omitempty"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher backed by the given NATS client.
// A nil client turns every publish into a no-op.
func NewNotificationPublisher(nats StreamPublisher, log *logger.Logger) *NotificationPublisher {
	return &NotificationPublisher{nats: nats, log: log}
}

// PublishApprovalEvent publishes one approval event.
// Subject: notifications.approvals.<eventType>
func (p *NotificationPublisher) PublishApprovalEvent(ctx context.Context, eventType, requestID, tenantID, actorID string, recipients []string, payload map[string]interface{}) error {
	if p.nats == nil || len(recipients) == 0 {
		return nil
	}

	event := &NotificationEvent{
		EventType:    eventType,
		TenantID:     tenantID,
		ActorID:      actorID,
		Recipients:   recipients,
		ResourceType: "approval_request",
		ResourceID:   requestID,
		// resolution is informational
		IsActionable: eventType != "request_resolved",
		Severity:     severityFor(eventType),
		Category:     "approvals",
		Payload:      payload,
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal notification %s: %w", eventType, err)
	}

	subject := SubjectPrefix + eventType
	if err := p.nats.Publish(ctx, subject, data); err != nil {
		return err
	}

	p.log.Debug().
		Str("subject", subject).
		Str("request_id", requestID).
		Int("recipients", len(recipients)).
		Msg("notification: event published")
	return nil
}

func severityFor(eventType string) string {
	if eventType == "request_escalated" {
		return "warning"
	}
	return "info"
}
