package service

import (
	"context"
	"sync"
	"time"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/logger"
)

// Notification event types. The NATS subject is notifications.approvals.<type>.
const (
	EventRequestCreated   = "request_created"
	EventStepAdvanced     = "step_advanced"
	EventRequestEscalated = "request_escalated"
	EventRequestResolved  = "request_resolved"
)

// NotificationEvent is one post-commit notification.
type NotificationEvent struct {
	Type       string
	TenantID   string
	RequestID  string
	ActorID    string
	Recipients []string
	Payload    map[string]interface{}
}

// Notifier accepts notifications. Implementations must not block the caller
// on delivery and must not report delivery failures.
type Notifier interface {
	Notify(ctx context.Context, event NotificationEvent)
}

// NotificationPublisher delivers one event to the notification channel.
type NotificationPublisher interface {
	PublishApprovalEvent(ctx context.Context, eventType, requestID, tenantID, actorID string, recipients []string, payload map[string]interface{}) error
}

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, NotificationEvent) {}

// AsyncNotifier queues events on a bounded channel drained by one worker.
// When the queue is full the event is dropped and counted.
type AsyncNotifier struct {
	publisher NotificationPublisher
	queue     chan NotificationEvent
	timeout   time.Duration
	metrics   *Metrics
	log       *logger.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewAsyncNotifier creates an AsyncNotifier with the given queue size.
func NewAsyncNotifier(publisher NotificationPublisher, queueSize int, metrics *Metrics, log *logger.Logger) *AsyncNotifier {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &AsyncNotifier{
		publisher: publisher,
		queue:     make(chan NotificationEvent, queueSize),
		timeout:   5 * time.Second,
		metrics:   metrics,
		log:       log,
		done:      make(chan struct{}),
	}
}

// Notify enqueues event without blocking.
func (n *AsyncNotifier) Notify(_ context.Context, event NotificationEvent) {
	if len(event.Recipients) == 0 {
		return
	}
	select {
	case <-n.done:
		n.count(event.Type, "dropped")
		return
	default:
	}
	select {
	case n.queue <- event:
	default:
		n.count(event.Type, "dropped")
		n.log.Warn().
			Str("event_type", event.Type).
			Str("request_id", event.RequestID).
			Msg("notification: queue full, event dropped")
	}
}

// Run delivers queued events until ctx is cancelled, then drains what is left.
func (n *AsyncNotifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			n.closeOnce.Do(func() { close(n.done) })
			n.drain()
			return nil
		case event := <-n.queue:
			n.deliver(event)
		}
	}
}

func (n *AsyncNotifier) drain() {
	for {
		select {
		case event := <-n.queue:
			n.deliver(event)
		default:
			return
		}
	}
}

func (n *AsyncNotifier) deliver(event NotificationEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()

	err := n.publisher.PublishApprovalEvent(ctx, event.Type, event.RequestID, event.TenantID,
		event.ActorID, event.Recipients, event.Payload)
	if err != nil {
		n.count(event.Type, "failed")
		n.log.Warn().Err(err).
			Str("event_type", event.Type).
			Str("request_id", event.RequestID).
			Msg("notification: delivery failed (non-fatal)")
		return
	}
	n.count(event.Type, "sent")
}

func (n *AsyncNotifier) count(event, result string) {
	if n.metrics != nil {
		n.metrics.Notifications.WithLabelValues(event, result).Inc()
	}
}
