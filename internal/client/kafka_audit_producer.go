package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/pesio-ai/be-ops-approvals/internal/repository"
)

// KafkaAuditConfig configures the audit stream producer. Record runs on the
// decision path, so CallTimeout bounds one whole write; undelivered entries
// are left to the audit retrier.
type KafkaAuditConfig struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
	MaxAttempts  int
	CallTimeout  time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaAuditProducer streams audit entries to Kafka. Messages are keyed by
// request id so one request's history stays on one partition, in order.
type KafkaAuditProducer struct {
	writer      messageWriter
	topic       string
	callTimeout time.Duration
}

// NewKafkaAuditProducer constructs a KafkaAuditProducer.
func NewKafkaAuditProducer(cfg KafkaAuditConfig) (*KafkaAuditProducer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 3 * time.Second
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		MaxAttempts:  cfg.MaxAttempts,
		RequiredAcks: kafka.RequireAll,
	}
	return &KafkaAuditProducer{writer: w, topic: cfg.Topic, callTimeout: cfg.CallTimeout}, nil
}

// auditMessage is the JSON value written for each entry.
type auditMessage struct {
	ID         string                 `json:"id"`
	RequestID  string                 `json:"request_id"`
	TenantID   string                 `json:"tenant_id"`
	FromStatus string                 `json:"from_status,omitempty"`
	ToStatus   string                 `json:"to_status"`
	FromStep   int                    `json:"from_step"`
	ToStep     int                    `json:"to_step"`
	ActorID    string                 `json:"actor_id"`
	Timestamp  time.Time              `json:"timestamp"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
}

// Record writes entry and waits for the broker ack.
func (p *KafkaAuditProducer) Record(ctx context.Context, entry *repository.AuditEntry) error {
	if entry == nil {
		return fmt.Errorf("kafka: nil audit entry")
	}
	value, err := json.Marshal(auditMessage{
		ID:         entry.ID,
		RequestID:  entry.RequestID,
		TenantID:   entry.TenantID,
		FromStatus: string(entry.FromStatus),
		ToStatus:   string(entry.ToStatus),
		FromStep:   entry.FromStep,
		ToStep:     entry.ToStep,
		ActorID:    entry.ActorID,
		Timestamp:  entry.Timestamp,
		Payload:    entry.Payload,
	})
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	if p.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.callTimeout)
		defer cancel()
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(entry.RequestID),
		Value: value,
		Time:  entry.Timestamp,
		Headers: []kafka.Header{
			{Key: "tenant_id", Value: []byte(entry.TenantID)},
			{Key: "audit_id", Value: []byte(entry.ID)},
		},
	})
	if err != nil {
		return fmt.Errorf("produce audit %s to %s: %w", entry.ID, p.topic, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaAuditProducer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
