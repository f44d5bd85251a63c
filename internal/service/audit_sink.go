package service

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-ops-approvals/internal/repository"
)

// AuditSink receives one audit entry per committed transition.
type AuditSink interface {
	Record(ctx context.Context, entry *repository.AuditEntry) error
}

// StoreAuditSink writes entries to the durable audit log.
type StoreAuditSink struct {
	store repository.AuditStore
}

// NewStoreAuditSink creates a new StoreAuditSink.
func NewStoreAuditSink(store repository.AuditStore) *StoreAuditSink {
	return &StoreAuditSink{store: store}
}

func (s *StoreAuditSink) Record(ctx context.Context, entry *repository.AuditEntry) error {
	return s.store.Append(ctx, entry)
}

// MultiAuditSink records to every sink and joins their errors. Entries carry
// a stable id, so redelivering to a sink that already accepted one is a no-op
// for the store and a duplicate keyed message for the stream.
type MultiAuditSink []AuditSink

func (m MultiAuditSink) Record(ctx context.Context, entry *repository.AuditEntry) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// BreakerAuditSink guards a remote sink with a circuit breaker so a broker
// outage fails fast into the retry queue instead of stalling every decision.
type BreakerAuditSink struct {
	sink AuditSink
	cb   *gobreaker.CircuitBreaker
}

// NewBreakerAuditSink wraps sink. The breaker opens after five consecutive
// failures and probes again after openTimeout.
func NewBreakerAuditSink(name string, sink AuditSink, openTimeout time.Duration, log *logger.Logger) *BreakerAuditSink {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("audit sink circuit breaker state changed")
		},
	})
	return &BreakerAuditSink{sink: sink, cb: cb}
}

func (b *BreakerAuditSink) Record(ctx context.Context, entry *repository.AuditEntry) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.sink.Record(ctx, entry)
	})
	return err
}

// State reports the breaker state.
func (b *BreakerAuditSink) State() gobreaker.State {
	return b.cb.State()
}

// ── Recorder ──────────────────────────────────────────────────────────────────

// DefaultAuditTimeout bounds one post-commit audit write plus its enqueue.
const DefaultAuditTimeout = 10 * time.Second

// AuditRecorder writes audit entries synchronously after commit. A failed
// write never fails the caller: it is logged, counted and queued for the
// AuditRetrier.
type AuditRecorder struct {
	sink    AuditSink
	retries repository.AuditRetryQueue
	metrics *Metrics
	log     *logger.Logger
	timeout time.Duration
}

// NewAuditRecorder creates a new AuditRecorder. retries may be nil, in which
// case failures are only logged.
func NewAuditRecorder(sink AuditSink, retries repository.AuditRetryQueue, metrics *Metrics, log *logger.Logger) *AuditRecorder {
	return &AuditRecorder{sink: sink, retries: retries, metrics: metrics, log: log, timeout: DefaultAuditTimeout}
}

// Record delivers entry, falling back to the retry queue. The transition is
// already committed, so the write runs detached from the caller's
// cancellation under its own deadline.
func (r *AuditRecorder) Record(ctx context.Context, entry *repository.AuditEntry) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	err := r.sink.Record(ctx, entry)
	if err == nil {
		return
	}

	r.fail("record")
	r.log.Warn().Err(err).
		Str("request_id", entry.RequestID).
		Str("audit_id", entry.ID).
		Str("to_status", string(entry.ToStatus)).
		Msg("Audit write failed; queued for retry")

	if r.retries == nil {
		return
	}
	if qerr := r.retries.Enqueue(ctx, entry, err.Error()); qerr != nil {
		r.fail("enqueue")
		r.log.Error().Err(qerr).
			Str("request_id", entry.RequestID).
			Str("audit_id", entry.ID).
			Msg("Audit entry lost: retry enqueue failed")
	}
}

func (r *AuditRecorder) fail(stage string) {
	if r.metrics != nil {
		r.metrics.AuditFailures.WithLabelValues(stage).Inc()
	}
}
