package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-ops-approvals/internal/repository"
)

const maxAuditBackoff = 10 * time.Minute

// AuditRetrierConfig tunes redelivery.
type AuditRetrierConfig struct {
	PollInterval   time.Duration
	BatchSize      int
	MaxAttempts    int
	InitialBackoff time.Duration
	Lease          time.Duration
}

// AuditRetrier redelivers queued audit entries with exponential backoff.
// Entries that exhaust MaxAttempts are parked as DEAD and logged at error
// level for manual reconciliation.
type AuditRetrier struct {
	queue   repository.AuditRetryQueue
	sink    AuditSink
	cfg     AuditRetrierConfig
	now     func() time.Time
	metrics *Metrics
	log     *logger.Logger
}

// NewAuditRetrier creates a new AuditRetrier.
func NewAuditRetrier(queue repository.AuditRetryQueue, sink AuditSink, cfg AuditRetrierConfig, metrics *Metrics, log *logger.Logger) *AuditRetrier {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 20
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 5 * time.Second
	}
	if cfg.Lease <= 0 {
		cfg.Lease = time.Minute
	}
	return &AuditRetrier{
		queue:   queue,
		sink:    sink,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
		metrics: metrics,
		log:     log,
	}
}

// Run polls until ctx is cancelled.
func (r *AuditRetrier) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := r.RetryOnce(ctx); err != nil && ctx.Err() == nil {
			r.log.Error().Err(err).Msg("Audit retry pass failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RetryOnce processes one batch and returns how many entries were delivered.
func (r *AuditRetrier) RetryOnce(ctx context.Context) (int, error) {
	now := r.now()
	claimed, err := r.queue.ClaimDue(ctx, now, r.cfg.Lease, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, item := range claimed {
		if item.Entry == nil {
			_ = r.queue.MarkDead(ctx, item.ID, "empty audit entry")
			continue
		}

		sinkErr := r.sink.Record(ctx, item.Entry)
		if sinkErr == nil {
			if err := r.queue.MarkDelivered(ctx, item.ID); err != nil {
				r.log.Warn().Err(err).Str("retry_id", item.ID).Msg("Failed to mark audit retry delivered")
			}
			delivered++
			if r.metrics != nil {
				r.metrics.AuditRedelivered.Inc()
			}
			continue
		}

		r.countFailure("redeliver")
		if item.Attempts >= r.cfg.MaxAttempts {
			_ = r.queue.MarkDead(ctx, item.ID, sinkErr.Error())
			r.countFailure("dead")
			r.log.Error().Err(sinkErr).
				Str("retry_id", item.ID).
				Str("request_id", item.Entry.RequestID).
				Str("audit_id", item.Entry.ID).
				Int("attempts", item.Attempts).
				Msg("Audit entry moved to DEAD after max attempts")
			continue
		}

		next := now.Add(Backoff(r.cfg.InitialBackoff, item.Attempts))
		if err := r.queue.MarkFailed(ctx, item.ID, sinkErr.Error(), next); err != nil {
			r.log.Warn().Err(err).Str("retry_id", item.ID).Msg("Failed to reschedule audit retry")
		}
	}
	return delivered, nil
}

// Backoff doubles initial per prior attempt, capped at ten minutes.
func Backoff(initial time.Duration, attempt int) time.Duration {
	d := initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxAuditBackoff {
			return maxAuditBackoff
		}
	}
	return d
}

func (r *AuditRetrier) countFailure(stage string) {
	if r.metrics != nil {
		r.metrics.AuditFailures.WithLabelValues(stage).Inc()
	}
}
