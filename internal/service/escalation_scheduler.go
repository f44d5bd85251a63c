package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-ops-approvals/internal/platform/errors"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-ops-approvals/internal/repository"
)

const sweepLockKey = "approvals:escalation-sweep"

// SweepLocker lets one instance sweep at a time. Correctness never depends on
// it: concurrent sweeps lose the version check. It only saves duplicate work.
type SweepLocker interface {
	// TryLock returns ok=false when another holder has the lock.
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
}

// SweepResult summarises one sweep.
type SweepResult struct {
	Scanned  int
	Applied  map[string]int
	Stale    int
	Failed   int
	Skipped  bool
	Duration time.Duration
}

// EscalationScheduler periodically applies step timeout policies to overdue
// requests.
type EscalationScheduler struct {
	requests  repository.RequestStore
	manager   *ApprovalRequestManager
	locker    SweepLocker
	interval  time.Duration
	batchSize int
	lockTTL   time.Duration
	now       func() time.Time
	metrics   *Metrics
	log       *logger.Logger
}

// EscalationConfig tunes the scheduler.
type EscalationConfig struct {
	Interval  time.Duration
	BatchSize int
	LockTTL   time.Duration
}

// NewEscalationScheduler creates a new EscalationScheduler. locker may be nil.
func NewEscalationScheduler(
	requests repository.RequestStore,
	manager *ApprovalRequestManager,
	locker SweepLocker,
	cfg EscalationConfig,
	metrics *Metrics,
	log *logger.Logger,
) *EscalationScheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = cfg.Interval
	}
	return &EscalationScheduler{
		requests:  requests,
		manager:   manager,
		locker:    locker,
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
		lockTTL:   cfg.LockTTL,
		now:       func() time.Time { return time.Now().UTC() },
		metrics:   metrics,
		log:       log,
	}
}

// Run sweeps on every tick until ctx is cancelled.
func (s *EscalationScheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", s.interval).Msg("Escalation scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Escalation scheduler stopped")
			return nil
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx, s.now()); err != nil && ctx.Err() == nil {
				s.log.Error().Err(err).Msg("Escalation sweep failed")
			}
		}
	}
}

// SweepOnce applies timeout policies to one batch of requests due at now.
// Stale conflicts mean someone else moved the request first; they are
// counted and skipped until the next sweep.
func (s *EscalationScheduler) SweepOnce(ctx context.Context, now time.Time) (*SweepResult, error) {
	start := time.Now()
	res := &SweepResult{Applied: map[string]int{}}
	defer func() {
		res.Duration = time.Since(start)
		if s.metrics != nil {
			s.metrics.SweepDuration.Observe(res.Duration.Seconds())
		}
	}()

	if s.locker != nil {
		release, ok, err := s.locker.TryLock(ctx, sweepLockKey, s.lockTTL)
		if err != nil {
			// lock backend down: sweeping anyway is safe
			s.log.Warn().Err(err).Msg("Sweep lock unavailable; sweeping without it")
		} else if !ok {
			res.Skipped = true
			return res, nil
		} else {
			defer func() {
				if err := release(context.Background()); err != nil {
					s.log.Debug().Err(err).Msg("Sweep lock release failed")
				}
			}()
		}
	}

	overdue, err := s.requests.ListOverdue(ctx, now, s.batchSize)
	if err != nil {
		return res, err
	}
	res.Scanned = len(overdue)

	for _, req := range overdue {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		outcome, err := s.manager.ApplyTimeout(ctx, req, now)
		switch {
		case err == nil:
			if outcome != TimeoutOutcomeNone {
				res.Applied[outcome]++
			}
		case errors.HasCode(err, errors.ErrCodeStaleRequest):
			res.Stale++
			s.log.Debug().Str("request_id", req.ID).Msg("Timeout lost version race; will retry next sweep")
		default:
			res.Failed++
			s.log.Error().Err(err).
				Str("request_id", req.ID).
				Str("tenant_id", req.TenantID).
				Int("step", req.CurrentStepIndex).
				Msg("Failed to apply step timeout")
		}
	}

	if res.Scanned > 0 {
		s.log.Info().
			Int("scanned", res.Scanned).
			Int("stale", res.Stale).
			Int("failed", res.Failed).
			Msg("Escalation sweep completed")
	}
	return res, nil
}
