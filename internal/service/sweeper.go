package service

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/platform/logger"
)

// SweeperConfig sets how often each background job runs. A zero interval
// disables that job.
type SweeperConfig struct {
	ExpiryInterval   time.Duration
	AutoLockInterval time.Duration
}

// Sweeper drives the time-based transitions: expiring overdue escalations,
// draining the enforcement retry queue and auto-locking compliance records.
type Sweeper struct {
	escalations *EscalationService
	enforcer    *ConsequenceEnforcer
	compliance  *ComplianceService
	clock       clockwork.Clock
	cfg         SweeperConfig
	log         *logger.Logger
}

// NewSweeper creates a new Sweeper.
func NewSweeper(
	escalations *EscalationService,
	enforcer *ConsequenceEnforcer,
	compliance *ComplianceService,
	clock clockwork.Clock,
	cfg SweeperConfig,
	log *logger.Logger,
) *Sweeper {
	return &Sweeper{
		escalations: escalations,
		enforcer:    enforcer,
		compliance:  compliance,
		clock:       clock,
		cfg:         cfg,
		log:         log.Component("sweeper"),
	}
}

// SweepOnceResult bundles one expiry pass and the retry drain that follows it.
type SweepOnceResult struct {
	Expiry      *SweepResult `json:"expiry"`
	Enforcement *RetryResult `json:"enforcement"`
}

// SweepOnce expires overdue escalations, then retries due enforcement jobs.
func (s *Sweeper) SweepOnce(ctx context.Context) (*SweepOnceResult, error) {
	expiry, err := s.escalations.SweepExpired(ctx)
	if err != nil {
		return nil, err
	}
	retry, err := s.enforcer.ProcessDueEnforcements(ctx)
	if err != nil {
		return &SweepOnceResult{Expiry: expiry}, err
	}
	return &SweepOnceResult{Expiry: expiry, Enforcement: retry}, nil
}

// Run ticks until ctx is cancelled. Job failures are logged and retried on
// the next tick.
func (s *Sweeper) Run(ctx context.Context) error {
	expiryC, stopExpiry := s.ticker(s.cfg.ExpiryInterval)
	defer stopExpiry()
	lockC, stopLock := s.ticker(s.cfg.AutoLockInterval)
	defer stopLock()

	s.log.Info().
		Dur("expiry_interval", s.cfg.ExpiryInterval).
		Dur("auto_lock_interval", s.cfg.AutoLockInterval).
		Msg("Sweeper started")

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Sweeper stopped")
			return nil
		case <-expiryC:
			res, err := s.SweepOnce(ctx)
			if err != nil {
				s.log.Error().Err(err).Msg("Expiry sweep failed")
				continue
			}
			if res.Expiry.Expired > 0 || res.Enforcement.Due > 0 {
				s.log.Info().
					Int("expired", res.Expiry.Expired).
					Int("enforcement_due", res.Enforcement.Due).
					Int("enforcement_created", res.Enforcement.Created).
					Msg("Expiry sweep completed")
			}
		case <-lockC:
			res, err := s.compliance.AutoLock(ctx, "system")
			if err != nil {
				s.log.Error().Err(err).Msg("Compliance auto-lock failed")
				continue
			}
			if res.Candidates > 0 {
				s.log.Info().
					Int("candidates", res.Candidates).
					Int("locked", res.Locked).
					Int64("total_amount", res.TotalAmount).
					Msg("Compliance auto-lock completed")
			}
		}
	}
}

// ticker returns a nil channel for a disabled job; receiving from it blocks
// forever.
func (s *Sweeper) ticker(d time.Duration) (<-chan time.Time, func()) {
	if d <= 0 {
		return nil, func() {}
	}
	t := s.clock.NewTicker(d)
	return t.Chan(), t.Stop
}
