package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/usdt_vault/idempotency"
	"github.com/usdt_vault/lock"
	"github.com/usdt_vault/metrics"
)

// Sweeper purges expired locks and idempotency records on an interval.
type Sweeper struct {
	locks    lock.Table
	idem     idempotency.Store
	interval time.Duration
	logger   *zap.Logger
}

func NewSweeper(locks lock.Table, idem idempotency.Store, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{locks: locks, idem: idem, interval: interval, logger: logger.Named("sweeper")}
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce returns how many locks and idempotency records were dropped.
func (s *Sweeper) SweepOnce(ctx context.Context) (locks, records int) {
	locks = s.locks.Sweep(ctx)
	metrics.SweptTotal.WithLabelValues("lock").Add(float64(locks))

	records, err := s.idem.Sweep(ctx)
	if err != nil {
		s.logger.Warn("idempotency sweep failed", zap.Error(err))
	}
	metrics.SweptTotal.WithLabelValues("idempotency").Add(float64(records))

	if locks+records > 0 {
		s.logger.Debug("swept expired entries", zap.Int("locks", locks), zap.Int("records", records))
	}
	return locks, records
}
