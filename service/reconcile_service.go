package service

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/usdt_vault/metrics"
	"github.com/usdt_vault/model"
)

type ReceiptReader interface {
	Receipt(ctx context.Context, hash common.Hash) (*model.SettlementOutcome, bool, error)
}

type PendingTransfers interface {
	ListByStatus(ctx context.Context, status model.TransferStatus, limit int) ([]*model.TransferRecord, error)
	Update(ctx context.Context, rec *model.TransferRecord) error
}

type ReconcilerConfig struct {
	Interval time.Duration
	// StaleAfter is how long a broadcasted record may go without an update
	// before the reconciler assumes its settling request died.
	StaleAfter time.Duration
	BatchSize  int
}

// Reconciler finalizes transfer records whose settlement was never observed.
// It only reads receipts: nothing is re-broadcast and recorded idempotency
// responses stay as they were answered.
type Reconciler struct {
	receipts ReceiptReader
	records  PendingTransfers
	cfg      ReconcilerConfig
	logger   *zap.Logger
	now      func() time.Time
}

func NewReconciler(receipts ReceiptReader, records PendingTransfers, cfg ReconcilerConfig, logger *zap.Logger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 3 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Reconciler{
		receipts: receipts,
		records:  records,
		cfg:      cfg,
		logger:   logger.Named("reconciler"),
		now:      time.Now,
	}
}

func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.ReconcileOnce(ctx); err != nil {
				r.logger.Warn("reconcile pass failed", zap.Error(err))
			}
		}
	}
}

// ReconcileOnce checks one batch and returns how many records were finalized.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (int, error) {
	unknown, err := r.records.ListByStatus(ctx, model.TransferUnknown, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	broadcasted, err := r.records.ListByStatus(ctx, model.TransferBroadcasted, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	cutoff := r.now().Add(-r.cfg.StaleAfter)
	for _, rec := range broadcasted {
		if rec.UpdatedAt.Before(cutoff) {
			unknown = append(unknown, rec)
		}
	}

	r.flagInterrupted(ctx, cutoff)

	done := 0
	for _, rec := range unknown {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		if rec.TxHash == "" {
			continue
		}
		outcome, ok, err := r.receipts.Receipt(ctx, common.HexToHash(rec.TxHash))
		if err != nil {
			r.logger.Debug("receipt read failed", zap.String("tx_hash", rec.TxHash), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		applyOutcome(rec, outcome)
		if err := r.records.Update(ctx, rec); err != nil {
			r.logger.Error("failed to finalize transfer",
				zap.String("operation_id", rec.OperationID),
				zap.Error(err))
			continue
		}
		metrics.ReconciledTotal.WithLabelValues(string(rec.Status)).Inc()
		r.logger.Info("transfer finalized",
			zap.String("operation_id", rec.OperationID),
			zap.String("tx_hash", rec.TxHash),
			zap.String("status", string(rec.Status)))
		done++
	}
	return done, nil
}

// flagInterrupted moves submitting records that stalled past the cutoff to
// unresolved. They carry no hash, so only an operator can tell whether the
// transaction left.
func (r *Reconciler) flagInterrupted(ctx context.Context, cutoff time.Time) {
	stalled, err := r.records.ListByStatus(ctx, model.TransferSubmitting, r.cfg.BatchSize)
	if err != nil {
		r.logger.Warn("list submitting transfers failed", zap.Error(err))
		return
	}
	for _, rec := range stalled {
		if !rec.UpdatedAt.Before(cutoff) {
			continue
		}
		rec.Status = model.TransferUnresolved
		rec.Reason = "interrupted before the broadcast result was stored"
		if err := r.records.Update(ctx, rec); err != nil {
			r.logger.Error("failed to flag interrupted transfer",
				zap.String("operation_id", rec.OperationID),
				zap.Error(err))
			continue
		}
		metrics.ReconciledTotal.WithLabelValues(string(rec.Status)).Inc()
		r.logger.Error("transfer needs manual review",
			zap.String("operation_id", rec.OperationID),
			zap.Uint64("account_id", rec.AccountID),
			zap.String("asset", string(rec.Asset)),
			zap.String("to", rec.ToAddress),
			zap.String("amount", rec.Amount.String()))
	}
}
