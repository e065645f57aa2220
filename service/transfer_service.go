package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/usdt_vault/balance"
	"github.com/usdt_vault/chain"
	"github.com/usdt_vault/idempotency"
	"github.com/usdt_vault/lock"
	"github.com/usdt_vault/metrics"
	"github.com/usdt_vault/model"
)

// State is a step of the transfer lifecycle.
type State string

const (
	StateValidating           State = "validating"
	StateQuoting              State = "quoting"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StateSubmitting           State = "submitting"
	StateSettling             State = "settling"
	StateDone                 State = "done"
	StateFailed               State = "failed"
)

const opTransfer = "transfer"

type FeeEstimator interface {
	Estimate(ctx context.Context, req model.TransferRequest) (*model.FeeQuote, error)
}

type TransferExecutor interface {
	Submit(ctx context.Context, req model.TransferRequest, quote *model.FeeQuote) (common.Hash, error)
	Await(ctx context.Context, hash common.Hash) (*model.SettlementOutcome, error)
}

type BalanceReader interface {
	Snapshot(ctx context.Context, accountID uint64) (*balance.Snapshot, error)
}

type TransferStore interface {
	Create(ctx context.Context, rec *model.TransferRecord) error
	Update(ctx context.Context, rec *model.TransferRecord) error
}

// Preview is what the caller is asked to confirm.
type Preview struct {
	OperationID string           `json:"operation_id"`
	Asset       model.Asset      `json:"asset"`
	To          string           `json:"to"`
	Amount      decimal.Decimal  `json:"amount"`
	Quote       *model.FeeQuote  `json:"fee"`
	Balance     balance.Snapshot `json:"balance"`
}

// ConfirmFunc is asked once per transfer, before anything irreversible
// happens. Returning false abandons the transfer with no side effect.
type ConfirmFunc func(ctx context.Context, p Preview) (bool, error)

// TransferResult is the response of a transfer that reached Submitting.
// It is what gets recorded under the client key.
type TransferResult struct {
	OperationID string                   `json:"operation_id"`
	State       State                    `json:"state"`
	Asset       model.Asset              `json:"asset"`
	To          string                   `json:"to"`
	Amount      decimal.Decimal          `json:"amount"`
	Fee         *model.FeeQuote          `json:"fee,omitempty"`
	Outcome     *model.SettlementOutcome `json:"outcome,omitempty"`
	Replayed    bool                     `json:"replayed"`
}

// Err classifies a recorded result the same way the original call was answered.
func (r *TransferResult) Err() error {
	switch {
	case r.Outcome == nil:
		return nil
	case r.Outcome.Unconfirmed():
		return fmt.Errorf("%w: %s", model.ErrSettlementUnknown, r.Outcome.TxHash)
	case r.Outcome.Status == model.SettlementFailed:
		return fmt.Errorf("%w: transaction %s %s", model.ErrSubmissionFailed, r.Outcome.TxHash, r.Outcome.Reason)
	}
	return nil
}

type TransferOptions struct {
	LockPolicy  lock.Policy
	QuoteTTL    time.Duration
	CallTimeout time.Duration
	// SettlementTimeout bounds Settling; the account lock is extended to cover it.
	SettlementTimeout time.Duration
	// StableDecimals is the token precision; 0 means 18.
	StableDecimals int32
}

func DefaultTransferOptions() TransferOptions {
	return TransferOptions{
		LockPolicy:        lock.DefaultPolicy(),
		QuoteTTL:          30 * time.Second,
		CallTimeout:       15 * time.Second,
		SettlementTimeout: 90 * time.Second,
		StableDecimals:    18,
	}
}

// TransferService is the transaction orchestrator. All wallet-affecting work
// on an account happens under that account's lock.
type TransferService struct {
	locks    lock.Table
	idem     idempotency.Store
	ledger   BalanceReader
	fees     FeeEstimator
	executor TransferExecutor
	records  TransferStore
	opts     TransferOptions
	logger   *zap.Logger
	now      func() time.Time
}

func NewTransferService(locks lock.Table, idem idempotency.Store, ledger BalanceReader, fees FeeEstimator,
	executor TransferExecutor, records TransferStore, opts TransferOptions, logger *zap.Logger) *TransferService {
	return &TransferService{
		locks:    locks,
		idem:     idem,
		ledger:   ledger,
		fees:     fees,
		executor: executor,
		records:  records,
		opts:     opts,
		logger:   logger.Named("transfer"),
		now:      time.Now,
	}
}

type transferRun struct {
	id          string
	req         model.TransferRequest
	fingerprint string
	state       State
	started     time.Time
	lease       *lock.Lease
	log         *zap.Logger
}

func (r *transferRun) enter(s State) {
	r.state = s
	r.log.Debug("transfer state", zap.String("state", string(s)))
}

func (s *TransferService) begin(req model.TransferRequest) *transferRun {
	id := uuid.NewString()
	return &transferRun{
		id:          id,
		req:         req,
		fingerprint: fingerprint(req),
		started:     s.now(),
		log: s.logger.With(
			zap.String("operation_id", id),
			zap.Uint64("account_id", req.AccountID),
			zap.String("asset", string(req.Asset)),
		),
	}
}

// Quote runs a transfer up to AwaitingConfirmation and abandons it there,
// returning what the caller would be asked to confirm. It has no side effect.
func (s *TransferService) Quote(ctx context.Context, req model.TransferRequest) (*Preview, error) {
	req.ClientKey = ""
	run := s.begin(req)
	_, preview, err := s.execute(ctx, run, nil, true)
	if err != nil {
		s.fail(run, err)
		return nil, err
	}
	run.log.Debug("quote served", zap.String("fee", preview.Quote.TotalFee.String()))
	return preview, nil
}

// Transfer runs the full lifecycle. A nil confirm skips AwaitingConfirmation.
//
// Once a transaction has been broadcast the result is always returned, also
// alongside model.ErrSettlementUnknown or model.ErrSubmissionFailed, and is
// recorded under req.ClientKey so a retry replays it instead of sending again.
func (s *TransferService) Transfer(ctx context.Context, req model.TransferRequest, confirm ConfirmFunc) (*TransferResult, error) {
	run := s.begin(req)
	res, _, err := s.execute(ctx, run, confirm, false)
	if res != nil && res.Replayed {
		return res, err
	}
	if err != nil {
		s.fail(run, err)
		return res, err
	}
	return res, nil
}

func (s *TransferService) execute(ctx context.Context, run *transferRun, confirm ConfirmFunc, quoteOnly bool) (*TransferResult, *Preview, error) {
	req := run.req

	run.enter(StateValidating)
	if err := validateTransfer(req, s.decimals(req.Asset)); err != nil {
		return nil, nil, err
	}
	key := req.ClientKey
	if key != "" {
		// fast path: a completed record can be served without taking the lock
		if res, err := s.replay(ctx, run); res != nil || (err != nil && !errors.Is(err, idempotency.ErrInProgress)) {
			return res, nil, err
		}
	}

	lease, err := lock.Acquire(ctx, s.locks, req.AccountID, opTransfer, s.opts.LockPolicy)
	if err != nil {
		if errors.Is(err, lock.ErrBusy) {
			metrics.LockBusyTotal.WithLabelValues(opTransfer).Inc()
			return nil, nil, model.ErrAccountBusy
		}
		return nil, nil, fmt.Errorf("%w: %v", model.ErrAccountBusy, err)
	}
	defer lease.Release()
	run.lease = lease

	if key != "" {
		res, err := s.replay(ctx, run)
		if res != nil {
			return res, nil, err
		}
		if errors.Is(err, idempotency.ErrInProgress) {
			// the holder of this reservation outlived its lock
			return nil, nil, fmt.Errorf("%w: request with this key is still in progress", model.ErrAccountBusy)
		}
		if err != nil {
			return nil, nil, err
		}
		if err := s.idem.Reserve(ctx, req.AccountID, key, run.fingerprint); err != nil {
			if errors.Is(err, idempotency.ErrCompleted) {
				res, err := s.replay(ctx, run)
				if res != nil || err != nil {
					return res, nil, err
				}
			}
			return nil, nil, s.idempotencyErr(err)
		}
		recorded := false
		defer func() {
			if !recorded {
				if err := s.idem.Abandon(context.WithoutCancel(ctx), req.AccountID, key); err != nil {
					run.log.Warn("failed to abandon idempotency reservation", zap.Error(err))
				}
			}
		}()
		res, preview, err := s.process(ctx, run, confirm, quoteOnly)
		if res != nil {
			s.record(ctx, run, res)
			recorded = true
		}
		return res, preview, err
	}

	return s.process(ctx, run, confirm, quoteOnly)
}

// process runs Validating (funds) through Done under the account lock.
func (s *TransferService) process(ctx context.Context, run *transferRun, confirm ConfirmFunc, quoteOnly bool) (*TransferResult, *Preview, error) {
	req := run.req

	if err := s.hold(ctx, run, s.opts.CallTimeout); err != nil {
		return nil, nil, err
	}
	snap, err := s.snapshot(ctx, req.AccountID)
	if err != nil {
		return nil, nil, err
	}
	if err := checkFunds(req, snap, nil); err != nil {
		return nil, nil, err
	}

	run.enter(StateQuoting)
	if err := s.hold(ctx, run, s.opts.CallTimeout); err != nil {
		return nil, nil, err
	}
	quote, err := s.estimate(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	if err := checkFunds(req, snap, quote); err != nil {
		return nil, nil, err
	}

	run.enter(StateAwaitingConfirmation)
	preview := &Preview{
		OperationID: run.id,
		Asset:       req.Asset,
		To:          req.To,
		Amount:      req.Amount,
		Quote:       quote,
		Balance:     *snap,
	}
	if quoteOnly {
		return nil, preview, nil
	}
	if confirm != nil {
		ok, err := confirm(ctx, *preview)
		if err != nil {
			return nil, preview, err
		}
		if !ok {
			return nil, preview, model.ErrConfirmationDeclined
		}
	}

	// re-quote and re-validate below, then broadcast and settle
	if err := s.hold(ctx, run, 2*s.opts.CallTimeout); err != nil {
		return nil, preview, err
	}
	if quote.Expired(s.now(), s.opts.QuoteTTL) {
		fresh, err := s.estimate(ctx, req)
		if err != nil {
			return nil, preview, err
		}
		if confirm != nil && fresh.TotalFee.GreaterThan(quote.TotalFee) {
			return nil, preview, fmt.Errorf("%w: fee %s > confirmed %s", model.ErrQuoteChanged, fresh.TotalFee, quote.TotalFee)
		}
		run.log.Info("quote refreshed before submission",
			zap.String("old_fee", quote.TotalFee.String()),
			zap.String("new_fee", fresh.TotalFee.String()))
		quote = fresh
	}

	// balances may have moved since Validating
	snap, err = s.snapshot(ctx, req.AccountID)
	if err != nil {
		return nil, preview, err
	}
	if err := checkFunds(req, snap, quote); err != nil {
		return nil, preview, err
	}

	run.enter(StateSubmitting)
	// record create, broadcast, settle, record update
	if err := s.hold(ctx, run, 3*s.opts.CallTimeout+s.opts.SettlementTimeout); err != nil {
		return nil, preview, err
	}
	return s.submit(ctx, run, quote)
}

func (s *TransferService) submit(ctx context.Context, run *transferRun, quote *model.FeeQuote) (*TransferResult, *Preview, error) {
	req := run.req
	// after broadcast nothing may be skipped because the caller went away
	durable := context.WithoutCancel(ctx)

	rec := &model.TransferRecord{
		OperationID: run.id,
		AccountID:   req.AccountID,
		Asset:       req.Asset,
		ToAddress:   req.To,
		Amount:      req.Amount,
		Fee:         quote.TotalFee,
		ClientKey:   req.ClientKey,
		Status:      model.TransferSubmitting,
	}
	if err := s.records.Create(ctx, rec); err != nil {
		return nil, nil, fmt.Errorf("%w: persist transfer: %v", model.ErrSubmissionFailed, err)
	}

	result := &TransferResult{
		OperationID: run.id,
		Asset:       req.Asset,
		To:          req.To,
		Amount:      req.Amount,
		Fee:         quote,
	}

	submitCtx, cancel := s.withTimeout(ctx)
	hash, err := s.executor.Submit(submitCtx, req, quote)
	cancel()
	if err != nil && !errors.Is(err, model.ErrSettlementUnknown) {
		rec.Status = model.TransferFailed
		rec.Reason = truncate(err.Error(), 255)
		s.saveRecord(durable, run, rec)
		return nil, nil, err
	}

	run.log = run.log.With(zap.String("tx_hash", hash.Hex()))
	var outcome *model.SettlementOutcome
	if err != nil {
		run.log.Warn("broadcast ambiguous, not awaiting receipt", zap.Error(err))
		outcome = &model.SettlementOutcome{
			TxHash:    hash.Hex(),
			Status:    model.SettlementFailed,
			Reason:    model.ReasonUnconfirmed,
			SettledAt: s.now(),
		}
	} else {
		rec.TxHash = hash.Hex()
		rec.Status = model.TransferBroadcasted
		s.saveRecord(durable, run, rec)

		run.enter(StateSettling)
		outcome, err = s.executor.Await(ctx, hash)
		if err != nil && outcome == nil {
			outcome = &model.SettlementOutcome{
				TxHash:    hash.Hex(),
				Status:    model.SettlementFailed,
				Reason:    model.ReasonUnconfirmed,
				SettledAt: s.now(),
			}
		}
	}

	applyOutcome(rec, outcome)
	s.saveRecord(durable, run, rec)

	result.Outcome = outcome
	result.State = StateDone
	if outcome.Status != model.SettlementSuccess {
		result.State = StateFailed
	}
	if err := result.Err(); err != nil {
		return result, nil, err
	}

	run.enter(StateDone)
	metrics.TransfersTotal.WithLabelValues(string(req.Asset), "success").Inc()
	metrics.TransferDuration.WithLabelValues(string(req.Asset)).Observe(s.now().Sub(run.started).Seconds())
	run.log.Info("transfer settled", zap.Uint64p("block_number", outcome.BlockNumber))
	return result, nil, nil
}

func applyOutcome(rec *model.TransferRecord, o *model.SettlementOutcome) {
	rec.TxHash = o.TxHash
	switch {
	case o.Unconfirmed():
		rec.Status = model.TransferUnknown
	case o.Status == model.SettlementSuccess:
		rec.Status = model.TransferConfirmed
	default:
		rec.Status = model.TransferFailed
	}
	rec.Reason = o.Reason
	if o.BlockNumber != nil {
		rec.BlockNumber = *o.BlockNumber
	}
	if o.GasUsed != nil {
		rec.GasUsed = *o.GasUsed
	}
	if o.EffectivePrice != nil {
		rec.EffectivePrice = o.EffectivePrice.String()
	}
}

func (s *TransferService) saveRecord(ctx context.Context, run *transferRun, rec *model.TransferRecord) {
	if err := s.records.Update(ctx, rec); err != nil {
		run.log.Error("failed to update transfer record",
			zap.String("status", string(rec.Status)),
			zap.Error(err))
	}
}

// replay serves a completed record for the run's key.
func (s *TransferService) replay(ctx context.Context, run *transferRun) (*TransferResult, error) {
	rec, err := s.idem.Lookup(ctx, run.req.AccountID, run.req.ClientKey)
	if err != nil {
		return nil, s.idempotencyErr(err)
	}
	if rec == nil {
		return nil, nil
	}
	if rec.Fingerprint != "" && rec.Fingerprint != run.fingerprint {
		return nil, fmt.Errorf("%w: key reused with a different request", model.ErrIdempotencyKeyConflict)
	}
	var res TransferResult
	if err := json.Unmarshal(rec.Response, &res); err != nil {
		return nil, fmt.Errorf("decode recorded response: %w", err)
	}
	res.Replayed = true
	metrics.IdempotentReplaysTotal.Inc()
	run.log.Info("replaying recorded transfer", zap.String("original_operation_id", res.OperationID))
	return &res, res.Err()
}

func (s *TransferService) record(ctx context.Context, run *transferRun, res *TransferResult) {
	payload, err := json.Marshal(res)
	if err != nil {
		run.log.Error("failed to encode transfer result", zap.Error(err))
		return
	}
	err = s.idem.Record(context.WithoutCancel(ctx), run.req.AccountID, run.req.ClientKey, run.fingerprint, payload)
	if err != nil {
		run.log.Error("failed to record transfer outcome", zap.Error(err))
	}
}

func (s *TransferService) idempotencyErr(err error) error {
	switch {
	case errors.Is(err, idempotency.ErrKeyConflict):
		return fmt.Errorf("%w", model.ErrIdempotencyKeyConflict)
	case errors.Is(err, idempotency.ErrInProgress):
		return fmt.Errorf("%w: %w", model.ErrAccountBusy, err)
	case errors.Is(err, idempotency.ErrEmptyKey):
		return fmt.Errorf("%w: %v", model.ErrInvalidRequest, err)
	}
	return fmt.Errorf("idempotency store: %w", err)
}

// hold extends the account lock so it covers the next d of work plus the
// lock ttl. Losing the lock before broadcast aborts the transfer.
func (s *TransferService) hold(ctx context.Context, run *transferRun, d time.Duration) error {
	if run.lease == nil {
		return nil
	}
	if err := run.lease.Extend(ctx, d+s.opts.LockPolicy.TTL); err != nil {
		if errors.Is(err, lock.ErrNotHeld) {
			return fmt.Errorf("%w: account lock lost in %s", model.ErrAccountBusy, run.state)
		}
		return fmt.Errorf("%w: extend account lock: %v", model.ErrAccountBusy, err)
	}
	return nil
}

func (s *TransferService) snapshot(ctx context.Context, accountID uint64) (*balance.Snapshot, error) {
	cctx, cancel := s.withTimeout(ctx)
	defer cancel()
	snap, err := s.ledger.Snapshot(cctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrBalanceUnavailable, err)
	}
	return snap, nil
}

func (s *TransferService) estimate(ctx context.Context, req model.TransferRequest) (*model.FeeQuote, error) {
	cctx, cancel := s.withTimeout(ctx)
	defer cancel()
	quote, err := s.fees.Estimate(cctx, req)
	if err != nil {
		if errors.Is(err, model.ErrQuoteUnavailable) || errors.Is(err, model.ErrInvalidRequest) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", model.ErrQuoteUnavailable, err)
	}
	return quote, nil
}

func (s *TransferService) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return callContext(ctx, s.opts.CallTimeout)
}

func (s *TransferService) fail(run *transferRun, err error) {
	run.state = StateFailed
	metrics.TransfersTotal.WithLabelValues(string(run.req.Asset), outcomeLabel(err)).Inc()
	fields := []zap.Field{zap.Error(err)}
	switch {
	case errors.Is(err, model.ErrSettlementUnknown), errors.Is(err, model.ErrSubmissionFailed):
		run.log.Error("transfer failed", fields...)
	case errors.Is(err, model.ErrConfirmationDeclined):
		run.log.Info("transfer abandoned at confirmation")
	default:
		run.log.Warn("transfer failed", fields...)
	}
}

func outcomeLabel(err error) string {
	for _, c := range []struct {
		err   error
		label string
	}{
		{model.ErrInvalidRequest, "invalid_request"},
		{model.ErrAccountBusy, "account_busy"},
		{model.ErrInsufficientAvailableBalance, "insufficient_available"},
		{model.ErrInsufficientRawBalance, "insufficient_raw"},
		{model.ErrInsufficientFeeBalance, "insufficient_fee"},
		{model.ErrBalanceUnavailable, "balance_unavailable"},
		{model.ErrQuoteUnavailable, "quote_unavailable"},
		{model.ErrQuoteChanged, "quote_changed"},
		{model.ErrConfirmationDeclined, "declined"},
		{model.ErrSubmissionFailed, "submission_failed"},
		{model.ErrSettlementUnknown, "settlement_unknown"},
		{model.ErrIdempotencyKeyConflict, "key_conflict"},
	} {
		if errors.Is(err, c.err) {
			return c.label
		}
	}
	return "error"
}

func (s *TransferService) decimals(asset model.Asset) int32 {
	if asset == model.AssetStable && s.opts.StableDecimals > 0 {
		return s.opts.StableDecimals
	}
	return chain.NativeDecimals
}

func validateTransfer(req model.TransferRequest, decimals int32) error {
	switch {
	case req.AccountID == 0:
		return fmt.Errorf("%w: missing account", model.ErrInvalidRequest)
	case !req.Asset.Valid():
		return fmt.Errorf("%w: unsupported asset %q", model.ErrInvalidRequest, req.Asset)
	case !chain.ValidAddress(req.To):
		return fmt.Errorf("%w: invalid destination address", model.ErrInvalidRequest)
	case !req.Amount.IsPositive():
		return fmt.Errorf("%w: amount must be positive", model.ErrInvalidRequest)
	case !chain.FitsDecimals(req.Amount, decimals):
		return fmt.Errorf("%w: amount %s has more than %d decimal places", model.ErrInvalidRequest, req.Amount, decimals)
	case len(req.ClientKey) > 128:
		return fmt.Errorf("%w: idempotency key too long", model.ErrInvalidRequest)
	}
	return nil
}

// checkFunds enforces the spendable balance and, once a quote exists, that the
// native balance covers the fee (plus the amount for native transfers).
func checkFunds(req model.TransferRequest, snap *balance.Snapshot, quote *model.FeeQuote) error {
	spendable := snap.Spendable(req.Asset)
	if req.Amount.GreaterThan(spendable) {
		if req.Amount.LessThanOrEqual(snap.Raw(req.Asset)) {
			return fmt.Errorf("%w: requested %s, available %s, locked %s",
				model.ErrInsufficientAvailableBalance, req.Amount, spendable, snap.Locked)
		}
		return fmt.Errorf("%w: requested %s %s, balance %s",
			model.ErrInsufficientRawBalance, req.Amount, req.Asset, snap.Raw(req.Asset))
	}
	if quote == nil {
		return nil
	}
	need := quote.TotalFee
	if req.Asset == model.AssetNative {
		need = need.Add(req.Amount)
	}
	if snap.Native.LessThan(need) {
		return fmt.Errorf("%w: need %s BNB, have %s", model.ErrInsufficientFeeBalance, need, snap.Native)
	}
	return nil
}

func fingerprint(req model.TransferRequest) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{
		string(req.Asset),
		strings.ToLower(req.To),
		req.Amount.String(),
	}, "|")))
	return hex.EncodeToString(sum[:])
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
