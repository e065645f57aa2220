package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"github.com/usdt_vault/model"
)

type ExecutorConfig struct {
	Token             Token
	ChainID           *big.Int
	PollInterval      time.Duration
	SettlementTimeout time.Duration
}

// Executor builds, signs and broadcasts transfers and waits for their receipts.
type Executor struct {
	client Backend
	signer Signer
	cfg    ExecutorConfig
	logger *zap.Logger
	now    func() time.Time
}

func NewExecutor(client Backend, signer Signer, cfg ExecutorConfig, logger *zap.Logger) *Executor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.SettlementTimeout <= 0 {
		cfg.SettlementTimeout = 90 * time.Second
	}
	return &Executor{
		client: client,
		signer: signer,
		cfg:    cfg,
		logger: logger.Named("executor"),
		now:    time.Now,
	}
}

// Submit signs the transfer at the quoted gas and broadcasts it.
//
// An error wrapping model.ErrSubmissionFailed means nothing reached the
// network. An error wrapping model.ErrSettlementUnknown means the signed
// transaction may have been accepted; the returned hash is then valid and the
// transfer must not be retried blindly.
func (e *Executor) Submit(ctx context.Context, req model.TransferRequest, quote *model.FeeQuote) (common.Hash, error) {
	from, err := e.signer.Address(ctx, req.AccountID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: sender address: %v", model.ErrSubmissionFailed, err)
	}
	msg, err := e.cfg.Token.callFor(from, req)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: %v", model.ErrSubmissionFailed, err)
	}
	nonce, err := e.client.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: nonce: %v", model.ErrSubmissionFailed, err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       msg.To,
		Value:    msg.Value,
		Gas:      quote.GasUnits,
		GasPrice: quote.UnitPrice,
		Data:     msg.Data,
	})
	signed, err := e.signer.SignTx(ctx, req.AccountID, tx, e.cfg.ChainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: sign: %v", model.ErrSubmissionFailed, err)
	}
	hash := signed.Hash()
	if err := ctx.Err(); err != nil {
		return common.Hash{}, fmt.Errorf("%w: %v", model.ErrSubmissionFailed, err)
	}

	if err := e.client.SendTransaction(ctx, signed); err != nil {
		if alreadyKnown(err) {
			e.logger.Warn("node already knows transaction", zap.String("tx_hash", hash.Hex()))
			return hash, nil
		}
		if rejected(err) {
			return common.Hash{}, fmt.Errorf("%w: %v", model.ErrSubmissionFailed, err)
		}
		e.logger.Error("broadcast outcome ambiguous",
			zap.String("tx_hash", hash.Hex()),
			zap.Uint64("nonce", nonce),
			zap.Error(err))
		return hash, fmt.Errorf("%w: broadcast %s: %v", model.ErrSettlementUnknown, hash.Hex(), err)
	}

	e.logger.Info("transaction broadcast",
		zap.Uint64("account_id", req.AccountID),
		zap.String("asset", string(req.Asset)),
		zap.String("tx_hash", hash.Hex()),
		zap.Uint64("nonce", nonce))
	return hash, nil
}

// rejected reports whether the node answered the broadcast with a JSON-RPC
// error, meaning it did not accept the transaction.
func rejected(err error) bool {
	var rpcErr rpc.Error
	return errors.As(err, &rpcErr)
}

func alreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

// Await polls for the receipt of hash until it is mined, the settlement
// timeout passes, or ctx is cancelled. Without a receipt it returns an
// unconfirmed outcome together with model.ErrSettlementUnknown.
func (e *Executor) Await(ctx context.Context, hash common.Hash) (*model.SettlementOutcome, error) {
	deadline := time.NewTimer(e.cfg.SettlementTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := e.client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return e.outcomeFromReceipt(hash, receipt), nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			e.logger.Debug("receipt poll failed", zap.String("tx_hash", hash.Hex()), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return e.unconfirmed(hash), fmt.Errorf("%w: %s: %v", model.ErrSettlementUnknown, hash.Hex(), ctx.Err())
		case <-deadline.C:
			return e.unconfirmed(hash), fmt.Errorf("%w: %s: no receipt after %s", model.ErrSettlementUnknown, hash.Hex(), e.cfg.SettlementTimeout)
		case <-ticker.C:
		}
	}
}

// Receipt is a single non-blocking receipt read. ok is false while pending.
func (e *Executor) Receipt(ctx context.Context, hash common.Hash) (*model.SettlementOutcome, bool, error) {
	receipt, err := e.client.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return e.outcomeFromReceipt(hash, receipt), true, nil
}

func (e *Executor) outcomeFromReceipt(hash common.Hash, r *types.Receipt) *model.SettlementOutcome {
	out := &model.SettlementOutcome{
		TxHash:    hash.Hex(),
		Status:    model.SettlementSuccess,
		SettledAt: e.now(),
	}
	if r.Status != types.ReceiptStatusSuccessful {
		out.Status = model.SettlementFailed
		out.Reason = "reverted"
	}
	if r.BlockNumber != nil {
		n := r.BlockNumber.Uint64()
		out.BlockNumber = &n
	}
	gas := r.GasUsed
	out.GasUsed = &gas
	if r.EffectiveGasPrice != nil {
		out.EffectivePrice = new(big.Int).Set(r.EffectiveGasPrice)
	}
	return out
}

func (e *Executor) unconfirmed(hash common.Hash) *model.SettlementOutcome {
	return &model.SettlementOutcome{
		TxHash:    hash.Hex(),
		Status:    model.SettlementFailed,
		Reason:    model.ReasonUnconfirmed,
		SettledAt: e.now(),
	}
}
