package chain

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Backend is the part of ethclient.Client the wallet depends on.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Client guards node reads with a circuit breaker so a dead RPC endpoint fails
// fast instead of stalling every request. SendTransaction is never routed
// through the breaker.
type Client struct {
	backend Backend
	cb      *gobreaker.CircuitBreaker
}

type BreakerSettings struct {
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
}

func NewClient(backend Backend, settings BreakerSettings, logger *zap.Logger) *Client {
	log := logger.Named("chain-client")
	if settings.ConsecutiveFailures == 0 {
		settings.ConsecutiveFailures = 5
	}
	if settings.OpenTimeout <= 0 {
		settings.OpenTimeout = 30 * time.Second
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "bsc-rpc",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			// a pending receipt or a cancelled caller says nothing about node health
			return err == nil || errors.Is(err, ethereum.NotFound) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return &Client{backend: backend, cb: cb}
}

func guarded[T any](cb *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	v, err := cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	return guarded(c.cb, func() (*big.Int, error) { return c.backend.ChainID(ctx) })
}

func (c *Client) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return guarded(c.cb, func() (*big.Int, error) { return c.backend.BalanceAt(ctx, account, blockNumber) })
}

func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return guarded(c.cb, func() ([]byte, error) { return c.backend.CallContract(ctx, msg, blockNumber) })
}

func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return guarded(c.cb, func() (*big.Int, error) { return c.backend.SuggestGasPrice(ctx) })
}

func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return guarded(c.cb, func() (uint64, error) { return c.backend.EstimateGas(ctx, msg) })
}

func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return guarded(c.cb, func() (uint64, error) { return c.backend.PendingNonceAt(ctx, account) })
}

func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return guarded(c.cb, func() (*types.Receipt, error) { return c.backend.TransactionReceipt(ctx, txHash) })
}

func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return c.backend.SendTransaction(ctx, tx)
}

// State reports the breaker state for health checks.
func (c *Client) State() gobreaker.State {
	return c.cb.State()
}
