package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

type fakeBackend struct {
	mu sync.Mutex

	native      map[common.Address]*big.Int
	token       map[common.Address]*big.Int
	gasPrice    *big.Int
	gasEstimate uint64
	estimateErr error
	nonce       uint64
	sendErr     error
	sent        []*types.Transaction
	receipts    map[common.Hash]*types.Receipt
	readErr     error
	calls       int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		native:      make(map[common.Address]*big.Int),
		token:       make(map[common.Address]*big.Int),
		gasPrice:    big.NewInt(3_000_000_000),
		gasEstimate: 21000,
		receipts:    make(map[common.Hash]*types.Receipt),
	}
}

func (f *fakeBackend) read() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.readErr
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) {
	return big.NewInt(56), f.read()
}

func (f *fakeBackend) BalanceAt(_ context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	if err := f.read(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.native[account]; ok {
		return v, nil
	}
	return new(big.Int), nil
}

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if err := f.read(); err != nil {
		return nil, err
	}
	args, err := erc20ABI.Methods["balanceOf"].Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}
	owner := args[0].(common.Address)
	f.mu.Lock()
	v, ok := f.token[owner]
	f.mu.Unlock()
	if !ok {
		v = new(big.Int)
	}
	return erc20ABI.Methods["balanceOf"].Outputs.Pack(v)
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	if err := f.read(); err != nil {
		return nil, err
	}
	return f.gasPrice, nil
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	if err := f.read(); err != nil {
		return 0, err
	}
	return f.gasEstimate, f.estimateErr
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	if err := f.read(); err != nil {
		return 0, err
	}
	return f.nonce, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	if err := f.read(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (f *fakeBackend) mine(hash common.Hash, status uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts[hash] = &types.Receipt{
		Status:            status,
		BlockNumber:       big.NewInt(100),
		GasUsed:           21000,
		EffectiveGasPrice: big.NewInt(3_000_000_000),
		TxHash:            hash,
	}
}

// rpcError mimics a JSON-RPC error answer from a node.
type rpcError struct {
	msg  string
	code int
}

func (e rpcError) Error() string  { return e.msg }
func (e rpcError) ErrorCode() int { return e.code }

type staticResolver map[uint64]common.Address

func (r staticResolver) AddressOf(_ context.Context, accountID uint64) (common.Address, error) {
	if a, ok := r[accountID]; ok {
		return a, nil
	}
	return common.Address{}, errors.New("no address")
}
