package chain

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Signer holds custody of account keys. The wallet core never sees a key.
type Signer interface {
	Address(ctx context.Context, accountID uint64) (common.Address, error)
	SignTx(ctx context.Context, accountID uint64, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// HDSigner signs locally with keys derived from the wallet seed.
type HDSigner struct {
	wallet *HDWallet

	mu    sync.RWMutex
	cache map[uint64]common.Address
}

func NewHDSigner(wallet *HDWallet) *HDSigner {
	return &HDSigner{wallet: wallet, cache: make(map[uint64]common.Address)}
}

func (s *HDSigner) Address(_ context.Context, accountID uint64) (common.Address, error) {
	s.mu.RLock()
	addr, ok := s.cache[accountID]
	s.mu.RUnlock()
	if ok {
		return addr, nil
	}

	path, err := PathFor(accountID)
	if err != nil {
		return common.Address{}, err
	}
	addr, err = s.wallet.AddressAt(path)
	if err != nil {
		return common.Address{}, err
	}
	s.mu.Lock()
	s.cache[accountID] = addr
	s.mu.Unlock()
	return addr, nil
}

func (s *HDSigner) SignTx(_ context.Context, accountID uint64, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	path, err := PathFor(accountID)
	if err != nil {
		return nil, err
	}
	priv, err := s.wallet.Derive(path)
	if err != nil {
		return nil, err
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), priv)
}

// RemoteSigner delegates signing to an external signing service:
// GET {url}/address?account_id=N -> {"address"} and
// POST {url}/sign {"account_id","chain_id","unsigned_tx"} -> {"signed_tx"} (hex).
type RemoteSigner struct {
	remoteURL string
	client    *http.Client
}

func NewRemoteSigner(remoteURL string, timeout time.Duration) *RemoteSigner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RemoteSigner{
		remoteURL: strings.TrimSuffix(remoteURL, "/"),
		client:    &http.Client{Timeout: timeout},
	}
}

type remoteSignRequest struct {
	AccountID  uint64          `json:"account_id"`
	ChainID    string          `json:"chain_id"`
	UnsignedTx json.RawMessage `json:"unsigned_tx"`
}

func (s *RemoteSigner) Address(ctx context.Context, accountID uint64) (common.Address, error) {
	url := fmt.Sprintf("%s/address?account_id=%d", s.remoteURL, accountID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return common.Address{}, err
	}
	var out struct {
		Address string `json:"address"`
	}
	if err := s.do(req, &out); err != nil {
		return common.Address{}, err
	}
	if !ValidAddress(out.Address) {
		return common.Address{}, fmt.Errorf("remote signer returned invalid address %q", out.Address)
	}
	return common.HexToAddress(out.Address), nil
}

func (s *RemoteSigner) SignTx(ctx context.Context, accountID uint64, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	unsigned, err := tx.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshal unsigned tx: %w", err)
	}
	b, err := json.Marshal(remoteSignRequest{
		AccountID:  accountID,
		ChainID:    chainID.String(),
		UnsignedTx: unsigned,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.remoteURL+"/sign", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var out struct {
		SignedTx string `json:"signed_tx"`
	}
	if err := s.do(req, &out); err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(out.SignedTx, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode signed tx: %w", err)
	}
	signed := new(types.Transaction)
	if err := signed.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("unmarshal signed tx: %w", err)
	}
	if signed.Nonce() != tx.Nonce() || signed.Value().Cmp(tx.Value()) != 0 || !sameRecipient(signed, tx) {
		return nil, fmt.Errorf("remote signer altered the transaction")
	}
	return signed, nil
}

func sameRecipient(a, b *types.Transaction) bool {
	if a.To() == nil || b.To() == nil {
		return a.To() == b.To()
	}
	return *a.To() == *b.To() && bytes.Equal(a.Data(), b.Data())
}

func (s *RemoteSigner) do(req *http.Request, out any) error {
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("remote signer returned %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
