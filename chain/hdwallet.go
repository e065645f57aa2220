package chain

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"
)

// BIP44 path of an account's custodial key: m/44'/60'/0'/0/{accountID}
const pathPrefix = "m/44'/60'/0'/0/"

var ErrInvalidMnemonic = errors.New("invalid mnemonic")

// HDWallet derives per-account keys from one seed.
type HDWallet struct {
	master *hdkeychain.ExtendedKey
}

func NewHDWallet(mnemonic, passphrase string) (*HDWallet, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	seed := bip39.NewSeed(mnemonic, passphrase)
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("生成主密钥失败: %w", err)
	}
	return &HDWallet{master: master}, nil
}

// NewMnemonic generates a 24 word mnemonic for bootstrapping a wallet.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

// PathFor returns the derivation path of an account.
func PathFor(accountID uint64) (string, error) {
	if accountID >= hdkeychain.HardenedKeyStart {
		return "", fmt.Errorf("account %d out of derivation range", accountID)
	}
	return pathPrefix + strconv.FormatUint(accountID, 10), nil
}

// ParsePath turns "m/44'/60'/0'/0/7" into child indexes.
func ParsePath(path string) ([]uint32, error) {
	parts := strings.Split(path, "/")
	if len(parts) < 2 || parts[0] != "m" {
		return nil, fmt.Errorf("invalid derivation path %q", path)
	}
	out := make([]uint32, 0, len(parts)-1)
	for _, p := range parts[1:] {
		hardened := strings.HasSuffix(p, "'")
		n, err := strconv.ParseUint(strings.TrimSuffix(p, "'"), 10, 32)
		if err != nil || n >= hdkeychain.HardenedKeyStart {
			return nil, fmt.Errorf("invalid path segment %q", p)
		}
		idx := uint32(n)
		if hardened {
			idx += hdkeychain.HardenedKeyStart
		}
		out = append(out, idx)
	}
	return out, nil
}

// Derive returns the private key at path.
func (w *HDWallet) Derive(path string) (*ecdsa.PrivateKey, error) {
	indexes, err := ParsePath(path)
	if err != nil {
		return nil, err
	}
	key := w.master
	for _, idx := range indexes {
		key, err = key.Derive(idx)
		if err != nil {
			return nil, fmt.Errorf("派生失败 %s: %w", path, err)
		}
	}
	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, err
	}
	return crypto.ToECDSA(priv.Serialize())
}

// AddressAt derives the address at path.
func (w *HDWallet) AddressAt(path string) (common.Address, error) {
	priv, err := w.Derive(path)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(priv.PublicKey), nil
}
