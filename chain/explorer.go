package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/usdt_vault/model"
)

// ExplorerTx is one on-chain transaction touching a custodial address.
type ExplorerTx struct {
	Hash        string          `json:"transaction_hash"`
	Direction   string          `json:"type"` // send / receive
	Asset       string          `json:"currency"`
	Amount      decimal.Decimal `json:"amount"`
	From        string          `json:"from_address"`
	To          string          `json:"to_address"`
	Status      string          `json:"status"`
	BlockNumber uint64          `json:"block_number"`
	GasUsed     string          `json:"gas_used"`
	GasPrice    string          `json:"gas_price"`
	Timestamp   time.Time       `json:"timestamp"`
}

type ExplorerConfig struct {
	BaseURL      string
	APIKey       string
	Token        Token
	RequestsPerS float64
	Timeout      time.Duration
}

// Explorer reads transaction history from the BscScan account API.
type Explorer struct {
	cfg     ExplorerConfig
	client  *http.Client
	limiter *rate.Limiter
}

func NewExplorer(cfg ExplorerConfig) *Explorer {
	if cfg.RequestsPerS <= 0 {
		cfg.RequestsPerS = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Explorer{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerS), 1),
	}
}

type scanResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

type scanTx struct {
	BlockNumber     string `json:"blockNumber"`
	TimeStamp       string `json:"timeStamp"`
	Hash            string `json:"hash"`
	From            string `json:"from"`
	To              string `json:"to"`
	Value           string `json:"value"`
	GasPrice        string `json:"gasPrice"`
	GasUsed         string `json:"gasUsed"`
	IsError         string `json:"isError"`
	ContractAddress string `json:"contractAddress"`
	TokenSymbol     string `json:"tokenSymbol"`
	TokenDecimal    string `json:"tokenDecimal"`
}

// History returns native and stable-token transactions of address, newest first.
func (e *Explorer) History(ctx context.Context, address common.Address, limit int) ([]ExplorerTx, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	var native, tokens []scanTx

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		native, err = e.fetch(gctx, "txlist", address, limit)
		return err
	})
	g.Go(func() error {
		var err error
		tokens, err = e.fetch(gctx, "tokentx", address, limit)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]ExplorerTx, 0, len(native)+len(tokens))
	for _, tx := range native {
		out = append(out, e.convert(tx, address, false))
	}
	contract := strings.ToLower(e.cfg.Token.Contract.Hex())
	for _, tx := range tokens {
		if strings.ToLower(tx.ContractAddress) != contract {
			continue
		}
		out = append(out, e.convert(tx, address, true))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (e *Explorer) fetch(ctx context.Context, action string, address common.Address, limit int) ([]scanTx, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("module", "account")
	q.Set("action", action)
	q.Set("address", address.Hex())
	q.Set("startblock", "0")
	q.Set("endblock", "99999999")
	q.Set("sort", "desc")
	q.Set("page", "1")
	q.Set("offset", strconv.Itoa(limit))
	if e.cfg.APIKey != "" {
		q.Set("apikey", e.cfg.APIKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.cfg.BaseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("explorer %s: %w", action, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("explorer %s returned %d", action, resp.StatusCode)
	}

	var body scanResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("explorer %s: decode: %w", action, err)
	}
	if body.Status != "1" {
		if strings.HasPrefix(body.Message, "No transactions") {
			return nil, nil
		}
		return nil, fmt.Errorf("explorer %s: %s", action, body.Message)
	}
	var txs []scanTx
	if err := json.Unmarshal(body.Result, &txs); err != nil {
		return nil, fmt.Errorf("explorer %s: decode result: %w", action, err)
	}
	return txs, nil
}

func (e *Explorer) convert(tx scanTx, owner common.Address, token bool) ExplorerTx {
	decimals := int32(NativeDecimals)
	asset := string(model.AssetNative)
	if token {
		asset = tx.TokenSymbol
		if asset == "" {
			asset = string(model.AssetStable)
		}
		decimals = e.cfg.Token.Decimals
		if d, err := strconv.ParseInt(tx.TokenDecimal, 10, 32); err == nil {
			decimals = int32(d)
		}
	}
	value, err := decimal.NewFromString(tx.Value)
	if err != nil {
		value = decimal.Zero
	}
	direction := "receive"
	if strings.EqualFold(tx.From, owner.Hex()) {
		direction = "send"
	}
	// tokentx rows carry no isError field
	status := "success"
	if tx.IsError != "" && tx.IsError != "0" {
		status = "failed"
	}
	block, _ := strconv.ParseUint(tx.BlockNumber, 10, 64)
	ts, _ := strconv.ParseInt(tx.TimeStamp, 10, 64)

	return ExplorerTx{
		Hash:        tx.Hash,
		Direction:   direction,
		Asset:       asset,
		Amount:      value.Shift(-decimals),
		From:        tx.From,
		To:          tx.To,
		Status:      status,
		BlockNumber: block,
		GasUsed:     tx.GasUsed,
		GasPrice:    tx.GasPrice,
		Timestamp:   time.Unix(ts, 0).UTC(),
	}
}
