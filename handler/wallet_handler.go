package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/usdt_vault/chain"
	"github.com/usdt_vault/middleware"
	"github.com/usdt_vault/model"
	"github.com/usdt_vault/service"
)

type WalletService interface {
	Balance(ctx context.Context, accountID uint64) (*service.BalanceView, error)
	DepositAddress(ctx context.Context, accountID uint64) (*model.WalletAddress, error)
	CreateDepositAddress(ctx context.Context, accountID uint64) (*model.WalletAddress, error)
	TransferHistory(ctx context.Context, accountID uint64, page, size int) ([]*model.TransferRecord, int64, error)
	ChainHistory(ctx context.Context, accountID uint64, limit int) ([]chain.ExplorerTx, error)
}

type WalletHandler struct {
	svc WalletService
}

func NewWalletHandler(svc WalletService) *WalletHandler {
	return &WalletHandler{svc: svc}
}

// account reads the authenticated account, answering 401 when absent.
func account(c *gin.Context) (uint64, bool) {
	id, ok := middleware.AccountID(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
	}
	return id, ok
}

// GET /api/wallet/balance
func (h *WalletHandler) GetBalance(c *gin.Context) {
	accountID, ok := account(c)
	if !ok {
		return
	}
	view, err := h.svc.Balance(c.Request.Context(), accountID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// GET /api/wallet/deposit/address
func (h *WalletHandler) GetDepositAddress(c *gin.Context) {
	accountID, ok := account(c)
	if !ok {
		return
	}
	addr, err := h.svc.DepositAddress(c.Request.Context(), accountID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": addr.Address, "chain": addr.Chain})
}

// POST /api/wallet/deposit/address
func (h *WalletHandler) CreateDepositAddress(c *gin.Context) {
	accountID, ok := account(c)
	if !ok {
		return
	}
	addr, err := h.svc.CreateDepositAddress(c.Request.Context(), accountID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": addr.Address, "chain": addr.Chain})
}

// GET /api/wallet/transfers/history
func (h *WalletHandler) GetTransferHistory(c *gin.Context) {
	accountID, ok := account(c)
	if !ok {
		return
	}
	page, _ := strconv.Atoi(c.Query("page"))
	size, _ := strconv.Atoi(c.Query("size"))

	list, total, err := h.svc.TransferHistory(c.Request.Context(), accountID, page, size)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"total": total, "records": list})
}

// GET /api/wallet/transactions/chain
func (h *WalletHandler) GetChainHistory(c *gin.Context) {
	accountID, ok := account(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	txs, err := h.svc.ChainHistory(c.Request.Context(), accountID, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": txs})
}
