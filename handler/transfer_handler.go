package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/usdt_vault/model"
	"github.com/usdt_vault/service"
)

const headerIdempotencyKey = "Idempotency-Key"

type TransferService interface {
	Quote(ctx context.Context, req model.TransferRequest) (*service.Preview, error)
	Transfer(ctx context.Context, req model.TransferRequest, confirm service.ConfirmFunc) (*service.TransferResult, error)
}

type TransferHandler struct {
	svc TransferService
}

func NewTransferHandler(svc TransferService) *TransferHandler {
	return &TransferHandler{svc: svc}
}

type transferBody struct {
	Asset  model.Asset     `json:"asset"`
	To     string          `json:"to"`
	Amount decimal.Decimal `json:"amount"`
	// MaxFee is the fee the caller agreed to after a quote. The transfer is
	// abandoned when the live quote is higher.
	MaxFee *decimal.Decimal `json:"max_fee,omitempty"`
}

func (b transferBody) request(accountID uint64, key string) model.TransferRequest {
	return model.TransferRequest{
		AccountID: accountID,
		Asset:     b.Asset,
		To:        b.To,
		Amount:    b.Amount,
		ClientKey: key,
	}
}

func bindTransfer(c *gin.Context) (transferBody, bool) {
	var body transferBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON", "code": "invalid_request"})
		return body, false
	}
	return body, true
}

// POST /api/wallet/transfers/quote
func (h *TransferHandler) Quote(c *gin.Context) {
	accountID, ok := account(c)
	if !ok {
		return
	}
	body, ok := bindTransfer(c)
	if !ok {
		return
	}
	preview, err := h.svc.Quote(c.Request.Context(), body.request(accountID, ""))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, preview)
}

// POST /api/wallet/transfers
func (h *TransferHandler) Transfer(c *gin.Context) {
	accountID, ok := account(c)
	if !ok {
		return
	}
	body, ok := bindTransfer(c)
	if !ok {
		return
	}

	var confirm service.ConfirmFunc
	if body.MaxFee != nil {
		maxFee := *body.MaxFee
		confirm = func(_ context.Context, p service.Preview) (bool, error) {
			return p.Quote.TotalFee.LessThanOrEqual(maxFee), nil
		}
	}

	req := body.request(accountID, c.GetHeader(headerIdempotencyKey))
	res, err := h.svc.Transfer(c.Request.Context(), req, confirm)
	if res != nil && res.Replayed {
		c.Header("Idempotent-Replayed", "true")
	}
	switch {
	case err == nil:
		c.JSON(http.StatusOK, res)
	case res != nil:
		// broadcast happened; the caller gets the outcome with the error
		status, code := classify(err)
		c.JSON(status, gin.H{"error": err.Error(), "code": code, "transfer": res})
	case errors.Is(err, model.ErrConfirmationDeclined) && body.MaxFee != nil:
		c.JSON(http.StatusConflict, gin.H{"error": "fee exceeds max_fee", "code": "fee_above_max"})
	default:
		respondError(c, err)
	}
}
