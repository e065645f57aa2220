package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/usdt_vault/model"
)

var errorCodes = []struct {
	err    error
	status int
	code   string
}{
	{model.ErrInvalidRequest, http.StatusBadRequest, "invalid_request"},
	{model.ErrNotFound, http.StatusNotFound, "not_found"},
	{model.ErrAccountBusy, http.StatusConflict, "account_busy"},
	{model.ErrConfirmationDeclined, http.StatusConflict, "confirmation_declined"},
	{model.ErrQuoteChanged, http.StatusConflict, "quote_changed"},
	{model.ErrIdempotencyKeyConflict, http.StatusUnprocessableEntity, "idempotency_key_conflict"},
	{model.ErrInsufficientAvailableBalance, http.StatusUnprocessableEntity, "insufficient_available_balance"},
	{model.ErrInsufficientRawBalance, http.StatusUnprocessableEntity, "insufficient_balance"},
	{model.ErrInsufficientFeeBalance, http.StatusUnprocessableEntity, "insufficient_fee_balance"},
	{model.ErrInsufficientSavings, http.StatusUnprocessableEntity, "insufficient_savings"},
	{model.ErrQuoteUnavailable, http.StatusServiceUnavailable, "quote_unavailable"},
	{model.ErrBalanceUnavailable, http.StatusServiceUnavailable, "balance_unavailable"},
	{model.ErrSubmissionFailed, http.StatusBadGateway, "submission_failed"},
	{model.ErrSettlementUnknown, http.StatusAccepted, "settlement_unknown"},
}

// classify maps a service error to its HTTP status and stable error code.
func classify(err error) (int, string) {
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			return e.status, e.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

func respondError(c *gin.Context, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		// internal details stay in the log
		_ = c.Error(err)
		msg = "internal error"
	}
	c.JSON(status, gin.H{"error": msg, "code": code})
}
