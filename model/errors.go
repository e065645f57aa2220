package model

import "errors"

var (
	ErrInvalidRequest               = errors.New("invalid request")
	ErrAccountBusy                  = errors.New("account busy")
	ErrInsufficientAvailableBalance = errors.New("funds locked in savings")
	ErrInsufficientRawBalance       = errors.New("insufficient balance")
	ErrInsufficientFeeBalance       = errors.New("insufficient native balance for fee")
	ErrBalanceUnavailable           = errors.New("balance unavailable")
	ErrQuoteUnavailable             = errors.New("fee quote unavailable")
	ErrQuoteChanged                 = errors.New("fee quote changed since confirmation")
	ErrConfirmationDeclined         = errors.New("transfer not confirmed")
	ErrSubmissionFailed             = errors.New("submission failed")
	ErrSettlementUnknown            = errors.New("settlement unknown")
	ErrIdempotencyKeyConflict       = errors.New("idempotency key belongs to another account")
	ErrInsufficientSavings          = errors.New("amount exceeds goal savings")
	ErrNotFound                     = errors.New("not found")
)
