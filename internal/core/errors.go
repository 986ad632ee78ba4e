package core

import "errors"

// Stable error codes surfaced to API clients. Codes never change once
// released; messages may.
const (
	CodeInsufficientFunds = "INSUFFICIENT_FUNDS"
	CodeAccountInactive   = "ACCOUNT_INACTIVE"
	CodeAccountNotFound   = "ACCOUNT_NOT_FOUND"
	CodeCurrencyMismatch  = "CURRENCY_MISMATCH"
	CodeLockTimeout       = "LOCK_TIMEOUT"
	CodeDuplicateRequest  = "DUPLICATE_REQUEST"
	CodeLedgerCorruption  = "LEDGER_CORRUPTION"
	CodeTransferNotFound  = "TRANSFER_NOT_FOUND"

	CodeInvalidAmount   = "INVALID_AMOUNT"
	CodeInvalidCurrency = "INVALID_CURRENCY"
	CodeEmptyOwner      = "EMPTY_OWNER"
	CodeInvalidType     = "INVALID_TYPE"
	CodeSameAccount     = "SAME_ACCOUNT"
	CodeEmptyCategory   = "EMPTY_CATEGORY"

	CodeInternal = "INTERNAL"
)

// Error is a domain error with a stable machine-readable code.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

var (
	ErrInsufficientFunds = &Error{Code: CodeInsufficientFunds, Message: "account balance is below the requested amount"}
	ErrAccountInactive   = &Error{Code: CodeAccountInactive, Message: "account is closed and rejects new entries"}
	ErrAccountNotFound   = &Error{Code: CodeAccountNotFound, Message: "account does not exist"}
	ErrCurrencyMismatch  = &Error{Code: CodeCurrencyMismatch, Message: "account currencies differ"}
	ErrLockTimeout       = &Error{Code: CodeLockTimeout, Message: "timed out waiting for account append locks"}
	ErrDuplicateRequest  = &Error{Code: CodeDuplicateRequest, Message: "request token was already used"}
	ErrLedgerCorruption  = &Error{Code: CodeLedgerCorruption, Message: "ledger verification failed, writes are halted"}
	ErrTransferNotFound  = &Error{Code: CodeTransferNotFound, Message: "transfer does not exist"}

	ErrInvalidAmount   = &Error{Code: CodeInvalidAmount, Message: "amount must be a positive number of cents"}
	ErrInvalidCurrency = &Error{Code: CodeInvalidCurrency, Message: "currency must be a three-letter uppercase code"}
	ErrEmptyOwner      = &Error{Code: CodeEmptyOwner, Message: "owner must not be empty"}
	ErrInvalidType     = &Error{Code: CodeInvalidType, Message: "account type must be checking or savings"}
	ErrSameAccount     = &Error{Code: CodeSameAccount, Message: "source and destination accounts must differ"}
	ErrEmptyCategory   = &Error{Code: CodeEmptyCategory, Message: "category must not be empty"}
)

// CodeOf extracts the stable code from err, or CodeInternal when err is
// not a domain error.
func CodeOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}
