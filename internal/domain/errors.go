package domain

import (
	"errors"
)

var (
	ErrInvalidAccount     = errors.New("invalid account")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrAccountNotFound    = errors.New("account not found")
	ErrDuplicateAccountID = errors.New("account id already exists")
	ErrInsufficientFunds  = errors.New("insufficient funds, check the fund balance before making fund transfer")
	ErrTransactionTimeout = errors.New("your transaction has timed out, money will not be debited from your account, please try again in some time")

	// ErrLockInterrupted marks a lock wait abandoned because the caller's
	// context ended before the bound. It is not a timeout.
	ErrLockInterrupted = errors.New("lock wait interrupted")
)

// Kind values are stable and used as metric labels.
const (
	KindOK                 = "ok"
	KindInvalidAccount     = "invalid_account"
	KindInvalidAmount      = "invalid_amount"
	KindAccountNotFound    = "account_not_found"
	KindDuplicateAccountID = "duplicate_account_id"
	KindInsufficientFunds  = "insufficient_funds"
	KindTransactionTimeout = "transaction_timeout"
	KindInterrupted        = "interrupted"
	KindInternal           = "internal"
)

// Kind classifies err into one of the Kind* values.
func Kind(err error) string {
	switch {
	case err == nil:
		return KindOK
	case errors.Is(err, ErrInvalidAccount):
		return KindInvalidAccount
	case errors.Is(err, ErrInvalidAmount):
		return KindInvalidAmount
	case errors.Is(err, ErrAccountNotFound):
		return KindAccountNotFound
	case errors.Is(err, ErrDuplicateAccountID):
		return KindDuplicateAccountID
	case errors.Is(err, ErrInsufficientFunds):
		return KindInsufficientFunds
	case errors.Is(err, ErrTransactionTimeout):
		return KindTransactionTimeout
	case errors.Is(err, ErrLockInterrupted):
		return KindInterrupted
	default:
		return KindInternal
	}
}
