package airdrop

import (
	"errors"
	"fmt"
)

// Kind groups errors by what went wrong, independent of the operation.
type Kind int

const (
	KindUnknown Kind = iota
	KindAuthorization
	KindState
	KindArithmetic
	KindDuplicate
	KindTransfer
)

func (k Kind) String() string {
	switch k {
	case KindAuthorization:
		return "authorization"
	case KindState:
		return "state"
	case KindArithmetic:
		return "arithmetic"
	case KindDuplicate:
		return "duplicate"
	case KindTransfer:
		return "transfer"
	default:
		return "unknown"
	}
}

// Error is a classified airdrop failure. Values are compared by identity,
// so wrap them with %w and test with errors.Is.
type Error struct {
	Kind Kind
	Code string
	msg  string
}

func (e *Error) Error() string { return e.msg }

func newError(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, msg: msg}
}

var (
	ErrUnauthorizedAdmin = newError(KindAuthorization, "unauthorized_admin", "unauthorized admin")
	ErrUnauthorizedUser  = newError(KindAuthorization, "unauthorized_user", "unauthorized user")

	ErrInsufficientPoolFunds = newError(KindState, "insufficient_pool_funds", "insufficient funds in pool")
	ErrWithdrawalNotAllowed  = newError(KindState, "withdrawal_not_allowed", "withdrawal not allowed")
	ErrBettingRequired       = newError(KindState, "betting_required", "betting required before withdrawal")
	ErrAlreadySettled        = newError(KindState, "already_settled", "escrow already settled")
	ErrPoolNotInitialized    = newError(KindState, "pool_not_initialized", "pool not initialized")
	ErrEscrowNotFound        = newError(KindState, "escrow_not_found", "escrow not found")
	ErrCustodyUnavailable    = newError(KindState, "custody_unavailable", "custody account is controlled by another identity")
	ErrUnsupportedOperation  = newError(KindState, "unsupported_operation", "unsupported operation")

	ErrArithmeticOverflow = newError(KindArithmetic, "arithmetic_overflow", "arithmetic overflow")

	ErrDuplicatePool = newError(KindDuplicate, "duplicate_pool", "pool already initialized")
	ErrDuplicateUser = newError(KindDuplicate, "duplicate_user", "user already registered")
)

// TransferError reports a failed request to the transfer facade. The
// operation that issued it is aborted as a whole.
type TransferError struct {
	Op  string
	Err error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s: transfer failed: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// KindOf classifies err; unclassified errors report KindUnknown.
func KindOf(err error) Kind {
	var te *TransferError
	if errors.As(err, &te) {
		return KindTransfer
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// CodeOf returns the stable machine-readable code for err.
func CodeOf(err error) string {
	var te *TransferError
	if errors.As(err, &te) {
		return "transfer_failed"
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal"
}
