package core

import "errors"

var (
	// ErrNotFound is returned when a requested object does not exist in storage.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned by create-if-absent writes.
	ErrAlreadyExists = errors.New("already exists")
)

// Ledger errors returned by the transfer facade.
var (
	ErrInvalidTransfer      = errors.New("invalid transfer")
	ErrTransferUnauthorized = errors.New("transfer authority does not control source account")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrBalanceOverflow      = errors.New("balance overflow")
)

// Replay protection.
var (
	ErrInvalidNonce  = errors.New("invalid nonce")
	ErrNonceOverflow = errors.New("nonce overflow")
	ErrWrongChain    = errors.New("transaction signed for another chain")
)
