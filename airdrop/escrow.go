package airdrop

import (
	"errors"
	"fmt"

	"github.com/tolelom/dropchain/core"
	"github.com/tolelom/dropchain/crypto"
)

// LoadEscrow returns the escrow owned by user.
func LoadEscrow(st core.State, user string) (*core.Escrow, error) {
	e, err := st.GetEscrow(crypto.EscrowAddress(user))
	if errors.Is(err, core.ErrNotFound) {
		return nil, ErrEscrowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load escrow: %w", err)
	}
	return e, nil
}

// CreateUser registers user, funds their escrow with the pool's current
// airdrop amount and moves that amount from custody to the user's holding
// account.
func CreateUser(st core.State, tr Transferer, user Identity, now int64) (*core.Pool, *core.Escrow, error) {
	if user.IsZero() {
		return nil, nil, ErrUnauthorizedUser
	}
	pool, err := LoadPool(st)
	if err != nil {
		return nil, nil, err
	}
	addr := crypto.EscrowAddress(user.String())
	if _, err := st.GetEscrow(addr); err == nil {
		return nil, nil, ErrDuplicateUser
	} else if !errors.Is(err, core.ErrNotFound) {
		return nil, nil, fmt.Errorf("check escrow: %w", err)
	}

	if pool.TotalTokens < pool.AirdropAmount {
		return nil, nil, ErrInsufficientPoolFunds
	}
	remaining, err := checkedSub(pool.TotalTokens, pool.AirdropAmount)
	if err != nil {
		return nil, nil, err
	}
	users, err := checkedAdd(pool.TotalUsers, 1)
	if err != nil {
		return nil, nil, err
	}

	holding := crypto.HoldingAddress(user.String())
	if err := claimAccount(st, holding, user.String(), false); err != nil {
		return nil, nil, fmt.Errorf("claim holding account: %w", err)
	}
	if err := transfer(st, tr, "create user", core.TransferRequest{
		From:      pool.CustodyAccount,
		To:        holding,
		Amount:    pool.AirdropAmount,
		Authority: pool.Address,
	}); err != nil {
		return nil, nil, err
	}

	escrow := &core.Escrow{
		Address:   addr,
		User:      user.String(),
		Pool:      pool.Address,
		Amount:    pool.AirdropAmount,
		CreatedAt: now,
	}
	if err := st.CreateEscrow(escrow); err != nil {
		if errors.Is(err, core.ErrAlreadyExists) {
			return nil, nil, ErrDuplicateUser
		}
		return nil, nil, fmt.Errorf("create escrow: %w", err)
	}

	pool.TotalTokens = remaining
	pool.TotalUsers = users
	if err := st.SetPool(pool); err != nil {
		return nil, nil, err
	}
	return pool, escrow, nil
}

// MarkBet records that the escrow owner placed a qualifying bet. Marking an
// already qualified escrow changes nothing; a settled escrow cannot be
// re-qualified.
func MarkBet(st core.State, caller Identity, user string) (*core.Escrow, error) {
	escrow, err := LoadEscrow(st, user)
	if err != nil {
		return nil, err
	}
	if err := requireOwner(escrow, caller); err != nil {
		return nil, err
	}
	switch escrow.Status() {
	case core.EscrowSettled:
		return nil, ErrAlreadySettled
	case core.EscrowQualified:
		return escrow, nil
	}
	escrow.HasBet = true
	escrow.CanWithdraw = true
	if err := st.SetEscrow(escrow); err != nil {
		return nil, err
	}
	return escrow, nil
}

// Withdraw releases the whole escrow to destination (the caller's own
// account when empty) and returns the amount moved.
func Withdraw(st core.State, tr Transferer, caller Identity, user, destination string, now int64) (*core.Escrow, uint64, error) {
	escrow, err := LoadEscrow(st, user)
	if err != nil {
		return nil, 0, err
	}
	if err := requireOwner(escrow, caller); err != nil {
		return nil, 0, err
	}
	if !escrow.HasBet {
		return nil, 0, ErrBettingRequired
	}
	if !escrow.CanWithdraw {
		return nil, 0, ErrWithdrawalNotAllowed
	}
	if destination == "" {
		destination = caller.String()
	}

	amount := escrow.Amount
	if err := transfer(st, tr, "withdraw", core.TransferRequest{
		From:      crypto.HoldingAddress(escrow.User),
		To:        destination,
		Amount:    amount,
		Authority: caller.String(),
	}); err != nil {
		return nil, 0, err
	}

	escrow.Amount = 0
	escrow.CanWithdraw = false
	escrow.SettledAt = now
	if err := st.SetEscrow(escrow); err != nil {
		return nil, 0, err
	}
	return escrow, amount, nil
}

func requireOwner(escrow *core.Escrow, caller Identity) error {
	if !caller.Is(escrow.User) {
		return ErrUnauthorizedUser
	}
	return nil
}
