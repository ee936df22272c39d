// Package airdrop implements the custodial airdrop program: a singleton pool
// that funds one escrow per participant, releasing each escrow only after
// the participant's qualifying bet has been recorded.
//
// Every operation checks authorization first, then computes the new state
// with checked arithmetic, issues at most one transfer and writes records
// into the supplied core.State. Callers run each operation inside a snapshot
// (chain mode) or a private StateDB (Service) so a failure leaves no trace.
package airdrop

import (
	"errors"
	"fmt"

	"github.com/tolelom/dropchain/core"
	"github.com/tolelom/dropchain/crypto"
)

// Transferer is the value-transfer facade. Implementations must write
// through st so the transfer commits or reverts with the caller's state.
type Transferer interface {
	Transfer(st core.State, req core.TransferRequest) error
}

// InitParams configures a new pool.
type InitParams struct {
	AssetID        string
	CustodyAccount string // empty → crypto.CustodyAddress(pool)
	InitialAmount  uint64
	AirdropAmount  uint64
}

// LoadPool returns the singleton pool.
func LoadPool(st core.State) (*core.Pool, error) {
	p, err := st.GetPool(crypto.PoolAddress())
	if errors.Is(err, core.ErrNotFound) {
		return nil, ErrPoolNotInitialized
	}
	if err != nil {
		return nil, fmt.Errorf("load pool: %w", err)
	}
	return p, nil
}

// Initialize creates the pool with admin as its administrator and moves
// InitialAmount from the admin into custody.
func Initialize(st core.State, tr Transferer, admin Identity, params InitParams, now int64) (*core.Pool, error) {
	if admin.IsZero() {
		return nil, ErrUnauthorizedAdmin
	}
	addr := crypto.PoolAddress()
	if _, err := st.GetPool(addr); err == nil {
		return nil, ErrDuplicatePool
	} else if !errors.Is(err, core.ErrNotFound) {
		return nil, fmt.Errorf("check pool: %w", err)
	}

	custody := params.CustodyAccount
	explicit := custody != ""
	if !explicit {
		custody = crypto.CustodyAddress(addr)
	}
	if custody == admin.String() {
		return nil, ErrCustodyUnavailable
	}
	if err := claimAccount(st, custody, addr, explicit); err != nil {
		if errors.Is(err, errAccountClaimed) {
			return nil, ErrCustodyUnavailable
		}
		return nil, err
	}

	if err := transfer(st, tr, "initialize", core.TransferRequest{
		From:      admin.String(),
		To:        custody,
		Amount:    params.InitialAmount,
		Authority: admin.String(),
	}); err != nil {
		return nil, err
	}

	pool := &core.Pool{
		Address:        addr,
		Admin:          admin.String(),
		AssetID:        params.AssetID,
		CustodyAccount: custody,
		TotalTokens:    params.InitialAmount,
		AirdropAmount:  params.AirdropAmount,
		TotalUsers:     0,
		CreatedAt:      now,
	}
	if err := st.CreatePool(pool); err != nil {
		if errors.Is(err, core.ErrAlreadyExists) {
			return nil, ErrDuplicatePool
		}
		return nil, fmt.Errorf("create pool: %w", err)
	}
	return pool, nil
}

// Refill moves amount from the admin into custody and makes it available
// for new allocations.
func Refill(st core.State, tr Transferer, caller Identity, amount uint64) (*core.Pool, error) {
	pool, err := LoadPool(st)
	if err != nil {
		return nil, err
	}
	if err := requireAdmin(pool, caller); err != nil {
		return nil, err
	}
	total, err := checkedAdd(pool.TotalTokens, amount)
	if err != nil {
		return nil, err
	}
	if err := transfer(st, tr, "refill", core.TransferRequest{
		From:      caller.String(),
		To:        pool.CustodyAccount,
		Amount:    amount,
		Authority: caller.String(),
	}); err != nil {
		return nil, err
	}
	pool.TotalTokens = total
	if err := st.SetPool(pool); err != nil {
		return nil, err
	}
	return pool, nil
}

// UpdateAirdropAmount sets the allocation for users created from now on.
// Existing escrows keep the amount they were created with.
func UpdateAirdropAmount(st core.State, caller Identity, amount uint64) (*core.Pool, error) {
	pool, err := LoadPool(st)
	if err != nil {
		return nil, err
	}
	if err := requireAdmin(pool, caller); err != nil {
		return nil, err
	}
	pool.AirdropAmount = amount
	if err := st.SetPool(pool); err != nil {
		return nil, err
	}
	return pool, nil
}

func requireAdmin(pool *core.Pool, caller Identity) error {
	if !caller.Is(pool.Admin) {
		return ErrUnauthorizedAdmin
	}
	return nil
}

var errAccountClaimed = errors.New("account controlled by another identity")

// claimAccount makes owner the controller of address. An account already
// owned by owner is accepted as is and one owned by anybody else is refused.
// Derived addresses have no key, so an unowned one is claimed even when
// tokens were sent to it beforehand. A caller-supplied address (fresh set)
// must additionally have no history, since its key may exist.
func claimAccount(st core.State, address, owner string, fresh bool) error {
	acc, err := st.GetAccount(address)
	if err != nil {
		return fmt.Errorf("load account %s: %w", address, err)
	}
	switch {
	case acc.Owner == owner:
		return nil
	case acc.Owner != "":
		return errAccountClaimed
	case fresh && (acc.Balance != 0 || acc.Nonce != 0):
		return errAccountClaimed
	}
	acc.Owner = owner
	return st.SetAccount(acc)
}

func transfer(st core.State, tr Transferer, op string, req core.TransferRequest) error {
	if err := tr.Transfer(st, req); err != nil {
		return &TransferError{Op: op, Err: err}
	}
	return nil
}
