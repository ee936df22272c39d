package core

import (
	"fmt"
	"math"
)

// ConsumeNonce checks tx.Nonce against the sender's account and advances it.
func ConsumeNonce(st State, tx *Transaction) error {
	acc, err := st.GetAccount(tx.From)
	if err != nil {
		return fmt.Errorf("get account: %w", err)
	}
	if acc.Nonce != tx.Nonce {
		return fmt.Errorf("%w: expected %d got %d", ErrInvalidNonce, acc.Nonce, tx.Nonce)
	}
	if acc.Nonce == math.MaxUint64 {
		return fmt.Errorf("%w for account %s", ErrNonceOverflow, tx.From)
	}
	acc.Nonce++
	return st.SetAccount(acc)
}
