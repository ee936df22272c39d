// Package economy holds the native token ledger: the transfer handler and
// the Ledger facade other modules move value through.
package economy

import (
	"encoding/json"
	"fmt"

	"github.com/tolelom/dropchain/core"
	"github.com/tolelom/dropchain/events"
	"github.com/tolelom/dropchain/vm"
)

func init() {
	vm.Register(core.TxTransfer, handleTransfer)
}

func handleTransfer(ctx *vm.Context, payload json.RawMessage) error {
	var p core.TransferPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode transfer payload: %w", err)
	}
	if p.Amount == 0 {
		return fmt.Errorf("%w: amount must be > 0", core.ErrInvalidTransfer)
	}
	if p.To == "" {
		return fmt.Errorf("%w: to address required", core.ErrInvalidTransfer)
	}

	if err := (Ledger{}).Transfer(ctx.State, core.TransferRequest{
		From:      ctx.Tx.From,
		To:        p.To,
		Amount:    p.Amount,
		Authority: ctx.Tx.From,
	}); err != nil {
		return err
	}

	ctx.Emit(events.Event{
		Type: events.EventTokenTransfer,
		Data: map[string]any{
			"from":   ctx.Tx.From,
			"to":     p.To,
			"amount": p.Amount,
		},
	})
	return nil
}

// Ledger moves native tokens between accounts held in a core.State.
type Ledger struct{}

// Transfer debits req.From and credits req.To. Authority must control the
// source account. A zero amount succeeds without touching state.
func (Ledger) Transfer(st core.State, req core.TransferRequest) error {
	if req.From == "" || req.To == "" || req.From == req.To {
		return fmt.Errorf("%w: from %q to %q", core.ErrInvalidTransfer, req.From, req.To)
	}
	sender, err := st.GetAccount(req.From)
	if err != nil {
		return err
	}
	if sender.Controller() != req.Authority {
		return core.ErrTransferUnauthorized
	}
	if req.Amount == 0 {
		return nil
	}
	if sender.Balance < req.Amount {
		return fmt.Errorf("%w: have %d, need %d", core.ErrInsufficientBalance, sender.Balance, req.Amount)
	}

	recipient, err := st.GetAccount(req.To)
	if err != nil {
		return err
	}
	if recipient.Balance+req.Amount < recipient.Balance {
		return core.ErrBalanceOverflow
	}

	sender.Balance -= req.Amount
	recipient.Balance += req.Amount
	if err := st.SetAccount(sender); err != nil {
		return err
	}
	return st.SetAccount(recipient)
}
