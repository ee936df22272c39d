// Package airdrop registers the airdrop transaction types with the VM.
// Handlers translate the signed sender into an airdrop.Identity and run
// the operation against the block's state snapshot.
package airdrop

import (
	"encoding/json"

	"github.com/tolelom/dropchain/airdrop"
	"github.com/tolelom/dropchain/core"
	"github.com/tolelom/dropchain/vm"
	"github.com/tolelom/dropchain/vm/modules/economy"
)

func init() {
	for _, typ := range []core.TxType{
		core.TxPoolInit,
		core.TxUserCreate,
		core.TxBetMark,
		core.TxAirdropWithdraw,
		core.TxPoolRefill,
		core.TxAirdropUpdate,
	} {
		vm.Register(typ, handle)
	}
}

func handle(ctx *vm.Context, payload json.RawMessage) error {
	caller, err := airdrop.NewIdentity(ctx.Tx.From)
	if err != nil {
		return err
	}
	req, err := airdrop.DecodeRequest(ctx.Tx.Type, caller, payload)
	if err != nil {
		return err
	}
	rcpt, err := airdrop.Execute(ctx.State, economy.Ledger{}, req, ctx.Block.Header.Timestamp)
	if err != nil {
		return err
	}
	rcpt.OpID = ctx.Tx.ID
	ctx.Emit(rcpt.Event(ctx.Tx.ID, ctx.Block.Header.Height))
	return nil
}
