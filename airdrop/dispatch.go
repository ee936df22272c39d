package airdrop

import (
	"encoding/json"
	"fmt"

	"github.com/tolelom/dropchain/core"
	"github.com/tolelom/dropchain/events"
)

// Request is one decoded airdrop operation.
type Request struct {
	Type        core.TxType
	Caller      Identity
	Init        InitParams // pool_init
	User        string     // bet_mark, airdrop_withdraw; empty → caller
	Destination string     // airdrop_withdraw; empty → caller
	Amount      uint64     // pool_refill, airdrop_update
}

// IsAirdropTx reports whether typ is handled by this package.
func IsAirdropTx(typ core.TxType) bool {
	_, ok := eventTypes[typ]
	return ok
}

var eventTypes = map[core.TxType]events.EventType{
	core.TxPoolInit:        events.EventPoolInitialized,
	core.TxUserCreate:      events.EventUserCreated,
	core.TxBetMark:         events.EventBetMarked,
	core.TxAirdropWithdraw: events.EventAirdropWithdrawn,
	core.TxPoolRefill:      events.EventPoolRefilled,
	core.TxAirdropUpdate:   events.EventAirdropAmountUpdated,
}

// DecodeRequest builds a Request from a transaction payload.
func DecodeRequest(typ core.TxType, caller Identity, payload json.RawMessage) (Request, error) {
	req := Request{Type: typ, Caller: caller}
	switch typ {
	case core.TxPoolInit:
		var p core.PoolInitPayload
		if err := decode(payload, &p); err != nil {
			return req, fmt.Errorf("decode pool_init payload: %w", err)
		}
		req.Init = InitParams{
			AssetID:        p.AssetID,
			CustodyAccount: p.CustodyAccount,
			InitialAmount:  p.InitialAmount,
			AirdropAmount:  p.AirdropAmount,
		}
	case core.TxUserCreate:
		var p core.UserCreatePayload
		if err := decode(payload, &p); err != nil {
			return req, fmt.Errorf("decode user_create payload: %w", err)
		}
	case core.TxBetMark:
		var p core.BetMarkPayload
		if err := decode(payload, &p); err != nil {
			return req, fmt.Errorf("decode bet_mark payload: %w", err)
		}
		req.User = p.User
	case core.TxAirdropWithdraw:
		var p core.AirdropWithdrawPayload
		if err := decode(payload, &p); err != nil {
			return req, fmt.Errorf("decode airdrop_withdraw payload: %w", err)
		}
		req.User = p.User
		req.Destination = p.Destination
	case core.TxPoolRefill:
		var p core.PoolRefillPayload
		if err := decode(payload, &p); err != nil {
			return req, fmt.Errorf("decode pool_refill payload: %w", err)
		}
		req.Amount = p.Amount
	case core.TxAirdropUpdate:
		var p core.AirdropUpdatePayload
		if err := decode(payload, &p); err != nil {
			return req, fmt.Errorf("decode airdrop_update payload: %w", err)
		}
		req.Amount = p.Amount
	default:
		return req, fmt.Errorf("%w: %q", ErrUnsupportedOperation, typ)
	}
	return req, nil
}

// decode accepts an empty payload as the zero value.
func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return nil
	}
	return json.Unmarshal(payload, v)
}

// user resolves the escrow owner the request addresses.
func (r Request) user() string {
	if r.User == "" {
		return r.Caller.String()
	}
	return r.User
}

// Receipt describes the effect of a successful operation.
type Receipt struct {
	OpID        string
	Type        core.TxType
	Caller      string
	Pool        *core.Pool
	Escrow      *core.Escrow
	Amount      uint64 // value moved by the operation's transfer
	Destination string
}

// Execute runs req against st. On error st may hold partial writes; the
// caller discards them by reverting its snapshot or dropping the StateDB.
func Execute(st core.State, tr Transferer, req Request, now int64) (*Receipt, error) {
	rcpt := &Receipt{Type: req.Type, Caller: req.Caller.String()}
	var err error
	switch req.Type {
	case core.TxPoolInit:
		rcpt.Pool, err = Initialize(st, tr, req.Caller, req.Init, now)
		rcpt.Amount = req.Init.InitialAmount
	case core.TxUserCreate:
		rcpt.Pool, rcpt.Escrow, err = CreateUser(st, tr, req.Caller, now)
		if err == nil {
			rcpt.Amount = rcpt.Escrow.Amount
		}
	case core.TxBetMark:
		rcpt.Escrow, err = MarkBet(st, req.Caller, req.user())
	case core.TxAirdropWithdraw:
		rcpt.Destination = req.Destination
		if rcpt.Destination == "" {
			rcpt.Destination = req.Caller.String()
		}
		rcpt.Escrow, rcpt.Amount, err = Withdraw(st, tr, req.Caller, req.user(), req.Destination, now)
	case core.TxPoolRefill:
		rcpt.Pool, err = Refill(st, tr, req.Caller, req.Amount)
		rcpt.Amount = req.Amount
	case core.TxAirdropUpdate:
		rcpt.Pool, err = UpdateAirdropAmount(st, req.Caller, req.Amount)
	default:
		err = fmt.Errorf("%w: %q", ErrUnsupportedOperation, req.Type)
	}
	if err != nil {
		return nil, err
	}
	return rcpt, nil
}

// Event converts the receipt into its bus notification.
func (r *Receipt) Event(txID string, height int64) events.Event {
	data := map[string]any{
		"caller": r.Caller,
		"amount": r.Amount,
	}
	if r.Pool != nil {
		data["pool"] = r.Pool.Address
		data["total_tokens"] = r.Pool.TotalTokens
		data["airdrop_amount"] = r.Pool.AirdropAmount
		data["total_users"] = r.Pool.TotalUsers
	}
	if r.Escrow != nil {
		data["user"] = r.Escrow.User
		data["escrow"] = r.Escrow.Address
		data["status"] = string(r.Escrow.Status())
	}
	if r.Destination != "" {
		data["destination"] = r.Destination
	}
	return events.Event{
		Type:        eventTypes[r.Type],
		TxID:        txID,
		BlockHeight: height,
		Data:        data,
	}
}
