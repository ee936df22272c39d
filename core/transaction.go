package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tolelom/dropchain/crypto"
)

// TxType identifies the kind of operation a transaction performs.
type TxType string

const (
	TxTransfer        TxType = "transfer"
	TxPoolInit        TxType = "pool_init"
	TxUserCreate      TxType = "user_create"
	TxBetMark         TxType = "bet_mark"
	TxAirdropWithdraw TxType = "airdrop_withdraw"
	TxPoolRefill      TxType = "pool_refill"
	TxAirdropUpdate   TxType = "airdrop_update"
)

// Transaction is the atomic unit of work on the chain.
// From holds the sender's full hex-encoded ed25519 public key (64 chars).
// Signature covers all fields except ID and Signature.
type Transaction struct {
	ID        string          `json:"id"`
	ChainID   string          `json:"chain_id"`
	Type      TxType          `json:"type"`
	From      string          `json:"from"`
	Nonce     uint64          `json:"nonce"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
}

type signingBody struct {
	ChainID   string          `json:"chain_id"`
	Type      TxType          `json:"type"`
	From      string          `json:"from"`
	Nonce     uint64          `json:"nonce"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Hash returns a deterministic hash of the signed fields.
// Returns an empty string if marshalling fails (which cannot happen in practice).
func (tx *Transaction) Hash() string {
	data, err := json.Marshal(signingBody{
		ChainID:   tx.ChainID,
		Type:      tx.Type,
		From:      tx.From,
		Nonce:     tx.Nonce,
		Timestamp: tx.Timestamp,
		Payload:   tx.Payload,
	})
	if err != nil {
		return ""
	}
	return crypto.Hash(data)
}

// Sign computes the signature and sets ID.
func (tx *Transaction) Sign(priv crypto.PrivateKey) {
	hash := tx.Hash()
	tx.Signature = crypto.Sign(priv, []byte(hash))
	tx.ID = hash
}

// Verify checks the signature and that From is a valid public key.
func (tx *Transaction) Verify() error {
	if tx.From == "" {
		return errors.New("missing from field")
	}
	pub, err := crypto.PubKeyFromHex(tx.From)
	if err != nil {
		return fmt.Errorf("invalid from (must be ed25519 pubkey hex): %w", err)
	}
	return crypto.Verify(pub, []byte(tx.Hash()), tx.Signature)
}

// NewTransaction creates an unsigned transaction with the current timestamp.
func NewTransaction(chainID string, typ TxType, from string, nonce uint64, payload any) (*Transaction, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Transaction{
		ChainID:   chainID,
		Type:      typ,
		From:      from,
		Nonce:     nonce,
		Timestamp: time.Now().UnixNano(),
		Payload:   raw,
	}, nil
}

// ---- Payload types ----

// TransferPayload transfers native tokens from the sender.
type TransferPayload struct {
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
}

// PoolInitPayload creates the airdrop pool; the sender becomes admin.
type PoolInitPayload struct {
	AssetID        string `json:"asset_id"`
	CustodyAccount string `json:"custody_account,omitempty"` // empty → derived
	InitialAmount  uint64 `json:"initial_amount"`
	AirdropAmount  uint64 `json:"airdrop_amount"`
}

// UserCreatePayload registers the sender as a participant. It carries no
// fields; the participant is always the signer.
type UserCreatePayload struct{}

// BetMarkPayload records the qualifying action on User's escrow.
// Only the escrow owner may sign it.
type BetMarkPayload struct {
	User string `json:"user,omitempty"` // empty → sender
}

// AirdropWithdrawPayload releases User's escrow to Destination.
type AirdropWithdrawPayload struct {
	User        string `json:"user,omitempty"`        // empty → sender
	Destination string `json:"destination,omitempty"` // empty → sender
}

// PoolRefillPayload moves Amount from the admin into custody.
type PoolRefillPayload struct {
	Amount uint64 `json:"amount"`
}

// AirdropUpdatePayload changes the per-user allocation.
type AirdropUpdatePayload struct {
	Amount uint64 `json:"amount"`
}
