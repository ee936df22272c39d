package wallet

import (
	"github.com/tolelom/dropchain/core"
	"github.com/tolelom/dropchain/crypto"
)

// Wallet holds a key pair and builds signed transactions for one chain.
type Wallet struct {
	priv    crypto.PrivateKey
	pub     crypto.PublicKey
	chainID string
}

// New creates a Wallet from an existing private key.
func New(priv crypto.PrivateKey, chainID string) *Wallet {
	return &Wallet{priv: priv, pub: priv.Public(), chainID: chainID}
}

// Generate creates a Wallet with a freshly generated key pair.
func Generate(chainID string) (*Wallet, error) {
	priv, _, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return New(priv, chainID), nil
}

// PrivKey returns the raw private key (handle with care).
func (w *Wallet) PrivKey() crypto.PrivateKey {
	return w.priv
}

// PubKey returns the hex-encoded ed25519 public key, which is also the
// wallet's account address and airdrop identity.
func (w *Wallet) PubKey() string {
	return w.pub.Hex()
}

// EscrowAddress is the address of this wallet's airdrop escrow.
func (w *Wallet) EscrowAddress() string {
	return crypto.EscrowAddress(w.pub.Hex())
}

// NewTx creates a signed transaction. nonce should match the account's
// current nonce.
func (w *Wallet) NewTx(typ core.TxType, nonce uint64, payload any) (*core.Transaction, error) {
	tx, err := core.NewTransaction(w.chainID, typ, w.pub.Hex(), nonce, payload)
	if err != nil {
		return nil, err
	}
	tx.Sign(w.priv)
	return tx, nil
}

// Transfer creates a signed transfer transaction.
func (w *Wallet) Transfer(to string, amount, nonce uint64) (*core.Transaction, error) {
	return w.NewTx(core.TxTransfer, nonce, core.TransferPayload{To: to, Amount: amount})
}

// InitPool creates the airdrop pool with this wallet as admin. An empty
// custody account selects the derived one.
func (w *Wallet) InitPool(assetID, custody string, initial, perUser, nonce uint64) (*core.Transaction, error) {
	return w.NewTx(core.TxPoolInit, nonce, core.PoolInitPayload{
		AssetID:        assetID,
		CustodyAccount: custody,
		InitialAmount:  initial,
		AirdropAmount:  perUser,
	})
}

// Join registers this wallet as an airdrop participant.
func (w *Wallet) Join(nonce uint64) (*core.Transaction, error) {
	return w.NewTx(core.TxUserCreate, nonce, core.UserCreatePayload{})
}

// MarkBet qualifies this wallet's escrow for withdrawal.
func (w *Wallet) MarkBet(nonce uint64) (*core.Transaction, error) {
	return w.NewTx(core.TxBetMark, nonce, core.BetMarkPayload{})
}

// Withdraw releases this wallet's escrow to destination, or to the wallet
// itself when destination is empty.
func (w *Wallet) Withdraw(destination string, nonce uint64) (*core.Transaction, error) {
	return w.NewTx(core.TxAirdropWithdraw, nonce, core.AirdropWithdrawPayload{Destination: destination})
}

// Refill adds amount to the pool from this (admin) wallet.
func (w *Wallet) Refill(amount, nonce uint64) (*core.Transaction, error) {
	return w.NewTx(core.TxPoolRefill, nonce, core.PoolRefillPayload{Amount: amount})
}

// UpdateAirdropAmount changes the per-user allocation.
func (w *Wallet) UpdateAirdropAmount(amount, nonce uint64) (*core.Transaction, error) {
	return w.NewTx(core.TxAirdropUpdate, nonce, core.AirdropUpdatePayload{Amount: amount})
}
