package core

// Account holds a token balance and a replay-protection nonce.
// Address is either a hex-encoded ed25519 public key or a derived address.
// Owner is empty for key-controlled accounts; for derived accounts (pool
// custody, user holding) it names the identity allowed to move funds out.
type Account struct {
	Address string `json:"address"`
	Owner   string `json:"owner,omitempty"`
	Balance uint64 `json:"balance"`
	Nonce   uint64 `json:"nonce"`
}

// Controller returns the identity that may authorise debits from the account.
func (a *Account) Controller() string {
	if a.Owner != "" {
		return a.Owner
	}
	return a.Address
}

// Pool is the singleton airdrop fund.
type Pool struct {
	Address        string `json:"address"`
	Admin          string `json:"admin"` // pubkey hex
	AssetID        string `json:"asset_id"`
	CustodyAccount string `json:"custody_account"`
	TotalTokens    uint64 `json:"total_tokens"`   // available for new allocations
	AirdropAmount  uint64 `json:"airdrop_amount"` // granted to each new user
	TotalUsers     uint64 `json:"total_users"`
	CreatedAt      int64  `json:"created_at"`
}

// EscrowStatus is derived from an escrow's flags; it is never stored.
type EscrowStatus string

const (
	EscrowActive    EscrowStatus = "active"
	EscrowQualified EscrowStatus = "qualified"
	EscrowSettled   EscrowStatus = "settled"
)

// Escrow is one participant's allocation record. It is never deleted.
type Escrow struct {
	Address     string `json:"address"`
	User        string `json:"user"` // pubkey hex
	Pool        string `json:"pool"` // pool address
	Amount      uint64 `json:"amount"`
	HasBet      bool   `json:"has_bet"`
	CanWithdraw bool   `json:"can_withdraw"`
	CreatedAt   int64  `json:"created_at"`
	SettledAt   int64  `json:"settled_at,omitempty"`
}

// Status reports the lifecycle stage implied by the flags.
func (e *Escrow) Status() EscrowStatus {
	switch {
	case !e.HasBet:
		return EscrowActive
	case e.CanWithdraw:
		return EscrowQualified
	default:
		return EscrowSettled
	}
}

// TransferRequest asks the ledger to move Amount from From to To.
// Authority must control From.
type TransferRequest struct {
	From      string
	To        string
	Amount    uint64
	Authority string
}

// State is the full world-state interface. Implementations must be
// snapshot-able so the executor can roll back failed transactions.
type State interface {
	// Accounts. GetAccount returns a zero-value account for unknown addresses.
	GetAccount(address string) (*Account, error)
	SetAccount(account *Account) error

	// Pool
	GetPool(address string) (*Pool, error)
	SetPool(p *Pool) error
	// CreatePool stores p only if no pool exists at p.Address; otherwise it
	// returns ErrAlreadyExists.
	CreatePool(p *Pool) error

	// Escrows
	GetEscrow(address string) (*Escrow, error)
	SetEscrow(e *Escrow) error
	CreateEscrow(e *Escrow) error

	// Snapshot / rollback / commit
	Snapshot() (int, error)
	RevertToSnapshot(id int) error
	// ComputeRoot returns the deterministic state root from the current write
	// buffer without flushing. Call this before signing a block.
	ComputeRoot() string
	// Commit flushes the write buffer to the underlying DB and clears it.
	Commit() error
}
