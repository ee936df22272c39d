package airdrop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tolelom/dropchain/core"
	"github.com/tolelom/dropchain/crypto"
	"github.com/tolelom/dropchain/events"
	"github.com/tolelom/dropchain/internal/logging"
	"github.com/tolelom/dropchain/storage"
)

// Service executes airdrop operations directly against a DB, without
// blocks. Each call locks every record it touches, runs on a private
// StateDB and commits with one batch write, so concurrent callers observe
// a linear history.
type Service struct {
	db      storage.DB
	locks   *storage.KeyLocks
	ledger  Transferer
	emitter *events.Emitter
	logger  *zap.Logger
	now     func() time.Time
	chainID string
}

// Option configures a Service.
type Option func(*Service)

// WithEmitter publishes committed operations on em.
func WithEmitter(em *events.Emitter) Option {
	return func(s *Service) { s.emitter = em }
}

// WithLogger sets the service logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides the time source used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithChainID makes Apply reject transactions signed for another chain.
func WithChainID(id string) Option {
	return func(s *Service) { s.chainID = id }
}

// NewService creates a Service over db that moves value through ledger.
func NewService(db storage.DB, ledger Transferer, opts ...Option) *Service {
	s := &Service{
		db:     db,
		locks:  storage.NewKeyLocks(),
		ledger: ledger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrNop(s.logger).Named("airdrop")
	return s
}

// Initialize creates the pool with admin as administrator.
func (s *Service) Initialize(ctx context.Context, admin Identity, params InitParams) (*core.Pool, error) {
	rcpt, err := s.run(ctx, Request{Type: core.TxPoolInit, Caller: admin, Init: params}, nil)
	if err != nil {
		return nil, err
	}
	return rcpt.Pool, nil
}

// CreateUser registers user and funds their escrow.
func (s *Service) CreateUser(ctx context.Context, user Identity) (*core.Escrow, error) {
	rcpt, err := s.run(ctx, Request{Type: core.TxUserCreate, Caller: user}, nil)
	if err != nil {
		return nil, err
	}
	return rcpt.Escrow, nil
}

// MarkBet qualifies user's escrow for withdrawal.
func (s *Service) MarkBet(ctx context.Context, caller Identity, user string) (*core.Escrow, error) {
	rcpt, err := s.run(ctx, Request{Type: core.TxBetMark, Caller: caller, User: user}, nil)
	if err != nil {
		return nil, err
	}
	return rcpt.Escrow, nil
}

// Withdraw releases user's escrow to destination and returns the amount.
func (s *Service) Withdraw(ctx context.Context, caller Identity, user, destination string) (uint64, error) {
	rcpt, err := s.run(ctx, Request{
		Type:        core.TxAirdropWithdraw,
		Caller:      caller,
		User:        user,
		Destination: destination,
	}, nil)
	if err != nil {
		return 0, err
	}
	return rcpt.Amount, nil
}

// Refill adds amount to the pool from the admin.
func (s *Service) Refill(ctx context.Context, caller Identity, amount uint64) (*core.Pool, error) {
	rcpt, err := s.run(ctx, Request{Type: core.TxPoolRefill, Caller: caller, Amount: amount}, nil)
	if err != nil {
		return nil, err
	}
	return rcpt.Pool, nil
}

// UpdateAirdropAmount changes the allocation for future users.
func (s *Service) UpdateAirdropAmount(ctx context.Context, caller Identity, amount uint64) (*core.Pool, error) {
	rcpt, err := s.run(ctx, Request{Type: core.TxAirdropUpdate, Caller: caller, Amount: amount}, nil)
	if err != nil {
		return nil, err
	}
	return rcpt.Pool, nil
}

// Pool returns the committed pool.
func (s *Service) Pool() (*core.Pool, error) {
	return LoadPool(storage.NewStateDB(s.db))
}

// Escrow returns user's committed escrow.
func (s *Service) Escrow(user string) (*core.Escrow, error) {
	return LoadEscrow(storage.NewStateDB(s.db), user)
}

// Account returns the committed account at address.
func (s *Service) Account(address string) (*core.Account, error) {
	return storage.NewStateDB(s.db).GetAccount(address)
}

// Apply executes a signed transaction: the signature and chain are checked,
// the sender's nonce is consumed and the operation runs in the same commit.
func (s *Service) Apply(ctx context.Context, tx *core.Transaction) (*Receipt, error) {
	if err := tx.Verify(); err != nil {
		return nil, fmt.Errorf("signature: %w", err)
	}
	if s.chainID != "" && tx.ChainID != s.chainID {
		return nil, fmt.Errorf("%w: %q", core.ErrWrongChain, tx.ChainID)
	}
	caller, err := NewIdentity(tx.From)
	if err != nil {
		return nil, err
	}
	if tx.Type == core.TxTransfer {
		return s.applyTransfer(ctx, tx)
	}
	req, err := DecodeRequest(tx.Type, caller, tx.Payload)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, req, tx)
}

func (s *Service) applyTransfer(ctx context.Context, tx *core.Transaction) (*Receipt, error) {
	var p core.TransferPayload
	if err := decode(tx.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode transfer payload: %w", err)
	}
	if p.Amount == 0 {
		return nil, fmt.Errorf("%w: amount must be > 0", core.ErrInvalidTransfer)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	unlock := s.locks.Lock(storage.AccountKey(tx.From), storage.AccountKey(p.To))
	defer unlock()

	st := storage.NewStateDB(s.db)
	if err := core.ConsumeNonce(st, tx); err != nil {
		return nil, err
	}
	if err := s.ledger.Transfer(st, core.TransferRequest{
		From: tx.From, To: p.To, Amount: p.Amount, Authority: tx.From,
	}); err != nil {
		return nil, &TransferError{Op: "transfer", Err: err}
	}
	if err := st.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	rcpt := &Receipt{
		OpID:        uuid.NewString(),
		Type:        core.TxTransfer,
		Caller:      tx.From,
		Amount:      p.Amount,
		Destination: p.To,
	}
	s.publish(rcpt, tx.ID)
	return rcpt, nil
}

// run executes req under the locks of every record it touches. When tx is
// non-nil its nonce is consumed in the same commit.
func (s *Service) run(ctx context.Context, req Request, tx *core.Transaction) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opID := uuid.NewString()
	log := s.logger.With(
		zap.String("op", string(req.Type)),
		zap.String("op_id", opID),
		zap.String("caller", req.Caller.String()),
	)

	keys := s.lockKeys(req, custodyOf(storage.NewStateDB(s.db)))
	if tx != nil {
		keys = append(keys, storage.AccountKey(tx.From))
	}
	unlock := s.locks.Lock(keys...)
	defer func() { unlock() }()

	// The pool may have been created after keys were computed; its custody
	// account must be covered before the operation can touch it.
	for _, k := range s.lockKeys(req, custodyOf(storage.NewStateDB(s.db))) {
		if k != "" && !contains(keys, k) {
			unlock()
			keys = append(keys, k)
			unlock = s.locks.Lock(keys...)
		}
	}

	st := storage.NewStateDB(s.db)
	if tx != nil {
		if err := core.ConsumeNonce(st, tx); err != nil {
			return nil, err
		}
	}
	rcpt, err := Execute(st, s.ledger, req, s.now().UnixNano())
	if err != nil {
		st.Discard()
		log.Debug("airdrop operation rejected",
			zap.String("kind", KindOf(err).String()),
			zap.String("code", CodeOf(err)),
			zap.Error(err))
		return nil, err
	}
	if err := st.Commit(); err != nil {
		log.Error("commit airdrop operation", zap.Error(err))
		return nil, fmt.Errorf("commit: %w", err)
	}
	rcpt.OpID = opID
	log.Info("airdrop operation committed", zap.Uint64("amount", rcpt.Amount))

	txID := opID
	if tx != nil {
		txID = tx.ID
	}
	s.publish(rcpt, txID)
	return rcpt, nil
}

func (s *Service) publish(rcpt *Receipt, txID string) {
	if s.emitter == nil {
		return
	}
	if rcpt.Type == core.TxTransfer {
		s.emitter.Emit(events.Event{
			Type: events.EventTokenTransfer,
			TxID: txID,
			Data: map[string]any{"from": rcpt.Caller, "to": rcpt.Destination, "amount": rcpt.Amount},
		})
		return
	}
	s.emitter.Emit(rcpt.Event(txID, 0))
}

// lockKeys lists the records req may write. custody is the committed pool's
// custody account, or empty when no pool exists yet.
func (s *Service) lockKeys(req Request, custody string) []string {
	pool := storage.PoolKey(crypto.PoolAddress())
	caller := req.Caller.String()
	switch req.Type {
	case core.TxPoolInit:
		c := req.Init.CustodyAccount
		if c == "" {
			c = crypto.CustodyAddress(crypto.PoolAddress())
		}
		return []string{pool, storage.AccountKey(caller), storage.AccountKey(c)}
	case core.TxUserCreate:
		return []string{
			pool,
			storage.EscrowKey(crypto.EscrowAddress(caller)),
			storage.AccountKey(crypto.HoldingAddress(caller)),
			accountKey(custody),
		}
	case core.TxBetMark:
		return []string{storage.EscrowKey(crypto.EscrowAddress(req.user()))}
	case core.TxAirdropWithdraw:
		dest := req.Destination
		if dest == "" {
			dest = caller
		}
		return []string{
			storage.EscrowKey(crypto.EscrowAddress(req.user())),
			storage.AccountKey(crypto.HoldingAddress(req.user())),
			storage.AccountKey(dest),
		}
	case core.TxPoolRefill:
		return []string{pool, storage.AccountKey(caller), accountKey(custody)}
	case core.TxAirdropUpdate:
		return []string{pool}
	}
	return nil
}

// custodyOf reads the custody account of the committed pool. It never
// changes once the pool exists.
func custodyOf(st core.State) string {
	p, err := st.GetPool(crypto.PoolAddress())
	if err != nil {
		return ""
	}
	return p.CustodyAccount
}

func accountKey(address string) string {
	if address == "" {
		return ""
	}
	return storage.AccountKey(address)
}

func contains(keys []string, k string) bool {
	for _, x := range keys {
		if x == k {
			return true
		}
	}
	return false
}

// IsRejection reports whether err is an expected business-rule failure
// rather than a storage or programming error.
func IsRejection(err error) bool {
	if err == nil {
		return false
	}
	if KindOf(err) != KindUnknown {
		return true
	}
	return errors.Is(err, core.ErrInvalidNonce) || errors.Is(err, core.ErrWrongChain)
}
