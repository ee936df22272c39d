// Package consensus implements Proof-of-Authority block production.
// Validators propose blocks in round-robin order. Each block is signed by
// the proposer and carries only the transactions that executed cleanly.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tolelom/dropchain/config"
	"github.com/tolelom/dropchain/core"
	"github.com/tolelom/dropchain/crypto"
	"github.com/tolelom/dropchain/events"
	"github.com/tolelom/dropchain/internal/logging"
	"github.com/tolelom/dropchain/vm"
)

// ErrNotProposer is returned when another validator owns the next height.
var ErrNotProposer = errors.New("not the proposer for this round")

// State is the world state the engine executes against. It extends
// core.State with the ability to drop an uncommitted write buffer.
type State interface {
	core.State
	Discard()
}

// PoA is the Proof-of-Authority consensus engine.
type PoA struct {
	cfg     *config.Config
	bc      *core.Blockchain
	state   State
	mempool *core.Mempool
	exec    *vm.Executor
	emitter *events.Emitter
	logger  *zap.Logger
	privKey crypto.PrivateKey
	pubKey  crypto.PublicKey
}

// New creates a PoA engine for the local validator identified by privKey.
func New(
	cfg *config.Config,
	bc *core.Blockchain,
	state State,
	mempool *core.Mempool,
	exec *vm.Executor,
	emitter *events.Emitter,
	privKey crypto.PrivateKey,
	logger *zap.Logger,
) *PoA {
	return &PoA{
		cfg:     cfg,
		bc:      bc,
		state:   state,
		mempool: mempool,
		exec:    exec,
		emitter: emitter,
		logger:  logging.OrNop(logger).Named("consensus"),
		privKey: privKey,
		pubKey:  privKey.Public(),
	}
}

// IsProposer reports whether this node should propose the next block.
// With no validators configured the local key proposes every block.
func (p *PoA) IsProposer() bool {
	if len(p.cfg.Validators) == 0 {
		return true
	}
	nextHeight := p.bc.Height() + 1
	idx := int(nextHeight) % len(p.cfg.Validators)
	return p.cfg.Validators[idx] == p.pubKey.Hex()
}

// ProduceBlock builds, executes, signs and commits the next block. Each
// pending transaction runs in its own snapshot; one that fails is evicted
// from the mempool and left out of the block. An empty mempool yields no
// block and a nil error.
func (p *PoA) ProduceBlock() (*core.Block, error) {
	if !p.IsProposer() {
		return nil, ErrNotProposer
	}

	limit := p.cfg.MaxBlockTxs
	if limit <= 0 {
		limit = 500
	}
	pending := p.mempool.Pending(limit)
	if len(pending) == 0 {
		return nil, nil
	}

	prevHash := config.GenesisHash
	nextHeight := int64(1)
	if tip := p.bc.Tip(); tip != nil {
		prevHash = tip.Hash
		nextHeight = tip.Header.Height + 1
	}
	block := core.NewBlock(nextHeight, prevHash, p.pubKey.Hex(), nil)

	included := make([]*core.Transaction, 0, len(pending))
	var evicted []string
	for _, tx := range pending {
		if err := p.exec.ExecuteTx(block, tx); err != nil {
			p.logger.Info("evicting failed transaction",
				zap.String("tx", tx.ID),
				zap.String("type", string(tx.Type)),
				zap.Error(err))
			evicted = append(evicted, tx.ID)
			continue
		}
		included = append(included, tx)
	}
	if len(evicted) > 0 {
		p.mempool.Remove(evicted)
	}
	if len(included) == 0 {
		p.state.Discard()
		p.exec.Discard()
		return nil, nil
	}

	block.Transactions = included
	block.Header.TxRoot = core.ComputeTxRoot(included)
	// Compute root from the write buffer before flushing so that if AddBlock
	// fails the state has not been persisted.
	block.Header.StateRoot = p.state.ComputeRoot()
	block.Sign(p.privKey)

	if err := p.bc.AddBlock(block); err != nil {
		p.state.Discard()
		p.exec.Discard()
		return nil, fmt.Errorf("add block: %w", err)
	}

	if err := p.state.Commit(); err != nil {
		p.logger.Fatal("block stored but state commit failed",
			zap.Int64("height", block.Header.Height),
			zap.Error(err))
	}
	p.exec.Flush()

	// Emit after Sign() so block.Hash is set correctly.
	p.emitter.Emit(events.Event{
		Type:        events.EventBlockCommit,
		BlockHeight: block.Header.Height,
		Data:        map[string]any{"hash": block.Hash, "txs": len(included)},
	})

	ids := make([]string, len(included))
	for i, tx := range included {
		ids[i] = tx.ID
	}
	p.mempool.Remove(ids)

	p.logger.Debug("block committed",
		zap.Int64("height", block.Header.Height),
		zap.Int("txs", len(included)),
		zap.Int("evicted", len(evicted)))
	return block, nil
}

// proposerFor returns the validator expected to sign the block at height.
// With no validators configured that is the local key.
func (p *PoA) proposerFor(height int64) string {
	if len(p.cfg.Validators) == 0 {
		return p.pubKey.Hex()
	}
	return p.cfg.Validators[int(height)%len(p.cfg.Validators)]
}

// ValidateBlock checks that block was signed by the expected validator and
// extends prev. A nil prev means block must be the first after genesis.
func (p *PoA) ValidateBlock(block, prev *core.Block) error {
	if expected := p.proposerFor(block.Header.Height); block.Header.Proposer != expected {
		return fmt.Errorf("wrong proposer: got %s want %s", block.Header.Proposer, expected)
	}

	pub, err := crypto.PubKeyFromHex(block.Header.Proposer)
	if err != nil {
		return fmt.Errorf("invalid proposer pubkey: %w", err)
	}
	if block.ComputeHash() != block.Hash {
		return errors.New("block hash does not match header")
	}
	if err := block.Verify(pub); err != nil {
		return fmt.Errorf("block signature invalid: %w", err)
	}
	if block.Header.TxRoot != core.ComputeTxRoot(block.Transactions) {
		return errors.New("tx root does not match transactions")
	}

	if prev == nil {
		if !config.IsGenesisHash(block.Header.PrevHash) {
			return errors.New("first block must reference genesis prev-hash")
		}
		return nil
	}
	if block.Header.PrevHash != prev.Hash {
		return fmt.Errorf("prev_hash mismatch: got %s want %s", block.Header.PrevHash, prev.Hash)
	}
	if block.Header.Height != prev.Header.Height+1 {
		return fmt.Errorf("height mismatch: got %d want %d", block.Header.Height, prev.Header.Height+1)
	}
	return nil
}

// VerifyChain walks the stored chain from the first block after genesis to
// the tip and validates each block against its parent. Nodes run it on
// start so a tampered store or a changed validator set is caught before
// new blocks are built on top.
func (p *PoA) VerifyChain() error {
	tip := p.bc.Height()
	if tip == 0 {
		return nil
	}
	prev, err := p.bc.GetBlockByHeight(0)
	if err != nil {
		return fmt.Errorf("load genesis: %w", err)
	}
	for h := int64(1); h <= tip; h++ {
		block, err := p.bc.GetBlockByHeight(h)
		if err != nil {
			return fmt.Errorf("load block %d: %w", h, err)
		}
		if err := p.ValidateBlock(block, prev); err != nil {
			return fmt.Errorf("block %d: %w", h, err)
		}
		prev = block
	}
	p.logger.Info("chain verified", zap.Int64("height", tip))
	return nil
}

// Run drives block production every interval until ctx is cancelled.
func (p *PoA) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !p.IsProposer() {
				continue
			}
			if _, err := p.ProduceBlock(); err != nil {
				p.logger.Error("produce block", zap.Error(err))
			}
		}
	}
}
