package core

import (
	"fmt"
	"sync"
)

// BlockStore persists blocks; storage.BlockStore is the LevelDB-backed one.
type BlockStore interface {
	GetBlock(hash string) (*Block, error)
	GetBlockByHeight(height int64) (*Block, error)
	// GetTip returns "" with a nil error when no block was ever stored.
	GetTip() (string, error)
	// CommitBlock stores the block, its height index and the new tip in one
	// batch.
	CommitBlock(block *Block) error
}

// Blockchain is the single linear chain written by the local proposer.
type Blockchain struct {
	store BlockStore

	mu  sync.RWMutex
	tip *Block
}

// NewBlockchain wraps store. Init loads a previously stored tip.
func NewBlockchain(store BlockStore) *Blockchain {
	return &Blockchain{store: store}
}

func (bc *Blockchain) Init() error {
	hash, err := bc.store.GetTip()
	if err != nil {
		return fmt.Errorf("get tip: %w", err)
	}
	if hash == "" {
		return nil
	}
	tip, err := bc.store.GetBlock(hash)
	if err != nil {
		return fmt.Errorf("load tip %s: %w", hash, err)
	}
	bc.mu.Lock()
	bc.tip = tip
	bc.mu.Unlock()
	return nil
}

// AddBlock stores block if it directly extends the tip. The first block
// added to an empty chain is accepted as genesis.
func (bc *Blockchain) AddBlock(block *Block) error {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	if tip := bc.tip; tip != nil {
		if want := tip.Header.Height + 1; block.Header.Height != want {
			return fmt.Errorf("block height %d does not follow tip %d", block.Header.Height, tip.Header.Height)
		}
		if block.Header.PrevHash != tip.Hash {
			return fmt.Errorf("prev_hash mismatch: got %s want %s", block.Header.PrevHash, tip.Hash)
		}
	}
	if err := bc.store.CommitBlock(block); err != nil {
		return fmt.Errorf("commit block %d: %w", block.Header.Height, err)
	}
	bc.tip = block
	return nil
}

func (bc *Blockchain) GetBlock(hash string) (*Block, error) {
	return bc.store.GetBlock(hash)
}

func (bc *Blockchain) GetBlockByHeight(height int64) (*Block, error) {
	return bc.store.GetBlockByHeight(height)
}

// Tip is nil until the genesis block is added.
func (bc *Blockchain) Tip() *Block {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.tip
}

// Height is the tip's height, or 0 for an empty chain.
func (bc *Blockchain) Height() int64 {
	if tip := bc.Tip(); tip != nil {
		return tip.Header.Height
	}
	return 0
}
