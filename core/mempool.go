package core

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	maxMempoolSize = 10_000
	maxTxAge       = time.Hour
	maxTxFuture    = 5 * time.Minute
)

var (
	ErrMempoolFull  = errors.New("mempool full")
	ErrTxDuplicate  = errors.New("tx already in pool")
	ErrTxExpired    = errors.New("transaction expired")
	ErrTxFromFuture = errors.New("transaction timestamp too far in the future")
	ErrNonceTaken   = errors.New("sender already has a pending tx with this nonce")
)

type nonceSlot struct {
	from  string
	nonce uint64
}

// Mempool holds signed transactions waiting for a block, in arrival order.
// A sender may have one pending transaction per nonce.
type Mempool struct {
	mu    sync.RWMutex
	byID  map[string]*Transaction
	slots map[nonceSlot]string
	queue []string
}

func NewMempool() *Mempool {
	return &Mempool{
		byID:  make(map[string]*Transaction),
		slots: make(map[nonceSlot]string),
	}
}

// Add verifies tx and queues it. Transactions older than maxTxAge or more
// than maxTxFuture ahead of the local clock are rejected.
func (m *Mempool) Add(tx *Transaction) error {
	if err := tx.Verify(); err != nil {
		return fmt.Errorf("invalid tx signature: %w", err)
	}
	age := time.Since(time.Unix(0, tx.Timestamp))
	switch {
	case age > maxTxAge:
		return ErrTxExpired
	case -age > maxTxFuture:
		return ErrTxFromFuture
	}

	slot := nonceSlot{from: tx.From, nonce: tx.Nonce}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[tx.ID]; ok {
		return ErrTxDuplicate
	}
	if other, ok := m.slots[slot]; ok {
		return fmt.Errorf("%w: %d (tx %s)", ErrNonceTaken, tx.Nonce, other)
	}
	if len(m.byID) >= maxMempoolSize {
		return ErrMempoolFull
	}
	m.byID[tx.ID] = tx
	m.slots[slot] = tx.ID
	m.queue = append(m.queue, tx.ID)
	return nil
}

func (m *Mempool) Get(id string) (*Transaction, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.byID[id]
	return tx, ok
}

// Pending returns the n oldest queued transactions.
func (m *Mempool) Pending(n int) []*Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n = min(max(n, 0), len(m.queue))
	out := make([]*Transaction, 0, n)
	for _, id := range m.queue[:n] {
		out = append(out, m.byID[id])
	}
	return out
}

// Remove drops the given transactions once they are included or evicted.
func (m *Mempool) Remove(ids []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if tx, ok := m.byID[id]; ok {
			delete(m.slots, nonceSlot{from: tx.From, nonce: tx.Nonce})
			delete(m.byID, id)
		}
	}
	kept := m.queue[:0]
	for _, id := range m.queue {
		if _, ok := m.byID[id]; ok {
			kept = append(kept, id)
		}
	}
	m.queue = kept
}

func (m *Mempool) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}
