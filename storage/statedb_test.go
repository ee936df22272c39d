package storage_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tolelom/dropchain/core"
	"github.com/tolelom/dropchain/internal/testutil"
	"github.com/tolelom/dropchain/storage"
)

func TestUnknownAccountIsZeroValue(t *testing.T) {
	st := testutil.NewStateDB()
	acc, err := st.GetAccount("nobody")
	require.NoError(t, err)
	assert.Equal(t, "nobody", acc.Address)
	assert.Zero(t, acc.Balance)
}

func TestCreatePoolIsCreateIfAbsent(t *testing.T) {
	db := testutil.NewMemDB()
	st := storage.NewStateDB(db)

	require.NoError(t, st.CreatePool(&core.Pool{Address: "p", TotalTokens: 10}))
	err := st.CreatePool(&core.Pool{Address: "p", TotalTokens: 99})
	assert.ErrorIs(t, err, core.ErrAlreadyExists)

	require.NoError(t, st.Commit())

	// A fresh view over the same DB still sees the committed record.
	other := storage.NewStateDB(db)
	err = other.CreatePool(&core.Pool{Address: "p"})
	assert.ErrorIs(t, err, core.ErrAlreadyExists)

	p, err := other.GetPool("p")
	require.NoError(t, err)
	assert.EqualValues(t, 10, p.TotalTokens)
}

func TestCreateEscrowConcurrentSingleWinner(t *testing.T) {
	st := testutil.NewStateDB()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := st.CreateEscrow(&core.Escrow{Address: "e", User: "u"}); err == nil {
				wins.Add(1)
			} else if !errors.Is(err, core.ErrAlreadyExists) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins.Load())
}

func TestMissingRecordsReturnNotFound(t *testing.T) {
	st := testutil.NewStateDB()
	_, err := st.GetPool("missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = st.GetEscrow("missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestSnapshotRevert(t *testing.T) {
	st := testutil.NewStateDB()
	require.NoError(t, st.SetAccount(&core.Account{Address: "a", Balance: 5}))

	snap, err := st.Snapshot()
	require.NoError(t, err)
	require.NoError(t, st.SetAccount(&core.Account{Address: "a", Balance: 1}))
	require.NoError(t, st.CreateEscrow(&core.Escrow{Address: "e"}))

	require.NoError(t, st.RevertToSnapshot(snap))

	acc, _ := st.GetAccount("a")
	assert.EqualValues(t, 5, acc.Balance)
	_, err = st.GetEscrow("e")
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Error(t, st.RevertToSnapshot(snap), "snapshot is consumed by revert")
}

func TestDiscardLeavesDBUntouched(t *testing.T) {
	db := testutil.NewMemDB()
	st := storage.NewStateDB(db)
	require.NoError(t, st.SetPool(&core.Pool{Address: "p"}))
	st.Discard()
	require.NoError(t, st.Commit())
	assert.Zero(t, db.Len())
}

func TestComputeRootDeterministic(t *testing.T) {
	build := func() *storage.StateDB {
		st := testutil.NewStateDB()
		_ = st.SetAccount(&core.Account{Address: "a", Balance: 1})
		_ = st.SetPool(&core.Pool{Address: "p", TotalTokens: 2})
		_ = st.SetEscrow(&core.Escrow{Address: "e", Amount: 3})
		return st
	}
	a, b := build(), build()
	assert.Equal(t, a.ComputeRoot(), b.ComputeRoot())

	root := a.ComputeRoot()
	require.NoError(t, a.Commit())
	assert.Equal(t, root, a.ComputeRoot(), "commit must not change the root")

	_ = b.SetEscrow(&core.Escrow{Address: "e", Amount: 4})
	assert.NotEqual(t, root, b.ComputeRoot())
}

func TestBlockStoreCommitBlock(t *testing.T) {
	bs := storage.NewBlockStore(testutil.NewMemDB())
	tip, err := bs.GetTip()
	require.NoError(t, err)
	assert.Empty(t, tip)

	block := core.NewBlock(1, "prev", "proposer", nil)
	block.Hash = block.ComputeHash()
	require.NoError(t, bs.CommitBlock(block))

	tip, err = bs.GetTip()
	require.NoError(t, err)
	assert.Equal(t, block.Hash, tip)

	got, err := bs.GetBlockByHeight(1)
	require.NoError(t, err)
	assert.Equal(t, block.Hash, got.Hash)
}

func TestKeyLocksSerialiseSameKey(t *testing.T) {
	locks := storage.NewKeyLocks()
	var inside atomic.Int32
	var maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Overlapping sets given in different orders must not deadlock.
			keys := []string{"pool:x", "acct:a"}
			if i%2 == 0 {
				keys = []string{"acct:a", "pool:x", "acct:a"}
			}
			unlock := locks.Lock(keys...)
			defer unlock()
			n := inside.Add(1)
			if n > maxInside.Load() {
				maxInside.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
		}(i)
	}
	wg.Wait()
	assert.EqualValues(t, 1, maxInside.Load())
	assert.Zero(t, locks.Len(), "entries are reclaimed once released")
}

func TestKeyLocksDisjointKeysDoNotBlock(t *testing.T) {
	locks := storage.NewKeyLocks()
	unlockA := locks.Lock("escrow:a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := locks.Lock("escrow:b")
		unlock()
		unlock() // idempotent
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a disjoint key blocked")
	}
}
