package consensus_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tolelom/dropchain/airdrop"
	"github.com/tolelom/dropchain/config"
	"github.com/tolelom/dropchain/consensus"
	"github.com/tolelom/dropchain/core"
	"github.com/tolelom/dropchain/events"
	"github.com/tolelom/dropchain/internal/testutil"
	"github.com/tolelom/dropchain/storage"
	"github.com/tolelom/dropchain/vm"
	"github.com/tolelom/dropchain/wallet"

	_ "github.com/tolelom/dropchain/vm/modules/airdrop"
	_ "github.com/tolelom/dropchain/vm/modules/economy"
)

type chain struct {
	db      *testutil.MemDB
	bc      *core.Blockchain
	mempool *core.Mempool
	poa     *consensus.PoA
	seen    []events.EventType
}

func newChain(t *testing.T, proposer *wallet.Wallet, validators []string, alloc map[string]uint64) *chain {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Validators = validators
	cfg.Genesis.Alloc = alloc

	c := &chain{db: testutil.NewMemDB(), mempool: core.NewMempool()}
	state := storage.NewStateDB(c.db)
	c.bc = core.NewBlockchain(storage.NewBlockStore(c.db))
	require.NoError(t, c.bc.Init())
	genesis, err := config.CreateGenesisBlock(cfg, state, proposer.PrivKey())
	require.NoError(t, err)
	require.NoError(t, c.bc.AddBlock(genesis))

	em := events.NewEmitter(nil)
	em.Subscribe(func(ev events.Event) { c.seen = append(c.seen, ev.Type) },
		append(events.AirdropEvents, events.EventBlockCommit)...)
	exec := vm.NewExecutor(state, em)
	c.poa = consensus.New(cfg, c.bc, state, c.mempool, exec, em, proposer.PrivKey(), nil)
	return c
}

func (c *chain) submit(t *testing.T, tx *core.Transaction, err error) {
	t.Helper()
	require.NoError(t, err)
	require.NoError(t, c.mempool.Add(tx))
}

func TestProduceBlockEvictsFailedTransactions(t *testing.T) {
	admin, err := wallet.Generate(config.DefaultConfig().Genesis.ChainID)
	require.NoError(t, err)
	stranger, err := wallet.Generate(config.DefaultConfig().Genesis.ChainID)
	require.NoError(t, err)
	user, err := wallet.Generate(config.DefaultConfig().Genesis.ChainID)
	require.NoError(t, err)
	c := newChain(t, admin, []string{admin.PubKey()}, map[string]uint64{admin.PubKey(): 10_000})

	tx, err := admin.InitPool("DROP", "", 1000, 100, 0)
	c.submit(t, tx, err)
	tx, err = stranger.Refill(10, 0)
	c.submit(t, tx, err)
	tx, err = user.Join(0)
	c.submit(t, tx, err)

	block, err := c.poa.ProduceBlock()
	require.NoError(t, err)
	require.NotNil(t, block)
	assert.Equal(t, int64(1), block.Header.Height)
	assert.Len(t, block.Transactions, 2)
	assert.Equal(t, 0, c.mempool.Size())
	assert.Equal(t, block.Hash, c.bc.Tip().Hash)

	pool, err := airdrop.LoadPool(storage.NewStateDB(c.db))
	require.NoError(t, err)
	assert.Equal(t, uint64(900), pool.TotalTokens)
	assert.Equal(t, uint64(1), pool.TotalUsers)

	assert.Equal(t, []events.EventType{
		events.EventPoolInitialized,
		events.EventUserCreated,
		events.EventBlockCommit,
	}, c.seen)
}

func TestProduceBlockSkipsWhenNothingSucceeds(t *testing.T) {
	admin, err := wallet.Generate(config.DefaultConfig().Genesis.ChainID)
	require.NoError(t, err)
	c := newChain(t, admin, nil, map[string]uint64{admin.PubKey(): 10_000})

	block, err := c.poa.ProduceBlock()
	require.NoError(t, err)
	assert.Nil(t, block, "empty mempool")

	before := c.db.Len()
	tx, err := admin.Join(0)
	c.submit(t, tx, err)

	block, err = c.poa.ProduceBlock()
	require.NoError(t, err)
	assert.Nil(t, block)
	assert.Equal(t, int64(0), c.bc.Height())
	assert.Equal(t, before, c.db.Len())
	assert.Equal(t, 0, c.mempool.Size())
	assert.Empty(t, c.seen)
}

func TestProduceBlockRequiresProposerTurn(t *testing.T) {
	local, err := wallet.Generate(config.DefaultConfig().Genesis.ChainID)
	require.NoError(t, err)
	other, err := wallet.Generate(config.DefaultConfig().Genesis.ChainID)
	require.NoError(t, err)
	// Height 1 maps to index 1.
	c := newChain(t, local, []string{local.PubKey(), other.PubKey()}, nil)

	assert.False(t, c.poa.IsProposer())
	_, err = c.poa.ProduceBlock()
	require.ErrorIs(t, err, consensus.ErrNotProposer)
}

func TestValidateBlock(t *testing.T) {
	local, err := wallet.Generate(config.DefaultConfig().Genesis.ChainID)
	require.NoError(t, err)
	c := newChain(t, local, []string{local.PubKey()}, nil)
	tip := c.bc.Tip()

	good := core.NewBlock(1, tip.Hash, local.PubKey(), nil)
	good.Sign(local.PrivKey())
	require.NoError(t, c.poa.ValidateBlock(good, tip))

	unlinked := core.NewBlock(1, "ff", local.PubKey(), nil)
	unlinked.Sign(local.PrivKey())
	assert.Error(t, c.poa.ValidateBlock(unlinked, tip))

	skipped := core.NewBlock(2, tip.Hash, local.PubKey(), nil)
	skipped.Sign(local.PrivKey())
	assert.Error(t, c.poa.ValidateBlock(skipped, tip))

	tampered := core.NewBlock(1, tip.Hash, local.PubKey(), nil)
	tampered.Sign(local.PrivKey())
	tampered.Header.StateRoot = "00"
	assert.Error(t, c.poa.ValidateBlock(tampered, tip))

	outsider, err := wallet.Generate(config.DefaultConfig().Genesis.ChainID)
	require.NoError(t, err)
	wrong := core.NewBlock(1, tip.Hash, outsider.PubKey(), nil)
	wrong.Sign(outsider.PrivKey())
	assert.Error(t, c.poa.ValidateBlock(wrong, tip))
}

func TestVerifyChain(t *testing.T) {
	admin, err := wallet.Generate(config.DefaultConfig().Genesis.ChainID)
	require.NoError(t, err)
	c := newChain(t, admin, nil, map[string]uint64{admin.PubKey(): 10_000})
	require.NoError(t, c.poa.VerifyChain(), "genesis only")

	tx, err := admin.InitPool("DROP", "", 1000, 100, 0)
	c.submit(t, tx, err)
	_, err = c.poa.ProduceBlock()
	require.NoError(t, err)
	tx, err = admin.Refill(50, 1)
	c.submit(t, tx, err)
	_, err = c.poa.ProduceBlock()
	require.NoError(t, err)
	require.Equal(t, int64(2), c.bc.Height())

	require.NoError(t, c.poa.VerifyChain())

	// The same store opened under a validator set that never signed it.
	other, err := wallet.Generate(config.DefaultConfig().Genesis.ChainID)
	require.NoError(t, err)
	cfg := config.DefaultConfig()
	cfg.Validators = []string{other.PubKey()}
	state := storage.NewStateDB(c.db)
	reopened := consensus.New(cfg, c.bc, state, c.mempool, vm.NewExecutor(state, nil), events.NewEmitter(nil), other.PrivKey(), nil)
	assert.Error(t, reopened.VerifyChain())
}
