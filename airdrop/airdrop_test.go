package airdrop_test

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tolelom/dropchain/airdrop"
	"github.com/tolelom/dropchain/core"
	"github.com/tolelom/dropchain/crypto"
	"github.com/tolelom/dropchain/internal/testutil"
	"github.com/tolelom/dropchain/storage"
	"github.com/tolelom/dropchain/vm/modules/economy"
)

var ledger = economy.Ledger{}

func newIdentity(t *testing.T) airdrop.Identity {
	t.Helper()
	_, pub, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	id, err := airdrop.NewIdentity(pub.Hex())
	require.NoError(t, err)
	return id
}

func fund(t *testing.T, st core.State, addr string, amount uint64) {
	t.Helper()
	acc, err := st.GetAccount(addr)
	require.NoError(t, err)
	acc.Balance = amount
	require.NoError(t, st.SetAccount(acc))
}

func balance(t *testing.T, st core.State, addr string) uint64 {
	t.Helper()
	acc, err := st.GetAccount(addr)
	require.NoError(t, err)
	return acc.Balance
}

// setup returns a state holding a pool with the given amounts.
func setup(t *testing.T, initial, perUser uint64) (*storage.StateDB, airdrop.Identity) {
	t.Helper()
	st := testutil.NewStateDB()
	admin := newIdentity(t)
	fund(t, st, admin.String(), 1_000_000)
	_, err := airdrop.Initialize(st, ledger, admin, airdrop.InitParams{
		AssetID:       "DROP",
		InitialAmount: initial,
		AirdropAmount: perUser,
	}, 1)
	require.NoError(t, err)
	return st, admin
}

func TestAirdropLifecycle(t *testing.T) {
	st, admin := setup(t, 1000, 100)

	pool, err := airdrop.LoadPool(st)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), pool.TotalTokens)
	assert.Equal(t, uint64(0), pool.TotalUsers)
	assert.Equal(t, admin.String(), pool.Admin)
	assert.Equal(t, uint64(1000), balance(t, st, pool.CustodyAccount))
	assert.Equal(t, uint64(1_000_000-1000), balance(t, st, admin.String()))

	userA := newIdentity(t)
	pool, escrow, err := airdrop.CreateUser(st, ledger, userA, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), escrow.Amount)
	assert.False(t, escrow.HasBet)
	assert.False(t, escrow.CanWithdraw)
	assert.Equal(t, core.EscrowActive, escrow.Status())
	assert.Equal(t, uint64(900), pool.TotalTokens)
	assert.Equal(t, uint64(1), pool.TotalUsers)
	assert.Equal(t, uint64(100), balance(t, st, crypto.HoldingAddress(userA.String())))

	_, _, err = airdrop.Withdraw(st, ledger, userA, userA.String(), "", 3)
	require.ErrorIs(t, err, airdrop.ErrBettingRequired)

	escrow, err = airdrop.MarkBet(st, userA, userA.String())
	require.NoError(t, err)
	assert.Equal(t, core.EscrowQualified, escrow.Status())

	dest := newIdentity(t).String()
	escrow, amount, err := airdrop.Withdraw(st, ledger, userA, userA.String(), dest, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), amount)
	assert.Equal(t, uint64(0), escrow.Amount)
	assert.True(t, escrow.HasBet)
	assert.False(t, escrow.CanWithdraw)
	assert.Equal(t, core.EscrowSettled, escrow.Status())
	assert.Equal(t, int64(4), escrow.SettledAt)
	assert.Equal(t, uint64(100), balance(t, st, dest))
	assert.Equal(t, uint64(0), balance(t, st, crypto.HoldingAddress(userA.String())))

	_, _, err = airdrop.Withdraw(st, ledger, userA, userA.String(), dest, 5)
	require.ErrorIs(t, err, airdrop.ErrWithdrawalNotAllowed)
	assert.Equal(t, uint64(100), balance(t, st, dest))
}

func TestCreateUserRejectsUnderfundedPool(t *testing.T) {
	st, _ := setup(t, 150, 100)

	_, _, err := airdrop.CreateUser(st, ledger, newIdentity(t), 2)
	require.NoError(t, err)

	userB := newIdentity(t)
	_, _, err = airdrop.CreateUser(st, ledger, userB, 3)
	require.ErrorIs(t, err, airdrop.ErrInsufficientPoolFunds)
	assert.Equal(t, airdrop.KindState, airdrop.KindOf(err))

	pool, err := airdrop.LoadPool(st)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), pool.TotalTokens)
	assert.Equal(t, uint64(1), pool.TotalUsers)
	_, err = airdrop.LoadEscrow(st, userB.String())
	require.ErrorIs(t, err, airdrop.ErrEscrowNotFound)
}

func TestInitialize(t *testing.T) {
	t.Run("duplicate pool", func(t *testing.T) {
		st, admin := setup(t, 10, 1)
		_, err := airdrop.Initialize(st, ledger, admin, airdrop.InitParams{InitialAmount: 10}, 2)
		require.ErrorIs(t, err, airdrop.ErrDuplicatePool)
		assert.Equal(t, airdrop.KindDuplicate, airdrop.KindOf(err))
	})

	t.Run("explicit custody account", func(t *testing.T) {
		st := testutil.NewStateDB()
		admin := newIdentity(t)
		fund(t, st, admin.String(), 50)
		custody := crypto.DeriveAddress("treasury", "one")

		pool, err := airdrop.Initialize(st, ledger, admin, airdrop.InitParams{
			CustodyAccount: custody,
			InitialAmount:  50,
			AirdropAmount:  5,
		}, 1)
		require.NoError(t, err)
		assert.Equal(t, custody, pool.CustodyAccount)

		acc, err := st.GetAccount(custody)
		require.NoError(t, err)
		assert.Equal(t, pool.Address, acc.Owner)
		assert.Equal(t, uint64(50), acc.Balance)
	})

	t.Run("custody controlled by someone else", func(t *testing.T) {
		st := testutil.NewStateDB()
		admin := newIdentity(t)
		fund(t, st, admin.String(), 50)
		custody := crypto.DeriveAddress("treasury", "two")
		require.NoError(t, st.SetAccount(&core.Account{Address: custody, Owner: "someone"}))

		_, err := airdrop.Initialize(st, ledger, admin, airdrop.InitParams{
			CustodyAccount: custody,
			InitialAmount:  50,
		}, 1)
		require.ErrorIs(t, err, airdrop.ErrCustodyUnavailable)
	})

	t.Run("admin as custody", func(t *testing.T) {
		st := testutil.NewStateDB()
		admin := newIdentity(t)
		_, err := airdrop.Initialize(st, ledger, admin, airdrop.InitParams{
			CustodyAccount: admin.String(),
		}, 1)
		require.ErrorIs(t, err, airdrop.ErrCustodyUnavailable)
	})

	t.Run("admin cannot fund", func(t *testing.T) {
		st := testutil.NewStateDB()
		admin := newIdentity(t)
		fund(t, st, admin.String(), 10)

		_, err := airdrop.Initialize(st, ledger, admin, airdrop.InitParams{InitialAmount: 11}, 1)
		require.ErrorIs(t, err, core.ErrInsufficientBalance)
		assert.Equal(t, airdrop.KindTransfer, airdrop.KindOf(err))
		assert.Equal(t, "transfer_failed", airdrop.CodeOf(err))
	})

	t.Run("zero identity", func(t *testing.T) {
		st := testutil.NewStateDB()
		_, err := airdrop.Initialize(st, ledger, airdrop.Identity{}, airdrop.InitParams{}, 1)
		require.ErrorIs(t, err, airdrop.ErrUnauthorizedAdmin)
	})
}

// sendStray moves amount from a fresh funded account to addr with a plain
// ledger transfer, as any key holder can.
func sendStray(t *testing.T, st core.State, addr string, amount uint64) {
	t.Helper()
	sender := newIdentity(t).String()
	fund(t, st, sender, amount)
	require.NoError(t, ledger.Transfer(st, core.TransferRequest{
		From: sender, To: addr, Amount: amount, Authority: sender,
	}))
}

func TestStrayTokensDoNotBlockDerivedAccounts(t *testing.T) {
	t.Run("holding account", func(t *testing.T) {
		st, _ := setup(t, 1000, 100)
		user := newIdentity(t)
		holding := crypto.HoldingAddress(user.String())
		sendStray(t, st, holding, 1)

		_, escrow, err := airdrop.CreateUser(st, ledger, user, 2)
		require.NoError(t, err)
		assert.Equal(t, uint64(100), escrow.Amount)
		acc, err := st.GetAccount(holding)
		require.NoError(t, err)
		assert.Equal(t, user.String(), acc.Owner)
		assert.Equal(t, uint64(101), acc.Balance)

		_, err = airdrop.MarkBet(st, user, user.String())
		require.NoError(t, err)
		dest := newIdentity(t).String()
		_, amount, err := airdrop.Withdraw(st, ledger, user, user.String(), dest, 3)
		require.NoError(t, err)
		assert.Equal(t, uint64(100), amount)
		assert.Equal(t, uint64(100), balance(t, st, dest))
		assert.Equal(t, uint64(1), balance(t, st, holding))
	})

	t.Run("default custody", func(t *testing.T) {
		st := testutil.NewStateDB()
		admin := newIdentity(t)
		fund(t, st, admin.String(), 500)
		custody := crypto.CustodyAddress(crypto.PoolAddress())
		sendStray(t, st, custody, 1)

		pool, err := airdrop.Initialize(st, ledger, admin, airdrop.InitParams{
			InitialAmount: 500,
			AirdropAmount: 10,
		}, 1)
		require.NoError(t, err)
		assert.Equal(t, custody, pool.CustodyAccount)
		assert.Equal(t, uint64(500), pool.TotalTokens)
		acc, err := st.GetAccount(custody)
		require.NoError(t, err)
		assert.Equal(t, pool.Address, acc.Owner)
		assert.Equal(t, uint64(501), acc.Balance)
	})

	t.Run("explicit custody with history", func(t *testing.T) {
		st := testutil.NewStateDB()
		admin := newIdentity(t)
		fund(t, st, admin.String(), 50)
		custody := crypto.DeriveAddress("treasury", "three")
		sendStray(t, st, custody, 1)

		_, err := airdrop.Initialize(st, ledger, admin, airdrop.InitParams{
			CustodyAccount: custody,
			InitialAmount:  50,
		}, 1)
		require.ErrorIs(t, err, airdrop.ErrCustodyUnavailable)
	})
}

func TestOperationsWithoutPool(t *testing.T) {
	st := testutil.NewStateDB()
	id := newIdentity(t)

	_, _, err := airdrop.CreateUser(st, ledger, id, 1)
	require.ErrorIs(t, err, airdrop.ErrPoolNotInitialized)
	_, err = airdrop.Refill(st, ledger, id, 1)
	require.ErrorIs(t, err, airdrop.ErrPoolNotInitialized)
	_, err = airdrop.UpdateAirdropAmount(st, id, 1)
	require.ErrorIs(t, err, airdrop.ErrPoolNotInitialized)
	_, err = airdrop.MarkBet(st, id, id.String())
	require.ErrorIs(t, err, airdrop.ErrEscrowNotFound)
	_, _, err = airdrop.Withdraw(st, ledger, id, id.String(), "", 1)
	require.ErrorIs(t, err, airdrop.ErrEscrowNotFound)
}

func TestCreateUserTwiceFailsDuplicateUser(t *testing.T) {
	st, _ := setup(t, 1000, 100)
	user := newIdentity(t)

	_, _, err := airdrop.CreateUser(st, ledger, user, 2)
	require.NoError(t, err)
	_, _, err = airdrop.CreateUser(st, ledger, user, 3)
	require.ErrorIs(t, err, airdrop.ErrDuplicateUser)

	pool, err := airdrop.LoadPool(st)
	require.NoError(t, err)
	assert.Equal(t, uint64(900), pool.TotalTokens)
	assert.Equal(t, uint64(1), pool.TotalUsers)
}

func TestAuthorizationIsAbsolute(t *testing.T) {
	st, admin := setup(t, 1000, 100)
	user := newIdentity(t)
	stranger := newIdentity(t)
	fund(t, st, stranger.String(), 500)

	_, _, err := airdrop.CreateUser(st, ledger, user, 2)
	require.NoError(t, err)

	_, err = airdrop.Refill(st, ledger, stranger, 100)
	require.ErrorIs(t, err, airdrop.ErrUnauthorizedAdmin)
	assert.Equal(t, airdrop.KindAuthorization, airdrop.KindOf(err))
	assert.Equal(t, uint64(500), balance(t, st, stranger.String()))

	_, err = airdrop.UpdateAirdropAmount(st, stranger, 1)
	require.ErrorIs(t, err, airdrop.ErrUnauthorizedAdmin)

	_, err = airdrop.MarkBet(st, stranger, user.String())
	require.ErrorIs(t, err, airdrop.ErrUnauthorizedUser)
	_, err = airdrop.MarkBet(st, admin, user.String())
	require.ErrorIs(t, err, airdrop.ErrUnauthorizedUser)

	_, err = airdrop.MarkBet(st, user, user.String())
	require.NoError(t, err)

	_, _, err = airdrop.Withdraw(st, ledger, stranger, user.String(), stranger.String(), 3)
	require.ErrorIs(t, err, airdrop.ErrUnauthorizedUser)

	escrow, err := airdrop.LoadEscrow(st, user.String())
	require.NoError(t, err)
	assert.Equal(t, core.EscrowQualified, escrow.Status())
	assert.Equal(t, uint64(100), escrow.Amount)
}

func TestRefill(t *testing.T) {
	st, admin := setup(t, 1000, 100)

	pool, err := airdrop.Refill(st, ledger, admin, 500)
	require.NoError(t, err)
	assert.Equal(t, uint64(1500), pool.TotalTokens)
	assert.Equal(t, uint64(1500), balance(t, st, pool.CustodyAccount))
	assert.Equal(t, uint64(1_000_000-1500), balance(t, st, admin.String()))

	_, err = airdrop.Refill(st, ledger, admin, 2_000_000)
	require.ErrorIs(t, err, core.ErrInsufficientBalance)
}

func TestRefillOverflow(t *testing.T) {
	st, admin := setup(t, 10, 1)
	pool, err := airdrop.LoadPool(st)
	require.NoError(t, err)
	pool.TotalTokens = math.MaxUint64 - 1
	require.NoError(t, st.SetPool(pool))

	_, err = airdrop.Refill(st, ledger, admin, 2)
	require.ErrorIs(t, err, airdrop.ErrArithmeticOverflow)
	assert.Equal(t, airdrop.KindArithmetic, airdrop.KindOf(err))
	assert.Equal(t, uint64(1_000_000-10), balance(t, st, admin.String()))
}

func TestCreateUserCounterOverflow(t *testing.T) {
	st, _ := setup(t, 10, 1)
	pool, err := airdrop.LoadPool(st)
	require.NoError(t, err)
	pool.TotalUsers = math.MaxUint64
	require.NoError(t, st.SetPool(pool))

	user := newIdentity(t)
	_, _, err = airdrop.CreateUser(st, ledger, user, 2)
	require.ErrorIs(t, err, airdrop.ErrArithmeticOverflow)
}

func TestUpdateAirdropAmountAffectsOnlyNewUsers(t *testing.T) {
	st, admin := setup(t, 1000, 100)
	early := newIdentity(t)
	late := newIdentity(t)

	_, _, err := airdrop.CreateUser(st, ledger, early, 2)
	require.NoError(t, err)

	pool, err := airdrop.UpdateAirdropAmount(st, admin, 250)
	require.NoError(t, err)
	assert.Equal(t, uint64(250), pool.AirdropAmount)

	_, escrow, err := airdrop.CreateUser(st, ledger, late, 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(250), escrow.Amount)

	escrow, err = airdrop.LoadEscrow(st, early.String())
	require.NoError(t, err)
	assert.Equal(t, uint64(100), escrow.Amount)
}

func TestZeroAirdropAmount(t *testing.T) {
	st, admin := setup(t, 1000, 100)
	_, err := airdrop.UpdateAirdropAmount(st, admin, 0)
	require.NoError(t, err)

	user := newIdentity(t)
	pool, escrow, err := airdrop.CreateUser(st, ledger, user, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), escrow.Amount)
	assert.Equal(t, uint64(1000), pool.TotalTokens)

	_, err = airdrop.MarkBet(st, user, user.String())
	require.NoError(t, err)
	_, amount, err := airdrop.Withdraw(st, ledger, user, user.String(), "", 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), amount)
}

func TestMarkBetTransitions(t *testing.T) {
	st, _ := setup(t, 1000, 100)
	user := newIdentity(t)
	_, _, err := airdrop.CreateUser(st, ledger, user, 2)
	require.NoError(t, err)

	_, err = airdrop.MarkBet(st, user, user.String())
	require.NoError(t, err)
	escrow, err := airdrop.MarkBet(st, user, user.String())
	require.NoError(t, err, "re-marking a qualified escrow is a no-op")
	assert.Equal(t, core.EscrowQualified, escrow.Status())

	_, _, err = airdrop.Withdraw(st, ledger, user, user.String(), "", 3)
	require.NoError(t, err)

	_, err = airdrop.MarkBet(st, user, user.String())
	require.ErrorIs(t, err, airdrop.ErrAlreadySettled)
	escrow, err = airdrop.LoadEscrow(st, user.String())
	require.NoError(t, err)
	assert.Equal(t, core.EscrowSettled, escrow.Status())
}

func TestWithdrawChecksBetBeforeFlag(t *testing.T) {
	st, _ := setup(t, 1000, 100)
	user := newIdentity(t)
	_, escrow, err := airdrop.CreateUser(st, ledger, user, 2)
	require.NoError(t, err)

	escrow.CanWithdraw = true
	require.NoError(t, st.SetEscrow(escrow))

	_, _, err = airdrop.Withdraw(st, ledger, user, user.String(), "", 3)
	require.ErrorIs(t, err, airdrop.ErrBettingRequired)
}

func TestWithdrawDefaultsToCaller(t *testing.T) {
	st, _ := setup(t, 1000, 100)
	user := newIdentity(t)
	_, _, err := airdrop.CreateUser(st, ledger, user, 2)
	require.NoError(t, err)
	_, err = airdrop.MarkBet(st, user, user.String())
	require.NoError(t, err)
	_, _, err = airdrop.Withdraw(st, ledger, user, user.String(), "", 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), balance(t, st, user.String()))
}

func TestConservation(t *testing.T) {
	const initial = 1000
	st, admin := setup(t, initial, 70)

	var refills, withdrawn uint64
	users := make([]airdrop.Identity, 0, 20)
	for i := 0; i < 20; i++ {
		u := newIdentity(t)
		if _, _, err := airdrop.CreateUser(st, ledger, u, int64(i)); err != nil {
			require.True(t, errors.Is(err, airdrop.ErrInsufficientPoolFunds))
			_, err = airdrop.Refill(st, ledger, admin, 100)
			require.NoError(t, err)
			refills += 100
			continue
		}
		users = append(users, u)
		if i%3 == 0 {
			_, err := airdrop.MarkBet(st, u, u.String())
			require.NoError(t, err)
			_, amount, err := airdrop.Withdraw(st, ledger, u, u.String(), "", int64(i))
			require.NoError(t, err)
			withdrawn += amount
		}
	}

	pool, err := airdrop.LoadPool(st)
	require.NoError(t, err)
	var live uint64
	for _, u := range users {
		e, err := airdrop.LoadEscrow(st, u.String())
		require.NoError(t, err)
		live += e.Amount
	}
	assert.Equal(t, uint64(initial)+refills, pool.TotalTokens+live+withdrawn)
	assert.Equal(t, uint64(len(users)), pool.TotalUsers)
	assert.Equal(t, pool.TotalTokens, balance(t, st, pool.CustodyAccount))
}

func TestNewIdentityRejectsMalformedKeys(t *testing.T) {
	_, err := airdrop.NewIdentity("")
	require.Error(t, err)
	_, err = airdrop.NewIdentity("zz")
	require.Error(t, err)
	_, err = airdrop.NewIdentity(crypto.PoolAddress()[:10])
	require.Error(t, err)

	id := newIdentity(t)
	assert.True(t, id.Is(id.String()))
	assert.False(t, airdrop.Identity{}.Is(""))
}

func TestCodeOfUnclassified(t *testing.T) {
	assert.Equal(t, "internal", airdrop.CodeOf(errors.New("boom")))
	assert.Equal(t, airdrop.KindUnknown, airdrop.KindOf(errors.New("boom")))
	assert.Equal(t, "betting_required", airdrop.CodeOf(airdrop.ErrBettingRequired))
}
