package refdb

import (
	"testing"

	"github.com/stretchr/testify/require"

	"refchain/referral"
)

func TestBlockTxStagesWholeBlock(t *testing.T) {
	store := newTestStore(t)
	ref := newTestReferral(t, referral.ZeroAddress)

	tx := store.Begin()
	undos := LotteryUndos{}
	require.NoError(t, tx.InsertReferral(ref))
	require.NoError(t, tx.UpdateANV(ref.AddressType(), ref.Address(), 42))
	require.NoError(t, tx.AddAddressToLottery(ref.GetHash(), ref.AddressType(), nil, 5, &undos))

	// Staged mutations are visible inside the transaction.
	exists, err := tx.ReferralExists(ref.GetHash())
	require.NoError(t, err)
	require.True(t, exists)
	anv, ok, err := tx.GetANV(ref.Address())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(42), anv.ANV)
	size, err := tx.GetLotteryHeapSize()
	require.NoError(t, err)
	require.Equal(t, uint64(1), size)

	// The parent store shows none of it before Commit.
	exists, err = store.ReferralExists(ref.GetHash())
	require.NoError(t, err)
	require.False(t, exists)
	_, ok, err = store.GetANV(ref.Address())
	require.NoError(t, err)
	require.False(t, ok)
	size, err = store.GetLotteryHeapSize()
	require.NoError(t, err)
	require.Zero(t, size)

	require.NoError(t, tx.Commit())

	// After Commit everything is durable in the same state the transaction
	// observed.
	exists, err = store.ReferralExists(ref.GetHash())
	require.NoError(t, err)
	require.True(t, exists)
	anv, ok, err = store.GetANV(ref.Address())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(42), anv.ANV)
	entrants, err := store.GetLotteryEntrants()
	require.NoError(t, err)
	require.Len(t, entrants, 1)
	require.Equal(t, ref.Address(), entrants[0].Address)
}

func TestBlockTxAbandonedLeavesStoreUntouched(t *testing.T) {
	store := newTestStore(t)
	base := newTestReferral(t, referral.ZeroAddress)
	require.NoError(t, store.InsertReferral(base))
	require.NoError(t, store.UpdateANV(base.AddressType(), base.Address(), 7))

	tx := store.Begin()
	undos := LotteryUndos{}
	extra := newTestReferral(t, base.Address())
	require.NoError(t, tx.InsertReferral(extra))
	require.NoError(t, tx.UpdateANV(base.AddressType(), base.Address(), 100))
	require.NoError(t, tx.AddAddressToLottery(extra.GetHash(), extra.AddressType(), nil, 5, &undos))
	// Dropped without Commit, as after a mid-block failure.

	exists, err := store.ReferralExists(extra.GetHash())
	require.NoError(t, err)
	require.False(t, exists)
	anv, _, err := store.GetANV(base.Address())
	require.NoError(t, err)
	require.Equal(t, int64(7), anv.ANV)
	size, err := store.GetLotteryHeapSize()
	require.NoError(t, err)
	require.Zero(t, size)
	children, err := store.GetChildren(base.Address())
	require.NoError(t, err)
	require.Empty(t, children)
}

func TestBlockTxScanSeesStagedRecords(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.UpdateANV(referral.KeyAddress, referral.Address{0x01}, 5))

	tx := store.Begin()
	require.NoError(t, tx.UpdateANV(referral.KeyAddress, referral.Address{0x02}, 9))

	all, err := tx.GetAllANVs()
	require.NoError(t, err)
	require.Len(t, all, 2)

	all, err = store.GetAllANVs()
	require.NoError(t, err)
	require.Len(t, all, 1)
}
