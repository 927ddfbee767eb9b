package core

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"refchain/crypto"
	"refchain/params"
	"refchain/pog"
	"refchain/refdb"
	"refchain/referral"
	"refchain/storage"
)

func newTestEngine(t *testing.T) (*Engine, *refdb.ReferralStore) {
	t.Helper()
	store := refdb.NewReferralStore(storage.NewMemDB())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine, err := NewEngine(store, params.TestParams(), logger)
	require.NoError(t, err)
	return engine, store
}

func newChainReferral(t *testing.T, parent referral.Address) *referral.Referral {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	pub := key.PubKey()
	ref, err := referral.NewReferral(
		referral.KeyAddress,
		referral.Address(pub.AddressPayload()),
		parent,
		pub.CompressedBytes(),
		[]byte("sig"),
	)
	require.NoError(t, err)
	return ref
}

func TestNewEngineValidation(t *testing.T) {
	store := refdb.NewReferralStore(storage.NewMemDB())

	_, err := NewEngine(nil, params.TestParams(), nil)
	require.Error(t, err)

	bad := params.TestParams()
	bad.InviteBlockWindow = 0
	_, err = NewEngine(store, bad, nil)
	require.Error(t, err)

	engine, err := NewEngine(store, params.TestParams(), nil)
	require.NoError(t, err)
	require.NotNil(t, engine)
}

func TestConnectReferralsPropagatesANV(t *testing.T) {
	engine, store := newTestEngine(t)

	root := newChainReferral(t, referral.ZeroAddress)
	child := newChainReferral(t, root.Address())
	grandchild := newChainReferral(t, child.Address())

	undos, err := engine.ConnectReferrals(1, []ReferralContribution{
		{Referral: root, Value: 10},
		{Referral: child, Value: 20},
		{Referral: grandchild, Value: 30},
	})
	require.NoError(t, err)
	require.NotEmpty(t, undos)

	// Every ancestor accumulates the value of its whole subtree.
	anv, _, err := store.GetANV(root.Address())
	require.NoError(t, err)
	require.Equal(t, int64(60), anv.ANV)
	anv, _, err = store.GetANV(child.Address())
	require.NoError(t, err)
	require.Equal(t, int64(50), anv.ANV)
	anv, _, err = store.GetANV(grandchild.Address())
	require.NoError(t, err)
	require.Equal(t, int64(30), anv.ANV)

	// All three addresses entered the reservoir, each exactly once.
	entrants, err := engine.LotteryWinners()
	require.NoError(t, err)
	require.Len(t, entrants, 3)
	seen := map[referral.Address]bool{}
	for _, e := range entrants {
		require.False(t, seen[e.Address])
		seen[e.Address] = true
	}
	require.True(t, seen[root.Address()])
	require.True(t, seen[child.Address()])
	require.True(t, seen[grandchild.Address()])
}

func TestConnectThenDisconnectRoundTrip(t *testing.T) {
	engine, store := newTestEngine(t)

	root := newChainReferral(t, referral.ZeroAddress)
	require.NoError(t, store.InsertReferral(root))
	rootUndos := refdb.LotteryUndos{}
	require.NoError(t, store.UpdateANV(root.AddressType(), root.Address(), 100))
	require.NoError(t, store.AddAddressToLottery(root.GetHash(), root.AddressType(), nil, params.TestParams().MaxReservoirSize, &rootUndos))

	baseline, err := engine.LotteryWinners()
	require.NoError(t, err)

	block := []ReferralContribution{
		{Referral: newChainReferral(t, root.Address()), Value: 25},
		{Referral: newChainReferral(t, root.Address()), Value: 35},
	}
	undos, err := engine.ConnectReferrals(2, block)
	require.NoError(t, err)

	anv, _, err := store.GetANV(root.Address())
	require.NoError(t, err)
	require.Equal(t, int64(160), anv.ANV)

	require.NoError(t, engine.DisconnectReferrals(2, block, undos))

	// The forest, ANV table, and reservoir all return to their pre-block
	// state, heap layout included.
	anv, _, err = store.GetANV(root.Address())
	require.NoError(t, err)
	require.Equal(t, int64(100), anv.ANV)

	for _, rc := range block {
		exists, err := store.ReferralExists(rc.Referral.GetHash())
		require.NoError(t, err)
		require.False(t, exists)
		anv, _, err := store.GetANV(rc.Referral.Address())
		require.NoError(t, err)
		require.Zero(t, anv.ANV)
	}

	restored, err := engine.LotteryWinners()
	require.NoError(t, err)
	require.Equal(t, baseline, restored)
}

func TestConnectReferralsRekeysAncestors(t *testing.T) {
	engine, _ := newTestEngine(t)

	root := newChainReferral(t, referral.ZeroAddress)
	_, err := engine.ConnectReferrals(1, []ReferralContribution{{Referral: root, Value: 5}})
	require.NoError(t, err)

	before, err := engine.LotteryWinners()
	require.NoError(t, err)
	var rootKey pog.WeightedKey
	for _, e := range before {
		if e.Address == root.Address() {
			rootKey = e.Key
		}
	}

	child := newChainReferral(t, root.Address())
	_, err = engine.ConnectReferrals(2, []ReferralContribution{{Referral: child, Value: 40}})
	require.NoError(t, err)

	after, err := engine.LotteryWinners()
	require.NoError(t, err)
	found := false
	for _, e := range after {
		if e.Address == root.Address() {
			found = true
			require.NotEqual(t, rootKey, e.Key, "ancestor key must follow its ANV")
		}
	}
	require.True(t, found)
}

func TestConnectReferralsFailureLeavesNoPartialState(t *testing.T) {
	engine, store := newTestEngine(t)

	root := newChainReferral(t, referral.ZeroAddress)
	// The duplicate makes the second insert fail mid-block; the work already
	// staged for the first copy must not become visible.
	undos, err := engine.ConnectReferrals(1, []ReferralContribution{
		{Referral: root, Value: 10},
		{Referral: root, Value: 10},
	})
	require.Error(t, err)
	require.Nil(t, undos)

	exists, err := store.ReferralExists(root.GetHash())
	require.NoError(t, err)
	require.False(t, exists)
	_, ok, err := store.GetANV(root.Address())
	require.NoError(t, err)
	require.False(t, ok)
	size, err := store.GetLotteryHeapSize()
	require.NoError(t, err)
	require.Zero(t, size)

	// The block connects cleanly once the bad referral is gone.
	_, err = engine.ConnectReferrals(1, []ReferralContribution{{Referral: root, Value: 10}})
	require.NoError(t, err)
}

func TestConnectReferralsRejectsOrphan(t *testing.T) {
	engine, _ := newTestEngine(t)
	orphan := newChainReferral(t, referral.Address{0xBA, 0xD0})

	_, err := engine.ConnectReferrals(1, []ReferralContribution{{Referral: orphan, Value: 1}})
	require.Error(t, err)
}

func TestBlockRewardsUsesRewardableSnapshot(t *testing.T) {
	engine, store := newTestEngine(t)

	require.NoError(t, store.UpdateANV(referral.KeyAddress, referral.Address{0x01}, 0))
	require.NoError(t, store.UpdateANV(referral.KeyAddress, referral.Address{0x02}, 1))
	require.NoError(t, store.UpdateANV(referral.KeyAddress, referral.Address{0x03}, 3))

	lottery, err := engine.BlockRewards(50, 400)
	require.NoError(t, err)

	var distributed int64
	for _, w := range lottery.Winners {
		require.NotEqual(t, referral.Address{0x01}, w.Address, "zero-ANV address must not be rewarded")
		distributed += w.Amount
	}
	require.Equal(t, int64(400), distributed+lottery.Remainder)
}

func TestInviteRewardsTruncatesToWinnerCount(t *testing.T) {
	engine, _ := newTestEngine(t)
	consensus := params.TestParams()
	height := consensus.PogActivationHeight + 2*consensus.InviteBlockWindow

	confirmed := make([]referral.ConfirmedAddress, 8)
	for i := range confirmed {
		confirmed[i] = referral.ConfirmedAddress{
			AddressType: referral.KeyAddress,
			Address:     referral.Address{byte(i + 1)},
		}
	}

	// Half velocity allows only half the maximum winners.
	stats := pog.InviteLotteryParams{InvitesCreated: 100, InvitesUsed: 50, Blocks: 10}
	rewards, err := engine.InviteRewards(height, stats, confirmed)
	require.NoError(t, err)
	require.Len(t, rewards, int(consensus.MaxInvitesPerBlock/2))
	for i, reward := range rewards {
		require.Equal(t, confirmed[i].Address, reward.Address)
		require.Equal(t, int64(1), reward.Invites)
	}

	// Fewer confirmed winners than the allowance keeps them all.
	rewards, err = engine.InviteRewards(height, stats, confirmed[:2])
	require.NoError(t, err)
	require.Len(t, rewards, 2)
}
