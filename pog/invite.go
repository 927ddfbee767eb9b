package pog

import (
	"fmt"

	"refchain/params"
	"refchain/referral"
)

// InviteLotteryParams aggregates invite activity over a measurement window.
// Pure statistics recomputed from chain history; nothing here is persisted
// independently of what the chain already encodes.
type InviteLotteryParams struct {
	InvitesCreated int64
	InvitesUsed    int64
	Blocks         int64
	MeanUsed       float64
}

// ComputeUsedInviteMean returns the mean number of invites consumed per block
// over the window. Diagnostic value; the winner count below uses only the
// integer statistics.
func ComputeUsedInviteMean(lottery InviteLotteryParams) float64 {
	if lottery.Blocks <= 0 {
		return 0
	}
	return float64(lottery.InvitesUsed) / float64(lottery.Blocks)
}

// ComputeTotalInviteLotteryWinners decides how many invite lottery winners
// the block at the given height gets.
//
// Before the first full measurement window after activation the count is
// pinned to the configured maximum to bootstrap the network. After that the
// count follows invite velocity, the capped percentage of created invites
// that are actually being consumed, which throttles issuance while a large
// unused backlog exists and approaches the maximum as the backlog drains.
func ComputeTotalInviteLotteryWinners(height uint64, lottery InviteLotteryParams, consensus params.Params) (int64, error) {
	if lottery.InvitesUsed < 0 || lottery.InvitesCreated < 0 {
		return 0, fmt.Errorf("pog: invite stats must be non-negative, got created=%d used=%d",
			lottery.InvitesCreated, lottery.InvitesUsed)
	}

	var period uint64
	if height > consensus.PogActivationHeight {
		period = (height - consensus.PogActivationHeight) / consensus.InviteBlockWindow
	}
	if period < 1 {
		return consensus.MaxInvitesPerBlock, nil
	}

	if lottery.InvitesUsed == 0 {
		// With nothing consumed there is a risk that whoever would use an
		// invite is starved while idle holders accumulate more. Seed exactly
		// one invite when none exist, and stop minting while a backlog sits
		// unused.
		if lottery.InvitesCreated == 0 {
			return 1, nil
		}
		return 0, nil
	}

	scaledUsed := lottery.InvitesUsed * 100
	velocity := int64(100)
	if lottery.InvitesCreated > 0 {
		velocity = scaledUsed / lottery.InvitesCreated
		if velocity > 100 {
			velocity = 100
		}
	}

	total := (consensus.MaxInvitesPerBlock * velocity) / 100
	if total < 0 || total > consensus.MaxInvitesPerBlock {
		return 0, fmt.Errorf("pog: invite winner count %d outside [0, %d]", total, consensus.MaxInvitesPerBlock)
	}
	return total, nil
}

// InviteReward grants invite quota to a confirmed winner.
type InviteReward struct {
	AddressType referral.AddressType
	Address     referral.Address
	Invites     int64
}

// InviteRewards is the per-block list of invite grants.
type InviteRewards []InviteReward

const invitesPerWinner = 1

// RewardInvites assigns exactly one invite to each confirmed winner,
// preserving input order and count.
func RewardInvites(winners []referral.ConfirmedAddress) InviteRewards {
	rewards := make(InviteRewards, len(winners))
	for i, winner := range winners {
		rewards[i] = InviteReward{
			AddressType: winner.AddressType,
			Address:     winner.Address,
			Invites:     invitesPerWinner,
		}
	}
	return rewards
}
