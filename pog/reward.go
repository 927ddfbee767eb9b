package pog

import (
	"fmt"

	"refchain/referral"
)

// anvPrecisionUpgradeHeight is the block height at which the fixed-point
// precision of the ambassador reward split steps from 100 to 1000. One-time
// protocol parameter; reducing rounding error as the network matured.
const anvPrecisionUpgradeHeight = 16000

// AmbassadorReward is a single computed payout. Output value only; rewards
// are produced fresh per block and embedded into the coinbase, never
// persisted here.
type AmbassadorReward struct {
	AddressType referral.AddressType
	Address     referral.Address
	Amount      int64
}

// Rewards is the per-block list of ambassador payouts.
type Rewards []AmbassadorReward

// AmbassadorLottery is the outcome of a reward split: the surviving payouts
// plus whatever the fixed-point truncation left unassigned. The remainder is
// returned rather than discarded so the caller can route it onward.
type AmbassadorLottery struct {
	Winners   Rewards
	Remainder int64
}

// RewardAmbassadors splits totalReward across the winners in proportion to
// their share of the summed accumulated network value.
//
// The split is computed in pure integer fixed-point arithmetic:
//
//	percent = anv * precision / totalANV
//	reward  = totalReward * percent / precision
//
// so two nodes always derive bit-identical payouts. Winners whose share
// truncates to zero are dropped. When every winner carries zero ANV the whole
// budget becomes remainder.
func RewardAmbassadors(height uint64, winners []referral.AddressANV, totalReward int64) (AmbassadorLottery, error) {
	if totalReward < 0 {
		return AmbassadorLottery{}, fmt.Errorf("pog: total reward must be non-negative, got %d", totalReward)
	}

	precision := int64(100)
	if height >= anvPrecisionUpgradeHeight {
		precision = 1000
	}

	var totalANV int64
	for _, w := range winners {
		if w.ANV < 0 {
			return AmbassadorLottery{}, fmt.Errorf("pog: negative ANV %d for %s", w.ANV, w.Address)
		}
		totalANV += w.ANV
	}
	if totalANV == 0 {
		return AmbassadorLottery{Winners: Rewards{}, Remainder: totalReward}, nil
	}

	filtered := make(Rewards, 0, len(winners))
	var totalRewarded int64
	for _, w := range winners {
		percent := (w.ANV * precision) / totalANV
		reward := (totalReward * percent) / precision
		if reward > totalReward {
			return AmbassadorLottery{}, fmt.Errorf("pog: reward %d exceeds total %d for %s", reward, totalReward, w.Address)
		}
		if reward <= 0 {
			continue
		}
		filtered = append(filtered, AmbassadorReward{
			AddressType: w.AddressType,
			Address:     w.Address,
			Amount:      reward,
		})
		totalRewarded += reward
	}

	if totalRewarded < 0 || totalRewarded > totalReward {
		return AmbassadorLottery{}, fmt.Errorf("pog: distributed %d out of budget %d", totalRewarded, totalReward)
	}
	remainder := totalReward - totalRewarded
	return AmbassadorLottery{Winners: filtered, Remainder: remainder}, nil
}
