// Package core drives the referral incentive subsystem during block
// processing: applying a block's referrals to the store and lottery on
// connection, unwinding them exactly on disconnection, and assembling the
// reward-bearing outputs for a block under construction.
package core

import (
	"fmt"
	"log/slog"

	"refchain/observability/metrics"
	"refchain/params"
	"refchain/pog"
	"refchain/refdb"
	"refchain/referral"
)

// ReferralContribution pairs a connecting referral with the network value
// its block contributes to the beaconed address.
type ReferralContribution struct {
	Referral *referral.Referral
	Value    int64
}

// Engine wires the referral store, consensus parameters, and observability
// into the connect/disconnect/assemble entry points. Connect and disconnect
// are serialized by the chain: only one may be in flight at a time.
type Engine struct {
	store     *refdb.ReferralStore
	consensus params.Params
	log       *slog.Logger
	metrics   *metrics.PogMetrics
}

// NewEngine validates the consensus parameters and builds an engine.
func NewEngine(store *refdb.ReferralStore, consensus params.Params, log *slog.Logger) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("core: referral store required")
	}
	if err := consensus.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store:     store,
		consensus: consensus,
		log:       log,
		metrics:   metrics.Pog(),
	}, nil
}

// ConnectReferrals applies a block's referrals in order: each referral is
// inserted into the forest, its contribution is propagated up the ancestor
// chain as ANV deltas, and the lottery runs one weighted-reservoir step for
// the new address plus a re-key for every ancestor already holding a slot.
// The returned undo stack captures every lottery mutation; the caller must
// retain it until the block leaves the reorg window.
//
// The whole block stages in one store transaction and commits as a single
// atomic batch. On error nothing has been applied and the returned undos are
// nil; a crash mid-connection leaves the store at the previous block.
func (e *Engine) ConnectReferrals(height uint64, refs []ReferralContribution) (refdb.LotteryUndos, error) {
	tx := e.store.Begin()
	undos := make(refdb.LotteryUndos, 0, len(refs))
	for _, rc := range refs {
		if rc.Referral == nil {
			return nil, fmt.Errorf("core: nil referral at height %d", height)
		}
		if err := tx.InsertReferral(rc.Referral); err != nil {
			return nil, err
		}
		if err := e.applyContribution(tx, rc, &undos); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	inserted, replaced := countUndos(undos)
	e.metrics.RecordConnect(len(refs), inserted, replaced)
	if size, err := e.store.GetLotteryHeapSize(); err == nil {
		e.metrics.SetHeapSize(size)
	}
	e.log.Info("connected referrals",
		"height", height,
		"referrals", len(refs),
		"lottery_mutations", len(undos))
	return undos, nil
}

// applyContribution walks from the beaconed address to the root, adding the
// contribution to each ancestor's ANV. The beaconed address always takes its
// weighted-reservoir turn; ancestors whose ANV moved are re-keyed only if
// they already occupy a slot.
func (e *Engine) applyContribution(tx *refdb.BlockTx, rc ReferralContribution, undos *refdb.LotteryUndos) error {
	ref := rc.Referral
	hash := ref.GetHash()
	cur := ref.Address()
	curType := ref.AddressType()

	for {
		if err := tx.UpdateANV(curType, cur, rc.Value); err != nil {
			return err
		}
		if cur == ref.Address() {
			if err := tx.AddAddressToLottery(hash, curType, nil, e.consensus.MaxReservoirSize, undos); err != nil {
				return err
			}
		} else if rc.Value != 0 {
			_, entrant, err := tx.FindLotteryPos(cur)
			if err != nil {
				return err
			}
			if entrant {
				rekey := cur
				if err := tx.AddAddressToLottery(hash, curType, &rekey, e.consensus.MaxReservoirSize, undos); err != nil {
					return err
				}
			}
		}

		parentType, parent, ok, err := tx.GetReferrer(cur)
		if err != nil {
			return err
		}
		if !ok || parent.IsZero() {
			return nil
		}
		cur = parent
		curType = parentType
	}
}

// DisconnectReferrals unwinds a block in the exact reverse order of its
// connection: the lottery undo stack is replayed back to front, then each
// referral's ANV deltas are negated up the ancestor chain and the referral
// is removed, leaves first. Like connection, the whole unwind stages in one
// store transaction and commits atomically.
func (e *Engine) DisconnectReferrals(height uint64, refs []ReferralContribution, undos refdb.LotteryUndos) error {
	tx := e.store.Begin()
	for i := len(undos) - 1; i >= 0; i-- {
		if err := tx.UndoLotteryEntrant(undos[i]); err != nil {
			return err
		}
	}
	for i := len(refs) - 1; i >= 0; i-- {
		rc := refs[i]
		if rc.Referral == nil {
			return fmt.Errorf("core: nil referral at height %d", height)
		}
		if err := e.reverseContribution(tx, rc); err != nil {
			return err
		}
		if err := tx.RemoveReferral(rc.Referral); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	e.metrics.RecordDisconnect(len(refs), len(undos))
	if size, err := e.store.GetLotteryHeapSize(); err == nil {
		e.metrics.SetHeapSize(size)
	}
	e.log.Info("disconnected referrals",
		"height", height,
		"referrals", len(refs),
		"undos_replayed", len(undos))
	return nil
}

func (e *Engine) reverseContribution(tx *refdb.BlockTx, rc ReferralContribution) error {
	ref := rc.Referral
	cur := ref.Address()
	curType := ref.AddressType()
	for {
		if err := tx.UpdateANV(curType, cur, -rc.Value); err != nil {
			return err
		}
		parentType, parent, ok, err := tx.GetReferrer(cur)
		if err != nil {
			return err
		}
		if !ok || parent.IsZero() {
			return nil
		}
		cur = parent
		curType = parentType
	}
}

// BlockRewards computes the ambassador payouts for the block under
// construction from the rewardable ANV snapshot.
func (e *Engine) BlockRewards(height uint64, totalReward int64) (pog.AmbassadorLottery, error) {
	winners, err := e.store.GetAllRewardableANVs(e.consensus.MinRewardableANV)
	if err != nil {
		return pog.AmbassadorLottery{}, err
	}
	lottery, err := pog.RewardAmbassadors(height, winners, totalReward)
	if err != nil {
		return pog.AmbassadorLottery{}, err
	}
	e.metrics.SetRewardRemainder(lottery.Remainder)
	return lottery, nil
}

// LotteryWinners enumerates the current reservoir occupants for block
// assembly.
func (e *Engine) LotteryWinners() ([]refdb.LotteryEntrant, error) {
	return e.store.GetLotteryEntrants()
}

// InviteRewards derives the block's invite winner count from the window
// statistics and grants one invite to each confirmed winner, truncating the
// confirmed list if the control loop allows fewer winners than offered.
func (e *Engine) InviteRewards(height uint64, stats pog.InviteLotteryParams, confirmed []referral.ConfirmedAddress) (pog.InviteRewards, error) {
	count, err := pog.ComputeTotalInviteLotteryWinners(height, stats, e.consensus)
	if err != nil {
		return nil, err
	}
	if int64(len(confirmed)) > count {
		confirmed = confirmed[:count]
	}
	return pog.RewardInvites(confirmed), nil
}

func countUndos(undos refdb.LotteryUndos) (inserted, replaced int) {
	for _, u := range undos {
		switch u.Action {
		case refdb.UndoInserted:
			inserted++
		case refdb.UndoReplaced:
			replaced++
		}
	}
	return inserted, replaced
}
