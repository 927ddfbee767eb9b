// Package params holds the consensus parameters consumed by the referral
// reward subsystem. Values are read-only to the core: every entry point takes
// them explicitly so there is no process-wide mutable configuration.
package params

import (
	"errors"
	"fmt"
)

// Params collects the externally configured consensus values for the
// proof-of-growth lottery and invite control loop.
type Params struct {
	// PogActivationHeight is the block height at which the invite lottery
	// activates. Before the first full measurement window after this
	// height, the invite lottery pays the fixed maximum.
	PogActivationHeight uint64

	// InviteBlockWindow is the number of blocks over which invite creation
	// and usage statistics are aggregated.
	InviteBlockWindow uint64

	// MaxInvitesPerBlock bounds the invite lottery winner count per block.
	MaxInvitesPerBlock int64

	// MaxReservoirSize bounds the ambassador lottery reservoir.
	MaxReservoirSize int

	// MinRewardableANV excludes addresses below this accumulated network
	// value from the ambassador reward snapshot.
	MinRewardableANV int64
}

// Validate ensures the parameter set is internally consistent.
func (p Params) Validate() error {
	if p.InviteBlockWindow == 0 {
		return errors.New("params: invite block window must be positive")
	}
	if p.MaxInvitesPerBlock < 0 {
		return fmt.Errorf("params: max invites per block must be non-negative, got %d", p.MaxInvitesPerBlock)
	}
	if p.MaxReservoirSize <= 0 {
		return fmt.Errorf("params: max reservoir size must be positive, got %d", p.MaxReservoirSize)
	}
	if p.MinRewardableANV < 0 {
		return fmt.Errorf("params: min rewardable ANV must be non-negative, got %d", p.MinRewardableANV)
	}
	return nil
}

// MainnetParams returns the production parameter set.
func MainnetParams() Params {
	return Params{
		PogActivationHeight: 13500,
		InviteBlockWindow:   2016,
		MaxInvitesPerBlock:  20,
		MaxReservoirSize:    10000,
		MinRewardableANV:    1,
	}
}

// TestParams returns a small parameter set convenient for unit tests.
func TestParams() Params {
	return Params{
		PogActivationHeight: 100,
		InviteBlockWindow:   10,
		MaxInvitesPerBlock:  10,
		MaxReservoirSize:    5,
		MinRewardableANV:    1,
	}
}
