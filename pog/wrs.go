// Package pog implements the proof-of-growth incentive engine: the weighted
// key generator behind the ambassador lottery reservoir, the ambassador
// reward split, and the invite lottery control loop.
package pog

import (
	"bytes"

	"github.com/holiman/uint256"
	"lukechampine.com/blake3"

	"refchain/referral"
)

// WeightedKey is the comparable pseudo-random key deciding reservoir
// membership. Keys are 256-bit big-endian values: the reservoir evicts the
// minimum, so a larger key means a better chance of surviving.
type WeightedKey [32]byte

// Cmp compares two keys as unsigned 256-bit integers.
func (k WeightedKey) Cmp(other WeightedKey) int {
	return bytes.Compare(k[:], other[:])
}

func (k WeightedKey) Bytes() []byte {
	return k[:]
}

// KeyGenerator derives weighted keys from a chain-state seed. The seed must
// be identical on every validating node for the same chain state (for
// example the connecting block's hash); key generation is consensus-critical
// and fully deterministic.
type KeyGenerator struct {
	seed [32]byte
}

// NewKeyGenerator builds a generator over the given chain-derived seed.
func NewKeyGenerator(seed [32]byte) *KeyGenerator {
	return &KeyGenerator{seed: seed}
}

// Key derives the weighted key for an address with the given accumulated
// network value.
//
// A keyed BLAKE3 hash of the address yields a uniform 64-bit draw u, which is
// scaled by (anv + 1) in 256-bit arithmetic. The expected key grows linearly
// with ANV, so across many draws the minimum of the reservoir is held by
// low-ANV entrants far more often, which is exactly the eviction bias the
// weighted reservoir needs. The +1 keeps a zero-ANV address on a valid,
// comparable key instead of collapsing every such address to zero.
//
// The arithmetic is pure-integer so the result is bit-identical on every
// platform; there is no floating-point intermediate.
func (g *KeyGenerator) Key(anv int64, addr referral.Address) WeightedKey {
	h := blake3.New(32, g.seed[:])
	h.Write(addr[:])
	digest := h.Sum(nil)

	// Negative ANV never reaches the lottery; treat it as zero weight.
	weight := uint64(1)
	if anv > 0 {
		weight = uint64(anv) + 1
	}
	u := uint256.NewInt(0).SetBytes(digest[:8])
	product := uint256.NewInt(0).Mul(u, uint256.NewInt(weight))
	return WeightedKey(product.Bytes32())
}

// EntrantLess fixes the total order used by the lottery heap: keys first,
// address bytes as the tiebreak so two entrants never compare equal.
func EntrantLess(aKey WeightedKey, aAddr referral.Address, bKey WeightedKey, bAddr referral.Address) bool {
	if c := aKey.Cmp(bKey); c != 0 {
		return c < 0
	}
	return bytes.Compare(aAddr[:], bAddr[:]) < 0
}
