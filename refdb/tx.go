package refdb

import "refchain/storage"

// BlockTx stages an entire block's worth of store mutations: referral
// inserts and removals, ANV deltas, and lottery reservoir steps all land in
// one overlay and hit the database as a single atomic batch on Commit. A
// crash before Commit leaves the store at the previous block's state; a
// half-connected block can never be observed.
//
// The embedded store view reads through the overlay, so mutations staged
// earlier in the block are visible to later ones. Readers of the parent
// store keep seeing the pre-block state until Commit.
type BlockTx struct {
	ReferralStore
	overlay *storage.Overlay
}

// Begin opens a block transaction over the store.
func (s *ReferralStore) Begin() *BlockTx {
	overlay := storage.NewOverlay(s.db)
	return &BlockTx{
		ReferralStore: ReferralStore{db: overlay},
		overlay:       overlay,
	}
}

// Commit flushes the staged block to the database in one atomic batch.
func (tx *BlockTx) Commit() error {
	return tx.overlay.Commit()
}
