package refdb

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	"refchain/pog"
	"refchain/referral"
	"refchain/storage"
)

// LotteryEntrant is one occupant of the bounded reservoir: its weighted key,
// the address kind, and the address itself. At most one entrant per address
// exists at a time.
type LotteryEntrant struct {
	Key         pog.WeightedKey
	AddressType referral.AddressType
	Address     referral.Address
}

type storedEntrant struct {
	Key         [32]byte
	AddressType byte
	Address     [20]byte
}

// LotteryUndoAction tags what a lottery mutation did, so disconnection can
// apply the exact inverse.
type LotteryUndoAction byte

const (
	// UndoInserted marks a fresh insert that displaced nothing.
	UndoInserted LotteryUndoAction = 1
	// UndoReplaced marks an entrant displaced in place, either the evicted
	// minimum or a re-keyed address replacing itself.
	UndoReplaced LotteryUndoAction = 2
	// UndoRemoved marks a point removal with no replacement.
	UndoRemoved LotteryUndoAction = 3
)

// LotteryUndo is the minimal record needed to invert one lottery mutation.
// Records form a stack per block: replaying them in strict reverse order
// restores the reservoir to its exact pre-block state, heap layout included.
type LotteryUndo struct {
	Action              LotteryUndoAction
	ReplacedKey         pog.WeightedKey
	ReplacedAddressType referral.AddressType
	ReplacedAddress     referral.Address
	ReplacedWith        referral.Address
}

// LotteryUndos is a block's undo stack, appended in mutation order.
type LotteryUndos []LotteryUndo

// GetLotteryHeapSize returns the current number of reservoir occupants.
func (s *ReferralStore) GetLotteryHeapSize() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx := s.newHeapTx()
	return tx.heapSize()
}

// GetMinLotteryEntrant peeks the minimum-key entrant without mutating.
func (s *ReferralStore) GetMinLotteryEntrant() (LotteryEntrant, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx := s.newHeapTx()
	size, err := tx.heapSize()
	if err != nil || size == 0 {
		return LotteryEntrant{}, false, err
	}
	min, err := tx.entrant(0)
	if err != nil {
		return LotteryEntrant{}, false, err
	}
	return min, true, nil
}

// GetLotteryEntrants returns the reservoir in heap-array order; used by block
// assembly to enumerate winners and by tests to check structural equality.
func (s *ReferralStore) GetLotteryEntrants() ([]LotteryEntrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx := s.newHeapTx()
	size, err := tx.heapSize()
	if err != nil {
		return nil, err
	}
	entrants := make([]LotteryEntrant, 0, size)
	for i := uint64(0); i < size; i++ {
		e, err := tx.entrant(i)
		if err != nil {
			return nil, err
		}
		entrants = append(entrants, e)
	}
	return entrants, nil
}

// FindLotteryPos reports the heap position of an address, if it is an
// entrant.
func (s *ReferralStore) FindLotteryPos(addr referral.Address) (uint64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx := s.newHeapTx()
	return tx.position(addr)
}

// AddAddressToLottery runs one weighted-reservoir step for the referral
// identified by hash. The weighted key is derived from the address's current
// ANV, seeded by the referral hash so every node draws the same key.
//
// When maybeReplaces is set, that address may already occupy a slot (its ANV
// changed and it is being re-keyed); it is then replaced in place as a single
// atomic step. Otherwise the entrant is inserted directly while the reservoir
// is under maxReservoirSize, or it challenges the current minimum: a larger
// key evicts the minimum, a smaller one leaves the reservoir untouched with
// no undo entry.
//
// Every mutation appends its undo record to undos and commits the heap array,
// the position index, and the size counter in one atomic batch.
func (s *ReferralStore) AddAddressToLottery(
	hash referral.Hash,
	addrType referral.AddressType,
	maybeReplaces *referral.Address,
	maxReservoirSize int,
	undos *LotteryUndos,
) error {
	if maxReservoirSize <= 0 {
		return fmt.Errorf("%w: reservoir size %d", ErrInvariant, maxReservoirSize)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	target, err := s.lotteryTarget(hash, maybeReplaces)
	if err != nil {
		return err
	}
	anv, _, err := s.loadANV(target)
	if err != nil {
		return err
	}
	gen := pog.NewKeyGenerator([32]byte(hash))
	entrant := LotteryEntrant{
		Key:         gen.Key(anv.ANV, target),
		AddressType: addrType,
		Address:     target,
	}

	tx := s.newHeapTx()
	pos, present, err := tx.position(target)
	if err != nil {
		return err
	}

	switch {
	case present:
		if maybeReplaces == nil || *maybeReplaces != target {
			return fmt.Errorf("%w: address %s already in lottery", ErrInvariant, target)
		}
		old, err := tx.entrant(pos)
		if err != nil {
			return err
		}
		if err := tx.replaceAt(pos, entrant); err != nil {
			return err
		}
		if err := tx.commit(); err != nil {
			return err
		}
		*undos = append(*undos, LotteryUndo{
			Action:              UndoReplaced,
			ReplacedKey:         old.Key,
			ReplacedAddressType: old.AddressType,
			ReplacedAddress:     old.Address,
			ReplacedWith:        target,
		})
		return nil

	default:
		size, err := tx.heapSize()
		if err != nil {
			return err
		}
		if size < uint64(maxReservoirSize) {
			if err := tx.insert(entrant); err != nil {
				return err
			}
			if err := tx.commit(); err != nil {
				return err
			}
			*undos = append(*undos, LotteryUndo{
				Action:       UndoInserted,
				ReplacedWith: target,
			})
			return nil
		}

		min, err := tx.entrant(0)
		if err != nil {
			return err
		}
		if !pog.EntrantLess(min.Key, min.Address, entrant.Key, entrant.Address) {
			// The challenger loses; the reservoir is unchanged and no undo
			// entry is needed.
			return nil
		}
		if err := tx.replaceAt(0, entrant); err != nil {
			return err
		}
		if err := tx.commit(); err != nil {
			return err
		}
		*undos = append(*undos, LotteryUndo{
			Action:              UndoReplaced,
			ReplacedKey:         min.Key,
			ReplacedAddressType: min.AddressType,
			ReplacedAddress:     min.Address,
			ReplacedWith:        target,
		})
		return nil
	}
}

func (s *ReferralStore) lotteryTarget(hash referral.Hash, maybeReplaces *referral.Address) (referral.Address, error) {
	if maybeReplaces != nil {
		return *maybeReplaces, nil
	}
	ref, ok, err := s.getReferral(hash)
	if err != nil {
		return referral.ZeroAddress, err
	}
	if !ok {
		return referral.ZeroAddress, fmt.Errorf("refdb: referral %s not found for lottery", hash)
	}
	return ref.Address(), nil
}

// PopMinFromLotteryHeap removes and returns the minimum entrant.
func (s *ReferralStore) PopMinFromLotteryHeap() (LotteryEntrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := s.newHeapTx()
	size, err := tx.heapSize()
	if err != nil {
		return LotteryEntrant{}, err
	}
	if size == 0 {
		return LotteryEntrant{}, fmt.Errorf("%w: pop from empty lottery heap", ErrInvariant)
	}
	min, err := tx.entrant(0)
	if err != nil {
		return LotteryEntrant{}, err
	}
	if err := tx.removeAt(0); err != nil {
		return LotteryEntrant{}, err
	}
	if err := tx.commit(); err != nil {
		return LotteryEntrant{}, err
	}
	return min, nil
}

// RemoveFromLottery evicts an address from the reservoir, recording a
// point-removal undo entry.
func (s *ReferralStore) RemoveFromLottery(addr referral.Address, undos *LotteryUndos) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := s.newHeapTx()
	pos, ok, err := tx.position(addr)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("refdb: address %s not in lottery", addr)
	}
	removed, err := tx.entrant(pos)
	if err != nil {
		return err
	}
	if err := tx.removeAt(pos); err != nil {
		return err
	}
	if err := tx.commit(); err != nil {
		return err
	}
	*undos = append(*undos, LotteryUndo{
		Action:              UndoRemoved,
		ReplacedKey:         removed.Key,
		ReplacedAddressType: removed.AddressType,
		ReplacedAddress:     removed.Address,
	})
	return nil
}

// UndoLotteryEntrant applies the exact inverse of the mutation that produced
// the record. Undo records must be replayed in strict reverse order of their
// creation; out-of-order replay corrupts the reservoir and is reported as an
// invariant violation where detectable.
func (s *ReferralStore) UndoLotteryEntrant(undo LotteryUndo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := s.newHeapTx()

	switch undo.Action {
	case UndoInserted:
		pos, ok, err := tx.position(undo.ReplacedWith)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: undo insert: %s not in lottery", ErrInvariant, undo.ReplacedWith)
		}
		if err := tx.removeAt(pos); err != nil {
			return err
		}

	case UndoReplaced:
		pos, ok, err := tx.position(undo.ReplacedWith)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: undo replace: %s not in lottery", ErrInvariant, undo.ReplacedWith)
		}
		restored := LotteryEntrant{
			Key:         undo.ReplacedKey,
			AddressType: undo.ReplacedAddressType,
			Address:     undo.ReplacedAddress,
		}
		if err := tx.replaceAt(pos, restored); err != nil {
			return err
		}

	case UndoRemoved:
		restored := LotteryEntrant{
			Key:         undo.ReplacedKey,
			AddressType: undo.ReplacedAddressType,
			Address:     undo.ReplacedAddress,
		}
		if err := tx.insert(restored); err != nil {
			return err
		}

	default:
		return fmt.Errorf("%w: unknown lottery undo action %d", ErrInvariant, undo.Action)
	}
	return tx.commit()
}

// --- persisted heap transaction ---

// heapTx is an in-memory overlay over the persisted heap. Reads go through a
// cache, writes are staged, and commit flushes everything in one atomic
// batch so the heap array, the position index, and the size counter can
// never desynchronize on crash.
type heapTx struct {
	db storage.Database

	entrants     map[uint64]LotteryEntrant
	entrantDirty map[uint64]bool
	entrantGone  map[uint64]bool

	positions map[referral.Address]uint64
	posKnown  map[referral.Address]bool
	posDirty  map[referral.Address]bool
	posGone   map[referral.Address]bool

	size       uint64
	sizeLoaded bool
	sizeDirty  bool
}

func (s *ReferralStore) newHeapTx() *heapTx {
	return &heapTx{
		db:           s.db,
		entrants:     make(map[uint64]LotteryEntrant),
		entrantDirty: make(map[uint64]bool),
		entrantGone:  make(map[uint64]bool),
		positions:    make(map[referral.Address]uint64),
		posKnown:     make(map[referral.Address]bool),
		posDirty:     make(map[referral.Address]bool),
		posGone:      make(map[referral.Address]bool),
	}
}

func (tx *heapTx) heapSize() (uint64, error) {
	if tx.sizeLoaded {
		return tx.size, nil
	}
	data, err := tx.db.Get(heapSizeKey)
	if errors.Is(err, storage.ErrNotFound) {
		tx.size = 0
		tx.sizeLoaded = true
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("refdb: load lottery size: %w", err)
	}
	var size uint64
	if err := rlp.DecodeBytes(data, &size); err != nil {
		return 0, fmt.Errorf("refdb: decode lottery size: %w", err)
	}
	tx.size = size
	tx.sizeLoaded = true
	return size, nil
}

func (tx *heapTx) setSize(size uint64) {
	tx.size = size
	tx.sizeLoaded = true
	tx.sizeDirty = true
}

func (tx *heapTx) entrant(index uint64) (LotteryEntrant, error) {
	if tx.entrantGone[index] {
		return LotteryEntrant{}, fmt.Errorf("%w: lottery heap index %d deleted", ErrInvariant, index)
	}
	if e, ok := tx.entrants[index]; ok {
		return e, nil
	}
	data, err := tx.db.Get(heapEntryKey(index))
	if errors.Is(err, storage.ErrNotFound) {
		return LotteryEntrant{}, fmt.Errorf("%w: lottery heap index %d missing", ErrInvariant, index)
	}
	if err != nil {
		return LotteryEntrant{}, fmt.Errorf("refdb: load lottery entrant %d: %w", index, err)
	}
	var stored storedEntrant
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return LotteryEntrant{}, fmt.Errorf("refdb: decode lottery entrant %d: %w", index, err)
	}
	e := LotteryEntrant{
		Key:         pog.WeightedKey(stored.Key),
		AddressType: referral.AddressType(stored.AddressType),
		Address:     referral.Address(stored.Address),
	}
	tx.entrants[index] = e
	return e, nil
}

func (tx *heapTx) setEntrant(index uint64, e LotteryEntrant) {
	tx.entrants[index] = e
	tx.entrantDirty[index] = true
	delete(tx.entrantGone, index)
}

func (tx *heapTx) deleteEntrant(index uint64) {
	delete(tx.entrants, index)
	delete(tx.entrantDirty, index)
	tx.entrantGone[index] = true
}

func (tx *heapTx) position(addr referral.Address) (uint64, bool, error) {
	if tx.posGone[addr] {
		return 0, false, nil
	}
	if tx.posKnown[addr] {
		return tx.positions[addr], true, nil
	}
	data, err := tx.db.Get(heapPosKey(addr))
	if errors.Is(err, storage.ErrNotFound) {
		tx.posGone[addr] = true
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("refdb: load lottery position of %s: %w", addr, err)
	}
	var pos uint64
	if err := rlp.DecodeBytes(data, &pos); err != nil {
		return 0, false, fmt.Errorf("refdb: decode lottery position of %s: %w", addr, err)
	}
	tx.positions[addr] = pos
	tx.posKnown[addr] = true
	return pos, true, nil
}

func (tx *heapTx) setPosition(addr referral.Address, pos uint64) {
	tx.positions[addr] = pos
	tx.posKnown[addr] = true
	tx.posDirty[addr] = true
	delete(tx.posGone, addr)
}

func (tx *heapTx) deletePosition(addr referral.Address) {
	delete(tx.positions, addr)
	delete(tx.posKnown, addr)
	delete(tx.posDirty, addr)
	tx.posGone[addr] = true
}

// insert places the entrant at the end of the array and sifts it up.
func (tx *heapTx) insert(e LotteryEntrant) error {
	size, err := tx.heapSize()
	if err != nil {
		return err
	}
	if _, present, err := tx.position(e.Address); err != nil {
		return err
	} else if present {
		return fmt.Errorf("%w: address %s already in lottery", ErrInvariant, e.Address)
	}
	tx.setEntrant(size, e)
	tx.setPosition(e.Address, size)
	tx.setSize(size + 1)
	return tx.siftUp(size)
}

// replaceAt swaps a new entrant into an occupied slot and restores heap
// order. Used for eviction of the minimum and for re-keying an address in
// place; its inverse is another replaceAt, which is what makes undo restore
// the heap byte for byte.
func (tx *heapTx) replaceAt(index uint64, e LotteryEntrant) error {
	old, err := tx.entrant(index)
	if err != nil {
		return err
	}
	tx.deletePosition(old.Address)
	tx.setEntrant(index, e)
	tx.setPosition(e.Address, index)
	if err := tx.siftUp(index); err != nil {
		return err
	}
	pos, ok, err := tx.position(e.Address)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: lottery position of %s lost during replace", ErrInvariant, e.Address)
	}
	if pos == index {
		return tx.siftDown(index)
	}
	return nil
}

// removeAt deletes the entrant at index by moving the last array element
// into the hole and sifting it. Removing a just-inserted entrant this way is
// the exact structural inverse of the insert.
func (tx *heapTx) removeAt(index uint64) error {
	size, err := tx.heapSize()
	if err != nil {
		return err
	}
	if index >= size {
		return fmt.Errorf("%w: lottery heap index %d out of range %d", ErrInvariant, index, size)
	}
	victim, err := tx.entrant(index)
	if err != nil {
		return err
	}
	last := size - 1
	tx.deletePosition(victim.Address)
	if index == last {
		tx.deleteEntrant(last)
		tx.setSize(size - 1)
		return nil
	}
	moved, err := tx.entrant(last)
	if err != nil {
		return err
	}
	tx.setEntrant(index, moved)
	tx.setPosition(moved.Address, index)
	tx.deleteEntrant(last)
	tx.setSize(size - 1)
	if err := tx.siftUp(index); err != nil {
		return err
	}
	pos, ok, err := tx.position(moved.Address)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: lottery position of %s lost during removal", ErrInvariant, moved.Address)
	}
	if pos == index {
		return tx.siftDown(index)
	}
	return nil
}

func (tx *heapTx) less(i, j uint64) (bool, error) {
	a, err := tx.entrant(i)
	if err != nil {
		return false, err
	}
	b, err := tx.entrant(j)
	if err != nil {
		return false, err
	}
	return pog.EntrantLess(a.Key, a.Address, b.Key, b.Address), nil
}

func (tx *heapTx) swap(i, j uint64) error {
	a, err := tx.entrant(i)
	if err != nil {
		return err
	}
	b, err := tx.entrant(j)
	if err != nil {
		return err
	}
	tx.setEntrant(i, b)
	tx.setEntrant(j, a)
	tx.setPosition(a.Address, j)
	tx.setPosition(b.Address, i)
	return nil
}

func (tx *heapTx) siftUp(index uint64) error {
	for index > 0 {
		parent := (index - 1) / 2
		lessThanParent, err := tx.less(index, parent)
		if err != nil {
			return err
		}
		if !lessThanParent {
			return nil
		}
		if err := tx.swap(index, parent); err != nil {
			return err
		}
		index = parent
	}
	return nil
}

func (tx *heapTx) siftDown(index uint64) error {
	size, err := tx.heapSize()
	if err != nil {
		return err
	}
	for {
		left := 2*index + 1
		if left >= size {
			return nil
		}
		smallest := left
		if right := left + 1; right < size {
			rightLess, err := tx.less(right, left)
			if err != nil {
				return err
			}
			if rightLess {
				smallest = right
			}
		}
		childLess, err := tx.less(smallest, index)
		if err != nil {
			return err
		}
		if !childLess {
			return nil
		}
		if err := tx.swap(index, smallest); err != nil {
			return err
		}
		index = smallest
	}
}

// commit flushes staged mutations in one atomic batch.
func (tx *heapTx) commit() error {
	batch := tx.db.NewBatch()
	for index := range tx.entrantGone {
		batch.Delete(heapEntryKey(index))
	}
	for index, dirty := range tx.entrantDirty {
		if !dirty {
			continue
		}
		e := tx.entrants[index]
		encoded, err := rlp.EncodeToBytes(&storedEntrant{
			Key:         e.Key,
			AddressType: byte(e.AddressType),
			Address:     e.Address,
		})
		if err != nil {
			return fmt.Errorf("refdb: encode lottery entrant %d: %w", index, err)
		}
		batch.Put(heapEntryKey(index), encoded)
	}
	for addr := range tx.posGone {
		batch.Delete(heapPosKey(addr))
	}
	for addr, dirty := range tx.posDirty {
		if !dirty {
			continue
		}
		encoded, err := rlp.EncodeToBytes(tx.positions[addr])
		if err != nil {
			return fmt.Errorf("refdb: encode lottery position of %s: %w", addr, err)
		}
		batch.Put(heapPosKey(addr), encoded)
	}
	if tx.sizeDirty {
		encoded, err := rlp.EncodeToBytes(tx.size)
		if err != nil {
			return fmt.Errorf("refdb: encode lottery size: %w", err)
		}
		batch.Put(heapSizeKey, encoded)
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("refdb: commit lottery mutation: %w", err)
	}
	return nil
}
