// Package refdb persists the referral tree, the per-address accumulated
// network value table, and the bounded ambassador lottery reservoir, all on
// top of the ordered key-value abstraction in refchain/storage. Connect and
// disconnect processing is serialized per chain; the store's mutex only
// protects against stray concurrent snapshot reads, it is not a license for
// concurrent mutation.
package refdb

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"

	"refchain/referral"
	"refchain/storage"
)

// ReferralStore is the persisted view of the referral forest and its derived
// incentive state.
type ReferralStore struct {
	mu sync.RWMutex
	db storage.Database
}

// NewReferralStore binds a store to the given database.
func NewReferralStore(db storage.Database) *ReferralStore {
	return &ReferralStore{db: db}
}

// storedParent records the referrer pair for an address: the parent's
// address type and address.
type storedParent struct {
	ParentType byte
	Parent     [20]byte
}

type storedANV struct {
	AddressType byte
	Value       uint64
}

// GetReferral looks up a referral by identity hash. The boolean reports
// whether the referral exists.
func (s *ReferralStore) GetReferral(hash referral.Hash) (*referral.Referral, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getReferral(hash)
}

func (s *ReferralStore) getReferral(hash referral.Hash) (*referral.Referral, bool, error) {
	data, err := s.db.Get(referralKey(hash))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("refdb: load referral %s: %w", hash, err)
	}
	ref, err := referral.DecodeReferral(data)
	if err != nil {
		return nil, false, err
	}
	return ref, true, nil
}

// GetReferrer returns the parent's address type and address for the given
// address. ok is false when the address is not in the tree at all; a root
// referral reports ok=true with the zero parent, which callers must treat as
// a normal outcome.
func (s *ReferralStore) GetReferrer(addr referral.Address) (referral.AddressType, referral.Address, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := s.db.Get(parentKey(addr))
	if errors.Is(err, storage.ErrNotFound) {
		return 0, referral.ZeroAddress, false, nil
	}
	if err != nil {
		return 0, referral.ZeroAddress, false, fmt.Errorf("refdb: load referrer of %s: %w", addr, err)
	}
	var stored storedParent
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return 0, referral.ZeroAddress, false, fmt.Errorf("refdb: decode referrer of %s: %w", addr, err)
	}
	return referral.AddressType(stored.ParentType), referral.Address(stored.Parent), true, nil
}

// GetReferralByAddress resolves the referral that beaconed an address.
func (s *ReferralStore) GetReferralByAddress(addr referral.Address) (*referral.Referral, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getReferralByAddress(addr)
}

func (s *ReferralStore) getReferralByAddress(addr referral.Address) (*referral.Referral, bool, error) {
	data, err := s.db.Get(addressKey(addr))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("refdb: load address index of %s: %w", addr, err)
	}
	if len(data) != 32 {
		return nil, false, fmt.Errorf("%w: malformed address index for %s", ErrInvariant, addr)
	}
	var hash referral.Hash
	copy(hash[:], data)
	return s.getReferral(hash)
}

// GetChildren returns the direct children of an address. Order is insertion
// order; it is not consensus-relevant.
func (s *ReferralStore) GetChildren(addr referral.Address) ([]referral.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getChildren(addr)
}

func (s *ReferralStore) getChildren(addr referral.Address) ([]referral.Address, error) {
	data, err := s.db.Get(childrenKey(addr))
	if errors.Is(err, storage.ErrNotFound) {
		return []referral.Address{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("refdb: load children of %s: %w", addr, err)
	}
	var stored [][20]byte
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, fmt.Errorf("refdb: decode children of %s: %w", addr, err)
	}
	children := make([]referral.Address, len(stored))
	for i, c := range stored {
		children[i] = referral.Address(c)
	}
	return children, nil
}

// ReferralExists reports whether a referral with the given hash is stored.
func (s *ReferralStore) ReferralExists(hash referral.Hash) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ok, err := s.db.Has(referralKey(hash))
	if err != nil {
		return false, fmt.Errorf("refdb: probe referral %s: %w", hash, err)
	}
	return ok, nil
}

// AddressExists reports whether an address has been beaconed into the tree.
func (s *ReferralStore) AddressExists(addr referral.Address) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addressExists(addr)
}

func (s *ReferralStore) addressExists(addr referral.Address) (bool, error) {
	ok, err := s.db.Has(addressKey(addr))
	if err != nil {
		return false, fmt.Errorf("refdb: probe address %s: %w", addr, err)
	}
	return ok, nil
}

// InsertReferral adds a referral to the forest. The parent must already be
// present unless the referral links to the designated genesis address; the
// hash and the beaconed address must both be new. All index updates are
// committed in one atomic batch.
func (s *ReferralStore) InsertReferral(ref *referral.Referral) error {
	if ref == nil {
		return fmt.Errorf("%w: nil referral", ErrInvariant)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := ref.GetHash()
	if ok, err := s.db.Has(referralKey(hash)); err != nil {
		return fmt.Errorf("refdb: probe referral %s: %w", hash, err)
	} else if ok {
		return fmt.Errorf("%w: duplicate referral %s", ErrInvariant, hash)
	}
	if ok, err := s.addressExists(ref.Address()); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("%w: address %s already beaconed", ErrInvariant, ref.Address())
	}
	parent := ref.ParentAddress()
	var parentType referral.AddressType
	if !parent.IsZero() {
		parentRef, ok, err := s.getReferralByAddress(parent)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("refdb: parent %s does not exist", parent)
		}
		parentType = parentRef.AddressType()
	}

	encoded, err := ref.EncodeRLP()
	if err != nil {
		return err
	}
	parentRecord, err := rlp.EncodeToBytes(&storedParent{
		ParentType: byte(parentType),
		Parent:     parent,
	})
	if err != nil {
		return fmt.Errorf("refdb: encode referrer of %s: %w", ref.Address(), err)
	}

	siblings, err := s.getChildren(parent)
	if err != nil {
		return err
	}
	stored := make([][20]byte, 0, len(siblings)+1)
	for _, c := range siblings {
		stored = append(stored, c)
	}
	stored = append(stored, ref.Address())
	childList, err := rlp.EncodeToBytes(stored)
	if err != nil {
		return fmt.Errorf("refdb: encode children of %s: %w", parent, err)
	}

	batch := s.db.NewBatch()
	batch.Put(referralKey(hash), encoded)
	batch.Put(addressKey(ref.Address()), hash.Bytes())
	batch.Put(parentKey(ref.Address()), parentRecord)
	batch.Put(childrenKey(parent), childList)
	if err := batch.Write(); err != nil {
		return fmt.Errorf("refdb: insert referral %s: %w", hash, err)
	}
	return nil
}

// RemoveReferral deletes a referral during block disconnection. A referral
// with children still attached cannot be removed; the forest unwinds leaves
// first, in exact reverse of insertion order.
func (s *ReferralStore) RemoveReferral(ref *referral.Referral) error {
	if ref == nil {
		return fmt.Errorf("%w: nil referral", ErrInvariant)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := ref.GetHash()
	if ok, err := s.db.Has(referralKey(hash)); err != nil {
		return fmt.Errorf("refdb: probe referral %s: %w", hash, err)
	} else if !ok {
		return fmt.Errorf("refdb: referral %s does not exist", hash)
	}
	children, err := s.getChildren(ref.Address())
	if err != nil {
		return err
	}
	if len(children) > 0 {
		return fmt.Errorf("%w: referral %s still has %d children", ErrInvariant, hash, len(children))
	}

	parent := ref.ParentAddress()
	siblings, err := s.getChildren(parent)
	if err != nil {
		return err
	}
	remaining := make([][20]byte, 0, len(siblings))
	for _, c := range siblings {
		if c != ref.Address() {
			remaining = append(remaining, c)
		}
	}

	batch := s.db.NewBatch()
	batch.Delete(referralKey(hash))
	batch.Delete(addressKey(ref.Address()))
	batch.Delete(parentKey(ref.Address()))
	batch.Delete(childrenKey(ref.Address()))
	if len(remaining) == 0 {
		batch.Delete(childrenKey(parent))
	} else {
		childList, err := rlp.EncodeToBytes(remaining)
		if err != nil {
			return fmt.Errorf("refdb: encode children of %s: %w", parent, err)
		}
		batch.Put(childrenKey(parent), childList)
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("refdb: remove referral %s: %w", hash, err)
	}
	return nil
}

// UpdateANV atomically adds delta to the address's accumulated network
// value, creating the record on first touch. A delta that would drive the
// value negative is an internal-consistency error: it means bookkeeping
// elsewhere already went wrong.
func (s *ReferralStore) UpdateANV(addrType referral.AddressType, addr referral.Address, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, _, err := s.loadANV(addr)
	if err != nil {
		return err
	}
	updated := current.ANV + delta
	if updated < 0 {
		return fmt.Errorf("%w: ANV of %s would become %d", ErrInvariant, addr, updated)
	}
	encoded, err := rlp.EncodeToBytes(&storedANV{
		AddressType: byte(addrType),
		Value:       uint64(updated),
	})
	if err != nil {
		return fmt.Errorf("refdb: encode ANV of %s: %w", addr, err)
	}
	if err := s.db.Put(anvKey(addr), encoded); err != nil {
		return fmt.Errorf("refdb: store ANV of %s: %w", addr, err)
	}
	return nil
}

// GetANV returns the ANV record for an address.
func (s *ReferralStore) GetANV(addr referral.Address) (referral.AddressANV, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadANV(addr)
}

func (s *ReferralStore) loadANV(addr referral.Address) (referral.AddressANV, bool, error) {
	record := referral.AddressANV{Address: addr}
	data, err := s.db.Get(anvKey(addr))
	if errors.Is(err, storage.ErrNotFound) {
		return record, false, nil
	}
	if err != nil {
		return record, false, fmt.Errorf("refdb: load ANV of %s: %w", addr, err)
	}
	var stored storedANV
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return record, false, fmt.Errorf("refdb: decode ANV of %s: %w", addr, err)
	}
	record.AddressType = referral.AddressType(stored.AddressType)
	record.ANV = int64(stored.Value)
	return record, true, nil
}

// GetAllANVs returns a snapshot of every ANV record, sorted by address so
// every node derives the same ordering.
func (s *ReferralStore) GetAllANVs() ([]referral.AddressANV, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanANVs(func(referral.AddressANV) bool { return true })
}

// GetAllRewardableANVs applies the reward policy filter: only addresses at or
// above the configured minimum ANV participate in the ambassador split.
func (s *ReferralStore) GetAllRewardableANVs(minANV int64) ([]referral.AddressANV, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanANVs(func(record referral.AddressANV) bool {
		return record.ANV >= minANV
	})
}

func (s *ReferralStore) scanANVs(keep func(referral.AddressANV) bool) ([]referral.AddressANV, error) {
	records := make([]referral.AddressANV, 0)
	iter := s.db.NewIterator(anvKeyPrefix)
	defer iter.Release()
	for iter.Next() {
		key := iter.Key()
		if len(key) != len(anvKeyPrefix)+20 {
			return nil, fmt.Errorf("refdb: malformed ANV key %x", key)
		}
		var addr referral.Address
		copy(addr[:], key[len(anvKeyPrefix):])
		var stored storedANV
		if err := rlp.DecodeBytes(iter.Value(), &stored); err != nil {
			return nil, fmt.Errorf("refdb: decode ANV of %s: %w", addr, err)
		}
		record := referral.AddressANV{
			AddressType: referral.AddressType(stored.AddressType),
			Address:     addr,
			ANV:         int64(stored.Value),
		}
		if keep(record) {
			records = append(records, record)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("refdb: scan ANVs: %w", err)
	}
	referral.SortANVs(records)
	return records, nil
}
