package storage

import (
	"sort"
	"strings"
)

// Overlay stages writes on top of a base database. Reads fall through to the
// base for keys the overlay has not touched; Put, Delete, and batch writes
// stay in memory until Commit flushes every staged operation to the base in
// one atomic batch. A crash before Commit leaves the base untouched.
//
// An overlay serves a single writer; it carries no locking of its own.
type Overlay struct {
	base    Database
	writes  map[string][]byte
	deletes map[string]bool
}

// NewOverlay stages writes over the given base database.
func NewOverlay(base Database) *Overlay {
	return &Overlay{
		base:    base,
		writes:  make(map[string][]byte),
		deletes: make(map[string]bool),
	}
}

func (o *Overlay) Get(key []byte) ([]byte, error) {
	k := string(key)
	if o.deletes[k] {
		return nil, ErrNotFound
	}
	if value, ok := o.writes[k]; ok {
		return append([]byte(nil), value...), nil
	}
	return o.base.Get(key)
}

func (o *Overlay) Put(key []byte, value []byte) error {
	k := string(key)
	delete(o.deletes, k)
	o.writes[k] = append([]byte(nil), value...)
	return nil
}

func (o *Overlay) Delete(key []byte) error {
	k := string(key)
	delete(o.writes, k)
	o.deletes[k] = true
	return nil
}

func (o *Overlay) Has(key []byte) (bool, error) {
	k := string(key)
	if o.deletes[k] {
		return false, nil
	}
	if _, ok := o.writes[k]; ok {
		return true, nil
	}
	return o.base.Has(key)
}

// NewBatch returns a batch whose Write lands in the overlay, not the base.
// Sub-operations that batch for their own consistency stay atomic with the
// rest of the staged block.
func (o *Overlay) NewBatch() Batch {
	return &overlayBatch{overlay: o}
}

// NewIterator merges the base's prefix range with the staged operations.
func (o *Overlay) NewIterator(prefix []byte) Iterator {
	merged := make(map[string][]byte)
	iter := o.base.NewIterator(prefix)
	for iter.Next() {
		merged[string(iter.Key())] = append([]byte(nil), iter.Value()...)
	}
	err := iter.Error()
	iter.Release()

	for k, v := range o.writes {
		if strings.HasPrefix(k, string(prefix)) {
			merged[k] = append([]byte(nil), v...)
		}
	}
	for k := range o.deletes {
		if strings.HasPrefix(k, string(prefix)) {
			delete(merged, k)
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]kvPair, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, kvPair{key: []byte(k), value: merged[k]})
	}
	return &sliceIterator{pairs: pairs, pos: -1, err: err}
}

// Close discards the staged operations without touching the base.
func (o *Overlay) Close() error {
	o.writes = make(map[string][]byte)
	o.deletes = make(map[string]bool)
	return nil
}

// Commit flushes every staged operation to the base in one atomic batch and
// resets the overlay.
func (o *Overlay) Commit() error {
	if len(o.writes) == 0 && len(o.deletes) == 0 {
		return nil
	}
	batch := o.base.NewBatch()
	for k := range o.deletes {
		batch.Delete([]byte(k))
	}
	for k, v := range o.writes {
		batch.Put([]byte(k), v)
	}
	if err := batch.Write(); err != nil {
		return err
	}
	o.writes = make(map[string][]byte)
	o.deletes = make(map[string]bool)
	return nil
}

type overlayBatch struct {
	overlay *Overlay
	ops     []memOp
}

func (b *overlayBatch) Put(key []byte, value []byte) {
	b.ops = append(b.ops, memOp{
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
	})
}

func (b *overlayBatch) Delete(key []byte) {
	b.ops = append(b.ops, memOp{del: true, key: append([]byte(nil), key...)})
}

func (b *overlayBatch) Write() error {
	for _, op := range b.ops {
		if op.del {
			if err := b.overlay.Delete(op.key); err != nil {
				return err
			}
			continue
		}
		if err := b.overlay.Put(op.key, op.value); err != nil {
			return err
		}
	}
	return nil
}

func (b *overlayBatch) Reset() {
	b.ops = b.ops[:0]
}
