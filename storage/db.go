package storage

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("storage: key not found")

// Database is a generic interface for an ordered key-value store. The
// referral store and lottery heap are built on top of it, which allows the
// chain logic to run against an in-memory backend in tests and a persistent
// backend on a real node.
type Database interface {
	Get(key []byte) ([]byte, error)
	Put(key []byte, value []byte) error
	Delete(key []byte) error
	Has(key []byte) (bool, error)

	// NewBatch returns a write batch. All operations queued on the batch
	// are committed as a single atomic unit by Write.
	NewBatch() Batch

	// NewIterator iterates every key that starts with prefix, in ascending
	// key order.
	NewIterator(prefix []byte) Iterator

	Close() error
}

// Batch accumulates writes that are committed atomically. A block's worth of
// referral and lottery mutations must land in one batch so a crash can never
// leave the store half-connected.
type Batch interface {
	Put(key []byte, value []byte)
	Delete(key []byte)
	Write() error
	Reset()
}

// Iterator walks a key range in ascending order. Key and Value are only valid
// until the next call to Next; callers that retain them must copy.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Release()
	Error() error
}

// --- In-Memory DB (for testing) ---

type MemDB struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

func NewMemDB() *MemDB {
	return &MemDB{
		data: make(map[string][]byte),
	}
}

func (db *MemDB) Get(key []byte) ([]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, errors.New("storage: database closed")
	}
	value, ok := db.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (db *MemDB) Put(key []byte, value []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return errors.New("storage: database closed")
	}
	db.data[string(key)] = append([]byte(nil), value...)
	return nil
}

func (db *MemDB) Delete(key []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return errors.New("storage: database closed")
	}
	delete(db.data, string(key))
	return nil
}

func (db *MemDB) Has(key []byte) (bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return false, errors.New("storage: database closed")
	}
	_, ok := db.data[string(key)]
	return ok, nil
}

func (db *MemDB) NewBatch() Batch {
	return &memBatch{db: db}
}

// NewIterator snapshots the matching keys under the read lock so the caller
// observes a point-in-time view even if the map changes afterwards.
func (db *MemDB) NewIterator(prefix []byte) Iterator {
	db.mu.RLock()
	defer db.mu.RUnlock()
	keys := make([]string, 0)
	for k := range db.data {
		if strings.HasPrefix(k, string(prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	pairs := make([]kvPair, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, kvPair{
			key:   []byte(k),
			value: append([]byte(nil), db.data[k]...),
		})
	}
	return &sliceIterator{pairs: pairs, pos: -1}
}

func (db *MemDB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.closed = true
	return nil
}

type memOp struct {
	del   bool
	key   []byte
	value []byte
}

type memBatch struct {
	db  *MemDB
	ops []memOp
}

func (b *memBatch) Put(key []byte, value []byte) {
	b.ops = append(b.ops, memOp{
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
	})
}

func (b *memBatch) Delete(key []byte) {
	b.ops = append(b.ops, memOp{del: true, key: append([]byte(nil), key...)})
}

func (b *memBatch) Write() error {
	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	if b.db.closed {
		return errors.New("storage: database closed")
	}
	for _, op := range b.ops {
		if op.del {
			delete(b.db.data, string(op.key))
		} else {
			b.db.data[string(op.key)] = op.value
		}
	}
	return nil
}

func (b *memBatch) Reset() {
	b.ops = b.ops[:0]
}

type kvPair struct {
	key   []byte
	value []byte
}

type sliceIterator struct {
	pairs []kvPair
	pos   int
	err   error
}

func (it *sliceIterator) Next() bool {
	if it.pos+1 >= len(it.pairs) {
		return false
	}
	it.pos++
	return true
}

func (it *sliceIterator) Key() []byte {
	if it.pos < 0 || it.pos >= len(it.pairs) {
		return nil
	}
	return it.pairs[it.pos].key
}

func (it *sliceIterator) Value() []byte {
	if it.pos < 0 || it.pos >= len(it.pairs) {
		return nil
	}
	return it.pairs[it.pos].value
}

func (it *sliceIterator) Release() {}

func (it *sliceIterator) Error() error { return it.err }
