package storage

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var boltBucket = []byte("refchain")

// BoltDB is a persistent key-value store backed by a single-file BoltDB
// database. Useful for tooling and light deployments where LevelDB's
// multi-file layout is unwanted.
type BoltDB struct {
	db *bolt.DB
}

// NewBoltDB opens (and initialises) a BoltDB-backed store at the given path.
func NewBoltDB(path string) (*BoltDB, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("storage: bolt path required")
	}
	db, err := bolt.Open(trimmed, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("storage: open bolt: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: init bolt bucket: %w", err)
	}
	return &BoltDB{db: db}, nil
}

func (bdb *BoltDB) Get(key []byte) ([]byte, error) {
	var value []byte
	err := bdb.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(boltBucket).Get(key)
		if raw == nil {
			return ErrNotFound
		}
		value = append([]byte(nil), raw...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (bdb *BoltDB) Put(key []byte, value []byte) error {
	return bdb.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Put(key, value)
	})
}

func (bdb *BoltDB) Delete(key []byte) error {
	return bdb.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Delete(key)
	})
}

func (bdb *BoltDB) Has(key []byte) (bool, error) {
	var found bool
	err := bdb.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(boltBucket).Get(key) != nil
		return nil
	})
	return found, err
}

func (bdb *BoltDB) NewBatch() Batch {
	return &boltBatch{db: bdb.db}
}

// NewIterator materialises the matching range inside a read transaction so
// the caller sees a consistent snapshot.
func (bdb *BoltDB) NewIterator(prefix []byte) Iterator {
	pairs := make([]kvPair, 0)
	err := bdb.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(boltBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			pairs = append(pairs, kvPair{
				key:   append([]byte(nil), k...),
				value: append([]byte(nil), v...),
			})
		}
		return nil
	})
	return &sliceIterator{pairs: pairs, pos: -1, err: err}
}

func (bdb *BoltDB) Close() error {
	return bdb.db.Close()
}

type boltBatch struct {
	db  *bolt.DB
	ops []memOp
}

func (b *boltBatch) Put(key []byte, value []byte) {
	b.ops = append(b.ops, memOp{
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
	})
}

func (b *boltBatch) Delete(key []byte) {
	b.ops = append(b.ops, memOp{del: true, key: append([]byte(nil), key...)})
}

// Write commits all queued operations inside one BoltDB transaction.
func (b *boltBatch) Write() error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(boltBucket)
		for _, op := range b.ops {
			if op.del {
				if err := bucket.Delete(op.key); err != nil {
					return err
				}
				continue
			}
			if err := bucket.Put(op.key, op.value); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *boltBatch) Reset() {
	b.ops = b.ops[:0]
}
