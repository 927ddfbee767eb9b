package refdb

import (
	"encoding/binary"

	"refchain/referral"
)

var (
	referralKeyPrefix = []byte("ref/hash/")
	addressKeyPrefix  = []byte("ref/addr/")
	parentKeyPrefix   = []byte("ref/parent/")
	childrenKeyPrefix = []byte("ref/children/")
	anvKeyPrefix      = []byte("anv/")
	heapEntryPrefix   = []byte("lottery/heap/")
	heapPosPrefix     = []byte("lottery/pos/")
	heapSizeKey       = []byte("lottery/size")
)

func referralKey(hash referral.Hash) []byte {
	return appendKey(referralKeyPrefix, hash[:])
}

func addressKey(addr referral.Address) []byte {
	return appendKey(addressKeyPrefix, addr[:])
}

func parentKey(addr referral.Address) []byte {
	return appendKey(parentKeyPrefix, addr[:])
}

func childrenKey(addr referral.Address) []byte {
	return appendKey(childrenKeyPrefix, addr[:])
}

func anvKey(addr referral.Address) []byte {
	return appendKey(anvKeyPrefix, addr[:])
}

// heapEntryKey encodes the heap index big-endian so iteration over the
// prefix walks the array in order.
func heapEntryKey(index uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], index)
	return appendKey(heapEntryPrefix, buf[:])
}

func heapPosKey(addr referral.Address) []byte {
	return appendKey(heapPosPrefix, addr[:])
}

func appendKey(prefix, suffix []byte) []byte {
	key := make([]byte, len(prefix)+len(suffix))
	copy(key, prefix)
	copy(key[len(prefix):], suffix)
	return key
}
