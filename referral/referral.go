package referral

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"

	"refchain/crypto"
)

// Address identifies an account in the referral tree.
type Address [20]byte

// ZeroAddress is the designated genesis parent. The first referral in the
// tree links to it.
var ZeroAddress = Address{}

// String renders the address in its bech32 form.
func (a Address) String() string {
	return crypto.EncodeAddress(a)
}

// Bytes returns the raw 20-byte payload.
func (a Address) Bytes() []byte {
	return a[:]
}

// IsZero reports whether the address is the genesis sentinel.
func (a Address) IsZero() bool {
	return a == ZeroAddress
}

// ParseAddress decodes a bech32 address string.
func ParseAddress(s string) (Address, error) {
	payload, err := crypto.DecodeAddress(s)
	if err != nil {
		return Address{}, fmt.Errorf("referral: %w", err)
	}
	return Address(payload), nil
}

// AddressType tags how an address is spendable.
type AddressType byte

const (
	// KeyAddress is a plain public-key-hash address.
	KeyAddress AddressType = 1
	// ScriptAddress is a script-hash address.
	ScriptAddress AddressType = 2
	// ParamScriptAddress is a parameterized script-hash address.
	ParamScriptAddress AddressType = 3
)

// Valid reports whether the tag is one of the known address kinds.
func (t AddressType) Valid() bool {
	switch t {
	case KeyAddress, ScriptAddress, ParamScriptAddress:
		return true
	}
	return false
}

// CurrentVersion is the referral format version stamped on new records.
const CurrentVersion int32 = 0

// Hash is the 32-byte identity of a referral.
type Hash [32]byte

func (h Hash) Bytes() []byte {
	return h[:]
}

func (h Hash) String() string {
	return fmt.Sprintf("%x", h[:])
}

// Referral links an address to its referrer. It is immutable: the identity
// hash is computed exactly once inside the constructor and every field is
// reachable through accessors only. The tree of referrals is owned by the
// store; callers share read-only references.
type Referral struct {
	version       int32
	addressType   AddressType
	address       Address
	parentAddress Address
	pubKey        []byte
	signature     []byte
	hash          Hash
}

// NewReferral is the single validated construction path for referrals. The
// signature is assumed to have been checked by the upstream authentication
// layer; this constructor only enforces structural validity.
func NewReferral(
	addressType AddressType,
	address Address,
	parentAddress Address,
	pubKey []byte,
	signature []byte,
) (*Referral, error) {
	if !addressType.Valid() {
		return nil, fmt.Errorf("referral: unknown address type %d", addressType)
	}
	if address.IsZero() {
		return nil, fmt.Errorf("referral: address must not be zero")
	}
	if !crypto.ValidPubKey(pubKey) {
		return nil, fmt.Errorf("referral: malformed public key")
	}
	r := &Referral{
		version:       CurrentVersion,
		addressType:   addressType,
		address:       address,
		parentAddress: parentAddress,
		pubKey:        append([]byte(nil), pubKey...),
		signature:     append([]byte(nil), signature...),
	}
	r.hash = r.computeHash()
	return r, nil
}

func (r *Referral) Version() int32 {
	return r.version
}

func (r *Referral) AddressType() AddressType {
	return r.addressType
}

// Address returns the account this referral concerns.
func (r *Referral) Address() Address {
	return r.address
}

// ParentAddress returns the referrer. Zero for the genesis referral.
func (r *Referral) ParentAddress() Address {
	return r.parentAddress
}

func (r *Referral) PubKey() []byte {
	return append([]byte(nil), r.pubKey...)
}

func (r *Referral) Signature() []byte {
	return append([]byte(nil), r.signature...)
}

// GetHash returns the cached identity hash.
func (r *Referral) GetHash() Hash {
	return r.hash
}

// RewardAddress returns the address payouts should target. Key addresses pay
// out directly; script addresses pay to a hash of the script address and the
// signer key so vault-style scripts cannot redirect lottery funds.
func (r *Referral) RewardAddress() Address {
	if r.addressType == KeyAddress {
		return r.address
	}
	pubKeyHash := crypto.Keccak256(r.pubKey)
	digest := crypto.Keccak256(r.address[:], pubKeyHash)
	var out Address
	copy(out[:], digest[12:])
	return out
}

// Equal compares referrals by identity hash.
func (r *Referral) Equal(other *Referral) bool {
	if r == nil || other == nil {
		return r == other
	}
	return r.hash == other.hash
}

func (r *Referral) String() string {
	return fmt.Sprintf("Referral(hash=%s, address=%s, parent=%s)",
		r.hash, r.address, r.parentAddress)
}

// storedReferral mirrors Referral for RLP encoding. RLP cannot reach the
// unexported fields of the immutable type, and the split keeps the wire shape
// explicit.
type storedReferral struct {
	Version       uint32
	AddressType   byte
	Address       [20]byte
	ParentAddress [20]byte
	PubKey        []byte
	Signature     []byte
}

// EncodeRLP marshals the referral into its stored representation.
func (r *Referral) EncodeRLP() ([]byte, error) {
	stored := storedReferral{
		Version:       uint32(r.version),
		AddressType:   byte(r.addressType),
		Address:       r.address,
		ParentAddress: r.parentAddress,
		PubKey:        r.pubKey,
		Signature:     r.signature,
	}
	return rlp.EncodeToBytes(&stored)
}

// DecodeReferral reconstructs a referral from its stored representation,
// re-entering through the validated constructor so the hash is computed once.
func DecodeReferral(data []byte) (*Referral, error) {
	var stored storedReferral
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, fmt.Errorf("referral: decode: %w", err)
	}
	r, err := NewReferral(
		AddressType(stored.AddressType),
		Address(stored.Address),
		Address(stored.ParentAddress),
		stored.PubKey,
		stored.Signature,
	)
	if err != nil {
		return nil, err
	}
	if int32(stored.Version) != r.version {
		r.version = int32(stored.Version)
		r.hash = r.computeHash()
	}
	return r, nil
}

func (r *Referral) computeHash() Hash {
	versionBytes := []byte{
		byte(r.version >> 24), byte(r.version >> 16),
		byte(r.version >> 8), byte(r.version),
	}
	digest := crypto.Keccak256(
		versionBytes,
		[]byte{byte(r.addressType)},
		r.address[:],
		r.parentAddress[:],
		r.pubKey,
		r.signature,
	)
	var h Hash
	copy(h[:], digest)
	return h
}

// AddressANV pairs an address with its accumulated network value. ANV is
// non-negative by invariant; the store rejects updates that would drive it
// below zero.
type AddressANV struct {
	AddressType AddressType
	Address     Address
	ANV         int64
}

// ConfirmedAddress is an invite-lottery winner whose beacon confirmed.
type ConfirmedAddress struct {
	AddressType AddressType
	Address     Address
}

// SortANVs orders ANV records by address. Bulk snapshots are sorted before
// use so reward computation is identical across nodes.
func SortANVs(anvs []AddressANV) {
	sort.Slice(anvs, func(i, j int) bool {
		return bytes.Compare(anvs[i].Address.Bytes(), anvs[j].Address.Bytes()) < 0
	})
}
