package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"
)

// AddressHRP is the human-readable prefix used when rendering referral
// addresses for logs and tooling.
const AddressHRP = "ref"

// EncodeAddress renders a 20-byte address payload as a bech32 string.
func EncodeAddress(payload [20]byte) string {
	conv, err := bech32.ConvertBits(payload[:], 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(AddressHRP, conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

// DecodeAddress parses a bech32 address string back into its 20-byte payload.
func DecodeAddress(addrStr string) ([20]byte, error) {
	var payload [20]byte
	prefix, decoded, err := bech32.Decode(addrStr)
	if err != nil {
		return payload, fmt.Errorf("invalid bech32 string: %w", err)
	}
	if prefix != AddressHRP {
		return payload, fmt.Errorf("unexpected address prefix %q", prefix)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return payload, fmt.Errorf("error converting bits: %w", err)
	}
	if len(conv) != 20 {
		return payload, fmt.Errorf("address payload must be 20 bytes, got %d", len(conv))
	}
	copy(payload[:], conv)
	return payload, nil
}

// Keccak256 hashes the concatenation of the provided byte slices.
func Keccak256(data ...[]byte) []byte {
	return crypto.Keccak256(data...)
}

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

// CompressedBytes returns the 33-byte compressed SEC1 encoding, the form
// carried inside referral records.
func (k *PublicKey) CompressedBytes() []byte {
	return crypto.CompressPubkey(k.PublicKey)
}

// AddressPayload derives the 20-byte key-hash address for the public key.
func (k *PublicKey) AddressPayload() [20]byte {
	var payload [20]byte
	copy(payload[:], crypto.PubkeyToAddress(*k.PublicKey).Bytes())
	return payload
}

// ValidPubKey reports whether b is a well-formed compressed secp256k1 point.
func ValidPubKey(b []byte) bool {
	if len(b) != 33 {
		return false
	}
	_, err := crypto.DecompressPubkey(b)
	return err == nil
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}
