package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddressEncodeDecodeRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	payload := key.PubKey().AddressPayload()

	encoded := EncodeAddress(payload)
	require.Contains(t, encoded, AddressHRP+"1")

	decoded, err := DecodeAddress(encoded)
	require.NoError(t, err)
	require.Equal(t, payload, decoded)
}

func TestDecodeAddressRejectsForeignPrefix(t *testing.T) {
	_, err := DecodeAddress("bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4")
	require.Error(t, err)
}

func TestPrivateKeyRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)

	restored, err := PrivateKeyFromBytes(key.Bytes())
	require.NoError(t, err)
	require.Equal(t, key.Bytes(), restored.Bytes())
	require.Equal(t, key.PubKey().AddressPayload(), restored.PubKey().AddressPayload())
}

func TestValidPubKey(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	compressed := key.PubKey().CompressedBytes()
	require.Len(t, compressed, 33)
	require.True(t, ValidPubKey(compressed))

	require.False(t, ValidPubKey(nil))
	require.False(t, ValidPubKey(compressed[:32]))
	mangled := append([]byte(nil), compressed...)
	mangled[0] = 0x07
	require.False(t, ValidPubKey(mangled))
}
