package sign

import (
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecoverAddressFromHashRecoversSigner(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	want := ethcrypto.PubkeyToAddress(key.PublicKey)

	hash := ethcrypto.Keccak256([]byte("zeropay settlement"))
	sigBytes, err := ethcrypto.Sign(hash, key)
	require.NoError(t, err)

	addr, err := RecoverAddressFromHash(hash, Signature(sigBytes))
	require.NoError(t, err)
	assert.Equal(t, want.Hex(), addr.String())
}

func TestRecoverAddressFromHashAcceptsEthereumVForm(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	want := ethcrypto.PubkeyToAddress(key.PublicKey)

	hash := ethcrypto.Keccak256([]byte("eip-3009 auth"))
	sigBytes, err := ethcrypto.Sign(hash, key)
	require.NoError(t, err)

	shifted := make([]byte, 65)
	copy(shifted, sigBytes)
	shifted[64] += 27

	addr, err := RecoverAddressFromHash(hash, Signature(shifted))
	require.NoError(t, err)
	assert.Equal(t, want.Hex(), addr.String())
}

func TestRecoverAddressFromHashRejectsShortSignature(t *testing.T) {
	_, err := RecoverAddressFromHash([]byte("hash"), Signature([]byte{1, 2, 3}))
	assert.Error(t, err)
}

func TestEthereumAddressEquals(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	a := EthereumAddress{ethcrypto.PubkeyToAddress(key.PublicKey)}
	b := EthereumAddress{ethcrypto.PubkeyToAddress(key.PublicKey)}
	assert.True(t, a.Equals(b))

	other, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	c := EthereumAddress{ethcrypto.PubkeyToAddress(other.PublicKey)}
	assert.False(t, a.Equals(c))
}
