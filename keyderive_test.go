package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func TestNewKeyDeriverRejectsInvalidMnemonic(t *testing.T) {
	_, err := NewKeyDeriver("not a real mnemonic at all")
	assert.Error(t, err)
}

func TestNewKeyDeriverAcceptsValidMnemonic(t *testing.T) {
	kd, err := NewKeyDeriver(testMnemonic)
	require.NoError(t, err)
	assert.NotNil(t, kd)
}

func TestDeriveAddressIsDeterministic(t *testing.T) {
	kd, err := NewKeyDeriver(testMnemonic)
	require.NoError(t, err)

	addr1, err := kd.DeriveAddress(42)
	require.NoError(t, err)
	addr2, err := kd.DeriveAddress(42)
	require.NoError(t, err)

	assert.Equal(t, addr1, addr2)
	assert.NotEmpty(t, addr1)
}

func TestDeriveAddressDiffersPerCustomer(t *testing.T) {
	kd, err := NewKeyDeriver(testMnemonic)
	require.NoError(t, err)

	addr1, err := kd.DeriveAddress(1)
	require.NoError(t, err)
	addr2, err := kd.DeriveAddress(2)
	require.NoError(t, err)

	assert.NotEqual(t, addr1, addr2)
}

func TestDeriveAddressIsEIP55Checksummed(t *testing.T) {
	kd, err := NewKeyDeriver(testMnemonic)
	require.NoError(t, err)

	addr, err := kd.DeriveAddress(7)
	require.NoError(t, err)

	// an all-lowercase or all-uppercase hex body would mean no checksum
	// casing was applied.
	assert.NotEqual(t, addr, "0x"+lower(addr[2:]))
}

func TestDeriveRejectsCustomerIDOutOfRange(t *testing.T) {
	kd, err := NewKeyDeriver(testMnemonic)
	require.NoError(t, err)

	_, err = kd.Derive(uint64(1) << 40)
	assert.Error(t, err)
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
