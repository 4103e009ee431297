package main

import (
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeSignatureRequires65Bytes(t *testing.T) {
	_, err := decodeSignature("0x1234")
	assert.Error(t, err)
}

func TestDecodeSignatureAcceptsValid65Bytes(t *testing.T) {
	sig := "0x" + strings.Repeat("ab", 65)
	b, err := decodeSignature(sig)
	require.NoError(t, err)
	assert.Len(t, b, 65)
}

func TestDecodeSignatureRejectsInvalidHex(t *testing.T) {
	_, err := decodeSignature("0xnothex")
	assert.Error(t, err)
}

func TestDecodeNonceRoundTripsFullWidth(t *testing.T) {
	hexNonce := "0x" + strings.Repeat("11", 32)
	nonce := decodeNonce(hexNonce)
	assert.Equal(t, hexNonce, "0x"+common.Bytes2Hex(nonce[:]))
}

func TestDecodeNonceLeftPadsShortValue(t *testing.T) {
	nonce := decodeNonce("0xff")
	for i := 0; i < 31; i++ {
		assert.Equal(t, byte(0), nonce[i])
	}
	assert.Equal(t, byte(0xff), nonce[31])
}

func TestDomainSeparatorIsDeterministic(t *testing.T) {
	d1 := domainSeparator("USD Coin", "2", 8453, "0x0000000000000000000000000000000000000aa")
	d2 := domainSeparator("USD Coin", "2", 8453, "0x0000000000000000000000000000000000000aa")
	assert.Equal(t, d1, d2)
}

func TestDomainSeparatorDiffersByChain(t *testing.T) {
	d1 := domainSeparator("USD Coin", "2", 8453, "0x0000000000000000000000000000000000000aa")
	d2 := domainSeparator("USD Coin", "2", 1, "0x0000000000000000000000000000000000000aa")
	assert.NotEqual(t, d1, d2)
}

func TestAuthHashIsDeterministic(t *testing.T) {
	from := common.HexToAddress("0x00000000000000000000000000000000000001")
	to := common.HexToAddress("0x00000000000000000000000000000000000002")
	nonce := decodeNonce("0xaa")

	h1 := authHash(from, to, big.NewInt(1000), big.NewInt(0), big.NewInt(999999999), nonce)
	h2 := authHash(from, to, big.NewInt(1000), big.NewInt(0), big.NewInt(999999999), nonce)
	assert.Equal(t, h1, h2)
}

func TestAuthHashDiffersByValue(t *testing.T) {
	from := common.HexToAddress("0x00000000000000000000000000000000000001")
	to := common.HexToAddress("0x00000000000000000000000000000000000002")
	nonce := decodeNonce("0xaa")

	h1 := authHash(from, to, big.NewInt(1000), big.NewInt(0), big.NewInt(999999999), nonce)
	h2 := authHash(from, to, big.NewInt(2000), big.NewInt(0), big.NewInt(999999999), nonce)
	assert.NotEqual(t, h1, h2)
}

func TestPackTransferWithAuthLength(t *testing.T) {
	from := common.HexToAddress("0x00000000000000000000000000000000000001")
	to := common.HexToAddress("0x00000000000000000000000000000000000002")
	nonce := decodeNonce("0xaa")
	r := [32]byte{1}
	s := [32]byte{2}

	data := packTransferWithAuth(from, to, big.NewInt(1000), big.NewInt(0), big.NewInt(999999999), nonce, 27, r, s)

	assert.Len(t, data, 4+9*32)
	assert.Equal(t, transferWithAuthSelector, data[:4])
}

func TestRequirementsUnknownChainErrors(t *testing.T) {
	f := NewX402Facilitator(map[uint32]ChainConfig{})
	_, err := f.Requirements(999, "USDC", 1, "0xpay", 100)
	assert.Error(t, err)
}

func TestRequirementsComputesOnChainAmount(t *testing.T) {
	f := NewX402Facilitator(map[uint32]ChainConfig{
		8453: {
			ID: 8453,
			Tokens: map[string]TokenConfig{
				"USDC": {Symbol: "USDC", Address: "0x00000000000000000000000000000000000aa0", Decimals: 6},
			},
		},
	})

	req, err := f.Requirements(8453, "USDC", 1, "0xpayee", 150)
	require.NoError(t, err)
	assert.Equal(t, "eip155:8453", req.Network)
	assert.Equal(t, "0xpayee", req.PayTo)
	assert.Equal(t, "1500000", req.Amount)
	assert.NotEmpty(t, req.Nonce)
}

func TestRequirementsIssuesUniqueNoncesClaimableOnce(t *testing.T) {
	f := NewX402Facilitator(map[uint32]ChainConfig{
		8453: {
			ID: 8453,
			Tokens: map[string]TokenConfig{
				"USDC": {Symbol: "USDC", Address: "0x00000000000000000000000000000000000aa0", Decimals: 6},
			},
		},
	})

	req1, err := f.Requirements(8453, "USDC", 42, "0xpayee", 150)
	require.NoError(t, err)
	req2, err := f.Requirements(8453, "USDC", 43, "0xpayee", 150)
	require.NoError(t, err)
	assert.NotEqual(t, req1.Nonce, req2.Nonce)

	customerID, payTo, amount, ok := f.ClaimPending(req1.Nonce)
	require.True(t, ok)
	assert.Equal(t, uint64(42), customerID)
	assert.Equal(t, "0xpayee", payTo)
	assert.Equal(t, "1500000", amount.String())

	_, _, _, ok = f.ClaimPending(req1.Nonce)
	assert.False(t, ok, "a nonce must not be claimable twice")
}

func TestClaimPendingRejectsUnknownNonce(t *testing.T) {
	f := NewX402Facilitator(map[uint32]ChainConfig{})
	_, _, _, ok := f.ClaimPending("0xdeadbeef")
	assert.False(t, ok)
}
