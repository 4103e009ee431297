package main

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
)

func TestOnChainToCentsRoundTrip(t *testing.T) {
	cases := []struct {
		name     string
		decimals uint8
		cents    int64
	}{
		{"usdc 6 decimals", 6, 12345},
		{"weth-style 18 decimals", 18, 500},
		{"1 decimal token", 1, 990},
		{"0 decimal token", 0, 4200},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			onChain := centsToOnChain(c.cents, c.decimals)
			got := onChainToCents(onChain, c.decimals)
			assert.Equal(t, c.cents, got)
		})
	}
}

func TestOnChainToCentsFloorsDust(t *testing.T) {
	// 6-decimal token: one cent is 10^4 base units. 10_005 base units is
	// one cent plus 5 units of dust, which must be floored away.
	amount := big.NewInt(10_005)
	assert.Equal(t, int64(1), onChainToCents(amount, 6))
}

func TestPackERC20Transfer(t *testing.T) {
	to := common.HexToAddress("0x000000000000000000000000000000000000aa")
	data := packERC20Transfer(to, big.NewInt(1000))

	assert.Equal(t, erc20TransferSelector, data[:4])
	assert.Len(t, data, 4+64)
}

func TestDecodeTransferLogRejectsWrongTopicCount(t *testing.T) {
	l := types.Log{Topics: []common.Hash{erc20TransferSig}}
	_, ok := decodeTransferLog(l)
	assert.False(t, ok)
}
