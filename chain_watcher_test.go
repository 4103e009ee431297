package main

import (
	"context"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestExtractAdvisedBlockRange(t *testing.T) {
	lo, hi, ok := extractAdvisedBlockRange("query returned more than 10000 results, try with the range [0x1, 0xa]")
	require.True(t, ok)
	assert.Equal(t, uint64(1), lo)
	assert.Equal(t, uint64(10), hi)
}

func TestExtractAdvisedBlockRangeNoMatch(t *testing.T) {
	_, _, ok := extractAdvisedBlockRange("connection refused")
	assert.False(t, ok)
}

func TestTokenAddressesReflectsConfiguredTokens(t *testing.T) {
	w := &ChainWatcher{
		cfg: ChainConfig{
			Tokens: map[string]TokenConfig{
				"USDC": {Symbol: "USDC", Address: "0x0000000000000000000000000000000000000aaa", Decimals: 6},
				"USDT": {Symbol: "USDT", Address: "0x00000000000000000000000000000000000bbb", Decimals: 6},
			},
		},
	}

	addrs := w.tokenAddresses()
	assert.Len(t, addrs, 2)
	assert.Contains(t, addrs, common.HexToAddress("0x0000000000000000000000000000000000000aaa"))
	assert.Contains(t, addrs, common.HexToAddress("0x00000000000000000000000000000000000bbb"))
}

func setupChainWatcherTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Customer{}, &Deposit{}))
	return db
}

func TestRecordDepositIgnoresUnknownToken(t *testing.T) {
	db := setupChainWatcherTestDB(t)
	w := &ChainWatcher{
		db:     db,
		logger: NewLoggerIPFS("test"),
		cfg: ChainConfig{
			ID:     8453,
			Tokens: map[string]TokenConfig{"USDC": {Symbol: "USDC", Address: "0x0000000000000000000000000000000000000aaa", Decimals: 6}},
		},
	}

	err := w.recordDeposit(context.Background(), TokenTransfer{
		Token:    common.HexToAddress("0x00000000000000000000000000000000000fff"),
		To:       common.HexToAddress("0x00000000000000000000000000000000000001"),
		Value:    big.NewInt(1_000_000),
		TxHash:   common.HexToHash("0xaa"),
		LogIndex: 0,
	})
	require.NoError(t, err)

	var count int64
	db.Model(&Deposit{}).Count(&count)
	assert.Zero(t, count)
}

func TestRecordDepositIgnoresUnknownCustomer(t *testing.T) {
	db := setupChainWatcherTestDB(t)
	w := &ChainWatcher{
		db:     db,
		logger: NewLoggerIPFS("test"),
		cfg: ChainConfig{
			ID:     8453,
			Tokens: map[string]TokenConfig{"USDC": {Symbol: "USDC", Address: "0x0000000000000000000000000000000000000aaa", Decimals: 6}},
		},
	}

	err := w.recordDeposit(context.Background(), TokenTransfer{
		Token:    common.HexToAddress("0x0000000000000000000000000000000000000aaa"),
		To:       common.HexToAddress("0x00000000000000000000000000000000000fff"),
		Value:    big.NewInt(1_000_000),
		TxHash:   common.HexToHash("0xaa"),
		LogIndex: 0,
	})
	require.NoError(t, err)

	var count int64
	db.Model(&Deposit{}).Count(&count)
	assert.Zero(t, count)
}

func TestRecordDepositCreatesDepositAndInvokesOnPaid(t *testing.T) {
	db := setupChainWatcherTestDB(t)
	customer := Customer{MerchantID: 1, Account: "c1", EthAddress: "0x000000000000000000000000000000000000000d"}
	require.NoError(t, db.Create(&customer).Error)

	var paid *Deposit
	w := &ChainWatcher{
		db:     db,
		logger: NewLoggerIPFS("test"),
		cfg: ChainConfig{
			ID:     8453,
			Tokens: map[string]TokenConfig{"USDC": {Symbol: "USDC", Address: "0x0000000000000000000000000000000000000aaa", Decimals: 6}},
		},
		onPaid: func(ctx context.Context, d *Deposit) { paid = d },
	}

	err := w.recordDeposit(context.Background(), TokenTransfer{
		Token:    common.HexToAddress("0x0000000000000000000000000000000000000aaa"),
		To:       common.HexToAddress(customer.EthAddress),
		Value:    big.NewInt(1_000_000),
		TxHash:   common.HexToHash("0xaa"),
		LogIndex: 0,
	})
	require.NoError(t, err)
	require.NotNil(t, paid)
	assert.Equal(t, int64(100), paid.Amount)

	var count int64
	db.Model(&Deposit{}).Count(&count)
	assert.EqualValues(t, 1, count)
}

func TestRecordDepositDeduplicatesOnTxAndLogIndex(t *testing.T) {
	db := setupChainWatcherTestDB(t)
	customer := Customer{MerchantID: 1, Account: "c1", EthAddress: "0x000000000000000000000000000000000000000E"}
	require.NoError(t, db.Create(&customer).Error)

	w := &ChainWatcher{
		db:     db,
		logger: NewLoggerIPFS("test"),
		cfg: ChainConfig{
			ID:     8453,
			Tokens: map[string]TokenConfig{"USDC": {Symbol: "USDC", Address: "0x0000000000000000000000000000000000000aaa", Decimals: 6}},
		},
	}

	transfer := TokenTransfer{
		Token:    common.HexToAddress("0x0000000000000000000000000000000000000aaa"),
		To:       common.HexToAddress(customer.EthAddress),
		Value:    big.NewInt(1_000_000),
		TxHash:   common.HexToHash("0xbb"),
		LogIndex: 0,
	}

	require.NoError(t, w.recordDeposit(context.Background(), transfer))
	require.NoError(t, w.recordDeposit(context.Background(), transfer))

	var count int64
	db.Model(&Deposit{}).Count(&count)
	assert.EqualValues(t, 1, count)
}
