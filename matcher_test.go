package main

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupMatcherTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Merchant{}, &Customer{}, &Session{}, &Deposit{}, &SettlementAction{}))
	return db
}

func seedMerchantAndCustomer(t *testing.T, db *gorm.DB) (Merchant, Customer) {
	t.Helper()
	merchant := Merchant{Account: "acme", Name: t.Name(), APIKey: "key-" + t.Name(), WebhookURL: "https://example.test/hook", EthAddress: "0xmerchant"}
	require.NoError(t, db.Create(&merchant).Error)
	customer := Customer{MerchantID: merchant.ID, Account: "customer-1", EthAddress: "0xcustomer" + t.Name()}
	require.NoError(t, db.Create(&customer).Error)
	return merchant, customer
}

func testChains() map[uint32]ChainConfig {
	return map[uint32]ChainConfig{
		8453: {ID: 8453, Commission: 1, CommissionMin: 1, CommissionMax: 1000},
	}
}

func TestMatchBindsOldestEligibleSession(t *testing.T) {
	db := setupMatcherTestDB(t)
	_, customer := seedMerchantAndCustomer(t, db)

	older := Session{CustomerID: customer.ID, Amount: 1000, CreatedAt: time.Now().Add(-time.Hour), ExpiresAt: time.Now().Add(time.Hour)}
	newer := Session{CustomerID: customer.ID, Amount: 1000, CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, db.Create(&older).Error)
	require.NoError(t, db.Create(&newer).Error)

	deposit := Deposit{CustomerID: customer.ID, ChainID: 8453, Token: "0xusdc", Amount: 1000, TxHash: "0xtx1", LogIndex: 0}
	require.NoError(t, db.Create(&deposit).Error)

	m := NewSessionMatcher(db, testChains(), nil, nil, NewLoggerIPFS("test"))
	require.NoError(t, m.Match(context.Background(), &deposit))

	var matched Session
	require.NoError(t, db.First(&matched, older.ID).Error)
	require.NotNil(t, matched.DepositID)
	assert.Equal(t, deposit.ID, *matched.DepositID)

	var untouched Session
	require.NoError(t, db.First(&untouched, newer.ID).Error)
	assert.Nil(t, untouched.DepositID)
}

func TestMatchIgnoresExpiredSessions(t *testing.T) {
	db := setupMatcherTestDB(t)
	_, customer := seedMerchantAndCustomer(t, db)

	expired := Session{CustomerID: customer.ID, Amount: 1000, ExpiresAt: time.Now().Add(-time.Minute)}
	require.NoError(t, db.Create(&expired).Error)

	deposit := Deposit{CustomerID: customer.ID, ChainID: 8453, Token: "0xusdc", Amount: 1000, TxHash: "0xtx2", LogIndex: 0}
	require.NoError(t, db.Create(&deposit).Error)

	m := NewSessionMatcher(db, testChains(), nil, nil, NewLoggerIPFS("test"))
	require.NoError(t, m.Match(context.Background(), &deposit))

	var stillOpen Session
	require.NoError(t, db.First(&stillOpen, expired.ID).Error)
	assert.Nil(t, stillOpen.DepositID)
}

func TestMatchToleratesOverpayment(t *testing.T) {
	db := setupMatcherTestDB(t)
	_, customer := seedMerchantAndCustomer(t, db)

	session := Session{CustomerID: customer.ID, Amount: 500, ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, db.Create(&session).Error)

	deposit := Deposit{CustomerID: customer.ID, ChainID: 8453, Token: "0xusdc", Amount: 1000, TxHash: "0xtx3", LogIndex: 0}
	require.NoError(t, db.Create(&deposit).Error)

	m := NewSessionMatcher(db, testChains(), nil, nil, NewLoggerIPFS("test"))
	require.NoError(t, m.Match(context.Background(), &deposit))

	var matched Session
	require.NoError(t, db.First(&matched, session.ID).Error)
	require.NotNil(t, matched.DepositID)
}

func TestMatchCreatesSettlementActionForUnmatchedDeposit(t *testing.T) {
	db := setupMatcherTestDB(t)
	_, customer := seedMerchantAndCustomer(t, db)

	deposit := Deposit{CustomerID: customer.ID, ChainID: 8453, Token: "0xusdc", Amount: 1000, TxHash: "0xtx4", LogIndex: 0}
	require.NoError(t, db.Create(&deposit).Error)

	m := NewSessionMatcher(db, testChains(), nil, nil, NewLoggerIPFS("test"))
	require.NoError(t, m.Match(context.Background(), &deposit))

	var actions []SettlementAction
	require.NoError(t, db.Find(&actions).Error)
	require.Len(t, actions, 1)
	assert.Equal(t, ActionTypeFundGas, actions[0].Type)
	assert.Equal(t, deposit.ID, actions[0].DepositID)
}

func TestMatchSkipsSettlementOnUnconfiguredChain(t *testing.T) {
	db := setupMatcherTestDB(t)
	_, customer := seedMerchantAndCustomer(t, db)

	deposit := Deposit{CustomerID: customer.ID, ChainID: 999, Token: "0xusdc", Amount: 1000, TxHash: "0xtx5", LogIndex: 0}
	require.NoError(t, db.Create(&deposit).Error)

	m := NewSessionMatcher(db, map[uint32]ChainConfig{}, nil, nil, NewLoggerIPFS("test"))
	require.NoError(t, m.Match(context.Background(), &deposit))

	var actions []SettlementAction
	require.NoError(t, db.Find(&actions).Error)
	assert.Empty(t, actions)
}
