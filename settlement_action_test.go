package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupSettlementTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&SettlementAction{}))
	return db
}

func TestNewSettlementActionIsPending(t *testing.T) {
	action, err := NewSettlementAction(ActionTypeForward, 1, 8453, ForwardActionData{
		MerchantWallet: "0xdead",
		SettledCents:   1000,
		OnChainUnits:   "1000000",
	})
	require.NoError(t, err)
	assert.Equal(t, SettlementPending, action.Status)
	assert.Equal(t, ActionTypeForward, action.Type)

	decoded, err := action.decodeData()
	require.NoError(t, err)
	assert.Equal(t, int64(1000), decoded.SettledCents)
}

func TestRecordAttemptIncrementsRetries(t *testing.T) {
	db := setupSettlementTestDB(t)
	action, err := NewSettlementAction(ActionTypeFundGas, 1, 8453, ForwardActionData{})
	require.NoError(t, err)
	require.NoError(t, db.Create(action).Error)

	require.NoError(t, action.RecordAttempt(db, errors.New("rpc timeout")))

	assert.Equal(t, 1, action.Retries)
	assert.Equal(t, "rpc timeout", action.Error)
	assert.Equal(t, SettlementPending, action.Status)
}

func TestFailGivesUpAfterMaxRetries(t *testing.T) {
	db := setupSettlementTestDB(t)
	action, err := NewSettlementAction(ActionTypeFundGas, 1, 8453, ForwardActionData{})
	require.NoError(t, err)
	action.Retries = maxActionRetries - 1
	require.NoError(t, db.Create(action).Error)

	require.NoError(t, action.Fail(db, errors.New("out of gas")))

	assert.Equal(t, SettlementFailed, action.Status)
}

func TestFailNeverGivesUpForForwardLeg(t *testing.T) {
	db := setupSettlementTestDB(t)
	action, err := NewSettlementAction(ActionTypeForward, 1, 8453, ForwardActionData{})
	require.NoError(t, err)
	action.Retries = maxActionRetries * 3
	require.NoError(t, db.Create(action).Error)

	require.NoError(t, action.Fail(db, errors.New("nonce too low")))

	assert.Equal(t, SettlementPending, action.Status)
	assert.Equal(t, maxActionRetries*3+1, action.Retries)
}

func TestFailRetriesBeforeExhausted(t *testing.T) {
	db := setupSettlementTestDB(t)
	action, err := NewSettlementAction(ActionTypeForward, 1, 8453, ForwardActionData{})
	require.NoError(t, err)
	require.NoError(t, db.Create(action).Error)

	require.NoError(t, action.Fail(db, errors.New("nonce too low")))

	assert.Equal(t, SettlementPending, action.Status)
	assert.Equal(t, 1, action.Retries)
}

func TestCompleteRecordsTxHash(t *testing.T) {
	db := setupSettlementTestDB(t)
	action, err := NewSettlementAction(ActionTypeForward, 1, 8453, ForwardActionData{})
	require.NoError(t, err)
	action.Error = "stale error from a prior attempt"
	require.NoError(t, db.Create(action).Error)

	require.NoError(t, action.Complete(db, "0xabc123"))

	assert.Equal(t, SettlementCompleted, action.Status)
	assert.Equal(t, "0xabc123", action.TxHash)
	assert.Empty(t, action.Error)
}

func TestGetActionsForChainReturnsOldestFirstAndOnlyPending(t *testing.T) {
	db := setupSettlementTestDB(t)

	a1, _ := NewSettlementAction(ActionTypeForward, 1, 8453, ForwardActionData{})
	a2, _ := NewSettlementAction(ActionTypeForward, 2, 8453, ForwardActionData{})
	a3, _ := NewSettlementAction(ActionTypeForward, 3, 8453, ForwardActionData{})
	a3.Status = SettlementCompleted
	aOther, _ := NewSettlementAction(ActionTypeForward, 4, 1, ForwardActionData{})

	require.NoError(t, db.Create(a1).Error)
	require.NoError(t, db.Create(a2).Error)
	require.NoError(t, db.Create(a3).Error)
	require.NoError(t, db.Create(aOther).Error)

	actions, err := getActionsForChain(db, 8453, 10)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, a1.ID, actions[0].ID)
	assert.Equal(t, a2.ID, actions[1].ID)
}
