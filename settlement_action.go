package main

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const maxActionRetries = 5

// NewSettlementAction builds a pending SettlementAction for a deposit leg,
// adapted from the teacher's CreateCheckpoint constructor.
func NewSettlementAction(actionType SettlementActionType, depositID uint64, chainID uint32, data ForwardActionData) (*SettlementAction, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &SettlementAction{
		Type:      actionType,
		DepositID: depositID,
		ChainID:   chainID,
		Data:      datatypes.JSON(raw),
		Status:    SettlementPending,
	}, nil
}

func (a *SettlementAction) decodeData() (ForwardActionData, error) {
	var data ForwardActionData
	if err := json.Unmarshal(a.Data, &data); err != nil {
		return ForwardActionData{}, err
	}
	return data, nil
}

// RecordAttempt increments the retry counter and stores the failure reason
// without changing status, used for transient errors that should retry.
func (a *SettlementAction) RecordAttempt(db *gorm.DB, attemptErr error) error {
	a.Retries++
	if attemptErr != nil {
		a.Error = attemptErr.Error()
	}
	a.UpdatedAt = time.Now()
	return db.Save(a).Error
}

// Fail records a transient failure. Gas funding gives up (FailNoRetry) once
// it has exhausted maxActionRetries, since it draws from the admin wallet
// and repeated failure there means the admin wallet is misconfigured or
// underfunded, an operator problem rather than a transient one. Forwarding
// legs never give up this way: the deposit is already on the customer's
// derived address, so the only way it reaches the merchant is this same
// action eventually succeeding, and it retries indefinitely with backoff.
func (a *SettlementAction) Fail(db *gorm.DB, attemptErr error) error {
	if a.Type == ActionTypeFundGas && a.Retries+1 >= maxActionRetries {
		return a.FailNoRetry(db, attemptErr)
	}
	return a.RecordAttempt(db, attemptErr)
}

// FailNoRetry marks the action permanently failed; the settlement worker
// will not pick it up again.
func (a *SettlementAction) FailNoRetry(db *gorm.DB, attemptErr error) error {
	a.Status = SettlementFailed
	if attemptErr != nil {
		a.Error = attemptErr.Error()
	}
	a.UpdatedAt = time.Now()
	return db.Save(a).Error
}

// Complete marks the action settled with its on-chain transaction hash.
func (a *SettlementAction) Complete(db *gorm.DB, txHash string) error {
	a.Status = SettlementCompleted
	a.TxHash = txHash
	a.Error = ""
	a.UpdatedAt = time.Now()
	return db.Save(a).Error
}

// getActionsForChain returns up to limit pending actions for a chain, oldest
// first, mirroring the teacher's getActionsForChain query shape.
func getActionsForChain(db *gorm.DB, chainID uint32, limit int) ([]SettlementAction, error) {
	var actions []SettlementAction
	err := db.Where("chain_id = ? AND status = ?", chainID, SettlementPending).
		Order("id ASC").
		Limit(limit).
		Find(&actions).Error
	return actions, err
}
