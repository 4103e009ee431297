package main

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SessionMatcher binds a confirmed Deposit to the oldest eligible, unexpired
// Session for the same customer, and kicks off settlement for the matched
// amount. Matching is the only place expiry is evaluated; there is no
// separate sweeper, mirroring the teacher's preference for work done at the
// point of use over background cleanup passes.
type SessionMatcher struct {
	db      *gorm.DB
	chains  map[uint32]ChainConfig
	webhook *WebhookNotifier
	metrics *Metrics
	logger  Logger
}

func NewSessionMatcher(db *gorm.DB, chains map[uint32]ChainConfig, webhook *WebhookNotifier, metrics *Metrics, logger Logger) *SessionMatcher {
	return &SessionMatcher{db: db, chains: chains, webhook: webhook, metrics: metrics, logger: logger.NewSystem("session-matcher")}
}

// Match runs the match-or-unknow decision for a newly recorded deposit.
func (m *SessionMatcher) Match(ctx context.Context, deposit *Deposit) error {
	var merchant Merchant
	var customer Customer
	var session Session
	matched := false

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&customer, deposit.CustomerID).Error; err != nil {
			return err
		}
		if err := tx.First(&merchant, customer.MerchantID).Error; err != nil {
			return err
		}

		sessionQuery := tx
		if tx.Dialector.Name() == "postgres" {
			// SKIP LOCKED only makes sense (and only parses) against
			// postgres; sqlite has no row-level locking and serializes
			// writers at the connection level instead.
			sessionQuery = tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		err := sessionQuery.
			Where("customer_id = ? AND deposit_id IS NULL AND amount <= ? AND expires_at > ?",
				deposit.CustomerID, deposit.Amount, time.Now()).
			Order("created_at ASC").
			First(&session).Error
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				return nil
			}
			return err
		}

		session.DepositID = &deposit.ID
		session.UpdatedAt = time.Now()
		if err := tx.Save(&session).Error; err != nil {
			return err
		}
		matched = true
		return nil
	})
	if err != nil {
		return err
	}
	if matched && m.metrics != nil {
		m.metrics.SessionsMatched.Inc()
	}

	cfg, ok := m.chains[deposit.ChainID]
	if !ok {
		m.logger.Error("deposit on unconfigured chain, skipping settlement", "deposit_id", deposit.ID, "chain_id", deposit.ChainID)
		return nil
	}

	commission := ClampCommission(deposit.Amount, cfg.Commission, cfg.CommissionMin, cfg.CommissionMax)
	settled := deposit.Amount - commission
	if settled <= 0 {
		m.logger.Warn("commission consumes entire deposit, skipping forwarding", "deposit_id", deposit.ID)
		settled = 0
	}

	if err := m.db.WithContext(ctx).Model(deposit).Update("settled_amount", settled).Error; err != nil {
		return err
	}

	if m.webhook != nil && merchant.ID != 0 {
		event := "unknow.paid"
		params := []interface{}{customer.Account, deposit.Amount}
		if matched {
			event = "session.paid"
			params = []interface{}{session.ID, customer.Account, deposit.Amount}
		}
		m.webhook.Enqueue(ctx, merchant, event, params)
	}

	if settled > 0 {
		data := ForwardActionData{MerchantWallet: merchant.EthAddress, SettledCents: settled}
		action, err := NewSettlementAction(ActionTypeFundGas, deposit.ID, deposit.ChainID, data)
		if err != nil {
			return err
		}
		if err := m.db.WithContext(ctx).Create(action).Error; err != nil {
			return err
		}
		return nil
	}

	// settled <= 0: no on-chain leg runs, so the deposit is stamped settled and
	// a matched session marked sent here; the settled webhook still fires
	// with a zero value, matching the spec's zero-commission-remainder case.
	if err := m.db.WithContext(ctx).Model(deposit).Update("settled_at", time.Now()).Error; err != nil {
		return err
	}
	if matched {
		if err := m.db.WithContext(ctx).Model(&session).Update("sent", true).Error; err != nil {
			return err
		}
	}
	if m.webhook != nil && merchant.ID != 0 {
		event := "unknow.settled"
		params := []interface{}{customer.Account, int64(0)}
		if matched {
			event = "session.settled"
			params = []interface{}{session.ID, customer.Account, int64(0)}
		}
		m.webhook.Enqueue(ctx, merchant, event, params)
	}

	return nil
}
