package main

import (
	"time"

	"gorm.io/datatypes"
)

// Merchant is created out-of-band by an operator; apikey doubles as the
// HMAC secret for outbound webhooks and is immutable once issued.
type Merchant struct {
	ID         uint64 `gorm:"primaryKey"`
	Account    string `gorm:"column:account;type:varchar(255);not null"`
	Name       string `gorm:"column:name;type:varchar(255);not null;uniqueIndex"`
	APIKey     string `gorm:"column:apikey;type:varchar(255);not null;uniqueIndex"`
	WebhookURL string `gorm:"column:webhook_url;type:text;not null"`
	EthAddress string `gorm:"column:eth_address;type:varchar(42);not null"`
	CreatedAt  time.Time
}

func (Merchant) TableName() string { return "merchants" }

// Customer is created lazily on the first session for a (merchant, account)
// pair. EthAddress is derived once via the key derivation service and never
// changes for the customer's lifetime.
type Customer struct {
	ID         uint64 `gorm:"primaryKey"`
	MerchantID uint64 `gorm:"column:merchant_id;not null;index"`
	Account    string `gorm:"column:account;type:varchar(255);not null"`
	EthAddress string `gorm:"column:eth;type:varchar(42);not null;uniqueIndex"`
	CreatedAt  time.Time
}

func (Customer) TableName() string { return "customers" }

// Session moves Created -> Paid (deposit_id set) -> Settled (sent=true).
// Never deleted; expiry is evaluated only at match time, never swept.
type Session struct {
	ID         uint64  `gorm:"primaryKey"`
	CustomerID uint64  `gorm:"column:customer_id;not null;index:idx_sessions_customer_expiry"`
	DepositID  *uint64 `gorm:"column:deposit_id"`
	Amount     int64   `gorm:"column:amount;not null"`
	Sent       bool    `gorm:"column:sent;not null;default:false"`
	CreatedAt  time.Time
	UpdatedAt  time.Time `gorm:"column:updated_at"`
	ExpiresAt  time.Time `gorm:"column:expires_at;index:idx_sessions_customer_expiry"`
}

func (Session) TableName() string { return "sessions" }

// Deposit is created on a confirmed inbound ERC-20 transfer. SettledAmount
// (the amount net of commission) is written when the deposit is matched;
// SettledTx and SettledAt are written once the forwarding transaction has
// confirmed. A deposit belongs to zero or one session; zero means orphan.
type Deposit struct {
	ID            uint64  `gorm:"primaryKey"`
	CustomerID    uint64  `gorm:"column:customer_id;not null;index"`
	ChainID       uint32  `gorm:"column:chain_id;not null"`
	Token         string  `gorm:"column:token;type:varchar(42);not null"`
	Amount        int64   `gorm:"column:amount;not null"`
	TxHash        string  `gorm:"column:tx;type:varchar(66);not null;uniqueIndex:idx_deposits_tx_logindex"`
	LogIndex      uint    `gorm:"column:log_index;not null;uniqueIndex:idx_deposits_tx_logindex"`
	CreatedAt     time.Time
	SettledAmount *int64     `gorm:"column:settled_amount"`
	SettledTx     *string    `gorm:"column:settled_tx;type:varchar(66)"`
	SettledAt     *time.Time `gorm:"column:settled_at"`
}

func (Deposit) TableName() string { return "deposits" }

type SettlementActionType string
type SettlementActionStatus string

const (
	ActionTypeFundGas SettlementActionType = "fund_gas"
	ActionTypeForward SettlementActionType = "forward"
)

const (
	SettlementPending   SettlementActionStatus = "pending"
	SettlementCompleted SettlementActionStatus = "completed"
	SettlementFailed    SettlementActionStatus = "failed"
)

// SettlementAction is the durable outbox entry driving the settlement
// executor, adapted from the teacher's BlockchainAction checkpoint outbox:
// one row per deposit per leg (gas funding, then forwarding), retried with
// backoff until completed or permanently failed.
type SettlementAction struct {
	ID        int64                  `gorm:"primaryKey"`
	Type      SettlementActionType   `gorm:"column:action_type;not null"`
	DepositID uint64                 `gorm:"column:deposit_id;not null;index"`
	ChainID   uint32                 `gorm:"column:chain_id;not null;index"`
	Data      datatypes.JSON         `gorm:"column:action_data;type:text;not null"`
	Status    SettlementActionStatus `gorm:"column:status;not null;index"`
	Retries   int                    `gorm:"column:retry_count;default:0"`
	Error     string                 `gorm:"column:last_error;type:text"`
	TxHash    string                 `gorm:"column:transaction_hash;type:varchar(66)"`
	CreatedAt time.Time              `gorm:"column:created_at"`
	UpdatedAt time.Time              `gorm:"column:updated_at"`
}

func (SettlementAction) TableName() string { return "settlement_actions" }

type ForwardActionData struct {
	MerchantWallet string `json:"merchant_wallet"`
	SettledCents   int64  `json:"settled_cents"`
	OnChainUnits   string `json:"on_chain_units"`
	GasTxHash      string `json:"gas_tx_hash,omitempty"`
}

type WebhookDeliveryStatus string

const (
	WebhookPending   WebhookDeliveryStatus = "pending"
	WebhookDelivered WebhookDeliveryStatus = "delivered"
	WebhookDropped   WebhookDeliveryStatus = "dropped"
)

// WebhookDelivery tracks the retry/backoff state of one queued webhook body.
// The body is stored both here and in the envelope on the Redis list; this
// row is the retry ledger,
// mirroring the teacher's BlockchainAction outbox shape but keyed by
// merchant instead of chain.
type WebhookDelivery struct {
	ID          int64                 `gorm:"primaryKey"`
	MerchantID  uint64                `gorm:"column:merchant_id;not null;index"`
	Event       string                `gorm:"column:event;type:varchar(32);not null"`
	Body        string                `gorm:"column:body;type:text;not null"`
	Status      WebhookDeliveryStatus `gorm:"column:status;not null;index"`
	Retries     int                   `gorm:"column:retry_count;default:0"`
	Error       string                `gorm:"column:last_error;type:text"`
	NextAttempt time.Time             `gorm:"column:next_attempt_at;index"`
	FirstQueued time.Time             `gorm:"column:first_queued_at;not null"`
	CreatedAt   time.Time
	UpdatedAt   time.Time `gorm:"column:updated_at"`
}

func (WebhookDelivery) TableName() string { return "webhook_deliveries" }
