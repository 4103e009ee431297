package main

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gorm.io/gorm"
)

// Metrics contains all Prometheus metrics for the gateway.
type Metrics struct {
	DepositsObserved  *prometheus.CounterVec
	SessionsCreated   prometheus.Counter
	SessionsMatched   prometheus.Counter

	SettlementActionsPending *prometheus.GaugeVec
	SettlementsCompleted     *prometheus.CounterVec
	SettlementsFailed        *prometheus.CounterVec

	WebhookDeliveries *prometheus.CounterVec
	WebhookRetries    prometheus.Counter
	WebhookDrops      prometheus.Counter

	ChainHeadLag *prometheus.GaugeVec
}

// NewMetrics initializes and registers Prometheus metrics.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(nil)
}

// NewMetricsWithRegistry initializes and registers Prometheus metrics with a custom registry.
func NewMetricsWithRegistry(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		DepositsObserved: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zeropay_deposits_observed_total",
				Help: "The total number of on-chain deposits recorded",
			},
			[]string{"chain_id", "token"},
		),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "zeropay_sessions_created_total",
			Help: "The total number of payment sessions created",
		}),
		SessionsMatched: factory.NewCounter(prometheus.CounterOpts{
			Name: "zeropay_sessions_matched_total",
			Help: "The total number of payment sessions matched to a deposit",
		}),
		SettlementActionsPending: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "zeropay_settlement_actions_pending",
				Help: "The number of pending settlement actions by chain",
			},
			[]string{"chain_id"},
		),
		SettlementsCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zeropay_settlements_completed_total",
				Help: "The total number of settlement actions completed",
			},
			[]string{"chain_id", "action_type"},
		),
		SettlementsFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zeropay_settlements_failed_total",
				Help: "The total number of settlement actions that failed permanently",
			},
			[]string{"chain_id", "action_type"},
		),
		WebhookDeliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zeropay_webhook_deliveries_total",
				Help: "The total number of webhook delivery attempts by outcome",
			},
			[]string{"outcome"},
		),
		WebhookRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "zeropay_webhook_retries_total",
			Help: "The total number of webhook deliveries scheduled for retry",
		}),
		WebhookDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "zeropay_webhook_drops_total",
			Help: "The total number of webhook deliveries abandoned after exceeding the retry window",
		}),
		ChainHeadLag: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "zeropay_chain_head_lag",
				Help: "Blocks between the chain's reported head and the last block scanned",
			},
			[]string{"chain_id"},
		),
	}
}

// RecordMetricsPeriodically refreshes DB-derived gauges on a fixed tick,
// mirroring the teacher's dual-ticker metrics loop.
func (m *Metrics) RecordMetricsPeriodically(db *gorm.DB, logger Logger) {
	logger = logger.NewSystem("metrics")
	dbTicker := time.NewTicker(15 * time.Second)
	defer dbTicker.Stop()

	for range dbTicker.C {
		m.updatePendingSettlements(db, logger)
	}
}

func (m *Metrics) updatePendingSettlements(db *gorm.DB, logger Logger) {
	type chainCount struct {
		ChainID uint32
		Count   int64
	}

	var results []chainCount
	err := db.Model(&SettlementAction{}).
		Select("chain_id, COUNT(*) as count").
		Where("status = ?", SettlementPending).
		Group("chain_id").
		Scan(&results).Error
	if err != nil {
		logger.Error("failed to update settlement metrics", "err", err)
		return
	}

	m.SettlementActionsPending.Reset()
	for _, row := range results {
		m.SettlementActionsPending.WithLabelValues(strconv.FormatUint(uint64(row.ChainID), 10)).Set(float64(row.Count))
	}
}
