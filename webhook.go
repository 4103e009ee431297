package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const (
	webhookQueueKey    = "zeropay:webhooks"
	webhookMaxBackoff  = 24 * time.Hour
	webhookBaseBackoff = 5 * time.Second
	webhookHTTPTimeout = 10 * time.Second
)

// webhookEnvelope is what actually rides the Redis list: enough to replay a
// delivery attempt and to re-sign the body with the right merchant's apikey.
type webhookEnvelope struct {
	DeliveryID int64           `json:"delivery_id"`
	MerchantID uint64          `json:"merchant_id"`
	URL        string          `json:"url"`
	APIKey     string          `json:"apikey"`
	Event      string          `json:"event"`
	Body       json.RawMessage `json:"body"`
}

// WebhookNotifier delivers at-least-once, HMAC-signed webhook notifications
// from a durable Redis-backed list, retried with exponential backoff up to
// 24 hours. Ordering is only guaranteed within one session (paid before
// settled), because delivery races across sessions freely.
//
// The queue itself lives in Redis (per the gateway's own REDIS_URL
// configuration); WebhookDelivery in Postgres/sqlite is the retry ledger,
// mirroring the teacher's BlockchainAction outbox shape.
type WebhookNotifier struct {
	db      *gorm.DB
	redis   *redis.Client
	http    *http.Client
	logger  Logger
	metrics *Metrics
}

func NewWebhookNotifier(db *gorm.DB, rdb *redis.Client, metrics *Metrics, logger Logger) *WebhookNotifier {
	return &WebhookNotifier{
		db:      db,
		redis:   rdb,
		http:    &http.Client{Timeout: webhookHTTPTimeout},
		logger:  logger.NewSystem("webhook-notifier"),
		metrics: metrics,
	}
}

// Enqueue durably queues a webhook body for a merchant. params is the exact
// positional array carried on the wire: [session_id, customer, amount] for
// session.paid/session.settled, [customer, amount] for unknow.paid/unknow.settled.
// Failures to reach Redis are logged, not returned, so a transient Redis
// outage never blocks the deposit/settlement path that calls this.
func (n *WebhookNotifier) Enqueue(ctx context.Context, merchant Merchant, event string, params []interface{}) {
	body, err := json.Marshal(map[string]interface{}{
		"event":  event,
		"params": params,
	})
	if err != nil {
		n.logger.Error("failed to marshal webhook body", "err", err)
		return
	}

	delivery := WebhookDelivery{
		MerchantID:  merchant.ID,
		Event:       event,
		Body:        string(body),
		Status:      WebhookPending,
		NextAttempt: time.Now(),
		FirstQueued: time.Now(),
	}
	if err := n.db.WithContext(ctx).Create(&delivery).Error; err != nil {
		n.logger.Error("failed to record webhook delivery", "err", err)
		return
	}

	envelope := webhookEnvelope{
		DeliveryID: delivery.ID,
		MerchantID: merchant.ID,
		URL:        merchant.WebhookURL,
		APIKey:     merchant.APIKey,
		Event:      event,
		Body:       json.RawMessage(body),
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		n.logger.Error("failed to marshal webhook envelope", "err", err)
		return
	}

	if err := n.redis.RPush(ctx, webhookQueueKey, raw).Err(); err != nil {
		n.logger.Error("failed to push webhook to queue", "delivery_id", delivery.ID, "err", err)
	}
}

// Run pops envelopes from the Redis list and delivers them until ctx is
// cancelled, blocking on BLPop between items. A second goroutine promotes
// due retries from the backoff sorted set back onto the list.
func (n *WebhookNotifier) Run(ctx context.Context) {
	go n.promoteRetries(ctx)

	for {
		result, err := n.redis.BLPop(ctx, 5*time.Second, webhookQueueKey).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if err != redis.Nil {
				n.logger.Warn("failed to pop webhook queue", "err", err)
				time.Sleep(time.Second)
			}
			continue
		}

		if len(result) != 2 {
			continue
		}

		var envelope webhookEnvelope
		if err := json.Unmarshal([]byte(result[1]), &envelope); err != nil {
			n.logger.Error("failed to decode webhook envelope", "err", err)
			continue
		}

		n.deliver(ctx, envelope)
	}
}

// promoteRetries moves envelopes whose backoff has elapsed from the
// "zeropay:webhooks:retry" sorted set back onto the main delivery list.
func (n *WebhookNotifier) promoteRetries(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	retryKey := webhookQueueKey + ":retry"
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		due, err := n.redis.ZRangeByScore(ctx, retryKey, &redis.ZRangeBy{
			Min: "-inf",
			Max: fmt.Sprintf("%d", time.Now().Unix()),
		}).Result()
		if err != nil {
			continue
		}

		for _, member := range due {
			pipe := n.redis.TxPipeline()
			pipe.ZRem(ctx, retryKey, member)
			pipe.RPush(ctx, webhookQueueKey, member)
			if _, err := pipe.Exec(ctx); err != nil {
				n.logger.Warn("failed to promote webhook retry", "err", err)
			}
		}
	}
}

func (n *WebhookNotifier) deliver(ctx context.Context, envelope webhookEnvelope) {
	var delivery WebhookDelivery
	if err := n.db.WithContext(ctx).First(&delivery, envelope.DeliveryID).Error; err != nil {
		n.logger.Error("failed to load webhook delivery", "delivery_id", envelope.DeliveryID, "err", err)
		return
	}
	if delivery.Status != WebhookPending {
		return
	}

	err := n.send(ctx, envelope.URL, envelope.APIKey, envelope.Body)
	if err == nil {
		delivery.Status = WebhookDelivered
		delivery.UpdatedAt = time.Now()
		if dbErr := n.db.WithContext(ctx).Save(&delivery).Error; dbErr != nil {
			n.logger.Error("failed to mark webhook delivered", "delivery_id", delivery.ID, "err", dbErr)
		}
		if n.metrics != nil {
			n.metrics.WebhookDeliveries.WithLabelValues("delivered").Inc()
		}
		return
	}

	delivery.Retries++
	delivery.Error = err.Error()

	elapsed := time.Since(delivery.FirstQueued)
	if elapsed >= webhookMaxBackoff {
		delivery.Status = WebhookDropped
		delivery.UpdatedAt = time.Now()
		if dbErr := n.db.WithContext(ctx).Save(&delivery).Error; dbErr != nil {
			n.logger.Error("failed to mark webhook dropped", "delivery_id", delivery.ID, "err", dbErr)
		}
		n.logger.Error("webhook delivery dropped after exceeding backoff window", "delivery_id", delivery.ID)
		if n.metrics != nil {
			n.metrics.WebhookDeliveries.WithLabelValues("dropped").Inc()
			n.metrics.WebhookDrops.Inc()
		}
		return
	}

	backoff := nextBackoff(delivery.Retries)
	delivery.NextAttempt = time.Now().Add(backoff)
	delivery.UpdatedAt = time.Now()
	if dbErr := n.db.WithContext(ctx).Save(&delivery).Error; dbErr != nil {
		n.logger.Error("failed to record webhook retry", "delivery_id", delivery.ID, "err", dbErr)
	}
	if n.metrics != nil {
		n.metrics.WebhookDeliveries.WithLabelValues("retry").Inc()
		n.metrics.WebhookRetries.Inc()
	}

	raw, marshalErr := json.Marshal(envelope)
	if marshalErr != nil {
		return
	}
	n.redis.ZAdd(ctx, webhookQueueKey+":retry", redis.Z{
		Score:  float64(delivery.NextAttempt.Unix()),
		Member: raw,
	})
}

func (n *WebhookNotifier) send(ctx context.Context, url, apikey string, body json.RawMessage) error {
	sig := signBody(apikey, body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-HMAC", sig)

	resp, err := n.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// signBody computes HMAC-SHA256(apikey, body) as lowercase hex, the
// signature merchants verify against the X-HMAC header.
func signBody(apikey string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(apikey))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// nextBackoff computes an exponential backoff capped at webhookMaxBackoff.
func nextBackoff(retries int) time.Duration {
	d := webhookBaseBackoff
	for i := 0; i < retries && d < webhookMaxBackoff; i++ {
		d *= 2
	}
	if d > webhookMaxBackoff {
		d = webhookMaxBackoff
	}
	return d
}
