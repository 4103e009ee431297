package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSignBodyMatchesHMACSHA256(t *testing.T) {
	apikey := "merchant-secret"
	body := []byte(`{"event":"session.paid","params":["s1","0xabc",1000]}`)

	mac := hmac.New(sha256.New, []byte(apikey))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))

	assert.Equal(t, want, signBody(apikey, body))
}

func TestSignBodyDiffersByKey(t *testing.T) {
	body := []byte(`{"event":"unknow.paid"}`)
	assert.NotEqual(t, signBody("key-a", body), signBody("key-b", body))
}

func TestNextBackoffGrowsExponentially(t *testing.T) {
	assert.Equal(t, webhookBaseBackoff, nextBackoff(0))
	assert.Equal(t, 2*webhookBaseBackoff, nextBackoff(1))
	assert.Equal(t, 4*webhookBaseBackoff, nextBackoff(2))
}

func TestNextBackoffCapsAtMax(t *testing.T) {
	assert.Equal(t, webhookMaxBackoff, nextBackoff(64))
}

func TestNextBackoffNeverExceedsMax(t *testing.T) {
	for retries := 0; retries < 100; retries++ {
		assert.LessOrEqual(t, nextBackoff(retries), webhookMaxBackoff)
	}
}

func TestNextBackoffIsMonotonicNonDecreasing(t *testing.T) {
	prev := time.Duration(0)
	for retries := 0; retries < 20; retries++ {
		cur := nextBackoff(retries)
		assert.GreaterOrEqual(t, cur, prev)
		prev = cur
	}
}
