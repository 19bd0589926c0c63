package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PAYSTACK_SECRET_KEY", "sk_test_x")

	cfg := Load()

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 10*time.Second, cfg.Gateway.Timeout)
	assert.False(t, cfg.Webhook.RequireSignature)
	assert.Equal(t, 15*time.Minute, cfg.Reconcile.OlderThan)
	assert.Equal(t, 100, cfg.Reconcile.Limit)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("GATEWAY_TIMEOUT_SECONDS", "3")
	t.Setenv("WEBHOOK_REQUIRE_SIGNATURE", "true")
	t.Setenv("RECONCILE_OLDER_THAN", "bogus")

	cfg := Load()

	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 3*time.Second, cfg.Gateway.Timeout)
	assert.True(t, cfg.Webhook.RequireSignature)
	assert.Equal(t, 15*time.Minute, cfg.Reconcile.OlderThan)
}
