package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg := LoadConfig()

	assert.Equal(t, "eventQueue", cfg.QueueName)
	assert.Equal(t, 60*time.Second, cfg.TurnTTL)
	assert.Equal(t, 65*time.Second, cfg.SessionRetention)
	assert.Equal(t, 5*time.Second, cfg.TickInterval)
	assert.Equal(t, 10*time.Second, cfg.AnnounceDebounce)
	assert.Equal(t, "records", cfg.Scorer)
	assert.Equal(t, 5*time.Second, cfg.RetentionGrace())
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("TURN_TTL", "2m")
	t.Setenv("TICK_INTERVAL", "not-a-duration")
	t.Setenv("SUBSCRIBER_BUFFER", "64")
	t.Setenv("ENABLE_METRICS", "false")

	cfg := LoadConfig()

	assert.Equal(t, 2*time.Minute, cfg.TurnTTL)
	assert.Equal(t, 5*time.Second, cfg.TickInterval)
	assert.Equal(t, 64, cfg.SubscriberBuffer)
	assert.False(t, cfg.EnableMetrics)
	// retention shorter than the ttl gives no grace
	assert.Equal(t, time.Duration(0), cfg.RetentionGrace())
}
