package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server configuration
	Environment string

	// Redis configuration
	RedisURL  string
	QueueName string

	// PubNub configuration
	PubNubPublishKey   string
	PubNubSubscribeKey string
	PubNubSecretKey    string
	PubNubUUID         string
	PubNubChannel      string

	// Turn configuration
	TurnTTL          time.Duration
	SessionRetention time.Duration
	TickInterval     time.Duration
	TickTimeout      time.Duration
	AnnounceDebounce time.Duration
	SubscriberBuffer int

	// Scoring configuration
	Scorer         string
	ScorerURL      string
	ScorerTimeout  time.Duration
	RerankSchedule string

	// Security
	BookingRateLimit int
	AdminKeyHash     string

	// Monitoring
	EnableMetrics   bool
	MetricsPort     string
	MetricsInterval time.Duration
}

// LoadConfig reads the environment, after merging an optional .env file.
func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to load .env file", "error", err)
	}

	return &Config{
		// Server
		Environment: getEnv("ENVIRONMENT", "development"),

		// Redis
		RedisURL:  getEnv("REDIS_URL", "localhost:6379"),
		QueueName: getEnv("QUEUE_NAME", "eventQueue"),

		// PubNub
		PubNubPublishKey:   getEnv("PUBNUB_PUBLISH_KEY", ""),
		PubNubSubscribeKey: getEnv("PUBNUB_SUBSCRIBE_KEY", ""),
		PubNubSecretKey:    getEnv("PUBNUB_SECRET_KEY", ""),
		PubNubUUID:         getEnv("PUBNUB_UUID", "ticket-queue-server"),
		PubNubChannel:      getEnv("PUBNUB_CHANNEL", "queue-updates"),

		// Turns
		TurnTTL:          getEnvAsDuration("TURN_TTL", "60s"),
		SessionRetention: getEnvAsDuration("SESSION_RETENTION", "65s"),
		TickInterval:     getEnvAsDuration("TICK_INTERVAL", "5s"),
		TickTimeout:      getEnvAsDuration("TICK_TIMEOUT", "3s"),
		AnnounceDebounce: getEnvAsDuration("ANNOUNCE_DEBOUNCE", "10s"),
		SubscriberBuffer: getEnvAsInt("SUBSCRIBER_BUFFER", 16),

		// Scoring
		Scorer:         getEnv("SCORER", "records"),
		ScorerURL:      getEnv("SCORER_URL", ""),
		ScorerTimeout:  getEnvAsDuration("SCORER_TIMEOUT", "3s"),
		RerankSchedule: getEnv("RERANK_SCHEDULE", ""),

		// Security
		BookingRateLimit: getEnvAsInt("BOOKING_RATE_LIMIT", 30),
		AdminKeyHash:     getEnv("ADMIN_KEY_HASH", ""),

		// Monitoring
		EnableMetrics:   getEnvAsBool("ENABLE_METRICS", true),
		MetricsPort:     getEnv("METRICS_PORT", "9090"),
		MetricsInterval: getEnvAsDuration("METRICS_INTERVAL", "30s"),
	}
}

// RetentionGrace is how long a session record outlives its logical expiry so
// a late status check can still report "just expired".
func (c *Config) RetentionGrace() time.Duration {
	if c.SessionRetention <= c.TurnTTL {
		return 0
	}
	return c.SessionRetention - c.TurnTTL
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := getEnv(key, defaultValue)
	if duration, err := time.ParseDuration(valueStr); err == nil {
		return duration
	}
	// If parsing fails, try to parse default value
	duration, _ := time.ParseDuration(defaultValue)
	return duration
}
