package monitoring

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

var (
	queueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "queue_length_total",
			Help: "Current number of entries waiting in the ranked queue",
		},
	)

	turnActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "queue_turn_active",
			Help: "1 while a turn session is held, 0 otherwise",
		},
	)

	queueOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_operations_total",
			Help: "Total queue operations",
		},
		[]string{"operation", "status"},
	)

	deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_deliveries_total",
			Help: "Notification deliveries by event type and result",
		},
		[]string{"event", "result"},
	)

	invariantViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_invariant_violations_total",
			Help: "Detected violations of the head/session invariant",
		},
		[]string{"reason"},
	)

	tickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reconciler_tick_duration_seconds",
			Help:    "Duration of reconciler ticks",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
	)

	turnHold = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "turn_hold_duration_seconds",
			Help:    "Time between a turn grant and its completion or expiry",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8),
		},
		[]string{"outcome"},
	)
)

// Monitor records queue metrics. A nil *Monitor is valid and records nothing.
type Monitor struct {
	redis     redis.Cmdable
	rankedKey string
	interval  time.Duration
}

func NewMonitor(redisClient redis.Cmdable, rankedKey string, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{redis: redisClient, rankedKey: rankedKey, interval: interval}
}

// Start collects gauges on an interval until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.collectQueueMetrics(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) collectQueueMetrics(ctx context.Context) {
	length, err := m.redis.ZCard(ctx, m.rankedKey).Result()
	if err != nil {
		slog.Warn("Failed to collect queue length", "error", err)
		return
	}
	queueLength.Set(float64(length))
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	slog.Info("Metrics server listening", "addr", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("Metrics server stopped", "error", err)
	}
}

// Track queue operations
func (m *Monitor) TrackQueueOperation(operation, status string) {
	if m == nil {
		return
	}
	queueOperations.WithLabelValues(operation, status).Inc()
}

func (m *Monitor) TrackDelivery(event, result string) {
	if m == nil {
		return
	}
	deliveries.WithLabelValues(event, result).Inc()
}

func (m *Monitor) TrackInvariantViolation(reason string) {
	if m == nil {
		return
	}
	invariantViolations.WithLabelValues(reason).Inc()
}

func (m *Monitor) ObserveTick(duration time.Duration) {
	if m == nil {
		return
	}
	tickDuration.Observe(duration.Seconds())
}

// Track how long a turn was held
func (m *Monitor) TrackTurnHold(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	turnHold.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (m *Monitor) SetTurnActive(active bool) {
	if m == nil {
		return
	}
	if active {
		turnActive.Set(1)
		return
	}
	turnActive.Set(0)
}

func (m *Monitor) SetQueueLength(length int) {
	if m == nil {
		return
	}
	queueLength.Set(float64(length))
}
