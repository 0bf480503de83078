// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	PublishesSucceeded    prometheus.Counter
	PublishesFailed       prometheus.Counter
	MediaFallbacks        prometheus.Counter
	TitleUpdatesSucceeded prometheus.Counter
	TitleUpdatesFailed    prometheus.Counter
	TokenRefreshes        prometheus.Counter
	TokenRefreshFailures  prometheus.Counter

	// Histograms (seconds)
	PublishDuration     prometheus.Observer
	TitleUpdateDuration prometheus.Observer

	// Gauges
	TwitchConnectedGauge  prometheus.Gauge
	BlueskyConnectedGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		PublishesSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "streammeta_publishes_succeeded_total", Help: "Number of posts submitted successfully"})
		PublishesFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "streammeta_publishes_failed_total", Help: "Number of publish attempts that failed"})
		MediaFallbacks = promauto.NewCounter(prometheus.CounterOpts{Name: "streammeta_media_fallbacks_total", Help: "Number of publishes that degraded to a plain media link"})
		TitleUpdatesSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "streammeta_title_updates_succeeded_total", Help: "Number of channel metadata updates applied"})
		TitleUpdatesFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "streammeta_title_updates_failed_total", Help: "Number of channel metadata updates that failed"})
		TokenRefreshes = promauto.NewCounter(prometheus.CounterOpts{Name: "streammeta_token_refreshes_total", Help: "Number of successful OAuth token refreshes"})
		TokenRefreshFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "streammeta_token_refresh_failures_total", Help: "Number of failed OAuth token refreshes"})
		PublishDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "streammeta_publish_duration_seconds", Help: "Publish pipeline duration seconds", Buckets: prometheus.DefBuckets})
		TitleUpdateDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "streammeta_title_update_duration_seconds", Help: "Title update duration seconds", Buckets: prometheus.DefBuckets})
		TwitchConnectedGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "streammeta_twitch_connected", Help: "Twitch session connected=1 disconnected=0"})
		BlueskyConnectedGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "streammeta_bluesky_connected", Help: "Bluesky session connected=1 disconnected=0"})
	})
}

// SetConnected updates a platform connectivity gauge.
func SetConnected(g prometheus.Gauge, connected bool) {
	if g == nil {
		return
	}
	if connected {
		g.Set(1)
	} else {
		g.Set(0)
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
