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
	RankLookups           *prometheus.CounterVec // result=hit|miss|self|not_found|error
	CacheEvictions        *prometheus.CounterVec // reason=expired|lfu
	BadgesRendered        *prometheus.CounterVec // skin
	ActivationTransitions *prometheus.CounterVec // state
	MessagingRequests     *prometheus.CounterVec // type, status=ok|error
	IconFetches           *prometheus.CounterVec // source=memory|store|cdn|error
	BackendCounterCalls   *prometheus.CounterVec // counter, status
	DedupPruned           prometheus.Counter
	ChatLinesRendered     prometheus.Counter

	// Histograms (seconds)
	RankLookupDuration prometheus.Observer
	MessagingDuration  *prometheus.HistogramVec

	// Gauges
	CacheSizeGauge    prometheus.Gauge
	CircuitStateGauge prometheus.Gauge // 0=closed,1=half-open,2=open
	TabsGauge         prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		RankLookups = promauto.NewCounterVec(prometheus.CounterOpts{Name: "rankbadges_rank_lookups_total", Help: "Rank resolutions by outcome"}, []string{"result"})
		CacheEvictions = promauto.NewCounterVec(prometheus.CounterOpts{Name: "rankbadges_cache_evictions_total", Help: "Rank cache removals by reason"}, []string{"reason"})
		BadgesRendered = promauto.NewCounterVec(prometheus.CounterOpts{Name: "rankbadges_badges_rendered_total", Help: "Badges inserted or updated, by chat skin"}, []string{"skin"})
		ActivationTransitions = promauto.NewCounterVec(prometheus.CounterOpts{Name: "rankbadges_activation_transitions_total", Help: "Committed activation state changes"}, []string{"state"})
		MessagingRequests = promauto.NewCounterVec(prometheus.CounterOpts{Name: "rankbadges_messaging_requests_total", Help: "Background requests by type and status"}, []string{"type", "status"})
		IconFetches = promauto.NewCounterVec(prometheus.CounterOpts{Name: "rankbadges_icon_fetches_total", Help: "Badge icon lookups by source"}, []string{"source"})
		BackendCounterCalls = promauto.NewCounterVec(prometheus.CounterOpts{Name: "rankbadges_backend_counter_calls_total", Help: "Fire-and-forget usage counter posts"}, []string{"counter", "status"})
		DedupPruned = promauto.NewCounter(prometheus.CounterOpts{Name: "rankbadges_dedup_pruned_total", Help: "Message nodes dropped from the processed set"})
		ChatLinesRendered = promauto.NewCounter(prometheus.CounterOpts{Name: "rankbadges_chat_lines_rendered_total", Help: "Chat lines rendered by the headless host"})
		RankLookupDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "rankbadges_rank_lookup_duration_seconds", Help: "Remote rank lookup duration seconds", Buckets: prometheus.DefBuckets})
		MessagingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "rankbadges_messaging_duration_seconds", Help: "Background request handling duration seconds", Buckets: prometheus.DefBuckets}, []string{"type"})
		CacheSizeGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "rankbadges_cache_entries", Help: "Current number of cached rank entries"})
		CircuitStateGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "rankbadges_backend_circuit_state", Help: "Rank backend circuit breaker closed=0 half-open=1 open=2"})
		TabsGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "rankbadges_tabs", Help: "Running annotation pipelines"})
	})
}

// RecordLookup counts one rank resolution outcome.
func RecordLookup(result string) {
	if RankLookups != nil {
		RankLookups.WithLabelValues(result).Inc()
	}
}

// RecordEviction counts one cache removal.
func RecordEviction(reason string) {
	if CacheEvictions != nil {
		CacheEvictions.WithLabelValues(reason).Inc()
	}
}

// SetCacheSize records the current cache size.
func SetCacheSize(n int) {
	if CacheSizeGauge != nil {
		CacheSizeGauge.Set(float64(n))
	}
}

// RecordBadge counts one rendered badge.
func RecordBadge(skin string) {
	if BadgesRendered != nil {
		BadgesRendered.WithLabelValues(skin).Inc()
	}
}

// RecordTransition counts one activation state change.
func RecordTransition(state string) {
	if ActivationTransitions != nil {
		ActivationTransitions.WithLabelValues(state).Inc()
	}
}

// RecordMessaging counts one handled background request and its duration.
func RecordMessaging(typ string, ok bool, d time.Duration) {
	status := "ok"
	if !ok {
		status = "error"
	}
	if MessagingRequests != nil {
		MessagingRequests.WithLabelValues(typ, status).Inc()
	}
	if MessagingDuration != nil {
		MessagingDuration.WithLabelValues(typ).Observe(d.Seconds())
	}
}

// RecordIconFetch counts where a badge icon came from.
func RecordIconFetch(source string) {
	if IconFetches != nil {
		IconFetches.WithLabelValues(source).Inc()
	}
}

// RecordBackendCounter counts one usage counter post.
func RecordBackendCounter(counter string, err error) {
	if BackendCounterCalls == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	BackendCounterCalls.WithLabelValues(counter, status).Inc()
}

// AddDedupPruned adds n pruned message nodes.
func AddDedupPruned(n int) {
	if DedupPruned != nil {
		DedupPruned.Add(float64(n))
	}
}

// IncChatLines counts one rendered chat line.
func IncChatLines() {
	if ChatLinesRendered != nil {
		ChatLinesRendered.Inc()
	}
}

// AddTabs moves the running pipeline gauge by delta.
func AddTabs(delta int) {
	if TabsGauge != nil {
		TabsGauge.Add(float64(delta))
	}
}

// SetCircuitState records the breaker state by name.
func SetCircuitState(state string) {
	if CircuitStateGauge == nil {
		return
	}
	switch state {
	case "closed":
		CircuitStateGauge.Set(0)
	case "half-open":
		CircuitStateGauge.Set(1)
	case "open":
		CircuitStateGauge.Set(2)
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
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
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
