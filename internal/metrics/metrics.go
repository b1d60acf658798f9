// Package metrics exposes Prometheus counters/gauges for the Gateway
// and Brain processes, grounded on src/sse-adapter/sse_handler.go's
// promauto usage and served the way src/sse-adapter/main.go mounts
// promhttp.Handler().
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Gateway metrics (spec.md §5 observability surface).
var (
	GatewayConnectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_connection_state",
		Help: "Current Gateway connection state (0=Disconnected,1=Connecting,2=Authenticating,3=Joined,4=Running,5=Closing)",
	})

	GatewayReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_reconnects_total",
		Help: "Total number of Gateway reconnect attempts",
	})

	GatewayMessagesReadTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_messages_read_total",
		Help: "Total number of IRC chat lines read from Twitch",
	})

	GatewayMessagesPublishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_messages_published_total",
		Help: "Total number of chat messages published to the bus",
	})

	GatewayMessagesSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_messages_sent_total",
		Help: "Total number of PRIVMSG lines sent to Twitch",
	})

	GatewaySendErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_send_errors_total",
		Help: "Total number of failed outbound sends",
	})

	GatewayRateLimitWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_rate_limit_wait_seconds",
		Help:    "Time spent waiting on the outbound token bucket",
		Buckets: []float64{0, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	})

	GatewayPendingReclaimedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_pending_reclaimed_total",
		Help: "Total number of stale pending outbound entries reclaimed via XAUTOCLAIM",
	})
)

// Brain metrics.
var (
	BrainMessagesConsumedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "brain_messages_consumed_total",
		Help: "Total number of chat messages consumed from the bus",
	})

	BrainRepliesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "brain_replies_total",
		Help: "Total number of replies generated, by purpose",
	}, []string{"purpose"})

	BrainGeneratorFallbackTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "brain_generator_fallback_total",
		Help: "Total number of times the Ollama generator fell back to the rule-based generator",
	})

	BrainAutospeakTicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "brain_autospeak_ticks_total",
		Help: "Total number of autospeak policy ticks evaluated",
	})

	BrainAutospeakSpeaksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "brain_autospeak_speaks_total",
		Help: "Total number of autospeak ticks that decided to speak, by reason",
	}, []string{"reason"})

	BrainGenerationDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "brain_generation_duration_seconds",
		Help:    "Time spent generating a reply",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	})
)

// Serve mounts /metrics on its own mux and blocks; callers run it in a
// goroutine.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
