package metrics

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	relayRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_requests_total",
			Help: "Relayed chat-completion requests by upstream status code.",
		},
		[]string{"status"},
	)

	relayOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_outcomes_total",
			Help: "Relay terminations by outcome (completed/cancelled/failed/config_error).",
		},
		[]string{"outcome"},
	)

	relayBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_bytes_total",
			Help: "Bytes forwarded from upstream to downstream.",
		},
	)

	rateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limited_total",
			Help: "Requests rejected by the per-client limiter.",
		},
		[]string{"route"},
	)

	candidateAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_candidate_attempts_total",
			Help: "Generation attempts per candidate model and outcome.",
		},
		[]string{"model", "outcome"},
	)

	placeholderFlushes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_placeholder_flushes_total",
			Help: "Placeholder content writes issued by the persister.",
		},
	)

	sendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_send_duration_seconds",
			Help:    "Wall time of one send, from placeholder to terminal write.",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
		},
		[]string{"status"},
	)
)

// MustRegister registers collectors with the default registry (idempotent).
func MustRegister() {
	once.Do(func() {
		prometheus.MustRegister(
			relayRequests, relayOutcomes, relayBytes, rateLimited,
			candidateAttempts, placeholderFlushes, sendDuration,
		)
	})
}

func norm(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// -------- Relay helpers --------

func ObserveRelayStatus(code int) {
	relayRequests.WithLabelValues(strconv.Itoa(code)).Inc()
}

func IncRelayOutcome(outcome string) {
	relayOutcomes.WithLabelValues(norm(outcome)).Inc()
}

func AddRelayBytes(n int) {
	relayBytes.Add(float64(n))
}

func IncRateLimited(route string) {
	rateLimited.WithLabelValues(route).Inc()
}

// -------- Persister helpers --------

func IncCandidateAttempt(model, outcome string) {
	candidateAttempts.WithLabelValues(norm(model), norm(outcome)).Inc()
}

func IncFlush() {
	placeholderFlushes.Inc()
}

func ObserveSend(status string, d time.Duration) {
	sendDuration.WithLabelValues(norm(status)).Observe(d.Seconds())
}
