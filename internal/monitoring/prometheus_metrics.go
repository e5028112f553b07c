package monitoring

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tontap/internal/game"
)

var _ game.Recorder = (*Metrics)(nil)

// Metrics holds the game counters and the HTTP request metrics on a private
// registry.
type Metrics struct {
	registry *prometheus.Registry

	// Game metrics
	taps            prometheus.Counter
	rewardsGranted  prometheus.Counter
	levelUps        prometheus.Counter
	boostActivation prometheus.Counter
	referrals       prometheus.Counter
	withdrawals     prometheus.Counter
	withdrawnAmount prometheus.Counter
	adCredits       *prometheus.CounterVec
	adRewards       *prometheus.CounterVec
	persistFailures *prometheus.CounterVec
	activeSessions  prometheus.Gauge

	// Performance metrics
	requestDuration *prometheus.HistogramVec
	requestCount    *prometheus.CounterVec
	wsConnections   prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.initializeMetrics()
	m.registerMetrics()
	return m
}

func (m *Metrics) initializeMetrics() {
	m.taps = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tontap_taps_total",
		Help: "Accepted taps",
	})
	m.rewardsGranted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tontap_tap_rewards_ton_total",
		Help: "TON granted by taps",
	})
	m.levelUps = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tontap_level_ups_total",
		Help: "Level-ups",
	})
	m.boostActivation = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tontap_boost_activations_total",
		Help: "Earnings boost activations",
	})
	m.referrals = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tontap_referrals_total",
		Help: "Referrals credited to referrers",
	})
	m.withdrawals = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tontap_withdrawals_total",
		Help: "Submitted withdrawal requests",
	})
	m.withdrawnAmount = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tontap_withdrawn_ton_total",
		Help: "TON requested for withdrawal",
	})
	m.adCredits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tontap_ad_credits_total",
			Help: "Rewarded-ad credits by path",
		},
		[]string{"source"},
	)
	m.adRewards = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tontap_ad_rewards_ton_total",
			Help: "TON granted by rewarded ads by path",
		},
		[]string{"source"},
	)
	m.persistFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tontap_persistence_failures_total",
			Help: "Failed saves by target",
		},
		[]string{"target"},
	)
	m.activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tontap_active_sessions",
		Help: "Open game sessions",
	})

	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tontap_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
	m.requestCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tontap_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)
	m.wsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tontap_ws_connections",
		Help: "Open WebSocket connections",
	})
}

func (m *Metrics) registerMetrics() {
	m.registry.MustRegister(
		m.taps,
		m.rewardsGranted,
		m.levelUps,
		m.boostActivation,
		m.referrals,
		m.withdrawals,
		m.withdrawnAmount,
		m.adCredits,
		m.adRewards,
		m.persistFailures,
		m.activeSessions,
		m.requestDuration,
		m.requestCount,
		m.wsConnections,
	)

	// Default Go metrics
	m.registry.MustRegister(prometheus.NewGoCollector())
	m.registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Game metrics update methods

func (m *Metrics) Tap(reward float64) {
	m.taps.Inc()
	m.rewardsGranted.Add(reward)
}

func (m *Metrics) LevelUp()        { m.levelUps.Inc() }
func (m *Metrics) BoostActivated() { m.boostActivation.Inc() }
func (m *Metrics) Referral()       { m.referrals.Inc() }

func (m *Metrics) Withdrawal(amount float64) {
	m.withdrawals.Inc()
	m.withdrawnAmount.Add(amount)
}

func (m *Metrics) AdCredit(source string, amount float64) {
	m.adCredits.WithLabelValues(source).Inc()
	m.adRewards.WithLabelValues(source).Add(amount)
}

func (m *Metrics) PersistenceFailure(target string) {
	m.persistFailures.WithLabelValues(target).Inc()
}

func (m *Metrics) SessionsActive(n int) {
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) WSConnections(n int) {
	m.wsConnections.Set(float64(n))
}

// Performance metrics

func (m *Metrics) RecordRequest(method, route string, status int, duration time.Duration) {
	s := strconv.Itoa(status)
	m.requestDuration.WithLabelValues(method, route, s).Observe(duration.Seconds())
	m.requestCount.WithLabelValues(method, route, s).Inc()
}

// MetricsMiddleware records request count and latency. route labels the
// request; it should return the route pattern rather than the raw path to keep
// label cardinality bounded.
func (m *Metrics) MetricsMiddleware(route func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			m.RecordRequest(r.Method, route(r), wrapped.status, time.Since(start))
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.status = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Hijack passes WebSocket upgrades through to the underlying connection.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("monitoring: response writer does not support hijacking")
	}
	return h.Hijack()
}
