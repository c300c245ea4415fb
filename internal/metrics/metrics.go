// Package metrics exposes engine, oracle and HTTP counters to Prometheus.
// Every method is safe on a nil *Metrics so callers can run without metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vadiminshakov/lendingd/internal/domain"
)

const defaultNamespace = "lendingd"

// Metrics collectors registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	operations      *prometheus.CounterVec
	liquidations    prometheus.Counter
	seizedUSD       prometheus.Counter
	shortfallUSD    prometheus.Counter
	prices          *prometheus.CounterVec
	sweepDuration   prometheus.Histogram
	sweepUsers      prometheus.Counter
	activeLoans     prometheus.Gauge
	utilization     *prometheus.GaugeVec
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// New creates the collectors under namespace.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = defaultNamespace
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Engine operations by outcome. Rejections are labelled with the error kind.",
		}, []string{"operation", "result"}),
		liquidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liquidations_total",
			Help:      "Loans liquidated.",
		}),
		seizedUSD: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liquidation_seized_usd_total",
			Help:      "USD value of collateral seized by liquidations.",
		}),
		shortfallUSD: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liquidation_shortfall_usd_total",
			Help:      "USD value of debt plus fee that seized collateral did not cover.",
		}),
		prices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oracle_prices_total",
			Help:      "Oracle price resolutions by asset and outcome.",
		}, []string{"asset", "outcome"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of liquidation sweeps.",
			Buckets:   prometheus.DefBuckets,
		}),
		sweepUsers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_users_checked_total",
			Help:      "Users checked by liquidation sweeps.",
		}),
		activeLoans: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_loans",
			Help:      "Active loans at the last stats refresh.",
		}),
		utilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_available",
			Help:      "Available pool liquidity per asset at the last stats refresh.",
		}, []string{"asset"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests processed by the API.",
		}, []string{"route", "method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}

	m.registry.MustRegister(
		m.operations, m.liquidations, m.seizedUSD, m.shortfallUSD, m.prices,
		m.sweepDuration, m.sweepUsers, m.activeLoans, m.utilization,
		m.requests, m.requestDuration,
	)

	return m
}

// Registry the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveOperation counts an engine operation. Domain errors are labelled by kind.
func (m *Metrics) ObserveOperation(operation string, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, Result(err)).Inc()
}

// Result label value for an operation outcome.
func Result(err error) string {
	if err == nil {
		return "ok"
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return string(de.Kind)
	}
	return "error"
}

// ObserveLiquidation counts a liquidation record.
func (m *Metrics) ObserveLiquidation(rec domain.LiquidationRecord) {
	if m == nil {
		return
	}
	m.liquidations.Inc()
	m.seizedUSD.Add(rec.SeizedValueUSD.InexactFloat64())
	if rec.ShortfallUSD.IsPositive() {
		m.shortfallUSD.Add(rec.ShortfallUSD.InexactFloat64())
	}
}

// ObservePrice counts an oracle resolution.
func (m *Metrics) ObservePrice(asset, outcome string) {
	if m == nil {
		return
	}
	m.prices.WithLabelValues(asset, outcome).Inc()
}

// ObserveSweep records a finished sweep.
func (m *Metrics) ObserveSweep(elapsed time.Duration, users int) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(elapsed.Seconds())
	m.sweepUsers.Add(float64(users))
}

// SetActiveLoans updates the active loans gauge.
func (m *Metrics) SetActiveLoans(n int) {
	if m == nil {
		return
	}
	m.activeLoans.Set(float64(n))
}

// SetPoolAvailable updates the available liquidity gauge of the asset.
func (m *Metrics) SetPoolAvailable(asset string, available float64) {
	if m == nil {
		return
	}
	m.utilization.WithLabelValues(asset).Set(available)
}

// Middleware records request count and latency under route.
func (m *Metrics) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)
			m.requests.WithLabelValues(route, r.Method, http.StatusText(recorder.status)).Inc()
			m.requestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming handlers working behind the recorder.
func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
