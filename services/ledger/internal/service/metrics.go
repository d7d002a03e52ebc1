package service

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	BalanceMutations  *prometheus.CounterVec
	OrdersTotal       *prometheus.CounterVec
	SideEffects       *prometheus.CounterVec
	BalanceCache      *prometheus.CounterVec
	RateLimited       prometheus.Counter
	SettingsRefresh   prometheus.Histogram
	SettingsErrors    prometheus.Counter
	Violations        *prometheus.GaugeVec
	ReconcileDuration prometheus.Histogram
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		BalanceMutations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_balance_mutations_total",
				Help: "Total balance mutations by operation and outcome.",
			},
			[]string{"operation", "status"},
		),
		OrdersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_trade_orders_total",
				Help: "Total trade order operations by outcome.",
			},
			[]string{"operation", "status"},
		),
		SideEffects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_after_commit_hooks_total",
				Help: "Total post-commit side effects.",
			},
			[]string{"ok"},
		),
		BalanceCache: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_balance_cache_lookups_total",
				Help: "Balance cache lookups by result; stale counts read-throughs not cached because a commit overtook them.",
			},
			[]string{"result"},
		),
		RateLimited: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ledger_orders_rate_limited_total",
				Help: "Order creations rejected by the rate limiter.",
			},
		),
		SettingsRefresh: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ledger_settings_refresh_duration_seconds",
				Help:    "Settings refresh duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		),
		SettingsErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ledger_settings_refresh_errors_total",
				Help: "Failed settings refreshes.",
			},
		),
		Violations: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ledger_reconcile_violations",
				Help: "Violations found by the last reconciliation run.",
			},
			[]string{"check"},
		),
		ReconcileDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ledger_reconcile_duration_seconds",
				Help:    "Reconciliation run duration in seconds.",
				Buckets: []float64{.1, .5, 1, 5, 15, 60, 300},
			},
		),
	}

	registry.MustRegister(
		m.BalanceMutations,
		m.OrdersTotal,
		m.SideEffects,
		m.BalanceCache,
		m.RateLimited,
		m.SettingsRefresh,
		m.SettingsErrors,
		m.Violations,
		m.ReconcileDuration,
	)
	return m
}

func (m *Metrics) ObserveMutation(operation, status string) {
	if m == nil {
		return
	}
	m.BalanceMutations.WithLabelValues(operation, status).Inc()
}

func (m *Metrics) ObserveOrder(operation, status string) {
	if m == nil {
		return
	}
	m.OrdersTotal.WithLabelValues(operation, status).Inc()
}

func (m *Metrics) ObserveSideEffect(ok bool) {
	if m == nil {
		return
	}
	m.SideEffects.WithLabelValues(strconv.FormatBool(ok)).Inc()
}

func (m *Metrics) ObserveCache(result string) {
	if m == nil {
		return
	}
	m.BalanceCache.WithLabelValues(result).Inc()
}

func (m *Metrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}

func (m *Metrics) ObserveRefresh(duration time.Duration) {
	if m == nil {
		return
	}
	m.SettingsRefresh.Observe(duration.Seconds())
}

func (m *Metrics) IncRefreshError() {
	if m == nil {
		return
	}
	m.SettingsErrors.Inc()
}

func (m *Metrics) SetViolations(check string, n int) {
	if m == nil {
		return
	}
	m.Violations.WithLabelValues(check).Set(float64(n))
}

func (m *Metrics) ObserveReconcile(duration time.Duration) {
	if m == nil {
		return
	}
	m.ReconcileDuration.Observe(duration.Seconds())
}
