package obs

import (
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the Prometheus collectors of the settlement engine. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	ReqTotal       *prometheus.CounterVec
	ReqDur         *prometheus.HistogramVec
	Submissions    *prometheus.CounterVec
	ReturnOutcomes *prometheus.CounterVec
	AmountDue      *prometheus.HistogramVec
}

// NewMetrics registers and returns the collectors. A nil registerer falls
// back to the default one.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		ReqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests handled by the server.",
		}, []string{"method", "route", "status"}),
		ReqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_ms",
			Help:      "HTTP request latency distribution in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}, []string{"method", "route"}),
		Submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Sale and return submissions by kind and result.",
		}, []string{"kind", "result"}),
		ReturnOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "return_outcomes_total",
			Help:      "Submitted return/exchange transactions by settlement direction.",
		}, []string{"outcome"}),
		AmountDue: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sale_amount_due_base",
			Help:      "Amount due of submitted sales in the base currency.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}, []string{"payment_type"}),
	}
	m.ReqTotal = mustRegister(reg, m.ReqTotal)
	m.ReqDur = mustRegister(reg, m.ReqDur)
	m.Submissions = mustRegister(reg, m.Submissions)
	m.ReturnOutcomes = mustRegister(reg, m.ReturnOutcomes)
	m.AmountDue = mustRegister(reg, m.AmountDue)
	return m
}

func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.ReqTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.ReqDur.WithLabelValues(method, route).Observe(float64(d) / float64(time.Millisecond))
}

// Submission counts one submission attempt; kind is "sale" or "return".
func (m *Metrics) Submission(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Submissions.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) ReturnOutcome(outcome string) {
	if m == nil {
		return
	}
	m.ReturnOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SaleAmount(paymentType string, dueBase float64) {
	if m == nil {
		return
	}
	m.AmountDue.WithLabelValues(paymentType).Observe(dueBase)
}

func mustRegister[C prometheus.Collector](reg prometheus.Registerer, collector C) C {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
			return collector
		}
		panic(fmt.Errorf("register metric: %w", err))
	}
	return collector
}
