package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nimburion/txrunner/pkg/transaction"
)

var _ transaction.Observer = (*TransactionMetrics)(nil)

// TransactionMetrics records the outcome and duration of every Execute call.
//
// Labels: name is the definition name, state the terminal transaction state and
// failure the kind of error surfaced to the caller ("none" on success).
type TransactionMetrics struct {
	total    *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inFlight *prometheus.GaugeVec
	now      func() time.Time
}

// NewTransactionMetrics creates unregistered transaction collectors.
func NewTransactionMetrics(namespace string) *TransactionMetrics {
	return &TransactionMetrics{
		total: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transactions_total",
				Help:      "Total number of transactional executions",
			},
			[]string{"name", "state", "failure"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transaction_duration_seconds",
				Help:      "Transactional execution duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"name", "state"},
		),
		inFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "transactions_in_flight",
				Help:      "Current number of transactional executions in progress",
			},
			[]string{"name"},
		),
		now: time.Now,
	}
}

func (m *TransactionMetrics) register(reg prometheus.Registerer) {
	reg.MustRegister(m.total, m.duration, m.inFlight)
}

// Observe implements transaction.Observer.
func (m *TransactionMetrics) Observe(ctx context.Context, def transaction.Definition) (context.Context, func(transaction.State, error)) {
	name := def.Name
	if name == "" {
		name = "unnamed"
	}
	inFlight := m.inFlight.WithLabelValues(name)
	inFlight.Inc()
	start := m.now()

	return ctx, func(state transaction.State, err error) {
		inFlight.Dec()
		m.duration.WithLabelValues(name, state.String()).Observe(m.now().Sub(start).Seconds())
		m.total.WithLabelValues(name, state.String(), transaction.Classify(err).String()).Inc()
	}
}
