package billing

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts engine events, including the lossy-by-design corrections
// (malformed period keys, records with no derivable period) that the engine
// tolerates instead of failing.
type Metrics struct {
	ChargesGenerated   prometheus.Counter
	ChargesSkipped     prometheus.Counter
	PaymentsRegistered prometheus.Counter
	OverpaymentAmount  prometheus.Counter
	PeriodCorrections  prometheus.Counter
	Unperiodized       *prometheus.CounterVec
}

// NewMetrics creates the engine counters and registers them on reg.
// A nil reg leaves them unregistered, which is what tests usually want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ChargesGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "charges_generated_total",
			Help:      "Recurring charges created by the charge generator.",
		}),
		ChargesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "charges_skipped_total",
			Help:      "Services skipped because their charge already existed for the period.",
		}),
		PaymentsRegistered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "payments_registered_total",
			Help:      "Payments recorded by the reconciler.",
		}),
		OverpaymentAmount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "overpayment_absorbed_amount_total",
			Help:      "Sum of payment amounts that exceeded the remaining balance of their charge.",
		}),
		PeriodCorrections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "period_key_corrections_total",
			Help:      "Malformed period keys replaced by the current period.",
		}),
		Unperiodized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "records_unperiodized_total",
			Help:      "Records excluded from periodic views because no period could be derived.",
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.ChargesGenerated,
			m.ChargesSkipped,
			m.PaymentsRegistered,
			m.OverpaymentAmount,
			m.PeriodCorrections,
			m.Unperiodized,
		)
	}
	return m
}
