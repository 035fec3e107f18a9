package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	InvoicesIssued      prometheus.Counter
	InvoicesFinalized   prometheus.Counter
	InvoicesAnnulled    prometheus.Counter
	ProvisionalsDeleted prometheus.Counter
	ChainVerifications  *prometheus.CounterVec
	AppendDuration      prometheus.Histogram
}

func New() *Metrics {
	return &Metrics{
		InvoicesIssued: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ledger_invoices_issued_total",
			Help: "Total number of invoice records issued",
		}),
		InvoicesFinalized: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ledger_invoices_finalized_total",
			Help: "Total number of invoice records finalized",
		}),
		InvoicesAnnulled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ledger_invoices_annulled_total",
			Help: "Total number of invoice records annulled",
		}),
		ProvisionalsDeleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "ledger_provisional_records_deleted_total",
			Help: "Total number of provisional records deleted before finalization",
		}),
		ChainVerifications: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_chain_verifications_total",
			Help: "Total number of chain verification runs by result",
		}, []string{"result"}),
		AppendDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "ledger_append_duration_seconds",
			Help:    "Duration of transactional ledger appends",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) IncrementIssued()    { m.InvoicesIssued.Inc() }
func (m *Metrics) IncrementFinalized() { m.InvoicesFinalized.Inc() }
func (m *Metrics) IncrementAnnulled()  { m.InvoicesAnnulled.Inc() }
func (m *Metrics) IncrementDeleted()   { m.ProvisionalsDeleted.Inc() }

func (m *Metrics) ObserveVerification(ok bool) {
	result := "ok"
	if !ok {
		result = "broken"
	}
	m.ChainVerifications.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveAppend(seconds float64) {
	m.AppendDuration.Observe(seconds)
}
