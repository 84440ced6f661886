package ingest

import (
	"github.com/Veraticus/spendlot/internal/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts ingestion results. A nil *Metrics records nothing.
type Metrics struct {
	processed    *prometheus.CounterVec
	failed       *prometheus.CounterVec
	transactions *prometheus.CounterVec
}

// NewMetrics registers the ingestion collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		processed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spendlot",
			Subsystem: "ingest",
			Name:      "evidence_processed_total",
			Help:      "Evidence committed by source and dedup decision",
		}, []string{"source", "decision"}),
		failed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spendlot",
			Subsystem: "ingest",
			Name:      "evidence_failed_total",
			Help:      "Evidence that could not be processed by source",
		}, []string{"source"}),
		transactions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spendlot",
			Subsystem: "ingest",
			Name:      "bank_transactions_total",
			Help:      "Bank transactions synced by provider and change",
		}, []string{"provider", "change"}),
	}
}

func (m *Metrics) evidenceProcessed(source model.SourceKind, decision model.DedupState) {
	if m == nil {
		return
	}
	m.processed.WithLabelValues(string(source), string(decision)).Inc()
}

func (m *Metrics) evidenceFailed(source model.SourceKind) {
	if m == nil {
		return
	}
	m.failed.WithLabelValues(string(source)).Inc()
}

func (m *Metrics) transactionsSynced(provider, change string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.transactions.WithLabelValues(provider, change).Add(float64(n))
}
