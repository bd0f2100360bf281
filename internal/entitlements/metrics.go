package entitlements

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics records refresh outcomes and the committed usage levels.
type Metrics struct {
	RefreshTotal    *prometheus.CounterVec
	RefreshDuration prometheus.Histogram
	UsagePercent    *prometheus.GaugeVec
	TierInfo        *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RefreshTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lawlens_entitlements_refresh_total",
				Help: "Entitlement refreshes by outcome",
			},
			[]string{"result"}, // committed, fallback, superseded, aborted
		),
		RefreshDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "lawlens_entitlements_refresh_duration_seconds",
				Help:    "Duration of entitlement refreshes that reached the store",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
		),
		UsagePercent: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "lawlens_entitlements_usage_percent",
				Help: "Used percentage of each bounded usage allowance",
			},
			[]string{"usage"},
		),
		TierInfo: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "lawlens_entitlements_tier_info",
				Help: "Set to 1 for the committed subscription tier",
			},
			[]string{"tier"},
		),
	}
}

func (m *Metrics) recordRefresh(result RefreshResult, d time.Duration) {
	if m == nil {
		return
	}
	m.RefreshTotal.WithLabelValues(result.String()).Inc()
	if result == RefreshCommitted || result == RefreshFellBack {
		m.RefreshDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) recordSnapshot(s *Snapshot) {
	if m == nil {
		return
	}
	m.UsagePercent.Reset()
	m.TierInfo.Reset()
	if s == nil {
		return
	}
	m.TierInfo.WithLabelValues(string(s.Tier)).Set(1)
	for key, rec := range s.Usage {
		if rec.IsUnlimited {
			continue
		}
		m.UsagePercent.WithLabelValues(key).Set(rec.PercentUsed())
	}
}
