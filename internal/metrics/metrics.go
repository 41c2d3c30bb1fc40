// Package metrics registers the Prometheus instruments for the credit
// subsystem. Scraped via GET /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HoldsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "credit_holds_created_total",
		Help: "Holds successfully placed against available balance.",
	})

	HoldsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "credit_holds_rejected_total",
		Help: "Hold attempts rejected for insufficient credit.",
	})

	HoldsSwept = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "credit_holds_swept_total",
		Help: "Stale holds expired by the sweeper.",
	})

	CreditsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "credits_consumed_total",
		Help: "Credits debited through hold consumption.",
	})

	OverdueHolds = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "credit_holds_overdue",
		Help: "Holds still held past TTL plus grace; should stay at zero.",
	})

	TrialsExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "credit_trials_expired_total",
		Help: "Free trials expired onto the prepaid plan.",
	})

	MonthlyGrants = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "credit_monthly_grants_total",
		Help: "Monthly credit grants issued to active subscriptions.",
	})
)

func init() {
	prometheus.MustRegister(
		HoldsCreated,
		HoldsRejected,
		HoldsSwept,
		CreditsConsumed,
		OverdueHolds,
		TrialsExpired,
		MonthlyGrants,
	)
}
