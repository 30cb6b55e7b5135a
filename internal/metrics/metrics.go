package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devguard_decisions_total",
			Help: "Authorization decisions by outcome and reason",
		},
		[]string{"outcome", "reason"},
	)

	RiskEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devguard_risk_events_total",
			Help: "Detected behavioral anomalies by type",
		},
		[]string{"type"},
	)

	LockoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "devguard_lockouts_total",
			Help: "Device lockouts triggered by repeated auth failures",
		},
	)

	MFAVerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devguard_mfa_verifications_total",
			Help: "MFA challenge verification attempts by result",
		},
		[]string{"method", "result"},
	)
)
