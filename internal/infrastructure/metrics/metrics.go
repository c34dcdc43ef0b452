package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "affiliate"

var (
	CommissionsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commissions_created_total",
			Help:      "Commissions recorded, by referral level",
		},
		[]string{"level"},
	)

	CommissionAmount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commission_amount_cents_total",
			Help:      "Commission amount credited in minor units, by referral level",
		},
		[]string{"level"},
	)

	DuplicatePurchases = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_purchase_events_total",
			Help:      "Purchase events ignored because they were already processed",
		},
	)

	ReferralCycles = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "referral_cycles_total",
			Help:      "Referral levels skipped because of a cycle in referral data",
		},
	)

	WalletMutations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wallet_mutations_total",
			Help:      "Wallet ledger entries written, by type",
		},
		[]string{"type"},
	)

	PayoutTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payout_transitions_total",
			Help:      "Payout state transitions, by target status",
		},
		[]string{"status"},
	)

	MismatchedWallets = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_mismatched_wallets",
			Help:      "Wallets whose balance did not reconcile in the last reconcile run",
		},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of response times",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)
