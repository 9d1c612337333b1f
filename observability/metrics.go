package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// SessionMetricsRegistry records redemption session activity.
type SessionMetricsRegistry struct {
	Created      prometheus.Counter
	Resolved     *prometheus.CounterVec
	NonceReplays prometheus.Counter
}

// ReconMetricsRegistry records reconciliation outcomes.
type ReconMetricsRegistry struct {
	Runs      *prometheus.CounterVec
	Findings  *prometheus.CounterVec
	LastDrift prometheus.Gauge
}

// SettlementMetricsRegistry records asynchronous chain settlement activity.
type SettlementMetricsRegistry struct {
	Attempts  *prometheus.CounterVec
	Confirmed prometheus.Counter
}

var (
	sessionOnce sync.Once
	sessionReg  *SessionMetricsRegistry

	reconOnce sync.Once
	reconReg  *ReconMetricsRegistry

	settleOnce sync.Once
	settleReg  *SettlementMetricsRegistry
)

// SessionMetrics returns the lazily-initialised session metrics registry.
func SessionMetrics() *SessionMetricsRegistry {
	sessionOnce.Do(func() {
		sessionReg = &SessionMetricsRegistry{
			Created: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "loyaltyd",
				Subsystem: "session",
				Name:      "created_total",
				Help:      "Total redemption sessions created.",
			}),
			Resolved: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "loyaltyd",
				Subsystem: "session",
				Name:      "resolved_total",
				Help:      "Terminal session transitions segmented by outcome.",
			}, []string{"outcome"}),
			NonceReplays: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "loyaltyd",
				Subsystem: "session",
				Name:      "nonce_replays_total",
				Help:      "Approval attempts rejected because the nonce was already consumed.",
			}),
		}
		prometheus.MustRegister(sessionReg.Created, sessionReg.Resolved, sessionReg.NonceReplays)
	})
	return sessionReg
}

// ReconMetrics returns the lazily-initialised reconciliation metrics registry.
func ReconMetrics() *ReconMetricsRegistry {
	reconOnce.Do(func() {
		reconReg = &ReconMetricsRegistry{
			Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "loyaltyd",
				Subsystem: "recon",
				Name:      "runs_total",
				Help:      "Reconciliation runs segmented by overall status.",
			}, []string{"status"}),
			Findings: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "loyaltyd",
				Subsystem: "recon",
				Name:      "findings_total",
				Help:      "Per-entry reconciliation findings segmented by kind.",
			}, []string{"kind"}),
			LastDrift: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "loyaltyd",
				Subsystem: "recon",
				Name:      "diverged_entries",
				Help:      "Diverged ledger entries observed by the most recent run.",
			}),
		}
		prometheus.MustRegister(reconReg.Runs, reconReg.Findings, reconReg.LastDrift)
	})
	return reconReg
}

// SettlementMetrics returns the lazily-initialised settlement metrics registry.
func SettlementMetrics() *SettlementMetricsRegistry {
	settleOnce.Do(func() {
		settleReg = &SettlementMetricsRegistry{
			Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "loyaltyd",
				Subsystem: "settle",
				Name:      "attempts_total",
				Help:      "Chain submission attempts segmented by outcome.",
			}, []string{"outcome"}),
			Confirmed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "loyaltyd",
				Subsystem: "settle",
				Name:      "confirmed_total",
				Help:      "Ledger entries whose on-chain transaction confirmed.",
			}),
		}
		prometheus.MustRegister(settleReg.Attempts, settleReg.Confirmed)
	})
	return settleReg
}
