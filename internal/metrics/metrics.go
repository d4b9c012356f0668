// Package metrics exposes rdpguard's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Scan cycle metrics
	ScansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdpguard_scans_total",
			Help: "Scan-and-block cycles by result (ok, skipped, failed)",
		},
		[]string{"result"},
	)

	ScanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rdpguard_scan_duration_seconds",
			Help:    "Duration of scan-and-block cycles in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ScanTicksDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rdpguard_scan_ticks_dropped_total",
			Help: "Scheduler ticks dropped because a scan was still running",
		},
	)

	LastScanAttempts = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rdpguard_last_scan_login_attempts",
			Help: "Login attempts in the lookback window of the latest scan by outcome",
		},
		[]string{"outcome"},
	)

	// Firewall state
	BlockedTargets = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rdpguard_blocked_targets",
			Help: "Addresses and ranges currently carried by the block rule",
		},
	)

	BlocksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdpguard_blocks_total",
			Help: "Targets added to the block rule by origin (scan, manual)",
		},
		[]string{"origin"},
	)

	UnblocksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rdpguard_unblocks_total",
			Help: "Targets removed from the block rule",
		},
	)

	SessionsTerminated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rdpguard_sessions_terminated_total",
			Help: "Processes killed because they held connections from blocked addresses",
		},
	)

	WhitelistEnabled = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rdpguard_whitelist_enabled",
			Help: "1 when the allow-list is enforced, 0 otherwise",
		},
	)

	AllowedAddresses = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rdpguard_allowed_addresses",
			Help: "Entries in the allow-list",
		},
	)

	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdpguard_firewall_store_errors_total",
			Help: "Failed firewall store operations by kind (permission, unavailable, other)",
		},
		[]string{"kind"},
	)
)

// BoolGauge converts a flag for gauges that track on/off state.
func BoolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
