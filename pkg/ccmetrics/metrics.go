// Package ccmetrics defines prometheus metric types for the congestion
// controller. The core itself never touches a registry; an embedding
// application sets or observes the exported collectors from its own
// process/feedback loop when it wants these exported.
package ccmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TargetBitrate tracks the last emitted TargetTransferRate.
	//
	// Provides metric:
	//   transport_cc_target_bitrate_bps
	TargetBitrate = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "transport_cc",
		Name:      "target_bitrate_bps",
		Help:      "Current emitted target transfer rate, in bits per second.",
	})

	// DelayBasedTarget and LossBasedTarget track the two arbitration
	// inputs separately, so a dashboard can tell which one is binding.
	DelayBasedTarget = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "transport_cc",
		Name:      "delay_based_target_bps",
		Help:      "Delay-based controller's current target, in bits per second.",
	})
	LossBasedTarget = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "transport_cc",
		Name:      "loss_based_target_bps",
		Help:      "Loss-based estimator's current target, in bits per second.",
	})

	// LossFraction is the last reported loss fraction as a Q8 value.
	LossFraction = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "transport_cc",
		Name:      "loss_fraction_q8",
		Help:      "Last reported loss fraction, Q8 in [0,255].",
	})

	// TrendlineStateTransitions counts every transition into each
	// trendline state, labeled by the state transitioned into.
	//
	// Provides metric:
	//   transport_cc_trendline_state_transitions_total
	// Example usage:
	//   ccmetrics.TrendlineStateTransitions.With(prometheus.Labels{"state": "overuse"}).Inc()
	TrendlineStateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "transport_cc",
		Name:      "trendline_state_transitions_total",
		Help:      "Count of trendline overuse-detector state transitions, by state transitioned into.",
	}, []string{"state"})

	// OutstandingBytes is the feedback adapter's in-flight tally for the
	// active network-id pair.
	OutstandingBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "transport_cc",
		Name:      "outstanding_bytes",
		Help:      "Bytes currently in flight for the active network id pair.",
	})

	// ProbeClusterBitrate records the distribution of bitrates emitted by
	// completed probe clusters.
	ProbeClusterBitrate = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "transport_cc",
		Name:      "probe_cluster_bitrate_bps",
		Help:      "Distribution of bitrates emitted by completed probe clusters.",
		Buckets:   prometheus.ExponentialBuckets(50000, 2, 12),
	})

	// InApplicationLimitedRegion is 1 while the ALR detector believes the
	// sender is application-limited, 0 otherwise.
	InApplicationLimitedRegion = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "transport_cc",
		Name:      "in_application_limited_region",
		Help:      "1 if the ALR detector currently reports an application-limited region, 0 otherwise.",
	})
)
