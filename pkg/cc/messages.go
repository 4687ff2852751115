// Package cc is the arbiter: the controller facade that owns the
// feedback adapter, packet grouper, trendline estimator, delay-based and
// loss-based controllers, probe estimator, and ALR detector, combining
// their outputs into the messages an embedding pacer/transport observes.
package cc

import (
	"github.com/pion/transport-cc/pkg/ccunits"
	"github.com/pion/transport-cc/pkg/trendline"
)

// Observer receives the facade's output messages. Implementations must
// not call back into the Arbiter synchronously.
type Observer interface {
	OnTargetTransferRate(TargetTransferRate)
	OnPacerConfig(PacerConfig)
	OnProbeClusterConfig(ProbeClusterConfig)
	OnCongestionWindow(CongestionWindow)
}

// NetworkEstimate is the informational payload riding alongside a
// TargetTransferRate, summarizing what fed the decision.
type NetworkEstimate struct {
	AtTime           ccunits.Timestamp
	DelayBasedTarget ccunits.DataRate
	LossBasedTarget  ccunits.DataRate
	RoundTripTime    ccunits.TimeDelta
	LossRateRatio    float64 // fraction in [0,1]
}

// TargetTransferRate is the arbiter's headline output: the rate the
// embedding pacer/encoder should target.
type TargetTransferRate struct {
	AtTime          ccunits.Timestamp
	TargetRate      ccunits.DataRate
	NetworkEstimate NetworkEstimate
}

// PacerConfig tells the pacer how to shape its send and padding windows.
type PacerConfig struct {
	AtTime     ccunits.Timestamp
	DataWindow ccunits.DataSize
	TimeWindow ccunits.TimeDelta
	PadWindow  ccunits.DataSize
}

// DataRate returns the derived data_window / time_window rate.
func (p PacerConfig) DataRate() ccunits.DataRate { return p.DataWindow.DivDuration(p.TimeWindow) }

// ProbeClusterConfig requests that the pacer send a cluster of probe
// packets back-to-back at the given target rate.
type ProbeClusterConfig struct {
	ID               int
	AtTime           ccunits.Timestamp
	TargetDataRate   ccunits.DataRate
	TargetDuration   ccunits.TimeDelta
	TargetProbeCount int
}

// CongestionWindow is the (experimental) send-window cap, in effect only
// when the WebRTC-CwndExperiment field trial is enabled.
type CongestionWindow struct {
	Enabled    bool
	DataWindow ccunits.DataSize
}

// NetworkAvailability reports whether the active network route is up.
type NetworkAvailability struct {
	NetworkAvailable bool
	AtTime           ccunits.Timestamp
}

// NetworkRouteChange carries the new constraints to apply when the
// active route changes (new ICE candidate pair, new network interface).
type NetworkRouteChange struct {
	AtTime       ccunits.Timestamp
	MinRate      ccunits.DataRate
	StartingRate ccunits.DataRate
	MaxRate      ccunits.DataRate
}

// TargetRateConstraints updates the min/starting/max bitrate bounds fed
// to the delay-based and loss-based estimators; the probe estimator is not
// given them. Fields left as ccunits.DataRateNotInitialized are unchanged.
type TargetRateConstraints struct {
	AtTime       ccunits.Timestamp
	MinRate      ccunits.DataRate
	StartingRate ccunits.DataRate
	MaxRate      ccunits.DataRate
}

// StreamsConfig updates the pacing/padding knobs that feed PacerConfig.
// A nil PacingFactor leaves the current value unchanged.
type StreamsConfig struct {
	AtTime         ccunits.Timestamp
	PacingFactor   *float64
	MinPacingRate  ccunits.DataRate
	MaxPaddingRate ccunits.DataRate
}

// TransportLossReport carries cumulative loss report deltas since the
// previous report.
type TransportLossReport struct {
	AtTime               ccunits.Timestamp
	PacketsLostDelta     int64
	PacketsReceivedDelta int64
}

// SentPacket is the transport's send notification, forwarded to
// process_sent_packet by the caller before being handed to OnSentPacket
// for ALR/cwnd accounting.
type SentPacket struct {
	AtTime ccunits.Timestamp
	Size   ccunits.DataSize
}

// DebugState is a point-in-time snapshot of the arbiter's internal
// estimator state, exposed as a pull rather than handing out a live
// reference to internal components.
type DebugState struct {
	TargetRate                 ccunits.DataRate
	DelayBasedTarget           ccunits.DataRate
	LossBasedTarget            ccunits.DataRate
	LossFractionQ8             uint8
	RoundTripTime              ccunits.TimeDelta
	InUnderuse                 bool
	TrendlineState             trendline.BandwidthUsage
	LinkCapacityHasEstimate    bool
	InApplicationLimitedRegion bool
	ApplicationLimitedSince    ccunits.Timestamp
	OutstandingData            ccunits.DataSize
	CongestionWindow           CongestionWindow
	LastProbeBitrate           ccunits.DataRate
}
