// Package alr detects application-limited regions: spans of time where
// the sender has less media to send than the estimated available
// bandwidth would allow, inferred from the sent-byte rate falling well
// below the current bitrate estimate.
package alr

import (
	"fmt"

	"github.com/gammazero/deque"
	"github.com/go-logr/logr"

	"github.com/pion/transport-cc/pkg/ccunits"
)

const (
	measurementPeriod = ccunits.TimeDelta(500 * 1000) // 500ms, in microseconds

	// DefaultStartUsagePercent/DefaultEndUsagePercent are the stock
	// thresholds: ALR begins when sent-byte utilisation drops below 60%
	// of the estimate and ends once it climbs back above 70%.
	DefaultStartUsagePercent = 60
	DefaultEndUsagePercent   = 70
)

// ExperimentSettings overrides the detector's thresholds and the
// pacer-facing knobs that travel alongside them in the field trial this
// was originally bundled with.
type ExperimentSettings struct {
	PacingFactor         float64
	MaxPacedQueueTime    ccunits.TimeDelta
	AlrStartUsagePercent int
	AlrEndUsagePercent   int
}

// ParseScreenshareProbingBweSettings parses the
// "WebRTC-ProbingScreenshareBwe" field-trial value, a
// "pacingFactor-maxQueueMs-startPct-endPct" tuple. Returns ok=false (and
// zero value) if the string doesn't match.
func ParseScreenshareProbingBweSettings(value string) (ExperimentSettings, bool) {
	var pacingFactor float64
	var maxQueueMs int64
	var startPct, endPct int
	n, err := fmt.Sscanf(value, "%f-%d-%d-%d", &pacingFactor, &maxQueueMs, &startPct, &endPct)
	if err != nil || n != 4 {
		return ExperimentSettings{}, false
	}
	return ExperimentSettings{
		PacingFactor:         pacingFactor,
		MaxPacedQueueTime:    ccunits.Milliseconds(maxQueueMs),
		AlrStartUsagePercent: startPct,
		AlrEndUsagePercent:   endPct,
	}, true
}

type sample struct {
	atMicros int64
	size     ccunits.DataSize
}

// Detector tracks the sent-byte rate over a 500ms sliding window and
// reports whether the sender is currently application-limited. Construct
// with NewDetector; not safe for concurrent use.
type Detector struct {
	logger logr.Logger

	startUsagePercent int
	endUsagePercent   int

	estimatedBitrate ccunits.DataRate

	samples   deque.Deque // of sample, oldest first
	totalSize ccunits.DataSize

	// alrStarted is TimestampNotInitialized outside an ALR region.
	alrStarted ccunits.Timestamp
}

// NewDetector builds a Detector with the default 60%/70% thresholds.
func NewDetector(logger logr.Logger) *Detector {
	return &Detector{
		logger:            logger,
		startUsagePercent: DefaultStartUsagePercent,
		endUsagePercent:   DefaultEndUsagePercent,
		alrStarted:        ccunits.TimestampNotInitialized,
	}
}

// ApplyExperimentSettings overrides the start/end usage thresholds, e.g.
// from a parsed ExperimentSettings.
func (d *Detector) ApplyExperimentSettings(s ExperimentSettings) {
	d.startUsagePercent = s.AlrStartUsagePercent
	d.endUsagePercent = s.AlrEndUsagePercent
}

// SetEstimatedBitrate records the current bandwidth estimate that
// sent-byte utilisation is measured against.
func (d *Detector) SetEstimatedBitrate(rate ccunits.DataRate) {
	d.estimatedBitrate = rate
}

// OnBytesSent folds one send event into the sliding window and updates
// the ALR state. No-op until an estimate has been set.
func (d *Detector) OnBytesSent(size ccunits.DataSize, now ccunits.Timestamp) {
	if !d.estimatedBitrate.IsInitialized() || d.estimatedBitrate.IsZero() {
		return
	}

	nowUs := now.MicrosecondsValue()
	d.samples.PushBack(sample{atMicros: nowUs, size: size})
	d.totalSize = d.totalSize.Add(size)

	for d.samples.Len() > 0 {
		front := d.samples.Front().(sample)
		if ccunits.Microseconds(nowUs-front.atMicros).LessOrEqual(measurementPeriod) {
			break
		}
		d.totalSize = d.totalSize.Sub(front.size)
		d.samples.PopFront()
	}
	if d.samples.Len() == 0 {
		return
	}

	windowUs := nowUs - d.samples.Front().(sample).atMicros
	if windowUs <= 0 {
		return
	}
	rate := d.totalSize.DivDuration(ccunits.Microseconds(windowUs))
	percentage := rate.BitsPerSecondValue() * 100 / d.estimatedBitrate.BitsPerSecondValue()

	switch {
	case percentage < int64(d.startUsagePercent) && !d.alrStarted.IsInitialized():
		d.alrStarted = now
		d.logger.V(1).Info("entering application-limited region", "usagePercent", percentage)
	case percentage > int64(d.endUsagePercent) && d.alrStarted.IsInitialized():
		d.alrStarted = ccunits.TimestampNotInitialized
		d.logger.V(1).Info("leaving application-limited region", "usagePercent", percentage)
	}
}

// ApplicationLimitedRegionStartTime returns the time the current ALR
// region began, or ok=false if the sender is not currently
// application-limited.
func (d *Detector) ApplicationLimitedRegionStartTime() (start ccunits.Timestamp, ok bool) {
	return d.alrStarted, d.alrStarted.IsInitialized()
}
