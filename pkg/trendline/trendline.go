// Package trendline fits a least-squares slope over a sliding window of
// smoothed one-way-delay samples and classifies the result as a
// bandwidth overuse, underuse, or normal signal.
package trendline

import (
	"github.com/pion/transport-cc/pkg/ccgroup"
)

// BandwidthUsage is the estimator's published classification.
type BandwidthUsage int

const (
	Normal BandwidthUsage = iota
	Underuse
	Overuse
)

func (u BandwidthUsage) String() string {
	switch u {
	case Overuse:
		return "overuse"
	case Underuse:
		return "underuse"
	default:
		return "normal"
	}
}

const (
	windowSize        = 20
	smoothingFactor   = 0.9
	chanGain          = 4.0
	kOveruse          = 0.039
	kNormal           = 0.0087
	thresholdMin      = 6.0
	thresholdMax      = 600.0
	maxAdaptStepMs    = 100.0
	overuseTimeThresh = 10.0 // ms
)

type sample struct {
	arrivalTimeMs     float64
	smoothedDelayMs   float64
	accumulatedDelayMs float64
}

// Estimator is the trendline filter. Zero value is ready to use.
type Estimator struct {
	window []sample

	firstArrivalMs float64
	haveFirst      bool

	prevModifiedTrend float64
	threshold         float64
	lastUpdateMs      float64
	haveLastUpdate    bool
	overuseStartMs    float64
	inOveruseStreak   bool
	consecutiveCount  int

	state BandwidthUsage
}

// NewEstimator constructs an Estimator with the default initial threshold.
func NewEstimator() *Estimator {
	return &Estimator{threshold: 12.5}
}

// Update feeds one inter-group delay delta (from pkg/ccgroup) into the
// filter and returns the resulting classification.
func (e *Estimator) Update(delta ccgroup.PacketDelayDelta, nowMs float64) BandwidthUsage {
	sendDeltaMs := float64(delta.Send.MicrosecondsValue()) / 1000.0
	recvDeltaMs := float64(delta.Receive.MicrosecondsValue()) / 1000.0
	arrivalMs := float64(delta.ReceiveTime.MicrosecondsValue()) / 1000.0

	delaySample := recvDeltaMs - sendDeltaMs

	if !e.haveFirst {
		e.haveFirst = true
		e.firstArrivalMs = arrivalMs
	}

	prevAccumulated := 0.0
	if len(e.window) > 0 {
		prevAccumulated = e.window[len(e.window)-1].accumulatedDelayMs
	}
	accumulated := prevAccumulated + delaySample

	prevSmoothed := accumulated
	if len(e.window) > 0 {
		prevSmoothed = e.window[len(e.window)-1].smoothedDelayMs
	}
	smoothed := smoothingFactor*prevSmoothed + (1-smoothingFactor)*accumulated

	e.window = append(e.window, sample{
		arrivalTimeMs:      arrivalMs,
		smoothedDelayMs:    smoothed,
		accumulatedDelayMs: accumulated,
	})
	if len(e.window) > windowSize {
		e.window = e.window[len(e.window)-windowSize:]
	}

	slope := e.leastSquaresSlope()
	trend := slope * float64(len(e.window))
	modifiedTrend := trend * chanGain

	e.updateThreshold(modifiedTrend, nowMs)
	e.classify(modifiedTrend, nowMs)

	e.prevModifiedTrend = modifiedTrend
	return e.state
}

func (e *Estimator) leastSquaresSlope() float64 {
	n := len(e.window)
	if n < 2 {
		return 0
	}
	var sumX, sumY float64
	for _, s := range e.window {
		sumX += s.arrivalTimeMs
		sumY += s.smoothedDelayMs
	}
	meanX := sumX / float64(n)
	meanY := sumY / float64(n)

	var num, den float64
	for _, s := range e.window {
		dx := s.arrivalTimeMs - meanX
		num += dx * (s.smoothedDelayMs - meanY)
		den += dx * dx
	}
	if den == 0 {
		return 0
	}
	return num / den
}

func (e *Estimator) updateThreshold(modifiedTrend, nowMs float64) {
	if !e.haveLastUpdate {
		e.haveLastUpdate = true
		e.lastUpdateMs = nowMs
		return
	}
	dtMs := nowMs - e.lastUpdateMs
	if dtMs > maxAdaptStepMs {
		dtMs = maxAdaptStepMs
	}
	if dtMs < 0 {
		dtMs = 0
	}
	e.lastUpdateMs = nowMs

	k := kNormal
	absTrend := modifiedTrend
	if absTrend < 0 {
		absTrend = -absTrend
	}
	if absTrend > e.threshold {
		k = kOveruse
	}

	e.threshold += k * (absTrend - e.threshold) * dtMs
	if e.threshold < thresholdMin {
		e.threshold = thresholdMin
	}
	if e.threshold > thresholdMax {
		e.threshold = thresholdMax
	}
}

func (e *Estimator) classify(modifiedTrend, nowMs float64) {
	above := modifiedTrend > e.threshold

	if above {
		if !e.inOveruseStreak {
			e.inOveruseStreak = true
			e.overuseStartMs = nowMs
			e.consecutiveCount = 1
		} else {
			e.consecutiveCount++
		}
		if nowMs-e.overuseStartMs >= overuseTimeThresh && e.consecutiveCount >= 2 {
			e.state = Overuse
		}
		// Below the required dwell/count, keep the previous state
		// (sticky overuse persists; normal/underuse stay as-is).
		return
	}

	e.inOveruseStreak = false
	e.consecutiveCount = 0

	if modifiedTrend < -e.threshold {
		e.state = Underuse
		return
	}

	// modified_trend <= threshold flips a sticky overuse back to normal.
	e.state = Normal
}

// Threshold returns the current adaptive threshold, mostly useful for
// diagnostics and tests.
func (e *Estimator) Threshold() float64 { return e.threshold }

// State returns the most recent classification without consuming a new
// sample.
func (e *Estimator) State() BandwidthUsage { return e.state }
