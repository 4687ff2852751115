// Package delaybwe implements the delay-based side of the send-side
// congestion controller: packet grouping, trendline overuse detection,
// and the Hold/Increase/Decrease target-rate state machine built on top
// of them.
package delaybwe

import (
	"math"

	"github.com/go-logr/logr"

	"github.com/pion/transport-cc/pkg/ccfeedback"
	"github.com/pion/transport-cc/pkg/ccgroup"
	"github.com/pion/transport-cc/pkg/ccunits"
	"github.com/pion/transport-cc/pkg/trendline"
)

// Config holds the tunables of the delay-based controller, named and
// defaulted the way the corresponding field-trial parameters are in the
// original implementation.
type Config struct {
	NoAckBackoffFraction    float64
	NoAckBackoffInterval    ccunits.TimeDelta
	AckBackoffFraction      float64
	ProbeBackoffFraction    float64
	InitialIncreaseRate     float64
	IncreaseRate            float64
	StopIncreaseAfter       ccunits.TimeDelta
	MinIncreaseInterval     ccunits.TimeDelta
	LinearIncreaseThreshold ccunits.DataRate
	ReferenceDurationOffset ccunits.TimeDelta
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		NoAckBackoffFraction:    0.8,
		NoAckBackoffInterval:    ccunits.Milliseconds(1000),
		AckBackoffFraction:      0.90,
		ProbeBackoffFraction:    0.85,
		InitialIncreaseRate:     0.03,
		IncreaseRate:            0.01,
		StopIncreaseAfter:       ccunits.Milliseconds(500),
		MinIncreaseInterval:     ccunits.Milliseconds(100),
		LinearIncreaseThreshold: ccunits.Kbps(300),
		ReferenceDurationOffset: ccunits.Milliseconds(100),
	}
}

// Controller is the delay-based rate controller. Construct with
// NewController; not safe for concurrent use.
type Controller struct {
	cfg    Config
	logger logr.Logger

	grouper *ccgroup.Grouper
	trend   *trendline.Estimator
	link    linkCapacityEstimator

	minRate ccunits.DataRate
	maxRate ccunits.DataRate

	acknowledgedRate ccunits.DataRate // DataRateNotInitialized means "none yet"
	lastRTT          ccunits.TimeDelta
	firstUnackedSend ccunits.Timestamp
	lastFeedbackTime ccunits.Timestamp

	targetRate ccunits.DataRate

	lastNoAckBackoff    ccunits.Timestamp
	increasingState     bool
	accumulatedDuration float64
	lastIncreaseUpdate  ccunits.Timestamp
	increaseReference   ccunits.DataRate
}

// NewController builds a controller with the given starting/min/max
// target rates.
func NewController(cfg Config, logger logr.Logger, startingRate, minRate, maxRate ccunits.DataRate) *Controller {
	c := &Controller{
		cfg:                 cfg,
		logger:              logger,
		grouper:             ccgroup.NewGrouper(logger),
		trend:               trendline.NewEstimator(),
		minRate:             minRate,
		maxRate:             maxRate,
		acknowledgedRate:    ccunits.DataRateNotInitialized,
		lastRTT:             ccunits.Seconds(1),
		firstUnackedSend:    ccunits.TimestampPlusInfinity,
		lastFeedbackTime:    ccunits.TimestampNotInitialized,
		targetRate:          startingRate.Clamp(minRate, maxRate),
		lastNoAckBackoff:    ccunits.TimestampNotInitialized,
		lastIncreaseUpdate:  ccunits.TimestampPlusInfinity,
		increaseReference:   ccunits.DataRatePlusInfinity,
	}
	return c
}

// OnRouteChange drops all accumulated state and starts fresh.
func (c *Controller) OnRouteChange() {
	c.grouper = ccgroup.NewGrouper(c.logger)
	c.trend = trendline.NewEstimator()
	c.link.Reset()
}

// UpdateConstraints applies new min/max/starting rate bounds; pass
// ccunits.DataRateNotInitialized for any field that should be left
// unchanged.
func (c *Controller) UpdateConstraints(minRate, maxRate, startingRate ccunits.DataRate) {
	if minRate.IsInitialized() {
		c.minRate = minRate
	}
	if maxRate.IsInitialized() {
		c.maxRate = maxRate
	}
	if startingRate.IsInitialized() {
		c.targetRate = startingRate
	}
	c.targetRate = c.targetRate.Clamp(c.minRate, c.maxRate)
}

// SetRTT overrides the RTT used by the increase reference-span
// calculation and the expected-bandwidth-period accessor, e.g. with a
// smoothed RTT supplied by the transport rather than the feedback-
// derived raw one.
func (c *Controller) SetRTT(rtt ccunits.TimeDelta) {
	c.lastRTT = rtt
}

// SetAcknowledgedRate records the current acknowledged rate (the arbiter
// feeds it the throughput of acknowledged packets), forgetting the link-capacity belief if it has grown
// past what the belief considers plausible.
func (c *Controller) SetAcknowledgedRate(rate ccunits.DataRate) {
	c.acknowledgedRate = rate
	if rate.Greater(c.link.UpperBound()) {
		c.link.Reset()
	}
}

// OnTransportPacketsFeedback digests one feedback report: groups the
// newly-acknowledged packets, runs the trendline filter over the
// resulting deltas, and applies the Hold/Increase/Decrease transition.
// probeBitrate should be ccunits.DataRateNotInitialized when the arbiter
// has no fresh probe result to report.
func (c *Controller) OnTransportPacketsFeedback(fb ccfeedback.TransportPacketsFeedback, probeBitrate ccunits.DataRate) {
	received := fb.ReceivedPackets()

	for i := len(received) - 1; i >= 0; i-- {
		if received[i].SentPacket != nil {
			c.lastRTT = fb.FeedbackTime.Sub(received[i].SentPacket.SendTime)
			break
		}
	}
	c.firstUnackedSend = fb.FirstUnackedSendTime

	for _, pr := range received {
		c.grouper.OnPacketFeedback(pr, fb.FeedbackTime)
	}
	for _, delta := range c.grouper.PopDeltas() {
		c.trend.Update(delta, float64(delta.ReceiveTime.MicrosecondsValue())/1000.0)
	}

	usage := c.trend.State()
	at := fb.FeedbackTime
	c.lastFeedbackTime = at

	if probeBitrate.IsInitialized() {
		if !c.acknowledgedRate.IsInitialized() {
			c.acknowledgedRate = probeBitrate
		}
		c.targetRate = probeBitrate.MulFloat(c.cfg.ProbeBackoffFraction).Clamp(c.minRate, c.maxRate)
		c.increaseReference = c.targetRate
		c.link.OnProbeRate(probeBitrate)
	}

	switch {
	case usage == trendline.Normal:
		if !c.increasingState {
			c.increasingState = true
			c.lastIncreaseUpdate = at.Add(c.lastRTT)
			c.accumulatedDuration = 0
			c.increaseReference = c.targetRate
		}
	case usage == trendline.Overuse && !probeBitrate.IsInitialized():
		c.increasingState = false
		dueForNoAckBackoff := !c.lastNoAckBackoff.IsInitialized() || at.Sub(c.lastNoAckBackoff).GreaterOrEqual(c.cfg.NoAckBackoffInterval)
		if !c.acknowledgedRate.IsInitialized() && dueForNoAckBackoff {
			c.lastNoAckBackoff = at
			c.targetRate = c.targetRate.MulFloat(c.cfg.NoAckBackoffFraction)
		} else if c.acknowledgedRate.IsInitialized() {
			if c.acknowledgedRate.Less(c.link.LowerBound()) {
				c.link.Reset()
			}
			c.link.OnOveruseDetected(c.acknowledgedRate)
			c.targetRate = c.acknowledgedRate.MulFloat(c.cfg.AckBackoffFraction)
		}
		c.targetRate = c.targetRate.Clamp(c.minRate, c.maxRate)
	}
}

// OnTimeUpdate drives the periodic additive/exponential increase while in
// the Increase state.
func (c *Controller) OnTimeUpdate(now ccunits.Timestamp) {
	if !c.increasingState || now.Less(c.lastIncreaseUpdate.Add(c.cfg.MinIncreaseInterval)) {
		return
	}
	timeSpan := now.Sub(c.lastIncreaseUpdate)
	c.lastIncreaseUpdate = now

	if now.Greater(c.lastFeedbackTime.Add(c.cfg.StopIncreaseAfter)) {
		return
	}

	rttLowerBound := c.lastRTT
	if c.firstUnackedSend.IsFinite() {
		if sinceFirstUnacked := now.Sub(c.firstUnackedSend); sinceFirstUnacked.Greater(rttLowerBound) {
			rttLowerBound = sinceFirstUnacked
		}
	}
	referenceSpan := rttLowerBound.Add(c.cfg.ReferenceDurationOffset)
	c.accumulatedDuration += float64(timeSpan.MicrosecondsValue()) / float64(referenceSpan.MicrosecondsValue())

	if c.link.HasEstimate() && c.increaseReference.Greater(c.cfg.LinearIncreaseThreshold) {
		linearIncreaseRate := c.cfg.IncreaseRate * float64(c.cfg.LinearIncreaseThreshold.BitsPerSecondValue())
		increaseAmount := c.accumulatedDuration * linearIncreaseRate
		c.targetRate = c.increaseReference.Add(ccunits.BitsPerSecond(int64(increaseAmount)))
	} else {
		rate := c.cfg.IncreaseRate
		if !c.link.HasEstimate() {
			rate = c.cfg.InitialIncreaseRate
		}
		increaseFactor := math.Pow(1+rate, c.accumulatedDuration)
		c.targetRate = c.increaseReference.MulFloat(increaseFactor)
	}
	c.targetRate = c.targetRate.Clamp(c.minRate, c.maxRate)
}

// OnRemoteBitrateControl applies a REMB-style external cap directly,
// leaving the Increase state.
func (c *Controller) OnRemoteBitrateControl(bandwidth ccunits.DataRate) {
	c.targetRate = bandwidth
	c.increasingState = false
}

// GetExpectedBandwidthPeriod estimates how often the target should be
// expected to cycle between its low and high points, for pacing
// allocation decisions upstream.
func (c *Controller) GetExpectedBandwidthPeriod() ccunits.TimeDelta {
	const expectedOveruse = 0.05
	cycleMaxMinRatio := 1/c.cfg.AckBackoffFraction + expectedOveruse
	referenceSpan := c.lastRTT.Add(c.cfg.ReferenceDurationOffset)
	periodUS := referenceSpan.MicrosecondsValue()
	factor := math.Log(cycleMaxMinRatio) / math.Log(1+c.cfg.IncreaseRate)
	period := ccunits.Microseconds(int64(float64(periodUS) * factor))
	return period.Clamp(ccunits.Seconds(1), ccunits.Seconds(20))
}

// TargetRate returns the controller's current output.
func (c *Controller) TargetRate() ccunits.DataRate { return c.targetRate }

// InUnderuse reports whether the most recent trendline classification was
// Underuse.
func (c *Controller) InUnderuse() bool { return c.trend.State() == trendline.Underuse }

// InIncrease reports whether the controller is currently in the Increase
// state (as opposed to Hold), for callers that want to detect the
// Hold-to-Increase transition ("recovered from overuse") themselves.
func (c *Controller) InIncrease() bool { return c.increasingState }

// LinkCapacityHasEstimate reports whether the link-capacity belief used by
// OnTimeUpdate's linear-increase branch has converged on an estimate yet.
func (c *Controller) LinkCapacityHasEstimate() bool { return c.link.HasEstimate() }

// TrendlineState reports the most recent overuse-detector classification.
func (c *Controller) TrendlineState() trendline.BandwidthUsage { return c.trend.State() }
