// Package lossbwe implements the loss-based side of the send-side
// congestion controller: a receiver-loss-driven bitrate estimate capped
// by the delay-based estimate and any REMB-style receiver cap, with a
// TFRC floor under sustained loss.
package lossbwe

import (
	"math"

	"github.com/gammazero/deque"
	"github.com/go-logr/logr"

	"github.com/pion/transport-cc/pkg/ccunits"
)

const (
	increaseIntervalMs = 1000
	decreaseIntervalMs = 300
	limitNumPackets    = 20
	avgPacketSizeBytes = 1000

	// lossLow/lossHigh are fraction_lost thresholds in Q8 (0-255): ≤5
	// is "≤2% loss", ≤26 is "≤10% loss".
	lossLow  = 5
	lossHigh = 26
)

type historyEntry struct {
	timeMs  int64
	bitrate ccunits.DataRate
}

// Estimator is the loss-based rate estimator. Construct with NewEstimator;
// not safe for concurrent use.
type Estimator struct {
	logger logr.Logger

	accumulateLost     int64
	accumulateExpected int64

	bitrate              ccunits.DataRate
	minBitrateConfigured ccunits.DataRate
	maxBitrateConfigured ccunits.DataRate

	lastFractionLoss uint8
	lastRTT          ccunits.TimeDelta

	incomingRemb       ccunits.DataRate
	incomingDelayBased ccunits.DataRate

	timeLastReceiverBlock ccunits.Timestamp
	timeLastDecrease      ccunits.Timestamp

	minBitrateHistory deque.Deque // of historyEntry, oldest first
}

// NewEstimator constructs an Estimator with no caps applied yet.
func NewEstimator(logger logr.Logger) *Estimator {
	return &Estimator{
		logger:                logger,
		maxBitrateConfigured:  ccunits.DataRatePlusInfinity,
		incomingRemb:          ccunits.DataRatePlusInfinity,
		incomingDelayBased:    ccunits.DataRatePlusInfinity,
		timeLastReceiverBlock: ccunits.TimestampNotInitialized,
		timeLastDecrease:      ccunits.TimestampNotInitialized,
		lastRTT:               ccunits.TimeDeltaZero,
	}
}

// SetSendBitrate seeds the estimate directly, e.g. at startup, clearing
// the sliding-window history so the new value isn't immediately capped
// by stale samples.
func (e *Estimator) SetSendBitrate(bitrate ccunits.DataRate) {
	e.bitrate = bitrate
	e.minBitrateHistory.Clear()
}

// SetMinMaxBitrate configures the hard floor and ceiling.
func (e *Estimator) SetMinMaxBitrate(min, max ccunits.DataRate) {
	e.minBitrateConfigured = min
	e.maxBitrateConfigured = max
}

// SetMinBitrate configures the hard floor only.
func (e *Estimator) SetMinBitrate(min ccunits.DataRate) {
	e.minBitrateConfigured = min
}

// CurrentEstimate returns the current target, last reported loss
// fraction (Q8, 0-255), and last RTT.
func (e *Estimator) CurrentEstimate() (ccunits.DataRate, uint8, ccunits.TimeDelta) {
	return e.bitrate, e.lastFractionLoss, e.lastRTT
}

// UpdateReceiverEstimate applies a REMB/TMMBR-style receiver cap.
func (e *Estimator) UpdateReceiverEstimate(bandwidth ccunits.DataRate) {
	e.incomingRemb = bandwidth
	e.capBitrateToThresholds()
}

// UpdateDelayBasedEstimate applies the delay-based controller's target as
// a cap.
func (e *Estimator) UpdateDelayBasedEstimate(now ccunits.Timestamp, rate ccunits.DataRate) {
	e.incomingDelayBased = rate
	e.capBitrateToThresholds()
}

// UpdateRTT records the latest round-trip time, used by the TFRC floor
// and the decrease rate limiter.
func (e *Estimator) UpdateRTT(rtt ccunits.TimeDelta, now ccunits.Timestamp) {
	e.lastRTT = rtt
}

// UpdatePacketsLost accumulates lost/expected packet counts until at
// least limitNumPackets have been counted, then folds the resulting
// fraction_lost into the estimate.
func (e *Estimator) UpdatePacketsLost(lost, expected int64, now ccunits.Timestamp) {
	if expected <= 0 {
		return
	}
	e.accumulateLost += lost
	e.accumulateExpected += expected
	if e.accumulateExpected < limitNumPackets {
		return
	}

	fraction := float64(e.accumulateLost) / float64(e.accumulateExpected)
	if fraction < 0 {
		fraction = 0
	}
	e.lastFractionLoss = uint8(math.Round(fraction * 255))
	e.accumulateLost = 0
	e.accumulateExpected = 0

	e.timeLastReceiverBlock = now
	e.UpdateEstimate(now)
}

// UpdateEstimate advances the bitrate using the last reported loss
// fraction, the sliding-window minimum, and the TFRC floor.
func (e *Estimator) UpdateEstimate(now ccunits.Timestamp) {
	e.updateMinHistory(now)

	if e.timeLastReceiverBlock.IsInitialized() {
		switch {
		case e.lastFractionLoss <= lossLow:
			front := e.minBitrateHistory.Front().(historyEntry)
			e.bitrate = front.bitrate.MulFloat(1.08).Add(ccunits.BitsPerSecond(1000))
		case e.lastFractionLoss <= lossHigh:
			// hold
		default:
			decreaseDue := ccunits.Milliseconds(decreaseIntervalMs).Add(e.lastRTT)
			if !e.timeLastDecrease.IsInitialized() || now.Sub(e.timeLastDecrease).GreaterOrEqual(decreaseDue) {
				e.timeLastDecrease = now
				scaled := e.bitrate.MulFloat(float64(512-int(e.lastFractionLoss)) / 512.0)
				floor := calcTFRC(e.lastRTT, e.lastFractionLoss)
				if scaled.Less(floor) {
					scaled = floor
				}
				e.bitrate = scaled
			}
		}
	}
	e.capBitrateToThresholds()
}

func (e *Estimator) updateMinHistory(now ccunits.Timestamp) {
	nowMs := now.Milliseconds()
	for e.minBitrateHistory.Len() > 0 {
		front := e.minBitrateHistory.Front().(historyEntry)
		if nowMs-front.timeMs+1 <= increaseIntervalMs {
			break
		}
		e.minBitrateHistory.PopFront()
	}
	for e.minBitrateHistory.Len() > 0 {
		back := e.minBitrateHistory.Back().(historyEntry)
		if e.bitrate.Greater(back.bitrate) {
			break
		}
		e.minBitrateHistory.PopBack()
	}
	e.minBitrateHistory.PushBack(historyEntry{timeMs: nowMs, bitrate: e.bitrate})
}

func (e *Estimator) capBitrateToThresholds() {
	if e.bitrate.Greater(e.incomingRemb) {
		e.bitrate = e.incomingRemb
	}
	if e.bitrate.Greater(e.incomingDelayBased) {
		e.bitrate = e.incomingDelayBased
	}
	if e.bitrate.Greater(e.maxBitrateConfigured) {
		e.bitrate = e.maxBitrateConfigured
	}
	if e.bitrate.Less(e.minBitrateConfigured) {
		e.logger.Info("estimated available bandwidth below configured minimum",
			"estimateKbps", e.bitrate.KbpsValue(), "minKbps", e.minBitrateConfigured.KbpsValue())
		e.bitrate = e.minBitrateConfigured
	}
}

// calcTFRC computes the TCP-friendly rate control floor per RFC 3448
// §3.1, with b=1 acked-packets-per-ack and t_RTO=4·RTT.
func calcTFRC(rtt ccunits.TimeDelta, lossQ8 uint8) ccunits.DataRate {
	if rtt.IsZero() || lossQ8 == 0 {
		return ccunits.DataRateZero
	}
	r := rtt.SecondsFloat()
	const b = 1.0
	tRTO := 4.0 * r
	p := float64(lossQ8) / 255.0
	s := float64(avgPacketSizeBytes)

	x := s / (r*math.Sqrt(2*b*p/3) + tRTO*(3*math.Sqrt(3*b*p/8)*p*(1+32*p*p)))
	return ccunits.BytesPerSecond(int64(x))
}
