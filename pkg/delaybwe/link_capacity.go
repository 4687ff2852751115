package delaybwe

import (
	"math"

	"github.com/pion/transport-cc/pkg/ccunits"
)

// linkCapacityEstimator tracks a belief about the network's link capacity
// from acknowledged-rate samples taken at overuse, or directly from probe
// results, as a running mean/variance in kbps. The bounds derived from it
// gate when the delay-based increase can use the faster linear ramp.
type linkCapacityEstimator struct {
	hasEstimate   bool
	estimateKbps  float64
	deviationKbps float64
}

func (l *linkCapacityEstimator) Reset() {
	*l = linkCapacityEstimator{}
}

func (l *linkCapacityEstimator) HasEstimate() bool { return l.hasEstimate }

// OnOveruseDetected folds an acknowledged-rate sample taken at overuse
// into the estimate with a slow time constant.
func (l *linkCapacityEstimator) OnOveruseDetected(rate ccunits.DataRate) {
	l.update(rate, 0.05)
}

// OnProbeRate folds a probe result in with a fast time constant: a probe
// is a much stronger capacity signal than an ordinary overuse sample.
func (l *linkCapacityEstimator) OnProbeRate(rate ccunits.DataRate) {
	l.update(rate, 0.5)
}

func (l *linkCapacityEstimator) update(sample ccunits.DataRate, alpha float64) {
	sampleKbps := float64(sample.KbpsValue())
	if !l.hasEstimate {
		l.hasEstimate = true
		l.estimateKbps = sampleKbps
	} else {
		l.estimateKbps = (1-alpha)*l.estimateKbps + alpha*sampleKbps
	}
	norm := math.Max(l.estimateKbps, 1.0)
	errKbps := l.estimateKbps - sampleKbps
	l.deviationKbps = (1-alpha)*l.deviationKbps + alpha*errKbps*errKbps/norm
	l.deviationKbps = math.Min(l.deviationKbps, 0.4*l.estimateKbps)
}

// UpperBound and LowerBound treat the estimate as the mean of a Gaussian
// belief and report a 3-standard-deviation interval around it.
func (l *linkCapacityEstimator) UpperBound() ccunits.DataRate {
	if !l.hasEstimate {
		return ccunits.DataRatePlusInfinity
	}
	return ccunits.Kbps(int64(l.estimateKbps + 3*math.Sqrt(l.deviationKbps)))
}

func (l *linkCapacityEstimator) LowerBound() ccunits.DataRate {
	if !l.hasEstimate {
		return ccunits.DataRateZero
	}
	bound := l.estimateKbps - 3*math.Sqrt(l.deviationKbps)
	if bound < 0 {
		bound = 0
	}
	return ccunits.Kbps(int64(bound))
}
