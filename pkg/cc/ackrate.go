package cc

import (
	"github.com/gammazero/deque"

	"github.com/pion/transport-cc/pkg/ccunits"
)

// ackRateWindow is the receiver-side throughput implied by recently
// acknowledged bytes, over a 500ms sliding window — the acknowledged
// rate fed as an input to the delay-based controller's Decrease state
// and link-capacity belief.
const ackRateWindow = ccunits.TimeDelta(500 * 1000)

type ackSample struct {
	atMicros int64
	size     ccunits.DataSize
}

// ackBitrateEstimator computes acknowledged rate from acked packet sizes
// over a sliding window. Not safe for concurrent use.
type ackBitrateEstimator struct {
	samples   deque.Deque // of ackSample, oldest first
	totalSize ccunits.DataSize
}

func (a *ackBitrateEstimator) onAcked(size ccunits.DataSize, at ccunits.Timestamp) {
	nowUs := at.MicrosecondsValue()
	a.samples.PushBack(ackSample{atMicros: nowUs, size: size})
	a.totalSize = a.totalSize.Add(size)

	for a.samples.Len() > 0 {
		front := a.samples.Front().(ackSample)
		if ccunits.Microseconds(nowUs-front.atMicros).LessOrEqual(ackRateWindow) {
			break
		}
		a.totalSize = a.totalSize.Sub(front.size)
		a.samples.PopFront()
	}
}

// rate returns DataRateNotInitialized until at least two samples span a
// non-zero window.
func (a *ackBitrateEstimator) rate() ccunits.DataRate {
	if a.samples.Len() < 2 {
		return ccunits.DataRateNotInitialized
	}
	oldest := a.samples.Front().(ackSample)
	newest := a.samples.Back().(ackSample)
	span := newest.atMicros - oldest.atMicros
	if span <= 0 {
		return ccunits.DataRateNotInitialized
	}
	return a.totalSize.DivDuration(ccunits.Microseconds(span))
}

func (a *ackBitrateEstimator) reset() {
	a.samples.Clear()
	a.totalSize = ccunits.DataSizeZero
}
