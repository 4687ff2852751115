// Package probebwe derives an instantaneous bitrate estimate from
// clusters of packets the pacer sent back-to-back as bandwidth probes.
package probebwe

import (
	"github.com/gammazero/deque"
	"github.com/go-logr/logr"

	"github.com/pion/transport-cc/pkg/ccfeedback"
	"github.com/pion/transport-cc/pkg/ccunits"
)

const (
	minPacketsCluster   = 5
	minReceiveSpan      = 15 * 1000 // microseconds
	clusterMaxAge       = 5 * 1000 * 1000
	resultScaleFraction = 0.85
)

// Result is an emitted bitrate estimate for one completed cluster.
type Result struct {
	ClusterID int
	Bitrate   ccunits.DataRate
}

type cluster struct {
	id                int
	firstSend         ccunits.Timestamp
	lastSend          ccunits.Timestamp
	firstReceive      ccunits.Timestamp
	lastReceive       ccunits.Timestamp
	sizeSent          ccunits.DataSize
	sizeReceived      ccunits.DataSize
	numPacketsCounted int
}

// Estimator accumulates probe-tagged packets by cluster id and emits a
// bitrate once a cluster is complete. Construct with NewEstimator; not
// safe for concurrent use.
type Estimator struct {
	logger logr.Logger

	minProbeSize ccunits.DataSize

	clusters map[int]*cluster
	order    deque.Deque // of int, oldest (first-seen) cluster id first
}

// NewEstimator builds an Estimator. minProbeSize is the packet size below
// which a packet is assumed to be pacer padding and is excluded from the
// packet-count threshold.
func NewEstimator(logger logr.Logger, minProbeSize ccunits.DataSize) *Estimator {
	return &Estimator{
		logger:       logger,
		minProbeSize: minProbeSize,
		clusters:     make(map[int]*cluster),
	}
}

// OnTransportPacketsFeedback folds one feedback report's received packets
// into their probe clusters, returning a Result for every cluster that
// completes as a result (by reaching its size/span threshold, or by being
// implicitly closed by a later cluster's arrival).
func (e *Estimator) OnTransportPacketsFeedback(fb ccfeedback.TransportPacketsFeedback) []Result {
	var results []Result

	for _, pr := range fb.SortedByReceiveTime() {
		sp := pr.SentPacket
		if sp == nil {
			continue
		}
		id := sp.PacingInfo.ProbeClusterID
		if id == ccfeedback.NoProbeCluster {
			continue
		}

		results = append(results, e.closeOlderThanLocked(id)...)

		c, ok := e.clusters[id]
		isFirstInCluster := !ok
		if !ok {
			c = &cluster{id: id, firstSend: sp.SendTime, firstReceive: pr.ReceiveTime}
			e.clusters[id] = c
			e.order.PushBack(id)
		}
		c.lastSend = sp.SendTime
		c.lastReceive = pr.ReceiveTime
		if sp.Size.GreaterOrEqual(e.minProbeSize) {
			c.numPacketsCounted++
		}
		// The cluster's first packet only establishes the reference send/
		// receive time; the rate is the data transmitted *after* it, over
		// the span from the first packet to the last.
		if !isFirstInCluster {
			c.sizeSent = c.sizeSent.Add(sp.Size)
			c.sizeReceived = c.sizeReceived.Add(sp.Size)
		}

		if c.numPacketsCounted >= minPacketsCluster {
			if span := c.lastReceive.Sub(c.firstReceive); span.MicrosecondsValue() >= minReceiveSpan {
				if r, ok2 := finish(c); ok2 {
					results = append(results, r)
				}
				e.evictLocked(id)
			}
		}
	}

	e.evictOldLocked(fb.FeedbackTime)
	return results
}

// Tick evicts clusters that have gone stale since the last feedback
// batch, for callers that run a periodic maintenance tick independent of
// feedback arrival.
func (e *Estimator) Tick(now ccunits.Timestamp) {
	e.evictOldLocked(now)
}

// closeOlderThanLocked finishes and evicts any tracked cluster with an id
// lower than id, on the assumption that cluster ids are assigned in
// temporal order by the caller so a newer id implies the older ones are
// done.
func (e *Estimator) closeOlderThanLocked(id int) []Result {
	var results []Result
	n := e.order.Len()
	for i := 0; i < n; i++ {
		oid := e.order.At(i).(int)
		if oid >= id {
			continue
		}
		if c, ok := e.clusters[oid]; ok {
			if r, ok2 := finish(c); ok2 {
				results = append(results, r)
			}
			e.evictLocked(oid)
		}
	}
	return results
}

// evictLocked drops a finished cluster from the map. Its id is left in
// place in e.order as a tombstone: arrival order only ever grows at the
// back, so a finished id is skipped wherever it's encountered and
// eventually falls off the front during evictOldLocked.
func (e *Estimator) evictLocked(id int) {
	delete(e.clusters, id)
}

func (e *Estimator) evictOldLocked(now ccunits.Timestamp) {
	for e.order.Len() > 0 {
		id := e.order.Front().(int)
		c, ok := e.clusters[id]
		if !ok {
			e.order.PopFront()
			continue
		}
		if now.Sub(c.firstSend).MicrosecondsValue() < clusterMaxAge {
			break
		}
		e.logger.V(1).Info("evicting stale probe cluster", "clusterID", id)
		delete(e.clusters, id)
		e.order.PopFront()
	}
}

// finish computes the bitrate for a cluster that has met the
// packet-count threshold, or reports ok=false if it has too little
// send/receive span to produce a meaningful rate.
func finish(c *cluster) (Result, bool) {
	if c.numPacketsCounted < minPacketsCluster {
		return Result{}, false
	}
	sendSpan := c.lastSend.Sub(c.firstSend)
	receiveSpan := c.lastReceive.Sub(c.firstReceive)
	if sendSpan.IsZero() || receiveSpan.IsZero() {
		return Result{}, false
	}

	sendRate := c.sizeSent.DivDuration(sendSpan)
	receiveRate := c.sizeReceived.DivDuration(receiveSpan)
	rate := sendRate
	if receiveRate.Greater(rate) {
		rate = receiveRate
	}
	return Result{ClusterID: c.id, Bitrate: rate.MulFloat(resultScaleFraction)}, true
}
