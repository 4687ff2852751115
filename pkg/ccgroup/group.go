// Package ccgroup clusters consecutive received packets into send-time
// groups and turns the resulting group sequence into inter-group delay
// deltas for the trendline estimator.
package ccgroup

import (
	"errors"

	"github.com/gammazero/deque"
	"github.com/go-logr/logr"

	"github.com/pion/transport-cc/pkg/ccfeedback"
	"github.com/pion/transport-cc/pkg/ccunits"
)

var errReorderedSend = errors.New("packet send time precedes current group, dropped at grouper")

const (
	sendTimeGroupLength  = ccunits.TimeDelta(5 * 1000)   // 5ms
	burstReceiveLength   = ccunits.TimeDelta(5 * 1000)   // 5ms
	burstReceiveSpanCap  = ccunits.TimeDelta(100 * 1000) // 100ms
	clockJumpThreshold   = ccunits.TimeDelta(3 * 1000 * 1000)
	reorderResetStreak   = 3
)

// PacketDelayDelta is one inter-group sample handed to the trendline
// estimator.
type PacketDelayDelta struct {
	ReceiveTime ccunits.Timestamp
	Send        ccunits.TimeDelta
	Receive     ccunits.TimeDelta
	Feedback    ccunits.TimeDelta
}

type packetGroup struct {
	firstSendTime    ccunits.Timestamp
	lastSendTime     ccunits.Timestamp
	firstReceiveTime ccunits.Timestamp
	lastReceiveTime  ccunits.Timestamp
	lastFeedbackTime ccunits.Timestamp
	size             ccunits.DataSize
}

// Grouper accumulates ccfeedback.PacketResult entries into send-time
// groups and yields PacketDelayDelta samples via PopDeltas. Not safe for
// concurrent use; callers serialize access through the same goroutine
// that drains transport feedback.
type Grouper struct {
	logger logr.Logger

	groups deque.Deque // of *packetGroup, oldest first

	negativeDeltaStreak int
}

// NewGrouper constructs an empty Grouper.
func NewGrouper(logger logr.Logger) *Grouper {
	return &Grouper{logger: logger}
}

// OnPacketFeedback admits one acknowledged packet result, feeding it into
// the current group or starting a new one. feedbackTime is the receive
// time of the transport feedback report that carried this packet.
func (g *Grouper) OnPacketFeedback(pr ccfeedback.PacketResult, feedbackTime ccunits.Timestamp) {
	if pr.SentPacket == nil || !pr.Received() {
		return
	}
	sendTime := pr.SentPacket.SendTime
	if !sendTime.IsFinite() {
		return
	}

	if g.groups.Len() > 0 {
		cur := g.groups.Back().(*packetGroup)
		if sendTime.Less(cur.firstSendTime) {
			g.logger.V(1).Info("dropping reordered-in-send packet", "err", errReorderedSend)
			return
		}
		if g.belongsToGroup(cur, sendTime, pr.ReceiveTime) {
			cur.lastSendTime = sendTime
			cur.lastReceiveTime = pr.ReceiveTime
			cur.lastFeedbackTime = feedbackTime
			cur.size = cur.size.Add(pr.SentPacket.Size)
			return
		}
	}

	g.groups.PushBack(&packetGroup{
		firstSendTime:    sendTime,
		lastSendTime:     sendTime,
		firstReceiveTime: pr.ReceiveTime,
		lastReceiveTime:  pr.ReceiveTime,
		lastFeedbackTime: feedbackTime,
		size:             pr.SentPacket.Size,
	})
}

func (g *Grouper) belongsToGroup(cur *packetGroup, sendTime, receiveTime ccunits.Timestamp) bool {
	sendDelta := sendTime.Sub(cur.firstSendTime)
	if sendDelta.LessOrEqual(sendTimeGroupLength) {
		return true
	}
	recvDelta := receiveTime.Sub(cur.lastReceiveTime)
	recvSpan := receiveTime.Sub(cur.firstReceiveTime)
	return sendDelta.Less(recvDelta) && recvDelta.LessOrEqual(burstReceiveLength) && recvSpan.LessOrEqual(burstReceiveSpanCap)
}

// PopDeltas drains as many PacketDelayDelta samples as the current group
// queue supports, requiring at least three groups (two to diff, one more
// to prove the younger of the pair is closed).
func (g *Grouper) PopDeltas() []PacketDelayDelta {
	var out []PacketDelayDelta
	for g.groups.Len() >= 3 {
		g0 := g.groups.At(0).(*packetGroup)
		g1 := g.groups.At(1).(*packetGroup)

		delta := PacketDelayDelta{
			ReceiveTime: g1.lastReceiveTime,
			Send:        g1.lastSendTime.Sub(g0.lastSendTime),
			Receive:     g1.lastReceiveTime.Sub(g0.lastReceiveTime),
			Feedback:    g1.lastFeedbackTime.Sub(g0.lastFeedbackTime),
		}
		g.groups.PopFront()

		if delta.Receive.Sub(delta.Feedback).GreaterOrEqual(clockJumpThreshold) {
			g.logger.Info("remote receive clock jump detected, dropping delta and resyncing")
			g.negativeDeltaStreak = 0
			if g.groups.Len() > 0 {
				g.groups.PopFront()
			}
			continue
		}

		if delta.Receive.Less(ccunits.TimeDeltaZero) {
			g.negativeDeltaStreak++
			if g.negativeDeltaStreak >= reorderResetStreak {
				g.logger.Info("sustained reordering detected, dropping delta and resetting")
				g.negativeDeltaStreak = 0
				if g.groups.Len() > 0 {
					g.groups.PopFront()
				}
				continue
			}
		} else {
			g.negativeDeltaStreak = 0
		}

		out = append(out, delta)
	}
	return out
}

// Len reports how many groups are currently buffered.
func (g *Grouper) Len() int { return g.groups.Len() }
