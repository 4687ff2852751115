package ccgroup

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pion/transport-cc/pkg/ccfeedback"
	"github.com/pion/transport-cc/pkg/ccunits"
)

func feedbackAt(seq int64, sendMs, recvMs int64) ccfeedback.PacketResult {
	return ccfeedback.PacketResult{
		SentPacket: &ccfeedback.SentPacketResult{
			SequenceNumber: seq,
			SendTime:       ccunits.TimestampMillis(sendMs),
			Size:           ccunits.Bytes(1000),
		},
		ReceiveTime: ccunits.TimestampMillis(recvMs),
	}
}

func TestGrouperBurstsIntoOneGroup(t *testing.T) {
	g := NewGrouper(logr.Discard())
	g.OnPacketFeedback(feedbackAt(1, 0, 10), ccunits.TimestampMillis(20))
	g.OnPacketFeedback(feedbackAt(2, 2, 12), ccunits.TimestampMillis(20))
	g.OnPacketFeedback(feedbackAt(3, 4, 14), ccunits.TimestampMillis(20))
	assert.Equal(t, 1, g.Len())
}

func TestGrouperPopDeltasNeedsThreeGroups(t *testing.T) {
	g := NewGrouper(logr.Discard())
	g.OnPacketFeedback(feedbackAt(1, 0, 10), ccunits.TimestampMillis(20))
	g.OnPacketFeedback(feedbackAt(2, 20, 30), ccunits.TimestampMillis(40))
	assert.Empty(t, g.PopDeltas())

	g.OnPacketFeedback(feedbackAt(3, 40, 50), ccunits.TimestampMillis(60))
	deltas := g.PopDeltas()
	require.Len(t, deltas, 1)
	assert.Equal(t, ccunits.Milliseconds(20), deltas[0].Send)
	assert.Equal(t, ccunits.Milliseconds(20), deltas[0].Receive)
}

func TestGrouperDropsReorderedSend(t *testing.T) {
	g := NewGrouper(logr.Discard())
	g.OnPacketFeedback(feedbackAt(1, 100, 110), ccunits.TimestampMillis(120))
	g.OnPacketFeedback(feedbackAt(2, 50, 60), ccunits.TimestampMillis(70))
	assert.Equal(t, 1, g.Len())
}

func TestGrouperClockJumpDropsExtraGroup(t *testing.T) {
	g := NewGrouper(logr.Discard())
	// Feedback (local receive of the RTCP report) advances normally while
	// the reported remote receive time jumps by 4s: the remote clock
	// stepped, not the network.
	g.OnPacketFeedback(feedbackAt(1, 0, 10), ccunits.TimestampMillis(20))
	g.OnPacketFeedback(feedbackAt(2, 20, 30), ccunits.TimestampMillis(40))
	g.OnPacketFeedback(feedbackAt(3, 40, 4050), ccunits.TimestampMillis(60))
	g.OnPacketFeedback(feedbackAt(4, 60, 4070), ccunits.TimestampMillis(80))

	deltas := g.PopDeltas()
	require.Len(t, deltas, 1)
	assert.Equal(t, ccunits.Milliseconds(20), deltas[0].Send)
	assert.Equal(t, 1, g.Len())
}
